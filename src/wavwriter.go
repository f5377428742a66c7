package vah

/*------------------------------------------------------------------
 *
 * Purpose:	WAV file writer: a pollable that records a bounded
 *		number of raw frames from a device into a
 *		timestamp-named file.
 *
 *		The file is opened lazily when the first frames arrive,
 *		so its name can carry the realtime timestamp of the
 *		first recorded frame (strftime codes plus a %Q
 *		fractional-seconds code).  Parent directories are
 *		created on a worker goroutine which signals completion
 *		through a pipe, keeping the poll loop unblocked; the
 *		worker touches nothing but that pipe and a state word.
 *
 *		Until a file's first-frame timestamp is captured the
 *		ring is rolling (oldest frames fall off the front);
 *		afterwards the front is pinned so the name stays
 *		correct, and overflowing data is refused.  Reaching the
 *		byte countdown closes the file and raises rawFileDone;
 *		a new file can be started without frame loss with
 *		resume_with_new_file.
 *
 *------------------------------------------------------------------*/

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/lestrrat-go/strftime"
	"golang.org/x/sys/unix"
)

const (
	WAV_OUTPUT_BUFFER_SIZE = 16777216 // 16 MiB of queued frames
	MIN_WRITE_SIZE         = 65536    // don't bother write(2)ing less, unless the file remainder is smaller
)

const (
	DIR_STATE_NONE = int32(iota)
	DIR_STATE_WAITING
	DIR_STATE_CREATED
	DIR_STATE_FAILED
)

type wav_file_writer_s struct {
	pollable_common_s

	dev_label     string // device whose stream we record
	path_template string // strftime + %Q template; blank after completion

	frames_to_write int
	bytes_to_write  int
	byte_countdown  int

	last_frame_timestamp float64
	curr_file_timestamp  float64
	prev_file_timestamp  float64

	hdr                wav_file_header_t
	header_written     bool
	timestamp_captured bool

	filename string

	total_files_written   int
	total_seconds_written float64

	rate     int
	channels int

	dir_state    atomic.Int32
	dir_pipe_r   int // worker signals mkdir completion here
	dir_pipe_w   int
}

func new_wav_file_writer(reg *registry_s, dev_label string, label string, path_template string,
	frames_to_write int, rate int, channels int) *wav_file_writer_s {

	var wav = &wav_file_writer_s{
		dev_label:           dev_label,
		path_template:       path_template,
		frames_to_write:     frames_to_write,
		bytes_to_write:      frames_to_write * 2 * channels,
		byte_countdown:      frames_to_write * 2 * channels,
		curr_file_timestamp: -1,
		prev_file_timestamp: -1,
		rate:                rate,
		channels:            channels,
		dir_pipe_r:          -1,
		dir_pipe_w:          -1,
	}
	wav.init_common(reg, label, WAV_OUTPUT_BUFFER_SIZE)
	wav.hdr = new_wav_header(rate, channels, uint32(frames_to_write))

	return wav
}

func (wav *wav_file_writer_s) frame_size() int {
	return 2 * wav.channels
}

// queue_output accepts raw frames.  Before a file's first-frame
// timestamp is captured the ring rolls (oldest frames are evicted to
// make room); afterwards overflowing frames are refused so the captured
// timestamp keeps describing the front of the buffer.
func (wav *wav_file_writer_s) queue_output(p []byte, frame_timestamp float64) bool {
	if wav.timestamp_captured {
		var room = wav.output.reserve()
		room -= room % wav.frame_size()
		if len(p) > room {
			p = p[:room]
		}
	} else if len(p) > wav.output.reserve() {
		var need = len(p) - wav.output.reserve()
		need += (wav.frame_size() - need%wav.frame_size()) % wav.frame_size()
		wav.output.erase_begin(need)
	}

	if len(p) == 0 {
		return false
	}

	wav.last_frame_timestamp = frame_timestamp + float64(len(p)-wav.frame_size())/float64(wav.frame_size()*wav.rate)

	wav.output.insert(p)

	if wav.fd < 0 && wav.dir_pipe_r < 0 {
		// N buffered frames span N-1 frame periods back from the last
		wav.open_output_file(wav.last_frame_timestamp - float64(wav.output.size()-wav.frame_size())/float64(wav.frame_size()*wav.rate))
	}

	wav.update_write_interest()

	return true
}

/*
 * open_output_file resolves the path template against the first-frame
 * timestamp and kicks off directory creation on a worker goroutine.
 * The actual open happens from handle_events once the worker signals
 * through the pipe.
 */
func (wav *wav_file_writer_s) open_output_file(first_timestamp float64) {
	if wav.path_template == "" {
		return
	}
	wav.curr_file_timestamp = first_timestamp
	wav.timestamp_captured = true

	var path, pathErr = format_path_template(wav.path_template, first_timestamp)
	if pathErr != nil {
		vah_log.Error("bad path template", "label", wav.label, "template", wav.path_template, "error", pathErr)
		wav.done_output_file(int(unix.EINVAL))

		return
	}
	wav.filename = path

	var fds [2]int
	if pipeErr := unix.Pipe2(fds[:], unix.O_NONBLOCK|unix.O_CLOEXEC); pipeErr != nil {
		wav.done_output_file(int(unix.EMFILE))

		return
	}
	wav.dir_pipe_r = fds[0]
	wav.dir_pipe_w = fds[1]
	wav.dir_state.Store(DIR_STATE_WAITING)
	wav.reg.request_pollfd_regen()

	var dir = filepath.Dir(path)
	var pipe_w = wav.dir_pipe_w
	var state = &wav.dir_state
	go func() {
		if mkdirErr := os.MkdirAll(dir, 0775); mkdirErr != nil {
			state.Store(DIR_STATE_FAILED)
		} else {
			state.Store(DIR_STATE_CREATED)
		}
		unix.Write(pipe_w, []byte{1})
	}()
}

// open_file_now runs on the poll thread after the directory exists.
func (wav *wav_file_writer_s) open_file_now() {
	unix.Close(wav.dir_pipe_r)
	unix.Close(wav.dir_pipe_w)
	wav.dir_pipe_r = -1
	wav.dir_pipe_w = -1

	if wav.dir_state.Load() == DIR_STATE_FAILED {
		wav.dir_state.Store(DIR_STATE_NONE)
		wav.done_output_file(int(unix.ENOENT))

		return
	}
	wav.dir_state.Store(DIR_STATE_NONE)

	var fd, openErr = unix.Open(wav.filename,
		unix.O_WRONLY|unix.O_CREAT|unix.O_TRUNC|unix.O_NOATIME|unix.O_NONBLOCK|unix.O_CLOEXEC,
		0770)
	wav.reg.request_pollfd_regen()
	if openErr != nil {
		var errno = int(unix.EIO)
		if e, ok := openErr.(unix.Errno); ok {
			errno = int(e)
		}
		wav.done_output_file(errno)

		return
	}
	wav.fd = fd
	wav.update_write_interest()
	vah_log.Info("recording", "label", wav.label, "file", wav.filename, "frames", wav.frames_to_write)
}

// update_write_interest arms POLLOUT only when there is enough queued to
// make a worthwhile write: the unsent header, MIN_WRITE_SIZE of frames,
// or the tail of the file.
func (wav *wav_file_writer_s) update_write_interest() {
	if wav.fd < 0 {
		return
	}

	var want = !wav.header_written ||
		wav.output.size() >= MIN_WRITE_SIZE ||
		wav.byte_countdown < MIN_WRITE_SIZE

	if want {
		wav.events |= unix.POLLOUT
	} else {
		wav.events &^= unix.POLLOUT
	}
	wav.reg.set_events(wav.label, 0, wav.events)
}

func (wav *wav_file_writer_s) get_num_poll_fds() int {
	if wav.dir_pipe_r >= 0 {
		return 1
	}
	if wav.fd >= 0 {
		return 1
	}

	return 0
}

func (wav *wav_file_writer_s) get_poll_fds(pollfds []unix.PollFd) error {
	if wav.dir_pipe_r >= 0 {
		pollfds[0] = unix.PollFd{Fd: int32(wav.dir_pipe_r), Events: unix.POLLIN}

		return nil
	}
	pollfds[0] = unix.PollFd{Fd: int32(wav.fd), Events: wav.events}

	return nil
}

func (wav *wav_file_writer_s) handle_events(pollfds []unix.PollFd, timed_out bool, time_now float64) {
	if wav.dir_pipe_r >= 0 {
		// waiting on directory creation
		if len(pollfds) > 0 && pollfds[0].Revents&unix.POLLIN != 0 {
			var b [1]byte
			unix.Read(wav.dir_pipe_r, b[:])
			if wav.dir_state.Load() != DIR_STATE_WAITING {
				wav.open_file_now()
			}
		}

		return
	}

	if wav.fd < 0 || len(pollfds) == 0 {
		return
	}

	if pollfds[0].Revents&(unix.POLLERR|unix.POLLHUP|unix.POLLNVAL) != 0 {
		wav.done_output_file(int(unix.EIO))

		return
	}

	if pollfds[0].Revents&unix.POLLOUT == 0 {
		return
	}

	if !wav.header_written {
		// one shot at the 44-byte header; a short write here means
		// the filesystem is in real trouble
		var n, writeErr = unix.Write(wav.fd, wav.hdr.encode())
		wav.header_written = true
		if writeErr != nil || n != WAV_HEADER_SIZE {
			wav.done_output_file(int(unix.EIO))
		}

		return
	}

	var max = wav.byte_countdown
	if max > wav.output.size() {
		max = wav.output.size()
	}
	var nb = wav.write_some(max)
	if nb < 0 {
		wav.done_output_file(int(unix.EIO))

		return
	}
	wav.byte_countdown -= nb
	if wav.byte_countdown == 0 {
		wav.done_output_file(0)

		return
	}
	wav.update_write_interest()
}

/*
 * done_output_file closes out the current file, successful or not, and
 * reports it on the control connection.  On success the path template is
 * blanked, so no further file is opened; frames keep queueing in the ring
 * (and are refused once it is full) until resume_with_new_file writes them
 * into the next file.  On error the writer removes itself from the
 * registry.
 */
func (wav *wav_file_writer_s) done_output_file(errno int) {
	if wav.fd >= 0 {
		unix.Close(wav.fd)
		wav.fd = -1
		wav.total_files_written++
		wav.total_seconds_written += float64(wav.bytes_to_write-wav.byte_countdown) / float64(wav.frame_size()*wav.rate)
		wav.prev_file_timestamp = wav.curr_file_timestamp
	}
	wav.reg.request_pollfd_regen()

	if errno != 0 {
		vah_log.Error("recording failed", "label", wav.label, "file", wav.filename, "errno", errno)
		wav.reg.async_msg(fmt.Sprintf("{\"async\":true,\"event\":\"rawFileError\",\"devLabel\":\"%s\",\"errno\":%d}", wav.dev_label, errno))
		wav.reg.remove(wav.label)

		return
	}

	vah_log.Info("recording done", "label", wav.label, "file", wav.filename)
	wav.reg.async_msg(fmt.Sprintf("{\"async\":true,\"event\":\"rawFileDone\",\"devLabel\":\"%s\"}", wav.dev_label))
	wav.path_template = ""
}

// resume_with_new_file begins recording into a fresh file without
// dropping frames queued since the previous file filled.
func (wav *wav_file_writer_s) resume_with_new_file(path_template string) {
	if wav.fd >= 0 {
		unix.Close(wav.fd)
		wav.fd = -1
	}
	wav.path_template = path_template
	wav.header_written = false
	wav.timestamp_captured = false
	wav.byte_countdown = wav.bytes_to_write
	wav.reg.request_pollfd_regen()

	if wav.output.size() > 0 {
		wav.open_output_file(wav.last_frame_timestamp - float64(wav.output.size()-wav.frame_size())/float64(wav.frame_size()*wav.rate))
	}
}

func (wav *wav_file_writer_s) start(time_now float64) error {
	return nil
}

func (wav *wav_file_writer_s) stop(time_now float64) {
}

func (wav *wav_file_writer_s) to_json() string {
	var js, _ = json.Marshal(struct {
		Type                string  `json:"type"`
		Dev                 string  `json:"devLabel"`
		FileDescriptor      int     `json:"fileDescriptor"`
		FileName            string  `json:"fileName"`
		FramesWritten       int     `json:"framesWritten"`
		FramesToWrite       int     `json:"framesToWrite"`
		SecondsWritten      float64 `json:"secondsWritten"`
		TotalFilesWritten   int     `json:"totalFilesWritten"`
		TotalSecondsWritten float64 `json:"totalSecondsWritten"`
		PrevFileTimestamp   float64 `json:"prevFileTimestamp"`
		CurrFileTimestamp   float64 `json:"currFileTimestamp"`
	}{
		Type:                "WavFileWriter",
		Dev:                 wav.dev_label,
		FileDescriptor:      wav.fd,
		FileName:            wav.filename,
		FramesWritten:       (wav.bytes_to_write - wav.byte_countdown) / wav.frame_size(),
		FramesToWrite:       wav.frames_to_write,
		SecondsWritten:      float64(wav.bytes_to_write-wav.byte_countdown) / float64(wav.frame_size()*wav.rate),
		TotalFilesWritten:   wav.total_files_written,
		TotalSecondsWritten: wav.total_seconds_written,
		PrevFileTimestamp:   wav.prev_file_timestamp,
		CurrFileTimestamp:   wav.curr_file_timestamp,
	})

	return string(js)
}

func (wav *wav_file_writer_s) cleanup() {
	if wav.dir_pipe_r >= 0 {
		unix.Close(wav.dir_pipe_r)
		wav.dir_pipe_r = -1
	}
	if wav.dir_pipe_w >= 0 {
		unix.Close(wav.dir_pipe_w)
		wav.dir_pipe_w = -1
	}
	wav.pollable_common_s.cleanup()
}

/*
 * format_path_template renders a path template against a realtime
 * timestamp.  "%Q", optionally followed by up to nine further "Q"s, is
 * replaced by that many fractional-second digits; remaining %-escapes
 * are standard strftime codes evaluated on the integer second, UTC.
 */
func format_path_template(template string, timestamp float64) (string, error) {
	var whole = math.Floor(timestamp)
	var frac = timestamp - whole

	if qi := strings.Index(template, "%Q"); qi >= 0 {
		var n = 1
		for qi+1+n < len(template) && template[qi+1+n] == 'Q' && n < 10 {
			n++
		}
		var digits = strconv.FormatFloat(frac, 'f', n, 64)[2:] // skip "0."
		template = template[:qi] + digits + template[qi+2+(n-1):]
	}

	return strftime.Format(template, time.Unix(int64(whole), 0).UTC())
}
