package vah

/*------------------------------------------------------------------
 *
 * Purpose:	PortAudio capture backend for the device minder.
 *
 *		For hosts where direct ALSA access is unavailable or
 *		undesirable.  Device strings look like "pa:" or
 *		"pa:default"; only the default input device is used.
 *
 *		PortAudio delivers samples on its own callback thread,
 *		which does not fit a poll-driven loop, so the callback
 *		writes S16_LE bytes into a non-blocking pipe and the
 *		poll loop drains the read end like any other FD.  The
 *		callback touches nothing but the pipe; all engine state
 *		stays with the poll thread.
 *
 *		PortAudio runs the stream at the requested rate, so the
 *		hardware rate equals the device rate and the plugin
 *		path needs no decimation.
 *
 *------------------------------------------------------------------*/

import (
	"errors"
	"fmt"

	"github.com/gordonklaus/portaudio"
	"golang.org/x/sys/unix"
)

const PORTAUDIO_BATCH_FRAMES = 16384

type portaudio_backend_s struct {
	dev *dev_minder_s

	stream   *portaudio.Stream
	read_fd  int // poll-loop end of the pipe
	write_fd int // callback end
	running  bool

	bytes_avail int
}

var portaudio_initialized = false

func new_portaudio_backend(dev *dev_minder_s) *portaudio_backend_s {
	return &portaudio_backend_s{
		dev:      dev,
		read_fd:  -1,
		write_fd: -1,
	}
}

func (be *portaudio_backend_s) hw_open() error {
	if !portaudio_initialized {
		if initErr := portaudio.Initialize(); initErr != nil {
			return fmt.Errorf("could not initialize PortAudio: %w", initErr)
		}
		portaudio_initialized = true
	}

	var fds [2]int
	if pipeErr := unix.Pipe2(fds[:], unix.O_NONBLOCK|unix.O_CLOEXEC); pipeErr != nil {
		return fmt.Errorf("could not create sample pipe: %w", pipeErr)
	}
	be.read_fd = fds[0]
	be.write_fd = fds[1]

	var nchan = be.dev.num_chan
	var write_fd = be.write_fd
	var stream, openErr = portaudio.OpenDefaultStream(nchan, 0, float64(be.dev.rate), ALSA_PERIOD_FRAMES,
		func(in []int16) {
			// callback thread: encode and push; drop on a full pipe
			var p = make([]byte, len(in)*2)
			for i, s := range in {
				p[2*i] = byte(uint16(s))
				p[2*i+1] = byte(uint16(s) >> 8)
			}
			unix.Write(write_fd, p)
		})
	if openErr != nil {
		be.hw_close()

		return fmt.Errorf("could not open PortAudio stream: %w", openErr)
	}

	be.stream = stream
	be.dev.hw_rate = be.dev.rate

	return nil
}

func (be *portaudio_backend_s) hw_is_open() bool {
	return be.stream != nil
}

func (be *portaudio_backend_s) hw_close() {
	if be.stream != nil {
		if be.running {
			be.stream.Stop()
			be.running = false
		}
		be.stream.Close()
		be.stream = nil
	}
	if be.read_fd >= 0 {
		unix.Close(be.read_fd)
		be.read_fd = -1
	}
	if be.write_fd >= 0 {
		unix.Close(be.write_fd)
		be.write_fd = -1
	}
}

func (be *portaudio_backend_s) hw_num_poll_fds() int {
	if be.read_fd >= 0 {
		return 1
	}

	return 0
}

func (be *portaudio_backend_s) hw_get_poll_fds(pollfds []unix.PollFd) error {
	if be.read_fd < 0 {
		return errors.New("PortAudio pipe is not open")
	}
	pollfds[0] = unix.PollFd{Fd: int32(be.read_fd), Events: unix.POLLIN}

	return nil
}

func (be *portaudio_backend_s) hw_handle_events(pollfds []unix.PollFd, timed_out bool) int {
	if be.read_fd < 0 || timed_out {
		return 0
	}
	if pollfds[0].Revents&(unix.POLLERR|unix.POLLHUP|unix.POLLNVAL) != 0 {
		return -1
	}
	if pollfds[0].Revents&unix.POLLIN == 0 {
		return 0
	}

	var avail, ioctlErr = unix.IoctlGetInt(be.read_fd, unix.FIONREAD)
	if ioctlErr != nil {
		return -1
	}
	be.bytes_avail = avail

	var frames = avail / (2 * be.dev.num_chan)
	if frames > PORTAUDIO_BATCH_FRAMES {
		frames = PORTAUDIO_BATCH_FRAMES
	}

	return frames
}

func (be *portaudio_backend_s) hw_get_frames(buf []int16, num_frames int) (int, float64, error) {
	var want = num_frames * be.dev.num_chan * 2
	var p = make([]byte, want)

	var n, readErr = unix.Read(be.read_fd, p)
	if readErr != nil && readErr != unix.EAGAIN {
		return 0, 0, fmt.Errorf("sample pipe read failed: %w", readErr)
	}
	if n <= 0 {
		return 0, 0, nil
	}
	n -= n % (2 * be.dev.num_chan) // whole frames only

	for i := 0; i < n/2; i++ {
		buf[i] = int16(uint16(p[2*i]) | uint16(p[2*i+1])<<8)
	}

	var frames = n / (2 * be.dev.num_chan)

	// the pipe hides the capture clock; approximate the first-frame
	// timestamp by backing off the bytes that were queued ahead of us
	var frame_timestamp = now_realtime() - float64(be.bytes_avail)/(2.0*float64(be.dev.num_chan)*float64(be.dev.hw_rate))

	return frames, frame_timestamp, nil
}

func (be *portaudio_backend_s) hw_do_start() error {
	if be.stream == nil {
		if openErr := be.hw_open(); openErr != nil {
			return openErr
		}
	}
	if be.running {
		return nil
	}
	if startErr := be.stream.Start(); startErr != nil {
		return fmt.Errorf("could not start PortAudio stream: %w", startErr)
	}
	be.running = true

	return nil
}

func (be *portaudio_backend_s) hw_do_stop() error {
	be.hw_close()

	return nil
}

func (be *portaudio_backend_s) hw_do_restart() error {
	be.hw_close()
	if openErr := be.hw_open(); openErr != nil {
		return openErr
	}

	return be.hw_do_start()
}

func (be *portaudio_backend_s) hw_max_sample_abs() int {
	return 32768
}

func (be *portaudio_backend_s) hw_batch_frames() int {
	return PORTAUDIO_BATCH_FRAMES
}
