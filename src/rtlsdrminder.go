package vah

/*------------------------------------------------------------------
 *
 * Purpose:	rtl_tcp capture backend for the device minder.
 *
 *		The device string is "rtlsdr:" followed by the
 *		filesystem path of a unix-domain stream socket served
 *		by an rtl_tcp-style daemon.  The stream is a sequence
 *		of segments, each a 12-byte header
 *
 *			struct { uint32 size; double ts }
 *
 *		followed by (size - 12) bytes of unsigned 8-bit I/Q
 *		samples.  Segments are not aligned to our reads, so
 *		reassembly is resumable across poll cycles: a byte
 *		cursor into the current segment and the cached header
 *		survive between calls.
 *
 *		Samples are expanded to int16 with (s - 127) * 16; the
 *		scale keeps precision through averaging decimation and
 *		fixes the full-scale constant at 128 * 16.
 *
 *------------------------------------------------------------------*/

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"golang.org/x/sys/unix"
)

const (
	RTLSDR_FRAMES     = 2048 // largest batch drained per poll cycle
	RTLSDR_SEG_HDR    = 12   // uint32 size + float64 ts
	SAMPLE_SCALE      = 16   // 8-bit to 16-bit expansion factor
	RTLSDR_DEV_PREFIX = "rtlsdr:"
)

type rtlsdr_backend_s struct {
	dev *dev_minder_s

	fd          int
	socket_path string

	seg_size   uint32 // size field of the current segment header
	seg_ts     float64
	hdr_buf    [RTLSDR_SEG_HDR]byte
	segi       int // bytes of the current segment consumed, header included
	bytes_avail int // from the latest FIONREAD

	data_buf []byte // recv scratch for raw 8-bit samples
}

func new_rtlsdr_backend(dev *dev_minder_s) (*rtlsdr_backend_s, error) {
	if len(dev.dev_name) <= len(RTLSDR_DEV_PREFIX) {
		return nil, errors.New("invalid name for RTLSDR device; must look like 'rtlsdr:PATH'")
	}
	if dev.num_chan != 2 {
		// the stream is interleaved I/Q; one byte per sample, two
		// samples per frame, always
		return nil, errors.New("rtlsdr devices supply I/Q and must be opened with 2 channels")
	}

	return &rtlsdr_backend_s{
		dev:         dev,
		fd:          -1,
		socket_path: dev.dev_name[len(RTLSDR_DEV_PREFIX):],
		data_buf:    make([]byte, RTLSDR_FRAMES*2),
	}, nil
}

func (be *rtlsdr_backend_s) hw_open() error {
	var fd, sockErr = unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if sockErr != nil {
		return fmt.Errorf("unable to open socket for rtlsdr: %w", sockErr)
	}

	var connErr = unix.Connect(fd, &unix.SockaddrUnix{Name: be.socket_path})
	if connErr != nil && connErr != unix.EINPROGRESS {
		unix.Close(fd)

		return fmt.Errorf("unable to connect to rtl_tcp socket %s: %w", be.socket_path, connErr)
	}

	be.fd = fd
	be.segi = 0
	be.bytes_avail = 0

	return be.pick_hw_rate()
}

// pick_hw_rate finds the smallest integer multiple of the requested rate
// the dongle can run at.  rtl dongles sample in [225001,300000] or
// [900001,3200000].
func (be *rtlsdr_backend_s) pick_hw_rate() error {
	var rate = be.dev.rate
	if rate <= 0 || rate > 3200000 {
		return fmt.Errorf("no rtlsdr hardware rate is a multiple of %d", rate)
	}

	var hw = rate
	for {
		if (hw >= 225001 && hw <= 300000) || (hw >= 900001 && hw <= 3200000) {
			break
		}
		hw += rate
		if hw > 3200000 {
			return fmt.Errorf("no rtlsdr hardware rate is a multiple of %d", rate)
		}
	}
	be.dev.hw_rate = hw

	return nil
}

func (be *rtlsdr_backend_s) hw_is_open() bool {
	return be.fd >= 0
}

func (be *rtlsdr_backend_s) hw_close() {
	if be.fd >= 0 {
		unix.Close(be.fd)
		be.fd = -1
	}
}

func (be *rtlsdr_backend_s) hw_num_poll_fds() int {
	if be.fd >= 0 {
		return 1
	}

	return 0
}

func (be *rtlsdr_backend_s) hw_get_poll_fds(pollfds []unix.PollFd) error {
	if be.fd < 0 {
		return errors.New("rtl_tcp socket is not open")
	}
	pollfds[0] = unix.PollFd{Fd: int32(be.fd), Events: unix.POLLIN | unix.POLLPRI}

	return nil
}

func (be *rtlsdr_backend_s) hw_handle_events(pollfds []unix.PollFd, timed_out bool) int {
	if be.fd < 0 || timed_out {
		return 0
	}
	if pollfds[0].Revents&(unix.POLLERR|unix.POLLHUP|unix.POLLNVAL) != 0 {
		return -1
	}
	if pollfds[0].Revents&unix.POLLIN == 0 {
		return 0
	}

	var avail, ioctlErr = unix.IoctlGetInt(be.fd, unix.FIONREAD)
	if ioctlErr != nil {
		return -1
	}
	be.bytes_avail = avail

	// one byte per sample, two channels (I/Q) per frame
	var frames = (avail + 1) / 2
	if frames > RTLSDR_FRAMES {
		frames = RTLSDR_FRAMES
	}

	return frames
}

/*
 * hw_get_frames consumes the bytes reported by the last FIONREAD,
 * stripping segment headers and expanding samples, stopping early when
 * buf fills.  The reported timestamp is the mean of the per-header
 * estimates of "timestamp of the first sample in this batch", each
 * referenced to the HARDWARE byte rate (2 * hw_rate bytes per second of
 * unexpanded samples).
 */
func (be *rtlsdr_backend_s) hw_get_frames(buf []int16, num_frames int) (int, float64, error) {
	var sample_bytes_copied = 0
	var max_sample_bytes = num_frames * 2

	var frame_timestamp = 0.0
	var num_ts_est = 0
	if be.segi >= RTLSDR_SEG_HDR {
		// mid-segment: estimate from the cached header
		frame_timestamp = be.seg_ts + (float64(be.segi-RTLSDR_SEG_HDR)/2.0)/float64(be.dev.hw_rate)
		num_ts_est = 1
	}

	for be.bytes_avail > 0 && sample_bytes_copied < max_sample_bytes {
		// finish filling the current segment header, if short
		var hdr_bytes = RTLSDR_SEG_HDR - be.segi
		if hdr_bytes > 0 {
			if hdr_bytes > be.bytes_avail {
				hdr_bytes = be.bytes_avail
			}
			var n, readErr = unix.Read(be.fd, be.hdr_buf[be.segi:be.segi+hdr_bytes])
			if readErr != nil || n <= 0 {
				if readErr == unix.EAGAIN {
					be.bytes_avail = 0

					break
				}

				return sample_bytes_copied / 2, frame_timestamp, fmt.Errorf("rtl_tcp header read failed: %w", readErr)
			}
			be.bytes_avail -= n
			be.segi += n
			if be.segi == RTLSDR_SEG_HDR {
				be.seg_size = binary.LittleEndian.Uint32(be.hdr_buf[0:4])
				be.seg_ts = math.Float64frombits(binary.LittleEndian.Uint64(be.hdr_buf[4:12]))
				frame_timestamp += be.seg_ts - (float64(sample_bytes_copied)/2.0)/float64(be.dev.hw_rate)
				num_ts_est++
			}

			continue
		}

		// consume sample data from the current segment
		var data_bytes = int(be.seg_size) - be.segi
		if data_bytes > be.bytes_avail {
			data_bytes = be.bytes_avail
		}
		if data_bytes > max_sample_bytes-sample_bytes_copied {
			data_bytes = max_sample_bytes - sample_bytes_copied
		}
		if data_bytes <= 0 {
			// empty or malformed segment; resynchronize on the next
			// header (the header read below always makes progress)
			be.segi = 0

			continue
		}

		var n, readErr = unix.Read(be.fd, be.data_buf[:data_bytes])
		if readErr != nil || n <= 0 {
			if readErr == unix.EAGAIN {
				be.bytes_avail = 0

				break
			}

			return sample_bytes_copied / 2, frame_timestamp, fmt.Errorf("rtl_tcp data read failed: %w", readErr)
		}

		// expand unsigned 8-bit samples to scaled int16
		for i := 0; i < n; i++ {
			buf[sample_bytes_copied+i] = (int16(be.data_buf[i]) - 127) * SAMPLE_SCALE
		}

		be.bytes_avail -= n
		be.segi += n
		sample_bytes_copied += n
		if be.segi == int(be.seg_size) {
			be.segi = 0
		}
	}

	if num_ts_est > 1 {
		frame_timestamp /= float64(num_ts_est)
	}

	return sample_bytes_copied / 2, frame_timestamp, nil
}

func (be *rtlsdr_backend_s) hw_do_start() error {
	if be.fd < 0 {
		return be.hw_open()
	}

	return nil
}

func (be *rtlsdr_backend_s) hw_do_stop() error {
	// the rtl_tcp connection is kept; the poll set simply stops
	// watching it while the device is not meant to be running
	return nil
}

func (be *rtlsdr_backend_s) hw_do_restart() error {
	be.hw_close()

	return be.hw_open()
}

func (be *rtlsdr_backend_s) hw_max_sample_abs() int {
	return 128 * SAMPLE_SCALE
}

func (be *rtlsdr_backend_s) hw_batch_frames() int {
	return RTLSDR_FRAMES
}
