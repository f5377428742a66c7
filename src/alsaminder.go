package vah

/*------------------------------------------------------------------
 *
 * Purpose:	ALSA capture backend for the device minder.
 *
 *		Capture is MMAP interleaved S16_LE with period events
 *		and software timestamping enabled, so the poll loop
 *		wakes once per period and sample extraction is
 *		zero-copy out of the ALSA ring.
 *
 *		The hardware rate is chosen as the highest rate the
 *		device supports; it must be an integer multiple of the
 *		requested rate or the open fails, because integer
 *		decimation is the only resampling this host performs.
 *
 *		The stop threshold is pushed out to the ring boundary
 *		so an overrun does not auto-stop the stream; recovery
 *		is driven from the poll loop instead.
 *
 *------------------------------------------------------------------*/

// #cgo LDFLAGS: -lasound
// #include <stdlib.h>
// #include <poll.h>
// #include <alsa/asoundlib.h>
import "C"

import (
	"errors"
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	ALSA_PERIOD_FRAMES = 4800   // ~40 wakeups/sec at 192 kHz
	ALSA_BUFFER_FRAMES = 131072 // ~0.68 s at 192 kHz; headroom while we hold the mmap segment
)

type alsa_backend_s struct {
	dev *dev_minder_s

	pcm           *C.snd_pcm_t
	num_fd        int
	period_frames C.snd_pcm_uframes_t
	buffer_frames C.snd_pcm_uframes_t
}

func new_alsa_backend(dev *dev_minder_s) *alsa_backend_s {
	return &alsa_backend_s{
		dev:           dev,
		period_frames: ALSA_PERIOD_FRAMES,
		buffer_frames: ALSA_BUFFER_FRAMES,
	}
}

var errAlsaParams = errors.New("could not set required ALSA parameters")

func (be *alsa_backend_s) hw_open() error {
	var cdev = C.CString(be.dev.dev_name)
	defer C.free(unsafe.Pointer(cdev))

	if C.snd_pcm_open(&be.pcm, cdev, C.SND_PCM_STREAM_CAPTURE, 0) < 0 {
		return errors.New("could not open ALSA device for capture")
	}

	var params *C.snd_pcm_hw_params_t
	var swparams *C.snd_pcm_sw_params_t
	var mask *C.snd_pcm_access_mask_t
	C.snd_pcm_hw_params_malloc(&params)
	C.snd_pcm_sw_params_malloc(&swparams)
	C.snd_pcm_access_mask_malloc(&mask)
	defer C.snd_pcm_hw_params_free(params)
	defer C.snd_pcm_sw_params_free(swparams)
	defer C.snd_pcm_access_mask_free(mask)

	C.snd_pcm_access_mask_none(mask)
	C.snd_pcm_access_mask_set(mask, C.SND_PCM_ACCESS_MMAP_INTERLEAVED)

	var hw_rate C.uint
	var rate_dir C.int = 1
	var boundary C.snd_pcm_uframes_t

	var ok = C.snd_pcm_hw_params_any(be.pcm, params) >= 0 &&
		C.snd_pcm_hw_params_set_access_mask(be.pcm, params, mask) >= 0 &&
		C.snd_pcm_hw_params_set_format(be.pcm, params, C.SND_PCM_FORMAT_S16_LE) >= 0 &&
		C.snd_pcm_hw_params_set_channels(be.pcm, params, C.uint(be.dev.num_chan)) >= 0 &&
		C.snd_pcm_hw_params_set_rate_resample(be.pcm, params, 0) >= 0 &&
		C.snd_pcm_hw_params_set_rate_last(be.pcm, params, &hw_rate, &rate_dir) >= 0 &&
		C.snd_pcm_hw_params_set_period_size_near(be.pcm, params, &be.period_frames, nil) >= 0 &&
		C.snd_pcm_hw_params_set_buffer_size_near(be.pcm, params, &be.buffer_frames) >= 0 &&
		C.snd_pcm_hw_params(be.pcm, params) >= 0 &&
		C.snd_pcm_sw_params_current(be.pcm, swparams) >= 0 &&
		C.snd_pcm_sw_params_set_tstamp_mode(be.pcm, swparams, C.SND_PCM_TSTAMP_ENABLE) >= 0 &&
		C.snd_pcm_sw_params_set_period_event(be.pcm, swparams, 1) >= 0 &&
		C.snd_pcm_sw_params_get_boundary(swparams, &boundary) >= 0 &&
		C.snd_pcm_sw_params_set_stop_threshold(be.pcm, swparams, boundary) >= 0 &&
		C.snd_pcm_sw_params(be.pcm, swparams) >= 0

	if !ok {
		be.hw_close()

		return errAlsaParams
	}

	var nfd = C.snd_pcm_poll_descriptors_count(be.pcm)
	if nfd < 0 {
		be.hw_close()

		return errAlsaParams
	}

	be.dev.hw_rate = int(hw_rate)
	be.num_fd = int(nfd)

	return nil
}

func (be *alsa_backend_s) hw_is_open() bool {
	return be.pcm != nil
}

func (be *alsa_backend_s) hw_close() {
	if be.pcm != nil {
		C.snd_pcm_drop(be.pcm)
		C.snd_pcm_close(be.pcm)
		be.pcm = nil
	}
}

func (be *alsa_backend_s) hw_num_poll_fds() int {
	if be.pcm == nil {
		return 0
	}

	return be.num_fd
}

func (be *alsa_backend_s) hw_get_poll_fds(pollfds []unix.PollFd) error {
	if be.pcm == nil {
		return errors.New("ALSA device is not open")
	}

	var cfds = make([]C.struct_pollfd, be.num_fd)
	if int(C.snd_pcm_poll_descriptors(be.pcm, &cfds[0], C.uint(be.num_fd))) != be.num_fd {
		return errors.New("snd_pcm_poll_descriptors returned error")
	}
	for i := range cfds {
		pollfds[i] = unix.PollFd{Fd: int32(cfds[i].fd), Events: int16(cfds[i].events)}
	}

	return nil
}

// hw_handle_events demangles revents through ALSA (the descriptors it
// hands out encode readiness oddly) and reports available frames.
func (be *alsa_backend_s) hw_handle_events(pollfds []unix.PollFd, timed_out bool) int {
	if be.pcm == nil || timed_out {
		return 0
	}

	var cfds = make([]C.struct_pollfd, len(pollfds))
	for i, pfd := range pollfds {
		cfds[i].fd = C.int(pfd.Fd)
		cfds[i].events = C.short(pfd.Events)
		cfds[i].revents = C.short(pfd.Revents)
	}

	var revents C.ushort
	if C.snd_pcm_poll_descriptors_revents(be.pcm, &cfds[0], C.uint(len(cfds)), &revents) != 0 {
		return -1
	}

	if revents&(C.POLLIN|C.POLLPRI) == 0 {
		return 0
	}

	return int(C.snd_pcm_avail_update(be.pcm))
}

func (be *alsa_backend_s) hw_get_frames(buf []int16, num_frames int) (int, float64, error) {
	// timestamp of the first frame: the period htimestamp is for the
	// newest data, so back off by the frames still in the ring.
	var ts C.snd_htimestamp_t
	var av C.snd_pcm_uframes_t
	C.snd_pcm_htimestamp(be.pcm, &av, &ts)
	var frame_timestamp = float64(ts.tv_sec) + float64(ts.tv_nsec)/1.0e9 - float64(av)/float64(be.dev.hw_rate)

	var areas *C.snd_pcm_channel_area_t
	var offset C.snd_pcm_uframes_t
	var have = C.snd_pcm_uframes_t(num_frames)

	if errcode := C.snd_pcm_mmap_begin(be.pcm, &areas, &offset, &have); errcode != 0 {
		return 0, 0, errors.New("snd_pcm_mmap_begin returned error")
	}

	var area_slice = unsafe.Slice(areas, be.dev.num_chan)
	var step = int(area_slice[0].step) / 16 // int16 units per frame

	var src0 = unsafe.Slice((*int16)(unsafe.Pointer(uintptr(area_slice[0].addr)+uintptr(area_slice[0].first/8))),
		(int(offset)+int(have))*step)
	var base = int(offset) * step

	if be.dev.num_chan == 2 {
		var src1 = unsafe.Slice((*int16)(unsafe.Pointer(uintptr(area_slice[1].addr)+uintptr(area_slice[1].first/8))),
			(int(offset)+int(have))*step)
		for i := 0; i < int(have); i++ {
			buf[2*i] = src0[base+i*step]
			buf[2*i+1] = src1[base+i*step]
		}
	} else {
		for i := 0; i < int(have); i++ {
			buf[i] = src0[base+i*step]
		}
	}

	if C.snd_pcm_mmap_commit(be.pcm, offset, have) < 0 {
		return 0, 0, errors.New("snd_pcm_mmap_commit returned error")
	}

	return int(have), frame_timestamp, nil
}

func (be *alsa_backend_s) hw_do_start() error {
	if be.pcm == nil {
		if openErr := be.hw_open(); openErr != nil {
			return openErr
		}
	}
	C.snd_pcm_prepare(be.pcm)
	if C.snd_pcm_start(be.pcm) < 0 {
		return errors.New("snd_pcm_start failed")
	}

	return nil
}

func (be *alsa_backend_s) hw_do_stop() error {
	be.hw_close()

	return nil
}

func (be *alsa_backend_s) hw_do_restart() error {
	if be.pcm == nil {
		return errors.New("ALSA device is not open")
	}
	C.snd_pcm_recover(be.pcm, C.int(be.dev.has_error), 1)
	C.snd_pcm_prepare(be.pcm)
	C.snd_pcm_start(be.pcm)

	return nil
}

func (be *alsa_backend_s) hw_max_sample_abs() int {
	return 32768
}

func (be *alsa_backend_s) hw_batch_frames() int {
	return ALSA_BUFFER_FRAMES
}
