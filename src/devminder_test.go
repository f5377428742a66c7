package vah

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

/*
 * a scripted backend: delivers whatever frames the test queues, with a
 * fixed hardware rate.
 */

type fake_backend_s struct {
	dev      *dev_minder_s
	hwrate   int
	is_open  bool
	queued   []int16
	ts       float64
	restarts int
}

func (be *fake_backend_s) hw_open() error {
	be.dev.hw_rate = be.hwrate
	be.is_open = true

	return nil
}

func (be *fake_backend_s) hw_is_open() bool { return be.is_open }
func (be *fake_backend_s) hw_close()        { be.is_open = false }

func (be *fake_backend_s) hw_num_poll_fds() int { return 1 }

func (be *fake_backend_s) hw_get_poll_fds(pollfds []unix.PollFd) error {
	pollfds[0] = unix.PollFd{Fd: -1}

	return nil
}

func (be *fake_backend_s) hw_handle_events(pollfds []unix.PollFd, timed_out bool) int {
	return len(be.queued) / be.dev.num_chan
}

func (be *fake_backend_s) hw_get_frames(buf []int16, num_frames int) (int, float64, error) {
	var n = copy(buf, be.queued[:num_frames*be.dev.num_chan])
	be.queued = be.queued[n:]

	return n / be.dev.num_chan, be.ts, nil
}

func (be *fake_backend_s) hw_do_start() error   { return nil }
func (be *fake_backend_s) hw_do_stop() error    { be.is_open = false; return nil }
func (be *fake_backend_s) hw_do_restart() error { be.restarts++; return nil }
func (be *fake_backend_s) hw_max_sample_abs() int { return 32768 }
func (be *fake_backend_s) hw_batch_frames() int   { return 4096 }

func new_fake_device(t *testing.T, reg *registry_s, label string, rate int, hwrate int, nchan int) (*dev_minder_s, *fake_backend_s) {
	t.Helper()

	var dev = &dev_minder_s{
		dev_name:           "fake",
		rate:               rate,
		num_chan:           nchan,
		start_timestamp:    -1,
		last_data_received: -1,
		stopped:            true,
	}
	dev.init_common(reg, label, DEFAULT_OUTPUT_BUFFER_SIZE)
	dev.plugins = make(map[string]bool)
	dev.raw_listeners = make(map[string]bool)

	var be = &fake_backend_s{dev: dev, hwrate: hwrate}
	dev.backend = be
	require.NoError(t, dev.open())
	require.NoError(t, reg.add(dev))

	return dev, be
}

func feed(dev *dev_minder_s, be *fake_backend_s, samples []int16, ts float64) {
	be.queued = samples
	be.ts = ts
	dev.handle_events([]unix.PollFd{{}}, false, now_monotonic())
}

func decode_s16le(p []byte) []int16 {
	var out = make([]int16, len(p)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(p[2*i:]))
	}

	return out
}

func Test_devminder_open_requires_integer_decimation(t *testing.T) {
	var reg = new_registry(true)
	var dev = &dev_minder_s{dev_name: "fake", rate: 48000, num_chan: 1, stopped: true}
	dev.init_common(reg, "D", DEFAULT_OUTPUT_BUFFER_SIZE)
	dev.plugins = make(map[string]bool)
	dev.raw_listeners = make(map[string]bool)
	dev.backend = &fake_backend_s{dev: dev, hwrate: 44100} // 44100 % 48000 != 0

	assert.Error(t, dev.open())
}

func Test_devminder_raw_subscription_starts_with_wav_header(t *testing.T) {
	var reg = new_registry(true)
	var dev, _ = new_fake_device(t, reg, "D", 8000, 48000, 2)
	var cl = new_capture_listener(reg, "L")

	dev.add_raw_listener("L", 6, true, true)

	require.Len(t, cl.captured, 1)
	var hdr, parseErr = parse_wav_header(cl.captured[0])
	require.NoError(t, parseErr)
	assert.Equal(t, uint32(8000), hdr.SampleRate, "header declares hwRate / decimation")
	assert.Equal(t, uint16(2), hdr.NumChan)
	assert.Equal(t, uint16(16), hdr.SampleSize)
}

func Test_devminder_raw_fanout_subsampled(t *testing.T) {
	var reg = new_registry(true)
	var dev, be = new_fake_device(t, reg, "D", 8000, 48000, 2)
	var cl = new_capture_listener(reg, "L")

	dev.add_raw_listener("L", 6, false, false)

	// 12 stereo frames; subsampling by 6 keeps frames 5 and 11
	var samples = make([]int16, 24)
	for i := range samples {
		samples[i] = int16(i)
	}
	feed(dev, be, samples, 100.0)

	require.Len(t, cl.captured, 1)
	var out = decode_s16le(cl.captured[0])
	assert.Equal(t, []int16{10, 11, 22, 23}, out, "every 6th frame passes through")
	assert.Equal(t, int64(12), dev.total_frames)
}

func Test_devminder_fm_demod_halves_output(t *testing.T) {
	var reg = new_registry(true)
	var dev, be = new_fake_device(t, reg, "D", 48000, 48000, 2)
	var cl = new_capture_listener(reg, "L")

	dev.add_raw_listener("L", 1, false, false)
	dev.set_fm_demod(true)

	feed(dev, be, make([]int16, 8*2), 0)

	require.Len(t, cl.captured, 1)
	assert.Len(t, cl.captured[0], 8*2, "stereo I/Q collapses to one channel of int16")
}

func Test_devminder_plugin_path_decimates_to_device_rate(t *testing.T) {
	var reg = new_registry(true)
	var dev, be = new_fake_device(t, reg, "D", 1000, 4000, 1)

	var fp = new_fake_plugin(4, 4)
	with_fake_plugin(t, fp)
	var pr, newErr = new_plugin_runner(reg, "P", "D", dev.rate, dev.num_chan, dev.max_sample_abs,
		"fake.so", "fake", "pulses", map[string]float32{})
	require.NoError(t, newErr)
	require.NoError(t, reg.add(pr))
	dev.add_plugin_runner("P")

	// 16 hw frames decimate by 4 into 4 plugin frames: exactly one block
	feed(dev, be, make([]int16, 16), 50.0)

	assert.Equal(t, 1, fp.process_calls)
	assert.InDelta(t, 50.0, fp.rts[0].seconds(), 1e-6)
}

func Test_devminder_prunes_lapsed_raw_listeners(t *testing.T) {
	var reg = new_registry(true)
	var dev, be = new_fake_device(t, reg, "D", 48000, 48000, 1)

	dev.raw_listeners["gone"] = true
	feed(dev, be, make([]int16, 4), 0)

	assert.Empty(t, dev.raw_listeners)
}

func Test_devminder_stall_detection(t *testing.T) {
	var reg = new_registry(true)
	var ctrl = new_pipe_pollable(t, reg, "Socket#1")
	reg.set_control_conn("Socket#1")

	var dev, _ = new_fake_device(t, reg, "D", 48000, 48000, 1)
	dev.should_be_running = true
	dev.stopped = false
	dev.last_data_received = now_monotonic() - (MAX_DEV_QUIET_TIME + 1)

	// no data available on this dispatch
	dev.handle_events([]unix.PollFd{{}}, false, now_monotonic())

	assert.True(t, dev.stopped, "a quiet device stops itself")
	assert.False(t, dev.should_be_running)
	var msg = string(ctrl.output.first_slice())
	assert.Contains(t, msg, "\"event\":\"devStalled\"")
	assert.Contains(t, msg, "\"devLabel\":\"D\"")
}

func Test_devminder_stall_requires_quiet_time(t *testing.T) {
	var reg = new_registry(true)
	var dev, _ = new_fake_device(t, reg, "D", 48000, 48000, 1)
	dev.should_be_running = true
	dev.stopped = false
	dev.last_data_received = now_monotonic()

	dev.handle_events([]unix.PollFd{{}}, false, now_monotonic())

	assert.False(t, dev.stopped, "a recently active device is left alone")
}

func Test_devminder_backend_error_triggers_restart(t *testing.T) {
	var reg = new_registry(true)
	var dev, be = new_fake_device(t, reg, "D", 48000, 48000, 2)

	// a backend error surfaces as negative available frames
	be.queued = []int16{0} // len/2 == 0 frames... force error differently
	dev.has_error = 0
	var fail_be = &failing_backend_s{fake_backend_s: be}
	dev.backend = fail_be

	dev.handle_events([]unix.PollFd{{}}, false, now_monotonic())

	assert.Equal(t, 1, be.restarts)
	assert.Equal(t, -5, dev.has_error)
}

type failing_backend_s struct {
	*fake_backend_s
}

func (be *failing_backend_s) hw_handle_events(pollfds []unix.PollFd, timed_out bool) int {
	return -5
}

func Test_devminder_json_shape(t *testing.T) {
	var reg = new_registry(true)
	var dev, _ = new_fake_device(t, reg, "D", 8000, 48000, 2)

	var js = dev.to_json()
	assert.Contains(t, js, "\"type\":\"DevMinder\"")
	assert.Contains(t, js, "\"rate\":8000")
	assert.Contains(t, js, "\"hwRate\":48000")
	assert.Contains(t, js, "\"running\":false")
}

func Test_devminder_close_removes_attached_plugins(t *testing.T) {
	var reg = new_registry(true)
	var dev, _ = new_fake_device(t, reg, "D", 1000, 1000, 1)

	var fp = new_fake_plugin(4, 4)
	with_fake_plugin(t, fp)
	var pr, _ = new_plugin_runner(reg, "P", "D", 1000, 1, 32768, "fake.so", "fake", "pulses", map[string]float32{})
	require.NoError(t, reg.add(pr))
	dev.add_plugin_runner("P")

	reg.remove("D")

	assert.Nil(t, reg.lookup("P"), "closing a device removes its plugin runners")
	assert.True(t, fp.released)
}
