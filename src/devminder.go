package vah

/*------------------------------------------------------------------
 *
 * Purpose:	Device minder: the ingestion state machine wrapping a
 *		capture backend (ALSA MMAP, rtl_tcp socket, PortAudio).
 *
 *		Normalizes hardware-specific capture into a uniform
 *		timestamped frame stream, then:
 *
 *		* decimates to the device's requested rate and hands
 *		  frames to attached plugin runners;
 *
 *		* separately decimates (and optionally FM-demodulates)
 *		  for raw listeners - connections streaming audio and
 *		  WAV file writers.
 *
 *		Listener references are weak: they are labels resolved
 *		through the registry at each fan-out, and lapsed labels
 *		are pruned silently.
 *
 *------------------------------------------------------------------*/

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"

	"golang.org/x/sys/unix"
)

const (
	MAX_CHANNELS       = 2
	MAX_DEV_QUIET_TIME = 30.0 // seconds without data before a running device is declared stalled

	// FM broadcast peak deviation, used to scale the discriminator
	// output to full-scale int16.
	FM_PEAK_DEVIATION_HZ = 75000.0
)

/*
 * dev_backend is the capability set a hardware backend must provide.
 * Variants: alsa_backend_s, rtlsdr_backend_s, portaudio_backend_s.
 */

type dev_backend interface {
	// hw_open acquires the device and determines the hardware rate,
	// which must be an integer multiple of the requested rate.
	hw_open() error
	hw_is_open() bool
	hw_close()

	hw_num_poll_fds() int
	hw_get_poll_fds(pollfds []unix.PollFd) error

	// hw_handle_events inspects revents and returns the number of
	// frames available for draining; negative values are errors.
	hw_handle_events(pollfds []unix.PollFd, timed_out bool) int

	// hw_get_frames drains up to num_frames interleaved frames into
	// buf and returns the count actually copied along with the
	// realtime timestamp of the first frame.
	hw_get_frames(buf []int16, num_frames int) (int, float64, error)

	hw_do_start() error
	hw_do_stop() error
	hw_do_restart() error

	// hw_max_sample_abs is the full-scale normalization constant for
	// plugin float conversion.
	hw_max_sample_abs() int

	// hw_batch_frames is the largest batch drained in one cycle.
	hw_batch_frames() int
}

type dev_minder_s struct {
	pollable_common_s

	dev_name       string
	rate           int // sample rate supplied to plugins (post-decimation)
	hw_rate        int // hardware rate; integer multiple of rate
	num_chan       int
	max_sample_abs int

	backend dev_backend

	plugins       map[string]bool // labels of attached plugin runners
	raw_listeners map[string]bool // labels of raw-output listeners

	total_frames       int64
	start_timestamp    float64 // realtime; -1 if never started
	stop_timestamp     float64 // realtime; set when stopped or opened
	last_data_received float64 // monotonic; -1 if never; drives stall detection

	should_be_running bool
	stopped           bool
	has_error         int

	demod_fm_for_raw   bool
	demod_fm_lasttheta float64

	// raw-listener decimation state; the factor is fixed by the first
	// listener added while the set is empty.
	down_sample_factor int
	down_sample_count  [MAX_CHANNELS]int
	down_sample_accum  [MAX_CHANNELS]int32
	down_sample_useavg bool

	// plugin-path decimation state; factor is hw_rate / rate.
	plug_decim int
	plug_count [MAX_CHANNELS]int
	plug_accum [MAX_CHANNELS]int32

	sample_buf []int16 // interleaved frames drained from the backend
	plug_buf   []int16 // plugin-path decimation workspace
	raw_buf    []int16 // raw-path decimation / FM workspace
	byte_buf   []byte  // S16_LE encoding scratch for raw fan-out
}

// get_dev_minder constructs the minder variant selected by the device
// name prefix, opens it, and inserts it into the registry.
func get_dev_minder(reg *registry_s, dev_name string, rate int, num_chan int, label string, now float64) (*dev_minder_s, error) {
	if num_chan < 1 || num_chan > MAX_CHANNELS {
		return nil, fmt.Errorf("number of channels must be 1 or %d, not %d", MAX_CHANNELS, num_chan)
	}
	if rate <= 0 {
		return nil, fmt.Errorf("invalid sample rate %d", rate)
	}

	var dev = &dev_minder_s{
		dev_name:           dev_name,
		rate:               rate,
		num_chan:           num_chan,
		start_timestamp:    -1.0,
		stop_timestamp:     now,
		last_data_received: -1.0,
		stopped:            true,
	}
	dev.init_common(reg, label, DEFAULT_OUTPUT_BUFFER_SIZE)
	dev.plugins = make(map[string]bool)
	dev.raw_listeners = make(map[string]bool)

	switch {
	case strings.HasPrefix(dev_name, "rtlsdr:"):
		var be, beErr = new_rtlsdr_backend(dev)
		if beErr != nil {
			return nil, beErr
		}
		dev.backend = be
	case strings.HasPrefix(dev_name, "pa:"):
		dev.backend = new_portaudio_backend(dev)
	default:
		dev.backend = new_alsa_backend(dev)
	}

	if openErr := dev.open(); openErr != nil {
		return nil, openErr
	}

	if addErr := reg.add(dev); addErr != nil {
		dev.backend.hw_close()

		return nil, addErr
	}
	reg.request_pollfd_regen()

	return dev, nil
}

// open acquires the backend and fixes the decimation factor.  The
// backend is responsible for choosing hw_rate; exact integer decimation
// is the only resampling this host does.
func (dev *dev_minder_s) open() error {
	if openErr := dev.backend.hw_open(); openErr != nil {
		return fmt.Errorf("could not open device %s: %w", dev.dev_name, openErr)
	}

	if dev.hw_rate <= 0 || dev.hw_rate%dev.rate != 0 {
		dev.backend.hw_close()

		return fmt.Errorf("device %s: hardware rate %d is not an integer multiple of requested rate %d", dev.dev_name, dev.hw_rate, dev.rate)
	}

	dev.plug_decim = dev.hw_rate / dev.rate
	for i := 0; i < MAX_CHANNELS; i++ {
		dev.plug_accum[i] = 0
		dev.plug_count[i] = dev.plug_decim
	}
	dev.max_sample_abs = dev.backend.hw_max_sample_abs()

	var batch = dev.backend.hw_batch_frames()
	dev.sample_buf = make([]int16, batch*dev.num_chan)
	dev.plug_buf = make([]int16, batch*dev.num_chan)
	dev.raw_buf = make([]int16, batch*dev.num_chan)
	dev.byte_buf = make([]byte, batch*dev.num_chan*2)

	return nil
}

func (dev *dev_minder_s) get_num_poll_fds() int {
	if dev.should_be_running && dev.backend.hw_is_open() {
		return dev.backend.hw_num_poll_fds()
	}

	return 0
}

func (dev *dev_minder_s) get_poll_fds(pollfds []unix.PollFd) error {
	return dev.backend.hw_get_poll_fds(pollfds)
}

func (dev *dev_minder_s) start(time_now float64) error {
	dev.should_be_running = true

	return dev.do_start(time_now)
}

func (dev *dev_minder_s) do_start(time_now float64) error {
	if !dev.backend.hw_is_open() {
		if openErr := dev.open(); openErr != nil {
			return openErr
		}
	}
	dev.reg.request_pollfd_regen()

	dev.has_error = 0
	if startErr := dev.backend.hw_do_start(); startErr != nil {
		dev.has_error = 1

		return startErr
	}

	dev.stopped = false

	// seed both stall and reporting clocks so a fresh start is not
	// immediately declared stalled and resume-after-pause is visible
	// in status output.
	dev.start_timestamp = time_now
	dev.last_data_received = now_monotonic()

	return nil
}

func (dev *dev_minder_s) stop(time_now float64) {
	dev.should_be_running = false
	dev.do_stop(time_now)
}

func (dev *dev_minder_s) do_stop(time_now float64) {
	dev.reg.request_pollfd_regen()
	dev.backend.hw_do_stop()
	dev.stop_timestamp = time_now
	dev.stopped = true
}

func (dev *dev_minder_s) add_plugin_runner(label string) {
	dev.plugins[label] = true
}

func (dev *dev_minder_s) remove_plugin_runner(label string) {
	delete(dev.plugins, label)
}

// add_raw_listener subscribes an existing pollable, by label, to this
// device's raw stream at hw_rate / factor frames per second.  The first
// listener fixes the decimation state.  When write_wav_header is set, a
// header declaring a near-endless data chunk is queued so stream
// consumers can parse the audio format.
func (dev *dev_minder_s) add_raw_listener(label string, factor int, write_wav_header bool, use_avg bool) {
	if factor < 1 {
		factor = 1
	}

	if len(dev.raw_listeners) == 0 {
		dev.down_sample_factor = factor
		dev.down_sample_useavg = use_avg
		for i := 0; i < MAX_CHANNELS; i++ {
			dev.down_sample_accum[i] = 0
			dev.down_sample_count[i] = factor
		}
	}
	dev.raw_listeners[label] = true

	if write_wav_header {
		var p = dev.reg.lookup(label)
		if p != nil {
			var hdr = new_wav_header(dev.hw_rate/dev.down_sample_factor, dev.effective_channels(), WAV_MAX_STREAMING_FRAMES)
			p.queue_output(hdr.encode(), 0)
		}
	}
}

func (dev *dev_minder_s) remove_raw_listener(label string) {
	delete(dev.raw_listeners, label)
}

func (dev *dev_minder_s) remove_all_raw_listeners() {
	dev.raw_listeners = make(map[string]bool)
}

func (dev *dev_minder_s) set_fm_demod(demod bool) {
	dev.demod_fm_for_raw = demod
}

// effective_channels is the channel count on the raw emission path: FM
// discrimination collapses an I/Q pair to one channel.
func (dev *dev_minder_s) effective_channels() int {
	if dev.demod_fm_for_raw && dev.num_chan == 2 {
		return 1
	}

	return dev.num_chan
}

func (dev *dev_minder_s) handle_events(pollfds []unix.PollFd, timed_out bool, time_now float64) {
	if !dev.backend.hw_is_open() || len(pollfds) == 0 {
		return
	}

	var avail = dev.backend.hw_handle_events(pollfds, timed_out)

	if avail < 0 {
		vah_log.Error("device error; restarting", "label", dev.label, "device", dev.dev_name, "code", avail)
		dev.has_error = avail
		dev.reg.async_msg(fmt.Sprintf("{\"event\":\"devProblem\",\"devLabel\":\"%s\",\"error\":\"backend returned %d\"}", dev.label, avail))
		dev.backend.hw_do_restart()
		dev.start_timestamp = now_realtime()

		return
	}

	if avail > 0 {
		dev.last_data_received = time_now

		var max = len(dev.sample_buf) / dev.num_chan
		if avail > max {
			avail = max
		}

		var frames, frame_timestamp, getErr = dev.backend.hw_get_frames(dev.sample_buf[:avail*dev.num_chan], avail)
		if getErr != nil {
			dev.reg.async_msg(fmt.Sprintf("{\"event\":\"devProblem\",\"devLabel\":\"%s\",\"error\":\"%s\"}", dev.label, json_escape(getErr.Error())))

			return
		}
		if frames == 0 {
			return
		}

		dev.total_frames += int64(frames)
		dev.emit(frames, frame_timestamp)

		return
	}

	// quiet: if the device should be running but nothing has arrived
	// for too long, it has likely wedged (hub reset, unplug); stop it
	// and let the controller decide to restart.
	if dev.should_be_running && dev.last_data_received >= 0 &&
		time_now-dev.last_data_received > MAX_DEV_QUIET_TIME {
		var quiet = time_now - dev.last_data_received
		vah_log.Warn("device stalled", "label", dev.label, "device", dev.dev_name, "quiet_secs", quiet)
		dev.reg.async_msg(fmt.Sprintf("{\"event\":\"devStalled\",\"devLabel\":\"%s\",\"error\":\"no data received for %.0f secs\"}", dev.label, quiet))
		dev.last_data_received = time_now // quiet clock restarts here; the device is not restarted automatically
		dev.stop(now_realtime())
		dev.reg.request_pollfd_regen()
	}
}

// emit fans one drained batch out to raw listeners and plugin runners.
// frame_timestamp is the realtime timestamp of the first frame.
func (dev *dev_minder_s) emit(frames int, frame_timestamp float64) {
	if len(dev.raw_listeners) > 0 {
		dev.emit_raw(frames, frame_timestamp)
	}
	if len(dev.plugins) > 0 {
		dev.emit_plugins(frames, frame_timestamp)
	}
}

func (dev *dev_minder_s) emit_raw(frames int, frame_timestamp float64) {
	copy(dev.raw_buf, dev.sample_buf[:frames*dev.num_chan])

	var out_frames = frames
	if dev.down_sample_factor > 1 {
		out_frames = decimate_interleaved(dev.raw_buf, frames, dev.num_chan,
			dev.down_sample_factor, &dev.down_sample_accum, &dev.down_sample_count, dev.down_sample_useavg)
	}

	var nchan = dev.num_chan
	if dev.demod_fm_for_raw && dev.num_chan == 2 {
		dev.fm_demod(dev.raw_buf, out_frames)
		nchan = 1
	}

	if out_frames == 0 {
		return
	}

	var nbytes = out_frames * 2 * nchan
	for i := 0; i < out_frames*nchan; i++ {
		dev.byte_buf[2*i] = byte(uint16(dev.raw_buf[i]))
		dev.byte_buf[2*i+1] = byte(uint16(dev.raw_buf[i]) >> 8)
	}

	for _, label := range sorted_labels(dev.raw_listeners) {
		var p = dev.reg.lookup(label)
		if p == nil {
			delete(dev.raw_listeners, label)

			continue
		}
		p.queue_output(dev.byte_buf[:nbytes], frame_timestamp)
	}
}

func (dev *dev_minder_s) emit_plugins(frames int, frame_timestamp float64) {
	copy(dev.plug_buf, dev.sample_buf[:frames*dev.num_chan])

	var out_frames = frames
	if dev.plug_decim > 1 {
		out_frames = decimate_interleaved(dev.plug_buf, frames, dev.num_chan,
			dev.plug_decim, &dev.plug_accum, &dev.plug_count, true)
	}
	if out_frames == 0 {
		return
	}

	var ch0 = dev.plug_buf
	var ch1 []int16
	if dev.num_chan == 2 {
		ch1 = dev.plug_buf[1:]
	}

	for _, label := range sorted_labels(dev.plugins) {
		var p = dev.reg.lookup(label)
		var pr, ok = p.(*plugin_runner_s)
		if p == nil || !ok {
			delete(dev.plugins, label)

			continue
		}
		pr.handle_data(out_frames, ch0, ch1, dev.num_chan, frame_timestamp)
	}
}

// fm_demod discriminates interleaved I/Q frames to mono in place.  The
// scale maps the broadcast peak deviation onto full-scale int16 at the
// hardware rate reference.
func (dev *dev_minder_s) fm_demod(buf []int16, frames int) {
	var dtheta_scale = float64(dev.hw_rate) / (2 * math.Pi) / FM_PEAK_DEVIATION_HZ * 32767.0

	for i := 0; i < frames; i++ {
		var theta = math.Atan2(float64(buf[2*i]), float64(buf[2*i+1]))
		var dtheta = theta - dev.demod_fm_lasttheta
		dev.demod_fm_lasttheta = theta
		// wrap onto (-pi, pi]: an exact -pi maps to +pi
		if dtheta > math.Pi {
			dtheta -= 2 * math.Pi
		} else if dtheta <= -math.Pi {
			dtheta += 2 * math.Pi
		}
		buf[i] = int16(math.Round(dtheta_scale * dtheta))
	}
}

func (dev *dev_minder_s) to_json() string {
	var js, _ = json.Marshal(struct {
		Type           string  `json:"type"`
		Device         string  `json:"device"`
		Rate           int     `json:"rate"`
		HwRate         int     `json:"hwRate"`
		NumChan        int     `json:"numChan"`
		FmDemod        bool    `json:"fmDemod"`
		StartTimestamp float64 `json:"startTimestamp"`
		StopTimestamp  float64 `json:"stopTimestamp"`
		Running        bool    `json:"running"`
		HasError       int     `json:"hasError"`
		TotalFrames    int64   `json:"totalFrames"`
	}{
		Type:           "DevMinder",
		Device:         dev.dev_name,
		Rate:           dev.rate,
		HwRate:         dev.hw_rate,
		NumChan:        dev.num_chan,
		FmDemod:        dev.demod_fm_for_raw,
		StartTimestamp: dev.start_timestamp,
		StopTimestamp:  dev.stop_timestamp,
		Running:        !dev.stopped,
		HasError:       dev.has_error,
		TotalFrames:    dev.total_frames,
	})

	return string(js)
}

func (dev *dev_minder_s) cleanup() {
	dev.backend.hw_close()
	if dev.reg.terminating {
		return
	}
	for label := range dev.plugins {
		dev.reg.remove(label)
	}
	dev.plugins = make(map[string]bool)
}

/*
 * decimate_interleaved reduces frames by an integer factor, in place,
 * each channel independently.  In averaging mode a running accumulator
 * emits (accum + factor/2) / factor every factor samples and retains the
 * residue, preserving the long-run average without drift.  In subsample
 * mode every factor'th sample passes through.  Accumulator and countdown
 * state persist across batches.  Returns the output frame count.
 */
func decimate_interleaved(buf []int16, frames int, nchan int, factor int,
	accum *[MAX_CHANNELS]int32, count *[MAX_CHANNELS]int, use_avg bool) int {

	var out_frames = 0
	for ch := 0; ch < nchan; ch++ {
		var src = ch
		var dst = ch
		out_frames = 0
		for i := 0; i < frames; i++ {
			var s = buf[src]
			src += nchan
			if use_avg {
				accum[ch] += int32(s)
			}
			count[ch]--
			if count[ch] > 0 {
				continue
			}
			count[ch] = factor
			if use_avg {
				var d = int16((accum[ch] + int32(factor)/2) / int32(factor))
				accum[ch] -= int32(d) * int32(factor)
				buf[dst] = d
			} else {
				buf[dst] = s
			}
			dst += nchan
			out_frames++
		}
	}

	return out_frames
}

func sorted_labels(set map[string]bool) []string {
	var labels = make([]string, 0, len(set))
	for label := range set {
		labels = append(labels, label)
	}
	sort.Strings(labels)

	return labels
}

func json_escape(s string) string {
	var js, _ = json.Marshal(s)

	return string(js[1 : len(js)-1])
}
