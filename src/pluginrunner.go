package vah

/*------------------------------------------------------------------
 *
 * Purpose:	Plugin runner: adapts a continuous sample stream to the
 *		block/step contract of a time-domain plugin.
 *
 *		Samples arrive in arbitrary-sized batches from the
 *		device minder.  They are scaled to floats, accumulated
 *		per channel, and the plugin is invoked whenever a full
 *		block is on hand; when the step is smaller than the
 *		block the tail of each buffer is slid forward so
 *		consecutive blocks overlap by (block - step) frames.
 *
 *		Features are formatted as text lines or raw float
 *		bytes and queued on every subscribed output listener.
 *		A plugin runner owns no file descriptors; it sits in
 *		the registry only to be addressed by label and to own
 *		its output routing.
 *
 *------------------------------------------------------------------*/

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"strconv"

	"github.com/valyala/bytebufferpool"
	"golang.org/x/sys/unix"
)

const DEFAULT_BLOCK_SIZE = 1024

type plugin_runner_s struct {
	pollable_common_s

	dev_label     string
	plugin_soname string
	plugin_id     string
	plugin_output string
	plugin_params map[string]float32

	rate           int // frame rate seen by the plugin (post-decimation)
	num_chan       int
	max_sample_abs int

	total_frames   int64
	total_features int64

	plugin  vamp_plugin
	plugbuf [][]float32

	output_no         int
	block_size        int
	step_size         int
	frames_in_plugbuf int
	is_output_binary  bool

	// realtime timestamp of the first frame currently buffered
	buf_start_timestamp float64

	output_listeners map[string]bool
}

func new_plugin_runner(reg *registry_s, label string, dev_label string, rate int, num_chan int,
	max_sample_abs int, soname string, id string, output string, params map[string]float32) (*plugin_runner_s, error) {

	var pr = &plugin_runner_s{
		dev_label:        dev_label,
		plugin_soname:    soname,
		plugin_id:        id,
		plugin_output:    output,
		plugin_params:    params,
		rate:             rate,
		num_chan:         num_chan,
		max_sample_abs:   max_sample_abs,
		output_no:        -1,
		output_listeners: make(map[string]bool),
	}
	pr.init_common(reg, label, DEFAULT_OUTPUT_BUFFER_SIZE)

	if loadErr := pr.load_plugin(); loadErr != nil {
		return nil, loadErr
	}

	return pr, nil
}

func (pr *plugin_runner_s) load_plugin() error {
	var plugin, loadErr = plugin_loader(pr.plugin_soname, pr.plugin_id, pr.rate)
	if loadErr != nil {
		return loadErr
	}

	// compatibility: must run in the time domain and accept our
	// channel count
	if plugin.get_input_domain() != TIME_DOMAIN ||
		plugin.get_min_channel_count() > pr.num_chan ||
		plugin.get_max_channel_count() < pr.num_chan {
		plugin.release()

		return fmt.Errorf("plugin %s:%s is not a time-domain plugin accepting %d channel(s)", pr.plugin_soname, pr.plugin_id, pr.num_chan)
	}

	pr.block_size = plugin.get_preferred_block_size()
	pr.step_size = plugin.get_preferred_step_size()
	if pr.block_size == 0 {
		pr.block_size = DEFAULT_BLOCK_SIZE
	}
	if pr.step_size == 0 {
		pr.step_size = pr.block_size
	} else if pr.step_size > pr.block_size {
		pr.block_size = pr.step_size
	}

	pr.plugbuf = make([][]float32, pr.num_chan)
	for c := 0; c < pr.num_chan; c++ {
		pr.plugbuf[c] = make([]float32, pr.block_size)
	}

	for i, od := range plugin.get_output_descriptors() {
		if od.identifier == pr.plugin_output {
			pr.output_no = i

			break
		}
	}
	if pr.output_no < 0 {
		plugin.release()

		return fmt.Errorf("plugin %s:%s has no output named '%s'", pr.plugin_soname, pr.plugin_id, pr.plugin_output)
	}

	for name, val := range pr.plugin_params {
		plugin.set_parameter(name, val)
	}

	// a plugin may change behaviour when hosted here rather than in an
	// interactive application; a parameter named isForVampAlsaHost is
	// the signal.  Quantized single-value parameters isOutputBinary /
	// maxBinaryOutputSize mark the output as raw bytes rather than
	// text lines.
	for _, pd := range plugin.get_parameter_descriptors() {
		switch {
		case pd.identifier == "isForVampAlsaHost":
			plugin.set_parameter(pd.identifier, 1.0)
		case pd.identifier == "isOutputBinary" && pd.is_quantized && pd.min_value == pd.max_value:
			pr.is_output_binary = true
		case pd.identifier == "maxBinaryOutputSize" && pd.is_quantized && pd.min_value == pd.max_value:
			pr.is_output_binary = true
		}
	}

	if !plugin.initialise(pr.num_chan, pr.step_size, pr.block_size) {
		plugin.release()

		return fmt.Errorf("plugin %s:%s failed to initialise with %d channel(s), step %d, block %d", pr.plugin_soname, pr.plugin_id, pr.num_chan, pr.step_size, pr.block_size)
	}

	pr.plugin = plugin

	return nil
}

// add_output_listener subscribes an existing pollable, by label, to this
// plugin's features.  Returns false if the label resolves to nothing.
func (pr *plugin_runner_s) add_output_listener(label string) bool {
	if label == "" || pr.reg.lookup(label) == nil {
		return false
	}
	pr.output_listeners[label] = true

	return true
}

func (pr *plugin_runner_s) remove_output_listener(label string) {
	delete(pr.output_listeners, label)
}

func (pr *plugin_runner_s) set_parameters(params map[string]float32) {
	for name, val := range params {
		pr.plugin_params[name] = val
		pr.plugin.set_parameter(name, val)
	}
}

/*
 * handle_data feeds one batch of interleaved samples into the block
 * machinery.  src0/src1 are strided views of the same interleaved
 * buffer (stride is the step argument); src1 is nil for mono.
 * frame_timestamp is the realtime timestamp of the first frame in the
 * batch.
 */
func (pr *plugin_runner_s) handle_data(avail int, src0 []int16, src1 []int16, step int, frame_timestamp float64) {
	var scale = float32(1.0) / float32(pr.max_sample_abs)

	// the first sample in the plugin buffer predates this batch by
	// whatever is already buffered
	pr.buf_start_timestamp = frame_timestamp - float64(pr.frames_in_plugbuf)/float64(pr.rate)

	var si = 0
	for avail > 0 {
		var to_copy = pr.block_size - pr.frames_in_plugbuf
		if to_copy > avail {
			to_copy = avail
		}

		var pb0 = pr.plugbuf[0][pr.frames_in_plugbuf:]
		if src1 != nil {
			var pb1 = pr.plugbuf[1][pr.frames_in_plugbuf:]
			for i := 0; i < to_copy; i++ {
				pb0[i] = float32(src0[si]) * scale
				pb1[i] = float32(src1[si]) * scale
				si += step
			}
		} else {
			for i := 0; i < to_copy; i++ {
				pb0[i] = float32(src0[si]) * scale
				si += step
			}
		}

		pr.frames_in_plugbuf += to_copy
		pr.total_frames += int64(to_copy)
		avail -= to_copy

		if pr.frames_in_plugbuf < pr.block_size {
			continue
		}

		var rt = real_time_from_seconds(pr.buf_start_timestamp)
		pr.output_features(pr.plugin.process(pr.plugbuf, rt), pr.label)

		if pr.step_size < pr.block_size {
			// slide the overlap to the front of each channel
			var keep = pr.block_size - pr.step_size
			for c := 0; c < pr.num_chan; c++ {
				copy(pr.plugbuf[c][:keep], pr.plugbuf[c][pr.step_size:])
			}
			pr.frames_in_plugbuf = keep
			pr.buf_start_timestamp += float64(pr.step_size) / float64(pr.rate)
		} else {
			pr.frames_in_plugbuf = 0
			pr.buf_start_timestamp += float64(pr.block_size) / float64(pr.rate)
		}
	}
}

/*
 * output_features queues the selected output's features on every live
 * listener.
 *
 * Binary: the raw little-endian bytes of the float vector, one write per
 * feature.
 *
 * Text: one line per feature - optional label prefix, timestamp to 4
 * decimal places (the feature's own if present, else 0), a duration
 * string if the feature carries one, then the values.
 */
func (pr *plugin_runner_s) output_features(features feature_set_t, prefix string) {
	var fs = features[pr.output_no]
	if len(fs) == 0 {
		return
	}
	pr.total_features += int64(len(fs))

	for _, f := range fs {
		var payload []byte

		if pr.is_output_binary {
			payload = make([]byte, 4*len(f.values))
			for i, v := range f.values {
				binary.LittleEndian.PutUint32(payload[4*i:], math.Float32bits(v))
			}
		} else {
			var bb = bytebufferpool.Get()

			if prefix != "" {
				bb.WriteString(prefix)
				bb.WriteString(",")
			}
			var ts float64
			if f.has_timestamp {
				ts = f.timestamp.seconds()
			}
			fmt.Fprintf(bb, "%.4f", ts)
			if f.has_duration {
				bb.WriteString(",")
				bb.WriteString(f.duration.to_string())
			}
			for _, v := range f.values {
				bb.WriteString(",")
				bb.WriteString(strconv.FormatFloat(float64(v), 'g', -1, 32))
			}
			bb.WriteString("\n")

			payload = append([]byte(nil), bb.Bytes()...)
			bytebufferpool.Put(bb)
		}

		for _, label := range sorted_labels(pr.output_listeners) {
			var p = pr.reg.lookup(label)
			if p == nil {
				delete(pr.output_listeners, label)

				continue
			}
			p.queue_output(payload, 0)
		}
	}
}

func (pr *plugin_runner_s) to_json() string {
	var js, _ = json.Marshal(struct {
		Type           string `json:"type"`
		DevLabel       string `json:"devLabel"`
		Library        string `json:"library"`
		ID             string `json:"ID"`
		Output         string `json:"output"`
		IsOutputBinary bool   `json:"isOutputBinary"`
		TotalFrames    int64  `json:"totalFrames"`
		TotalFeatures  int64  `json:"totalFeatures"`
	}{
		Type:           "PluginRunner",
		DevLabel:       pr.dev_label,
		Library:        pr.plugin_soname,
		ID:             pr.plugin_id,
		Output:         pr.plugin_output,
		IsOutputBinary: pr.is_output_binary,
		TotalFrames:    pr.total_frames,
		TotalFeatures:  pr.total_features,
	})

	return string(js)
}

/*
 * A plugin runner takes no part in polling; these keep it addressable in
 * the same registry as devices, connections and writers.
 */

func (pr *plugin_runner_s) get_num_poll_fds() int {
	return 0
}

func (pr *plugin_runner_s) get_poll_fds(pollfds []unix.PollFd) error {
	return nil
}

func (pr *plugin_runner_s) handle_events(pollfds []unix.PollFd, timed_out bool, time_now float64) {
}

func (pr *plugin_runner_s) start(time_now float64) error {
	return nil
}

func (pr *plugin_runner_s) stop(time_now float64) {
}

func (pr *plugin_runner_s) cleanup() {
	if pr.plugin != nil {
		pr.plugin.release()
		pr.plugin = nil
	}
}

