package vah

import (
	"encoding/binary"
	"fmt"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
	"pgregory.net/rapid"
)

/*
 * test doubles: a pollable that captures queued output, and a
 * configurable fake plugin.
 */

type capture_listener_s struct {
	pollable_common_s
	captured [][]byte
}

func new_capture_listener(reg *registry_s, label string) *capture_listener_s {
	var cl = &capture_listener_s{}
	cl.init_common(reg, label, DEFAULT_OUTPUT_BUFFER_SIZE)
	reg.add(cl)

	return cl
}

func (cl *capture_listener_s) queue_output(p []byte, frame_timestamp float64) bool {
	cl.captured = append(cl.captured, append([]byte(nil), p...))

	return true
}

func (cl *capture_listener_s) handle_events(pollfds []unix.PollFd, timed_out bool, time_now float64) {
}

func (cl *capture_listener_s) start(time_now float64) error { return nil }

func (cl *capture_listener_s) stop(time_now float64) {}

func (cl *capture_listener_s) to_json() string { return "{}" }

type fake_plugin_s struct {
	domain      int
	min_chan    int
	max_chan    int
	block       int
	step        int
	param_descs []plugin_parameter_descriptor_t
	params      map[string]float32

	init_chan, init_step, init_block int
	inited                           bool
	released                         bool

	process_calls int
	blocks        [][][]float32
	rts           []real_time_t
	emit          func(call int, buffers [][]float32, rt real_time_t) feature_set_t
}

func new_fake_plugin(block int, step int) *fake_plugin_s {
	return &fake_plugin_s{
		domain:   TIME_DOMAIN,
		min_chan: 1,
		max_chan: 2,
		block:    block,
		step:     step,
		params:   make(map[string]float32),
	}
}

func (fp *fake_plugin_s) get_input_domain() int        { return fp.domain }
func (fp *fake_plugin_s) get_min_channel_count() int   { return fp.min_chan }
func (fp *fake_plugin_s) get_max_channel_count() int   { return fp.max_chan }
func (fp *fake_plugin_s) get_preferred_block_size() int { return fp.block }
func (fp *fake_plugin_s) get_preferred_step_size() int  { return fp.step }

func (fp *fake_plugin_s) get_output_descriptors() []plugin_output_descriptor_t {
	return []plugin_output_descriptor_t{{identifier: "other"}, {identifier: "pulses"}}
}

func (fp *fake_plugin_s) get_parameter_descriptors() []plugin_parameter_descriptor_t {
	return fp.param_descs
}

func (fp *fake_plugin_s) set_parameter(name string, value float32) {
	fp.params[name] = value
}

func (fp *fake_plugin_s) initialise(channels int, step_size int, block_size int) bool {
	fp.init_chan, fp.init_step, fp.init_block = channels, step_size, block_size
	fp.inited = true

	return true
}

func (fp *fake_plugin_s) process(buffers [][]float32, rt real_time_t) feature_set_t {
	fp.process_calls++
	var snap = make([][]float32, len(buffers))
	for c := range buffers {
		snap[c] = append([]float32(nil), buffers[c]...)
	}
	fp.blocks = append(fp.blocks, snap)
	fp.rts = append(fp.rts, rt)

	if fp.emit != nil {
		return fp.emit(fp.process_calls, buffers, rt)
	}

	return feature_set_t{}
}

func (fp *fake_plugin_s) release() { fp.released = true }

func with_fake_plugin(t interface{ Cleanup(func()) }, fp *fake_plugin_s) {
	register_plugin_library("fake.so", "fake", func(rate int) vamp_plugin { return fp })
	t.Cleanup(func() { delete(plugin_factories, "fake.so:fake") })
}

func make_runner(t *testing.T, fp *fake_plugin_s, num_chan int, max_abs int) (*plugin_runner_s, *capture_listener_s) {
	t.Helper()
	with_fake_plugin(t, fp)

	var reg = new_registry(true)
	var cl = new_capture_listener(reg, "listener")

	var pr, newErr = new_plugin_runner(reg, "P", "D", 1000, num_chan, max_abs, "fake.so", "fake", "pulses", map[string]float32{})
	require.NoError(t, newErr)
	require.NoError(t, reg.add(pr))
	require.True(t, pr.add_output_listener("listener"))

	return pr, cl
}

func Test_plugin_runner_block_step_accounting(t *testing.T) {
	// after k process calls, frames consumed is B + (k-1)*S; the first
	// B-S frames of call k equal the last B-S frames of call k-1
	rapid.Check(t, func(t *rapid.T) {
		var block = rapid.IntRange(2, 64).Draw(t, "block")
		var step = rapid.IntRange(1, 64).Draw(t, "step")
		if step > block {
			step = block
		}

		var fp = new_fake_plugin(block, step)
		register_plugin_library("fake.so", "fake", func(rate int) vamp_plugin { return fp })
		defer delete(plugin_factories, "fake.so:fake")

		var reg = new_registry(true)
		var pr, newErr = new_plugin_runner(reg, "P", "D", 1000, 1, 32768, "fake.so", "fake", "pulses", map[string]float32{})
		if newErr != nil {
			t.Fatalf("new_plugin_runner: %v", newErr)
		}

		var total = rapid.IntRange(0, 600).Draw(t, "total")
		var fed = 0
		var next int16 = 0
		for fed < total {
			var n = rapid.IntRange(1, total-fed).Draw(t, "batch")
			var batch = make([]int16, n)
			for i := range batch {
				batch[i] = next
				next++
			}
			pr.handle_data(n, batch, nil, 1, 0)
			fed += n
		}

		var k = fp.process_calls
		if k > 0 {
			var consumed = block + (k-1)*step
			assert.LessOrEqual(t, consumed, total)
			assert.Greater(t, consumed+step, total, "one more step would not have fit")
		} else {
			assert.Less(t, total, block)
		}

		for call := 1; call < k; call++ {
			var overlap = block - step
			assert.Equal(t, fp.blocks[call-1][0][step:], fp.blocks[call][0][:overlap],
				"call %d must start with the tail of call %d", call+1, call)
		}
	})
}

func Test_plugin_runner_scales_by_max_sample_abs(t *testing.T) {
	var fp = new_fake_plugin(4, 4)
	var pr, _ = make_runner(t, fp, 1, 2048)

	pr.handle_data(4, []int16{2048, -2048, 1024, 0}, nil, 1, 0)

	require.Equal(t, 1, fp.process_calls)
	assert.Equal(t, []float32{1.0, -1.0, 0.5, 0.0}, fp.blocks[0][0])
}

func Test_plugin_runner_strided_stereo_input(t *testing.T) {
	var fp = new_fake_plugin(2, 2)
	fp.min_chan = 2

	with_fake_plugin(t, fp)
	var reg = new_registry(true)
	var pr, newErr = new_plugin_runner(reg, "P", "D", 1000, 2, 32768, "fake.so", "fake", "pulses", map[string]float32{})
	require.NoError(t, newErr)

	// interleaved L R L R
	var buf = []int16{100, -100, 200, -200}
	pr.handle_data(2, buf, buf[1:], 2, 0)

	require.Equal(t, 1, fp.process_calls)
	assert.Equal(t, []float32{100.0 / 32768, 200.0 / 32768}, fp.blocks[0][0])
	assert.Equal(t, []float32{-100.0 / 32768, -200.0 / 32768}, fp.blocks[0][1])
}

func Test_plugin_runner_text_output(t *testing.T) {
	var fp = new_fake_plugin(4, 4)
	fp.emit = func(call int, buffers [][]float32, rt real_time_t) feature_set_t {
		return feature_set_t{
			0: {{values: []float32{9}}}, // wrong output; must be ignored
			1: {
				{
					has_timestamp: true,
					timestamp:     real_time_from_seconds(12.34567),
					values:        []float32{1, 2.5},
				},
				{values: []float32{7}},
			},
		}
	}

	var pr, cl = make_runner(t, fp, 1, 32768)
	pr.handle_data(4, []int16{1, 2, 3, 4}, nil, 1, 0)

	require.Len(t, cl.captured, 2)
	assert.Equal(t, "P,12.3457,1,2.5\n", string(cl.captured[0]))
	assert.Equal(t, "P,0.0000,7\n", string(cl.captured[1]))
	assert.Equal(t, int64(2), pr.total_features)
}

func Test_plugin_runner_duration_field(t *testing.T) {
	var fp = new_fake_plugin(4, 4)
	fp.emit = func(call int, buffers [][]float32, rt real_time_t) feature_set_t {
		return feature_set_t{1: {{
			has_timestamp: true,
			timestamp:     real_time_from_seconds(1.0),
			has_duration:  true,
			duration:      real_time_from_seconds(0.25),
			values:        []float32{3},
		}}}
	}

	var pr, cl = make_runner(t, fp, 1, 32768)
	pr.handle_data(4, []int16{0, 0, 0, 0}, nil, 1, 0)

	require.Len(t, cl.captured, 1)
	assert.Equal(t, "P,1.0000,0.250,3\n", string(cl.captured[0]))
}

func Test_plugin_runner_binary_output(t *testing.T) {
	var fp = new_fake_plugin(4, 4)
	fp.param_descs = []plugin_parameter_descriptor_t{
		{identifier: "isOutputBinary", is_quantized: true, min_value: 1, max_value: 1},
	}
	fp.emit = func(call int, buffers [][]float32, rt real_time_t) feature_set_t {
		return feature_set_t{1: {{values: []float32{1.5, -2.0}}}}
	}

	var pr, cl = make_runner(t, fp, 1, 32768)
	require.True(t, pr.is_output_binary)

	pr.handle_data(4, []int16{0, 0, 0, 0}, nil, 1, 0)

	require.Len(t, cl.captured, 1)
	require.Len(t, cl.captured[0], 8)
	assert.Equal(t, float32(1.5), math.Float32frombits(binary.LittleEndian.Uint32(cl.captured[0][0:4])))
	assert.Equal(t, float32(-2.0), math.Float32frombits(binary.LittleEndian.Uint32(cl.captured[0][4:8])))
}

func Test_plugin_runner_block_timestamps_advance_by_step(t *testing.T) {
	var fp = new_fake_plugin(8, 4)
	var pr, _ = make_runner(t, fp, 1, 32768)

	var batch = make([]int16, 16)
	pr.handle_data(16, batch, nil, 1, 10.0) // rate 1000, so block ts start at 10.0

	require.Equal(t, 3, fp.process_calls)
	assert.InDelta(t, 10.0, fp.rts[0].seconds(), 1e-6)
	assert.InDelta(t, 10.004, fp.rts[1].seconds(), 1e-6)
	assert.InDelta(t, 10.008, fp.rts[2].seconds(), 1e-6)
}

func Test_plugin_runner_rejects_incompatible_plugins(t *testing.T) {
	var cases = []struct {
		name   string
		mutate func(fp *fake_plugin_s)
	}{
		{"frequency domain", func(fp *fake_plugin_s) { fp.domain = FREQUENCY_DOMAIN }},
		{"too many channels required", func(fp *fake_plugin_s) { fp.min_chan = 2 }},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			var fp = new_fake_plugin(4, 4)
			c.mutate(fp)
			with_fake_plugin(t, fp)

			var reg = new_registry(true)
			var _, newErr = new_plugin_runner(reg, "P", "D", 1000, 1, 32768, "fake.so", "fake", "pulses", map[string]float32{})
			assert.Error(t, newErr)
			assert.True(t, fp.released, "a rejected plugin must be released")
		})
	}
}

func Test_plugin_runner_rejects_unknown_output(t *testing.T) {
	var fp = new_fake_plugin(4, 4)
	with_fake_plugin(t, fp)

	var reg = new_registry(true)
	var _, newErr = new_plugin_runner(reg, "P", "D", 1000, 1, 32768, "fake.so", "fake", "nonesuch", map[string]float32{})
	assert.Error(t, newErr)
}

func Test_plugin_runner_host_parameter_conventions(t *testing.T) {
	var fp = new_fake_plugin(0, 0) // exercise the defaults too
	fp.param_descs = []plugin_parameter_descriptor_t{
		{identifier: "isForVampAlsaHost"},
	}

	var pr, _ = make_runner(t, fp, 1, 32768)

	assert.Equal(t, DEFAULT_BLOCK_SIZE, pr.block_size)
	assert.Equal(t, DEFAULT_BLOCK_SIZE, pr.step_size)
	assert.Equal(t, float32(1.0), fp.params["isForVampAlsaHost"])
	assert.True(t, fp.inited)
	assert.Equal(t, 1, fp.init_chan)
}

func Test_plugin_runner_step_larger_than_block_raises_block(t *testing.T) {
	var fp = new_fake_plugin(16, 32)
	var pr, _ = make_runner(t, fp, 1, 32768)

	assert.Equal(t, 32, pr.block_size)
	assert.Equal(t, 32, pr.step_size)
}

func Test_plugin_runner_prunes_lapsed_listeners(t *testing.T) {
	var fp = new_fake_plugin(4, 4)
	fp.emit = func(call int, buffers [][]float32, rt real_time_t) feature_set_t {
		return feature_set_t{1: {{values: []float32{float32(call)}}}}
	}

	var pr, _ = make_runner(t, fp, 1, 32768)
	pr.reg.remove("listener")

	pr.handle_data(4, []int16{0, 0, 0, 0}, nil, 1, 0)

	assert.Empty(t, pr.output_listeners, "a lapsed listener must be pruned on fan-out")
}

func Test_plugin_runner_json(t *testing.T) {
	var fp = new_fake_plugin(4, 4)
	var pr, _ = make_runner(t, fp, 1, 32768)

	var js = pr.to_json()
	assert.Contains(t, js, "\"type\":\"PluginRunner\"")
	assert.Contains(t, js, "\"devLabel\":\"D\"")
	assert.Contains(t, js, fmt.Sprintf("\"library\":%q", "fake.so"))
}
