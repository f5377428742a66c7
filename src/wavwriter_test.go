package vah

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_path_template_fractional_seconds(t *testing.T) {
	var cases = []struct {
		template string
		ts       float64
		want     string
	}{
		{"/rec/%Y-%m-%dT%H-%M-%S.%QQQ.wav", 1600000000.1234, "/rec/2020-09-13T12-26-40.123.wav"},
		{"/rec/%s.%Q.wav", 1600000000.96, "/rec/1600000000.9.wav"},
		{"/rec/plain-%H%M%S.wav", 1600000000.5, "/rec/plain-122640.wav"},
		{"/rec/noescapes.wav", 123.0, "/rec/noescapes.wav"},
	}

	for _, c := range cases {
		var got, gotErr = format_path_template(c.template, c.ts)
		require.NoError(t, gotErr, c.template)
		assert.Equal(t, c.want, got, c.template)
	}
}

func Test_path_template_many_q_digits(t *testing.T) {
	var got, gotErr = format_path_template("/x/%QQQQQQ", 10.123456789)
	require.NoError(t, gotErr)
	assert.Equal(t, "/x/123457", got, "six Qs give six rounded fractional digits")
}

func Test_wav_writer_pre_capture_ring_rolls(t *testing.T) {
	var reg = new_registry(true)
	var wav = new_wav_file_writer(reg, "D", "W", "", 100, 1000, 1)
	require.NoError(t, reg.add(wav))
	wav.output.set_capacity(16)

	// path template is blank, so no capture happens and the ring rolls
	require.True(t, wav.queue_output([]byte("0123456789abcdef"), 0))
	require.True(t, wav.queue_output([]byte("ZZZZ"), 0.1))

	assert.Equal(t, 16, wav.output.size())
	assert.Equal(t, byte('4'), wav.output.first_slice()[0], "oldest frames fall off the front")
}

func Test_wav_writer_post_capture_refuses_overflow(t *testing.T) {
	var reg = new_registry(true)
	var wav = new_wav_file_writer(reg, "D", "W", "", 100, 1000, 1)
	require.NoError(t, reg.add(wav))
	wav.output.set_capacity(16)
	wav.timestamp_captured = true

	require.True(t, wav.queue_output([]byte("0123456789ab"), 0))
	require.True(t, wav.queue_output([]byte("cdefgh"), 0), "a frame-aligned prefix still fits")
	assert.Equal(t, 16, wav.output.size())
	assert.Equal(t, byte('0'), wav.output.first_slice()[0], "the front is pinned once the timestamp is captured")
	assert.False(t, wav.queue_output([]byte("xx"), 0))
}

// drive the poll loop until the writer reports the expected number of
// completed files (or we give up).
func pump_until(t *testing.T, reg *registry_s, wav *wav_file_writer_s, files int) {
	t.Helper()
	for i := 0; i < 500 && wav.total_files_written < files; i++ {
		require.NoError(t, reg.poll_once(10))
	}
	require.Equal(t, files, wav.total_files_written)
}

func Test_wav_writer_writes_exactly_the_requested_frames(t *testing.T) {
	var reg = new_registry(true)
	var dir = t.TempDir()

	var wav = new_wav_file_writer(reg, "D", "D_FileWriter", dir+"/one-%H%M%S.wav", 100, 1000, 1)
	require.NoError(t, reg.add(wav))

	// queue 150 frames; only 100 belong to this file
	var data = make([]byte, 300)
	for i := range data {
		data[i] = byte(i)
	}
	require.True(t, wav.queue_output(data, 1600000000.0))

	// the captured first-frame timestamp is the batch timestamp itself:
	// 150 buffered frames reach back 149 periods from the last frame
	assert.InDelta(t, 1600000000.0, wav.curr_file_timestamp, 1e-9)

	pump_until(t, reg, wav, 1)

	var content, readErr = os.ReadFile(wav.filename)
	require.NoError(t, readErr)
	require.Len(t, content, WAV_HEADER_SIZE+200, "44-byte header plus frames*2*channels bytes")

	var hdr, parseErr = parse_wav_header(content)
	require.NoError(t, parseErr)
	assert.Equal(t, uint32(1000), hdr.SampleRate)
	assert.Equal(t, uint16(1), hdr.NumChan)
	assert.Equal(t, uint32(100), hdr.frames())
	assert.Equal(t, data[:200], content[WAV_HEADER_SIZE:])

	assert.Equal(t, "", wav.path_template, "no further file is opened until a new file is requested")
	assert.Equal(t, 0, wav.byte_countdown)
	assert.NotNil(t, reg.lookup("D_FileWriter"), "a completed writer stays registered for rotation")
}

func Test_wav_writer_rotation_preserves_queued_tail(t *testing.T) {
	var reg = new_registry(true)
	var dir = t.TempDir()

	var wav = new_wav_file_writer(reg, "D", "D_FileWriter", dir+"/a-%H%M%S.wav", 50, 1000, 1)
	require.NoError(t, reg.add(wav))

	var data = make([]byte, 200)
	for i := range data {
		data[i] = byte(i * 3)
	}
	require.True(t, wav.queue_output(data, 1600000000.0))
	pump_until(t, reg, wav, 1)

	var first = wav.filename

	// rotate: the 100 frames beyond the first file must open the next
	// file without loss
	wav.resume_with_new_file(dir + "/b-%H%M%S.wav")
	pump_until(t, reg, wav, 2)

	var second_content, readErr = os.ReadFile(wav.filename)
	require.NoError(t, readErr)
	assert.NotEqual(t, first, wav.filename)
	require.Len(t, second_content, WAV_HEADER_SIZE+100)
	assert.Equal(t, data[100:200], second_content[WAV_HEADER_SIZE:],
		"frames queued past the first file boundary land at the start of the next file")
}

func Test_wav_writer_error_removes_itself(t *testing.T) {
	var reg = new_registry(true)

	// a directory that cannot be created
	var wav = new_wav_file_writer(reg, "D", "D_FileWriter", "/proc/definitely/not/writable/x.wav", 10, 1000, 1)
	require.NoError(t, reg.add(wav))

	require.True(t, wav.queue_output(make([]byte, 20), 0))
	for i := 0; i < 500 && reg.lookup("D_FileWriter") != nil; i++ {
		require.NoError(t, reg.poll_once(10))
	}

	assert.Nil(t, reg.lookup("D_FileWriter"), "a writer that cannot open its file removes itself")
}
