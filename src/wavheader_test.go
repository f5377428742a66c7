package vah

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func Test_wav_header_layout(t *testing.T) {
	var hdr = new_wav_header(48000, 2, 80000)
	var p = hdr.encode()

	require.Len(t, p, WAV_HEADER_SIZE)
	assert.Equal(t, "RIFF", string(p[0:4]))
	assert.Equal(t, "WAVE", string(p[8:12]))
	assert.Equal(t, "fmt ", string(p[12:16]))
	assert.Equal(t, "data", string(p[36:40]))

	// S16_LE stereo: 4-byte frames, byte rate = rate * 4
	assert.Equal(t, byte(16), p[34], "bits per sample")
	assert.Equal(t, byte(4), p[32], "block align")
}

func Test_wav_header_round_trip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		var rate = rapid.IntRange(1, 3200000).Draw(t, "rate")
		var channels = rapid.IntRange(1, 2).Draw(t, "channels")
		// largest count whose stereo data size fits the 32-bit size field
		var frames = rapid.Uint32Range(0, 1<<30-1).Draw(t, "frames")

		var hdr = new_wav_header(rate, channels, frames)
		var parsed, parseErr = parse_wav_header(hdr.encode())

		require.NoError(t, parseErr)
		assert.Equal(t, uint32(rate), parsed.SampleRate)
		assert.Equal(t, uint16(channels), parsed.NumChan)
		assert.Equal(t, frames, parsed.frames())
		assert.Equal(t, uint32(frames)*uint32(channels)*2, parsed.RemDataSize)
	})
}

func Test_wav_header_rejects_garbage(t *testing.T) {
	var _, parseErr = parse_wav_header([]byte("definitely not a wav header, not even 44 b"))
	assert.Error(t, parseErr)
}
