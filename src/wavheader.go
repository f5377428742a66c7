package vah

/*------------------------------------------------------------------
 *
 * Purpose:	Header for .WAV files.
 *
 *		Hard-coded to the PCM S16_LE sample format, which is the
 *		only format this host handles.
 *
 *------------------------------------------------------------------*/

import (
	"bytes"
	"encoding/binary"
	"errors"
)

const (
	WAV_HEADER_SIZE          = 44
	BITS_PER_SAMPLE_S16_LE   = 16
	SAMPLE_FMT_CODE_PCM      = 1
	WAV_MAX_STREAMING_FRAMES = 0x7ffffffe / 2 // declared size for endless raw streams
)

type wav_file_header_t struct {
	RIFFlabel   [4]byte
	RemFileSize uint32
	WAVElabel   [4]byte
	FMTlabel    [4]byte
	RemFmtSize  uint32
	FmtCode     uint16
	NumChan     uint16
	SampleRate  uint32
	ByteRate    uint32
	FrameSize   uint16
	SampleSize  uint16
	DATAlabel   [4]byte
	RemDataSize uint32
}

func new_wav_header(rate int, channels int, frames uint32) wav_file_header_t {
	var bytes = uint32(channels) * BITS_PER_SAMPLE_S16_LE / 8 * frames

	var hdr wav_file_header_t
	copy(hdr.RIFFlabel[:], "RIFF")
	hdr.RemFileSize = bytes + 36
	copy(hdr.WAVElabel[:], "WAVE")
	copy(hdr.FMTlabel[:], "fmt ")
	hdr.RemFmtSize = 16
	hdr.FmtCode = SAMPLE_FMT_CODE_PCM
	hdr.NumChan = uint16(channels)
	hdr.SampleRate = uint32(rate)
	hdr.ByteRate = uint32(rate * channels * BITS_PER_SAMPLE_S16_LE / 8)
	hdr.FrameSize = uint16(channels * 2)
	hdr.SampleSize = BITS_PER_SAMPLE_S16_LE
	copy(hdr.DATAlabel[:], "data")
	hdr.RemDataSize = bytes

	return hdr
}

// encode returns the 44-byte on-disk form, little-endian throughout.
func (hdr *wav_file_header_t) encode() []byte {
	var b bytes.Buffer
	b.Grow(WAV_HEADER_SIZE)
	binary.Write(&b, binary.LittleEndian, hdr)

	return b.Bytes()
}

var ErrBadWavHeader = errors.New("not a RIFF/WAVE PCM header")

// parse_wav_header decodes a header previously produced by encode.
func parse_wav_header(p []byte) (wav_file_header_t, error) {
	var hdr wav_file_header_t
	if len(p) < WAV_HEADER_SIZE {
		return hdr, ErrBadWavHeader
	}

	var readErr = binary.Read(bytes.NewReader(p[:WAV_HEADER_SIZE]), binary.LittleEndian, &hdr)
	if readErr != nil {
		return hdr, readErr
	}

	if string(hdr.RIFFlabel[:]) != "RIFF" || string(hdr.WAVElabel[:]) != "WAVE" || hdr.FmtCode != SAMPLE_FMT_CODE_PCM {
		return hdr, ErrBadWavHeader
	}

	return hdr, nil
}

// frames reports the frame count declared by the data chunk size.
func (hdr *wav_file_header_t) frames() uint32 {
	return hdr.RemDataSize / uint32(hdr.NumChan) / 2
}
