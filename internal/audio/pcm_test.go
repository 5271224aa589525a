package audio

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pcmOf(samples ...int16) []byte {
	b := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(b[i*2:], uint16(s))
	}
	return b
}

func TestWAVRoundTrip(t *testing.T) {
	pcm := pcmOf(0, 100, -100, 32767, -32768)
	wav := EncodeWAV(pcm, Format{SampleRate: 24000, Channels: 1})
	require.Len(t, wav, 44+len(pcm))

	got, f, err := DecodeWAV(wav)
	require.NoError(t, err)
	assert.Equal(t, pcm, got)
	assert.Equal(t, Format{SampleRate: 24000, Channels: 1}, f)
}

func TestDecodeWAV_Rejects(t *testing.T) {
	_, _, err := DecodeWAV([]byte("not audio at all"))
	assert.ErrorIs(t, err, ErrNotWAV)

	wav := EncodeWAV(pcmOf(1, 2), Format{SampleRate: 8000, Channels: 1})
	binary.LittleEndian.PutUint16(wav[34:], 8) // 8-bit
	_, _, err = DecodeWAV(wav)
	assert.Error(t, err)
}

func TestDecodeWAV_StreamingPlaceholderSize(t *testing.T) {
	pcm := pcmOf(5, 6, 7)
	wav := EncodeWAV(pcm, Format{SampleRate: 24000, Channels: 1})
	binary.LittleEndian.PutUint32(wav[40:], 0xFFFFFFFF)
	got, _, err := DecodeWAV(wav)
	require.NoError(t, err)
	assert.Equal(t, pcm, got)
}

func TestDownmix(t *testing.T) {
	got := Downmix(pcmOf(100, 300, -50, 50))
	assert.Equal(t, pcmOf(200, 0), got)
}

func TestResample(t *testing.T) {
	in := pcmOf(0, 100, 200, 300)
	assert.Equal(t, in, Resample(in, 24000, 24000))

	up := Resample(in, 12000, 24000)
	assert.Len(t, up, 16)
	assert.Equal(t, int16(50), sample(up, 1))

	down := Resample(in, 24000, 12000)
	assert.Equal(t, pcmOf(0, 200), down)
}

func TestRMS(t *testing.T) {
	assert.Equal(t, 0.0, RMS(nil))
	assert.InDelta(t, 100.0, RMS(pcmOf(100, -100, 100, -100)), 1e-9)
}

func TestDurationMS(t *testing.T) {
	assert.Equal(t, int64(1000), DurationMS(make([]byte, 48000), 24000))
	assert.Equal(t, int64(0), DurationMS(make([]byte, 10), 0))
}
