// Package audio converts between the PCM16 framing used on the realtime
// wire and the WAV containers the request/response endpoints speak.
package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// RealtimeSampleRate is the rate of pcm16 audio on the realtime wire.
const RealtimeSampleRate = 24000

var ErrNotWAV = errors.New("not a WAV stream")

// Format describes a PCM16 stream.
type Format struct {
	SampleRate int
	Channels   int
}

// EncodeWAV wraps little-endian PCM16 samples in a canonical 44-byte header.
func EncodeWAV(pcm []byte, f Format) []byte {
	if f.Channels <= 0 {
		f.Channels = 1
	}
	blockAlign := f.Channels * 2
	out := make([]byte, 44+len(pcm))
	copy(out[0:], "RIFF")
	binary.LittleEndian.PutUint32(out[4:], uint32(36+len(pcm)))
	copy(out[8:], "WAVE")
	copy(out[12:], "fmt ")
	binary.LittleEndian.PutUint32(out[16:], 16)
	binary.LittleEndian.PutUint16(out[20:], 1)
	binary.LittleEndian.PutUint16(out[22:], uint16(f.Channels))
	binary.LittleEndian.PutUint32(out[24:], uint32(f.SampleRate))
	binary.LittleEndian.PutUint32(out[28:], uint32(f.SampleRate*blockAlign))
	binary.LittleEndian.PutUint16(out[32:], uint16(blockAlign))
	binary.LittleEndian.PutUint16(out[34:], 16)
	copy(out[36:], "data")
	binary.LittleEndian.PutUint32(out[40:], uint32(len(pcm)))
	copy(out[44:], pcm)
	return out
}

// DecodeWAV returns the PCM16 payload of a WAV file and its format. Only
// uncompressed 16-bit PCM is accepted.
func DecodeWAV(b []byte) ([]byte, Format, error) {
	if len(b) < 12 || string(b[0:4]) != "RIFF" || string(b[8:12]) != "WAVE" {
		return nil, Format{}, ErrNotWAV
	}
	var f Format
	off := 12
	for off+8 <= len(b) {
		cid := string(b[off : off+4])
		csz := int(binary.LittleEndian.Uint32(b[off+4:]))
		off += 8
		switch cid {
		case "fmt ":
			if csz < 16 || off+csz > len(b) {
				return nil, Format{}, fmt.Errorf("bad fmt chunk")
			}
			tag := binary.LittleEndian.Uint16(b[off:])
			f.Channels = int(binary.LittleEndian.Uint16(b[off+2:]))
			f.SampleRate = int(binary.LittleEndian.Uint32(b[off+4:]))
			bits := binary.LittleEndian.Uint16(b[off+14:])
			if tag != 1 || bits != 16 {
				return nil, Format{}, fmt.Errorf("unsupported WAV format tag=%d bits=%d", tag, bits)
			}
		case "data":
			if f.SampleRate == 0 {
				return nil, Format{}, fmt.Errorf("data chunk before fmt chunk")
			}
			// Streamed WAVs carry a placeholder size; take what is there.
			end := off + csz
			if csz == 0 || end > len(b) || end < off {
				end = len(b)
			}
			return b[off:end], f, nil
		}
		off += csz + csz%2
	}
	return nil, Format{}, fmt.Errorf("no data chunk")
}

// Downmix averages interleaved stereo PCM16 to mono.
func Downmix(pcm []byte) []byte {
	out := make([]byte, len(pcm)/4*2)
	for i, j := 0, 0; i+3 < len(pcm); i, j = i+4, j+2 {
		a := int32(int16(binary.LittleEndian.Uint16(pcm[i:])))
		c := int32(int16(binary.LittleEndian.Uint16(pcm[i+2:])))
		binary.LittleEndian.PutUint16(out[j:], uint16(int16((a+c)/2)))
	}
	return out
}

// Resample converts mono PCM16 between rates with linear interpolation.
func Resample(pcm []byte, from, to int) []byte {
	if from == to || from <= 0 || to <= 0 || len(pcm) < 2 {
		return pcm
	}
	n := len(pcm) / 2
	outN := int(int64(n) * int64(to) / int64(from))
	out := make([]byte, outN*2)
	ratio := float64(from) / float64(to)
	for i := 0; i < outN; i++ {
		pos := float64(i) * ratio
		k := int(pos)
		frac := pos - float64(k)
		s0 := float64(sample(pcm, k))
		s1 := s0
		if k+1 < n {
			s1 = float64(sample(pcm, k+1))
		}
		v := math.Round(s0 + (s1-s0)*frac)
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(v)))
	}
	return out
}

// ToRealtime converts a decoded WAV payload to 24 kHz mono PCM16.
func ToRealtime(pcm []byte, f Format) []byte {
	if f.Channels == 2 {
		pcm = Downmix(pcm)
	}
	return Resample(pcm, f.SampleRate, RealtimeSampleRate)
}

// RMS computes the root mean square of PCM16 samples.
func RMS(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		s := float64(sample(pcm, i))
		sum += s * s
	}
	return math.Sqrt(sum / float64(n))
}

// DurationMS returns the playback length in milliseconds of mono PCM16 at rate.
func DurationMS(pcm []byte, rate int) int64 {
	if rate <= 0 {
		return 0
	}
	return int64(len(pcm)/2) * 1000 / int64(rate)
}

func sample(pcm []byte, i int) int16 {
	return int16(binary.LittleEndian.Uint16(pcm[i*2:]))
}
