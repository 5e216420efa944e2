// Package pcm converts captured float frames into 16-bit wire audio and
// slices it into equally sized chunks.
package pcm

import (
	"encoding/base64"
	"encoding/binary"
	"errors"
	"math"
	"time"
)

const (
	// DefaultSampleRate is the rate the transcription service expects.
	DefaultSampleRate = 16000
	// DefaultFrameSize is the capture frame length in samples.
	DefaultFrameSize = 2048
	// DefaultSilenceThreshold is the absolute amplitude at or below which a sample counts as silence.
	DefaultSilenceThreshold = 0.0005

	compressionExponent = 0.8
)

// ToInt16 converts samples in [-1, 1] to signed 16-bit PCM. Each sample goes
// through sign(x)*|x|^0.8 before scaling, which lifts quiet speech.
func ToInt16(frame []float32) []int16 {
	out := make([]int16, len(frame))
	for i, x := range frame {
		s := float64(x)
		if math.IsNaN(s) {
			continue
		}
		s = math.Copysign(math.Pow(math.Abs(s), compressionExponent), s)
		if s > 1 {
			s = 1
		} else if s < -1 {
			s = -1
		}
		if s < 0 {
			out[i] = int16(s * 0x8000)
		} else {
			out[i] = int16(s * 0x7fff)
		}
	}
	return out
}

// IsSilent reports whether no sample in frame exceeds threshold in magnitude.
func IsSilent(frame []float32, threshold float32) bool {
	for _, x := range frame {
		if x > threshold || x < -threshold {
			return false
		}
	}
	return true
}

// Bytes serializes samples as little-endian int16.
func Bytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// EncodeBase64 returns the base64 form of the little-endian sample bytes.
func EncodeBase64(samples []int16) string {
	return base64.StdEncoding.EncodeToString(Bytes(samples))
}

// DecodeBase64 reverses EncodeBase64.
func DecodeBase64(encoded string) ([]int16, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, err
	}
	if len(raw)%2 != 0 {
		return nil, errors.New("pcm payload has an odd number of bytes")
	}
	out := make([]int16, len(raw)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(raw[i*2:]))
	}
	return out, nil
}

// SamplesFor returns how many samples cover d at sampleRate.
func SamplesFor(d time.Duration, sampleRate int) int {
	return int(d * time.Duration(sampleRate) / time.Second)
}

// Duration returns the playback time of n samples at sampleRate.
func Duration(n int, sampleRate int) time.Duration {
	if sampleRate <= 0 {
		return 0
	}
	return time.Duration(n) * time.Second / time.Duration(sampleRate)
}
