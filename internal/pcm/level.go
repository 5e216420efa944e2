package pcm

import (
	"math"

	"postmic/internal/domain"
)

// RMS is the root mean square amplitude of frame.
func RMS(frame []float32) float64 {
	if len(frame) == 0 {
		return 0
	}
	var sum float64
	for _, x := range frame {
		sum += float64(x) * float64(x)
	}
	return math.Sqrt(sum / float64(len(frame)))
}

// ClassifyLevel buckets an RMS amplitude for user feedback.
func ClassifyLevel(rms float64) domain.InputLevel {
	switch {
	case rms < 0.005:
		return domain.InputLevelVeryLow
	case rms < 0.02:
		return domain.InputLevelLow
	case rms < 0.5:
		return domain.InputLevelGood
	default:
		return domain.InputLevelTooHigh
	}
}
