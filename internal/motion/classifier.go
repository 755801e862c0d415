package motion

import (
	"log/slog"
)

// DefaultThresholdG is the per-axis magnitude, in g, above which a
// sample counts as a shake.
const DefaultThresholdG = 1.11

// IsShaking reports whether any axis of s exceeds [DefaultThresholdG].
// The comparison is strict: a sample sitting exactly on the threshold is
// not a shake.
func IsShaking(s Sample) bool {
	return exceeds(s, DefaultThresholdG)
}

func exceeds(s Sample, threshold float64) bool {
	x, y, z := s.G()
	return x > threshold || y > threshold || z > threshold
}

// Classifier applies a fixed threshold and logs each normalized sample
// at debug level.
type Classifier struct {
	ThresholdG float64
	Logger     *slog.Logger
}

// NewClassifier returns a Classifier using thresholdG, or
// [DefaultThresholdG] when thresholdG is not positive.
func NewClassifier(thresholdG float64, logger *slog.Logger) *Classifier {
	if thresholdG <= 0 {
		thresholdG = DefaultThresholdG
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Classifier{ThresholdG: thresholdG, Logger: logger}
}

// IsShaking reports whether s is a shake under the classifier's threshold.
func (c *Classifier) IsShaking(s Sample) bool {
	x, y, z := s.G()
	c.Logger.Debug("acceleration sample",
		"x_g", x,
		"y_g", y,
		"z_g", z,
	)
	return exceeds(s, c.ThresholdG)
}
