package motion

import (
	"context"
	"errors"
)

// StandardGravity is the m/s² value of 1 g used to normalize readings.
const StandardGravity = 9.806

// ErrSensorUnavailable is wrapped by Sensor implementations when the
// bus or the chip does not respond.
var ErrSensorUnavailable = errors.New("motion sensor unavailable")

// Sample is a single 3-axis acceleration reading in m/s².
type Sample struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// G returns the sample's components in units of standard gravity.
func (s Sample) G() (x, y, z float64) {
	return s.X / StandardGravity, s.Y / StandardGravity, s.Z / StandardGravity
}

// Sensor reads the current acceleration.
type Sensor interface {
	Read(ctx context.Context) (Sample, error)
}
