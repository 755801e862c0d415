package motion

import (
	"context"
	"sync"
)

// Simulated is a Sensor for hosts without an accelerometer. It reports
// a device lying flat (1 g on Z) and injects a single-axis shake on
// every ShakeEvery-th read. A zero ShakeEvery never shakes.
type Simulated struct {
	ShakeEvery int
	// Shake is returned for injected shakes. Defaults to 1.5 g on X.
	Shake Sample

	mu    sync.Mutex
	reads int
}

// Read returns the next simulated sample.
func (s *Simulated) Read(ctx context.Context) (Sample, error) {
	if err := ctx.Err(); err != nil {
		return Sample{}, err
	}

	s.mu.Lock()
	s.reads++
	n := s.reads
	s.mu.Unlock()

	if s.ShakeEvery > 0 && n%s.ShakeEvery == 0 {
		if s.Shake == (Sample{}) {
			return Sample{X: 1.5 * StandardGravity, Z: StandardGravity}, nil
		}
		return s.Shake, nil
	}
	return Sample{Z: StandardGravity}, nil
}
