// Package motion turns accelerometer readings into shake decisions.
//
// A [Sensor] yields one [Sample] per call in m/s². [Classifier] judges
// each sample on its own: a shake is any single axis whose
// gravity-normalized magnitude exceeds the threshold (1.11 g by
// default). Axes are OR-ed, not combined into a vector magnitude, and
// there is no smoothing or hysteresis between samples.
//
// Hardware drivers live in subpackages (see lis3dh). [Simulated] stands
// in for a real chip on development hosts.
package motion
