// Package lis3dh drives an ST LIS3DH accelerometer over I²C using
// periph.io. Readings are returned in m/s² for [motion.Classifier].
package lis3dh

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"

	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/host/v3"

	"github.com/nugget/shakenotify/internal/motion"
)

// DefaultAddress is the chip's I²C address with SDO tied low. Boards
// that pull SDO high answer on 0x19.
const DefaultAddress = 0x18

const (
	regWhoAmI = 0x0F
	regCtrl1  = 0x20
	regCtrl4  = 0x23
	regOutXL  = 0x28

	// autoIncrement is OR-ed into a register address for multi-byte reads.
	autoIncrement = 0x80

	chipID = 0x33

	// ctrl1Enable400Hz: 400 Hz output data rate, X/Y/Z enabled.
	ctrl1Enable400Hz = 0x77
	// ctrl4BDUHighRes: block data update + high-resolution mode.
	ctrl4BDUHighRes = 0x88

	// levelTrace matches config.LevelTrace.
	levelTrace = slog.LevelDebug - 4
)

// Range is a full-scale measurement range.
type Range byte

// Supported ranges. The values are the FS bits of CTRL_REG4.
const (
	Range2G  Range = 0
	Range4G  Range = 1
	Range8G  Range = 2
	Range16G Range = 3
)

// RangeFromG maps a full-scale value in g (2, 4, 8, 16) to a Range.
func RangeFromG(g int) (Range, error) {
	switch g {
	case 2:
		return Range2G, nil
	case 4:
		return Range4G, nil
	case 8:
		return Range8G, nil
	case 16:
		return Range16G, nil
	default:
		return 0, fmt.Errorf("unsupported lis3dh range %dg (valid: 2, 4, 8, 16)", g)
	}
}

// divider converts a left-justified 16-bit raw reading to g.
func (r Range) divider() float64 {
	switch r {
	case Range16G:
		return 1365
	case Range8G:
		return 4096
	case Range4G:
		return 8190
	default:
		return 16380
	}
}

// Device is an initialized LIS3DH.
type Device struct {
	mu    sync.Mutex
	c     conn.Conn
	rng   Range
	close func() error

	// Logger receives raw register dumps at trace level. Optional.
	Logger *slog.Logger
}

// Open initializes the periph host drivers, opens the named I²C bus
// ("" selects the first available one) and configures the chip at addr.
func Open(busName string, addr uint16, rng Range) (*Device, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("%w: init host drivers: %w", motion.ErrSensorUnavailable, err)
	}

	bus, err := i2creg.Open(busName)
	if err != nil {
		return nil, fmt.Errorf("%w: open i2c bus %q: %w", motion.ErrSensorUnavailable, busName, err)
	}

	d, err := New(&i2c.Dev{Addr: addr, Bus: bus}, rng)
	if err != nil {
		bus.Close()
		return nil, err
	}
	d.close = bus.Close
	return d, nil
}

// New configures the chip reachable through c. It verifies the chip ID,
// enables all axes at 400 Hz in high-resolution mode and applies rng.
func New(c conn.Conn, rng Range) (*Device, error) {
	d := &Device{c: c, rng: rng}

	id, err := d.readByte(regWhoAmI)
	if err != nil {
		return nil, fmt.Errorf("%w: read chip id: %w", motion.ErrSensorUnavailable, err)
	}
	if id != chipID {
		return nil, fmt.Errorf("%w: unexpected chip id 0x%02x (want 0x%02x)", motion.ErrSensorUnavailable, id, chipID)
	}

	if err := d.writeByte(regCtrl1, ctrl1Enable400Hz); err != nil {
		return nil, fmt.Errorf("%w: configure data rate: %w", motion.ErrSensorUnavailable, err)
	}
	if err := d.writeByte(regCtrl4, ctrl4BDUHighRes|byte(rng)<<4); err != nil {
		return nil, fmt.Errorf("%w: configure range: %w", motion.ErrSensorUnavailable, err)
	}
	return d, nil
}

// Read returns the current acceleration in m/s².
func (d *Device) Read(ctx context.Context) (motion.Sample, error) {
	if err := ctx.Err(); err != nil {
		return motion.Sample{}, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	buf := make([]byte, 6)
	if err := d.c.Tx([]byte{regOutXL | autoIncrement}, buf); err != nil {
		return motion.Sample{}, fmt.Errorf("%w: read acceleration: %w", motion.ErrSensorUnavailable, err)
	}

	if d.Logger != nil {
		d.Logger.Log(ctx, levelTrace, "lis3dh raw output", "bytes", fmt.Sprintf("% x", buf))
	}

	div := d.rng.divider()
	axis := func(i int) float64 {
		raw := int16(binary.LittleEndian.Uint16(buf[i : i+2]))
		return float64(raw) / div * motion.StandardGravity
	}
	return motion.Sample{X: axis(0), Y: axis(2), Z: axis(4)}, nil
}

// Close releases the I²C bus when the device was created by [Open].
func (d *Device) Close() error {
	if d.close == nil {
		return nil
	}
	return d.close()
}

func (d *Device) readByte(reg byte) (byte, error) {
	r := make([]byte, 1)
	if err := d.c.Tx([]byte{reg}, r); err != nil {
		return 0, err
	}
	return r[0], nil
}

func (d *Device) writeByte(reg, v byte) error {
	return d.c.Tx([]byte{reg, v}, nil)
}
