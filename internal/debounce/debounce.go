// Package debounce rate-limits outbound shake reports.
//
// A [Gate] remembers when the last report went out and answers whether
// enough time has passed for another. The first check after construction
// never passes: it only arms the timer, so sensor noise at power-on
// cannot produce an immediate report.
package debounce

import (
	"log/slog"
	"sync"
	"time"
)

// DefaultInterval is the minimum time between two reports.
const DefaultInterval = time.Minute / 2

// ElapsedFunc measures the time from last to now.
type ElapsedFunc func(now, last time.Time) time.Duration

// Monotonic is a true duration subtraction. It is correct across
// midnight and immune to wall-clock steps when both values come from
// time.Now.
func Monotonic(now, last time.Time) time.Duration {
	return now.Sub(last)
}

// WallFields measures elapsed time from the hour, minute and second
// fields only (see [SecondsBetween]). It goes negative across midnight.
func WallFields(now, last time.Time) time.Duration {
	return time.Duration(SecondsBetween(now, last)) * time.Second
}

// SecondsBetween returns the difference t2 - t1 computed strictly from
// the clock fields: (h2-h1)*3600 + (m2-m1)*60 + (s2-s1). Date fields
// and sub-second precision are ignored, so the result is wrong whenever
// the two times fall on different days.
func SecondsBetween(t2, t1 time.Time) int {
	h2, m2, s2 := t2.Clock()
	h1, m1, s1 := t1.Clock()
	return (h2-h1)*3600 + (m2-m1)*60 + (s2 - s1)
}

// Gate decides whether a report may be sent. It is safe for concurrent
// use; checking and recording are serialized on one mutex.
type Gate struct {
	interval time.Duration
	elapsed  ElapsedFunc
	logger   *slog.Logger

	mu         sync.Mutex
	lastReport time.Time
	armed      bool
}

// Option configures a Gate.
type Option func(*Gate)

// WithElapsed replaces the elapsed-time rule (default [Monotonic]).
func WithElapsed(fn ElapsedFunc) Option {
	return func(g *Gate) {
		if fn != nil {
			g.elapsed = fn
		}
	}
}

// WithLogger sets the logger used for debug output.
func WithLogger(l *slog.Logger) Option {
	return func(g *Gate) {
		if l != nil {
			g.logger = l
		}
	}
}

// New returns an unarmed Gate. A non-positive interval selects
// [DefaultInterval].
func New(interval time.Duration, opts ...Option) *Gate {
	if interval <= 0 {
		interval = DefaultInterval
	}
	g := &Gate{
		interval: interval,
		elapsed:  Monotonic,
		logger:   slog.Default(),
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

// Interval returns the configured minimum time between reports.
func (g *Gate) Interval() time.Duration { return g.interval }

// ShouldReport reports whether more than the interval has elapsed since
// the last report. The first call on an unarmed gate records now and
// returns false. A negative elapsed time counts as not enough.
func (g *Gate) ShouldReport(now time.Time) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.armed {
		g.lastReport = now
		g.armed = true
		g.logger.Debug("debounce armed", "at", now)
		return false
	}

	elapsed := g.elapsed(now, g.lastReport)
	g.logger.Debug("debounce check",
		"elapsed_sec", int64(elapsed/time.Second),
		"interval_sec", int64(g.interval/time.Second),
	)
	return elapsed > g.interval
}

// Record marks now as the time of the most recent report.
func (g *Gate) Record(now time.Time) {
	g.mu.Lock()
	g.lastReport = now
	g.armed = true
	g.mu.Unlock()
}

// LastReport returns the time the gate was last armed or recorded, and
// whether it has been armed at all.
func (g *Gate) LastReport() (time.Time, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.lastReport, g.armed
}
