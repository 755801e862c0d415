// Package link keeps the device's network path to the telemetry broker
// usable.
//
// A [Manager] answers two questions for the control loop: is the link
// up right now ([Manager.IsConnected]), and bring it up
// ([Manager.Connect]). Connect optionally associates with a wireless
// network through a [Joiner], then probes the broker with exponential
// backoff (500ms, 1s, 2s, ... capped at 30s) until a probe succeeds or
// the context is cancelled.
//
// [Manager.Watch] runs a background poll that flips the connected state
// when the link drops or comes back, so the loop notices an outage
// without probing on every iteration.
package link

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// ErrAuth is wrapped by a Joiner when the network rejects the
// configured credentials.
var ErrAuth = errors.New("link authentication failed")

// ProbeFunc checks whether the link is usable. Return nil if healthy.
type ProbeFunc func(ctx context.Context) error

// Credentials identify the wireless network to associate with.
type Credentials struct {
	SSID       string
	Passphrase string
	// Interface restricts association to one device (e.g. "wlan0").
	// Empty lets the joiner choose.
	Interface string
}

// Joiner associates the host with a network. Implementations block
// until associated or return an error wrapping [ErrAuth] on rejected
// credentials.
type Joiner interface {
	Join(ctx context.Context, creds Credentials) error
}

// BackoffConfig controls connect retry timing and background polling.
type BackoffConfig struct {
	// InitialDelay is the delay before the first retry (default: 500ms).
	InitialDelay time.Duration

	// MaxDelay is the ceiling for backoff growth (default: 30s).
	MaxDelay time.Duration

	// Multiplier scales the delay after each retry (default: 2.0).
	Multiplier float64

	// PollInterval is the background check interval used by Watch
	// (default: 15s).
	PollInterval time.Duration

	// ProbeTimeout limits how long each individual probe may take
	// (default: 5s).
	ProbeTimeout time.Duration
}

// DefaultBackoffConfig returns 500ms, 1s, 2s, ... capped at 30s, with
// 15-second background polling.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		PollInterval: 15 * time.Second,
		ProbeTimeout: 5 * time.Second,
	}
}

// Config configures a Manager.
type Config struct {
	// Name identifies the link in logs (e.g. "wifi").
	Name string

	// Probe checks link health. Must be safe for concurrent use.
	Probe ProbeFunc

	// Joiner is optional. When set, Connect calls it before probing.
	Joiner      Joiner
	Credentials Credentials

	Backoff BackoffConfig

	// OnReady is called when the link transitions from down to up.
	// Called in a separate goroutine. Optional.
	OnReady func()

	// OnDown is called when the link transitions from up to down.
	// Called in a separate goroutine. Optional.
	OnDown func(err error)

	// Logger for structured logging. Uses slog.Default() if nil.
	Logger *slog.Logger
}

// Status is the link's health, suitable for JSON serialization.
type Status struct {
	Name      string    `json:"name"`
	Connected bool      `json:"connected"`
	LastCheck time.Time `json:"last_check"`
	LastError string    `json:"last_error,omitempty"`
	Connects  int64     `json:"connects"`
}

// Manager tracks and restores link connectivity.
type Manager struct {
	config   Config
	ready    atomic.Bool
	connects atomic.Int64

	mu        sync.Mutex
	lastErr   error
	lastCheck time.Time

	done chan struct{}
}

// New returns a Manager in the not-connected state.
//
// Panics if Probe is nil; that is a wiring bug, not a runtime condition.
// Zero-value BackoffConfig fields are replaced with defaults.
func New(cfg Config) *Manager {
	if cfg.Probe == nil {
		panic("link: Config.Probe must not be nil")
	}
	if cfg.Name == "" {
		cfg.Name = "link"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	defaults := DefaultBackoffConfig()
	if cfg.Backoff.InitialDelay <= 0 {
		cfg.Backoff.InitialDelay = defaults.InitialDelay
	}
	if cfg.Backoff.MaxDelay <= 0 {
		cfg.Backoff.MaxDelay = defaults.MaxDelay
	}
	if cfg.Backoff.Multiplier <= 0 {
		cfg.Backoff.Multiplier = defaults.Multiplier
	}
	if cfg.Backoff.PollInterval <= 0 {
		cfg.Backoff.PollInterval = defaults.PollInterval
	}
	if cfg.Backoff.ProbeTimeout <= 0 {
		cfg.Backoff.ProbeTimeout = defaults.ProbeTimeout
	}

	return &Manager{config: cfg}
}

// IsConnected reports whether the link was usable at the last check.
func (m *Manager) IsConnected() bool {
	return m.ready.Load()
}

// LastError returns the most recent probe or join error, or nil.
func (m *Manager) LastError() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

// Status returns the current health status.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := Status{
		Name:      m.config.Name,
		Connected: m.ready.Load(),
		LastCheck: m.lastCheck,
		Connects:  m.connects.Load(),
	}
	if m.lastErr != nil {
		s.LastError = m.lastErr.Error()
	}
	return s
}

// Connect brings the link up. It returns nil once a probe succeeds and
// ctx.Err() if ctx is cancelled first. Probe failures are retried with
// backoff indefinitely. A join rejected with [ErrAuth] is returned to
// the caller, since retrying the same credentials will not help.
func (m *Manager) Connect(ctx context.Context) error {
	cfg := m.config.Backoff
	logger := m.config.Logger

	delay := cfg.InitialDelay
	for attempt := 1; ; attempt++ {
		err := m.attempt(ctx)
		m.recordResult(err)

		if err == nil {
			m.markReady()
			m.connects.Add(1)
			logger.Info("link connected",
				"link", m.config.Name,
				"after_attempts", attempt,
			)
			return nil
		}

		if errors.Is(err, ErrAuth) {
			logger.Error("link authentication rejected",
				"link", m.config.Name,
				"ssid", m.config.Credentials.SSID,
				"error", err,
			)
			return err
		}

		logger.Debug("link connect failed, retrying",
			"link", m.config.Name,
			"attempt", attempt,
			"next_delay", delay.String(),
			"error", err,
		)

		if !sleepCtx(ctx, delay) {
			return ctx.Err()
		}

		delay = time.Duration(float64(delay) * cfg.Multiplier)
		if delay > cfg.MaxDelay {
			delay = cfg.MaxDelay
		}
	}
}

// attempt runs one join (if configured) and one probe.
func (m *Manager) attempt(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if m.config.Joiner != nil {
		if err := m.config.Joiner.Join(ctx, m.config.Credentials); err != nil {
			return fmt.Errorf("join %q: %w", m.config.Credentials.SSID, err)
		}
	}
	return m.probe(ctx)
}

// Watch polls the link in the background until ctx is cancelled,
// updating IsConnected and firing OnReady/OnDown on transitions. It
// returns immediately; use [Manager.Wait] to block until the poller
// exits. Watch must be called at most once.
func (m *Manager) Watch(ctx context.Context) {
	m.done = make(chan struct{})
	go m.poll(ctx)
}

// Wait blocks until the Watch goroutine exits. It returns immediately
// if Watch was never called.
func (m *Manager) Wait() {
	if m.done == nil {
		return
	}
	<-m.done
}

func (m *Manager) poll(ctx context.Context) {
	defer close(m.done)

	logger := m.config.Logger
	ticker := time.NewTicker(m.config.Backoff.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := m.probe(ctx)
			if ctx.Err() != nil {
				return
			}
			m.recordResult(err)

			if err == nil {
				m.markReady()
				continue
			}
			if m.ready.CompareAndSwap(true, false) {
				logger.Warn("link became unreachable",
					"link", m.config.Name,
					"error", err,
				)
				if m.config.OnDown != nil {
					go m.config.OnDown(err)
				}
			} else {
				logger.Debug("link still unreachable",
					"link", m.config.Name,
					"error", err,
				)
			}
		}
	}
}

// markReady stores the connected state and fires OnReady on a down→up
// transition.
func (m *Manager) markReady() {
	if m.ready.CompareAndSwap(false, true) {
		if m.config.OnReady != nil {
			go m.config.OnReady()
		}
	}
}

// probe calls the configured ProbeFunc with a timeout.
func (m *Manager) probe(ctx context.Context) error {
	probeCtx, cancel := context.WithTimeout(ctx, m.config.Backoff.ProbeTimeout)
	defer cancel()

	return m.config.Probe(probeCtx)
}

// recordResult stores the attempt outcome under the mutex.
func (m *Manager) recordResult(err error) {
	m.mu.Lock()
	m.lastErr = err
	m.lastCheck = time.Now()
	m.mu.Unlock()
}

// sleepCtx sleeps for d or until ctx is cancelled. Returns false if cancelled.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
