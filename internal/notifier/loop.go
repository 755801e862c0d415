// Package notifier runs the shake detection and reporting loop.
//
// Each iteration makes sure the network link is up, asks the debounce
// gate whether a report is allowed, and only then samples the
// accelerometer. A sample classified as a shake is published as one
// fire-and-forget report, after which the gate's window restarts.
//
// The loop is single-goroutine: the gate and the state machine are only
// advanced from [Loop.Run] (or [Loop.Step] in tests). Readers such as
// the status endpoint go through [Loop.Snapshot].
package notifier

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/nugget/shakenotify/internal/clock"
	"github.com/nugget/shakenotify/internal/debounce"
	"github.com/nugget/shakenotify/internal/metrics"
	"github.com/nugget/shakenotify/internal/motion"
)

// State is the control loop's position in its state machine.
type State string

// Loop states.
const (
	StateDisconnected       State = "disconnected"
	StateConnectedIdle      State = "connected_idle"
	StateConnectedReporting State = "connected_reporting"
)

// Outcome describes what one iteration did.
type Outcome string

// Iteration outcomes.
const (
	// OutcomeDebounced: the gate said no, so the sensor was not read.
	OutcomeDebounced Outcome = "debounced"
	// OutcomeNoShake: the sample was below threshold.
	OutcomeNoShake Outcome = "no_shake"
	// OutcomeReported: a report was published and the gate reset.
	OutcomeReported Outcome = "reported"
	// OutcomeSensorError: the read failed; the gate is untouched.
	OutcomeSensorError Outcome = "sensor_error"
	// OutcomePublishError: the report failed; the gate is untouched.
	OutcomePublishError Outcome = "publish_error"
	// OutcomeLinkError: the link could not be brought up.
	OutcomeLinkError Outcome = "link_error"
)

// Link is the network connectivity layer.
type Link interface {
	IsConnected() bool
	// Connect blocks until the link is up or ctx ends.
	Connect(ctx context.Context) error
}

// Session is one connect/publish/disconnect unit of work.
type Session interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	Close(ctx context.Context) error
}

// Publisher opens telemetry sessions.
type Publisher interface {
	Connect(ctx context.Context) (Session, error)
}

// Classifier decides whether a sample is a shake.
type Classifier interface {
	IsShaking(s motion.Sample) bool
}

// Options wires a Loop. Link, Sensor, Gate and Publisher are required.
type Options struct {
	Link       Link
	Sensor     motion.Sensor
	Classifier Classifier // default: motion.NewClassifier(DefaultThresholdG)
	Gate       *debounce.Gate
	Publisher  Publisher
	Clock      clock.Clock      // default: clock.System
	Metrics    *metrics.Metrics // default: registered on a private registry
	Logger     *slog.Logger

	// Topic and Payload make up every report. Payload defaults to "1".
	Topic   string
	Payload []byte

	// PollInterval is the pause between iterations (default: 100ms).
	PollInterval time.Duration
	// PublishTimeout bounds one report's connect, publish and
	// disconnect (default: 10s).
	PublishTimeout time.Duration
	// RetryDelay is the pause after the link fails to come up
	// (default: 5s).
	RetryDelay time.Duration
}

// Snapshot is a point-in-time view of the loop for status reporting.
type Snapshot struct {
	State      State      `json:"state"`
	LastReport *time.Time `json:"last_report,omitempty"`
	Reports    int64      `json:"reports"`
	Iterations int64      `json:"iterations"`
}

// Loop is the control loop.
type Loop struct {
	opts   Options
	logger *slog.Logger

	mu         sync.Mutex
	state      State
	reports    int64
	iterations int64
}

// New validates opts, fills in defaults and returns a Loop in the
// disconnected state.
func New(opts Options) (*Loop, error) {
	var errs []error
	if opts.Link == nil {
		errs = append(errs, errors.New("notifier: Link is required"))
	}
	if opts.Sensor == nil {
		errs = append(errs, errors.New("notifier: Sensor is required"))
	}
	if opts.Gate == nil {
		errs = append(errs, errors.New("notifier: Gate is required"))
	}
	if opts.Publisher == nil {
		errs = append(errs, errors.New("notifier: Publisher is required"))
	}
	if opts.Topic == "" {
		errs = append(errs, errors.New("notifier: Topic is required"))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}

	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Classifier == nil {
		opts.Classifier = motion.NewClassifier(motion.DefaultThresholdG, opts.Logger)
	}
	if opts.Clock == nil {
		opts.Clock = clock.System{}
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New(prometheus.NewRegistry())
	}
	if len(opts.Payload) == 0 {
		opts.Payload = []byte("1")
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 100 * time.Millisecond
	}
	if opts.PublishTimeout <= 0 {
		opts.PublishTimeout = 10 * time.Second
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 5 * time.Second
	}

	return &Loop{
		opts:   opts,
		logger: opts.Logger,
		state:  StateDisconnected,
	}, nil
}

// State returns the current state.
func (l *Loop) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Snapshot returns the loop's current status.
func (l *Loop) Snapshot() Snapshot {
	l.mu.Lock()
	s := Snapshot{State: l.state, Reports: l.reports, Iterations: l.iterations}
	l.mu.Unlock()

	if last, armed := l.opts.Gate.LastReport(); armed && s.Reports > 0 {
		s.LastReport = &last
	}
	return s
}

func (l *Loop) setState(s State) {
	l.mu.Lock()
	prev := l.state
	l.state = s
	l.mu.Unlock()

	if prev != s {
		l.logger.Debug("loop state changed", "from", prev, "to", s)
	}
}

// Run executes iterations until ctx is cancelled, pausing PollInterval
// between them (RetryDelay after a link failure). It returns nil on
// cancellation.
func (l *Loop) Run(ctx context.Context) error {
	l.logger.Info("control loop started",
		"topic", l.opts.Topic,
		"debounce", l.opts.Gate.Interval().String(),
		"poll_interval", l.opts.PollInterval.String(),
	)

	for {
		outcome, err := l.Step(ctx)
		if ctx.Err() != nil {
			l.logger.Info("control loop stopped")
			return nil
		}

		delay := l.opts.PollInterval
		if outcome == OutcomeLinkError {
			l.logger.Warn("link connect failed, retrying",
				"retry_in", l.opts.RetryDelay.String(),
				"error", err,
			)
			delay = l.opts.RetryDelay
		}

		if !sleepCtx(ctx, delay) {
			l.logger.Info("control loop stopped")
			return nil
		}
	}
}

// Step runs one iteration. The returned error is non-nil only for
// OutcomeLinkError, OutcomeSensorError and OutcomePublishError; none of
// them are fatal to the loop.
func (l *Loop) Step(ctx context.Context) (Outcome, error) {
	m := l.opts.Metrics
	m.LoopIterations.Inc()
	l.mu.Lock()
	l.iterations++
	l.mu.Unlock()

	if !l.opts.Link.IsConnected() {
		m.LinkUp.Set(0)
		l.setState(StateDisconnected)
		l.logger.Info("link down, connecting")

		if err := l.opts.Link.Connect(ctx); err != nil {
			m.LinkConnects.WithLabelValues(metrics.ResultError).Inc()
			return OutcomeLinkError, fmt.Errorf("connect link: %w", err)
		}
		m.LinkConnects.WithLabelValues(metrics.ResultSuccess).Inc()
	}
	m.LinkUp.Set(1)
	l.setState(StateConnectedIdle)

	now := l.opts.Clock.Now()
	if !l.opts.Gate.ShouldReport(now) {
		return OutcomeDebounced, nil
	}

	sample, err := l.opts.Sensor.Read(ctx)
	if err != nil {
		m.SensorReads.WithLabelValues(metrics.ResultError).Inc()
		l.logger.Warn("sensor read failed", "error", err)
		return OutcomeSensorError, fmt.Errorf("read sensor: %w", err)
	}
	m.SensorReads.WithLabelValues(metrics.ResultSuccess).Inc()

	if !l.opts.Classifier.IsShaking(sample) {
		return OutcomeNoShake, nil
	}
	m.ShakesDetected.Inc()

	l.setState(StateConnectedReporting)
	defer l.setState(StateConnectedIdle)

	start := time.Now()
	err = l.report(ctx)
	m.ReportLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		m.Reports.WithLabelValues(metrics.ResultError).Inc()
		l.logger.Warn("report failed, event dropped", "topic", l.opts.Topic, "error", err)
		return OutcomePublishError, err
	}

	l.opts.Gate.Record(now)
	m.Reports.WithLabelValues(metrics.ResultSuccess).Inc()
	m.LastReportEpoch.Set(float64(now.Unix()))
	l.mu.Lock()
	l.reports++
	l.mu.Unlock()

	l.logger.Info("shake reported", "topic", l.opts.Topic, "at", now)
	return OutcomeReported, nil
}

// report opens a session, publishes the payload and closes the session,
// all within PublishTimeout. A failed close after a successful publish
// is logged but does not fail the report.
func (l *Loop) report(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, l.opts.PublishTimeout)
	defer cancel()

	sess, err := l.opts.Publisher.Connect(ctx)
	if err != nil {
		return fmt.Errorf("open session: %w", err)
	}

	if err := sess.Publish(ctx, l.opts.Topic, l.opts.Payload); err != nil {
		if cerr := sess.Close(ctx); cerr != nil {
			l.logger.Debug("session close after failed publish", "error", cerr)
		}
		return fmt.Errorf("publish: %w", err)
	}

	if err := sess.Close(ctx); err != nil {
		l.logger.Warn("session close failed after publish", "error", err)
	}
	return nil
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
