package notifier

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/goleak"

	"github.com/nugget/shakenotify/internal/clock"
	"github.com/nugget/shakenotify/internal/debounce"
	"github.com/nugget/shakenotify/internal/metrics"
	"github.com/nugget/shakenotify/internal/motion"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const testTopic = "stevenquinn/feeds/dog-shakes"

var t0 = time.Date(2024, 6, 1, 14, 20, 10, 0, time.UTC)

// fakeLink comes up on the first successful Connect.
type fakeLink struct {
	connected  atomic.Bool
	connects   atomic.Int32
	connectErr error
}

func (f *fakeLink) IsConnected() bool { return f.connected.Load() }

func (f *fakeLink) Connect(ctx context.Context) error {
	f.connects.Add(1)
	if f.connectErr != nil {
		return f.connectErr
	}
	f.connected.Store(true)
	return nil
}

type fakeSensor struct {
	mu     sync.Mutex
	sample motion.Sample
	err    error
	reads  int
}

func (f *fakeSensor) Read(ctx context.Context) (motion.Sample, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads++
	return f.sample, f.err
}

func (f *fakeSensor) set(s motion.Sample, err error) {
	f.mu.Lock()
	f.sample, f.err = s, err
	f.mu.Unlock()
}

type published struct {
	topic   string
	payload string
	at      time.Time
}

type fakePublisher struct {
	mu         sync.Mutex
	clk        clock.Clock
	connectErr error
	publishErr error
	sent       []published
	sessions   int
	closes     int
}

func (f *fakePublisher) Connect(ctx context.Context) (Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.connectErr != nil {
		return nil, f.connectErr
	}
	f.sessions++
	return &fakeSession{p: f}, nil
}

func (f *fakePublisher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type fakeSession struct{ p *fakePublisher }

func (s *fakeSession) Publish(ctx context.Context, topic string, payload []byte) error {
	s.p.mu.Lock()
	defer s.p.mu.Unlock()
	if _, ok := ctx.Deadline(); !ok {
		return errors.New("publish called without a deadline")
	}
	if s.p.publishErr != nil {
		return s.p.publishErr
	}
	var at time.Time
	if s.p.clk != nil {
		at = s.p.clk.Now()
	}
	s.p.sent = append(s.p.sent, published{topic: topic, payload: string(payload), at: at})
	return nil
}

func (s *fakeSession) Close(ctx context.Context) error {
	s.p.mu.Lock()
	s.p.closes++
	s.p.mu.Unlock()
	return nil
}

type harness struct {
	link   *fakeLink
	sensor *fakeSensor
	pub    *fakePublisher
	gate   *debounce.Gate
	clk    *clock.Manual
	m      *metrics.Metrics
	loop   *Loop
}

var shaking = motion.Sample{X: 15.0, Y: 0, Z: 9.8}
var resting = motion.Sample{Z: motion.StandardGravity}

func newHarness(t *testing.T, connected bool) *harness {
	t.Helper()
	h := &harness{
		link:   &fakeLink{},
		sensor: &fakeSensor{sample: resting},
		gate:   debounce.New(debounce.DefaultInterval),
		clk:    clock.NewManual(t0),
		m:      metrics.New(prometheus.NewRegistry()),
	}
	h.pub = &fakePublisher{clk: h.clk}
	h.link.connected.Store(connected)

	loop, err := New(Options{
		Link:         h.link,
		Sensor:       h.sensor,
		Gate:         h.gate,
		Publisher:    h.pub,
		Clock:        h.clk,
		Metrics:      h.m,
		Topic:        testTopic,
		PollInterval: time.Millisecond,
		RetryDelay:   time.Millisecond,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	h.loop = loop
	return h
}

func (h *harness) step(t *testing.T) Outcome {
	t.Helper()
	outcome, _ := h.loop.Step(context.Background())
	return outcome
}

func TestNew_RequiresDependencies(t *testing.T) {
	_, err := New(Options{})
	if err == nil {
		t.Fatal("New(Options{}) should fail")
	}
	for _, want := range []string{"Link", "Sensor", "Gate", "Publisher", "Topic"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q should mention %s", err, want)
		}
	}
}

func TestNew_Defaults(t *testing.T) {
	h := newHarness(t, false)
	if got := string(h.loop.opts.Payload); got != "1" {
		t.Errorf("default payload = %q, want %q", got, "1")
	}
	if h.loop.opts.PublishTimeout != 10*time.Second {
		t.Errorf("default PublishTimeout = %v, want 10s", h.loop.opts.PublishTimeout)
	}
	if h.loop.opts.Classifier == nil {
		t.Error("default classifier not set")
	}
	if h.loop.State() != StateDisconnected {
		t.Errorf("initial State() = %q, want %q", h.loop.State(), StateDisconnected)
	}
}

// Link down: connect, then the first gate check only arms the timer.
func TestStep_ConnectsThenArms(t *testing.T) {
	h := newHarness(t, false)
	h.sensor.set(shaking, nil)

	if got := h.step(t); got != OutcomeDebounced {
		t.Fatalf("Step() = %q, want %q", got, OutcomeDebounced)
	}
	if n := h.link.connects.Load(); n != 1 {
		t.Errorf("Connect called %d times, want 1", n)
	}
	if h.pub.count() != 0 {
		t.Errorf("published %d reports, want 0", h.pub.count())
	}
	if h.sensor.reads != 0 {
		t.Errorf("sensor read %d times, want 0 (gate closed)", h.sensor.reads)
	}
	if last, armed := h.gate.LastReport(); !armed || !last.Equal(t0) {
		t.Errorf("gate LastReport() = %v, %v; want %v, true", last, armed, t0)
	}
	if h.loop.State() != StateConnectedIdle {
		t.Errorf("State() = %q, want %q", h.loop.State(), StateConnectedIdle)
	}
	if got := testutil.ToFloat64(h.m.LinkConnects.WithLabelValues(metrics.ResultSuccess)); got != 1 {
		t.Errorf("link_connects_total{success} = %v, want 1", got)
	}
}

// Armed 40 seconds ago with a strong X reading: exactly one report.
func TestStep_ReportsShakeAfterWindow(t *testing.T) {
	h := newHarness(t, true)
	h.gate.ShouldReport(t0)
	h.clk.Advance(40 * time.Second)
	h.sensor.set(shaking, nil)

	if got := h.step(t); got != OutcomeReported {
		t.Fatalf("Step() = %q, want %q", got, OutcomeReported)
	}

	if len(h.pub.sent) != 1 {
		t.Fatalf("published %d reports, want 1", len(h.pub.sent))
	}
	if got := h.pub.sent[0]; got.topic != testTopic || got.payload != "1" {
		t.Errorf("published %q to %q, want %q to %q", got.payload, got.topic, "1", testTopic)
	}
	if h.pub.sessions != 1 || h.pub.closes != 1 {
		t.Errorf("sessions=%d closes=%d, want 1 and 1", h.pub.sessions, h.pub.closes)
	}

	now := t0.Add(40 * time.Second)
	if last, _ := h.gate.LastReport(); !last.Equal(now) {
		t.Errorf("gate LastReport() = %v, want %v", last, now)
	}
	if h.loop.State() != StateConnectedIdle {
		t.Errorf("State() = %q after report, want %q", h.loop.State(), StateConnectedIdle)
	}

	snap := h.loop.Snapshot()
	if snap.Reports != 1 || snap.LastReport == nil || !snap.LastReport.Equal(now) {
		t.Errorf("Snapshot() = %+v", snap)
	}
	if got := testutil.ToFloat64(h.m.Reports.WithLabelValues(metrics.ResultSuccess)); got != 1 {
		t.Errorf("reports_total{success} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(h.m.LastReportEpoch); got != float64(now.Unix()) {
		t.Errorf("last_report_timestamp_seconds = %v, want %v", got, now.Unix())
	}
}

// Armed 10 seconds ago: nothing happens and the gate keeps its time.
func TestStep_InsideWindowDoesNothing(t *testing.T) {
	h := newHarness(t, true)
	h.gate.ShouldReport(t0)
	h.clk.Advance(10 * time.Second)
	h.sensor.set(shaking, nil)

	if got := h.step(t); got != OutcomeDebounced {
		t.Fatalf("Step() = %q, want %q", got, OutcomeDebounced)
	}
	if h.pub.count() != 0 {
		t.Errorf("published %d reports, want 0", h.pub.count())
	}
	if h.sensor.reads != 0 {
		t.Errorf("sensor read %d times, want 0", h.sensor.reads)
	}
	if last, _ := h.gate.LastReport(); !last.Equal(t0) {
		t.Errorf("gate LastReport() = %v, want unchanged %v", last, t0)
	}
}

func TestStep_NoShake(t *testing.T) {
	h := newHarness(t, true)
	h.gate.ShouldReport(t0)
	h.clk.Advance(45 * time.Second)

	if got := h.step(t); got != OutcomeNoShake {
		t.Fatalf("Step() = %q, want %q", got, OutcomeNoShake)
	}
	if h.pub.count() != 0 {
		t.Errorf("published %d reports, want 0", h.pub.count())
	}
	if last, _ := h.gate.LastReport(); !last.Equal(t0) {
		t.Errorf("gate LastReport() = %v, want unchanged %v", last, t0)
	}
}

func TestStep_SensorErrorLeavesGate(t *testing.T) {
	h := newHarness(t, true)
	h.gate.ShouldReport(t0)
	h.clk.Advance(45 * time.Second)
	h.sensor.set(motion.Sample{}, motion.ErrSensorUnavailable)

	outcome, err := h.loop.Step(context.Background())
	if outcome != OutcomeSensorError || !errors.Is(err, motion.ErrSensorUnavailable) {
		t.Fatalf("Step() = %q, %v; want %q, ErrSensorUnavailable", outcome, err, OutcomeSensorError)
	}
	if last, _ := h.gate.LastReport(); !last.Equal(t0) {
		t.Errorf("gate LastReport() = %v, want unchanged %v", last, t0)
	}

	// The next good sample still reports.
	h.sensor.set(shaking, nil)
	if got := h.step(t); got != OutcomeReported {
		t.Errorf("Step() after recovery = %q, want %q", got, OutcomeReported)
	}
	if got := testutil.ToFloat64(h.m.SensorReads.WithLabelValues(metrics.ResultError)); got != 1 {
		t.Errorf("sensor_reads_total{error} = %v, want 1", got)
	}
}

func TestStep_PublishErrorLeavesGate(t *testing.T) {
	h := newHarness(t, true)
	h.gate.ShouldReport(t0)
	h.clk.Advance(45 * time.Second)
	h.sensor.set(shaking, nil)
	errBroker := errors.New("broker unreachable")
	h.pub.publishErr = errBroker

	outcome, err := h.loop.Step(context.Background())
	if outcome != OutcomePublishError || !errors.Is(err, errBroker) {
		t.Fatalf("Step() = %q, %v; want %q wrapping broker error", outcome, err, OutcomePublishError)
	}
	if h.pub.closes != 1 {
		t.Errorf("session closes = %d, want 1 after failed publish", h.pub.closes)
	}
	if last, _ := h.gate.LastReport(); !last.Equal(t0) {
		t.Errorf("gate LastReport() = %v, want unchanged %v", last, t0)
	}
	if h.loop.State() != StateConnectedIdle {
		t.Errorf("State() = %q, want %q", h.loop.State(), StateConnectedIdle)
	}

	h.pub.publishErr = nil
	if got := h.step(t); got != OutcomeReported {
		t.Errorf("Step() after broker recovery = %q, want %q", got, OutcomeReported)
	}
}

func TestStep_SessionOpenError(t *testing.T) {
	h := newHarness(t, true)
	h.gate.ShouldReport(t0)
	h.clk.Advance(45 * time.Second)
	h.sensor.set(shaking, nil)
	h.pub.connectErr = errors.New("tls handshake timeout")

	if got := h.step(t); got != OutcomePublishError {
		t.Fatalf("Step() = %q, want %q", got, OutcomePublishError)
	}
	if got := testutil.ToFloat64(h.m.Reports.WithLabelValues(metrics.ResultError)); got != 1 {
		t.Errorf("reports_total{error} = %v, want 1", got)
	}
}

func TestStep_LinkError(t *testing.T) {
	h := newHarness(t, false)
	errAuth := errors.New("bad passphrase")
	h.link.connectErr = errAuth

	outcome, err := h.loop.Step(context.Background())
	if outcome != OutcomeLinkError || !errors.Is(err, errAuth) {
		t.Fatalf("Step() = %q, %v; want %q", outcome, err, OutcomeLinkError)
	}
	if h.loop.State() != StateDisconnected {
		t.Errorf("State() = %q, want %q", h.loop.State(), StateDisconnected)
	}
	if _, armed := h.gate.LastReport(); armed {
		t.Error("gate should not be armed before the link is up")
	}
}

func TestStep_LinkDropReconnects(t *testing.T) {
	h := newHarness(t, true)
	h.step(t)
	h.link.connected.Store(false)
	h.step(t)

	if n := h.link.connects.Load(); n != 1 {
		t.Errorf("Connect called %d times, want 1 (only after the drop)", n)
	}
}

// Every pair of reports is separated by more than the window, no matter
// how often the loop runs.
func TestStep_AtMostOneReportPerWindow(t *testing.T) {
	h := newHarness(t, true)
	h.sensor.set(shaking, nil)

	for i := 0; i < 1200; i++ {
		h.step(t)
		h.clk.Advance(250 * time.Millisecond)
	}

	sent := h.pub.sent
	if len(sent) < 2 {
		t.Fatalf("published %d reports over 5 minutes, want several", len(sent))
	}
	for i := 1; i < len(sent); i++ {
		if gap := sent[i].at.Sub(sent[i-1].at); gap <= debounce.DefaultInterval {
			t.Errorf("reports %d and %d are %v apart, want > %v", i-1, i, gap, debounce.DefaultInterval)
		}
	}
	// 300s of shaking: first report at 30.25s, then every 30.25s.
	if len(sent) > 10 {
		t.Errorf("published %d reports, want at most 10", len(sent))
	}
}

func TestRun_StopsOnCancel(t *testing.T) {
	h := newHarness(t, false)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- h.loop.Run(ctx) }()

	deadline := time.Now().Add(time.Second)
	for h.loop.State() != StateConnectedIdle && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() = %v, want nil on cancel", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if h.link.connects.Load() != 1 {
		t.Errorf("Connect called %d times, want 1", h.link.connects.Load())
	}
}

func TestRun_RetriesLinkErrors(t *testing.T) {
	h := newHarness(t, false)
	h.link.connectErr = errors.New("no carrier")
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- h.loop.Run(ctx) }()

	deadline := time.Now().Add(time.Second)
	for h.link.connects.Load() < 3 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	cancel()
	<-done

	if n := h.link.connects.Load(); n < 3 {
		t.Errorf("Connect called %d times, want >= 3", n)
	}
}
