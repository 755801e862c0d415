package status

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/nugget/shakenotify/internal/link"
	"github.com/nugget/shakenotify/internal/metrics"
	"github.com/nugget/shakenotify/internal/notifier"
)

type fakeLoop struct{ snap notifier.Snapshot }

func (f fakeLoop) Snapshot() notifier.Snapshot { return f.snap }

type fakeLink struct{ st link.Status }

func (f fakeLink) Status() link.Status { return f.st }

func newTestServer(connected bool) (*Server, *metrics.Metrics) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	last := time.Date(2024, 6, 1, 14, 20, 50, 0, time.UTC)
	s := NewServer("127.0.0.1:0",
		fakeLoop{snap: notifier.Snapshot{State: notifier.StateConnectedIdle, Reports: 2, LastReport: &last}},
		fakeLink{st: link.Status{Name: "wifi", Connected: connected}},
		reg, nil)
	return s, m
}

func TestHealth(t *testing.T) {
	tests := []struct {
		connected bool
		wantCode  int
		wantBody  string
	}{
		{true, http.StatusOK, "healthy"},
		{false, http.StatusServiceUnavailable, "link_down"},
	}
	for _, tt := range tests {
		s, _ := newTestServer(tt.connected)
		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/health", nil))

		if rec.Code != tt.wantCode {
			t.Errorf("connected=%v: code = %d, want %d", tt.connected, rec.Code, tt.wantCode)
		}
		if !strings.Contains(rec.Body.String(), tt.wantBody) {
			t.Errorf("connected=%v: body = %q, want %q", tt.connected, rec.Body.String(), tt.wantBody)
		}
	}
}

func TestStatus(t *testing.T) {
	s, _ := newTestServer(true)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/v1/status", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d, want 200", rec.Code)
	}
	var body struct {
		Loop notifier.Snapshot `json:"loop"`
		Link link.Status       `json:"link"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Loop.State != notifier.StateConnectedIdle || body.Loop.Reports != 2 {
		t.Errorf("loop = %+v", body.Loop)
	}
	if !body.Link.Connected || body.Link.Name != "wifi" {
		t.Errorf("link = %+v", body.Link)
	}
}

func TestMetrics(t *testing.T) {
	s, m := newTestServer(true)
	m.Reports.WithLabelValues(metrics.ResultSuccess).Add(3)

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	if !strings.Contains(rec.Body.String(), `shakenotify_reports_total{result="success"} 3`) {
		t.Errorf("metrics output missing reports counter:\n%s", rec.Body.String())
	}
}

func TestServe_ShutsDownOnCancel(t *testing.T) {
	s, _ := newTestServer(true)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, ln) }()

	var resp *http.Response
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		resp, err = http.Get("http://" + ln.Addr().String() + "/v1/version")
		if err == nil {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("GET /v1/version: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if !strings.Contains(string(body), "go_version") {
		t.Errorf("version body = %q", body)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Serve() = %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}
