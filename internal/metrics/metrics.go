// Package metrics defines the Prometheus collectors exported by the
// control loop.
package metrics

import "github.com/prometheus/client_golang/prometheus"

const metricPrefix = "shakenotify_"

// Result label values.
const (
	ResultSuccess = "success"
	ResultError   = "error"
)

// Metrics bundles control loop metrics.
type Metrics struct {
	LoopIterations  prometheus.Counter
	SensorReads     *prometheus.CounterVec
	ShakesDetected  prometheus.Counter
	Reports         *prometheus.CounterVec
	ReportLatency   prometheus.Histogram
	LinkConnects    *prometheus.CounterVec
	LinkUp          prometheus.Gauge
	LastReportEpoch prometheus.Gauge
}

// New constructs metrics and registers them with reg. A nil reg
// registers with the default Prometheus registry.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		LoopIterations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: metricPrefix + "loop_iterations_total",
			Help: "Total control loop iterations",
		}),
		SensorReads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "sensor_reads_total",
				Help: "Total accelerometer reads by result",
			},
			[]string{"result"},
		),
		ShakesDetected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: metricPrefix + "shakes_detected_total",
			Help: "Total samples classified as a shake",
		}),
		Reports: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "reports_total",
				Help: "Total telemetry reports by result",
			},
			[]string{"result"},
		),
		ReportLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    metricPrefix + "report_duration_seconds",
			Help:    "Connect, publish and disconnect time for one report",
			Buckets: prometheus.DefBuckets,
		}),
		LinkConnects: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "link_connects_total",
				Help: "Total link connect attempts by result",
			},
			[]string{"result"},
		),
		LinkUp: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: metricPrefix + "link_up",
			Help: "1 if the network link is connected",
		}),
		LastReportEpoch: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: metricPrefix + "last_report_timestamp_seconds",
			Help: "Unix time of the last successful report",
		}),
	}
	reg.MustRegister(
		m.LoopIterations,
		m.SensorReads,
		m.ShakesDetected,
		m.Reports,
		m.ReportLatency,
		m.LinkConnects,
		m.LinkUp,
		m.LastReportEpoch,
	)
	return m
}
