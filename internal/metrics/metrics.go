// Package metrics exposes export progress as Prometheus metrics. A CLI run
// is short-lived, so metrics are written to a node_exporter textfile when the
// run ends rather than served.
package metrics

import (
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/rowjay/wxexp/internal/exporter"
)

// Observer records run notifications into its own registry.
type Observer struct {
	reg *prometheus.Registry

	runsTotal       *prometheus.CounterVec
	lastRunSeconds  prometheus.Gauge
	lastRunTime     prometheus.Gauge
	sessionsTotal   *prometheus.CounterVec
	recordsTotal    prometheus.Counter
	tasksQueued     prometheus.Counter
	tasksDone       prometheus.Counter
	sessionDuration prometheus.Histogram

	started      time.Time
	sessionStart time.Time
	lastProgress int
}

func NewObserver() *Observer {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Observer{
		reg: reg,
		runsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wxexp_runs_total",
				Help: "Export runs by outcome",
			},
			[]string{"outcome"},
		),
		lastRunSeconds: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "wxexp_last_run_duration_seconds",
				Help: "Wall time of the last export run",
			},
		),
		lastRunTime: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "wxexp_last_run_timestamp_seconds",
				Help: "Unix time the last export run finished",
			},
		),
		sessionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wxexp_sessions_total",
				Help: "Chats processed by outcome",
			},
			[]string{"outcome"},
		),
		recordsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "wxexp_records_total",
				Help: "Records rendered",
			},
		),
		tasksQueued: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "wxexp_asset_tasks_queued_total",
				Help: "Asset tasks waiting when an account finished rendering",
			},
		),
		tasksDone: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "wxexp_asset_tasks_drained_total",
				Help: "Asset tasks drained",
			},
		),
		sessionDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "wxexp_session_duration_seconds",
				Help:    "Time spent rendering one chat",
				Buckets: prometheus.ExponentialBuckets(0.01, 4, 8),
			},
		),
	}
}

// Registry exposes the collectors, e.g. for tests or an HTTP handler.
func (o *Observer) Registry() *prometheus.Registry { return o.reg }

// WriteTextfile writes the registry in text exposition format. The write is
// atomic so a collector never reads a partial file.
func (o *Observer) WriteTextfile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return prometheus.WriteToTextfile(path, o.reg)
}

func (o *Observer) OnStart() { o.started = time.Now() }

func (o *Observer) OnComplete(cancelled bool) {
	outcome := "completed"
	if cancelled {
		outcome = "cancelled"
	}
	o.runsTotal.WithLabelValues(outcome).Inc()
	o.lastRunSeconds.Set(time.Since(o.started).Seconds())
	o.lastRunTime.SetToCurrentTime()
}

func (o *Observer) OnTasksStart(_ string, total int) {
	o.tasksQueued.Add(float64(total))
}

func (o *Observer) OnTasksProgress(_ string, delta, _ int) {
	if delta > 0 {
		o.tasksDone.Add(float64(delta))
	}
}

func (o *Observer) OnTasksComplete(string, bool) {}

func (o *Observer) OnSessionStart(string, exporter.Token, int) {
	o.sessionStart = time.Now()
	o.lastProgress = 0
}

func (o *Observer) OnSessionProgress(_ string, _ exporter.Token, processed, _ int) {
	if processed > o.lastProgress {
		o.recordsTotal.Add(float64(processed - o.lastProgress))
		o.lastProgress = processed
	}
}

func (o *Observer) OnSessionComplete(_ string, _ exporter.Token, cancelled bool) {
	outcome := "completed"
	if cancelled {
		outcome = "cancelled"
	}
	o.sessionsTotal.WithLabelValues(outcome).Inc()
	o.sessionDuration.Observe(time.Since(o.sessionStart).Seconds())
}
