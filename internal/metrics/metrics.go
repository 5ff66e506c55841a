//-------------------------------------------------------------------------
//
// pgEdge Warehouse Loader
//
// Portions copyright (c) 2025 - 2026, pgEdge, Inc.
// This software is released under The PostgreSQL License
//
//-------------------------------------------------------------------------

// Package metrics exposes run and step outcomes as Prometheus metrics. A
// batch loader has no scrape endpoint, so metrics are written in the
// text format for the node_exporter textfile collector.
package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/pgEdge/pgedge-dwload/internal/etl"
)

const namespace = "dwload"

// Recorder implements etl.Observer on its own registry.
type Recorder struct {
	registry *prometheus.Registry

	stepDuration *prometheus.GaugeVec
	stepRows     *prometheus.GaugeVec
	stepStatus   *prometheus.GaugeVec
	runDuration  prometheus.Gauge
	runSuccess   prometheus.Gauge
	runFailed    prometheus.Gauge
	runRows      *prometheus.GaugeVec
	lastRun      prometheus.Gauge
	windowEnd    prometheus.Gauge
}

// NewRecorder creates a recorder with a fresh registry.
func NewRecorder() *Recorder {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	return &Recorder{
		registry: reg,
		stepDuration: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "step",
			Name:      "duration_seconds",
			Help:      "Duration of the last execution of each step",
		}, []string{"step", "table"}),
		stepRows: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "step",
			Name:      "rows",
			Help:      "Rows handled by the last execution of each step",
		}, []string{"step", "table", "kind"}),
		stepStatus: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "step",
			Name:      "success",
			Help:      "1 when the last execution of the step completed, 0 on error",
		}, []string{"step", "table"}),
		runDuration: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "run",
			Name:      "duration_seconds",
			Help:      "Duration of the last run",
		}),
		runSuccess: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "run",
			Name:      "success",
			Help:      "1 when every step of the last run completed",
		}),
		runFailed: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "run",
			Name:      "failed",
			Help:      "1 when the last run could not be carried out",
		}),
		runRows: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "run",
			Name:      "rows",
			Help:      "Rows handled by the last run",
		}, []string{"kind"}),
		lastRun: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "run",
			Name:      "last_timestamp_seconds",
			Help:      "Start time of the last run",
		}),
		windowEnd: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "run",
			Name:      "window_end_timestamp_seconds",
			Help:      "Inclusive end date of the last run's window",
		}),
	}
}

func setRows(g *prometheus.GaugeVec, c etl.Counts, labels ...string) {
	kinds := []struct {
		kind  string
		value int64
	}{
		{"extracted", c.Extracted},
		{"inserted", c.Inserted},
		{"updated", c.Updated},
		{"error", c.Errors},
		{"warning", c.Warnings},
	}
	for _, k := range kinds {
		g.WithLabelValues(append(labels, k.kind)...).Set(float64(k.value))
	}
}

// ObserveStep records a finished step.
func (r *Recorder) ObserveStep(s etl.StepResult) {
	r.stepDuration.WithLabelValues(s.Name, s.Table).Set(s.Duration.Seconds())
	setRows(r.stepRows, s.Counts, s.Name, s.Table)
	success := 0.0
	if !s.Failed() {
		success = 1
	}
	r.stepStatus.WithLabelValues(s.Name, s.Table).Set(success)
}

// ObserveRun records a finished run.
func (r *Recorder) ObserveRun(s *etl.Summary) {
	r.runDuration.Set(s.Duration.Seconds())
	r.lastRun.Set(float64(s.Started.Unix()))
	r.windowEnd.Set(float64(s.Window.To.Unix()))
	setRows(r.runRows, s.Totals)

	r.runSuccess.Set(0)
	r.runFailed.Set(0)
	switch {
	case s.State == etl.StateFailed:
		r.runFailed.Set(1)
	case len(s.FailedSteps()) == 0:
		r.runSuccess.Set(1)
	}
}

// Gatherer returns the recorder's registry.
func (r *Recorder) Gatherer() prometheus.Gatherer {
	return r.registry
}

// WriteTextfile writes every metric to path in the Prometheus text format.
// The file is replaced atomically.
func (r *Recorder) WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, r.registry); err != nil {
		return fmt.Errorf("failed to write metrics to %s: %w", path, err)
	}
	return nil
}
