package sinks

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/jpvasquez/sri-downloader/internal/progress"
)

// PrometheusSink exports run progress metrics. It owns all collectors for
// run lifecycle counts and per-result document totals.
type PrometheusSink struct {
	runsStarted   prometheus.Counter
	runsCompleted *prometheus.CounterVec
	runRuntime    prometheus.Histogram
	documents     *prometheus.CounterVec
	runActive     prometheus.Gauge
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		runsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sri_runs_started_total",
			Help: "Total download runs started.",
		}),
		runsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sri_runs_completed_total",
			Help: "Total runs completed partitioned by result.",
		}, []string{"result"}),
		runRuntime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "sri_run_runtime_seconds",
			Help:    "Wall time per completed run.",
			Buckets: []float64{5, 15, 30, 60, 120, 300, 600, 1800, 3600},
		}),
		documents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sri_documents_total",
			Help: "Documents handled by completed runs, partitioned by result.",
		}, []string{"result"}),
		runActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sri_run_active",
			Help: "Whether a download run is currently active.",
		}),
	}
	for _, collector := range []prometheus.Collector{
		s.runsStarted,
		s.runsCompleted,
		s.runRuntime,
		s.documents,
		s.runActive,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors from the event.
func (s *PrometheusSink) Consume(_ context.Context, evt progress.Event) error {
	switch evt.Stage {
	case progress.StageRunStart:
		s.runsStarted.Inc()
		s.runActive.Set(1)
	case progress.StageRunDone:
		s.runActive.Set(0)
		// A run that aborts mid-crawl still flushes and completes, so the
		// error check must come before the stop flag.
		result := "success"
		switch {
		case evt.State.Error != "":
			result = "error"
		case evt.State.Stopped:
			result = "stopped"
		}
		s.runsCompleted.WithLabelValues(result).Inc()
		s.observeCompletion(evt)
	case progress.StageRunError:
		s.runActive.Set(0)
		s.runsCompleted.WithLabelValues("error").Inc()
	}
	return nil
}

func (s *PrometheusSink) observeCompletion(evt progress.Event) {
	if !evt.State.StartedAt.IsZero() && evt.TS.After(evt.State.StartedAt) {
		s.runRuntime.Observe(evt.TS.Sub(evt.State.StartedAt).Seconds())
	}
	s.documents.WithLabelValues("succeeded").Add(float64(evt.State.Succeeded))
	s.documents.WithLabelValues("failed").Add(float64(evt.State.Failed))
	s.documents.WithLabelValues("skipped").Add(float64(evt.State.Skipped))
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}
