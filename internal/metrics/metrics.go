// Package metrics exports Prometheus metrics for harness runs.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/roach88/ensemble/internal/harness"
)

// Metrics holds the collectors of one registry.
type Metrics struct {
	registry *prometheus.Registry

	// ScenariosTotal counts finished scenarios by status and failure kind.
	ScenariosTotal *prometheus.CounterVec

	// ScenarioSeconds observes scenario wall time including teardown.
	ScenarioSeconds *prometheus.HistogramVec

	// AssertionsTotal counts assertions by outcome.
	AssertionsTotal *prometheus.CounterVec

	// CallsTotal counts calls by function and result kind.
	CallsTotal *prometheus.CounterVec

	// CallSeconds observes call latency by function.
	CallSeconds *prometheus.HistogramVec

	// RunsTotal counts finished runs by exit code.
	RunsTotal *prometheus.CounterVec
}

// New creates the collectors and registers them on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		ScenariosTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ensemble_scenarios_total",
				Help: "Total number of scenarios finished",
			},
			[]string{"status", "failure_kind"},
		),
		ScenarioSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ensemble_scenario_duration_seconds",
				Help:    "Scenario duration including provisioning and teardown",
				Buckets: prometheus.ExponentialBuckets(0.01, 4, 8),
			},
			[]string{"status"},
		),
		AssertionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ensemble_assertions_total",
				Help: "Total number of assertions recorded",
			},
			[]string{"outcome"},
		),
		CallsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ensemble_calls_total",
				Help: "Total number of calls issued through agent handles",
			},
			[]string{"capability", "function", "result"},
		),
		CallSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ensemble_call_duration_seconds",
				Help:    "Call latency as seen by the agent handle",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"capability", "function"},
		),
		RunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ensemble_runs_total",
				Help: "Total number of runs finished",
			},
			[]string{"exit_code"},
		),
	}
	m.registry.MustRegister(
		m.ScenariosTotal,
		m.ScenarioSeconds,
		m.AssertionsTotal,
		m.CallsTotal,
		m.CallSeconds,
		m.RunsTotal,
	)
	return m
}

// Registry returns the registry holding the collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// WriteToTextfile writes the registry for the node exporter textfile
// collector.
func (m *Metrics) WriteToTextfile(path string) error {
	return prometheus.WriteToTextfile(path, m.registry)
}

// Stage returns harness middleware that records into m.
func (m *Metrics) Stage() harness.Stage {
	return func(next harness.Executor) harness.Executor {
		return &stage{Passthrough: harness.Passthrough{Next: next}, m: m}
	}
}

type stage struct {
	harness.Passthrough
	m *Metrics
}

func (s *stage) Execute(ctx context.Context, job *harness.Job) *harness.ScenarioReport {
	job.WatchAssertions(func(a harness.Assertion) {
		outcome := "pass"
		if !a.Passed {
			outcome = "fail"
		}
		s.m.AssertionsTotal.WithLabelValues(outcome).Inc()
	})
	job.WatchCalls(func(e harness.CallEvent) {
		s.m.CallsTotal.WithLabelValues(e.Capability, e.Function, e.Kind.String()).Inc()
		s.m.CallSeconds.WithLabelValues(e.Capability, e.Function).Observe(e.Duration.Seconds())
	})

	report := s.Next.Execute(ctx, job)

	s.m.ScenariosTotal.WithLabelValues(string(report.Status), string(report.FailureKind)).Inc()
	if report.Status != harness.StatusSkipped {
		s.m.ScenarioSeconds.WithLabelValues(string(report.Status)).Observe(report.Duration.Seconds())
	}
	return report
}

func (s *stage) Finish(report *harness.RunReport) {
	s.Next.Finish(report)
	s.m.RunsTotal.WithLabelValues(exitLabel(report.ExitCode())).Inc()
}

func exitLabel(code int) string {
	switch code {
	case harness.ExitOK:
		return "0"
	case harness.ExitFailure:
		return "1"
	case harness.ExitConfiguration:
		return "2"
	case harness.ExitInfrastructure:
		return "3"
	}
	return "other"
}
