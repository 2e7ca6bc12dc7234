package harness

import (
	"context"
	"fmt"
	"path"
	"slices"
	"sync"
	"time"

	"github.com/roach88/ensemble/internal/conductor"
)

// Executor is what a middleware stage wraps. The innermost executor is
// the orchestrator's own scenario runner.
type Executor interface {
	// Register sees each definition before it is stored.
	Register(def *Definition) error

	// Resolve finalizes a job's configuration. All jobs are resolved
	// before the first scenario executes.
	Resolve(job *Job) error

	// Execute runs one scenario and returns its report.
	Execute(ctx context.Context, job *Job) *ScenarioReport

	// Finish is called once with the complete run report.
	Finish(report *RunReport)
}

// Stage wraps an executor.
type Stage func(next Executor) Executor

// Combine composes stages so that the first is outermost.
func Combine(stages ...Stage) Stage {
	return func(next Executor) Executor {
		for i := len(stages) - 1; i >= 0; i-- {
			if stages[i] != nil {
				next = stages[i](next)
			}
		}
		return next
	}
}

// Passthrough forwards every method to Next. Stages embed it and
// override what they need.
type Passthrough struct {
	Next Executor
}

func (p Passthrough) Register(def *Definition) error { return p.Next.Register(def) }
func (p Passthrough) Resolve(job *Job) error         { return p.Next.Resolve(job) }
func (p Passthrough) Execute(ctx context.Context, job *Job) *ScenarioReport {
	return p.Next.Execute(ctx, job)
}
func (p Passthrough) Finish(report *RunReport) { p.Next.Finish(report) }

// Job is one scheduled scenario invocation.
type Job struct {
	Definition *Definition
	App        conductor.AppRef
	Agents     []conductor.AgentConfig
	Timeout    time.Duration
	Skipped    bool

	mu               sync.Mutex
	assertionWatches []func(Assertion)
	callWatches      []func(CallEvent)
}

// Name is the scenario name.
func (j *Job) Name() string { return j.Definition.Name }

// WatchAssertions registers fn to see every assertion of the job.
func (j *Job) WatchAssertions(fn func(Assertion)) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.assertionWatches = append(j.assertionWatches, fn)
}

// WatchCalls registers fn to see every call the job's agents make.
func (j *Job) WatchCalls(fn func(CallEvent)) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.callWatches = append(j.callWatches, fn)
}

func (j *Job) watchers() ([]func(Assertion), []func(CallEvent)) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return slices.Clone(j.assertionWatches), slices.Clone(j.callWatches)
}

// Reporter receives the progress of a run.
type Reporter interface {
	OnScenarioStart(name string)
	OnAssertion(scenario string, a Assertion)
	OnScenarioEnd(report *ScenarioReport)
	OnRunEnd(report *RunReport)
}

type reporting struct {
	Passthrough
	reporter Reporter
	mu       *sync.Mutex
}

// Reporting routes run progress to r. Calls into r are serialized.
// Put it first in Combine so that it sees configuration failures.
func Reporting(r Reporter) Stage {
	mu := &sync.Mutex{}
	return func(next Executor) Executor {
		return &reporting{Passthrough: Passthrough{Next: next}, reporter: r, mu: mu}
	}
}

func (s *reporting) Execute(ctx context.Context, job *Job) *ScenarioReport {
	name := job.Name()
	s.mu.Lock()
	s.reporter.OnScenarioStart(name)
	s.mu.Unlock()

	job.WatchAssertions(func(a Assertion) {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.reporter.OnAssertion(name, a)
	})

	report := s.Next.Execute(ctx, job)

	s.mu.Lock()
	s.reporter.OnScenarioEnd(report)
	s.mu.Unlock()
	return report
}

func (s *reporting) Finish(report *RunReport) {
	s.Next.Finish(report)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reporter.OnRunEnd(report)
}

type localOnly struct {
	Passthrough
}

// LocalOnly forces every agent onto the local network. Agents whose
// network URL leaves this machine are rejected at resolution.
func LocalOnly() Stage {
	return func(next Executor) Executor {
		return &localOnly{Passthrough: Passthrough{Next: next}}
	}
}

func (s *localOnly) Resolve(job *Job) error {
	for i, agent := range job.Agents {
		loopback, err := agent.Network.Loopback()
		if err != nil {
			return &ConfigurationError{Scenario: job.Name(), Reason: fmt.Sprintf("agent %q network", agent.Alias), Err: err}
		}
		if !loopback {
			return &ConfigurationError{
				Scenario: job.Name(),
				Reason:   fmt.Sprintf("agent %q network %s is not loopback", agent.Alias, agent.Network.URL),
			}
		}
		job.Agents[i].Network.Mode = conductor.NetworkLocal
	}
	return s.Next.Resolve(job)
}

type filter struct {
	Passthrough
	pattern string
}

// Filter skips scenarios whose name does not match the glob pattern.
func Filter(pattern string) Stage {
	return func(next Executor) Executor {
		return &filter{Passthrough: Passthrough{Next: next}, pattern: pattern}
	}
}

func (s *filter) Register(def *Definition) error {
	matched, err := path.Match(s.pattern, def.Name)
	if err != nil {
		return &ConfigurationError{Reason: fmt.Sprintf("filter pattern %q", s.pattern), Err: err}
	}
	if !matched {
		def.Mode = ModeSkip
	}
	return s.Next.Register(def)
}
