package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/roach88/ensemble/internal/conductor"
)

// Defaults apply to scenarios that do not set their own values.
type Defaults struct {
	App                conductor.AppRef
	Network            conductor.NetworkConfig
	ScenarioTimeout    time.Duration
	ConsistencyTimeout time.Duration
	CallTimeout        time.Duration
	TeardownTimeout    time.Duration
}

// DefaultDefaults are used when New is given no WithDefaults option.
var DefaultDefaults = Defaults{
	App:                conductor.AppRef{Name: "course_dna"},
	Network:            conductor.NetworkConfig{Mode: conductor.NetworkLocal},
	ScenarioTimeout:    30 * time.Second,
	ConsistencyTimeout: 10 * time.Second,
	CallTimeout:        0,
	TeardownTimeout:    10 * time.Second,
}

// fill replaces unset durations and app with DefaultDefaults.
func (d *Defaults) fill() {
	if d.App.Name == "" {
		d.App = DefaultDefaults.App
	}
	if d.Network.Mode == "" {
		d.Network = DefaultDefaults.Network
	}
	if d.ScenarioTimeout <= 0 {
		d.ScenarioTimeout = DefaultDefaults.ScenarioTimeout
	}
	if d.ConsistencyTimeout <= 0 {
		d.ConsistencyTimeout = DefaultDefaults.ConsistencyTimeout
	}
	if d.TeardownTimeout <= 0 {
		d.TeardownTimeout = DefaultDefaults.TeardownTimeout
	}
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithMiddleware sets the stages wrapped around the scenario runner,
// outermost first.
func WithMiddleware(stages ...Stage) Option {
	return func(o *Orchestrator) {
		o.stages = append(o.stages, stages...)
	}
}

func WithDefaults(d Defaults) Option {
	return func(o *Orchestrator) {
		o.defaults = d
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) {
		o.logger = logger
	}
}

// WithRunIDs replaces the UUIDv7 run ID source.
func WithRunIDs(next func() string) Option {
	return func(o *Orchestrator) {
		o.runID = next
	}
}

// WithClock replaces time.Now for report timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		o.now = now
	}
}

// RunOptions controls one Run.
type RunOptions struct {
	// Parallel is the number of scenarios executed at once. Values
	// below 2 run scenarios one after another.
	Parallel int
}

// Orchestrator registers scenarios and runs them against a conductor.
type Orchestrator struct {
	conductor conductor.Conductor
	defaults  Defaults
	logger    *slog.Logger
	stages    []Stage
	runID     func() string
	now       func() time.Time

	chain Executor

	mu          sync.Mutex
	definitions []*Definition
	byName      map[string]*Definition

	runMu sync.Mutex
}

// New creates an orchestrator. The middleware chain is fixed here.
func New(c conductor.Conductor, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		conductor: c,
		defaults:  DefaultDefaults,
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		runID:     func() string { return uuid.Must(uuid.NewV7()).String() },
		now:       time.Now,
		byName:    make(map[string]*Definition),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.defaults.fill()
	o.chain = Combine(o.stages...)(&runner{o: o})
	return o
}

// Register adds a scenario without running it. The registry is unchanged
// when Register fails.
func (o *Orchestrator) Register(name string, body Body, opts ...ScenarioOption) error {
	if name == "" {
		return &ConfigurationError{Reason: "scenario name is empty"}
	}
	if body == nil {
		return &ConfigurationError{Scenario: name, Reason: "scenario body is nil"}
	}

	def := &Definition{Name: name, Body: body, Mode: ModeNormal}
	for _, opt := range opts {
		opt(def)
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if _, exists := o.byName[name]; exists {
		return &DuplicateNameError{Name: name}
	}
	if err := o.chain.Register(def); err != nil {
		return err
	}
	if def.Name != name {
		return &ConfigurationError{Scenario: name, Reason: "middleware renamed scenario"}
	}
	o.definitions = append(o.definitions, def)
	o.byName[name] = def
	return nil
}

// Scenarios lists the registered definitions in registration order.
func (o *Orchestrator) Scenarios() []Definition {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]Definition, len(o.definitions))
	for i, d := range o.definitions {
		out[i] = d.clone()
	}
	return out
}

// Run executes every registered scenario and returns the aggregate report.
// The error is non-nil only when configuration resolution aborted the run;
// scenario failures are reported, not returned.
func (o *Orchestrator) Run(ctx context.Context, opts RunOptions) (*RunReport, error) {
	o.runMu.Lock()
	defer o.runMu.Unlock()

	report := &RunReport{RunID: o.runID(), StartedAt: o.now()}
	logger := o.logger.With("run", report.RunID)

	jobs := o.plan()
	for _, job := range jobs {
		if job.Skipped {
			continue
		}
		if err := o.chain.Resolve(job); err != nil {
			var cfgErr *ConfigurationError
			if !errors.As(err, &cfgErr) {
				err = &ConfigurationError{Scenario: job.Name(), Reason: "resolve", Err: err}
			}
			logger.Error("run aborted", "error", err)
			report.Aborted = true
			report.Error = err.Error()
			report.FinishedAt = o.now()
			o.chain.Finish(report)
			return report, err
		}
	}

	report.Scenarios = make([]*ScenarioReport, len(jobs))
	parallel := max(opts.Parallel, 1)
	sem := make(chan struct{}, parallel)
	var wg sync.WaitGroup

	for i, job := range jobs {
		if parallel == 1 {
			report.Scenarios[i] = o.chain.Execute(ctx, job)
			continue
		}
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			report.Scenarios[i] = o.chain.Execute(ctx, job)
		}()
	}
	wg.Wait()

	report.FinishedAt = o.now()
	s := report.Summary()
	logger.Info("run finished", "total", s.Total, "passed", s.Passed, "failed", s.Failed, "skipped", s.Skipped, "vacuous", s.Vacuous)
	o.chain.Finish(report)
	return report, nil
}

// plan builds one job per definition with defaults applied.
func (o *Orchestrator) plan() []*Job {
	o.mu.Lock()
	defer o.mu.Unlock()

	focused := false
	for _, d := range o.definitions {
		if d.Mode == ModeOnly {
			focused = true
			break
		}
	}

	jobs := make([]*Job, len(o.definitions))
	for i, d := range o.definitions {
		def := d.clone()
		job := &Job{
			Definition: &def,
			App:        def.App,
			Agents:     def.Agents,
			Timeout:    def.Timeout,
			Skipped:    def.Mode == ModeSkip || (focused && def.Mode != ModeOnly),
		}
		if job.App.Name == "" {
			job.App = o.defaults.App
		}
		if job.Timeout <= 0 {
			job.Timeout = o.defaults.ScenarioTimeout
		}
		for j := range job.Agents {
			if job.Agents[j].Network.Mode == "" {
				job.Agents[j].Network = o.defaults.Network
			}
		}
		jobs[i] = job
	}
	return jobs
}

// runner is the innermost executor.
type runner struct {
	o *Orchestrator
}

func (r *runner) Register(def *Definition) error {
	seen := make(map[string]bool, len(def.Agents))
	for _, a := range def.Agents {
		if a.Alias == "" {
			return &ConfigurationError{Scenario: def.Name, Reason: "agent alias is empty"}
		}
		if seen[a.Alias] {
			return &ConfigurationError{Scenario: def.Name, Reason: fmt.Sprintf("agent alias %q declared twice", a.Alias)}
		}
		seen[a.Alias] = true
	}
	switch def.Mode {
	case ModeNormal, ModeSkip, ModeOnly:
	default:
		return &ConfigurationError{Scenario: def.Name, Reason: fmt.Sprintf("unknown mode %q", def.Mode)}
	}
	return nil
}

func (r *runner) Resolve(job *Job) error {
	if job.App.Name == "" {
		return &ConfigurationError{Scenario: job.Name(), Reason: "no application configured"}
	}
	for _, a := range job.Agents {
		switch a.Network.Mode {
		case conductor.NetworkLocal, conductor.NetworkSim2h:
		default:
			return &ConfigurationError{Scenario: job.Name(), Reason: fmt.Sprintf("agent %q has unknown network mode %q", a.Alias, a.Network.Mode)}
		}
	}
	return nil
}

func (r *runner) Finish(*RunReport) {}

func (r *runner) Execute(ctx context.Context, job *Job) *ScenarioReport {
	o := r.o
	name := job.Name()
	report := &ScenarioReport{Name: name}
	if job.Skipped {
		report.Status = StatusSkipped
		return report
	}

	logger := o.logger.With("scenario", name)
	start := time.Now()
	defer func() { report.Duration = time.Since(start) }()

	assertionWatches, callWatches := job.watchers()
	onCall := func(ev CallEvent) {
		for _, w := range callWatches {
			w(ev)
		}
	}

	instances, err := o.conductor.Provision(ctx, conductor.ProvisionSpec{
		Scope:  name,
		App:    job.App,
		Agents: job.Agents,
	})
	if err != nil {
		logger.Error("provision failed", "error", err)
		report.Status = StatusFailed
		report.FailureKind = FailureInfrastructure
		report.Error = fmt.Sprintf("provision: %v", err)
		return report
	}

	agents, err := r.bind(job, instances, onCall)
	if err != nil {
		r.teardown(ctx, logger, report, instances)
		report.Status = StatusFailed
		report.FailureKind = FailureInfrastructure
		report.Error = err.Error()
		return report
	}

	t := newT(name, logger, assertionWatches)
	bodyErr := r.invoke(ctx, job, agents, t)

	count, failures := t.finish()
	agents.closeAll()
	r.teardown(ctx, logger, report, instances)

	report.AssertionCount = count
	report.Failures = failures

	switch {
	case bodyErr != nil:
		report.Status = StatusFailed
		report.Error = bodyErr.Error()
		report.FailureKind = classify(bodyErr)
		logger.Debug("scenario failed", "error", bodyErr)
	case len(failures) > 0:
		report.Status = StatusFailed
		report.FailureKind = FailureAssertion
	default:
		report.Status = StatusPassed
		if count == 0 {
			report.Vacuous = true
			logger.Warn("scenario made no assertions")
		}
	}
	return report
}

// bind pairs provisioned instances with declared aliases.
func (r *runner) bind(job *Job, instances []conductor.Instance, onCall func(CallEvent)) (*Agents, error) {
	if len(instances) != len(job.Agents) {
		return nil, fmt.Errorf("conductor provisioned %d instances for %d agents", len(instances), len(job.Agents))
	}
	byAlias := make(map[string]conductor.Instance, len(instances))
	for _, inst := range instances {
		byAlias[inst.Alias] = inst
	}

	handles := make([]*AgentHandle, 0, len(job.Agents))
	for _, a := range job.Agents {
		inst, ok := byAlias[a.Alias]
		if !ok {
			return nil, fmt.Errorf("conductor did not provision agent %q", a.Alias)
		}
		handles = append(handles, &AgentHandle{
			scenario:    job.Name(),
			alias:       a.Alias,
			instance:    inst,
			conductor:   r.o.conductor,
			callTimeout: r.o.defaults.CallTimeout,
			onCall:      onCall,
		})
	}
	return newAgents(handles, r.o.defaults.ConsistencyTimeout), nil
}

// invoke runs the body on its own goroutine under the scenario timeout.
// A body that outlives the timeout is abandoned.
func (r *runner) invoke(ctx context.Context, job *Job, agents *Agents, t *T) error {
	name := job.Name()
	bodyCtx, cancel := context.WithTimeout(ctx, job.Timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- &ScenarioRuntimeError{Scenario: name, Panic: p, Stack: debug.Stack()}
			}
		}()
		done <- job.Definition.Body(bodyCtx, agents, t)
	}()

	select {
	case err := <-done:
		return wrapBodyError(name, err)
	case <-bodyCtx.Done():
		select {
		case err := <-done:
			return wrapBodyError(name, err)
		default:
		}
		return &ScenarioRuntimeError{
			Scenario: name,
			Err:      fmt.Errorf("exceeded timeout of %s: %w", job.Timeout, bodyCtx.Err()),
		}
	}
}

func wrapBodyError(name string, err error) error {
	if err == nil {
		return nil
	}
	var rt *ScenarioRuntimeError
	var ct *ConsistencyTimeoutError
	if errors.As(err, &rt) || errors.As(err, &ct) {
		return err
	}
	return &ScenarioRuntimeError{Scenario: name, Err: err}
}

func classify(err error) FailureKind {
	var ct *ConsistencyTimeoutError
	if errors.As(err, &ct) || errors.Is(err, context.DeadlineExceeded) {
		return FailureTimeout
	}
	var te *conductor.TransportError
	if errors.As(err, &te) {
		return FailureInfrastructure
	}
	return FailureRuntime
}

// teardown releases instances on a context that survives cancellation of
// the run, bounded by the teardown timeout.
func (r *runner) teardown(ctx context.Context, logger *slog.Logger, report *ScenarioReport, instances []conductor.Instance) {
	if len(instances) == 0 {
		return
	}
	ids := make([]string, len(instances))
	for i, inst := range instances {
		ids[i] = inst.ID
	}

	tctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.o.defaults.TeardownTimeout)
	defer cancel()

	if err := r.o.conductor.Teardown(tctx, ids); err != nil {
		tErr := &TeardownError{Scenario: report.Name, Err: err}
		logger.Error("teardown failed", "error", tErr)
		report.TeardownError = tErr.Error()
	}
}
