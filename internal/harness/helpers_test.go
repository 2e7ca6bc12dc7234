package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/roach88/ensemble/internal/conductor"
	"github.com/roach88/ensemble/internal/conductor/sim"
	"github.com/roach88/ensemble/internal/payload"
	"github.com/roach88/ensemble/internal/testutil"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestOrchestrator(c conductor.Conductor, opts ...Option) *Orchestrator {
	base := []Option{
		WithLogger(discardLogger()),
		WithRunIDs(testutil.NewSequence("run").Next),
		WithDefaults(Defaults{
			ScenarioTimeout:    2 * time.Second,
			ConsistencyTimeout: time.Second,
			TeardownTimeout:    time.Second,
		}),
	}
	return New(c, append(base, opts...)...)
}

func newSim() *sim.Conductor {
	return sim.New(sim.Options{PropagationDelay: 10 * time.Millisecond, Logger: discardLogger()})
}

// stubConductor answers every call with Ok and counts lifecycle calls.
// Its consistency wait blocks forever, ignoring ctx, when stalled is set.
type stubConductor struct {
	mu           sync.Mutex
	provisioned  int
	tornDown     []string
	provisionErr error
	teardownErr  error
	stalled      bool
	release      chan struct{}
}

func newStub() *stubConductor {
	return &stubConductor{release: make(chan struct{})}
}

func (s *stubConductor) Provision(_ context.Context, spec conductor.ProvisionSpec) ([]conductor.Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.provisionErr != nil {
		return nil, s.provisionErr
	}
	s.provisioned++
	out := make([]conductor.Instance, len(spec.Agents))
	for i, a := range spec.Agents {
		out[i] = conductor.Instance{ID: fmt.Sprintf("%d/%s", s.provisioned, a.Alias), Alias: a.Alias, AgentAddress: "addr-" + a.Alias}
	}
	return out, nil
}

func (s *stubConductor) Call(_ context.Context, req conductor.CallRequest) conductor.CallResult {
	return conductor.Ok(payload.String(req.Function))
}

func (s *stubConductor) WaitForConsistency(context.Context, []string) error {
	if s.stalled {
		<-s.release
	}
	return nil
}

func (s *stubConductor) Teardown(_ context.Context, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tornDown = append(s.tornDown, ids...)
	return s.teardownErr
}

func (s *stubConductor) provisions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.provisioned
}

func (s *stubConductor) teardowns() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.tornDown...)
}

// recordingReporter keeps every event as a line.
type recordingReporter struct {
	mu     sync.Mutex
	events []string
	run    *RunReport
}

func (r *recordingReporter) add(format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, fmt.Sprintf(format, args...))
}

func (r *recordingReporter) OnScenarioStart(name string) { r.add("start %s", name) }
func (r *recordingReporter) OnAssertion(scenario string, a Assertion) {
	r.add("assert %s %t", scenario, a.Passed)
}
func (r *recordingReporter) OnScenarioEnd(report *ScenarioReport) {
	r.add("end %s %s", report.Name, report.Status)
}
func (r *recordingReporter) OnRunEnd(report *RunReport) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.run = report
	r.events = append(r.events, "run end")
}

func (r *recordingReporter) lines() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

var errBoom = errors.New("boom")

func passing(ctx context.Context, agents *Agents, t *T) error {
	t.Pass("fine")
	return nil
}

func mustRegister(tb testing.TB, o *Orchestrator, name string, body Body, opts ...ScenarioOption) {
	tb.Helper()
	if err := o.Register(name, body, opts...); err != nil {
		tb.Fatalf("register %s: %v", name, err)
	}
}
