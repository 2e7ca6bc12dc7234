package harness

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/ensemble/internal/conductor"
	"github.com/roach88/ensemble/internal/conductor/sim"
	"github.com/roach88/ensemble/internal/payload"
	"github.com/roach88/ensemble/internal/signature"
	"github.com/roach88/ensemble/internal/testutil"
)

func TestRun_OneReportPerScenarioInOrder(t *testing.T) {
	o := newTestOrchestrator(newStub())
	names := []string{"first", "second", "third"}
	for _, n := range names {
		mustRegister(t, o, n, passing, WithAgents("alice"))
	}

	report, err := o.Run(context.Background(), RunOptions{})
	require.NoError(t, err)
	require.Len(t, report.Scenarios, 3)
	for i, n := range names {
		assert.Equal(t, n, report.Scenarios[i].Name)
		assert.Equal(t, StatusPassed, report.Scenarios[i].Status)
	}
	assert.Equal(t, "run-0001", report.RunID)
	assert.Equal(t, ExitOK, report.ExitCode())
}

func TestRegister_DuplicateLeavesRegistryUnchanged(t *testing.T) {
	o := newTestOrchestrator(newStub())
	mustRegister(t, o, "same", passing, WithAgents("alice"))

	err := o.Register("same", passing, WithAgents("bob", "carol"))
	require.Error(t, err)
	var dup *DuplicateNameError
	require.True(t, errors.As(err, &dup))
	assert.Equal(t, "same", dup.Name)

	defs := o.Scenarios()
	require.Len(t, defs, 1)
	require.Len(t, defs[0].Agents, 1)
	assert.Equal(t, "alice", defs[0].Agents[0].Alias)
}

func TestRegister_Invalid(t *testing.T) {
	o := newTestOrchestrator(newStub())

	var cfgErr *ConfigurationError
	assert.ErrorAs(t, o.Register("", passing), &cfgErr)
	assert.ErrorAs(t, o.Register("nil body", nil), &cfgErr)
	assert.ErrorAs(t, o.Register("twins", passing, WithAgents("alice", "alice")), &cfgErr)
	assert.Empty(t, o.Scenarios())
}

func TestRun_PanicFailsOnlyThatScenario(t *testing.T) {
	stub := newStub()
	o := newTestOrchestrator(stub)
	mustRegister(t, o, "panics", func(ctx context.Context, agents *Agents, t *T) error {
		t.Pass()
		panic("kaboom")
	}, WithAgents("alice"))
	mustRegister(t, o, "after", passing, WithAgents("alice"))

	report, err := o.Run(context.Background(), RunOptions{})
	require.NoError(t, err)

	failed := report.Scenarios[0]
	assert.Equal(t, StatusFailed, failed.Status)
	assert.Equal(t, FailureRuntime, failed.FailureKind)
	assert.Contains(t, failed.Error, "kaboom")
	assert.Equal(t, StatusPassed, report.Scenarios[1].Status)
	assert.Equal(t, ExitFailure, report.ExitCode())

	// Both scenarios were torn down.
	assert.Len(t, stub.teardowns(), 2)
}

func TestRun_ReturnedErrorFails(t *testing.T) {
	o := newTestOrchestrator(newStub())
	mustRegister(t, o, "errs", func(ctx context.Context, agents *Agents, t *T) error {
		t.Pass()
		return errBoom
	})

	report, err := o.Run(context.Background(), RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, report.Scenarios[0].Status)
	assert.Contains(t, report.Scenarios[0].Error, "boom")
}

func TestRun_VacuousScenarioFailsExitCode(t *testing.T) {
	o := newTestOrchestrator(newStub())
	mustRegister(t, o, "empty", func(ctx context.Context, agents *Agents, t *T) error {
		return nil
	}, WithAgents("alice"))

	report, err := o.Run(context.Background(), RunOptions{})
	require.NoError(t, err)

	sc := report.Scenarios[0]
	assert.Equal(t, StatusPassed, sc.Status)
	assert.True(t, sc.Vacuous)
	assert.Equal(t, 1, report.Summary().Vacuous)
	assert.Equal(t, ExitFailure, report.ExitCode())
}

func TestRun_AssertionFailure(t *testing.T) {
	o := newTestOrchestrator(newStub())
	mustRegister(t, o, "wrong", func(ctx context.Context, agents *Agents, t *T) error {
		t.Equal(1, 2, "numbers")
		t.Pass()
		return nil
	})

	report, err := o.Run(context.Background(), RunOptions{})
	require.NoError(t, err)

	sc := report.Scenarios[0]
	assert.Equal(t, StatusFailed, sc.Status)
	assert.Equal(t, FailureAssertion, sc.FailureKind)
	assert.Equal(t, 2, sc.AssertionCount)
	require.Len(t, sc.Failures, 1)
	assert.Contains(t, sc.Failures[0].Detail, "numbers")
	assert.Contains(t, sc.Failures[0].Location, "orchestrator_test.go:")
}

func TestRun_SkipAndOnly(t *testing.T) {
	stub := newStub()
	o := newTestOrchestrator(stub)
	mustRegister(t, o, "normal", passing, WithAgents("alice"))
	mustRegister(t, o, "skipped", passing, WithAgents("alice"), Skip())
	mustRegister(t, o, "focused", passing, WithAgents("alice"), Only())

	report, err := o.Run(context.Background(), RunOptions{})
	require.NoError(t, err)

	assert.Equal(t, StatusSkipped, report.Scenarios[0].Status)
	assert.Equal(t, StatusSkipped, report.Scenarios[1].Status)
	assert.Equal(t, StatusPassed, report.Scenarios[2].Status)
	assert.False(t, report.Scenarios[0].Vacuous)
	assert.Equal(t, 1, stub.provisions())
	assert.Equal(t, ExitOK, report.ExitCode())
}

func TestRun_ScenarioTimeoutDropsLateAssertions(t *testing.T) {
	o := newTestOrchestrator(newStub())
	late := make(chan bool, 1)
	mustRegister(t, o, "slow", func(ctx context.Context, agents *Agents, t *T) error {
		t.Pass("early")
		<-ctx.Done()
		time.Sleep(20 * time.Millisecond)
		late <- t.Fail("too late")
		return nil
	}, WithAgents("alice"), WithTimeout(30*time.Millisecond))

	report, err := o.Run(context.Background(), RunOptions{})
	require.NoError(t, err)

	sc := report.Scenarios[0]
	assert.Equal(t, StatusFailed, sc.Status)
	assert.Equal(t, FailureTimeout, sc.FailureKind)
	assert.Contains(t, sc.Error, "exceeded timeout")
	assert.Equal(t, 1, sc.AssertionCount)
	assert.Equal(t, ExitInfrastructure, report.ExitCode())

	select {
	case <-late:
	case <-time.After(time.Second):
		t.Fatal("body never finished")
	}
	assert.Equal(t, 1, sc.AssertionCount)
	assert.Empty(t, sc.Failures)
}

func TestRun_ProvisionFailureIsInfrastructure(t *testing.T) {
	stub := newStub()
	stub.provisionErr = errors.New("conductor unreachable")
	o := newTestOrchestrator(stub)
	mustRegister(t, o, "never runs", passing, WithAgents("alice"))

	report, err := o.Run(context.Background(), RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, FailureInfrastructure, report.Scenarios[0].FailureKind)
	assert.Equal(t, ExitInfrastructure, report.ExitCode())
}

func TestRun_TeardownFailureDoesNotChangeVerdict(t *testing.T) {
	stub := newStub()
	stub.teardownErr = errors.New("instance stuck")
	o := newTestOrchestrator(stub)
	mustRegister(t, o, "ok", passing, WithAgents("alice"))

	report, err := o.Run(context.Background(), RunOptions{})
	require.NoError(t, err)

	sc := report.Scenarios[0]
	assert.Equal(t, StatusPassed, sc.Status)
	assert.Contains(t, sc.TeardownError, "instance stuck")
	assert.Equal(t, ExitOK, report.ExitCode())
}

func TestRun_HandlesClosedAfterTeardown(t *testing.T) {
	o := newTestOrchestrator(newStub())
	var kept *AgentHandle
	mustRegister(t, o, "keeps handle", func(ctx context.Context, agents *Agents, t *T) error {
		kept = agents.MustGet("alice")
		t.IsOk(kept.Call(ctx, "courses", "hi_holo", nil))
		return nil
	}, WithAgents("alice"))

	_, err := o.Run(context.Background(), RunOptions{})
	require.NoError(t, err)
	require.NotNil(t, kept)

	r := kept.Call(context.Background(), "courses", "hi_holo", nil)
	assert.Equal(t, conductor.KindTransport, r.Kind())
	assert.ErrorIs(t, r.Err(), ErrHandleClosed)
}

func TestRun_MustGetUndeclaredFails(t *testing.T) {
	o := newTestOrchestrator(newStub())
	mustRegister(t, o, "ghost", func(ctx context.Context, agents *Agents, t *T) error {
		agents.MustGet("carol")
		return nil
	}, WithAgents("alice"))

	report, err := o.Run(context.Background(), RunOptions{})
	require.NoError(t, err)
	assert.Contains(t, report.Scenarios[0].Error, `agent "carol" is not declared`)
}

func TestRun_LocalOnlyAbortsBeforeAnyScenario(t *testing.T) {
	stub := newStub()
	rec := &recordingReporter{}
	o := newTestOrchestrator(stub, WithMiddleware(Reporting(rec), LocalOnly()))
	mustRegister(t, o, "local", passing, WithAgents("alice"))
	mustRegister(t, o, "remote", passing, WithAgentConfigs(conductor.AgentConfig{
		Alias:   "bob",
		Network: conductor.NetworkConfig{Mode: conductor.NetworkSim2h, URL: "ws://sim2h.holochain.org:9000"},
	}))

	report, err := o.Run(context.Background(), RunOptions{})
	require.Error(t, err)

	var cfgErr *ConfigurationError
	require.True(t, errors.As(err, &cfgErr))
	assert.Equal(t, "remote", cfgErr.Scenario)
	assert.True(t, report.Aborted)
	assert.Equal(t, ExitConfiguration, report.ExitCode())
	assert.Equal(t, 0, stub.provisions())

	// The reporter still learns how the run ended.
	assert.Equal(t, []string{"run end"}, rec.lines())
	assert.Same(t, report, rec.run)
}

func TestRun_LocalOnlyRewritesLoopbackNetwork(t *testing.T) {
	var mu sync.Mutex
	var seen []conductor.AgentConfig
	capture := func(next Executor) Executor {
		return &captureStage{Passthrough: Passthrough{Next: next}, fn: func(job *Job) {
			mu.Lock()
			defer mu.Unlock()
			seen = append(seen, job.Agents...)
		}}
	}

	o := newTestOrchestrator(newStub(), WithMiddleware(LocalOnly(), capture))
	mustRegister(t, o, "loopback", passing, WithAgentConfigs(conductor.AgentConfig{
		Alias:   "alice",
		Network: conductor.NetworkConfig{Mode: conductor.NetworkSim2h, URL: "ws://localhost:9000"},
	}))

	_, err := o.Run(context.Background(), RunOptions{})
	require.NoError(t, err)
	require.Len(t, seen, 1)
	assert.Equal(t, conductor.NetworkLocal, seen[0].Network.Mode)
}

type captureStage struct {
	Passthrough
	fn func(*Job)
}

func (s *captureStage) Execute(ctx context.Context, job *Job) *ScenarioReport {
	s.fn(job)
	return s.Next.Execute(ctx, job)
}

func TestRun_ReportingSeesEveryEvent(t *testing.T) {
	rec := &recordingReporter{}
	o := newTestOrchestrator(newStub(), WithMiddleware(Reporting(rec)))
	mustRegister(t, o, "a", passing)
	mustRegister(t, o, "b", passing, Skip())

	_, err := o.Run(context.Background(), RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{
		"start a",
		"assert a true",
		"end a passed",
		"start b",
		"end b skipped",
		"run end",
	}, rec.lines())
}

func TestRun_ParallelKeepsRegistrationOrder(t *testing.T) {
	o := newTestOrchestrator(newStub())
	for i, name := range []string{"slowest", "slow", "fast"} {
		delay := time.Duration(3-i) * 15 * time.Millisecond
		mustRegister(t, o, name, func(ctx context.Context, agents *Agents, t *T) error {
			time.Sleep(delay)
			t.Pass()
			return nil
		}, WithAgents("alice", "bob"))
	}

	report, err := o.Run(context.Background(), RunOptions{Parallel: 3})
	require.NoError(t, err)
	require.Len(t, report.Scenarios, 3)
	assert.Equal(t, "slowest", report.Scenarios[0].Name)
	assert.Equal(t, "slow", report.Scenarios[1].Name)
	assert.Equal(t, "fast", report.Scenarios[2].Name)
	assert.True(t, report.OK())
}

func TestRun_Timestamps(t *testing.T) {
	clock := testutil.NewManualClock(time.Time{})
	o := newTestOrchestrator(newStub(), WithClock(clock.Now))
	mustRegister(t, o, "a", passing)

	report, err := o.Run(context.Background(), RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, clock.Now(), report.StartedAt)
	assert.Equal(t, clock.Now(), report.FinishedAt)
}

func TestEndToEnd_AliceCreatesBobReads(t *testing.T) {
	o := newTestOrchestrator(newSim())
	mustRegister(t, o, "create then get", func(ctx context.Context, agents *Agents, t *T) error {
		alice, bob := agents.MustGet("alice"), agents.MustGet("bob")

		created := alice.CallSignature(ctx, signature.CreateCourse{Title: "course for scenario 1", Timestamp: 1})
		if !t.IsOk(created, "create") {
			return nil
		}
		addr, _ := created.Value().(payload.String)

		if err := agents.Consistency(ctx); err != nil {
			return err
		}

		got := bob.CallSignature(ctx, signature.GetEntry{Address: string(addr)})
		t.IsOk(got, "get")
		t.Fields(got.Value(), map[string]any{
			"title":           "course for scenario 1",
			"teacher_address": alice.Address(),
		})
		return nil
	}, WithAgents("alice", "bob"))

	report, err := o.Run(context.Background(), RunOptions{})
	require.NoError(t, err)

	sc := report.Scenarios[0]
	assert.Equal(t, StatusPassed, sc.Status, "%+v", sc)
	assert.GreaterOrEqual(t, sc.AssertionCount, 2)
	assert.Equal(t, ExitOK, report.ExitCode())
}

func TestEndToEnd_StaleReadWithoutBarrier(t *testing.T) {
	c := sim.New(sim.Options{PropagationDelay: time.Hour, Logger: discardLogger()})
	o := newTestOrchestrator(c)
	var stale payload.Value
	mustRegister(t, o, "no barrier", func(ctx context.Context, agents *Agents, t *T) error {
		alice, bob := agents.MustGet("alice"), agents.MustGet("bob")
		created := alice.CallSignature(ctx, signature.CreateCourse{Title: "t", Timestamp: 1})
		t.IsOk(created)
		addr, _ := created.Value().(payload.String)

		got := bob.CallSignature(ctx, signature.GetEntry{Address: string(addr)})
		t.IsOk(got)
		stale = got.Value()
		return nil
	}, WithAgents("alice", "bob"))

	report, err := o.Run(context.Background(), RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, StatusPassed, report.Scenarios[0].Status)
	assert.Equal(t, payload.Value(payload.Null{}), stale)
	assert.Equal(t, 0, c.Instances())
}
