package harness

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/ensemble/internal/conductor"
	"github.com/roach88/ensemble/internal/payload"
)

// orderingConductor records the order in which calls enter Call and
// flags any call that starts while another is in flight.
type orderingConductor struct {
	*stubConductor

	inFlight atomic.Int32
	overlaps atomic.Int32

	mu      sync.Mutex
	arrived []string
}

func (c *orderingConductor) Call(_ context.Context, req conductor.CallRequest) conductor.CallResult {
	if c.inFlight.Add(1) > 1 {
		c.overlaps.Add(1)
	}
	defer c.inFlight.Add(-1)

	c.mu.Lock()
	c.arrived = append(c.arrived, req.Function)
	c.mu.Unlock()

	time.Sleep(time.Millisecond)
	return conductor.Ok(payload.String(req.Function))
}

func (c *orderingConductor) order() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.arrived...)
}

func TestAgentHandle_CallsSerializedInIssueOrder(t *testing.T) {
	c := &orderingConductor{stubConductor: newStub()}
	h := &AgentHandle{
		alias:     "alice",
		instance:  conductor.Instance{ID: "1/alice", Alias: "alice"},
		conductor: c,
	}

	const workers, perWorker = 4, 10
	var wg sync.WaitGroup
	for w := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range perWorker {
				r := h.Call(context.Background(), "courses", fmt.Sprintf("w%d-%d", w, i), nil)
				assert.True(t, r.IsOk())
			}
		}()
	}
	wg.Wait()

	assert.Zero(t, c.overlaps.Load(), "calls from one handle overlapped")

	arrived := c.order()
	require.Len(t, arrived, workers*perWorker)

	// Each goroutine issues its calls one after another, so they must
	// arrive in the same order.
	next := make(map[string]int)
	for _, fn := range arrived {
		var w, i int
		_, err := fmt.Sscanf(fn, "w%d-%d", &w, &i)
		require.NoError(t, err)
		key := strconv.Itoa(w)
		assert.Equal(t, next[key], i, "worker %d out of order", w)
		next[key] = i + 1
	}
}

func TestAgentHandle_SequentialCallsKeepOrder(t *testing.T) {
	c := &orderingConductor{stubConductor: newStub()}
	h := &AgentHandle{alias: "alice", instance: conductor.Instance{ID: "1/alice"}, conductor: c}

	for _, fn := range []string{"create_course", "update_course", "delete_course", "get_entry"} {
		h.Call(context.Background(), "courses", fn, nil)
	}
	assert.Equal(t, []string{"create_course", "update_course", "delete_course", "get_entry"}, c.order())
}

// overlapReporter flags any reporter method entered while another one
// is still running.
type overlapReporter struct {
	inside     atomic.Int32
	overlaps   atomic.Int32
	assertions atomic.Int32
	ended      atomic.Int32
}

func (r *overlapReporter) enter() func() {
	if r.inside.Add(1) > 1 {
		r.overlaps.Add(1)
	}
	time.Sleep(200 * time.Microsecond)
	return func() { r.inside.Add(-1) }
}

func (r *overlapReporter) OnScenarioStart(string) { defer r.enter()() }
func (r *overlapReporter) OnAssertion(string, Assertion) {
	defer r.enter()()
	r.assertions.Add(1)
}
func (r *overlapReporter) OnScenarioEnd(*ScenarioReport) {
	defer r.enter()()
	r.ended.Add(1)
}
func (r *overlapReporter) OnRunEnd(*RunReport) { defer r.enter()() }

func TestRun_ParallelReportingIsSerialized(t *testing.T) {
	rec := &overlapReporter{}
	o := newTestOrchestrator(newStub(), WithMiddleware(Reporting(rec)))

	const scenarios, perScenario = 8, 5
	for i := range scenarios {
		mustRegister(t, o, fmt.Sprintf("s%d", i), func(ctx context.Context, agents *Agents, t *T) error {
			for range perScenario {
				t.Pass("step")
				time.Sleep(100 * time.Microsecond)
			}
			return nil
		})
	}

	report, err := o.Run(context.Background(), RunOptions{Parallel: 4})
	require.NoError(t, err)
	require.Len(t, report.Scenarios, scenarios)
	for i, sc := range report.Scenarios {
		assert.Equal(t, fmt.Sprintf("s%d", i), sc.Name)
		assert.Equal(t, perScenario, sc.AssertionCount)
	}

	assert.Zero(t, rec.overlaps.Load(), "reporter entered concurrently")
	assert.Equal(t, int32(scenarios*perScenario), rec.assertions.Load())
	assert.Equal(t, int32(scenarios), rec.ended.Load())
}
