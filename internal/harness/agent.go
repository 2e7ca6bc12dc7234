package harness

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/roach88/ensemble/internal/conductor"
	"github.com/roach88/ensemble/internal/payload"
	"github.com/roach88/ensemble/internal/signature"
)

// CallEvent describes one completed call.
type CallEvent struct {
	Scenario   string
	Agent      string
	Capability string
	Function   string
	Kind       conductor.ResultKind
	Duration   time.Duration
}

// AgentHandle is a scenario's view of one provisioned instance.
//
// Calls from one handle reach the conductor one at a time in the order
// they were issued. After teardown every call fails with ErrHandleClosed.
type AgentHandle struct {
	scenario    string
	alias       string
	instance    conductor.Instance
	conductor   conductor.Conductor
	callTimeout time.Duration
	onCall      func(CallEvent)

	mu     sync.Mutex
	closed atomic.Bool
}

func (h *AgentHandle) Alias() string      { return h.alias }
func (h *AgentHandle) InstanceID() string { return h.instance.ID }

// Address is the agent's address as reported by the conductor.
func (h *AgentHandle) Address() string { return h.instance.AgentAddress }

// Call invokes capability.function with args. It never retries.
func (h *AgentHandle) Call(ctx context.Context, capability, function string, args payload.Object) conductor.CallResult {
	if h.closed.Load() {
		return conductor.TransportFailure("call", ErrHandleClosed)
	}
	if args == nil {
		args = payload.Object{}
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed.Load() {
		return conductor.TransportFailure("call", ErrHandleClosed)
	}
	if h.callTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.callTimeout)
		defer cancel()
	}

	start := time.Now()
	result := h.conductor.Call(ctx, conductor.CallRequest{
		InstanceID: h.instance.ID,
		Capability: capability,
		Function:   function,
		Args:       args,
	})
	if h.onCall != nil {
		h.onCall(CallEvent{
			Scenario:   h.scenario,
			Agent:      h.alias,
			Capability: capability,
			Function:   function,
			Kind:       result.Kind(),
			Duration:   time.Since(start),
		})
	}
	return result
}

// CallSignature issues a typed call.
func (h *AgentHandle) CallSignature(ctx context.Context, call signature.Call) conductor.CallResult {
	return h.Call(ctx, call.Capability(), call.Function(), call.Args())
}

func (h *AgentHandle) close() {
	h.closed.Store(true)
}

// Agents is the set of handles injected into a scenario body.
type Agents struct {
	handles            []*AgentHandle
	byAlias            map[string]*AgentHandle
	consistencyTimeout time.Duration
}

func newAgents(handles []*AgentHandle, consistencyTimeout time.Duration) *Agents {
	a := &Agents{
		handles:            handles,
		byAlias:            make(map[string]*AgentHandle, len(handles)),
		consistencyTimeout: consistencyTimeout,
	}
	for _, h := range handles {
		a.byAlias[h.alias] = h
	}
	return a
}

func (a *Agents) Get(alias string) (*AgentHandle, bool) {
	h, ok := a.byAlias[alias]
	return h, ok
}

// MustGet panics when alias was not declared. Inside a body the panic is
// recorded as the scenario's failure.
func (a *Agents) MustGet(alias string) *AgentHandle {
	h, ok := a.byAlias[alias]
	if !ok {
		panic(fmt.Sprintf("agent %q is not declared by this scenario", alias))
	}
	return h
}

// All returns the handles in declaration order.
func (a *Agents) All() []*AgentHandle {
	return append([]*AgentHandle(nil), a.handles...)
}

// Consistency waits for every agent of the scenario using the configured
// consistency timeout.
func (a *Agents) Consistency(ctx context.Context) error {
	return Consistency(ctx, a.handles, a.consistencyTimeout)
}

// ConsistencyWithin is Consistency with an explicit timeout.
func (a *Agents) ConsistencyWithin(ctx context.Context, timeout time.Duration) error {
	return Consistency(ctx, a.handles, timeout)
}

func (a *Agents) closeAll() {
	for _, h := range a.handles {
		h.close()
	}
}
