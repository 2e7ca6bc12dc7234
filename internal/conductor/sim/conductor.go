package sim

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/roach88/ensemble/internal/conductor"
	"github.com/roach88/ensemble/internal/payload"
	"github.com/roach88/ensemble/internal/signature"
)

// Options configures a Conductor.
type Options struct {
	// PropagationDelay is how long a write takes to reach other instances.
	PropagationDelay time.Duration

	// Partitioned stops all delivery between instances.
	Partitioned bool

	Logger *slog.Logger
}

// Conductor implements conductor.Conductor in memory.
// It is safe for concurrent use.
type Conductor struct {
	delay  time.Duration
	logger *slog.Logger

	cellSeq atomic.Int64

	mu          sync.Mutex
	partitioned bool
	instances   map[string]*instance
}

type cell struct {
	id      string
	members []*instance
}

type instance struct {
	id           string
	alias        string
	agentAddress string
	cell         *cell
	view         *view
	authored     []string
	pending      []delivery
}

var _ conductor.Conductor = (*Conductor)(nil)

// New creates a simulated conductor.
func New(opts Options) *Conductor {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Conductor{
		delay:       opts.PropagationDelay,
		logger:      logger,
		partitioned: opts.Partitioned,
		instances:   make(map[string]*instance),
	}
}

// SetPartitioned toggles delivery between instances. Deliveries held
// while partitioned are released once the partition heals.
func (c *Conductor) SetPartitioned(partitioned bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.partitioned = partitioned
}

// Provision creates one cell holding an instance per agent.
func (c *Conductor) Provision(ctx context.Context, spec conductor.ProvisionSpec) ([]conductor.Instance, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	seen := make(map[string]bool, len(spec.Agents))
	for _, agent := range spec.Agents {
		if agent.Alias == "" {
			return nil, errors.New("provision: agent alias is empty")
		}
		if seen[agent.Alias] {
			return nil, fmt.Errorf("provision: duplicate agent alias %q", agent.Alias)
		}
		seen[agent.Alias] = true
		switch agent.Network.Mode {
		case "", conductor.NetworkLocal, conductor.NetworkSim2h:
		default:
			return nil, fmt.Errorf("provision: agent %q: unknown network mode %q", agent.Alias, agent.Network.Mode)
		}
	}

	cl := &cell{id: fmt.Sprintf("cell-%d", c.cellSeq.Add(1))}
	out := make([]conductor.Instance, 0, len(spec.Agents))

	c.mu.Lock()
	defer c.mu.Unlock()

	for _, agent := range spec.Agents {
		inst := &instance{
			id:    cl.id + "/" + agent.Alias,
			alias: agent.Alias,
			agentAddress: payload.MustAddress("agent", payload.Object{
				"cell":  payload.String(cl.id),
				"alias": payload.String(agent.Alias),
			}),
			cell: cl,
			view: newView(),
		}
		cl.members = append(cl.members, inst)
		c.instances[inst.id] = inst
		out = append(out, conductor.Instance{ID: inst.id, Alias: inst.alias, AgentAddress: inst.agentAddress})
	}

	c.logger.Debug("provisioned cell", "cell", cl.id, "scope", spec.Scope, "app", spec.App.Name, "agents", len(out))
	return out, nil
}

// Call dispatches one course function on an instance.
func (c *Conductor) Call(ctx context.Context, req conductor.CallRequest) conductor.CallResult {
	if err := ctx.Err(); err != nil {
		return conductor.TransportFailure("call", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	inst, ok := c.instances[req.InstanceID]
	if !ok {
		return conductor.TransportFailure("call", fmt.Errorf("unknown instance %q", req.InstanceID))
	}

	call, err := signature.Decode(req.Capability, req.Function, req.Args)
	if err != nil {
		return conductor.AppError(payload.String(err.Error()))
	}

	c.deliver(inst, time.Now())
	result := c.dispatch(inst, call)
	c.logger.Debug("call", "instance", inst.id, "fn", req.Capability+"."+req.Function, "result", result.Kind().String())
	return result
}

// WaitForConsistency blocks until every listed instance has received all
// writes issued before it returns.
func (c *Conductor) WaitForConsistency(ctx context.Context, instanceIDs []string) error {
	for {
		wait, err := c.settle(instanceIDs)
		if err != nil {
			return err
		}
		if wait == 0 {
			return nil
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("%w: %w", conductor.ErrTimedOut, ctx.Err())
		case <-timer.C:
		}
	}
}

// partitionPoll is how often a partitioned wait rechecks for a heal.
// A partitioned cell with more than one member never settles.
const partitionPoll = 10 * time.Millisecond

// settle delivers everything due and returns how long until the next
// pending delivery. Zero means the instances are consistent.
func (c *Conductor) settle(instanceIDs []string) (time.Duration, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	var next time.Duration
	for _, id := range instanceIDs {
		inst, ok := c.instances[id]
		if !ok {
			return 0, fmt.Errorf("consistency: unknown instance %q", id)
		}
		c.deliver(inst, now)
		if len(inst.pending) == 0 {
			continue
		}
		wait := max(inst.pending[0].due.Sub(now), time.Millisecond)
		if next == 0 || wait < next {
			next = wait
		}
	}
	if c.partitioned && len(instanceIDs) > 1 {
		return partitionPoll, nil
	}
	return next, nil
}

// Teardown removes instances. Unknown IDs are reported after the known
// ones are released.
func (c *Conductor) Teardown(ctx context.Context, instanceIDs []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var errs []error
	for _, id := range instanceIDs {
		if _, ok := c.instances[id]; !ok {
			errs = append(errs, fmt.Errorf("teardown: unknown instance %q", id))
			continue
		}
		delete(c.instances, id)
	}
	c.logger.Debug("teardown", "instances", len(instanceIDs))
	return errors.Join(errs...)
}

// Instances returns the number of live instances.
func (c *Conductor) Instances() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.instances)
}

// deliver applies due gossip to inst. Caller holds c.mu.
func (c *Conductor) deliver(inst *instance, now time.Time) {
	if c.partitioned {
		return
	}
	n := 0
	for n < len(inst.pending) && !inst.pending[n].due.After(now) {
		inst.view.apply(inst.pending[n].op)
		n++
	}
	inst.pending = inst.pending[n:]
}

// publish applies o locally and schedules it on every other live member.
// Caller holds c.mu.
func (c *Conductor) publish(author *instance, o op) {
	author.view.apply(o)
	due := time.Now().Add(c.delay)
	for _, peer := range author.cell.members {
		if peer == author {
			continue
		}
		if _, live := c.instances[peer.id]; !live {
			continue
		}
		peer.pending = append(peer.pending, delivery{due: due, op: o})
	}
}
