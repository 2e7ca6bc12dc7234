package harness

import (
	"context"
	"time"

	"github.com/roach88/ensemble/internal/conductor"
)

// Body is a scenario's script. Returning an error fails the scenario.
type Body func(ctx context.Context, agents *Agents, t *T) error

// Mode selects whether a scenario runs.
type Mode string

const (
	ModeNormal Mode = "normal"
	ModeSkip   Mode = "skip"
	ModeOnly   Mode = "only"
)

// Definition is a registered scenario. It does not change after
// registration.
type Definition struct {
	Name    string
	Body    Body
	Mode    Mode
	Agents  []conductor.AgentConfig
	App     conductor.AppRef
	Timeout time.Duration
}

// ScenarioOption configures a Definition at registration.
type ScenarioOption func(*Definition)

// WithAgents declares agents by alias on the default network.
func WithAgents(aliases ...string) ScenarioOption {
	return func(d *Definition) {
		for _, alias := range aliases {
			d.Agents = append(d.Agents, conductor.AgentConfig{Alias: alias})
		}
	}
}

// WithAgentConfigs declares fully specified agents.
func WithAgentConfigs(agents ...conductor.AgentConfig) ScenarioOption {
	return func(d *Definition) {
		d.Agents = append(d.Agents, agents...)
	}
}

// WithTimeout overrides the default scenario timeout.
func WithTimeout(timeout time.Duration) ScenarioOption {
	return func(d *Definition) {
		d.Timeout = timeout
	}
}

// WithApp overrides the default application.
func WithApp(app conductor.AppRef) ScenarioOption {
	return func(d *Definition) {
		d.App = app
	}
}

// Skip registers the scenario without running it.
func Skip() ScenarioOption {
	return func(d *Definition) {
		d.Mode = ModeSkip
	}
}

// Only focuses the run: when any scenario is Only, the rest are skipped.
func Only() ScenarioOption {
	return func(d *Definition) {
		d.Mode = ModeOnly
	}
}

func (d *Definition) clone() Definition {
	out := *d
	out.Agents = make([]conductor.AgentConfig, len(d.Agents))
	for i, a := range d.Agents {
		out.Agents[i] = a
		if a.Settings != nil {
			out.Agents[i].Settings = make(map[string]any, len(a.Settings))
			for k, v := range a.Settings {
				out.Agents[i].Settings[k] = v
			}
		}
	}
	return out
}
