package cli

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/roach88/ensemble/internal/conductor"
	"github.com/roach88/ensemble/internal/conductor/sim"
	"github.com/roach88/ensemble/internal/config"
	"github.com/roach88/ensemble/internal/harness"
	"github.com/roach88/ensemble/internal/natsbus"
	"github.com/roach88/ensemble/internal/rpc"
	"github.com/roach88/ensemble/internal/signature"
)

// buildRegistry compiles the course schema plus any configured CUE files.
func buildRegistry(cfg *config.Config) (*signature.Registry, error) {
	schema, err := signature.DefaultSchema()
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	for _, path := range cfg.Schema.Files {
		if err := schema.ExtendFile(path); err != nil {
			return nil, err
		}
	}
	return signature.NewRegistry(schema, cfg.Schema.Strict), nil
}

// dialConductor connects to the configured conductor. The returned
// function releases it.
func dialConductor(ctx context.Context, cfg *config.Config, logger *slog.Logger) (conductor.Conductor, func(), error) {
	switch cfg.Conductor.Kind {
	case config.ConductorSim:
		c := sim.New(sim.Options{
			PropagationDelay: cfg.Conductor.PropagationDelay,
			Partitioned:      cfg.Conductor.Partitioned,
			Logger:           logger,
		})
		return c, func() {}, nil

	case config.ConductorWebSocket:
		link, err := rpc.DialWebSocket(ctx, cfg.Conductor.URL)
		if err != nil {
			return nil, nil, err
		}
		client := rpc.NewClient(link)
		return client, func() { _ = client.Close() }, nil

	case config.ConductorNATS:
		nc, err := natsbus.NewClientFromURL(cfg.NATSURL())
		if err != nil {
			return nil, nil, err
		}
		client := rpc.NewClient(rpc.NewNATSLink(nc, natsbus.TopicConductor(cfg.Conductor.Subject)))
		return client, func() { _ = client.Close() }, nil
	}
	return nil, nil, fmt.Errorf("unknown conductor kind %q", cfg.Conductor.Kind)
}

func harnessDefaults(cfg *config.Config) harness.Defaults {
	return harness.Defaults{
		App:                conductor.AppRef{Name: cfg.App.Name, Path: cfg.App.Path},
		Network:            conductor.NetworkConfig{Mode: cfg.Network.Mode, URL: cfg.Network.URL},
		ScenarioTimeout:    cfg.Timeouts.Scenario,
		ConsistencyTimeout: cfg.Timeouts.Consistency,
		CallTimeout:        cfg.Timeouts.Call,
		TeardownTimeout:    cfg.Timeouts.Teardown,
	}
}
