// Package conductor defines the boundary between the harness and the
// runtime that hosts application instances.
//
// A Conductor provisions instances, routes calls to them, reports when
// pending side effects are visible everywhere and tears instances down.
// The harness never talks to a runtime any other way.
package conductor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"

	"github.com/roach88/ensemble/internal/payload"
)

// ErrTimedOut is returned by WaitForConsistency when ctx ends first.
var ErrTimedOut = errors.New("consistency not reached before deadline")

// Conductor is the external runtime collaborator.
type Conductor interface {
	// Provision creates one isolated instance per agent.
	Provision(ctx context.Context, spec ProvisionSpec) ([]Instance, error)

	// Call invokes a function on one instance. It always resolves to a
	// result; failures to reach the instance are transport failures.
	Call(ctx context.Context, req CallRequest) CallResult

	// WaitForConsistency blocks until side effects issued so far are
	// visible to every listed instance. It returns nil or an error
	// wrapping ErrTimedOut.
	WaitForConsistency(ctx context.Context, instanceIDs []string) error

	// Teardown stops and releases the listed instances.
	Teardown(ctx context.Context, instanceIDs []string) error
}

// AppRef names the application bundle an instance runs.
type AppRef struct {
	Name string `json:"name" yaml:"name"`
	Path string `json:"path,omitempty" yaml:"path,omitempty"`
}

// Network modes.
const (
	NetworkLocal = "local"
	NetworkSim2h = "sim2h"
)

// NetworkConfig selects how an instance reaches its peers.
type NetworkConfig struct {
	Mode string `json:"mode" yaml:"mode"`
	URL  string `json:"url,omitempty" yaml:"url,omitempty"`
}

// Loopback reports whether the config stays on this machine. A config
// without a URL is local.
func (n NetworkConfig) Loopback() (bool, error) {
	if n.URL == "" {
		return true, nil
	}
	u, err := url.Parse(n.URL)
	if err != nil {
		return false, fmt.Errorf("parse network url: %w", err)
	}
	host := u.Hostname()
	if host == "" {
		return false, fmt.Errorf("network url %q has no host", n.URL)
	}
	if host == "localhost" {
		return true, nil
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback(), nil
}

// AgentConfig declares one agent of a scenario.
type AgentConfig struct {
	Alias    string         `json:"alias" yaml:"alias"`
	Network  NetworkConfig  `json:"network" yaml:"network"`
	Settings map[string]any `json:"settings,omitempty" yaml:"settings,omitempty"`
}

// ProvisionSpec is everything a conductor needs to start a scenario's
// instances. Scope identifies the scenario invocation.
type ProvisionSpec struct {
	Scope  string        `json:"scope"`
	App    AppRef        `json:"app"`
	Agents []AgentConfig `json:"agents"`
}

// Instance is one running application instance bound to an agent.
type Instance struct {
	ID           string `json:"id"`
	Alias        string `json:"alias"`
	AgentAddress string `json:"agent_address"`
}

// CallRequest addresses a function on an instance.
type CallRequest struct {
	InstanceID string         `json:"instance_id"`
	Capability string         `json:"capability"`
	Function   string         `json:"function"`
	Args       payload.Object `json:"args"`
}
