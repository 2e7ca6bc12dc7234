package harness

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/ensemble/internal/conductor"
	"github.com/roach88/ensemble/internal/payload"
	"github.com/roach88/ensemble/internal/signature"
)

// Scenario is a declarative scenario loaded from YAML.
type Scenario struct {
	// Name uniquely identifies this scenario.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Mode is normal, skip or only. Empty means normal.
	Mode Mode `yaml:"mode,omitempty"`

	// Timeout overrides the default scenario timeout.
	Timeout time.Duration `yaml:"timeout,omitempty"`

	// Agents lists the agents to provision, by alias or full config.
	Agents []AgentSpec `yaml:"agents"`

	Steps []Step `yaml:"steps"`

	// Path is the file the scenario was loaded from.
	Path string `yaml:"-"`
}

// AgentSpec declares an agent. A bare string is an alias on the
// default network.
type AgentSpec struct {
	Alias    string                  `yaml:"alias"`
	Network  conductor.NetworkConfig `yaml:"network,omitempty"`
	Settings map[string]any          `yaml:"settings,omitempty"`
}

func (a *AgentSpec) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		a.Alias = node.Value
		return nil
	}
	type plain AgentSpec
	return node.Decode((*plain)(a))
}

// Step is either a call or a consistency wait.
type Step struct {
	// Agent is the alias issuing the call.
	Agent string `yaml:"agent,omitempty"`

	// Call is "capability.function".
	Call string `yaml:"call,omitempty"`

	// Args are the call arguments. A string of the form ${name} is
	// replaced by a value saved by an earlier step.
	Args map[string]any `yaml:"args,omitempty"`

	Expect *Expect `yaml:"expect,omitempty"`

	// Consistency waits for all agents to converge.
	Consistency bool `yaml:"consistency,omitempty"`

	// ConsistencyTimeout overrides the default barrier timeout.
	ConsistencyTimeout time.Duration `yaml:"consistency_timeout,omitempty"`
}

// Expect checks a call result.
type Expect struct {
	// Case is ok, err or any. Empty means ok.
	Case string `yaml:"case,omitempty"`

	// Fields is a subset match on an object result.
	Fields map[string]any `yaml:"fields,omitempty"`

	// Equals compares the whole result payload.
	Equals any `yaml:"equals,omitempty"`

	// IsNull expects a null payload.
	IsNull bool `yaml:"is_null,omitempty"`

	// Save stores the result payload under a name for later steps.
	Save string `yaml:"save,omitempty"`
}

// Expected result cases.
const (
	CaseOk  = "ok"
	CaseErr = "err"
	CaseAny = "any"
)

// LoadScenario reads and validates a scenario file. Call arguments are
// checked against registry when it is not nil.
func LoadScenario(path string, registry *signature.Registry) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}

	scenario, err := ParseScenario(data, registry)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	scenario.Path = path
	return scenario, nil
}

// ParseScenario decodes YAML with strict field validation.
func ParseScenario(data []byte, registry *signature.Registry) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario, registry); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// LoadScenarioDir loads every *.yaml and *.yml file in dir in name order.
func LoadScenarioDir(dir string, registry *signature.Registry) ([]*Scenario, error) {
	var paths []string
	for _, pattern := range []string{"*.yaml", "*.yml"} {
		matches, err := filepath.Glob(filepath.Join(dir, pattern))
		if err != nil {
			return nil, err
		}
		paths = append(paths, matches...)
	}
	sort.Strings(paths)

	scenarios := make([]*Scenario, 0, len(paths))
	for _, p := range paths {
		s, err := LoadScenario(p, registry)
		if err != nil {
			return nil, err
		}
		scenarios = append(scenarios, s)
	}
	return scenarios, nil
}

var varRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario, registry *signature.Registry) error {
	if s.Name == "" {
		return errors.New("name is required")
	}
	if s.Description == "" {
		return errors.New("description is required")
	}
	switch s.Mode {
	case "", ModeNormal, ModeSkip, ModeOnly:
	default:
		return fmt.Errorf("unknown mode %q", s.Mode)
	}
	if s.Timeout < 0 {
		return errors.New("timeout must not be negative")
	}
	if len(s.Steps) == 0 {
		return errors.New("steps list is required and must be non-empty")
	}

	agents := make(map[string]bool, len(s.Agents))
	for i, a := range s.Agents {
		if a.Alias == "" {
			return fmt.Errorf("agents[%d]: alias is required", i)
		}
		if agents[a.Alias] {
			return fmt.Errorf("agents[%d]: duplicate alias %q", i, a.Alias)
		}
		agents[a.Alias] = true
	}

	saved := make(map[string]bool)
	for i, step := range s.Steps {
		if step.Consistency {
			if step.Call != "" || step.Agent != "" || step.Args != nil || step.Expect != nil {
				return fmt.Errorf("steps[%d]: consistency step takes no call fields", i)
			}
			continue
		}
		if step.ConsistencyTimeout != 0 {
			return fmt.Errorf("steps[%d]: consistency_timeout needs consistency: true", i)
		}
		if step.Call == "" {
			return fmt.Errorf("steps[%d]: call or consistency is required", i)
		}
		if !agents[step.Agent] {
			return fmt.Errorf("steps[%d]: agent %q is not declared", i, step.Agent)
		}
		capability, function, err := splitCall(step.Call)
		if err != nil {
			return fmt.Errorf("steps[%d]: %w", i, err)
		}

		args, err := payload.ObjectFromAny(step.Args)
		if err != nil {
			return fmt.Errorf("steps[%d]: args: %w", i, err)
		}
		for _, ref := range references(args) {
			if !saved[ref] {
				return fmt.Errorf("steps[%d]: ${%s} is not saved by an earlier step", i, ref)
			}
		}
		if registry != nil {
			if _, err := registry.Validate(capability, function, args); err != nil {
				return fmt.Errorf("steps[%d]: %w", i, err)
			}
		}

		if e := step.Expect; e != nil {
			switch e.Case {
			case "", CaseOk, CaseErr, CaseAny:
			default:
				return fmt.Errorf("steps[%d].expect: unknown case %q", i, e.Case)
			}
			if e.Equals != nil && e.IsNull {
				return fmt.Errorf("steps[%d].expect: equals and is_null are exclusive", i)
			}
			if e.Equals != nil {
				want, err := payload.FromAny(e.Equals)
				if err != nil {
					return fmt.Errorf("steps[%d].expect.equals: %w", i, err)
				}
				for _, ref := range references(want) {
					if !saved[ref] {
						return fmt.Errorf("steps[%d].expect.equals: ${%s} is not saved by an earlier step", i, ref)
					}
				}
			}
			if e.Save != "" {
				saved[e.Save] = true
			}
		}
	}
	return nil
}

func splitCall(call string) (string, string, error) {
	capability, function, ok := strings.Cut(call, ".")
	if !ok || capability == "" || function == "" {
		return "", "", fmt.Errorf("call %q must be capability.function", call)
	}
	return capability, function, nil
}

// references lists ${name} references in string values of v.
func references(v payload.Value) []string {
	var out []string
	switch val := v.(type) {
	case payload.String:
		for _, m := range varRef.FindAllStringSubmatch(string(val), -1) {
			out = append(out, m[1])
		}
	case payload.Array:
		for _, elem := range val {
			out = append(out, references(elem)...)
		}
	case payload.Object:
		for _, k := range val.SortedKeys() {
			out = append(out, references(val[k])...)
		}
	}
	return out
}

// substitute replaces ${name} references with saved values. A string that
// is exactly one reference takes the saved value whatever its type.
func substitute(v payload.Value, vars map[string]payload.Value) (payload.Value, error) {
	switch val := v.(type) {
	case payload.String:
		s := string(val)
		if m := varRef.FindStringSubmatch(s); m != nil && m[0] == s {
			saved, ok := vars[m[1]]
			if !ok {
				return nil, fmt.Errorf("${%s} is not set", m[1])
			}
			return saved, nil
		}
		var missing error
		out := varRef.ReplaceAllStringFunc(s, func(ref string) string {
			name := varRef.FindStringSubmatch(ref)[1]
			saved, ok := vars[name]
			if !ok {
				missing = fmt.Errorf("${%s} is not set", name)
				return ref
			}
			if str, ok := saved.(payload.String); ok {
				return string(str)
			}
			return payload.Format(saved)
		})
		if missing != nil {
			return nil, missing
		}
		return payload.String(out), nil
	case payload.Array:
		out := make(payload.Array, len(val))
		for i, elem := range val {
			sub, err := substitute(elem, vars)
			if err != nil {
				return nil, err
			}
			out[i] = sub
		}
		return out, nil
	case payload.Object:
		out := make(payload.Object, len(val))
		for k, elem := range val {
			sub, err := substitute(elem, vars)
			if err != nil {
				return nil, err
			}
			out[k] = sub
		}
		return out, nil
	default:
		return v, nil
	}
}

// Options returns the registration options the file declares.
func (s *Scenario) Options() []ScenarioOption {
	var opts []ScenarioOption
	for _, a := range s.Agents {
		opts = append(opts, WithAgentConfigs(conductor.AgentConfig{Alias: a.Alias, Network: a.Network, Settings: a.Settings}))
	}
	if s.Timeout > 0 {
		opts = append(opts, WithTimeout(s.Timeout))
	}
	switch s.Mode {
	case ModeSkip:
		opts = append(opts, Skip())
	case ModeOnly:
		opts = append(opts, Only())
	}
	return opts
}

// Body compiles the steps into a scenario body. Assertions are located
// at the scenario file and step number.
func (s *Scenario) Body() Body {
	source := s.Name
	if s.Path != "" {
		source = filepath.Base(s.Path)
	}

	return func(ctx context.Context, agents *Agents, t *T) error {
		vars := make(map[string]payload.Value)

		for i, step := range s.Steps {
			at := t.At(fmt.Sprintf("%s step %d", source, i+1))

			if step.Consistency {
				var err error
				if step.ConsistencyTimeout > 0 {
					err = agents.ConsistencyWithin(ctx, step.ConsistencyTimeout)
				} else {
					err = agents.Consistency(ctx)
				}
				if err != nil {
					return err
				}
				continue
			}

			handle, ok := agents.Get(step.Agent)
			if !ok {
				return fmt.Errorf("step %d: agent %q not provisioned", i+1, step.Agent)
			}
			capability, function, err := splitCall(step.Call)
			if err != nil {
				return fmt.Errorf("step %d: %w", i+1, err)
			}
			raw, err := payload.ObjectFromAny(step.Args)
			if err != nil {
				return fmt.Errorf("step %d: %w", i+1, err)
			}
			args, err := substitute(raw, vars)
			if err != nil {
				return fmt.Errorf("step %d: %w", i+1, err)
			}

			result := handle.Call(ctx, capability, function, args.(payload.Object))
			label := step.Agent + " " + step.Call
			matched, err := checkExpect(at, label, result, step.Expect, vars)
			if err != nil {
				return fmt.Errorf("step %d: %w", i+1, err)
			}
			// A result of the wrong case is not saved, so later steps
			// fail on the missing variable instead of its payload.
			if matched && step.Expect != nil && step.Expect.Save != "" {
				if result.Kind() == conductor.KindTransport {
					return fmt.Errorf("step %d: nothing to save: %w", i+1, result.Err())
				}
				vars[step.Expect.Save] = result.Value()
			}
		}
		return nil
	}
}

// checkExpect records the assertions of e against result. It reports
// whether the result had the expected case.
func checkExpect(t *T, label string, result conductor.CallResult, e *Expect, vars map[string]payload.Value) (bool, error) {
	if e == nil {
		e = &Expect{}
	}
	switch e.Case {
	case "", CaseOk:
		if !t.IsOk(result, label) {
			return false, nil
		}
	case CaseErr:
		if !t.IsAppError(result, label) {
			return false, nil
		}
	case CaseAny:
		if result.Kind() == conductor.KindTransport {
			t.Fail(label + ": transport failure: " + result.Err().Error())
			return false, nil
		}
	}

	if e.Fields != nil {
		t.Fields(result.Value(), e.Fields, label)
	}
	if e.IsNull {
		t.Equal(payload.Value(payload.Null{}), result.Value(), label)
	}
	if e.Equals != nil {
		want, err := payload.FromAny(e.Equals)
		if err != nil {
			return true, fmt.Errorf("expect.equals: %w", err)
		}
		if want, err = substitute(want, vars); err != nil {
			return true, fmt.Errorf("expect.equals: %w", err)
		}
		t.Equal(want, result.Value(), label)
	}
	return true, nil
}

// RegisterScenario registers a loaded scenario with o.
func RegisterScenario(o *Orchestrator, s *Scenario) error {
	return o.Register(s.Name, s.Body(), s.Options()...)
}
