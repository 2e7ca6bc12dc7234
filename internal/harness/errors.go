package harness

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrHandleClosed is the transport error of calls on a torn-down handle.
var ErrHandleClosed = errors.New("agent handle closed")

// DuplicateNameError is returned by Register when the name is taken.
type DuplicateNameError struct {
	Name string
}

func (e *DuplicateNameError) Error() string {
	return fmt.Sprintf("scenario %q is already registered", e.Name)
}

// ConfigurationError aborts a run before any scenario executes.
type ConfigurationError struct {
	Scenario string
	Reason   string
	Err      error
}

func (e *ConfigurationError) Error() string {
	var buf strings.Builder
	buf.WriteString("configuration error")
	if e.Scenario != "" {
		fmt.Fprintf(&buf, " in scenario %q", e.Scenario)
	}
	buf.WriteString(": ")
	buf.WriteString(e.Reason)
	if e.Err != nil {
		fmt.Fprintf(&buf, ": %v", e.Err)
	}
	return buf.String()
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// ScenarioRuntimeError wraps a scenario body that returned an error,
// panicked or outlived its timeout.
type ScenarioRuntimeError struct {
	Scenario string
	Err      error

	// Panic is the recovered value when the body panicked.
	Panic any
	Stack []byte
}

func (e *ScenarioRuntimeError) Error() string {
	if e.Panic != nil {
		return fmt.Sprintf("scenario %q panicked: %v", e.Scenario, e.Panic)
	}
	return fmt.Sprintf("scenario %q: %v", e.Scenario, e.Err)
}

func (e *ScenarioRuntimeError) Unwrap() error { return e.Err }

// ConsistencyTimeoutError is returned by the barrier when the conductor
// does not settle in time.
type ConsistencyTimeoutError struct {
	Agents  []string
	Timeout time.Duration
	Err     error
}

func (e *ConsistencyTimeoutError) Error() string {
	return fmt.Sprintf("consistency not reached for [%s] within %s", strings.Join(e.Agents, ", "), e.Timeout)
}

func (e *ConsistencyTimeoutError) Unwrap() error { return e.Err }

// TeardownError records a failed instance teardown. It never changes a
// scenario's verdict.
type TeardownError struct {
	Scenario string
	Err      error
}

func (e *TeardownError) Error() string {
	return fmt.Sprintf("teardown of scenario %q: %v", e.Scenario, e.Err)
}

func (e *TeardownError) Unwrap() error { return e.Err }
