package harness

import "time"

// Status is the verdict of one scenario.
type Status string

const (
	StatusPassed  Status = "passed"
	StatusFailed  Status = "failed"
	StatusSkipped Status = "skipped"
)

// FailureKind says why a scenario failed.
type FailureKind string

const (
	FailureAssertion      FailureKind = "assertion"
	FailureRuntime        FailureKind = "runtime"
	FailureTimeout        FailureKind = "timeout"
	FailureInfrastructure FailureKind = "infrastructure"
)

// Process exit codes derived from a run.
const (
	ExitOK             = 0
	ExitFailure        = 1
	ExitConfiguration  = 2
	ExitInfrastructure = 3
)

// ScenarioReport is the outcome of one scenario.
type ScenarioReport struct {
	Name           string        `json:"name"`
	Status         Status        `json:"status"`
	AssertionCount int           `json:"assertion_count"`
	Vacuous        bool          `json:"vacuous,omitempty"`
	Failures       []Failure     `json:"failures,omitempty"`
	FailureKind    FailureKind   `json:"failure_kind,omitempty"`
	Error          string        `json:"error,omitempty"`
	TeardownError  string        `json:"teardown_error,omitempty"`
	Duration       time.Duration `json:"duration_ns"`
}

func (r *ScenarioReport) Passed() bool {
	return r.Status == StatusPassed
}

// FirstFailure returns the first failing assertion, or one built from the
// scenario error when no assertion failed.
func (r *ScenarioReport) FirstFailure() (Failure, bool) {
	if len(r.Failures) > 0 {
		return r.Failures[0], true
	}
	if r.Error != "" {
		return Failure{Detail: r.Error}, true
	}
	return Failure{}, false
}

// RunReport aggregates every scenario of a run in registration order.
type RunReport struct {
	RunID      string            `json:"run_id"`
	StartedAt  time.Time         `json:"started_at"`
	FinishedAt time.Time         `json:"finished_at"`
	Aborted    bool              `json:"aborted,omitempty"`
	Error      string            `json:"error,omitempty"`
	Scenarios  []*ScenarioReport `json:"scenarios"`
}

// Summary counts scenarios by outcome.
type Summary struct {
	Total   int `json:"total"`
	Passed  int `json:"passed"`
	Failed  int `json:"failed"`
	Skipped int `json:"skipped"`
	Vacuous int `json:"vacuous"`
}

func (r *RunReport) Summary() Summary {
	s := Summary{Total: len(r.Scenarios)}
	for _, sc := range r.Scenarios {
		switch sc.Status {
		case StatusPassed:
			s.Passed++
		case StatusFailed:
			s.Failed++
		case StatusSkipped:
			s.Skipped++
		}
		if sc.Vacuous {
			s.Vacuous++
		}
	}
	return s
}

// OK reports whether the run should exit with status 0.
func (r *RunReport) OK() bool {
	return r.ExitCode() == ExitOK
}

// ExitCode maps the run to a process exit status. Infrastructure and
// timeout failures outrank assertion failures.
func (r *RunReport) ExitCode() int {
	if r.Aborted {
		return ExitConfiguration
	}
	code := ExitOK
	for _, sc := range r.Scenarios {
		if sc.Status == StatusFailed {
			switch sc.FailureKind {
			case FailureInfrastructure, FailureTimeout:
				return ExitInfrastructure
			default:
				code = ExitFailure
			}
		}
		if sc.Vacuous {
			code = ExitFailure
		}
	}
	return code
}
