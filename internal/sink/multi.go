package sink

import "github.com/roach88/ensemble/internal/harness"

// Multi forwards every event to each reporter in order.
type Multi []harness.Reporter

var _ harness.Reporter = Multi(nil)

func (m Multi) OnScenarioStart(name string) {
	for _, r := range m {
		r.OnScenarioStart(name)
	}
}

func (m Multi) OnAssertion(scenario string, a harness.Assertion) {
	for _, r := range m {
		r.OnAssertion(scenario, a)
	}
}

func (m Multi) OnScenarioEnd(report *harness.ScenarioReport) {
	for _, r := range m {
		r.OnScenarioEnd(report)
	}
}

func (m Multi) OnRunEnd(report *harness.RunReport) {
	for _, r := range m {
		r.OnRunEnd(report)
	}
}
