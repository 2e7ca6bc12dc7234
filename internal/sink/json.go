package sink

import (
	"encoding/json"
	"io"

	"github.com/roach88/ensemble/internal/harness"
)

// Event is one JSON line.
type Event struct {
	Event     string                  `json:"event"`
	Scenario  string                  `json:"scenario,omitempty"`
	Assertion *harness.Assertion      `json:"assertion,omitempty"`
	Result    *harness.ScenarioReport `json:"result,omitempty"`
	Run       *harness.RunReport      `json:"run,omitempty"`
}

// Event names.
const (
	EventScenarioStart = "scenario_start"
	EventAssertion     = "assertion"
	EventScenarioEnd   = "scenario_end"
	EventRunEnd        = "run_end"
)

// JSON writes one Event per line.
type JSON struct {
	enc *json.Encoder
}

var _ harness.Reporter = (*JSON)(nil)

func NewJSON(w io.Writer) *JSON {
	return &JSON{enc: json.NewEncoder(w)}
}

func (s *JSON) emit(e Event) {
	_ = s.enc.Encode(e)
}

func (s *JSON) OnScenarioStart(name string) {
	s.emit(Event{Event: EventScenarioStart, Scenario: name})
}

func (s *JSON) OnAssertion(scenario string, a harness.Assertion) {
	s.emit(Event{Event: EventAssertion, Scenario: scenario, Assertion: &a})
}

func (s *JSON) OnScenarioEnd(r *harness.ScenarioReport) {
	s.emit(Event{Event: EventScenarioEnd, Scenario: r.Name, Result: r})
}

func (s *JSON) OnRunEnd(r *harness.RunReport) {
	s.emit(Event{Event: EventRunEnd, Run: r})
}
