package store

import (
	"context"
	"fmt"
	"time"

	"github.com/roach88/ensemble/internal/harness"
)

const saveTimeout = 10 * time.Second

func (s *Store) OnScenarioStart(string) {}

func (s *Store) OnAssertion(scenario string, a harness.Assertion) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = append(s.pending, pendingAssertion{scenario: scenario, Assertion: a})
}

func (s *Store) OnScenarioEnd(*harness.ScenarioReport) {}

// OnRunEnd persists the run with the assertions buffered since the last
// run ended. Errors are logged; history never changes a run's verdict.
func (s *Store) OnRunEnd(report *harness.RunReport) {
	s.mu.Lock()
	pending := s.pending
	s.pending = nil
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), saveTimeout)
	defer cancel()
	if err := s.save(ctx, report, pending); err != nil {
		s.logger.Error("failed to record run history", "run", report.RunID, "error", err)
	}
}

// SaveRun writes a finished run. Only the failing assertions carried by
// the report are stored.
func (s *Store) SaveRun(ctx context.Context, report *harness.RunReport) error {
	var failures []pendingAssertion
	for _, sc := range report.Scenarios {
		for _, f := range sc.Failures {
			failures = append(failures, pendingAssertion{
				scenario:  sc.Name,
				Assertion: harness.Assertion{Detail: f.Detail, Location: f.Location},
			})
		}
	}
	return s.save(ctx, report, failures)
}

func (s *Store) save(ctx context.Context, report *harness.RunReport, assertions []pendingAssertion) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("save run: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO runs (id, started_at, finished_at, aborted, error, exit_code)
		VALUES (?, ?, ?, ?, ?, ?)
	`,
		report.RunID,
		report.StartedAt.UnixNano(),
		report.FinishedAt.UnixNano(),
		report.Aborted,
		report.Error,
		report.ExitCode(),
	)
	if err != nil {
		return fmt.Errorf("save run %s: %w", report.RunID, err)
	}

	for i, sc := range report.Scenarios {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO scenarios
			(run_id, position, name, status, failure_kind, error, teardown_error, assertion_count, vacuous, duration_ns)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`,
			report.RunID,
			i,
			sc.Name,
			string(sc.Status),
			string(sc.FailureKind),
			sc.Error,
			sc.TeardownError,
			sc.AssertionCount,
			sc.Vacuous,
			int64(sc.Duration),
		)
		if err != nil {
			return fmt.Errorf("save scenario %q: %w", sc.Name, err)
		}
	}

	for i, a := range assertions {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO assertions (run_id, scenario, seq, passed, detail, location)
			VALUES (?, ?, ?, ?, ?, ?)
		`, report.RunID, a.scenario, i+1, a.Passed, a.Detail, a.Location)
		if err != nil {
			return fmt.Errorf("save assertion %d: %w", i+1, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit run %s: %w", report.RunID, err)
	}
	return nil
}
