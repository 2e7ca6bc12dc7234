package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/ensemble/internal/harness"
)

// ErrRunNotFound is returned by GetRun for an unknown run ID.
var ErrRunNotFound = errors.New("run not found")

// RunSummary is one row of ListRuns.
type RunSummary struct {
	ID         string
	StartedAt  time.Time
	FinishedAt time.Time
	Aborted    bool
	ExitCode   int
	Scenarios  int
	Failed     int
}

// ListRuns returns up to limit runs, newest first. A limit <= 0 returns all.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]RunSummary, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT r.id, r.started_at, r.finished_at, r.aborted, r.exit_code,
		       COUNT(sc.position),
		       COALESCE(SUM(CASE WHEN sc.status = 'failed' THEN 1 ELSE 0 END), 0)
		FROM runs r
		LEFT JOIN scenarios sc ON sc.run_id = r.id
		GROUP BY r.id
		ORDER BY r.started_at DESC, r.id COLLATE BINARY DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	runs := []RunSummary{}
	for rows.Next() {
		var r RunSummary
		var started, finished int64
		if err := rows.Scan(&r.ID, &started, &finished, &r.Aborted, &r.ExitCode, &r.Scenarios, &r.Failed); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		r.StartedAt = time.Unix(0, started).UTC()
		r.FinishedAt = time.Unix(0, finished).UTC()
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return runs, nil
}

// GetRun rebuilds the report of a stored run.
func (s *Store) GetRun(ctx context.Context, id string) (*harness.RunReport, error) {
	report := &harness.RunReport{RunID: id, Scenarios: []*harness.ScenarioReport{}}
	var started, finished int64
	err := s.db.QueryRowContext(ctx, `
		SELECT started_at, finished_at, aborted, error FROM runs WHERE id = ?
	`, id).Scan(&started, &finished, &report.Aborted, &report.Error)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("query run %s: %w", id, err)
	}
	report.StartedAt = time.Unix(0, started).UTC()
	report.FinishedAt = time.Unix(0, finished).UTC()

	rows, err := s.db.QueryContext(ctx, `
		SELECT name, status, failure_kind, error, teardown_error, assertion_count, vacuous, duration_ns
		FROM scenarios
		WHERE run_id = ?
		ORDER BY position ASC
	`, id)
	if err != nil {
		return nil, fmt.Errorf("query scenarios: %w", err)
	}
	defer rows.Close()

	byName := map[string]*harness.ScenarioReport{}
	for rows.Next() {
		var sc harness.ScenarioReport
		var status, kind string
		var duration int64
		if err := rows.Scan(&sc.Name, &status, &kind, &sc.Error, &sc.TeardownError, &sc.AssertionCount, &sc.Vacuous, &duration); err != nil {
			return nil, fmt.Errorf("scan scenario: %w", err)
		}
		sc.Status = harness.Status(status)
		sc.FailureKind = harness.FailureKind(kind)
		sc.Duration = time.Duration(duration)
		report.Scenarios = append(report.Scenarios, &sc)
		byName[sc.Name] = &sc
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate scenarios: %w", err)
	}

	failures, err := s.failures(ctx, id)
	if err != nil {
		return nil, err
	}
	for _, f := range failures {
		if sc, ok := byName[f.scenario]; ok {
			sc.Failures = append(sc.Failures, harness.Failure{Detail: f.Detail, Location: f.Location})
		}
	}
	return report, nil
}

// Assertions returns every recorded assertion of one scenario in order.
func (s *Store) Assertions(ctx context.Context, runID, scenario string) ([]harness.Assertion, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT passed, detail, location FROM assertions
		WHERE run_id = ? AND scenario = ?
		ORDER BY seq ASC
	`, runID, scenario)
	if err != nil {
		return nil, fmt.Errorf("query assertions: %w", err)
	}
	defer rows.Close()

	out := []harness.Assertion{}
	for rows.Next() {
		var a harness.Assertion
		if err := rows.Scan(&a.Passed, &a.Detail, &a.Location); err != nil {
			return nil, fmt.Errorf("scan assertion: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate assertions: %w", err)
	}
	return out, nil
}

func (s *Store) failures(ctx context.Context, runID string) ([]pendingAssertion, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT scenario, detail, location FROM assertions
		WHERE run_id = ? AND passed = 0
		ORDER BY seq ASC
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("query failures: %w", err)
	}
	defer rows.Close()

	var out []pendingAssertion
	for rows.Next() {
		var p pendingAssertion
		if err := rows.Scan(&p.scenario, &p.Detail, &p.Location); err != nil {
			return nil, fmt.Errorf("scan failure: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
