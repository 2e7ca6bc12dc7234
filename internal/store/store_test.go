package store

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/roach88/ensemble/internal/harness"
)

func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "history.db")
	s, err := Open(path, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testRun(id string, started time.Time) *harness.RunReport {
	return &harness.RunReport{
		RunID:      id,
		StartedAt:  started,
		FinishedAt: started.Add(2 * time.Second),
		Scenarios: []*harness.ScenarioReport{
			{Name: "hi_holo", Status: harness.StatusPassed, AssertionCount: 1, Duration: time.Millisecond},
			{
				Name:           "wrong_title",
				Status:         harness.StatusFailed,
				FailureKind:    harness.FailureAssertion,
				AssertionCount: 2,
				Failures:       []harness.Failure{{Detail: "title mismatch", Location: "05.yaml step 2"}},
			},
			{Name: "homework", Status: harness.StatusSkipped},
		},
	}
}

func TestOpen_CreatesNewDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")

	s, err := Open(path, nil)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer s.Close()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		t.Error("database file was not created")
	}
}

func TestOpen_Idempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")

	for i := 0; i < 3; i++ {
		s, err := Open(path, nil)
		if err != nil {
			t.Fatalf("Open() iteration %d failed: %v", i, err)
		}
		s.Close()
	}
}

func TestOpen_Pragmas(t *testing.T) {
	s := createTestStore(t)

	for name, want := range map[string]string{
		"journal_mode": "wal",
		"foreign_keys": "1",
		"busy_timeout": "5000",
		"user_version": "1",
	} {
		if err := s.verifyPragma(name, want); err != nil {
			t.Error(err)
		}
	}
}

func TestReporter_RecordsRunAtEnd(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	run := testRun("run-0001", time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC))

	s.OnScenarioStart("hi_holo")
	s.OnAssertion("hi_holo", harness.Assertion{Passed: true, Detail: "ok"})
	s.OnScenarioEnd(run.Scenarios[0])
	s.OnScenarioStart("wrong_title")
	s.OnAssertion("wrong_title", harness.Assertion{Passed: true, Detail: "created"})
	s.OnAssertion("wrong_title", harness.Assertion{Passed: false, Detail: "title mismatch", Location: "05.yaml step 2"})
	s.OnScenarioEnd(run.Scenarios[1])

	runs, err := s.ListRuns(ctx, 0)
	if err != nil {
		t.Fatalf("ListRuns() failed: %v", err)
	}
	if len(runs) != 0 {
		t.Fatalf("run written before it ended: %+v", runs)
	}

	s.OnRunEnd(run)

	got, err := s.GetRun(ctx, "run-0001")
	if err != nil {
		t.Fatalf("GetRun() failed: %v", err)
	}
	if len(got.Scenarios) != 3 {
		t.Fatalf("got %d scenarios, want 3", len(got.Scenarios))
	}
	if got.Scenarios[1].Status != harness.StatusFailed || got.Scenarios[1].FailureKind != harness.FailureAssertion {
		t.Errorf("scenario 1 = %+v", got.Scenarios[1])
	}
	if len(got.Scenarios[1].Failures) != 1 || got.Scenarios[1].Failures[0].Location != "05.yaml step 2" {
		t.Errorf("failures = %+v", got.Scenarios[1].Failures)
	}
	if got.Scenarios[0].Duration != time.Millisecond {
		t.Errorf("duration = %v", got.Scenarios[0].Duration)
	}
	if !got.StartedAt.Equal(run.StartedAt) {
		t.Errorf("started_at = %v, want %v", got.StartedAt, run.StartedAt)
	}
	if got.ExitCode() != harness.ExitFailure {
		t.Errorf("exit code = %d, want %d", got.ExitCode(), harness.ExitFailure)
	}

	all, err := s.Assertions(ctx, "run-0001", "wrong_title")
	if err != nil {
		t.Fatalf("Assertions() failed: %v", err)
	}
	if len(all) != 2 || !all[0].Passed || all[1].Passed {
		t.Errorf("assertions = %+v", all)
	}
}

func TestReporter_BufferResetsBetweenRuns(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	start := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)

	s.OnAssertion("hi_holo", harness.Assertion{Passed: true, Detail: "first"})
	s.OnRunEnd(testRun("run-0001", start))
	s.OnAssertion("hi_holo", harness.Assertion{Passed: true, Detail: "second"})
	s.OnRunEnd(testRun("run-0002", start.Add(time.Minute)))

	got, err := s.Assertions(ctx, "run-0002", "hi_holo")
	if err != nil {
		t.Fatalf("Assertions() failed: %v", err)
	}
	if len(got) != 1 || got[0].Detail != "second" {
		t.Errorf("assertions = %+v", got)
	}
}

func TestListRuns_NewestFirst(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	start := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)

	for i, id := range []string{"run-0001", "run-0002", "run-0003"} {
		if err := s.SaveRun(ctx, testRun(id, start.Add(time.Duration(i)*time.Hour))); err != nil {
			t.Fatalf("SaveRun(%s) failed: %v", id, err)
		}
	}

	runs, err := s.ListRuns(ctx, 2)
	if err != nil {
		t.Fatalf("ListRuns() failed: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("got %d runs, want 2", len(runs))
	}
	if runs[0].ID != "run-0003" || runs[1].ID != "run-0002" {
		t.Errorf("order = %s, %s", runs[0].ID, runs[1].ID)
	}
	if runs[0].Scenarios != 3 || runs[0].Failed != 1 || runs[0].ExitCode != harness.ExitFailure {
		t.Errorf("summary = %+v", runs[0])
	}
}

func TestSaveRun_DuplicateIDFails(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	run := testRun("run-0001", time.Now())

	if err := s.SaveRun(ctx, run); err != nil {
		t.Fatalf("first SaveRun() failed: %v", err)
	}
	if err := s.SaveRun(ctx, run); err == nil {
		t.Fatal("second SaveRun() succeeded, want constraint error")
	}

	got, err := s.GetRun(ctx, "run-0001")
	if err != nil {
		t.Fatalf("GetRun() failed: %v", err)
	}
	if len(got.Scenarios[1].Failures) != 1 {
		t.Errorf("rolled back write leaked rows: %+v", got.Scenarios[1].Failures)
	}
}

func TestSaveRun_Aborted(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	run := &harness.RunReport{RunID: "run-0001", Aborted: true, Error: "bad config", StartedAt: time.Now(), FinishedAt: time.Now()}

	if err := s.SaveRun(ctx, run); err != nil {
		t.Fatalf("SaveRun() failed: %v", err)
	}
	got, err := s.GetRun(ctx, "run-0001")
	if err != nil {
		t.Fatalf("GetRun() failed: %v", err)
	}
	if !got.Aborted || got.Error != "bad config" || got.ExitCode() != harness.ExitConfiguration {
		t.Errorf("got %+v", got)
	}
}

func TestGetRun_NotFound(t *testing.T) {
	s := createTestStore(t)

	_, err := s.GetRun(context.Background(), "missing")
	if !errors.Is(err, ErrRunNotFound) {
		t.Fatalf("err = %v, want ErrRunNotFound", err)
	}
}
