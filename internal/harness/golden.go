package harness

import (
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/ensemble/internal/payload"
)

// Snapshot is the time-independent part of a run report. Run IDs,
// timestamps and durations are left out so that snapshots are stable.
func Snapshot(report *RunReport) map[string]any {
	scenarios := make([]any, len(report.Scenarios))
	for i, sc := range report.Scenarios {
		entry := map[string]any{
			"name":            sc.Name,
			"status":          string(sc.Status),
			"assertion_count": sc.AssertionCount,
		}
		if sc.Vacuous {
			entry["vacuous"] = true
		}
		if sc.FailureKind != "" {
			entry["failure_kind"] = string(sc.FailureKind)
		}
		if sc.Error != "" {
			entry["error"] = sc.Error
		}
		if sc.TeardownError != "" {
			entry["teardown_error"] = sc.TeardownError
		}
		if len(sc.Failures) > 0 {
			failures := make([]any, len(sc.Failures))
			for j, f := range sc.Failures {
				failures[j] = map[string]any{"detail": f.Detail, "location": f.Location}
			}
			entry["failures"] = failures
		}
		scenarios[i] = entry
	}

	out := map[string]any{
		"scenarios": scenarios,
		"exit_code": report.ExitCode(),
	}
	if report.Aborted {
		out["aborted"] = true
		out["error"] = report.Error
	}
	return out
}

// AssertGoldenReport compares the canonical JSON snapshot of report with
// testdata/golden/{name}.golden.
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
func AssertGoldenReport(t *testing.T, name string, report *RunReport) {
	t.Helper()

	data, err := payload.MarshalCanonical(Snapshot(report))
	if err != nil {
		t.Fatalf("snapshot %s: %v", name, err)
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, name, data)
}
