package metrics

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/ensemble/internal/conductor/sim"
	"github.com/roach88/ensemble/internal/harness"
	"github.com/roach88/ensemble/internal/payload"
	"github.com/roach88/ensemble/internal/signature"
)

func runWithMetrics(t *testing.T, m *Metrics, register func(o *harness.Orchestrator)) *harness.RunReport {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	o := harness.New(
		sim.New(sim.Options{Logger: logger}),
		harness.WithLogger(logger),
		harness.WithMiddleware(m.Stage()),
		harness.WithDefaults(harness.Defaults{ScenarioTimeout: 2 * time.Second}),
	)
	register(o)
	report, err := o.Run(context.Background(), harness.RunOptions{})
	require.NoError(t, err)
	return report
}

func TestStageCountsScenariosAssertionsAndCalls(t *testing.T) {
	m := New()
	report := runWithMetrics(t, m, func(o *harness.Orchestrator) {
		require.NoError(t, o.Register("hello", func(ctx context.Context, agents *harness.Agents, tt *harness.T) error {
			r := agents.MustGet("alice").CallSignature(ctx, signature.HiHolo{})
			tt.IsOk(r)
			tt.Equal(payload.String("Hello Holo"), r.Value())
			return nil
		}, harness.WithAgents("alice")))
		require.NoError(t, o.Register("broken", func(context.Context, *harness.Agents, *harness.T) error {
			return errors.New("boom")
		}, harness.WithAgents("bob")))
		require.NoError(t, o.Register("later", func(context.Context, *harness.Agents, *harness.T) error {
			return nil
		}, harness.Skip()))
	})
	require.Len(t, report.Scenarios, 3)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.ScenariosTotal.WithLabelValues("passed", "")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ScenariosTotal.WithLabelValues("failed", "runtime")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ScenariosTotal.WithLabelValues("skipped", "")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.AssertionsTotal.WithLabelValues("pass")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CallsTotal.WithLabelValues("courses", "hi_holo", "ok")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.CallSeconds))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RunsTotal.WithLabelValues("1")))
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := New()
	m.RunsTotal.WithLabelValues("0").Inc()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	assert.Equal(t, 200, rec.Code)
	assert.Contains(t, rec.Body.String(), `ensemble_runs_total{exit_code="0"} 1`)
}

func TestWriteToTextfile(t *testing.T) {
	m := New()
	m.AssertionsTotal.WithLabelValues("fail").Add(3)

	path := filepath.Join(t.TempDir(), "ensemble.prom")
	require.NoError(t, m.WriteToTextfile(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(data), `ensemble_assertions_total{outcome="fail"} 3`))
}
