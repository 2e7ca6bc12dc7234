package cli

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/ensemble/internal/config"
)

func startTestServer(t *testing.T) *conductorServer {
	t.Helper()
	cfg := config.Default()
	cfg.Serve.Listen = "127.0.0.1:0"
	cfg.Serve.NATS = true
	cfg.NATS.Port = 0
	cfg.Conductor.PropagationDelay = 10 * time.Millisecond

	srv, err := startServer(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	t.Cleanup(func() { _ = srv.Close() })
	return srv
}

func TestServe_Healthz(t *testing.T) {
	srv := startTestServer(t)

	url := "http://" + strings.TrimPrefix(srv.WebSocketURL(), "ws://") + "/healthz"
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "ok instances=0\n", string(body))
}

func TestServe_ScenariosOverEachTransport(t *testing.T) {
	srv := startTestServer(t)

	tests := []struct {
		kind string
		url  string
	}{
		{config.ConductorWebSocket, srv.WebSocketURL()},
		{config.ConductorNATS, srv.NATSURL()},
	}
	for _, tt := range tests {
		t.Run(tt.kind, func(t *testing.T) {
			cfg := writeFile(t, t.TempDir(), "ensemble.yaml",
				fmt.Sprintf("conductor:\n  kind: %s\n  url: %s\n", tt.kind, tt.url))

			out, err := execute(t, "test", scenariosDir, "--config", cfg)
			require.NoError(t, err, out)
			assert.Contains(t, out, "# pass  6")
		})
	}
	assert.Equal(t, 0, srv.conductor.Instances(), "every scenario tore down its instances")
}

func TestServe_ListenError(t *testing.T) {
	srv := startTestServer(t)

	cfg := config.Default()
	cfg.Serve.Listen = strings.TrimPrefix(srv.WebSocketURL(), "ws://")
	_, err := startServer(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "listen")
}

