package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/ensemble/internal/conductor/sim"
	"github.com/roach88/ensemble/internal/config"
	"github.com/roach88/ensemble/internal/natsbus"
	"github.com/roach88/ensemble/internal/rpc"
)

const shutdownTimeout = 5 * time.Second

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Listen string
	NATS   bool
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the simulated conductor over WebSocket and NATS",
		Long: `Expose an in-memory simulated conductor so that scenario runs in
other processes can use it with conductor.kind websocket or nats.

The WebSocket endpoint is served at the root path of --listen. With
--nats an embedded NATS server bound to loopback answers on the
conductor subject as well.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			if opts.Listen != "" {
				cfg.Serve.Listen = opts.Listen
			}
			if opts.NATS {
				cfg.Serve.NATS = true
			}
			logger := opts.logger(cmd.ErrOrStderr())

			srv, err := startServer(cfg, logger)
			if err != nil {
				return WrapExitError(ExitInfrastructure, "start conductor server", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "conductor listening on %s\n", srv.WebSocketURL())
			if srv.bus != nil {
				fmt.Fprintf(cmd.OutOrStdout(), "conductor on nats %s subject %s\n", srv.NATSURL(), srv.subject)
			}

			<-cmd.Context().Done()
			return srv.Close()
		},
	}

	cmd.Flags().StringVar(&opts.Listen, "listen", "", "WebSocket listen address (default from config, 127.0.0.1:9000)")
	cmd.Flags().BoolVar(&opts.NATS, "nats", false, "also serve on an embedded NATS bus")

	return cmd
}

type conductorServer struct {
	conductor *sim.Conductor
	listener  net.Listener
	http      *http.Server
	logger    *slog.Logger

	bus     *natsbus.Bus
	client  *natsbus.Client
	subject string
}

func startServer(cfg *config.Config, logger *slog.Logger) (*conductorServer, error) {
	s := &conductorServer{
		conductor: sim.New(sim.Options{
			PropagationDelay: cfg.Conductor.PropagationDelay,
			Partitioned:      cfg.Conductor.Partitioned,
			Logger:           logger,
		}),
		logger:  logger,
		subject: natsbus.TopicConductor(cfg.Conductor.Subject),
	}

	ln, err := net.Listen("tcp", cfg.Serve.Listen)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", cfg.Serve.Listen, err)
	}
	s.listener = ln

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "ok instances=%d\n", s.conductor.Instances())
	})
	mux.Handle("/", rpc.NewWebSocketHandler(s.conductor, logger))
	s.http = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("conductor server stopped", "error", err)
		}
	}()

	if cfg.Serve.NATS {
		bus, err := natsbus.New(natsbus.Options{Host: cfg.NATS.Host, Port: cfg.NATS.Port, LocalOnly: true})
		if err != nil {
			_ = s.Close()
			return nil, err
		}
		s.bus = bus
		client, err := natsbus.NewClient(bus)
		if err != nil {
			_ = s.Close()
			return nil, err
		}
		s.client = client
		if _, err := rpc.ServeNATS(client, s.subject, s.conductor, logger); err != nil {
			_ = s.Close()
			return nil, err
		}
	}

	logger.Info("conductor server started", "addr", ln.Addr().String(), "nats", s.bus != nil)
	return s, nil
}

func (s *conductorServer) WebSocketURL() string {
	return "ws://" + s.listener.Addr().String()
}

func (s *conductorServer) NATSURL() string {
	if s.bus == nil {
		return ""
	}
	return s.bus.ClientURL()
}

func (s *conductorServer) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var err error
	if s.http != nil {
		err = s.http.Shutdown(ctx)
	}
	if s.client != nil {
		s.client.Close()
	}
	if s.bus != nil {
		s.bus.Close()
	}
	return err
}
