// Package natsbus runs an embedded NATS server that carries conductor
// traffic between the harness and a conductor process.
package natsbus

import (
	"errors"
	"fmt"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
)

// Options configures the embedded server.
type Options struct {
	Host string
	// Port 0 picks a random free port.
	Port int
	// LocalOnly binds to the loopback interface whatever Host says.
	LocalOnly bool
}

type Bus struct {
	server *natsserver.Server
}

func New(opts Options) (*Bus, error) {
	host := opts.Host
	if host == "" || opts.LocalOnly {
		host = "127.0.0.1"
	}
	port := opts.Port
	if port == 0 {
		port = natsserver.RANDOM_PORT
	}

	ns, err := natsserver.NewServer(&natsserver.Options{
		Host:   host,
		Port:   port,
		NoLog:  true,
		NoSigs: true,
	})
	if err != nil {
		return nil, fmt.Errorf("create nats server: %w", err)
	}

	go ns.Start()

	if !ns.ReadyForConnections(5 * time.Second) {
		ns.Shutdown()
		return nil, errors.New("nats server not ready")
	}

	return &Bus{server: ns}, nil
}

func (b *Bus) ClientURL() string {
	return b.server.ClientURL()
}

func (b *Bus) Close() {
	b.server.Shutdown()
	b.server.WaitForShutdown()
}
