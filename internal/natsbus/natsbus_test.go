package natsbus

import (
	"context"
	"net/url"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startBus(t *testing.T) *Bus {
	t.Helper()
	bus, err := New(Options{LocalOnly: true})
	require.NoError(t, err)
	t.Cleanup(bus.Close)
	return bus
}

func TestBusBindsLoopback(t *testing.T) {
	bus := startBus(t)

	u, err := url.Parse(bus.ClientURL())
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1", u.Hostname())
}

func TestRequestReply(t *testing.T) {
	bus := startBus(t)

	client, err := NewClient(bus)
	require.NoError(t, err)
	defer client.Close()

	_, err = client.Subscribe(TopicConductor("t"), func(msg *nats.Msg) {
		_ = msg.Respond(append([]byte("re: "), msg.Data...))
	})
	require.NoError(t, err)
	require.NoError(t, client.Flush())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	reply, err := client.Request(ctx, TopicConductor("t"), []byte("ping"))
	require.NoError(t, err)
	assert.Equal(t, "re: ping", string(reply.Data))
}

func TestTopicConductor(t *testing.T) {
	assert.Equal(t, "ensemble.conductor.sim", TopicConductor("sim"))
	assert.Equal(t, "ensemble.conductor.default", TopicConductor(""))
}
