package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/roach88/ensemble/internal/conductor"
	"github.com/roach88/ensemble/internal/natsbus"
)

// DefaultNATSTimeout bounds requests whose context has no deadline.
const DefaultNATSTimeout = 30 * time.Second

// NATSLink sends requests on a NATS subject and waits for the reply.
type NATSLink struct {
	client  *natsbus.Client
	subject string
}

func NewNATSLink(client *natsbus.Client, subject string) *NATSLink {
	return &NATSLink{client: client, subject: subject}
}

func (l *NATSLink) RoundTrip(ctx context.Context, req Request) (Response, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return Response{}, fmt.Errorf("encode request: %w", err)
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultNATSTimeout)
		defer cancel()
	}

	msg, err := l.client.Request(ctx, l.subject, data)
	if err != nil {
		return Response{}, fmt.Errorf("nats request: %w", err)
	}
	var resp Response
	if err := json.Unmarshal(msg.Data, &resp); err != nil {
		return Response{}, fmt.Errorf("decode response: %w", err)
	}
	return resp, nil
}

func (l *NATSLink) Close() error {
	l.client.Close()
	return nil
}

// ServeNATS answers requests on subject with c until the subscription
// is drained or the connection closes.
func ServeNATS(client *natsbus.Client, subject string, c conductor.Conductor, logger *slog.Logger) (*nats.Subscription, error) {
	sub, err := client.Subscribe(subject, func(msg *nats.Msg) {
		go func() {
			var req Request
			if err := json.Unmarshal(msg.Data, &req); err != nil {
				logger.Warn("dropping malformed request", "subject", subject, "error", err)
				return
			}
			resp := Dispatch(context.Background(), c, req)
			data, err := json.Marshal(resp)
			if err != nil {
				logger.Error("encode response", "id", req.ID, "error", err)
				return
			}
			if err := msg.Respond(data); err != nil {
				logger.Debug("respond failed", "id", req.ID, "error", err)
			}
		}()
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", subject, err)
	}
	if err := client.Flush(); err != nil {
		return nil, fmt.Errorf("flush subscription: %w", err)
	}
	return sub, nil
}
