package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/roach88/ensemble/internal/conductor"
)

// Link moves one request to a conductor and returns its response.
type Link interface {
	RoundTrip(ctx context.Context, req Request) (Response, error)
	Close() error
}

// Client is a conductor.Conductor backed by a remote conductor.
type Client struct {
	link Link
	seq  atomic.Int64
}

var _ conductor.Conductor = (*Client)(nil)

func NewClient(link Link) *Client {
	return &Client{link: link}
}

func (c *Client) Close() error {
	return c.link.Close()
}

func (c *Client) do(ctx context.Context, method string, params any) (json.RawMessage, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("encode %s params: %w", method, err)
	}
	req := Request{ID: strconv.FormatInt(c.seq.Add(1), 10), Method: method, Params: raw}

	resp, err := c.link.RoundTrip(ctx, req)
	if err != nil {
		return nil, &conductor.TransportError{Op: method, Err: err}
	}
	if resp.ID != req.ID {
		return nil, &conductor.TransportError{Op: method, Err: fmt.Errorf("response id %q does not match request %q", resp.ID, req.ID)}
	}
	if resp.Error != nil {
		return nil, resp.Error
	}
	return resp.Result, nil
}

func (c *Client) Provision(ctx context.Context, spec conductor.ProvisionSpec) ([]conductor.Instance, error) {
	raw, err := c.do(ctx, MethodProvision, spec)
	if err != nil {
		return nil, err
	}
	var out provisionResult
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode provision result: %w", err)
	}
	return out.Instances, nil
}

func (c *Client) Call(ctx context.Context, req conductor.CallRequest) conductor.CallResult {
	raw, err := c.do(ctx, MethodCall, req)
	if err != nil {
		return conductor.TransportFailure(MethodCall, err)
	}
	var result conductor.CallResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return conductor.TransportFailure(MethodCall, fmt.Errorf("decode call result: %w", err))
	}
	return result
}

func (c *Client) WaitForConsistency(ctx context.Context, instanceIDs []string) error {
	params := consistencyParams{InstanceIDs: instanceIDs}
	if deadline, ok := ctx.Deadline(); ok {
		params.TimeoutMS = max(time.Until(deadline).Milliseconds(), 1)
	}

	_, err := c.do(ctx, MethodConsistency, params)
	var rpcErr *Error
	if errors.As(err, &rpcErr) && rpcErr.Code == CodeTimedOut {
		return fmt.Errorf("%w: %s", conductor.ErrTimedOut, rpcErr.Message)
	}
	if err != nil && ctx.Err() != nil {
		return fmt.Errorf("%w: %w", conductor.ErrTimedOut, err)
	}
	return err
}

func (c *Client) Teardown(ctx context.Context, instanceIDs []string) error {
	_, err := c.do(ctx, MethodTeardown, teardownParams{InstanceIDs: instanceIDs})
	return err
}
