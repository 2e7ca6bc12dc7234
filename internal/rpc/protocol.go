// Package rpc carries the conductor interface over a JSON envelope
// protocol. The same envelopes travel over WebSocket and NATS.
package rpc

import (
	"encoding/json"
	"fmt"

	"github.com/roach88/ensemble/internal/conductor"
)

// Methods.
const (
	MethodProvision   = "provision"
	MethodCall        = "call"
	MethodConsistency = "consistency"
	MethodTeardown    = "teardown"
)

// Error codes.
const (
	CodeInvalidRequest = "invalid_request"
	CodeUnknownMethod  = "unknown_method"
	CodeProvision      = "provision_failed"
	CodeTransport      = "transport"
	CodeTimedOut       = "timed_out"
	CodeConsistency    = "consistency_failed"
	CodeTeardown       = "teardown_failed"
)

type Request struct {
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

type Response struct {
	ID     string          `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *Error          `json:"error,omitempty"`
}

type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

type provisionResult struct {
	Instances []conductor.Instance `json:"instances"`
}

// consistencyParams carries the caller's remaining budget since context
// deadlines do not cross the wire.
type consistencyParams struct {
	InstanceIDs []string `json:"instance_ids"`
	TimeoutMS   int64    `json:"timeout_ms,omitempty"`
}

type teardownParams struct {
	InstanceIDs []string `json:"instance_ids"`
}
