package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/roach88/ensemble/internal/conductor"
)

// Dispatch serves one request against c.
func Dispatch(ctx context.Context, c conductor.Conductor, req Request) Response {
	resp := Response{ID: req.ID}

	fail := func(code string, err error) Response {
		resp.Error = &Error{Code: code, Message: err.Error()}
		return resp
	}
	succeed := func(v any) Response {
		data, err := json.Marshal(v)
		if err != nil {
			return fail(CodeInvalidRequest, err)
		}
		resp.Result = data
		return resp
	}

	switch req.Method {
	case MethodProvision:
		var spec conductor.ProvisionSpec
		if err := json.Unmarshal(req.Params, &spec); err != nil {
			return fail(CodeInvalidRequest, err)
		}
		instances, err := c.Provision(ctx, spec)
		if err != nil {
			return fail(CodeProvision, err)
		}
		return succeed(provisionResult{Instances: instances})

	case MethodCall:
		var call conductor.CallRequest
		if err := json.Unmarshal(req.Params, &call); err != nil {
			return fail(CodeInvalidRequest, err)
		}
		result := c.Call(ctx, call)
		if result.Kind() == conductor.KindTransport {
			return fail(CodeTransport, result.Err())
		}
		return succeed(result)

	case MethodConsistency:
		var params consistencyParams
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return fail(CodeInvalidRequest, err)
		}
		if params.TimeoutMS > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, time.Duration(params.TimeoutMS)*time.Millisecond)
			defer cancel()
		}
		if err := c.WaitForConsistency(ctx, params.InstanceIDs); err != nil {
			if errors.Is(err, conductor.ErrTimedOut) {
				return fail(CodeTimedOut, err)
			}
			return fail(CodeConsistency, err)
		}
		return succeed(struct{}{})

	case MethodTeardown:
		var params teardownParams
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return fail(CodeInvalidRequest, err)
		}
		if err := c.Teardown(ctx, params.InstanceIDs); err != nil {
			return fail(CodeTeardown, err)
		}
		return succeed(struct{}{})

	default:
		return fail(CodeUnknownMethod, errors.New("unknown method "+req.Method))
	}
}
