package conductor

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/roach88/ensemble/internal/payload"
)

// ResultKind tags a CallResult.
type ResultKind int

const (
	KindOk ResultKind = iota
	KindAppError
	KindTransport
)

func (k ResultKind) String() string {
	switch k {
	case KindOk:
		return "ok"
	case KindAppError:
		return "app_error"
	case KindTransport:
		return "transport_error"
	default:
		return fmt.Sprintf("ResultKind(%d)", int(k))
	}
}

// ApplicationError is an error value returned by the application itself.
type ApplicationError struct {
	Value payload.Value
}

func (e *ApplicationError) Error() string {
	return "application error: " + payload.Format(e.Value)
}

// TransportError means the call never produced an application answer.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// CallResult is exactly one of Ok, application error or transport failure.
type CallResult struct {
	kind  ResultKind
	value payload.Value
	err   error
}

// Ok wraps a successful application payload.
func Ok(v payload.Value) CallResult {
	if v == nil {
		v = payload.Null{}
	}
	return CallResult{kind: KindOk, value: v}
}

// AppError wraps an application-level error payload.
func AppError(v payload.Value) CallResult {
	if v == nil {
		v = payload.Null{}
	}
	return CallResult{kind: KindAppError, value: v}
}

// TransportFailure records that op could not complete.
func TransportFailure(op string, err error) CallResult {
	var te *TransportError
	if !errors.As(err, &te) {
		te = &TransportError{Op: op, Err: err}
	}
	return CallResult{kind: KindTransport, err: te}
}

func (r CallResult) Kind() ResultKind { return r.kind }
func (r CallResult) IsOk() bool       { return r.kind == KindOk }

// Value is the Ok or application error payload; nil for transport failures.
func (r CallResult) Value() payload.Value { return r.value }

// Err returns nil for Ok, *ApplicationError or *TransportError otherwise.
func (r CallResult) Err() error {
	switch r.kind {
	case KindOk:
		return nil
	case KindAppError:
		return &ApplicationError{Value: r.value}
	default:
		return r.err
	}
}

func (r CallResult) String() string {
	switch r.kind {
	case KindOk:
		return "Ok(" + payload.Format(r.value) + ")"
	case KindAppError:
		return "Err(" + payload.Format(r.value) + ")"
	default:
		return "TransportError(" + r.err.Error() + ")"
	}
}

// MarshalJSON encodes {"Ok": v} or {"Err": v}. Transport failures are
// local to the caller and cannot be encoded.
func (r CallResult) MarshalJSON() ([]byte, error) {
	if r.kind == KindTransport {
		return nil, fmt.Errorf("transport failure is not a wire result: %w", r.err)
	}
	raw, err := payload.Marshal(r.value)
	if err != nil {
		return nil, err
	}
	if r.kind == KindOk {
		return json.Marshal(map[string]json.RawMessage{"Ok": raw})
	}
	return json.Marshal(map[string]json.RawMessage{"Err": raw})
}

func (r *CallResult) UnmarshalJSON(data []byte) error {
	var w map[string]json.RawMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	okRaw, hasOk := w["Ok"]
	errRaw, hasErr := w["Err"]
	switch {
	case hasOk && hasErr:
		return errors.New("call result has both Ok and Err")
	case hasOk:
		v, err := decodeRaw(okRaw)
		if err != nil {
			return err
		}
		*r = Ok(v)
	case hasErr:
		v, err := decodeRaw(errRaw)
		if err != nil {
			return err
		}
		*r = AppError(v)
	default:
		return errors.New("call result has neither Ok nor Err")
	}
	return nil
}

func decodeRaw(raw json.RawMessage) (payload.Value, error) {
	if len(raw) == 0 {
		return payload.Null{}, nil
	}
	return payload.Decode(raw)
}
