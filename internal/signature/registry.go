package signature

import (
	"fmt"

	"github.com/roach88/ensemble/internal/payload"
)

// Registry validates calls before they are issued.
//
// Enumerated signatures are decoded into their Go types. Any call with a
// schema definition is additionally checked against it. In strict mode a
// call with neither is rejected.
type Registry struct {
	schema *Schema
	strict bool
}

// NewRegistry creates a registry. schema may be nil.
func NewRegistry(schema *Schema, strict bool) *Registry {
	return &Registry{schema: schema, strict: strict}
}

// Validate decodes and checks one call.
func (r *Registry) Validate(capability, function string, args payload.Object) (Call, error) {
	if args == nil {
		args = payload.Object{}
	}

	call, err := Decode(capability, function, args)
	if err != nil {
		return nil, err
	}

	hasSchema := r.schema != nil && r.schema.Has(capability, function)
	if hasSchema {
		if err := r.schema.Validate(capability, function, args); err != nil {
			return nil, err
		}
	}

	if _, generic := call.(Generic); generic && r.strict && !hasSchema {
		return nil, fmt.Errorf("%s.%s: unknown call signature", capability, function)
	}
	return call, nil
}
