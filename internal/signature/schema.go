package signature

import (
	_ "embed"
	"fmt"
	"os"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"

	"github.com/roach88/ensemble/internal/payload"
)

//go:embed courses.cue
var coursesSchema string

// SchemaError is returned when arguments do not unify with their schema.
type SchemaError struct {
	Capability string
	Function   string
	Err        error
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("%s.%s: arguments do not match schema: %v", e.Capability, e.Function, e.Err)
}

func (e *SchemaError) Unwrap() error { return e.Err }

// Schema holds CUE definitions keyed by capability then function.
// A cue.Context is not safe for concurrent use, so access is serialized.
type Schema struct {
	mu   sync.Mutex
	ctx  *cue.Context
	root cue.Value
}

// DefaultSchema compiles the embedded course schema.
func DefaultSchema() (*Schema, error) {
	s := &Schema{ctx: cuecontext.New()}
	if err := s.Extend("courses.cue", coursesSchema); err != nil {
		return nil, err
	}
	return s, nil
}

// Extend compiles src and unifies it into the schema.
func (s *Schema) Extend(filename, src string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	v := s.ctx.CompileString(src, cue.Filename(filename))
	if err := v.Err(); err != nil {
		return fmt.Errorf("compile schema %s: %w", filename, err)
	}
	if !s.root.Exists() {
		s.root = v
		return nil
	}
	merged := s.root.Unify(v)
	if err := merged.Err(); err != nil {
		return fmt.Errorf("merge schema %s: %w", filename, err)
	}
	s.root = merged
	return nil
}

// ExtendFile reads a CUE file and unifies it into the schema.
func (s *Schema) ExtendFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read schema: %w", err)
	}
	return s.Extend(path, string(data))
}

func (s *Schema) lookup(capability, function string) cue.Value {
	return s.root.LookupPath(cue.MakePath(cue.Str(capability), cue.Str(function)))
}

// Has reports whether the schema defines capability.function.
func (s *Schema) Has(capability, function string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lookup(capability, function).Exists()
}

// Validate unifies args with the definition of capability.function and
// requires the result to be concrete.
func (s *Schema) Validate(capability, function string, args payload.Object) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	def := s.lookup(capability, function)
	if !def.Exists() {
		return fmt.Errorf("%s.%s: no schema definition", capability, function)
	}

	val := s.ctx.Encode(payload.ToAny(args))
	if err := val.Err(); err != nil {
		return &SchemaError{Capability: capability, Function: function, Err: err}
	}
	if err := def.Unify(val).Validate(cue.Concrete(true)); err != nil {
		return &SchemaError{Capability: capability, Function: function, Err: err}
	}
	return nil
}
