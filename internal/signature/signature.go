// Package signature enumerates the call signatures the harness knows about.
//
// Known course calls decode into Go types; anything else becomes a Generic
// call, which a Registry can validate against a CUE schema before it is
// sent to a conductor.
package signature

import (
	"fmt"

	"github.com/roach88/ensemble/internal/payload"
)

// CapabilityCourses is the zome hosting the course functions.
const CapabilityCourses = "courses"

// Function names of the course capability.
const (
	FnHiHolo       = "hi_holo"
	FnCreateCourse = "create_course"
	FnUpdateCourse = "update_course"
	FnDeleteCourse = "delete_course"
	FnGetEntry     = "get_entry"
	FnGetMyCourses = "get_my_courses"
)

// Call is one remotely callable function together with its arguments.
type Call interface {
	Capability() string
	Function() string
	Args() payload.Object
}

// ArgumentError reports a field that does not match the signature.
type ArgumentError struct {
	Capability string
	Function   string
	Field      string
	Reason     string
}

func (e *ArgumentError) Error() string {
	return fmt.Sprintf("%s.%s: argument %q %s", e.Capability, e.Function, e.Field, e.Reason)
}

type HiHolo struct {
	Title string
}

func (HiHolo) Capability() string { return CapabilityCourses }
func (HiHolo) Function() string   { return FnHiHolo }
func (c HiHolo) Args() payload.Object {
	return payload.Object{"title": payload.String(c.Title)}
}

type CreateCourse struct {
	Title     string
	Timestamp int64
}

func (CreateCourse) Capability() string { return CapabilityCourses }
func (CreateCourse) Function() string   { return FnCreateCourse }
func (c CreateCourse) Args() payload.Object {
	return payload.Object{
		"title":     payload.String(c.Title),
		"timestamp": payload.Int(c.Timestamp),
	}
}

type UpdateCourse struct {
	Title            string
	CourseAddress    string
	ModulesAddresses []string
	Timestamp        int64
}

func (UpdateCourse) Capability() string { return CapabilityCourses }
func (UpdateCourse) Function() string   { return FnUpdateCourse }
func (c UpdateCourse) Args() payload.Object {
	return payload.Object{
		"title":             payload.String(c.Title),
		"course_address":    payload.String(c.CourseAddress),
		"modules_addresses": payload.Strings(c.ModulesAddresses...),
		"timestamp":         payload.Int(c.Timestamp),
	}
}

type DeleteCourse struct {
	CourseAddress string
}

func (DeleteCourse) Capability() string { return CapabilityCourses }
func (DeleteCourse) Function() string   { return FnDeleteCourse }
func (c DeleteCourse) Args() payload.Object {
	return payload.Object{"course_address": payload.String(c.CourseAddress)}
}

type GetEntry struct {
	Address string
}

func (GetEntry) Capability() string { return CapabilityCourses }
func (GetEntry) Function() string   { return FnGetEntry }
func (c GetEntry) Args() payload.Object {
	return payload.Object{"address": payload.String(c.Address)}
}

type GetMyCourses struct{}

func (GetMyCourses) Capability() string   { return CapabilityCourses }
func (GetMyCourses) Function() string     { return FnGetMyCourses }
func (GetMyCourses) Args() payload.Object { return payload.Object{} }

// Generic is a call outside the enumerated set.
type Generic struct {
	Cap     string
	Fn      string
	Payload payload.Object
}

func (g Generic) Capability() string { return g.Cap }
func (g Generic) Function() string   { return g.Fn }
func (g Generic) Args() payload.Object {
	if g.Payload == nil {
		return payload.Object{}
	}
	return g.Payload
}

// Known reports whether capability.function is one of the enumerated signatures.
func Known(capability, function string) bool {
	_, ok := decoders[key(capability, function)]
	return ok
}

// Decode turns raw arguments into a typed Call. Unknown signatures decode
// to Generic without error; known ones fail with *ArgumentError when a
// field is missing or has the wrong type.
func Decode(capability, function string, args payload.Object) (Call, error) {
	dec, ok := decoders[key(capability, function)]
	if !ok {
		return Generic{Cap: capability, Fn: function, Payload: args}, nil
	}
	f := fields{capability: capability, function: function, args: args}
	call := dec(&f)
	if f.err != nil {
		return nil, f.err
	}
	return call, nil
}

func key(capability, function string) string {
	return capability + "." + function
}

var decoders = map[string]func(*fields) Call{
	key(CapabilityCourses, FnHiHolo): func(f *fields) Call {
		return HiHolo{Title: f.str("title")}
	},
	key(CapabilityCourses, FnCreateCourse): func(f *fields) Call {
		return CreateCourse{Title: f.str("title"), Timestamp: f.int("timestamp")}
	},
	key(CapabilityCourses, FnUpdateCourse): func(f *fields) Call {
		return UpdateCourse{
			Title:            f.str("title"),
			CourseAddress:    f.str("course_address"),
			ModulesAddresses: f.strs("modules_addresses"),
			Timestamp:        f.int("timestamp"),
		}
	},
	key(CapabilityCourses, FnDeleteCourse): func(f *fields) Call {
		return DeleteCourse{CourseAddress: f.str("course_address")}
	},
	key(CapabilityCourses, FnGetEntry): func(f *fields) Call {
		return GetEntry{Address: f.str("address")}
	},
	key(CapabilityCourses, FnGetMyCourses): func(f *fields) Call {
		return GetMyCourses{}
	},
}

// fields extracts typed arguments, keeping the first error.
type fields struct {
	capability string
	function   string
	args       payload.Object
	err        error
}

func (f *fields) fail(field, reason string) {
	if f.err == nil {
		f.err = &ArgumentError{Capability: f.capability, Function: f.function, Field: field, Reason: reason}
	}
}

func (f *fields) str(name string) string {
	v, ok := f.args[name]
	if !ok {
		f.fail(name, "is required")
		return ""
	}
	s, ok := v.(payload.String)
	if !ok {
		f.fail(name, "must be a string, got "+payload.Kind(v))
		return ""
	}
	return string(s)
}

func (f *fields) int(name string) int64 {
	v, ok := f.args[name]
	if !ok {
		f.fail(name, "is required")
		return 0
	}
	n, ok := v.(payload.Int)
	if !ok {
		f.fail(name, "must be an int, got "+payload.Kind(v))
		return 0
	}
	return int64(n)
}

func (f *fields) strs(name string) []string {
	v, ok := f.args[name]
	if !ok {
		f.fail(name, "is required")
		return nil
	}
	arr, ok := v.(payload.Array)
	if !ok {
		f.fail(name, "must be a list, got "+payload.Kind(v))
		return nil
	}
	out := make([]string, 0, len(arr))
	for i, elem := range arr {
		s, ok := elem.(payload.String)
		if !ok {
			f.fail(fmt.Sprintf("%s[%d]", name, i), "must be a string, got "+payload.Kind(elem))
			return nil
		}
		out = append(out, string(s))
	}
	return out
}
