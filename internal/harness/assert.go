package harness

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"

	"github.com/stretchr/testify/assert"

	"github.com/roach88/ensemble/internal/conductor"
	"github.com/roach88/ensemble/internal/payload"
)

// Assertion is one recorded check.
type Assertion struct {
	Passed   bool   `json:"passed"`
	Detail   string `json:"detail"`
	Location string `json:"location,omitempty"`
}

// Failure is a failed assertion as it appears in a report.
type Failure struct {
	Detail   string `json:"detail"`
	Location string `json:"location,omitempty"`
}

type recorder struct {
	scenario string
	logger   *slog.Logger
	watchers []func(Assertion)

	mu       sync.Mutex
	closed   bool
	count    int
	failures []Failure
}

// T records the assertions of one scenario invocation. It is safe for
// use from goroutines the body starts. Assertions made after the
// scenario ended are dropped.
type T struct {
	rec      *recorder
	location string
}

func newT(scenario string, logger *slog.Logger, watchers []func(Assertion)) *T {
	return &T{rec: &recorder{scenario: scenario, logger: logger, watchers: watchers}}
}

// At returns a T that reports location instead of the caller's file:line.
func (t *T) At(location string) *T {
	return &T{rec: t.rec, location: location}
}

func (t *T) finish() (int, []Failure) {
	r := t.rec
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return r.count, append([]Failure(nil), r.failures...)
}

func (t *T) record(passed bool, detail string) bool {
	loc := t.location
	if loc == "" {
		loc = callerLocation()
	}
	a := Assertion{Passed: passed, Detail: detail, Location: loc}

	r := t.rec
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		r.logger.Warn("assertion after scenario ended dropped", "scenario", r.scenario, "detail", detail, "location", loc)
		return passed
	}
	r.count++
	if !passed {
		r.failures = append(r.failures, Failure{Detail: detail, Location: loc})
	}
	for _, w := range r.watchers {
		w(a)
	}
	r.mu.Unlock()
	return passed
}

// callerLocation finds the first frame outside this file.
func callerLocation() string {
	pcs := make([]uintptr, 8)
	n := runtime.Callers(3, pcs)
	frames := runtime.CallersFrames(pcs[:n])
	for {
		f, more := frames.Next()
		if !strings.HasSuffix(f.File, "/harness/assert.go") {
			return fmt.Sprintf("%s:%d", filepath.Base(f.File), f.Line)
		}
		if !more {
			return ""
		}
	}
}

func message(msgAndArgs []any) string {
	switch len(msgAndArgs) {
	case 0:
		return ""
	case 1:
		return fmt.Sprint(msgAndArgs[0])
	default:
		if format, ok := msgAndArgs[0].(string); ok {
			return fmt.Sprintf(format, msgAndArgs[1:]...)
		}
		return fmt.Sprint(msgAndArgs...)
	}
}

func detail(what string, msgAndArgs []any) string {
	if msg := message(msgAndArgs); msg != "" {
		return msg + ": " + what
	}
	return what
}

func (t *T) Ok(cond bool, msgAndArgs ...any) bool {
	if cond {
		return t.record(true, detail("ok", msgAndArgs))
	}
	return t.record(false, detail("expected true", msgAndArgs))
}

func (t *T) NotOk(cond bool, msgAndArgs ...any) bool {
	if !cond {
		return t.record(true, detail("not ok", msgAndArgs))
	}
	return t.record(false, detail("expected false", msgAndArgs))
}

// Equal compares with testify's ObjectsAreEqual.
func (t *T) Equal(expected, actual any, msgAndArgs ...any) bool {
	if assert.ObjectsAreEqual(expected, actual) {
		return t.record(true, detail("equal", msgAndArgs))
	}
	return t.record(false, detail(fmt.Sprintf("expected %s, got %s", show(expected), show(actual)), msgAndArgs))
}

func (t *T) NotEqual(expected, actual any, msgAndArgs ...any) bool {
	if !assert.ObjectsAreEqual(expected, actual) {
		return t.record(true, detail("not equal", msgAndArgs))
	}
	return t.record(false, detail(fmt.Sprintf("expected values to differ, both %s", show(actual)), msgAndArgs))
}

func (t *T) NoError(err error, msgAndArgs ...any) bool {
	if err == nil {
		return t.record(true, detail("no error", msgAndArgs))
	}
	return t.record(false, detail("unexpected error: "+err.Error(), msgAndArgs))
}

func (t *T) Error(err error, msgAndArgs ...any) bool {
	if err != nil {
		return t.record(true, detail("error: "+err.Error(), msgAndArgs))
	}
	return t.record(false, detail("expected an error", msgAndArgs))
}

// IsOk passes when r is an Ok result.
func (t *T) IsOk(r conductor.CallResult, msgAndArgs ...any) bool {
	if r.IsOk() {
		return t.record(true, detail("Ok", msgAndArgs))
	}
	return t.record(false, detail("expected Ok, got "+r.String(), msgAndArgs))
}

// IsAppError passes when r is an application error.
func (t *T) IsAppError(r conductor.CallResult, msgAndArgs ...any) bool {
	if r.Kind() == conductor.KindAppError {
		return t.record(true, detail("Err", msgAndArgs))
	}
	return t.record(false, detail("expected Err, got "+r.String(), msgAndArgs))
}

// Fields passes when v is an object containing every expected field.
// Keys may be dotted paths into nested objects.
func (t *T) Fields(v payload.Value, expected map[string]any, msgAndArgs ...any) bool {
	obj, ok := v.(payload.Object)
	if !ok {
		return t.record(false, detail("expected an object, got "+payload.Format(v), msgAndArgs))
	}

	keys := make([]string, 0, len(expected))
	for k := range expected {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var mismatches []string
	for _, k := range keys {
		want, err := payload.FromAny(expected[k])
		if err != nil {
			mismatches = append(mismatches, fmt.Sprintf("%s: %v", k, err))
			continue
		}
		got, found := obj.Lookup(k)
		if !found {
			mismatches = append(mismatches, k+": missing")
			continue
		}
		if !assert.ObjectsAreEqual(want, got) {
			mismatches = append(mismatches, fmt.Sprintf("%s: expected %s, got %s", k, payload.Format(want), payload.Format(got)))
		}
	}
	if len(mismatches) == 0 {
		return t.record(true, detail("fields match", msgAndArgs))
	}
	return t.record(false, detail(strings.Join(mismatches, "; "), msgAndArgs))
}

func (t *T) Fail(msgAndArgs ...any) bool {
	return t.record(false, detail("failed", msgAndArgs))
}

func (t *T) Pass(msgAndArgs ...any) bool {
	return t.record(true, detail("passed", msgAndArgs))
}

// Log writes a diagnostic line. It is not an assertion.
func (t *T) Log(msgAndArgs ...any) {
	t.rec.logger.Info(message(msgAndArgs), "scenario", t.rec.scenario)
}

func show(v any) string {
	if pv, ok := v.(payload.Value); ok {
		return payload.Format(pv)
	}
	return fmt.Sprintf("%#v", v)
}
