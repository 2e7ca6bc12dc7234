package testutil

import (
	"fmt"
	"sync"
)

// Sequence hands out numbered IDs such as "run-0001".
//
// Tests use it in place of UUIDv7 run IDs so that reports and stored
// history are identical across runs. All methods are safe for concurrent use.
type Sequence struct {
	mu     sync.Mutex
	prefix string
	n      int64
}

// NewSequence creates a sequence whose first ID is prefix-0001.
func NewSequence(prefix string) *Sequence {
	return &Sequence{prefix: prefix}
}

// Next returns the next ID.
func (s *Sequence) Next() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n++
	return fmt.Sprintf("%s-%04d", s.prefix, s.n)
}

// Count returns how many IDs were handed out.
func (s *Sequence) Count() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.n
}

// Reset starts the sequence over.
func (s *Sequence) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n = 0
}

// FixedID returns a generator that always yields id.
func FixedID(id string) func() string {
	if id == "" {
		id = "test-run-default"
	}
	return func() string { return id }
}
