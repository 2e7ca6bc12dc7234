package sim

import (
	"time"

	"github.com/roach88/ensemble/internal/payload"
)

type opKind int

const (
	opPut opKind = iota
	opReplace
	opRemove
)

// op is one gossiped side effect.
type op struct {
	kind    opKind
	address string
	prev    string
	entry   payload.Object
}

type delivery struct {
	due time.Time
	op  op
}

// view is one instance's local copy of the cell's shared data.
type view struct {
	entries    map[string]payload.Object
	replacedBy map[string]string
	deleted    map[string]bool
}

func newView() *view {
	return &view{
		entries:    make(map[string]payload.Object),
		replacedBy: make(map[string]string),
		deleted:    make(map[string]bool),
	}
}

func (v *view) apply(o op) {
	switch o.kind {
	case opPut:
		v.entries[o.address] = o.entry
	case opReplace:
		v.entries[o.address] = o.entry
		v.replacedBy[o.prev] = o.address
	case opRemove:
		v.deleted[o.address] = true
	}
}

// resolve follows updates to the newest address.
func (v *view) resolve(address string) string {
	for range len(v.replacedBy) + 1 {
		next, ok := v.replacedBy[address]
		if !ok {
			break
		}
		address = next
	}
	return address
}

// get returns the live entry at address, following updates.
func (v *view) get(address string) (string, payload.Object, bool) {
	if v.deleted[address] {
		return "", nil, false
	}
	latest := v.resolve(address)
	if v.deleted[latest] {
		return "", nil, false
	}
	entry, ok := v.entries[latest]
	return latest, entry, ok
}
