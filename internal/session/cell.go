package session

import (
	"fmt"
	"sync/atomic"
)

// FieldError is the panic value for misuse of a write-once field. It marks a
// programming error, never a condition a peer can trigger.
type FieldError struct {
	Field string
	Op    string // "set" or "get"
}

func (e *FieldError) Error() string {
	if e.Op == "set" {
		return fmt.Sprintf("session: %s already set", e.Field)
	}
	return fmt.Sprintf("session: %s read before it was set", e.Field)
}

// Once is a value that may be written exactly once. It is safe for
// concurrent use.
type Once[T any] struct {
	name string
	v    atomic.Pointer[T]
}

// NewOnce returns an empty cell; name identifies it in FieldErrors.
func NewOnce[T any](name string) *Once[T] { return &Once[T]{name: name} }

// TrySet stores v if the cell is empty and returns a *FieldError otherwise.
func (o *Once[T]) TrySet(v T) error {
	if !o.v.CompareAndSwap(nil, &v) {
		return &FieldError{Field: o.name, Op: "set"}
	}
	return nil
}

// Set stores v and panics if the cell was already written.
func (o *Once[T]) Set(v T) {
	if err := o.TrySet(v); err != nil {
		panic(err)
	}
}

// Get returns the stored value and panics if nothing was stored yet.
func (o *Once[T]) Get() T {
	p := o.v.Load()
	if p == nil {
		panic(&FieldError{Field: o.name, Op: "get"})
	}
	return *p
}

// Load returns the value and whether it was set. Meant for diagnostics
// that must not fault.
func (o *Once[T]) Load() (T, bool) {
	if p := o.v.Load(); p != nil {
		return *p, true
	}
	var zero T
	return zero, false
}

// IsSet reports whether the cell holds a value.
func (o *Once[T]) IsSet() bool { return o.v.Load() != nil }
