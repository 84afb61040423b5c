package session

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

// Extension is the per-connection instance an addon attaches to a Context.
// Embed NoopExtension to implement only the hooks you care about.
type Extension interface {
	// OnConnect runs once the upstream connection is established.
	OnConnect() error
	// AfterAuthentication runs when the connection enters the Play state.
	AfterAuthentication() error
	// OnDisconnect runs during connection teardown.
	OnDisconnect() error
}

// NoopExtension is an empty Extension safe to embed.
//
//	type MyExt struct { session.NoopExtension }
//	func (e *MyExt) OnConnect() error { ... }
type NoopExtension struct{}

func (NoopExtension) OnConnect() error           { return nil }
func (NoopExtension) AfterAuthentication() error { return nil }
func (NoopExtension) OnDisconnect() error        { return nil }

// Factory builds the extension instance for one connection. It may keep
// ctx to inject packets later.
type Factory func(ctx *Context) Extension

var (
	// ErrRegistrySealed is returned when the registry is changed while the
	// proxy is accepting connections.
	ErrRegistrySealed = errors.New("session: extension registry is sealed")

	// ErrUnknownExtension is returned by Context.Extension for a tag that
	// was not registered when the connection started.
	ErrUnknownExtension = errors.New("session: unknown extension")
)

type registration struct {
	tag     string
	factory Factory
}

// Registry maps extension tags to factories. It is written during startup,
// sealed before the proxy listens and read lock-free afterwards.
type Registry struct {
	mu      sync.Mutex
	sealed  atomic.Bool
	entries atomic.Pointer[[]registration]
}

// NewRegistry returns an empty, unsealed registry.
func NewRegistry() *Registry {
	r := &Registry{}
	r.entries.Store(&[]registration{})
	return r
}

// Register adds f under tag. Registering a tag twice replaces the earlier
// factory but keeps its position in the notification order.
func (r *Registry) Register(tag string, f Factory) error {
	if tag == "" || f == nil {
		return fmt.Errorf("session: register %q: empty tag or nil factory", tag)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed.Load() {
		return fmt.Errorf("register %q: %w", tag, ErrRegistrySealed)
	}

	old := *r.entries.Load()
	next := make([]registration, 0, len(old)+1)
	replaced := false
	for _, e := range old {
		if e.tag == tag {
			e.factory = f
			replaced = true
		}
		next = append(next, e)
	}
	if !replaced {
		next = append(next, registration{tag: tag, factory: f})
	}
	r.entries.Store(&next)
	return nil
}

// Unregister removes tag. Unknown tags are ignored.
func (r *Registry) Unregister(tag string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed.Load() {
		return fmt.Errorf("unregister %q: %w", tag, ErrRegistrySealed)
	}
	old := *r.entries.Load()
	next := make([]registration, 0, len(old))
	for _, e := range old {
		if e.tag != tag {
			next = append(next, e)
		}
	}
	r.entries.Store(&next)
	return nil
}

// Seal freezes the registry for the listening phase.
func (r *Registry) Seal() {
	r.mu.Lock()
	r.sealed.Store(true)
	r.mu.Unlock()
}

// Sealed reports whether Seal has been called since the last Teardown.
func (r *Registry) Sealed() bool { return r.sealed.Load() }

// Teardown drops every registration and unseals the registry.
func (r *Registry) Teardown() {
	r.mu.Lock()
	r.entries.Store(&[]registration{})
	r.sealed.Store(false)
	r.mu.Unlock()
}

// Tags returns the registered tags in notification order.
func (r *Registry) Tags() []string {
	entries := *r.entries.Load()
	tags := make([]string, len(entries))
	for i, e := range entries {
		tags[i] = e.tag
	}
	return tags
}

func (r *Registry) snapshot() []registration {
	if r == nil {
		return nil
	}
	return *r.entries.Load()
}
