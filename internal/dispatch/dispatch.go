// Package dispatch routes decoded packets to handlers keyed by direction,
// connection state and packet id. Packets without a handler pass through
// untouched.
package dispatch

import (
	"errors"
	"fmt"
	"sync"

	"github.com/MEMOxiiii/odonata-bridge/internal/protocol"
	"github.com/MEMOxiiii/odonata-bridge/internal/session"
)

// ErrUnexpectedHandshakePacket is returned for anything other than the
// client's handshake packet while the connection is in the Handshake state.
var ErrUnexpectedHandshakePacket = errors.New("dispatch: unexpected packet in handshake state")

// Action tells the pipe what to do with a handled packet.
type Action uint8

const (
	// Forward sends the packet on unchanged.
	Forward Action = iota
	// Rewrite sends Result.Packet instead of the original.
	Rewrite
	// Swallow drops the packet.
	Swallow
)

func (a Action) String() string {
	switch a {
	case Forward:
		return "forward"
	case Rewrite:
		return "rewrite"
	case Swallow:
		return "swallow"
	}
	return "unknown"
}

// Result is the outcome of a handler.
type Result struct {
	Action Action
	Packet protocol.Packet
}

// Pass forwards the packet as received.
func Pass() Result { return Result{Action: Forward} }

// Replace forwards pk in place of the received packet.
func Replace(pk protocol.Packet) Result { return Result{Action: Rewrite, Packet: pk} }

// Drop swallows the packet.
func Drop() Result { return Result{Action: Swallow} }

// Handler handles one packet. It may mutate ctx and queue injected packets.
// A returned error is fatal for the connection.
type Handler func(ctx *session.Context, pk protocol.Packet) (Result, error)

// Key identifies a handler slot.
type Key struct {
	Direction protocol.Direction
	State     protocol.State
	ID        int32
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%s/0x%02x", k.Direction, k.State, k.ID)
}

// Table maps keys to handlers.
type Table struct {
	mu       sync.RWMutex
	handlers map[Key]Handler
}

// NewTable returns an empty table.
func NewTable() *Table { return &Table{handlers: make(map[Key]Handler)} }

// Register installs h for (dir, state, id), replacing any earlier handler
// for the same key. It reports whether a handler was replaced.
func (t *Table) Register(dir protocol.Direction, state protocol.State, id int32, h Handler) (replaced bool) {
	k := Key{dir, state, id}
	t.mu.Lock()
	defer t.mu.Unlock()
	_, replaced = t.handlers[k]
	t.handlers[k] = h
	return replaced
}

// Lookup returns the handler for k.
func (t *Table) Lookup(k Key) (Handler, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	h, ok := t.handlers[k]
	return h, ok
}

// Len returns the number of registered handlers.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.handlers)
}

// Dispatch runs the handler for pk in the connection's current state. In
// the Handshake state only the client's packet 0 is legal.
func (t *Table) Dispatch(ctx *session.Context, dir protocol.Direction, pk protocol.Packet) (Result, error) {
	state := ctx.State()
	if state == protocol.Handshake && (dir != protocol.ServerBound || pk.ID != protocol.IDHandshake) {
		return Result{}, fmt.Errorf("%w: %s 0x%02x", ErrUnexpectedHandshakePacket, dir, pk.ID)
	}

	h, ok := t.Lookup(Key{dir, state, pk.ID})
	if !ok {
		return Pass(), nil
	}
	res, err := h(ctx, pk)
	if err != nil {
		return Result{}, fmt.Errorf("handle %s: %w", Key{dir, state, pk.ID}, err)
	}
	return res, nil
}

// Outgoing returns the packet the pipe should forward for res, and false if
// nothing should be forwarded.
func (res Result) Outgoing(original protocol.Packet) (protocol.Packet, bool) {
	switch res.Action {
	case Rewrite:
		return res.Packet, true
	case Swallow:
		return protocol.Packet{}, false
	}
	return original, true
}
