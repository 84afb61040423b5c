package dispatch

import (
	"bytes"
	"errors"
	"testing"

	"github.com/MEMOxiiii/odonata-bridge/internal/protocol"
	"github.com/MEMOxiiii/odonata-bridge/internal/session"
)

func contextIn(t *testing.T, states ...protocol.State) *session.Context {
	t.Helper()
	c := session.New(session.Params{})
	for _, s := range states {
		if err := c.Advance(s); err != nil {
			t.Fatal(err)
		}
	}
	return c
}

func TestUnhandledPacketsPassThrough(t *testing.T) {
	table := NewTable()
	payload := []byte{0xde, 0xad, 0xbe, 0xef}

	for _, state := range []protocol.State{protocol.Status, protocol.Login, protocol.Play} {
		for _, dir := range []protocol.Direction{protocol.ServerBound, protocol.ClientBound} {
			var ctx *session.Context
			switch state {
			case protocol.Play:
				ctx = contextIn(t, protocol.Login, protocol.Play)
			default:
				ctx = contextIn(t, state)
			}
			for id := int32(0); id < 0x80; id++ {
				pk := protocol.Packet{ID: id, Payload: payload}
				res, err := table.Dispatch(ctx, dir, pk)
				if err != nil {
					t.Fatalf("%s %s 0x%02x: %v", state, dir, id, err)
				}
				out, ok := res.Outgoing(pk)
				if !ok || out.ID != id || !bytes.Equal(out.Payload, payload) {
					t.Fatalf("%s %s 0x%02x: forwarded %+v, %t", state, dir, id, out, ok)
				}
			}
		}
	}
}

func TestHandshakeOnlyAcceptsClientPacketZero(t *testing.T) {
	table := NewTable()
	ctx := contextIn(t)

	if _, err := table.Dispatch(ctx, protocol.ServerBound, protocol.Packet{ID: 0}); err != nil {
		t.Fatalf("handshake packet rejected: %v", err)
	}
	if _, err := table.Dispatch(ctx, protocol.ServerBound, protocol.Packet{ID: 1}); !errors.Is(err, ErrUnexpectedHandshakePacket) {
		t.Fatalf("serverbound 0x01: %v", err)
	}
	if _, err := table.Dispatch(ctx, protocol.ClientBound, protocol.Packet{ID: 0}); !errors.Is(err, ErrUnexpectedHandshakePacket) {
		t.Fatalf("clientbound 0x00: %v", err)
	}
}

func TestHandlerResults(t *testing.T) {
	table := NewTable()
	ctx := contextIn(t, protocol.Login, protocol.Play)

	table.Register(protocol.ClientBound, protocol.Play, 0x10, func(*session.Context, protocol.Packet) (Result, error) {
		return Drop(), nil
	})
	table.Register(protocol.ClientBound, protocol.Play, 0x11, func(_ *session.Context, pk protocol.Packet) (Result, error) {
		return Replace(protocol.Packet{ID: pk.ID, Payload: []byte("new")}), nil
	})
	boom := errors.New("bad payload")
	table.Register(protocol.ClientBound, protocol.Play, 0x12, func(*session.Context, protocol.Packet) (Result, error) {
		return Result{}, boom
	})

	res, _ := table.Dispatch(ctx, protocol.ClientBound, protocol.Packet{ID: 0x10})
	if _, ok := res.Outgoing(protocol.Packet{ID: 0x10}); ok {
		t.Fatal("swallowed packet forwarded")
	}
	res, _ = table.Dispatch(ctx, protocol.ClientBound, protocol.Packet{ID: 0x11, Payload: []byte("old")})
	if out, ok := res.Outgoing(protocol.Packet{}); !ok || string(out.Payload) != "new" {
		t.Fatalf("rewrite forwarded %+v, %t", out, ok)
	}
	if _, err := table.Dispatch(ctx, protocol.ClientBound, protocol.Packet{ID: 0x12}); !errors.Is(err, boom) {
		t.Fatalf("handler error = %v", err)
	}
	// same id, other direction: untouched
	res, _ = table.Dispatch(ctx, protocol.ServerBound, protocol.Packet{ID: 0x10})
	if res.Action != Forward {
		t.Fatalf("serverbound 0x10 action = %s", res.Action)
	}
}

func TestRegisterOverwrites(t *testing.T) {
	table := NewTable()
	var hit string
	mk := func(name string) Handler {
		return func(*session.Context, protocol.Packet) (Result, error) {
			hit = name
			return Pass(), nil
		}
	}
	if table.Register(protocol.ServerBound, protocol.Login, 0, mk("first")) {
		t.Fatal("first registration reported a replacement")
	}
	if !table.Register(protocol.ServerBound, protocol.Login, 0, mk("second")) {
		t.Fatal("second registration did not report a replacement")
	}
	if table.Len() != 1 {
		t.Fatalf("Len = %d", table.Len())
	}
	_, _ = table.Dispatch(contextIn(t, protocol.Login), protocol.ServerBound, protocol.Packet{ID: 0})
	if hit != "second" {
		t.Fatalf("ran %q handler", hit)
	}
}
