// Package protocol holds the wire vocabulary shared by every layer of the
// proxy: connection states, packet directions, the opaque packet type and the
// ids of the few packets the proxy interprets.
package protocol

import "fmt"

// State is the connection state that selects which handler table applies.
type State int32

// States a connection moves through. Handshake is the only initial state.
const (
	Handshake State = iota
	Status
	Login
	Play
)

func (s State) String() string {
	switch s {
	case Handshake:
		return "Handshake"
	case Status:
		return "Status"
	case Login:
		return "Login"
	case Play:
		return "Play"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// CanAdvance reports whether a connection in state s may move to next.
// Only Handshake->Status, Handshake->Login and Login->Play are legal.
func (s State) CanAdvance(next State) bool {
	switch s {
	case Handshake:
		return next == Status || next == Login
	case Login:
		return next == Play
	}
	return false
}

// StateFromIntent maps the "next state" field of the handshake packet.
// Transfer intents (3) are refused like any other unknown value.
func StateFromIntent(intent int32) (State, error) {
	switch intent {
	case 1:
		return Status, nil
	case 2:
		return Login, nil
	}
	return Handshake, fmt.Errorf("protocol: invalid handshake intent %d", intent)
}

// Direction selects which dispatch table is consulted for a packet.
type Direction uint8

// Available directions.
const (
	ServerBound Direction = iota // client -> server
	ClientBound                  // server -> client
)

func (d Direction) String() string {
	switch d {
	case ServerBound:
		return "ServerBound"
	case ClientBound:
		return "ClientBound"
	}
	return "UnknownBound"
}

// Opposite returns the direction a reply to d travels in.
func (d Direction) Opposite() Direction {
	if d == ServerBound {
		return ClientBound
	}
	return ServerBound
}

// Packet is a decoded frame: the numeric id and the opaque body after it.
type Packet struct {
	ID      int32
	Payload []byte
}

// Len returns the length of the id varint plus the payload.
func (p Packet) Len() int { return VarIntSize(p.ID) + len(p.Payload) }

// Ids of the packets interpreted by the default handlers.
const (
	IDHandshake = 0x00

	IDLoginStart         = 0x00 // serverbound, Login
	IDEncryptionResponse = 0x01 // serverbound, Login

	IDEncryptionRequest = 0x01 // clientbound, Login
	IDLoginSuccess      = 0x02 // clientbound, Login
	IDSetCompression    = 0x03 // clientbound, Login

	// IDLegacySetCompression is the play-state compression packet of
	// protocol 47 (1.8.x).
	IDLegacySetCompression = 0x46
)

// Protocol versions with wire differences the default handlers care about.
const (
	Version1_8  = 47
	Version1_16 = 735 // login success carries a binary UUID from here on
)
