package crypt

import "crypto/rsa"

// Phase is the stage of the encryption handshake a connection is in.
type Phase uint8

const (
	PhaseDisabled Phase = iota
	PhaseHandshaking
	PhaseEnabled
)

func (p Phase) String() string {
	switch p {
	case PhaseDisabled:
		return "disabled"
	case PhaseHandshaking:
		return "handshaking"
	case PhaseEnabled:
		return "enabled"
	}
	return "unknown"
}

// Encryption describes the cipher state of a connection. It is one of
// Disabled, *Handshaking or *Enabled.
type Encryption interface {
	Phase() Phase
}

// Disabled is the state before the server asked for encryption.
type Disabled struct{}

func (Disabled) Phase() Phase { return PhaseDisabled }

// Handshaking holds what the proxy needs between the origin's encryption
// request and the client's response. The proxy presents its own key and
// token to the client and answers the origin with the origin's.
type Handshaking struct {
	ServerID          string
	OriginKey         *rsa.PublicKey
	OriginKeyDER      []byte
	OriginVerifyToken []byte

	ProxyKey         *KeyPair
	ProxyVerifyToken []byte
}

func (*Handshaking) Phase() Phase { return PhaseHandshaking }

// Enabled is terminal. The client leg is keyed by the client's secret and
// the server leg by the secret the proxy chose.
type Enabled struct {
	ClientSecret []byte
	ProxySecret  []byte
}

func (*Enabled) Phase() Phase { return PhaseEnabled }

// CanTransition reports whether a connection may move from one phase to the
// next. Enabled is never left.
func CanTransition(from, to Phase) bool {
	switch from {
	case PhaseDisabled:
		return to == PhaseHandshaking
	case PhaseHandshaking:
		return to == PhaseEnabled
	}
	return false
}
