package proxy

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/MEMOxiiii/odonata-bridge/internal/auth"
	"github.com/MEMOxiiii/odonata-bridge/internal/crypt"
	"github.com/MEMOxiiii/odonata-bridge/internal/dispatch"
	"github.com/MEMOxiiii/odonata-bridge/internal/protocol"
	"github.com/MEMOxiiii/odonata-bridge/internal/session"
	"github.com/google/uuid"
)

// ErrNotVerified is returned when the session service does not confirm the
// client's join.
var ErrNotVerified = errors.New("proxy: client session not verified")

// SessionService is the part of the identity service the handshake needs.
// *auth.Authenticator implements it.
type SessionService interface {
	JoinServer(ctx context.Context, c *auth.Credential, profile uuid.UUID, serverHash string) error
	HasJoinedServer(ctx context.Context, username, serverHash, clientIP string) (bool, error)
}

// KeySource hands out handshake key pairs. *pool.Pool implements it.
type KeySource interface {
	Acquire() (*crypt.KeyPair, error)
}

// Handlers are the packet handlers every connection needs: the handshake
// rewrite, the encryption bridge and compression negotiation.
type Handlers struct {
	Sessions SessionService
	Keys     KeySource

	// ClientCompression keeps compression on the client leg.
	ClientCompression bool
}

// Install registers the handlers in t.
func (h *Handlers) Install(t *dispatch.Table) {
	t.Register(protocol.ServerBound, protocol.Handshake, protocol.IDHandshake, h.handshake)
	t.Register(protocol.ServerBound, protocol.Login, protocol.IDLoginStart, h.loginStart)
	t.Register(protocol.ClientBound, protocol.Login, protocol.IDEncryptionRequest, h.encryptionRequest)
	t.Register(protocol.ServerBound, protocol.Login, protocol.IDEncryptionResponse, h.encryptionResponse)
	t.Register(protocol.ClientBound, protocol.Login, protocol.IDSetCompression, h.setCompression)
	t.Register(protocol.ClientBound, protocol.Login, protocol.IDLoginSuccess, h.loginSuccess)
	t.Register(protocol.ClientBound, protocol.Play, protocol.IDLegacySetCompression, h.legacySetCompression)
}

// ─── Handshake ────────────────────────────────────────────────────────────────

// handshake records the protocol version, follows the requested next state
// and points the server address at the origin.
func (h *Handlers) handshake(ctx *session.Context, pk protocol.Packet) (dispatch.Result, error) {
	r := protocol.NewReader(pk.Payload)
	version, err := r.VarInt()
	if err != nil {
		return dispatch.Result{}, err
	}
	if _, err := r.UTF8String(); err != nil {
		return dispatch.Result{}, err
	}
	if _, err := r.Uint16(); err != nil {
		return dispatch.Result{}, err
	}
	intent, err := r.VarInt()
	if err != nil {
		return dispatch.Result{}, err
	}
	next, err := protocol.StateFromIntent(intent)
	if err != nil {
		return dispatch.Result{}, err
	}

	ctx.ProtocolVersion.Set(version)
	if err := ctx.Advance(next); err != nil {
		return dispatch.Result{}, err
	}
	ctx.With("protocol", version)

	var w protocol.Writer
	w.VarInt(version)
	w.UTF8String(ctx.UpstreamHost)
	w.Uint16(uint16(ctx.UpstreamPort))
	w.VarInt(intent)
	return dispatch.Replace(protocol.Packet{ID: pk.ID, Payload: w.Bytes()}), nil
}

// ─── Login ────────────────────────────────────────────────────────────────────

func (h *Handlers) loginStart(ctx *session.Context, pk protocol.Packet) (dispatch.Result, error) {
	name, err := protocol.NewReader(pk.Payload).UTF8String()
	if err != nil {
		return dispatch.Result{}, err
	}
	if err := ctx.Username.TrySet(name); err != nil {
		return dispatch.Result{}, err
	}
	ctx.With("username", name)
	ctx.Logger().Infow("Client requested login")
	return dispatch.Pass(), nil
}

// encryptionRequest stands in for the origin towards the client: the client
// gets a proxy key and a fresh verify token, the origin's are kept for the
// response.
func (h *Handlers) encryptionRequest(ctx *session.Context, pk protocol.Packet) (dispatch.Result, error) {
	r := protocol.NewReader(pk.Payload)
	serverID, err := r.UTF8String()
	if err != nil {
		return dispatch.Result{}, err
	}
	originDER, err := r.ByteArray()
	if err != nil {
		return dispatch.Result{}, err
	}
	originToken, err := r.ByteArray()
	if err != nil {
		return dispatch.Result{}, err
	}
	// Newer versions append fields the proxy passes through untouched.
	trailer := r.Remaining()

	originKey, err := crypt.ParsePublicKey(originDER)
	if err != nil {
		return dispatch.Result{}, err
	}
	proxyKey, err := h.Keys.Acquire()
	if err != nil {
		return dispatch.Result{}, fmt.Errorf("acquire handshake key: %w", err)
	}
	proxyToken, err := crypt.NewVerifyToken()
	if err != nil {
		return dispatch.Result{}, err
	}
	if err := ctx.SetEncryption(&crypt.Handshaking{
		ServerID:          serverID,
		OriginKey:         originKey,
		OriginKeyDER:      originDER,
		OriginVerifyToken: originToken,
		ProxyKey:          proxyKey,
		ProxyVerifyToken:  proxyToken,
	}); err != nil {
		return dispatch.Result{}, err
	}

	var w protocol.Writer
	w.UTF8String(serverID)
	w.ByteArray(proxyKey.PublicDER)
	w.ByteArray(proxyToken)
	w.Raw(trailer)
	ctx.Logger().Infow("Server requested encryption")
	return dispatch.Replace(protocol.Packet{ID: pk.ID, Payload: w.Bytes()}), nil
}

// encryptionResponse finishes both handshakes. The client's secret keys the
// client leg; a new proxy secret keys the server leg.
func (h *Handlers) encryptionResponse(ctx *session.Context, pk protocol.Packet) (dispatch.Result, error) {
	hs, ok := ctx.Encryption().(*crypt.Handshaking)
	if !ok {
		return dispatch.Result{}, fmt.Errorf("%w: encryption response in phase %s",
			session.ErrIllegalTransition, ctx.Encryption().Phase())
	}

	r := protocol.NewReader(pk.Payload)
	sealedSecret, err := r.ByteArray()
	if err != nil {
		return dispatch.Result{}, err
	}
	sealedToken, err := r.ByteArray()
	if err != nil {
		return dispatch.Result{}, err
	}
	clientSecret, err := hs.ProxyKey.Decrypt(sealedSecret)
	if err != nil {
		return dispatch.Result{}, fmt.Errorf("decrypt shared secret: %w", err)
	}
	if len(clientSecret) != crypt.SecretLen {
		return dispatch.Result{}, fmt.Errorf("shared secret is %d bytes", len(clientSecret))
	}
	token, err := hs.ProxyKey.Decrypt(sealedToken)
	if err != nil {
		return dispatch.Result{}, fmt.Errorf("decrypt verify token: %w", err)
	}
	if err := crypt.CheckVerifyToken(hs.ProxyVerifyToken, token); err != nil {
		return dispatch.Result{}, err
	}

	username := ctx.Username.Get()
	profile, ok := ctx.Accounts.Lookup(username)
	if !ok {
		return dispatch.Result{}, fmt.Errorf("no account configured for %q", username)
	}

	base := ctx.BaseContext()
	if addr, _ := ctx.ClientAddr.Load(); !isLoopback(addr) {
		hash := crypt.ServerIDHash(hs.ServerID, clientSecret, hs.ProxyKey.PublicDER)
		joined, err := h.Sessions.HasJoinedServer(base, username, hash, hostOf(addr))
		if err != nil {
			return dispatch.Result{}, err
		}
		if !joined {
			return dispatch.Result{}, fmt.Errorf("%w: %s", ErrNotVerified, username)
		}
	}

	proxySecret, err := crypt.NewSecret()
	if err != nil {
		return dispatch.Result{}, err
	}
	joinHash := crypt.ServerIDHash(hs.ServerID, proxySecret, hs.OriginKeyDER)
	if err := h.Sessions.JoinServer(base, profile.Credential, profile.ID, joinHash); err != nil {
		return dispatch.Result{}, err
	}

	resealedSecret, err := crypt.Encrypt(hs.OriginKey, proxySecret)
	if err != nil {
		return dispatch.Result{}, err
	}
	resealedToken, err := crypt.Encrypt(hs.OriginKey, hs.OriginVerifyToken)
	if err != nil {
		return dispatch.Result{}, err
	}
	if err := ctx.SetEncryption(&crypt.Enabled{ClientSecret: clientSecret, ProxySecret: proxySecret}); err != nil {
		return dispatch.Result{}, err
	}

	// The client ciphers everything after this packet; the origin ciphers
	// everything after it reads the forwarded copy.
	ctx.Schedule(protocol.ServerBound, session.BeforeForward, func() error {
		if err := ctx.Client.EnableEncryption(clientSecret); err != nil {
			return err
		}
		return ctx.Server.In.EnableEncryption(proxySecret)
	})
	ctx.Schedule(protocol.ServerBound, session.AfterForward, func() error {
		return ctx.Server.Out.EnableEncryption(proxySecret)
	})

	var w protocol.Writer
	w.ByteArray(resealedSecret)
	w.ByteArray(resealedToken)
	ctx.Logger().Infow("Client authenticated", "account", profile.ID.String())
	return dispatch.Replace(protocol.Packet{ID: pk.ID, Payload: w.Bytes()}), nil
}

func (h *Handlers) setCompression(ctx *session.Context, pk protocol.Packet) (dispatch.Result, error) {
	threshold, err := protocol.NewReader(pk.Payload).VarInt()
	if err != nil {
		return dispatch.Result{}, err
	}
	ctx.SetCompression(threshold)
	ctx.Server.In.SetCompressionThreshold(threshold)
	ctx.Server.Out.SetCompressionThreshold(threshold)
	ctx.Logger().Debugw("Compression negotiated", "threshold", threshold, "client", h.ClientCompression)

	if !h.ClientCompression {
		return dispatch.Drop(), nil
	}
	// The client switches only once it has read this packet, so both halves
	// of its leg follow after the write.
	ctx.Schedule(protocol.ClientBound, session.AfterForward, func() error {
		ctx.Client.In.SetCompressionThreshold(threshold)
		ctx.Client.Out.SetCompressionThreshold(threshold)
		return nil
	})
	return dispatch.Pass(), nil
}

// legacySetCompression is the play-state variant of protocol 47. The same id
// means something else in every other version.
func (h *Handlers) legacySetCompression(ctx *session.Context, pk protocol.Packet) (dispatch.Result, error) {
	if v, ok := ctx.ProtocolVersion.Load(); !ok || v != protocol.Version1_8 {
		return dispatch.Pass(), nil
	}
	return h.setCompression(ctx, pk)
}

func (h *Handlers) loginSuccess(ctx *session.Context, pk protocol.Packet) (dispatch.Result, error) {
	r := protocol.NewReader(pk.Payload)
	var id uuid.UUID
	if v, _ := ctx.ProtocolVersion.Load(); v >= protocol.Version1_16 {
		u, err := r.UUID()
		if err != nil {
			return dispatch.Result{}, err
		}
		id = u
	} else {
		s, err := r.UTF8String()
		if err != nil {
			return dispatch.Result{}, err
		}
		if id, err = uuid.Parse(s); err != nil {
			return dispatch.Result{}, fmt.Errorf("login success uuid %q: %w", s, err)
		}
	}
	if err := ctx.PlayerID.TrySet(id); err != nil {
		return dispatch.Result{}, err
	}
	if err := ctx.Advance(protocol.Play); err != nil {
		return dispatch.Result{}, err
	}
	ctx.With("uuid", id.String())
	ctx.Logger().Infow("Client logged in")
	ctx.Schedule(protocol.ClientBound, session.AfterForward, func() error {
		ctx.NotifyAuthenticated()
		return nil
	})
	return dispatch.Pass(), nil
}

func isLoopback(addr net.Addr) bool {
	if addr == nil {
		return false
	}
	ip := net.ParseIP(hostOf(addr))
	return ip != nil && ip.IsLoopback()
}

func hostOf(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	if tcp, ok := addr.(*net.TCPAddr); ok {
		return tcp.IP.String()
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}
