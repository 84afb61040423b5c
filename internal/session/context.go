// Package session holds the per-connection state of the proxy: the
// connection state machine, the write-once identity fields, the encryption
// and compression settings, the packet injection queues and the extension
// instances attached to the connection.
package session

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MEMOxiiii/odonata-bridge/internal/account"
	"github.com/MEMOxiiii/odonata-bridge/internal/codec"
	"github.com/MEMOxiiii/odonata-bridge/internal/crypt"
	"github.com/MEMOxiiii/odonata-bridge/internal/protocol"
	"github.com/MEMOxiiii/odonata-bridge/pkg/logger"
	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// ErrIllegalTransition is returned for a state or encryption change the
// connection may not make.
var ErrIllegalTransition = errors.New("session: illegal transition")

// Stage selects when a scheduled codec change runs relative to forwarding
// the packet whose handler scheduled it.
type Stage uint8

const (
	BeforeForward Stage = iota
	AfterForward
)

// Params are the inputs of New. Everything but Log is copied from the
// owning proxy.
type Params struct {
	ID           uuid.UUID
	BindPort     int
	UpstreamHost string
	UpstreamPort int
	Accounts     *account.Table // optional
	Registry     *Registry      // optional
	Log          logger.Logger

	// Base is cancelled when the connection ends. Defaults to Background.
	Base context.Context
}

// Context is the mutable record of one proxied connection.
type Context struct {
	ID           uuid.UUID
	BindPort     int
	UpstreamHost string
	UpstreamPort int
	Accounts     *account.Table
	Connected    time.Time

	ClientAddr      *Once[net.Addr]
	ProtocolVersion *Once[int32]
	Username        *Once[string]
	PlayerID        *Once[uuid.UUID]

	// Client and Server are the codec legs towards each peer. The proxy
	// sets them before any packet is dispatched.
	Client *codec.Leg
	Server *codec.Leg

	base  context.Context
	log   atomic.Pointer[zap.SugaredLogger]
	state atomic.Int32

	mu          sync.Mutex
	encryption  crypt.Encryption
	compression int32
	scheduled   map[scheduleKey][]func() error

	toClient Queue
	toServer Queue

	extensions map[string]Extension
	order      []string
}

type scheduleKey struct {
	dir   protocol.Direction
	stage Stage
}

// New builds the context for a freshly accepted connection and constructs
// one instance of every registered extension. A factory that panics is
// logged and left out.
func New(p Params) *Context {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	if p.Log == nil {
		p.Log = zap.NewNop().Sugar()
	}
	if p.Base == nil {
		p.Base = context.Background()
	}
	c := &Context{
		base:            p.Base,
		ID:              p.ID,
		BindPort:        p.BindPort,
		UpstreamHost:    p.UpstreamHost,
		UpstreamPort:    p.UpstreamPort,
		Accounts:        p.Accounts,
		Connected:       time.Now(),
		ClientAddr:      NewOnce[net.Addr]("client address"),
		ProtocolVersion: NewOnce[int32]("protocol version"),
		Username:        NewOnce[string]("username"),
		PlayerID:        NewOnce[uuid.UUID]("player id"),
		encryption:      crypt.Disabled{},
		compression:     codec.Disabled,
		scheduled:       make(map[scheduleKey][]func() error),
		extensions:      make(map[string]Extension),
	}
	c.log.Store(p.Log)
	c.state.Store(int32(protocol.Handshake))

	for _, reg := range p.Registry.snapshot() {
		ext, err := build(reg.factory, c)
		if err != nil {
			c.Logger().Errorw("Extension factory failed", "extension", reg.tag, zap.Error(err))
			continue
		}
		c.extensions[reg.tag] = ext
		c.order = append(c.order, reg.tag)
	}
	return c
}

func build(f Factory, c *Context) (ext Extension, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	ext = f(c)
	if ext == nil {
		return nil, errors.New("factory returned nil")
	}
	return ext, nil
}

// BaseContext is cancelled when the connection closes. Handlers pass it to
// blocking calls.
func (c *Context) BaseContext() context.Context { return c.base }

// Logger returns the connection's logger.
func (c *Context) Logger() logger.Logger { return c.log.Load() }

// With adds fields to the connection's logger.
func (c *Context) With(args ...any) { c.log.Store(c.Logger().With(args...)) }

// ─── State machine ────────────────────────────────────────────────────────────

// State returns the current connection state.
func (c *Context) State() protocol.State { return protocol.State(c.state.Load()) }

// Advance moves the connection to next. Only Handshake->Status,
// Handshake->Login and Login->Play are allowed.
func (c *Context) Advance(next protocol.State) error {
	for {
		cur := c.State()
		if !cur.CanAdvance(next) {
			return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, cur, next)
		}
		if c.state.CompareAndSwap(int32(cur), int32(next)) {
			return nil
		}
	}
}

// ─── Encryption / compression ─────────────────────────────────────────────────

// Encryption returns the current encryption descriptor.
func (c *Context) Encryption() crypt.Encryption {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.encryption
}

// SetEncryption replaces the encryption descriptor. The phase must move
// Disabled -> Handshaking -> Enabled.
func (c *Context) SetEncryption(next crypt.Encryption) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	from, to := c.encryption.Phase(), next.Phase()
	if !crypt.CanTransition(from, to) {
		return fmt.Errorf("%w: encryption %s -> %s", ErrIllegalTransition, from, to)
	}
	c.encryption = next
	return nil
}

// Compression returns the negotiated threshold, -1 when disabled.
func (c *Context) Compression() int32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.compression
}

// SetCompression records the negotiated threshold.
func (c *Context) SetCompression(threshold int32) {
	if threshold < 0 {
		threshold = codec.Disabled
	}
	c.mu.Lock()
	c.compression = threshold
	c.mu.Unlock()
}

// Schedule queues fn to run around the forwarding of the packet currently
// being handled in direction dir.
func (c *Context) Schedule(dir protocol.Direction, stage Stage, fn func() error) {
	c.mu.Lock()
	k := scheduleKey{dir, stage}
	c.scheduled[k] = append(c.scheduled[k], fn)
	c.mu.Unlock()
}

// RunScheduled runs and clears the functions scheduled for dir and stage.
func (c *Context) RunScheduled(dir protocol.Direction, stage Stage) error {
	c.mu.Lock()
	k := scheduleKey{dir, stage}
	fns := c.scheduled[k]
	delete(c.scheduled, k)
	c.mu.Unlock()

	var err error
	for _, fn := range fns {
		err = multierr.Append(err, fn())
	}
	return err
}

// ─── Injection ────────────────────────────────────────────────────────────────

// SendToClient queues pk for the client. It is written after the packet
// currently being forwarded.
func (c *Context) SendToClient(pk protocol.Packet) { c.toClient.Push(pk) }

// SendToServer queues pk for the upstream server.
func (c *Context) SendToServer(pk protocol.Packet) { c.toServer.Push(pk) }

// Injected returns the queue of packets travelling in direction dir.
func (c *Context) Injected(dir protocol.Direction) *Queue {
	if dir == protocol.ClientBound {
		return &c.toClient
	}
	return &c.toServer
}

// ─── Extensions ───────────────────────────────────────────────────────────────

// Extension returns the instance registered under tag.
func (c *Context) Extension(tag string) (Extension, error) {
	ext, ok := c.extensions[tag]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownExtension, tag)
	}
	return ext, nil
}

// NotifyConnect runs every extension's OnConnect hook.
func (c *Context) NotifyConnect() { c.notify("OnConnect", Extension.OnConnect) }

// NotifyAuthenticated runs every extension's AfterAuthentication hook.
func (c *Context) NotifyAuthenticated() {
	c.notify("AfterAuthentication", Extension.AfterAuthentication)
}

// NotifyDisconnect runs every extension's OnDisconnect hook.
func (c *Context) NotifyDisconnect() { c.notify("OnDisconnect", Extension.OnDisconnect) }

// notify calls hook on each extension in registration order. A failing or
// panicking hook is logged and does not stop the rest.
func (c *Context) notify(hook string, call func(Extension) error) {
	for _, tag := range c.order {
		if err := safeCall(c.extensions[tag], call); err != nil {
			c.Logger().Errorw("Extension hook failed",
				"extension", tag,
				"hook", hook,
				zap.Error(err),
			)
		}
	}
}

func safeCall(ext Extension, call func(Extension) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return call(ext)
}

// ─── Diagnostics ──────────────────────────────────────────────────────────────

// Info is a point-in-time view of a connection for the admin API.
type Info struct {
	ID          string    `json:"id"`
	Client      string    `json:"client,omitempty"`
	Username    string    `json:"username,omitempty"`
	PlayerID    string    `json:"player_id,omitempty"`
	Protocol    int32     `json:"protocol,omitempty"`
	State       string    `json:"state"`
	Encryption  string    `json:"encryption"`
	Compression int32     `json:"compression"`
	Connected   time.Time `json:"connected"`
	Extensions  []string  `json:"extensions,omitempty"`
}

// Info returns a snapshot of the connection. It never faults on unset
// fields.
func (c *Context) Info() Info {
	info := Info{
		ID:          c.ID.String(),
		State:       c.State().String(),
		Encryption:  c.Encryption().Phase().String(),
		Compression: c.Compression(),
		Connected:   c.Connected,
		Extensions:  append([]string(nil), c.order...),
	}
	if addr, ok := c.ClientAddr.Load(); ok && addr != nil {
		info.Client = addr.String()
	}
	info.Username, _ = c.Username.Load()
	if id, ok := c.PlayerID.Load(); ok {
		info.PlayerID = id.String()
	}
	info.Protocol, _ = c.ProtocolVersion.Load()
	return info
}
