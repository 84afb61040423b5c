// Package proxy implements the bridge engine: it accepts game clients,
// connects each one to the origin server, and forwards packets between the
// two through the dispatch table, terminating the encryption handshake on
// both sides.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MEMOxiiii/odonata-bridge/internal/account"
	"github.com/MEMOxiiii/odonata-bridge/internal/config"
	"github.com/MEMOxiiii/odonata-bridge/internal/dispatch"
	"github.com/MEMOxiiii/odonata-bridge/internal/metrics"
	"github.com/MEMOxiiii/odonata-bridge/internal/pool"
	"github.com/MEMOxiiii/odonata-bridge/internal/ratelimit"
	"github.com/MEMOxiiii/odonata-bridge/internal/session"
	"github.com/MEMOxiiii/odonata-bridge/pkg/logger"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Deps are the collaborators the proxy is built from.
type Deps struct {
	Accounts   *account.Table
	Extensions *session.Registry
	Handlers   *dispatch.Table
	Sessions   SessionService

	// Keys overrides the handshake key pool. Mainly for tests.
	Keys KeySource
}

// Proxy is the central gateway that owns the listener, the live sessions,
// the admission limiter and the handshake key pool.
type Proxy struct {
	cfg      *config.Config
	upstream Upstream
	deps     Deps
	limiter  *ratelimit.Limiter
	keys     *pool.Pool
	log      logger.Logger

	lnMu     sync.Mutex
	listener net.Listener

	mu       sync.RWMutex
	sessions map[string]*Session

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	closed atomic.Int32
}

// New constructs a Proxy from cfg and installs the default packet handlers
// into deps.Handlers. Addons may replace them afterwards.
func New(cfg *config.Config, deps Deps, log logger.Logger) (*Proxy, error) {
	if deps.Handlers == nil || deps.Extensions == nil {
		return nil, fmt.Errorf("proxy: handler table and extension registry are required")
	}
	if deps.Sessions == nil {
		return nil, fmt.Errorf("proxy: a session service is required")
	}
	log = logger.OrNop(log)

	ctx, cancel := context.WithCancel(context.Background())

	lookupCtx, lookupCancel := context.WithTimeout(ctx, 5*time.Second)
	up, viaSRV := resolveUpstream(lookupCtx, net.DefaultResolver.LookupSRV, cfg.Upstream.Host, cfg.Upstream.Port)
	lookupCancel()
	log.Infow("Upstream server", "address", up.Address(), "srv", viaSRV)

	p := &Proxy{
		cfg:      cfg,
		upstream: up,
		deps:     deps,
		log:      log,
		sessions: make(map[string]*Session),
		ctx:      ctx,
		cancel:   cancel,
		limiter: ratelimit.New(ratelimit.Config{
			Enabled:              cfg.RateLimit.Enabled,
			ConnectionsPerSecond: cfg.RateLimit.ConnectionsPerSecond,
			Burst:                cfg.RateLimit.Burst,
			CleanupInterval:      cfg.RateLimit.CleanupInterval,
			MaxConnections:       cfg.Proxy.MaxConnections,
		}),
	}

	keys := deps.Keys
	if keys == nil {
		p.keys = pool.New(ctx, cfg.KeyPool.Bits, cfg.KeyPool.Size)
		keys = p.keys
		log.Infow("Handshake key pool started", "size", cfg.KeyPool.Size, "bits", cfg.KeyPool.Bits)
	}

	h := &Handlers{
		Sessions:          deps.Sessions,
		Keys:              keys,
		ClientCompression: cfg.Proxy.ClientCompression,
	}
	h.Install(deps.Handlers)
	return p, nil
}

// Upstream returns the resolved origin server.
func (p *Proxy) Upstream() Upstream { return p.upstream }

// Listen binds the client listener. ListenAndServe calls it when needed.
func (p *Proxy) Listen() (net.Addr, error) {
	p.lnMu.Lock()
	defer p.lnMu.Unlock()
	if p.listener != nil {
		return p.listener.Addr(), nil
	}
	var lc net.ListenConfig
	ln, err := lc.Listen(p.ctx, "tcp", p.cfg.BindAddr())
	if err != nil {
		return nil, fmt.Errorf("bind listener on %s: %w", p.cfg.BindAddr(), err)
	}
	p.listener = ln
	return ln.Addr(), nil
}

// ListenAndServe opens the listener and runs the accept loop until
// Shutdown.
func (p *Proxy) ListenAndServe() error {
	addr, err := p.Listen()
	if err != nil {
		return err
	}
	p.log.Infow("Proxy listening", "addr", addr.String())
	return p.acceptLoop()
}

// Shutdown initiates a graceful shutdown: the listener closes, live
// connections are torn down and their teardown is awaited.
func (p *Proxy) Shutdown(ctx context.Context) error {
	if !p.closed.CompareAndSwap(0, 1) {
		return nil
	}

	p.log.Info("Proxy shutting down...")
	p.cancel()

	p.lnMu.Lock()
	if p.listener != nil {
		_ = p.listener.Close()
	}
	p.lnMu.Unlock()
	p.limiter.Close()
	if p.keys != nil {
		p.keys.Close()
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.log.Info("Proxy shut down cleanly.")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("proxy: graceful shutdown deadline exceeded: %w", ctx.Err())
	}
}

// Sessions returns a snapshot of the live connections, oldest first.
func (p *Proxy) Sessions() []session.Info {
	p.mu.RLock()
	out := make([]session.Info, 0, len(p.sessions))
	for _, s := range p.sessions {
		out = append(out, s.ctx.Info())
	}
	p.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Connected.Before(out[j].Connected) })
	return out
}

// Session returns the live connection with the given id.
func (p *Proxy) Session(id string) (session.Info, bool) {
	p.mu.RLock()
	s, ok := p.sessions[id]
	p.mu.RUnlock()
	if !ok {
		return session.Info{}, false
	}
	return s.ctx.Info(), true
}

// Disconnect closes the connection with the given id.
func (p *Proxy) Disconnect(id string) error {
	p.mu.RLock()
	s, ok := p.sessions[id]
	p.mu.RUnlock()
	if !ok {
		return fmt.Errorf("session %s not found", id)
	}
	return s.Close()
}

// acceptLoop runs until the listener is closed.
func (p *Proxy) acceptLoop() error {
	for {
		conn, err := p.listener.Accept()
		if err != nil {
			if p.closed.Load() == 1 || errors.Is(err, net.ErrClosed) {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				p.log.Warnw("Accept error", zap.Error(err))
				time.Sleep(50 * time.Millisecond)
				continue
			}
			return fmt.Errorf("accept: %w", err)
		}

		if p.closed.Load() == 1 {
			_ = conn.Close()
			return nil
		}

		remoteAddr := conn.RemoteAddr().String()
		release, reason, ok := p.limiter.Admit(remoteAddr)
		if !ok {
			metrics.ConnectionsRejected.WithLabelValues(reason).Inc()
			p.log.Warnw("Connection refused", "remote", remoteAddr, "reason", reason)
			_ = conn.Close()
			continue
		}
		metrics.ConnectionsAccepted.Inc()

		p.wg.Add(1)
		go p.handleConnection(conn, release)
	}
}

// handleConnection runs the full lifecycle for one incoming client.
func (p *Proxy) handleConnection(clientConn net.Conn, release func()) {
	defer p.wg.Done()
	defer release()

	id := uuid.New()
	log := p.log.With("conn", id.String(), "client", clientConn.RemoteAddr().String())

	connCtx, cancel := context.WithCancel(p.ctx)
	defer cancel()

	serverConn, err := dialUpstream(connCtx, p.upstream, p.cfg.Proxy.DialTimeout)
	if err != nil {
		log.Errorw("Failed to connect to upstream", zap.Error(err))
		metrics.ConnectionsRejected.WithLabelValues("upstream_unreachable").Inc()
		_ = clientConn.Close()
		return
	}

	sctx := session.New(session.Params{
		ID:           id,
		BindPort:     p.cfg.Proxy.BindPort,
		UpstreamHost: p.upstream.Host,
		UpstreamPort: p.upstream.Port,
		Accounts:     p.deps.Accounts,
		Registry:     p.deps.Extensions,
		Log:          log,
		Base:         connCtx,
	})
	sctx.ClientAddr.Set(clientConn.RemoteAddr())
	sess := newSession(sctx, clientConn, serverConn, p.deps.Handlers, p.cfg.Proxy.MaxPacketSize, connCtx, cancel)

	p.addSession(sess)
	defer p.removeSession(sess.ID())
	metrics.ConnectionsActive.Inc()
	defer metrics.ConnectionsActive.Dec()

	log.Debugw("Upstream connected", "upstream", p.upstream.Address())
	sctx.NotifyConnect()

	if err := sess.run(); err != nil {
		metrics.ConnectionFaults.Inc()
		sctx.Logger().Warnw("Connection closed by fault", zap.Error(err))
	} else {
		sctx.Logger().Debugw("Connection closed")
	}
	sctx.NotifyDisconnect()
}

func (p *Proxy) addSession(s *Session) {
	p.mu.Lock()
	p.sessions[s.ID()] = s
	p.mu.Unlock()
}

func (p *Proxy) removeSession(id string) {
	p.mu.Lock()
	delete(p.sessions, id)
	p.mu.Unlock()
}
