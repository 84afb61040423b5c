package proxy

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/MEMOxiiii/odonata-bridge/internal/account"
	"github.com/MEMOxiiii/odonata-bridge/internal/auth"
	"github.com/MEMOxiiii/odonata-bridge/internal/codec"
	"github.com/MEMOxiiii/odonata-bridge/internal/config"
	"github.com/MEMOxiiii/odonata-bridge/internal/crypt"
	"github.com/MEMOxiiii/odonata-bridge/internal/dispatch"
	"github.com/MEMOxiiii/odonata-bridge/internal/protocol"
	"github.com/MEMOxiiii/odonata-bridge/internal/session"
	"github.com/google/uuid"
	"go.uber.org/zap/zaptest"
)

const testVersion = 763

var steveID = uuid.MustParse("8667ba71-b85a-4004-af54-457a9734eed7")

type join struct {
	token   string
	profile uuid.UUID
	hash    string
}

type fakeSessionService struct {
	mu        sync.Mutex
	joins     []join
	hasJoined int
	verified  bool
	joinErr   error
}

func (f *fakeSessionService) JoinServer(_ context.Context, c *auth.Credential, profile uuid.UUID, hash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.joinErr != nil {
		return f.joinErr
	}
	if c == nil {
		return fmt.Errorf("no credential")
	}
	f.joins = append(f.joins, join{c.AccessToken, profile, hash})
	return nil
}

func (f *fakeSessionService) HasJoinedServer(_ context.Context, _, _, _ string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hasJoined++
	return f.verified, nil
}

type staticKeys struct{ kp *crypt.KeyPair }

func (s staticKeys) Acquire() (*crypt.KeyPair, error) { return s.kp, nil }

var (
	keyOnce           sync.Once
	proxyKP, originKP *crypt.KeyPair
)

func testKeys(t *testing.T) (proxy, origin *crypt.KeyPair) {
	t.Helper()
	keyOnce.Do(func() {
		var err error
		if proxyKP, err = crypt.GenerateKeyPair(1024); err != nil {
			panic(err)
		}
		if originKP, err = crypt.GenerateKeyPair(1024); err != nil {
			panic(err)
		}
	})
	return proxyKP, originKP
}

func testAccounts(t *testing.T) *account.Table {
	t.Helper()
	tbl, err := account.Load(filepath.Join(t.TempDir(), "accounts.json"))
	if err != nil {
		t.Fatal(err)
	}
	err = tbl.Add(&account.Profile{
		Username: "Steve",
		ID:       steveID,
		Credential: &auth.Credential{
			AccessToken: "upstream-token",
			ExpiresAt:   time.Now().Add(time.Hour),
		},
	}, false)
	if err != nil {
		t.Fatal(err)
	}
	return tbl
}

type harness struct {
	proxy    *Proxy
	addr     string
	origin   net.Listener
	sessions *fakeSessionService
	ext      *session.Registry
}

func startProxy(t *testing.T, clientCompression bool, ext *session.Registry) *harness {
	t.Helper()
	origin, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { origin.Close() })

	cfg := &config.Config{
		Proxy: config.ProxyConfig{
			MaxPacketSize:     codec.DefaultMaxPacketSize,
			ClientCompression: clientCompression,
			DialTimeout:       2 * time.Second,
		},
		Upstream: config.UpstreamConfig{Host: "127.0.0.1", Port: origin.Addr().(*net.TCPAddr).Port},
	}
	if ext == nil {
		ext = session.NewRegistry()
	}
	pkp, _ := testKeys(t)
	svc := &fakeSessionService{}
	p, err := New(cfg, Deps{
		Accounts:   testAccounts(t),
		Extensions: ext,
		Handlers:   dispatch.NewTable(),
		Sessions:   svc,
		Keys:       staticKeys{pkp},
	}, zaptest.NewLogger(t).Sugar())
	if err != nil {
		t.Fatal(err)
	}
	ext.Seal()
	addr, err := p.Listen()
	if err != nil {
		t.Fatal(err)
	}
	go p.ListenAndServe()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := p.Shutdown(ctx); err != nil {
			t.Errorf("Shutdown: %v", err)
		}
	})

	port := addr.(*net.TCPAddr).Port
	return &harness{proxy: p, addr: fmt.Sprintf("127.0.0.1:%d", port), origin: origin, sessions: svc, ext: ext}
}

func dialClient(t *testing.T, addr string) (net.Conn, *codec.Leg) {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatal(err)
	}
	_ = conn.SetDeadline(time.Now().Add(10 * time.Second))
	t.Cleanup(func() { conn.Close() })
	return conn, codec.NewLeg(conn, codec.DefaultMaxPacketSize)
}

func acceptOrigin(h *harness) (net.Conn, *codec.Leg, error) {
	conn, err := h.origin.Accept()
	if err != nil {
		return nil, nil, err
	}
	_ = conn.SetDeadline(time.Now().Add(10 * time.Second))
	return conn, codec.NewLeg(conn, codec.DefaultMaxPacketSize), nil
}

func handshakePacket(host string, port uint16, intent int32) protocol.Packet {
	var w protocol.Writer
	w.VarInt(testVersion)
	w.UTF8String(host)
	w.Uint16(port)
	w.VarInt(intent)
	return protocol.Packet{ID: protocol.IDHandshake, Payload: w.Bytes()}
}

func stringPacket(id int32, s string) protocol.Packet {
	var w protocol.Writer
	w.UTF8String(s)
	return protocol.Packet{ID: id, Payload: w.Bytes()}
}

func TestStatusPassThrough(t *testing.T) {
	h := startProxy(t, false, nil)

	errc := make(chan error, 1)
	go func() {
		errc <- func() error {
			conn, leg, err := acceptOrigin(h)
			if err != nil {
				return err
			}
			defer conn.Close()
			pk, err := leg.In.ReadPacket()
			if err != nil {
				return err
			}
			r := protocol.NewReader(pk.Payload)
			version, _ := r.VarInt()
			host, _ := r.UTF8String()
			port, _ := r.Uint16()
			intent, _ := r.VarInt()
			if version != testVersion || host != "127.0.0.1" || int(port) != h.proxy.Upstream().Port || intent != 1 {
				return fmt.Errorf("handshake not rewritten: %d %s %d %d", version, host, port, intent)
			}
			req, err := leg.In.ReadPacket()
			if err != nil {
				return err
			}
			if req.ID != 0 || len(req.Payload) != 0 {
				return fmt.Errorf("status request = %+v", req)
			}
			return leg.Out.WritePacket(stringPacket(0, `{"description":"origin"}`))
		}()
	}()

	_, client := dialClient(t, h.addr)
	if err := client.Out.WritePacket(handshakePacket("play.example.net", 25565, 1)); err != nil {
		t.Fatal(err)
	}
	if err := client.Out.WritePacket(protocol.Packet{ID: 0}); err != nil {
		t.Fatal(err)
	}
	resp, err := client.In.ReadPacket()
	if err != nil {
		t.Fatalf("read status response: %v", err)
	}
	if s, _ := protocol.NewReader(resp.Payload).UTF8String(); s != `{"description":"origin"}` {
		t.Errorf("status = %q", s)
	}
	if err := <-errc; err != nil {
		t.Fatalf("origin: %v", err)
	}
}

type greeter struct {
	session.NoopExtension
	ctx *session.Context
}

func (g *greeter) AfterAuthentication() error {
	g.ctx.SendToClient(stringPacket(0x6c, "welcome"))
	return nil
}

func TestLoginWithEncryptionAndCompression(t *testing.T) {
	ext := session.NewRegistry()
	if err := ext.Register("greeter", func(ctx *session.Context) session.Extension { return &greeter{ctx: ctx} }); err != nil {
		t.Fatal(err)
	}
	h := startProxy(t, false, ext)
	_, okp := testKeys(t)

	big := bytes.Repeat([]byte("chunk-data"), 100)
	originToken := []byte{9, 8, 7, 6}
	proxySecretCh := make(chan []byte, 1)
	errc := make(chan error, 1)

	go func() {
		errc <- func() error {
			conn, leg, err := acceptOrigin(h)
			if err != nil {
				return err
			}
			defer conn.Close()

			if _, err := leg.In.ReadPacket(); err != nil {
				return fmt.Errorf("handshake: %w", err)
			}
			start, err := leg.In.ReadPacket()
			if err != nil {
				return fmt.Errorf("login start: %w", err)
			}
			if name, _ := protocol.NewReader(start.Payload).UTF8String(); name != "Steve" {
				return fmt.Errorf("login start name = %q", name)
			}

			var w protocol.Writer
			w.UTF8String("")
			w.ByteArray(okp.PublicDER)
			w.ByteArray(originToken)
			if err := leg.Out.WritePacket(protocol.Packet{ID: protocol.IDEncryptionRequest, Payload: w.Bytes()}); err != nil {
				return err
			}

			resp, err := leg.In.ReadPacket()
			if err != nil {
				return fmt.Errorf("encryption response: %w", err)
			}
			r := protocol.NewReader(resp.Payload)
			sealedSecret, _ := r.ByteArray()
			sealedToken, _ := r.ByteArray()
			secret, err := okp.Decrypt(sealedSecret)
			if err != nil {
				return err
			}
			token, err := okp.Decrypt(sealedToken)
			if err != nil {
				return err
			}
			if !bytes.Equal(token, originToken) {
				return fmt.Errorf("origin got token %x", token)
			}
			proxySecretCh <- secret
			if err := leg.EnableEncryption(secret); err != nil {
				return err
			}

			var cw protocol.Writer
			cw.VarInt(256)
			if err := leg.Out.WritePacket(protocol.Packet{ID: protocol.IDSetCompression, Payload: cw.Bytes()}); err != nil {
				return err
			}
			leg.Out.SetCompressionThreshold(256)
			leg.In.SetCompressionThreshold(256)

			var sw protocol.Writer
			sw.UUID(steveID)
			sw.UTF8String("Steve")
			sw.VarInt(0)
			if err := leg.Out.WritePacket(protocol.Packet{ID: protocol.IDLoginSuccess, Payload: sw.Bytes()}); err != nil {
				return err
			}
			if err := leg.Out.WritePacket(protocol.Packet{ID: 0x24, Payload: big}); err != nil {
				return err
			}

			play, err := leg.In.ReadPacket()
			if err != nil {
				return fmt.Errorf("play from client: %w", err)
			}
			if play.ID != 0x12 || string(play.Payload) != "pong" {
				return fmt.Errorf("play from client = %+v", play)
			}
			return nil
		}()
	}()

	_, client := dialClient(t, h.addr)
	if err := client.Out.WritePacket(handshakePacket("localhost", 25565, 2)); err != nil {
		t.Fatal(err)
	}
	if err := client.Out.WritePacket(stringPacket(protocol.IDLoginStart, "Steve")); err != nil {
		t.Fatal(err)
	}

	req, err := client.In.ReadPacket()
	if err != nil {
		t.Fatalf("read encryption request: %v", err)
	}
	r := protocol.NewReader(req.Payload)
	serverID, _ := r.UTF8String()
	der, _ := r.ByteArray()
	token, _ := r.ByteArray()
	pkp, _ := testKeys(t)
	if serverID != "" || !bytes.Equal(der, pkp.PublicDER) {
		t.Fatal("client was not given the proxy key")
	}
	if bytes.Equal(token, originToken) || len(token) != crypt.VerifyTokenLen {
		t.Fatalf("client verify token = %x, want a fresh proxy token", token)
	}

	pub, err := crypt.ParsePublicKey(der)
	if err != nil {
		t.Fatal(err)
	}
	clientSecret, _ := crypt.NewSecret()
	sealedSecret, _ := crypt.Encrypt(pub, clientSecret)
	sealedToken, _ := crypt.Encrypt(pub, token)
	var w protocol.Writer
	w.ByteArray(sealedSecret)
	w.ByteArray(sealedToken)
	if err := client.Out.WritePacket(protocol.Packet{ID: protocol.IDEncryptionResponse, Payload: w.Bytes()}); err != nil {
		t.Fatal(err)
	}
	if err := client.EnableEncryption(clientSecret); err != nil {
		t.Fatal(err)
	}

	success, err := client.In.ReadPacket()
	if err != nil {
		t.Fatalf("read login success: %v", err)
	}
	if success.ID != protocol.IDLoginSuccess {
		t.Fatalf("got packet 0x%02x, want login success (set compression must be swallowed)", success.ID)
	}
	injected, err := client.In.ReadPacket()
	if err != nil {
		t.Fatalf("read injected: %v", err)
	}
	if s, _ := protocol.NewReader(injected.Payload).UTF8String(); injected.ID != 0x6c || s != "welcome" {
		t.Fatalf("injected = 0x%02x %q", injected.ID, s)
	}
	play, err := client.In.ReadPacket()
	if err != nil {
		t.Fatalf("read play: %v", err)
	}
	if play.ID != 0x24 || !bytes.Equal(play.Payload, big) {
		t.Fatalf("play packet = 0x%02x (%d bytes)", play.ID, len(play.Payload))
	}
	if err := client.Out.WritePacket(protocol.Packet{ID: 0x12, Payload: []byte("pong")}); err != nil {
		t.Fatal(err)
	}

	if err := <-errc; err != nil {
		t.Fatalf("origin: %v", err)
	}
	proxySecret := <-proxySecretCh

	h.sessions.mu.Lock()
	defer h.sessions.mu.Unlock()
	if h.sessions.hasJoined != 0 {
		t.Errorf("hasJoined called %d times for a loopback client", h.sessions.hasJoined)
	}
	if len(h.sessions.joins) != 1 {
		t.Fatalf("joins = %d, want 1", len(h.sessions.joins))
	}
	j := h.sessions.joins[0]
	if j.token != "upstream-token" || j.profile != steveID {
		t.Errorf("join = %+v", j)
	}
	if want := crypt.ServerIDHash("", proxySecret, okp.PublicDER); j.hash != want {
		t.Errorf("join hash = %s, want %s", j.hash, want)
	}
}

func TestUnreachableUpstreamClosesClient(t *testing.T) {
	h := startProxy(t, false, nil)
	h.origin.Close()

	conn, _ := dialClient(t, h.addr)
	buf := make([]byte, 1)
	if _, err := conn.Read(buf); err == nil {
		t.Fatal("read from client socket succeeded, want close")
	}
}

func TestHandshakeFaultClosesConnection(t *testing.T) {
	h := startProxy(t, false, nil)
	go func() {
		conn, _, err := acceptOrigin(h)
		if err == nil {
			defer conn.Close()
			buf := make([]byte, 64)
			for {
				if _, err := conn.Read(buf); err != nil {
					return
				}
			}
		}
	}()

	conn, client := dialClient(t, h.addr)
	// Only packet 0 is legal before the handshake.
	if err := client.Out.WritePacket(protocol.Packet{ID: 0x05}); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 1)
	if _, err := conn.Read(buf); err == nil {
		t.Fatal("connection stayed open after a handshake fault")
	}
}

func TestSessionsSnapshot(t *testing.T) {
	h := startProxy(t, false, nil)
	originConn := make(chan net.Conn, 1)
	go func() {
		conn, _, err := acceptOrigin(h)
		if err == nil {
			originConn <- conn
		}
	}()

	_, client := dialClient(t, h.addr)
	if err := client.Out.WritePacket(handshakePacket("localhost", 25565, 2)); err != nil {
		t.Fatal(err)
	}
	oc := <-originConn
	defer oc.Close()

	var infos []session.Info
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		infos = h.proxy.Sessions()
		if len(infos) == 1 && infos[0].State == protocol.Login.String() {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if len(infos) != 1 || infos[0].State != protocol.Login.String() || infos[0].Protocol != testVersion {
		t.Fatalf("sessions = %+v", infos)
	}
	if _, ok := h.proxy.Session(infos[0].ID); !ok {
		t.Error("Session lookup by id failed")
	}
	if err := h.proxy.Disconnect(infos[0].ID); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
}

func TestInjectedPacketWrittenAfterBusyPipeReleases(t *testing.T) {
	table := dispatch.NewTable()
	table.Register(protocol.ServerBound, protocol.Login, protocol.IDLoginStart,
		func(ctx *session.Context, _ protocol.Packet) (dispatch.Result, error) {
			ctx.SendToClient(stringPacket(0x6c, "queued"))
			return dispatch.Pass(), nil
		})

	sctx := session.New(session.Params{})
	if err := sctx.Advance(protocol.Login); err != nil {
		t.Fatal(err)
	}
	clientConn, clientPeer := net.Pipe()
	serverConn, serverPeer := net.Pipe()
	base, cancel := context.WithCancel(context.Background())
	s := newSession(sctx, clientConn, serverConn, table, codec.DefaultMaxPacketSize, base, cancel)
	t.Cleanup(func() {
		s.Close()
		clientPeer.Close()
		serverPeer.Close()
	})
	_ = clientPeer.SetDeadline(time.Now().Add(5 * time.Second))
	_ = serverPeer.SetDeadline(time.Now().Add(5 * time.Second))

	origin := codec.NewLeg(serverPeer, codec.DefaultMaxPacketSize)
	forwarded := make(chan error, 1)
	go func() {
		_, err := origin.In.ReadPacket()
		forwarded <- err
	}()

	// The client-bound pipe is in the middle of its own step.
	s.sendMu[protocol.ClientBound].Lock()
	if err := s.step(protocol.ServerBound, sctx.Server, stringPacket(protocol.IDLoginStart, "Steve")); err != nil {
		t.Fatalf("server-bound step: %v", err)
	}
	if err := <-forwarded; err != nil {
		t.Fatalf("origin read: %v", err)
	}
	if n := sctx.Injected(protocol.ClientBound).Len(); n != 1 {
		t.Fatalf("queued for client = %d while its pipe is busy, want 1", n)
	}

	client := codec.NewLeg(clientPeer, codec.DefaultMaxPacketSize)
	type read struct {
		pk  protocol.Packet
		err error
	}
	got := make(chan read, 1)
	go func() {
		pk, err := client.In.ReadPacket()
		got <- read{pk, err}
	}()

	// The busy pipe finishes its step.
	if err := s.release(protocol.ClientBound); err != nil {
		t.Fatalf("release: %v", err)
	}
	r := <-got
	if r.err != nil {
		t.Fatalf("client read: %v", r.err)
	}
	if text, _ := protocol.NewReader(r.pk.Payload).UTF8String(); r.pk.ID != 0x6c || text != "queued" {
		t.Errorf("client got 0x%02x %q", r.pk.ID, text)
	}
	if n := sctx.Injected(protocol.ClientBound).Len(); n != 0 {
		t.Errorf("queue still holds %d packets", n)
	}
}
