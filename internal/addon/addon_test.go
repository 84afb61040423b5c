package addon

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/MEMOxiiii/odonata-bridge/internal/dispatch"
	"github.com/MEMOxiiii/odonata-bridge/internal/protocol"
	"github.com/MEMOxiiii/odonata-bridge/internal/session"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type funcAddon struct {
	id   string
	init func(env *Env) error
}

func (a funcAddon) ID() string          { return a.id }
func (a funcAddon) Init(env *Env) error { return a.init(env) }

func newLoader(t *testing.T) (*Loader, *observer.ObservedLogs) {
	core, logs := observer.New(zapcore.InfoLevel)
	return &Loader{
		Dir:        t.TempDir(),
		Extensions: session.NewRegistry(),
		Handlers:   dispatch.NewTable(),
		Log:        zap.New(core).Sugar(),
	}, logs
}

func noopFactory(*session.Context) session.Extension { return session.NoopExtension{} }

func TestLoadCommitsRegistrations(t *testing.T) {
	l, _ := newLoader(t)
	good := funcAddon{"good", func(env *Env) error {
		env.RegisterExtension("good", noopFactory)
		env.Handle(protocol.ClientBound, protocol.Play, 0x20, func(*session.Context, protocol.Packet) (dispatch.Result, error) {
			return dispatch.Drop(), nil
		})
		return nil
	}}

	loaded := l.Load(good)
	if len(loaded) != 1 || loaded[0] != "good" {
		t.Fatalf("loaded = %v", loaded)
	}
	if tags := l.Extensions.Tags(); len(tags) != 1 || tags[0] != "good" {
		t.Errorf("tags = %v", tags)
	}
	if _, ok := l.Handlers.Lookup(dispatch.Key{Direction: protocol.ClientBound, State: protocol.Play, ID: 0x20}); !ok {
		t.Error("handler not registered")
	}
}

func TestFailingAddonIsUnloaded(t *testing.T) {
	l, logs := newLoader(t)
	failing := funcAddon{"failing", func(env *Env) error {
		env.RegisterExtension("failing", noopFactory)
		env.Handle(protocol.ServerBound, protocol.Play, 1, nil)
		return errors.New("boom")
	}}
	panicking := funcAddon{"panicking", func(env *Env) error {
		env.RegisterExtension("panicking", noopFactory)
		panic("bad addon")
	}}
	after := funcAddon{"after", func(env *Env) error {
		env.RegisterExtension("after", noopFactory)
		return nil
	}}

	loaded := l.Load(failing, panicking, after)
	if len(loaded) != 1 || loaded[0] != "after" {
		t.Fatalf("loaded = %v", loaded)
	}
	if tags := l.Extensions.Tags(); len(tags) != 1 || tags[0] != "after" {
		t.Errorf("failed addons left registrations: %v", tags)
	}
	if l.Handlers.Len() != 0 {
		t.Errorf("failed addon left %d handlers", l.Handlers.Len())
	}

	failed := logs.FilterMessage("Addon failed to initialise, unloading").All()
	if len(failed) != 2 {
		t.Fatalf("logged %d failures, want 2", len(failed))
	}
	if failed[0].ContextMap()["addon"] != "failing" || failed[1].ContextMap()["addon"] != "panicking" {
		t.Errorf("failures logged for %v, %v", failed[0].ContextMap()["addon"], failed[1].ContextMap()["addon"])
	}
}

func TestSealedRegistryRejectsAddon(t *testing.T) {
	l, logs := newLoader(t)
	l.Extensions.Seal()
	loaded := l.Load(funcAddon{"late", func(env *Env) error {
		env.RegisterExtension("late", noopFactory)
		return nil
	}})
	if len(loaded) != 0 {
		t.Fatalf("loaded = %v", loaded)
	}
	if logs.FilterMessage("Addon registration rejected, unloading").Len() != 1 {
		t.Error("rejection not logged")
	}
}

type sampleConfig struct {
	Greeting string `yaml:"greeting"`
	Limit    int    `yaml:"limit"`
}

func TestDecodeConfig(t *testing.T) {
	l, _ := newLoader(t)
	if err := os.WriteFile(filepath.Join(l.Dir, "greeter.yaml"), []byte("greeting: hi\nlimit: 3\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	var got sampleConfig
	var missingErr error
	l.Load(
		funcAddon{"greeter", func(env *Env) error { return env.DecodeConfig(&got) }},
		funcAddon{"silent", func(env *Env) error {
			var c sampleConfig
			missingErr = env.DecodeConfig(&c)
			return nil
		}},
	)
	if got.Greeting != "hi" || got.Limit != 3 {
		t.Errorf("decoded = %+v", got)
	}
	if !errors.Is(missingErr, ErrNoConfig) {
		t.Errorf("missing config err = %v, want ErrNoConfig", missingErr)
	}
}

func TestDecodeConfigUnknownField(t *testing.T) {
	l, logs := newLoader(t)
	if err := os.WriteFile(filepath.Join(l.Dir, "strict.yaml"), []byte("nope: 1\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	loaded := l.Load(funcAddon{"strict", func(env *Env) error {
		var c sampleConfig
		return env.DecodeConfig(&c)
	}})
	if len(loaded) != 0 || logs.FilterMessage("Addon failed to initialise, unloading").Len() != 1 {
		t.Fatalf("unknown config field accepted: %v", loaded)
	}
}

func TestConnLog(t *testing.T) {
	l, _ := newLoader(t)
	if loaded := l.Load(ConnLog{}); len(loaded) != 1 {
		t.Fatalf("connlog did not load")
	}

	core, logs := observer.New(zapcore.DebugLevel)
	ctx := session.New(session.Params{
		UpstreamHost: "mc.example.net",
		UpstreamPort: 25565,
		Registry:     l.Extensions,
		Log:          zap.New(core).Sugar(),
	})
	ctx.Username.Set("Steve")
	ctx.NotifyConnect()
	ctx.NotifyAuthenticated()
	ctx.NotifyDisconnect()

	want := []string{"Client connected", "Player authenticated", "Client disconnected"}
	all := logs.All()
	if len(all) != len(want) {
		t.Fatalf("logged %d entries, want %d", len(all), len(want))
	}
	for i, msg := range want {
		if all[i].Message != msg || all[i].Level != zapcore.InfoLevel {
			t.Errorf("entry %d = %s %q", i, all[i].Level, all[i].Message)
		}
	}
	if all[1].ContextMap()["username"] != "Steve" {
		t.Errorf("authenticated entry = %v", all[1].ContextMap())
	}
}

func TestConnLogConfig(t *testing.T) {
	l, _ := newLoader(t)
	if err := os.WriteFile(filepath.Join(l.Dir, "connlog.yaml"), []byte("level: debug\ndisconnect: false\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	l.Load(ConnLog{})

	core, logs := observer.New(zapcore.DebugLevel)
	ctx := session.New(session.Params{Registry: l.Extensions, Log: zap.New(core).Sugar()})
	ctx.NotifyConnect()
	ctx.NotifyDisconnect()

	all := logs.All()
	if len(all) != 1 || all[0].Level != zapcore.DebugLevel {
		t.Fatalf("entries = %+v", all)
	}
}
