// Package addon loads the extensions compiled into the bridge.
//
// # Usage
//
//  1. Implement Addon. Init receives an Env to read its config file from and
//     to register extension factories and packet handlers through.
//  2. Pass every addon to Load before the proxy starts listening.
//  3. Registrations only take effect when Init returns nil, so a failing
//     addon leaves nothing behind.
package addon

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/MEMOxiiii/odonata-bridge/internal/dispatch"
	"github.com/MEMOxiiii/odonata-bridge/internal/protocol"
	"github.com/MEMOxiiii/odonata-bridge/internal/session"
	"github.com/MEMOxiiii/odonata-bridge/pkg/logger"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// ErrNoConfig is returned by Env.DecodeConfig when the addon has no config file.
var ErrNoConfig = errors.New("addon: no config file")

// Addon is a unit of bridge functionality initialised once at startup.
type Addon interface {
	// ID names the addon in logs and selects its config file <dir>/<id>.yaml.
	ID() string
	Init(env *Env) error
}

// ─── Env ──────────────────────────────────────────────────────────────────────

type handlerReg struct {
	key dispatch.Key
	h   dispatch.Handler
}

type extensionReg struct {
	tag string
	f   session.Factory
}

// Env is what an addon sees during Init.
type Env struct {
	id  string
	dir string
	log logger.Logger

	extensions []extensionReg
	handlers   []handlerReg
}

// Log returns a logger tagged with the addon id.
func (e *Env) Log() logger.Logger { return e.log }

// ConfigPath is the file DecodeConfig reads.
func (e *Env) ConfigPath() string {
	return filepath.Join(e.dir, e.id+".yaml")
}

// DecodeConfig decodes the addon's YAML config file into v. It returns
// ErrNoConfig when the file does not exist so the addon can keep defaults.
func (e *Env) DecodeConfig(v any) error {
	f, err := os.Open(e.ConfigPath())
	if errors.Is(err, os.ErrNotExist) {
		return ErrNoConfig
	}
	if err != nil {
		return fmt.Errorf("open addon config: %w", err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("decode addon config %q: %w", e.ConfigPath(), err)
	}
	return nil
}

// RegisterExtension stages an extension factory under tag.
func (e *Env) RegisterExtension(tag string, f session.Factory) {
	e.extensions = append(e.extensions, extensionReg{tag, f})
}

// Handle stages a packet handler for (dir, state, id).
func (e *Env) Handle(dir protocol.Direction, state protocol.State, id int32, h dispatch.Handler) {
	e.handlers = append(e.handlers, handlerReg{dispatch.Key{Direction: dir, State: state, ID: id}, h})
}

// ─── Loading ──────────────────────────────────────────────────────────────────

// Loader commits addon registrations into the proxy's registry and table.
type Loader struct {
	Dir        string
	Extensions *session.Registry
	Handlers   *dispatch.Table
	Log        logger.Logger
}

// Load initialises addons in order and returns the ids of those that
// loaded. An addon whose Init fails or panics is logged and skipped.
func (l *Loader) Load(addons ...Addon) []string {
	log := logger.OrNop(l.Log)
	var loaded []string
	for _, a := range addons {
		id := a.ID()
		env := &Env{id: id, dir: l.Dir, log: log.With("addon", id)}
		if err := safeInit(a, env); err != nil {
			log.Errorw("Addon failed to initialise, unloading", "addon", id, zap.Error(err))
			continue
		}
		if err := l.commit(env); err != nil {
			log.Errorw("Addon registration rejected, unloading", "addon", id, zap.Error(err))
			continue
		}
		log.Infow("Addon loaded",
			"addon", id,
			"extensions", len(env.extensions),
			"handlers", len(env.handlers),
		)
		loaded = append(loaded, id)
	}
	return loaded
}

func safeInit(a Addon, env *Env) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return a.Init(env)
}

func (l *Loader) commit(env *Env) error {
	for i, x := range env.extensions {
		if err := l.Extensions.Register(x.tag, x.f); err != nil {
			for _, done := range env.extensions[:i] {
				_ = l.Extensions.Unregister(done.tag)
			}
			return err
		}
	}
	for _, r := range env.handlers {
		if l.Handlers.Register(r.key.Direction, r.key.State, r.key.ID, r.h) {
			env.log.Warnw("Addon replaced an existing packet handler", "key", r.key.String())
		}
	}
	return nil
}
