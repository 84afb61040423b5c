package addon

import (
	"errors"
	"fmt"
	"time"

	"github.com/MEMOxiiii/odonata-bridge/internal/session"
	"go.uber.org/zap/zapcore"
)

// ConnLogTag is the extension tag of the connection logger.
const ConnLogTag = "connlog"

// ConnLogConfig is read from connlog.yaml.
type ConnLogConfig struct {
	// Level the lifecycle lines are logged at. Default info.
	Level string `yaml:"level"`
	// Disconnect controls the line logged at teardown. Default true.
	Disconnect *bool `yaml:"disconnect"`
}

// ConnLog logs when players connect, authenticate and leave.
type ConnLog struct{}

func (ConnLog) ID() string { return ConnLogTag }

func (ConnLog) Init(env *Env) error {
	var cfg ConnLogConfig
	if err := env.DecodeConfig(&cfg); err != nil && !errors.Is(err, ErrNoConfig) {
		return err
	}
	level := zapcore.InfoLevel
	if cfg.Level != "" {
		if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
			return fmt.Errorf("connlog level: %w", err)
		}
	}
	disconnect := cfg.Disconnect == nil || *cfg.Disconnect

	env.RegisterExtension(ConnLogTag, func(ctx *session.Context) session.Extension {
		return &connLogExt{ctx: ctx, level: level, disconnect: disconnect}
	})
	return nil
}

type connLogExt struct {
	session.NoopExtension
	ctx        *session.Context
	level      zapcore.Level
	disconnect bool
}

func (e *connLogExt) OnConnect() error {
	e.ctx.Logger().Logw(e.level, "Client connected",
		"upstream", fmt.Sprintf("%s:%d", e.ctx.UpstreamHost, e.ctx.UpstreamPort),
	)
	return nil
}

func (e *connLogExt) AfterAuthentication() error {
	info := e.ctx.Info()
	e.ctx.Logger().Logw(e.level, "Player authenticated",
		"username", info.Username,
		"uuid", info.PlayerID,
		"protocol", info.Protocol,
	)
	return nil
}

func (e *connLogExt) OnDisconnect() error {
	if !e.disconnect {
		return nil
	}
	info := e.ctx.Info()
	e.ctx.Logger().Logw(e.level, "Client disconnected",
		"username", info.Username,
		"state", info.State,
		"duration", time.Since(e.ctx.Connected).Round(time.Millisecond),
	)
	return nil
}
