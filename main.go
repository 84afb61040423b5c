// Command odonata-bridge is a transparent Minecraft Java Edition proxy that
// logs in to the origin server with a stored Microsoft account on behalf of
// every client that connects to it.
//
// # Features
//
//   - Length-framed, zlib-compressed, AES/CFB8-encrypted packet forwarding
//   - Encryption bridged on both legs with a proxy key pair
//   - Microsoft → Xbox Live → XSTS → game-service login chain
//   - Addons that register per-connection extensions and packet handlers
//   - Per-IP connection admission and a global connection cap
//   - Optional admin HTTP surface with Prometheus metrics
//   - Structured logging via zap, YAML-driven configuration
//
// # Getting started
//
//	go build -o odonata-bridge .
//	./odonata-bridge accounts add
//	./odonata-bridge serve --config config.yaml
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MEMOxiiii/odonata-bridge/internal/account"
	"github.com/MEMOxiiii/odonata-bridge/internal/addon"
	"github.com/MEMOxiiii/odonata-bridge/internal/api"
	"github.com/MEMOxiiii/odonata-bridge/internal/auth"
	"github.com/MEMOxiiii/odonata-bridge/internal/config"
	"github.com/MEMOxiiii/odonata-bridge/internal/dispatch"
	"github.com/MEMOxiiii/odonata-bridge/internal/httpx"
	"github.com/MEMOxiiii/odonata-bridge/internal/proxy"
	"github.com/MEMOxiiii/odonata-bridge/internal/session"
	"github.com/MEMOxiiii/odonata-bridge/pkg/logger"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const version = "1.0.0"

const (
	exitRuntime = 1
	exitInit    = 2
)

// httpTimeout bounds every identity-service request.
const httpTimeout = 30 * time.Second

// exitError carries the process exit code out of a command.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func initFailure(err error) error    { return &exitError{code: exitInit, err: err} }
func runtimeFailure(err error) error { return &exitError{code: exitRuntime, err: err} }

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err == nil {
		return
	}
	_, _ = fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
	code := exitRuntime
	var ee *exitError
	if errors.As(err, &ee) {
		code = ee.code
	}
	os.Exit(code)
}

// rootFlags are shared by every command.
type rootFlags struct {
	configPath   string
	bindPort     int
	upstreamHost string
	upstreamPort int
	accountsFile string
	addonsDir    string
}

func (f *rootFlags) overrides() config.Overrides {
	return config.Overrides{
		BindPort:     f.bindPort,
		UpstreamHost: f.upstreamHost,
		UpstreamPort: f.upstreamPort,
		AccountsFile: f.accountsFile,
		AddonsDir:    f.addonsDir,
	}
}

func newRootCmd() *cobra.Command {
	f := &rootFlags{}
	root := &cobra.Command{
		Use:           "odonata-bridge",
		Short:         "Transparent Minecraft proxy that logs in with stored Microsoft accounts",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	pf := root.PersistentFlags()
	pf.StringVarP(&f.configPath, "config", "c", "", "Path to the YAML configuration file")
	pf.IntVar(&f.bindPort, "bind-port", 0, "Port clients connect to (overrides proxy.bind_port)")
	pf.StringVar(&f.upstreamHost, "address", "", "Origin server host (overrides upstream.host)")
	pf.IntVar(&f.upstreamPort, "port", 0, "Origin server port; 0 looks up the SRV record (overrides upstream.port)")
	pf.StringVar(&f.accountsFile, "accounts-file", "", "Accounts file (overrides accounts_file)")
	pf.StringVar(&f.addonsDir, "addons-dir", "", "Addon configuration directory (overrides addons_dir)")

	root.AddCommand(newServeCmd(f), newAccountsCmd(f))
	return root
}

// ─── serve ────────────────────────────────────────────────────────────────────

func newServeCmd(f *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the proxy",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), f)
		},
	}
}

// builtinAddons are loaded before the proxy starts listening.
func builtinAddons() []addon.Addon {
	return []addon.Addon{addon.ConnLog{}}
}

func serve(ctx context.Context, f *rootFlags) error {
	// ── Load configuration ───────────────────────────────────────────────────
	cfg, err := config.Load(f.configPath, f.overrides())
	if err != nil {
		return initFailure(fmt.Errorf("load config: %w", err))
	}

	// ── Initialise logger ────────────────────────────────────────────────────
	log, err := logger.New(cfg.Logging.Logger())
	if err != nil {
		return initFailure(fmt.Errorf("init logger: %w", err))
	}
	defer func() { _ = log.Sync() }()

	log.Infow("Odonata Bridge starting",
		"version", version,
		"bind_port", cfg.Proxy.BindPort,
		"upstream", cfg.Upstream.Host,
	)

	// ── Accounts ─────────────────────────────────────────────────────────────
	accounts, err := account.Load(cfg.AccountsFile)
	if err != nil {
		log.Errorw("Failed to load accounts", "file", cfg.AccountsFile, zap.Error(err))
		return initFailure(err)
	}
	authn := auth.New(httpx.New(httpTimeout))

	refreshed, err := accounts.RefreshExpired(ctx, authn, time.Now(), log)
	if err != nil {
		log.Warnw("Some accounts could not be refreshed", zap.Error(err))
	}
	log.Infow("Accounts loaded", "file", accounts.Path(), "count", accounts.Len(), "refreshed", refreshed)

	// ── Build proxy ──────────────────────────────────────────────────────────
	extensions := session.NewRegistry()
	defer extensions.Teardown()
	handlers := dispatch.NewTable()

	p, err := proxy.New(cfg, proxy.Deps{
		Accounts:   accounts,
		Extensions: extensions,
		Handlers:   handlers,
		Sessions:   authn,
	}, log)
	if err != nil {
		log.Errorw("Failed to create proxy", zap.Error(err))
		return initFailure(err)
	}

	// ── Load addons ──────────────────────────────────────────────────────────
	//
	// Addons run after the default handlers are installed, so a handler they
	// register for the same packet replaces the default one.
	loader := &addon.Loader{
		Dir:        cfg.AddonsDir,
		Extensions: extensions,
		Handlers:   handlers,
		Log:        log,
	}
	loaded := loader.Load(builtinAddons()...)
	extensions.Seal()
	log.Infow("Addons ready", "loaded", loaded, "extensions", extensions.Tags(), "handlers", handlers.Len())

	if _, err := p.Listen(); err != nil {
		log.Errorw("Failed to bind listener", zap.Error(err))
		_ = p.Shutdown(context.Background())
		return initFailure(err)
	}

	// ── Admin API ────────────────────────────────────────────────────────────
	if cfg.Admin.Listen != "" {
		srv := api.NewServer(p, accounts, cfg.Logging.Level == "debug", log)
		go func() {
			if err := srv.Start(ctx, cfg.Admin.Listen); err != nil {
				log.Errorw("Admin API stopped", zap.Error(err))
			}
		}()
	}

	// ── Serve until signalled ────────────────────────────────────────────────
	serveErr := make(chan error, 1)
	go func() { serveErr <- p.ListenAndServe() }()

	var runErr error
	select {
	case runErr = <-serveErr:
		serveErr = nil
		if runErr != nil {
			log.Errorw("Proxy exited with error", zap.Error(runErr))
		}
	case <-ctx.Done():
		log.Info("Received shutdown signal")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := p.Shutdown(shutdownCtx); err != nil {
		log.Errorw("Graceful shutdown incomplete", zap.Error(err))
		runErr = multierr.Append(runErr, err)
	}
	if serveErr != nil {
		if err := <-serveErr; err != nil {
			runErr = multierr.Append(runErr, err)
		}
	}
	if runErr != nil {
		return runtimeFailure(runErr)
	}

	log.Info("Odonata Bridge stopped.")
	return nil
}
