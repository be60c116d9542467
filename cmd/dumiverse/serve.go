package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/bhandras/dumiverse/internal/api"
	"github.com/bhandras/dumiverse/internal/artifact"
	"github.com/bhandras/dumiverse/internal/config"
	"github.com/bhandras/dumiverse/internal/crypto"
	"github.com/bhandras/dumiverse/internal/engine"
	"github.com/bhandras/dumiverse/internal/engine/execengine"
	"github.com/bhandras/dumiverse/internal/engine/fakeengine"
	"github.com/bhandras/dumiverse/internal/logger"
	"github.com/bhandras/dumiverse/internal/metrics"
	"github.com/bhandras/dumiverse/internal/relay"
	"github.com/bhandras/dumiverse/internal/session"
	"github.com/dustin/go-humanize"
	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const defaultShutdownTimeout = 10 * time.Second

func newServeCommand(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the render coordinator HTTP server",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return bindFlags(v, cmd.Flags())
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := serveConfig(v)
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg, v.GetDuration("shutdown-timeout"), nil)
		},
	}

	flags := cmd.Flags()
	flags.String("listen", "", "listen address (default :$PORT or :3000)")
	flags.String("work-dir", "", "artifact staging directory (default .)")
	flags.String("engine", "", "render engine: exec or fake (default exec)")
	flags.String("engine-command", "", "renderer executable for the exec engine")
	flags.StringSlice("engine-arg", nil, "extra renderer argument, repeatable")
	flags.Duration("poll-interval", 0, "completion marker poll interval (default 100ms)")
	flags.Duration("poll-timeout", 0, "render timeout, 0 waits indefinitely")
	flags.Bool("notify", true, "use filesystem notifications in addition to polling")
	flags.StringSlice("allowed-origin", nil, "CORS allowed origin, repeatable (default *)")
	flags.String("max-upload", "", "maximum multipart upload size, e.g. 512MiB")
	flags.Bool("metrics", false, "expose Prometheus metrics at /metrics")
	flags.Bool("relay", false, "enable the DMX Socket.IO relay")
	flags.String("relay-path", "", "DMX relay Socket.IO path (default /socket.io/)")
	flags.String("auth-secret", "", "require bearer tokens signed with this secret")
	flags.String("tls-cert", "", "PEM certificate chain for HTTPS")
	flags.String("tls-key", "", "PEM private key for HTTPS")
	flags.Duration("shutdown-timeout", defaultShutdownTimeout, "graceful shutdown timeout")
	return cmd
}

// serveConfig loads the environment configuration and applies every option
// set explicitly through flags or the config file.
func serveConfig(v *viper.Viper) (*config.Config, error) {
	var o config.Overrides
	if v.IsSet("listen") {
		o.Addr = ptr(v.GetString("listen"))
	}
	if v.IsSet("work-dir") {
		o.WorkDir = ptr(v.GetString("work-dir"))
	}
	if v.IsSet("engine") {
		o.EngineKind = ptr(v.GetString("engine"))
	}
	if v.IsSet("engine-command") {
		o.EngineCommand = ptr(v.GetString("engine-command"))
	}
	if v.IsSet("engine-arg") {
		o.EngineArgs = v.GetStringSlice("engine-arg")
	}
	if v.IsSet("poll-interval") {
		o.PollInterval = ptr(v.GetDuration("poll-interval"))
	}
	if v.IsSet("poll-timeout") {
		o.PollTimeout = ptr(v.GetDuration("poll-timeout"))
	}
	if v.IsSet("notify") {
		o.Notify = ptr(v.GetBool("notify"))
	}
	if v.IsSet("allowed-origin") {
		o.AllowedOrigins = v.GetStringSlice("allowed-origin")
	}
	if v.IsSet("max-upload") {
		n, err := humanize.ParseBytes(v.GetString("max-upload"))
		if err != nil {
			return nil, fmt.Errorf("max-upload: %w", err)
		}
		o.MaxUploadBytes = ptr(int64(n))
	}
	if v.IsSet("metrics") {
		o.MetricsEnabled = ptr(v.GetBool("metrics"))
	}
	if v.IsSet("relay") {
		o.RelayEnabled = ptr(v.GetBool("relay"))
	}
	if v.IsSet("relay-path") {
		o.RelayPath = ptr(v.GetString("relay-path"))
	}
	if v.IsSet("auth-secret") {
		o.AuthSecret = ptr(v.GetString("auth-secret"))
	}
	if v.IsSet("debug") {
		o.Debug = ptr(v.GetBool("debug"))
	}
	if v.IsSet("log-level") {
		o.LogLevel = ptr(v.GetString("log-level"))
	}
	if cert, key := v.GetString("tls-cert"), v.GetString("tls-key"); cert != "" || key != "" {
		o.TLS = &config.TLSConfig{CertFile: cert, KeyFile: key}
	}
	return config.Load(o)
}

func ptr[T any](v T) *T {
	return &v
}

func newEngine(cfg *config.Config, store *artifact.Store) (engine.Engine, error) {
	artifacts := cfg.Paths().Artifacts()
	switch cfg.Engine.Kind {
	case config.EngineFake:
		logger.Warnf("[serve] using the fake render engine")
		return fakeengine.New(store, artifacts, fakeengine.WithRenderDelay(500*time.Millisecond)), nil
	default:
		e, err := execengine.New(store, execengine.Config{
			Command:   cfg.Engine.Command,
			Args:      cfg.Engine.Args,
			Artifacts: artifacts,
		})
		if err != nil {
			return nil, err
		}
		return e, nil
	}
}

// runServe serves until ctx is done. When ready is non-nil it receives the
// bound listener address once the server accepts connections.
func runServe(ctx context.Context, cfg *config.Config, shutdownTimeout time.Duration, ready chan<- string) error {
	if level, err := logger.ParseLevel(cfg.LogLevel); err == nil {
		logger.SetLevel(level)
	}
	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	store, err := artifact.NewStore(cfg.WorkDir)
	if err != nil {
		return fmt.Errorf("open work dir: %w", err)
	}
	logger.Infof("[serve] staging artifacts in %s", store.Root())

	eng, err := newEngine(cfg, store)
	if err != nil {
		return err
	}

	var (
		m        *metrics.Metrics
		recorder session.Recorder
	)
	if cfg.MetricsEnabled {
		m = metrics.New()
		recorder = m
	}

	coordinator, err := session.New(session.Config{
		Store:        store,
		Engine:       eng,
		Paths:        cfg.Paths(),
		PollInterval: cfg.PollInterval,
		PollTimeout:  cfg.PollTimeout,
		Notify:       cfg.Notify,
		Recorder:     recorder,
	})
	if err != nil {
		return err
	}

	var jwtManager *crypto.JWTManager
	if cfg.AuthSecret != "" {
		jwtManager, err = crypto.NewJWTManager([]byte(cfg.AuthSecret))
		if err != nil {
			return err
		}
		logger.Infof("[serve] bearer token auth enabled")
	}

	var rl *relay.Relay
	if cfg.Relay.Enabled {
		rl = relay.New(cfg.Relay.Path)
		defer rl.Close()
		logger.Infof("[serve] DMX relay listening at %s", cfg.Relay.Path)
	}

	router := api.NewRouter(api.Options{
		Coordinator:    coordinator,
		AllowedOrigins: cfg.AllowedOrigins,
		MaxUploadBytes: cfg.MaxUploadBytes,
		JWT:            jwtManager,
		Metrics:        m,
		Relay:          rl,
		RelayPath:      cfg.Relay.Path,
	})

	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.Addr, err)
	}
	srv := &http.Server{
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if cfg.TLS != nil {
			errCh <- srv.ServeTLS(ln, cfg.TLS.CertFile, cfg.TLS.KeyFile)
			return
		}
		errCh <- srv.Serve(ln)
	}()

	scheme := "http"
	if cfg.TLS != nil {
		scheme = "https"
	}
	logger.Infof("[serve] Dumiverse listening for new connections on %s://%s", scheme, ln.Addr())
	if ready != nil {
		ready <- ln.Addr().String()
	}

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			_ = coordinator.Close()
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	// Closing the session first resolves any render request still waiting.
	if err := coordinator.Close(); err != nil && !errors.Is(err, session.ErrNotOpen) {
		logger.Warnf("[serve] close session: %v", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	logger.Infof("[serve] stopped")
	return nil
}
