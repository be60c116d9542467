package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/bhandras/dumiverse/internal/session"
	"github.com/dustin/go-humanize"
)

// Staging locations, relative to WorkDir.
const (
	ScenePath    = "tmp_scene/scene.ass"
	OutputPath   = "buffer_out.buf"
	MarkerPath   = "render_done.out"
	ProgressPath = "render_progress.out"
)

// Engine kinds.
const (
	EngineExec = "exec"
	EngineFake = "fake"
)

const (
	defaultPort           = 3000
	defaultPollInterval   = 100 * time.Millisecond
	defaultRelayPath      = "/socket.io/"
	defaultMaxUploadBytes = 512 << 20
)

// Config holds server configuration.
type Config struct {
	// Addr is the listen address for the HTTP(S) server.
	Addr string
	// WorkDir is the artifact store root.
	WorkDir        string
	PollInterval   time.Duration
	PollTimeout    time.Duration
	Notify         bool
	Debug          bool
	LogLevel       string
	AllowedOrigins []string
	MetricsEnabled bool
	// AuthSecret enables bearer token auth when non-empty.
	AuthSecret     string
	MaxUploadBytes int64
	Engine         EngineConfig
	Relay          RelayConfig
	// TLS holds HTTPS configuration. If nil, the server runs in plain HTTP mode.
	TLS *TLSConfig
}

// EngineConfig selects the render engine.
type EngineConfig struct {
	// Kind is EngineExec or EngineFake.
	Kind    string
	Command string
	Args    []string
}

// RelayConfig configures the DMX Socket.IO relay.
type RelayConfig struct {
	Enabled bool
	Path    string
}

// TLSConfig holds file paths for serving HTTPS directly from the server.
type TLSConfig struct {
	// CertFile is a PEM-encoded certificate chain.
	CertFile string
	// KeyFile is a PEM-encoded private key.
	KeyFile string
}

// Overrides optionally overrides values from environment variables.
//
// A nil pointer means "use the environment/default value".
type Overrides struct {
	Addr           *string
	WorkDir        *string
	PollInterval   *time.Duration
	PollTimeout    *time.Duration
	Notify         *bool
	Debug          *bool
	LogLevel       *string
	AllowedOrigins []string
	MetricsEnabled *bool
	AuthSecret     *string
	MaxUploadBytes *int64
	EngineKind     *string
	EngineCommand  *string
	EngineArgs     []string
	RelayEnabled   *bool
	RelayPath      *string
	TLS            *TLSConfig
}

// Load loads server configuration from environment variables and applies any
// explicit overrides.
func Load(overrides Overrides) (*Config, error) {
	port := defaultPort
	if portStr := os.Getenv("PORT"); portStr != "" {
		if p, err := strconv.Atoi(portStr); err == nil {
			port = p
		}
	}
	addr := fmt.Sprintf(":%d", port)
	if overrides.Addr != nil {
		addr = *overrides.Addr
	}

	workDir := envString("DUMIVERSE_WORK_DIR", ".")
	if overrides.WorkDir != nil {
		workDir = *overrides.WorkDir
	}

	pollInterval, err := envDuration("DUMIVERSE_POLL_INTERVAL", defaultPollInterval)
	if err != nil {
		return nil, err
	}
	if overrides.PollInterval != nil {
		pollInterval = *overrides.PollInterval
	}

	pollTimeout, err := envDuration("DUMIVERSE_POLL_TIMEOUT", 0)
	if err != nil {
		return nil, err
	}
	if overrides.PollTimeout != nil {
		pollTimeout = *overrides.PollTimeout
	}

	maxUpload := int64(defaultMaxUploadBytes)
	if s := os.Getenv("DUMIVERSE_MAX_UPLOAD"); s != "" {
		n, err := humanize.ParseBytes(s)
		if err != nil {
			return nil, fmt.Errorf("DUMIVERSE_MAX_UPLOAD: %w", err)
		}
		maxUpload = int64(n)
	}
	if overrides.MaxUploadBytes != nil {
		maxUpload = *overrides.MaxUploadBytes
	}

	debug := envBool("DEBUG")
	if overrides.Debug != nil {
		debug = *overrides.Debug
	}

	logLevel := envString("DUMIVERSE_LOG_LEVEL", "info")
	if debug {
		logLevel = "debug"
	}
	if overrides.LogLevel != nil {
		logLevel = *overrides.LogLevel
	}

	origins := []string{"*"} // For self-hosted, allow all origins
	if s := os.Getenv("DUMIVERSE_ALLOWED_ORIGINS"); s != "" {
		origins = splitList(s, ",")
	}
	if overrides.AllowedOrigins != nil {
		origins = overrides.AllowedOrigins
	}

	engine := EngineConfig{
		Kind:    envString("DUMIVERSE_ENGINE", EngineExec),
		Command: os.Getenv("DUMIVERSE_ENGINE_COMMAND"),
		Args:    splitList(os.Getenv("DUMIVERSE_ENGINE_ARGS"), " "),
	}
	if overrides.EngineKind != nil {
		engine.Kind = *overrides.EngineKind
	}
	if overrides.EngineCommand != nil {
		engine.Command = *overrides.EngineCommand
	}
	if overrides.EngineArgs != nil {
		engine.Args = overrides.EngineArgs
	}

	relay := RelayConfig{
		Enabled: envBool("DUMIVERSE_RELAY"),
		Path:    envString("DUMIVERSE_RELAY_PATH", defaultRelayPath),
	}
	if overrides.RelayEnabled != nil {
		relay.Enabled = *overrides.RelayEnabled
	}
	if overrides.RelayPath != nil {
		relay.Path = *overrides.RelayPath
	}

	cfg := &Config{
		Addr:           addr,
		WorkDir:        workDir,
		PollInterval:   pollInterval,
		PollTimeout:    pollTimeout,
		Notify:         !envBool("DUMIVERSE_NO_NOTIFY"),
		Debug:          debug,
		LogLevel:       logLevel,
		AllowedOrigins: origins,
		MetricsEnabled: envBool("DUMIVERSE_METRICS"),
		AuthSecret:     os.Getenv("DUMIVERSE_AUTH_SECRET"),
		MaxUploadBytes: maxUpload,
		Engine:         engine,
		Relay:          relay,
		TLS:            overrides.TLS,
	}
	if overrides.Notify != nil {
		cfg.Notify = *overrides.Notify
	}
	if overrides.MetricsEnabled != nil {
		cfg.MetricsEnabled = *overrides.MetricsEnabled
	}
	if overrides.AuthSecret != nil {
		cfg.AuthSecret = *overrides.AuthSecret
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if c.WorkDir == "" {
		return errors.New("work dir is required")
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll interval must be positive, got %v", c.PollInterval)
	}
	if c.PollTimeout < 0 {
		return fmt.Errorf("poll timeout must not be negative, got %v", c.PollTimeout)
	}
	if c.MaxUploadBytes <= 0 {
		return fmt.Errorf("max upload size must be positive, got %d", c.MaxUploadBytes)
	}
	switch c.Engine.Kind {
	case EngineExec:
		if c.Engine.Command == "" {
			return errors.New("DUMIVERSE_ENGINE_COMMAND is required for the exec engine")
		}
	case EngineFake:
	default:
		return fmt.Errorf("unknown engine %q", c.Engine.Kind)
	}
	if c.Relay.Enabled && !strings.HasPrefix(c.Relay.Path, "/") {
		return fmt.Errorf("relay path must start with /, got %q", c.Relay.Path)
	}
	if c.TLS != nil && (c.TLS.CertFile == "" || c.TLS.KeyFile == "") {
		return errors.New("both TLS cert and key files are required")
	}
	return nil
}

// Paths returns the session staging locations.
func (c *Config) Paths() session.Paths {
	return session.Paths{
		Scene:    ScenePath,
		Output:   OutputPath,
		Marker:   MarkerPath,
		Progress: ProgressPath,
	}
}

func envString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envBool(key string) bool {
	v := os.Getenv(key)
	return v == "true" || v == "1"
}

func envDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}

func splitList(s, sep string) []string {
	var out []string
	for _, part := range strings.Split(s, sep) {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
