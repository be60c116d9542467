package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"PORT", "DEBUG", "DUMIVERSE_WORK_DIR", "DUMIVERSE_POLL_INTERVAL",
		"DUMIVERSE_POLL_TIMEOUT", "DUMIVERSE_MAX_UPLOAD", "DUMIVERSE_LOG_LEVEL",
		"DUMIVERSE_ALLOWED_ORIGINS", "DUMIVERSE_ENGINE", "DUMIVERSE_ENGINE_COMMAND",
		"DUMIVERSE_ENGINE_ARGS", "DUMIVERSE_RELAY", "DUMIVERSE_RELAY_PATH",
		"DUMIVERSE_METRICS", "DUMIVERSE_AUTH_SECRET", "DUMIVERSE_NO_NOTIFY",
	} {
		t.Setenv(key, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)
	t.Setenv("DUMIVERSE_ENGINE_COMMAND", "/usr/bin/renderer")

	cfg, err := Load(Overrides{})
	require.NoError(t, err)
	require.Equal(t, ":3000", cfg.Addr)
	require.Equal(t, ".", cfg.WorkDir)
	require.Equal(t, 100*time.Millisecond, cfg.PollInterval)
	require.Zero(t, cfg.PollTimeout)
	require.True(t, cfg.Notify)
	require.Equal(t, "info", cfg.LogLevel)
	require.Equal(t, []string{"*"}, cfg.AllowedOrigins)
	require.Equal(t, EngineExec, cfg.Engine.Kind)
	require.Equal(t, "/usr/bin/renderer", cfg.Engine.Command)
	require.Empty(t, cfg.Engine.Args)
	require.False(t, cfg.Relay.Enabled)
	require.Equal(t, "/socket.io/", cfg.Relay.Path)
	require.Equal(t, int64(512<<20), cfg.MaxUploadBytes)
}

func TestLoadFromEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv("PORT", "8080")
	t.Setenv("DEBUG", "1")
	t.Setenv("DUMIVERSE_WORK_DIR", "/var/lib/dumiverse")
	t.Setenv("DUMIVERSE_POLL_INTERVAL", "250ms")
	t.Setenv("DUMIVERSE_POLL_TIMEOUT", "10m")
	t.Setenv("DUMIVERSE_MAX_UPLOAD", "2 GiB")
	t.Setenv("DUMIVERSE_ALLOWED_ORIGINS", "http://a.local, http://b.local")
	t.Setenv("DUMIVERSE_ENGINE", "fake")
	t.Setenv("DUMIVERSE_ENGINE_ARGS", "--threads 4")
	t.Setenv("DUMIVERSE_RELAY", "true")
	t.Setenv("DUMIVERSE_METRICS", "true")
	t.Setenv("DUMIVERSE_AUTH_SECRET", "s3cret")
	t.Setenv("DUMIVERSE_NO_NOTIFY", "1")

	cfg, err := Load(Overrides{})
	require.NoError(t, err)
	require.Equal(t, ":8080", cfg.Addr)
	require.True(t, cfg.Debug)
	require.Equal(t, "debug", cfg.LogLevel)
	require.Equal(t, "/var/lib/dumiverse", cfg.WorkDir)
	require.Equal(t, 250*time.Millisecond, cfg.PollInterval)
	require.Equal(t, 10*time.Minute, cfg.PollTimeout)
	require.Equal(t, int64(2<<30), cfg.MaxUploadBytes)
	require.Equal(t, []string{"http://a.local", "http://b.local"}, cfg.AllowedOrigins)
	require.Equal(t, EngineFake, cfg.Engine.Kind)
	require.Equal(t, []string{"--threads", "4"}, cfg.Engine.Args)
	require.True(t, cfg.Relay.Enabled)
	require.True(t, cfg.MetricsEnabled)
	require.Equal(t, "s3cret", cfg.AuthSecret)
	require.False(t, cfg.Notify)
}

func TestOverridesWin(t *testing.T) {
	clearEnv(t)
	t.Setenv("PORT", "8080")
	t.Setenv("DUMIVERSE_ENGINE", "exec")

	addr := "127.0.0.1:9999"
	kind := EngineFake
	timeout := time.Minute
	level := "trace"
	cfg, err := Load(Overrides{
		Addr:        &addr,
		EngineKind:  &kind,
		PollTimeout: &timeout,
		LogLevel:    &level,
	})
	require.NoError(t, err)
	require.Equal(t, addr, cfg.Addr)
	require.Equal(t, EngineFake, cfg.Engine.Kind)
	require.Equal(t, time.Minute, cfg.PollTimeout)
	require.Equal(t, "trace", cfg.LogLevel)
}

func TestLoadRejectsInvalid(t *testing.T) {
	clearEnv(t)

	_, err := Load(Overrides{})
	require.ErrorContains(t, err, "DUMIVERSE_ENGINE_COMMAND")

	t.Setenv("DUMIVERSE_ENGINE", "fake")
	t.Setenv("DUMIVERSE_POLL_INTERVAL", "soon")
	_, err = Load(Overrides{})
	require.ErrorContains(t, err, "DUMIVERSE_POLL_INTERVAL")

	t.Setenv("DUMIVERSE_POLL_INTERVAL", "")
	t.Setenv("DUMIVERSE_MAX_UPLOAD", "lots")
	_, err = Load(Overrides{})
	require.ErrorContains(t, err, "DUMIVERSE_MAX_UPLOAD")

	t.Setenv("DUMIVERSE_MAX_UPLOAD", "")
	negative := -time.Second
	_, err = Load(Overrides{PollTimeout: &negative})
	require.Error(t, err)

	unknown := "cuda"
	_, err = Load(Overrides{EngineKind: &unknown})
	require.ErrorContains(t, err, "unknown engine")

	_, err = Load(Overrides{TLS: &TLSConfig{CertFile: "cert.pem"}})
	require.Error(t, err)
}

func TestPaths(t *testing.T) {
	cfg := &Config{}
	p := cfg.Paths()
	require.Equal(t, "tmp_scene/scene.ass", p.Scene)
	require.Equal(t, "buffer_out.buf", p.Output)
	require.Equal(t, "render_done.out", p.Marker)
	require.Equal(t, "render_progress.out", p.Progress)
}
