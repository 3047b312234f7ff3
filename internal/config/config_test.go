package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadDefaultsWithSecret(t *testing.T) {
	t.Setenv("TIFLIS_AUTH_SECRET", "hub-secret")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0", cfg.Listen.Host)
	assert.Equal(t, 8787, cfg.Listen.Port)
	assert.Equal(t, "secret", cfg.Auth.Mode)
	assert.Equal(t, "hub-secret", cfg.Auth.Secret)
	assert.Equal(t, 5*time.Second, cfg.Ack.Timeout)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, []string{"*"}, cfg.Origins)
}

func TestLoadFromFile(t *testing.T) {
	path := writeConfig(t, `
listen:
  host: 127.0.0.1
  port: 9000
auth:
  mode: secret
  secret: filesecret
supervisor:
  agent: goose
  working_dir: /work
workspaces:
  - name: web
    path: /work/web
  - name: api
    path: /work/api
speech:
  stt_url: http://localhost:8800
  timeout: 10s
ack:
  timeout: 2s
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9000", cfg.Addr())
	assert.Equal(t, "goose", cfg.Supervisor.Agent)
	require.Len(t, cfg.Workspaces, 2)
	assert.Equal(t, "web", cfg.Workspaces[0].Name)
	assert.Equal(t, 2*time.Second, cfg.Ack.Timeout)
	assert.Equal(t, 10*time.Second, cfg.Speech.Timeout)
	assert.Equal(t, "http://localhost:8800", cfg.Speech.STTURL)
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeConfig(t, `
auth:
  mode: secret
  secret: filesecret
listen:
  port: 9000
`)
	t.Setenv("TIFLIS_LISTEN_PORT", "9100")
	t.Setenv("TIFLIS_AUTH_SECRET", "envsecret")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9100, cfg.Listen.Port)
	assert.Equal(t, "envsecret", cfg.Auth.Secret)
}

func TestValidateRejectsBrokenConfigs(t *testing.T) {
	base := func() *Config {
		return &Config{
			Listen:     ListenConfig{Host: "0.0.0.0", Port: 8787},
			Auth:       AuthConfig{Mode: "secret", Secret: "s"},
			Supervisor: SupervisorConfig{Agent: "claude"},
			Agents:     AgentsConfig{File: "/etc/agents.yaml"},
			Ack:        AckConfig{Timeout: time.Second},
		}
	}

	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing secret", func(c *Config) { c.Auth.Secret = "" }},
		{"jwks without url", func(c *Config) { c.Auth.Mode = "jwks" }},
		{"unknown auth mode", func(c *Config) { c.Auth.Mode = "none" }},
		{"bad port", func(c *Config) { c.Listen.Port = 0 }},
		{"no supervisor agent", func(c *Config) { c.Supervisor.Agent = "" }},
		{"no agents file", func(c *Config) { c.Agents.File = "" }},
		{"zero ack timeout", func(c *Config) { c.Ack.Timeout = 0 }},
		{"synthesize without tts", func(c *Config) { c.Speech.Synthesize = true }},
		{"workspace without path", func(c *Config) {
			c.Workspaces = []WorkspaceEntry{{Name: "w"}}
		}},
		{"duplicate workspace", func(c *Config) {
			c.Workspaces = []WorkspaceEntry{{Name: "w", Path: "/a"}, {Name: "w", Path: "/b"}}
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := base()
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	assert.NoError(t, base().Validate())
}

func TestDBPathAndDataDir(t *testing.T) {
	cfg := &Config{Data: DataConfig{Dir: filepath.Join(t.TempDir(), "state")}}

	assert.Equal(t, filepath.Join(cfg.Data.Dir, "history.db"), cfg.DBPath())
	require.NoError(t, cfg.EnsureDataDir())

	info, err := os.Stat(cfg.Data.Dir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}
