// Package config provides configuration loading for the hub: defaults,
// optional YAML config file, then TIFLIS_* environment variables, in that
// order of precedence.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration values for the hub.
type Config struct {
	Listen     ListenConfig     `mapstructure:"listen"`
	Data       DataConfig       `mapstructure:"data"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Origins    []string         `mapstructure:"origins"`
	Supervisor SupervisorConfig `mapstructure:"supervisor"`
	Agents     AgentsConfig     `mapstructure:"agents"`
	Workspaces []WorkspaceEntry `mapstructure:"workspaces"`
	Speech     SpeechConfig     `mapstructure:"speech"`
	Ack        AckConfig        `mapstructure:"ack"`
	WS         WSConfig         `mapstructure:"ws"`
	HTTP       HTTPConfig       `mapstructure:"http"`
	Log        LogConfig        `mapstructure:"log"`
}

// ListenConfig is the bind address of the HTTP/WebSocket server.
type ListenConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// DataFileName is the SQLite file created under the data dir.
const DataFileName = "history.db"

// DataConfig locates mutable hub state.
type DataConfig struct {
	Dir string `mapstructure:"dir"`
}

// AuthConfig selects how device tokens are verified. Mode "secret" validates
// HS256 tokens signed with Secret; mode "jwks" validates RS256 tokens against
// JWKSURL.
type AuthConfig struct {
	Mode     string `mapstructure:"mode"`
	Secret   string `mapstructure:"secret"`
	JWKSURL  string `mapstructure:"jwks_url"`
	Issuer   string `mapstructure:"issuer"`
	Audience string `mapstructure:"audience"`
}

// SupervisorConfig names the agent behind the shared supervisor session and
// the directory it runs in.
type SupervisorConfig struct {
	Agent      string `mapstructure:"agent"`
	WorkingDir string `mapstructure:"working_dir"`
}

// AgentsConfig locates the agent catalog file.
type AgentsConfig struct {
	File string `mapstructure:"file"`
}

// WorkspaceEntry is one directory tree commands may target.
type WorkspaceEntry struct {
	Name string `mapstructure:"name"`
	Path string `mapstructure:"path"`
}

// SpeechConfig points at the external STT/TTS services. Empty URLs disable
// the corresponding feature.
type SpeechConfig struct {
	STTURL     string        `mapstructure:"stt_url"`
	TTSURL     string        `mapstructure:"tts_url"`
	Voice      string        `mapstructure:"voice"`
	Speed      float64       `mapstructure:"speed"`
	Synthesize bool          `mapstructure:"synthesize"`
	Timeout    time.Duration `mapstructure:"timeout"`
	CacheTTL   time.Duration `mapstructure:"cache_ttl"`
}

// AckConfig tunes the delivery acknowledgment protocol.
type AckConfig struct {
	Timeout time.Duration `mapstructure:"timeout"`
}

// WSConfig tunes the WebSocket layer. SendBuffer is the per-device outbound
// queue length; a full queue drops messages rather than blocking the hub.
type WSConfig struct {
	ReadBufferSize  int `mapstructure:"read_buffer_size"`
	WriteBufferSize int `mapstructure:"write_buffer_size"`
	SendBuffer      int `mapstructure:"send_buffer"`
}

// HTTPConfig carries server timeouts. There is no write timeout because
// WebSocket connections are long-lived.
type HTTPConfig struct {
	ReadTimeout time.Duration `mapstructure:"read_timeout"`
	IdleTimeout time.Duration `mapstructure:"idle_timeout"`
}

// LogConfig selects slog level and output format.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load builds the configuration: defaults, then the YAML file at path (or the
// default location when path is empty and the file exists), then TIFLIS_*
// environment variables.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	home, _ := os.UserHomeDir()
	defaultDataDir := filepath.Join(home, ".tiflis-hub")

	v.SetDefault("listen.host", "0.0.0.0")
	v.SetDefault("listen.port", 8787)
	v.SetDefault("data.dir", defaultDataDir)
	v.SetDefault("auth.mode", "secret")
	v.SetDefault("auth.secret", "")
	v.SetDefault("auth.jwks_url", "")
	v.SetDefault("auth.issuer", "")
	v.SetDefault("auth.audience", "")
	v.SetDefault("origins", []string{"*"})
	v.SetDefault("supervisor.agent", "claude")
	v.SetDefault("supervisor.working_dir", home)
	v.SetDefault("agents.file", filepath.Join(defaultDataDir, "agents.yaml"))
	v.SetDefault("speech.stt_url", "")
	v.SetDefault("speech.tts_url", "")
	v.SetDefault("speech.voice", "af_heart")
	v.SetDefault("speech.speed", 1.0)
	v.SetDefault("speech.synthesize", false)
	v.SetDefault("speech.timeout", 30*time.Second)
	v.SetDefault("speech.cache_ttl", 10*time.Minute)
	v.SetDefault("ack.timeout", 5*time.Second)
	v.SetDefault("ws.read_buffer_size", 1024)
	v.SetDefault("ws.write_buffer_size", 1024)
	v.SetDefault("ws.send_buffer", 256)
	v.SetDefault("http.read_timeout", 15*time.Second)
	v.SetDefault("http.idle_timeout", 60*time.Second)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(defaultDataDir)
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("read config file: %w", err)
			}
		}
	}

	v.SetEnvPrefix("TIFLIS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the loaded configuration for the mistakes that would
// otherwise surface as confusing runtime failures.
func (c *Config) Validate() error {
	switch c.Auth.Mode {
	case "secret":
		if c.Auth.Secret == "" {
			return fmt.Errorf("auth.secret is required in secret mode")
		}
	case "jwks":
		if c.Auth.JWKSURL == "" {
			return fmt.Errorf("auth.jwks_url is required in jwks mode")
		}
	default:
		return fmt.Errorf("auth.mode must be secret or jwks, got %q", c.Auth.Mode)
	}

	if c.Listen.Port <= 0 || c.Listen.Port > 65535 {
		return fmt.Errorf("listen.port %d out of range", c.Listen.Port)
	}
	if c.Supervisor.Agent == "" {
		return fmt.Errorf("supervisor.agent is required")
	}
	if c.Agents.File == "" {
		return fmt.Errorf("agents.file is required")
	}
	if c.Ack.Timeout <= 0 {
		return fmt.Errorf("ack.timeout must be positive")
	}
	if c.Speech.Synthesize && c.Speech.TTSURL == "" {
		return fmt.Errorf("speech.tts_url is required when speech.synthesize is enabled")
	}

	seen := make(map[string]bool)
	for _, w := range c.Workspaces {
		if w.Name == "" || w.Path == "" {
			return fmt.Errorf("workspace entries need name and path: %+v", w)
		}
		if seen[w.Name] {
			return fmt.Errorf("duplicate workspace name %q", w.Name)
		}
		seen[w.Name] = true
	}

	return nil
}

// Addr returns the listen address in host:port form.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Listen.Host, c.Listen.Port)
}

// DBPath returns the SQLite file path under the data dir.
func (c *Config) DBPath() string {
	return filepath.Join(c.Data.Dir, DataFileName)
}

// EnsureDataDir creates the data directory when missing.
func (c *Config) EnsureDataDir() error {
	if err := os.MkdirAll(c.Data.Dir, 0o700); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	return nil
}
