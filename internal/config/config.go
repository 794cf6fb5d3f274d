package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	DefaultConfigPath      = "config.toml"
	DefaultHTTPAddr        = ":3000"
	DefaultBodyLimit       = "50M"
	DefaultBinary          = "gemini"
	DefaultModelName       = "gemini-cli-bridge"
	DefaultTimeout         = 2 * time.Minute
	DefaultSettingsPath    = "gemini-settings.json"
	DefaultSystemEnv       = "GEMINI_SYSTEM_MD"
	DefaultSettingsEnv     = "GEMINI_CLI_SYSTEM_SETTINGS_PATH"
	DefaultModelEnv        = "GEMINI_MODEL"
	DefaultMaxConcurrent   = 8
	DefaultSessionDriver   = "file"
	DefaultSessionPath     = "sessions.json"
	DefaultMaxAutoSessions = 500
	DefaultBadgerDir       = "data/sessions"
	DefaultRedisAddr       = "127.0.0.1:6379"
	DefaultRedisPrefix     = "clibridge:"
	DefaultUploadsDir      = "uploads"
	DefaultUploadMaxBytes  = 50 * 1024 * 1024
	DefaultFetchTimeout    = 30 * time.Second
	DefaultFetchMaxBytes   = 20 * 1024 * 1024
	DefaultJanitorSchedule = "@every 10m"
	DefaultJanitorMaxAge   = 30 * time.Minute
)

// DefaultNativeTools lists the external program's built-in capabilities that are
// excluded when a request disables native tool use.
var DefaultNativeTools = []string{
	"run_shell_command", "google_web_search", "web_fetch", "browser",
	"canvas", "nodes", "cron", "message", "gateway", "agents_list",
	"sessions_list", "sessions_history", "sessions_send", "sessions_spawn",
	"subagents", "session_status", "image",
}

type Config struct {
	Log         LogConfig         `toml:"log"`
	Server      ServerConfig      `toml:"server"`
	Auth        AuthConfig        `toml:"auth"`
	Bridge      BridgeConfig      `toml:"bridge"`
	Sessions    SessionsConfig    `toml:"sessions"`
	Uploads     UploadsConfig     `toml:"uploads"`
	Attachments AttachmentsConfig `toml:"attachments"`
	Models      ModelsConfig      `toml:"models"`
	Janitor     JanitorConfig     `toml:"janitor"`
}

type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

type ServerConfig struct {
	Addr      string  `toml:"addr"`
	BodyLimit string  `toml:"body_limit"`
	RateLimit float64 `toml:"rate_limit"` // requests per second per client, 0 disables
}

type AuthConfig struct {
	APIKeys      []string `toml:"api_keys"`
	APIKeyHashes []string `toml:"api_key_hashes"`
}

// Enabled reports whether any credential is configured.
func (c AuthConfig) Enabled() bool {
	return len(c.APIKeys) > 0 || len(c.APIKeyHashes) > 0
}

type BridgeConfig struct {
	Binary        string   `toml:"binary"`
	ArgsPrefix    []string `toml:"args_prefix"`
	Timeout       Duration `toml:"timeout"`
	SettingsPath  string   `toml:"settings_path"`
	TempDir       string   `toml:"temp_dir"`
	DefaultModel  string   `toml:"default_model"`
	SystemEnv     string   `toml:"system_env"`
	SettingsEnv   string   `toml:"settings_env"`
	ModelEnv      string   `toml:"model_env"`
	Env           []string `toml:"env"`
	MaxConcurrent int      `toml:"max_concurrent"`
	NativeTools   []string `toml:"native_tools"`
}

type SessionsConfig struct {
	Driver          string      `toml:"driver"`
	Path            string      `toml:"path"`
	MaxAutoSessions int         `toml:"max_auto_sessions"`
	BadgerDir       string      `toml:"badger_dir"`
	Redis           RedisConfig `toml:"redis"`
}

type RedisConfig struct {
	Addr     string `toml:"addr"`
	Password string `toml:"password"`
	DB       int    `toml:"db"`
	Prefix   string `toml:"prefix"`
}

type UploadsConfig struct {
	Dir      string `toml:"dir"`
	MaxBytes int64  `toml:"max_bytes"`
}

type AttachmentsConfig struct {
	FetchTimeout Duration `toml:"fetch_timeout"`
	MaxBytes     int64    `toml:"max_bytes"`
}

type ModelsConfig struct {
	CatalogPath string `toml:"catalog_path"`
	Preview     bool   `toml:"preview"`
}

type JanitorConfig struct {
	Schedule string   `toml:"schedule"`
	MaxAge   Duration `toml:"max_age"`
}

// Duration decodes TOML strings such as "2m" or "90s".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}
	d.Duration = parsed
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Default returns the configuration used when no file is present.
func Default() Config {
	return Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Server: ServerConfig{
			Addr:      DefaultHTTPAddr,
			BodyLimit: DefaultBodyLimit,
		},
		Bridge: BridgeConfig{
			Binary:        DefaultBinary,
			Timeout:       Duration{DefaultTimeout},
			SettingsPath:  DefaultSettingsPath,
			DefaultModel:  DefaultModelName,
			SystemEnv:     DefaultSystemEnv,
			SettingsEnv:   DefaultSettingsEnv,
			ModelEnv:      DefaultModelEnv,
			MaxConcurrent: DefaultMaxConcurrent,
			NativeTools:   append([]string(nil), DefaultNativeTools...),
		},
		Sessions: SessionsConfig{
			Driver:          DefaultSessionDriver,
			Path:            DefaultSessionPath,
			MaxAutoSessions: DefaultMaxAutoSessions,
			BadgerDir:       DefaultBadgerDir,
			Redis: RedisConfig{
				Addr:   DefaultRedisAddr,
				Prefix: DefaultRedisPrefix,
			},
		},
		Uploads: UploadsConfig{
			Dir:      DefaultUploadsDir,
			MaxBytes: DefaultUploadMaxBytes,
		},
		Attachments: AttachmentsConfig{
			FetchTimeout: Duration{DefaultFetchTimeout},
			MaxBytes:     DefaultFetchMaxBytes,
		},
		Janitor: JanitorConfig{
			Schedule: DefaultJanitorSchedule,
			MaxAge:   Duration{DefaultJanitorMaxAge},
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path == "" {
		path = DefaultConfigPath
	}

	if _, err := os.Stat(path); err != nil {
		if !os.IsNotExist(err) {
			return cfg, err
		}
	} else if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, err
	}

	applyEnv(&cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if key := strings.TrimSpace(os.Getenv("BRIDGE_API_KEY")); key != "" {
		cfg.Auth.APIKeys = append(cfg.Auth.APIKeys, key)
	}
	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		cfg.Server.Addr = ":" + port
	}
}
