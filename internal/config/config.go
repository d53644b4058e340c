package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// DefaultBroadcastSender is the sender id the messaging network uses for
// status/story updates. Messages from it are never answered.
const DefaultBroadcastSender = "status@broadcast"

type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Client     ClientConfig     `yaml:"client"`
	Supervisor SupervisorConfig `yaml:"supervisor"`
	Dispatch   DispatchConfig   `yaml:"dispatch"`
	Responder  ResponderConfig  `yaml:"responder"`
	Console    ConsoleConfig    `yaml:"console"`
	Log        LogConfig        `yaml:"log"`
}

type ServerConfig struct {
	Port           int           `yaml:"port"`
	Host           string        `yaml:"host"`
	AuthToken      string        `yaml:"auth_token"`
	AllowedOrigins []string      `yaml:"allowed_origins"`
	MaxConnections int           `yaml:"max_connections"` // 0 = unlimited
	PingInterval   time.Duration `yaml:"ping_interval"`
}

// ClientConfig configures the network client. Mode "bridge" runs the
// helper executable in Command; mode "mock" uses the built-in fake.
type ClientConfig struct {
	Mode           string        `yaml:"mode"`
	Command        string        `yaml:"command"`
	Args           []string      `yaml:"args"`
	ExecutablePath string        `yaml:"executable_path"` // browser binary handed to the helper
	DataPath       string        `yaml:"data_path"`
	StartTimeout   time.Duration `yaml:"start_timeout"`
	StopTimeout    time.Duration `yaml:"stop_timeout"`
	Mock           MockConfig    `yaml:"mock"`
}

type MockConfig struct {
	ScanDelay        time.Duration `yaml:"scan_delay"`
	RotateInterval   time.Duration `yaml:"rotate_interval"`
	MessageInterval  time.Duration `yaml:"message_interval"`
	FailInitAttempts int           `yaml:"fail_init_attempts"`
}

type SupervisorConfig struct {
	RetryInterval   time.Duration `yaml:"retry_interval"`
	MaxAttempts     int           `yaml:"max_attempts"` // 0 = retry forever
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type DispatchConfig struct {
	BroadcastSender string        `yaml:"broadcast_sender"`
	ReplyTimeout    time.Duration `yaml:"reply_timeout"`
	MaxInflight     int           `yaml:"max_inflight"`
	MaskSenders     bool          `yaml:"mask_senders"`    // hash sender ids in logs
	AllowedSenders  []string      `yaml:"allowed_senders"` // glob patterns; empty = everyone
	BlockedSenders  []string      `yaml:"blocked_senders"`
}

type KeywordRule struct {
	Keywords []string `yaml:"keywords"`
	Response string   `yaml:"response"`
}

// ResponderConfig extends or overrides the built-in rule table.
type ResponderConfig struct {
	Version  string            `yaml:"version"`
	Platform string            `yaml:"platform"`
	Commands map[string]string `yaml:"commands"`
	Keywords []KeywordRule     `yaml:"keywords"`
}

type ConsoleConfig struct {
	QR string `yaml:"qr"` // auto, always or never
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // console or json
}

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:         3000,
			Host:         "0.0.0.0",
			PingInterval: 30 * time.Second,
		},
		Client: ClientConfig{
			Mode:           "bridge",
			ExecutablePath: "/usr/bin/chromium-browser",
			DataPath:       "./.wwebjs_auth",
			StartTimeout:   time.Minute,
			StopTimeout:    10 * time.Second,
			Mock: MockConfig{
				ScanDelay:       20 * time.Second,
				RotateInterval:  20 * time.Second,
				MessageInterval: 15 * time.Second,
			},
		},
		Supervisor: SupervisorConfig{
			RetryInterval:   10 * time.Second,
			ShutdownTimeout: 15 * time.Second,
		},
		Dispatch: DispatchConfig{
			BroadcastSender: DefaultBroadcastSender,
			ReplyTimeout:    30 * time.Second,
			MaxInflight:     16,
		},
		Responder: ResponderConfig{
			Version:  "2.0.0",
			Platform: "self-hosted",
		},
		Console: ConsoleConfig{QR: "auto"},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Default returns the built-in configuration with environment overrides
// applied.
func Default() *Config {
	cfg := defaultConfig()
	ApplyEnv(cfg, os.Getenv)
	return cfg
}

// Load reads the YAML file at path on top of the defaults, then applies
// .env and environment overrides.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading config %s", path)
	}

	cfg := defaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrapf(err, "parsing config %s", path)
	}
	ApplyEnv(cfg, os.Getenv)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrDefault behaves like Load but falls back to Default when the file
// does not exist.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if err == nil {
		return cfg, nil
	}
	if os.IsNotExist(errors.Cause(err)) {
		cfg = Default()
		return cfg, cfg.Validate()
	}
	return nil, err
}

// LoadDotEnv loads KEY=VALUE pairs from the given files into the process
// environment without overriding variables that are already set. Missing
// files are ignored.
func LoadDotEnv(paths ...string) error {
	for _, p := range paths {
		if _, err := os.Stat(p); os.IsNotExist(err) {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return errors.Wrapf(err, "loading %s", p)
		}
	}
	return nil
}

// ApplyEnv overrides config fields from environment variables looked up
// with getenv.
func ApplyEnv(cfg *Config, getenv func(string) string) {
	if v := getenv("PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := getenv("HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := getenv("CHROMIUM_PATH"); v != "" {
		cfg.Client.ExecutablePath = v
	}
	if v := getenv("PAIRBOT_AUTH_TOKEN"); v != "" {
		cfg.Server.AuthToken = v
	}
	if v := getenv("PAIRBOT_CLIENT_COMMAND"); v != "" {
		cfg.Client.Command = v
	}
	if v := getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
}

func (c *Config) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return errors.Errorf("server.port %d out of range", c.Server.Port)
	}
	switch c.Client.Mode {
	case "bridge", "mock":
	default:
		return errors.Errorf("client.mode %q: want bridge or mock", c.Client.Mode)
	}
	if c.Supervisor.RetryInterval <= 0 {
		return errors.New("supervisor.retry_interval must be positive")
	}
	if c.Supervisor.MaxAttempts < 0 {
		return errors.New("supervisor.max_attempts must not be negative")
	}
	switch c.Console.QR {
	case "auto", "always", "never":
	default:
		return errors.Errorf("console.qr %q: want auto, always or never", c.Console.QR)
	}
	return nil
}
