// Package config defines the daemon configuration, loaded from struct
// tag defaults, an optional YAML file, and environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Config is the full daemon configuration.
type Config struct {
	Log      LogConfig      `yaml:"log"`
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Vault    VaultConfig    `yaml:"vault"`
	SSH      SSHConfig      `yaml:"ssh"`
	Poll     PollConfig     `yaml:"poll"`
	Agent    AgentConfig    `yaml:"agent"`
	Auth     AuthConfig     `yaml:"auth"`
	Alert    AlertConfig    `yaml:"alert"`
}

// LogConfig configures logging behavior.
type LogConfig struct {
	Level  string `yaml:"level" env:"LOG_LEVEL" default:"info"`
	Format string `yaml:"format" env:"LOG_FORMAT" default:"json"`
	Debug  bool   `yaml:"debug" env:"DEBUG" default:"false"`
}

// ConfigureZerolog applies the configured global log level.
func (c *LogConfig) ConfigureZerolog() {
	level := zerolog.InfoLevel
	if c.Debug {
		level = zerolog.DebugLevel
	} else {
		switch strings.ToLower(c.Level) {
		case "trace":
			level = zerolog.TraceLevel
		case "debug":
			level = zerolog.DebugLevel
		case "info":
			level = zerolog.InfoLevel
		case "warn", "warning":
			level = zerolog.WarnLevel
		case "error":
			level = zerolog.ErrorLevel
		case "fatal":
			level = zerolog.FatalLevel
		case "panic":
			level = zerolog.PanicLevel
		}
	}
	zerolog.SetGlobalLevel(level)
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Host string `yaml:"host" env:"SERVER_HOST" default:"0.0.0.0"`
	Port int    `yaml:"port" env:"SERVER_PORT" default:"8080"`
}

// DatabaseConfig configures the sqlite store.
type DatabaseConfig struct {
	Path string `yaml:"path" env:"DATABASE_PATH" default:"minefleet.db"`
}

// VaultConfig configures the credential vault. Secret is mandatory in
// production; the daemon refuses to start without it.
type VaultConfig struct {
	Secret string `yaml:"-" env:"VAULT_SECRET"`
}

// SSHConfig configures the remote execution gateway. The default
// accepts any host key, which suits closed fleets whose rigs are
// reimaged frequently; set known_hosts_file to pin keys instead.
type SSHConfig struct {
	DialTimeout    time.Duration `yaml:"dial_timeout" env:"SSH_DIAL_TIMEOUT" default:"10s"`
	ExecTimeout    time.Duration `yaml:"exec_timeout" env:"SSH_EXEC_TIMEOUT" default:"30s"`
	KnownHostsFile string        `yaml:"known_hosts_file" env:"SSH_KNOWN_HOSTS_FILE"`
}

// PollConfig configures the telemetry poller.
type PollConfig struct {
	Interval  time.Duration `yaml:"interval" env:"POLL_INTERVAL" default:"30s"`
	HwmonPath string        `yaml:"hwmon_path" default:"/sys/class/hwmon/hwmon0/temp1_input"`
	RAPLPath  string        `yaml:"rapl_path" default:"/sys/class/powercap/intel-rapl:0/energy_uj"`
}

// AgentConfig configures the agent protocol server.
type AgentConfig struct {
	AuthTimeout      time.Duration `yaml:"auth_timeout" default:"10s"`
	HeartbeatTimeout time.Duration `yaml:"heartbeat_timeout" default:"60s"`
	SweepInterval    time.Duration `yaml:"sweep_interval" default:"30s"`
}

// AuthConfig configures dashboard authentication.
type AuthConfig struct {
	JWTSecretKey string `yaml:"-" env:"JWT_SECRET_KEY"`
}

// AlertConfig configures the alert engine.
type AlertConfig struct {
	Cooldown time.Duration `yaml:"cooldown" default:"15m"`
}

// Load reads the daemon configuration from the given files plus the
// environment and validates it.
func Load(configFile, envFile string) (*Config, error) {
	cfg := &Config{}
	if err := NewLoader(configFile, envFile).Load(cfg); err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// Validate checks structural invariants. The vault secret is checked
// at daemon startup, not here, so the vault CLI can run against a
// partial config.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server port must be between 1 and 65535")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database path is required")
	}
	if c.Poll.Interval <= 0 {
		return fmt.Errorf("poll interval must be positive")
	}
	if c.SSH.DialTimeout <= 0 || c.SSH.ExecTimeout <= 0 {
		return fmt.Errorf("ssh timeouts must be positive")
	}
	if c.Agent.AuthTimeout <= 0 || c.Agent.HeartbeatTimeout <= 0 || c.Agent.SweepInterval <= 0 {
		return fmt.Errorf("agent timeouts must be positive")
	}
	return nil
}

// ListenAddress returns the host:port the daemon listens on.
func (c *Config) ListenAddress() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
