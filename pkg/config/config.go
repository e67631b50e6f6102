package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Environment names the execution context. TLS verification may only be relaxed outside production.
type Environment string

const (
	EnvProduction  Environment = "production"
	EnvStaging     Environment = "staging"
	EnvDevelopment Environment = "development"
	EnvTest        Environment = "test"
)

// Listener service can either listen in plaintext or explicit/implicit TLS modes
type ListenerType string

const (
	ListenerSMTP     ListenerType = "smtp"     // plaintext
	ListenerSMTPS    ListenerType = "smtps"    // implicit TLS (465-style)
	ListenerSTARTTLS ListenerType = "starttls" // explicit TLS (587-style)
)

type AuthMode string

const (
	AuthDisabled    AuthMode = "disabled"     // no authentication required (not recommended for production)
	AuthAnonymous   AuthMode = "anonymous"    // allow AUTH ANONYMOUS (rarely desirable)
	AuthPlain       AuthMode = "plain"        // username/password against provided users
	AuthPlainBcrypt AuthMode = "plain-bcrypt" // username/bcrypt hash against provided users
	AuthPlainAny    AuthMode = "plain-any"    // accepts any username/password (for testing)
)

type Config struct {
	Env   Environment `yaml:"env"`
	Log   LogConfig   `yaml:"log"`
	Recv  RecvConfig  `yaml:"recv"`
	Send  SendConfig  `yaml:"send"`
	Admin AdminConfig `yaml:"admin"`
}

type LogConfig struct {
	Level  string `yaml:"level,omitempty"`  // zerolog level name, default "info"
	Format string `yaml:"format,omitempty"` // "json" or "console", default "json"
}

type AdminConfig struct {
	Addr string `yaml:"addr,omitempty"` // metrics/health listener, disabled when empty
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	return LoadConfigBytes(data)
}

func LoadConfigBytes(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// IsProduction treats an unset environment as production.
func (c *Config) IsProduction() bool {
	return c.Env == "" || c.Env == EnvProduction
}

func (c *Config) Validate() error {
	switch c.Env {
	case "":
		c.Env = EnvProduction
	case EnvProduction, EnvStaging, EnvDevelopment, EnvTest:
	default:
		return fmt.Errorf("env: invalid environment '%s', must be one of: 'production', 'staging', 'development', or 'test'", c.Env)
	}

	if err := c.Log.validate(); err != nil {
		return err
	}
	if err := c.Recv.validate(); err != nil {
		return err
	}
	if err := c.Send.validate(c.Env); err != nil {
		return err
	}
	return nil
}

func (l *LogConfig) validate() error {
	l.Level = strings.ToLower(strings.TrimSpace(l.Level))
	if l.Level == "" {
		l.Level = "info"
	}
	switch l.Level {
	case "trace", "debug", "info", "warn", "error", "fatal", "panic", "disabled":
	default:
		return fmt.Errorf("log.level: invalid level '%s'", l.Level)
	}

	l.Format = strings.ToLower(strings.TrimSpace(l.Format))
	switch l.Format {
	case "":
		l.Format = "json"
	case "json", "console":
	default:
		return errors.New("log.format: must be one of: 'json' or 'console'")
	}
	return nil
}
