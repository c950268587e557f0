// Package config loads catalogd configuration from file and environment.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the root configuration.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Log      LogConfig      `mapstructure:"log"`
	Scripts  ScriptsConfig  `mapstructure:"scripts"`
	Broker   BrokerConfig   `mapstructure:"broker"`
	Billing  BillingConfig  `mapstructure:"billing"`
	SMTP     SMTPConfig     `mapstructure:"smtp"`
	Database DatabaseConfig `mapstructure:"database"`
	Workers  WorkersConfig  `mapstructure:"workers"`
	Identity IdentityConfig `mapstructure:"identity"`
}

// ServerConfig configures the task-report HTTP surface. It carries no
// authentication and must be bound to an operator-only address.
type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	CORSOrigins     []string      `mapstructure:"cors_origins"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// ScriptsConfig locates the automation scripts and the shell that runs
// them.
type ScriptsConfig struct {
	Folder  string        `mapstructure:"folder"`
	Shell   string        `mapstructure:"shell"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// BrokerConfig describes the desktop broker deployment the scripts
// operate against.
type BrokerConfig struct {
	AdminAddress  string `mapstructure:"admin_address"`
	Domain        string `mapstructure:"domain"`
	HostingUnit   string `mapstructure:"hosting_unit"`
	StorefrontURL string `mapstructure:"storefront_url"`

	// DisableCreate skips the catalog creation script and substitutes a
	// fixed machine list. Integration-test hook only.
	DisableCreate bool     `mapstructure:"disable_create"`
	SampleHosts   []string `mapstructure:"sample_hosts"`
}

// BillingConfig configures the billing service client.
type BillingConfig struct {
	Endpoint        string        `mapstructure:"endpoint"`
	APIKey          string        `mapstructure:"api_key"`
	Secret          string        `mapstructure:"secret"`
	ServiceInstance string        `mapstructure:"service_instance"`
	PollInterval    time.Duration `mapstructure:"poll_interval"`
	PollDeadline    time.Duration `mapstructure:"poll_deadline"`
}

type SMTPConfig struct {
	Host       string `mapstructure:"host"`
	Port       int    `mapstructure:"port"`
	From       string `mapstructure:"from"`
	AdminEmail string `mapstructure:"admin_email"`
}

// DatabaseConfig configures the task-log store. An empty URL selects
// the in-memory store; task history is then lost on restart.
type DatabaseConfig struct {
	URL             string        `mapstructure:"url"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

type WorkersConfig struct {
	GeneralPoolSize int `mapstructure:"general_pool_size"`
	ScriptPoolSize  int `mapstructure:"script_pool_size"`
}

// IdentityConfig holds the keys for the identity hand-off token minted
// by the web tier.
type IdentityConfig struct {
	TokenSigningKey string        `mapstructure:"token_signing_key"`
	SecretBoxKey    string        `mapstructure:"secret_box_key"`
	TokenMaxAge     time.Duration `mapstructure:"token_max_age"`
}

// Load reads configuration from the given file (optional) and the
// environment. Environment variables use underscores: server.addr
// becomes CATALOGD_SERVER_ADDR.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("CATALOGD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", "127.0.0.1:8085")
	v.SetDefault("server.shutdown_timeout", 15*time.Second)
	v.SetDefault("server.cors_origins", []string{})

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("scripts.folder", "/opt/catalogd/scripts")
	v.SetDefault("scripts.shell", "pwsh")
	v.SetDefault("scripts.timeout", 30*time.Minute)

	v.SetDefault("broker.disable_create", false)

	v.SetDefault("billing.poll_interval", 500*time.Millisecond)
	v.SetDefault("billing.poll_deadline", 10*time.Minute)

	v.SetDefault("smtp.port", 25)

	v.SetDefault("database.max_conns", 4)
	v.SetDefault("database.min_conns", 0)
	v.SetDefault("database.max_conn_lifetime", time.Hour)

	v.SetDefault("workers.general_pool_size", 32)
	v.SetDefault("workers.script_pool_size", 8)

	v.SetDefault("identity.token_max_age", 2*time.Minute)
}

// Validate checks the settings that would otherwise fail deep inside a
// workflow.
func (c *Config) Validate() error {
	if c.Scripts.Folder == "" {
		return fmt.Errorf("scripts.folder is required")
	}
	if c.Broker.Domain == "" {
		return fmt.Errorf("broker.domain is required")
	}
	if c.Broker.HostingUnit == "" {
		return fmt.Errorf("broker.hosting_unit is required")
	}
	if c.Billing.Endpoint != "" {
		if c.Billing.APIKey == "" || c.Billing.Secret == "" {
			return fmt.Errorf("billing.api_key and billing.secret are required when billing.endpoint is set")
		}
		if c.Billing.ServiceInstance == "" {
			return fmt.Errorf("billing.service_instance is required when billing.endpoint is set")
		}
	}
	if c.Billing.PollInterval <= 0 {
		return fmt.Errorf("billing.poll_interval must be positive")
	}
	if c.Billing.PollDeadline <= c.Billing.PollInterval {
		return fmt.Errorf("billing.poll_deadline must exceed billing.poll_interval")
	}
	if c.Identity.TokenSigningKey == "" {
		return fmt.Errorf("identity.token_signing_key is required")
	}
	if len(c.Identity.SecretBoxKey) != 64 {
		return fmt.Errorf("identity.secret_box_key must be 64 hex characters")
	}
	if c.Workers.GeneralPoolSize <= 0 || c.Workers.ScriptPoolSize <= 0 {
		return fmt.Errorf("worker pool sizes must be positive")
	}
	return nil
}
