// Package agentcfg loads the Agent process's own configuration: bind
// address, filesystem root, logging, RCON dial timeout, catalog base
// URLs, sampler interval and operation TTL. It does not describe the
// managed Factorio server itself — that lives under the filesystem
// root as ConfigDocuments (see internal/configstore).
package agentcfg

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the Agent's own process configuration.
type Config struct {
	BindAddr string `mapstructure:"bind_addr"`

	// Root is the filesystem root under which installations, saves,
	// mods and config documents live. See internal/fsroot.
	Root string `mapstructure:"root"`

	Log LogConfig `mapstructure:"log"`

	RCON RCONConfig `mapstructure:"rcon"`

	Catalog CatalogConfig `mapstructure:"catalog"`

	// SamplerInterval is the poll period for the in-game metrics sampler.
	SamplerInterval time.Duration `mapstructure:"sampler_interval"`

	// OperationTTL bounds how long a terminal Operation record is kept
	// before the registry reaper evicts it.
	OperationTTL time.Duration `mapstructure:"operation_ttl"`
}

type LogConfig struct {
	Level      string `mapstructure:"level"`
	FilePath   string `mapstructure:"file_path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
	Color      bool   `mapstructure:"color"`
}

type RCONConfig struct {
	Host        string        `mapstructure:"host"`
	Port        int           `mapstructure:"port"`
	Password    string        `mapstructure:"password"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
}

type CatalogConfig struct {
	VersionsURL string `mapstructure:"versions_url"`
	ModsURL     string `mapstructure:"mods_url"`
}

// Defaults mirror a small local deployment: Agent bound to loopback,
// root under the working directory, five-second sampler, five-minute
// operation retention.
func Defaults() Config {
	return Config{
		BindAddr: "127.0.0.1:34197",
		Root:     "./data",
		Log: LogConfig{
			Level:      "info",
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 7,
		},
		RCON: RCONConfig{
			Host:        "127.0.0.1",
			Port:        27015,
			DialTimeout: 5 * time.Second,
		},
		SamplerInterval: 5 * time.Second,
		OperationTTL:    5 * time.Minute,
	}
}

// Load reads the Agent config from path (if non-empty) layered over
// Defaults, with FACTORIO_AGENT_-prefixed environment variables taking
// final precedence via viper's automatic-env binding.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v, Defaults())

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("agentcfg: read %s: %w", path, err)
		}
	}

	v.SetEnvPrefix("factorio_agent")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("agentcfg: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper, d Config) {
	v.SetDefault("bind_addr", d.BindAddr)
	v.SetDefault("root", d.Root)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.file_path", d.Log.FilePath)
	v.SetDefault("log.max_size_mb", d.Log.MaxSizeMB)
	v.SetDefault("log.max_backups", d.Log.MaxBackups)
	v.SetDefault("log.max_age_days", d.Log.MaxAgeDays)
	v.SetDefault("log.compress", d.Log.Compress)
	v.SetDefault("log.color", d.Log.Color)
	v.SetDefault("rcon.host", d.RCON.Host)
	v.SetDefault("rcon.port", d.RCON.Port)
	v.SetDefault("rcon.password", d.RCON.Password)
	v.SetDefault("rcon.dial_timeout", d.RCON.DialTimeout)
	v.SetDefault("catalog.versions_url", d.Catalog.VersionsURL)
	v.SetDefault("catalog.mods_url", d.Catalog.ModsURL)
	v.SetDefault("sampler_interval", d.SamplerInterval)
	v.SetDefault("operation_ttl", d.OperationTTL)
}

// Validate rejects configurations the rest of the Agent cannot act on.
func (c Config) Validate() error {
	if c.BindAddr == "" {
		return fmt.Errorf("agentcfg: bind_addr is required")
	}
	if c.Root == "" {
		return fmt.Errorf("agentcfg: root is required")
	}
	if c.RCON.Port <= 0 {
		return fmt.Errorf("agentcfg: rcon.port must be positive")
	}
	if c.SamplerInterval <= 0 {
		return fmt.Errorf("agentcfg: sampler_interval must be positive")
	}
	if c.OperationTTL <= 0 {
		return fmt.Errorf("agentcfg: operation_ttl must be positive")
	}
	return nil
}
