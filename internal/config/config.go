package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Hub      HubConfig      `mapstructure:"hub"`
	Database DatabaseConfig `mapstructure:"database"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Mirror   MirrorConfig   `mapstructure:"mirror"`
	User     UserConfig     `mapstructure:"user"`
}

type ServerConfig struct {
	Port int    `mapstructure:"port"`
	Host string `mapstructure:"host"`
}

// HubConfig describes the hub session: credentials and timing knobs.
type HubConfig struct {
	URL              string `mapstructure:"url"`
	Token            string `mapstructure:"token"`
	HandshakeTimeout string `mapstructure:"handshake_timeout"`
	PingInterval     string `mapstructure:"ping_interval"`
	ReconnectDelay   string `mapstructure:"reconnect_delay"`
	DataTimeout      string `mapstructure:"data_timeout"`
	Discovery        bool   `mapstructure:"discovery"`
}

type DatabaseConfig struct {
	Path           string `mapstructure:"path"`
	MigrationsPath string `mapstructure:"migrations_path"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// MirrorConfig holds the enrichment table location and the optional
// periodic safety resync schedule (cron syntax, empty disables it).
type MirrorConfig struct {
	EnrichmentPath string `mapstructure:"enrichment_path"`
	ResyncSchedule string `mapstructure:"resync_schedule"`
}

// UserConfig identifies the household member whose helper entities the
// settings reconciler tracks.
type UserConfig struct {
	Slug string `mapstructure:"slug"`
}

// Load reads configuration from configs/casahub.yaml plus CASAHUB_*
// environment overrides.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("casahub")
	v.SetConfigType("yaml")
	v.AddConfigPath("./configs")
	v.AddConfigPath("/etc/casahub")

	v.SetEnvPrefix("CASAHUB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 3310)
	v.SetDefault("server.host", "127.0.0.1")

	v.SetDefault("hub.handshake_timeout", "30s")
	v.SetDefault("hub.ping_interval", "10s")
	v.SetDefault("hub.reconnect_delay", "5s")
	v.SetDefault("hub.data_timeout", "15s")
	v.SetDefault("hub.discovery", true)

	v.SetDefault("database.path", "./data/casahub.db")
	v.SetDefault("database.migrations_path", "./migrations")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("mirror.enrichment_path", "./configs/enrichment.yaml")
	v.SetDefault("mirror.resync_schedule", "@every 1h")

	v.SetDefault("user.slug", "default")
}

// Duration parses s, falling back to def on empty or invalid input.
func Duration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}
