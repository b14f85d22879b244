package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

type Config struct {
	Mode           string   `mapstructure:"mode"`
	Port           int      `mapstructure:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	JWTSecret      string   `mapstructure:"jwt_secret"`

	Redis  RedisConfig  `mapstructure:"redis"`
	Match  MatchConfig  `mapstructure:"match"`
	Call   CallConfig   `mapstructure:"call"`
	Collab CollabConfig `mapstructure:"collab"`
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     string `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// MatchConfig holds the matchmaking knobs.
type MatchConfig struct {
	ScanInterval     time.Duration `mapstructure:"scan_interval"`
	FallbackDelay    time.Duration `mapstructure:"fallback_delay"`
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`
	CooldownTTL      time.Duration `mapstructure:"cooldown_ttl"`
}

// CallConfig holds the in-call liveness and reconnection knobs.
type CallConfig struct {
	HeartbeatIdle time.Duration `mapstructure:"heartbeat_idle"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	GraceWindow   time.Duration `mapstructure:"grace_window"`
}

// CollabConfig points at the external profile/geo/history services.
type CollabConfig struct {
	ProfileURL string        `mapstructure:"profile_url"`
	GeoURL     string        `mapstructure:"geo_url"`
	HistoryURL string        `mapstructure:"history_url"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	v.SetConfigFile(fmt.Sprintf("config/config.%s.yaml", env))

	v.SetEnvPrefix("MATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("allowed_origins", []string{"http://localhost:3000", "http://localhost:5173"})
	v.SetDefault("jwt_secret", "change-me-in-production")
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", "6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("match.scan_interval", "2s")
	v.SetDefault("match.fallback_delay", "15s")
	v.SetDefault("match.handshake_timeout", "10s")
	v.SetDefault("match.cooldown_ttl", "60s")
	v.SetDefault("call.heartbeat_idle", "45s")
	v.SetDefault("call.sweep_interval", "10s")
	v.SetDefault("call.grace_window", "30s")
	v.SetDefault("collab.timeout", "3s")

	if err := v.ReadInConfig(); err != nil {
		log.Warn().Str("file", v.ConfigFileUsed()).Msg("config file not found, using defaults")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}
