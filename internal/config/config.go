package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type Config struct {
	Mode     string       `mapstructure:"mode"`
	Port     int          `mapstructure:"port"`
	LogLevel string       `mapstructure:"log_level"`
	Secret   string       `mapstructure:"secret"`
	Signal   SignalConfig `mapstructure:"signal"`
	Rate     RateConfig   `mapstructure:"rate"`
	Redis    RedisConfig  `mapstructure:"redis"`
	Client   ClientConfig `mapstructure:"client"`
}

type SignalConfig struct {
	ReadLimit  int64         `mapstructure:"read_limit"`
	PingPeriod time.Duration `mapstructure:"ping_period"`
	SendBuffer int           `mapstructure:"send_buffer"`
	MaxDrops   int           `mapstructure:"max_drops"`
}

// RateConfig bounds create/join requests per connection. Limit 0 disables it.
type RateConfig struct {
	Limit    int           `mapstructure:"limit"`
	Interval time.Duration `mapstructure:"interval"`
}

// RedisConfig enables the presence mirror when Addr is set.
type RedisConfig struct {
	Addr string        `mapstructure:"addr"`
	TTL  time.Duration `mapstructure:"ttl"`
}

type ClientConfig struct {
	ServerURL     string        `mapstructure:"server_url"`
	PingInterval  time.Duration `mapstructure:"ping_interval"`
	PingTimeout   time.Duration `mapstructure:"ping_timeout"`
	StaleAfter    time.Duration `mapstructure:"stale_after"`
	ReconnectBase time.Duration `mapstructure:"reconnect_base"`
	ReconnectMax  int           `mapstructure:"reconnect_max"`
	STUN          []string      `mapstructure:"stun"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("log_level", "info")
	v.SetDefault("secret", "jamroom-dev-secret")

	v.SetDefault("signal.read_limit", 65536)
	v.SetDefault("signal.ping_period", "54s")
	v.SetDefault("signal.send_buffer", 64)
	v.SetDefault("signal.max_drops", 16)

	v.SetDefault("rate.limit", 10)
	v.SetDefault("rate.interval", "10s")

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.ttl", "1h")

	v.SetDefault("client.server_url", "ws://localhost:8080/api/ws/signal")
	v.SetDefault("client.ping_interval", "3s")
	v.SetDefault("client.ping_timeout", "5s")
	v.SetDefault("client.stale_after", "10s")
	v.SetDefault("client.reconnect_base", "2s")
	v.SetDefault("client.reconnect_max", 10)
	v.SetDefault("client.stun", []string{"stun:stun.l.google.com:19302"})
}

// Load reads config/config.<CONFIG_ENV>.yaml on top of defaults. JAMROOM_*
// env vars override file values, and flags (when given) override both.
func Load(flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/config.%s.yaml", env)
	v.SetConfigFile(fileName)

	v.SetEnvPrefix("JAMROOM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return nil, fmt.Errorf("failed to bind flags: %w", err)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	log.Info().Str("module", "config").Str("mode", cfg.Mode).Int("port", cfg.Port).Msg("config ready")
	return &cfg, nil
}
