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
	Mode       string        `mapstructure:"mode"`
	Port       int           `mapstructure:"port"`
	LogLevel   string        `mapstructure:"log_level"`
	ReadLimit  int64         `mapstructure:"read_limit"`
	PingPeriod time.Duration `mapstructure:"ping_period"`
	SendBuffer int           `mapstructure:"send_buffer"`
	// Secret signs the REST session cookie.
	Secret string `mapstructure:"secret"`

	// MinProtocolVersion is the oldest client protocol accepted.
	MinProtocolVersion int      `mapstructure:"min_protocol_version"`
	PermanentRooms     []string `mapstructure:"permanent_rooms"`

	Auth   Auth   `mapstructure:"auth"`
	Store  Store  `mapstructure:"store"`
	Client Client `mapstructure:"client"`
}

type Auth struct {
	Secret string        `mapstructure:"secret"`
	Issuer string        `mapstructure:"issuer"`
	Leeway time.Duration `mapstructure:"leeway"`
}

type Store struct {
	// Driver is "memory" or "sqlite".
	Driver string `mapstructure:"driver"`
	Path   string `mapstructure:"path"`
}

type Client struct {
	ServerURL      string        `mapstructure:"server_url"`
	Token          string        `mapstructure:"token"`
	IdleTimeout    time.Duration `mapstructure:"idle_timeout"`
	ReconnectMin   time.Duration `mapstructure:"reconnect_min"`
	ReconnectMax   time.Duration `mapstructure:"reconnect_max"`
	MaxICERestarts int           `mapstructure:"max_ice_restarts"`
	ICEServers     []string      `mapstructure:"ice_servers"`
}

// Load reads config/config.<CONFIG_ENV>.yaml, falling back to defaults.
func Load() (*Config, error) {
	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	return LoadFile(fmt.Sprintf("config/config.%s.yaml", env))
}

// LoadFile reads fileName on top of the defaults. HUDDLE_* environment
// variables override both, e.g. HUDDLE_AUTH_SECRET.
func LoadFile(fileName string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetConfigFile(fileName)
	v.SetEnvPrefix("huddle")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	log.Info().Str("module", "config").Str("mode", cfg.Mode).Int("port", cfg.Port).
		Str("store", cfg.Store.Driver).Msg("config ready")
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("log_level", "info")
	v.SetDefault("read_limit", 65536)
	v.SetDefault("ping_period", "54s")
	v.SetDefault("send_buffer", 64)
	v.SetDefault("min_protocol_version", 3)
	v.SetDefault("permanent_rooms", []string{})

	v.SetDefault("auth.secret", "")
	v.SetDefault("auth.issuer", "")
	v.SetDefault("auth.leeway", "30s")

	v.SetDefault("store.driver", "memory")
	v.SetDefault("store.path", "./data/presence.db")

	v.SetDefault("secret", "")
	v.SetDefault("client.token", "")
	v.SetDefault("client.server_url", "ws://localhost:8080/api/ws/signal")
	v.SetDefault("client.idle_timeout", "5m")
	v.SetDefault("client.reconnect_min", "500ms")
	v.SetDefault("client.reconnect_max", "30s")
	v.SetDefault("client.max_ice_restarts", 3)
	v.SetDefault("client.ice_servers", []string{"stun:stun.l.google.com:19302"})
}

func (c *Config) validate() error {
	switch c.Store.Driver {
	case "memory", "sqlite":
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}
	if c.SendBuffer <= 0 {
		return fmt.Errorf("send_buffer must be positive")
	}
	if c.Client.ReconnectMin <= 0 || c.Client.ReconnectMax < c.Client.ReconnectMin {
		return fmt.Errorf("bad reconnect backoff bounds %s..%s", c.Client.ReconnectMin, c.Client.ReconnectMax)
	}
	return nil
}
