package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
	"go.uber.org/multierr"
)

type ICEServer struct {
	URLs       []string `mapstructure:"urls"`
	Username   string   `mapstructure:"username"`
	Credential string   `mapstructure:"credential"`
}

type StoreConfig struct {
	Driver  string        `mapstructure:"driver"`
	DSN     string        `mapstructure:"dsn"`
	Workers int           `mapstructure:"workers"`
	Queue   int           `mapstructure:"queue"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type Config struct {
	Mode       string        `mapstructure:"mode"`
	Port       int           `mapstructure:"port"`
	StaticPath string        `mapstructure:"static_path"`
	ReadLimit  int64         `mapstructure:"read_limit"`
	PingPeriod time.Duration `mapstructure:"ping_period"`
	WriteWait  time.Duration `mapstructure:"write_wait"`
	SendBuffer int           `mapstructure:"send_buffer"`
	InboxSize  int           `mapstructure:"inbox_size"`
	Secret     string        `mapstructure:"secret"`
	LogLevel   string        `mapstructure:"log_level"`

	RingTimeout      time.Duration `mapstructure:"ring_timeout"`
	CallRateLimit    int           `mapstructure:"call_rate_limit"`
	CallRateInterval time.Duration `mapstructure:"call_rate_interval"`
	SlowConsumer     string        `mapstructure:"slow_consumer"`

	ICEServers []ICEServer `mapstructure:"ice_servers"`
	Store      StoreConfig `mapstructure:"store"`

	v *viper.Viper
}

// Load reads config/config.<CONFIG_ENV>.yaml on top of the defaults and
// applies RING_* environment overrides.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/config.%s.yaml", env)

	v.SetConfigFile(fileName)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	setDefaults(v)

	v.SetEnvPrefix("RING")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	fileLoaded := true
	if err := v.ReadInConfig(); err != nil {
		fileLoaded = false
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
	}

	cfg, err := decode(v)
	if err != nil {
		return nil, err
	}
	if fileLoaded {
		cfg.v = v
	}
	log.Info().Str("module", "config").Str("mode", cfg.Mode).Int("port", cfg.Port).
		Str("store", cfg.Store.Driver).Msg("config ready")
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("static_path", "")
	v.SetDefault("read_limit", 32768)
	v.SetDefault("ping_period", "54s")
	v.SetDefault("write_wait", "5s")
	v.SetDefault("send_buffer", 64)
	v.SetDefault("inbox_size", 32)
	v.SetDefault("secret", "change-me")
	v.SetDefault("log_level", "info")

	v.SetDefault("ring_timeout", "0s")
	v.SetDefault("call_rate_limit", 5)
	v.SetDefault("call_rate_interval", "10s")
	v.SetDefault("slow_consumer", "kick")

	v.SetDefault("ice_servers", []map[string]any{
		{"urls": []string{"stun:stun.l.google.com:19302"}},
	})

	v.SetDefault("store.driver", "memory")
	v.SetDefault("store.dsn", "ring.db")
	v.SetDefault("store.workers", 4)
	v.SetDefault("store.queue", 256)
	v.SetDefault("store.timeout", "3s")
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// Validate reports every problem at once.
func (c *Config) Validate() error {
	var err error
	if c.Port <= 0 || c.Port > 65535 {
		err = multierr.Append(err, fmt.Errorf("port %d out of range", c.Port))
	}
	if c.ReadLimit <= 0 {
		err = multierr.Append(err, errors.New("read_limit must be positive"))
	}
	if c.PingPeriod <= 0 {
		err = multierr.Append(err, errors.New("ping_period must be positive"))
	}
	if c.WriteWait <= 0 {
		err = multierr.Append(err, errors.New("write_wait must be positive"))
	}
	if c.SendBuffer <= 0 || c.InboxSize <= 0 {
		err = multierr.Append(err, errors.New("send_buffer and inbox_size must be positive"))
	}
	if c.RingTimeout < 0 {
		err = multierr.Append(err, errors.New("ring_timeout must not be negative"))
	}
	if c.CallRateLimit > 0 && c.CallRateInterval <= 0 {
		err = multierr.Append(err, errors.New("call_rate_interval must be positive when call_rate_limit is set"))
	}
	switch c.SlowConsumer {
	case "kick", "drop":
	default:
		err = multierr.Append(err, fmt.Errorf("unknown slow_consumer policy %q", c.SlowConsumer))
	}
	if _, lerr := zerolog.ParseLevel(c.LogLevel); lerr != nil {
		err = multierr.Append(err, fmt.Errorf("log_level: %w", lerr))
	}
	switch c.Store.Driver {
	case "memory":
	case "sqlite":
		if c.Store.DSN == "" {
			err = multierr.Append(err, errors.New("store.dsn required for sqlite"))
		}
	default:
		err = multierr.Append(err, fmt.Errorf("unknown store driver %q", c.Store.Driver))
	}
	if c.Store.Workers <= 0 || c.Store.Queue <= 0 {
		err = multierr.Append(err, errors.New("store.workers and store.queue must be positive"))
	}
	return err
}

// Level returns the configured log level, falling back to info.
func (c *Config) Level() zerolog.Level {
	lvl, err := zerolog.ParseLevel(c.LogLevel)
	if err != nil || c.LogLevel == "" {
		return zerolog.InfoLevel
	}
	return lvl
}

// OnChange watches the config file and hands every valid new version to fn.
// It is a no-op when the config came from defaults only.
func (c *Config) OnChange(fn func(*Config)) {
	if c.v == nil {
		return
	}
	c.v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		next, err := decode(c.v)
		if err != nil {
			log.Warn().Err(err).Str("module", "config").Str("file", e.Name).Msg("ignoring config change")
			return
		}
		log.Info().Str("module", "config").Str("file", e.Name).Msg("config changed")
		fn(next)
	})
	c.v.WatchConfig()
}
