package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

type MediaConfig struct {
	Endpoint string        `mapstructure:"endpoint"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

type ClientConfig struct {
	ServerURL          string        `mapstructure:"server_url"`
	UserID             string        `mapstructure:"user_id"`
	DisplayName        string        `mapstructure:"display_name"`
	MaxConsumeRetries  int           `mapstructure:"max_consume_retries"`
	ConsumeBackoff     time.Duration `mapstructure:"consume_backoff"`
	MicMode            string        `mapstructure:"mic_mode"`
	DialTimeout        time.Duration `mapstructure:"dial_timeout"`
	EnableVideoProduce bool          `mapstructure:"enable_video"`
}

type Config struct {
	Mode                string        `mapstructure:"mode"`
	Port                int           `mapstructure:"port"`
	StaticPath          string        `mapstructure:"static_path"`
	ReadLimit           int64         `mapstructure:"read_limit"`
	PingPeriod          time.Duration `mapstructure:"ping_period"`
	Secret              string        `mapstructure:"secret"`
	LogLevel            string        `mapstructure:"log_level"`
	SendBuffer          int           `mapstructure:"send_buffer"`
	Backpressure        string        `mapstructure:"backpressure"`
	CleanupTimeout      time.Duration `mapstructure:"cleanup_timeout"`
	MessageRateLimit    int           `mapstructure:"message_rate_limit"`
	MessageRateInterval time.Duration `mapstructure:"message_rate_interval"`
	DBPath              string        `mapstructure:"db_path"`
	Media               MediaConfig   `mapstructure:"media"`
	Client              ClientConfig  `mapstructure:"client"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("static_path", "./web")
	v.SetDefault("read_limit", 32768)
	v.SetDefault("ping_period", "54s")
	v.SetDefault("log_level", "info")
	v.SetDefault("send_buffer", 32)
	v.SetDefault("backpressure", "drop")
	v.SetDefault("cleanup_timeout", "5s")
	v.SetDefault("message_rate_limit", 10)
	v.SetDefault("message_rate_interval", "5s")
	v.SetDefault("db_path", "huddle.db")
	v.SetDefault("media.endpoint", "")
	v.SetDefault("media.timeout", "5s")
	v.SetDefault("client.server_url", "ws://localhost:8080/api/ws")
	v.SetDefault("client.max_consume_retries", 3)
	v.SetDefault("client.consume_backoff", "1s")
	v.SetDefault("client.mic_mode", "vad")
	v.SetDefault("client.dial_timeout", "10s")
}

func fileName() string {
	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	return fmt.Sprintf("config/config.%s.yaml", env)
}

func newViper(file string) *viper.Viper {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetConfigFile(file)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.SetEnvPrefix("HUDDLE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	return v
}

// Load reads config/config.<CONFIG_ENV>.yaml, falling back to defaults, with
// HUDDLE_* environment overrides.
func Load() (*Config, error) {
	return LoadFile(fileName())
}

func LoadFile(file string) (*Config, error) {
	v := newViper(file)
	if err := v.ReadInConfig(); err != nil {
		log.Warn().Str("module", "config").Str("file", file).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", file).Msg("loaded config")
	}
	cfg, err := decode(v)
	if err != nil {
		return nil, err
	}
	log.Info().Str("module", "config").Str("mode", cfg.Mode).Int("port", cfg.Port).Str("static", cfg.StaticPath).Msg("config ready")
	return cfg, nil
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.SendBuffer <= 0 {
		return fmt.Errorf("send_buffer must be positive, got %d", c.SendBuffer)
	}
	switch c.Backpressure {
	case "", "drop", "kick":
	default:
		return fmt.Errorf("unknown backpressure policy %q", c.Backpressure)
	}
	if c.Client.MaxConsumeRetries < 0 {
		return fmt.Errorf("client.max_consume_retries must not be negative")
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

// ParseLevel maps a config level name to zerolog; empty means info.
func ParseLevel(s string) (zerolog.Level, error) {
	if s == "" {
		return zerolog.InfoLevel, nil
	}
	lvl, err := zerolog.ParseLevel(strings.ToLower(s))
	if err != nil {
		return zerolog.NoLevel, fmt.Errorf("invalid log_level %q: %w", s, err)
	}
	return lvl, nil
}

// Watch re-reads the config file on change and hands the new config to fn.
// Invalid edits are logged and ignored.
func Watch(file string, fn func(*Config)) {
	v := newViper(file)
	if err := v.ReadInConfig(); err != nil {
		log.Warn().Str("module", "config").Str("file", file).Msg("nothing to watch")
		return
	}
	v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		cfg, err := decode(v)
		if err != nil {
			log.Error().Err(err).Str("module", "config").Str("file", e.Name).Msg("ignoring invalid config change")
			return
		}
		log.Info().Str("module", "config").Str("file", e.Name).Msg("config changed")
		fn(cfg)
	})
	v.WatchConfig()
}

// File is the path Load reads.
func File() string { return fileName() }

// ApplyLogLevel sets the global zerolog level from cfg.
func ApplyLogLevel(cfg *Config) {
	lvl, err := ParseLevel(cfg.LogLevel)
	if err != nil {
		log.Warn().Err(err).Str("module", "config").Msg("keeping current log level")
		return
	}
	zerolog.SetGlobalLevel(lvl)
}
