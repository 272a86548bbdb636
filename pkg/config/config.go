package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Log     LogConfig     `mapstructure:"log"`
	Store   StoreConfig   `mapstructure:"store"`
	Engine  EngineConfig  `mapstructure:"engine"`
	Scanner ScannerConfig `mapstructure:"scanner"`
	Files   FilesConfig   `mapstructure:"files"`
}

type ServerConfig struct {
	Addr           string   `mapstructure:"addr" validate:"required"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

type LogConfig struct {
	Level string `mapstructure:"level" validate:"oneof=debug info warn error"`
}

type StoreConfig struct {
	Driver string `mapstructure:"driver" validate:"oneof=postgres sqlite memory"`
	DSN    string `mapstructure:"dsn" validate:"required_unless=Driver memory"`
}

type EngineConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval" validate:"gt=0"`
	JobTimeout   time.Duration `mapstructure:"job_timeout" validate:"gt=0"`
}

type ScannerConfig struct {
	BaseURL   string        `mapstructure:"base_url" validate:"omitempty,url"`
	Timeout   time.Duration `mapstructure:"timeout" validate:"gt=0"`
	RateLimit float64       `mapstructure:"rate_limit" validate:"gte=0"`
	Burst     int           `mapstructure:"burst" validate:"gte=0"`
}

type FilesConfig struct {
	Root string `mapstructure:"root" validate:"required"`
}

var validate = validator.New()

// Load reads configuration from defaults, the optional YAML file at path and
// SCANFLOW_* environment variables, in increasing order of precedence.
// DATABASE_URL is honoured as the Postgres DSN.
func Load(path string) (*Config, error) {
	return LoadWith(path, nil)
}

// LoadWith is Load with explicit key overrides, such as command line flags,
// applied above every other source.
func LoadWith(path string, overrides map[string]any) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("scanflow")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := v.BindEnv("store.dsn", "SCANFLOW_STORE_DSN", "DATABASE_URL"); err != nil {
		return nil, fmt.Errorf("bind env: %w", err)
	}

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	for key, value := range overrides {
		v.Set(key, value)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := validate.Struct(&cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return nil, fmt.Errorf("configuration validation failed: %s is invalid (%s)", verrs[0].Namespace(), verrs[0].Tag())
		}
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.allowed_origins", []string{"http://localhost:3003"})
	v.SetDefault("log.level", "debug")
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.dsn", "")
	v.SetDefault("engine.poll_interval", 5*time.Second)
	v.SetDefault("engine.job_timeout", time.Hour)
	v.SetDefault("scanner.base_url", "http://localhost:3000")
	v.SetDefault("scanner.timeout", 10*time.Second)
	v.SetDefault("scanner.rate_limit", 20.0)
	v.SetDefault("scanner.burst", 5)
	v.SetDefault("files.root", "./data/files")
}

// SlogLevel maps the configured level name onto a slog level.
func (c LogConfig) SlogLevel() slog.Level {
	switch c.Level {
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelDebug
	}
}
