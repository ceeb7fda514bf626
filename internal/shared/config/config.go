// Package config loads the agentd configuration from a YAML file, a .env file
// and AGENTD_* environment variables, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/walkerhughes/agent-sandboxing/internal/infra/observability"
)

// EnvPrefix prefixes every environment override, e.g. AGENTD_STORE_BACKEND.
const EnvPrefix = "AGENTD"

// Store backends.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendSQLite   = "sqlite"
)

// Delivery modes.
const (
	DeliveryPush = "push"
	DeliveryPoll = "poll"
)

// Config is the full agentd configuration.
type Config struct {
	Server    ServerConfig                `mapstructure:"server" yaml:"server"`
	Store     StoreConfig                 `mapstructure:"store" yaml:"store"`
	Worker    WorkerConfig                `mapstructure:"worker" yaml:"worker"`
	Webhook   WebhookConfig               `mapstructure:"webhook" yaml:"webhook"`
	Delivery  DeliveryConfig              `mapstructure:"delivery" yaml:"delivery"`
	Log       LogConfig                   `mapstructure:"log" yaml:"log"`
	Tracing   observability.TracingConfig `mapstructure:"tracing" yaml:"tracing"`
	RateLimit RateLimitConfig             `mapstructure:"rate_limit" yaml:"rate_limit"`
	CORS      CORSConfig                  `mapstructure:"cors" yaml:"cors"`
	IDs       IDConfig                    `mapstructure:"ids" yaml:"ids"`
}

type ServerConfig struct {
	Addr              string        `mapstructure:"addr" yaml:"addr" validate:"required"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout" yaml:"read_header_timeout" validate:"gte=0"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout" validate:"gte=0"`
}

type StoreConfig struct {
	Backend  string `mapstructure:"backend" yaml:"backend" validate:"oneof=memory postgres sqlite"`
	DSN      string `mapstructure:"dsn" yaml:"dsn" validate:"required_if=Backend postgres"`
	Path     string `mapstructure:"path" yaml:"path" validate:"required_if=Backend sqlite"`
	MaxConns int32  `mapstructure:"max_conns" yaml:"max_conns" validate:"gte=0"`
}

type WorkerConfig struct {
	SpawnURL     string        `mapstructure:"spawn_url" yaml:"spawn_url" validate:"required,url"`
	CancelURL    string        `mapstructure:"cancel_url" yaml:"cancel_url" validate:"omitempty,url"`
	Token        string        `mapstructure:"token" yaml:"token"`
	CallbackURL  string        `mapstructure:"callback_url" yaml:"callback_url" validate:"required,url"`
	SpawnTimeout time.Duration `mapstructure:"spawn_timeout" yaml:"spawn_timeout" validate:"gte=0"`
}

type WebhookConfig struct {
	Secret          string        `mapstructure:"secret" yaml:"secret" validate:"required"`
	ReplayCacheSize int           `mapstructure:"replay_cache_size" yaml:"replay_cache_size" validate:"gte=0"`
	ReplayWindow    time.Duration `mapstructure:"replay_window" yaml:"replay_window" validate:"gte=0"`
}

type DeliveryConfig struct {
	Mode         string        `mapstructure:"mode" yaml:"mode" validate:"oneof=push poll"`
	PollInterval time.Duration `mapstructure:"poll_interval" yaml:"poll_interval" validate:"gte=0"`
	Heartbeat    time.Duration `mapstructure:"heartbeat" yaml:"heartbeat" validate:"gte=0"`
}

type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level" validate:"oneof=debug info warn warning error"`
	Format string `mapstructure:"format" yaml:"format" validate:"oneof=json text"`
}

// RateLimitConfig limits requests per client IP on the public API. RPS 0
// disables limiting.
type RateLimitConfig struct {
	RPS   float64 `mapstructure:"rps" yaml:"rps" validate:"gte=0"`
	Burst int     `mapstructure:"burst" yaml:"burst" validate:"gte=0"`
}

type CORSConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins" yaml:"allowed_origins"`
}

// IDConfig picks how task, session and log ids are generated.
type IDConfig struct {
	Strategy string `mapstructure:"strategy" yaml:"strategy" validate:"oneof=ksuid uuid uuidv7"`
}

var defaults = map[string]any{
	"server.addr":                ":8080",
	"server.read_header_timeout": 10 * time.Second,
	"server.shutdown_timeout":    15 * time.Second,

	"store.backend":   BackendMemory,
	"store.dsn":       "",
	"store.path":      "agentd.db",
	"store.max_conns": 10,

	"worker.spawn_url":     "",
	"worker.cancel_url":    "",
	"worker.token":         "",
	"worker.callback_url":  "",
	"worker.spawn_timeout": 30 * time.Second,

	"webhook.secret":            "",
	"webhook.replay_cache_size": 4096,
	"webhook.replay_window":     10 * time.Second,

	"delivery.mode":          DeliveryPush,
	"delivery.poll_interval": time.Second,
	"delivery.heartbeat":     15 * time.Second,

	"log.level":  "info",
	"log.format": "text",

	"tracing.enabled":         false,
	"tracing.exporter":        "otlp",
	"tracing.otlp_endpoint":   "localhost:4318",
	"tracing.zipkin_endpoint": "http://localhost:9411/api/v2/spans",
	"tracing.sample_rate":     1.0,
	"tracing.service_name":    "agentd",
	"tracing.service_version": "",

	"rate_limit.rps":   20.0,
	"rate_limit.burst": 40,

	"cors.allowed_origins": []string{"*"},

	"ids.strategy": "ksuid",
}

// Options controls where Load looks.
type Options struct {
	// Path is the YAML config file. Empty means no file; a missing file is an
	// error only when Path was set explicitly.
	Path string
	// EnvFile is loaded into the process environment without overriding
	// variables that are already set. Defaults to ".env"; a missing file is
	// ignored.
	EnvFile string
}

// Load reads, merges and validates the configuration.
func Load(opts Options) (Config, error) {
	envFile := opts.EnvFile
	if envFile == "" {
		envFile = ".env"
	}
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load %s: %w", envFile, err)
	}

	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path := strings.TrimSpace(opts.Path); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name, _, _ := strings.Cut(field.Tag.Get("mapstructure"), ",")
		if name == "" || name == "-" {
			return field.Name
		}
		return name
	})
	return v
}

// Validate checks cfg and reports every violated field by its config key.
func Validate(cfg Config) error {
	err := validate.Struct(cfg)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return fmt.Errorf("validate config: %w", err)
	}
	problems := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		key := strings.TrimPrefix(fe.Namespace(), "Config.")
		if fe.Param() != "" {
			problems = append(problems, fmt.Sprintf("%s: %s=%s", key, fe.Tag(), fe.Param()))
		} else {
			problems = append(problems, fmt.Sprintf("%s: %s", key, fe.Tag()))
		}
	}
	return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
}
