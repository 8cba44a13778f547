package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store     StoreConfig     `yaml:"store" mapstructure:"store"`
	GitHub    GitHubConfig    `yaml:"github" mapstructure:"github"`
	Anthropic AnthropicConfig `yaml:"anthropic" mapstructure:"anthropic"`
	Search    SearchConfig    `yaml:"search" mapstructure:"search"`
	Events    EventsConfig    `yaml:"events" mapstructure:"events"`
	Admission AdmissionConfig `yaml:"admission" mapstructure:"admission"`
	Server    ServerConfig    `yaml:"server" mapstructure:"server"`
	Log       LogConfig       `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend. Path applies to the
// sqlite driver, DatabaseURL to postgres.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	Path        string `yaml:"path" mapstructure:"path"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
}

// GitHubConfig holds GitHub API settings.
type GitHubConfig struct {
	Token   string  `yaml:"token" mapstructure:"token"`
	BaseURL string  `yaml:"base_url" mapstructure:"base_url"`
	RPS     float64 `yaml:"rps" mapstructure:"rps"`
}

// AnthropicConfig holds Anthropic API settings.
type AnthropicConfig struct {
	Key        string `yaml:"key" mapstructure:"key"`
	JudgeModel string `yaml:"judge_model" mapstructure:"judge_model"`
}

// SearchConfig bounds retrieval and the refinement loop.
type SearchConfig struct {
	MaxResults  int     `yaml:"max_results" mapstructure:"max_results"`
	MaxAttempts int     `yaml:"max_attempts" mapstructure:"max_attempts"`
	MinScore    float64 `yaml:"min_score" mapstructure:"min_score"`
}

// EventsConfig tunes the live-stream coalescers.
type EventsConfig struct {
	ItemBatchSize  int `yaml:"item_batch_size" mapstructure:"item_batch_size"`
	ItemIntervalMs int `yaml:"item_interval_ms" mapstructure:"item_interval_ms"`
}

// AdmissionConfig tunes request throttling at the trigger endpoint.
// RPS and Burst drive the in-process limiter; the durable actor bucket
// takes over when Durable is set.
type AdmissionConfig struct {
	RPS                float64 `yaml:"rps" mapstructure:"rps"`
	Burst              int     `yaml:"burst" mapstructure:"burst"`
	Durable            bool    `yaml:"durable" mapstructure:"durable"`
	Capacity           int     `yaml:"capacity" mapstructure:"capacity"`
	RefillAmount       int     `yaml:"refill_amount" mapstructure:"refill_amount"`
	RefillIntervalSecs int     `yaml:"refill_interval_secs" mapstructure:"refill_interval_secs"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("REPOSCOUT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.path", "repo-scout.db")
	v.SetDefault("github.base_url", "https://api.github.com")
	v.SetDefault("github.rps", 1.0)
	v.SetDefault("anthropic.judge_model", "claude-sonnet-4-5-20250929")
	v.SetDefault("search.max_results", 30)
	v.SetDefault("search.max_attempts", 3)
	v.SetDefault("search.min_score", 0.65)
	v.SetDefault("events.item_batch_size", 25)
	v.SetDefault("events.item_interval_ms", 250)
	v.SetDefault("admission.rps", 0.2)
	v.SetDefault("admission.burst", 5)
	v.SetDefault("admission.durable", false)
	v.SetDefault("admission.capacity", 10)
	v.SetDefault("admission.refill_amount", 1)
	v.SetDefault("admission.refill_interval_secs", 6)
	v.SetDefault("server.port", 8080)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
