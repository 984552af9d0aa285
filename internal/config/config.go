package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/richlaw1986/content-gap-crew-sub000/internal/observability"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. CREWD_LLM_API_KEY.
const EnvPrefix = "CREWD"

// Config is the complete server configuration.
type Config struct {
	Server        ServerConfig         `mapstructure:"server" yaml:"server"`
	LLM           LLMConfig            `mapstructure:"llm" yaml:"llm"`
	Store         StoreConfig          `mapstructure:"store" yaml:"store"`
	Catalog       CatalogConfig        `mapstructure:"catalog" yaml:"catalog"`
	Run           RunConfig            `mapstructure:"run" yaml:"run"`
	IDStrategy    string               `mapstructure:"id_strategy" yaml:"id_strategy"`
	Observability observability.Config `mapstructure:"observability" yaml:"observability"`
}

// ServerConfig configures the HTTP and WebSocket listener.
type ServerConfig struct {
	Addr            string        `mapstructure:"addr" yaml:"addr"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins" yaml:"allowed_origins"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
	RateLimit       RateLimit     `mapstructure:"rate_limit" yaml:"rate_limit"`
	// InboundPerSecond throttles frames read from a single connection.
	InboundPerSecond float64 `mapstructure:"inbound_per_second" yaml:"inbound_per_second"`
	InboundBurst     int     `mapstructure:"inbound_burst" yaml:"inbound_burst"`
}

// RateLimit configures the per-client REST limiter.
type RateLimit struct {
	RequestsPerMinute int `mapstructure:"requests_per_minute" yaml:"requests_per_minute"`
	Burst             int `mapstructure:"burst" yaml:"burst"`
}

// LLMConfig configures the OpenAI-compatible model endpoint.
type LLMConfig struct {
	BaseURL           string        `mapstructure:"base_url" yaml:"base_url"`
	APIKey            string        `mapstructure:"api_key" yaml:"api_key"`
	Model             string        `mapstructure:"model" yaml:"model"`
	Timeout           time.Duration `mapstructure:"timeout" yaml:"timeout"`
	MaxRetries        int           `mapstructure:"max_retries" yaml:"max_retries"`
	MaxToolIterations int           `mapstructure:"max_tool_iterations" yaml:"max_tool_iterations"`
	Temperature       float64       `mapstructure:"temperature" yaml:"temperature"`
}

// Store drivers.
const (
	StoreMemory   = "memory"
	StoreFile     = "file"
	StorePostgres = "postgres"
	StoreSQLite   = "sqlite"
)

// StoreConfig selects the conversation persistence backend.
type StoreConfig struct {
	Driver string `mapstructure:"driver" yaml:"driver"`
	Dir    string `mapstructure:"dir" yaml:"dir"`
	DSN    string `mapstructure:"dsn" yaml:"dsn"`
}

// CatalogConfig locates the worker catalog. An empty path uses the built-in roster.
type CatalogConfig struct {
	Path  string `mapstructure:"path" yaml:"path"`
	Watch bool   `mapstructure:"watch" yaml:"watch"`
}

// RunConfig tunes run orchestration.
type RunConfig struct {
	QuestionTimeout  time.Duration `mapstructure:"question_timeout" yaml:"question_timeout"`
	AskCrewSelection bool          `mapstructure:"ask_crew_selection" yaml:"ask_crew_selection"`
	ConfirmSynthesis bool          `mapstructure:"confirm_synthesis" yaml:"confirm_synthesis"`
	AmbiguousAnswer  string        `mapstructure:"ambiguous_answer" yaml:"ambiguous_answer"` // resolve_all, reject
	ContextChars     int           `mapstructure:"context_chars" yaml:"context_chars"`
	CrewMemorySize   int           `mapstructure:"crew_memory_size" yaml:"crew_memory_size"`
	Summaries        bool          `mapstructure:"summaries" yaml:"summaries"`
}

// Default returns the configuration used when no file or environment overrides exist.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Addr:             ":8000",
			AllowedOrigins:   []string{"*"},
			ShutdownTimeout:  10 * time.Second,
			RateLimit:        RateLimit{RequestsPerMinute: 120, Burst: 30},
			InboundPerSecond: 5,
			InboundBurst:     10,
		},
		LLM: LLMConfig{
			BaseURL:           "https://api.openai.com/v1",
			Model:             "gpt-5.2",
			Timeout:           120 * time.Second,
			MaxRetries:        2,
			MaxToolIterations: 8,
			Temperature:       0.7,
		},
		Store: StoreConfig{
			Driver: StoreMemory,
			Dir:    "~/.crewd/conversations",
		},
		Run: RunConfig{
			QuestionTimeout:  10 * time.Minute,
			AskCrewSelection: true,
			AmbiguousAnswer:  "resolve_all",
			ContextChars:     6000,
			CrewMemorySize:   1024,
			Summaries:        true,
		},
		IDStrategy:    "ksuid",
		Observability: observability.DefaultConfig(),
	}
}

// Load reads configuration from path (or ./crewd.yaml when empty), then applies
// CREWD_* environment overrides. v may carry flag bindings; nil creates a fresh instance.
func Load(v *viper.Viper, path string) (Config, error) {
	if v == nil {
		v = viper.New()
	}
	setDefaults(v, Default())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("crewd")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.crewd")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	switch c.Store.Driver {
	case StoreMemory, StoreFile:
	case StorePostgres, StoreSQLite:
		if strings.TrimSpace(c.Store.DSN) == "" {
			return fmt.Errorf("store.dsn is required for driver %q", c.Store.Driver)
		}
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}
	switch c.Run.AmbiguousAnswer {
	case "resolve_all", "reject":
	default:
		return fmt.Errorf("run.ambiguous_answer must be resolve_all or reject, got %q", c.Run.AmbiguousAnswer)
	}
	if c.Run.QuestionTimeout <= 0 {
		return fmt.Errorf("run.question_timeout must be positive")
	}
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	return nil
}

func setDefaults(v *viper.Viper, d Config) {
	v.SetDefault("server.addr", d.Server.Addr)
	v.SetDefault("server.allowed_origins", d.Server.AllowedOrigins)
	v.SetDefault("server.shutdown_timeout", d.Server.ShutdownTimeout)
	v.SetDefault("server.rate_limit.requests_per_minute", d.Server.RateLimit.RequestsPerMinute)
	v.SetDefault("server.rate_limit.burst", d.Server.RateLimit.Burst)
	v.SetDefault("server.inbound_per_second", d.Server.InboundPerSecond)
	v.SetDefault("server.inbound_burst", d.Server.InboundBurst)

	v.SetDefault("llm.base_url", d.LLM.BaseURL)
	v.SetDefault("llm.api_key", d.LLM.APIKey)
	v.SetDefault("llm.model", d.LLM.Model)
	v.SetDefault("llm.timeout", d.LLM.Timeout)
	v.SetDefault("llm.max_retries", d.LLM.MaxRetries)
	v.SetDefault("llm.max_tool_iterations", d.LLM.MaxToolIterations)
	v.SetDefault("llm.temperature", d.LLM.Temperature)

	v.SetDefault("store.driver", d.Store.Driver)
	v.SetDefault("store.dir", d.Store.Dir)
	v.SetDefault("store.dsn", d.Store.DSN)

	v.SetDefault("catalog.path", d.Catalog.Path)
	v.SetDefault("catalog.watch", d.Catalog.Watch)

	v.SetDefault("run.question_timeout", d.Run.QuestionTimeout)
	v.SetDefault("run.ask_crew_selection", d.Run.AskCrewSelection)
	v.SetDefault("run.confirm_synthesis", d.Run.ConfirmSynthesis)
	v.SetDefault("run.ambiguous_answer", d.Run.AmbiguousAnswer)
	v.SetDefault("run.context_chars", d.Run.ContextChars)
	v.SetDefault("run.crew_memory_size", d.Run.CrewMemorySize)
	v.SetDefault("run.summaries", d.Run.Summaries)

	v.SetDefault("id_strategy", d.IDStrategy)

	obs := d.Observability
	v.SetDefault("observability.logging.level", obs.Logging.Level)
	v.SetDefault("observability.logging.format", obs.Logging.Format)
	v.SetDefault("observability.metrics.enabled", obs.Metrics.Enabled)
	v.SetDefault("observability.metrics.port", obs.Metrics.Port)
	v.SetDefault("observability.tracing.enabled", obs.Tracing.Enabled)
	v.SetDefault("observability.tracing.exporter", obs.Tracing.Exporter)
	v.SetDefault("observability.tracing.otlp_endpoint", obs.Tracing.OTLPEndpoint)
	v.SetDefault("observability.tracing.zipkin_endpoint", obs.Tracing.ZipkinEndpoint)
	v.SetDefault("observability.tracing.sample_rate", obs.Tracing.SampleRate)
	v.SetDefault("observability.tracing.service_name", obs.Tracing.ServiceName)
	v.SetDefault("observability.tracing.service_version", obs.Tracing.ServiceVersion)
}
