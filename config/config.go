package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the research system
type Config struct {
	General   GeneralConfig   `mapstructure:"general"`
	Server    ServerConfig    `mapstructure:"server"`
	LLM       LLMConfig       `mapstructure:"llm"`
	Research  ResearchConfig  `mapstructure:"research"`
	Search    SearchConfig    `mapstructure:"search"`
	Fetch     FetchConfig     `mapstructure:"fetch"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Storage   StorageConfig   `mapstructure:"storage"`
}

// GeneralConfig contains general application settings
type GeneralConfig struct {
	Debug    bool   `mapstructure:"debug"`
	LogLevel string `mapstructure:"log_level"`
}

// ServerConfig contains HTTP server and auth settings
type ServerConfig struct {
	Address   string `mapstructure:"address"`
	JWTSecret string `mapstructure:"jwt_secret"`
}

// LLMConfig contains LLM provider configurations
type LLMConfig struct {
	Providers map[string]LLMProvider `mapstructure:"providers"`
	Routing   LLMRoutingConfig       `mapstructure:"routing"`
}

// LLMProvider represents a single LLM provider configuration
type LLMProvider struct {
	Type       string              `mapstructure:"type"` // openai, openai-compatible (anthropic is rejected)
	APIKey     string              `mapstructure:"api_key"`
	BaseURL    string              `mapstructure:"base_url"`
	Models     map[string]LLMModel `mapstructure:"models"`
	MaxRetries int                 `mapstructure:"max_retries"`
	Timeout    time.Duration       `mapstructure:"timeout"`
}

// LLMModel represents a specific model configuration
type LLMModel struct {
	Name            string  `mapstructure:"name"`
	APIName         string  `mapstructure:"api_name"`
	MaxTokens       int     `mapstructure:"max_tokens"`
	Temperature     float64 `mapstructure:"temperature"`
	CostPer1K       float64 `mapstructure:"cost_per_1k_input"`
	CostPer1KOutput float64 `mapstructure:"cost_per_1k_output"`
}

// LLMRoutingConfig defines which model to use for each role in a run
type LLMRoutingConfig struct {
	Lead           string `mapstructure:"lead"`
	Subagent       string `mapstructure:"subagent"`
	Citation       string `mapstructure:"citation"`
	Classification string `mapstructure:"classification"`
	Fallback       string `mapstructure:"fallback"`
}

// ResearchConfig holds the orchestration knobs of a research run.
type ResearchConfig struct {
	MaxSubagents             int           `mapstructure:"max_subagents"`
	MaxConcurrent            int           `mapstructure:"max_concurrent"`
	MaxRounds                int           `mapstructure:"max_rounds"`
	MaxLeadToolCallsPerRound int           `mapstructure:"max_lead_tool_calls_per_round"`
	SessionDeadline          time.Duration `mapstructure:"session_deadline"`
	SubagentDeadline         time.Duration `mapstructure:"subagent_deadline"`
	ToolDeadline             time.Duration `mapstructure:"tool_deadline"`
	LeadLLMTimeout           time.Duration `mapstructure:"lead_llm_timeout"`
	BudgetLight              int           `mapstructure:"default_budget_light"`
	BudgetMedium             int           `mapstructure:"default_budget_medium"`
	BudgetHeavy              int           `mapstructure:"default_budget_heavy"`
	SourceCapPerSubagent     int           `mapstructure:"source_cap_per_subagent"`
	TokenBudgetPerSubagent   int64         `mapstructure:"token_budget_per_subagent"`
	CitationStyle            string        `mapstructure:"citation_style"` // numeric, footnote
	CancelGrace              time.Duration `mapstructure:"cancel_grace"`
}

// SearchConfig selects and configures the web search provider.
type SearchConfig struct {
	Provider    string `mapstructure:"provider"` // serper, brave
	SerperKey   string `mapstructure:"serper_api_key"`
	BraveKey    string `mapstructure:"brave_api_key"`
	MaxResults  int    `mapstructure:"max_results"`
	RatePerMin  int    `mapstructure:"rate_per_minute"`
	RateBurst   int    `mapstructure:"rate_burst"`
	RecencyDays int    `mapstructure:"recency_days"`
}

// FetchConfig configures page fetching and extraction.
type FetchConfig struct {
	Timeout        time.Duration `mapstructure:"timeout"`
	MaxContentSize int           `mapstructure:"max_content_size"`
	UserAgent      string        `mapstructure:"user_agent"`
	BrowserEnabled bool          `mapstructure:"browser_enabled"`
	RatePerMin     int           `mapstructure:"rate_per_minute"`
	RateBurst      int           `mapstructure:"rate_burst"`
}

// TelemetryConfig contains telemetry and monitoring settings
type TelemetryConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	CostTracking bool   `mapstructure:"cost_tracking"`
	LogFile      string `mapstructure:"log_file"`
}

// StorageConfig selects the session history backend.
type StorageConfig struct {
	Backend   string         `mapstructure:"backend"` // memory, redis, postgres
	Redis     RedisConfig    `mapstructure:"redis"`
	Postgres  PostgresConfig `mapstructure:"postgres"`
	BleveBase string         `mapstructure:"bleve_path"`
}

// RedisConfig contains Redis connection settings
type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     string `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	TTLHours int    `mapstructure:"ttl_hours"`
}

// PostgresConfig contains Postgres connection settings
type PostgresConfig struct {
	URL      string `mapstructure:"url"`
	Host     string `mapstructure:"host"`
	Port     string `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	SSLMode  string `mapstructure:"sslmode"`
}

// DSN assembles a postgres connection string from the configured parts.
func (p PostgresConfig) DSN() (string, error) {
	if p.URL != "" {
		return p.URL, nil
	}
	if p.Host == "" || p.DBName == "" {
		return "", fmt.Errorf("postgres not configured (storage.postgres.host/dbname or url)")
	}
	port := p.Port
	if port == "" {
		port = "5432"
	}
	ssl := p.SSLMode
	if ssl == "" {
		ssl = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", p.User, p.Password, p.Host, port, p.DBName, ssl), nil
}

// LoadConfig reads configuration from file and environment.
// Env vars use the DEEPSCOUT_ prefix with underscores (e.g. DEEPSCOUT_SERVER_ADDRESS).
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("deepscout")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(home + "/.deepscout")
		}
	}
	v.SetEnvPrefix("DEEPSCOUT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound || path != "" {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshalling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("general.debug", false)
	v.SetDefault("general.log_level", "info")

	v.SetDefault("server.address", ":10020")

	v.SetDefault("llm.routing.lead", "gpt-5")
	v.SetDefault("llm.routing.subagent", "gpt-5-mini")
	v.SetDefault("llm.routing.citation", "gpt-5-mini")
	v.SetDefault("llm.routing.classification", "gpt-5-mini")

	v.SetDefault("research.max_subagents", 20)
	v.SetDefault("research.max_concurrent", 5)
	v.SetDefault("research.max_rounds", 5)
	v.SetDefault("research.max_lead_tool_calls_per_round", 3)
	v.SetDefault("research.session_deadline", 30*time.Minute)
	v.SetDefault("research.subagent_deadline", 5*time.Minute)
	v.SetDefault("research.tool_deadline", 30*time.Second)
	v.SetDefault("research.lead_llm_timeout", 5*time.Minute)
	v.SetDefault("research.default_budget_light", 5)
	v.SetDefault("research.default_budget_medium", 10)
	v.SetDefault("research.default_budget_heavy", 15)
	v.SetDefault("research.source_cap_per_subagent", 100)
	v.SetDefault("research.token_budget_per_subagent", int64(120000))
	v.SetDefault("research.citation_style", "footnote")
	v.SetDefault("research.cancel_grace", 2*time.Second)

	v.SetDefault("search.provider", "serper")
	v.SetDefault("search.max_results", 10)
	v.SetDefault("search.rate_per_minute", 60)
	v.SetDefault("search.rate_burst", 10)

	v.SetDefault("fetch.timeout", 30*time.Second)
	v.SetDefault("fetch.max_content_size", 20000)
	v.SetDefault("fetch.user_agent", "deepscout/1.0")
	v.SetDefault("fetch.browser_enabled", false)
	v.SetDefault("fetch.rate_per_minute", 120)
	v.SetDefault("fetch.rate_burst", 20)

	v.SetDefault("telemetry.enabled", true)
	v.SetDefault("telemetry.cost_tracking", true)

	v.SetDefault("storage.backend", "memory")
	v.SetDefault("storage.redis.host", "localhost")
	v.SetDefault("storage.redis.port", "6379")
	v.SetDefault("storage.redis.ttl_hours", 168)
	v.SetDefault("storage.bleve_path", ".deepscout/history.bleve")
}

// Validate checks the configuration for inconsistencies that would
// break a run in ways harder to diagnose later.
func (c *Config) Validate() error {
	r := c.Research
	if r.MaxSubagents < 1 {
		return fmt.Errorf("research.max_subagents must be >= 1")
	}
	if r.MaxConcurrent < 1 {
		return fmt.Errorf("research.max_concurrent must be >= 1")
	}
	if r.MaxRounds < 1 {
		return fmt.Errorf("research.max_rounds must be >= 1")
	}
	if r.BudgetLight < 1 || r.BudgetMedium < r.BudgetLight || r.BudgetHeavy < r.BudgetMedium {
		return fmt.Errorf("research budgets must satisfy 1 <= light <= medium <= heavy")
	}
	if r.BudgetHeavy > 20 {
		return fmt.Errorf("research.default_budget_heavy cannot exceed the absolute cap of 20")
	}
	switch r.CitationStyle {
	case "numeric", "footnote":
	default:
		return fmt.Errorf("research.citation_style must be numeric or footnote, got %q", r.CitationStyle)
	}
	switch c.Storage.Backend {
	case "memory", "redis", "postgres":
	default:
		return fmt.Errorf("storage.backend must be memory, redis or postgres, got %q", c.Storage.Backend)
	}
	return nil
}

// BudgetForHint maps a plan budget hint onto a tool-call cap.
func (r ResearchConfig) BudgetForHint(hint string) int {
	switch hint {
	case "light":
		return r.BudgetLight
	case "heavy":
		return r.BudgetHeavy
	default:
		return r.BudgetMedium
	}
}
