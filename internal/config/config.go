package config

import (
    "fmt"
    "os"
    "strings"
    "time"

    "github.com/spf13/viper"
)

// Config is the full service configuration, assembled from defaults, an
// optional YAML file (CONFIG_PATH), and env overrides — in that order.
type Config struct {
    Server    ServerConfig    `mapstructure:"server"`
    LLM       LLMConfig       `mapstructure:"llm"`
    Search    SearchConfig    `mapstructure:"search"`
    Research  ResearchConfig  `mapstructure:"research"`
    Streaming StreamingConfig `mapstructure:"streaming"`
    Redis     RedisConfig     `mapstructure:"redis"`
    Database  DatabaseConfig  `mapstructure:"database"`
    Artifacts ArtifactConfig  `mapstructure:"artifacts"`
    Tracing   TracingConfig   `mapstructure:"tracing"`
    Prompts   PromptsConfig   `mapstructure:"prompts"`
}

type ServerConfig struct {
    Host string `mapstructure:"host"`
    Port int    `mapstructure:"port"`
}

type LLMConfig struct {
    Provider    string  `mapstructure:"provider"`
    Model       string  `mapstructure:"model"`
    APIKey      string  `mapstructure:"api_key"`
    BaseURL     string  `mapstructure:"base_url"`
    Temperature float64 `mapstructure:"temperature"`
    MaxTokens   int     `mapstructure:"max_tokens"`
}

type SearchConfig struct {
    APIKey            string        `mapstructure:"api_key"`
    BaseURL           string        `mapstructure:"base_url"`
    MaxResults        int           `mapstructure:"max_results"`
    Timeout           time.Duration `mapstructure:"timeout"`
    RequestsPerSecond float64       `mapstructure:"requests_per_second"`
    Burst             int           `mapstructure:"burst"`
}

type ResearchConfig struct {
    Workers       int           `mapstructure:"workers"`
    QueueSize     int           `mapstructure:"queue_size"`
    MaxSteps      int           `mapstructure:"max_steps"`
    MaxToolRounds int           `mapstructure:"max_tool_rounds"`
    StepTimeout   time.Duration `mapstructure:"step_timeout"`
    FailFast      bool          `mapstructure:"fail_fast"`
}

type StreamingConfig struct {
    RingCapacity     int      `mapstructure:"ring_capacity"`
    SubscriberBuffer int      `mapstructure:"subscriber_buffer"`
    AllowedTools     []string `mapstructure:"allowed_tools"`
}

type RedisConfig struct {
    URL        string        `mapstructure:"url"`
    SessionTTL time.Duration `mapstructure:"session_ttl"`
}

type DatabaseConfig struct {
    Driver    string `mapstructure:"driver"`
    DSN       string `mapstructure:"dsn"`
    QueueSize int    `mapstructure:"queue_size"`
}

type ArtifactConfig struct {
    Dir        string `mapstructure:"dir"`
    ReportName string `mapstructure:"report_name"`
}

type TracingConfig struct {
    Enabled      bool   `mapstructure:"enabled"`
    ServiceName  string `mapstructure:"service_name"`
    OTLPEndpoint string `mapstructure:"otlp_endpoint"`
}

type PromptsConfig struct {
    Path string `mapstructure:"path"`
}

// DefaultAllowedTools is the observer-facing tool allow-list: only these
// coordinator tool invocations are forwarded to external subscribers.
func DefaultAllowedTools() []string {
    return []string{"research", "write_todos", "write_file", "read_file", "edit_file"}
}

// Load builds the configuration: defaults, then CONFIG_PATH file (if present),
// then env overrides. Validation errors abort startup.
func Load() (*Config, error) {
    v := viper.New()
    setDefaults(v)

    cfgPath := os.Getenv("CONFIG_PATH")
    if cfgPath == "" {
        cfgPath = "config/fathom.yaml"
    }
    if _, err := os.Stat(cfgPath); err == nil {
        v.SetConfigFile(cfgPath)
        if err := v.ReadInConfig(); err != nil {
            return nil, fmt.Errorf("read config %s: %w", cfgPath, err)
        }
    }

    var cfg Config
    if err := v.Unmarshal(&cfg); err != nil {
        return nil, fmt.Errorf("unmarshal config: %w", err)
    }

    applyEnvOverrides(&cfg)

    if err := cfg.Validate(); err != nil {
        return nil, err
    }
    return &cfg, nil
}

// ConfigFilePath returns the effective config file location (for the watcher).
func ConfigFilePath() string {
    if p := os.Getenv("CONFIG_PATH"); p != "" {
        return p
    }
    return "config/fathom.yaml"
}

func setDefaults(v *viper.Viper) {
    v.SetDefault("server.host", "0.0.0.0")
    v.SetDefault("server.port", 8123)

    v.SetDefault("llm.provider", "openai")
    v.SetDefault("llm.model", "gpt-5.2")
    v.SetDefault("llm.temperature", 0.7)
    v.SetDefault("llm.max_tokens", 0)

    v.SetDefault("search.base_url", "https://api.tavily.com")
    v.SetDefault("search.max_results", 5)
    v.SetDefault("search.timeout", 30*time.Second)
    v.SetDefault("search.requests_per_second", 2.0)
    v.SetDefault("search.burst", 4)

    v.SetDefault("research.workers", 1)
    v.SetDefault("research.queue_size", 16)
    v.SetDefault("research.max_steps", 20)
    v.SetDefault("research.max_tool_rounds", 8)
    v.SetDefault("research.step_timeout", 5*time.Minute)
    v.SetDefault("research.fail_fast", false)

    v.SetDefault("streaming.ring_capacity", 256)
    v.SetDefault("streaming.subscriber_buffer", 64)
    v.SetDefault("streaming.allowed_tools", DefaultAllowedTools())

    v.SetDefault("redis.url", "")
    v.SetDefault("redis.session_ttl", 24*time.Hour)

    v.SetDefault("database.driver", "sqlite3")
    v.SetDefault("database.dsn", "fathom.db")
    v.SetDefault("database.queue_size", 256)

    v.SetDefault("artifacts.dir", "reports")
    v.SetDefault("artifacts.report_name", "final_report.md")

    v.SetDefault("tracing.enabled", false)
    v.SetDefault("tracing.service_name", "fathom")
    v.SetDefault("tracing.otlp_endpoint", "localhost:4317")

    v.SetDefault("prompts.path", "")
}

func applyEnvOverrides(cfg *Config) {
    if v := os.Getenv("SERVER_HOST"); v != "" {
        cfg.Server.Host = v
    }
    if v := os.Getenv("SERVER_PORT"); v != "" {
        var x int
        _, _ = fmt.Sscanf(v, "%d", &x)
        if x > 0 {
            cfg.Server.Port = x
        }
    }
    if v := os.Getenv("OPENAI_API_KEY"); v != "" {
        cfg.LLM.APIKey = v
    }
    if v := os.Getenv("OPENAI_MODEL"); v != "" {
        cfg.LLM.Model = v
    }
    if v := os.Getenv("OPENAI_BASE_URL"); v != "" {
        cfg.LLM.BaseURL = v
    }
    if v := os.Getenv("LLM_TEMPERATURE"); v != "" {
        var x float64
        _, _ = fmt.Sscanf(v, "%f", &x)
        if x > 0 {
            cfg.LLM.Temperature = x
        }
    }
    if v := os.Getenv("TAVILY_API_KEY"); v != "" {
        cfg.Search.APIKey = v
    }
    if v := os.Getenv("TAVILY_BASE_URL"); v != "" {
        cfg.Search.BaseURL = v
    }
    if v := os.Getenv("SEARCH_MAX_RESULTS"); v != "" {
        var x int
        _, _ = fmt.Sscanf(v, "%d", &x)
        if x > 0 {
            cfg.Search.MaxResults = x
        }
    }
    if v := os.Getenv("RESEARCH_WORKERS"); v != "" {
        var x int
        _, _ = fmt.Sscanf(v, "%d", &x)
        if x > 0 {
            cfg.Research.Workers = x
        }
    }
    if v := os.Getenv("RESEARCH_FAIL_FAST"); v != "" {
        cfg.Research.FailFast = v == "1" || strings.EqualFold(v, "true")
    }
    if v := os.Getenv("STREAMING_RING_CAPACITY"); v != "" {
        var x int
        _, _ = fmt.Sscanf(v, "%d", &x)
        if x > 0 {
            cfg.Streaming.RingCapacity = x
        }
    }
    if v := os.Getenv("REDIS_URL"); v != "" {
        cfg.Redis.URL = v
    }
    if v := os.Getenv("DATABASE_DRIVER"); v != "" {
        cfg.Database.Driver = v
    }
    if v := os.Getenv("DATABASE_DSN"); v != "" {
        cfg.Database.DSN = v
    }
    if v := os.Getenv("REPORTS_DIR"); v != "" {
        cfg.Artifacts.Dir = v
    }
    if v := os.Getenv("TRACING_ENABLED"); v != "" {
        cfg.Tracing.Enabled = v == "1" || strings.EqualFold(v, "true")
    }
    if v := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); v != "" {
        cfg.Tracing.OTLPEndpoint = v
    }
    if v := os.Getenv("PROMPTS_PATH"); v != "" {
        cfg.Prompts.Path = v
    }
}

// Validate rejects configurations the service cannot start with.
func (c *Config) Validate() error {
    if c.Server.Port < 1 || c.Server.Port > 65535 {
        return fmt.Errorf("invalid server port %d", c.Server.Port)
    }
    if c.LLM.Model == "" {
        return fmt.Errorf("llm model must not be empty")
    }
    if c.LLM.Temperature < 0 || c.LLM.Temperature > 2 {
        return fmt.Errorf("llm temperature %v out of range [0,2]", c.LLM.Temperature)
    }
    if c.Search.MaxResults < 1 {
        return fmt.Errorf("search max_results must be >= 1, got %d", c.Search.MaxResults)
    }
    if c.Research.Workers < 1 {
        return fmt.Errorf("research workers must be >= 1, got %d", c.Research.Workers)
    }
    if c.Research.MaxToolRounds < 1 {
        return fmt.Errorf("research max_tool_rounds must be >= 1, got %d", c.Research.MaxToolRounds)
    }
    if c.Streaming.RingCapacity < 1 {
        return fmt.Errorf("streaming ring_capacity must be >= 1, got %d", c.Streaming.RingCapacity)
    }
    if c.Database.Driver != "sqlite3" && c.Database.Driver != "postgres" {
        return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
    }
    return nil
}

// Tunables is the hot-reloadable subset of the research policy. Everything
// else requires a restart.
type Tunables struct {
    MaxToolRounds int
    StepTimeout   time.Duration
    FailFast      bool
}

// TunablesFrom extracts the hot-reloadable knobs from a full config.
func TunablesFrom(c *Config) Tunables {
    return Tunables{
        MaxToolRounds: c.Research.MaxToolRounds,
        StepTimeout:   c.Research.StepTimeout,
        FailFast:      c.Research.FailFast,
    }
}
