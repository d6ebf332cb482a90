package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/Yvan2XEro/project-x2/go/orchestrator/internal/tracing"
)

// DefaultPath is read when neither --config nor CONFIG_PATH is set. A missing
// default file is not an error; built-in defaults apply.
const DefaultPath = "config/research.yaml"

type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// PipelineConfig holds the orchestrator knobs.
type PipelineConfig struct {
	MaxStageExecutions int           `mapstructure:"max_stage_executions"`
	MaxRevisions       int           `mapstructure:"max_revisions"`
	QualityThreshold   float64       `mapstructure:"quality_threshold"`
	StageTimeout       time.Duration `mapstructure:"stage_timeout"`
	CriticalStages     []string      `mapstructure:"critical_stages"`
}

// GathererConfig holds the per-capability fan-out caps.
type GathererConfig struct {
	MaxWebQueriesPerSection int     `mapstructure:"max_web_queries_per_section"`
	WebConcurrency          int     `mapstructure:"web_concurrency"`
	WebRatePerSecond        float64 `mapstructure:"web_rate_per_second"`
	WebBurst                int     `mapstructure:"web_burst"`
	// MaxWarehouseProbes caps warehouse queries per run. Zero means the
	// default of 3; a negative value turns warehouse queries off.
	MaxWarehouseProbes      int     `mapstructure:"max_warehouse_probes"`
	WarehouseConcurrency    int     `mapstructure:"warehouse_concurrency"`
	WarehouseRowLimit       int     `mapstructure:"warehouse_row_limit"`
	UserFileConcurrency     int     `mapstructure:"user_file_concurrency"`
	UserFileExcerptChars    int     `mapstructure:"user_file_excerpt_chars"`
	DedupIncludeLocale      bool    `mapstructure:"dedup_include_locale"`
}

type LLMConfig struct {
	URL     string        `mapstructure:"url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type WebSearchConfig struct {
	URL     string        `mapstructure:"url"`
	APIKey  string        `mapstructure:"api_key"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// WarehouseConfig selects the SQL driver. An empty DSN disables the warehouse.
type WarehouseConfig struct {
	Driver         string        `mapstructure:"driver"`
	DSN            string        `mapstructure:"dsn"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	QueryTimeout   time.Duration `mapstructure:"query_timeout"`
	MaxOpenConns   int           `mapstructure:"max_open_conns"`
}

// RedisConfig configures the progress event sink. An empty Addr disables it.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Stream   string `mapstructure:"stream"`
	MaxLen   int64  `mapstructure:"max_len"`
}

// NATSConfig configures the optional NATS event sink. An empty URL disables it.
type NATSConfig struct {
	URL     string `mapstructure:"url"`
	Subject string `mapstructure:"subject"`
}

type StreamingConfig struct {
	BufferSize        int           `mapstructure:"buffer_size"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
}

// PolicyConfig configures source admission. An empty Path uses the embedded policy.
type PolicyConfig struct {
	Mode     string `mapstructure:"mode"`
	Path     string `mapstructure:"path"`
	FailOpen bool   `mapstructure:"fail_open"`
}

type SourcesConfig struct {
	CatalogPath     string `mapstructure:"catalog_path"`
	CredibilityPath string `mapstructure:"credibility_path"`
}

type DeliverableConfig struct {
	Template        string `mapstructure:"template"`
	DefaultLocale   string `mapstructure:"default_locale"`
	DefaultTimezone string `mapstructure:"default_timezone"`
	HighlightCount  int    `mapstructure:"highlight_count"`
}

type CircuitBreakerConfig struct {
	FailureThreshold uint32        `mapstructure:"failure_threshold"`
	SuccessThreshold uint32        `mapstructure:"success_threshold"`
	MaxRequests      uint32        `mapstructure:"max_requests"`
	Interval         time.Duration `mapstructure:"interval"`
	Timeout          time.Duration `mapstructure:"timeout"`
}

// Config is the full service configuration.
type Config struct {
	Server         ServerConfig         `mapstructure:"server"`
	Logging        LoggingConfig        `mapstructure:"logging"`
	Pipeline       PipelineConfig       `mapstructure:"pipeline"`
	Gatherer       GathererConfig       `mapstructure:"gatherer"`
	LLM            LLMConfig            `mapstructure:"llm"`
	WebSearch      WebSearchConfig      `mapstructure:"web_search"`
	Warehouse      WarehouseConfig      `mapstructure:"warehouse"`
	Redis          RedisConfig          `mapstructure:"redis"`
	NATS           NATSConfig           `mapstructure:"nats"`
	Streaming      StreamingConfig      `mapstructure:"streaming"`
	Policy         PolicyConfig         `mapstructure:"policy"`
	Sources        SourcesConfig        `mapstructure:"sources"`
	Deliverable    DeliverableConfig    `mapstructure:"deliverable"`
	CircuitBreaker CircuitBreakerConfig `mapstructure:"circuit_breaker"`
	Tracing        tracing.Config       `mapstructure:"tracing"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8081)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("server.request_timeout", 5*time.Minute)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("pipeline.max_stage_executions", 50)
	v.SetDefault("pipeline.max_revisions", 0)
	v.SetDefault("pipeline.quality_threshold", 0.8)
	v.SetDefault("pipeline.stage_timeout", time.Duration(0))
	v.SetDefault("pipeline.critical_stages", []string{})

	v.SetDefault("gatherer.max_web_queries_per_section", 2)
	v.SetDefault("gatherer.web_concurrency", 4)
	v.SetDefault("gatherer.web_rate_per_second", 5.0)
	v.SetDefault("gatherer.web_burst", 2)
	v.SetDefault("gatherer.max_warehouse_probes", 3)
	v.SetDefault("gatherer.warehouse_concurrency", 3)
	v.SetDefault("gatherer.warehouse_row_limit", 25)
	v.SetDefault("gatherer.user_file_concurrency", 3)
	v.SetDefault("gatherer.user_file_excerpt_chars", 2000)
	v.SetDefault("gatherer.dedup_include_locale", false)

	v.SetDefault("llm.url", "http://llm-service:8000")
	v.SetDefault("llm.timeout", 60*time.Second)

	v.SetDefault("web_search.url", "")
	v.SetDefault("web_search.api_key", "")
	v.SetDefault("web_search.timeout", 15*time.Second)

	v.SetDefault("warehouse.driver", "postgres")
	v.SetDefault("warehouse.dsn", "")
	v.SetDefault("warehouse.connect_timeout", 2*time.Second)
	v.SetDefault("warehouse.query_timeout", 20*time.Second)
	v.SetDefault("warehouse.max_open_conns", 4)

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.stream", "research:events")
	v.SetDefault("redis.max_len", 10000)

	v.SetDefault("nats.url", "")
	v.SetDefault("nats.subject", "research.events")

	v.SetDefault("streaming.buffer_size", 256)
	v.SetDefault("streaming.heartbeat_interval", 15*time.Second)

	v.SetDefault("policy.mode", "enforce")
	v.SetDefault("policy.path", "")
	v.SetDefault("policy.fail_open", true)

	v.SetDefault("sources.catalog_path", "")
	v.SetDefault("sources.credibility_path", "")

	v.SetDefault("deliverable.template", "consulting-report/v1")
	v.SetDefault("deliverable.default_locale", "fr-FR")
	v.SetDefault("deliverable.default_timezone", "Europe/Paris")
	v.SetDefault("deliverable.highlight_count", 4)

	v.SetDefault("circuit_breaker.failure_threshold", 5)
	v.SetDefault("circuit_breaker.success_threshold", 2)
	v.SetDefault("circuit_breaker.max_requests", 3)
	v.SetDefault("circuit_breaker.interval", 60*time.Second)
	v.SetDefault("circuit_breaker.timeout", 30*time.Second)

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "research-orchestrator")
	v.SetDefault("tracing.otlp_endpoint", "localhost:4317")
}

// ResolvePath picks the config file: explicit path, then CONFIG_PATH, then DefaultPath.
func ResolvePath(path string) (resolved string, explicit bool) {
	if path != "" {
		return path, true
	}
	if p := os.Getenv("CONFIG_PATH"); p != "" {
		return p, true
	}
	return DefaultPath, false
}

// Load reads the configuration file (if any), applies RESEARCH_* environment
// overrides and validates the result.
func Load(path string) (*Config, error) {
	cfgPath, explicit := ResolvePath(path)

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("RESEARCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// Service-wide variables shared with the other deployments.
	_ = v.BindEnv("llm.url", "RESEARCH_LLM_URL", "LLM_SERVICE_URL")
	_ = v.BindEnv("logging.level", "RESEARCH_LOGGING_LEVEL", "LOG_LEVEL")
	_ = v.BindEnv("server.port", "RESEARCH_SERVER_PORT", "PORT")

	if _, err := os.Stat(cfgPath); err == nil {
		v.SetConfigFile(cfgPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else if explicit {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate rejects configurations the pipeline cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Pipeline.MaxStageExecutions <= 0 {
		errs = append(errs, fmt.Errorf("pipeline.max_stage_executions must be positive"))
	}
	if c.Pipeline.MaxRevisions < 0 {
		errs = append(errs, fmt.Errorf("pipeline.max_revisions must not be negative"))
	}
	if c.Pipeline.QualityThreshold < 0 || c.Pipeline.QualityThreshold > 1 {
		errs = append(errs, fmt.Errorf("pipeline.quality_threshold must be within [0,1]"))
	}
	if c.Gatherer.MaxWebQueriesPerSection <= 0 {
		errs = append(errs, fmt.Errorf("gatherer.max_web_queries_per_section must be positive"))
	}
	if c.Gatherer.WebConcurrency <= 0 || c.Gatherer.WarehouseConcurrency <= 0 || c.Gatherer.UserFileConcurrency <= 0 {
		errs = append(errs, fmt.Errorf("gatherer concurrency limits must be positive"))
	}
	if c.Gatherer.WarehouseRowLimit <= 0 {
		errs = append(errs, fmt.Errorf("gatherer.warehouse_row_limit must be positive"))
	}
	switch c.Warehouse.Driver {
	case "postgres", "sqlite3":
	default:
		errs = append(errs, fmt.Errorf("warehouse.driver %q is not supported", c.Warehouse.Driver))
	}
	switch c.Policy.Mode {
	case "off", "dry-run", "enforce":
	default:
		errs = append(errs, fmt.Errorf("policy.mode %q is not one of off, dry-run, enforce", c.Policy.Mode))
	}
	return errors.Join(errs...)
}
