// Package config manages application configuration loading and validation.
package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/volitrade/sentinel/internal/domain/market"
)

// Environment identifies the runtime environment where the engine operates.
type Environment string

const (
	// EnvDev marks the development environment.
	EnvDev Environment = "dev"
	// EnvStaging marks the staging environment.
	EnvStaging Environment = "staging"
	// EnvProd marks the production environment.
	EnvProd Environment = "prod"
)

// BotTokenEnv overrides notifier.botToken when set.
const BotTokenEnv = "SENTINEL_BOT_TOKEN"

// MarketDataConfig selects the exchange feeds and the REST quote behaviour.
// Provider names the primary venue for live quotes; the other configured
// source serves as fallback.
type MarketDataConfig struct {
	Provider string        `yaml:"provider"`
	Sources  []string      `yaml:"sources"`
	QuoteTTL time.Duration `yaml:"quoteTTL"`
}

func (c *MarketDataConfig) applyDefaults() {
	if strings.TrimSpace(c.Provider) == "" {
		c.Provider = string(market.SourceBinance)
	}
	if len(c.Sources) == 0 {
		c.Sources = []string{string(market.SourceBinance), string(market.SourceBybit)}
	}
	if c.QuoteTTL <= 0 {
		c.QuoteTTL = 30 * time.Second
	}
}

func (c MarketDataConfig) validate() error {
	if _, err := market.NormalizeSource(c.Provider); err != nil {
		return fmt.Errorf("provider %q: %w", c.Provider, err)
	}
	if len(c.Sources) == 0 {
		return fmt.Errorf("at least one source required")
	}
	for _, raw := range c.Sources {
		if _, err := market.NormalizeSource(raw); err != nil {
			return fmt.Errorf("source %q: %w", raw, err)
		}
	}
	if c.QuoteTTL <= 0 {
		return fmt.Errorf("quoteTTL must be >0")
	}
	return nil
}

// AggregatorConfig sizes the tick queue and feed supervision.
type AggregatorConfig struct {
	QueueCapacity     int           `yaml:"queueCapacity"`
	ReconcileInterval time.Duration `yaml:"reconcileInterval"`
	BackoffBase       time.Duration `yaml:"backoffBase"`
	BackoffCap        time.Duration `yaml:"backoffCap"`
}

func (c *AggregatorConfig) applyDefaults() {
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = 1024
	}
	if c.ReconcileInterval <= 0 {
		c.ReconcileInterval = time.Minute
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = time.Second
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = 30 * time.Second
	}
}

func (c AggregatorConfig) validate() error {
	if c.QueueCapacity <= 0 {
		return fmt.Errorf("queueCapacity must be >0")
	}
	if c.ReconcileInterval <= 0 {
		return fmt.Errorf("reconcileInterval must be >0")
	}
	if c.BackoffBase <= 0 {
		return fmt.Errorf("backoffBase must be >0")
	}
	if c.BackoffCap < c.BackoffBase {
		return fmt.Errorf("backoffCap must be >= backoffBase")
	}
	return nil
}

// EvaluatorConfig tunes alert evaluation.
type EvaluatorConfig struct {
	DebounceWindow time.Duration `yaml:"debounceWindow"`
}

func (c *EvaluatorConfig) applyDefaults() {
	if c.DebounceWindow <= 0 {
		c.DebounceWindow = time.Second
	}
}

// IndexConfig controls the trigger index refresh cadence.
type IndexConfig struct {
	RebuildInterval time.Duration `yaml:"rebuildInterval"`
	RetryBase       time.Duration `yaml:"retryBase"`
	RetryCap        time.Duration `yaml:"retryCap"`
}

func (c *IndexConfig) applyDefaults() {
	if c.RebuildInterval <= 0 {
		c.RebuildInterval = 5 * time.Minute
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 5 * time.Second
	}
	if c.RetryCap <= 0 {
		c.RetryCap = time.Minute
	}
}

func (c IndexConfig) validate() error {
	if c.RebuildInterval <= 0 {
		return fmt.Errorf("rebuildInterval must be >0")
	}
	if c.RetryCap < c.RetryBase {
		return fmt.Errorf("retryCap must be >= retryBase")
	}
	return nil
}

// LifecycleConfig carries transition-time behaviour switches.
type LifecycleConfig struct {
	ProfitStopEnabled  bool          `yaml:"profitStopEnabled"`
	BreakevenBufferBps int64         `yaml:"breakevenBufferBps"`
	StoreTimeout       time.Duration `yaml:"storeTimeout"`
}

func (c *LifecycleConfig) applyDefaults() {
	if c.BreakevenBufferBps <= 0 {
		c.BreakevenBufferBps = 5
	}
	if c.StoreTimeout <= 0 {
		c.StoreTimeout = 5 * time.Second
	}
}

func (c LifecycleConfig) validate() error {
	if c.BreakevenBufferBps < 0 {
		return fmt.Errorf("breakevenBufferBps must be >=0")
	}
	if c.StoreTimeout <= 0 {
		return fmt.Errorf("storeTimeout must be >0")
	}
	return nil
}

// DatabaseConfig controls PostgreSQL connectivity and migration behaviour.
type DatabaseConfig struct {
	DSN               string        `yaml:"dsn"`
	MaxConns          int32         `yaml:"maxConns"`
	MinConns          int32         `yaml:"minConns"`
	MaxConnLifetime   time.Duration `yaml:"maxConnLifetime"`
	MaxConnIdleTime   time.Duration `yaml:"maxConnIdleTime"`
	HealthCheckPeriod time.Duration `yaml:"healthCheckPeriod"`
	RunMigrations     bool          `yaml:"runMigrations"`
}

func (c *DatabaseConfig) applyDefaults() {
	c.DSN = strings.TrimSpace(c.DSN)
	if c.DSN == "" {
		c.DSN = "postgresql://localhost:5432/sentinel"
	}
	if c.MaxConns <= 0 {
		c.MaxConns = 16
	}
	if c.MinConns <= 0 {
		c.MinConns = 1
	}
	if c.MinConns > c.MaxConns {
		c.MinConns = c.MaxConns
	}
	if c.MaxConnLifetime <= 0 {
		c.MaxConnLifetime = 30 * time.Minute
	}
	if c.MaxConnIdleTime <= 0 {
		c.MaxConnIdleTime = 5 * time.Minute
	}
	if c.HealthCheckPeriod <= 0 {
		c.HealthCheckPeriod = 30 * time.Second
	}
}

func (c DatabaseConfig) validate() error {
	if strings.TrimSpace(c.DSN) == "" {
		return fmt.Errorf("dsn required")
	}
	if c.MaxConns <= 0 {
		return fmt.Errorf("maxConns must be >0")
	}
	if c.MinConns < 0 {
		return fmt.Errorf("minConns must be >=0")
	}
	if c.MinConns > c.MaxConns {
		return fmt.Errorf("minConns must be <= maxConns")
	}
	if c.MaxConnLifetime <= 0 {
		return fmt.Errorf("maxConnLifetime must be >0")
	}
	if c.MaxConnIdleTime <= 0 {
		return fmt.Errorf("maxConnIdleTime must be >0")
	}
	if c.HealthCheckPeriod <= 0 {
		return fmt.Errorf("healthCheckPeriod must be >0")
	}
	return nil
}

// NotifierConfig configures Telegram delivery. An empty token selects the
// no-op notifier.
type NotifierConfig struct {
	BotToken          string        `yaml:"botToken"`
	BotUsername       string        `yaml:"botUsername"`
	APIBaseURL        string        `yaml:"apiBaseURL"`
	MessagesPerSecond float64       `yaml:"messagesPerSecond"`
	Burst             int           `yaml:"burst"`
	RequestTimeout    time.Duration `yaml:"requestTimeout"`
}

func (c *NotifierConfig) applyDefaults() {
	if token := strings.TrimSpace(os.Getenv(BotTokenEnv)); token != "" {
		c.BotToken = token
	}
	c.BotToken = strings.TrimSpace(c.BotToken)
	c.BotUsername = strings.TrimSpace(strings.TrimPrefix(c.BotUsername, "@"))
	if strings.TrimSpace(c.APIBaseURL) == "" {
		c.APIBaseURL = "https://api.telegram.org"
	}
	if c.MessagesPerSecond <= 0 {
		c.MessagesPerSecond = 25
	}
	if c.Burst <= 0 {
		c.Burst = 5
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 10 * time.Second
	}
}

func (c NotifierConfig) validate() error {
	if strings.TrimSpace(c.APIBaseURL) == "" {
		return fmt.Errorf("apiBaseURL required")
	}
	if c.MessagesPerSecond <= 0 {
		return fmt.Errorf("messagesPerSecond must be >0")
	}
	if c.Burst <= 0 {
		return fmt.Errorf("burst must be >0")
	}
	return nil
}

// Enabled reports whether a bot token is configured.
func (c NotifierConfig) Enabled() bool {
	return strings.TrimSpace(c.BotToken) != ""
}

// TelemetryConfig configures OTLP exporters (metrics only).
type TelemetryConfig struct {
	OTLPEndpoint  string `yaml:"otlpEndpoint"`
	ServiceName   string `yaml:"serviceName"`
	OTLPInsecure  bool   `yaml:"otlpInsecure"`
	EnableMetrics bool   `yaml:"enableMetrics"`
}

// AppConfig is the unified application configuration sourced from YAML.
type AppConfig struct {
	Environment Environment      `yaml:"environment"`
	MarketData  MarketDataConfig `yaml:"marketData"`
	Aggregator  AggregatorConfig `yaml:"aggregator"`
	Evaluator   EvaluatorConfig  `yaml:"evaluator"`
	Index       IndexConfig      `yaml:"index"`
	Lifecycle   LifecycleConfig  `yaml:"lifecycle"`
	Database    DatabaseConfig   `yaml:"database"`
	Notifier    NotifierConfig   `yaml:"notifier"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
}

// Load reads and validates an AppConfig from the provided YAML file.
func Load(configPath string) (AppConfig, error) {
	reader, closer, err := openConfigFile(configPath)
	if err != nil {
		return AppConfig{}, err
	}
	defer closer()

	raw, err := io.ReadAll(reader)
	if err != nil {
		return AppConfig{}, fmt.Errorf("read config: %w", err)
	}

	return Parse(raw)
}

// Parse decodes, normalises, and validates raw YAML configuration.
func Parse(raw []byte) (AppConfig, error) {
	var cfg AppConfig
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return AppConfig{}, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.normalise()

	if err := cfg.Validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c *AppConfig) normalise() {
	c.Environment = Environment(strings.ToLower(strings.TrimSpace(string(c.Environment))))
	if c.Environment == "" {
		c.Environment = EnvDev
	}

	c.MarketData.Provider = strings.ToUpper(strings.TrimSpace(c.MarketData.Provider))
	for i, src := range c.MarketData.Sources {
		c.MarketData.Sources[i] = strings.ToUpper(strings.TrimSpace(src))
	}

	c.Telemetry.OTLPEndpoint = strings.TrimSpace(c.Telemetry.OTLPEndpoint)
	c.Telemetry.ServiceName = strings.TrimSpace(c.Telemetry.ServiceName)
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "sentinel"
	}

	c.MarketData.applyDefaults()
	c.Aggregator.applyDefaults()
	c.Evaluator.applyDefaults()
	c.Index.applyDefaults()
	c.Lifecycle.applyDefaults()
	c.Database.applyDefaults()
	c.Notifier.applyDefaults()
}

// Validate performs semantic validation on the configuration.
func (c AppConfig) Validate() error {
	switch c.Environment {
	case EnvDev, EnvStaging, EnvProd:
	default:
		return fmt.Errorf("environment must be one of dev, staging, prod")
	}

	if err := c.MarketData.validate(); err != nil {
		return fmt.Errorf("marketData: %w", err)
	}
	if err := c.Aggregator.validate(); err != nil {
		return fmt.Errorf("aggregator: %w", err)
	}
	if c.Evaluator.DebounceWindow <= 0 {
		return fmt.Errorf("evaluator: debounceWindow must be >0")
	}
	if err := c.Index.validate(); err != nil {
		return fmt.Errorf("index: %w", err)
	}
	if err := c.Lifecycle.validate(); err != nil {
		return fmt.Errorf("lifecycle: %w", err)
	}
	if err := c.Database.validate(); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	if err := c.Notifier.validate(); err != nil {
		return fmt.Errorf("notifier: %w", err)
	}

	return nil
}

func openConfigFile(path string) (io.Reader, func(), error) {
	candidate := strings.TrimSpace(path)
	candidate = filepath.Clean(candidate)

	file, err := os.Open(candidate) // #nosec G304 -- path is operator controlled.
	if err != nil {
		return nil, nil, fmt.Errorf("open app config: %w", err)
	}
	return file, func() { _ = file.Close() }, nil
}
