// Package config handles configuration loading for Riskgate.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the complete application configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Engine     EngineConfig     `yaml:"engine"`
	Trust      TrustConfig      `yaml:"trust"`
	Scoring    ScoringConfig    `yaml:"scoring"`
	Intel      IntelConfig      `yaml:"intel"`
	Validation ValidationConfig `yaml:"validation"`
	Auth       AuthConfig       `yaml:"auth"`
	RateLimit  RateLimitConfig  `yaml:"rate_limit"`
	Logging    LoggingConfig    `yaml:"logging"`
	Storage    StorageConfig    `yaml:"storage"`
	Kafka      KafkaConfig      `yaml:"kafka"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	HTTPPort     int           `yaml:"http_port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// EngineConfig holds decision engine settings.
type EngineConfig struct {
	// VelocityWindow is the trailing window for per-principal event counts.
	VelocityWindow time.Duration `yaml:"velocity_window"`
	// VelocityThreshold is the count above which the velocity rule triggers.
	VelocityThreshold int `yaml:"velocity_threshold"`
	// GeoMinTravelInterval is the minimum elapsed time between events from
	// different locations before a geo change stops counting as
	// impossible travel.
	GeoMinTravelInterval time.Duration `yaml:"geo_min_travel_interval"`
	// SweepInterval is how often idle principal state is evicted.
	SweepInterval time.Duration `yaml:"sweep_interval"`
	// IdleEvictionAge is how long a principal may be idle before its
	// velocity, profile and trust state is dropped. Zero disables eviction.
	IdleEvictionAge time.Duration `yaml:"idle_eviction_age"`
	// HandlerQueueSize bounds the async decision handler dispatch queue.
	HandlerQueueSize int `yaml:"handler_queue_size"`
}

// TrustConfig holds trust ledger tunables. Raising decay or the drift
// factor makes the engine more sensitive (more blocking, fewer false
// negatives) at the cost of friction for legitimate principals.
type TrustConfig struct {
	Decay        float64 `yaml:"trust_decay"`
	Growth       float64 `yaml:"trust_growth"`
	DriftFactor  float64 `yaml:"identity_drift_factor"`
	InitialTrust float64 `yaml:"initial_trust"`
}

// ScoringConfig holds composite scorer settings.
type ScoringConfig struct {
	// TrustWeightFactor scales (1 - trust) into score points. At the
	// default value, equal to AllowBelow, a fully distrusted principal
	// scores exactly the STEP_UP threshold on a clean event and keeps
	// decaying; set the factor below AllowBelow when zero-trust
	// principals must be able to recover through clean activity alone.
	TrustWeightFactor float64 `yaml:"trust_weight_factor"`
	// AllowBelow and BlockAt are the decision thresholds:
	// score < AllowBelow -> ALLOW, score >= BlockAt -> BLOCK,
	// anything between -> STEP_UP.
	AllowBelow int `yaml:"allow_below"`
	BlockAt    int `yaml:"block_at"`
	// RuleWeights maps rule names to score contributions. Referencing a
	// rule that is not registered is a fatal startup error.
	RuleWeights map[string]float64 `yaml:"rule_weights"`
	// HighAmountThreshold is the amount at or above which the high_amount
	// rule triggers.
	HighAmountThreshold float64 `yaml:"high_amount_threshold"`
}

// IntelConfig holds blocklist and high-risk category settings.
type IntelConfig struct {
	BlocklistPath      string           `yaml:"blocklist_path"`
	HighRiskCategories []string         `yaml:"high_risk_categories"`
	ReloadInterval     time.Duration    `yaml:"reload_interval"`
	Redis              IntelRedisConfig `yaml:"redis"`
}

// IntelRedisConfig holds Redis-backed intel source settings.
type IntelRedisConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Addr         string        `yaml:"addr"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	BlocklistKey string        `yaml:"blocklist_key"`
	HighRiskKey  string        `yaml:"high_risk_key"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	TLSEnabled   bool          `yaml:"tls_enabled"`
}

// ValidationConfig holds event validation settings.
type ValidationConfig struct {
	MaxEventAge time.Duration `yaml:"max_event_age"`
	MaxFuture   time.Duration `yaml:"max_future"`
}

// AuthConfig holds authentication settings.
type AuthConfig struct {
	APIKeyHeader string   `yaml:"api_key_header"`
	APIKeys      []string `yaml:"api_keys"`
	Enabled      bool     `yaml:"enabled"`
}

// RateLimitConfig holds rate limiting settings.
type RateLimitConfig struct {
	Enabled       bool          `yaml:"enabled"`
	RequestsPerIP int           `yaml:"requests_per_ip"`
	WindowSize    time.Duration `yaml:"window_size"`
	BurstSize     int           `yaml:"burst_size"`
	CleanupPeriod time.Duration `yaml:"cleanup_period"`
	ExemptPaths   []string      `yaml:"exempt_paths"`
	TrustProxy    bool          `yaml:"trust_proxy"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// StorageConfig holds decision history storage settings.
type StorageConfig struct {
	Enabled     bool              `yaml:"enabled"`
	ClickHouse  ClickHouseConfig  `yaml:"clickhouse"`
	BatchWriter BatchWriterConfig `yaml:"batch_writer"`
}

// ClickHouseConfig holds ClickHouse connection settings.
type ClickHouseConfig struct {
	Hosts           []string      `yaml:"hosts"`
	Database        string        `yaml:"database"`
	Username        string        `yaml:"username"`
	Password        string        `yaml:"password"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	TLSEnabled      bool          `yaml:"tls_enabled"`
	DialTimeout     time.Duration `yaml:"dial_timeout"`
}

// BatchWriterConfig holds batch writer settings.
type BatchWriterConfig struct {
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	MaxRetries    int           `yaml:"max_retries"`
	RetryDelay    time.Duration `yaml:"retry_delay"`
}

// KafkaConfig holds event stream settings.
type KafkaConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Brokers        []string `yaml:"brokers"`
	EventsTopic    string   `yaml:"events_topic"`
	DecisionsTopic string   `yaml:"decisions_topic"`
	ConsumerGroup  string   `yaml:"consumer_group"`
}

// DefaultConfig returns the default configuration. Rule weights are
// provisional defaults and are expected to be tuned per deployment.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			HTTPPort:     8080,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
		Engine: EngineConfig{
			VelocityWindow:       60 * time.Minute,
			VelocityThreshold:    5,
			GeoMinTravelInterval: 4 * time.Hour,
			SweepInterval:        5 * time.Minute,
			IdleEvictionAge:      24 * time.Hour,
			HandlerQueueSize:     1000,
		},
		Trust: TrustConfig{
			Decay:        0.12,
			Growth:       0.20,
			DriftFactor:  0.30,
			InitialTrust: 0.5,
		},
		Scoring: ScoringConfig{
			TrustWeightFactor: 30,
			AllowBelow:        30,
			BlockAt:           70,
			RuleWeights: map[string]float64{
				"velocity":           25,
				"geo_change":         25,
				"device_mismatch":    15,
				"high_risk_category": 20,
				"blocklist":          30,
				"high_amount":        25,
			},
			HighAmountThreshold: 5000,
		},
		Intel: IntelConfig{
			BlocklistPath: "",
			// Money transfer, quasi-cash, gambling, direct marketing.
			HighRiskCategories: []string{"4829", "6051", "7995", "5967"},
			ReloadInterval:     5 * time.Minute,
			Redis: IntelRedisConfig{
				Enabled:      false,
				Addr:         "localhost:6379",
				BlocklistKey: "riskgate:blocklist",
				HighRiskKey:  "riskgate:high_risk_categories",
				DialTimeout:  5 * time.Second,
				ReadTimeout:  3 * time.Second,
			},
		},
		Validation: ValidationConfig{
			MaxEventAge: 30 * 24 * time.Hour,
			MaxFuture:   5 * time.Minute,
		},
		Auth: AuthConfig{
			APIKeyHeader: "X-API-Key",
			Enabled:      false,
		},
		RateLimit: RateLimitConfig{
			Enabled:       true,
			RequestsPerIP: 1000,
			WindowSize:    time.Minute,
			BurstSize:     50,
			CleanupPeriod: 5 * time.Minute,
			ExemptPaths:   []string{"/health", "/metrics"},
			TrustProxy:    false,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Storage: StorageConfig{
			Enabled: false,
			ClickHouse: ClickHouseConfig{
				Hosts:           []string{"localhost:9000"},
				Database:        "riskgate",
				Username:        "default",
				Password:        "",
				MaxOpenConns:    10,
				MaxIdleConns:    5,
				ConnMaxLifetime: time.Hour,
				TLSEnabled:      false,
				DialTimeout:     10 * time.Second,
			},
			BatchWriter: BatchWriterConfig{
				BatchSize:     1000,
				FlushInterval: 5 * time.Second,
				MaxRetries:    3,
				RetryDelay:    time.Second,
			},
		},
		Kafka: KafkaConfig{
			Enabled:        false,
			Brokers:        []string{"localhost:9092"},
			EventsTopic:    "riskgate-events",
			DecisionsTopic: "riskgate-decisions",
			ConsumerGroup:  "riskgate-engine",
		},
	}
}

// Load loads configuration from a file or returns defaults.
func Load() (*Config, error) {
	cfg := DefaultConfig()

	configPath := os.Getenv("RISKGATE_CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyEnvOverrides()

	return cfg, nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if port := os.Getenv("RISKGATE_HTTP_PORT"); port != "" {
		fmt.Sscanf(port, "%d", &c.Server.HTTPPort)
	}

	if level := os.Getenv("RISKGATE_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}

	if apiKey := os.Getenv("RISKGATE_API_KEY"); apiKey != "" {
		c.Auth.APIKeys = append(c.Auth.APIKeys, apiKey)
		c.Auth.Enabled = true
	}

	if path := os.Getenv("RISKGATE_BLOCKLIST_PATH"); path != "" {
		c.Intel.BlocklistPath = path
	}

	if enabled := os.Getenv("RISKGATE_STORAGE_ENABLED"); enabled == "true" {
		c.Storage.Enabled = true
	}

	if host := os.Getenv("CLICKHOUSE_HOST"); host != "" {
		c.Storage.ClickHouse.Hosts = []string{host}
	}

	if db := os.Getenv("CLICKHOUSE_DATABASE"); db != "" {
		c.Storage.ClickHouse.Database = db
	}

	if user := os.Getenv("CLICKHOUSE_USER"); user != "" {
		c.Storage.ClickHouse.Username = user
	}

	if pass := os.Getenv("CLICKHOUSE_PASSWORD"); pass != "" {
		c.Storage.ClickHouse.Password = pass
	}

	if enabled := os.Getenv("RISKGATE_KAFKA_ENABLED"); enabled == "true" {
		c.Kafka.Enabled = true
	}

	if brokers := os.Getenv("RISKGATE_KAFKA_BROKERS"); brokers != "" {
		c.Kafka.Brokers = splitAndTrim(brokers, ",")
	}

	if addr := os.Getenv("RISKGATE_REDIS_ADDR"); addr != "" {
		c.Intel.Redis.Addr = addr
		c.Intel.Redis.Enabled = true
	}

	if enabled := os.Getenv("RISKGATE_RATELIMIT_ENABLED"); enabled == "false" {
		c.RateLimit.Enabled = false
	}
}

// splitAndTrim splits a string by separator and trims whitespace from each part.
func splitAndTrim(s, sep string) []string {
	parts := make([]string, 0)
	for _, part := range strings.Split(s, sep) {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			parts = append(parts, trimmed)
		}
	}
	return parts
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		return fmt.Errorf("invalid http_port: %d", c.Server.HTTPPort)
	}

	if c.Engine.VelocityWindow <= 0 {
		return fmt.Errorf("velocity_window must be positive")
	}

	if c.Engine.VelocityThreshold <= 0 {
		return fmt.Errorf("velocity_threshold must be positive")
	}

	if c.Trust.Decay < 0 || c.Trust.Decay > 1 {
		return fmt.Errorf("trust_decay must be in [0,1]: %v", c.Trust.Decay)
	}

	if c.Trust.Growth < 0 || c.Trust.Growth > 1 {
		return fmt.Errorf("trust_growth must be in [0,1]: %v", c.Trust.Growth)
	}

	if c.Trust.DriftFactor < 0 {
		return fmt.Errorf("identity_drift_factor must be non-negative: %v", c.Trust.DriftFactor)
	}

	if c.Trust.InitialTrust < 0 || c.Trust.InitialTrust > 1 {
		return fmt.Errorf("initial_trust must be in [0,1]: %v", c.Trust.InitialTrust)
	}

	if c.Scoring.AllowBelow < 0 || c.Scoring.BlockAt > 100 || c.Scoring.AllowBelow >= c.Scoring.BlockAt {
		return fmt.Errorf("invalid decision thresholds: allow_below=%d block_at=%d",
			c.Scoring.AllowBelow, c.Scoring.BlockAt)
	}

	if c.Scoring.TrustWeightFactor < 0 {
		return fmt.Errorf("trust_weight_factor must be non-negative: %v", c.Scoring.TrustWeightFactor)
	}

	for name, weight := range c.Scoring.RuleWeights {
		if weight < 0 {
			return fmt.Errorf("rule weight for %q must be non-negative: %v", name, weight)
		}
	}

	return nil
}
