package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	Environment string `envconfig:"ENVIRONMENT" default:"local"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	DatabaseURL string `envconfig:"DATABASE_URL" required:"true"`
	DBMinConns  int32  `envconfig:"DB_MIN_CONNS" default:"1"`
	DBMaxConns  int32  `envconfig:"DB_MAX_CONNS" default:"8"`

	// Near-duplicate cutoffs have no safe default; 0 disables that pass.
	TextHammingThreshold  int `envconfig:"CLUSTER_TEXT_HAMMING_THRESHOLD" required:"true"`
	ImageHammingThreshold int `envconfig:"CLUSTER_IMAGE_HAMMING_THRESHOLD" required:"true"`
	ClusterPartitions     int `envconfig:"CLUSTER_PARTITIONS" default:"1"`

	FingerprintWorkers int           `envconfig:"FINGERPRINT_WORKERS" default:"8"`
	ImageFetchTimeout  time.Duration `envconfig:"IMAGE_FETCH_TIMEOUT" default:"10s"`
	ImageMaxBytes      int64         `envconfig:"IMAGE_MAX_BYTES" default:"8388608"`

	RollupSpecsPath string `envconfig:"ROLLUP_SPECS_PATH" default:""`
	RollupWorkers   int    `envconfig:"ROLLUP_WORKERS" default:"4"`

	RefreshInterval time.Duration `envconfig:"REFRESH_INTERVAL" default:"6h"`

	KafkaBrokers string `envconfig:"KAFKA_BROKERS" default:""`
	KafkaGroupID string `envconfig:"KAFKA_GROUP_ID" default:"adobservatory-ingest"`
	KafkaTopic   string `envconfig:"KAFKA_TOPIC" default:"ad-library-records"`

	CORSAllowedOrigins string `envconfig:"CORS_ALLOWED_ORIGINS" default:""`
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.DatabaseURL) == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if c.DBMinConns < 0 {
		return fmt.Errorf("DB_MIN_CONNS must be >= 0")
	}
	if c.DBMaxConns < 1 {
		return fmt.Errorf("DB_MAX_CONNS must be >= 1")
	}
	if c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS (%d) cannot exceed DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
	}
	if c.TextHammingThreshold < 0 || c.TextHammingThreshold > 64 {
		return fmt.Errorf("CLUSTER_TEXT_HAMMING_THRESHOLD must be between 0 and 64")
	}
	if c.ImageHammingThreshold < 0 || c.ImageHammingThreshold > 64 {
		return fmt.Errorf("CLUSTER_IMAGE_HAMMING_THRESHOLD must be between 0 and 64")
	}
	if c.ClusterPartitions < 1 {
		return fmt.Errorf("CLUSTER_PARTITIONS must be >= 1")
	}
	if c.FingerprintWorkers < 1 {
		return fmt.Errorf("FINGERPRINT_WORKERS must be >= 1")
	}
	if c.ImageFetchTimeout <= 0 {
		return fmt.Errorf("IMAGE_FETCH_TIMEOUT must be > 0")
	}
	if c.ImageMaxBytes < 1 {
		return fmt.Errorf("IMAGE_MAX_BYTES must be >= 1")
	}
	if c.RollupWorkers < 1 {
		return fmt.Errorf("ROLLUP_WORKERS must be >= 1")
	}
	if c.RefreshInterval < 0 {
		return fmt.Errorf("REFRESH_INTERVAL must be >= 0")
	}
	return nil
}

// KafkaBrokerList splits KAFKA_BROKERS on commas, dropping blanks and duplicates.
func (c *Config) KafkaBrokerList() []string {
	if c == nil {
		return nil
	}
	return splitList(c.KafkaBrokers)
}

func (c *Config) CORSAllowedOriginsList() []string {
	if c == nil {
		return nil
	}
	return splitList(c.CORSAllowedOrigins)
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	seen := make(map[string]struct{}, len(parts))
	for _, part := range parts {
		value := strings.TrimSpace(part)
		if value == "" {
			continue
		}
		if _, exists := seen[value]; exists {
			continue
		}
		seen[value] = struct{}{}
		out = append(out, value)
	}
	return out
}
