package config

import (
	"strings"
	"testing"
	"time"
)

func validConfig() Config {
	return Config{
		Environment:           "local",
		LogLevel:              "info",
		DatabaseURL:           "postgres://localhost/adobs",
		DBMinConns:            1,
		DBMaxConns:            8,
		TextHammingThreshold:  4,
		ImageHammingThreshold: 6,
		ClusterPartitions:     1,
		FingerprintWorkers:    2,
		ImageFetchTimeout:     time.Second,
		ImageMaxBytes:         1024,
		RollupWorkers:         2,
		RefreshInterval:       time.Hour,
	}
}

func TestValidateAcceptsZeroThresholds(t *testing.T) {
	t.Parallel()

	cfg := validConfig()
	cfg.TextHammingThreshold = 0
	cfg.ImageHammingThreshold = 0
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected zero thresholds to be valid, got %v", err)
	}
}

func TestValidateRejectsOutOfRangeValues(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{name: "text threshold", mutate: func(c *Config) { c.TextHammingThreshold = 65 }, want: "CLUSTER_TEXT_HAMMING_THRESHOLD"},
		{name: "image threshold", mutate: func(c *Config) { c.ImageHammingThreshold = -1 }, want: "CLUSTER_IMAGE_HAMMING_THRESHOLD"},
		{name: "partitions", mutate: func(c *Config) { c.ClusterPartitions = 0 }, want: "CLUSTER_PARTITIONS"},
		{name: "conns", mutate: func(c *Config) { c.DBMinConns = 9 }, want: "DB_MIN_CONNS"},
		{name: "database", mutate: func(c *Config) { c.DatabaseURL = " " }, want: "DATABASE_URL"},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := validConfig()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatalf("expected validation error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error mentioning %s, got %v", tc.want, err)
			}
		})
	}
}

func TestKafkaBrokerListDedupes(t *testing.T) {
	t.Parallel()

	cfg := Config{KafkaBrokers: " a:9092, ,b:9092,a:9092"}
	got := cfg.KafkaBrokerList()
	if len(got) != 2 || got[0] != "a:9092" || got[1] != "b:9092" {
		t.Fatalf("unexpected broker list: %v", got)
	}
}
