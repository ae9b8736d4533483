// Package config loads the authority kernel's configuration from
// environment variables, following the teacher's flat os.Getenv-with-
// defaults style rather than a struct-tag-driven config library.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds every setting the kernel's components need at startup.
type Config struct {
	Port             string
	LogLevel         string
	DatabaseURL      string // empty selects the embedded sqlite fallback
	SQLitePath       string
	RedisAddr        string
	KafkaBrokers     []string
	MeteringTopic    string
	DecisionsTopic   string
	LifecycleTopic   string
	PolicyTopic      string
	DLQTopic         string
	ConsumerGroup    string
	PartitionCount   int
	SpendWindow      time.Duration
	SpendCacheTTL    time.Duration
	MandateCacheTTL  time.Duration
	SealMaxEvents    int
	SealMaxAge       time.Duration
	PricebookPath    string // optional YAML seed file, see LoadPricebookSeed
	JWTSigningSecret string
}

// Load reads configuration from the environment, applying the same
// production defaults the teacher ships (local postgres/sqlite fallback,
// INFO logging) rather than failing closed on missing env vars.
func Load() *Config {
	return &Config{
		Port:             getenv("PORT", "8443"),
		LogLevel:         getenv("LOG_LEVEL", "INFO"),
		DatabaseURL:      os.Getenv("DATABASE_URL"),
		SQLitePath:       getenv("SQLITE_PATH", "authority-core.db"),
		RedisAddr:        getenv("REDIS_ADDR", "localhost:6379"),
		KafkaBrokers:     splitCSV(getenv("KAFKA_BROKERS", "localhost:9092")),
		MeteringTopic:    getenv("METERING_TOPIC", "metering.events"),
		DecisionsTopic:   getenv("DECISIONS_TOPIC", "policy.decisions"),
		LifecycleTopic:   getenv("LIFECYCLE_TOPIC", "agent.lifecycle"),
		PolicyTopic:      getenv("POLICY_TOPIC", "policy.changes"),
		DLQTopic:         getenv("DLQ_TOPIC", "dlq"),
		ConsumerGroup:    getenv("CONSUMER_GROUP", "ledger-writer"),
		PartitionCount:   getenvInt("PARTITION_COUNT", 16),
		SpendWindow:      getenvDuration("SPEND_WINDOW", 24*time.Hour),
		SpendCacheTTL:    getenvDuration("SPEND_CACHE_TTL", 24*time.Hour),
		MandateCacheTTL:  getenvDuration("MANDATE_CACHE_TTL", time.Minute),
		SealMaxEvents:    getenvInt("SEAL_MAX_EVENTS", 1024),
		SealMaxAge:       getenvDuration("SEAL_MAX_AGE", 5*time.Minute),
		PricebookPath:    os.Getenv("PRICEBOOK_SEED_PATH"),
		JWTSigningSecret: os.Getenv("JWT_SIGNING_SECRET"),
	}
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getenvDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

func splitCSV(v string) []string {
	var out []string
	start := 0
	for i := 0; i <= len(v); i++ {
		if i == len(v) || v[i] == ',' {
			if i > start {
				out = append(out, v[start:i])
			}
			start = i + 1
		}
	}
	return out
}

// PricebookSeedEntry is one YAML-sourced resource price, the on-disk
// shape for PRICEBOOK_SEED_PATH before conversion to pricebook.Entry.
type PricebookSeedEntry struct {
	ResourceType string `yaml:"resource_type"`
	MinorUnits   int64  `yaml:"minor_units"`
	Currency     string `yaml:"currency"`
}

// LoadPricebookSeed reads an operator-maintained YAML price list, the
// one place this service accepts YAML rather than environment variables
// since a price table is naturally a reviewable, checked-in file rather
// than a pile of env vars.
func LoadPricebookSeed(path string) ([]PricebookSeedEntry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read pricebook seed: %w", err)
	}
	var entries []PricebookSeedEntry
	if err := yaml.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("config: parse pricebook seed: %w", err)
	}
	return entries, nil
}
