package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Addr         string
	DatabaseURL  string
	ExecutorURL  string
	ApplyTimeout time.Duration
	KafkaBrokers []string
	KafkaTopic   string
	S3Bucket     string
	S3Prefix     string
}

const (
	defaultAddr         = ":8070"
	defaultApplyTimeout = 10 * time.Minute
)

// Load reads configuration from the environment. DATABASE_URL is optional:
// without it the service runs on the in-memory store (dev mode), and the
// audit streamer stays off since it needs the durable action table.
func Load() Config {
	cfg := Config{
		Addr:         getEnv("GOVERNOR_ADDR", defaultAddr),
		DatabaseURL:  firstNonEmpty(os.Getenv("GOVERNOR_DATABASE_URL"), os.Getenv("DATABASE_URL")),
		ExecutorURL:  os.Getenv("GOVERNOR_EXECUTOR_URL"),
		ApplyTimeout: getDuration("GOVERNOR_APPLY_TIMEOUT", defaultApplyTimeout),
		KafkaTopic:   getEnv("KAFKA_TOPIC", "proposal-actions"),
		S3Bucket:     os.Getenv("S3_BUCKET"),
		S3Prefix:     os.Getenv("S3_PREFIX"),
	}
	if brokers := strings.TrimSpace(os.Getenv("KAFKA_BROKERS")); brokers != "" {
		for _, b := range strings.Split(brokers, ",") {
			if b = strings.TrimSpace(b); b != "" {
				cfg.KafkaBrokers = append(cfg.KafkaBrokers, b)
			}
		}
	}
	return cfg
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func getDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			return d
		}
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return fallback
}
