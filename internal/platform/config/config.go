package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config captures everything cmd/server needs from the environment.
type Config struct {
	Addr string

	// PostgresURL selects the persistent stores; empty means in-memory.
	PostgresURL string

	Redis RedisConfig

	// KafkaBrokers enables the audit outbox relay when non-empty.
	// Requires PostgresURL, since the relay drains the outbox table.
	KafkaBrokers []string
	KafkaTopic   string

	// BootstrapMode allows unverified witnesses during initial onboarding.
	// Disable once every keeper has a registered witness key.
	BootstrapMode bool

	HSMAlgorithm string

	CeremonyTimeout time.Duration
	SweepInterval   time.Duration
	ExecutionGrace  time.Duration
}

// RedisConfig tunes the shared Redis client. An empty URL disables Redis;
// the halt guard and key cache then fall back to in-process variants.
type RedisConfig struct {
	URL          string
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// FromEnv builds the config from environment variables so main stays lean.
func FromEnv() Config {
	return Config{
		Addr:        envOr("CONCLAVE_ADDR", ":8080"),
		PostgresURL: os.Getenv("CONCLAVE_POSTGRES_URL"),
		Redis: RedisConfig{
			URL:          os.Getenv("CONCLAVE_REDIS_URL"),
			PoolSize:     envInt("CONCLAVE_REDIS_POOL_SIZE", 10),
			MinIdleConns: envInt("CONCLAVE_REDIS_MIN_IDLE_CONNS", 2),
			DialTimeout:  envDuration("CONCLAVE_REDIS_DIAL_TIMEOUT", 5*time.Second),
			ReadTimeout:  envDuration("CONCLAVE_REDIS_READ_TIMEOUT", 3*time.Second),
			WriteTimeout: envDuration("CONCLAVE_REDIS_WRITE_TIMEOUT", 3*time.Second),
		},
		KafkaBrokers:    envList("CONCLAVE_KAFKA_BROKERS"),
		KafkaTopic:      envOr("CONCLAVE_KAFKA_TOPIC", "conclave.audit"),
		BootstrapMode:   envBool("CONCLAVE_BOOTSTRAP_MODE", true),
		HSMAlgorithm:    envOr("CONCLAVE_HSM_ALGORITHM", "ed25519"),
		CeremonyTimeout: envDuration("CONCLAVE_CEREMONY_TIMEOUT", 3600*time.Second),
		SweepInterval:   envDuration("CONCLAVE_SWEEP_INTERVAL", time.Minute),
		ExecutionGrace:  envDuration("CONCLAVE_EXECUTION_GRACE", 0),
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return parsed
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return parsed
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return parsed
}

func envList(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
