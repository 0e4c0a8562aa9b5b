package app

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	HTTPAddr    string
	DatabaseURL string
	SentryDSN   string

	// Streaming backend
	AssemblyAIAPIKey string
	AssemblyAIURL    string // override for testing, empty means the real endpoint

	// Recognition defaults (overridable per create-connection request)
	DefaultSampleRate int

	// Fan-out buffering per SSE subscriber
	SubscriberBuffer int

	// Idle sessions with no subscriber are reaped after this long; 0 disables.
	SessionIdleTimeout time.Duration
	SessionReapEvery   time.Duration

	// Client authentication (optional; empty secret means open relay)
	ClientAPIKey string
	JWTSecret    string
	JWTExpiry    time.Duration
}

func LoadConfigFromEnv() Config {
	return Config{
		HTTPAddr:    getenv("HTTP_ADDR", ":3000"),
		DatabaseURL: getenv("DATABASE_URL", ""),
		SentryDSN:   getenv("SENTRY_DSN", ""),

		AssemblyAIAPIKey: getenv("ASSEMBLYAI_API_KEY", ""),
		AssemblyAIURL:    getenv("ASSEMBLYAI_URL", ""),

		DefaultSampleRate: getenvInt("DEFAULT_SAMPLE_RATE", 16000),
		SubscriberBuffer:  getenvInt("SUBSCRIBER_BUFFER", 64),

		SessionIdleTimeout: getenvDuration("SESSION_IDLE_TIMEOUT", 10*time.Minute),
		SessionReapEvery:   getenvDuration("SESSION_REAP_INTERVAL", time.Minute),

		ClientAPIKey: getenv("RELAY_API_KEY", ""),
		JWTSecret:    os.Getenv("RELAY_JWT_SECRET"), // no fallback, empty disables auth
		JWTExpiry:    getenvDuration("JWT_EXPIRY", 24*time.Hour),
	}
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getenvInt(k string, def int) int {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getenvDuration(k string, def time.Duration) time.Duration {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
