package config

import (
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Config holds process configuration read from the environment.
type Config struct {
	Port        string
	LogLevel    string
	DatabaseURL string
	DataDir     string

	RedisURL    string
	EventStream string
	EventGroup  string

	StorageType  string
	StoragePath  string
	S3Bucket     string
	S3Region     string
	S3Endpoint   string
	GCSBucket    string
	AppBaseURL   string
	PolicyFile   string
	JWTSecret    string
	OTelEnabled  bool
	OTelEndpoint string

	// AttesterPrivateKey signs offchain credentials. SafeDelegateKey signs
	// Safe proposals and defaults to the attester key.
	AttesterPrivateKey string
	SafeDelegateKey    string
	OffchainChainID    int64

	ReconcileInterval time.Duration
	LedgerRPS         float64
	LedgerBurst       int
}

// Load loads configuration from environment variables.
func Load() *Config {
	dataDir := envOr("DATA_DIR", "data")
	attester := os.Getenv("ATTESTER_PRIVATE_KEY")

	return &Config{
		Port:        envOr("PORT", "8080"),
		LogLevel:    envOr("LOG_LEVEL", "INFO"),
		DatabaseURL: os.Getenv("DATABASE_URL"), // empty selects lite mode
		DataDir:     dataDir,

		RedisURL:    os.Getenv("REDIS_URL"),
		EventStream: envOr("EVENT_STREAM", "credential-events"),
		EventGroup:  envOr("EVENT_GROUP", "credentiald"),

		StorageType:  envOr("CREDENTIAL_STORAGE_TYPE", "fs"),
		StoragePath:  envOr("CREDENTIAL_STORAGE_PATH", filepath.Join(dataDir, "credentials")),
		S3Bucket:     os.Getenv("S3_BUCKET"),
		S3Region:     envOr("S3_REGION", "us-east-1"),
		S3Endpoint:   os.Getenv("S3_ENDPOINT"),
		GCSBucket:    os.Getenv("GCS_BUCKET"),
		AppBaseURL:   envOr("APP_BASE_URL", "https://app.charmverse.io"),
		PolicyFile:   os.Getenv("POLICY_FILE"),
		JWTSecret:    os.Getenv("JWT_SECRET"),
		OTelEnabled:  os.Getenv("OTEL_ENABLED") == "true",
		OTelEndpoint: envOr("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),

		AttesterPrivateKey: attester,
		SafeDelegateKey:    envOr("SAFE_DELEGATE_PRIVATE_KEY", attester),
		OffchainChainID:    envInt64("OFFCHAIN_CHAIN_ID", 10),

		ReconcileInterval: envDuration("RECONCILE_INTERVAL", time.Minute),
		LedgerRPS:         envFloat("LEDGER_RPS", 5),
		LedgerBurst:       int(envInt64("LEDGER_BURST", 10)),
	}
}

// LiteMode reports whether no external database is configured.
func (c *Config) LiteMode() bool { return c.DatabaseURL == "" }

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt64(key string, def int64) int64 {
	v, err := strconv.ParseInt(os.Getenv(key), 10, 64)
	if err != nil {
		return def
	}
	return v
}

func envFloat(key string, def float64) float64 {
	v, err := strconv.ParseFloat(os.Getenv(key), 64)
	if err != nil || v < 0 {
		return def
	}
	return v
}

func envDuration(key string, def time.Duration) time.Duration {
	v, err := time.ParseDuration(os.Getenv(key))
	if err != nil || v <= 0 {
		return def
	}
	return v
}
