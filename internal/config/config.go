// Package config provides configuration loading and management for the application.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/yourorg/yield-adapters/internal/types"
)

// Config holds all application configuration
type Config struct {
	// HTTP server port
	Port string

	// Path to the adapter deployment file
	AdaptersFile string

	// JSON-RPC endpoint per chain, from RPC_<CHAIN>
	RPCEndpoints map[types.SupportedChain]string

	// Base URLs for the shared collaborators
	PricesURL string
	BlocksURL string
	MerklURL  string

	// OpenTelemetry endpoint for observability
	OtelEndpoint string

	// Retry budget for every source client
	RequestTimeout time.Duration
	RetryMax       int
	RetryWaitMin   time.Duration
	RetryWaitMax   time.Duration

	// Per-host circuit breaker
	BreakerFailures   int
	CircuitResetDelay time.Duration

	// Incentive registry lookups
	RewardBatchSize int
	RewardRPS       float64

	// Output checks and APY smoothing
	MinTVLUSD            float64
	APYSmoothing         string
	SmoothingMinTVLUSD   float64
	OutlierDetection     bool
	OutlierIQRMultiplier float64

	// Batch guard used by the server
	MaxAPY       float64
	MaxTVLChange float64
	MinPools     int

	// Optional backing services
	DatabaseURL   string
	RedisURL      string
	PriceCacheTTL time.Duration

	// Output publishing
	WebhookURL    string
	WebhookAPIKey string
	SigningKey    string

	// Server request limiter
	RateLimitRPS   float64
	RateLimitBurst int

	LogLevel  string
	LogFormat string
}

// Load creates a new Config from environment variables
func Load() Config {
	return Config{
		Port:                 GetEnvOrDefault("PORT", "8080"),
		AdaptersFile:         GetEnvOrDefault("ADAPTERS_FILE", "configs/adapters.yaml"),
		RPCEndpoints:         rpcEndpoints(),
		PricesURL:            GetEnvOrDefault("PRICES_URL", "https://coins.llama.fi"),
		BlocksURL:            GetEnvOrDefault("BLOCKS_URL", "https://coins.llama.fi"),
		MerklURL:             GetEnvOrDefault("MERKL_URL", "https://api.merkl.xyz"),
		OtelEndpoint:         GetEnvOrDefault("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		RequestTimeout:       GetEnvAsDuration("REQUEST_TIMEOUT", 15*time.Second),
		RetryMax:             GetEnvAsInt("RETRY_MAX", 3),
		RetryWaitMin:         GetEnvAsDuration("RETRY_WAIT_MIN", 500*time.Millisecond),
		RetryWaitMax:         GetEnvAsDuration("RETRY_WAIT_MAX", 3*time.Second),
		BreakerFailures:      GetEnvAsInt("BREAKER_FAILURES", 5),
		CircuitResetDelay:    GetEnvAsDuration("CIRCUIT_RESET_DELAY", 30*time.Second),
		RewardBatchSize:      GetEnvAsInt("REWARD_BATCH_SIZE", 5),
		RewardRPS:            GetEnvAsFloat("REWARD_RPS", 5),
		MinTVLUSD:            GetEnvAsFloat("MIN_TVL_USD", 0),
		APYSmoothing:         strings.ToLower(GetEnvOrDefault("APY_SMOOTHING", "none")),
		SmoothingMinTVLUSD:   GetEnvAsFloat("SMOOTHING_MIN_TVL_USD", 0),
		OutlierDetection:     GetEnvAsBool("OUTLIER_DETECTION", false),
		OutlierIQRMultiplier: GetEnvAsFloat("OUTLIER_IQR_MULTIPLIER", 1.5),
		MaxAPY:               GetEnvAsFloat("MAX_APY", 1000),
		MaxTVLChange:         GetEnvAsFloat("MAX_TVL_CHANGE", 0.5),
		MinPools:             GetEnvAsInt("MIN_POOLS", 1),
		DatabaseURL:          GetEnvOrDefault("DATABASE_URL", ""),
		RedisURL:             GetEnvOrDefault("REDIS_URL", ""),
		PriceCacheTTL:        GetEnvAsDuration("PRICE_CACHE_TTL", 5*time.Minute),
		WebhookURL:           GetEnvOrDefault("WEBHOOK_URL", ""),
		WebhookAPIKey:        GetEnvOrDefault("WEBHOOK_API_KEY", ""),
		SigningKey:           GetEnvOrDefault("SIGNING_KEY", ""),
		RateLimitRPS:         GetEnvAsFloat("RATE_LIMIT_RPS", 2),
		RateLimitBurst:       GetEnvAsInt("RATE_LIMIT_BURST", 4),
		LogLevel:             strings.ToLower(GetEnvOrDefault("LOG_LEVEL", "info")),
		LogFormat:            strings.ToLower(GetEnvOrDefault("LOG_FORMAT", "text")),
	}
}

// rpcEndpoints reads RPC_<SLUG> for every chain in the table, e.g. RPC_ETHEREUM
func rpcEndpoints() map[types.SupportedChain]string {
	out := map[types.SupportedChain]string{}
	for _, c := range types.All() {
		if v := strings.TrimSpace(os.Getenv("RPC_" + strings.ToUpper(string(c.Slug)))); v != "" {
			out[c.Slug] = v
		}
	}
	return out
}

// GetEnv retrieves an environment variable and whether it exists
func GetEnv(key string) (string, bool) {
	value, exists := os.LookupEnv(key)
	return value, exists
}

// GetEnvOrDefault retrieves an environment variable or returns the default value if not set
func GetEnvOrDefault(key, defaultValue string) string {
	if value, exists := GetEnv(key); exists {
		return value
	}
	return defaultValue
}

// GetEnvAsInt retrieves an environment variable as an integer with a default value
func GetEnvAsInt(key string, defaultValue int) int {
	if value, exists := GetEnv(key); exists {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// GetEnvAsFloat retrieves an environment variable as a float with a default value
func GetEnvAsFloat(key string, defaultValue float64) float64 {
	if value, exists := GetEnv(key); exists {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

// GetEnvAsDuration retrieves an environment variable as a duration with a default value
func GetEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value, exists := GetEnv(key); exists {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

// GetEnvAsBool retrieves an environment variable as a bool with a default value
func GetEnvAsBool(key string, defaultValue bool) bool {
	if value, exists := GetEnv(key); exists {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}
