// Package config loads every operator-tunable knob from the environment,
// the way the original gateway's config layer does: one flat struct,
// fallbacks baked into each lookup, no external config library.
package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	ServerPort string
	AWSRegion  string

	// DynamoDB table names for C6's three stores.
	CacheTableName      string
	AccountTableName    string
	ProxyAuditTableName string

	RedisAddr     string
	RedisPassword string

	// Fleet / C3.
	AccountListPath string
	MaxOnlineBots   int
	InspectTTL      time.Duration

	// Proxy pool / C2.
	ProxyFilePath           string
	MaxRequestsPerProxy     int
	ProxyRequestCooldown    time.Duration
	ProxyRetryEnabled       bool
	ProxyRetryMaxRetries    int
	ProxyRetryExcludeFailed bool
	ProxyRetryDelay         time.Duration

	// Queue / C4.
	QueueMaxAttempts        int
	MaxSimultaneousRequests int
	MaxQueueSize            int
	MaxBulkLinks            int
	JobTimeout              time.Duration

	// Secrets gating the HTTP surface (spec.md §6). Empty disables the
	// corresponding check.
	PriceKey string
	BulkKey  string
	AuthKey  string
	AdminKey string

	// Per-IP HTTP rate limiting (x/time/rate), independent of the
	// per-client queue cap above.
	HTTPRateLimitEnabled bool
	HTTPRateLimitRPS     float64
	HTTPRateLimitBurst   int

	// Windowed per-client cap (Redis-backed when RedisAddr is set), spec.md
	// §6 "Rate limiting"; 0 disables.
	ClientCapMax    int64
	ClientCapWindow time.Duration

	CORSAllowedOrigins     []string
	CORSAllowedOriginRegex []string
}

func LoadConfig() *Config {
	return &Config{
		ServerPort: getEnv("SERVER_PORT", "8080"),
		AWSRegion:  getEnv("AWS_REGION", "us-east-1"),

		CacheTableName:      getEnv("DYNAMODB_CACHE_TABLE", "InspectGateway_Cache"),
		AccountTableName:    getEnv("DYNAMODB_ACCOUNT_TABLE", "InspectGateway_Accounts"),
		ProxyAuditTableName: getEnv("DYNAMODB_PROXY_AUDIT_TABLE", "InspectGateway_ProxyAudit"),

		RedisAddr:     getEnv("REDIS_ADDR", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),

		AccountListPath: getEnv("ACCOUNT_LIST_PATH", "accounts.txt"),
		MaxOnlineBots:   getEnvInt("MAX_ONLINE_BOTS", 10),
		InspectTTL:      getEnvDuration("INSPECT_TTL", 5*time.Second),

		ProxyFilePath:           getEnv("PROXY_FILE_PATH", "proxies.txt"),
		MaxRequestsPerProxy:     getEnvInt("MAX_REQUESTS_PER_PROXY", 3),
		ProxyRequestCooldown:    getEnvDuration("PROXY_REQUEST_COOLDOWN", 0),
		ProxyRetryEnabled:       getEnvBool("PROXY_RETRY_ENABLED", true),
		ProxyRetryMaxRetries:    getEnvInt("PROXY_RETRY_MAX_RETRIES", 3),
		ProxyRetryExcludeFailed: getEnvBool("PROXY_RETRY_EXCLUDE_FAILED", true),
		ProxyRetryDelay:         getEnvDuration("PROXY_RETRY_DELAY", 10*time.Second),

		QueueMaxAttempts:        getEnvInt("QUEUE_MAX_ATTEMPTS", 3),
		MaxSimultaneousRequests: getEnvInt("MAX_SIMULTANEOUS_REQUESTS", 0),
		MaxQueueSize:            getEnvInt("MAX_QUEUE_SIZE", 0),
		MaxBulkLinks:            getEnvInt("MAX_BULK_LINKS", 50),
		JobTimeout:              getEnvDuration("JOB_TIMEOUT", 30*time.Second),

		PriceKey: getEnv("PRICE_KEY", ""),
		BulkKey:  getEnv("BULK_KEY", ""),
		AuthKey:  getEnv("AUTH_KEY", ""),
		AdminKey: getEnv("ADMIN_KEY", ""),

		HTTPRateLimitEnabled: getEnvBool("HTTP_RATE_LIMIT_ENABLED", false),
		HTTPRateLimitRPS:     getEnvFloat("HTTP_RATE_LIMIT_RPS", 5),
		HTTPRateLimitBurst:   getEnvInt("HTTP_RATE_LIMIT_BURST", 10),

		ClientCapMax:    int64(getEnvInt("CLIENT_CAP_MAX", 0)),
		ClientCapWindow: getEnvDuration("CLIENT_CAP_WINDOW", time.Minute),

		CORSAllowedOrigins:     getEnvList("CORS_ALLOWED_ORIGINS"),
		CORSAllowedOriginRegex: getEnvList("CORS_ALLOWED_ORIGIN_REGEX"),
	}
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getEnvFloat(key string, fallback float64) float64 {
	v, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}

func getEnvBool(key string, fallback bool) bool {
	v, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

func getEnvList(key string) []string {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return nil
	}
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
