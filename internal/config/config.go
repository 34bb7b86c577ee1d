// Package config provides application configuration loaded from environment
// variables with defaults and validation. It centralizes application settings
// such as server timeouts, logging, database paths, rate limiting, messaging
// behavior, and observability.
package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"
)

// CORSConfig defines Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string
}

// SecurityConfig defines security-related settings such as HSTS.
type SecurityConfig struct {
	EnableHSTS bool
	HSTSMaxAge time.Duration
}

// OTELConfig defines OpenTelemetry observability settings.
type OTELConfig struct {
	Enabled     bool    // OTEL_ENABLED
	Endpoint    string  // OTEL_EXPORTER_OTLP_ENDPOINT (e.g. "otel:4317")
	Insecure    bool    // OTEL_EXPORTER_OTLP_INSECURE (true if no TLS)
	ServiceName string  // OTEL_SERVICE_NAME (e.g. "go-messaging-backend")
	SampleRatio float64 // OTEL_TRACES_SAMPLER_ARG in [0..1]
}

// WSConfig defines per-connection WebSocket limits.
type WSConfig struct {
	FrameRPS    float64 // WS_FRAME_RPS: sustained inbound frames per second
	FrameBurst  int     // WS_FRAME_BURST: burst allowance on top of the rate
	CheckOrigin bool    // WS_ALLOW_ANY_ORIGIN: accept cross-origin upgrades
}

// RetryConfig defines the message persistence retry policy.
type RetryConfig struct {
	MaxAttempts  int           // RETRY_MAX_ATTEMPTS
	InitialDelay time.Duration // RETRY_INITIAL_DELAY
	MaxDelay     time.Duration // RETRY_MAX_DELAY
	Multiplier   float64       // RETRY_MULTIPLIER
}

// BreakerConfig defines circuit breaker thresholds.
type BreakerConfig struct {
	FailureThreshold int           // BREAKER_FAILURE_THRESHOLD
	Timeout          time.Duration // BREAKER_TIMEOUT before half-open probing
}

// SweepConfig defines the background maintenance cadence and staleness cutoffs.
type SweepConfig struct {
	Interval          time.Duration // SWEEP_INTERVAL between maintenance passes
	PresenceTimeout   time.Duration // PRESENCE_TIMEOUT before a silent user goes offline
	TypingTimeout     time.Duration // TYPING_TIMEOUT before an indicator auto-clears
	ConnectionTimeout time.Duration // CONNECTION_TIMEOUT before a socket is stale
}

// RedisConfig defines the optional cross-node broadcast relay.
type RedisConfig struct {
	Enabled bool   // REDIS_ENABLED
	Addr    string // REDIS_ADDR (host:port)
	Channel string // REDIS_CHANNEL for the pub/sub relay
}

// Config holds all configuration values for the application.
type Config struct {
	// Server
	Port              string        // just the number
	ReadTimeout       time.Duration // e.g. 15s
	ReadHeaderTimeout time.Duration // e.g. 10s
	WriteTimeout      time.Duration // e.g. 20s
	IdleTimeout       time.Duration // e.g. 60s
	MaxHeaderBytes    int           // bytes
	GinMode           string        // debug|release|test

	// Logging
	LogLevel    string // debug|info|warn|error|fatal|panic
	LogPretty   bool   // pretty console logs in dev
	APIBasePath string // base path for API routes

	// App
	DBPath string // SQLite path

	// Messaging behavior
	Retry             RetryConfig
	Breaker           BreakerConfig
	Sweep             SweepConfig
	ReceiptDedupTTL   time.Duration // RECEIPT_DEDUP_TTL for read receipt suppression
	NotifyGroupWindow time.Duration // NOTIFY_GROUP_WINDOW for notification coalescing

	// Transport
	WS    WSConfig
	Redis RedisConfig

	// Rate limiting (HTTP)
	RateRPS   float64 // tokens per second (>= 0)
	RateBurst int     // bucket size (>= 1)

	// Web protection
	CORS     CORSConfig
	Security SecurityConfig

	// Observability
	OTEL OTELConfig
}

// MustLoad loads the configuration and panics if validation fails.
func MustLoad() Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// Load reads configuration from environment variables,
// applies defaults, normalizes values, and validates the result.
func Load() (Config, error) {
	cfg := Config{
		// Server
		Port:              getenv("PORT", "8080"),
		ReadTimeout:       getdur("READ_TIMEOUT", 15*time.Second),
		ReadHeaderTimeout: getdur("READ_HEADER_TIMEOUT", 10*time.Second),
		WriteTimeout:      getdur("WRITE_TIMEOUT", 20*time.Second),
		IdleTimeout:       getdur("IDLE_TIMEOUT", 60*time.Second),
		MaxHeaderBytes:    getint("MAX_HEADER_BYTES", 1<<20),
		GinMode:           strings.ToLower(getenv("GIN_MODE", "release")),

		// Logging
		LogLevel:    strings.ToLower(getenv("LOG_LEVEL", "info")),
		LogPretty:   getbool("LOG_PRETTY", false),
		APIBasePath: normalizeBasePath(getenv("API_BASE_PATH", "/api/v1")),

		// App
		DBPath: getenv("DB_PATH", "messaging.db"),

		// Messaging behavior
		Retry: RetryConfig{
			MaxAttempts:  getint("RETRY_MAX_ATTEMPTS", 3),
			InitialDelay: getdur("RETRY_INITIAL_DELAY", time.Second),
			MaxDelay:     getdur("RETRY_MAX_DELAY", 30*time.Second),
			Multiplier:   getfloat("RETRY_MULTIPLIER", 2.0),
		},
		Breaker: BreakerConfig{
			FailureThreshold: getint("BREAKER_FAILURE_THRESHOLD", 10),
			Timeout:          getdur("BREAKER_TIMEOUT", 60*time.Second),
		},
		Sweep: SweepConfig{
			Interval:          getdur("SWEEP_INTERVAL", 30*time.Second),
			PresenceTimeout:   getdur("PRESENCE_TIMEOUT", 90*time.Second),
			TypingTimeout:     getdur("TYPING_TIMEOUT", 10*time.Second),
			ConnectionTimeout: getdur("CONNECTION_TIMEOUT", 2*time.Minute),
		},
		ReceiptDedupTTL:   getdur("RECEIPT_DEDUP_TTL", 30*time.Second),
		NotifyGroupWindow: getdur("NOTIFY_GROUP_WINDOW", 10*time.Minute),

		// Transport
		WS: WSConfig{
			FrameRPS:    getfloat("WS_FRAME_RPS", 10.0),
			FrameBurst:  getint("WS_FRAME_BURST", 20),
			CheckOrigin: getbool("WS_ALLOW_ANY_ORIGIN", true),
		},
		Redis: RedisConfig{
			Enabled: getbool("REDIS_ENABLED", false),
			Addr:    getenv("REDIS_ADDR", "localhost:6379"),
			Channel: getenv("REDIS_CHANNEL", "messaging:relay"),
		},

		// Rate limiting
		RateRPS:   getfloat("RATE_RPS", 5.0),
		RateBurst: getint("RATE_BURST", 10),

		// Web protection
		CORS: CORSConfig{
			AllowedOrigins: splitCSV(getenv("CORS_ALLOWED_ORIGINS", "")),
		},
		Security: SecurityConfig{
			EnableHSTS: getbool("ENABLE_HSTS", false),
			HSTSMaxAge: getdur("HSTS_MAX_AGE", 180*24*time.Hour),
		},

		// Observability (OpenTelemetry)
		OTEL: OTELConfig{
			Enabled:     getbool("OTEL_ENABLED", false),
			Endpoint:    getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			Insecure:    getbool("OTEL_EXPORTER_OTLP_INSECURE", true),
			ServiceName: getenv("OTEL_SERVICE_NAME", "go-messaging-backend"),
			SampleRatio: getfloat("OTEL_TRACES_SAMPLER_ARG", 1.0),
		},
	}

	// --- normalization ---
	if cfg.LogLevel == "warning" {
		cfg.LogLevel = "warn"
	}
	switch cfg.GinMode {
	case "debug", "release", "test":
	default:
		cfg.GinMode = "release"
	}

	// --- validation ---
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error", "fatal", "panic":
	default:
		return cfg, errors.New("LOG_LEVEL must be one of: debug, info, warn, error, fatal, panic")
	}
	if strings.TrimSpace(cfg.Port) == "" {
		return cfg, errors.New("PORT must not be empty")
	}
	if cfg.ReadTimeout <= 0 || cfg.ReadHeaderTimeout <= 0 || cfg.WriteTimeout <= 0 || cfg.IdleTimeout <= 0 {
		return cfg, errors.New("timeouts must be positive durations")
	}
	if cfg.MaxHeaderBytes <= 0 {
		return cfg, errors.New("MAX_HEADER_BYTES must be > 0")
	}
	if strings.TrimSpace(cfg.DBPath) == "" {
		return cfg, errors.New("DB_PATH must not be empty")
	}
	if cfg.Retry.MaxAttempts < 1 {
		return cfg, errors.New("RETRY_MAX_ATTEMPTS must be >= 1")
	}
	if cfg.Retry.InitialDelay <= 0 || cfg.Retry.MaxDelay <= 0 {
		return cfg, errors.New("retry delays must be positive durations")
	}
	if cfg.Retry.Multiplier < 1 {
		return cfg, errors.New("RETRY_MULTIPLIER must be >= 1")
	}
	if cfg.Breaker.FailureThreshold < 1 {
		return cfg, errors.New("BREAKER_FAILURE_THRESHOLD must be >= 1")
	}
	if cfg.Breaker.Timeout <= 0 {
		return cfg, errors.New("BREAKER_TIMEOUT must be > 0")
	}
	if cfg.Sweep.Interval <= 0 || cfg.Sweep.PresenceTimeout <= 0 || cfg.Sweep.TypingTimeout <= 0 || cfg.Sweep.ConnectionTimeout <= 0 {
		return cfg, errors.New("sweep intervals must be positive durations")
	}
	if cfg.ReceiptDedupTTL <= 0 {
		return cfg, errors.New("RECEIPT_DEDUP_TTL must be > 0")
	}
	if cfg.NotifyGroupWindow < 0 {
		return cfg, errors.New("NOTIFY_GROUP_WINDOW must be >= 0")
	}
	if cfg.WS.FrameRPS <= 0 {
		return cfg, errors.New("WS_FRAME_RPS must be > 0")
	}
	if cfg.WS.FrameBurst < 1 {
		return cfg, errors.New("WS_FRAME_BURST must be >= 1")
	}
	if cfg.Redis.Enabled && strings.TrimSpace(cfg.Redis.Addr) == "" {
		return cfg, errors.New("REDIS_ADDR must not be empty when REDIS_ENABLED is set")
	}
	if cfg.RateRPS < 0 {
		return cfg, errors.New("RATE_RPS must be >= 0")
	}
	if cfg.RateBurst < 1 {
		return cfg, errors.New("RATE_BURST must be >= 1")
	}
	if cfg.Security.HSTSMaxAge < 0 {
		return cfg, errors.New("HSTS_MAX_AGE must be >= 0")
	}
	if cfg.OTEL.SampleRatio < 0 || cfg.OTEL.SampleRatio > 1 {
		return cfg, errors.New("OTEL_TRACES_SAMPLER_ARG must be in [0,1]")
	}

	return cfg, nil
}

// ---- helpers (no external deps) ----

func getenv(k, def string) string {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		return v
	}
	return def
}

func getfloat(k string, def float64) float64 {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getint(k string, def int) int {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getbool(k string, def bool) bool {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "true", "yes", "y", "on":
			return true
		case "0", "false", "no", "n", "off":
			return false
		}
	}
	return def
}

func getdur(k string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		t := strings.TrimSpace(p)
		if t != "" {
			out = append(out, t)
		}
	}
	return out
}

// normalizeBasePath ensures leading '/' and strips trailing '/' (except root).
func normalizeBasePath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if len(p) > 1 && strings.HasSuffix(p, "/") {
		p = strings.TrimRight(p, "/")
	}
	return p
}
