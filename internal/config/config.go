package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string
	HTTPAddr    string
	// AdminToken gates /admin routes. Empty leaves them open outside production.
	AdminToken string
	// NodeID seeds the snowflake generator for entitlement row ids.
	NodeID int64

	OTLPEndpoint string
	Telemetry    TelemetrySettings

	DBType            string
	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int
	DBConnMaxIdleTime int

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// TuningFile names the optional hot-reloadable file (without extension).
	TuningFile string

	Cache     CacheSettings
	Reconcile ReconcileSettings
}

// TelemetrySettings are the raw logging and OTLP knobs. The observability
// package turns them into logger, tracer and meter configs.
type TelemetrySettings struct {
	LogLevel           string
	LogFormat          string
	OtelEnabled        bool
	OTLPProtocol       string
	SamplingRatio      float64
	SlowQueryThreshold time.Duration
}

// CacheSettings bounds the entitlement cache.
type CacheSettings struct {
	MaxSize       int           `mapstructure:"maxSize"`
	DefaultTTL    time.Duration `mapstructure:"defaultTTL"`
	SweepInterval time.Duration `mapstructure:"sweepInterval"`
}

// ReconcileSettings controls how often a session may be forced to resync.
type ReconcileSettings struct {
	Cooldown        time.Duration `mapstructure:"cooldown"`
	MaxResyncs      int           `mapstructure:"maxResyncs"`
	CreditTolerance int64         `mapstructure:"creditTolerance"`
	MaxSessions     int           `mapstructure:"maxSessions"`
}

const (
	DefaultCacheMaxSize       = 1000
	DefaultCacheTTL           = 5 * time.Minute
	DefaultCacheSweepInterval = 10 * time.Minute

	DefaultReconcileCooldown    = 30 * time.Second
	DefaultReconcileMaxResyncs  = 5
	DefaultReconcileMaxSessions = 10000
)

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	cfg := Config{
		AppName:           getenv("APP_SERVICE", "entitlements"),
		AppVersion:        getenv("APP_VERSION", "0.1.0"),
		Environment:       getenv("ENVIRONMENT", "development"),
		HTTPAddr:          getenv("HTTP_ADDR", ":8080"),
		AdminToken:        strings.TrimSpace(getenv("ADMIN_TOKEN", "")),
		NodeID:            getenvInt64("NODE_ID", 1),
		OTLPEndpoint:      getenv("OTEL_EXPORTER_OTLP_ENDPOINT", getenv("OTLP_ENDPOINT", "localhost:4317")),
		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "postgres"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:     getenvInt("DATABASE_MAX_IDLE_CONN", 10),
		DBMaxOpenConn:     getenvInt("DATABASE_MAX_OPEN_CONN", 50),
		DBConnMaxLifetime: getenvInt("DATABASE_CONN_MAX_LIFETIME", 300),
		DBConnMaxIdleTime: getenvInt("DATABASE_CONN_MAX_IDLE_TIME", 60),
		RedisAddr:         strings.TrimSpace(getenv("REDIS_ADDR", "")),
		RedisPassword:     getenv("REDIS_PASSWORD", ""),
		RedisDB:           getenvInt("REDIS_DB", 0),
		TuningFile:        getenv("TUNING_FILE", "entitlements"),
		Telemetry: TelemetrySettings{
			LogLevel:           strings.ToLower(strings.TrimSpace(getenv("LOG_LEVEL", "info"))),
			LogFormat:          strings.ToLower(strings.TrimSpace(getenv("LOG_FORMAT", "json"))),
			OtelEnabled:        getenvBool("OTEL_ENABLED", true),
			OTLPProtocol:       strings.ToLower(strings.TrimSpace(getenv("OTEL_EXPORTER_OTLP_PROTOCOL", "grpc"))),
			SamplingRatio:      getenvFloat("OTEL_SAMPLING_RATIO", 0.1),
			SlowQueryThreshold: getenvDuration("DATABASE_SLOW_QUERY_THRESHOLD", 100*time.Millisecond),
		},
		Cache: CacheSettings{
			MaxSize:       getenvInt("CACHE_MAX_SIZE", DefaultCacheMaxSize),
			DefaultTTL:    getenvDuration("CACHE_DEFAULT_TTL", DefaultCacheTTL),
			SweepInterval: getenvDuration("CACHE_SWEEP_INTERVAL", DefaultCacheSweepInterval),
		},
		Reconcile: ReconcileSettings{
			Cooldown:        getenvDuration("RECONCILE_COOLDOWN", DefaultReconcileCooldown),
			MaxResyncs:      getenvInt("RECONCILE_MAX_RESYNCS", DefaultReconcileMaxResyncs),
			CreditTolerance: getenvInt64("RECONCILE_CREDIT_TOLERANCE", 0),
			MaxSessions:     getenvInt("RECONCILE_MAX_SESSIONS", DefaultReconcileMaxSessions),
		},
	}

	cfg.Cache = cfg.Cache.WithDefaults()
	cfg.Reconcile = cfg.Reconcile.WithDefaults()
	return cfg
}

func (c Config) IsProduction() bool {
	return strings.EqualFold(strings.TrimSpace(c.Environment), "production")
}

func (s CacheSettings) WithDefaults() CacheSettings {
	if s.MaxSize <= 0 {
		s.MaxSize = DefaultCacheMaxSize
	}
	if s.DefaultTTL <= 0 {
		s.DefaultTTL = DefaultCacheTTL
	}
	if s.SweepInterval < 0 {
		s.SweepInterval = 0
	}
	return s
}

func (s ReconcileSettings) WithDefaults() ReconcileSettings {
	if s.Cooldown < 0 {
		s.Cooldown = 0
	}
	if s.MaxResyncs <= 0 {
		s.MaxResyncs = DefaultReconcileMaxResyncs
	}
	if s.CreditTolerance < 0 {
		s.CreditTolerance = 0
	}
	if s.MaxSessions <= 0 {
		s.MaxSessions = DefaultReconcileMaxSessions
	}
	return s
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return parsed
}

func getenvInt64(key string, def int64) int64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return def
	}
	return parsed
}

// getenvDuration accepts Go durations ("90s") or bare milliseconds ("5000").
func getenvDuration(key string, def time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	if ms, err := strconv.ParseInt(value, 10, 64); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return def
	}
	return parsed
}

func getenvBool(key string, def bool) bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(key))) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return def
	}
}

func getenvFloat(key string, def float64) float64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return def
	}
	return parsed
}
