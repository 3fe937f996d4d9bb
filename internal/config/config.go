package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/fx"
)

var Module = fx.Module("config",
	fx.Provide(Load),
	fx.Provide(NewEscalationConfigHolder),
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string
	NodeID      int64

	OTLPEndpoint     string
	DBMetricsEnabled bool
	Metrics          MetricsConfig
	Telemetry        TelemetryConfig

	DBType            string
	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBPath            string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int
	DBConnMaxIdleTime int

	Redis RedisConfig

	Ledger    LedgerConfig
	Notifier  NotifierConfig
	Email     EmailConfig
	Scheduler SchedulerConfig

	// EscalationConfigPath overrides the directory searched for escalation.yml.
	EscalationConfigPath string
}

// MetricsConfig controls the Prometheus scrape endpoint. An empty Addr
// disables it.
type MetricsConfig struct {
	Addr            string
	RefreshInterval time.Duration
}

// TelemetryConfig carries log and OpenTelemetry settings. The standard
// OTEL_* variables are honoured.
type TelemetryConfig struct {
	LogLevel      string
	LogFormat     string
	OtelEnabled   bool
	OtelProtocol  string
	SamplingRatio float64
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

func (c RedisConfig) Enabled() bool {
	return strings.TrimSpace(c.Addr) != ""
}

// LedgerConfig bounds the optimistic retry loop around payment mutations.
type LedgerConfig struct {
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

type NotifierConfig struct {
	// Driver is a comma-separated list of log, email.
	Driver      string
	Timeout     time.Duration
	MaxAttempts int
}

type EmailConfig struct {
	SMTPHost     string
	SMTPPort     int
	SMTPUsername string
	SMTPPassword string
	SMTPFrom     string
}

type SchedulerConfig struct {
	Enabled          bool
	RunInterval      time.Duration
	SweepBatchSize   int
	SweepConcurrency int
	SweepLockTTL     time.Duration
	RedeliveryLimit  int
	EnabledJobs      []string
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	return Config{
		AppName:          getenv("APP_SERVICE", "carebill"),
		AppVersion:       getenv("APP_VERSION", "0.1.0"),
		Environment:      getenv("ENVIRONMENT", "development"),
		NodeID:           getenvInt64("SNOWFLAKE_NODE", 1),
		OTLPEndpoint:     getenv("OTEL_EXPORTER_OTLP_ENDPOINT", getenv("OTLP_ENDPOINT", "localhost:4317")),
		DBMetricsEnabled: getenvBool("DATABASE_METRICS_ENABLED", false),
		Telemetry: TelemetryConfig{
			LogLevel:      strings.ToLower(getenv("LOG_LEVEL", "info")),
			LogFormat:     strings.ToLower(getenv("LOG_FORMAT", "json")),
			OtelEnabled:   getenvBool("OTEL_ENABLED", false),
			OtelProtocol:  otlpProtocol(),
			SamplingRatio: getenvFloat("OTEL_SAMPLING_RATIO", 0.1),
		},
		Metrics: MetricsConfig{
			Addr:            strings.TrimSpace(getenv("METRICS_ADDR", ":2112")),
			RefreshInterval: getenvDuration("METRICS_REFRESH_INTERVAL", time.Minute),
		},

		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "carebill"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBPath:            getenv("DATABASE_PATH", "carebill.db"),
		DBMaxIdleConn:     getenvInt("DATABASE_MAX_IDLE_CONN", 10),
		DBMaxOpenConn:     getenvInt("DATABASE_MAX_OPEN_CONN", 50),
		DBConnMaxLifetime: getenvInt("DATABASE_CONN_MAX_LIFETIME", 300),
		DBConnMaxIdleTime: getenvInt("DATABASE_CONN_MAX_IDLE_TIME", 60),

		Redis: RedisConfig{
			Addr:     strings.TrimSpace(getenv("REDIS_ADDR", "")),
			Password: getenv("REDIS_PASSWORD", ""),
			DB:       getenvInt("REDIS_DB", 0),
		},
		Ledger: LedgerConfig{
			MaxRetries:      getenvInt("LEDGER_MAX_RETRIES", 5),
			InitialInterval: getenvDuration("LEDGER_RETRY_INITIAL_INTERVAL", 10*time.Millisecond),
			MaxInterval:     getenvDuration("LEDGER_RETRY_MAX_INTERVAL", 500*time.Millisecond),
		},
		Notifier: NotifierConfig{
			Driver:      strings.ToLower(getenv("NOTIFIER_DRIVER", "log")),
			Timeout:     getenvDuration("NOTIFIER_TIMEOUT", 5*time.Second),
			MaxAttempts: getenvInt("REMINDER_MAX_DELIVERY_ATTEMPTS", 5),
		},
		Email: EmailConfig{
			SMTPHost:     getenv("SMTP_HOST", "localhost"),
			SMTPPort:     getenvInt("SMTP_PORT", 1025),
			SMTPUsername: getenv("SMTP_USERNAME", ""),
			SMTPPassword: getenv("SMTP_PASSWORD", ""),
			SMTPFrom:     getenv("SMTP_FROM", "billing@carebill.local"),
		},
		Scheduler: SchedulerConfig{
			Enabled:          getenvBool("SCHEDULER_ENABLED", true),
			RunInterval:      getenvDuration("SCHEDULER_RUN_INTERVAL", time.Hour),
			SweepBatchSize:   getenvInt("SWEEP_BATCH_SIZE", 100),
			SweepConcurrency: getenvInt("SWEEP_CONCURRENCY", 4),
			SweepLockTTL:     getenvDuration("SWEEP_LOCK_TTL", 10*time.Minute),
			RedeliveryLimit:  getenvInt("REMINDER_REDELIVERY_LIMIT", 100),
			EnabledJobs:      parseList(getenv("SCHEDULER_JOBS", "")),
		},
		EscalationConfigPath: strings.TrimSpace(getenv("ESCALATION_CONFIG_PATH", "")),
	}
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if value == "" {
		return def
	}
	switch value {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
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

// otlpProtocol prefers the traces-specific override.
func otlpProtocol() string {
	if v := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_TRACES_PROTOCOL")); v != "" {
		return strings.ToLower(v)
	}
	return strings.ToLower(getenv("OTEL_EXPORTER_OTLP_PROTOCOL", "grpc"))
}

func getenvInt(key string, def int) int {
	return int(getenvInt64(key, int64(def)))
}

func getenvDuration(key string, def time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := time.ParseDuration(value)
	if err != nil || parsed <= 0 {
		return def
	}
	return parsed
}

func parseList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
