package domain

import (
	"os"
	"strings"
	"time"

	"github.com/spf13/cast"
)

// Config holds the complete kpiwatch configuration.
type Config struct {
	// AsOf is the simulated current date; empty means today.
	AsOf string `json:"asOf"`

	RulesPath    string `json:"rulesPath"`
	ReportPath   string `json:"reportPath"`
	ReportFormat string `json:"reportFormat"` // csv, tsv

	// Schedule is the cron expression used by the schedule command.
	Schedule string `json:"schedule"`

	// MetricsFile is a Prometheus textfile written after every run.
	MetricsFile string `json:"metricsFile"`

	Server     ServerConfig     `json:"server"`
	Repository RepositoryConfig `json:"repository"`
	Cache      CacheConfig      `json:"cache"`
	Lock       LockConfig       `json:"lock"`
	Tracker    TrackerConfig    `json:"tracker"`

	// Observability
	Logging LoggingConfig `json:"logging"`
}

// ServerConfig holds HTTP server settings for serve mode.
type ServerConfig struct {
	Host         string `json:"host"`
	Port         int    `json:"port"`
	ReadTimeout  int    `json:"readTimeout"`  // seconds
	WriteTimeout int    `json:"writeTimeout"` // seconds
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `json:"level"`  // debug, info, warn, error
	Format string `json:"format"` // json, text
}

// DefaultConfig returns a configuration that runs locally on SQLite with an
// in-memory cache and no tracker.
func DefaultConfig() *Config {
	return &Config{
		RulesPath:    "./rules.csv",
		ReportPath:   "./cases_report.csv",
		ReportFormat: "csv",
		Schedule:     "0 6 * * 1",
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30,
			WriteTimeout: 30,
		},
		Repository: RepositoryConfig{
			Driver:            "sqlite",
			SQLitePath:        "./kpiwatch.db",
			SQLiteBusyTimeout: 5 * time.Second,
		},
		Cache: CacheConfig{
			Type:         "memory",
			LocalMaxSize: 1000,
			LocalTTL:     5 * time.Minute,
			SeriesTTL:    10 * time.Minute,
		},
		Lock: LockConfig{
			Type: "none",
			Key:  "kpiwatch:run",
			TTL:  10 * time.Minute,
		},
		Tracker: TrackerConfig{
			Type:    "none",
			Timeout: 30 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// LoadConfigFromEnv overlays KPIWATCH_* environment variables on the
// defaults.
func LoadConfigFromEnv() *Config {
	cfg := DefaultConfig()

	setString(&cfg.AsOf, "KPIWATCH_AS_OF")
	setString(&cfg.RulesPath, "KPIWATCH_RULES")
	setString(&cfg.ReportPath, "KPIWATCH_REPORT")
	setString(&cfg.ReportFormat, "KPIWATCH_REPORT_FORMAT")
	setString(&cfg.Schedule, "KPIWATCH_SCHEDULE")
	setString(&cfg.MetricsFile, "KPIWATCH_METRICS_FILE")

	setString(&cfg.Server.Host, "KPIWATCH_HOST")
	setInt(&cfg.Server.Port, "KPIWATCH_PORT")

	setString(&cfg.Repository.Driver, "KPIWATCH_DB_DRIVER")
	setString(&cfg.Repository.SQLitePath, "KPIWATCH_SQLITE_PATH")
	setDuration(&cfg.Repository.SQLiteBusyTimeout, "KPIWATCH_SQLITE_BUSY_TIMEOUT")
	setString(&cfg.Repository.PostgresURL, "KPIWATCH_DATABASE_URL")
	setString(&cfg.Repository.PostgresHost, "KPIWATCH_PG_HOST")
	setInt(&cfg.Repository.PostgresPort, "KPIWATCH_PG_PORT")
	setString(&cfg.Repository.PostgresUser, "KPIWATCH_PG_USER")
	setString(&cfg.Repository.PostgresPassword, "KPIWATCH_PG_PASSWORD")
	setString(&cfg.Repository.PostgresDB, "KPIWATCH_PG_DB")
	setString(&cfg.Repository.PostgresSSLMode, "KPIWATCH_PG_SSLMODE")

	setString(&cfg.Cache.Type, "KPIWATCH_CACHE")
	setString(&cfg.Cache.RedisAddr, "KPIWATCH_REDIS_ADDR")
	setString(&cfg.Cache.RedisPassword, "KPIWATCH_REDIS_PASSWORD")
	setInt(&cfg.Cache.RedisDB, "KPIWATCH_REDIS_DB")
	setBool(&cfg.Cache.EnableTwoPhase, "KPIWATCH_CACHE_TWO_PHASE")

	setString(&cfg.Lock.Type, "KPIWATCH_LOCK")
	setDuration(&cfg.Lock.TTL, "KPIWATCH_LOCK_TTL")
	cfg.Lock.RedisAddr = cfg.Cache.RedisAddr
	cfg.Lock.RedisPassword = cfg.Cache.RedisPassword
	cfg.Lock.RedisDB = cfg.Cache.RedisDB

	setString(&cfg.Tracker.Type, "KPIWATCH_TRACKER")
	setString(&cfg.Tracker.URL, "KPIWATCH_TRACKER_URL")
	setString(&cfg.Tracker.Token, "KPIWATCH_TRACKER_TOKEN")
	setString(&cfg.Tracker.File, "KPIWATCH_TRACKER_FILE")
	setDuration(&cfg.Tracker.Timeout, "KPIWATCH_TRACKER_TIMEOUT")

	setString(&cfg.Logging.Level, "KPIWATCH_LOG_LEVEL")
	setString(&cfg.Logging.Format, "KPIWATCH_LOG_FORMAT")
	if cast.ToBool(os.Getenv("KPIWATCH_DEBUG")) {
		cfg.Logging.Level = "debug"
	}

	return cfg
}

// AsOfDate resolves the configured as-of date, defaulting to today.
func (c *Config) AsOfDate() (time.Time, error) {
	if strings.TrimSpace(c.AsOf) == "" {
		return Today(), nil
	}
	return ParseDate(strings.TrimSpace(c.AsOf))
}

func setString(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if n, err := cast.ToIntE(v); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		*dst = cast.ToBool(v)
	}
}

func setDuration(dst *time.Duration, key string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if d, err := cast.ToDurationE(v); err == nil {
			*dst = d
		}
	}
}
