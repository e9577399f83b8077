package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/LeventeLantos/lead-automation/internal/model"
)

type Config struct {
	Server     ServerConfig
	Database   DatabaseConfig
	Redis      RedisConfig
	Scheduler  SchedulerConfig
	Webhook    WebhookConfig
	Generator  GeneratorConfig
	Engine     EngineConfig
	Limits     LimitsConfig
	Health     HealthConfig
	KillSwitch KillSwitchConfig
	Log        LogConfig
	Telemetry  TelemetryConfig
	AMQP       AMQPConfig
}

type ServerConfig struct {
	Address string
}

type DatabaseConfig struct {
	PostgresURL string
}

type RedisConfig struct {
	Enabled  bool
	Address  string
	Password string
	DB       int
	TTL      time.Duration
}

type SchedulerConfig struct {
	Interval           time.Duration
	BatchSize          int
	MaxConcurrentSends int
	ClaimTTL           time.Duration
	AutoStart          bool
}

type WebhookConfig struct {
	URL        string
	Token      string
	ContentMax int
	Timeout    time.Duration
}

type GeneratorConfig struct {
	URL          string
	Token        string
	Timeout      time.Duration
	HistoryLimit int
}

type EngineConfig struct {
	InitialDelay    time.Duration
	Intervals       []time.Duration
	RetryBase       time.Duration
	RetryCap        time.Duration
	MinRecheck      time.Duration
	ReplyDelay      time.Duration
	MaxMessages     int
	WindowStartHour int
	WindowEndHour   int
	Location        *time.Location
}

type LimitsConfig struct {
	DailyPerLead int
}

type HealthConfig struct {
	Interval       time.Duration
	StaleThreshold time.Duration
	UnpauseAfter   time.Duration
	JitterWindow   time.Duration
	Penalty        int
	ScanLimit      int
}

type KillSwitchConfig struct {
	RefreshInterval time.Duration
}

type LogConfig struct {
	Level      slog.Level
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

type TelemetryConfig struct {
	Enabled     bool
	ServiceName string
	TracingURL  string
	Insecure    bool
}

type AMQPConfig struct {
	Enabled  bool
	URL      string
	Exchange string
}

// LoadAll reads the whole configuration from the environment. Every problem
// is collected and returned at once as a configuration error.
func LoadAll() (*Config, error) {
	var errs []error
	collect := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	str := func(key string) string {
		v, err := requireEnv(key)
		collect(err)
		return v
	}
	num := func(key string, def int) int {
		v, err := getEnvInt(key, def)
		collect(err)
		return v
	}
	seconds := func(key string, def int) time.Duration {
		return time.Duration(num(key, def)) * time.Second
	}
	dur := func(key string, def time.Duration) time.Duration {
		v, err := getEnvDuration(key, def)
		collect(err)
		return v
	}
	flag := func(key string, def bool) bool {
		v, err := getEnvBool(key, def)
		collect(err)
		return v
	}

	cfg := &Config{
		Server: ServerConfig{
			Address: getEnv("SERVER_ADDRESS", ":8080"),
		},
		Database: DatabaseConfig{
			PostgresURL: str("POSTGRES_URL"),
		},
		Webhook: WebhookConfig{
			URL:        str("WEBHOOK_URL"),
			Token:      os.Getenv("WEBHOOK_TOKEN"),
			ContentMax: num("CONTENT_MAX", 320),
			Timeout:    seconds("WEBHOOK_TIMEOUT_SECONDS", 10),
		},
		Generator: GeneratorConfig{
			URL:          str("GENERATOR_URL"),
			Token:        os.Getenv("GENERATOR_TOKEN"),
			Timeout:      seconds("GENERATOR_TIMEOUT_SECONDS", 30),
			HistoryLimit: num("GENERATOR_HISTORY_LIMIT", 20),
		},
		Scheduler: SchedulerConfig{
			Interval:           seconds("SCHED_INTERVAL_SECONDS", 900),
			BatchSize:          num("SCHED_BATCH_SIZE", 50),
			MaxConcurrentSends: num("MAX_CONCURRENT_SENDS", 5),
			ClaimTTL:           seconds("SCHED_CLAIM_TTL_SECONDS", 120),
			AutoStart:          flag("SCHED_AUTOSTART", true),
		},
		Engine: EngineConfig{
			InitialDelay:    dur("ENGINE_INITIAL_DELAY", 0),
			RetryBase:       dur("ENGINE_RETRY_BASE", 5*time.Minute),
			RetryCap:        dur("ENGINE_RETRY_CAP", 6*time.Hour),
			MinRecheck:      dur("ENGINE_MIN_RECHECK", 6*time.Hour),
			ReplyDelay:      dur("ENGINE_REPLY_DELAY", 2*time.Minute),
			MaxMessages:     num("ENGINE_MAX_MESSAGES", 12),
			WindowStartHour: num("SEND_WINDOW_START_HOUR", 8),
			WindowEndHour:   num("SEND_WINDOW_END_HOUR", 19),
		},
		Limits: LimitsConfig{
			DailyPerLead: num("DAILY_MESSAGE_LIMIT", 3),
		},
		Health: HealthConfig{
			Interval:       seconds("HEALTH_INTERVAL_SECONDS", 600),
			StaleThreshold: dur("STALE_THRESHOLD", 2*time.Hour),
			UnpauseAfter:   time.Duration(num("STALE_UNPAUSE_DAYS", 14)) * 24 * time.Hour,
			JitterWindow:   dur("JITTER_WINDOW", 2*time.Hour),
			Penalty:        num("HEALTH_PENALTY", 5),
			ScanLimit:      num("HEALTH_SCAN_LIMIT", 500),
		},
		KillSwitch: KillSwitchConfig{
			RefreshInterval: dur("KILLSWITCH_REFRESH", 15*time.Second),
		},
		Redis:     loadRedisConfig(collect),
		Log:       loadLogConfig(collect),
		Telemetry: loadTelemetryConfig(),
		AMQP:      loadAMQPConfig(),
	}

	intervals, err := getEnvDurations("ENGINE_INTERVALS", []time.Duration{24 * time.Hour, 48 * time.Hour, 72 * time.Hour, 168 * time.Hour, 336 * time.Hour})
	collect(err)
	cfg.Engine.Intervals = intervals

	tz := getEnv("SEND_WINDOW_TZ", "America/New_York")
	loc, err := time.LoadLocation(tz)
	if err != nil {
		collect(fmt.Errorf("invalid SEND_WINDOW_TZ %q: %w", tz, err))
	}
	cfg.Engine.Location = loc

	errs = append(errs, validate(cfg)...)
	if err := joinErrors(errs); err != nil {
		return nil, model.NewError(model.KindConfiguration, "load config", err)
	}
	return cfg, nil
}

func loadRedisConfig(collect func(error)) RedisConfig {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		return RedisConfig{Enabled: false}
	}

	db, err := getEnvInt("REDIS_DB", 0)
	collect(err)
	ttl, err := getEnvInt("REDIS_TTL_SECONDS", 86400)
	collect(err)

	return RedisConfig{
		Enabled:  true,
		Address:  addr,
		Password: os.Getenv("REDIS_PASSWORD"),
		DB:       db,
		TTL:      time.Duration(ttl) * time.Second,
	}
}

func loadLogConfig(collect func(error)) LogConfig {
	cfg := LogConfig{File: os.Getenv("LOG_FILE")}

	if err := cfg.Level.UnmarshalText([]byte(getEnv("LOG_LEVEL", "info"))); err != nil {
		collect(fmt.Errorf("invalid LOG_LEVEL: %w", err))
	}

	var err error
	cfg.MaxSizeMB, err = getEnvInt("LOG_MAX_SIZE_MB", 100)
	collect(err)
	cfg.MaxBackups, err = getEnvInt("LOG_MAX_BACKUPS", 5)
	collect(err)
	cfg.MaxAgeDays, err = getEnvInt("LOG_MAX_AGE_DAYS", 30)
	collect(err)
	return cfg
}

func loadTelemetryConfig() TelemetryConfig {
	url := os.Getenv("TRACING_URL")
	return TelemetryConfig{
		Enabled:     url != "",
		ServiceName: getEnv("SERVICE_NAME", "lead-automation"),
		TracingURL:  url,
		Insecure:    getEnv("TRACING_INSECURE", "true") == "true",
	}
}

func loadAMQPConfig() AMQPConfig {
	url := os.Getenv("AMQP_URL")
	return AMQPConfig{
		Enabled:  url != "",
		URL:      url,
		Exchange: getEnv("AMQP_EXCHANGE", "lead-automation"),
	}
}

func validate(cfg *Config) []error {
	var errs []error
	positive := func(key string, v int) {
		if v <= 0 {
			errs = append(errs, fmt.Errorf("%s must be > 0", key))
		}
	}

	positive("SCHED_BATCH_SIZE", cfg.Scheduler.BatchSize)
	positive("SCHED_INTERVAL_SECONDS", int(cfg.Scheduler.Interval/time.Second))
	positive("MAX_CONCURRENT_SENDS", cfg.Scheduler.MaxConcurrentSends)
	positive("SCHED_CLAIM_TTL_SECONDS", int(cfg.Scheduler.ClaimTTL/time.Second))
	positive("CONTENT_MAX", cfg.Webhook.ContentMax)
	positive("WEBHOOK_TIMEOUT_SECONDS", int(cfg.Webhook.Timeout/time.Second))
	positive("GENERATOR_TIMEOUT_SECONDS", int(cfg.Generator.Timeout/time.Second))
	positive("HEALTH_INTERVAL_SECONDS", int(cfg.Health.Interval/time.Second))
	positive("HEALTH_SCAN_LIMIT", cfg.Health.ScanLimit)

	if cfg.Limits.DailyPerLead < 0 {
		errs = append(errs, errors.New("DAILY_MESSAGE_LIMIT must be >= 0"))
	}
	if cfg.Engine.MaxMessages < 0 {
		errs = append(errs, errors.New("ENGINE_MAX_MESSAGES must be >= 0"))
	}
	if cfg.Engine.WindowStartHour < 0 || cfg.Engine.WindowEndHour > 24 || cfg.Engine.WindowStartHour >= cfg.Engine.WindowEndHour {
		errs = append(errs, fmt.Errorf("SEND_WINDOW_START_HOUR/SEND_WINDOW_END_HOUR must satisfy 0 <= start < end <= 24, got %d-%d",
			cfg.Engine.WindowStartHour, cfg.Engine.WindowEndHour))
	}
	if cfg.Engine.RetryBase <= 0 || cfg.Engine.RetryCap < cfg.Engine.RetryBase {
		errs = append(errs, errors.New("ENGINE_RETRY_BASE must be > 0 and ENGINE_RETRY_CAP >= ENGINE_RETRY_BASE"))
	}
	for i := 1; i < len(cfg.Engine.Intervals); i++ {
		if cfg.Engine.Intervals[i] < cfg.Engine.Intervals[i-1] {
			errs = append(errs, errors.New("ENGINE_INTERVALS must be non-decreasing"))
			break
		}
	}
	if cfg.Health.StaleThreshold <= 0 {
		errs = append(errs, errors.New("STALE_THRESHOLD must be > 0"))
	}
	if cfg.Health.JitterWindow < 0 {
		errs = append(errs, errors.New("JITTER_WINDOW must be >= 0"))
	}
	return errs
}

func requireEnv(key string) (string, error) {
	val := os.Getenv(key)
	if val == "" {
		return "", fmt.Errorf("missing required env var: %s", key)
	}
	return val, nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return def, fmt.Errorf("invalid int for env %s: %s", key, v)
	}
	return i, nil
}

func getEnvBool(key string, def bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def, fmt.Errorf("invalid bool for env %s: %s", key, v)
	}
	return b, nil
}

func getEnvDuration(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def, fmt.Errorf("invalid duration for env %s: %s", key, v)
	}
	return d, nil
}

// getEnvDurations parses a comma separated list such as "24h,48h,72h".
func getEnvDurations(key string, def []time.Duration) ([]time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	var out []time.Duration
	for _, part := range strings.Split(v, ",") {
		d, err := time.ParseDuration(strings.TrimSpace(part))
		if err != nil || d <= 0 {
			return def, fmt.Errorf("invalid duration list for env %s: %s", key, v)
		}
		out = append(out, d)
	}
	return out, nil
}

func joinErrors(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	return errors.Join(errs...)
}
