package rewardsd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"rewardledger/services/rewardsd/commission"
)

// Duration wraps time.Duration to support YAML, TOML and env decoding.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	return d.UnmarshalText([]byte(value.Value))
}

// UnmarshalText parses durations from TOML and environment values.
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// Config captures the runtime configuration for rewardsd.
type Config struct {
	Environment   string           `yaml:"env" toml:"env"`
	ListenAddress string           `yaml:"listen" toml:"listen"`
	Database      DatabaseConfig   `yaml:"database" toml:"database"`
	Admin         AdminConfig      `yaml:"admin" toml:"admin"`
	Commission    CommissionConfig `yaml:"commission" toml:"commission"`
	Schedule      ScheduleConfig   `yaml:"schedule" toml:"schedule"`
	Log           LogConfig        `yaml:"log" toml:"log"`
	Telemetry     TelemetryConfig  `yaml:"telemetry" toml:"telemetry"`
	Redis         RedisConfig      `yaml:"redis" toml:"redis"`
	Webhook       WebhookConfig    `yaml:"webhook" toml:"webhook"`
	Export        ExportConfig     `yaml:"export" toml:"export"`
	Metrics       MetricsConfig    `yaml:"metrics" toml:"metrics"`
}

// DatabaseConfig selects the storage backend.
type DatabaseConfig struct {
	Driver          string   `yaml:"driver" toml:"driver"`
	DSN             string   `yaml:"dsn" toml:"dsn"`
	MaxOpenConns    int      `yaml:"max_open_conns" toml:"max_open_conns"`
	MaxIdleConns    int      `yaml:"max_idle_conns" toml:"max_idle_conns"`
	ConnMaxLifetime Duration `yaml:"conn_max_lifetime" toml:"conn_max_lifetime"`
}

// AdminConfig secures the operator API.
type AdminConfig struct {
	BearerToken     string `yaml:"bearer_token" toml:"bearer_token"`
	BearerTokenFile string `yaml:"bearer_token_file" toml:"bearer_token_file"`
}

// CommissionConfig overrides the default commission schedule.
type CommissionConfig struct {
	TotalRate string   `yaml:"total_rate" toml:"total_rate"`
	Shares    []string `yaml:"shares" toml:"shares"`
}

// ScheduleConfig controls the periodic jobs.
type ScheduleConfig struct {
	SweepInterval      Duration `yaml:"sweep_interval" toml:"sweep_interval"`
	RedistributionDay  string   `yaml:"redistribution_day" toml:"redistribution_day"`
	RedistributionHour int      `yaml:"redistribution_hour" toml:"redistribution_hour"`
	LeaseTTL           Duration `yaml:"lease_ttl" toml:"lease_ttl"`
	Disabled           bool     `yaml:"disabled" toml:"disabled"`

	weekday time.Weekday
}

// LogConfig tunes structured logging.
type LogConfig struct {
	Level              string `yaml:"level" toml:"level"`
	File               string `yaml:"file" toml:"file"`
	MaxSizeMB          int    `yaml:"max_size_mb" toml:"max_size_mb"`
	MaxBackups         int    `yaml:"max_backups" toml:"max_backups"`
	MaxAgeDays         int    `yaml:"max_age_days" toml:"max_age_days"`
	Compress           bool   `yaml:"compress" toml:"compress"`
	RedactParticipants bool   `yaml:"redact_participants" toml:"redact_participants"`
}

// TelemetryConfig wires the OTLP exporters.
type TelemetryConfig struct {
	Endpoint string `yaml:"endpoint" toml:"endpoint"`
	Insecure bool   `yaml:"insecure" toml:"insecure"`
	Headers  string `yaml:"headers" toml:"headers"`
	Traces   bool   `yaml:"traces" toml:"traces"`
	Metrics  bool   `yaml:"metrics" toml:"metrics"`
}

// RedisConfig enables the distributed job lease when Addr is set.
type RedisConfig struct {
	Addr     string `yaml:"addr" toml:"addr"`
	Password string `yaml:"password" toml:"password"`
	DB       int    `yaml:"db" toml:"db"`
	Prefix   string `yaml:"prefix" toml:"prefix"`
}

// WebhookConfig enables expiry warning delivery when URL is set.
type WebhookConfig struct {
	URL         string   `yaml:"url" toml:"url"`
	Secret      string   `yaml:"secret" toml:"secret"`
	RatePerSec  float64  `yaml:"rate_per_sec" toml:"rate_per_sec"`
	Burst       int      `yaml:"burst" toml:"burst"`
	MaxAttempts int      `yaml:"max_attempts" toml:"max_attempts"`
	Timeout     Duration `yaml:"timeout" toml:"timeout"`
}

// ExportConfig enables the ledger export after each sweep when Dir is set.
type ExportConfig struct {
	Dir    string   `yaml:"dir" toml:"dir"`
	Window Duration `yaml:"window" toml:"window"`
	DryRun bool     `yaml:"dry_run" toml:"dry_run"`
}

// MetricsConfig points at the performance snapshot used for redistribution.
type MetricsConfig struct {
	SnapshotPath string `yaml:"snapshot_path" toml:"snapshot_path"`
}

// envOverrides lists the settings that may be supplied as REWARDSD_* variables.
type envOverrides struct {
	Environment   string  `env:"ENV"`
	ListenAddress string  `env:"LISTEN"`
	DBDriver      string  `env:"DATABASE_DRIVER"`
	DBDSN         string  `env:"DATABASE_DSN"`
	AdminToken    string  `env:"ADMIN_TOKEN"`
	LogLevel      string  `env:"LOG_LEVEL"`
	RedisAddr     string  `env:"REDIS_ADDR"`
	RedisPassword string  `env:"REDIS_PASSWORD"`
	WebhookURL    string  `env:"WEBHOOK_URL"`
	WebhookSecret string  `env:"WEBHOOK_SECRET"`
	OTLPEndpoint  string  `env:"OTLP_ENDPOINT"`
	SnapshotPath  string  `env:"METRICS_SNAPSHOT_PATH"`
	Redact        *bool   `env:"LOG_REDACT_PARTICIPANTS"`
	WebhookRate   float64 `env:"WEBHOOK_RATE_PER_SEC"`
}

// LoadConfig reads configuration from the supplied path, decoding TOML for
// .toml files and YAML otherwise, then applies environment overrides.
func LoadConfig(path string) (Config, error) {
	cfg := Config{}
	if strings.TrimSpace(path) != "" {
		contents, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("open config: %w", err)
		}
		if err := decodeConfig(path, contents, &cfg); err != nil {
			return cfg, err
		}
	}
	if err := applyEnv(&cfg); err != nil {
		return cfg, err
	}
	applyDefaults(&cfg)
	if err := cfg.Admin.normalise(); err != nil {
		return cfg, fmt.Errorf("admin security: %w", err)
	}
	if err := validateConfig(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func decodeConfig(path string, contents []byte, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.Decode(string(contents), cfg); err != nil {
			return fmt.Errorf("decode config: %w", err)
		}
	default:
		if err := yaml.Unmarshal(contents, cfg); err != nil {
			return fmt.Errorf("decode config: %w", err)
		}
	}
	return nil
}

func applyEnv(cfg *Config) error {
	var o envOverrides
	if err := env.ParseWithOptions(&o, env.Options{Prefix: "REWARDSD_"}); err != nil {
		return fmt.Errorf("parse environment: %w", err)
	}
	set := func(dst *string, value string) {
		if value = strings.TrimSpace(value); value != "" {
			*dst = value
		}
	}
	set(&cfg.Environment, o.Environment)
	set(&cfg.ListenAddress, o.ListenAddress)
	set(&cfg.Database.Driver, o.DBDriver)
	set(&cfg.Database.DSN, o.DBDSN)
	set(&cfg.Admin.BearerToken, o.AdminToken)
	set(&cfg.Log.Level, o.LogLevel)
	set(&cfg.Redis.Addr, o.RedisAddr)
	set(&cfg.Redis.Password, o.RedisPassword)
	set(&cfg.Webhook.URL, o.WebhookURL)
	set(&cfg.Webhook.Secret, o.WebhookSecret)
	set(&cfg.Telemetry.Endpoint, o.OTLPEndpoint)
	set(&cfg.Metrics.SnapshotPath, o.SnapshotPath)
	if o.Redact != nil {
		cfg.Log.RedactParticipants = *o.Redact
	}
	if o.WebhookRate > 0 {
		cfg.Webhook.RatePerSec = o.WebhookRate
	}
	return nil
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":7090"
	}
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "postgres"
	}
	if cfg.Database.MaxOpenConns <= 0 {
		cfg.Database.MaxOpenConns = 20
	}
	if cfg.Database.MaxIdleConns <= 0 {
		cfg.Database.MaxIdleConns = 5
	}
	if cfg.Database.ConnMaxLifetime.Duration == 0 {
		cfg.Database.ConnMaxLifetime.Duration = 30 * time.Minute
	}
	if cfg.Schedule.SweepInterval.Duration == 0 {
		cfg.Schedule.SweepInterval.Duration = 24 * time.Hour
	}
	if cfg.Schedule.RedistributionDay == "" {
		cfg.Schedule.RedistributionDay = "monday"
	}
	if cfg.Schedule.LeaseTTL.Duration == 0 {
		cfg.Schedule.LeaseTTL.Duration = 10 * time.Minute
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Export.Window.Duration == 0 {
		cfg.Export.Window.Duration = cfg.Schedule.SweepInterval.Duration
	}
}

func validateConfig(cfg *Config) error {
	switch cfg.Database.Driver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("database driver %q not supported", cfg.Database.Driver)
	}
	if strings.TrimSpace(cfg.Database.DSN) == "" {
		return fmt.Errorf("database dsn must be configured")
	}
	if cfg.Admin.BearerToken == "" {
		return fmt.Errorf("admin bearer_token must be configured")
	}
	weekday, err := parseWeekday(cfg.Schedule.RedistributionDay)
	if err != nil {
		return err
	}
	cfg.Schedule.weekday = weekday
	if cfg.Schedule.RedistributionHour < 0 || cfg.Schedule.RedistributionHour > 23 {
		return fmt.Errorf("schedule redistribution_hour must be between 0 and 23")
	}
	if cfg.Schedule.SweepInterval.Duration < time.Minute {
		return fmt.Errorf("schedule sweep_interval must be at least 1m")
	}
	if cfg.Webhook.URL != "" && strings.TrimSpace(cfg.Webhook.Secret) == "" {
		return fmt.Errorf("webhook secret must be configured when url is set")
	}
	if _, err := cfg.Commission.schedule(); err != nil {
		return err
	}
	return nil
}

func parseWeekday(raw string) (time.Weekday, error) {
	name := strings.ToLower(strings.TrimSpace(raw))
	for day := time.Sunday; day <= time.Saturday; day++ {
		if strings.ToLower(day.String()) == name {
			return day, nil
		}
	}
	return time.Sunday, fmt.Errorf("schedule redistribution_day %q is not a weekday", raw)
}

func (a *AdminConfig) normalise() error {
	token := strings.TrimSpace(a.BearerToken)
	if path := strings.TrimSpace(a.BearerTokenFile); path != "" {
		contents, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read bearer_token_file: %w", err)
		}
		token = strings.TrimSpace(string(contents))
	}
	a.BearerToken = token
	return nil
}

// schedule resolves the configured commission schedule, falling back to the
// default split when nothing is set.
func (c CommissionConfig) schedule() (commission.Schedule, error) {
	sched := commission.DefaultSchedule()
	if strings.TrimSpace(c.TotalRate) != "" {
		rate, err := decimal.NewFromString(strings.TrimSpace(c.TotalRate))
		if err != nil {
			return sched, fmt.Errorf("commission total_rate: %w", err)
		}
		sched.TotalRate = rate
	}
	if len(c.Shares) > 0 {
		shares := make([]decimal.Decimal, 0, len(c.Shares))
		for i, raw := range c.Shares {
			share, err := decimal.NewFromString(strings.TrimSpace(raw))
			if err != nil {
				return sched, fmt.Errorf("commission shares[%d]: %w", i, err)
			}
			shares = append(shares, share)
		}
		sched.Shares = shares
	}
	if err := sched.Validate(); err != nil {
		return sched, fmt.Errorf("commission schedule: %w", err)
	}
	return sched, nil
}
