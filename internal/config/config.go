package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"spend-anomalies/internal/logging"
)

// Config materialises application configuration.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Logging   logging.Config  `mapstructure:"logging"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Detection DetectionConfig `mapstructure:"detection"`
	Feedback  FeedbackConfig  `mapstructure:"feedback"`
	Ingest    IngestConfig    `mapstructure:"ingest"`
	Alerting  AlertingConfig  `mapstructure:"alerting"`
	Export    ExportConfig    `mapstructure:"export"`
	Budget    BudgetConfig    `mapstructure:"budget"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
	Session     string `mapstructure:"session"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity. An empty DSN selects
// the file store.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	MigrationsPath  string        `mapstructure:"migrations_path"`
}

// StorageConfig configures the file-backed store.
type StorageConfig struct {
	Dir string `mapstructure:"dir"`
}

// SchedulerConfig governs watch cadence.
type SchedulerConfig struct {
	Interval        time.Duration `mapstructure:"interval"`
	AlignToBucket   bool          `mapstructure:"align_to_bucket"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
	StartupDelay    time.Duration `mapstructure:"startup_delay"`
}

// DetectionConfig tunes statistics, thresholds and the three signals.
type DetectionConfig struct {
	MinSamples      int           `mapstructure:"min_samples"`
	LowMultiplier   float64       `mapstructure:"low_multiplier"`
	HighMultiplier  float64       `mapstructure:"high_multiplier"`
	BaselineWindow  time.Duration `mapstructure:"baseline_window"`
	FrequencyFactor float64       `mapstructure:"frequency_factor"`
	MinBurst        int           `mapstructure:"min_burst"`
	MinHistory      int           `mapstructure:"min_history"`
	NightStart      int           `mapstructure:"night_start"`
	NightEnd        int           `mapstructure:"night_end"`
	NightShareMax   float64       `mapstructure:"night_share_max"`
}

// FeedbackConfig tunes threshold widening.
type FeedbackConfig struct {
	DismissalsToWiden int           `mapstructure:"dismissals_to_widen"`
	DismissalWindow   time.Duration `mapstructure:"dismissal_window"`
	WidenStep         float64       `mapstructure:"widen_step"`
}

// IngestConfig selects where transactions come from.
type IngestConfig struct {
	Source         string        `mapstructure:"source"`
	Path           string        `mapstructure:"path"`
	URL            string        `mapstructure:"url"`
	Token          string        `mapstructure:"token"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	UserAgent      string        `mapstructure:"user_agent"`
	Location       string        `mapstructure:"location"`
}

// AlertingConfig defines alert routing.
type AlertingConfig struct {
	Enabled     bool           `mapstructure:"enabled"`
	MinSeverity string         `mapstructure:"min_severity"`
	Cooldown    time.Duration  `mapstructure:"cooldown"`
	Channels    []string       `mapstructure:"channels"`
	Telegram    TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig 描述 Telegram 告警参数。
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	APIBase  string `mapstructure:"api_base"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// BudgetConfig holds optional monthly budgets keyed by category.
type BudgetConfig struct {
	Monthly map[string]float64 `mapstructure:"monthly"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SPENDWATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "spendwatch")
	v.SetDefault("app.environment", "development")
	v.SetDefault("app.session", "default")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("storage.dir", ".spendwatch")

	v.SetDefault("scheduler.interval", "1h")
	v.SetDefault("scheduler.align_to_bucket", true)
	v.SetDefault("scheduler.advisory_lock_key", int64(0x7370656e))
	v.SetDefault("scheduler.startup_delay", "0s")

	v.SetDefault("detection.min_samples", 5)
	v.SetDefault("detection.low_multiplier", 1.5)
	v.SetDefault("detection.high_multiplier", 2.5)
	v.SetDefault("detection.baseline_window", "720h")
	v.SetDefault("detection.frequency_factor", 2.0)
	v.SetDefault("detection.min_burst", 3)
	v.SetDefault("detection.min_history", 3)
	v.SetDefault("detection.night_start", 0)
	v.SetDefault("detection.night_end", 5)
	v.SetDefault("detection.night_share_max", 0.1)

	v.SetDefault("feedback.dismissals_to_widen", 3)
	v.SetDefault("feedback.dismissal_window", "720h")
	v.SetDefault("feedback.widen_step", 0.5)

	v.SetDefault("ingest.source", "csv")
	v.SetDefault("ingest.request_timeout", "15s")
	v.SetDefault("ingest.user_agent", "spendwatch/1.0")
	v.SetDefault("ingest.location", "Local")

	v.SetDefault("alerting.enabled", false)
	v.SetDefault("alerting.min_severity", "high")
	v.SetDefault("alerting.cooldown", "30m")
	v.SetDefault("alerting.channels", []string{"telegram"})
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")

	v.SetDefault("export.max_data_points", 100000)

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.migrations_path", "migrations")
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	if c.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler.interval must be greater than zero")
	}
	if c.Detection.MinSamples < 1 {
		return fmt.Errorf("detection.min_samples must be at least 1")
	}
	if c.Detection.LowMultiplier <= 0 || c.Detection.HighMultiplier < c.Detection.LowMultiplier {
		return fmt.Errorf("detection multipliers must satisfy 0 < low <= high")
	}
	if c.Detection.NightStart < 0 || c.Detection.NightEnd > 24 || c.Detection.NightStart >= c.Detection.NightEnd {
		return fmt.Errorf("detection night window must satisfy 0 <= start < end <= 24")
	}
	if c.Detection.NightShareMax < 0 || c.Detection.NightShareMax > 1 {
		return fmt.Errorf("detection.night_share_max must be within [0,1]")
	}
	if c.Feedback.DismissalsToWiden < 1 {
		return fmt.Errorf("feedback.dismissals_to_widen must be at least 1")
	}
	if c.Feedback.WidenStep < 0 {
		return fmt.Errorf("feedback.widen_step cannot be negative")
	}
	switch c.Ingest.Source {
	case "csv", "http":
	default:
		return fmt.Errorf("ingest.source must be csv or http, got %q", c.Ingest.Source)
	}
	switch c.Alerting.MinSeverity {
	case "low", "high":
	default:
		return fmt.Errorf("alerting.min_severity must be low or high, got %q", c.Alerting.MinSeverity)
	}
	for label, amount := range c.Budget.Monthly {
		if amount < 0 {
			return fmt.Errorf("budget.monthly.%s cannot be negative", label)
		}
	}
	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token 必须配置")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id 必须配置")
		}
	}
	return nil
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}

// ResolveSession returns either the CLI override or the configured session.
func (c *Config) ResolveSession(override string) string {
	if override != "" {
		return override
	}
	return c.App.Session
}
