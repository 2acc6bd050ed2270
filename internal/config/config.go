package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix = "AGROLERT"

	defaultHTTPAddress       = "0.0.0.0:8080"
	defaultDatabasePath      = "agrolert.db"
	defaultLogLevel          = "info"
	defaultMonitorInterval   = 5 * time.Minute
	defaultMonitorCooldown   = 30 * time.Second
	defaultMonitorWorkers    = 8
	defaultBatchInterval     = 15 * time.Minute
	defaultPushDedupWindow   = 60 * time.Minute
	defaultHistoryWindow     = 24 * time.Hour
	defaultHourlyQuota       = 5
	defaultDailyQuota        = 20
	defaultPushTimeout       = 10 * time.Second
	defaultWeatherTimeout    = 10 * time.Second
	defaultRetentionAge      = 30 * 24 * time.Hour
	defaultRetentionInterval = 6 * time.Hour
	defaultWeatherBaseURL    = "https://api.open-meteo.com/v1/forecast"
)

// AppConfig captures runtime configuration for the alert service.
type AppConfig struct {
	HTTPAddress   string
	DatabasePath  string
	LogLevel      string
	SigningSecret string

	MonitorInterval time.Duration
	MonitorCooldown time.Duration
	MonitorWorkers  int

	BatchInterval   time.Duration
	PushDedupWindow time.Duration
	HistoryWindow   time.Duration
	HourlyQuota     int
	DailyQuota      int

	WeatherBaseURL string
	WeatherTimeout time.Duration

	PushProviderURL string
	PushProviderKey string
	PushTimeout     time.Duration

	// RedisAddress selects the shared dedup/quota backend. Empty means the
	// in-process store, which is only safe for a single instance.
	RedisAddress string

	RetentionAge      time.Duration
	RetentionInterval time.Duration
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)

	configViper.SetDefault("monitor.interval", defaultMonitorInterval)
	configViper.SetDefault("monitor.cooldown", defaultMonitorCooldown)
	configViper.SetDefault("monitor.workers", defaultMonitorWorkers)

	configViper.SetDefault("notify.batch_interval", defaultBatchInterval)
	configViper.SetDefault("notify.push_dedup_window", defaultPushDedupWindow)
	configViper.SetDefault("notify.history_window", defaultHistoryWindow)
	configViper.SetDefault("notify.hourly_quota", defaultHourlyQuota)
	configViper.SetDefault("notify.daily_quota", defaultDailyQuota)

	configViper.SetDefault("weather.base_url", defaultWeatherBaseURL)
	configViper.SetDefault("weather.timeout", defaultWeatherTimeout)

	configViper.SetDefault("push.provider_url", "")
	configViper.SetDefault("push.provider_key", "")
	configViper.SetDefault("push.timeout", defaultPushTimeout)

	configViper.SetDefault("redis.address", "")

	configViper.SetDefault("retention.age", defaultRetentionAge)
	configViper.SetDefault("retention.interval", defaultRetentionInterval)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:   configViper.GetString("http.address"),
		DatabasePath:  configViper.GetString("database.path"),
		LogLevel:      configViper.GetString("log.level"),
		SigningSecret: configViper.GetString("auth.signing_secret"),

		MonitorInterval: configViper.GetDuration("monitor.interval"),
		MonitorCooldown: configViper.GetDuration("monitor.cooldown"),
		MonitorWorkers:  configViper.GetInt("monitor.workers"),

		BatchInterval:   configViper.GetDuration("notify.batch_interval"),
		PushDedupWindow: configViper.GetDuration("notify.push_dedup_window"),
		HistoryWindow:   configViper.GetDuration("notify.history_window"),
		HourlyQuota:     configViper.GetInt("notify.hourly_quota"),
		DailyQuota:      configViper.GetInt("notify.daily_quota"),

		WeatherBaseURL: configViper.GetString("weather.base_url"),
		WeatherTimeout: configViper.GetDuration("weather.timeout"),

		PushProviderURL: configViper.GetString("push.provider_url"),
		PushProviderKey: configViper.GetString("push.provider_key"),
		PushTimeout:     configViper.GetDuration("push.timeout"),

		RedisAddress: configViper.GetString("redis.address"),

		RetentionAge:      configViper.GetDuration("retention.age"),
		RetentionInterval: configViper.GetDuration("retention.interval"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.MonitorInterval <= 0 {
		return fmt.Errorf("monitor.interval must be positive")
	}
	if c.MonitorWorkers <= 0 {
		return fmt.Errorf("monitor.workers must be positive")
	}
	if c.BatchInterval <= 0 {
		return fmt.Errorf("notify.batch_interval must be positive")
	}
	if c.HourlyQuota <= 0 || c.DailyQuota <= 0 {
		return fmt.Errorf("notification quotas must be positive")
	}
	if c.PushDedupWindow <= 0 || c.HistoryWindow <= 0 {
		return fmt.Errorf("dedup windows must be positive")
	}
	if c.PushDedupWindow >= c.HistoryWindow {
		return fmt.Errorf("notify.push_dedup_window must be shorter than notify.history_window")
	}
	// A push slower than the tick would stall evaluation workers across ticks.
	if c.PushTimeout >= c.MonitorInterval {
		return fmt.Errorf("push.timeout must be shorter than monitor.interval")
	}
	if strings.TrimSpace(c.WeatherBaseURL) == "" {
		return fmt.Errorf("weather.base_url is required")
	}
	if strings.TrimSpace(c.PushProviderURL) == "" {
		return fmt.Errorf("push.provider_url is required")
	}
	return nil
}
