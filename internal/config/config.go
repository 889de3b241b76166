package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the complete application configuration
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Security  SecurityConfig  `mapstructure:"security"`
	Presence  PresenceConfig  `mapstructure:"presence"`
	Usage     UsageConfig     `mapstructure:"usage"`
	Steam     SteamConfig     `mapstructure:"steam"`
	Bilibili  BilibiliConfig  `mapstructure:"bilibili"`
	Weather   WeatherConfig   `mapstructure:"weather"`
	Geo       GeoConfig       `mapstructure:"geo"`
	Dashboard DashboardConfig `mapstructure:"dashboard"`
	Profile   ProfileConfig   `mapstructure:"profile"`
}

// ServerConfig defines server ports and addresses
type ServerConfig struct {
	BindAddress     string   `mapstructure:"bind_address"`
	HTTPPort        int      `mapstructure:"http_port"`
	MetricsPort     int      `mapstructure:"metrics_port"`
	StaticDir       string   `mapstructure:"static_dir"`
	AllowedOrigins  []string `mapstructure:"allowed_origins"`
	ReportRateLimit int      `mapstructure:"report_rate_limit"` // reports per minute per client IP
}

// LoggingConfig defines logging behavior
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// StorageConfig defines the document store backend
type StorageConfig struct {
	Type           string      `mapstructure:"type"` // file, redis or bolt
	Path           string      `mapstructure:"path"` // directory for file, database file for bolt
	ResetOnStartup bool        `mapstructure:"reset_on_startup"`
	Redis          RedisConfig `mapstructure:"redis"`
}

// RedisConfig defines Redis connection settings
type RedisConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	Password     string `mapstructure:"password"`
	DB           int    `mapstructure:"db"`
	PoolSize     int    `mapstructure:"pool_size"`
	MinIdleConns int    `mapstructure:"min_idle_conns"`
	DialTimeout  string `mapstructure:"dial_timeout"`
	ReadTimeout  string `mapstructure:"read_timeout"`
	WriteTimeout string `mapstructure:"write_timeout"`
}

// SecurityConfig holds the shared device-agent key
type SecurityConfig struct {
	APIKey        string `mapstructure:"api_key"`
	RequireAPIKey bool   `mapstructure:"require_api_key"`
}

// PresenceConfig tunes the device presence engine
type PresenceConfig struct {
	Timezone        string `mapstructure:"timezone"`
	OnlineThreshold string `mapstructure:"online_threshold"`
	SleepMaxAge     string `mapstructure:"sleep_max_age"`
	ResumeGap       string `mapstructure:"resume_gap"`
	DefaultDuration int    `mapstructure:"default_duration"` // seconds credited when a report omits duration
}

// UsageConfig defines usage ledger retention
type UsageConfig struct {
	RetentionDays  int    `mapstructure:"retention_days"`
	MaxRecords     int    `mapstructure:"max_records"`
	DailyResetTime string `mapstructure:"daily_reset_time"`
}

// SteamConfig defines the game platform poller
type SteamConfig struct {
	SteamID      string `mapstructure:"steam_id"`
	APIKey       string `mapstructure:"api_key"`
	PollInterval string `mapstructure:"poll_interval"`
	Timeout      string `mapstructure:"timeout"`
}

// BilibiliConfig defines the social platform collector
type BilibiliConfig struct {
	UID             string `mapstructure:"uid"`
	SESSDATA        string `mapstructure:"sessdata"`
	CollectInterval string `mapstructure:"collect_interval"`
	MinDelay        string `mapstructure:"min_delay"`
	MaxDelay        string `mapstructure:"max_delay"`
	Timeout         string `mapstructure:"timeout"`
}

// WeatherConfig defines the QWeather integration
type WeatherConfig struct {
	Enabled           bool   `mapstructure:"enabled"`
	APIKey            string `mapstructure:"api_key"`
	City              string `mapstructure:"city"`
	OwnerLocationID   string `mapstructure:"owner_location_id"`
	OwnerLocationName string `mapstructure:"owner_location_name"`
	Timeout           string `mapstructure:"timeout"`
}

// GeoConfig defines the geo resolver fallbacks
type GeoConfig struct {
	FallbackTimeout string `mapstructure:"fallback_timeout"`
}

// DashboardConfig defines the optional console dashboard
type DashboardConfig struct {
	Enabled         bool   `mapstructure:"enabled"`
	RefreshInterval string `mapstructure:"refresh_interval"`
}

// ProfileConfig is the public profile shown on the dashboard
type ProfileConfig struct {
	Title    string `mapstructure:"title"`
	Name     string `mapstructure:"name"`
	Bio      string `mapstructure:"bio"`
	Avatar   string `mapstructure:"avatar"`
	Location string `mapstructure:"location"`
	BGImage  string `mapstructure:"bg_image"`
}

// envAliases maps configuration keys to the plain environment variables the
// collector scripts and older deployments use.
var envAliases = map[string]string{
	"security.api_key":            "API_KEY",
	"security.require_api_key":    "REQUIRE_API_KEY",
	"steam.api_key":               "STEAM_API_KEY",
	"steam.steam_id":              "STEAM_ID64",
	"bilibili.uid":                "BILIBILI_UID",
	"bilibili.sessdata":           "BILIBILI_SESSDATA",
	"weather.api_key":             "QWEATHER_KEY",
	"weather.city":                "QWEATHER_CITY",
	"weather.owner_location_id":   "OWNER_LOCATION_ID",
	"weather.owner_location_name": "OWNER_LOCATION_NAME",
	"usage.retention_days":        "DATA_RETENTION_DAYS",
	"usage.max_records":           "MAX_RECORDS",
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()

	SetDefaults(v)

	v.SetConfigFile(configPath)
	v.SetEnvPrefix("RESTATUS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for key, alias := range envAliases {
		envKey := "RESTATUS_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(key, envKey, alias); err != nil {
			return nil, fmt.Errorf("failed to bind %s: %w", alias, err)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		// A missing file is fine; defaults and environment still apply.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validate(&config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// SetDefaults sets default configuration values. Every valid key has a
// default so the validate command can derive the key set from it.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.bind_address", "0.0.0.0")
	v.SetDefault("server.http_port", 3000)
	v.SetDefault("server.metrics_port", 9090)
	v.SetDefault("server.static_dir", "dist")
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("server.report_rate_limit", 120)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("storage.type", "file")
	v.SetDefault("storage.path", "data")
	v.SetDefault("storage.reset_on_startup", true)
	v.SetDefault("storage.redis.host", "localhost")
	v.SetDefault("storage.redis.port", 6379)
	v.SetDefault("storage.redis.password", "")
	v.SetDefault("storage.redis.db", 0)
	v.SetDefault("storage.redis.pool_size", 10)
	v.SetDefault("storage.redis.min_idle_conns", 2)
	v.SetDefault("storage.redis.dial_timeout", "5s")
	v.SetDefault("storage.redis.read_timeout", "3s")
	v.SetDefault("storage.redis.write_timeout", "3s")

	v.SetDefault("security.api_key", "")
	v.SetDefault("security.require_api_key", true)

	v.SetDefault("presence.timezone", "Asia/Shanghai")
	v.SetDefault("presence.online_threshold", "60s")
	v.SetDefault("presence.sleep_max_age", "24h")
	v.SetDefault("presence.resume_gap", "5m")
	v.SetDefault("presence.default_duration", 10)

	v.SetDefault("usage.retention_days", 7)
	v.SetDefault("usage.max_records", 1000)
	v.SetDefault("usage.daily_reset_time", "00:00")

	v.SetDefault("steam.steam_id", "")
	v.SetDefault("steam.api_key", "")
	v.SetDefault("steam.poll_interval", "60s")
	v.SetDefault("steam.timeout", "10s")

	v.SetDefault("bilibili.uid", "")
	v.SetDefault("bilibili.sessdata", "")
	v.SetDefault("bilibili.collect_interval", "1h")
	v.SetDefault("bilibili.min_delay", "500ms")
	v.SetDefault("bilibili.max_delay", "2s")
	v.SetDefault("bilibili.timeout", "10s")

	v.SetDefault("weather.enabled", true)
	v.SetDefault("weather.api_key", "")
	v.SetDefault("weather.city", "")
	v.SetDefault("weather.owner_location_id", "")
	v.SetDefault("weather.owner_location_name", "")
	v.SetDefault("weather.timeout", "10s")

	v.SetDefault("geo.fallback_timeout", "8s")

	v.SetDefault("dashboard.enabled", false)
	v.SetDefault("dashboard.refresh_interval", "1s")

	v.SetDefault("profile.title", "Restatus")
	v.SetDefault("profile.name", "")
	v.SetDefault("profile.bio", "")
	v.SetDefault("profile.avatar", "")
	v.SetDefault("profile.location", "")
	v.SetDefault("profile.bg_image", "")
}

// validate validates the configuration
func validate(cfg *Config) error {
	if cfg.Server.HTTPPort <= 0 || cfg.Server.HTTPPort > 65535 {
		return fmt.Errorf("invalid HTTP port: %d", cfg.Server.HTTPPort)
	}
	if cfg.Server.MetricsPort < 0 || cfg.Server.MetricsPort > 65535 {
		return fmt.Errorf("invalid metrics port: %d", cfg.Server.MetricsPort)
	}

	switch cfg.Storage.Type {
	case "":
		cfg.Storage.Type = "file"
	case "file", "redis", "bolt":
	default:
		return fmt.Errorf("unsupported storage type: %s", cfg.Storage.Type)
	}
	if cfg.Storage.Type != "redis" && cfg.Storage.Path == "" {
		return fmt.Errorf("storage path is required")
	}

	if cfg.Usage.RetentionDays <= 0 {
		return fmt.Errorf("usage retention_days must be positive: %d", cfg.Usage.RetentionDays)
	}
	if cfg.Usage.MaxRecords <= 0 {
		return fmt.Errorf("usage max_records must be positive: %d", cfg.Usage.MaxRecords)
	}
	if _, err := time.Parse("15:04", cfg.Usage.DailyResetTime); err != nil {
		return fmt.Errorf("invalid daily_reset_time %q: %w", cfg.Usage.DailyResetTime, err)
	}

	durations := map[string]string{
		"presence.online_threshold": cfg.Presence.OnlineThreshold,
		"presence.sleep_max_age":    cfg.Presence.SleepMaxAge,
		"presence.resume_gap":       cfg.Presence.ResumeGap,
		"steam.poll_interval":       cfg.Steam.PollInterval,
		"bilibili.collect_interval": cfg.Bilibili.CollectInterval,
		"bilibili.min_delay":        cfg.Bilibili.MinDelay,
		"bilibili.max_delay":        cfg.Bilibili.MaxDelay,
	}
	for key, value := range durations {
		if _, err := time.ParseDuration(value); err != nil {
			return fmt.Errorf("invalid %s %q: %w", key, value, err)
		}
	}

	minDelay, _ := time.ParseDuration(cfg.Bilibili.MinDelay)
	maxDelay, _ := time.ParseDuration(cfg.Bilibili.MaxDelay)
	if maxDelay < minDelay {
		return fmt.Errorf("bilibili max_delay %s is below min_delay %s", maxDelay, minDelay)
	}

	return nil
}

// Location returns the configured day-boundary time zone. Hosts without
// tzdata fall back to a fixed UTC+8 zone, the product's home time zone.
func (c PresenceConfig) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.FixedZone("CST", 8*60*60)
	}
	return loc
}

// ParseDuration parses a duration string with a fallback
func ParseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}
