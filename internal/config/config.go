package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Source     SourceConfig     `mapstructure:"source"`
	Archive    ArchiveConfig    `mapstructure:"archive"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Processing ProcessingConfig `mapstructure:"processing"`
	Alarms     AlarmsConfig     `mapstructure:"alarms"`
	Validation ValidationConfig `mapstructure:"validation"`
	Scheduler  SchedulerConfig  `mapstructure:"scheduler"`
	Alerts     AlertsConfig     `mapstructure:"alerts"`
	Log        LogConfig        `mapstructure:"log"`
}

type ServerConfig struct {
	Port int        `mapstructure:"port"`
	Mode string     `mapstructure:"mode"`
	CORS CORSConfig `mapstructure:"cors"`
}

type CORSConfig struct {
	AllowedOrigins  []string `mapstructure:"allowed_origins"`
	AllowAllOrigins bool     `mapstructure:"allow_all_origins"`
}

// DatabaseConfig is the local state database (run history, alarm adjustments).
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"`
	Path            string        `mapstructure:"path"`
	URL             string        `mapstructure:"url"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

// DSN returns the connection string for the configured driver.
func (c *DatabaseConfig) DSN() string {
	if c.Driver == "postgres" {
		return c.URL
	}
	return c.Path
}

// SourceConfig is the remote SCADA database reached through the connection gateway.
type SourceConfig struct {
	Driver         string        `mapstructure:"driver"`
	DSN            string        `mapstructure:"dsn"`
	PoolSize       int           `mapstructure:"pool_size"`
	AcquireTimeout time.Duration `mapstructure:"acquire_timeout"`
	QueryTimeout   time.Duration `mapstructure:"query_timeout"`
	PingTimeout    time.Duration `mapstructure:"ping_timeout"`
	RetryDelay     time.Duration `mapstructure:"retry_delay"`
}

type ArchiveConfig struct {
	Root  string `mapstructure:"root"`
	Level string `mapstructure:"level"` // zstd encoder level: fastest, default, better, best
}

// StorageConfig configures the optional object-storage mirror of committed partitions.
type StorageConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Type      string `mapstructure:"type"` // s3, r2, s3compatible, minio
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	UseSSL    bool   `mapstructure:"use_ssl"`
	Bucket    string `mapstructure:"bucket"`
	Region    string `mapstructure:"region"`
	Prefix    string `mapstructure:"prefix"`
}

type ProcessingConfig struct {
	DefaultMode  string   `mapstructure:"default_mode"`
	Workers      int      `mapstructure:"workers"`
	LookbackDays int      `mapstructure:"lookback_days"`
	Types        []string `mapstructure:"types"`
}

type AlarmsConfig struct {
	ExcludedCodes  []int64 `mapstructure:"excluded_codes"`
	OpenAlarmCodes []int64 `mapstructure:"open_alarm_codes"`
}

type SchedulerConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Spec    string `mapstructure:"spec"`
	Mode    string `mapstructure:"mode"`
}

type AlertsConfig struct {
	WebhookURL string        `mapstructure:"webhook_url"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

func Load(configPath string) (*Config, error) {
	// Load .env file if exists
	_ = godotenv.Load()

	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// Bind environment variables explicitly for sensitive data
	v.BindEnv("source.dsn", "SCADA_DSN")
	v.BindEnv("database.url", "DATABASE_URL")
	v.BindEnv("storage.endpoint", "STORAGE_ENDPOINT")
	v.BindEnv("storage.access_key", "STORAGE_ACCESS_KEY")
	v.BindEnv("storage.secret_key", "STORAGE_SECRET_KEY")
	v.BindEnv("storage.bucket", "STORAGE_BUCKET")
	v.BindEnv("alerts.webhook_url", "ALERT_WEBHOOK_URL")
	v.BindEnv("archive.root", "ARCHIVE_ROOT")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mode", "debug")
	v.SetDefault("server.cors.allow_all_origins", true)
	v.SetDefault("server.cors.allowed_origins", []string{})

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "./data/state.db")
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.max_open_conns", 4)
	v.SetDefault("database.conn_max_lifetime", time.Hour)
	v.SetDefault("database.auto_migrate", true)

	v.SetDefault("source.driver", "postgres")
	v.SetDefault("source.pool_size", 5)
	v.SetDefault("source.acquire_timeout", 30*time.Second)
	v.SetDefault("source.query_timeout", 5*time.Minute)
	v.SetDefault("source.ping_timeout", 5*time.Second)
	v.SetDefault("source.retry_delay", time.Second)

	v.SetDefault("archive.root", "./data/archive")
	v.SetDefault("archive.level", "default")

	v.SetDefault("storage.enabled", false)
	v.SetDefault("storage.type", "s3compatible")
	v.SetDefault("storage.prefix", "archive")

	v.SetDefault("processing.default_mode", "append")
	v.SetDefault("processing.workers", 6)
	v.SetDefault("processing.lookback_days", 6)
	v.SetDefault("processing.types", []string{"met", "tur", "grd", "cnt", "din", "sum"})

	v.SetDefault("alarms.excluded_codes", []int64{50100})
	v.SetDefault("alarms.open_alarm_codes", []int64{})

	v.SetDefault("validation.stuck_intervals", 3)
	v.SetDefault("validation.exclude_zero", false)
	v.SetDefault("validation.tables", []string{"met", "tur", "grd"})
	v.SetDefault("validation.max_missing_listed", 100)
	v.SetDefault("validation.report_path", "./data/validation_report.json")

	v.SetDefault("scheduler.enabled", false)
	v.SetDefault("scheduler.spec", "0 2 * * *")
	v.SetDefault("scheduler.mode", "append")

	v.SetDefault("alerts.timeout", 10*time.Second)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}
