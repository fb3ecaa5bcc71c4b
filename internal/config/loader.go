package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/rpattn/recordimport/internal/db"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const envPrefix = "RECORDIMPORT"

// Config is the full service configuration.
type Config struct {
	Server   ServerConfig
	Database db.Config
	Import   ImportConfig
	Staging  StagingConfig
	Reports  ReportsConfig
}

type ServerConfig struct {
	Addr            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	CORSOrigins     []string
}

type ImportConfig struct {
	MaxFileBytes int64
	MaxRows      int
	BatchSize    int
	Workers      int
	PollInterval time.Duration
	StaleAfter   time.Duration
	CatalogPath  string
	SampleRows   int
}

type StagingConfig struct {
	Dir           string
	TTL           time.Duration
	SweepInterval time.Duration
}

type ReportsConfig struct {
	Dir            string
	GCSBucket      string
	GCSPrefix      string
	DownloadTTL    time.Duration
	DownloadSecret string
}

func setDefaults(v *viper.Viper) {
	dbDefaults := db.DefaultConfig()

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 60*time.Second)
	v.SetDefault("server.idle_timeout", 60*time.Second)
	v.SetDefault("server.shutdown_timeout", 30*time.Second)
	v.SetDefault("server.cors_origins", []string{"http://localhost:3000"})

	v.SetDefault("database.host", dbDefaults.Host)
	v.SetDefault("database.port", dbDefaults.Port)
	v.SetDefault("database.user", dbDefaults.User)
	v.SetDefault("database.password", dbDefaults.Password)
	v.SetDefault("database.dbname", dbDefaults.DBName)
	v.SetDefault("database.sslmode", dbDefaults.SSLMode)
	v.SetDefault("database.max_conns", dbDefaults.MaxConns)

	v.SetDefault("import.max_file_mb", 10)
	v.SetDefault("import.max_rows", 50000)
	v.SetDefault("import.batch_size", 500)
	v.SetDefault("import.workers", 4)
	v.SetDefault("import.poll_interval", 5*time.Second)
	v.SetDefault("import.stale_after", 10*time.Minute)
	v.SetDefault("import.catalog_path", "")
	v.SetDefault("import.sample_rows", 5)

	v.SetDefault("staging.dir", "./data/staging")
	v.SetDefault("staging.ttl", 24*time.Hour)
	v.SetDefault("staging.sweep_interval", 10*time.Minute)

	v.SetDefault("reports.dir", "./data/reports")
	v.SetDefault("reports.gcs_bucket", "")
	v.SetDefault("reports.gcs_prefix", "error-reports")
	v.SetDefault("reports.download_ttl", 15*time.Minute)
	v.SetDefault("reports.download_secret", "")
}

// Load reads config.yaml from configPath when present, then applies
// RECORDIMPORT_* environment overrides (for example
// RECORDIMPORT_DATABASE_HOST). A .env file in the working directory is
// loaded into the environment first.
func Load(configPath string, logger *slog.Logger) (Config, error) {
	if logger == nil {
		logger = slog.Default()
	}
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if strings.TrimSpace(configPath) != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("failed to read config file: %w", err)
		}
		logger.Info("no config.yaml found, using defaults and environment")
	} else {
		logger.Info("loaded config file", slog.String("path", v.ConfigFileUsed()))
	}

	cfg := Config{
		Server: ServerConfig{
			Addr:            v.GetString("server.addr"),
			ReadTimeout:     v.GetDuration("server.read_timeout"),
			WriteTimeout:    v.GetDuration("server.write_timeout"),
			IdleTimeout:     v.GetDuration("server.idle_timeout"),
			ShutdownTimeout: v.GetDuration("server.shutdown_timeout"),
			CORSOrigins:     splitList(v.GetStringSlice("server.cors_origins")),
		},
		Database: db.Config{
			Host:     v.GetString("database.host"),
			Port:     v.GetInt("database.port"),
			User:     v.GetString("database.user"),
			Password: v.GetString("database.password"),
			DBName:   v.GetString("database.dbname"),
			SSLMode:  v.GetString("database.sslmode"),
			MaxConns: v.GetInt32("database.max_conns"),
		},
		Import: ImportConfig{
			MaxFileBytes: v.GetInt64("import.max_file_mb") * 1024 * 1024,
			MaxRows:      v.GetInt("import.max_rows"),
			BatchSize:    v.GetInt("import.batch_size"),
			Workers:      v.GetInt("import.workers"),
			PollInterval: v.GetDuration("import.poll_interval"),
			StaleAfter:   v.GetDuration("import.stale_after"),
			CatalogPath:  v.GetString("import.catalog_path"),
			SampleRows:   v.GetInt("import.sample_rows"),
		},
		Staging: StagingConfig{
			Dir:           v.GetString("staging.dir"),
			TTL:           v.GetDuration("staging.ttl"),
			SweepInterval: v.GetDuration("staging.sweep_interval"),
		},
		Reports: ReportsConfig{
			Dir:            v.GetString("reports.dir"),
			GCSBucket:      v.GetString("reports.gcs_bucket"),
			GCSPrefix:      v.GetString("reports.gcs_prefix"),
			DownloadTTL:    v.GetDuration("reports.download_ttl"),
			DownloadSecret: v.GetString("reports.download_secret"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects settings the pipeline cannot run with.
func (c Config) Validate() error {
	switch {
	case c.Import.MaxFileBytes <= 0:
		return fmt.Errorf("import.max_file_mb must be positive")
	case c.Import.MaxRows <= 0:
		return fmt.Errorf("import.max_rows must be positive")
	case c.Import.BatchSize <= 0:
		return fmt.Errorf("import.batch_size must be positive")
	case c.Import.Workers <= 0:
		return fmt.Errorf("import.workers must be positive")
	case c.Import.StaleAfter <= c.Import.PollInterval:
		return fmt.Errorf("import.stale_after (%s) must exceed import.poll_interval (%s)", c.Import.StaleAfter, c.Import.PollInterval)
	case int(c.Database.MaxConns) <= c.Import.Workers:
		return fmt.Errorf("database.max_conns (%d) must exceed import.workers (%d)", c.Database.MaxConns, c.Import.Workers)
	case c.Staging.TTL <= 0:
		return fmt.Errorf("staging.ttl must be positive")
	case strings.TrimSpace(c.Staging.Dir) == "":
		return fmt.Errorf("staging.dir is required")
	case strings.TrimSpace(c.Reports.GCSBucket) == "" && strings.TrimSpace(c.Reports.Dir) == "":
		return fmt.Errorf("reports.dir is required when no gcs bucket is configured")
	}
	return nil
}

// splitList accepts both YAML lists and comma separated env values.
func splitList(values []string) []string {
	var out []string
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
