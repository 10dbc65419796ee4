package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

type Config struct {
	GTFSRealtime GTFSRealtimeConfig `yaml:"gtfsRealtime"`
	Estimator    EstimatorConfig    `yaml:"estimator"`
	Database     DatabaseConfig     `yaml:"database"`
	Logging      LoggingConfig      `yaml:"logging"`
	Metrics      MetricsConfig      `yaml:"metrics"`
}

// GTFSRealtimeConfig for real-time GTFS data consumption
type GTFSRealtimeConfig struct {
	VehiclePositionsURL string        `yaml:"vehiclePositionsURL" validate:"omitempty,url"`
	TripUpdatesURL      string        `yaml:"tripUpdatesURL" validate:"omitempty,url"`
	HealthURL           string        `yaml:"healthURL" validate:"omitempty,url"` // empty selects fetch-only reachability
	APIKey              string        `yaml:"apiKey"`
	PollingInterval     time.Duration `yaml:"pollingInterval" validate:"gt=0"`
	HealthInterval      time.Duration `yaml:"healthInterval" validate:"gt=0"`
	FetchTimeout        time.Duration `yaml:"fetchTimeout" validate:"gt=0"`
	ProbeTimeout        time.Duration `yaml:"probeTimeout" validate:"gt=0"`
	RateLimitPerMin     int           `yaml:"rateLimitPerMin" validate:"gte=0"` // 0 disables limiting
}

// EstimatorConfig tunes the delay history smoothing
type EstimatorConfig struct {
	Alpha float64       `yaml:"alpha" validate:"gt=0,lte=1"`
	TTL   time.Duration `yaml:"ttl" validate:"gte=1s"`
}

// DatabaseConfig for the optional fetch audit log
type DatabaseConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Host          string        `yaml:"host" validate:"required_if=Enabled true"`
	Port          string        `yaml:"port"`
	User          string        `yaml:"user"`
	Password      string        `yaml:"password"`
	DBName        string        `yaml:"dbName" validate:"required_if=Enabled true"`
	Retention     time.Duration `yaml:"retention" validate:"gt=0"`
	PruneInterval time.Duration `yaml:"pruneInterval" validate:"gt=0"`
}

type LoggingConfig struct {
	Level      string `yaml:"level" validate:"omitempty,oneof=debug info warn warning error fatal off disabled"`
	FilePath   string `yaml:"filePath"`
	DiscordURL string `yaml:"discordURL" validate:"omitempty,url"`
}

type MetricsConfig struct {
	Addr string `yaml:"addr"` // empty disables the metrics server
}

// Defaults returns a configuration with every optional value filled in.
func Defaults() *Config {
	return &Config{
		GTFSRealtime: GTFSRealtimeConfig{
			PollingInterval: 30 * time.Second,
			HealthInterval:  5 * time.Second,
			FetchTimeout:    8 * time.Second,
			ProbeTimeout:    3 * time.Second,
		},
		Estimator: EstimatorConfig{
			Alpha: 0.3,
			TTL:   30 * time.Minute,
		},
		Database: DatabaseConfig{
			Host:          "localhost",
			Port:          "5432",
			User:          "postgres",
			DBName:        "ptvtracker",
			Retention:     24 * time.Hour,
			PruneInterval: time.Hour,
		},
		Logging: LoggingConfig{
			Level:    "info",
			FilePath: "ptvtracker-eta.log",
		},
	}
}

// Load builds the configuration from environment variables.
func Load() (*Config, error) {
	cfg := Defaults()
	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile reads a YAML configuration file; environment variables still
// override whatever the file sets.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}
	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks field constraints and that at least one feed is configured.
func (c *Config) Validate() error {
	v := validator.New()
	if err := v.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if c.GTFSRealtime.VehiclePositionsURL == "" && c.GTFSRealtime.TripUpdatesURL == "" {
		return fmt.Errorf("invalid configuration: at least one of vehicle positions or trip updates URL is required")
	}
	return nil
}

func (c *DatabaseConfig) ConnectionString() string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
		c.Host, c.Port, c.User, c.Password, c.DBName)
}

func applyEnv(cfg *Config) {
	rt := &cfg.GTFSRealtime
	rt.VehiclePositionsURL = getEnv("GTFS_RT_VEHICLE_POSITIONS_URL", rt.VehiclePositionsURL)
	rt.TripUpdatesURL = getEnv("GTFS_RT_TRIP_UPDATES_URL", rt.TripUpdatesURL)
	rt.HealthURL = getEnv("GTFS_RT_HEALTH_URL", rt.HealthURL)
	rt.APIKey = getEnv("GTFS_RT_API_KEY", rt.APIKey)
	rt.PollingInterval = getDurationEnv("GTFS_RT_POLLING_INTERVAL", rt.PollingInterval)
	rt.HealthInterval = getDurationEnv("GTFS_RT_HEALTH_INTERVAL", rt.HealthInterval)
	rt.FetchTimeout = getDurationEnv("GTFS_RT_FETCH_TIMEOUT", rt.FetchTimeout)
	rt.ProbeTimeout = getDurationEnv("GTFS_RT_PROBE_TIMEOUT", rt.ProbeTimeout)
	rt.RateLimitPerMin = getIntEnv("GTFS_RT_RATE_LIMIT_PER_MIN", rt.RateLimitPerMin)

	cfg.Estimator.Alpha = getFloatEnv("ESTIMATOR_ALPHA", cfg.Estimator.Alpha)
	cfg.Estimator.TTL = getDurationEnv("ESTIMATOR_TTL", cfg.Estimator.TTL)

	db := &cfg.Database
	db.Enabled = getBoolEnv("ARCHIVE_ENABLED", db.Enabled)
	db.Host = getEnv("DB_HOST", db.Host)
	db.Port = getEnv("DB_PORT", db.Port)
	db.User = getEnv("DB_USER", db.User)
	db.Password = getEnv("DB_PASSWORD", db.Password)
	db.DBName = getEnv("DB_NAME", db.DBName)
	db.Retention = getDurationEnv("ARCHIVE_RETENTION", db.Retention)
	db.PruneInterval = getDurationEnv("ARCHIVE_PRUNE_INTERVAL", db.PruneInterval)

	cfg.Logging.Level = getEnv("LOG_LEVEL", cfg.Logging.Level)
	cfg.Logging.FilePath = getEnv("LOG_FILE", cfg.Logging.FilePath)
	cfg.Logging.DiscordURL = getEnv("DISCORD_WEBHOOK_URL", cfg.Logging.DiscordURL)

	cfg.Metrics.Addr = getEnv("METRICS_ADDR", cfg.Metrics.Addr)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getFloatEnv(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(key))) {
	case "1", "true", "t", "yes", "y", "on":
		return true
	case "0", "false", "f", "no", "n", "off":
		return false
	default:
		return defaultValue
	}
}
