// Package config loads ballotguard settings from a YAML file, the
// environment and a .env file.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/hed1ad/ballotguard/pkg/pipeline"
)

// EnvPrefix is prepended to every environment key, e.g. BALLOTGUARD_BACKEND_BASE_URL.
const EnvPrefix = "BALLOTGUARD"

// Store drivers.
const (
	DriverHTTP   = "http"
	DriverSQLite = "sqlite"
)

type Config struct {
	Backend   BackendConfig  `mapstructure:"backend"`
	Store     StoreConfig    `mapstructure:"store"`
	Detectors DetectorConfig `mapstructure:"detectors"`
	Logging   LoggingConfig  `mapstructure:"logging"`
	Metrics   MetricsConfig  `mapstructure:"metrics"`
}

type BackendConfig struct {
	BaseURL    string        `mapstructure:"base_url"`
	AdminToken string        `mapstructure:"admin_token"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

type StoreConfig struct {
	Driver     string `mapstructure:"driver"`
	SQLitePath string `mapstructure:"sqlite_path"`
	// EventsCSV, when set, replaces the store as the source of audit events.
	EventsCSV string `mapstructure:"events_csv"`
}

type DetectorConfig struct {
	Seed                 int64   `mapstructure:"seed"`
	Trees                int     `mapstructure:"trees"`
	SampleSize           int     `mapstructure:"sample_size"`
	Contamination        float64 `mapstructure:"contamination"`
	Clusters             int     `mapstructure:"clusters"`
	KMeansInits          int     `mapstructure:"kmeans_inits"`
	MaxIterations        int     `mapstructure:"max_iterations"`
	Tolerance            float64 `mapstructure:"tolerance"`
	IsolationQuantile    float64 `mapstructure:"isolation_quantile"`
	DistanceQuantile     float64 `mapstructure:"distance_quantile"`
	ProbabilityThreshold float64 `mapstructure:"probability_threshold"`
	Regularization       float64 `mapstructure:"regularization"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json or console
	File   string `mapstructure:"file"`   // rotated with lumberjack when set
}

type MetricsConfig struct {
	PushgatewayURL string `mapstructure:"pushgateway_url"`
	Job            string `mapstructure:"job"`
}

// aliases binds the variable names used by existing deployments.
var aliases = map[string][]string{
	"backend.base_url":    {"BACKEND_BASE_URL", "BACKEND_URL"},
	"backend.admin_token": {"ADMIN_API_TOKEN", "ADMIN_TOKEN"},
}

func setDefaults(v *viper.Viper) {
	d := pipeline.DefaultConfig()

	v.SetDefault("backend.base_url", "http://localhost:5000")
	v.SetDefault("backend.admin_token", "")
	v.SetDefault("backend.timeout", 30*time.Second)

	v.SetDefault("store.driver", DriverHTTP)
	v.SetDefault("store.sqlite_path", "./ballotguard.db")
	v.SetDefault("store.events_csv", "")

	v.SetDefault("detectors.seed", d.Seed)
	v.SetDefault("detectors.trees", d.Trees)
	v.SetDefault("detectors.sample_size", d.SampleSize)
	v.SetDefault("detectors.contamination", d.Contamination)
	v.SetDefault("detectors.clusters", d.Clusters)
	v.SetDefault("detectors.kmeans_inits", d.KMeansInits)
	v.SetDefault("detectors.max_iterations", d.MaxIterations)
	v.SetDefault("detectors.tolerance", d.Tolerance)
	v.SetDefault("detectors.isolation_quantile", d.IsolationQuantile)
	v.SetDefault("detectors.distance_quantile", d.DistanceQuantile)
	v.SetDefault("detectors.probability_threshold", d.ProbabilityThreshold)
	v.SetDefault("detectors.regularization", d.Regularization)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.file", "")

	v.SetDefault("metrics.pushgateway_url", "")
	v.SetDefault("metrics.job", "ballotguard")
}

// Load reads configuration from file (optional), the environment and a .env
// file in the working directory. Environment values override the file.
func Load(file string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	return load(viper.New(), file)
}

func load(v *viper.Viper, file string) (*Config, error) {
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, names := range aliases {
		args := append([]string{key, EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))}, names...)
		if err := v.BindEnv(args...); err != nil {
			return nil, fmt.Errorf("bind %s: %w", key, err)
		}
	}

	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &cfg, nil
}

// Validate returns every problem found, or nil.
func (c *Config) Validate() []error {
	var errs []error

	switch c.Store.Driver {
	case DriverHTTP:
		if u, err := url.Parse(c.Backend.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("backend.base_url %q is not an absolute URL", c.Backend.BaseURL))
		}
		if c.Backend.AdminToken == "" {
			errs = append(errs, errors.New("backend.admin_token is required for the http store"))
		}
	case DriverSQLite:
		if c.Store.SQLitePath == "" {
			errs = append(errs, errors.New("store.sqlite_path is required for the sqlite store"))
		}
	default:
		errs = append(errs, fmt.Errorf("store.driver %q must be %q or %q", c.Store.Driver, DriverHTTP, DriverSQLite))
	}
	if c.Backend.Timeout < 0 {
		errs = append(errs, errors.New("backend.timeout must not be negative"))
	}

	d := c.Detectors
	if d.Trees < 1 {
		errs = append(errs, fmt.Errorf("detectors.trees must be positive, got %d", d.Trees))
	}
	if d.SampleSize < 1 {
		errs = append(errs, fmt.Errorf("detectors.sample_size must be positive, got %d", d.SampleSize))
	}
	if d.Contamination <= 0 || d.Contamination >= 0.5 {
		errs = append(errs, fmt.Errorf("detectors.contamination must be in (0, 0.5), got %g", d.Contamination))
	}
	if d.Clusters < 1 {
		errs = append(errs, fmt.Errorf("detectors.clusters must be positive, got %d", d.Clusters))
	}
	if d.KMeansInits < 1 {
		errs = append(errs, fmt.Errorf("detectors.kmeans_inits must be positive, got %d", d.KMeansInits))
	}
	if d.MaxIterations < 1 {
		errs = append(errs, fmt.Errorf("detectors.max_iterations must be positive, got %d", d.MaxIterations))
	}
	if d.Tolerance <= 0 {
		errs = append(errs, fmt.Errorf("detectors.tolerance must be positive, got %g", d.Tolerance))
	}
	for _, q := range []struct {
		name  string
		value float64
	}{
		{"detectors.isolation_quantile", d.IsolationQuantile},
		{"detectors.distance_quantile", d.DistanceQuantile},
		{"detectors.probability_threshold", d.ProbabilityThreshold},
	} {
		if q.value < 0 || q.value > 1 {
			errs = append(errs, fmt.Errorf("%s must be in [0, 1], got %g", q.name, q.value))
		}
	}
	if d.Regularization <= 0 {
		errs = append(errs, fmt.Errorf("detectors.regularization must be positive, got %g", d.Regularization))
	}

	switch c.Logging.Format {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("logging.format %q must be json or console", c.Logging.Format))
	}

	return errs
}

// Pipeline returns the detector parameters as a pipeline configuration.
func (c *Config) Pipeline() pipeline.Config {
	d := c.Detectors
	return pipeline.Config{
		Seed:                 d.Seed,
		Trees:                d.Trees,
		SampleSize:           d.SampleSize,
		Contamination:        d.Contamination,
		Clusters:             d.Clusters,
		KMeansInits:          d.KMeansInits,
		MaxIterations:        d.MaxIterations,
		Tolerance:            d.Tolerance,
		IsolationQuantile:    d.IsolationQuantile,
		DistanceQuantile:     d.DistanceQuantile,
		ProbabilityThreshold: d.ProbabilityThreshold,
		Regularization:       d.Regularization,
	}
}
