// Package config loads the tile server's single namespaced configuration
// from environment variables and an optional config file, via
// spf13/viper, the way original_source/app/core/config.py's Dynaconf
// settings load env + settings files.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// RateLimit is one entry of the worker runtime's per-task rate-limit table.
type RateLimit struct {
	TaskName      string
	PerMinute     int
}

// Config is the tile server's full namespaced configuration, recognizing
// every key in §6 plus the ambient keys this implementation adds.
type Config struct {
	// Hybrid cache
	L2URL      string        `mapstructure:"l2_url"`
	L3Endpoint string        `mapstructure:"l3_endpoint"`
	L3AccessKey string       `mapstructure:"l3_access_key"`
	L3SecretKey string       `mapstructure:"l3_secret_key"`
	L3Bucket   string        `mapstructure:"l3_bucket"`
	L3UseSSL   bool          `mapstructure:"l3_use_ssl"`
	PNGTTL     time.Duration `mapstructure:"png_ttl"`
	MetaTTL    time.Duration `mapstructure:"meta_ttl"`
	LifespanURL time.Duration `mapstructure:"lifespan_url"`
	L1Max      int           `mapstructure:"l1_max"`
	L1MaxAge   time.Duration `mapstructure:"l1_max_age"`

	// Backend client
	BackendBaseURL    string  `mapstructure:"backend_base_url"`
	MaxWorkersBackend int     `mapstructure:"max_workers_backend"`
	LeaseRPS          float64 `mapstructure:"lease_rps"`
	LeaseBurst        int     `mapstructure:"lease_burst"`
	BreakerThreshold  int     `mapstructure:"breaker_threshold"`
	BreakerRecoveryTimeout time.Duration `mapstructure:"breaker_recovery_timeout"`

	// Pipeline
	MinZoom int      `mapstructure:"min_zoom"`
	MaxZoom int      `mapstructure:"max_zoom"`
	Layers  []string `mapstructure:"layers"`

	// Catalog
	MongoURL      string `mapstructure:"mongo_url"`
	MongoDatabase string `mapstructure:"mongo_database"`

	// Worker runtime
	ZoomLevels          []int `mapstructure:"zoom_levels"`
	PriorityZoomLevels   []int `mapstructure:"priority_zoom_levels"`
	RecentYearsPriority  int   `mapstructure:"recent_years_priority"`
	WarmingRateLimitPerMin int `mapstructure:"warming_rate_limit_per_min"`

	// HTTP surface
	HTTPAddr       string `mapstructure:"http_addr"`
	MonitoringAddr string `mapstructure:"monitoring_addr"`

	// Ambient
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
	LogLevel     string `mapstructure:"log_level"`
}

// Defaults matching §6 exactly (and the worker/warming defaults from §4.6/4.7).
func defaults(v *viper.Viper) {
	v.SetDefault("l1_max", 1000)
	v.SetDefault("l1_max_age", time.Hour)
	v.SetDefault("png_ttl", 30*24*time.Hour)
	v.SetDefault("meta_ttl", 7*24*time.Hour)
	v.SetDefault("lifespan_url", 24*time.Hour)
	v.SetDefault("max_workers_backend", 20)
	v.SetDefault("lease_rps", 5.0)
	v.SetDefault("lease_burst", 5)
	v.SetDefault("breaker_threshold", 5)
	v.SetDefault("breaker_recovery_timeout", 30*time.Second)
	v.SetDefault("min_zoom", 6)
	v.SetDefault("max_zoom", 18)
	v.SetDefault("l3_use_ssl", true)
	v.SetDefault("zoom_levels", []int{6, 10, 14, 18})
	v.SetDefault("priority_zoom_levels", []int{10, 14})
	v.SetDefault("recent_years_priority", 2)
	v.SetDefault("warming_rate_limit_per_min", 600)
	v.SetDefault("http_addr", ":8080")
	v.SetDefault("monitoring_addr", ":9090")
	v.SetDefault("log_level", "info")
	v.SetDefault("mongo_database", "tileserver")
}

// required keys that must be set for the server to start at all; their
// absence is a Fatal config error (exit code 2 per §6).
var requiredKeys = []string{"l2_url", "l3_endpoint", "l3_bucket", "backend_base_url", "mongo_url"}

// Load reads the configuration from environment variables (prefixed
// TILESERVER_), an optional configFile, and the defaults above. An empty
// configFile searches "." for "config.yaml".
func Load(configFile string) (*Config, error) {
	v := viper.New()
	defaults(v)

	v.SetEnvPrefix("tileserver")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// Unmarshal only sees env vars for keys viper already knows, so the
	// keys without a default are bound explicitly.
	for _, key := range []string{"l2_url", "l3_endpoint", "l3_access_key", "l3_secret_key", "l3_bucket", "backend_base_url", "layers", "mongo_url", "otlp_endpoint"} {
		_ = v.BindEnv(key)
	}

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.AddConfigPath(".")
		v.SetConfigType("yaml")
		v.SetConfigName("config")
	}
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && configFile != "" {
			return nil, fmt.Errorf("config: reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	if err := cfg.validate(v); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate(v *viper.Viper) error {
	var missing []string
	for _, key := range requiredKeys {
		if v.GetString(key) == "" {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("config: missing required settings: %s", strings.Join(missing, ", "))
	}
	if c.MinZoom > c.MaxZoom {
		return fmt.Errorf("config: min_zoom (%d) must not exceed max_zoom (%d)", c.MinZoom, c.MaxZoom)
	}
	return nil
}
