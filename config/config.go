package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. BROKER_DATABASE_URL
const EnvPrefix = "BROKER"

// Config holds the application configuration
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Store      StoreConfig      `mapstructure:"store"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Broker     BrokerConfig     `mapstructure:"broker"`
	Scaling    ScalingConfig    `mapstructure:"scaling"`
	Fleet      FleetConfig      `mapstructure:"fleet"`
	Salad      SaladConfig      `mapstructure:"salad"`
	AWS        AWSConfig        `mapstructure:"aws"`
	Notify     NotifyConfig     `mapstructure:"notify"`
	Monitoring MonitoringConfig `mapstructure:"monitoring"`
	Log        LogConfig        `mapstructure:"log"`
}

type ServerConfig struct {
	Port int `mapstructure:"port"`
	// OwnerHeader names the header the authenticating proxy puts the tenant in
	OwnerHeader string `mapstructure:"owner_header"`
	AdminOwner  string `mapstructure:"admin_owner"`
}

type DatabaseConfig struct {
	URL          string `mapstructure:"url"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
}

type StoreConfig struct {
	Backend      string `mapstructure:"backend"`
	BanBackend   string `mapstructure:"ban_backend"`
	BanCacheSize int    `mapstructure:"ban_cache_size"`
}

type RedisConfig struct {
	Addr      string `mapstructure:"addr"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

type BrokerConfig struct {
	MaxWorkerAttempts        int           `mapstructure:"max_failures_per_worker_attempts"`
	StaleMultiplier          int           `mapstructure:"stale_multiplier"`
	DefaultMaxFailures       int           `mapstructure:"default_max_failures"`
	DefaultHeartbeatInterval time.Duration `mapstructure:"default_heartbeat_interval"`
	MaxBatchSubmit           int           `mapstructure:"max_batch_submit"`
}

type ScalingConfig struct {
	Enabled            bool          `mapstructure:"enabled"`
	BatchSize          int           `mapstructure:"batch_size"`
	Interval           time.Duration `mapstructure:"interval"`
	MaxReplicasCeiling int           `mapstructure:"max_replicas_ceiling"`
}

type FleetConfig struct {
	Provider          string        `mapstructure:"provider"`
	RetryAttempts     uint          `mapstructure:"retry_attempts"`
	RetryDelay        time.Duration `mapstructure:"retry_delay"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
}

type SaladConfig struct {
	BaseURL      string `mapstructure:"base_url"`
	APIKey       string `mapstructure:"api_key"`
	Organization string `mapstructure:"organization"`
	Project      string `mapstructure:"project"`
	CacheSize    int    `mapstructure:"cache_size"`
}

type AWSConfig struct {
	Region       string `mapstructure:"region"`
	AMIID        string `mapstructure:"ami_id"`
	InstanceType string `mapstructure:"instance_type"`
	GroupTag     string `mapstructure:"group_tag"`
}

type NotifyConfig struct {
	Timeout time.Duration `mapstructure:"timeout"`
}

type MonitoringConfig struct {
	Interval time.Duration `mapstructure:"interval"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

var defaults = map[string]interface{}{
	"server.port":         8080,
	"server.owner_header": "X-Broker-Owner",
	"server.admin_owner":  "",

	"database.url":            "postgres://localhost/job_broker?sslmode=disable",
	"database.max_open_conns": 20,

	"store.backend":        "postgres",
	"store.ban_backend":    "postgres",
	"store.ban_cache_size": 10000,

	"redis.addr":       "localhost:6379",
	"redis.password":   "",
	"redis.db":         0,
	"redis.key_prefix": "broker:",

	"broker.max_failures_per_worker_attempts": 3,
	"broker.stale_multiplier":                 2,
	"broker.default_max_failures":             3,
	"broker.default_heartbeat_interval":       "30s",
	"broker.max_batch_submit":                 1000,

	"scaling.enabled":              true,
	"scaling.batch_size":           5,
	"scaling.interval":             "60s",
	"scaling.max_replicas_ceiling": 250,

	"fleet.provider":            "salad",
	"fleet.retry_attempts":      3,
	"fleet.retry_delay":         "500ms",
	"fleet.requests_per_second": 5.0,

	"salad.base_url":     "https://api.salad.com/api/public",
	"salad.api_key":      "",
	"salad.organization": "",
	"salad.project":      "",
	"salad.cache_size":   1024,

	"aws.region":        "us-east-1",
	"aws.ami_id":        "",
	"aws.instance_type": "",
	"aws.group_tag":     "broker-group",

	"notify.timeout": "10s",

	"monitoring.interval": "30s",

	"log.level":  "info",
	"log.format": "text",
}

// Load reads the configuration file at path, if any, applies BROKER_
// environment overrides and validates the result
func Load(path string) (*Config, error) {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "failed to read config file %s", path)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "failed to decode config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func oneOf(name, value string, allowed ...string) error {
	for _, a := range allowed {
		if value == a {
			return nil
		}
	}
	return fmt.Errorf("%s must be one of %s, got %q", name, strings.Join(allowed, ", "), value)
}

// Validate checks option values and the settings each selected backend needs
func (c *Config) Validate() error {
	if err := oneOf("store.backend", c.Store.Backend, "postgres", "memory"); err != nil {
		return err
	}
	if err := oneOf("store.ban_backend", c.Store.BanBackend, "postgres", "redis", "memory"); err != nil {
		return err
	}
	if c.Store.BanBackend == "postgres" && c.Store.Backend != "postgres" {
		return fmt.Errorf("store.ban_backend postgres requires store.backend postgres")
	}
	if err := oneOf("fleet.provider", c.Fleet.Provider, "salad", "aws", "memory"); err != nil {
		return err
	}
	if c.Fleet.Provider == "salad" && (c.Salad.Organization == "" || c.Salad.Project == "") {
		return fmt.Errorf("salad.organization and salad.project are required for the salad fleet")
	}
	if err := oneOf("log.format", c.Log.Format, "text", "json"); err != nil {
		return err
	}
	if _, err := log.ParseLevel(c.Log.Level); err != nil {
		return errors.Wrap(err, "invalid log.level")
	}
	if c.Scaling.Interval <= 0 {
		return fmt.Errorf("scaling.interval must be positive")
	}
	if c.Monitoring.Interval <= 0 {
		return fmt.Errorf("monitoring.interval must be positive")
	}
	return nil
}

// ConfigureLogging sets up the standard logger
func ConfigureLogging(c LogConfig) {
	level, err := log.ParseLevel(c.Level)
	if err != nil {
		level = log.InfoLevel
	}
	log.SetLevel(level)
	if c.Format == "json" {
		log.SetFormatter(&log.JSONFormatter{})
	} else {
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}
	log.SetOutput(os.Stdout)
}
