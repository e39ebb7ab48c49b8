// Package config loads fieldsync configuration from YAML, .env files and
// FIELDSYNC_* environment variables, in that order of increasing precedence.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/solarcrm/fieldsync/internal/errors"
	"github.com/solarcrm/fieldsync/internal/logging"
	"github.com/solarcrm/fieldsync/internal/remote"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "FIELDSYNC_"

// Remote drivers.
const (
	DriverNone     = "none"
	DriverPostgres = "postgres"
	DriverREST     = "rest"
	DriverDynamo   = "dynamodb"
)

// Config is the full fieldsync configuration.
type Config struct {
	DataDir      string             `yaml:"data_dir"`
	HTTP         HTTPConfig         `yaml:"http"`
	Log          LogConfig          `yaml:"log"`
	Sync         SyncConfig         `yaml:"sync"`
	Connectivity ConnectivityConfig `yaml:"connectivity"`
	Retention    RetentionConfig    `yaml:"retention"`
	Encryption   EncryptionConfig   `yaml:"encryption"`
	Remote       RemoteConfig       `yaml:"remote"`
	Media        MediaConfig        `yaml:"media"`
	Kafka        KafkaConfig        `yaml:"kafka"`
}

// HTTPConfig configures the local API server.
type HTTPConfig struct {
	Addr           string   `yaml:"addr"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level string `yaml:"level"` // DEBUG, INFO, WARN, ERROR
}

// SyncConfig tunes the sync engine and its triggers.
type SyncConfig struct {
	MaxRetries   int           `yaml:"max_retries"`
	Interval     time.Duration `yaml:"interval"`
	SettleDelay  time.Duration `yaml:"settle_delay"`
	EnqueueDelay time.Duration `yaml:"enqueue_delay"`
}

// ConnectivityConfig configures the optional HTTP reachability probe.
type ConnectivityConfig struct {
	ProbeURL      string        `yaml:"probe_url"`
	ProbeInterval time.Duration `yaml:"probe_interval"`
	ProbeTimeout  time.Duration `yaml:"probe_timeout"`
}

// RetentionConfig controls purging of delivered records.
type RetentionConfig struct {
	MaxAge   time.Duration `yaml:"max_age"` // 0 keeps synced records until cleared
	Interval time.Duration `yaml:"interval"`
}

// EncryptionConfig holds the at-rest payload key.
type EncryptionConfig struct {
	Key string `yaml:"key"`
}

// RemoteConfig selects and configures the remote submission backend.
type RemoteConfig struct {
	Driver         string        `yaml:"driver"`
	PostgresDSN    string        `yaml:"postgres_dsn"`
	RESTURL        string        `yaml:"rest_url"`
	RESTJWTSecret  string        `yaml:"rest_jwt_secret"`
	DynamoTable    string        `yaml:"dynamo_table"`
	DynamoEndpoint string        `yaml:"dynamo_endpoint"`
	Region         string        `yaml:"region"`
	Timeout        time.Duration `yaml:"timeout"`
}

// MediaConfig configures the object store used for media records.
type MediaConfig struct {
	Provider  string `yaml:"provider"` // empty disables media uploads; aws, minio, r2
	Bucket    string `yaml:"bucket"`
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Region    string `yaml:"region"`
	UseSSL    bool   `yaml:"use_ssl"`
}

// KafkaConfig enables the Kafka event sink when Brokers is set.
type KafkaConfig struct {
	Brokers string `yaml:"brokers"` // comma-separated
	Topic   string `yaml:"topic"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		DataDir: "./data",
		HTTP: HTTPConfig{
			Addr: "127.0.0.1:8090",
		},
		Log: LogConfig{Level: string(logging.LevelInfo)},
		Sync: SyncConfig{
			MaxRetries:   3,
			Interval:     30 * time.Second,
			SettleDelay:  2 * time.Second,
			EnqueueDelay: 500 * time.Millisecond,
		},
		Connectivity: ConnectivityConfig{
			ProbeInterval: 15 * time.Second,
			ProbeTimeout:  5 * time.Second,
		},
		Retention: RetentionConfig{
			Interval: time.Hour,
		},
		Remote: RemoteConfig{
			Driver:  DriverNone,
			Region:  "us-east-1",
			Timeout: 30 * time.Second,
		},
		Kafka: KafkaConfig{Topic: "fieldsync.events"},
	}
}

// Load reads path (a missing file yields defaults), then .env, then the
// environment, and validates the result. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
		case err != nil:
			return nil, errors.Wrap(errors.ErrConfigInvalid, "read config", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, errors.Wrap(errors.ErrConfigInvalid, "parse config", err)
			}
		}
	}

	// .env never overrides variables already set in the process environment.
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, errors.Wrap(errors.ErrConfigInvalid, "load .env", err)
	}

	if err := cfg.applyEnvOverrides(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

type lookupFunc func(string) (string, bool)

func (c *Config) applyEnvOverrides(lookup lookupFunc) error {
	strs := map[string]*string{
		"DATA_DIR":          &c.DataDir,
		"HTTP_ADDR":         &c.HTTP.Addr,
		"LOG_LEVEL":         &c.Log.Level,
		"PROBE_URL":         &c.Connectivity.ProbeURL,
		"ENCRYPTION_KEY":    &c.Encryption.Key,
		"REMOTE_DRIVER":     &c.Remote.Driver,
		"POSTGRES_DSN":      &c.Remote.PostgresDSN,
		"REST_URL":          &c.Remote.RESTURL,
		"REST_JWT_SECRET":   &c.Remote.RESTJWTSecret,
		"DYNAMO_TABLE":      &c.Remote.DynamoTable,
		"DYNAMO_ENDPOINT":   &c.Remote.DynamoEndpoint,
		"REGION":            &c.Remote.Region,
		"MEDIA_PROVIDER":    &c.Media.Provider,
		"MEDIA_BUCKET":      &c.Media.Bucket,
		"MEDIA_ENDPOINT":    &c.Media.Endpoint,
		"MEDIA_ACCESS_KEY":  &c.Media.AccessKey,
		"MEDIA_SECRET_KEY":  &c.Media.SecretKey,
		"MEDIA_REGION":      &c.Media.Region,
		"KAFKA_BROKERS":     &c.Kafka.Brokers,
		"KAFKA_TOPIC":       &c.Kafka.Topic,
	}
	for name, dst := range strs {
		if v, ok := lookup(EnvPrefix + name); ok {
			*dst = strings.TrimSpace(v)
		}
	}

	durations := map[string]*time.Duration{
		"SYNC_INTERVAL":      &c.Sync.Interval,
		"SETTLE_DELAY":       &c.Sync.SettleDelay,
		"ENQUEUE_DELAY":      &c.Sync.EnqueueDelay,
		"PROBE_INTERVAL":     &c.Connectivity.ProbeInterval,
		"RETENTION_MAX_AGE":  &c.Retention.MaxAge,
		"RETENTION_INTERVAL": &c.Retention.Interval,
		"REMOTE_TIMEOUT":     &c.Remote.Timeout,
	}
	for name, dst := range durations {
		v, ok := lookup(EnvPrefix + name)
		if !ok {
			continue
		}
		d, err := time.ParseDuration(strings.TrimSpace(v))
		if err != nil {
			return errors.Wrap(errors.ErrConfigInvalid, EnvPrefix+name, err)
		}
		*dst = d
	}

	if v, ok := lookup(EnvPrefix + "MAX_RETRIES"); ok {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return errors.Wrap(errors.ErrConfigInvalid, EnvPrefix+"MAX_RETRIES", err)
		}
		c.Sync.MaxRetries = n
	}
	if v, ok := lookup(EnvPrefix + "MEDIA_USE_SSL"); ok {
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return errors.Wrap(errors.ErrConfigInvalid, EnvPrefix+"MEDIA_USE_SSL", err)
		}
		c.Media.UseSSL = b
	}
	if v, ok := lookup(EnvPrefix + "ALLOWED_ORIGINS"); ok {
		c.HTTP.AllowedOrigins = splitList(v)
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Validate checks the configuration for missing or inconsistent values.
func (c *Config) Validate() error {
	invalid := func(format string, args ...interface{}) error {
		return errors.Newf(errors.ErrConfigInvalid, format, args...)
	}

	if strings.TrimSpace(c.DataDir) == "" {
		return invalid("data_dir is required")
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		return invalid("log.level: %v", err)
	}
	if c.Sync.MaxRetries < 1 {
		return invalid("sync.max_retries must be at least 1, got %d", c.Sync.MaxRetries)
	}
	if c.Sync.Interval <= 0 {
		return invalid("sync.interval must be positive")
	}
	if c.Sync.SettleDelay < 0 || c.Sync.EnqueueDelay < 0 {
		return invalid("sync delays must not be negative")
	}
	if c.Retention.MaxAge < 0 {
		return invalid("retention.max_age must not be negative")
	}

	c.Remote.Driver = strings.ToLower(strings.TrimSpace(c.Remote.Driver))
	switch c.Remote.Driver {
	case "", DriverNone:
		c.Remote.Driver = DriverNone
	case DriverPostgres:
		if c.Remote.PostgresDSN == "" {
			return invalid("remote.postgres_dsn is required for the postgres driver")
		}
	case DriverREST:
		if c.Remote.RESTURL == "" {
			return invalid("remote.rest_url is required for the rest driver")
		}
	case DriverDynamo:
		if c.Remote.DynamoTable == "" {
			return invalid("remote.dynamo_table is required for the dynamodb driver")
		}
	default:
		return invalid("unknown remote.driver %q", c.Remote.Driver)
	}

	if c.Media.Provider != "" && c.Media.Bucket == "" {
		return invalid("media.bucket is required when media.provider is set")
	}
	if c.Kafka.Brokers != "" && c.Kafka.Topic == "" {
		return invalid("kafka.topic is required when kafka.brokers is set")
	}
	return nil
}

// MediaEnabled reports whether media records go to an object store.
func (c *Config) MediaEnabled() bool {
	return c.Media.Provider != ""
}

// RemoteMedia converts the media section for the remote package.
func (c *Config) RemoteMedia() remote.MediaConfig {
	return remote.MediaConfig{
		Provider:  c.Media.Provider,
		Bucket:    c.Media.Bucket,
		Endpoint:  c.Media.Endpoint,
		AccessKey: c.Media.AccessKey,
		SecretKey: c.Media.SecretKey,
		Region:    c.Media.Region,
		UseSSL:    c.Media.UseSSL,
	}
}

// Redacted returns a copy safe to print.
func (c *Config) Redacted() *Config {
	out := *c
	mask := func(s string) string {
		if s == "" {
			return ""
		}
		return "***REDACTED***"
	}
	out.Encryption.Key = mask(c.Encryption.Key)
	out.Remote.PostgresDSN = mask(c.Remote.PostgresDSN)
	out.Remote.RESTJWTSecret = mask(c.Remote.RESTJWTSecret)
	out.Media.AccessKey = mask(c.Media.AccessKey)
	out.Media.SecretKey = mask(c.Media.SecretKey)
	return &out
}
