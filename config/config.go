// Package config loads servicehub settings from an optional YAML file and
// SERVICEHUB_* environment variables.
package config

import (
	"strings"
	"time"

	"github.com/DEEJ4Y/servicehub/logging"
	"github.com/cockroachdb/errors"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. SERVICEHUB_MONGO_URI.
const EnvPrefix = "SERVICEHUB"

// Broker kinds.
const (
	BrokerMemory  = "memory"
	BrokerMongoDB = "mongodb"
	BrokerRedis   = "redis"
)

// Config is the complete service configuration.
type Config struct {
	Mongo     MongoConfig     `mapstructure:"mongo"`
	Broker    BrokerConfig    `mapstructure:"broker"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Consumer  ConsumerConfig  `mapstructure:"consumer"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Log       LogConfig       `mapstructure:"log"`
	Reconcile ReconcileConfig `mapstructure:"reconcile"`
}

// MongoConfig locates the marketplace database.
type MongoConfig struct {
	URI            string        `mapstructure:"uri"`
	Database       string        `mapstructure:"database"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	JobsCollection string        `mapstructure:"jobs_collection"`
}

// BrokerConfig selects where queued tasks live.
type BrokerConfig struct {
	// Kind is one of memory, mongodb, redis.
	Kind string `mapstructure:"kind"`

	// Collection holds tasks when Kind is mongodb.
	Collection string `mapstructure:"collection"`
}

// RedisConfig configures the Redis broker.
type RedisConfig struct {
	Address     string        `mapstructure:"address"`
	Password    string        `mapstructure:"password"`
	Database    int           `mapstructure:"database"`
	UseTLS      bool          `mapstructure:"use_tls"`
	ConnTimeout time.Duration `mapstructure:"connect_timeout"`
	KeepAlive   time.Duration `mapstructure:"keep_alive"`
	Prefix      string        `mapstructure:"prefix"`
}

// QueueConfig holds delivery limits per queue.
type QueueConfig struct {
	TransitionAttempts int `mapstructure:"transition_attempts"`
}

// ConsumerConfig mirrors the timing knobs of queue.ConsumerConfig.
type ConsumerConfig struct {
	Concurrency       int           `mapstructure:"concurrency"`
	EventsConcurrency int           `mapstructure:"events_concurrency"`
	IdleDelay         time.Duration `mapstructure:"idle_delay"`
	LockDuration      time.Duration `mapstructure:"lock_duration"`
	RetryDelay        time.Duration `mapstructure:"retry_delay"`
	MaxRetryDelay     time.Duration `mapstructure:"max_retry_delay"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout"`
}

// HTTPConfig configures the API listener.
type HTTPConfig struct {
	Address      string        `mapstructure:"address"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// MetricsConfig toggles the /metrics endpoint. The API server mounts it at
// Path; a worker without the API listens on Address instead.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
	Address string `mapstructure:"address"`
}

// LogConfig is passed to logging.New.
type LogConfig struct {
	Level string `mapstructure:"level"`
	JSON  bool   `mapstructure:"json"`
}

// ReconcileConfig configures the overdue schedule reconciler.
type ReconcileConfig struct {
	Enabled   bool          `mapstructure:"enabled"`
	Spec      string        `mapstructure:"spec"`
	Grace     time.Duration `mapstructure:"grace"`
	BatchSize int           `mapstructure:"batch_size"`
}

// SetDefaults registers a default for every key. Environment overrides
// only apply to keys viper knows about, so every field needs one here.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("mongo.uri", "mongodb://localhost:27017")
	v.SetDefault("mongo.database", "servicehub")
	v.SetDefault("mongo.connect_timeout", 10*time.Second)
	v.SetDefault("mongo.jobs_collection", "jobs")

	v.SetDefault("broker.kind", BrokerMongoDB)
	v.SetDefault("broker.collection", "tasks")

	v.SetDefault("redis.address", "127.0.0.1:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.database", 0)
	v.SetDefault("redis.use_tls", false)
	v.SetDefault("redis.connect_timeout", 5*time.Second)
	v.SetDefault("redis.keep_alive", time.Minute)
	v.SetDefault("redis.prefix", "servicehub:queue:")

	v.SetDefault("queue.transition_attempts", 3)

	v.SetDefault("consumer.concurrency", 4)
	v.SetDefault("consumer.events_concurrency", 1)
	v.SetDefault("consumer.idle_delay", time.Second)
	v.SetDefault("consumer.lock_duration", 10*time.Minute)
	v.SetDefault("consumer.retry_delay", time.Second)
	v.SetDefault("consumer.max_retry_delay", time.Minute)
	v.SetDefault("consumer.shutdown_timeout", 30*time.Second)

	v.SetDefault("http.address", ":8080")
	v.SetDefault("http.read_timeout", 15*time.Second)
	v.SetDefault("http.write_timeout", 30*time.Second)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")
	v.SetDefault("metrics.address", ":9090")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.json", false)

	v.SetDefault("reconcile.enabled", true)
	v.SetDefault("reconcile.spec", "0 */5 * * * *")
	v.SetDefault("reconcile.grace", 5*time.Minute)
	v.SetDefault("reconcile.batch_size", 100)
}

// New returns a viper instance with defaults and environment binding but no
// config file.
func New() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	SetDefaults(v)
	return v
}

// Load reads the YAML file at path, if any, applies environment overrides
// and validates the result.
func Load(path string) (*Config, error) {
	v := New()
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "read config file %s", path)
		}
	}
	return FromViper(v)
}

// FromViper unmarshals and validates the settings held by v.
func FromViper(v *viper.Viper) (*Config, error) {
	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, errors.Wrap(err, "unmarshal config")
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	switch c.Broker.Kind {
	case BrokerMemory, BrokerMongoDB, BrokerRedis:
	default:
		return errors.Newf("broker.kind must be one of memory, mongodb, redis; got %q", c.Broker.Kind)
	}
	if c.Broker.Kind == BrokerRedis && c.Redis.Address == "" {
		return errors.New("redis.address is required for the redis broker")
	}
	if c.Mongo.URI == "" || c.Mongo.Database == "" {
		return errors.New("mongo.uri and mongo.database are required")
	}
	if c.Mongo.JobsCollection == "" {
		return errors.New("mongo.jobs_collection is required")
	}
	if c.Consumer.Concurrency < 1 {
		return errors.Newf("consumer.concurrency must be at least 1; got %d", c.Consumer.Concurrency)
	}
	if c.Consumer.EventsConcurrency < 1 {
		return errors.Newf("consumer.events_concurrency must be at least 1; got %d", c.Consumer.EventsConcurrency)
	}
	if c.Queue.TransitionAttempts < 1 {
		return errors.Newf("queue.transition_attempts must be at least 1; got %d", c.Queue.TransitionAttempts)
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		return err
	}
	return nil
}
