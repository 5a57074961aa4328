package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const envPrefix = "FERN"

type Config struct {
	AppName            string
	Version            string
	LogLevel           string
	PrettyLogs         bool
	StartupMaxAttempts int

	HTTP       HTTPConfig
	Database   DatabaseConfig
	Replica    DatabaseConfig
	Migrations MigrationConfig
	Records    RecordsConfig
	Encryption EncryptionConfig
	Kafka      KafkaConfig
	Redis      RedisConfig
	Janitor    JanitorConfig
	Usage      UsageConfig
	Tracing    TracingConfig
}

type HTTPConfig struct {
	Address           string
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
	BodyLimit         string
}

type DatabaseConfig struct {
	Host            string
	Port            string
	User            string
	Password        string
	Name            string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type MigrationConfig struct {
	FolderPath   string
	Version      uint
	Force        int
	AutoRollback bool
}

type RecordsConfig struct {
	BatchSize      int
	RetryAttempts  int
	RetryDelay     time.Duration
	ReadTimeout    time.Duration
	DefaultLimit   int
	MaxLimit       int
	SweepBatchSize int
	PurgeBatchSize int
}

type EncryptionConfig struct {
	// Key enables AES-GCM payload encryption when set.
	Key  string
	Salt string
}

type KafkaConfig struct {
	Enabled      bool
	Brokers      string
	Topic        string
	BatchSize    int
	BatchTimeout time.Duration
	RequiredAcks int
	Compression  string
}

type RedisConfig struct {
	Enabled   bool
	Host      string
	Port      int
	Password  string
	DB        int
	KeyPrefix string
}

type JanitorConfig struct {
	Enabled          bool
	DryRun           bool
	PruneEnabled     bool
	PruneInterval    time.Duration
	PruneStaleAfter  time.Duration
	PruneLimit       int
	DeleteEnabled    bool
	DeleteInterval   time.Duration
	DeleteStaleAfter time.Duration
	DeleteLimit      int
	BatchSize        int
	ClaimTTL         time.Duration
}

// UsageConfig drives the periodic export of stored record totals to Prometheus.
type UsageConfig struct {
	Enabled   bool
	Interval  time.Duration
	BatchSize int
}

type TracingConfig struct {
	Enabled     bool
	Endpoint    string
	Protocol    string
	Insecure    bool
	SampleRatio float64
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	v := viper.New()
	ApplyDefaults(v)
	return v
}

// ApplyDefaults configures defaults and env bindings on v. FERN_DATABASE_HOST maps to database.host.
func ApplyDefaults(v *viper.Viper) {
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("app.name", "fern")
	v.SetDefault("app.version", "dev")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", false)
	v.SetDefault("startup.max_attempts", 5)

	v.SetDefault("http.address", "0.0.0.0:3000")
	v.SetDefault("http.read_timeout", 30*time.Second)
	v.SetDefault("http.write_timeout", 60*time.Second)
	v.SetDefault("http.idle_timeout", 60*time.Second)
	v.SetDefault("http.read_header_timeout", 10*time.Second)
	v.SetDefault("http.shutdown_timeout", 15*time.Second)
	v.SetDefault("http.body_limit", "50M")

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", "5432")
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.password", "")
	v.SetDefault("database.name", "fern")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 10)
	v.SetDefault("database.conn_max_lifetime", 5*time.Minute)
	// replica.* fall back to database.* when unset
	v.SetDefault("replica.host", "")

	v.SetDefault("migrations.folder", "db/pg")
	v.SetDefault("migrations.version", 0)
	v.SetDefault("migrations.force", 0)
	v.SetDefault("migrations.auto_rollback", true)

	v.SetDefault("records.batch_size", 1000)
	v.SetDefault("records.retry_attempts", 3)
	v.SetDefault("records.retry_delay", 500*time.Millisecond)
	v.SetDefault("records.read_timeout", 60*time.Second)
	v.SetDefault("records.default_limit", 100)
	v.SetDefault("records.max_limit", 10000)
	v.SetDefault("records.sweep_batch_size", 5000)
	v.SetDefault("records.purge_batch_size", 5000)

	v.SetDefault("encryption.key", "")
	v.SetDefault("encryption.salt", "fern")

	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.brokers", "localhost:9092")
	v.SetDefault("kafka.topic", "fern.records")
	v.SetDefault("kafka.batch_size", 100)
	v.SetDefault("kafka.batch_timeout", 100*time.Millisecond)
	v.SetDefault("kafka.required_acks", 1)
	v.SetDefault("kafka.compression", "snappy")

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.key_prefix", "fern:lock:")

	v.SetDefault("janitor.enabled", false)
	v.SetDefault("janitor.dry_run", false)
	v.SetDefault("janitor.prune_enabled", true)
	v.SetDefault("janitor.prune_interval", time.Minute)
	v.SetDefault("janitor.prune_stale_after", 15*24*time.Hour)
	v.SetDefault("janitor.prune_limit", 10000)
	v.SetDefault("janitor.delete_enabled", true)
	v.SetDefault("janitor.delete_interval", 5*time.Minute)
	v.SetDefault("janitor.delete_stale_after", 30*24*time.Hour)
	v.SetDefault("janitor.delete_limit", 0)
	v.SetDefault("janitor.batch_size", 1000)
	v.SetDefault("janitor.claim_ttl", 5*time.Minute)

	v.SetDefault("usage.enabled", true)
	v.SetDefault("usage.interval", time.Minute)
	v.SetDefault("usage.batch_size", 1000)

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.endpoint", "localhost:4317")
	v.SetDefault("tracing.protocol", "grpc")
	v.SetDefault("tracing.insecure", true)
	v.SetDefault("tracing.sample_ratio", 1.0)
}

// LoadDotEnv loads .env files into the process environment. Missing files are ignored;
// variables already set are not overwritten.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, file := range files {
		if err := godotenv.Load(file); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("failed to load %s: %w", file, err)
		}
	}
	return nil
}

// Load parses runtime configuration from viper.
func Load(v *viper.Viper) (Config, error) {
	cfg := Config{
		AppName:            v.GetString("app.name"),
		Version:            v.GetString("app.version"),
		LogLevel:           v.GetString("log.level"),
		PrettyLogs:         v.GetBool("log.pretty"),
		StartupMaxAttempts: v.GetInt("startup.max_attempts"),
		HTTP: HTTPConfig{
			Address:           v.GetString("http.address"),
			ReadTimeout:       v.GetDuration("http.read_timeout"),
			WriteTimeout:      v.GetDuration("http.write_timeout"),
			IdleTimeout:       v.GetDuration("http.idle_timeout"),
			ReadHeaderTimeout: v.GetDuration("http.read_header_timeout"),
			ShutdownTimeout:   v.GetDuration("http.shutdown_timeout"),
			BodyLimit:         v.GetString("http.body_limit"),
		},
		Database: databaseConfig(v, "database"),
		Migrations: MigrationConfig{
			FolderPath:   v.GetString("migrations.folder"),
			Version:      v.GetUint("migrations.version"),
			Force:        v.GetInt("migrations.force"),
			AutoRollback: v.GetBool("migrations.auto_rollback"),
		},
		Records: RecordsConfig{
			BatchSize:      v.GetInt("records.batch_size"),
			RetryAttempts:  v.GetInt("records.retry_attempts"),
			RetryDelay:     v.GetDuration("records.retry_delay"),
			ReadTimeout:    v.GetDuration("records.read_timeout"),
			DefaultLimit:   v.GetInt("records.default_limit"),
			MaxLimit:       v.GetInt("records.max_limit"),
			SweepBatchSize: v.GetInt("records.sweep_batch_size"),
			PurgeBatchSize: v.GetInt("records.purge_batch_size"),
		},
		Encryption: EncryptionConfig{
			Key:  v.GetString("encryption.key"),
			Salt: v.GetString("encryption.salt"),
		},
		Kafka: KafkaConfig{
			Enabled:      v.GetBool("kafka.enabled"),
			Brokers:      v.GetString("kafka.brokers"),
			Topic:        v.GetString("kafka.topic"),
			BatchSize:    v.GetInt("kafka.batch_size"),
			BatchTimeout: v.GetDuration("kafka.batch_timeout"),
			RequiredAcks: v.GetInt("kafka.required_acks"),
			Compression:  v.GetString("kafka.compression"),
		},
		Redis: RedisConfig{
			Enabled:   v.GetBool("redis.enabled"),
			Host:      v.GetString("redis.host"),
			Port:      v.GetInt("redis.port"),
			Password:  v.GetString("redis.password"),
			DB:        v.GetInt("redis.db"),
			KeyPrefix: v.GetString("redis.key_prefix"),
		},
		Janitor: JanitorConfig{
			Enabled:          v.GetBool("janitor.enabled"),
			DryRun:           v.GetBool("janitor.dry_run"),
			PruneEnabled:     v.GetBool("janitor.prune_enabled"),
			PruneInterval:    v.GetDuration("janitor.prune_interval"),
			PruneStaleAfter:  v.GetDuration("janitor.prune_stale_after"),
			PruneLimit:       v.GetInt("janitor.prune_limit"),
			DeleteEnabled:    v.GetBool("janitor.delete_enabled"),
			DeleteInterval:   v.GetDuration("janitor.delete_interval"),
			DeleteStaleAfter: v.GetDuration("janitor.delete_stale_after"),
			DeleteLimit:      v.GetInt("janitor.delete_limit"),
			BatchSize:        v.GetInt("janitor.batch_size"),
			ClaimTTL:         v.GetDuration("janitor.claim_ttl"),
		},
		Usage: UsageConfig{
			Enabled:   v.GetBool("usage.enabled"),
			Interval:  v.GetDuration("usage.interval"),
			BatchSize: v.GetInt("usage.batch_size"),
		},
		Tracing: TracingConfig{
			Enabled:     v.GetBool("tracing.enabled"),
			Endpoint:    v.GetString("tracing.endpoint"),
			Protocol:    v.GetString("tracing.protocol"),
			Insecure:    v.GetBool("tracing.insecure"),
			SampleRatio: v.GetFloat64("tracing.sample_ratio"),
		},
	}

	cfg.Replica = cfg.Database
	if host := v.GetString("replica.host"); host != "" {
		replica := databaseConfig(v, "replica")
		cfg.Replica = mergeDatabase(replica, cfg.Database)
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func databaseConfig(v *viper.Viper, prefix string) DatabaseConfig {
	return DatabaseConfig{
		Host:            v.GetString(prefix + ".host"),
		Port:            v.GetString(prefix + ".port"),
		User:            v.GetString(prefix + ".user"),
		Password:        v.GetString(prefix + ".password"),
		Name:            v.GetString(prefix + ".name"),
		SSLMode:         v.GetString(prefix + ".sslmode"),
		MaxOpenConns:    v.GetInt(prefix + ".max_open_conns"),
		MaxIdleConns:    v.GetInt(prefix + ".max_idle_conns"),
		ConnMaxLifetime: v.GetDuration(prefix + ".conn_max_lifetime"),
	}
}

// mergeDatabase fills the unset fields of c from fallback.
func mergeDatabase(c, fallback DatabaseConfig) DatabaseConfig {
	if c.Port == "" {
		c.Port = fallback.Port
	}
	if c.User == "" {
		c.User = fallback.User
	}
	if c.Password == "" {
		c.Password = fallback.Password
	}
	if c.Name == "" {
		c.Name = fallback.Name
	}
	if c.SSLMode == "" {
		c.SSLMode = fallback.SSLMode
	}
	if c.MaxOpenConns == 0 {
		c.MaxOpenConns = fallback.MaxOpenConns
	}
	if c.MaxIdleConns == 0 {
		c.MaxIdleConns = fallback.MaxIdleConns
	}
	if c.ConnMaxLifetime == 0 {
		c.ConnMaxLifetime = fallback.ConnMaxLifetime
	}
	return c
}

func (c Config) validate() error {
	if strings.TrimSpace(c.Database.Host) == "" {
		return fmt.Errorf("database.host is required")
	}
	if strings.TrimSpace(c.Database.Name) == "" {
		return fmt.Errorf("database.name is required")
	}
	if c.Records.BatchSize <= 0 {
		return fmt.Errorf("records.batch_size must be positive")
	}
	if c.Records.DefaultLimit <= 0 || c.Records.MaxLimit < c.Records.DefaultLimit {
		return fmt.Errorf("records.max_limit must be at least records.default_limit")
	}
	if c.Usage.Enabled && c.Usage.Interval <= 0 {
		return fmt.Errorf("usage.interval must be positive")
	}
	if c.Records.RetryAttempts <= 0 {
		return fmt.Errorf("records.retry_attempts must be positive")
	}
	if c.Kafka.Enabled && strings.TrimSpace(c.Kafka.Brokers) == "" {
		return fmt.Errorf("kafka.brokers is required when kafka is enabled")
	}
	if c.Kafka.Enabled && strings.TrimSpace(c.Kafka.Topic) == "" {
		return fmt.Errorf("kafka.topic is required when kafka is enabled")
	}
	switch c.Tracing.Protocol {
	case "grpc", "http":
	default:
		return fmt.Errorf("tracing.protocol must be grpc or http, got %q", c.Tracing.Protocol)
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		return fmt.Errorf("tracing.sample_ratio must be between 0 and 1")
	}
	return nil
}
