// Package config loads and validates application configuration from YAML files
// with environment-variable overrides. It provides typed structs for every
// subsystem (Postgres, Kafka, Redis, Indexer, Logging, Metrics).
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level application configuration.
type Config struct {
	Postgres PostgresConfig `yaml:"postgres"`
	Kafka    KafkaConfig    `yaml:"kafka"`
	Redis    RedisConfig    `yaml:"redis"`
	Indexer  IndexerConfig  `yaml:"indexer"`
	Logging  LoggingConfig  `yaml:"logging"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	Database        string        `yaml:"database"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	SSLMode         string        `yaml:"sslMode"`
	MaxOpenConns    int           `yaml:"maxOpenConns"`
	MaxIdleConns    int           `yaml:"maxIdleConns"`
	ConnMaxLifetime time.Duration `yaml:"connMaxLifetime"`
	// ConnectAttempts bounds the pings made before giving up at startup.
	ConnectAttempts int `yaml:"connectAttempts"`
}

// DSN returns a lib/pq-compatible data source name.
func (p PostgresConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		p.Host, p.Port, p.User, p.Password, p.Database, p.SSLMode,
	)
}

// KafkaConfig holds Kafka broker and topic settings.
type KafkaConfig struct {
	Brokers       []string    `yaml:"brokers"`
	ConsumerGroup string      `yaml:"consumerGroup"`
	Topics        KafkaTopics `yaml:"topics"`
	// StartOffset is "first" or "last" and applies to new consumer groups.
	StartOffset string `yaml:"startOffset"`
	// MaxMessageBytes bounds fetched and produced messages; document
	// batches are large.
	MaxMessageBytes int `yaml:"maxMessageBytes"`
	// Compression is none, gzip, snappy, lz4 or zstd.
	Compression string `yaml:"compression"`
	// HandlerAttempts is how many times a message is handled before it is
	// sent to the dead-letter topic.
	HandlerAttempts int `yaml:"handlerAttempts"`
}

// Validate reports the first invalid kafka setting.
func (k KafkaConfig) Validate() error {
	switch k.StartOffset {
	case "first", "last":
	default:
		return fmt.Errorf("unknown start offset %q", k.StartOffset)
	}
	switch k.Compression {
	case "none", "gzip", "snappy", "lz4", "zstd":
	default:
		return fmt.Errorf("unknown compression %q", k.Compression)
	}
	if k.HandlerAttempts < 1 {
		return fmt.Errorf("handlerAttempts must be at least 1, got %d", k.HandlerAttempts)
	}
	return nil
}

// KafkaTopics maps logical topic names to their Kafka topic strings.
type KafkaTopics struct {
	DocumentBatches string `yaml:"documentBatches"`
	IndexComplete   string `yaml:"indexComplete"`
	// DeadLetter receives batches that kept failing. Empty disables it.
	DeadLetter string `yaml:"deadLetter"`
}

// RedisConfig holds Redis connection parameters and the search cache key
// prefix invalidated after each committed batch.
type RedisConfig struct {
	Addr        string `yaml:"addr"`
	Password    string `yaml:"password"`
	DB          int    `yaml:"db"`
	PoolSize    int    `yaml:"poolSize"`
	CachePrefix string `yaml:"cachePrefix"`
	// ScanCount is the COUNT hint of the SCAN calls used to invalidate keys.
	ScanCount   int           `yaml:"scanCount"`
	DialTimeout time.Duration `yaml:"dialTimeout"`
}

// Update methods.
const (
	ReplaceDocuments = "replace"
	UpdateDocuments  = "update"
)

// Deletion strategies.
const (
	DeletionSoft       = "soft"
	DeletionAlwaysHard = "always-hard"
)

// Chunk compression codecs.
const (
	CompressionNone   = "none"
	CompressionSnappy = "snappy"
	CompressionZstd   = "zstd"
	CompressionLZ4    = "lz4"
)

// IndexerConfig controls the indexing pipeline: spill thresholds, chunking,
// parallelism, prefix databases and update semantics.
type IndexerConfig struct {
	DataDir                   string `yaml:"dataDir"`
	TempDir                   string `yaml:"tempDir"`
	MaxMemory                 int64  `yaml:"maxMemory"`
	MaxNbChunks               int    `yaml:"maxNbChunks"`
	ChunkCompressionType      string `yaml:"chunkCompressionType"`
	ChunkCompressionLevel     int    `yaml:"chunkCompressionLevel"`
	DocumentsChunkSize        int    `yaml:"documentsChunkSize"`
	MaxThreads                int    `yaml:"maxThreads"`
	MaxPositionsPerAttributes int    `yaml:"maxPositionsPerAttributes"`
	WordsPrefixThreshold      int    `yaml:"wordsPrefixThreshold"`
	MaxPrefixLength           int    `yaml:"maxPrefixLength"`
	UpdateMethod              string `yaml:"updateMethod"`
	DeletionStrategy          string `yaml:"deletionStrategy"`
	AutogenerateDocids        bool   `yaml:"autogenerateDocids"`
	SyncWrites                bool   `yaml:"syncWrites"`
}

// Validate reports the first invalid indexer setting.
func (c IndexerConfig) Validate() error {
	switch c.ChunkCompressionType {
	case CompressionNone, CompressionSnappy, CompressionZstd, CompressionLZ4:
	default:
		return fmt.Errorf("unknown chunk compression type %q", c.ChunkCompressionType)
	}
	switch c.UpdateMethod {
	case ReplaceDocuments, UpdateDocuments:
	default:
		return fmt.Errorf("unknown update method %q", c.UpdateMethod)
	}
	switch c.DeletionStrategy {
	case DeletionSoft, DeletionAlwaysHard:
	default:
		return fmt.Errorf("unknown deletion strategy %q", c.DeletionStrategy)
	}
	if c.MaxPrefixLength < 1 {
		return fmt.Errorf("maxPrefixLength must be at least 1, got %d", c.MaxPrefixLength)
	}
	if c.WordsPrefixThreshold < 1 {
		return fmt.Errorf("wordsPrefixThreshold must be at least 1, got %d", c.WordsPrefixThreshold)
	}
	if c.DocumentsChunkSize <= 0 {
		return fmt.Errorf("documentsChunkSize must be positive, got %d", c.DocumentsChunkSize)
	}
	if c.MaxPositionsPerAttributes <= 0 {
		return fmt.Errorf("maxPositionsPerAttributes must be positive, got %d", c.MaxPositionsPerAttributes)
	}
	return nil
}

// LoggingConfig controls structured logging level and output format.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig controls the Prometheus metrics server.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// Load reads a YAML config file (if provided) and applies environment-variable
// overrides. It returns a Config populated with sensible defaults for any
// missing values.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}
	applyEnvOverrides(cfg)
	if err := cfg.Indexer.Validate(); err != nil {
		return nil, fmt.Errorf("invalid indexer config: %w", err)
	}
	if err := cfg.Kafka.Validate(); err != nil {
		return nil, fmt.Errorf("invalid kafka config: %w", err)
	}
	return cfg, nil
}

// DefaultIndexerConfig returns the indexer defaults; tests start from it.
func DefaultIndexerConfig() IndexerConfig {
	return IndexerConfig{
		DataDir:                   "data/indexes",
		TempDir:                   os.TempDir(),
		MaxMemory:                 512 << 20,
		MaxNbChunks:               16,
		ChunkCompressionType:      CompressionSnappy,
		ChunkCompressionLevel:     0,
		DocumentsChunkSize:        4 << 20,
		MaxThreads:                4,
		MaxPositionsPerAttributes: 65535,
		WordsPrefixThreshold:      100,
		MaxPrefixLength:           4,
		UpdateMethod:              ReplaceDocuments,
		DeletionStrategy:          DeletionSoft,
		AutogenerateDocids:        false,
	}
}

// defaultConfig returns a Config with defaults for local development.
func defaultConfig() *Config {
	return &Config{
		Postgres: PostgresConfig{
			Host:            "localhost",
			Port:            5432,
			Database:        "searchindexer",
			User:            "searchindexer",
			Password:        "localdev",
			SSLMode:         "disable",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
			ConnectAttempts: 3,
		},
		Kafka: KafkaConfig{
			Brokers:       []string{"localhost:9092"},
			ConsumerGroup: "searchindexer-group",
			Topics: KafkaTopics{
				DocumentBatches: "document-batches",
				IndexComplete:   "index.complete",
				DeadLetter:      "document-batches.dlq",
			},
			StartOffset:     "first",
			MaxMessageBytes: 100 << 20,
			Compression:     "zstd",
			HandlerAttempts: 3,
		},
		Redis: RedisConfig{
			Addr:        "localhost:6379",
			Password:    "",
			DB:          0,
			PoolSize:    10,
			CachePrefix: "search",
			ScanCount:   500,
			DialTimeout: 5 * time.Second,
		},
		Indexer: DefaultIndexerConfig(),
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
		},
	}
}

// applyEnvOverrides reads SP_* environment variables and overrides the
// corresponding config fields.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SP_POSTGRES_HOST"); v != "" {
		cfg.Postgres.Host = v
	}
	if v := os.Getenv("SP_POSTGRES_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Postgres.Port = port
		}
	}
	if v := os.Getenv("SP_POSTGRES_DATABASE"); v != "" {
		cfg.Postgres.Database = v
	}
	if v := os.Getenv("SP_POSTGRES_USER"); v != "" {
		cfg.Postgres.User = v
	}
	if v := os.Getenv("SP_POSTGRES_PASSWORD"); v != "" {
		cfg.Postgres.Password = v
	}
	if v := os.Getenv("SP_POSTGRES_SSLMODE"); v != "" {
		cfg.Postgres.SSLMode = v
	}
	if v := os.Getenv("SP_KAFKA_BROKERS"); v != "" {
		cfg.Kafka.Brokers = strings.Split(v, ",")
	}
	if v := os.Getenv("SP_KAFKA_CONSUMER_GROUP"); v != "" {
		cfg.Kafka.ConsumerGroup = v
	}
	if v := os.Getenv("SP_KAFKA_DEAD_LETTER_TOPIC"); v != "" {
		cfg.Kafka.Topics.DeadLetter = v
	}
	if v := os.Getenv("SP_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("SP_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("SP_LOGGING_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("SP_LOGGING_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
	if v := os.Getenv("SP_INDEXER_DATA_DIR"); v != "" {
		cfg.Indexer.DataDir = v
	}
	if v := os.Getenv("SP_INDEXER_TEMP_DIR"); v != "" {
		cfg.Indexer.TempDir = v
	}
	if v := os.Getenv("SP_INDEXER_MAX_MEMORY"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Indexer.MaxMemory = n
		}
	}
	if v := os.Getenv("SP_INDEXER_MAX_THREADS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Indexer.MaxThreads = n
		}
	}
	if v := os.Getenv("SP_INDEXER_CHUNK_COMPRESSION"); v != "" {
		cfg.Indexer.ChunkCompressionType = v
	}
	if v := os.Getenv("SP_INDEXER_UPDATE_METHOD"); v != "" {
		cfg.Indexer.UpdateMethod = v
	}
	if v := os.Getenv("SP_INDEXER_DELETION_STRATEGY"); v != "" {
		cfg.Indexer.DeletionStrategy = v
	}
}
