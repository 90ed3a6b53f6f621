// Package config handles configuration loading for the CEF ingest service.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// DefaultConfigPath is read when CEF_CONFIG_PATH is unset.
const DefaultConfigPath = "configs/config.yaml"

// Config holds the complete application configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Ingest     IngestConfig     `yaml:"ingest"`
	Dictionary DictionaryConfig `yaml:"dictionary"`
	Queue      QueueConfig      `yaml:"queue"`
	Validation ValidationConfig `yaml:"validation"`
	Consumer   ConsumerConfig   `yaml:"consumer"`
	Auth       AuthConfig       `yaml:"auth"`
	RateLimit  RateLimitConfig  `yaml:"rate_limit"`
	Headers    HeadersConfig    `yaml:"security_headers"`
	Logging    LoggingConfig    `yaml:"logging"`
	Kafka      KafkaConfig      `yaml:"kafka"`
	Storage    StorageConfig    `yaml:"storage"`
	Archive    ArchiveConfig    `yaml:"archive"`
	Recent     RecentConfig     `yaml:"recent"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	HTTPPort     int           `yaml:"http_port" validate:"min=1,max=65535"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// IngestConfig holds ingestion settings.
type IngestConfig struct {
	MaxBatchSize   int          `yaml:"max_batch_size" validate:"min=1"`
	MaxPayloadSize int          `yaml:"max_payload_size" validate:"min=1"`
	UDP            UDPConfig    `yaml:"udp"`
	DTLS           DTLSConfig   `yaml:"dtls"`
	TCP            TCPConfig    `yaml:"tcp"`
	Parser         ParserConfig `yaml:"parser"`
}

// UDPConfig holds plain UDP listener settings.
type UDPConfig struct {
	Enabled        bool   `yaml:"enabled"`
	Address        string `yaml:"address" validate:"required_if=Enabled true"`
	BufferSize     int    `yaml:"buffer_size"`
	Workers        int    `yaml:"workers" validate:"min=0"`
	MaxMessageSize int    `yaml:"max_message_size" validate:"min=0"`
}

// DTLSConfig holds DTLS (secure UDP) listener settings.
type DTLSConfig struct {
	Enabled           bool          `yaml:"enabled"`
	Address           string        `yaml:"address" validate:"required_if=Enabled true"`
	CertFile          string        `yaml:"cert_file"`
	KeyFile           string        `yaml:"key_file"`
	CAFile            string        `yaml:"ca_file"`
	RequireClientCert bool          `yaml:"require_client_cert"`
	Workers           int           `yaml:"workers" validate:"min=0"`
	MaxMessageSize    int           `yaml:"max_message_size" validate:"min=0"`
	ConnectionTimeout time.Duration `yaml:"connection_timeout"`
	IdleTimeout       time.Duration `yaml:"idle_timeout"`
	AllowInsecure     bool          `yaml:"allow_insecure"` // plain UDP when no certificate is configured
}

// TCPConfig holds TCP listener settings.
type TCPConfig struct {
	Enabled        bool          `yaml:"enabled"`
	Address        string        `yaml:"address" validate:"required_if=Enabled true"`
	TLSEnabled     bool          `yaml:"tls_enabled"`
	TLSCertFile    string        `yaml:"tls_cert_file" validate:"required_if=TLSEnabled true"`
	TLSKeyFile     string        `yaml:"tls_key_file" validate:"required_if=TLSEnabled true"`
	MaxConnections int           `yaml:"max_connections" validate:"min=0"`
	IdleTimeout    time.Duration `yaml:"idle_timeout"`
	MaxLineLength  int           `yaml:"max_line_length" validate:"min=0"`
}

// ParserConfig holds CEF parser settings.
type ParserConfig struct {
	MaxExtensions int  `yaml:"max_extensions" validate:"min=0"`
	MaxLineLength int  `yaml:"max_line_length" validate:"min=0"`
	TrimNewline   bool `yaml:"trim_newline"`
}

// DictionaryConfig points at extension dictionaries merged over the built-in one.
type DictionaryConfig struct {
	Paths []string `yaml:"paths"`
}

// QueueConfig holds queue settings.
type QueueConfig struct {
	Size int `yaml:"size" validate:"min=1"`
}

// ValidationConfig holds record validation settings.
type ValidationConfig struct {
	MaxEventAge     time.Duration `yaml:"max_event_age"`
	MaxFuture       time.Duration `yaml:"max_future"`
	RequireComplete bool          `yaml:"require_complete"`
}

// ConsumerConfig holds consumer settings.
type ConsumerConfig struct {
	Workers      int           `yaml:"workers" validate:"min=1"`
	PollInterval time.Duration `yaml:"poll_interval"`
	ShutdownWait time.Duration `yaml:"shutdown_wait"`
	LogRecords   bool          `yaml:"log_records"`
}

// AuthConfig holds API key authentication settings. Keys starting with "$2"
// are bcrypt hashes.
type AuthConfig struct {
	Enabled      bool     `yaml:"enabled"`
	APIKeyHeader string   `yaml:"api_key_header" validate:"required"`
	APIKeys      []string `yaml:"api_keys" validate:"required_if=Enabled true"`
	ExemptPaths  []string `yaml:"exempt_paths"`
}

// RateLimitConfig holds rate limiting settings.
type RateLimitConfig struct {
	Enabled       bool          `yaml:"enabled"`
	RequestsPerIP int           `yaml:"requests_per_ip" validate:"min=0"` // Max requests per IP per window
	WindowSize    time.Duration `yaml:"window_size"`                      // Time window for rate limiting
	BurstSize     int           `yaml:"burst_size" validate:"min=0"`      // Allowed above the limit
	CleanupPeriod time.Duration `yaml:"cleanup_period"`
	ExemptPaths   []string      `yaml:"exempt_paths"`
	TrustProxy    bool          `yaml:"trust_proxy"` // Trust X-Forwarded-For header

	// LinesPerSource caps lines per sending host per window on the TCP, UDP
	// and DTLS listeners. 0 disables the cap.
	LinesPerSource int `yaml:"lines_per_source" validate:"min=0"`
}

// HeadersConfig holds the security headers set on every HTTP response.
type HeadersConfig struct {
	Enabled               bool              `yaml:"enabled"`
	HSTSMaxAge            int               `yaml:"hsts_max_age" validate:"min=0"` // 0 omits Strict-Transport-Security
	FrameOptions          string            `yaml:"frame_options" validate:"omitempty,oneof=DENY SAMEORIGIN"`
	ContentSecurityPolicy string            `yaml:"content_security_policy"`
	ReferrerPolicy        string            `yaml:"referrer_policy"`
	Custom                map[string]string `yaml:"custom"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" validate:"oneof=json text"`
}

// KafkaConfig holds Kafka input and output settings.
type KafkaConfig struct {
	Brokers           []string      `yaml:"brokers" validate:"required_if=OutputEnabled true,required_if=InputEnabled true"`
	ClientID          string        `yaml:"client_id"`
	OutputEnabled     bool          `yaml:"output_enabled"`
	OutputTopic       string        `yaml:"output_topic" validate:"required_if=OutputEnabled true"`
	InputEnabled      bool          `yaml:"input_enabled"`
	InputTopic        string        `yaml:"input_topic" validate:"required_if=InputEnabled true"`
	GroupID           string        `yaml:"group_id"`
	CreateTopics      bool          `yaml:"create_topics"`
	Partitions        int           `yaml:"partitions" validate:"min=0"`
	ReplicationFactor int           `yaml:"replication_factor" validate:"min=0"`
	Compression       string        `yaml:"compression" validate:"omitempty,oneof=none gzip snappy lz4 zstd"`
	BatchSize         int           `yaml:"batch_size"`
	BatchTimeout      time.Duration `yaml:"batch_timeout"`
	SASLEnabled       bool          `yaml:"sasl_enabled"`
	SASLMechanism     string        `yaml:"sasl_mechanism" validate:"omitempty,oneof=PLAIN SCRAM-SHA-256 SCRAM-SHA-512"`
	SASLUsername      string        `yaml:"sasl_username"`
	SASLPassword      string        `yaml:"sasl_password"`
	TLSEnabled        bool          `yaml:"tls_enabled"`
	TLSCAFile         string        `yaml:"tls_ca_file"`
}

// StorageConfig holds storage settings.
type StorageConfig struct {
	Enabled     bool              `yaml:"enabled"`
	ClickHouse  ClickHouseConfig  `yaml:"clickhouse"`
	BatchWriter BatchWriterConfig `yaml:"batch_writer"`
}

// ClickHouseConfig holds ClickHouse connection settings.
type ClickHouseConfig struct {
	Hosts           []string      `yaml:"hosts"`
	Database        string        `yaml:"database"`
	Username        string        `yaml:"username"`
	Password        string        `yaml:"password"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	TLSEnabled      bool          `yaml:"tls_enabled"`
	DialTimeout     time.Duration `yaml:"dial_timeout"`
	RetentionDays   int           `yaml:"retention_days"`
}

// BatchWriterConfig holds batch writer settings.
type BatchWriterConfig struct {
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	MaxRetries    int           `yaml:"max_retries"`
	RetryDelay    time.Duration `yaml:"retry_delay"`
}

// ArchiveConfig holds S3 archive settings.
type ArchiveConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Bucket          string        `yaml:"bucket" validate:"required_if=Enabled true"`
	Prefix          string        `yaml:"prefix"`
	Region          string        `yaml:"region"`
	Endpoint        string        `yaml:"endpoint"`
	AccessKeyID     string        `yaml:"access_key_id"`
	SecretAccessKey string        `yaml:"secret_access_key"`
	UsePathStyle    bool          `yaml:"use_path_style"`
	StorageClass    string        `yaml:"storage_class"`
	MaxObjectBytes  int           `yaml:"max_object_bytes"`
	FlushInterval   time.Duration `yaml:"flush_interval"`
}

// RecentConfig holds settings for the recent-records view.
type RecentConfig struct {
	Backend       string `yaml:"backend" validate:"oneof=memory redis"`
	Capacity      int    `yaml:"capacity" validate:"min=1"`
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
	RedisKey      string `yaml:"redis_key"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			HTTPPort:     8080,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
		Ingest: IngestConfig{
			MaxBatchSize:   1000,
			MaxPayloadSize: 10 * 1024 * 1024, // 10MB
			UDP: UDPConfig{
				Enabled:        false,
				Address:        ":5514",
				BufferSize:     16 * 1024 * 1024,
				Workers:        8,
				MaxMessageSize: 65535,
			},
			DTLS: DTLSConfig{
				Enabled:           false, // Enable when certificates are configured
				Address:           ":5516",
				Workers:           8,
				MaxMessageSize:    65535,
				ConnectionTimeout: 30 * time.Second,
				IdleTimeout:       5 * time.Minute,
			},
			TCP: TCPConfig{
				Enabled:        true,
				Address:        ":5515",
				MaxConnections: 1000,
				IdleTimeout:    5 * time.Minute,
				MaxLineLength:  65535,
			},
			Parser: ParserConfig{
				MaxExtensions: 0,
				MaxLineLength: 65535,
				TrimNewline:   true,
			},
		},
		Queue: QueueConfig{
			Size: 100000,
		},
		Validation: ValidationConfig{
			MaxFuture:       24 * time.Hour,
			RequireComplete: true,
		},
		Consumer: ConsumerConfig{
			Workers:      4,
			PollInterval: 100 * time.Millisecond,
			ShutdownWait: 30 * time.Second,
		},
		Auth: AuthConfig{
			Enabled:      false, // Disabled by default for development
			APIKeyHeader: "X-API-Key",
			ExemptPaths:  []string{"/health"},
		},
		RateLimit: RateLimitConfig{
			Enabled:       true,
			RequestsPerIP: 1000,
			WindowSize:    time.Minute,
			BurstSize:     50,
			CleanupPeriod: 5 * time.Minute,
			ExemptPaths:   []string{"/health", "/metrics"},
		},
		Headers: HeadersConfig{
			Enabled:               true,
			FrameOptions:          "DENY",
			ContentSecurityPolicy: "default-src 'none'; frame-ancestors 'none'",
			ReferrerPolicy:        "no-referrer",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Kafka: KafkaConfig{
			Brokers:           []string{"localhost:9092"},
			ClientID:          "cef-ingest",
			OutputTopic:       "cef-records",
			InputTopic:        "cef-raw",
			GroupID:           "cef-ingest",
			Partitions:        6,
			ReplicationFactor: 1,
			Compression:       "snappy",
			BatchSize:         100,
			BatchTimeout:      time.Second,
		},
		Storage: StorageConfig{
			Enabled: false, // Disabled by default for development without ClickHouse
			ClickHouse: ClickHouseConfig{
				Hosts:           []string{"localhost:9000"},
				Database:        "cef",
				Username:        "default",
				MaxOpenConns:    10,
				MaxIdleConns:    5,
				ConnMaxLifetime: time.Hour,
				DialTimeout:     10 * time.Second,
				RetentionDays:   90,
			},
			BatchWriter: BatchWriterConfig{
				BatchSize:     1000,
				FlushInterval: 5 * time.Second,
				MaxRetries:    3,
				RetryDelay:    time.Second,
			},
		},
		Archive: ArchiveConfig{
			Prefix:         "cef",
			Region:         "us-east-1",
			StorageClass:   "STANDARD",
			MaxObjectBytes: 8 * 1024 * 1024,
			FlushInterval:  time.Minute,
		},
		Recent: RecentConfig{
			Backend:   "memory",
			Capacity:  500,
			RedisAddr: "localhost:6379",
			RedisKey:  "cef:recent",
		},
	}
}

// Load loads configuration from a file or returns defaults. Environment
// overrides apply in both cases.
func Load() (*Config, error) {
	configPath := os.Getenv("CEF_CONFIG_PATH")
	if configPath == "" {
		configPath = DefaultConfigPath
	}
	return LoadFile(configPath)
}

// LoadFile loads configuration from path. A missing file yields defaults.
func LoadFile(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("failed to read config file: %w", err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() error {
	if err := envInt("CEF_HTTP_PORT", &c.Server.HTTPPort); err != nil {
		return err
	}

	if level := os.Getenv("CEF_LOG_LEVEL"); level != "" {
		c.Logging.Level = strings.ToLower(level)
	}
	if format := os.Getenv("CEF_LOG_FORMAT"); format != "" {
		c.Logging.Format = strings.ToLower(format)
	}

	if apiKey := os.Getenv("CEF_API_KEY"); apiKey != "" {
		c.Auth.APIKeys = append(c.Auth.APIKeys, apiKey)
		c.Auth.Enabled = true
	}

	if paths := os.Getenv("CEF_DICTIONARY_PATHS"); paths != "" {
		c.Dictionary.Paths = splitAndTrim(paths, ",")
	}

	// Kafka settings
	if brokers := os.Getenv("CEF_KAFKA_BROKERS"); brokers != "" {
		c.Kafka.Brokers = splitAndTrim(brokers, ",")
	}
	envBool("CEF_KAFKA_OUTPUT_ENABLED", &c.Kafka.OutputEnabled)
	envBool("CEF_KAFKA_INPUT_ENABLED", &c.Kafka.InputEnabled)
	if user := os.Getenv("CEF_KAFKA_SASL_USERNAME"); user != "" {
		c.Kafka.SASLUsername = user
		c.Kafka.SASLEnabled = true
	}
	if pass := os.Getenv("CEF_KAFKA_SASL_PASSWORD"); pass != "" {
		c.Kafka.SASLPassword = pass
	}

	// Storage settings
	envBool("CEF_STORAGE_ENABLED", &c.Storage.Enabled)
	if host := os.Getenv("CLICKHOUSE_HOST"); host != "" {
		c.Storage.ClickHouse.Hosts = splitAndTrim(host, ",")
	}
	if db := os.Getenv("CLICKHOUSE_DATABASE"); db != "" {
		c.Storage.ClickHouse.Database = db
	}
	if user := os.Getenv("CLICKHOUSE_USER"); user != "" {
		c.Storage.ClickHouse.Username = user
	}
	if pass := os.Getenv("CLICKHOUSE_PASSWORD"); pass != "" {
		c.Storage.ClickHouse.Password = pass
	}

	// Archive settings
	if bucket := os.Getenv("CEF_S3_BUCKET"); bucket != "" {
		c.Archive.Bucket = bucket
		c.Archive.Enabled = true
	}
	if endpoint := os.Getenv("CEF_S3_ENDPOINT"); endpoint != "" {
		c.Archive.Endpoint = endpoint
	}
	if key := os.Getenv("AWS_ACCESS_KEY_ID"); key != "" {
		c.Archive.AccessKeyID = key
	}
	if secret := os.Getenv("AWS_SECRET_ACCESS_KEY"); secret != "" {
		c.Archive.SecretAccessKey = secret
	}

	// Recent store settings
	if addr := os.Getenv("CEF_REDIS_ADDR"); addr != "" {
		c.Recent.RedisAddr = addr
		c.Recent.Backend = "redis"
	}
	if pass := os.Getenv("CEF_REDIS_PASSWORD"); pass != "" {
		c.Recent.RedisPassword = pass
	}

	// Rate limit settings
	envBool("CEF_RATELIMIT_ENABLED", &c.RateLimit.Enabled)
	if err := envInt("CEF_RATELIMIT_RPS", &c.RateLimit.RequestsPerIP); err != nil {
		return err
	}
	return envInt("CEF_RATELIMIT_BURST", &c.RateLimit.BurstSize)
}

func envInt(name string, dst *int) error {
	v := os.Getenv(name)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return fmt.Errorf("invalid %s: %w", name, err)
	}
	*dst = n
	return nil
}

func envBool(name string, dst *bool) {
	switch strings.ToLower(os.Getenv(name)) {
	case "true", "1", "yes":
		*dst = true
	case "false", "0", "no":
		*dst = false
	}
}

// splitAndTrim splits a string by separator and drops empty parts.
func splitAndTrim(s, sep string) []string {
	parts := make([]string, 0)
	for _, part := range strings.Split(s, sep) {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			parts = append(parts, trimmed)
		}
	}
	return parts
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if c.Ingest.DTLS.Enabled && !c.Ingest.DTLS.AllowInsecure &&
		(c.Ingest.DTLS.CertFile == "" || c.Ingest.DTLS.KeyFile == "") {
		return fmt.Errorf("dtls requires cert_file and key_file unless allow_insecure is set")
	}

	if c.Kafka.SASLEnabled && (c.Kafka.SASLUsername == "" || c.Kafka.SASLPassword == "") {
		return fmt.Errorf("kafka sasl requires username and password")
	}

	if c.Storage.Enabled && len(c.Storage.ClickHouse.Hosts) == 0 {
		return fmt.Errorf("storage enabled but no clickhouse hosts configured")
	}

	if c.Recent.Backend == "redis" && c.Recent.RedisAddr == "" {
		return fmt.Errorf("recent backend redis requires redis_addr")
	}

	return nil
}
