// Package kafka carries CEF traffic over Kafka. A Producer publishes
// normalized records as a consumer sink, and a Consumer feeds raw lines from
// an input topic into the ingest pipeline.
package kafka

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/sasl"
	"github.com/segmentio/kafka-go/sasl/plain"
	"github.com/segmentio/kafka-go/sasl/scram"

	"cef-viewer/internal/config"
)

// Config is the client view of a single topic. Connection settings come
// from the application config; the remaining fields are tuning knobs that
// NewConfig fills with defaults.
type Config struct {
	config.KafkaConfig

	Topic string

	RetentionMs     int64
	MaxMessageBytes int
	RequiredAcks    kafka.RequiredAcks
	MaxRetries      int
	RetryBackoff    time.Duration

	StartOffset    int64
	CommitInterval time.Duration
	MaxWait        time.Duration

	DialTimeout time.Duration
	IOTimeout   time.Duration
}

var codecs = map[string]kafka.Compression{
	"gzip":   kafka.Gzip,
	"snappy": kafka.Snappy,
	"lz4":    kafka.Lz4,
	"zstd":   kafka.Zstd,
}

// NewConfig builds the client config for topic. Zero values in app take
// the package defaults.
func NewConfig(app config.KafkaConfig, topic string) *Config {
	if len(app.Brokers) == 0 {
		app.Brokers = []string{"localhost:9092"}
	}
	if app.ClientID == "" {
		app.ClientID = "cef-ingest"
	}
	if app.GroupID == "" {
		app.GroupID = app.ClientID
	}
	if app.Compression == "" {
		app.Compression = "lz4"
	}
	if app.BatchSize <= 0 {
		app.BatchSize = 100
	}
	if app.BatchTimeout <= 0 {
		app.BatchTimeout = 10 * time.Millisecond
	}
	if app.Partitions <= 0 {
		app.Partitions = 6
	}
	if app.ReplicationFactor <= 0 {
		app.ReplicationFactor = 1
	}

	return &Config{
		KafkaConfig:     app,
		Topic:           topic,
		RetentionMs:     (7 * 24 * time.Hour).Milliseconds(),
		MaxMessageBytes: 1 << 20,
		RequiredAcks:    kafka.RequireAll,
		MaxRetries:      3,
		RetryBackoff:    100 * time.Millisecond,
		StartOffset:     kafka.FirstOffset,
		MaxWait:         500 * time.Millisecond,
		DialTimeout:     10 * time.Second,
		IOTimeout:       30 * time.Second,
	}
}

// Validate checks the settings a client needs before it dials.
func (c *Config) Validate() error {
	switch {
	case len(c.Brokers) == 0:
		return errors.New("kafka: no brokers configured")
	case c.Topic == "":
		return errors.New("kafka: topic is required")
	case c.Partitions < 1 || c.ReplicationFactor < 1:
		return fmt.Errorf("kafka: topic %s needs at least one partition and replica", c.Topic)
	}
	if _, ok := codecs[c.Compression]; !ok && c.Compression != "none" && c.Compression != "" {
		return fmt.Errorf("kafka: unknown compression %q", c.Compression)
	}
	if c.SASLEnabled {
		if _, err := c.mechanism(); err != nil {
			return err
		}
	}
	return nil
}

// codec returns the writer compression; zero means uncompressed.
func (c *Config) codec() kafka.Compression {
	return codecs[c.Compression]
}

// dialer returns a dialer carrying the configured TLS and SASL settings.
func (c *Config) dialer() (*kafka.Dialer, error) {
	d := &kafka.Dialer{
		ClientID:  c.ClientID,
		Timeout:   c.DialTimeout,
		DualStack: true,
	}
	if c.TLSEnabled {
		tc, err := c.tlsConfig()
		if err != nil {
			return nil, err
		}
		d.TLS = tc
	}
	if c.SASLEnabled {
		m, err := c.mechanism()
		if err != nil {
			return nil, err
		}
		d.SASLMechanism = m
	}
	return d, nil
}

func (c *Config) tlsConfig() (*tls.Config, error) {
	tc := &tls.Config{MinVersion: tls.VersionTLS12}
	if c.TLSCAFile == "" {
		return tc, nil
	}

	pem, err := os.ReadFile(c.TLSCAFile)
	if err != nil {
		return nil, fmt.Errorf("kafka: read CA file: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("kafka: no certificates in %s", c.TLSCAFile)
	}
	tc.RootCAs = pool
	return tc, nil
}

func (c *Config) mechanism() (sasl.Mechanism, error) {
	if c.SASLUsername == "" || c.SASLPassword == "" {
		return nil, errors.New("kafka: SASL needs a username and password")
	}
	switch c.SASLMechanism {
	case "", "PLAIN":
		return plain.Mechanism{Username: c.SASLUsername, Password: c.SASLPassword}, nil
	case "SCRAM-SHA-256":
		return scram.Mechanism(scram.SHA256, c.SASLUsername, c.SASLPassword)
	case "SCRAM-SHA-512":
		return scram.Mechanism(scram.SHA512, c.SASLUsername, c.SASLPassword)
	}
	return nil, fmt.Errorf("kafka: unsupported SASL mechanism %q", c.SASLMechanism)
}

// TopicSpec describes a topic to create.
type TopicSpec struct {
	Name              string
	Partitions        int
	ReplicationFactor int
	RetentionMs       int64
	MaxMessageBytes   int
}

// TopicSpec returns the topic implied by the client config.
func (c *Config) TopicSpec() TopicSpec {
	return TopicSpec{
		Name:              c.Topic,
		Partitions:        c.Partitions,
		ReplicationFactor: c.ReplicationFactor,
		RetentionMs:       c.RetentionMs,
		MaxMessageBytes:   c.MaxMessageBytes,
	}
}

func (s TopicSpec) entries() []kafka.ConfigEntry {
	var out []kafka.ConfigEntry
	if s.RetentionMs > 0 {
		out = append(out, kafka.ConfigEntry{ConfigName: "retention.ms", ConfigValue: strconv.FormatInt(s.RetentionMs, 10)})
	}
	if s.MaxMessageBytes > 0 {
		out = append(out, kafka.ConfigEntry{ConfigName: "max.message.bytes", ConfigValue: strconv.Itoa(s.MaxMessageBytes)})
	}
	return out
}

// loggers routes kafka-go's own logging through logger.
func loggers(logger *slog.Logger, component string) (kafka.Logger, kafka.Logger) {
	info := kafka.LoggerFunc(func(msg string, args ...interface{}) {
		logger.Debug(fmt.Sprintf(msg, args...), "component", component)
	})
	errs := kafka.LoggerFunc(func(msg string, args ...interface{}) {
		logger.Error(fmt.Sprintf(msg, args...), "component", component)
	})
	return info, errs
}
