package kafka

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"

	"github.com/segmentio/kafka-go"
)

// Admin manages the topics cef-ingest reads and writes.
type Admin struct {
	cfg    *Config
	dialer *kafka.Dialer
	logger *slog.Logger
}

// NewAdmin creates an admin client for cfg's brokers.
func NewAdmin(cfg *Config, logger *slog.Logger) (*Admin, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	d, err := cfg.dialer()
	if err != nil {
		return nil, err
	}
	return &Admin{cfg: cfg, dialer: d, logger: logger}, nil
}

// connect dials the first broker that answers.
func (a *Admin) connect(ctx context.Context) (*kafka.Conn, error) {
	var last error
	for _, broker := range a.cfg.Brokers {
		conn, err := a.dialer.DialContext(ctx, "tcp", broker)
		if err == nil {
			return conn, nil
		}
		last = err
	}
	return nil, fmt.Errorf("kafka: no broker reachable: %w", last)
}

// Brokers returns the number of brokers in the cluster.
func (a *Admin) Brokers(ctx context.Context) (int, error) {
	conn, err := a.connect(ctx)
	if err != nil {
		return 0, err
	}
	defer conn.Close()

	brokers, err := conn.Brokers()
	if err != nil {
		return 0, fmt.Errorf("kafka: list brokers: %w", err)
	}
	return len(brokers), nil
}

// EnsureTopic creates topic.Name on the controller unless it exists.
func (a *Admin) EnsureTopic(ctx context.Context, topic TopicSpec) error {
	conn, err := a.connect(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	if _, err := conn.ReadPartitions(topic.Name); err == nil {
		a.logger.Debug("kafka topic exists", "topic", topic.Name)
		return nil
	}

	controller, err := conn.Controller()
	if err != nil {
		return fmt.Errorf("kafka: find controller: %w", err)
	}
	cc, err := a.dialer.DialContext(ctx, "tcp", net.JoinHostPort(controller.Host, strconv.Itoa(controller.Port)))
	if err != nil {
		return fmt.Errorf("kafka: dial controller: %w", err)
	}
	defer cc.Close()

	err = cc.CreateTopics(kafka.TopicConfig{
		Topic:             topic.Name,
		NumPartitions:     topic.Partitions,
		ReplicationFactor: topic.ReplicationFactor,
		ConfigEntries:     topic.entries(),
	})
	if err != nil {
		return fmt.Errorf("kafka: create topic %s: %w", topic.Name, err)
	}

	a.logger.Info("kafka topic created",
		"topic", topic.Name,
		"partitions", topic.Partitions,
		"replication_factor", topic.ReplicationFactor,
	)
	return nil
}
