package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ServerConfig is the process configuration of "rapidlog server". It is
// populated from command-line flags in one place and validated before use.
type ServerConfig struct {
	Home      string
	StoreType string // sqlite, bolt or memory
	Transport string // memory or kafka

	KafkaBrokers       []string
	KafkaTLS           bool
	KafkaSASLMechanism string
	KafkaSASLUser      string
	KafkaSASLPassword  string //nolint:gosec // G117: config field, not a hardcoded credential
	KafkaPartitions    int

	// QueueUser and QueuePassword authenticate writer sessions.
	QueueUser     string
	QueuePassword string //nolint:gosec // G117: config field, not a hardcoded credential

	ReposFile string
	Watch     bool
	Bootstrap bool
	Demo      bool

	ReloadCron    string
	RetentionCron string

	ReceiveWait time.Duration
	StopTimeout time.Duration
}

// DefaultServerConfig returns the defaults used by the CLI flags.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		StoreType:       "sqlite",
		Transport:       "memory",
		KafkaPartitions: 1,
		Bootstrap:       true,
		RetentionCron:   "0 3 * * *",
		ReceiveWait:     500 * time.Millisecond,
		StopTimeout:     30 * time.Second,
	}
}

// Validate reports every invalid setting.
func (c ServerConfig) Validate() error {
	var errs []error
	switch c.StoreType {
	case "sqlite", "bolt", "memory":
	default:
		errs = append(errs, fmt.Errorf("unknown store type %q (supported: sqlite, bolt, memory)", c.StoreType))
	}
	switch c.Transport {
	case "memory":
	case "kafka":
		if len(c.KafkaBrokers) == 0 {
			errs = append(errs, errors.New("kafka transport requires at least one broker"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown transport %q (supported: memory, kafka)", c.Transport))
	}
	if c.Watch && c.ReposFile == "" {
		errs = append(errs, errors.New("--watch requires --repos-file"))
	}
	if err := ValidateCron(c.ReloadCron); err != nil {
		errs = append(errs, fmt.Errorf("reload cron: %w", err))
	}
	if err := ValidateCron(c.RetentionCron); err != nil {
		errs = append(errs, fmt.Errorf("retention cron: %w", err))
	}
	if c.ReceiveWait <= 0 {
		errs = append(errs, fmt.Errorf("receive wait must be positive, got %s", c.ReceiveWait))
	}
	if c.StopTimeout <= 0 {
		errs = append(errs, fmt.Errorf("stop timeout must be positive, got %s", c.StopTimeout))
	}
	return errors.Join(errs...)
}

// KafkaParams flattens the Kafka settings into transport parameters.
func (c ServerConfig) KafkaParams() map[string]string {
	params := map[string]string{
		"brokers":    strings.Join(c.KafkaBrokers, ","),
		"partitions": strconv.Itoa(max(c.KafkaPartitions, 1)),
	}
	if c.KafkaTLS {
		params["tls"] = "true"
	}
	if c.KafkaSASLMechanism != "" {
		params["sasl_mechanism"] = c.KafkaSASLMechanism
		params["sasl_user"] = c.KafkaSASLUser
		params["sasl_password"] = c.KafkaSASLPassword
	}
	return params
}
