// Package kafka provides a queue.Transport backed by Kafka using franz-go.
//
// Addresses map to topics and queues map to consumer groups subscribed to
// the address topic, so several queues on one address each see every
// message. Transacted sessions commit consumed offsets on Commit and rewind
// the consumer on Rollback. Produced messages are buffered until Commit.
//
// Kafka has no broker-side redelivery policy or role model, so
// SetAddressSettings and AddSecuritySettings return queue.ErrUnsupported.
// Delivery counts are tracked per consumer and reset when a partition moves
// to another group member.
package kafka

import (
	"cmp"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/sasl"
	"github.com/twmb/franz-go/pkg/sasl/plain"
	"github.com/twmb/franz-go/pkg/sasl/scram"

	"rapidlog/internal/logging"
	"rapidlog/internal/queue"
)

// SASLConfig holds SASL authentication parameters.
type SASLConfig struct {
	Mechanism string // "plain", "scram-sha-256", "scram-sha-512"
	User      string
	Password  string //nolint:gosec // G117: config field, not a hardcoded credential
}

// Config holds Kafka transport configuration.
type Config struct {
	Brokers           []string
	TLS               bool
	SASL              *SASLConfig
	Partitions        int32
	ReplicationFactor int16
	Logger            *slog.Logger
}

// ParseParams builds a Config from flat string parameters, as found in the
// server configuration.
func ParseParams(params map[string]string) (Config, error) {
	brokers := params["brokers"]
	if brokers == "" {
		return Config{}, fmt.Errorf("kafka transport: brokers param is required")
	}
	var cfg Config
	for b := range strings.SplitSeq(brokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			cfg.Brokers = append(cfg.Brokers, b)
		}
	}
	cfg.TLS = params["tls"] == "true"

	partitions, err := strconv.ParseInt(cmp.Or(params["partitions"], "1"), 10, 32)
	if err != nil || partitions < 1 {
		return Config{}, fmt.Errorf("kafka transport: invalid partitions %q", params["partitions"])
	}
	cfg.Partitions = int32(partitions)

	rf, err := strconv.ParseInt(cmp.Or(params["replication_factor"], "-1"), 10, 16)
	if err != nil || rf == 0 || rf < -1 {
		return Config{}, fmt.Errorf("kafka transport: invalid replication_factor %q", params["replication_factor"])
	}
	cfg.ReplicationFactor = int16(rf)

	if mech := params["sasl_mechanism"]; mech != "" {
		switch strings.ToLower(mech) {
		case "plain", "scram-sha-256", "scram-sha-512":
		default:
			return Config{}, fmt.Errorf("kafka transport: unsupported sasl_mechanism %q (supported: plain, scram-sha-256, scram-sha-512)", mech)
		}
		cfg.SASL = &SASLConfig{
			Mechanism: strings.ToLower(mech),
			User:      params["sasl_user"],
			Password:  params["sasl_password"],
		}
	}
	return cfg, nil
}

// binding records which address a queue (consumer group) reads.
type binding struct {
	address   string
	consumers int
}

// Transport is a Kafka queue.Transport.
type Transport struct {
	cfg    Config
	opts   []kgo.Opt
	client *kgo.Client // producing and admin requests
	admin  *kadm.Client
	logger *slog.Logger

	mu       sync.Mutex
	bindings map[string]*binding // by queue name
	sessions map[*session]struct{}
	closed   bool
}

var _ queue.Transport = (*Transport)(nil)

// New connects the shared producer/admin client.
func New(cfg Config) (*Transport, error) {
	opts := []kgo.Opt{kgo.SeedBrokers(cfg.Brokers...)}
	if cfg.TLS {
		opts = append(opts, kgo.DialTLSConfig(&tls.Config{
			MinVersion: tls.VersionTLS12,
		}))
	}
	if cfg.SASL != nil {
		mech, err := buildSASLMechanism(cfg.SASL)
		if err != nil {
			return nil, err
		}
		opts = append(opts, kgo.SASL(mech))
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("kafka client: %w", err)
	}
	return &Transport{
		cfg:      cfg,
		opts:     opts,
		client:   client,
		admin:    kadm.NewClient(client),
		logger:   logging.Default(cfg.Logger).With("component", "queue", "type", "kafka"),
		bindings: make(map[string]*binding),
		sessions: make(map[*session]struct{}),
	}, nil
}

// DeployQueue creates the address topic if needed and binds the queue's
// consumer group to it.
func (t *Transport) DeployQueue(ctx context.Context, address, name string, _ bool) error {
	if address == "" || name == "" {
		return fmt.Errorf("deploy queue: address and name are required")
	}
	t.mu.Lock()
	if b, ok := t.bindings[name]; ok {
		t.mu.Unlock()
		if b.address != address {
			return fmt.Errorf("deploy queue %s: already bound to address %s", name, b.address)
		}
		return nil
	}
	t.mu.Unlock()

	resp, err := t.admin.CreateTopics(ctx, cmp.Or(t.cfg.Partitions, 1), cmp.Or(t.cfg.ReplicationFactor, -1), nil, address)
	if err != nil {
		return fmt.Errorf("create topic %s: %w", address, err)
	}
	for _, r := range resp {
		if r.Err != nil && !errors.Is(r.Err, kerr.TopicAlreadyExists) {
			return fmt.Errorf("create topic %s: %w", r.Topic, r.Err)
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.bindings[name]; !ok {
		t.bindings[name] = &binding{address: address}
	}
	t.logger.Debug("queue deployed", "address", address, "queue", name)
	return nil
}

// DestroyQueue deletes the queue's consumer group. The topic is kept since
// other queues may be bound to it.
func (t *Transport) DestroyQueue(ctx context.Context, name string) error {
	t.mu.Lock()
	_, ok := t.bindings[name]
	delete(t.bindings, name)
	t.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", queue.ErrQueueNotFound, name)
	}
	resp, err := t.admin.DeleteGroups(ctx, name)
	if err != nil {
		return fmt.Errorf("delete group %s: %w", name, err)
	}
	for _, r := range resp {
		if r.Err != nil && !errors.Is(r.Err, kerr.GroupIDNotFound) {
			return fmt.Errorf("delete group %s: %w", r.Group, r.Err)
		}
	}
	return nil
}

// QueueControl reports the consumer group lag as the message count.
func (t *Transport) QueueControl(ctx context.Context, address, name string) (*queue.QueueInfo, error) {
	t.mu.Lock()
	b, ok := t.bindings[name]
	var info queue.QueueInfo
	if ok {
		info = queue.QueueInfo{Address: b.address, Name: name, Durable: true, ConsumerCount: b.consumers}
	}
	t.mu.Unlock()
	if !ok || (address != "" && info.Address != address) {
		return nil, nil
	}

	ends, err := t.admin.ListEndOffsets(ctx, info.Address)
	if err != nil {
		return nil, fmt.Errorf("list end offsets %s: %w", info.Address, err)
	}
	committed, err := t.admin.FetchOffsets(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("fetch offsets %s: %w", name, err)
	}
	ends.Each(func(o kadm.ListedOffset) {
		if o.Err != nil {
			return
		}
		var at int64
		if c, ok := committed.Lookup(o.Topic, o.Partition); ok && c.Err == nil && c.At >= 0 {
			at = c.At
		}
		if lag := o.Offset - at; lag > 0 {
			info.MessageCount += lag
		}
	})
	return &info, nil
}

// SetAddressSettings is not supported by Kafka.
func (t *Transport) SetAddressSettings(string, queue.AddressSettings) error {
	return fmt.Errorf("%w: address settings", queue.ErrUnsupported)
}

// AddSecuritySettings is not supported by Kafka; use broker ACLs.
func (t *Transport) AddSecuritySettings(string, string, string) error {
	return fmt.Errorf("%w: security settings", queue.ErrUnsupported)
}

// CreateSession opens a session. Authentication happens at connection
// level through SASL, so creds are ignored.
func (t *Transport) CreateSession(_ context.Context, _ queue.Credentials, transacted bool) (queue.Session, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, queue.ErrClosed
	}
	s := &session{transport: t, transacted: transacted}
	t.sessions[s] = struct{}{}
	return s, nil
}

// Close closes every session and the shared client.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	sessions := make([]*session, 0, len(t.sessions))
	for s := range t.sessions {
		sessions = append(sessions, s)
	}
	t.mu.Unlock()

	for _, s := range sessions {
		_ = s.Close()
	}
	t.client.Close()
	return nil
}

// buildSASLMechanism constructs the appropriate SASL mechanism.
func buildSASLMechanism(cfg *SASLConfig) (sasl.Mechanism, error) {
	switch cfg.Mechanism {
	case "plain":
		return plain.Auth{User: cfg.User, Pass: cfg.Password}.AsMechanism(), nil
	case "scram-sha-256":
		return scram.Auth{User: cfg.User, Pass: cfg.Password}.AsSha256Mechanism(), nil
	case "scram-sha-512":
		return scram.Auth{User: cfg.User, Pass: cfg.Password}.AsSha512Mechanism(), nil
	default:
		return nil, fmt.Errorf("unsupported SASL mechanism: %q", cfg.Mechanism)
	}
}
