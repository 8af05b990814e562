// Package queue defines the message queue transport consumed by
// repositories: named queues bound to addresses, transacted and
// non-transacted sessions, producers and consumers.
//
// The transport is an external collaborator. This package only holds the
// contract; implementations live in subpackages (memory, kafka).
//
// Transaction semantics for transacted sessions:
//   - A received message is in flight until Commit or Rollback.
//   - Commit acknowledges every message received in the transaction and
//     makes every message produced in the transaction visible.
//   - Rollback returns received messages to their queue with an
//     incremented delivery count and discards produced messages.
//
// Non-transacted sessions acknowledge on receive and send immediately;
// Commit and Rollback are no-ops.
package queue

import (
	"context"
	"errors"
	"maps"
	"time"
)

var (
	// ErrQueueNotFound is returned when a queue has not been deployed.
	ErrQueueNotFound = errors.New("queue not found")
	// ErrClosed is returned when using a closed transport, session, producer or consumer.
	ErrClosed = errors.New("queue transport closed")
	// ErrNotStarted is returned when receiving on a session that has not been started.
	ErrNotStarted = errors.New("session not started")
	// ErrAddressFull is returned when an address is full and its policy is FAIL.
	ErrAddressFull = errors.New("address full")
	// ErrUnauthorized is returned for bad credentials or a missing role.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrUnsupported is returned by transports that cannot honour an operation.
	ErrUnsupported = errors.New("operation not supported by transport")
)

// Well-known message property keys.
const (
	PropSource    = "source"
	PropHost      = "host"
	PropSeverity  = "severity"
	PropTimestamp = "timestamp"
	// PropOriginalAddress is set by the transport when it moves a message
	// to its own dead-letter address after exhausting delivery attempts.
	PropOriginalAddress = "_original_address"
)

// Message is one queued message.
type Message struct {
	ID         string
	Body       []byte
	Properties map[string]string
	Timestamp  time.Time
	// Deliveries counts delivery attempts, 1 on first delivery.
	// Transports that cannot track redelivery report 1.
	Deliveries int
}

// Clone returns a deep copy of m.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	c := *m
	c.Body = append([]byte(nil), m.Body...)
	c.Properties = maps.Clone(m.Properties)
	return &c
}

// Size is the accounting size of the message used for address limits.
func (m *Message) Size() int64 {
	n := int64(len(m.Body))
	for k, v := range m.Properties {
		n += int64(len(k) + len(v))
	}
	return n
}

// Property returns a property value or "" if absent.
func (m *Message) Property(key string) string {
	if m.Properties == nil {
		return ""
	}
	return m.Properties[key]
}

// QueueInfo is a point-in-time view of a deployed queue.
type QueueInfo struct {
	Address         string
	Name            string
	Durable         bool
	MessageCount    int64 // messages waiting for delivery
	DeliveringCount int64 // messages received but not yet acknowledged
	ConsumerCount   int
}

// Credentials authenticate a session.
type Credentials struct {
	User     string
	Password string //nolint:gosec // G117: config field, not a hardcoded credential
}

// Transport is the queue transport contract.
type Transport interface {
	// DeployQueue creates a queue bound to address. Deploying an existing
	// queue with the same address is a no-op.
	DeployQueue(ctx context.Context, address, name string, durable bool) error
	// DestroyQueue removes a queue and its messages.
	DestroyQueue(ctx context.Context, name string) error
	// QueueControl describes a queue, or returns nil, nil when it does not exist.
	QueueControl(ctx context.Context, address, name string) (*QueueInfo, error)
	// SetAddressSettings applies limits and redelivery policy to every
	// address matching pattern.
	SetAddressSettings(pattern string, settings AddressSettings) error
	// AddSecuritySettings grants sendRole and consumeRole on addresses
	// matching pattern.
	AddSecuritySettings(pattern, sendRole, consumeRole string) error
	// CreateSession opens a session. Sessions are not safe for concurrent use.
	CreateSession(ctx context.Context, creds Credentials, transacted bool) (Session, error)
	// Close releases the transport and every session created from it.
	Close() error
}

// Session groups producers and consumers into one unit of work.
type Session interface {
	CreateProducer(address string) (Producer, error)
	CreateConsumer(queue string) (Consumer, error)
	// Start enables message delivery to the session's consumers.
	Start() error
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
	// Close rolls back any open transaction and releases the session.
	Close() error
}

// Consumer receives messages from one queue.
type Consumer interface {
	// Receive waits up to wait for a message. It returns nil, nil when no
	// message arrived in time, and ctx.Err() when ctx is cancelled first.
	Receive(ctx context.Context, wait time.Duration) (*Message, error)
	Close() error
}

// Producer sends messages to one address.
type Producer interface {
	Send(ctx context.Context, msg *Message) error
	Close() error
}
