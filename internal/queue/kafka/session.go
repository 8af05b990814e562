package kafka

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/twmb/franz-go/pkg/kgo"

	"rapidlog/internal/queue"
)

// headerMessageID carries the queue message ID across Kafka.
const headerMessageID = "_message_id"

type session struct {
	transport  *Transport
	transacted bool

	mu        sync.Mutex
	started   bool
	closed    bool
	consumers []*consumer
	pending   []*kgo.Record // produced, not yet committed
}

func (s *session) CreateProducer(address string) (queue.Producer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, queue.ErrClosed
	}
	return &producer{session: s, address: address}, nil
}

// CreateConsumer joins the queue's consumer group with its own client.
func (s *session) CreateConsumer(name string) (queue.Consumer, error) {
	t := s.transport
	t.mu.Lock()
	b, ok := t.bindings[name]
	if ok {
		b.consumers++
	}
	t.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", queue.ErrQueueNotFound, name)
	}

	opts := append(append([]kgo.Opt(nil), t.opts...),
		kgo.ConsumeTopics(b.address),
		kgo.ConsumerGroup(name),
		kgo.DisableAutoCommit(),
	)
	client, err := kgo.NewClient(opts...)
	if err != nil {
		t.mu.Lock()
		b.consumers--
		t.mu.Unlock()
		return nil, fmt.Errorf("kafka consumer client: %w", err)
	}
	c := &consumer{
		session:  s,
		name:     name,
		client:   client,
		attempts: make(map[recordKey]int),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		client.Close()
		return nil, queue.ErrClosed
	}
	s.consumers = append(s.consumers, c)
	return c, nil
}

func (s *session) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return queue.ErrClosed
	}
	s.started = true
	return nil
}

// Commit produces buffered messages, then commits consumed offsets. A
// produce failure leaves the consumed offsets uncommitted so the caller can
// roll back.
func (s *session) Commit(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return queue.ErrClosed
	}
	if !s.transacted {
		s.mu.Unlock()
		return nil
	}
	pending := s.pending
	s.pending = nil
	consumers := append([]*consumer(nil), s.consumers...)
	s.mu.Unlock()

	if len(pending) > 0 {
		if err := s.transport.client.ProduceSync(ctx, pending...).FirstErr(); err != nil {
			return fmt.Errorf("commit produce: %w", err)
		}
	}
	for _, c := range consumers {
		if err := c.commit(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Rollback discards buffered messages and rewinds consumers to their first
// uncommitted record.
func (s *session) Rollback(_ context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return queue.ErrClosed
	}
	s.pending = nil
	consumers := append([]*consumer(nil), s.consumers...)
	s.mu.Unlock()

	for _, c := range consumers {
		c.rewind()
	}
	return nil
}

func (s *session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.pending = nil
	consumers := s.consumers
	s.consumers = nil
	s.mu.Unlock()

	for _, c := range consumers {
		_ = c.Close()
	}
	t := s.transport
	t.mu.Lock()
	delete(t.sessions, s)
	t.mu.Unlock()
	return nil
}

type producer struct {
	session *session
	address string
}

func (p *producer) Send(ctx context.Context, msg *queue.Message) error {
	s := p.session
	rec := toRecord(p.address, msg)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return queue.ErrClosed
	}
	if s.transacted {
		s.pending = append(s.pending, rec)
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	if err := s.transport.client.ProduceSync(ctx, rec).FirstErr(); err != nil {
		return fmt.Errorf("produce to %s: %w", p.address, err)
	}
	return nil
}

func (p *producer) Close() error { return nil }

type recordKey struct {
	topic     string
	partition int32
	offset    int64
}

type consumer struct {
	session *session
	name    string
	client  *kgo.Client

	mu       sync.Mutex
	inflight []*kgo.Record // received in the open transaction
	buffered []*kgo.Record // polled, not yet handed out
	attempts map[recordKey]int
	closed   bool
}

func (c *consumer) Receive(ctx context.Context, wait time.Duration) (*queue.Message, error) {
	s := c.session
	s.mu.Lock()
	started, closed := s.started, s.closed
	s.mu.Unlock()
	if closed {
		return nil, queue.ErrClosed
	}
	if !started {
		return nil, queue.ErrNotStarted
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, queue.ErrClosed
	}
	if len(c.buffered) == 0 {
		pollCtx, cancel := context.WithTimeout(ctx, wait)
		fetches := c.client.PollRecords(pollCtx, 1)
		cancel()
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if fetches.IsClientClosed() {
			return nil, queue.ErrClosed
		}
		fetches.EachError(func(topic string, partition int32, err error) {
			if pollCtx.Err() == nil {
				s.transport.logger.Warn("kafka fetch error",
					"topic", topic, "partition", partition, "error", err)
			}
		})
		c.buffered = fetches.Records()
		if len(c.buffered) == 0 {
			return nil, nil
		}
	}

	rec := c.buffered[0]
	c.buffered = c.buffered[1:]
	key := recordKey{rec.Topic, rec.Partition, rec.Offset}
	c.attempts[key]++
	msg := toMessage(rec, c.attempts[key])

	if s.transacted {
		c.inflight = append(c.inflight, rec)
	} else {
		delete(c.attempts, key)
		if err := c.client.CommitRecords(ctx, rec); err != nil {
			return nil, fmt.Errorf("commit offset: %w", err)
		}
	}
	return msg, nil
}

func (c *consumer) commit(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.inflight) == 0 {
		return nil
	}
	if err := c.client.CommitRecords(ctx, c.inflight...); err != nil {
		return fmt.Errorf("commit offsets for %s: %w", c.name, err)
	}
	for _, rec := range c.inflight {
		delete(c.attempts, recordKey{rec.Topic, rec.Partition, rec.Offset})
	}
	c.inflight = nil
	return nil
}

// rewind seeks every partition with in-flight records back to its earliest
// in-flight offset and drops anything buffered past it.
func (c *consumer) rewind() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.inflight) == 0 {
		return
	}
	offsets := make(map[string]map[int32]kgo.EpochOffset)
	for _, rec := range c.inflight {
		parts, ok := offsets[rec.Topic]
		if !ok {
			parts = make(map[int32]kgo.EpochOffset)
			offsets[rec.Topic] = parts
		}
		if cur, ok := parts[rec.Partition]; !ok || rec.Offset < cur.Offset {
			parts[rec.Partition] = kgo.EpochOffset{Epoch: -1, Offset: rec.Offset}
		}
	}
	c.client.SetOffsets(offsets)
	c.inflight = nil
	c.buffered = nil
}

func (c *consumer) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.client.Close()
	t := c.session.transport
	t.mu.Lock()
	if b, ok := t.bindings[c.name]; ok {
		b.consumers--
	}
	t.mu.Unlock()
	return nil
}

func toRecord(address string, msg *queue.Message) *kgo.Record {
	id := msg.ID
	if id == "" {
		id = uuid.Must(uuid.NewV7()).String()
	}
	ts := msg.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	rec := &kgo.Record{
		Topic:     address,
		Key:       []byte(id),
		Value:     msg.Body,
		Timestamp: ts,
		Headers:   make([]kgo.RecordHeader, 0, len(msg.Properties)+1),
	}
	rec.Headers = append(rec.Headers, kgo.RecordHeader{Key: headerMessageID, Value: []byte(id)})
	for k, v := range msg.Properties {
		rec.Headers = append(rec.Headers, kgo.RecordHeader{Key: k, Value: []byte(v)})
	}
	return rec
}

func toMessage(rec *kgo.Record, deliveries int) *queue.Message {
	msg := &queue.Message{
		Body:       append([]byte(nil), rec.Value...),
		Properties: make(map[string]string, len(rec.Headers)),
		Timestamp:  rec.Timestamp,
		Deliveries: deliveries,
	}
	for _, h := range rec.Headers {
		if h.Key == headerMessageID {
			msg.ID = string(h.Value)
			continue
		}
		msg.Properties[h.Key] = string(h.Value)
	}
	if msg.ID == "" {
		msg.ID = fmt.Sprintf("%s/%d/%d", rec.Topic, rec.Partition, rec.Offset)
	}
	return msg
}
