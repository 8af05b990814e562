package memory

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"rapidlog/internal/queue"
)

type inflight struct {
	q   *memQueue
	msg *queue.Message
}

type outgoing struct {
	address string
	msg     *queue.Message
}

// session state is guarded by the broker mutex.
type session struct {
	id         string
	broker     *Broker
	user       string
	roles      []string
	transacted bool

	started  bool
	closed   bool
	closedCh chan struct{}

	received  []inflight
	sent      []outgoing
	consumers []*consumer
}

func (s *session) CreateProducer(address string) (queue.Producer, error) {
	b := s.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if s.closed {
		return nil, queue.ErrClosed
	}
	if err := b.authorize(s.roles, address, true); err != nil {
		return nil, err
	}
	return &producer{session: s, address: address}, nil
}

func (s *session) CreateConsumer(name string) (queue.Consumer, error) {
	b := s.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if s.closed {
		return nil, queue.ErrClosed
	}
	q, ok := b.queues[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", queue.ErrQueueNotFound, name)
	}
	if err := b.authorize(s.roles, q.address, false); err != nil {
		return nil, err
	}
	q.consumers++
	c := &consumer{session: s, q: q}
	s.consumers = append(s.consumers, c)
	return c, nil
}

func (s *session) Start() error {
	s.broker.mu.Lock()
	defer s.broker.mu.Unlock()
	if s.closed {
		return queue.ErrClosed
	}
	s.started = true
	return nil
}

// Commit acknowledges received messages, then publishes buffered sends.
func (s *session) Commit(_ context.Context) error {
	b := s.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if s.closed {
		return queue.ErrClosed
	}
	if !s.transacted {
		return nil
	}
	for _, in := range s.received {
		in.q.delivering--
		in.q.release(in.msg)
	}
	for _, out := range s.sent {
		b.enqueue(out.address, out.msg)
	}
	s.received, s.sent = nil, nil
	return nil
}

// Rollback returns received messages to their queues and discards sends.
func (s *session) Rollback(_ context.Context) error {
	b := s.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if s.closed {
		return queue.ErrClosed
	}
	s.rollbackLocked()
	return nil
}

func (s *session) rollbackLocked() {
	b := s.broker
	// Reverse order keeps the original FIFO order once pushed to the front.
	for i := len(s.received) - 1; i >= 0; i-- {
		in := s.received[i]
		in.q.delivering--
		b.redeliver(in.q, in.msg)
	}
	s.received, s.sent = nil, nil
}

func (s *session) Close() error {
	b := s.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if s.closed {
		return nil
	}
	s.rollbackLocked()
	for _, c := range s.consumers {
		c.closeLocked()
	}
	s.closed = true
	close(s.closedCh)
	delete(b.sessions, s)
	return nil
}

// redeliver puts a rolled back message back on q, or dead-letters it once
// it has exhausted its delivery attempts. Caller must hold b.mu.
func (b *Broker) redeliver(q *memQueue, m *queue.Message) {
	if q.destroyed {
		return
	}
	st := b.settingsFor(q.address)
	if st.MaxDeliveryAttempts > 0 && m.Deliveries >= st.MaxDeliveryAttempts {
		q.release(m)
		if st.DeadLetterAddress == "" {
			b.logger.Warn("dropping message after max delivery attempts",
				"queue", q.name, "message", m.ID, "deliveries", m.Deliveries)
			return
		}
		dl := m.Clone()
		if dl.Properties == nil {
			dl.Properties = make(map[string]string)
		}
		dl.Properties[queue.PropOriginalAddress] = q.address
		dl.Deliveries = 0
		b.enqueue(st.DeadLetterAddress, dl)
		b.logger.Info("message moved to dead letter address",
			"queue", q.name, "message", m.ID, "address", st.DeadLetterAddress)
		return
	}
	if st.RedeliveryDelay <= 0 {
		q.pushFront(m)
		return
	}
	time.AfterFunc(st.RedeliveryDelay, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if q.destroyed || b.closed {
			return
		}
		q.pushFront(m)
	})
}

// enqueue copies m onto every queue bound to address. Messages sent to an
// address without queues are discarded. Caller must hold b.mu.
func (b *Broker) enqueue(address string, m *queue.Message) {
	for _, q := range b.bindings[address] {
		c := m.Clone()
		c.Deliveries = 0
		q.pushBack(c)
	}
}

// admit applies the address full policy to a send. It reports false when
// the message must be dropped. Caller must hold b.mu; BLOCK releases it
// while waiting.
func (b *Broker) admit(ctx context.Context, address string, m *queue.Message) (bool, error) {
	for {
		if b.closed {
			return false, queue.ErrClosed
		}
		st := b.settingsFor(address)
		if st.MaxSizeBytes <= 0 {
			return true, nil
		}
		var full *memQueue
		for _, q := range b.bindings[address] {
			if q.bytes+m.Size() > st.MaxSizeBytes {
				full = q
				break
			}
		}
		if full == nil {
			return true, nil
		}
		switch st.Policy {
		case queue.PolicyDrop:
			b.logger.Debug("address full, dropping message", "address", address)
			return false, nil
		case queue.PolicyFail:
			return false, fmt.Errorf("%w: %s", queue.ErrAddressFull, address)
		case queue.PolicyBlock:
			space := full.space
			b.mu.Unlock()
			select {
			case <-space:
				b.mu.Lock()
			case <-ctx.Done():
				b.mu.Lock()
				return false, ctx.Err()
			}
		default:
			// PAGE: nothing is paged to disk here, the queue simply grows.
			return true, nil
		}
	}
}

type producer struct {
	session *session
	address string
	closed  bool
}

func (p *producer) Send(ctx context.Context, msg *queue.Message) error {
	s := p.session
	b := s.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if p.closed || s.closed {
		return queue.ErrClosed
	}
	m := msg.Clone()
	if m.ID == "" {
		m.ID = uuid.Must(uuid.NewV7()).String()
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now()
	}
	ok, err := b.admit(ctx, p.address, m)
	if err != nil || !ok {
		return err
	}
	if s.closed {
		return queue.ErrClosed
	}
	if s.transacted {
		s.sent = append(s.sent, outgoing{address: p.address, msg: m})
		return nil
	}
	b.enqueue(p.address, m)
	return nil
}

func (p *producer) Close() error {
	p.session.broker.mu.Lock()
	defer p.session.broker.mu.Unlock()
	p.closed = true
	return nil
}

type consumer struct {
	session *session
	q       *memQueue
	closed  bool
}

func (c *consumer) Receive(ctx context.Context, wait time.Duration) (*queue.Message, error) {
	s := c.session
	b := s.broker
	timer := time.NewTimer(wait)
	defer timer.Stop()
	for {
		b.mu.Lock()
		switch {
		case c.closed || s.closed || b.closed:
			b.mu.Unlock()
			return nil, queue.ErrClosed
		case !s.started:
			b.mu.Unlock()
			return nil, queue.ErrNotStarted
		case c.q.destroyed:
			b.mu.Unlock()
			return nil, fmt.Errorf("%w: %s", queue.ErrQueueNotFound, c.q.name)
		}
		if len(c.q.msgs) > 0 {
			m := c.q.pop()
			m.Deliveries++
			if s.transacted {
				c.q.delivering++
				s.received = append(s.received, inflight{q: c.q, msg: m})
			} else {
				c.q.release(m)
			}
			out := m.Clone()
			b.mu.Unlock()
			return out, nil
		}
		notify := c.q.notify
		b.mu.Unlock()

		select {
		case <-notify:
		case <-timer.C:
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-s.closedCh:
			return nil, queue.ErrClosed
		}
	}
}

func (c *consumer) Close() error {
	b := c.session.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	c.closeLocked()
	return nil
}

func (c *consumer) closeLocked() {
	if c.closed {
		return
	}
	c.closed = true
	c.q.consumers--
}
