package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"rapidlog/internal/config"
	"rapidlog/internal/entry"
	"rapidlog/internal/parser"
	"rapidlog/internal/queue"
)

// Stats are cumulative message counters.
type Stats struct {
	Received      int64 `json:"received"`
	Stored        int64 `json:"stored"`
	DeadLettered  int64 `json:"deadLettered"`
	ParseFailures int64 `json:"parseFailures"`
	PersistErrors int64 `json:"persistErrors"`
	ReceiveErrors int64 `json:"receiveErrors"`
}

func (s *Stats) add(o Stats) {
	s.Received += o.Received
	s.Stored += o.Stored
	s.DeadLettered += o.DeadLettered
	s.ParseFailures += o.ParseFailures
	s.PersistErrors += o.PersistErrors
	s.ReceiveErrors += o.ReceiveErrors
}

type counters struct {
	received, stored, deadLettered         atomic.Int64
	parseFailures, persistErrors, recvErrs atomic.Int64
}

func (c *counters) snapshot() Stats {
	return Stats{
		Received:      c.received.Load(),
		Stored:        c.stored.Load(),
		DeadLettered:  c.deadLettered.Load(),
		ParseFailures: c.parseFailures.Load(),
		PersistErrors: c.persistErrors.Load(),
		ReceiveErrors: c.recvErrs.Load(),
	}
}

// Writer consumes a repository's write queue, one message at a time, in
// its own transacted session. A Writer is started once; a repository
// creates fresh writers every time it starts.
type Writer struct {
	id       string
	cfg      *config.RepositoryConfig
	selector *parser.Selector
	deps     Deps
	logger   *slog.Logger

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	done    chan struct{}

	running atomic.Bool
	stats   counters
}

func newWriter(cfg *config.RepositoryConfig, selector *parser.Selector, deps Deps, logger *slog.Logger) *Writer {
	id := uuid.Must(uuid.NewV7()).String()
	return &Writer{
		id:       id,
		cfg:      cfg,
		selector: selector,
		deps:     deps,
		logger:   logger.With("writer", id),
	}
}

// ID returns the writer's unique ID.
func (w *Writer) ID() string { return w.id }

// IsRunning reports whether the consume loop is active.
func (w *Writer) IsRunning() bool { return w.running.Load() }

// Stats returns the writer's counters.
func (w *Writer) Stats() Stats { return w.stats.snapshot() }

// Start opens the writer's session and launches the consume loop. The
// loop outlives ctx; it ends on Stop or when the transport closes.
func (w *Writer) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started {
		return fmt.Errorf("%w: %s", ErrWriterRunning, w.id)
	}

	sess, err := w.deps.Transport.CreateSession(ctx, w.deps.Credentials, true)
	if err != nil {
		return fmt.Errorf("open session: %w", err)
	}
	lp, err := w.open(sess)
	if err != nil {
		_ = sess.Close()
		return err
	}

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	w.started = true
	w.cancel = cancel
	w.done = make(chan struct{})
	w.running.Store(true)
	go w.run(loopCtx, lp)
	w.logger.Debug("writer started")
	return nil
}

// loop holds the session resources owned by the consume goroutine.
type loop struct {
	session    queue.Session
	consumer   queue.Consumer
	deadLetter queue.Producer
	feed       queue.Producer
	limiter    *rate.Limiter
}

func (w *Writer) open(sess queue.Session) (*loop, error) {
	lp := &loop{
		session: sess,
		limiter: rate.NewLimiter(rate.Every(w.deps.RetryInterval), 1),
	}
	var err error
	if lp.consumer, err = sess.CreateConsumer(w.cfg.WriteAddress()); err != nil {
		return nil, fmt.Errorf("create consumer: %w", err)
	}
	if lp.deadLetter, err = sess.CreateProducer(w.cfg.DeadLetterAddress); err != nil {
		return nil, fmt.Errorf("create dead-letter producer: %w", err)
	}
	if w.cfg.ReadQueueEnabled {
		if lp.feed, err = sess.CreateProducer(w.cfg.ReadAddress()); err != nil {
			return nil, fmt.Errorf("create read producer: %w", err)
		}
	}
	if err := sess.Start(); err != nil {
		return nil, fmt.Errorf("start session: %w", err)
	}
	return lp, nil
}

// Stop ends the consume loop at the next message boundary and waits for
// the session to close, at most StopTimeout. Stopping a writer that is not
// running is a no-op.
func (w *Writer) Stop() error {
	w.mu.Lock()
	cancel, done := w.cancel, w.done
	w.mu.Unlock()
	if cancel == nil {
		return nil
	}

	cancel()
	timer := time.NewTimer(w.deps.StopTimeout)
	defer timer.Stop()
	select {
	case <-done:
		w.logger.Debug("writer stopped")
		return nil
	case <-timer.C:
		w.logger.Warn("writer did not stop in time, abandoning it", "timeout", w.deps.StopTimeout)
		return fmt.Errorf("%w: writer %s after %s", ErrStopTimeout, w.id, w.deps.StopTimeout)
	}
}

func (w *Writer) run(ctx context.Context, lp *loop) {
	defer func() {
		if err := lp.session.Close(); err != nil && !errors.Is(err, queue.ErrClosed) {
			w.logger.Warn("close session", "error", err)
		}
		w.running.Store(false)
		close(w.done)
	}()

	for {
		if ctx.Err() != nil {
			return
		}
		msg, err := lp.consumer.Receive(ctx, w.deps.ReceiveWait)
		switch {
		case err == nil && msg == nil:
			continue
		case err == nil:
		case ctx.Err() != nil:
			return
		case errors.Is(err, queue.ErrClosed):
			w.logger.Warn("transport closed, writer exiting")
			return
		default:
			w.stats.recvErrs.Add(1)
			w.logger.Warn("receive failed", "error", err)
			if lp.limiter.Wait(ctx) != nil {
				return
			}
			continue
		}

		// The in-flight message is resolved even if Stop arrives meanwhile.
		w.handle(context.WithoutCancel(ctx), lp, msg)
	}
}

// handle resolves one message: store it, or route it unchanged to the
// dead-letter address, then commit. Any failure rolls the transaction back
// so the transport redelivers the message.
func (w *Writer) handle(ctx context.Context, lp *loop, msg *queue.Message) {
	w.stats.received.Add(1)
	log := w.logger.With("message", msg.ID)

	e, err := w.selector.Parse(metadata(msg), msg.Body)
	if err != nil {
		w.stats.parseFailures.Add(1)
		log.Debug("routing to dead letter", "error", err)
		dead := msg.Clone()
		dead.Deliveries = 0
		if err := lp.deadLetter.Send(ctx, dead); err != nil {
			log.Error("dead-letter send failed", "error", err)
			w.rollback(ctx, lp)
			return
		}
		if err := lp.session.Commit(ctx); err != nil {
			log.Error("commit failed", "error", err)
			w.rollback(ctx, lp)
			return
		}
		w.stats.deadLettered.Add(1)
		return
	}

	if w.cfg.StoreEntries {
		if err := w.deps.Entries.Put(ctx, e); err != nil {
			w.stats.persistErrors.Add(1)
			log.Error("persist entry failed", "deliveries", msg.Deliveries, "error", err)
			w.rollback(ctx, lp)
			return
		}
	}
	if lp.feed != nil {
		if err := w.publish(ctx, lp.feed, e); err != nil {
			log.Warn("read queue publish failed", "error", err)
		}
	}
	if err := lp.session.Commit(ctx); err != nil {
		log.Error("commit failed", "error", err)
		w.rollback(ctx, lp)
		return
	}
	w.stats.stored.Add(1)
}

func (w *Writer) rollback(ctx context.Context, lp *loop) {
	if err := lp.session.Rollback(ctx); err != nil {
		w.logger.Error("rollback failed", "error", err)
	}
}

func (w *Writer) publish(ctx context.Context, p queue.Producer, e *entry.Entry) error {
	body, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return p.Send(ctx, &queue.Message{
		Body: body,
		Properties: map[string]string{
			queue.PropSource:   e.Source,
			queue.PropHost:     e.Host,
			queue.PropSeverity: e.Severity,
		},
		Timestamp: e.Timestamp,
	})
}

// metadata reads the envelope from message properties. The timestamp
// property is RFC 3339 or unix milliseconds; the message timestamp is the
// fallback.
func metadata(msg *queue.Message) parser.Metadata {
	meta := parser.Metadata{
		Timestamp: msg.Timestamp,
		Source:    msg.Property(queue.PropSource),
		Host:      msg.Property(queue.PropHost),
		Severity:  msg.Property(queue.PropSeverity),
	}
	if ts := msg.Property(queue.PropTimestamp); ts != "" {
		if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			meta.Timestamp = t
		} else if ms, err := strconv.ParseInt(ts, 10, 64); err == nil {
			meta.Timestamp = time.UnixMilli(ms)
		}
	}
	return meta
}
