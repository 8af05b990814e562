// Package repository runs repositories: a write queue consumed by a pool
// of writers that parse, store or dead-letter each message.
//
// A Repository is either ONLINE (all writers running) or OFFLINE (no
// writers). Its configuration can only be replaced while OFFLINE.
package repository

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"rapidlog/internal/config"
	"rapidlog/internal/entry"
	"rapidlog/internal/logging"
	"rapidlog/internal/parser"
	"rapidlog/internal/queue"
)

var (
	// ErrAlreadyOnline is returned when starting an online repository.
	ErrAlreadyOnline = errors.New("repository already online")
	// ErrNotOffline is returned when reconfiguring an online repository.
	ErrNotOffline = errors.New("not allowed while online")
	// ErrWriterRunning is returned when starting a writer twice.
	ErrWriterRunning = errors.New("writer already started")
	// ErrStopTimeout is returned when a writer does not stop in time.
	ErrStopTimeout = errors.New("writer stop timed out")
)

// Defaults for zero Deps fields.
const (
	DefaultReceiveWait   = 500 * time.Millisecond
	DefaultStopTimeout   = 30 * time.Second
	DefaultRetryInterval = 200 * time.Millisecond
)

// Deps are the collaborators shared by every repository of a process.
type Deps struct {
	Transport queue.Transport
	// Entries is required when a repository stores entries.
	Entries *entry.Store
	// Parsers defaults to parser.DefaultRegistry().
	Parsers *parser.Registry
	// Credentials open writer sessions.
	Credentials queue.Credentials
	// ServerRole is the transport role held by Credentials. When set,
	// repositories install security rules: the server consumes the write
	// address and sends to the read and dead-letter addresses, while
	// WriteRole and ReadRole (defaulting to ServerRole) grant clients send
	// on the write address and consume on the others.
	ServerRole string
	Logger     *slog.Logger

	// ReceiveWait bounds each receive so Stop is observed promptly.
	ReceiveWait time.Duration
	// StopTimeout bounds how long Stop waits for each writer.
	StopTimeout time.Duration
	// RetryInterval paces receive retries after transport errors.
	RetryInterval time.Duration
}

func (d Deps) withDefaults() Deps {
	if d.Parsers == nil {
		d.Parsers = parser.DefaultRegistry()
	}
	if d.ReceiveWait <= 0 {
		d.ReceiveWait = DefaultReceiveWait
	}
	if d.StopTimeout <= 0 {
		d.StopTimeout = DefaultStopTimeout
	}
	if d.RetryInterval <= 0 {
		d.RetryInterval = DefaultRetryInterval
	}
	return d
}

// Info is a status snapshot of a repository.
type Info struct {
	ID          string        `json:"id"`
	Name        string        `json:"name"`
	DisplayName string        `json:"displayName"`
	Status      config.Status `json:"status"`
	Writers     int           `json:"writers"`
	Stats       Stats         `json:"stats"`
}

// Repository is one configured ingestion pipeline.
type Repository struct {
	deps   Deps
	logger *slog.Logger

	// opMu serializes Start, Stop and SetConfig.
	opMu sync.Mutex

	mu      sync.RWMutex
	cfg     config.RepositoryConfig
	status  config.Status
	writers []*Writer
	// draining holds writers a timed-out Stop left running. Start and
	// SetConfig are refused until they exit.
	draining []*Writer
	// retired accumulates counters of writers from earlier runs.
	retired Stats
}

// New creates an offline repository.
func New(cfg config.RepositoryConfig, deps Deps) *Repository {
	cfg = cfg.Clone()
	cfg.Normalize()
	deps = deps.withDefaults()
	return &Repository{
		deps:   deps,
		logger: logging.Default(deps.Logger).With("component", "repository", "repository", cfg.Name),
		cfg:    cfg,
		status: config.StatusOffline,
	}
}

// ID returns the configuration ID.
func (r *Repository) ID() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cfg.ID
}

// Name returns the repository name.
func (r *Repository) Name() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cfg.Name
}

// Config returns a copy of the configuration snapshot.
func (r *Repository) Config() config.RepositoryConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cfg.Clone()
}

// Status reports ONLINE or OFFLINE.
func (r *Repository) Status() config.Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.status
}

// Writers returns the running writers. It is empty while offline.
func (r *Repository) Writers() []*Writer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]*Writer(nil), r.writers...)
}

// Info returns a status snapshot with counters summed over all writers
// this repository has run.
func (r *Repository) Info() Info {
	r.mu.RLock()
	defer r.mu.RUnlock()
	stats := r.retired
	for _, w := range r.writers {
		stats.add(w.Stats())
	}
	for _, w := range r.draining {
		stats.add(w.Stats())
	}
	return Info{
		ID:          r.cfg.ID,
		Name:        r.cfg.Name,
		DisplayName: r.cfg.DisplayName,
		Status:      r.status,
		Writers:     len(r.writers),
		Stats:       stats,
	}
}

// QueueInfo describes the write queue.
func (r *Repository) QueueInfo(ctx context.Context) (*queue.QueueInfo, error) {
	addr := r.Config().WriteAddress()
	return r.deps.Transport.QueueControl(ctx, addr, addr)
}

// SetConfig replaces the configuration. The repository must be offline
// and the name cannot change.
func (r *Repository) SetConfig(cfg config.RepositoryConfig) error {
	r.opMu.Lock()
	defer r.opMu.Unlock()

	cfg = cfg.Clone()
	cfg.Normalize()

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status != config.StatusOffline {
		return fmt.Errorf("%w: repository %s", ErrNotOffline, r.cfg.Name)
	}
	if n := r.pruneDrainingLocked(); n > 0 {
		return fmt.Errorf("%w: repository %s has %d writers still draining", ErrNotOffline, r.cfg.Name, n)
	}
	if cfg.Name != r.cfg.Name {
		return fmt.Errorf("%w: cannot rename repository %s to %s", config.ErrInvalid, r.cfg.Name, cfg.Name)
	}
	r.cfg = cfg
	return nil
}

// Start deploys the repository's queues and starts WriteQueueWorkerCount
// writers. If any writer fails to start, the ones already started are
// stopped and the repository stays offline.
func (r *Repository) Start(ctx context.Context) error {
	r.opMu.Lock()
	defer r.opMu.Unlock()

	r.mu.Lock()
	status := r.status
	cfg := r.cfg.Clone()
	draining := r.pruneDrainingLocked()
	r.mu.Unlock()
	if status == config.StatusOnline {
		return fmt.Errorf("%w: %s", ErrAlreadyOnline, cfg.Name)
	}
	if draining > 0 {
		return fmt.Errorf("%w: repository %s has %d writers still draining", ErrNotOffline, cfg.Name, draining)
	}
	if cfg.StoreEntries && r.deps.Entries == nil {
		return fmt.Errorf("%w: repository %s stores entries but no entry store is configured", config.ErrInvalid, cfg.Name)
	}

	selector, err := parser.NewSelector(cfg, r.deps.Parsers, r.deps.Logger)
	if err != nil {
		return fmt.Errorf("repository %s: %w", cfg.Name, err)
	}
	if err := r.deploy(ctx, cfg); err != nil {
		return fmt.Errorf("repository %s: %w", cfg.Name, err)
	}

	// Writers share this snapshot read-only.
	snapshot := &cfg
	writers := make([]*Writer, 0, cfg.WriteQueueWorkerCount)
	for range cfg.WriteQueueWorkerCount {
		w := newWriter(snapshot, selector, r.deps, r.logger)
		if err := w.Start(ctx); err != nil {
			stopErr := stopAll(writers)
			return errors.Join(fmt.Errorf("repository %s: start writer: %w", cfg.Name, err), stopErr)
		}
		writers = append(writers, w)
	}

	r.mu.Lock()
	r.writers = writers
	r.status = config.StatusOnline
	r.mu.Unlock()
	r.logger.Info("repository online", "writers", len(writers))
	return nil
}

// Stop stops every writer and marks the repository offline. Writers that
// do not stop within StopTimeout are kept as draining, and calling Stop
// again waits for them once more. Stopping an offline repository with no
// draining writers is a no-op.
func (r *Repository) Stop() error {
	r.opMu.Lock()
	defer r.opMu.Unlock()

	r.mu.Lock()
	if r.status == config.StatusOffline && r.pruneDrainingLocked() == 0 {
		r.mu.Unlock()
		return nil
	}
	writers := slices.Concat(r.writers, r.draining)
	r.mu.Unlock()

	err := stopAll(writers)

	r.mu.Lock()
	r.draining = nil
	for _, w := range writers {
		if w.IsRunning() {
			r.draining = append(r.draining, w)
			continue
		}
		r.retired.add(w.Stats())
	}
	r.writers = nil
	r.status = config.StatusOffline
	r.mu.Unlock()

	if err != nil {
		r.logger.Warn("repository offline with errors", "error", err)
		return fmt.Errorf("repository %s: %w", r.Name(), err)
	}
	r.logger.Info("repository offline")
	return nil
}

// pruneDrainingLocked retires draining writers that have exited and
// returns how many are still running. r.mu must be held for writing.
func (r *Repository) pruneDrainingLocked() int {
	running := r.draining[:0]
	for _, w := range r.draining {
		if w.IsRunning() {
			running = append(running, w)
			continue
		}
		r.retired.add(w.Stats())
	}
	clear(r.draining[len(running):])
	r.draining = running
	return len(running)
}

func stopAll(writers []*Writer) error {
	var g errgroup.Group
	errs := make([]error, len(writers))
	for i, w := range writers {
		g.Go(func() error {
			errs[i] = w.Stop()
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// deploy creates the write, dead-letter and optional read queues, then
// applies address and security settings.
func (r *Repository) deploy(ctx context.Context, cfg config.RepositoryConfig) error {
	t := r.deps.Transport
	write := cfg.WriteAddress()
	if err := t.DeployQueue(ctx, write, write, cfg.DurableWriteQueue); err != nil {
		return fmt.Errorf("deploy write queue: %w", err)
	}
	if err := t.DeployQueue(ctx, cfg.DeadLetterAddress, cfg.DeadLetterAddress, cfg.DurableWriteQueue); err != nil {
		return fmt.Errorf("deploy dead-letter queue: %w", err)
	}
	if cfg.ReadQueueEnabled {
		read := cfg.ReadAddress()
		if err := t.DeployQueue(ctx, read, read, cfg.DurableReadQueue); err != nil {
			return fmt.Errorf("deploy read queue: %w", err)
		}
	}

	settings, err := addressSettings(cfg)
	if err != nil {
		return err
	}
	if err := r.optional("address settings", t.SetAddressSettings(write, settings)); err != nil {
		return err
	}
	if role := r.deps.ServerRole; role != "" {
		rules := []struct{ addr, send, consume string }{
			{write, cmp.Or(cfg.WriteRole, role), role},
			{cfg.DeadLetterAddress, role, cmp.Or(cfg.ReadRole, role)},
			{cfg.ReadAddress(), role, cmp.Or(cfg.ReadRole, role)},
		}
		for _, rule := range rules {
			if err := r.optional("security settings", t.AddSecuritySettings(rule.addr, rule.send, rule.consume)); err != nil {
				return err
			}
		}
	}
	return nil
}

// optional ignores settings the transport does not support.
func (r *Repository) optional(what string, err error) error {
	if errors.Is(err, queue.ErrUnsupported) {
		r.logger.Debug("transport does not support "+what, "error", err)
		return nil
	}
	if err != nil {
		return fmt.Errorf("apply %s: %w", what, err)
	}
	return nil
}

func addressSettings(cfg config.RepositoryConfig) (queue.AddressSettings, error) {
	s := queue.AddressSettings{
		PageCacheMax:        cfg.PageCountCache,
		MaxDeliveryAttempts: cfg.MaxDeliveryAttempts,
		DeadLetterAddress:   cfg.DeadLetterAddress,
	}
	var err error
	if s.Policy, err = queue.ParseFullPolicy(cfg.MaxMemoryPolicy); err != nil {
		return s, err
	}
	if cfg.MaxMemory != "" {
		n, err := config.ParseBytes(cfg.MaxMemory)
		if err != nil {
			return s, fmt.Errorf("maxMemory: %w", err)
		}
		s.MaxSizeBytes = int64(n) //nolint:gosec // sizes are far below MaxInt64
	}
	if cfg.PageSize != "" {
		n, err := config.ParseBytes(cfg.PageSize)
		if err != nil {
			return s, fmt.Errorf("pageSize: %w", err)
		}
		s.PageSizeBytes = int64(n) //nolint:gosec // sizes are far below MaxInt64
	}
	if cfg.RedeliveryDelay != "" {
		if s.RedeliveryDelay, err = time.ParseDuration(cfg.RedeliveryDelay); err != nil {
			return s, fmt.Errorf("redeliveryDelay: %w", err)
		}
	}
	return s, nil
}
