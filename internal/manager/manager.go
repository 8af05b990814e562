// Package manager owns every repository of the process: it loads their
// configurations from the config store, starts and stops them, and keeps
// them in sync with configuration changes.
package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"rapidlog/internal/callgroup"
	"rapidlog/internal/config"
	"rapidlog/internal/logging"
	"rapidlog/internal/repository"
)

// ErrNotFound is returned for unknown repository names or IDs.
var ErrNotFound = errors.New("repository not found")

const (
	reloadJobName    = "reload"
	retentionJobName = "retention"
)

// Config configures a Manager.
type Config struct {
	Configs *config.Store
	Deps    repository.Deps
	Logger  *slog.Logger
	// ReloadCron periodically reloads configurations. Empty disables it.
	ReloadCron string
	// RetentionCron periodically purges expired entries. Empty disables it.
	RetentionCron string
}

// Manager runs the repository fleet.
type Manager struct {
	cfg    Config
	logger *slog.Logger

	// opMu serializes load, start and stop.
	opMu sync.Mutex

	mu        sync.RWMutex
	repos     map[string]*repository.Repository // by config ID
	loaded    bool
	started   bool
	scheduler *Scheduler

	reloads callgroup.Group[string]
}

// New creates a stopped manager.
func New(cfg Config) (*Manager, error) {
	if cfg.Configs == nil {
		return nil, errors.New("manager: config store is required")
	}
	for _, expr := range []string{cfg.ReloadCron, cfg.RetentionCron} {
		if err := config.ValidateCron(expr); err != nil {
			return nil, err
		}
	}
	logger := logging.Default(cfg.Logger)
	if cfg.Deps.Logger == nil {
		cfg.Deps.Logger = logger
	}
	return &Manager{
		cfg:    cfg,
		logger: logger.With("component", "manager"),
		repos:  make(map[string]*repository.Repository),
	}, nil
}

// LoadRepositories synchronizes the fleet with the config store. New
// configurations get a new offline repository. Repositories whose stored
// version is unchanged are not touched. Changed ones are reconfigured, and
// if they were online they are restarted with the new configuration.
// Repositories no longer in the store are stopped and dropped.
func (m *Manager) LoadRepositories(ctx context.Context) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()
	return m.load(ctx)
}

func (m *Manager) load(ctx context.Context) error {
	cfgs, err := m.cfg.Configs.List(ctx)
	if err != nil {
		return fmt.Errorf("load repositories: %w", err)
	}

	var errs []error
	seen := make(map[string]struct{}, len(cfgs))
	for _, c := range cfgs {
		seen[c.ID] = struct{}{}
		m.mu.RLock()
		r, ok := m.repos[c.ID]
		m.mu.RUnlock()

		if !ok {
			r = repository.New(c, m.cfg.Deps)
			m.mu.Lock()
			m.repos[c.ID] = r
			m.mu.Unlock()
			m.logger.Info("repository loaded", "repository", c.Name, "version", c.Version)
			continue
		}
		if r.Config().Version == c.Version {
			continue
		}
		if err := m.reconfigure(ctx, r, c); err != nil {
			errs = append(errs, err)
		}
	}

	m.mu.Lock()
	var removed []*repository.Repository
	for id, r := range m.repos {
		if _, ok := seen[id]; !ok {
			removed = append(removed, r)
			delete(m.repos, id)
		}
	}
	m.loaded = true
	m.mu.Unlock()

	for _, r := range removed {
		if err := r.Stop(); err != nil {
			errs = append(errs, err)
		}
		m.logger.Info("repository removed", "repository", r.Name())
	}
	return errors.Join(errs...)
}

func (m *Manager) reconfigure(ctx context.Context, r *repository.Repository, c config.RepositoryConfig) error {
	wasOnline := r.Status() == config.StatusOnline
	if wasOnline {
		if err := r.Stop(); err != nil {
			m.logger.Warn("stop for reconfiguration", "repository", c.Name, "error", err)
		}
	}
	if err := r.SetConfig(c); err != nil {
		return err
	}
	m.logger.Info("repository reconfigured", "repository", c.Name, "version", c.Version, "restart", wasOnline)
	if wasOnline {
		return r.Start(ctx)
	}
	return nil
}

// Start loads repositories if needed, starts every repository configured
// ONLINE and the scheduled jobs. Starting a started manager only starts
// ONLINE repositories that are still offline.
func (m *Manager) Start(ctx context.Context) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	var errs []error
	if !m.isLoaded() {
		if err := m.load(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	errs = append(errs, m.startConfigured(ctx))

	m.mu.Lock()
	alreadyStarted := m.started
	m.started = true
	m.mu.Unlock()
	if !alreadyStarted {
		if err := m.startScheduler(); err != nil {
			errs = append(errs, err)
		}
		m.logger.Info("manager started", "repositories", len(m.Repositories()))
	}
	return errors.Join(errs...)
}

func (m *Manager) isLoaded() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.loaded
}

// startConfigured starts repositories configured ONLINE that are offline.
func (m *Manager) startConfigured(ctx context.Context) error {
	var errs []error
	for _, r := range m.sorted() {
		if r.Config().StartupStatus != config.StatusOnline || r.Status() == config.StatusOnline {
			continue
		}
		if err := r.Start(ctx); err != nil {
			m.logger.Error("start repository", "repository", r.Name(), "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Stop stops the scheduled jobs and every repository. Stopping a stopped
// manager is a no-op.
func (m *Manager) Stop() error {
	// The scheduler goes first: a running reload job holds opMu.
	m.mu.Lock()
	sched := m.scheduler
	m.scheduler = nil
	m.mu.Unlock()
	var errs []error
	if sched != nil {
		errs = append(errs, sched.Stop())
	}

	m.opMu.Lock()
	defer m.opMu.Unlock()

	var g errgroup.Group
	repos := m.sorted()
	stopErrs := make([]error, len(repos))
	for i, r := range repos {
		g.Go(func() error {
			stopErrs[i] = r.Stop()
			return nil
		})
	}
	_ = g.Wait()

	m.mu.Lock()
	wasStarted := m.started
	m.started = false
	m.mu.Unlock()
	if wasStarted {
		m.logger.Info("manager stopped")
	}
	return errors.Join(append(errs, stopErrs...)...)
}

// Reload reloads configurations and, when the manager is started, starts
// repositories configured ONLINE that are offline. Concurrent calls share
// one reload.
func (m *Manager) Reload(ctx context.Context) error {
	err, shared := m.reloads.Do(reloadJobName, func() error {
		m.opMu.Lock()
		defer m.opMu.Unlock()
		errs := []error{m.load(ctx)}
		m.mu.RLock()
		started := m.started
		m.mu.RUnlock()
		if started {
			errs = append(errs, m.startConfigured(ctx))
		}
		return errors.Join(errs...)
	})
	if shared {
		m.logger.Debug("joined in-flight reload")
	}
	return err
}

// StartRepository starts one repository by name or ID.
func (m *Manager) StartRepository(ctx context.Context, nameOrID string) error {
	r, err := m.Repository(nameOrID)
	if err != nil {
		return err
	}
	return r.Start(ctx)
}

// StopRepository stops one repository by name or ID.
func (m *Manager) StopRepository(nameOrID string) error {
	r, err := m.Repository(nameOrID)
	if err != nil {
		return err
	}
	return r.Stop()
}

// Repository looks a repository up by ID, then by name.
func (m *Manager) Repository(nameOrID string) (*repository.Repository, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if r, ok := m.repos[nameOrID]; ok {
		return r, nil
	}
	for _, r := range m.repos {
		if r.Name() == nameOrID {
			return r, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrNotFound, nameOrID)
}

// Repositories returns a status snapshot of every repository, by name.
func (m *Manager) Repositories() []repository.Info {
	repos := m.sorted()
	out := make([]repository.Info, len(repos))
	for i, r := range repos {
		out[i] = r.Info()
	}
	return out
}

// Jobs lists the scheduled jobs of a started manager.
func (m *Manager) Jobs() []JobInfo {
	m.mu.RLock()
	sched := m.scheduler
	m.mu.RUnlock()
	if sched == nil {
		return nil
	}
	return sched.Jobs()
}

func (m *Manager) sorted() []*repository.Repository {
	m.mu.RLock()
	out := make([]*repository.Repository, 0, len(m.repos))
	for _, r := range m.repos {
		out = append(out, r)
	}
	m.mu.RUnlock()
	slices.SortFunc(out, func(a, b *repository.Repository) int { return strings.Compare(a.Name(), b.Name()) })
	return out
}

func (m *Manager) startScheduler() error {
	if m.cfg.ReloadCron == "" && m.cfg.RetentionCron == "" {
		return nil
	}
	sched, err := newScheduler(m.logger)
	if err != nil {
		return err
	}
	if m.cfg.ReloadCron != "" {
		if err := sched.AddJob(reloadJobName, m.cfg.ReloadCron, func(ctx context.Context) {
			if err := m.Reload(ctx); err != nil {
				m.logger.Warn("scheduled reload", "error", err)
			}
		}); err != nil {
			return errors.Join(err, sched.Stop())
		}
	}
	if m.cfg.RetentionCron != "" {
		if err := sched.AddJob(retentionJobName, m.cfg.RetentionCron, func(ctx context.Context) {
			if _, err := m.PurgeExpired(ctx, time.Now()); err != nil {
				m.logger.Warn("scheduled retention", "error", err)
			}
		}); err != nil {
			return errors.Join(err, sched.Stop())
		}
	}
	sched.Start()

	m.mu.Lock()
	m.scheduler = sched
	m.mu.Unlock()
	return nil
}

// PurgeExpired removes stored entries older than each repository's
// RetentionDays, relative to now, and returns the number removed.
func (m *Manager) PurgeExpired(ctx context.Context, now time.Time) (int, error) {
	entries := m.cfg.Deps.Entries
	if entries == nil {
		return 0, nil
	}
	total := 0
	var errs []error
	for _, r := range m.sorted() {
		cfg := r.Config()
		if cfg.RetentionDays <= 0 {
			continue
		}
		cutoff := now.AddDate(0, 0, -cfg.RetentionDays)
		n, err := entries.Purge(ctx, cfg.Name, cutoff)
		total += n
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if n > 0 {
			m.logger.Info("purged expired entries", "repository", cfg.Name, "removed", n, "before", cutoff)
		}
	}
	return total, errors.Join(errs...)
}
