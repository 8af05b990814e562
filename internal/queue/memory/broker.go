// Package memory provides an in-process queue.Transport.
//
// The broker keeps every queue in memory. Durability flags are recorded and
// reported but messages do not survive a restart. It is used by tests and
// by single-node deployments where producers run in the same process.
//
// Addresses are dot-separated words. Settings and security patterns use
// '#' (any number of words) and '*' (exactly one word).
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/google/uuid"

	"rapidlog/internal/logging"
	"rapidlog/internal/queue"
)

// User is a broker account. PasswordHash is produced by HashPassword.
type User struct {
	PasswordHash string
	Roles        []string
}

// Config configures a Broker.
type Config struct {
	// Users enables authentication and role checks. When empty, security
	// is disabled and any credentials are accepted.
	Users  map[string]User
	Logger *slog.Logger
}

type patternSettings struct {
	pattern  string
	settings queue.AddressSettings
}

type securityRule struct {
	pattern     string
	sendRole    string
	consumeRole string
}

// Broker is an in-memory queue.Transport.
type Broker struct {
	mu       sync.Mutex
	queues   map[string]*memQueue   // by queue name
	bindings map[string][]*memQueue // by address
	settings []patternSettings
	rules    []securityRule
	users    map[string]User
	sessions map[*session]struct{}
	closed   bool

	logger *slog.Logger
}

var _ queue.Transport = (*Broker)(nil)

// New creates an empty broker.
func New(cfg Config) *Broker {
	return &Broker{
		queues:   make(map[string]*memQueue),
		bindings: make(map[string][]*memQueue),
		users:    cfg.Users,
		sessions: make(map[*session]struct{}),
		logger:   logging.Default(cfg.Logger).With("component", "queue", "type", "memory"),
	}
}

// DeployQueue creates a queue bound to address. Redeploying an existing
// queue on the same address is a no-op.
func (b *Broker) DeployQueue(_ context.Context, address, name string, durable bool) error {
	if address == "" || name == "" {
		return fmt.Errorf("deploy queue: address and name are required")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return queue.ErrClosed
	}
	if q, ok := b.queues[name]; ok {
		if q.address != address {
			return fmt.Errorf("deploy queue %s: already bound to address %s", name, q.address)
		}
		return nil
	}
	q := newMemQueue(address, name, durable)
	b.queues[name] = q
	b.bindings[address] = append(b.bindings[address], q)
	b.logger.Debug("queue deployed", "address", address, "queue", name, "durable", durable)
	return nil
}

// DestroyQueue removes a queue. Consumers blocked on it wake up with
// queue.ErrQueueNotFound.
func (b *Broker) DestroyQueue(_ context.Context, name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[name]
	if !ok {
		return fmt.Errorf("%w: %s", queue.ErrQueueNotFound, name)
	}
	delete(b.queues, name)
	bound := slices.DeleteFunc(b.bindings[q.address], func(x *memQueue) bool { return x == q })
	if len(bound) == 0 {
		delete(b.bindings, q.address)
	} else {
		b.bindings[q.address] = bound
	}
	q.destroyed = true
	q.signal()
	q.signalSpace()
	b.logger.Debug("queue destroyed", "queue", name)
	return nil
}

// QueueControl describes a queue, or returns nil, nil if it does not exist
// (or is bound to a different address when address is non-empty).
func (b *Broker) QueueControl(_ context.Context, address, name string) (*queue.QueueInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[name]
	if !ok || (address != "" && q.address != address) {
		return nil, nil
	}
	return &queue.QueueInfo{
		Address:         q.address,
		Name:            q.name,
		Durable:         q.durable,
		MessageCount:    int64(len(q.msgs)),
		DeliveringCount: q.delivering,
		ConsumerCount:   q.consumers,
	}, nil
}

// SetAddressSettings registers settings for a pattern, replacing any
// settings previously registered for the same pattern.
func (b *Broker) SetAddressSettings(pattern string, settings queue.AddressSettings) error {
	if err := validatePattern(pattern); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.settings = slices.DeleteFunc(b.settings, func(ps patternSettings) bool { return ps.pattern == pattern })
	b.settings = append(b.settings, patternSettings{pattern: pattern, settings: settings})
	return nil
}

// AddSecuritySettings grants roles on matching addresses.
func (b *Broker) AddSecuritySettings(pattern, sendRole, consumeRole string) error {
	if err := validatePattern(pattern); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rules = slices.DeleteFunc(b.rules, func(r securityRule) bool { return r.pattern == pattern })
	b.rules = append(b.rules, securityRule{pattern: pattern, sendRole: sendRole, consumeRole: consumeRole})
	return nil
}

// CreateSession authenticates creds (when security is enabled) and opens a session.
func (b *Broker) CreateSession(_ context.Context, creds queue.Credentials, transacted bool) (queue.Session, error) {
	// users is fixed at construction; hashing runs outside the lock.
	var roles []string
	if len(b.users) > 0 {
		u, ok := b.users[creds.User]
		if !ok {
			return nil, fmt.Errorf("%w: invalid credentials for user %q", queue.ErrUnauthorized, creds.User)
		}
		match, err := verifyPassword(creds.Password, u.PasswordHash)
		if err != nil {
			b.logger.Warn("unusable password hash", "user", creds.User, "error", err)
		}
		if !match {
			return nil, fmt.Errorf("%w: invalid credentials for user %q", queue.ErrUnauthorized, creds.User)
		}
		roles = u.Roles
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, queue.ErrClosed
	}
	s := &session{
		id:         uuid.Must(uuid.NewV7()).String(),
		broker:     b,
		user:       creds.User,
		roles:      roles,
		transacted: transacted,
		closedCh:   make(chan struct{}),
	}
	b.sessions[s] = struct{}{}
	return s, nil
}

// Close closes every session and rejects further use.
func (b *Broker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	sessions := make([]*session, 0, len(b.sessions))
	for s := range b.sessions {
		sessions = append(sessions, s)
	}
	for _, q := range b.queues {
		q.signal()
		q.signalSpace()
	}
	b.mu.Unlock()

	for _, s := range sessions {
		_ = s.Close()
	}
	return nil
}

// settingsFor returns the settings of the most specific matching pattern.
// Caller must hold b.mu.
func (b *Broker) settingsFor(address string) queue.AddressSettings {
	var best queue.AddressSettings
	bestScore := -1
	for _, ps := range b.settings {
		if !matchAddress(ps.pattern, address) {
			continue
		}
		if score := specificity(ps.pattern); score >= bestScore {
			best, bestScore = ps.settings, score
		}
	}
	return best
}

// authorize checks that roles grant the send or consume permission on
// address. Caller must hold b.mu.
func (b *Broker) authorize(roles []string, address string, send bool) error {
	if len(b.users) == 0 {
		return nil
	}
	for _, r := range b.rules {
		if !matchAddress(r.pattern, address) {
			continue
		}
		role := r.consumeRole
		if send {
			role = r.sendRole
		}
		if role != "" && slices.Contains(roles, role) {
			return nil
		}
	}
	op := "consume"
	if send {
		op = "send"
	}
	return fmt.Errorf("%w: no role grants %s on %s", queue.ErrUnauthorized, op, address)
}

// validatePattern checks that pattern translates into a valid glob.
func validatePattern(pattern string) error {
	if pattern == "" {
		return fmt.Errorf("empty address pattern")
	}
	if !doublestar.ValidatePattern(toGlob(pattern)) {
		return fmt.Errorf("invalid address pattern %q", pattern)
	}
	return nil
}

// toGlob maps an address pattern onto a path glob: words become path
// segments, '#' becomes '**'.
func toGlob(pattern string) string {
	words := strings.Split(pattern, ".")
	for i, w := range words {
		if w == "#" {
			words[i] = "**"
		}
	}
	return strings.Join(words, "/")
}

func matchAddress(pattern, address string) bool {
	ok, err := doublestar.Match(toGlob(pattern), strings.ReplaceAll(address, ".", "/"))
	return err == nil && ok
}

// specificity ranks patterns: literal characters count, wildcards do not.
func specificity(pattern string) int {
	n := 0
	for _, w := range strings.Split(pattern, ".") {
		if w != "#" && w != "*" {
			n += len(w) + 1
		}
	}
	return n
}
