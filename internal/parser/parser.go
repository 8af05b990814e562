// Package parser turns raw log lines into structured entries.
//
// A repository carries an ordered list of parser configurations. Each one
// names a parser type that is instantiated through a Registry, and a
// Selector picks the first configured parser whose source and host
// filters match an incoming message.
//
// Field conversion failures are handled per parser according to its
// config.FieldErrorHandling policy: the failed field is dropped (silently
// or with a warning) or the whole entry is rejected with a *FieldError.
package parser

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"rapidlog/internal/config"
	"rapidlog/internal/entry"
)

var (
	// ErrNoParser is returned when no configured parser applies to a message.
	ErrNoParser = errors.New("no parser applies")
	// ErrMissingColumn is the cause of a field error for a delimited line
	// with fewer columns than the field's position.
	ErrMissingColumn = errors.New("missing column")
	// ErrMissingKey is the cause of a field error for a logfmt line
	// without the field's key.
	ErrMissingKey = errors.New("missing key")
	// ErrUnknownType is returned for parser types not in the registry.
	ErrUnknownType = errors.New("unknown parser type")
	// ErrInvalidConfig is returned when a parser cannot be built from its
	// configuration.
	ErrInvalidConfig = errors.New("invalid parser config")
)

// FieldError reports a field that could not be extracted or converted.
type FieldError struct {
	Field string
	Err   error
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("field %q: %v", e.Field, e.Err)
}

func (e *FieldError) Unwrap() error { return e.Err }

// Metadata is the envelope information delivered with a raw line.
type Metadata struct {
	Timestamp time.Time
	Source    string
	Host      string
	Severity  string
}

// Parser converts one raw line into an entry.
type Parser interface {
	// Name is the configured parser name.
	Name() string
	Parse(meta Metadata, raw []byte) (*entry.Entry, error)
}

// Options are the repository-level settings every parser receives.
type Options struct {
	Repository string
	// DefaultMaxKeywords resolves parsers that inherit their keyword cap.
	// Zero means config.DefaultMaxKeywords.
	DefaultMaxKeywords int
	MaxKeywordLength   int
	Logger             *slog.Logger
}

// Factory builds a parser from its configuration.
type Factory func(cfg config.ParserConfig, opts Options) (Parser, error)

// Registry maps parser type names to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// DefaultRegistry returns a registry with the built-in parser types.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(TypeDelimited, NewDelimited)
	r.Register(TypeLogfmt, NewLogfmt)
	return r
}

// Register adds or replaces a factory.
func (r *Registry) Register(typ string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[typ] = f
}

// Types returns the registered type names, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for k := range r.factories {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}

// New instantiates the parser described by cfg.
func (r *Registry) New(cfg config.ParserConfig, opts Options) (Parser, error) {
	r.mu.RLock()
	f, ok := r.factories[cfg.Type]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q (parser %q)", ErrUnknownType, cfg.Type, cfg.Name)
	}
	p, err := f(cfg, opts)
	if err != nil {
		return nil, fmt.Errorf("parser %q: %w", cfg.Name, err)
	}
	return p, nil
}
