package logging

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
)

// ComponentKey is the attribute key components use to identify themselves.
const ComponentKey = "component"

// filterState is shared between a ComponentFilterHandler and every handler
// derived from it via WithAttrs/WithGroup, so level changes apply to all
// loggers built from the same root.
type filterState struct {
	mu           sync.RWMutex
	defaultLevel slog.Level
	levels       map[string]slog.Level
}

func (s *filterState) level(component string) slog.Level {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if component != "" {
		if l, ok := s.levels[component]; ok {
			return l
		}
	}
	return s.defaultLevel
}

// minLevel is the most permissive level across the default and all overrides.
func (s *filterState) minLevel() slog.Level {
	s.mu.RLock()
	defer s.mu.RUnlock()
	minimum := s.defaultLevel
	for _, l := range s.levels {
		if l < minimum {
			minimum = l
		}
	}
	return minimum
}

// ComponentFilterHandler filters records by level, where the threshold is
// chosen per component. Records carry their component either through a
// pre-set attribute (logger.With("component", ...)) or as a record attribute.
// Records without a component use the default level.
type ComponentFilterHandler struct {
	next      slog.Handler
	state     *filterState
	component string
}

// NewComponentFilterHandler wraps next with per-component level filtering.
// The wrapped handler should itself accept all levels that may be enabled.
func NewComponentFilterHandler(next slog.Handler, defaultLevel slog.Level) *ComponentFilterHandler {
	return &ComponentFilterHandler{
		next: next,
		state: &filterState{
			defaultLevel: defaultLevel,
			levels:       make(map[string]slog.Level),
		},
	}
}

// SetLevel overrides the level for one component.
func (h *ComponentFilterHandler) SetLevel(component string, level slog.Level) {
	h.state.mu.Lock()
	defer h.state.mu.Unlock()
	h.state.levels[component] = level
}

// ClearLevel removes a component override. No-op if none exists.
func (h *ComponentFilterHandler) ClearLevel(component string) {
	h.state.mu.Lock()
	defer h.state.mu.Unlock()
	delete(h.state.levels, component)
}

// Level returns the effective level for a component.
func (h *ComponentFilterHandler) Level(component string) slog.Level {
	return h.state.level(component)
}

// DefaultLevel returns the level used for records without an override.
func (h *ComponentFilterHandler) DefaultLevel() slog.Level {
	h.state.mu.RLock()
	defer h.state.mu.RUnlock()
	return h.state.defaultLevel
}

// Enabled reports whether a record at level could pass. When the component
// is not yet known (record attributes are not visible here) the most
// permissive configured level is used and Handle does the final check.
func (h *ComponentFilterHandler) Enabled(_ context.Context, level slog.Level) bool {
	if h.component != "" {
		return level >= h.state.level(h.component)
	}
	return level >= h.state.minLevel()
}

// Handle forwards the record if it passes the component's level.
func (h *ComponentFilterHandler) Handle(ctx context.Context, r slog.Record) error {
	component := h.component
	if component == "" {
		r.Attrs(func(a slog.Attr) bool {
			if a.Key == ComponentKey {
				component = a.Value.String()
				return false
			}
			return true
		})
	}
	if r.Level < h.state.level(component) {
		return nil
	}
	return h.next.Handle(ctx, r)
}

// WithAttrs returns a derived handler, capturing the component attribute if present.
func (h *ComponentFilterHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	component := h.component
	for _, a := range attrs {
		if a.Key == ComponentKey {
			component = a.Value.String()
		}
	}
	return &ComponentFilterHandler{
		next:      h.next.WithAttrs(attrs),
		state:     h.state,
		component: component,
	}
}

// WithGroup returns a derived handler that keeps filtering.
func (h *ComponentFilterHandler) WithGroup(name string) slog.Handler {
	return &ComponentFilterHandler{
		next:      h.next.WithGroup(name),
		state:     h.state,
		component: h.component,
	}
}

// ParseLevel converts a level name (debug, info, warn, error) to a slog.Level.
func ParseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return 0, fmt.Errorf("invalid log level %q: %w", s, err)
	}
	return l, nil
}

// ParseComponentLevels parses "component=level,component=level" overrides.
func ParseComponentLevels(s string) (map[string]slog.Level, error) {
	out := make(map[string]slog.Level)
	for part := range strings.SplitSeq(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, levelName, ok := strings.Cut(part, "=")
		if !ok || strings.TrimSpace(name) == "" {
			return nil, fmt.Errorf("invalid component level %q: expected component=level", part)
		}
		l, err := ParseLevel(levelName)
		if err != nil {
			return nil, err
		}
		out[strings.TrimSpace(name)] = l
	}
	return out, nil
}
