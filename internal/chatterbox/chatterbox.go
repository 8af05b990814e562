// Package chatterbox generates synthetic log lines for the default
// repository: CSV lines, logfmt lines and the occasional malformed line
// that ends up on the dead-letter address.
package chatterbox

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strconv"
	"time"

	"rapidlog/internal/logging"
	"rapidlog/internal/queue"
)

// Line is one generated log line with its envelope.
type Line struct {
	Body      []byte
	Source    string
	Host      string
	Severity  string
	Timestamp time.Time
}

// Message wraps l as a queue message.
func (l Line) Message() *queue.Message {
	props := map[string]string{
		queue.PropSource:    l.Source,
		queue.PropHost:      l.Host,
		queue.PropTimestamp: l.Timestamp.Format(time.RFC3339Nano),
	}
	if l.Severity != "" {
		props[queue.PropSeverity] = l.Severity
	}
	return &queue.Message{Body: l.Body, Properties: props, Timestamp: l.Timestamp}
}

// Format produces one kind of line.
type Format interface {
	Generate(rng *rand.Rand, now time.Time) Line
}

// Config configures a Generator. Zero values get defaults.
type Config struct {
	MinInterval time.Duration
	MaxInterval time.Duration
	// Weights selects formats by name ("csv", "logfmt", "broken").
	// Nil uses DefaultWeights.
	Weights map[string]int
	Hosts   int
	// Seed makes output reproducible. Zero seeds from the clock.
	Seed uint64
}

// DefaultWeights mostly emits valid lines.
var DefaultWeights = map[string]int{"csv": 6, "logfmt": 3, "broken": 1}

// Generator emits lines at random intervals.
type Generator struct {
	minInterval time.Duration
	maxInterval time.Duration
	rng         *rand.Rand

	formats []Format
	// weights[i] is the cumulative weight of formats[0..i].
	weights     []int
	totalWeight int

	logger *slog.Logger
}

// New builds a generator.
func New(cfg Config, logger *slog.Logger) (*Generator, error) {
	if cfg.MinInterval <= 0 {
		cfg.MinInterval = 100 * time.Millisecond
	}
	if cfg.MaxInterval < cfg.MinInterval {
		cfg.MaxInterval = max(time.Second, cfg.MinInterval)
	}
	if cfg.Hosts <= 0 {
		cfg.Hosts = 3
	}
	if cfg.Weights == nil {
		cfg.Weights = DefaultWeights
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = uint64(time.Now().UnixNano()) //nolint:gosec // non-negative clock value
	}

	hosts := make([]string, cfg.Hosts)
	for i := range hosts {
		hosts[i] = fmt.Sprintf("host-%d", i+1)
	}
	known := map[string]Format{
		"csv":    csvFormat{hosts: hosts},
		"logfmt": logfmtFormat{hosts: hosts},
		"broken": brokenFormat{hosts: hosts},
	}

	g := &Generator{
		minInterval: cfg.MinInterval,
		maxInterval: cfg.MaxInterval,
		rng:         rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)), //nolint:gosec // synthetic data
		logger:      logging.Default(logger).With("component", "chatterbox"),
	}
	// Fixed order keeps seeded output stable.
	for _, name := range []string{"csv", "logfmt", "broken"} {
		w, ok := cfg.Weights[name]
		if !ok || w <= 0 {
			continue
		}
		g.totalWeight += w
		g.formats = append(g.formats, known[name])
		g.weights = append(g.weights, g.totalWeight)
	}
	for name := range cfg.Weights {
		if _, ok := known[name]; !ok {
			return nil, fmt.Errorf("unknown chatterbox format %q", name)
		}
	}
	if len(g.formats) == 0 {
		return nil, fmt.Errorf("no chatterbox format enabled")
	}
	return g, nil
}

// Next generates one line.
func (g *Generator) Next() Line {
	n := g.rng.IntN(g.totalWeight)
	for i, w := range g.weights {
		if n < w {
			return g.formats[i].Generate(g.rng, time.Now())
		}
	}
	return g.formats[len(g.formats)-1].Generate(g.rng, time.Now())
}

// Run calls emit with a new line at random intervals until ctx is
// cancelled. An emit error is logged and generation continues.
func (g *Generator) Run(ctx context.Context, emit func(context.Context, Line) error) error {
	g.logger.Info("chatterbox started", "min", g.minInterval, "max", g.maxInterval)
	timer := time.NewTimer(g.randomInterval())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			g.logger.Info("chatterbox stopped")
			return nil
		case <-timer.C:
		}
		if err := emit(ctx, g.Next()); err != nil && ctx.Err() == nil {
			g.logger.Warn("emit failed", "error", err)
		}
		timer.Reset(g.randomInterval())
	}
}

func (g *Generator) randomInterval() time.Duration {
	if g.minInterval >= g.maxInterval {
		return g.minInterval
	}
	return g.minInterval + time.Duration(g.rng.Int64N(int64(g.maxInterval-g.minInterval)))
}

func pick[T any](rng *rand.Rand, items []T) T {
	return items[rng.IntN(len(items))]
}

var (
	levels   = []string{"DEBUG", "INFO", "INFO", "INFO", "WARN", "ERROR"}
	messages = []string{
		"request completed",
		"database query executed",
		"cache lookup",
		"authentication attempt",
		"file uploaded",
		"email sent to ops@example.com",
		"job processed",
		"event published",
		"session created",
		"connection reset by peer",
	}
	services = []string{"api", "web", "worker", "gateway", "auth"}
)

// csvFormat emits "time,severity,message" lines.
type csvFormat struct{ hosts []string }

func (f csvFormat) Generate(rng *rand.Rand, now time.Time) Line {
	level := pick(rng, levels)
	ts := now.UTC().Truncate(time.Millisecond)
	body := fmt.Sprintf("%s,%s,%s", ts.Format("2006-01-02T15:04:05.000Z07:00"), level, pick(rng, messages))
	return Line{Body: []byte(body), Source: pick(rng, services), Host: pick(rng, f.hosts), Timestamp: ts}
}

// logfmtFormat emits key=value lines for the "logfmt" source.
type logfmtFormat struct{ hosts []string }

func (f logfmtFormat) Generate(rng *rand.Rand, now time.Time) Line {
	body := fmt.Sprintf("level=%s msg=%s service=%s duration_ms=%d",
		pick(rng, levels), strconv.Quote(pick(rng, messages)), pick(rng, services), rng.IntN(500))
	return Line{Body: []byte(body), Source: "logfmt", Host: pick(rng, f.hosts), Timestamp: now}
}

// brokenFormat emits CSV lines whose timestamp does not parse.
type brokenFormat struct{ hosts []string }

func (f brokenFormat) Generate(rng *rand.Rand, now time.Time) Line {
	body := fmt.Sprintf("yesterday-ish,%s,%s", pick(rng, levels), pick(rng, messages))
	return Line{Body: []byte(body), Source: pick(rng, services), Host: pick(rng, f.hosts), Timestamp: now}
}
