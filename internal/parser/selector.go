package parser

import (
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"rapidlog/internal/config"
	"rapidlog/internal/entry"
)

type candidate struct {
	parser Parser
	match  func(source, host string) bool
}

// Selector routes messages to the first configured parser whose filter
// matches the message source and host.
type Selector struct {
	candidates []candidate
}

// NewSelector instantiates every parser of a repository in order.
func NewSelector(repo config.RepositoryConfig, reg *Registry, logger *slog.Logger) (*Selector, error) {
	opts := Options{
		Repository:         repo.Name,
		DefaultMaxKeywords: repo.DefaultMaxKeywords,
		MaxKeywordLength:   repo.MaxKeywordLength,
		Logger:             logger,
	}
	s := &Selector{}
	for _, pc := range repo.Parsers {
		if pc.AppliesTo == config.AppliesNone {
			continue
		}
		match, err := matcher(pc)
		if err != nil {
			return nil, fmt.Errorf("parser %q: %w", pc.Name, err)
		}
		p, err := reg.New(pc, opts)
		if err != nil {
			return nil, err
		}
		s.candidates = append(s.candidates, candidate{parser: p, match: match})
	}
	return s, nil
}

// Select returns the parser for a message, or false if none applies.
func (s *Selector) Select(meta Metadata) (Parser, bool) {
	for _, c := range s.candidates {
		if c.match(meta.Source, meta.Host) {
			return c.parser, true
		}
	}
	return nil, false
}

// Parse selects a parser and runs it. It returns ErrNoParser when no
// parser applies.
func (s *Selector) Parse(meta Metadata, raw []byte) (*entry.Entry, error) {
	p, ok := s.Select(meta)
	if !ok {
		return nil, fmt.Errorf("%w: source %q host %q", ErrNoParser, meta.Source, meta.Host)
	}
	return p.Parse(meta, raw)
}

// matcher builds the filter for one parser. Source and host filters must
// both match; an empty filter matches anything.
func matcher(pc config.ParserConfig) (func(source, host string) bool, error) {
	switch pc.AppliesTo {
	case config.AppliesAll, "":
		return func(string, string) bool { return true }, nil
	case config.AppliesFilteredCSV:
		src, host := csvSet(pc.SourceFilter), csvSet(pc.HostFilter)
		return func(source, h string) bool {
			return inSet(src, source) && inSet(host, h)
		}, nil
	case config.AppliesFilteredRegex:
		src, err := anchored(pc.SourceFilter)
		if err != nil {
			return nil, err
		}
		host, err := anchored(pc.HostFilter)
		if err != nil {
			return nil, err
		}
		return func(source, h string) bool {
			return (src == nil || src.MatchString(source)) && (host == nil || host.MatchString(h))
		}, nil
	default:
		return nil, fmt.Errorf("%w: appliesTo %q", ErrInvalidConfig, pc.AppliesTo)
	}
}

func csvSet(filter string) map[string]struct{} {
	if strings.TrimSpace(filter) == "" {
		return nil
	}
	set := make(map[string]struct{})
	for v := range strings.SplitSeq(filter, ",") {
		if v = strings.TrimSpace(v); v != "" {
			set[v] = struct{}{}
		}
	}
	return set
}

func inSet(set map[string]struct{}, v string) bool {
	if set == nil {
		return true
	}
	_, ok := set[v]
	return ok
}

// anchored compiles a whole-string match, nil for an empty expression.
func anchored(expr string) (*regexp.Regexp, error) {
	if expr == "" {
		return nil, nil
	}
	re, err := regexp.Compile("^(?:" + expr + ")$")
	if err != nil {
		return nil, fmt.Errorf("%w: filter %q: %w", ErrInvalidConfig, expr, err)
	}
	return re, nil
}
