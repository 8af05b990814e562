package parser

import (
	"fmt"
	"strconv"
	"strings"

	"rapidlog/internal/config"
	"rapidlog/internal/entry"
	"rapidlog/internal/tokenizer"
)

// TypeLogfmt is the registry key of the logfmt parser.
const TypeLogfmt = "logfmt"

// Logfmt extracts fields from key=value pairs.
//
// Field properties: "key" (defaults to the field name, case-insensitive),
// "optional" (a missing key is skipped instead of failing), "format".
type Logfmt struct {
	*builder
	keys     []string
	optional []bool
}

// NewLogfmt is the Factory for TypeLogfmt.
func NewLogfmt(cfg config.ParserConfig, opts Options) (Parser, error) {
	b, err := newBuilder(cfg, opts)
	if err != nil {
		return nil, err
	}
	p := &Logfmt{
		builder:  b,
		keys:     make([]string, len(b.fields)),
		optional: make([]bool, len(b.fields)),
	}
	for i, f := range b.fields {
		p.keys[i] = strings.ToLower(f.Property("key", f.Name))
		opt, err := strconv.ParseBool(f.Property("optional", "false"))
		if err != nil {
			return nil, fmt.Errorf("%w: field %q: optional: %w", ErrInvalidConfig, f.Name, err)
		}
		p.optional[i] = opt
	}
	return p, nil
}

// Name returns the configured parser name.
func (p *Logfmt) Name() string { return p.name }

// Parse extracts pairs and converts each configured key.
func (p *Logfmt) Parse(meta Metadata, raw []byte) (*entry.Entry, error) {
	pairs := tokenizer.LogfmtMap(raw)
	return p.build(meta, raw, func(f *field) (string, error) {
		key := p.keys[f.index]
		v, ok := pairs[key]
		switch {
		case ok:
			return v, nil
		case p.optional[f.index]:
			return "", errAbsent
		default:
			return "", fmt.Errorf("%w %q", ErrMissingKey, key)
		}
	})
}
