package parser

import (
	"fmt"
	"strconv"
	"strings"

	"rapidlog/internal/config"
	"rapidlog/internal/entry"
)

// TypeDelimited is the registry key of the delimited-text parser.
const TypeDelimited = "delimited"

var delimiterAliases = map[string]string{
	"tab":       "\t",
	`\t`:        "\t",
	"space":     " ",
	"pipe":      "|",
	"comma":     ",",
	"semicolon": ";",
}

// Delimited splits a line on a delimiter and maps 1-based columns to fields.
//
// Parser properties: "delimiter" (default ","), "trim" (default true).
// Field properties: "column" (required), "format" for DATE fields.
type Delimited struct {
	*builder
	delimiter string
	trim      bool
	columns   []int
}

// NewDelimited is the Factory for TypeDelimited.
func NewDelimited(cfg config.ParserConfig, opts Options) (Parser, error) {
	b, err := newBuilder(cfg, opts)
	if err != nil {
		return nil, err
	}
	delim := cfg.Property("delimiter", ",")
	if alias, ok := delimiterAliases[strings.ToLower(delim)]; ok {
		delim = alias
	}
	if delim == "" {
		return nil, fmt.Errorf("%w: empty delimiter", ErrInvalidConfig)
	}
	trim, err := strconv.ParseBool(cfg.Property("trim", "true"))
	if err != nil {
		return nil, fmt.Errorf("%w: trim: %w", ErrInvalidConfig, err)
	}

	p := &Delimited{builder: b, delimiter: delim, trim: trim}
	for _, f := range b.fields {
		col, err := strconv.Atoi(f.Property("column", ""))
		if err != nil || col < 1 {
			return nil, fmt.Errorf("%w: field %q needs a column >= 1", ErrInvalidConfig, f.Name)
		}
		p.columns = append(p.columns, col)
	}
	return p, nil
}

// Name returns the configured parser name.
func (p *Delimited) Name() string { return p.name }

// Parse splits raw and converts each configured column.
func (p *Delimited) Parse(meta Metadata, raw []byte) (*entry.Entry, error) {
	line := strings.TrimRight(string(raw), "\r\n")
	cols := strings.Split(line, p.delimiter)
	return p.build(meta, raw, func(f *field) (string, error) {
		col := p.columns[f.index]
		if col > len(cols) {
			return "", fmt.Errorf("%w %d of %d", ErrMissingColumn, col, len(cols))
		}
		v := cols[col-1]
		if p.trim {
			v = strings.TrimSpace(v)
		}
		return v, nil
	})
}
