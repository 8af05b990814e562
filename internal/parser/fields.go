package parser

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"rapidlog/internal/config"
	"rapidlog/internal/entry"
	"rapidlog/internal/logging"
	"rapidlog/internal/tokenizer"
)

// errAbsent marks an optional field that is not present in the line.
var errAbsent = errors.New("absent")

// field is a FieldConfig prepared for conversion.
type field struct {
	config.FieldConfig
	index  int
	layout layout
}

// builder holds what every parser type shares: the field list, the error
// policy and keyword settings.
type builder struct {
	name        string
	repository  string
	policy      config.FieldErrorHandling
	maxKeywords int
	keywordLen  int
	fields      []field
	// timestampField and severityField name fields that override the
	// envelope metadata when they parse.
	timestampField string
	severityField  string
	logger         *slog.Logger
}

func newBuilder(cfg config.ParserConfig, opts Options) (*builder, error) {
	repoDefault := opts.DefaultMaxKeywords
	if repoDefault == 0 {
		repoDefault = config.DefaultMaxKeywords
	}
	b := &builder{
		name:           cfg.Name,
		repository:     opts.Repository,
		policy:         cfg.FieldErrorHandling,
		maxKeywords:    cfg.EffectiveMaxKeywords(repoDefault),
		keywordLen:     opts.MaxKeywordLength,
		timestampField: cfg.Property("timestampField", ""),
		severityField:  cfg.Property("severityField", ""),
		logger:         logging.Default(opts.Logger).With("component", "parser", "parser", cfg.Name),
	}
	if b.policy == "" {
		b.policy = config.SkipField
	}

	names := make(map[string]struct{}, len(cfg.Fields))
	for _, fc := range cfg.Fields {
		if _, dup := names[fc.Name]; dup {
			return nil, fmt.Errorf("%w: duplicate field %q", ErrInvalidConfig, fc.Name)
		}
		names[fc.Name] = struct{}{}
		if fc.DataType == "" {
			fc.DataType = config.TypeString
		}
		f := field{FieldConfig: fc, index: len(b.fields)}
		if fc.DataType == config.TypeDate {
			l, err := parseLayout(fc.Property("format", ""))
			if err != nil {
				return nil, fmt.Errorf("%w: field %q: %w", ErrInvalidConfig, fc.Name, err)
			}
			f.layout = l
		}
		b.fields = append(b.fields, f)
	}
	for _, ref := range []string{b.timestampField, b.severityField} {
		if _, ok := names[ref]; ref != "" && !ok {
			return nil, fmt.Errorf("%w: unknown field %q", ErrInvalidConfig, ref)
		}
	}
	return b, nil
}

// build assembles an entry, asking lookup for each field's source text.
func (b *builder) build(meta Metadata, raw []byte, lookup func(f *field) (string, error)) (*entry.Entry, error) {
	e := &entry.Entry{
		Repository: b.repository,
		Parser:     b.name,
		Timestamp:  meta.Timestamp,
		Source:     meta.Source,
		Host:       meta.Host,
		Severity:   meta.Severity,
		Raw:        string(raw),
		Keywords:   tokenizer.Keywords(raw, b.maxKeywords, b.keywordLen),
	}

	for i := range b.fields {
		f := &b.fields[i]
		text, err := lookup(f)
		var v any
		if err == nil {
			v, err = convert(f.DataType, text, f.layout)
		}
		if errors.Is(err, errAbsent) {
			continue
		}
		if err != nil {
			switch b.policy {
			case config.SkipEntry:
				return nil, &FieldError{Field: f.Name, Err: err}
			case config.SkipField:
				b.logger.Warn("dropping field", "field", f.Name, "source", meta.Source, "error", err)
			}
			continue
		}
		if e.Fields == nil {
			e.Fields = make(map[string]any, len(b.fields))
		}
		e.Fields[f.Name] = v
	}

	if t, ok := e.Fields[b.timestampField].(time.Time); ok {
		e.Timestamp = t
	}
	if s, ok := e.Fields[b.severityField]; ok && b.severityField != "" {
		e.Severity = fmt.Sprint(s)
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	return e, nil
}
