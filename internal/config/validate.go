package config

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"rapidlog/internal/docstore"
	"rapidlog/internal/queue"
)

var (
	// ErrInvalid is returned for configuration that fails validation.
	ErrInvalid = errors.New("invalid repository config")
	// ErrNotFound is returned when no repository config matches.
	ErrNotFound = docstore.ErrNotFound
	// ErrConflict is returned for stale versions and duplicate names.
	ErrConflict = docstore.ErrConflict
)

// Repository names become address words, so dots and wildcards are out.
var namePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]{0,63}$`)

// Normalize fills defaults in place.
func (c *RepositoryConfig) Normalize() {
	c.Name = strings.TrimSpace(c.Name)
	if c.DisplayName == "" {
		c.DisplayName = c.Name
	}
	if c.StartupStatus == "" {
		c.StartupStatus = StatusOffline
	}
	if c.WriteQueueWorkerCount == 0 {
		c.WriteQueueWorkerCount = DefaultWorkerCount
	}
	if c.DeadLetterAddress == "" && c.Name != "" {
		c.DeadLetterAddress = DeadLetterAddress(c.Name)
	}
	if c.MaxMemoryPolicy == "" {
		c.MaxMemoryPolicy = string(queue.PolicyPage)
	}
	if c.MaxDeliveryAttempts == 0 {
		c.MaxDeliveryAttempts = DefaultMaxDeliveryAttempts
	}
	if c.DefaultMaxKeywords == 0 {
		c.DefaultMaxKeywords = DefaultMaxKeywords
	}
	if c.MaxKeywordLength == 0 {
		c.MaxKeywordLength = DefaultMaxKeywordLength
	}
	for i := range c.Parsers {
		p := &c.Parsers[i]
		if p.AppliesTo == "" {
			p.AppliesTo = AppliesAll
		}
		if p.Type == "" {
			p.Type = DefaultParserType
		}
		if p.FieldErrorHandling == "" {
			p.FieldErrorHandling = SkipField
		}
		for j := range p.Fields {
			if p.Fields[j].DataType == "" {
				p.Fields[j].DataType = TypeString
			}
		}
	}
}

// Validate checks a proposed configuration against the previously stored
// value (nil for a new repository) and returns the normalized result.
// It has no side effects.
func Validate(proposed RepositoryConfig, previous *RepositoryConfig) (RepositoryConfig, error) {
	cfg := proposed.Clone()
	cfg.Normalize()

	var errs []error
	fail := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...)))
	}

	if previous == nil {
		if cfg.Version != 0 {
			return cfg, fmt.Errorf("%w: new repository %q must not carry version %d", ErrConflict, cfg.Name, cfg.Version)
		}
	} else {
		if cfg.ID == "" {
			cfg.ID = previous.ID
		}
		if cfg.ID != previous.ID {
			fail("id %q does not match stored id %q", cfg.ID, previous.ID)
		}
		if cfg.Name != previous.Name {
			fail("name is immutable (%q -> %q)", previous.Name, cfg.Name)
		}
		if cfg.Version != previous.Version {
			return cfg, fmt.Errorf("%w: repository %q is at version %d, not %d", ErrConflict, previous.Name, previous.Version, cfg.Version)
		}
	}

	if cfg.Name == "" {
		fail("name is required")
	} else if !namePattern.MatchString(cfg.Name) {
		fail("name %q must be 1-64 letters, digits, '-' or '_'", cfg.Name)
	}
	switch cfg.StartupStatus {
	case StatusOnline, StatusOffline:
	default:
		fail("unknown startupStatus %q", cfg.StartupStatus)
	}
	if cfg.WriteQueueWorkerCount < 1 {
		fail("writeQueueWorkerCount must be >= 1, got %d", cfg.WriteQueueWorkerCount)
	}
	if cfg.MaxMemory != "" {
		if _, err := ParseBytes(cfg.MaxMemory); err != nil {
			fail("invalid maxMemory %q: %v", cfg.MaxMemory, err)
		}
	}
	if cfg.PageSize != "" {
		if _, err := ParseBytes(cfg.PageSize); err != nil {
			fail("invalid pageSize %q: %v", cfg.PageSize, err)
		}
	}
	if _, err := queue.ParseFullPolicy(cfg.MaxMemoryPolicy); err != nil {
		fail("%v", err)
	}
	if cfg.PageCountCache < 0 {
		fail("pageCountCache must be >= 0")
	}
	if cfg.MaxDeliveryAttempts < 0 {
		fail("maxDeliveryAttempts must be >= 0")
	}
	if cfg.RedeliveryDelay != "" {
		if d, err := time.ParseDuration(cfg.RedeliveryDelay); err != nil || d < 0 {
			fail("invalid redeliveryDelay %q", cfg.RedeliveryDelay)
		}
	}
	if cfg.DefaultMaxKeywords < UnlimitedKeywords {
		fail("defaultMaxKeywords must be >= -1, got %d", cfg.DefaultMaxKeywords)
	}
	if cfg.MaxKeywordLength < 0 {
		fail("maxKeywordLength must be >= 0")
	}
	if cfg.RetentionDays < 0 {
		fail("retentionDays must be >= 0")
	}

	parserNames := make(map[string]struct{}, len(cfg.Parsers))
	for i, p := range cfg.Parsers {
		label := fmt.Sprintf("parser %d", i+1)
		if p.Name == "" {
			fail("%s: name is required", label)
		} else {
			label = fmt.Sprintf("parser %q", p.Name)
			if _, dup := parserNames[p.Name]; dup {
				fail("duplicate parser name %q", p.Name)
			}
			parserNames[p.Name] = struct{}{}
		}
		errs = append(errs, validateParser(label, p)...)
	}

	return cfg, errors.Join(errs...)
}

func validateParser(label string, p ParserConfig) []error {
	var errs []error
	fail := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: %s: %s", ErrInvalid, label, fmt.Sprintf(format, args...)))
	}

	switch p.AppliesTo {
	case AppliesNone, AppliesAll, AppliesFilteredCSV:
	case AppliesFilteredRegex:
		for _, expr := range []string{p.SourceFilter, p.HostFilter} {
			if _, err := regexp.Compile(expr); err != nil {
				fail("invalid filter regex %q: %v", expr, err)
			}
		}
	default:
		fail("unknown appliesTo %q", p.AppliesTo)
	}
	switch p.FieldErrorHandling {
	case SkipFieldIgnoreError, SkipField, SkipEntry:
	default:
		fail("unknown fieldErrorHandling %q", p.FieldErrorHandling)
	}
	if p.MaxKeywords != nil && *p.MaxKeywords < InheritKeywords {
		fail("maxKeywords must be >= -2, got %d", *p.MaxKeywords)
	}

	fieldNames := make(map[string]struct{}, len(p.Fields))
	for j, f := range p.Fields {
		if f.Name == "" {
			fail("field %d: name is required", j+1)
			continue
		}
		if _, dup := fieldNames[f.Name]; dup {
			fail("duplicate field name %q", f.Name)
		}
		fieldNames[f.Name] = struct{}{}
		switch f.DataType {
		case TypeString, TypeInteger, TypeLong, TypeDouble, TypeDate, TypeBoolean:
		default:
			fail("field %q: unknown dataType %q", f.Name, f.DataType)
		}
	}
	return errs
}
