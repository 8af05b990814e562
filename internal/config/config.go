// Package config holds repository configuration: the value types, their
// pure validation, and a typed store over the document store.
//
// A RepositoryConfig is a declarative snapshot. Repositories copy it at
// construction and never observe later edits until they are stopped and
// reconfigured.
package config

import (
	"fmt"
	"maps"
	"strconv"
	"strings"
	"time"

	"github.com/go-co-op/gocron/v2"
)

// Status is the desired or observed repository state.
type Status string

const (
	StatusOnline  Status = "ONLINE"
	StatusOffline Status = "OFFLINE"
)

// AppliesTo decides which messages a parser handles.
type AppliesTo string

const (
	// AppliesNone disables the parser.
	AppliesNone AppliesTo = "NONE"
	// AppliesAll matches every message.
	AppliesAll AppliesTo = "ALL"
	// AppliesFilteredCSV matches when source and host appear in the
	// comma-separated SourceFilter and HostFilter lists.
	AppliesFilteredCSV AppliesTo = "FILTERED_CSV"
	// AppliesFilteredRegex matches when source and host match the
	// SourceFilter and HostFilter regular expressions.
	AppliesFilteredRegex AppliesTo = "FILTERED_REGEX"
)

// DataType is the declared type of a parsed field.
type DataType string

const (
	TypeString  DataType = "STRING"
	TypeInteger DataType = "INTEGER"
	TypeLong    DataType = "LONG"
	TypeDouble  DataType = "DOUBLE"
	TypeDate    DataType = "DATE"
	TypeBoolean DataType = "BOOLEAN"
)

// FieldErrorHandling is the policy applied when a field fails to convert.
type FieldErrorHandling string

const (
	// SkipFieldIgnoreError drops the field silently.
	SkipFieldIgnoreError FieldErrorHandling = "SKIP_FIELD_IGNORE_ERROR"
	// SkipField drops the field and logs a warning.
	SkipField FieldErrorHandling = "SKIP_FIELD"
	// SkipEntry fails the whole entry, routing it to the dead-letter address.
	SkipEntry FieldErrorHandling = "SKIP_ENTRY"
)

// Keyword cap sentinels for ParserConfig.MaxKeywords.
const (
	UnlimitedKeywords = -1
	InheritKeywords   = -2
)

// Defaults applied by Normalize.
const (
	DefaultWorkerCount         = 1
	DefaultMaxDeliveryAttempts = 10
	DefaultMaxKeywords         = 100
	DefaultMaxKeywordLength    = 32
	DefaultParserType          = "delimited"
)

// RepositoryConfig is the durable configuration of one repository.
type RepositoryConfig struct {
	// ID and Version are assigned by the store. Version is the optimistic
	// lock: updates must carry the version they were read at.
	ID      string `json:"id,omitempty"`
	Version int64  `json:"version,omitempty"`

	// Name is the immutable identity key.
	Name          string `json:"name"`
	DisplayName   string `json:"displayName,omitempty"`
	Description   string `json:"description,omitempty"`
	StartupStatus Status `json:"startupStatus,omitempty"`
	StoreEntries  bool   `json:"storeEntries"`

	DurableWriteQueue bool   `json:"durableWriteQueue"`
	ReadQueueEnabled  bool   `json:"readQueueEnabled,omitempty"`
	DurableReadQueue  bool   `json:"durableReadQueue,omitempty"`
	DeadLetterAddress string `json:"deadLetterAddress,omitempty"`

	WriteQueueWorkerCount int `json:"writeQueueWorkerCount,omitempty"`

	// MaxMemory and PageSize accept byte sizes with B, KB, MB or GB suffixes.
	// Empty MaxMemory leaves the write queue unbounded.
	MaxMemory       string `json:"maxMemory,omitempty"`
	MaxMemoryPolicy string `json:"maxMemoryPolicy,omitempty"`
	PageSize        string `json:"pageSize,omitempty"`
	PageCountCache  int    `json:"pageCountCache,omitempty"`

	// MaxDeliveryAttempts bounds transport redelivery of messages whose
	// transaction failed. RedeliveryDelay is a Go duration.
	MaxDeliveryAttempts int    `json:"maxDeliveryAttempts,omitempty"`
	RedeliveryDelay     string `json:"redeliveryDelay,omitempty"`

	// DefaultMaxKeywords is inherited by parsers with MaxKeywords -2.
	DefaultMaxKeywords int `json:"defaultMaxKeywords,omitempty"`
	MaxKeywordLength   int `json:"maxKeywordLength,omitempty"`

	// RetentionDays purges stored entries older than this. 0 keeps forever.
	RetentionDays int `json:"retentionDays,omitempty"`

	// WriteRole and ReadRole restrict queue access when the transport
	// enforces security.
	WriteRole string `json:"writeRole,omitempty"`
	ReadRole  string `json:"readRole,omitempty"`

	Parsers []ParserConfig `json:"parsers,omitempty"`
}

// ParserConfig attaches one parsing strategy to a repository.
type ParserConfig struct {
	Name         string    `json:"name"`
	AppliesTo    AppliesTo `json:"appliesTo,omitempty"`
	SourceFilter string    `json:"sourceFilter,omitempty"`
	HostFilter   string    `json:"hostFilter,omitempty"`
	// Type is the parser registry key, e.g. "delimited" or "logfmt".
	Type string `json:"type,omitempty"`
	// MaxKeywords caps extracted keywords: -1 unlimited, -2 (or unset)
	// inherits the repository default.
	MaxKeywords        *int               `json:"maxKeywords,omitempty"`
	FieldErrorHandling FieldErrorHandling `json:"fieldErrorHandling,omitempty"`
	Fields             []FieldConfig      `json:"fields,omitempty"`
	Properties         map[string]string  `json:"properties,omitempty"`
}

// FieldConfig is one structured output field.
type FieldConfig struct {
	Name        string            `json:"name"`
	DisplayName string            `json:"displayName,omitempty"`
	Description string            `json:"description,omitempty"`
	DataType    DataType          `json:"dataType,omitempty"`
	Properties  map[string]string `json:"properties,omitempty"`
}

// EffectiveMaxKeywords resolves the inherit sentinel against the
// repository default.
func (p ParserConfig) EffectiveMaxKeywords(repoDefault int) int {
	if p.MaxKeywords == nil || *p.MaxKeywords == InheritKeywords {
		return repoDefault
	}
	return *p.MaxKeywords
}

// Property returns a parser property, or def when unset.
func (p ParserConfig) Property(key, def string) string {
	if v, ok := p.Properties[key]; ok {
		return v
	}
	return def
}

// Property returns a field property, or def when unset.
func (f FieldConfig) Property(key, def string) string {
	if v, ok := f.Properties[key]; ok {
		return v
	}
	return def
}

// Queue addresses. Queue names equal their addresses.
const addressPrefix = "rapidlog.repository."

// WriteAddress is the address producers publish raw entries to.
func WriteAddress(name string) string { return addressPrefix + name + ".write" }

// ReadAddress carries the live feed of stored entries.
func ReadAddress(name string) string { return addressPrefix + name + ".read" }

// DeadLetterAddress is the default address for unparseable entries.
func DeadLetterAddress(name string) string { return addressPrefix + name + ".deadletter" }

// AddressPattern matches every address of a repository.
func AddressPattern(name string) string { return addressPrefix + name + ".#" }

// WriteAddress returns the repository's write address.
func (c RepositoryConfig) WriteAddress() string { return WriteAddress(c.Name) }

// ReadAddress returns the repository's read address.
func (c RepositoryConfig) ReadAddress() string { return ReadAddress(c.Name) }

// Clone returns a deep copy of c.
func (c RepositoryConfig) Clone() RepositoryConfig {
	out := c
	if c.Parsers != nil {
		out.Parsers = make([]ParserConfig, len(c.Parsers))
		for i, p := range c.Parsers {
			out.Parsers[i] = p.clone()
		}
	}
	return out
}

func (p ParserConfig) clone() ParserConfig {
	out := p
	if p.MaxKeywords != nil {
		out.MaxKeywords = IntPtr(*p.MaxKeywords)
	}
	out.Properties = maps.Clone(p.Properties)
	if p.Fields != nil {
		out.Fields = make([]FieldConfig, len(p.Fields))
		for i, f := range p.Fields {
			f.Properties = maps.Clone(f.Properties)
			out.Fields[i] = f
		}
	}
	return out
}

// IntPtr returns a pointer to n.
func IntPtr(n int) *int { return &n }

// ParseBytes parses a byte size string with optional suffix (B, KB, MB, GB).
func ParseBytes(s string) (uint64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty value")
	}

	s = strings.ToUpper(s)

	var multiplier uint64 = 1
	var numStr string

	switch {
	case strings.HasSuffix(s, "GB"):
		multiplier = 1024 * 1024 * 1024
		numStr = strings.TrimSuffix(s, "GB")
	case strings.HasSuffix(s, "MB"):
		multiplier = 1024 * 1024
		numStr = strings.TrimSuffix(s, "MB")
	case strings.HasSuffix(s, "KB"):
		multiplier = 1024
		numStr = strings.TrimSuffix(s, "KB")
	case strings.HasSuffix(s, "B"):
		numStr = strings.TrimSuffix(s, "B")
	default:
		numStr = s
	}

	n, err := strconv.ParseUint(strings.TrimSpace(numStr), 10, 64)
	if err != nil {
		return 0, err
	}
	return n * multiplier, nil
}

// ValidateCron checks a 5-field (minute-level) or 6-field (second-level)
// cron expression. Empty is valid and means "disabled".
func ValidateCron(expr string) error {
	if expr == "" {
		return nil
	}
	cr := gocron.NewDefaultCron(true)
	if err := cr.IsValid(expr, time.UTC, time.Now()); err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return nil
}
