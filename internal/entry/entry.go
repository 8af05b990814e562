// Package entry defines parsed log entries and their persistence.
package entry

import (
	"bytes"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// Entry is one parsed log line.
type Entry struct {
	// ID and Version are assigned when the entry is stored.
	ID      string `json:"id,omitempty"`
	Version int64  `json:"version,omitempty"`

	Repository string    `json:"repository"`
	Parser     string    `json:"parser"`
	Timestamp  time.Time `json:"timestamp"`
	Source     string    `json:"source,omitempty"`
	Host       string    `json:"host,omitempty"`
	Severity   string    `json:"severity,omitempty"`
	Raw        string    `json:"raw"`
	Keywords   []string  `json:"keywords,omitempty"`
	// Fields values are string, int64, float64, bool or time.Time.
	Fields map[string]any `json:"fields,omitempty"`
}

// Clone returns a copy of e. Field values are immutable so a shallow map
// copy suffices.
func (e *Entry) Clone() *Entry {
	c := *e
	c.Keywords = slices.Clone(e.Keywords)
	c.Fields = maps.Clone(e.Fields)
	return &c
}

// record is the stored body. ID, version, timestamp and keywords live on
// the document itself.
type record struct {
	Repository string         `msgpack:"r"`
	Parser     string         `msgpack:"p"`
	Source     string         `msgpack:"s,omitempty"`
	Host       string         `msgpack:"h,omitempty"`
	Severity   string         `msgpack:"v,omitempty"`
	Raw        string         `msgpack:"w"`
	Fields     map[string]any `msgpack:"f,omitempty"`
}

// encodeBody serializes the parts of e not carried by the document.
func encodeBody(e *Entry) ([]byte, error) {
	data, err := msgpack.Marshal(record{
		Repository: e.Repository,
		Parser:     e.Parser,
		Source:     e.Source,
		Host:       e.Host,
		Severity:   e.Severity,
		Raw:        e.Raw,
		Fields:     e.Fields,
	})
	if err != nil {
		return nil, fmt.Errorf("encode entry: %w", err)
	}
	return data, nil
}

// decodeBody fills e from a stored body. Integers come back as int64 and
// floats as float64 regardless of their wire width.
func decodeBody(data []byte, e *Entry) error {
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	dec.UseLooseInterfaceDecoding(true)
	var r record
	if err := dec.Decode(&r); err != nil {
		return fmt.Errorf("decode entry: %w", err)
	}
	e.Repository = r.Repository
	e.Parser = r.Parser
	e.Source = r.Source
	e.Host = r.Host
	e.Severity = r.Severity
	e.Raw = r.Raw
	e.Fields = r.Fields
	for k, v := range e.Fields {
		switch n := v.(type) {
		case uint64:
			e.Fields[k] = int64(n) //nolint:gosec // values were written as int64
		case time.Time:
			e.Fields[k] = n.UTC()
		}
	}
	return nil
}
