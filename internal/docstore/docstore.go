// Package docstore defines the versioned document store used for repository
// configuration and parsed entries.
//
// Documents are grouped by Kind and identified by ID within their kind.
// Every save increments Version; updates and removals are compare-and-swap
// on the version the caller last read (optimistic locking).
package docstore

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/google/uuid"
)

var (
	// ErrNotFound is returned when a document does not exist.
	ErrNotFound = errors.New("document not found")
	// ErrConflict is returned when the stored version differs from the
	// version supplied by the caller.
	ErrConflict = errors.New("document version conflict")
	// ErrInvalid is returned for malformed documents or criteria.
	ErrInvalid = errors.New("invalid document")
)

// Document is one versioned document.
type Document struct {
	ID        string
	Kind      string
	Name      string
	Version   int64
	Timestamp time.Time
	// Keywords is the inverted search field, lowercase and deduplicated.
	Keywords []string
	Body     []byte
}

// Clone returns a deep copy of d.
func (d *Document) Clone() *Document {
	if d == nil {
		return nil
	}
	c := *d
	c.Keywords = slices.Clone(d.Keywords)
	c.Body = slices.Clone(d.Body)
	return &c
}

// Criteria selects documents of one kind.
type Criteria struct {
	Kind string
	// Names restricts results to the listed names.
	Names []string
	// NamePattern is a glob ('*', '?', '[...]') matched against Name.
	NamePattern string
	// Keywords filters on the keyword field. MatchAll requires every
	// keyword, otherwise any one is enough.
	Keywords []string
	MatchAll bool
	// From is inclusive, To is exclusive. Zero means open.
	From time.Time
	To   time.Time
	// StartPage is 1-based. RecordsPerPage 0 returns everything.
	StartPage      int
	RecordsPerPage int
	// CountPages requests TotalPages and TotalRecords.
	CountPages bool
	Descending bool
}

// Page is one page of results.
type Page struct {
	Documents []*Document
	Page      int
	// TotalPages and TotalRecords are -1 unless CountPages was set.
	TotalPages   int
	TotalRecords int
}

// Store is a versioned document store.
type Store interface {
	// Save inserts d when d.Version is 0 (assigning an ID if empty) and
	// otherwise updates it if the stored version equals d.Version. On
	// success d.ID and d.Version hold the stored values.
	Save(ctx context.Context, d *Document) error
	// Remove deletes d if the stored version equals d.Version.
	Remove(ctx context.Context, d *Document) error
	// Get returns ErrNotFound when the document does not exist.
	Get(ctx context.Context, kind, id string) (*Document, error)
	// TryGet returns nil, nil when the document does not exist.
	TryGet(ctx context.Context, kind, id string) (*Document, error)
	List(ctx context.Context, c Criteria) (*Page, error)
	Close() error
}

// PrepareSave validates d and fills defaults for an insert. It is shared
// by the backends so they agree on what a valid document is.
func PrepareSave(d *Document) error {
	if d == nil {
		return fmt.Errorf("%w: nil document", ErrInvalid)
	}
	if d.Kind == "" {
		return fmt.Errorf("%w: kind is required", ErrInvalid)
	}
	if d.Version < 0 {
		return fmt.Errorf("%w: negative version %d", ErrInvalid, d.Version)
	}
	if d.Version > 0 && d.ID == "" {
		return fmt.Errorf("%w: update without id", ErrInvalid)
	}
	if d.ID == "" {
		d.ID = uuid.Must(uuid.NewV7()).String()
	}
	if d.Timestamp.IsZero() {
		d.Timestamp = time.Now()
	}
	d.Keywords = NormalizeKeywords(d.Keywords)
	return nil
}

// NormalizeKeywords lowercases and deduplicates keywords, keeping order.
func NormalizeKeywords(kws []string) []string {
	if len(kws) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(kws))
	out := make([]string, 0, len(kws))
	for _, k := range kws {
		k = strings.ToLower(k)
		if k == "" {
			continue
		}
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	return out
}

// Validate checks c and normalizes its keywords.
func (c *Criteria) Validate() error {
	if c.Kind == "" {
		return fmt.Errorf("%w: criteria kind is required", ErrInvalid)
	}
	if c.StartPage < 0 || c.RecordsPerPage < 0 {
		return fmt.Errorf("%w: negative page or page size", ErrInvalid)
	}
	if c.NamePattern != "" && !doublestar.ValidatePattern(c.NamePattern) {
		return fmt.Errorf("%w: bad name pattern %q", ErrInvalid, c.NamePattern)
	}
	c.Keywords = NormalizeKeywords(c.Keywords)
	return nil
}

// Match reports whether d satisfies every filter of c except paging.
func (c Criteria) Match(d *Document) bool {
	if d.Kind != c.Kind {
		return false
	}
	if len(c.Names) > 0 && !slices.Contains(c.Names, d.Name) {
		return false
	}
	if c.NamePattern != "" {
		if ok, err := doublestar.Match(c.NamePattern, d.Name); err != nil || !ok {
			return false
		}
	}
	if !c.From.IsZero() && d.Timestamp.Before(c.From) {
		return false
	}
	if !c.To.IsZero() && !d.Timestamp.Before(c.To) {
		return false
	}
	if len(c.Keywords) == 0 {
		return true
	}
	if c.MatchAll {
		for _, k := range c.Keywords {
			if !slices.Contains(d.Keywords, k) {
				return false
			}
		}
		return true
	}
	for _, k := range c.Keywords {
		if slices.Contains(d.Keywords, k) {
			return true
		}
	}
	return false
}

// Compare orders documents by timestamp, then ID.
func Compare(a, b *Document) int {
	return cmp.Or(a.Timestamp.Compare(b.Timestamp), cmp.Compare(a.ID, b.ID))
}

// Paginate sorts matched documents and cuts the requested page.
func Paginate(docs []*Document, c Criteria) *Page {
	slices.SortFunc(docs, Compare)
	if c.Descending {
		slices.Reverse(docs)
	}
	page := max(c.StartPage, 1)
	p := &Page{Page: page, TotalPages: -1, TotalRecords: -1}
	if c.CountPages {
		p.TotalRecords = len(docs)
		p.TotalPages = PageCount(len(docs), c.RecordsPerPage)
	}
	if c.RecordsPerPage == 0 {
		if page == 1 {
			p.Documents = docs
		}
		return p
	}
	start := (page - 1) * c.RecordsPerPage
	if start >= len(docs) {
		return p
	}
	end := min(start+c.RecordsPerPage, len(docs))
	p.Documents = docs[start:end]
	return p
}

// PageCount is the number of pages needed for total records.
func PageCount(total, perPage int) int {
	if total == 0 {
		return 0
	}
	if perPage == 0 {
		return 1
	}
	return (total + perPage - 1) / perPage
}
