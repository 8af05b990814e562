package entry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"rapidlog/internal/docstore"
)

// ErrNotFound is returned by Get for unknown entries.
var ErrNotFound = docstore.ErrNotFound

// Kind returns the document kind entries of a repository are stored under.
func Kind(repository string) string { return "entry:" + repository }

// Store persists entries as documents, one kind per repository.
type Store struct {
	docs docstore.Store
}

// NewStore wraps a document store.
func NewStore(docs docstore.Store) *Store {
	return &Store{docs: docs}
}

// Put stores e as a new document. On success e.ID and e.Version are set.
func (s *Store) Put(ctx context.Context, e *Entry) error {
	if e.Repository == "" {
		return fmt.Errorf("%w: entry without repository", docstore.ErrInvalid)
	}
	if e.Version != 0 {
		return fmt.Errorf("%w: entry %s already stored", docstore.ErrConflict, e.ID)
	}
	body, err := encodeBody(e)
	if err != nil {
		return err
	}
	d := &docstore.Document{
		ID:        e.ID,
		Kind:      Kind(e.Repository),
		Name:      e.Source,
		Timestamp: e.Timestamp,
		Keywords:  e.Keywords,
		Body:      body,
	}
	if err := s.docs.Save(ctx, d); err != nil {
		return fmt.Errorf("store entry: %w", err)
	}
	e.ID, e.Version, e.Timestamp = d.ID, d.Version, d.Timestamp
	return nil
}

// Get returns one entry.
func (s *Store) Get(ctx context.Context, repository, id string) (*Entry, error) {
	d, err := s.docs.Get(ctx, Kind(repository), id)
	if err != nil {
		return nil, err
	}
	return fromDocument(d)
}

// Query selects entries of one repository.
type Query struct {
	// Keywords are matched case-insensitively against extracted keywords.
	Keywords []string
	MatchAll bool
	// Sources restricts results to entries from the listed sources.
	Sources []string
	From    time.Time
	To      time.Time
	// Page is 1-based. PerPage 0 returns everything.
	Page       int
	PerPage    int
	CountPages bool
	// Newest returns the most recent entries first.
	Newest bool
}

// Result is one page of entries.
type Result struct {
	Entries      []*Entry
	Page         int
	TotalPages   int
	TotalRecords int
}

// Search returns entries matching q.
func (s *Store) Search(ctx context.Context, repository string, q Query) (*Result, error) {
	kws := make([]string, len(q.Keywords))
	for i, k := range q.Keywords {
		kws[i] = strings.ToLower(k)
	}
	page, err := s.docs.List(ctx, docstore.Criteria{
		Kind:           Kind(repository),
		Names:          q.Sources,
		Keywords:       kws,
		MatchAll:       q.MatchAll,
		From:           q.From,
		To:             q.To,
		StartPage:      q.Page,
		RecordsPerPage: q.PerPage,
		CountPages:     q.CountPages,
		Descending:     q.Newest,
	})
	if err != nil {
		return nil, fmt.Errorf("search %s: %w", repository, err)
	}
	res := &Result{
		Entries:      make([]*Entry, 0, len(page.Documents)),
		Page:         page.Page,
		TotalPages:   page.TotalPages,
		TotalRecords: page.TotalRecords,
	}
	for _, d := range page.Documents {
		e, err := fromDocument(d)
		if err != nil {
			return nil, err
		}
		res.Entries = append(res.Entries, e)
	}
	return res, nil
}

// Count returns the number of stored entries of a repository.
func (s *Store) Count(ctx context.Context, repository string) (int, error) {
	page, err := s.docs.List(ctx, docstore.Criteria{
		Kind:           Kind(repository),
		RecordsPerPage: 1,
		CountPages:     true,
	})
	if err != nil {
		return 0, fmt.Errorf("count %s: %w", repository, err)
	}
	return page.TotalRecords, nil
}

// Purge removes entries with a timestamp before the cutoff and returns how
// many were removed. Entries removed concurrently are skipped.
func (s *Store) Purge(ctx context.Context, repository string, before time.Time) (int, error) {
	page, err := s.docs.List(ctx, docstore.Criteria{Kind: Kind(repository), To: before})
	if err != nil {
		return 0, fmt.Errorf("purge %s: %w", repository, err)
	}
	removed := 0
	for _, d := range page.Documents {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		err := s.docs.Remove(ctx, d)
		switch {
		case err == nil:
			removed++
		case errors.Is(err, docstore.ErrNotFound):
		default:
			return removed, fmt.Errorf("purge %s: %w", repository, err)
		}
	}
	return removed, nil
}

func fromDocument(d *docstore.Document) (*Entry, error) {
	e := &Entry{
		ID:        d.ID,
		Version:   d.Version,
		Timestamp: d.Timestamp,
		Keywords:  d.Keywords,
	}
	if err := decodeBody(d.Body, e); err != nil {
		return nil, fmt.Errorf("entry %s: %w", d.ID, err)
	}
	return e, nil
}
