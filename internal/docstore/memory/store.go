// Package memory provides an in-memory docstore.Store implementation.
// Intended for testing and single-run deployments where persistence
// is not required.
package memory

import (
	"context"
	"fmt"
	"sync"

	"rapidlog/internal/docstore"
)

type key struct {
	kind string
	id   string
}

// Store is an in-memory docstore.Store.
type Store struct {
	mu   sync.RWMutex
	docs map[key]*docstore.Document
}

var _ docstore.Store = (*Store)(nil)

// NewStore creates a new empty in-memory store.
func NewStore() *Store {
	return &Store{docs: make(map[key]*docstore.Document)}
}

func (s *Store) Save(_ context.Context, d *docstore.Document) error {
	if err := docstore.PrepareSave(d); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	k := key{d.Kind, d.ID}
	cur, exists := s.docs[k]
	switch {
	case d.Version == 0 && exists:
		return fmt.Errorf("%w: %s/%s already exists", docstore.ErrConflict, d.Kind, d.ID)
	case d.Version > 0 && !exists:
		return fmt.Errorf("%w: %s/%s", docstore.ErrNotFound, d.Kind, d.ID)
	case d.Version > 0 && cur.Version != d.Version:
		return fmt.Errorf("%w: %s/%s has version %d, not %d", docstore.ErrConflict, d.Kind, d.ID, cur.Version, d.Version)
	}
	d.Version++
	s.docs[k] = d.Clone()
	return nil
}

func (s *Store) Remove(_ context.Context, d *docstore.Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := key{d.Kind, d.ID}
	cur, ok := s.docs[k]
	if !ok {
		return fmt.Errorf("%w: %s/%s", docstore.ErrNotFound, d.Kind, d.ID)
	}
	if cur.Version != d.Version {
		return fmt.Errorf("%w: %s/%s has version %d, not %d", docstore.ErrConflict, d.Kind, d.ID, cur.Version, d.Version)
	}
	delete(s.docs, k)
	return nil
}

func (s *Store) Get(ctx context.Context, kind, id string) (*docstore.Document, error) {
	d, err := s.TryGet(ctx, kind, id)
	if err != nil {
		return nil, err
	}
	if d == nil {
		return nil, fmt.Errorf("%w: %s/%s", docstore.ErrNotFound, kind, id)
	}
	return d, nil
}

func (s *Store) TryGet(_ context.Context, kind, id string) (*docstore.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.docs[key{kind, id}].Clone(), nil
}

func (s *Store) List(_ context.Context, c docstore.Criteria) (*docstore.Page, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	var matched []*docstore.Document
	for _, d := range s.docs {
		if c.Match(d) {
			matched = append(matched, d.Clone())
		}
	}
	s.mu.RUnlock()
	return docstore.Paginate(matched, c), nil
}

// Close is a no-op.
func (s *Store) Close() error { return nil }
