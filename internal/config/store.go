package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"

	"rapidlog/internal/docstore"
)

// Kind is the document kind repository configs are stored under.
const Kind = "repository"

// Store persists RepositoryConfig values as JSON documents. Every Put runs
// Validate against the stored value, so the document version is the
// optimistic lock for concurrent editors.
type Store struct {
	docs docstore.Store
}

// NewStore wraps a document store.
func NewStore(docs docstore.Store) *Store {
	return &Store{docs: docs}
}

// List returns every repository config, sorted by name.
func (s *Store) List(ctx context.Context) ([]RepositoryConfig, error) {
	page, err := s.docs.List(ctx, docstore.Criteria{Kind: Kind})
	if err != nil {
		return nil, fmt.Errorf("list repository configs: %w", err)
	}
	out := make([]RepositoryConfig, 0, len(page.Documents))
	for _, d := range page.Documents {
		cfg, err := decode(d)
		if err != nil {
			return nil, err
		}
		out = append(out, cfg)
	}
	slices.SortFunc(out, func(a, b RepositoryConfig) int { return strings.Compare(a.Name, b.Name) })
	return out, nil
}

// Get looks a config up by ID, then by name.
func (s *Store) Get(ctx context.Context, nameOrID string) (*RepositoryConfig, error) {
	d, err := s.find(ctx, nameOrID)
	if err != nil {
		return nil, err
	}
	if d == nil {
		return nil, fmt.Errorf("%w: repository %q", ErrNotFound, nameOrID)
	}
	cfg, err := decode(d)
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Put validates cfg and saves it, returning the stored value with its new
// ID and Version. A config without ID updates the repository of the same
// name if cfg.Version matches it, and creates a new one otherwise.
func (s *Store) Put(ctx context.Context, cfg RepositoryConfig) (RepositoryConfig, error) {
	key := cfg.ID
	if key == "" {
		key = strings.TrimSpace(cfg.Name)
	}
	prevDoc, err := s.find(ctx, key)
	if err != nil {
		return cfg, err
	}
	var previous *RepositoryConfig
	if prevDoc != nil {
		p, err := decode(prevDoc)
		if err != nil {
			return cfg, err
		}
		previous = &p
	} else if cfg.ID != "" {
		return cfg, fmt.Errorf("%w: repository id %q", ErrNotFound, cfg.ID)
	}

	valid, err := Validate(cfg, previous)
	if err != nil {
		return cfg, err
	}

	body := valid.Clone()
	body.ID, body.Version = "", 0
	data, err := json.Marshal(body)
	if err != nil {
		return cfg, fmt.Errorf("marshal repository config: %w", err)
	}
	d := &docstore.Document{
		ID:       valid.ID,
		Kind:     Kind,
		Name:     valid.Name,
		Version:  valid.Version,
		Keywords: []string{strings.ToLower(valid.Name)},
		Body:     data,
	}
	if err := s.docs.Save(ctx, d); err != nil {
		return cfg, fmt.Errorf("save repository %q: %w", valid.Name, err)
	}
	valid.ID, valid.Version = d.ID, d.Version
	return valid, nil
}

// Delete removes the repository config. When version is non-zero it must
// match the stored version.
func (s *Store) Delete(ctx context.Context, nameOrID string, version int64) error {
	d, err := s.find(ctx, nameOrID)
	if err != nil {
		return err
	}
	if d == nil {
		return fmt.Errorf("%w: repository %q", ErrNotFound, nameOrID)
	}
	if version != 0 && version != d.Version {
		return fmt.Errorf("%w: repository %q is at version %d, not %d", ErrConflict, d.Name, d.Version, version)
	}
	if err := s.docs.Remove(ctx, d); err != nil {
		return fmt.Errorf("delete repository %q: %w", d.Name, err)
	}
	return nil
}

func (s *Store) find(ctx context.Context, nameOrID string) (*docstore.Document, error) {
	if nameOrID == "" {
		return nil, nil
	}
	d, err := s.docs.TryGet(ctx, Kind, nameOrID)
	if err != nil {
		return nil, fmt.Errorf("get repository %q: %w", nameOrID, err)
	}
	if d != nil {
		return d, nil
	}
	page, err := s.docs.List(ctx, docstore.Criteria{Kind: Kind, Names: []string{nameOrID}})
	if err != nil {
		return nil, fmt.Errorf("find repository %q: %w", nameOrID, err)
	}
	if len(page.Documents) == 0 {
		return nil, nil
	}
	return page.Documents[0], nil
}

func decode(d *docstore.Document) (RepositoryConfig, error) {
	var cfg RepositoryConfig
	if err := json.Unmarshal(d.Body, &cfg); err != nil {
		return cfg, fmt.Errorf("decode repository %s: %w", d.ID, errors.Join(ErrInvalid, err))
	}
	cfg.ID, cfg.Version = d.ID, d.Version
	return cfg, nil
}
