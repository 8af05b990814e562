// Package file imports repository definitions from a JSON file.
//
// Definitions are stored as a versioned JSON envelope:
//
//	{"version": 1, "repositories": [ ... ]}
//
// The file is an import source, not a store: Sync upserts every definition
// by name into a config.Store, and repositories missing from the file are
// left alone.
package file

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"rapidlog/internal/config"
)

const currentVersion = 1

type envelope struct {
	Version      int                       `json:"version"`
	Repositories []config.RepositoryConfig `json:"repositories"`
}

// Load reads and parses a definitions file.
func Load(path string) ([]config.RepositoryConfig, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("read repository file: %w", err)
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("parse repository file: %w", err)
	}
	if env.Version == 0 {
		return nil, fmt.Errorf("unversioned repository file %s; add \"version\": %d", path, currentVersion)
	}
	if env.Version > currentVersion {
		return nil, fmt.Errorf("repository file version %d is newer than supported version %d", env.Version, currentVersion)
	}

	seen := make(map[string]struct{}, len(env.Repositories))
	for _, r := range env.Repositories {
		if _, dup := seen[r.Name]; dup {
			return nil, fmt.Errorf("%w: repository %q defined twice in %s", config.ErrInvalid, r.Name, path)
		}
		seen[r.Name] = struct{}{}
	}
	return env.Repositories, nil
}

// Write atomically writes definitions to path with round-trip validation.
// IDs and versions are stripped since they belong to the store.
func Write(path string, repos []config.RepositoryConfig) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}

	out := make([]config.RepositoryConfig, len(repos))
	for i, r := range repos {
		r = r.Clone()
		r.ID, r.Version = "", 0
		out[i] = r
	}
	data, err := json.MarshalIndent(envelope{Version: currentVersion, Repositories: out}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal repositories: %w", err)
	}

	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o600); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if _, err := Load(tmpPath); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("round-trip validation failed: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("rename repository file: %w", err)
	}
	return nil
}

// SyncResult lists repository names by outcome.
type SyncResult struct {
	Created   []string
	Updated   []string
	Unchanged []string
}

// Changed reports whether Sync wrote anything.
func (r SyncResult) Changed() bool {
	return len(r.Created) > 0 || len(r.Updated) > 0
}

// Sync upserts every definition in path into store. Invalid definitions
// are reported together; valid ones are still applied.
func Sync(ctx context.Context, path string, store *config.Store) (SyncResult, error) {
	var res SyncResult
	defs, err := Load(path)
	if err != nil {
		return res, err
	}

	var errs []error
	for _, def := range defs {
		existing, err := store.Get(ctx, def.Name)
		switch {
		case errors.Is(err, config.ErrNotFound):
			def.ID, def.Version = "", 0
			if _, err := store.Put(ctx, def); err != nil {
				errs = append(errs, fmt.Errorf("create %q: %w", def.Name, err))
				continue
			}
			res.Created = append(res.Created, def.Name)
		case err != nil:
			errs = append(errs, err)
		default:
			def.ID, def.Version = existing.ID, existing.Version
			if same(def, *existing) {
				res.Unchanged = append(res.Unchanged, def.Name)
				continue
			}
			if _, err := store.Put(ctx, def); err != nil {
				errs = append(errs, fmt.Errorf("update %q: %w", def.Name, err))
				continue
			}
			res.Updated = append(res.Updated, def.Name)
		}
	}
	return res, errors.Join(errs...)
}

// same compares definitions after defaults are applied, so a file that
// omits defaulted fields does not cause a spurious update.
func same(def, existing config.RepositoryConfig) bool {
	a, b := def.Clone(), existing.Clone()
	a.Normalize()
	b.Normalize()
	ja, errA := json.Marshal(a)
	jb, errB := json.Marshal(b)
	return errA == nil && errB == nil && bytes.Equal(ja, jb)
}
