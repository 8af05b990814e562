// Package sqlite provides a SQLite-based docstore.Store implementation.
//
// Documents live in one table keyed by (kind, id); keywords are kept in a
// separate table so keyword search is an indexed lookup.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"rapidlog/internal/docstore"
)

// keywordSep joins keywords in aggregated queries. Keywords never contain it.
const keywordSep = "\x1f"

// Store is a SQLite-based docstore.Store implementation.
type Store struct {
	db   *sql.DB
	path string
}

var _ docstore.Store = (*Store)(nil)

// NewStore opens a SQLite database at path and runs migrations.
func NewStore(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create store directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set journal_mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set foreign_keys: %w", err)
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &Store{db: db, path: path}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Save(ctx context.Context, d *docstore.Document) error {
	if err := docstore.PrepareSave(d); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin save: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var stored int64
	err = tx.QueryRowContext(ctx, "SELECT version FROM documents WHERE kind = ? AND id = ?", d.Kind, d.ID).Scan(&stored)
	exists := err == nil
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("read version %s/%s: %w", d.Kind, d.ID, err)
	}

	switch {
	case d.Version == 0 && exists:
		return fmt.Errorf("%w: %s/%s already exists", docstore.ErrConflict, d.Kind, d.ID)
	case d.Version > 0 && !exists:
		return fmt.Errorf("%w: %s/%s", docstore.ErrNotFound, d.Kind, d.ID)
	case d.Version > 0 && stored != d.Version:
		return fmt.Errorf("%w: %s/%s has version %d, not %d", docstore.ErrConflict, d.Kind, d.ID, stored, d.Version)
	}

	next := d.Version + 1
	if d.Version == 0 {
		_, err = tx.ExecContext(ctx,
			"INSERT INTO documents (kind, id, name, version, ts, body) VALUES (?, ?, ?, ?, ?, ?)",
			d.Kind, d.ID, d.Name, next, d.Timestamp.UnixNano(), d.Body)
	} else {
		_, err = tx.ExecContext(ctx,
			"UPDATE documents SET name = ?, version = ?, ts = ?, body = ? WHERE kind = ? AND id = ? AND version = ?",
			d.Name, next, d.Timestamp.UnixNano(), d.Body, d.Kind, d.ID, d.Version)
	}
	if err != nil {
		return fmt.Errorf("write %s/%s: %w", d.Kind, d.ID, err)
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM document_keywords WHERE kind = ? AND id = ?", d.Kind, d.ID); err != nil {
		return fmt.Errorf("clear keywords %s/%s: %w", d.Kind, d.ID, err)
	}
	for i, kw := range d.Keywords {
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO document_keywords (kind, id, keyword, position) VALUES (?, ?, ?, ?)",
			d.Kind, d.ID, kw, i); err != nil {
			return fmt.Errorf("write keyword %s/%s: %w", d.Kind, d.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit save: %w", err)
	}
	d.Version = next
	return nil
}

func (s *Store) Remove(ctx context.Context, d *docstore.Document) error {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM documents WHERE kind = ? AND id = ? AND version = ?", d.Kind, d.ID, d.Version)
	if err != nil {
		return fmt.Errorf("remove %s/%s: %w", d.Kind, d.ID, err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	cur, err := s.TryGet(ctx, d.Kind, d.ID)
	if err != nil {
		return err
	}
	if cur == nil {
		return fmt.Errorf("%w: %s/%s", docstore.ErrNotFound, d.Kind, d.ID)
	}
	return fmt.Errorf("%w: %s/%s has version %d, not %d", docstore.ErrConflict, d.Kind, d.ID, cur.Version, d.Version)
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

func (s *Store) TryGet(ctx context.Context, kind, id string) (*docstore.Document, error) {
	row := s.db.QueryRowContext(ctx, selectColumns+" WHERE d.kind = ? AND d.id = ?", kind, id)
	d, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get %s/%s: %w", kind, id, err)
	}
	return d, nil
}

func (s *Store) List(ctx context.Context, c docstore.Criteria) (*docstore.Page, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	where, args := buildWhere(c)
	page := max(c.StartPage, 1)
	p := &docstore.Page{Page: page, TotalPages: -1, TotalRecords: -1}

	if c.CountPages {
		var total int
		if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM documents d"+where, args...).Scan(&total); err != nil {
			return nil, fmt.Errorf("count %s: %w", c.Kind, err)
		}
		p.TotalRecords = total
		p.TotalPages = docstore.PageCount(total, c.RecordsPerPage)
	}

	order := " ORDER BY d.ts ASC, d.id ASC"
	if c.Descending {
		order = " ORDER BY d.ts DESC, d.id DESC"
	}
	q := selectColumns + where + order
	if c.RecordsPerPage > 0 {
		q += " LIMIT ? OFFSET ?"
		args = append(args, c.RecordsPerPage, (page-1)*c.RecordsPerPage)
	} else if page > 1 {
		return p, nil
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", c.Kind, err)
	}
	defer rows.Close()
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("scan %s: %w", c.Kind, err)
		}
		p.Documents = append(p.Documents, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s: %w", c.Kind, err)
	}
	return p, nil
}

const selectColumns = `SELECT d.kind, d.id, d.name, d.version, d.ts, d.body,
	(SELECT group_concat(keyword, char(31)) FROM
		(SELECT k.keyword FROM document_keywords k WHERE k.kind = d.kind AND k.id = d.id ORDER BY k.position))
	FROM documents d`

func buildWhere(c docstore.Criteria) (string, []any) {
	conds := []string{"d.kind = ?"}
	args := []any{c.Kind}

	if len(c.Names) > 0 {
		conds = append(conds, "d.name IN ("+placeholders(len(c.Names))+")")
		for _, n := range c.Names {
			args = append(args, n)
		}
	}
	if c.NamePattern != "" {
		conds = append(conds, "d.name GLOB ?")
		args = append(args, c.NamePattern)
	}
	if !c.From.IsZero() {
		conds = append(conds, "d.ts >= ?")
		args = append(args, c.From.UnixNano())
	}
	if !c.To.IsZero() {
		conds = append(conds, "d.ts < ?")
		args = append(args, c.To.UnixNano())
	}
	if len(c.Keywords) > 0 {
		in := "k.keyword IN (" + placeholders(len(c.Keywords)) + ")"
		if c.MatchAll {
			conds = append(conds, "(SELECT COUNT(*) FROM document_keywords k WHERE k.kind = d.kind AND k.id = d.id AND "+in+") = ?")
		} else {
			conds = append(conds, "EXISTS (SELECT 1 FROM document_keywords k WHERE k.kind = d.kind AND k.id = d.id AND "+in+")")
		}
		for _, kw := range c.Keywords {
			args = append(args, kw)
		}
		if c.MatchAll {
			args = append(args, len(c.Keywords))
		}
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

type scanner interface {
	Scan(dest ...any) error
}

func scanDocument(row scanner) (*docstore.Document, error) {
	var (
		d        docstore.Document
		ts       int64
		keywords sql.NullString
	)
	if err := row.Scan(&d.Kind, &d.ID, &d.Name, &d.Version, &ts, &d.Body, &keywords); err != nil {
		return nil, err
	}
	d.Timestamp = time.Unix(0, ts).UTC()
	if keywords.Valid && keywords.String != "" {
		d.Keywords = strings.Split(keywords.String, keywordSep)
	}
	return &d, nil
}
