// Package storetest provides a shared conformance test suite for
// docstore.Store implementations. Each backend (memory, sqlite, bolt) wires
// this suite to verify it satisfies the full Store contract.
package storetest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"testing"
	"time"

	"rapidlog/internal/docstore"
)

var base = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func save(t *testing.T, s docstore.Store, d *docstore.Document) *docstore.Document {
	t.Helper()
	if err := s.Save(context.Background(), d); err != nil {
		t.Fatalf("Save: %v", err)
	}
	return d
}

func names(docs []*docstore.Document) []string {
	out := make([]string, len(docs))
	for i, d := range docs {
		out[i] = d.Name
	}
	return out
}

// seed stores five "entry" documents named e0..e4, one minute apart.
func seed(t *testing.T, s docstore.Store) {
	t.Helper()
	kws := [][]string{
		{"error", "disk"},
		{"info", "startup"},
		{"error", "network"},
		{"warn", "disk"},
		{"error", "disk", "full"},
	}
	for i, kw := range kws {
		save(t, s, &docstore.Document{
			Kind:      "entry",
			Name:      fmt.Sprintf("e%d", i),
			Timestamp: base.Add(time.Duration(i) * time.Minute),
			Keywords:  kw,
			Body:      []byte(strings.Join(kw, " ")),
		})
	}
	// Noise in another kind must never leak into results.
	save(t, s, &docstore.Document{Kind: "other", Name: "e0", Timestamp: base, Keywords: []string{"error"}})
}

// TestStore runs the full conformance suite against a Store implementation.
// newStore must return a fresh, empty store for each sub-test.
func TestStore(t *testing.T, newStore func(t *testing.T) docstore.Store) {
	ctx := context.Background()

	t.Run("InsertAssignsIDAndVersion", func(t *testing.T) {
		s := newStore(t)
		d := save(t, s, &docstore.Document{Kind: "repository", Name: "app", Timestamp: base, Body: []byte(`{"a":1}`)})
		if d.ID == "" {
			t.Fatal("expected ID to be assigned")
		}
		if d.Version != 1 {
			t.Fatalf("Version = %d, want 1", d.Version)
		}
		got, err := s.Get(ctx, "repository", d.ID)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if got.Name != "app" || got.Version != 1 || !bytes.Equal(got.Body, d.Body) {
			t.Errorf("got %+v", got)
		}
		if !got.Timestamp.Equal(base) {
			t.Errorf("Timestamp = %v, want %v", got.Timestamp, base)
		}
	})

	t.Run("InsertWithExplicitID", func(t *testing.T) {
		s := newStore(t)
		save(t, s, &docstore.Document{ID: "fixed", Kind: "k"})
		err := s.Save(ctx, &docstore.Document{ID: "fixed", Kind: "k"})
		if !errors.Is(err, docstore.ErrConflict) {
			t.Fatalf("duplicate insert err = %v, want ErrConflict", err)
		}
		// Same ID in another kind is a different document.
		save(t, s, &docstore.Document{ID: "fixed", Kind: "k2"})
	})

	t.Run("UpdateIncrementsVersion", func(t *testing.T) {
		s := newStore(t)
		d := save(t, s, &docstore.Document{Kind: "k", Name: "a", Keywords: []string{"one"}})
		d.Body = []byte("v2")
		d.Keywords = []string{"two"}
		save(t, s, d)
		if d.Version != 2 {
			t.Fatalf("Version = %d, want 2", d.Version)
		}
		got, err := s.Get(ctx, "k", d.ID)
		if err != nil {
			t.Fatal(err)
		}
		if got.Version != 2 || string(got.Body) != "v2" {
			t.Errorf("got %+v", got)
		}
		if !slices.Equal(got.Keywords, []string{"two"}) {
			t.Errorf("Keywords = %v, want [two]", got.Keywords)
		}
	})

	t.Run("StaleUpdateConflicts", func(t *testing.T) {
		s := newStore(t)
		d := save(t, s, &docstore.Document{Kind: "k", Name: "a"})
		stale := d.Clone()
		save(t, s, d)

		stale.Body = []byte("lost update")
		if err := s.Save(ctx, stale); !errors.Is(err, docstore.ErrConflict) {
			t.Fatalf("stale Save err = %v, want ErrConflict", err)
		}
		got, _ := s.Get(ctx, "k", d.ID)
		if got.Version != 2 || string(got.Body) == "lost update" {
			t.Errorf("stale update applied: %+v", got)
		}
	})

	t.Run("UpdateMissing", func(t *testing.T) {
		s := newStore(t)
		err := s.Save(ctx, &docstore.Document{ID: "nope", Kind: "k", Version: 1})
		if !errors.Is(err, docstore.ErrNotFound) {
			t.Fatalf("err = %v, want ErrNotFound", err)
		}
	})

	t.Run("SaveInvalid", func(t *testing.T) {
		s := newStore(t)
		if err := s.Save(ctx, &docstore.Document{Name: "no kind"}); !errors.Is(err, docstore.ErrInvalid) {
			t.Fatalf("err = %v, want ErrInvalid", err)
		}
	})

	t.Run("Remove", func(t *testing.T) {
		s := newStore(t)
		d := save(t, s, &docstore.Document{Kind: "k", Name: "a"})
		stale := d.Clone()
		save(t, s, d)

		if err := s.Remove(ctx, stale); !errors.Is(err, docstore.ErrConflict) {
			t.Fatalf("stale Remove err = %v, want ErrConflict", err)
		}
		if err := s.Remove(ctx, d); err != nil {
			t.Fatalf("Remove: %v", err)
		}
		if err := s.Remove(ctx, d); !errors.Is(err, docstore.ErrNotFound) {
			t.Fatalf("second Remove err = %v, want ErrNotFound", err)
		}
		if _, err := s.Get(ctx, "k", d.ID); !errors.Is(err, docstore.ErrNotFound) {
			t.Fatalf("Get after Remove err = %v, want ErrNotFound", err)
		}
	})

	t.Run("GetAndTryGetMissing", func(t *testing.T) {
		s := newStore(t)
		if _, err := s.Get(ctx, "k", "missing"); !errors.Is(err, docstore.ErrNotFound) {
			t.Fatalf("Get err = %v, want ErrNotFound", err)
		}
		d, err := s.TryGet(ctx, "k", "missing")
		if err != nil || d != nil {
			t.Fatalf("TryGet = %v, %v; want nil, nil", d, err)
		}
	})

	t.Run("ReturnedDocumentsAreCopies", func(t *testing.T) {
		s := newStore(t)
		d := save(t, s, &docstore.Document{Kind: "k", Body: []byte("abc")})
		d.Body[0] = 'X'
		got, _ := s.Get(ctx, "k", d.ID)
		if string(got.Body) != "abc" {
			t.Fatalf("stored body mutated through caller: %q", got.Body)
		}
	})

	t.Run("LargeBody", func(t *testing.T) {
		s := newStore(t)
		body := bytes.Repeat([]byte("2024-05-01 INFO request served in 3ms\n"), 2000)
		d := save(t, s, &docstore.Document{Kind: "k", Body: body})
		got, err := s.Get(ctx, "k", d.ID)
		if err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(got.Body, body) {
			t.Fatalf("body mismatch: %d bytes, want %d", len(got.Body), len(body))
		}
	})

	t.Run("ListByKindOrdered", func(t *testing.T) {
		s := newStore(t)
		seed(t, s)
		p, err := s.List(ctx, docstore.Criteria{Kind: "entry"})
		if err != nil {
			t.Fatal(err)
		}
		want := []string{"e0", "e1", "e2", "e3", "e4"}
		if got := names(p.Documents); !slices.Equal(got, want) {
			t.Errorf("names = %v, want %v", got, want)
		}
		if p.TotalPages != -1 || p.TotalRecords != -1 {
			t.Errorf("counts = %d/%d, want -1/-1", p.TotalPages, p.TotalRecords)
		}
	})

	t.Run("ListDescending", func(t *testing.T) {
		s := newStore(t)
		seed(t, s)
		p, err := s.List(ctx, docstore.Criteria{Kind: "entry", Descending: true, RecordsPerPage: 2})
		if err != nil {
			t.Fatal(err)
		}
		if got := names(p.Documents); !slices.Equal(got, []string{"e4", "e3"}) {
			t.Errorf("names = %v, want [e4 e3]", got)
		}
	})

	t.Run("ListNames", func(t *testing.T) {
		s := newStore(t)
		seed(t, s)
		p, err := s.List(ctx, docstore.Criteria{Kind: "entry", Names: []string{"e3", "e1", "zz"}})
		if err != nil {
			t.Fatal(err)
		}
		if got := names(p.Documents); !slices.Equal(got, []string{"e1", "e3"}) {
			t.Errorf("names = %v, want [e1 e3]", got)
		}
	})

	t.Run("ListNamePattern", func(t *testing.T) {
		s := newStore(t)
		save(t, s, &docstore.Document{Kind: "r", Name: "web-01", Timestamp: base})
		save(t, s, &docstore.Document{Kind: "r", Name: "web-02", Timestamp: base.Add(time.Second)})
		save(t, s, &docstore.Document{Kind: "r", Name: "db-01", Timestamp: base.Add(2 * time.Second)})
		p, err := s.List(ctx, docstore.Criteria{Kind: "r", NamePattern: "web-*"})
		if err != nil {
			t.Fatal(err)
		}
		if got := names(p.Documents); !slices.Equal(got, []string{"web-01", "web-02"}) {
			t.Errorf("names = %v", got)
		}
	})

	t.Run("ListKeywordsAny", func(t *testing.T) {
		s := newStore(t)
		seed(t, s)
		p, err := s.List(ctx, docstore.Criteria{Kind: "entry", Keywords: []string{"network", "startup"}})
		if err != nil {
			t.Fatal(err)
		}
		if got := names(p.Documents); !slices.Equal(got, []string{"e1", "e2"}) {
			t.Errorf("names = %v, want [e1 e2]", got)
		}
	})

	t.Run("ListKeywordsAll", func(t *testing.T) {
		s := newStore(t)
		seed(t, s)
		p, err := s.List(ctx, docstore.Criteria{Kind: "entry", Keywords: []string{"ERROR", "disk"}, MatchAll: true})
		if err != nil {
			t.Fatal(err)
		}
		if got := names(p.Documents); !slices.Equal(got, []string{"e0", "e4"}) {
			t.Errorf("names = %v, want [e0 e4]", got)
		}
	})

	t.Run("ListTimeRange", func(t *testing.T) {
		s := newStore(t)
		seed(t, s)
		p, err := s.List(ctx, docstore.Criteria{
			Kind: "entry",
			From: base.Add(time.Minute),
			To:   base.Add(3 * time.Minute),
		})
		if err != nil {
			t.Fatal(err)
		}
		if got := names(p.Documents); !slices.Equal(got, []string{"e1", "e2"}) {
			t.Errorf("names = %v, want [e1 e2]", got)
		}
	})

	t.Run("ListPagination", func(t *testing.T) {
		s := newStore(t)
		seed(t, s)
		p, err := s.List(ctx, docstore.Criteria{Kind: "entry", StartPage: 3, RecordsPerPage: 2, CountPages: true})
		if err != nil {
			t.Fatal(err)
		}
		if p.Page != 3 || p.TotalPages != 3 || p.TotalRecords != 5 {
			t.Errorf("page = %d, total pages = %d, total records = %d", p.Page, p.TotalPages, p.TotalRecords)
		}
		if got := names(p.Documents); !slices.Equal(got, []string{"e4"}) {
			t.Errorf("names = %v, want [e4]", got)
		}

		p, err = s.List(ctx, docstore.Criteria{Kind: "entry", Keywords: []string{"error"}, RecordsPerPage: 2, CountPages: true})
		if err != nil {
			t.Fatal(err)
		}
		if p.TotalRecords != 3 || p.TotalPages != 2 {
			t.Errorf("filtered counts = %d records / %d pages, want 3/2", p.TotalRecords, p.TotalPages)
		}
	})

	t.Run("ListEmpty", func(t *testing.T) {
		s := newStore(t)
		p, err := s.List(ctx, docstore.Criteria{Kind: "nothing", CountPages: true})
		if err != nil {
			t.Fatal(err)
		}
		if len(p.Documents) != 0 || p.TotalRecords != 0 || p.TotalPages != 0 {
			t.Errorf("page = %+v", p)
		}
	})

	t.Run("ListInvalid", func(t *testing.T) {
		s := newStore(t)
		if _, err := s.List(ctx, docstore.Criteria{}); !errors.Is(err, docstore.ErrInvalid) {
			t.Fatalf("err = %v, want ErrInvalid", err)
		}
	})
}
