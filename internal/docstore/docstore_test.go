package docstore

import (
	"errors"
	"testing"
	"time"
)

func TestPrepareSave(t *testing.T) {
	d := &Document{Kind: "k", Keywords: []string{"B", "a", "b", ""}}
	if err := PrepareSave(d); err != nil {
		t.Fatal(err)
	}
	if d.ID == "" {
		t.Error("expected generated ID")
	}
	if d.Timestamp.IsZero() {
		t.Error("expected timestamp")
	}
	if len(d.Keywords) != 2 || d.Keywords[0] != "b" || d.Keywords[1] != "a" {
		t.Errorf("Keywords = %v, want [b a]", d.Keywords)
	}
}

func TestPrepareSaveInvalid(t *testing.T) {
	tests := []struct {
		name string
		doc  *Document
	}{
		{"nil", nil},
		{"no kind", &Document{}},
		{"negative version", &Document{Kind: "k", Version: -1}},
		{"update without id", &Document{Kind: "k", Version: 3}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := PrepareSave(tt.doc); !errors.Is(err, ErrInvalid) {
				t.Fatalf("err = %v, want ErrInvalid", err)
			}
		})
	}
}

func TestCriteriaMatch(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	d := &Document{Kind: "k", Name: "web-01", Timestamp: base, Keywords: []string{"error", "disk"}}

	tests := []struct {
		name string
		c    Criteria
		want bool
	}{
		{"kind only", Criteria{Kind: "k"}, true},
		{"other kind", Criteria{Kind: "x"}, false},
		{"names hit", Criteria{Kind: "k", Names: []string{"a", "web-01"}}, true},
		{"names miss", Criteria{Kind: "k", Names: []string{"a"}}, false},
		{"pattern hit", Criteria{Kind: "k", NamePattern: "web-*"}, true},
		{"pattern miss", Criteria{Kind: "k", NamePattern: "db-?"}, false},
		{"from inclusive", Criteria{Kind: "k", From: base}, true},
		{"to exclusive", Criteria{Kind: "k", To: base}, false},
		{"any keyword", Criteria{Kind: "k", Keywords: []string{"disk", "cpu"}}, true},
		{"all keywords miss", Criteria{Kind: "k", Keywords: []string{"disk", "cpu"}, MatchAll: true}, false},
		{"all keywords hit", Criteria{Kind: "k", Keywords: []string{"disk", "error"}, MatchAll: true}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.c.Match(d); got != tt.want {
				t.Errorf("Match = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestPaginate(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	var docs []*Document
	for i := range 5 {
		docs = append(docs, &Document{ID: string(rune('a' + i)), Timestamp: base.Add(time.Duration(4-i) * time.Minute)})
	}

	p := Paginate(docs, Criteria{StartPage: 2, RecordsPerPage: 2, CountPages: true})
	if p.Page != 2 || p.TotalPages != 3 || p.TotalRecords != 5 {
		t.Fatalf("page = %+v", p)
	}
	if len(p.Documents) != 2 || p.Documents[0].ID != "c" || p.Documents[1].ID != "b" {
		t.Errorf("documents = %v, %v", p.Documents[0].ID, p.Documents[1].ID)
	}

	p = Paginate(docs, Criteria{Descending: true, RecordsPerPage: 2})
	if p.TotalPages != -1 || p.TotalRecords != -1 {
		t.Errorf("counts without CountPages = %d/%d", p.TotalPages, p.TotalRecords)
	}
	if p.Documents[0].ID != "a" {
		t.Errorf("descending first = %q, want a", p.Documents[0].ID)
	}

	if p := Paginate(docs, Criteria{StartPage: 9, RecordsPerPage: 2}); len(p.Documents) != 0 {
		t.Errorf("past last page returned %d documents", len(p.Documents))
	}
}

func TestPageCount(t *testing.T) {
	tests := []struct{ total, per, want int }{
		{0, 10, 0},
		{1, 0, 1},
		{10, 10, 1},
		{11, 10, 2},
	}
	for _, tt := range tests {
		if got := PageCount(tt.total, tt.per); got != tt.want {
			t.Errorf("PageCount(%d, %d) = %d, want %d", tt.total, tt.per, got, tt.want)
		}
	}
}
