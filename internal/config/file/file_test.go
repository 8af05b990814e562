package file

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"rapidlog/internal/config"
	"rapidlog/internal/docstore/memory"
)

func writeRaw(t *testing.T, path, data string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}
}

func TestLoadRejectsBadVersions(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name string
		data string
	}{
		{"unversioned", `{"repositories":[]}`},
		{"future", `{"version":99,"repositories":[]}`},
		{"malformed", `{"version":1,`},
		{"duplicate", `{"version":1,"repositories":[{"name":"a"},{"name":"a"}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(dir, tt.name+".json")
			writeRaw(t, path, tt.data)
			if _, err := Load(path); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.json")); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("err = %v", err)
	}
}

func TestWriteLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "repos.json")
	repo := config.DefaultRepository()
	repo.ID, repo.Version = "should-be-stripped", 7

	if err := Write(path, []config.RepositoryConfig{repo}); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Errorf("temp file left behind: %v", err)
	}

	got, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Name != repo.Name {
		t.Fatalf("got %+v", got)
	}
	if got[0].ID != "" || got[0].Version != 0 {
		t.Errorf("id/version not stripped: %q %d", got[0].ID, got[0].Version)
	}
	if len(got[0].Parsers) != len(repo.Parsers) {
		t.Errorf("parsers = %d, want %d", len(got[0].Parsers), len(repo.Parsers))
	}
}

func TestSync(t *testing.T) {
	ctx := context.Background()
	store := config.NewStore(memory.NewStore())
	path := filepath.Join(t.TempDir(), "repos.json")

	writeRaw(t, path, `{"version":1,"repositories":[
		{"name":"app","startupStatus":"ONLINE"},
		{"name":"audit"}
	]}`)

	res, err := Sync(ctx, path, store)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Created) != 2 || !res.Changed() {
		t.Fatalf("first sync = %+v", res)
	}

	res, err = Sync(ctx, path, store)
	if err != nil {
		t.Fatal(err)
	}
	if res.Changed() || len(res.Unchanged) != 2 {
		t.Fatalf("second sync = %+v", res)
	}

	writeRaw(t, path, `{"version":1,"repositories":[
		{"name":"app","startupStatus":"OFFLINE"}
	]}`)
	res, err = Sync(ctx, path, store)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Updated) != 1 || res.Updated[0] != "app" {
		t.Fatalf("third sync = %+v", res)
	}

	app, err := store.Get(ctx, "app")
	if err != nil {
		t.Fatal(err)
	}
	if app.Version != 2 || app.StartupStatus != config.StatusOffline {
		t.Errorf("app = version %d status %s", app.Version, app.StartupStatus)
	}
	if _, err := store.Get(ctx, "audit"); err != nil {
		t.Errorf("audit removed from store: %v", err)
	}
}

func TestSyncPartialFailure(t *testing.T) {
	ctx := context.Background()
	store := config.NewStore(memory.NewStore())
	path := filepath.Join(t.TempDir(), "repos.json")

	writeRaw(t, path, `{"version":1,"repositories":[
		{"name":"good"},
		{"name":"bad.name"}
	]}`)

	res, err := Sync(ctx, path, store)
	if !errors.Is(err, config.ErrInvalid) {
		t.Fatalf("err = %v", err)
	}
	if len(res.Created) != 1 || res.Created[0] != "good" {
		t.Fatalf("res = %+v", res)
	}
}

func TestWatch(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "repos.json")
	writeRaw(t, path, `{"version":1,"repositories":[]}`)

	ctx, cancel := context.WithCancel(context.Background())
	var calls atomic.Int32
	done := make(chan error, 1)
	go func() {
		done <- Watch(ctx, path, nil, func() { calls.Add(1) })
	}()

	// Give the watcher time to register.
	time.Sleep(100 * time.Millisecond)
	writeRaw(t, filepath.Join(dir, "other.json"), `{}`)
	writeRaw(t, path, `{"version":1,"repositories":[{"name":"a"}]}`)

	deadline := time.Now().Add(5 * time.Second)
	for calls.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	if calls.Load() == 0 {
		t.Fatal("onChange not called")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Watch did not return after cancel")
	}
}
