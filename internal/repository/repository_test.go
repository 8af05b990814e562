package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"rapidlog/internal/config"
	"rapidlog/internal/docstore"
	"rapidlog/internal/docstore/memory"
	"rapidlog/internal/entry"
	"rapidlog/internal/queue"
	qmemory "rapidlog/internal/queue/memory"
)

func testConfig(name string, workers int) config.RepositoryConfig {
	return config.RepositoryConfig{
		ID:                    "id-" + name,
		Name:                  name,
		StartupStatus:         config.StatusOnline,
		StoreEntries:          true,
		WriteQueueWorkerCount: workers,
		Parsers: []config.ParserConfig{{
			Name:               "csv",
			AppliesTo:          config.AppliesAll,
			Type:               "delimited",
			FieldErrorHandling: config.SkipEntry,
			Fields: []config.FieldConfig{
				{Name: "level", Properties: map[string]string{"column": "1"}},
				{Name: "count", DataType: config.TypeInteger, Properties: map[string]string{"column": "2"}},
			},
		}},
	}
}

type harness struct {
	broker  *qmemory.Broker
	entries *entry.Store
	deps    Deps
}

func newHarness(t *testing.T, docs docstore.Store) *harness {
	t.Helper()
	if docs == nil {
		docs = memory.NewStore()
	}
	b := qmemory.New(qmemory.Config{})
	t.Cleanup(func() { _ = b.Close() })
	h := &harness{broker: b, entries: entry.NewStore(docs)}
	h.deps = Deps{
		Transport:     b,
		Entries:       h.entries,
		ReceiveWait:   20 * time.Millisecond,
		StopTimeout:   5 * time.Second,
		RetryInterval: 10 * time.Millisecond,
	}
	return h
}

func (h *harness) start(t *testing.T, cfg config.RepositoryConfig) *Repository {
	t.Helper()
	r := New(cfg, h.deps)
	if err := r.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = r.Stop() })
	return r
}

func (h *harness) publish(t *testing.T, address string, msgs ...*queue.Message) {
	t.Helper()
	ctx := context.Background()
	s, err := h.broker.CreateSession(ctx, queue.Credentials{}, false)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = s.Close() }()
	p, err := s.CreateProducer(address)
	if err != nil {
		t.Fatal(err)
	}
	for _, m := range msgs {
		if err := p.Send(ctx, m); err != nil {
			t.Fatal(err)
		}
	}
}

// drain receives everything currently on a queue.
func (h *harness) drain(t *testing.T, name string) []*queue.Message {
	t.Helper()
	ctx := context.Background()
	s, err := h.broker.CreateSession(ctx, queue.Credentials{}, false)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = s.Close() }()
	c, err := s.CreateConsumer(name)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Start(); err != nil {
		t.Fatal(err)
	}
	var out []*queue.Message
	for {
		m, err := c.Receive(ctx, 50*time.Millisecond)
		if err != nil {
			t.Fatal(err)
		}
		if m == nil {
			return out
		}
		out = append(out, m)
	}
}

func line(s string) *queue.Message {
	return &queue.Message{Body: []byte(s), Properties: map[string]string{queue.PropSource: "test"}}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(20 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func (h *harness) count(t *testing.T, repo string) int {
	t.Helper()
	n, err := h.entries.Count(context.Background(), repo)
	if err != nil {
		t.Fatal(err)
	}
	return n
}

func TestStartStopWorkerCount(t *testing.T) {
	h := newHarness(t, nil)
	cfg := testConfig("app", 3)
	r := New(cfg, h.deps)
	if r.Status() != config.StatusOffline || len(r.Writers()) != 0 {
		t.Fatalf("new repository status=%s writers=%d", r.Status(), len(r.Writers()))
	}

	if err := r.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	writers := r.Writers()
	if r.Status() != config.StatusOnline || len(writers) != 3 {
		t.Fatalf("status=%s writers=%d", r.Status(), len(writers))
	}
	for _, w := range writers {
		if !w.IsRunning() {
			t.Errorf("writer %s not running", w.ID())
		}
	}

	if err := r.Start(context.Background()); !errors.Is(err, ErrAlreadyOnline) {
		t.Fatalf("double start err = %v", err)
	}

	if err := r.Stop(); err != nil {
		t.Fatal(err)
	}
	if r.Status() != config.StatusOffline || len(r.Writers()) != 0 {
		t.Fatalf("after stop status=%s writers=%d", r.Status(), len(r.Writers()))
	}
	for _, w := range writers {
		if w.IsRunning() {
			t.Errorf("writer %s still running", w.ID())
		}
	}
	info, err := r.QueueInfo(context.Background())
	if err != nil || info == nil {
		t.Fatalf("QueueInfo = %v, %v", info, err)
	}
	if info.DeliveringCount != 0 || info.ConsumerCount != 0 {
		t.Errorf("queue after stop = %+v", info)
	}

	if err := r.Stop(); err != nil {
		t.Errorf("stop on offline repository: %v", err)
	}
}

func TestWriterStartTwice(t *testing.T) {
	h := newHarness(t, nil)
	r := h.start(t, testConfig("app", 1))
	w := r.Writers()[0]
	if err := w.Start(context.Background()); !errors.Is(err, ErrWriterRunning) {
		t.Fatalf("err = %v", err)
	}
}

func TestSetConfigGuard(t *testing.T) {
	h := newHarness(t, nil)
	r := h.start(t, testConfig("app", 2))
	before := r.Writers()

	next := testConfig("app", 4)
	if err := r.SetConfig(next); !errors.Is(err, ErrNotOffline) {
		t.Fatalf("SetConfig while online err = %v", err)
	}
	if r.Config().WriteQueueWorkerCount != 2 || len(r.Writers()) != 2 {
		t.Fatalf("config changed while online")
	}
	for i, w := range r.Writers() {
		if w != before[i] || !w.IsRunning() {
			t.Fatalf("writers disturbed")
		}
	}

	if err := r.Stop(); err != nil {
		t.Fatal(err)
	}
	if err := r.SetConfig(testConfig("other", 1)); !errors.Is(err, config.ErrInvalid) {
		t.Fatalf("rename err = %v", err)
	}
	if err := r.SetConfig(next); err != nil {
		t.Fatal(err)
	}
	if err := r.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if n := len(r.Writers()); n != 4 {
		t.Fatalf("writers after reconfigure = %d, want 4", n)
	}
}

func TestStoresParsedEntries(t *testing.T) {
	h := newHarness(t, nil)
	cfg := testConfig("app", 1)
	r := h.start(t, cfg)

	m := line("ERROR,7")
	m.Properties[queue.PropHost] = "web-1"
	m.Properties[queue.PropTimestamp] = "2024-03-01T12:00:00Z"
	h.publish(t, cfg.WriteAddress(), m)

	waitFor(t, "stored entry", func() bool { return h.count(t, "app") == 1 })
	res, err := h.entries.Search(context.Background(), "app", entry.Query{Keywords: []string{"error"}})
	if err != nil || len(res.Entries) != 1 {
		t.Fatalf("search = %+v, %v", res, err)
	}
	e := res.Entries[0]
	if e.Host != "web-1" || e.Source != "test" || e.Fields["count"] != int64(7) {
		t.Errorf("entry = %+v", e)
	}
	if !e.Timestamp.Equal(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)) {
		t.Errorf("timestamp = %v", e.Timestamp)
	}
	if st := r.Info().Stats; st.Received != 1 || st.Stored != 1 {
		t.Errorf("stats = %+v", st)
	}
}

func TestStoreEntriesDisabled(t *testing.T) {
	h := newHarness(t, nil)
	cfg := testConfig("app", 1)
	cfg.StoreEntries = false
	r := h.start(t, cfg)
	h.publish(t, cfg.WriteAddress(), line("INFO,1"))
	waitFor(t, "processed", func() bool { return r.Info().Stats.Stored == 1 })
	if n := h.count(t, "app"); n != 0 {
		t.Errorf("stored %d entries", n)
	}
}

func TestDeadLetterExactlyOnce(t *testing.T) {
	h := newHarness(t, nil)
	cfg := testConfig("app", 2)
	r := h.start(t, cfg)

	bad := line("ERROR,not-a-number")
	bad.ID = "bad-1"
	bad.Properties[queue.PropHost] = "web-1"
	bad.Properties["custom"] = "x"
	h.publish(t, cfg.WriteAddress(), bad, line("INFO,1"))

	waitFor(t, "both messages", func() bool {
		st := r.Info().Stats
		return st.DeadLettered == 1 && st.Stored == 1
	})

	dead := h.drain(t, r.Config().DeadLetterAddress)
	if len(dead) != 1 {
		t.Fatalf("dead letters = %d, want 1", len(dead))
	}
	d := dead[0]
	if d.ID != bad.ID || string(d.Body) != string(bad.Body) {
		t.Errorf("dead letter = %q %q", d.ID, d.Body)
	}
	if len(d.Properties) != len(bad.Properties) {
		t.Errorf("properties = %v, want %v", d.Properties, bad.Properties)
	}
	for k, v := range bad.Properties {
		if d.Properties[k] != v {
			t.Errorf("property %s = %q, want %q", k, d.Properties[k], v)
		}
	}
	if n := h.count(t, "app"); n != 1 {
		t.Errorf("stored = %d, want 1", n)
	}
}

func TestNoMatchingParserDeadLetters(t *testing.T) {
	h := newHarness(t, nil)
	cfg := testConfig("app", 1)
	cfg.Parsers[0].AppliesTo = config.AppliesFilteredCSV
	cfg.Parsers[0].SourceFilter = "nginx"
	r := h.start(t, cfg)

	h.publish(t, cfg.WriteAddress(), line("INFO,1"))
	waitFor(t, "dead letter", func() bool { return r.Info().Stats.DeadLettered == 1 })
	if n := len(h.drain(t, r.Config().DeadLetterAddress)); n != 1 {
		t.Errorf("dead letters = %d", n)
	}
}

// flakyStore fails the first n saves.
type flakyStore struct {
	docstore.Store
	failures atomic.Int32
}

func (f *flakyStore) Save(ctx context.Context, d *docstore.Document) error {
	if f.failures.Add(-1) >= 0 {
		return errors.New("store unavailable")
	}
	return f.Store.Save(ctx, d)
}

// blockingStore holds every save until release is closed.
type blockingStore struct {
	docstore.Store
	entered chan struct{}
	release chan struct{}
}

func (b *blockingStore) Save(ctx context.Context, d *docstore.Document) error {
	select {
	case b.entered <- struct{}{}:
	default:
	}
	<-b.release
	return b.Store.Save(ctx, d)
}

func TestStopTimeoutKeepsWritersDraining(t *testing.T) {
	docs := &blockingStore{
		Store:   memory.NewStore(),
		entered: make(chan struct{}, 1),
		release: make(chan struct{}),
	}
	var once sync.Once
	release := func() { once.Do(func() { close(docs.release) }) }
	t.Cleanup(release)

	h := newHarness(t, docs)
	h.deps.StopTimeout = 100 * time.Millisecond
	cfg := testConfig("app", 1)
	r := h.start(t, cfg)
	old := r.Writers()[0]

	h.publish(t, cfg.WriteAddress(), line("info,1"))
	select {
	case <-docs.entered:
	case <-time.After(10 * time.Second):
		t.Fatal("message never reached the store")
	}

	if err := r.Stop(); !errors.Is(err, ErrStopTimeout) {
		t.Fatalf("Stop err = %v, want ErrStopTimeout", err)
	}
	if r.Status() != config.StatusOffline || !old.IsRunning() {
		t.Fatalf("status = %s, old writer running = %v", r.Status(), old.IsRunning())
	}
	if err := r.SetConfig(testConfig("app", 2)); !errors.Is(err, ErrNotOffline) {
		t.Fatalf("SetConfig while draining err = %v", err)
	}
	if err := r.Start(context.Background()); !errors.Is(err, ErrNotOffline) {
		t.Fatalf("Start while draining err = %v", err)
	}
	if r.Config().WriteQueueWorkerCount != 1 || len(r.Writers()) != 0 {
		t.Fatalf("repository changed while draining")
	}

	release()
	waitFor(t, "old writer to exit", func() bool { return !old.IsRunning() })
	if err := r.SetConfig(testConfig("app", 2)); err != nil {
		t.Fatal(err)
	}
	if err := r.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if n := len(r.Writers()); n != 2 {
		t.Fatalf("writers = %d, want 2", n)
	}
	if got := r.Info().Stats.Stored; got != 1 {
		t.Errorf("stored = %d, want 1", got)
	}
}

func TestPersistErrorRedelivers(t *testing.T) {
	docs := &flakyStore{Store: memory.NewStore()}
	docs.failures.Store(2)
	h := newHarness(t, docs)
	cfg := testConfig("app", 1)
	r := h.start(t, cfg)

	h.publish(t, cfg.WriteAddress(), line("WARN,3"))
	waitFor(t, "stored after redelivery", func() bool { return r.Info().Stats.Stored == 1 })

	st := r.Info().Stats
	if st.PersistErrors != 2 || st.Received != 3 || st.Stored != 1 || st.DeadLettered != 0 {
		t.Errorf("stats = %+v", st)
	}
	if n := len(h.drain(t, r.Config().DeadLetterAddress)); n != 0 {
		t.Errorf("dead letters = %d", n)
	}
}

func TestPersistErrorExhaustsDeliveries(t *testing.T) {
	docs := &flakyStore{Store: memory.NewStore()}
	docs.failures.Store(1000)
	h := newHarness(t, docs)
	cfg := testConfig("app", 1)
	cfg.MaxDeliveryAttempts = 3
	r := h.start(t, cfg)

	h.publish(t, cfg.WriteAddress(), line("WARN,3"))
	waitFor(t, "delivery attempts", func() bool { return r.Info().Stats.PersistErrors == 3 })
	if err := r.Stop(); err != nil {
		t.Fatal(err)
	}

	dead := h.drain(t, r.Config().DeadLetterAddress)
	if len(dead) != 1 {
		t.Fatalf("transport dead letters = %d, want 1", len(dead))
	}
	if got := dead[0].Property(queue.PropOriginalAddress); got != cfg.WriteAddress() {
		t.Errorf("original address = %q", got)
	}
}

func TestReadQueueFeed(t *testing.T) {
	h := newHarness(t, nil)
	cfg := testConfig("app", 1)
	cfg.ReadQueueEnabled = true
	r := h.start(t, cfg)

	h.publish(t, cfg.WriteAddress(), line("INFO,5"))
	waitFor(t, "stored", func() bool { return r.Info().Stats.Stored == 1 })

	feed := h.drain(t, cfg.ReadAddress())
	if len(feed) != 1 {
		t.Fatalf("feed = %d messages", len(feed))
	}
	if got := string(feed[0].Body); !strings.Contains(got, `"raw":"INFO,5"`) || !strings.Contains(got, `"count":5`) {
		t.Errorf("feed body = %s", got)
	}
	if feed[0].Property(queue.PropSource) != "test" {
		t.Errorf("feed properties = %v", feed[0].Properties)
	}
}

func TestConcurrentThroughput(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping throughput test in short mode")
	}
	h := newHarness(t, nil)
	cfg := testConfig("bulk", 10)
	r := h.start(t, cfg)

	const total = 10_000
	msgs := make([]*queue.Message, total)
	for i := range msgs {
		msgs[i] = line(fmt.Sprintf("INFO,%d", i))
	}
	h.publish(t, cfg.WriteAddress(), msgs...)

	waitFor(t, "drain", func() bool { return r.Info().Stats.Stored == total })
	if n := h.count(t, "bulk"); n != total {
		t.Fatalf("stored = %d, want %d", n, total)
	}
	info, err := r.QueueInfo(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if info.MessageCount != 0 || info.DeliveringCount != 0 {
		t.Errorf("queue not drained: %+v", info)
	}
	for _, w := range r.Writers() {
		if !w.IsRunning() {
			t.Errorf("writer %s stopped", w.ID())
		}
	}
}

func account(t *testing.T, password, role string) qmemory.User {
	t.Helper()
	hash, err := qmemory.HashPassword(password)
	if err != nil {
		t.Fatal(err)
	}
	return qmemory.User{PasswordHash: hash, Roles: []string{role}}
}

func TestStartFailureLeavesOffline(t *testing.T) {
	h := newHarness(t, nil)
	h.broker = qmemory.New(qmemory.Config{Users: map[string]qmemory.User{
		"server": account(t, "secret", "server"),
	}})
	t.Cleanup(func() { _ = h.broker.Close() })
	h.deps.Transport = h.broker
	h.deps.Credentials = queue.Credentials{User: "server", Password: "wrong"}

	r := New(testConfig("app", 3), h.deps)
	if err := r.Start(context.Background()); !errors.Is(err, queue.ErrUnauthorized) {
		t.Fatalf("err = %v", err)
	}
	if r.Status() != config.StatusOffline || len(r.Writers()) != 0 {
		t.Fatalf("status=%s writers=%d", r.Status(), len(r.Writers()))
	}
}

func TestSecurityRoles(t *testing.T) {
	h := newHarness(t, nil)
	h.broker = qmemory.New(qmemory.Config{Users: map[string]qmemory.User{
		"server":    account(t, "s", "server"),
		"publisher": account(t, "p", "writers"),
		"intruder":  account(t, "i", "guests"),
	}})
	t.Cleanup(func() { _ = h.broker.Close() })
	h.deps.Transport = h.broker
	h.deps.Credentials = queue.Credentials{User: "server", Password: "s"}
	h.deps.ServerRole = "server"

	cfg := testConfig("app", 1)
	cfg.WriteRole = "writers"
	r := h.start(t, cfg)

	ctx := context.Background()
	send := func(user, pass string) error {
		s, err := h.broker.CreateSession(ctx, queue.Credentials{User: user, Password: pass}, false)
		if err != nil {
			return err
		}
		defer func() { _ = s.Close() }()
		p, err := s.CreateProducer(cfg.WriteAddress())
		if err != nil {
			return err
		}
		return p.Send(ctx, line("INFO,1"))
	}
	if err := send("intruder", "i"); !errors.Is(err, queue.ErrUnauthorized) {
		t.Fatalf("intruder send err = %v", err)
	}
	if err := send("publisher", "p"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "stored", func() bool { return r.Info().Stats.Stored == 1 })

	readCfg := testConfig("audit", 1)
	readCfg.ReadQueueEnabled = true
	readCfg.ReadRole = "readers"
	h.start(t, readCfg)
	consume := func(user, pass string) error {
		s, err := h.broker.CreateSession(ctx, queue.Credentials{User: user, Password: pass}, false)
		if err != nil {
			return err
		}
		defer func() { _ = s.Close() }()
		_, err = s.CreateConsumer(readCfg.ReadAddress())
		return err
	}
	if err := consume("publisher", "p"); !errors.Is(err, queue.ErrUnauthorized) {
		t.Fatalf("publisher consume err = %v", err)
	}
}

func TestAddressSettings(t *testing.T) {
	cfg := testConfig("app", 1)
	cfg.MaxMemory = "1MB"
	cfg.PageSize = "64KB"
	cfg.MaxMemoryPolicy = "block"
	cfg.RedeliveryDelay = "250ms"
	cfg.Normalize()

	s, err := addressSettings(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if s.MaxSizeBytes != 1<<20 || s.PageSizeBytes != 64<<10 || s.Policy != queue.PolicyBlock {
		t.Errorf("settings = %+v", s)
	}
	if s.RedeliveryDelay != 250*time.Millisecond || s.MaxDeliveryAttempts != config.DefaultMaxDeliveryAttempts {
		t.Errorf("redelivery = %+v", s)
	}
	if s.DeadLetterAddress != config.DeadLetterAddress("app") {
		t.Errorf("dead letter = %q", s.DeadLetterAddress)
	}
}

func TestMetadata(t *testing.T) {
	ts := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	tests := []struct {
		prop string
		want time.Time
	}{
		{"", ts},
		{"2024-05-06T07:08:09.5Z", time.Date(2024, 5, 6, 7, 8, 9, 500_000_000, time.UTC)},
		{"1700000000000", time.UnixMilli(1700000000000)},
		{"garbage", ts},
	}
	for _, tt := range tests {
		m := &queue.Message{Timestamp: ts, Properties: map[string]string{queue.PropTimestamp: tt.prop, queue.PropSeverity: "WARN"}}
		meta := metadata(m)
		if !meta.Timestamp.Equal(tt.want) || meta.Severity != "WARN" {
			t.Errorf("metadata(%q) = %+v", tt.prop, meta)
		}
	}
}
