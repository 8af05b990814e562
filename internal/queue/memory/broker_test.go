package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"rapidlog/internal/queue"
)

const wait = 50 * time.Millisecond

func setup(t *testing.T, b *Broker, address, name string) {
	t.Helper()
	if err := b.DeployQueue(context.Background(), address, name, true); err != nil {
		t.Fatalf("DeployQueue: %v", err)
	}
}

func openSession(t *testing.T, b *Broker, transacted bool) queue.Session {
	t.Helper()
	s, err := b.CreateSession(context.Background(), queue.Credentials{}, transacted)
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func send(t *testing.T, s queue.Session, address string, bodies ...string) {
	t.Helper()
	p, err := s.CreateProducer(address)
	if err != nil {
		t.Fatalf("CreateProducer: %v", err)
	}
	defer func() { _ = p.Close() }()
	for _, body := range bodies {
		if err := p.Send(context.Background(), &queue.Message{Body: []byte(body)}); err != nil {
			t.Fatalf("Send: %v", err)
		}
	}
}

func receive(t *testing.T, c queue.Consumer) *queue.Message {
	t.Helper()
	m, err := c.Receive(context.Background(), wait)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	return m
}

func info(t *testing.T, b *Broker, name string) *queue.QueueInfo {
	t.Helper()
	qi, err := b.QueueControl(context.Background(), "", name)
	if err != nil {
		t.Fatalf("QueueControl: %v", err)
	}
	if qi == nil {
		t.Fatalf("queue %s not found", name)
	}
	return qi
}

func TestSendReceiveFIFO(t *testing.T) {
	b := New(Config{})
	defer func() { _ = b.Close() }()
	setup(t, b, "a.write", "q")

	s := openSession(t, b, false)
	send(t, s, "a.write", "1", "2", "3")

	c, err := s.CreateConsumer("q")
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"1", "2", "3"} {
		m := receive(t, c)
		if m == nil || string(m.Body) != want {
			t.Fatalf("got %v, want %q", m, want)
		}
		if m.Deliveries != 1 {
			t.Errorf("Deliveries = %d, want 1", m.Deliveries)
		}
		if m.ID == "" {
			t.Error("expected message ID to be assigned")
		}
	}
	if m := receive(t, c); m != nil {
		t.Errorf("expected nil on empty queue, got %q", m.Body)
	}
	if qi := info(t, b, "q"); qi.MessageCount != 0 || qi.ConsumerCount != 1 {
		t.Errorf("info = %+v", qi)
	}
}

func TestFanOut(t *testing.T) {
	b := New(Config{})
	defer func() { _ = b.Close() }()
	setup(t, b, "a.read", "tail-1")
	setup(t, b, "a.read", "tail-2")

	send(t, openSession(t, b, false), "a.read", "x")

	for _, name := range []string{"tail-1", "tail-2"} {
		if got := info(t, b, name).MessageCount; got != 1 {
			t.Errorf("%s MessageCount = %d, want 1", name, got)
		}
	}
}

func TestCommitAcknowledges(t *testing.T) {
	b := New(Config{})
	defer func() { _ = b.Close() }()
	setup(t, b, "a", "q")
	send(t, openSession(t, b, false), "a", "x")

	s := openSession(t, b, true)
	c, _ := s.CreateConsumer("q")
	if m := receive(t, c); m == nil {
		t.Fatal("expected a message")
	}
	if qi := info(t, b, "q"); qi.DeliveringCount != 1 || qi.MessageCount != 0 {
		t.Fatalf("before commit: %+v", qi)
	}
	if err := s.Commit(context.Background()); err != nil {
		t.Fatal(err)
	}
	if qi := info(t, b, "q"); qi.DeliveringCount != 0 || qi.MessageCount != 0 {
		t.Fatalf("after commit: %+v", qi)
	}
}

func TestRollbackRedelivers(t *testing.T) {
	b := New(Config{})
	defer func() { _ = b.Close() }()
	setup(t, b, "a", "q")
	send(t, openSession(t, b, false), "a", "1", "2")

	s := openSession(t, b, true)
	c, _ := s.CreateConsumer("q")
	receive(t, c)
	receive(t, c)
	if err := s.Rollback(context.Background()); err != nil {
		t.Fatal(err)
	}

	for _, want := range []string{"1", "2"} {
		m := receive(t, c)
		if m == nil || string(m.Body) != want {
			t.Fatalf("got %v, want %q", m, want)
		}
		if m.Deliveries != 2 {
			t.Errorf("Deliveries = %d, want 2", m.Deliveries)
		}
	}
}

func TestTransactedSendVisibleOnCommit(t *testing.T) {
	b := New(Config{})
	defer func() { _ = b.Close() }()
	setup(t, b, "a", "q")

	s := openSession(t, b, true)
	send(t, s, "a", "x")
	if got := info(t, b, "q").MessageCount; got != 0 {
		t.Fatalf("MessageCount before commit = %d, want 0", got)
	}
	if err := s.Commit(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := info(t, b, "q").MessageCount; got != 1 {
		t.Fatalf("MessageCount after commit = %d, want 1", got)
	}

	send(t, s, "a", "y")
	if err := s.Rollback(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := info(t, b, "q").MessageCount; got != 1 {
		t.Fatalf("MessageCount after rollback = %d, want 1", got)
	}
}

func TestMaxDeliveryAttemptsDeadLetters(t *testing.T) {
	b := New(Config{})
	defer func() { _ = b.Close() }()
	if err := b.SetAddressSettings("app.#", queue.AddressSettings{
		MaxDeliveryAttempts: 2,
		DeadLetterAddress:   "dlq",
	}); err != nil {
		t.Fatal(err)
	}
	setup(t, b, "app.write", "q")
	setup(t, b, "dlq", "dlq")
	send(t, openSession(t, b, false), "app.write", "poison")

	s := openSession(t, b, true)
	c, _ := s.CreateConsumer("q")
	for range 2 {
		if m := receive(t, c); m == nil {
			t.Fatal("expected a message")
		}
		if err := s.Rollback(context.Background()); err != nil {
			t.Fatal(err)
		}
	}

	if qi := info(t, b, "q"); qi.MessageCount != 0 || qi.DeliveringCount != 0 {
		t.Fatalf("source queue = %+v", qi)
	}
	dc, _ := s.CreateConsumer("dlq")
	m := receive(t, dc)
	if m == nil {
		t.Fatal("expected dead-lettered message")
	}
	if got := m.Property(queue.PropOriginalAddress); got != "app.write" {
		t.Errorf("%s = %q, want app.write", queue.PropOriginalAddress, got)
	}
}

func TestAddressFullPolicies(t *testing.T) {
	tests := []struct {
		policy  queue.FullPolicy
		wantErr error
		want    int64
	}{
		{queue.PolicyFail, queue.ErrAddressFull, 1},
		{queue.PolicyDrop, nil, 1},
		{queue.PolicyPage, nil, 2},
	}
	for _, tt := range tests {
		t.Run(string(tt.policy), func(t *testing.T) {
			b := New(Config{})
			defer func() { _ = b.Close() }()
			if err := b.SetAddressSettings("a", queue.AddressSettings{MaxSizeBytes: 10, Policy: tt.policy}); err != nil {
				t.Fatal(err)
			}
			setup(t, b, "a", "q")
			s := openSession(t, b, false)
			p, _ := s.CreateProducer("a")
			if err := p.Send(context.Background(), &queue.Message{Body: []byte("12345678")}); err != nil {
				t.Fatal(err)
			}
			err := p.Send(context.Background(), &queue.Message{Body: []byte("12345678")})
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("second Send error = %v, want %v", err, tt.wantErr)
			}
			if got := info(t, b, "q").MessageCount; got != tt.want {
				t.Errorf("MessageCount = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestBlockPolicyWaitsForSpace(t *testing.T) {
	b := New(Config{})
	defer func() { _ = b.Close() }()
	if err := b.SetAddressSettings("a", queue.AddressSettings{MaxSizeBytes: 10, Policy: queue.PolicyBlock}); err != nil {
		t.Fatal(err)
	}
	setup(t, b, "a", "q")
	s := openSession(t, b, false)
	send(t, s, "a", "12345678")

	ctx, cancel := context.WithTimeout(context.Background(), wait)
	defer cancel()
	p, _ := s.CreateProducer("a")
	if err := p.Send(ctx, &queue.Message{Body: []byte("12345678")}); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("blocked Send error = %v, want deadline exceeded", err)
	}

	done := make(chan error, 1)
	go func() { done <- p.Send(context.Background(), &queue.Message{Body: []byte("12345678")}) }()

	c, _ := openSession(t, b, false).CreateConsumer("q")
	receive(t, c)
	select {
	case err := <-done:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(time.Second):
		t.Fatal("Send still blocked after space was freed")
	}
}

func TestReceiveWakesOnSend(t *testing.T) {
	b := New(Config{})
	defer func() { _ = b.Close() }()
	setup(t, b, "a", "q")
	s := openSession(t, b, false)
	c, _ := s.CreateConsumer("q")

	got := make(chan *queue.Message, 1)
	go func() {
		m, _ := c.Receive(context.Background(), 5*time.Second)
		got <- m
	}()
	time.Sleep(10 * time.Millisecond)
	send(t, openSession(t, b, false), "a", "late")

	select {
	case m := <-got:
		if m == nil || string(m.Body) != "late" {
			t.Fatalf("got %v", m)
		}
	case <-time.After(time.Second):
		t.Fatal("Receive did not wake up")
	}
}

func TestReceiveCancelled(t *testing.T) {
	b := New(Config{})
	defer func() { _ = b.Close() }()
	setup(t, b, "a", "q")
	c, _ := openSession(t, b, false).CreateConsumer("q")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := c.Receive(ctx, time.Minute); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestReceiveRequiresStart(t *testing.T) {
	b := New(Config{})
	defer func() { _ = b.Close() }()
	setup(t, b, "a", "q")
	s, _ := b.CreateSession(context.Background(), queue.Credentials{}, false)
	defer func() { _ = s.Close() }()
	c, _ := s.CreateConsumer("q")
	if _, err := c.Receive(context.Background(), wait); !errors.Is(err, queue.ErrNotStarted) {
		t.Fatalf("err = %v, want ErrNotStarted", err)
	}
}

func TestDestroyQueue(t *testing.T) {
	b := New(Config{})
	defer func() { _ = b.Close() }()
	setup(t, b, "a", "q")
	c, _ := openSession(t, b, false).CreateConsumer("q")

	if err := b.DestroyQueue(context.Background(), "q"); err != nil {
		t.Fatal(err)
	}
	if qi, _ := b.QueueControl(context.Background(), "a", "q"); qi != nil {
		t.Fatalf("queue still present: %+v", qi)
	}
	if _, err := c.Receive(context.Background(), wait); !errors.Is(err, queue.ErrQueueNotFound) {
		t.Fatalf("err = %v, want ErrQueueNotFound", err)
	}
	if err := b.DestroyQueue(context.Background(), "q"); !errors.Is(err, queue.ErrQueueNotFound) {
		t.Fatalf("second destroy err = %v", err)
	}
}

func TestDeployQueueIdempotent(t *testing.T) {
	b := New(Config{})
	defer func() { _ = b.Close() }()
	setup(t, b, "a", "q")
	setup(t, b, "a", "q")
	if err := b.DeployQueue(context.Background(), "b", "q", true); err == nil {
		t.Fatal("expected error rebinding queue to another address")
	}
}

func TestSecurity(t *testing.T) {
	pw := mustHash(t, "pw")
	b := New(Config{Users: map[string]User{
		"writer": {PasswordHash: pw, Roles: []string{"send"}},
		"reader": {PasswordHash: pw, Roles: []string{"consume"}},
	}})
	defer func() { _ = b.Close() }()
	if err := b.AddSecuritySettings("logs.#", "send", "consume"); err != nil {
		t.Fatal(err)
	}
	setup(t, b, "logs.app.write", "q")

	if _, err := b.CreateSession(context.Background(), queue.Credentials{User: "writer", Password: "bad"}, false); !errors.Is(err, queue.ErrUnauthorized) {
		t.Fatalf("bad password err = %v", err)
	}
	if _, err := b.CreateSession(context.Background(), queue.Credentials{User: "nobody", Password: "pw"}, false); !errors.Is(err, queue.ErrUnauthorized) {
		t.Fatalf("unknown user err = %v", err)
	}

	w, err := b.CreateSession(context.Background(), queue.Credentials{User: "writer", Password: "pw"}, false)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = w.Close() }()
	if _, err := w.CreateProducer("logs.app.write"); err != nil {
		t.Fatalf("writer CreateProducer: %v", err)
	}
	if _, err := w.CreateConsumer("q"); !errors.Is(err, queue.ErrUnauthorized) {
		t.Fatalf("writer CreateConsumer err = %v", err)
	}
	if _, err := w.CreateProducer("other.write"); !errors.Is(err, queue.ErrUnauthorized) {
		t.Fatalf("unmatched address err = %v", err)
	}

	r, err := b.CreateSession(context.Background(), queue.Credentials{User: "reader", Password: "pw"}, false)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = r.Close() }()
	if _, err := r.CreateConsumer("q"); err != nil {
		t.Fatalf("reader CreateConsumer: %v", err)
	}
}

func TestMatchAddress(t *testing.T) {
	tests := []struct {
		pattern, address string
		want             bool
	}{
		{"a.b", "a.b", true},
		{"a.*", "a.b", true},
		{"a.*", "a.b.c", false},
		{"a.#", "a.b.c", true},
		{"#", "x.y", true},
		{"a.*.write", "a.repo.write", true},
		{"a.*.write", "a.repo.read", false},
	}
	for _, tt := range tests {
		if got := matchAddress(tt.pattern, tt.address); got != tt.want {
			t.Errorf("matchAddress(%q, %q) = %v, want %v", tt.pattern, tt.address, got, tt.want)
		}
	}
}

func TestSettingsMostSpecificWins(t *testing.T) {
	b := New(Config{})
	_ = b.SetAddressSettings("#", queue.AddressSettings{MaxDeliveryAttempts: 1})
	_ = b.SetAddressSettings("a.*", queue.AddressSettings{MaxDeliveryAttempts: 2})
	_ = b.SetAddressSettings("a.b", queue.AddressSettings{MaxDeliveryAttempts: 3})

	b.mu.Lock()
	defer b.mu.Unlock()
	for addr, want := range map[string]int{"a.b": 3, "a.c": 2, "z": 1} {
		if got := b.settingsFor(addr).MaxDeliveryAttempts; got != want {
			t.Errorf("settingsFor(%q) = %d, want %d", addr, got, want)
		}
	}
}

func TestClosedBroker(t *testing.T) {
	b := New(Config{})
	setup(t, b, "a", "q")
	s := openSession(t, b, false)
	c, _ := s.CreateConsumer("q")
	_ = b.Close()
	if _, err := c.Receive(context.Background(), wait); !errors.Is(err, queue.ErrClosed) {
		t.Fatalf("err = %v, want ErrClosed", err)
	}
	if _, err := b.CreateSession(context.Background(), queue.Credentials{}, false); !errors.Is(err, queue.ErrClosed) {
		t.Fatalf("CreateSession err = %v", err)
	}
}
