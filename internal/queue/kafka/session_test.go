package kafka

import (
	"testing"
	"time"

	"github.com/twmb/franz-go/pkg/kfake"

	"rapidlog/internal/queue"
)

const (
	testAddress = "logs.orders"
	testQueue   = "orders"
)

// newClusterTransport starts an in-process Kafka cluster and deploys the
// test queue on it.
func newClusterTransport(t *testing.T) *Transport {
	t.Helper()
	c, err := kfake.NewCluster(kfake.NumBrokers(1))
	if err != nil {
		t.Fatalf("kfake cluster: %v", err)
	}
	t.Cleanup(c.Close)

	tr, err := New(Config{Brokers: c.ListenAddrs(), Partitions: 1, ReplicationFactor: 1})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = tr.Close() })

	if err := tr.DeployQueue(t.Context(), testAddress, testQueue, true); err != nil {
		t.Fatalf("DeployQueue: %v", err)
	}
	return tr
}

func openSession(t *testing.T, tr *Transport, transacted bool) queue.Session {
	t.Helper()
	s, err := tr.CreateSession(t.Context(), queue.Credentials{}, transacted)
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	return s
}

// receiveWithin polls until a message arrives or d elapses. Joining the
// consumer group takes a few polls.
func receiveWithin(t *testing.T, c queue.Consumer, d time.Duration) *queue.Message {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		msg, err := c.Receive(t.Context(), 200*time.Millisecond)
		if err != nil {
			t.Fatalf("Receive: %v", err)
		}
		if msg != nil {
			return msg
		}
	}
	return nil
}

func endOffset(t *testing.T, tr *Transport) int64 {
	t.Helper()
	ends, err := tr.admin.ListEndOffsets(t.Context(), testAddress)
	if err != nil {
		t.Fatalf("ListEndOffsets: %v", err)
	}
	o, ok := ends.Lookup(testAddress, 0)
	if !ok || o.Err != nil {
		t.Fatalf("end offset for %s: ok=%v err=%v", testAddress, ok, o.Err)
	}
	return o.Offset
}

func committedOffset(t *testing.T, tr *Transport) int64 {
	t.Helper()
	offsets, err := tr.admin.FetchOffsets(t.Context(), testQueue)
	if err != nil {
		t.Fatalf("FetchOffsets: %v", err)
	}
	o, ok := offsets.Lookup(testAddress, 0)
	if !ok || o.Err != nil {
		return -1
	}
	return o.At
}

func TestTransactedSendVisibleAfterCommit(t *testing.T) {
	tr := newClusterTransport(t)
	s := openSession(t, tr, true)
	p, err := s.CreateProducer(testAddress)
	if err != nil {
		t.Fatalf("CreateProducer: %v", err)
	}

	msg := &queue.Message{ID: "m-1", Body: []byte("info,started"), Properties: map[string]string{"source": "api"}}
	if err := p.Send(t.Context(), msg); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if got := endOffset(t, tr); got != 0 {
		t.Fatalf("end offset before Commit = %d, want 0", got)
	}

	if err := s.Commit(t.Context()); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if got := endOffset(t, tr); got != 1 {
		t.Fatalf("end offset after Commit = %d, want 1", got)
	}

	reader := openSession(t, tr, false)
	c, err := reader.CreateConsumer(testQueue)
	if err != nil {
		t.Fatalf("CreateConsumer: %v", err)
	}
	got := receiveWithin(t, c, 10*time.Second)
	if got == nil {
		t.Fatal("committed message was not delivered")
	}
	if got.ID != "m-1" || string(got.Body) != "info,started" || got.Property("source") != "api" {
		t.Errorf("unexpected message %+v", got)
	}
	if got.Deliveries != 1 {
		t.Errorf("Deliveries = %d, want 1", got.Deliveries)
	}
}

func TestTransactedRollbackDiscardsSends(t *testing.T) {
	tr := newClusterTransport(t)
	s := openSession(t, tr, true)
	p, err := s.CreateProducer(testAddress)
	if err != nil {
		t.Fatalf("CreateProducer: %v", err)
	}
	if err := p.Send(t.Context(), &queue.Message{ID: "m-1", Body: []byte("x")}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if err := s.Rollback(t.Context()); err != nil {
		t.Fatalf("Rollback: %v", err)
	}
	if err := s.Commit(t.Context()); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if got := endOffset(t, tr); got != 0 {
		t.Errorf("end offset = %d, want 0 after rolled back send", got)
	}
}

func TestRollbackRedeliversAndCommitAdvances(t *testing.T) {
	tr := newClusterTransport(t)

	sender := openSession(t, tr, false)
	p, err := sender.CreateProducer(testAddress)
	if err != nil {
		t.Fatalf("CreateProducer: %v", err)
	}
	if err := p.Send(t.Context(), &queue.Message{ID: "m-1", Body: []byte("warn,disk")}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	s := openSession(t, tr, true)
	c, err := s.CreateConsumer(testQueue)
	if err != nil {
		t.Fatalf("CreateConsumer: %v", err)
	}

	first := receiveWithin(t, c, 10*time.Second)
	if first == nil {
		t.Fatal("message was not delivered")
	}
	if first.ID != "m-1" || first.Deliveries != 1 {
		t.Fatalf("first delivery = %s/%d, want m-1/1", first.ID, first.Deliveries)
	}

	if err := s.Rollback(t.Context()); err != nil {
		t.Fatalf("Rollback: %v", err)
	}
	if got := committedOffset(t, tr); got > 0 {
		t.Fatalf("committed offset after Rollback = %d, want none", got)
	}

	second := receiveWithin(t, c, 10*time.Second)
	if second == nil {
		t.Fatal("rolled back message was not redelivered")
	}
	if second.ID != "m-1" || second.Deliveries != 2 {
		t.Fatalf("redelivery = %s/%d, want m-1/2", second.ID, second.Deliveries)
	}

	if err := s.Commit(t.Context()); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if got := committedOffset(t, tr); got != 1 {
		t.Errorf("committed offset after Commit = %d, want 1", got)
	}
	if msg, err := c.Receive(t.Context(), 300*time.Millisecond); err != nil || msg != nil {
		t.Errorf("Receive after Commit = %v, %v; want nothing", msg, err)
	}

	info, err := tr.QueueControl(t.Context(), testAddress, testQueue)
	if err != nil {
		t.Fatalf("QueueControl: %v", err)
	}
	if info.MessageCount != 0 || info.ConsumerCount != 1 {
		t.Errorf("QueueControl = %+v, want no lag and one consumer", info)
	}
}
