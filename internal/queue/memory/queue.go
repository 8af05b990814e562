package memory

import (
	"rapidlog/internal/queue"
)

// memQueue holds the messages of one deployed queue. All fields are
// guarded by the broker mutex.
type memQueue struct {
	address string
	name    string
	durable bool

	msgs       []*queue.Message // ready for delivery, FIFO
	bytes      int64            // ready + delivering
	delivering int64
	consumers  int
	destroyed  bool

	// notify is closed (and replaced) whenever a message becomes ready.
	notify chan struct{}
	// space is closed (and replaced) whenever bytes decrease.
	space chan struct{}
}

func newMemQueue(address, name string, durable bool) *memQueue {
	return &memQueue{
		address: address,
		name:    name,
		durable: durable,
		notify:  make(chan struct{}),
		space:   make(chan struct{}),
	}
}

func (q *memQueue) signal() {
	close(q.notify)
	q.notify = make(chan struct{})
}

func (q *memQueue) signalSpace() {
	close(q.space)
	q.space = make(chan struct{})
}

func (q *memQueue) pushBack(m *queue.Message) {
	q.msgs = append(q.msgs, m)
	q.bytes += m.Size()
	q.signal()
}

// pushFront returns a previously delivered message to the head of the queue.
// Its bytes are still accounted for.
func (q *memQueue) pushFront(m *queue.Message) {
	q.msgs = append([]*queue.Message{m}, q.msgs...)
	q.signal()
}

func (q *memQueue) pop() *queue.Message {
	m := q.msgs[0]
	q.msgs[0] = nil
	q.msgs = q.msgs[1:]
	return m
}

// release drops the accounting of an acknowledged or discarded message.
func (q *memQueue) release(m *queue.Message) {
	q.bytes -= m.Size()
	q.signalSpace()
}
