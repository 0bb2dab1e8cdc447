package broker

import (
	"context"
	"fmt"
	"strconv"
	"sync"
)

type memMsg struct {
	id          uint64
	body        []byte
	redelivered bool
}

type memQueue struct {
	ready     []memMsg
	unacked   map[uint64]memMsg
	signal    chan struct{}
	published int
}

func newMemQueue() *memQueue {
	return &memQueue{
		unacked: make(map[uint64]memMsg),
		signal:  make(chan struct{}, 1),
	}
}

func (q *memQueue) notify() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// Memory is an in-process Broker. Messages are delivered FIFO per queue;
// requeued messages go back to the head of the queue like they do on
// RabbitMQ.
type Memory struct {
	mu     sync.Mutex
	queues map[string]*memQueue
	dead   DeadLetters
	nextID uint64
	done   chan struct{}
	closed bool
}

var _ Broker = (*Memory)(nil)

// NewMemory returns an empty in-process broker.
func NewMemory(dead DeadLetters) *Memory {
	return &Memory{
		queues: make(map[string]*memQueue),
		dead:   dead,
		done:   make(chan struct{}),
	}
}

func (m *Memory) DeclareQueue(_ context.Context, queue string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	if _, ok := m.queues[queue]; !ok {
		m.queues[queue] = newMemQueue()
	}
	if dlq, ok := m.dead.For(queue); ok {
		if _, ok := m.queues[dlq]; !ok {
			m.queues[dlq] = newMemQueue()
		}
	}
	return nil
}

func (m *Memory) Publish(ctx context.Context, queue string, body []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	q, ok := m.queues[queue]
	if !ok {
		return fmt.Errorf("publish to %q: %w", queue, ErrUnknownQueue)
	}
	m.nextID++
	q.ready = append(q.ready, memMsg{id: m.nextID, body: append([]byte(nil), body...)})
	q.published++
	q.notify()
	return nil
}

func (m *Memory) Consume(ctx context.Context, queue, consumer string, prefetch int) (<-chan Delivery, error) {
	m.mu.Lock()
	q, ok := m.queues[queue]
	closed := m.closed
	m.mu.Unlock()

	if closed {
		return nil, ErrClosed
	}
	if !ok {
		return nil, fmt.Errorf("consume from %q: %w", queue, ErrUnknownQueue)
	}

	var slots chan struct{}
	if prefetch > 0 {
		slots = make(chan struct{}, prefetch)
	}

	out := make(chan Delivery)
	go func() {
		defer close(out)
		for {
			if slots != nil {
				select {
				case slots <- struct{}{}:
				case <-ctx.Done():
					return
				case <-m.done:
					return
				}
			}

			msg, ok := m.pop(q)
			for !ok {
				select {
				case <-q.signal:
				case <-ctx.Done():
					m.release(slots)
					return
				case <-m.done:
					m.release(slots)
					return
				}
				msg, ok = m.pop(q)
			}

			id := strconv.FormatUint(msg.id, 10)
			d := NewDelivery(id, id, queue, msg.body, msg.redelivered, &memAcker{
				m:     m,
				queue: queue,
				msg:   msg,
				slots: slots,
			})

			select {
			case out <- d:
			case <-ctx.Done():
				m.requeue(queue, msg.id)
				m.release(slots)
				return
			case <-m.done:
				return
			}
		}
	}()
	return out, nil
}

func (m *Memory) Ping(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	return nil
}

// Close stops all consumers. Unsettled deliveries can no longer be acked.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		close(m.done)
	}
	return nil
}

// Len returns the number of ready (not yet delivered) messages on queue.
func (m *Memory) Len(queue string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if q, ok := m.queues[queue]; ok {
		return len(q.ready)
	}
	return 0
}

// Unacked returns the number of delivered but unsettled messages on queue.
func (m *Memory) Unacked(queue string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if q, ok := m.queues[queue]; ok {
		return len(q.unacked)
	}
	return 0
}

// Published returns how many messages were published directly to queue.
// Dead-lettered and requeued messages are not counted.
func (m *Memory) Published(queue string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if q, ok := m.queues[queue]; ok {
		return q.published
	}
	return 0
}

// Messages returns a copy of the ready message bodies on queue.
func (m *Memory) Messages(queue string) [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.queues[queue]
	if !ok {
		return nil
	}
	out := make([][]byte, len(q.ready))
	for i, msg := range q.ready {
		out[i] = append([]byte(nil), msg.body...)
	}
	return out
}

func (m *Memory) pop(q *memQueue) (memMsg, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(q.ready) == 0 {
		return memMsg{}, false
	}
	msg := q.ready[0]
	q.ready = q.ready[1:]
	q.unacked[msg.id] = msg
	if len(q.ready) > 0 {
		q.notify()
	}
	return msg, true
}

// requeue puts an unacked message back at the head of its queue.
func (m *Memory) requeue(queue string, id uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q := m.queues[queue]
	msg, ok := q.unacked[id]
	if !ok {
		return
	}
	delete(q.unacked, id)
	msg.redelivered = true
	q.ready = append([]memMsg{msg}, q.ready...)
	q.notify()
}

func (m *Memory) release(slots chan struct{}) {
	if slots == nil {
		return
	}
	select {
	case <-slots:
	default:
	}
}

type memAcker struct {
	m     *Memory
	queue string
	msg   memMsg
	slots chan struct{}

	once sync.Once
}

func (a *memAcker) settle(fn func(q *memQueue)) error {
	err := ErrAlreadySettled
	a.once.Do(func() {
		a.m.mu.Lock()
		defer a.m.mu.Unlock()

		if a.m.closed {
			err = ErrClosed
			return
		}
		q := a.m.queues[a.queue]
		if _, ok := q.unacked[a.msg.id]; !ok {
			return
		}
		delete(q.unacked, a.msg.id)
		fn(q)
		err = nil
	})
	if err == nil {
		a.m.release(a.slots)
	}
	return err
}

func (a *memAcker) Ack(context.Context) error {
	return a.settle(func(*memQueue) {})
}

func (a *memAcker) Nack(_ context.Context, requeue bool) error {
	return a.settle(func(q *memQueue) {
		if requeue {
			msg := a.msg
			msg.redelivered = true
			q.ready = append([]memMsg{msg}, q.ready...)
			q.notify()
			return
		}
		dlq, ok := a.m.dead.For(a.queue)
		if !ok {
			return
		}
		dq, ok := a.m.queues[dlq]
		if !ok {
			dq = newMemQueue()
			a.m.queues[dlq] = dq
		}
		dq.ready = append(dq.ready, memMsg{id: a.msg.id, body: a.msg.body})
		dq.notify()
	})
}
