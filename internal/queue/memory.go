package queue

import (
	"context"
	"sync"

	"github.com/kubilitics/kubilitics-rca/internal/models"
)

// Memory is an in-process queue with the same settlement semantics as the
// durable queue: unacknowledged deliveries return to the tail on Nak until
// the delivery limit is reached, and a Send whose MessageID is already
// waiting is dropped.
type Memory struct {
	mu         sync.Mutex
	items      []*memoryItem
	maxDeliver int
	notify     chan struct{}
	done       chan struct{}
	closed     bool
	closeOnce  sync.Once
}

type memoryItem struct {
	data    []byte
	msgID   string
	attempt int
}

var _ Queue = (*Memory)(nil)

// MemoryOption configures a Memory queue.
type MemoryOption func(*Memory)

// WithMaxDeliver caps deliveries per message. Zero or less means unlimited.
func WithMaxDeliver(n int) MemoryOption {
	return func(m *Memory) { m.maxDeliver = n }
}

func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{notify: make(chan struct{}, 1), done: make(chan struct{})}
	for _, o := range opts {
		o(m)
	}
	return m
}

func (m *Memory) Send(ctx context.Context, env models.Envelope) error {
	data, err := Encode(&env)
	if err != nil {
		return err
	}
	return m.push(&memoryItem{data: data, msgID: env.MessageID}, true)
}

// SendRaw enqueues an undecoded body.
func (m *Memory) SendRaw(data []byte) error {
	return m.push(&memoryItem{data: data}, false)
}

func (m *Memory) push(it *memoryItem, dedup bool) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if dedup && it.msgID != "" {
		for _, q := range m.items {
			if q.msgID == it.msgID {
				m.mu.Unlock()
				return nil
			}
		}
	}
	m.items = append(m.items, it)
	m.mu.Unlock()
	m.wake()
	return nil
}

func (m *Memory) wake() {
	select {
	case m.notify <- struct{}{}:
	default:
	}
}

func (m *Memory) Receive(ctx context.Context) (Delivery, error) {
	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return nil, ErrClosed
		}
		if len(m.items) > 0 {
			it := m.items[0]
			m.items = m.items[1:]
			it.attempt++
			remaining := len(m.items)
			m.mu.Unlock()
			if remaining > 0 {
				m.wake()
			}
			return &memoryDelivery{q: m, item: it}, nil
		}
		m.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-m.done:
			return nil, ErrClosed
		case <-m.notify:
		}
	}
}

// TryReceive returns the next delivery without blocking.
func (m *Memory) TryReceive() (Delivery, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || len(m.items) == 0 {
		return nil, false
	}
	it := m.items[0]
	m.items = m.items[1:]
	it.attempt++
	return &memoryDelivery{q: m, item: it}, true
}

// Len is the number of messages waiting for delivery.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}

// Pending returns copies of the queued envelopes without consuming them.
func (m *Memory) Pending() []models.Envelope {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.Envelope, 0, len(m.items))
	for _, it := range m.items {
		if env, err := Decode(it.data); err == nil {
			out = append(out, env)
		}
	}
	return out
}

func (m *Memory) Close() error {
	m.closeOnce.Do(func() {
		m.mu.Lock()
		m.closed = true
		m.mu.Unlock()
		close(m.done)
	})
	return nil
}

type memoryDelivery struct {
	q    *Memory
	item *memoryItem
	once sync.Once
}

func (d *memoryDelivery) Data() []byte { return d.item.data }
func (d *memoryDelivery) Attempt() int { return d.item.attempt }

func (d *memoryDelivery) Ack(ctx context.Context) error {
	d.once.Do(func() {})
	return nil
}

func (d *memoryDelivery) Term(ctx context.Context) error {
	d.once.Do(func() {})
	return nil
}

// Nak requeues the message, or drops it with ErrMaxDelivered once it has
// been delivered maxDeliver times.
func (d *memoryDelivery) Nak(ctx context.Context) error {
	var err error
	d.once.Do(func() {
		if d.q.maxDeliver > 0 && d.item.attempt >= d.q.maxDeliver {
			err = ErrMaxDelivered
			return
		}
		err = d.q.push(d.item, false)
	})
	return err
}
