// Package channel implements the inbound side of a domain: an unbounded
// control queue and one bounded FIFO queue per sending domain.
package channel

import (
	"context"
	"errors"
	"slices"
	"sync"

	"github.com/birdayz/kviews/internal/packet"
	"github.com/birdayz/kviews/kdag"
)

var ErrClosed = errors.New("channel: mailbox closed")

// Ingress is the sender used for client writes.
const Ingress = kdag.NoDomain

type queue struct {
	from  kdag.DomainIndex
	items []packet.Packet
	// space is closed and replaced whenever an item is taken from a full
	// queue.
	space chan struct{}
}

// Mailbox is safe for concurrent senders and one receiver.
type Mailbox struct {
	mu       sync.Mutex
	capacity int
	control  []packet.Packet
	queues   []*queue
	next     int
	closed   bool

	notify chan struct{}
	done   chan struct{}
}

func NewMailbox(capacity int) *Mailbox {
	if capacity <= 0 {
		capacity = 1
	}
	return &Mailbox{
		capacity: capacity,
		notify:   make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

// Notify receives a value whenever a packet was added since the last
// receive.
func (m *Mailbox) Notify() <-chan struct{} { return m.notify }

func (m *Mailbox) signal() {
	select {
	case m.notify <- struct{}{}:
	default:
	}
}

func (m *Mailbox) queue(from kdag.DomainIndex) *queue {
	for _, q := range m.queues {
		if q.from == from {
			return q
		}
	}
	q := &queue{from: from, space: make(chan struct{})}
	m.queues = append(m.queues, q)
	return q
}

// Send appends a data packet to the queue of sender from. It blocks while
// that queue is full.
func (m *Mailbox) Send(ctx context.Context, from kdag.DomainIndex, p packet.Packet) error {
	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return ErrClosed
		}
		q := m.queue(from)
		if len(q.items) < m.capacity {
			q.items = append(q.items, p)
			m.mu.Unlock()
			m.signal()
			return nil
		}
		space := q.space
		m.mu.Unlock()

		select {
		case <-space:
		case <-ctx.Done():
			return ctx.Err()
		case <-m.done:
			return ErrClosed
		}
	}
}

// SendControl appends a control packet. It never blocks.
func (m *Mailbox) SendControl(p packet.Packet) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	m.control = append(m.control, p)
	m.mu.Unlock()
	m.signal()
	return nil
}

// Next returns the next packet to process, or false if there is none.
// Control packets come first. With data set, a queue whose head is a replay
// piece is preferred; otherwise queues are served round-robin.
func (m *Mailbox) Next(data bool) (packet.Packet, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.control) > 0 {
		p := m.control[0]
		m.control[0] = nil
		m.control = m.control[1:]
		return p, true
	}
	if !data || len(m.queues) == 0 {
		return nil, false
	}

	n := len(m.queues)
	for i := 0; i < n; i++ {
		q := m.queues[(m.next+i)%n]
		if len(q.items) == 0 {
			continue
		}
		if _, ok := q.items[0].(*packet.ReplayPiece); ok {
			return m.pop(q), true
		}
	}
	for i := 0; i < n; i++ {
		idx := (m.next + i) % n
		q := m.queues[idx]
		if len(q.items) > 0 {
			m.next = (idx + 1) % n
			return m.pop(q), true
		}
	}
	return nil, false
}

func (m *Mailbox) pop(q *queue) packet.Packet {
	full := len(q.items) >= m.capacity
	p := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	if full {
		close(q.space)
		q.space = make(chan struct{})
	}
	return p
}

// DataLen returns the number of queued data packets.
func (m *Mailbox) DataLen() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, q := range m.queues {
		n += len(q.items)
	}
	return n
}

// Senders returns the domains with a queue in this mailbox.
func (m *Mailbox) Senders() []kdag.DomainIndex {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]kdag.DomainIndex, 0, len(m.queues))
	for _, q := range m.queues {
		out = append(out, q.from)
	}
	slices.Sort(out)
	return out
}

// Close wakes blocked senders and rejects further packets.
func (m *Mailbox) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	close(m.done)
}
