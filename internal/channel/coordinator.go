package channel

import (
	"context"
	"fmt"
	"sync"

	"github.com/birdayz/kviews/internal/packet"
	"github.com/birdayz/kviews/kdag"
)

// Coordinator maps domains to their mailboxes.
type Coordinator struct {
	mu       sync.RWMutex
	capacity int
	boxes    map[kdag.DomainIndex]*Mailbox
}

func NewCoordinator(capacity int) *Coordinator {
	return &Coordinator{capacity: capacity, boxes: make(map[kdag.DomainIndex]*Mailbox)}
}

// Register creates the mailbox of domain d.
func (c *Coordinator) Register(d kdag.DomainIndex) *Mailbox {
	c.mu.Lock()
	defer c.mu.Unlock()
	if m, ok := c.boxes[d]; ok {
		return m
	}
	m := NewMailbox(c.capacity)
	c.boxes[d] = m
	return m
}

// Unregister closes and forgets the mailbox of domain d.
func (c *Coordinator) Unregister(d kdag.DomainIndex) {
	c.mu.Lock()
	m, ok := c.boxes[d]
	delete(c.boxes, d)
	c.mu.Unlock()
	if ok {
		m.Close()
	}
}

func (c *Coordinator) Mailbox(d kdag.DomainIndex) (*Mailbox, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	m, ok := c.boxes[d]
	return m, ok
}

// Send delivers a data packet from domain from to domain to.
func (c *Coordinator) Send(ctx context.Context, from, to kdag.DomainIndex, p packet.Packet) error {
	m, ok := c.Mailbox(to)
	if !ok {
		return fmt.Errorf("%w: no domain %s", ErrClosed, to)
	}
	return m.Send(ctx, from, p)
}

// SendControl delivers a control packet to domain to.
func (c *Coordinator) SendControl(to kdag.DomainIndex, p packet.Packet) error {
	m, ok := c.Mailbox(to)
	if !ok {
		return fmt.Errorf("%w: no domain %s", ErrClosed, to)
	}
	return m.SendControl(p)
}

// Close closes every mailbox.
func (c *Coordinator) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for d, m := range c.boxes {
		m.Close()
		delete(c.boxes, d)
	}
}
