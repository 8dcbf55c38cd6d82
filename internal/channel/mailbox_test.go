package channel

import (
	"context"
	"testing"
	"time"

	"github.com/alecthomas/assert/v2"
	"github.com/birdayz/kviews/internal/packet"
	"github.com/birdayz/kviews/kdag"
	"github.com/birdayz/kviews/krow"
)

func msg(n int) *packet.Message {
	return &packet.Message{Records: krow.Inserts(krow.MustRow(n))}
}

func value(t *testing.T, p packet.Packet) int64 {
	t.Helper()
	m, ok := p.(*packet.Message)
	assert.True(t, ok)
	return m.Records[0].Row[0].AsInt()
}

func TestMailbox(t *testing.T) {
	ctx := context.Background()

	t.Run("control first", func(t *testing.T) {
		m := NewMailbox(4)
		assert.NoError(t, m.Send(ctx, 1, msg(1)))
		assert.NoError(t, m.SendControl(&packet.Quit{}))

		p, ok := m.Next(true)
		assert.True(t, ok)
		_, isQuit := p.(*packet.Quit)
		assert.True(t, isQuit)
	})

	t.Run("no data while draining", func(t *testing.T) {
		m := NewMailbox(4)
		assert.NoError(t, m.Send(ctx, 1, msg(1)))
		_, ok := m.Next(false)
		assert.False(t, ok)
		_, ok = m.Next(true)
		assert.True(t, ok)
	})

	t.Run("per sender fifo and round robin", func(t *testing.T) {
		m := NewMailbox(4)
		assert.NoError(t, m.Send(ctx, 1, msg(10)))
		assert.NoError(t, m.Send(ctx, 1, msg(11)))
		assert.NoError(t, m.Send(ctx, 2, msg(20)))
		assert.NoError(t, m.Send(ctx, 2, msg(21)))

		var got []int64
		for {
			p, ok := m.Next(true)
			if !ok {
				break
			}
			got = append(got, value(t, p))
		}
		assert.Equal(t, []int64{10, 20, 11, 21}, got)
	})

	t.Run("replay piece at head is preferred", func(t *testing.T) {
		m := NewMailbox(4)
		assert.NoError(t, m.Send(ctx, 1, msg(10)))
		assert.NoError(t, m.Send(ctx, 2, &packet.ReplayPiece{Tag: 7}))
		assert.NoError(t, m.Send(ctx, 3, msg(30)))
		assert.NoError(t, m.Send(ctx, 3, &packet.ReplayPiece{Tag: 8}))

		p, _ := m.Next(true)
		piece, ok := p.(*packet.ReplayPiece)
		assert.True(t, ok)
		assert.Equal(t, packet.Tag(7), piece.Tag)

		// the second piece is behind a message and keeps its place
		p, _ = m.Next(true)
		assert.Equal(t, int64(10), value(t, p))
	})

	t.Run("full queue blocks the sender only", func(t *testing.T) {
		m := NewMailbox(1)
		assert.NoError(t, m.Send(ctx, 1, msg(1)))

		sent := make(chan error, 1)
		go func() { sent <- m.Send(ctx, 1, msg(2)) }()
		select {
		case <-sent:
			t.Fatal("send to a full queue returned")
		case <-time.After(20 * time.Millisecond):
		}

		// another sender is not affected
		assert.NoError(t, m.Send(ctx, 2, msg(3)))

		p, _ := m.Next(true)
		assert.Equal(t, int64(1), value(t, p))
		assert.NoError(t, <-sent)
	})

	t.Run("blocked send honours context", func(t *testing.T) {
		m := NewMailbox(1)
		assert.NoError(t, m.Send(ctx, 1, msg(1)))
		cctx, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
		defer cancel()
		assert.IsError(t, m.Send(cctx, 1, msg(2)), context.DeadlineExceeded)
	})

	t.Run("close wakes senders", func(t *testing.T) {
		m := NewMailbox(1)
		assert.NoError(t, m.Send(ctx, 1, msg(1)))
		sent := make(chan error, 1)
		go func() { sent <- m.Send(ctx, 1, msg(2)) }()
		time.Sleep(10 * time.Millisecond)
		m.Close()
		assert.IsError(t, <-sent, ErrClosed)
		assert.IsError(t, m.SendControl(&packet.Quit{}), ErrClosed)
	})
}

func TestCoordinator(t *testing.T) {
	c := NewCoordinator(2)
	m := c.Register(3)
	assert.NoError(t, c.Send(context.Background(), Ingress, 3, msg(1)))
	assert.Equal(t, 1, m.DataLen())
	assert.Equal(t, []kdag.DomainIndex{Ingress}, m.Senders())

	c.Unregister(3)
	assert.IsError(t, c.SendControl(3, &packet.Quit{}), ErrClosed)
}
