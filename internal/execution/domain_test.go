package execution

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alecthomas/assert/v2"
	"github.com/birdayz/kviews/internal/channel"
	"github.com/birdayz/kviews/internal/packet"
	"github.com/birdayz/kviews/kdag"
	"github.com/birdayz/kviews/kprocessor"
	"github.com/birdayz/kviews/krow"
)

const (
	domA kdag.DomainIndex = 0
	domB kdag.DomainIndex = 1
)

type harness struct {
	t      *testing.T
	coord  *channel.Coordinator
	mu     sync.Mutex
	faults []*NodeFault
	wg     sync.WaitGroup
}

func newHarness(t *testing.T, timeout time.Duration, domains ...kdag.DomainIndex) *harness {
	t.Helper()
	h := &harness{t: t, coord: channel.NewCoordinator(8)}
	ctx, cancel := context.WithCancel(context.Background())
	for _, idx := range domains {
		d := NewDomain(Config{
			Index:         idx,
			Coordinator:   h.coord,
			ReplayTimeout: timeout,
			TickInterval:  5 * time.Millisecond,
			OnFault: func(f *NodeFault) {
				h.mu.Lock()
				defer h.mu.Unlock()
				h.faults = append(h.faults, f)
			},
		})
		h.wg.Add(1)
		go func() {
			defer h.wg.Done()
			_ = d.Run(ctx)
		}()
	}
	t.Cleanup(func() {
		cancel()
		h.wg.Wait()
		h.coord.Close()
	})
	return h
}

func (h *harness) control(d kdag.DomainIndex, p packet.Packet) {
	h.t.Helper()
	assert.NoError(h.t, h.coord.SendControl(d, p))
}

func (h *harness) addNode(d kdag.DomainIndex, spec packet.NodeSpec) {
	h.t.Helper()
	done := make(chan error, 1)
	h.control(d, &packet.AddNode{Node: spec, Done: done})
	assert.NoError(h.t, wait(h.t, done))
}

func (h *harness) write(d kdag.DomainIndex, base kdag.NodeIndex, recs ...krow.Record) {
	h.t.Helper()
	msg := &packet.Message{Link: packet.Link{Src: base, Dst: base}, Records: recs}
	assert.NoError(h.t, h.coord.Send(context.Background(), channel.Ingress, d, msg))
}

// settle drains the domains in order, which processes everything queued,
// and resumes them.
func (h *harness) settle(domains ...kdag.DomainIndex) {
	h.t.Helper()
	for _, d := range domains {
		done := make(chan struct{}, 1)
		h.control(d, &packet.Drain{Done: done})
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			h.t.Fatalf("domain %s did not drain", d)
		}
	}
	for _, d := range domains {
		h.control(d, &packet.Resume{})
	}
}

func (h *harness) stats(d kdag.DomainIndex) packet.DomainStats {
	h.t.Helper()
	reply := make(chan packet.DomainStats, 1)
	h.control(d, &packet.GetStatistics{Reply: reply})
	select {
	case s := <-reply:
		return s
	case <-time.After(2 * time.Second):
		h.t.Fatal("no statistics")
		return packet.DomainStats{}
	}
}

func wait(t *testing.T, ch <-chan error) error {
	t.Helper()
	select {
	case err := <-ch:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting")
		return nil
	}
}

func full(key ...int) kdag.Materialization {
	return kdag.Materialization{Mode: kdag.Full, Key: key, Indices: [][]int{key}}
}

func partial(key ...int) kdag.Materialization {
	return kdag.Materialization{Mode: kdag.Partial, Key: key, Indices: [][]int{key}}
}

func baseSpec(idx kdag.NodeIndex, name string, cols int, children ...packet.Route) packet.NodeSpec {
	return packet.NodeSpec{
		Index:    idx,
		Name:     name,
		Op:       &kprocessor.Base{Columns: cols},
		States:   map[kdag.Slot]kdag.Materialization{kdag.SlotOutput: full(0)},
		Children: children,
	}
}

func readerSpec(idx, parent kdag.NodeIndex, m kdag.Materialization) packet.NodeSpec {
	return packet.NodeSpec{
		Index:   idx,
		Name:    "view",
		Op:      &kprocessor.Reader{Parent: parent, Key: m.Key},
		Parents: []kdag.NodeIndex{parent},
		States:  map[kdag.Slot]kdag.Materialization{kdag.SlotOutput: m},
	}
}

func (h *harness) readMiss(d kdag.DomainIndex, node kdag.NodeIndex, key krow.Row) error {
	h.t.Helper()
	done := make(chan error, 1)
	h.control(d, &packet.ReadMiss{Node: node, Key: key, Waiter: done})
	return wait(h.t, done)
}

func (h *harness) nodeRows(d kdag.DomainIndex, node kdag.NodeIndex) int {
	h.t.Helper()
	return h.slotRows(d, node, kdag.SlotOutput)
}

func (h *harness) slotRows(d kdag.DomainIndex, node kdag.NodeIndex, slot kdag.Slot) int {
	h.t.Helper()
	for _, n := range h.stats(d).Nodes {
		if n.Node == node {
			return n.Rows[slot]
		}
	}
	return -1
}

func TestCountToZero(t *testing.T) {
	h := newHarness(t, time.Second, domA)
	h.addNode(domA, baseSpec(0, "users", 2, packet.Route{Child: 1, Domain: domA}))
	h.addNode(domA, packet.NodeSpec{
		Index:    1,
		Name:     "count",
		Op:       &kprocessor.Aggregate{Parent: 0, Group: []int{0}, Func: kprocessor.Count},
		Parents:  []kdag.NodeIndex{0},
		States:   map[kdag.Slot]kdag.Materialization{kdag.SlotOutput: full(0)},
		Children: []packet.Route{{Child: 2, Domain: domA}},
	})
	h.addNode(domA, readerSpec(2, 1, full(0)))

	h.write(domA, 0, krow.Insert(krow.MustRow(1, "a")))
	h.write(domA, 0, krow.Retract(krow.MustRow(1, "a")))
	h.settle(domA)

	assert.Equal(t, 1, h.nodeRows(domA, 2))
	assert.Equal(t, 0, h.nodeRows(domA, 0))
}

func TestPartialReaderReplay(t *testing.T) {
	h := newHarness(t, time.Second, domA, domB)
	h.addNode(domA, baseSpec(0, "users", 2, packet.Route{Child: 1, Domain: domB}))
	h.addNode(domB, readerSpec(1, 0, partial(0)))
	path := packet.Path{
		Tag:      1,
		Segments: []packet.Segment{{Node: 0, Domain: domA, Key: []int{0}}, {Node: 1, Domain: domB, Key: []int{0}}},
	}
	h.control(domA, &packet.SetupPath{Path: path})
	h.control(domB, &packet.SetupPath{Path: path})

	h.write(domA, 0, krow.Insert(krow.MustRow(5, "alice")), krow.Insert(krow.MustRow(6, "bob")))
	h.settle(domA, domB)

	t.Run("updates to holes are dropped", func(t *testing.T) {
		assert.Equal(t, 0, h.nodeRows(domB, 1))
	})

	t.Run("miss is filled from the base", func(t *testing.T) {
		assert.NoError(t, h.readMiss(domB, 1, krow.MustRow(5)))
		assert.Equal(t, 1, h.nodeRows(domB, 1))
	})

	t.Run("filled key takes live updates", func(t *testing.T) {
		h.write(domA, 0, krow.Insert(krow.MustRow(5, "carol")), krow.Insert(krow.MustRow(6, "dave")))
		h.settle(domA, domB)
		assert.Equal(t, 2, h.nodeRows(domB, 1))
	})

	t.Run("empty key is filled empty", func(t *testing.T) {
		assert.NoError(t, h.readMiss(domB, 1, krow.MustRow(99)))
		assert.NoError(t, h.readMiss(domB, 1, krow.MustRow(99)))
		s := h.stats(domB)
		assert.Equal(t, uint64(2), s.ReplaysRequested)
	})

	t.Run("eviction turns keys into holes", func(t *testing.T) {
		reply := make(chan int, 1)
		h.control(domB, &packet.Evict{N: 10, Reply: reply})
		select {
		case n := <-reply:
			assert.Equal(t, 2, n)
		case <-time.After(2 * time.Second):
			t.Fatal("no eviction reply")
		}
		assert.Equal(t, 0, h.nodeRows(domB, 1))
	})
}

func TestJoinMissSuspendsRecords(t *testing.T) {
	h := newHarness(t, time.Second, domA, domB)
	// orders(user_id, item) ⋈ users(id, name) on orders.user_id = users.id
	h.addNode(domA, baseSpec(0, "orders", 2, packet.Route{Child: 2, Domain: domB}))
	h.addNode(domA, baseSpec(1, "users", 2, packet.Route{Child: 2, Domain: domB}))
	h.addNode(domB, packet.NodeSpec{
		Index: 2,
		Name:  "orders_users",
		Op: &kprocessor.Join{
			Left: 0, Right: 1,
			On:   []kprocessor.JoinOn{{Left: 0, Right: 0}},
			Emit: []kprocessor.JoinColumn{{Side: kprocessor.Left, Col: 0}, {Side: kprocessor.Left, Col: 1}, {Side: kprocessor.Right, Col: 1}},
		},
		Parents: []kdag.NodeIndex{0, 1},
		States: map[kdag.Slot]kdag.Materialization{
			kdag.SlotLeft:  full(0),
			kdag.SlotRight: partial(0),
		},
		Children: []packet.Route{{Child: 3, Domain: domB}},
	})
	h.addNode(domB, readerSpec(3, 2, full(0)))
	path := packet.Path{
		Tag:      7,
		Slot:     kdag.SlotRight,
		Segments: []packet.Segment{{Node: 1, Domain: domA, Key: []int{0}}, {Node: 2, Domain: domB, Key: []int{0}}},
	}
	h.control(domA, &packet.SetupPath{Path: path})
	h.control(domB, &packet.SetupPath{Path: path})

	h.write(domA, 1, krow.Insert(krow.MustRow(5, "alice")))
	h.write(domA, 0, krow.Insert(krow.MustRow(5, "book")), krow.Insert(krow.MustRow(5, "pen")))
	h.settle(domA, domB)

	// the replay is answered on the control and data planes
	assert.True(t, eventually(func() bool { return h.nodeRows(domB, 3) == 2 }))

	h.write(domA, 1, krow.Insert(krow.MustRow(5, "alias")))
	h.settle(domA, domB)
	assert.True(t, eventually(func() bool { return h.nodeRows(domB, 3) == 4 }))

	s := h.stats(domB)
	assert.Equal(t, uint64(1), s.ReplaysRequested)
}

// ordersUsersJoin is orders(user_id, item) ⋈ users(id, name) on user id,
// emitting (user_id, item, name).
func ordersUsersJoin(left, right kdag.Materialization, children ...packet.Route) packet.NodeSpec {
	return packet.NodeSpec{
		Index: 2,
		Name:  "orders_users",
		Op: &kprocessor.Join{
			Left: 0, Right: 1,
			On:   []kprocessor.JoinOn{{Left: 0, Right: 0}},
			Emit: []kprocessor.JoinColumn{{Side: kprocessor.Left, Col: 0}, {Side: kprocessor.Left, Col: 1}, {Side: kprocessor.Right, Col: 1}},
		},
		Parents:  []kdag.NodeIndex{0, 1},
		States:   map[kdag.Slot]kdag.Materialization{kdag.SlotLeft: left, kdag.SlotRight: right},
		Children: children,
	}
}

func (h *harness) setupPath(path packet.Path, domains ...kdag.DomainIndex) {
	h.t.Helper()
	for _, d := range domains {
		h.control(d, &packet.SetupPath{Path: path})
	}
}

func (h *harness) dataLen(d kdag.DomainIndex) int {
	mb, ok := h.coord.Mailbox(d)
	if !ok {
		return -1
	}
	return mb.DataLen()
}

func TestSuspendedRecordsBeforeReplay(t *testing.T) {
	h := newHarness(t, time.Second, domA, domB)
	h.addNode(domA, baseSpec(0, "orders", 2, packet.Route{Child: 2, Domain: domB}))
	h.addNode(domB, baseSpec(1, "users", 2, packet.Route{Child: 2, Domain: domB}))
	h.addNode(domB, ordersUsersJoin(partial(0), full(0), packet.Route{Child: 3, Domain: domB}))
	h.addNode(domB, readerSpec(3, 2, partial(0)))
	h.setupPath(packet.Path{
		Tag:      1,
		Slot:     kdag.SlotLeft,
		Segments: []packet.Segment{{Node: 0, Domain: domA, Key: []int{0}}, {Node: 2, Domain: domB, Key: []int{0}}},
	}, domA, domB)
	h.setupPath(packet.Path{
		Tag: 2,
		Segments: []packet.Segment{
			{Node: 1, Domain: domB, Key: []int{0}},
			{Node: 2, Domain: domB, Key: []int{0}},
			{Node: 3, Domain: domB, Key: []int{0}},
		},
	}, domB)

	h.write(domA, 0, krow.Insert(krow.MustRow(5, "book")))
	h.settle(domA, domB)
	h.write(domB, 1, krow.Insert(krow.MustRow(5, "ann")))
	h.settle(domB)
	assert.True(t, eventually(func() bool { return h.slotRows(domB, 2, kdag.SlotLeft) == 1 }))

	// turn the join's order side back into a hole
	reply := make(chan int, 1)
	h.control(domB, &packet.Evict{N: 10, Reply: reply})
	assert.Equal(t, 1, <-reply)

	// the read replays from users, stops at the order hole and waits for
	// domain A, while a new user is queued ahead of the answer
	drained := make(chan struct{}, 1)
	h.control(domB, &packet.Drain{Done: drained})
	<-drained
	alice := &packet.Message{Link: packet.Link{Src: 1, Dst: 1}, Records: krow.Records{krow.Insert(krow.MustRow(5, "alice"))}}
	assert.NoError(t, h.coord.Send(context.Background(), domA, domB, alice))
	done := make(chan error, 1)
	h.control(domB, &packet.ReadMiss{Node: 3, Key: krow.MustRow(5), Waiter: done})
	assert.True(t, eventually(func() bool { return h.dataLen(domB) == 2 }))
	h.control(domB, &packet.Resume{})

	assert.NoError(t, wait(t, done))
	h.settle(domA, domB)
	assert.Equal(t, 2, h.nodeRows(domB, 3))
	h.mu.Lock()
	defer h.mu.Unlock()
	assert.Equal(t, 0, len(h.faults))
}

func TestJoinSideFilledWhileSuspended(t *testing.T) {
	h := newHarness(t, time.Second, domA, domB)
	h.addNode(domA, baseSpec(0, "orders", 2, packet.Route{Child: 2, Domain: domB}))
	h.addNode(domA, baseSpec(1, "users", 2, packet.Route{Child: 2, Domain: domB}))
	h.addNode(domB, ordersUsersJoin(partial(0), partial(0), packet.Route{Child: 3, Domain: domB}))
	h.addNode(domB, readerSpec(3, 2, full(0)))
	h.setupPath(packet.Path{
		Tag:      1,
		Slot:     kdag.SlotLeft,
		Segments: []packet.Segment{{Node: 0, Domain: domA, Key: []int{0}}, {Node: 2, Domain: domB, Key: []int{0}}},
	}, domA, domB)
	h.setupPath(packet.Path{
		Tag:      2,
		Slot:     kdag.SlotRight,
		Segments: []packet.Segment{{Node: 1, Domain: domA, Key: []int{0}}, {Node: 2, Domain: domB, Key: []int{0}}},
	}, domA, domB)

	// the order misses on users, then the user misses on orders; both
	// answers contain both rows
	drained := make(chan struct{}, 1)
	h.control(domB, &packet.Drain{Done: drained})
	<-drained
	h.write(domA, 0, krow.Insert(krow.MustRow(5, "book")))
	h.write(domA, 1, krow.Insert(krow.MustRow(5, "alice")))
	h.settle(domA)
	h.control(domB, &packet.Resume{})

	assert.True(t, eventually(func() bool { return h.nodeRows(domB, 3) >= 1 }))
	h.settle(domA, domB)
	h.settle(domA, domB)
	assert.Equal(t, 1, h.nodeRows(domB, 3))
	assert.Equal(t, uint64(2), h.stats(domB).ReplaysRequested)

	t.Run("retraction after refill", func(t *testing.T) {
		h.write(domA, 0, krow.Retract(krow.MustRow(5, "book")))
		h.settle(domA, domB)
		assert.Equal(t, 0, h.nodeRows(domB, 3))
		h.mu.Lock()
		defer h.mu.Unlock()
		assert.Equal(t, 0, len(h.faults))
	})
}

func eventually(cond func() bool) bool {
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return false
}

func TestReplayFailures(t *testing.T) {
	t.Run("no path", func(t *testing.T) {
		h := newHarness(t, time.Second, domA)
		h.addNode(domA, baseSpec(0, "users", 2, packet.Route{Child: 1, Domain: domA}))
		h.addNode(domA, readerSpec(1, 0, partial(0)))
		assert.IsError(t, h.readMiss(domA, 1, krow.MustRow(1)), ErrPathBroken)
	})

	t.Run("source node removed", func(t *testing.T) {
		h := newHarness(t, time.Second, domA, domB)
		h.addNode(domB, readerSpec(1, 0, partial(0)))
		path := packet.Path{
			Tag:      3,
			Segments: []packet.Segment{{Node: 0, Domain: domA, Key: []int{0}}, {Node: 1, Domain: domB, Key: []int{0}}},
		}
		h.control(domA, &packet.SetupPath{Path: path})
		h.control(domB, &packet.SetupPath{Path: path})
		assert.IsError(t, h.readMiss(domB, 1, krow.MustRow(1)), ErrPathBroken)
	})

	t.Run("timeout", func(t *testing.T) {
		// domain A has a mailbox but nobody serves it
		h := newHarness(t, 20*time.Millisecond, domB)
		h.coord.Register(domA)
		h.addNode(domB, readerSpec(1, 0, partial(0)))
		path := packet.Path{
			Tag:      4,
			Segments: []packet.Segment{{Node: 0, Domain: domA, Key: []int{0}}, {Node: 1, Domain: domB, Key: []int{0}}},
		}
		h.control(domB, &packet.SetupPath{Path: path})
		assert.IsError(t, h.readMiss(domB, 1, krow.MustRow(1)), ErrReplayTimeout)
		assert.Equal(t, uint64(1), h.stats(domB).ReplaysTimedOut)
	})
}

func TestFault(t *testing.T) {
	h := newHarness(t, time.Second, domA)
	h.addNode(domA, baseSpec(0, "users", 2, packet.Route{Child: 1, Domain: domA}))
	h.addNode(domA, packet.NodeSpec{
		Index:   1,
		Name:    "count",
		Op:      &kprocessor.Aggregate{Parent: 0, Group: []int{0}, Func: kprocessor.Count},
		Parents: []kdag.NodeIndex{0},
		States:  map[kdag.Slot]kdag.Materialization{kdag.SlotOutput: full(0)},
	})

	// a retraction the base never saw reaches the count directly
	msg := &packet.Message{Link: packet.Link{Src: 0, Dst: 1}, Records: krow.Retracts(krow.MustRow(1, "a"))}
	assert.NoError(t, h.coord.Send(context.Background(), channel.Ingress, domA, msg))
	h.settle(domA)

	h.mu.Lock()
	faults := h.faults
	h.mu.Unlock()
	assert.Equal(t, 1, len(faults))
	assert.Equal(t, kdag.NodeIndex(1), faults[0].Node)
	assert.IsError(t, faults[0], kprocessor.ErrNegativeCount)

	var pe *ProcessingError
	assert.True(t, asProcessingError(faults[0], &pe))
	assert.Equal(t, StageProcessing, pe.Stage)

	// the base keeps running
	h.write(domA, 0, krow.Insert(krow.MustRow(2, "b")))
	h.settle(domA)
	assert.Equal(t, 1, h.nodeRows(domA, 0))
	for _, n := range h.stats(domA).Nodes {
		assert.Equal(t, n.Node == 1, n.Faulted)
	}
}

func TestBaseDropsMissingRetraction(t *testing.T) {
	h := newHarness(t, time.Second, domA)
	h.addNode(domA, baseSpec(0, "users", 2, packet.Route{Child: 1, Domain: domA}))
	h.addNode(domA, packet.NodeSpec{
		Index:    1,
		Name:     "count",
		Op:       &kprocessor.Aggregate{Parent: 0, Group: []int{0}, Func: kprocessor.Count},
		Parents:  []kdag.NodeIndex{0},
		States:   map[kdag.Slot]kdag.Materialization{kdag.SlotOutput: full(0)},
		Children: []packet.Route{{Child: 2, Domain: domA}},
	})
	h.addNode(domA, readerSpec(2, 1, full(0)))

	h.write(domA, 0, krow.Retract(krow.MustRow(1, "a")))
	h.write(domA, 0, krow.Insert(krow.MustRow(1, "b")), krow.Retract(krow.MustRow(1, "a")))
	h.settle(domA)

	assert.Equal(t, 1, h.nodeRows(domA, 0))
	assert.Equal(t, 1, h.nodeRows(domA, 2))
	for _, n := range h.stats(domA).Nodes {
		assert.False(t, n.Faulted, "node %d", n.Node)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	assert.Equal(t, 0, len(h.faults))
}

func asProcessingError(f *NodeFault, target **ProcessingError) bool {
	pe, ok := f.Cause.(*ProcessingError)
	if ok {
		*target = pe
	}
	return ok
}

func TestCatchUp(t *testing.T) {
	h := newHarness(t, time.Second, domA, domB)
	h.addNode(domA, baseSpec(0, "users", 2))
	h.write(domA, 0, krow.Insert(krow.MustRow(1, "a")), krow.Insert(krow.MustRow(2, "b")))
	h.settle(domA)

	h.addNode(domB, readerSpec(1, 0, full(0)))
	done := make(chan error, 1)
	h.control(domA, &packet.StartCatchUp{Parent: 0, Route: packet.Route{Child: 1, Domain: domB}, Done: done})
	assert.NoError(t, wait(t, done))
	assert.Equal(t, 2, h.nodeRows(domB, 1))

	h.write(domA, 0, krow.Insert(krow.MustRow(3, "c")))
	h.settle(domA, domB)
	assert.Equal(t, 3, h.nodeRows(domB, 1))
}

func TestGatedFullReplay(t *testing.T) {
	h := newHarness(t, time.Second, domA)
	h.addNode(domA, baseSpec(0, "users", 2, packet.Route{Child: 1, Domain: domA}))
	h.addNode(domA, packet.NodeSpec{
		Index:   1,
		Name:    "adults",
		Op:      &kprocessor.Filter{Parent: 0, Conditions: []kprocessor.Condition{{Col: 0, Op: kprocessor.Ge, Value: krow.Int(18)}}},
		Parents: []kdag.NodeIndex{0},
	})
	h.write(domA, 0, krow.Insert(krow.MustRow(20, "a")), krow.Insert(krow.MustRow(10, "b")))
	h.settle(domA)

	added := make(chan error, 1)
	h.control(domA, &packet.AddState{Node: 1, Slot: kdag.SlotOutput, State: full(0), Gated: true, Done: added})
	assert.NoError(t, wait(t, added))
	h.control(domA, &packet.SetupPath{Path: packet.Path{
		Tag:      9,
		Full:     true,
		Segments: []packet.Segment{{Node: 0, Domain: domA, Key: []int{0}}, {Node: 1, Domain: domA, Key: []int{0}}},
	}})

	filled := make(chan error, 1)
	h.control(domA, &packet.FillGated{Node: 1, Done: filled})
	assert.NoError(t, wait(t, filled))
	assert.Equal(t, 1, h.nodeRows(domA, 1))

	h.write(domA, 0, krow.Insert(krow.MustRow(30, "c")))
	h.settle(domA)
	assert.Equal(t, 2, h.nodeRows(domA, 1))
}

func TestDrainHoldsData(t *testing.T) {
	h := newHarness(t, time.Second, domA)
	h.addNode(domA, baseSpec(0, "users", 2))

	done := make(chan struct{}, 1)
	h.control(domA, &packet.Drain{Done: done})
	<-done
	h.write(domA, 0, krow.Insert(krow.MustRow(1, "a")))

	s := h.stats(domA)
	assert.Equal(t, string(StateDraining), s.State)
	assert.Equal(t, 0, h.nodeRows(domA, 0))

	h.control(domA, &packet.Resume{})
	assert.True(t, eventually(func() bool { return h.nodeRows(domA, 0) == 1 }))
}

func TestRemoveNodes(t *testing.T) {
	h := newHarness(t, time.Second, domA)
	h.addNode(domA, baseSpec(0, "users", 2, packet.Route{Child: 1, Domain: domA}))
	h.addNode(domA, readerSpec(1, 0, full(0)))
	h.control(domA, &packet.RemoveNodes{Nodes: []kdag.NodeIndex{1}})

	h.write(domA, 0, krow.Insert(krow.MustRow(1, "a")))
	h.settle(domA)
	assert.Equal(t, 1, len(h.stats(domA).Nodes))
	assert.Equal(t, 1, h.nodeRows(domA, 0))
}
