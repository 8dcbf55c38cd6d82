package execution

import (
	"slices"
	"time"

	"github.com/birdayz/kviews/internal/packet"
	"github.com/birdayz/kviews/internal/runtime"
	"github.com/birdayz/kviews/kdag"
	"github.com/birdayz/kviews/kprocessor"
	"github.com/birdayz/kviews/krow"
	"github.com/birdayz/kviews/kserde"
	"github.com/birdayz/kviews/kstate"
)

// replayKey identifies a hole with a replay outstanding. A whole-state
// replay has an empty key.
type replayKey struct {
	node kdag.NodeIndex
	slot kdag.Slot
	key  string
}

type contKind int

const (
	// contWaiter is a reader waiting for the key to be published.
	contWaiter contKind = iota
	// contRecords are live records suspended on the hole. They are processed
	// again at the node, in order, once the key is filled.
	contRecords
	// contRequest is a replay request that is sent again once the key is
	// filled: either a request deferred at a partial source, or a replay
	// piece that could not pass a join.
	contRequest
)

type continuation struct {
	kind contKind

	waiter chan<- error

	parent  kdag.NodeIndex
	records krow.Records

	request *packet.RequestReplay
	// pending counts the holes a contRequest still waits for
	pending *int
}

// replay is an outstanding replay and everything waiting for it.
type replay struct {
	tag   packet.Tag
	key   krow.Row
	since time.Time
	conts []continuation
}

func (r *replay) fail(d *Domain, err error) {
	for _, c := range r.conts {
		switch c.kind {
		case contWaiter:
			d.notify(c.waiter, err)
		case contRecords:
			d.log.Error("Dropped suspended records", "parent", c.parent, "tag", r.tag, "key", r.key, "records", len(c.records), "error", err)
		case contRequest:
			d.log.Debug("Dropped deferred replay", "tag", c.request.Tag, "key", c.request.Key, "error", err)
		}
	}
	r.conts = nil
}

// await registers c on the hole key of slot and requests a replay unless one
// is already outstanding.
func (d *Domain) await(n *runtime.Node, slot kdag.Slot, key krow.Row, c continuation) error {
	k := replayKey{node: n.Index, slot: slot, key: kserde.KeyString(key)}
	if r, ok := d.replays[k]; ok {
		r.conts = append(r.conts, c)
		return nil
	}

	tag, ok := d.targets[target{node: n.Index, slot: slot}]
	if !ok {
		d.log.Error("No replay path", "node", n.Name, "slot", slot)
		(&replay{key: key, conts: []continuation{c}}).fail(d, ErrPathBroken)
		return nil
	}
	if st, ok := n.State(slot); ok && key != nil {
		st.MarkPending(key)
	}
	d.replays[k] = &replay{tag: tag, key: key, since: time.Now(), conts: []continuation{c}}
	d.stats.ReplaysRequested++
	d.log.Debug("Requesting replay", "node", n.Name, "slot", slot, "tag", tag, "key", key)

	return d.request(&packet.RequestReplay{
		Header: d.header(),
		Tag:    tag,
		Key:    key,
		From:   d.index,
		Target: n.Index,
		Slot:   slot,
	})
}

// request sends req to the domain of the path's source.
func (d *Domain) request(req *packet.RequestReplay) error {
	path, ok := d.paths[req.Tag]
	if !ok {
		return d.replyFailed(req, ErrPathBroken)
	}
	src := path.Source().Domain
	if src == d.index {
		return d.handleRequestReplay(req)
	}
	if err := d.coord.SendControl(src, req); err != nil {
		return d.replyFailed(req, ErrPathBroken)
	}
	return nil
}

func (d *Domain) replyFailed(req *packet.RequestReplay, err error) error {
	failed := &packet.ReplayFailed{
		Header: d.header(),
		Target: req.Target,
		Slot:   req.Slot,
		Key:    req.Key,
		Err:    err,
	}
	if req.From == d.index {
		d.handleReplayFailed(failed)
		return nil
	}
	if sendErr := d.coord.SendControl(req.From, failed); sendErr != nil {
		d.log.Debug("Requesting domain is gone", "domain", req.From, "tag", req.Tag)
	}
	return nil
}

// handleRequestReplay answers a request at the source of its path.
func (d *Domain) handleRequestReplay(req *packet.RequestReplay) error {
	path, ok := d.paths[req.Tag]
	if !ok {
		return d.replyFailed(req, ErrPathBroken)
	}
	n, ok := d.nodes[path.Source().Node]
	if !ok || n.Faulted() != nil || n.Gated(kdag.SlotOutput) {
		return d.replyFailed(req, ErrPathBroken)
	}
	st, ok := n.State(kdag.SlotOutput)
	if !ok {
		return d.replyFailed(req, ErrPathBroken)
	}

	var rows krow.Rows
	if req.Key == nil {
		all, err := st.Rows()
		if err != nil {
			d.fault(n, StageStateStore, err)
			return d.replyFailed(req, ErrPathBroken)
		}
		rows = all
	} else {
		if st.Mode() == kdag.Partial && st.Status(req.Key) != kstate.Filled {
			// the source has a hole itself; answer once it is filled
			return d.await(n, kdag.SlotOutput, req.Key, continuation{kind: contRequest, request: req})
		}
		res, err := st.Lookup(path.Source().Key, req.Key)
		if err != nil {
			d.fault(n, StageStateStore, err)
			return d.replyFailed(req, ErrPathBroken)
		}
		rows = res.Rows
	}

	d.stats.ReplaysServed++
	d.log.Debug("Serving replay", "path", path, "key", req.Key, "rows", len(rows))
	return d.forwardPiece(path, 1, req.Key, rows)
}

func (d *Domain) handleReplayPiece(p *packet.ReplayPiece) error {
	path, ok := d.paths[p.Tag]
	if !ok {
		d.log.Debug("Replay piece for unknown path dropped", "tag", p.Tag)
		return nil
	}
	return d.forwardPiece(path, p.Hop, p.Key, p.Rows)
}

// forwardPiece moves replayed rows down path starting at segment hop. It
// stops at the first segment owned by another domain and sends the rows on.
func (d *Domain) forwardPiece(path *packet.Path, hop int, key krow.Row, rows krow.Rows) error {
	last := len(path.Segments) - 1
	for i := hop; i <= last; i++ {
		seg := path.Segments[i]
		if seg.Domain != d.index {
			piece := &packet.ReplayPiece{Header: d.header(), Tag: path.Tag, Hop: i, Key: key, Rows: rows}
			return d.coord.Send(d.ctx, d.index, seg.Domain, piece)
		}
		n, ok := d.nodes[seg.Node]
		if !ok || n.Faulted() != nil {
			d.log.Debug("Replay piece dropped", "tag", path.Tag, "node", seg.Node)
			return nil
		}
		prev := path.Segments[i-1].Node
		if i == last {
			return d.fill(n, path, prev, key, rows)
		}

		res, err := n.Process(prev, krow.Inserts(rows...), kprocessor.Replay)
		if err != nil {
			d.fault(n, StageReplay, err)
			return nil
		}
		if len(res.Misses) > 0 {
			return d.suspendPiece(n, path, key, res.Misses)
		}
		rows = res.Records.Positives()
	}
	return nil
}

// suspendPiece drops a piece that hit holes at n and arranges for the
// original request to be sent again once every hole is filled. The new
// piece is computed from the source state at that time.
func (d *Domain) suspendPiece(n *runtime.Node, path *packet.Path, key krow.Row, misses []kprocessor.Miss) error {
	tgt := path.Target()
	req := &packet.RequestReplay{
		Header: d.header(),
		Tag:    path.Tag,
		Key:    key,
		From:   tgt.Domain,
		Target: tgt.Node,
		Slot:   path.Slot,
	}
	pending := len(misses)
	d.log.Debug("Replay piece suspended", "tag", path.Tag, "node", n.Name, "holes", pending)
	for _, m := range misses {
		c := continuation{kind: contRequest, request: req, pending: &pending}
		if err := d.await(n, m.Slot, m.Key, c); err != nil {
			return err
		}
	}
	return nil
}

// fill completes a replay at the target of its path.
func (d *Domain) fill(n *runtime.Node, path *packet.Path, parent kdag.NodeIndex, key krow.Row, rows krow.Rows) error {
	rows = d.withoutSuspended(n, path.Slot, key, rows)
	misses, err := n.Fill(path.Slot, parent, key, rows)
	if err != nil {
		d.fault(n, StageFill, err)
		return nil
	}
	if len(misses) > 0 {
		return d.suspendPiece(n, path, key, misses)
	}
	if n.Handle() != nil {
		d.touched[n.Index] = n
	}
	return d.release(n, path.Slot, key)
}

// withoutSuspended takes out of the rows filling a join side the records of
// that side still suspended on the other side for the same key. The source
// snapshot already contains them and they are applied when released.
func (d *Domain) withoutSuspended(n *runtime.Node, slot kdag.Slot, key krow.Row, rows krow.Rows) krow.Rows {
	j, ok := n.Op.(*kprocessor.Join)
	if !ok || key == nil || (slot != kdag.SlotLeft && slot != kdag.SlotRight) {
		return rows
	}
	other := kdag.SlotLeft
	if slot == kdag.SlotLeft {
		other = kdag.SlotRight
	}
	r, ok := d.replays[replayKey{node: n.Index, slot: other, key: kserde.KeyString(key)}]
	if !ok {
		return rows
	}
	var recs krow.Records
	for _, c := range r.conts {
		if c.kind != contRecords {
			continue
		}
		if side, ok := j.SideOf(c.parent); ok && side.Slot() == slot {
			recs = append(recs, c.records...)
		}
	}
	if len(recs) == 0 {
		return rows
	}
	out := slices.Clone(rows)
	for i := len(recs) - 1; i >= 0; i-- {
		rec := recs[i]
		if !rec.Positive {
			out = append(out, rec.Row)
			continue
		}
		if at := slices.IndexFunc(out, rec.Row.Equal); at >= 0 {
			out = slices.Delete(out, at, at+1)
		}
	}
	return out
}

// release runs the continuations of a filled key in the order they were
// registered, except that held replays are re-requested last. A local
// source answers at once with a snapshot that already contains every
// suspended record.
func (d *Domain) release(n *runtime.Node, slot kdag.Slot, key krow.Row) error {
	k := replayKey{node: n.Index, slot: slot, key: kserde.KeyString(key)}
	r, ok := d.replays[k]
	if !ok {
		return nil
	}
	delete(d.replays, k)

	var requests []*packet.RequestReplay
	for _, c := range r.conts {
		switch c.kind {
		case contWaiter:
			d.notify(c.waiter, nil)
		case contRecords:
			if err := d.process(n, c.parent, c.records); err != nil {
				return err
			}
		case contRequest:
			if c.pending != nil {
				*c.pending--
				if *c.pending > 0 {
					continue
				}
			}
			requests = append(requests, c.request)
		}
	}
	for _, req := range requests {
		if err := d.request(req); err != nil {
			return err
		}
	}
	return nil
}

func (d *Domain) handleReplayFailed(p *packet.ReplayFailed) {
	k := replayKey{node: p.Target, slot: p.Slot, key: kserde.KeyString(p.Key)}
	r, ok := d.replays[k]
	if !ok {
		return
	}
	delete(d.replays, k)
	err := p.Err
	if err == nil {
		err = ErrPathBroken
	}
	d.log.Warn("Replay failed", "node", p.Target, "slot", p.Slot, "key", p.Key, "error", err)
	r.fail(d, err)
	d.markHole(p.Target, p.Slot, p.Key)
}

func (d *Domain) markHole(node kdag.NodeIndex, slot kdag.Slot, key krow.Row) {
	if key == nil {
		return
	}
	if n, ok := d.nodes[node]; ok {
		if st, ok := n.State(slot); ok {
			st.MarkHole(key)
		}
	}
}

// expire fails readers of replays older than the replay timeout. Replays
// that other continuations still depend on are requested again; the rest
// turn back into holes.
func (d *Domain) expire() {
	now := time.Now()
	for k, r := range d.replays {
		if now.Sub(r.since) < d.cfg.ReplayTimeout {
			continue
		}
		d.stats.ReplaysTimedOut++

		var rest []continuation
		for _, c := range r.conts {
			if c.kind == contWaiter {
				d.notify(c.waiter, ErrReplayTimeout)
			} else {
				rest = append(rest, c)
			}
		}
		if _, ok := d.nodes[k.node]; ok && len(rest) > 0 {
			d.log.Warn("Replay timed out, requesting again", "node", k.node, "tag", r.tag, "key", r.key)
			r.conts = rest
			r.since = now
			err := d.request(&packet.RequestReplay{
				Header: d.header(),
				Tag:    r.tag,
				Key:    r.key,
				From:   d.index,
				Target: k.node,
				Slot:   k.slot,
			})
			if err != nil {
				d.log.Debug("Replay request dropped", "error", err)
			}
			continue
		}
		d.log.Warn("Replay timed out", "node", k.node, "tag", r.tag, "key", r.key)
		delete(d.replays, k)
		d.markHole(k.node, k.slot, r.key)
	}
	d.flush()
}

func (d *Domain) handleReadMiss(p *packet.ReadMiss) error {
	n, ok := d.nodes[p.Node]
	if !ok {
		d.notify(p.Waiter, ErrPathBroken)
		return nil
	}
	if err := n.Faulted(); err != nil {
		d.notify(p.Waiter, err)
		return nil
	}
	st, ok := n.State(kdag.SlotOutput)
	if !ok {
		d.notify(p.Waiter, runtime.ErrNoState)
		return nil
	}
	if st.Mode() != kdag.Partial || st.Status(p.Key) == kstate.Filled {
		// filled since the reader looked
		d.touched[n.Index] = n
		d.notify(p.Waiter, nil)
		return nil
	}
	return d.await(n, kdag.SlotOutput, p.Key, continuation{kind: contWaiter, waiter: p.Waiter})
}

func (d *Domain) handleFillGated(p *packet.FillGated) error {
	n, ok := d.nodes[p.Node]
	if !ok {
		d.notify(p.Done, ErrPathBroken)
		return nil
	}
	if !n.Gated(kdag.SlotOutput) {
		d.notify(p.Done, nil)
		return nil
	}
	return d.await(n, kdag.SlotOutput, nil, continuation{kind: contWaiter, waiter: p.Done})
}

func (d *Domain) handleSetupPath(p *packet.SetupPath) {
	path := p.Path
	d.paths[path.Tag] = &path
	if tgt := path.Target(); tgt.Domain == d.index {
		d.targets[target{node: tgt.Node, slot: path.Slot}] = path.Tag
	}
	d.log.Debug("Installed replay path", "path", &path)
}

func (d *Domain) handleRemovePaths(p *packet.RemovePaths) {
	for _, tag := range p.Tags {
		path, ok := d.paths[tag]
		if !ok {
			continue
		}
		delete(d.paths, tag)
		t := target{node: path.Target().Node, slot: path.Slot}
		if d.targets[t] == tag {
			delete(d.targets, t)
		}
		for k, r := range d.replays {
			if r.tag != tag {
				continue
			}
			delete(d.replays, k)
			r.fail(d, ErrPathBroken)
			d.markHole(k.node, k.slot, r.key)
		}
	}
}

// handleEvict evicts up to N keys from the partial states of the domain and
// propagates the evictions down the paths sourced at them.
func (d *Domain) handleEvict(p *packet.Evict) error {
	remaining := p.N
	evicted := 0
	var err error
	for _, idx := range d.nodeOrder() {
		if remaining <= 0 {
			break
		}
		n := d.nodes[idx]
		for slot, keys := range n.Evict(remaining) {
			remaining -= len(keys)
			evicted += len(keys)
			if n.Handle() != nil {
				d.touched[idx] = n
			}
			if slot == kdag.SlotOutput && err == nil {
				err = d.evictDownstream(idx, keys)
			}
		}
	}
	if evicted > 0 {
		d.log.Debug("Evicted keys", "keys", evicted)
	}
	if p.Reply != nil {
		select {
		case p.Reply <- evicted:
		default:
		}
	}
	return err
}

func (d *Domain) evictDownstream(src kdag.NodeIndex, keys []krow.Row) error {
	tags := make([]packet.Tag, 0)
	for tag, path := range d.paths {
		if path.Source().Node == src {
			tags = append(tags, tag)
		}
	}
	slices.Sort(tags)
	for _, tag := range tags {
		if err := d.forwardEvict(d.paths[tag], 1, keys); err != nil {
			return err
		}
	}
	return nil
}

func (d *Domain) handleEvictKeys(p *packet.EvictKeys) error {
	path, ok := d.paths[p.Tag]
	if !ok {
		return nil
	}
	return d.forwardEvict(path, p.Hop, p.Keys)
}

func (d *Domain) forwardEvict(path *packet.Path, hop int, keys []krow.Row) error {
	last := len(path.Segments) - 1
	for i := hop; i <= last; i++ {
		seg := path.Segments[i]
		if seg.Domain != d.index {
			evict := &packet.EvictKeys{Header: d.header(), Tag: path.Tag, Hop: i, Keys: keys}
			return d.coord.Send(d.ctx, d.index, seg.Domain, evict)
		}
		if i < last {
			continue
		}
		n, ok := d.nodes[seg.Node]
		if !ok {
			return nil
		}
		st, ok := n.State(path.Slot)
		if !ok || st.Mode() != kdag.Partial {
			return nil
		}
		var evicted []krow.Row
		for _, key := range keys {
			if st.Status(key) == kstate.Filled {
				st.MarkHole(key)
				evicted = append(evicted, key)
			}
		}
		if n.Handle() != nil {
			d.touched[n.Index] = n
		}
		if path.Slot == kdag.SlotOutput && len(evicted) > 0 {
			return d.evictDownstream(n.Index, evicted)
		}
	}
	return nil
}
