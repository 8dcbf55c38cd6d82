// Package execution runs domains. A domain is a single goroutine that owns a
// set of nodes and processes the packets addressed to them, one at a time.
package execution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/birdayz/kviews/internal/channel"
	"github.com/birdayz/kviews/internal/packet"
	"github.com/birdayz/kviews/internal/runtime"
	"github.com/birdayz/kviews/kdag"
	"github.com/birdayz/kviews/kprocessor"
	"github.com/birdayz/kviews/krow"
	"go.uber.org/multierr"
)

type DomainState string

const (
	StateCreated    DomainState = "CREATED"
	StateIdle       DomainState = "IDLE"
	StateProcessing DomainState = "PROCESSING"
	StateDraining   DomainState = "DRAINING"
	StateClosed     DomainState = "CLOSED"
)

const (
	DefaultReplayTimeout = 5 * time.Second
	DefaultTickInterval  = 100 * time.Millisecond
)

// Config holds the configuration of a Domain.
type Config struct {
	Index       kdag.DomainIndex
	Log         *slog.Logger
	Coordinator *channel.Coordinator
	State       runtime.StateConfig

	ReplayTimeout time.Duration // Default: 5 seconds
	TickInterval  time.Duration // Default: 100 milliseconds

	// OnFault is called from the domain goroutine when a node faults.
	OnFault func(*NodeFault)
}

type target struct {
	node kdag.NodeIndex
	slot kdag.Slot
}

type signal struct {
	ch  chan<- error
	err error
}

// Domain is not safe for concurrent use; everything goes through its
// mailbox.
type Domain struct {
	index   kdag.DomainIndex
	log     *slog.Logger
	coord   *channel.Coordinator
	mailbox *channel.Mailbox
	cfg     Config

	ctx   context.Context
	state DomainState
	err   error
	tick  <-chan time.Time
	done  chan struct{}

	version kdag.Version

	nodes  map[kdag.NodeIndex]*runtime.Node
	routes map[kdag.NodeIndex][]packet.Route

	paths   map[packet.Tag]*packet.Path
	targets map[target]packet.Tag
	replays map[replayKey]*replay

	// touched readers are published at the end of the packet, before
	// signals are delivered
	touched map[kdag.NodeIndex]*runtime.Node
	signals []signal

	stats packet.DomainStats
}

func NewDomain(cfg Config) *Domain {
	if cfg.Log == nil {
		cfg.Log = slog.New(slog.DiscardHandler)
	}
	if cfg.ReplayTimeout <= 0 {
		cfg.ReplayTimeout = DefaultReplayTimeout
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = DefaultTickInterval
	}
	return &Domain{
		index:   cfg.Index,
		log:     cfg.Log.With("domain", cfg.Index),
		coord:   cfg.Coordinator,
		mailbox: cfg.Coordinator.Register(cfg.Index),
		cfg:     cfg,
		state:   StateCreated,
		done:    make(chan struct{}),
		nodes:   make(map[kdag.NodeIndex]*runtime.Node),
		routes:  make(map[kdag.NodeIndex][]packet.Route),
		paths:   make(map[packet.Tag]*packet.Path),
		targets: make(map[target]packet.Tag),
		replays: make(map[replayKey]*replay),
		touched: make(map[kdag.NodeIndex]*runtime.Node),
		stats:   packet.DomainStats{Domain: cfg.Index},
	}
}

func (d *Domain) Index() kdag.DomainIndex { return d.index }

// Done is closed when Run returns.
func (d *Domain) Done() <-chan struct{} { return d.done }

func (d *Domain) changeState(newState DomainState) {
	if newState == StateIdle || newState == StateProcessing {
		d.log.Debug("Change state", "from", d.state, "to", newState)
	} else {
		d.log.Info("Change state", "from", d.state, "to", newState)
	}
	d.state = newState
}

// Run processes packets until Quit is received or ctx is cancelled.
func (d *Domain) Run(ctx context.Context) error {
	defer close(d.done)
	d.ctx = ctx
	ticker := time.NewTicker(d.cfg.TickInterval)
	defer ticker.Stop()
	d.tick = ticker.C
	return d.Loop()
}

// State transitions may only be done from within the loop
func (d *Domain) Loop() error {
	for {
		switch d.state {
		case StateCreated:
			d.changeState(StateIdle)
		case StateIdle:
			d.handleIdle()
		case StateProcessing:
			d.handleProcessing()
		case StateDraining:
			d.handleDraining()
		case StateClosed:
			d.handleClosed()
			return d.err
		}
	}
}

func (d *Domain) handleIdle() {
	select {
	case <-d.mailbox.Notify():
		d.changeState(StateProcessing)
	case <-d.tick:
		d.expire()
	case <-d.ctx.Done():
		d.changeState(StateClosed)
	}
}

func (d *Domain) handleProcessing() {
	p, ok := d.mailbox.Next(true)
	if !ok {
		d.changeState(StateIdle)
		return
	}
	d.handle(p)

	select {
	case <-d.ctx.Done():
		d.changeState(StateClosed)
	case <-d.tick:
		d.expire()
	default:
	}
}

func (d *Domain) handleDraining() {
	if p, ok := d.mailbox.Next(false); ok {
		d.handle(p)
		return
	}
	select {
	case <-d.mailbox.Notify():
	case <-d.tick:
		d.expire()
	case <-d.ctx.Done():
		d.changeState(StateClosed)
	}
}

func (d *Domain) handleClosed() {
	for _, r := range d.replays {
		r.fail(d, ErrClosed)
	}
	clear(d.replays)
	d.flush()

	var err error
	for _, idx := range d.nodeOrder() {
		err = multierr.Append(err, d.nodes[idx].Close())
	}
	if err != nil {
		d.log.Error("Failed to close node state", "error", err)
		d.err = err
	}
}

func (d *Domain) nodeOrder() []kdag.NodeIndex {
	out := make([]kdag.NodeIndex, 0, len(d.nodes))
	for idx := range d.nodes {
		out = append(out, idx)
	}
	slices.Sort(out)
	return out
}

// handle processes one packet to completion.
func (d *Domain) handle(p packet.Packet) {
	if v := p.Head().Version; v > d.version {
		d.version = v
	}
	d.stats.PacketsProcessed++

	var err error
	switch p := p.(type) {
	case *packet.Message:
		err = d.handleMessage(p)
	case *packet.Seed:
		err = d.handleSeed(p)
	case *packet.ReplayPiece:
		err = d.handleReplayPiece(p)
	case *packet.EvictKeys:
		err = d.handleEvictKeys(p)
	case *packet.RequestReplay:
		err = d.handleRequestReplay(p)
	case *packet.ReplayFailed:
		d.handleReplayFailed(p)
	case *packet.ReadMiss:
		err = d.handleReadMiss(p)
	case *packet.FillGated:
		err = d.handleFillGated(p)
	case *packet.AddNode:
		d.handleAddNode(p)
	case *packet.AddChild:
		d.routes[p.Parent] = append(d.routes[p.Parent], p.Route)
	case *packet.RemoveChild:
		d.routes[p.Parent] = slices.DeleteFunc(d.routes[p.Parent], func(r packet.Route) bool { return r.Child == p.Child })
	case *packet.AddState:
		d.handleAddState(p)
	case *packet.RemoveState:
		d.handleRemoveState(p)
	case *packet.AddIndex:
		d.handleAddIndex(p)
	case *packet.SetupPath:
		d.handleSetupPath(p)
	case *packet.RemovePaths:
		d.handleRemovePaths(p)
	case *packet.RemoveNodes:
		d.handleRemoveNodes(p)
	case *packet.StartCatchUp:
		err = d.handleStartCatchUp(p)
	case *packet.Evict:
		err = d.handleEvict(p)
	case *packet.Drain:
		d.handleDrain(p)
	case *packet.Resume:
		if d.state == StateDraining {
			d.changeState(StateIdle)
		}
	case *packet.GetStatistics:
		select {
		case p.Reply <- d.statistics():
		default:
		}
	case *packet.Quit:
		d.changeState(StateClosed)
	default:
		d.log.Warn("Unknown packet", "type", fmt.Sprintf("%T", p))
	}

	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, channel.ErrClosed) {
			d.log.Debug("Packet dropped", "error", err)
		} else {
			d.log.Error("Failed to handle packet", "error", err)
		}
	}
	d.flush()
}

// flush publishes every touched reader and then delivers pending signals.
func (d *Domain) flush() {
	for idx, n := range d.touched {
		n.Publish()
		delete(d.touched, idx)
	}
	for _, s := range d.signals {
		select {
		case s.ch <- s.err:
		default:
		}
	}
	d.signals = d.signals[:0]
}

func (d *Domain) notify(ch chan<- error, err error) {
	if ch != nil {
		d.signals = append(d.signals, signal{ch: ch, err: err})
	}
}

func (d *Domain) header() packet.Header {
	return packet.NewHeader(d.version)
}

func (d *Domain) fault(n *runtime.Node, stage ProcessingStage, err error) {
	n.Fault(err)
	d.log.Error("Node faulted", "node", n.Name, "stage", stage, "error", err)
	if d.cfg.OnFault != nil {
		d.cfg.OnFault(&NodeFault{
			Domain: d.index,
			Node:   n.Index,
			Cause:  &ProcessingError{Cause: err, Stage: stage, Node: n.Name},
		})
	}
}

func (d *Domain) handleMessage(m *packet.Message) error {
	n, ok := d.nodes[m.Link.Dst]
	if !ok {
		d.log.Debug("Message for unknown node dropped", "node", m.Link.Dst)
		return nil
	}
	return d.process(n, m.Link.Src, m.Records)
}

// process runs live records through n and everything below it.
func (d *Domain) process(n *runtime.Node, parent kdag.NodeIndex, recs krow.Records) error {
	if n.Faulted() != nil {
		return nil
	}
	res, err := n.Process(parent, recs, kprocessor.Live)
	if err != nil {
		d.fault(n, StageProcessing, err)
		return nil
	}
	if len(res.Dropped) > 0 {
		d.log.Warn("Dropped retraction of missing rows", "node", n.Name, "count", len(res.Dropped))
	}
	if n.Handle() != nil {
		d.touched[n.Index] = n
	}
	if err := d.forward(n.Index, res.Records); err != nil {
		return err
	}
	for _, miss := range res.Misses {
		c := continuation{kind: contRecords, parent: parent, records: miss.Records}
		if err := d.await(n, miss.Slot, miss.Key, c); err != nil {
			return err
		}
	}
	return nil
}

// forward hands records emitted by src to its children. Local children are
// processed immediately, remote ones receive a Message.
func (d *Domain) forward(src kdag.NodeIndex, recs krow.Records) error {
	if len(recs) == 0 {
		return nil
	}
	for _, route := range d.routes[src] {
		if route.Domain != d.index {
			msg := &packet.Message{Header: d.header(), Link: packet.Link{Src: src, Dst: route.Child}, Records: recs}
			if err := d.coord.Send(d.ctx, d.index, route.Domain, msg); err != nil {
				return err
			}
			continue
		}
		child, ok := d.nodes[route.Child]
		if !ok {
			continue
		}
		if err := d.process(child, src, recs); err != nil {
			return err
		}
	}
	return nil
}

func (d *Domain) handleSeed(s *packet.Seed) error {
	n, ok := d.nodes[s.Link.Dst]
	if !ok {
		d.notify(s.Done, ErrPathBroken)
		return nil
	}
	err := d.process(n, s.Link.Src, s.Records)
	if err == nil && n.Faulted() != nil {
		err = n.Faulted()
	}
	d.notify(s.Done, err)
	return err
}

func (d *Domain) handleAddNode(p *packet.AddNode) {
	n, err := runtime.Build(d.cfg.State, p.Node)
	if err != nil {
		d.log.Error("Failed to add node", "node", p.Node.Name, "error", err)
		d.notify(p.Done, err)
		return
	}
	d.nodes[n.Index] = n
	d.routes[n.Index] = slices.Clone(p.Node.Children)
	d.log.Debug("Added node", "node", n.Name, "op", n.Op.Description())
	if h := n.Handle(); h != nil && p.Handle != nil {
		select {
		case p.Handle <- h:
		default:
		}
	}
	d.notify(p.Done, nil)
}

func (d *Domain) handleAddState(p *packet.AddState) {
	n, ok := d.nodes[p.Node]
	if !ok {
		d.notify(p.Done, ErrPathBroken)
		return
	}
	spec := packet.NodeSpec{Index: n.Index, Name: n.Name, Op: n.Op}
	st, err := runtime.OpenState(d.cfg.State, spec, p.Slot, p.State)
	if err == nil {
		err = n.AddState(p.Slot, st, p.Gated)
	}
	d.notify(p.Done, err)
}

func (d *Domain) handleRemoveState(p *packet.RemoveState) {
	n, ok := d.nodes[p.Node]
	if !ok {
		return
	}
	if err := n.RemoveState(p.Slot); err != nil {
		d.log.Error("Failed to remove state", "node", n.Name, "slot", p.Slot, "error", err)
	}
}

func (d *Domain) handleAddIndex(p *packet.AddIndex) {
	n, ok := d.nodes[p.Node]
	if !ok {
		return
	}
	st, ok := n.State(p.Slot)
	if !ok {
		return
	}
	if err := st.AddIndex(p.Cols); err != nil {
		d.fault(n, StageStateStore, err)
	}
}

func (d *Domain) handleRemoveNodes(p *packet.RemoveNodes) {
	for _, idx := range p.Nodes {
		n, ok := d.nodes[idx]
		if !ok {
			continue
		}
		for k, r := range d.replays {
			if k.node == idx {
				r.fail(d, ErrPathBroken)
				delete(d.replays, k)
			}
		}
		for t := range d.targets {
			if t.node == idx {
				delete(d.targets, t)
			}
		}
		if err := n.Close(); err != nil {
			d.log.Error("Failed to close removed node", "node", n.Name, "error", err)
		}
		delete(d.nodes, idx)
		delete(d.routes, idx)
		delete(d.touched, idx)
	}
	for parent, routes := range d.routes {
		d.routes[parent] = slices.DeleteFunc(routes, func(r packet.Route) bool { return slices.Contains(p.Nodes, r.Child) })
	}
}

// handleStartCatchUp snapshots the parent's state, seeds the new child with
// it and adds the child route in one step, so the child sees every later
// update of the parent exactly once.
func (d *Domain) handleStartCatchUp(p *packet.StartCatchUp) error {
	n, ok := d.nodes[p.Parent]
	if !ok {
		d.notify(p.Done, ErrPathBroken)
		return nil
	}
	st, ok := n.State(kdag.SlotOutput)
	if !ok || st.Mode() != kdag.Full || n.Gated(kdag.SlotOutput) {
		d.notify(p.Done, runtime.ErrNoState)
		return nil
	}
	rows, err := st.Rows()
	if err != nil {
		d.fault(n, StageCatchUp, err)
		d.notify(p.Done, err)
		return nil
	}
	d.routes[p.Parent] = append(d.routes[p.Parent], p.Route)
	d.log.Debug("Seeding child", "node", n.Name, "child", p.Route.Child, "rows", len(rows))

	if p.Route.Domain != d.index {
		seed := &packet.Seed{
			Header:  d.header(),
			Link:    packet.Link{Src: p.Parent, Dst: p.Route.Child},
			Records: krow.Inserts(rows...),
			Done:    p.Done,
		}
		if err := d.coord.Send(d.ctx, d.index, p.Route.Domain, seed); err != nil {
			d.notify(p.Done, err)
			return err
		}
		return nil
	}
	return d.handleSeed(&packet.Seed{
		Header:  d.header(),
		Link:    packet.Link{Src: p.Parent, Dst: p.Route.Child},
		Records: krow.Inserts(rows...),
		Done:    p.Done,
	})
}

// handleDrain processes the data queued when the drain arrived and then
// stops taking data until Resume.
func (d *Domain) handleDrain(p *packet.Drain) {
	pending := d.mailbox.DataLen()
	for pending > 0 && d.state != StateClosed {
		next, ok := d.mailbox.Next(true)
		if !ok {
			break
		}
		if next.Data() {
			pending--
		}
		d.handle(next)
	}
	if d.state != StateClosed {
		d.changeState(StateDraining)
	}
	select {
	case p.Done <- struct{}{}:
	default:
	}
}

func (d *Domain) statistics() packet.DomainStats {
	s := d.stats
	s.State = string(d.state)
	s.Nodes = nil
	for _, idx := range d.nodeOrder() {
		n := d.nodes[idx]
		s.Nodes = append(s.Nodes, packet.NodeStats{
			Node:    idx,
			Name:    n.Name,
			Rows:    n.Rows(),
			Faulted: n.Faulted() != nil,
		})
	}
	return s
}
