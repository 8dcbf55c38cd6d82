// Package kviews maintains materialized views over base tables.
//
// Writes to base tables flow as signed deltas through a graph of operators
// that keeps every view current. Views may be partial: a read of a missing
// key replays it from the nearest materialized ancestor. The graph is
// changed at runtime with migrations.
package kviews

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/birdayz/kviews/internal/changelog"
	"github.com/birdayz/kviews/internal/channel"
	"github.com/birdayz/kviews/internal/checkpoint"
	"github.com/birdayz/kviews/internal/coordination"
	"github.com/birdayz/kviews/internal/execution"
	"github.com/birdayz/kviews/internal/packet"
	"github.com/birdayz/kviews/internal/runtime"
	"github.com/birdayz/kviews/kdag"
	"github.com/birdayz/kviews/krow"
	"github.com/birdayz/kviews/kstate"
	"github.com/cenkalti/backoff/v4"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

// ErrStateDirRequired is returned when DurabilityPermanent is used without
// WithStateDir()
var ErrStateDirRequired = errors.New("kviews: WithStateDir() is required for permanent durability")

const (
	checkpointFile   = "changelog.checkpoint"
	statusBuffer     = 64
	durabilityUnset  = Durability(-1)
	firstReplayTag   = packet.Tag(1)
	readBackoffStart = 5 * time.Millisecond
)

// LookupResult is the outcome of a non-blocking view lookup.
type LookupResult = kstate.LookupResult

type (
	DomainStats = packet.DomainStats
	NodeStats   = packet.NodeStats
)

// Statistics is a snapshot of every domain.
type Statistics struct {
	Version kdag.Version
	Domains []DomainStats
}

type table struct {
	node   kdag.NodeIndex
	domain kdag.DomainIndex
	fields []string

	// mu orders changelog appends with routing
	mu sync.Mutex
}

type view struct {
	node   kdag.NodeIndex
	domain kdag.DomainIndex
	fields []string
	handle *kstate.ReadHandle
}

// Controller owns the graph, the domains running it and the read handles of
// its views.
type Controller struct {
	log              *slog.Logger
	stateDir         string
	durability       Durability
	partial          bool
	queueCapacity    int
	replayTimeout    time.Duration
	readTimeout      time.Duration
	migrationTimeout time.Duration
	shutdownTimeout  time.Duration
	tickInterval     time.Duration
	brokers          []string
	changelogTopic   string
	initial          []func(*Migration) error

	coord    *channel.Coordinator
	stateCfg runtime.StateConfig
	tempDir  string

	// migrateMu serializes migrations and everything that drains domains
	migrateMu sync.Mutex

	mu      sync.RWMutex
	graph   *kdag.Graph
	tables  map[string]*table
	views   map[string]*view
	paths   map[packet.Tag]packet.Path
	nextTag packet.Tag
	domains map[kdag.DomainIndex]*execution.Domain
	faults  map[kdag.NodeIndex]*NodeFault
	started bool
	closed  bool

	status chan StatusEvent

	ctx    context.Context
	cancel context.CancelFunc
	eg     *errgroup.Group

	changelog  *changelog.Log
	checkpoint *checkpoint.File
	offsetsMu  sync.Mutex
	offsets    checkpoint.Offsets
}

// New creates a controller with an empty graph. Start it before use.
func New(opts ...Option) (*Controller, error) {
	c := &Controller{
		log:              NullLogger(),
		durability:       durabilityUnset,
		partial:          true,
		queueCapacity:    DefaultQueueCapacity,
		replayTimeout:    DefaultReplayTimeout,
		readTimeout:      DefaultReadTimeout,
		migrationTimeout: DefaultMigrationTimeout,
		shutdownTimeout:  DefaultShutdownTimeout,
		tickInterval:     DefaultTickInterval,
		graph:            kdag.NewGraph(),
		tables:           make(map[string]*table),
		views:            make(map[string]*view),
		paths:            make(map[packet.Tag]packet.Path),
		nextTag:          firstReplayTag,
		domains:          make(map[kdag.DomainIndex]*execution.Domain),
		faults:           make(map[kdag.NodeIndex]*NodeFault),
		status:           make(chan StatusEvent, statusBuffer),
		offsets:          make(checkpoint.Offsets),
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.durability == durabilityUnset {
		c.durability = DurabilityMemoryOnly
		if c.stateDir != "" {
			c.durability = DurabilityPermanent
		}
	}
	if c.durability == DurabilityPermanent && c.stateDir == "" {
		return nil, ErrStateDirRequired
	}
	if c.queueCapacity <= 0 {
		return nil, fmt.Errorf("kviews: queue capacity must be positive, got %d", c.queueCapacity)
	}
	c.coord = channel.NewCoordinator(c.queueCapacity)
	return c, nil
}

// Start runs the domains until ctx is cancelled or Close is called. It
// applies the migrations given with WithMigration and restores the
// changelog before it returns.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.started {
		c.mu.Unlock()
		return errors.New("kviews: already started")
	}
	c.started = true
	c.mu.Unlock()

	if err := c.openStateDir(); err != nil {
		return err
	}

	var runCtx context.Context
	runCtx, c.cancel = context.WithCancel(ctx)
	c.eg, c.ctx = errgroup.WithContext(runCtx)
	c.log.Info("Starting controller", "durability", c.durability, "partial", c.partial, "state_dir", c.stateDir)

	for _, fn := range c.initial {
		if _, err := c.Migrate(ctx, fn); err != nil {
			return fmt.Errorf("initial migration: %w", err)
		}
	}
	if len(c.brokers) > 0 {
		if err := c.restore(ctx); err != nil {
			return fmt.Errorf("restore changelog: %w", err)
		}
	}
	return nil
}

func (c *Controller) openStateDir() error {
	switch c.durability {
	case DurabilityPermanent:
		if err := os.MkdirAll(c.stateDir, 0o755); err != nil {
			return fmt.Errorf("create state directory: %w", err)
		}
		c.stateCfg = runtime.StateConfig{Dir: c.stateDir}
		c.checkpoint = checkpoint.New(filepath.Join(c.stateDir, checkpointFile))
	case DurabilityDeleteOnExit:
		if c.stateDir == "" {
			dir, err := os.MkdirTemp("", "kviews-")
			if err != nil {
				return fmt.Errorf("create temporary state directory: %w", err)
			}
			c.tempDir = dir
			c.stateDir = dir
		}
		c.stateCfg = runtime.StateConfig{Dir: c.stateDir, DeleteOnClose: true}
	}
	return nil
}

func (c *Controller) restore(ctx context.Context) error {
	l, err := changelog.Open(ctx, changelog.Config{
		Brokers: c.brokers,
		Topic:   c.changelogTopic,
		Log:     c.log,
	})
	if err != nil {
		return err
	}
	c.changelog = l

	from := checkpoint.Offsets{}
	if c.checkpoint != nil {
		if from, err = c.checkpoint.Read(); err != nil {
			return err
		}
	}
	next, err := l.Restore(ctx, from, func(e changelog.Entry) error {
		t, err := c.table(e.Table)
		if err != nil {
			c.log.Warn("Skipping changelog entry", "table", e.Table, "offset", e.Offset, "error", err)
			return nil
		}
		if err := t.check(e.Records); err != nil {
			c.log.Warn("Skipping changelog entry", "table", e.Table, "offset", e.Offset, "error", err)
			return nil
		}
		return c.route(ctx, t, e.Records)
	})
	if err != nil {
		return err
	}

	c.offsetsMu.Lock()
	c.offsets = next
	c.offsetsMu.Unlock()
	return c.Sync(ctx)
}

// Wait blocks until every domain has stopped.
func (c *Controller) Wait() error {
	if c.eg == nil {
		return ErrNotStarted
	}
	return c.eg.Wait()
}

// Close drains the domains, stops them and writes the changelog checkpoint.
func (c *Controller) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	started := c.started
	c.mu.Unlock()

	if !started || c.eg == nil {
		return c.removeTempDir()
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.shutdownTimeout)
	defer cancel()

	c.migrateMu.Lock()
	defer c.migrateMu.Unlock()

	var err error
	c.mu.RLock()
	order := coordination.DomainOrder(c.graph)
	c.mu.RUnlock()
	if _, derr := c.drain(ctx, order); derr != nil {
		err = multierr.Append(err, fmt.Errorf("drain: %w", derr))
	}

	for _, idx := range c.domainIndices() {
		_ = c.coord.SendControl(idx, &packet.Quit{Header: c.header()})
	}
	waitErr := make(chan error, 1)
	go func() { waitErr <- c.eg.Wait() }()
	select {
	case werr := <-waitErr:
		err = multierr.Append(err, werr)
	case <-ctx.Done():
		c.log.Warn("Shutdown timed out, cancelling domains")
		c.cancel()
		err = multierr.Append(err, fmt.Errorf("shutdown: %w", ctx.Err()))
		err = multierr.Append(err, <-waitErr)
	}
	c.cancel()

	if c.changelog != nil {
		if c.checkpoint != nil && err == nil {
			c.offsetsMu.Lock()
			offsets := maps.Clone(c.offsets)
			c.offsetsMu.Unlock()
			err = multierr.Append(err, c.checkpoint.Write(offsets))
		}
		c.changelog.Close()
	}
	c.coord.Close()
	err = multierr.Append(err, c.removeTempDir())
	c.log.Info("Controller closed", "error", err)
	return err
}

func (c *Controller) removeTempDir() error {
	if c.tempDir == "" {
		return nil
	}
	return os.RemoveAll(c.tempDir)
}

func (c *Controller) running() error {
	if c.closed {
		return ErrClosed
	}
	if !c.started {
		return ErrNotStarted
	}
	return nil
}

func (c *Controller) header() packet.Header {
	return packet.NewHeader(c.Version())
}

func (c *Controller) domainIndices() []kdag.DomainIndex {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := slices.Collect(maps.Keys(c.domains))
	slices.Sort(out)
	return out
}

// startDomain boots a domain on the errgroup.
func (c *Controller) startDomain(idx kdag.DomainIndex) *execution.Domain {
	d := execution.NewDomain(execution.Config{
		Index:         idx,
		Log:           c.log,
		Coordinator:   c.coord,
		State:         c.stateCfg,
		ReplayTimeout: c.replayTimeout,
		TickInterval:  c.tickInterval,
		OnFault:       c.onFault,
	})
	c.mu.Lock()
	c.domains[idx] = d
	c.mu.Unlock()
	c.eg.Go(func() error { return d.Run(c.ctx) })
	return d
}

// stopDomain quits a domain and forgets its mailbox.
func (c *Controller) stopDomain(ctx context.Context, idx kdag.DomainIndex) {
	c.mu.Lock()
	d, ok := c.domains[idx]
	delete(c.domains, idx)
	c.mu.Unlock()
	if !ok {
		return
	}
	_ = c.coord.SendControl(idx, &packet.Quit{Header: c.header()})
	select {
	case <-d.Done():
	case <-ctx.Done():
		c.log.Warn("Domain did not stop", "domain", idx)
	}
	c.coord.Unregister(idx)
}

func (c *Controller) onFault(f *NodeFault) {
	c.mu.Lock()
	c.faults[f.Node] = f
	name := f.Node.String()
	if n, ok := c.graph.Node(f.Node); ok {
		name = n.Name
	}
	c.mu.Unlock()

	select {
	case c.status <- StatusEvent{Time: time.Now(), Node: name, Fault: f}:
	default:
		c.log.Warn("Status channel full, dropping fault event", "node", name)
	}
}

// Status returns the channel node faults are published on.
func (c *Controller) Status() <-chan StatusEvent { return c.status }

// Version returns the version of the current graph.
func (c *Controller) Version() kdag.Version {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.graph.Version()
}

// drain drains domains in order and returns the ones that acked.
func (c *Controller) drain(ctx context.Context, order []kdag.DomainIndex) ([]kdag.DomainIndex, error) {
	var drained []kdag.DomainIndex
	for _, idx := range order {
		done := make(chan struct{}, 1)
		if err := c.coord.SendControl(idx, &packet.Drain{Header: c.header(), Done: done}); err != nil {
			return drained, fmt.Errorf("drain %s: %w", idx, err)
		}
		drained = append(drained, idx)
		select {
		case <-done:
		case <-ctx.Done():
			return drained, fmt.Errorf("drain %s: %w", idx, ctx.Err())
		}
	}
	return drained, nil
}

func (c *Controller) resume(domains []kdag.DomainIndex) {
	for _, idx := range domains {
		_ = c.coord.SendControl(idx, &packet.Resume{Header: c.header()})
	}
}

// Sync returns once every write acknowledged before the call has reached
// the views.
func (c *Controller) Sync(ctx context.Context) error {
	c.migrateMu.Lock()
	defer c.migrateMu.Unlock()

	c.mu.RLock()
	if err := c.running(); err != nil {
		c.mu.RUnlock()
		return err
	}
	order := coordination.DomainOrder(c.graph)
	c.mu.RUnlock()

	drained, err := c.drain(ctx, order)
	c.resume(drained)
	return err
}

func (c *Controller) table(name string) (*table, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if err := c.running(); err != nil {
		return nil, err
	}
	t, ok := c.tables[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTable, name)
	}
	return t, nil
}

func (t *table) check(records krow.Records) error {
	for _, r := range records {
		if len(r.Row) != len(t.fields) {
			return fmt.Errorf("%w: table has %d columns, got %d", ErrArity, len(t.fields), len(r.Row))
		}
	}
	return nil
}

// ApplyWrite validates records against table and hands them to the table's
// domain. It returns once the records are queued. With a changelog the
// records are logged first.
func (c *Controller) ApplyWrite(ctx context.Context, table string, records krow.Records) error {
	t, err := c.table(table)
	if err != nil {
		return err
	}
	if err := t.check(records); err != nil {
		return fmt.Errorf("write %s: %w", table, err)
	}
	if len(records) == 0 {
		return nil
	}
	if c.changelog == nil {
		return c.route(ctx, t, records)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	p, offset, err := c.changelog.Append(ctx, table, records)
	if err != nil {
		return err
	}
	if err := c.route(ctx, t, records); err != nil {
		return err
	}
	c.offsetsMu.Lock()
	if offset+1 > c.offsets[p] {
		c.offsets[p] = offset + 1
	}
	c.offsetsMu.Unlock()
	return nil
}

// Insert writes rows into table.
func (c *Controller) Insert(ctx context.Context, table string, rows ...krow.Row) error {
	return c.ApplyWrite(ctx, table, krow.Inserts(rows...))
}

// Delete retracts rows from table.
func (c *Controller) Delete(ctx context.Context, table string, rows ...krow.Row) error {
	return c.ApplyWrite(ctx, table, krow.Retracts(rows...))
}

func (c *Controller) route(ctx context.Context, t *table, records krow.Records) error {
	msg := &packet.Message{
		Header:  c.header(),
		Link:    packet.Link{Src: t.node, Dst: t.node},
		Records: records,
	}
	if err := c.coord.Send(ctx, channel.Ingress, t.domain, msg); err != nil {
		if errors.Is(err, channel.ErrClosed) {
			return fmt.Errorf("%w: %w", ErrClosed, err)
		}
		return err
	}
	return nil
}

func (c *Controller) view(name string) (*view, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if err := c.running(); err != nil {
		return nil, err
	}
	v, ok := c.views[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownView, name)
	}
	if f := faultedAbove(c.graph, c.faults, v.node); f != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrNodeFaulted, name, f)
	}
	return v, nil
}

func (v *view) check(key krow.Row) error {
	if len(key) != len(v.handle.Key()) {
		return fmt.Errorf("%w: view is keyed on %d columns, got %d", ErrArity, len(v.handle.Key()), len(key))
	}
	return nil
}

// Read returns the rows of view matching key. A key missing from a partial
// view is replayed, and Read waits for it. Retryable errors are retried
// until the read timeout.
func (c *Controller) Read(ctx context.Context, viewName string, key krow.Row) (krow.Rows, error) {
	ctx, cancel := context.WithTimeout(ctx, c.readTimeout)
	defer cancel()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = readBackoffStart
	b.MaxElapsedTime = 0

	var last error
	rows, err := backoff.RetryWithData(func() (krow.Rows, error) {
		rows, err := c.read(ctx, viewName, key)
		if err != nil && !IsRetryable(err) {
			return nil, backoff.Permanent(err)
		}
		if err != nil {
			last = err
			c.log.Debug("Retrying read", "view", viewName, "key", key, "error", err)
		}
		return rows, err
	}, backoff.WithContext(b, ctx))
	if err != nil && last != nil && ctx.Err() != nil {
		return nil, fmt.Errorf("read %s: %w", viewName, last)
	}
	return rows, err
}

func (c *Controller) read(ctx context.Context, viewName string, key krow.Row) (krow.Rows, error) {
	v, err := c.view(viewName)
	if err != nil {
		return nil, err
	}
	if err := v.check(key); err != nil {
		return nil, err
	}
	if res := v.handle.Lookup(key); res.Status == kstate.Found {
		return res.Rows, nil
	}

	waiter := make(chan error, 1)
	miss := &packet.ReadMiss{Header: c.header(), Node: v.node, Key: key, Waiter: waiter}
	if err := c.coord.SendControl(v.domain, miss); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPathBroken, err)
	}
	select {
	case err := <-waiter:
		if err != nil {
			if IsRetryable(err) {
				return nil, err
			}
			return nil, fmt.Errorf("%w: %s: %w", ErrNodeFaulted, viewName, err)
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	if res := v.handle.Lookup(key); res.Status == kstate.Found {
		return res.Rows, nil
	}
	return nil, ErrPending
}

// Lookup returns the rows of view matching key without blocking. A key
// missing from a partial view yields a Pending result and starts a replay.
func (c *Controller) Lookup(ctx context.Context, viewName string, key krow.Row) (LookupResult, error) {
	v, err := c.view(viewName)
	if err != nil {
		return LookupResult{}, err
	}
	if err := v.check(key); err != nil {
		return LookupResult{}, err
	}
	res := v.handle.Lookup(key)
	if res.Status == kstate.Found {
		return res, nil
	}
	miss := &packet.ReadMiss{Header: c.header(), Node: v.node, Key: key}
	if err := c.coord.SendControl(v.domain, miss); err != nil {
		return LookupResult{}, fmt.Errorf("%w: %w", ErrPathBroken, err)
	}
	return kstate.PendingResult(), nil
}

// Inputs returns the base tables and their fields.
func (c *Controller) Inputs() map[string][]string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string][]string, len(c.tables))
	for name, t := range c.tables {
		out[name] = slices.Clone(t.fields)
	}
	return out
}

// Outputs returns the views and their fields.
func (c *Controller) Outputs() map[string][]string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string][]string, len(c.views))
	for name, v := range c.views {
		out[name] = slices.Clone(v.fields)
	}
	return out
}

// Graphviz renders the current graph in dot format.
func (c *Controller) Graphviz() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.graph.Graphviz()
}

// Statistics collects a snapshot from every domain.
func (c *Controller) Statistics(ctx context.Context) (Statistics, error) {
	c.mu.RLock()
	if err := c.running(); err != nil {
		c.mu.RUnlock()
		return Statistics{}, err
	}
	stats := Statistics{Version: c.graph.Version()}
	c.mu.RUnlock()

	for _, idx := range c.domainIndices() {
		reply := make(chan DomainStats, 1)
		if err := c.coord.SendControl(idx, &packet.GetStatistics{Header: c.header(), Reply: reply}); err != nil {
			return Statistics{}, fmt.Errorf("statistics of %s: %w", idx, err)
		}
		select {
		case s := <-reply:
			stats.Domains = append(stats.Domains, s)
		case <-ctx.Done():
			return Statistics{}, ctx.Err()
		}
	}
	return stats, nil
}

// EvictPartial evicts up to n filled keys from partial state, domain by
// domain, and returns how many were evicted.
func (c *Controller) EvictPartial(ctx context.Context, n int) (int, error) {
	c.mu.RLock()
	err := c.running()
	c.mu.RUnlock()
	if err != nil {
		return 0, err
	}

	evicted := 0
	for _, idx := range c.domainIndices() {
		if evicted >= n {
			break
		}
		reply := make(chan int, 1)
		if err := c.coord.SendControl(idx, &packet.Evict{Header: c.header(), N: n - evicted, Reply: reply}); err != nil {
			return evicted, fmt.Errorf("evict in %s: %w", idx, err)
		}
		select {
		case k := <-reply:
			evicted += k
		case <-ctx.Done():
			return evicted, ctx.Err()
		}
	}
	c.log.Debug("Evicted partial state", "requested", n, "evicted", evicted)
	return evicted, nil
}
