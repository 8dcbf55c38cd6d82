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
	"time"

	"github.com/birdayz/kviews/internal/coordination"
	"github.com/birdayz/kviews/internal/migrate"
	"github.com/birdayz/kviews/internal/packet"
	"github.com/birdayz/kviews/kdag"
	"github.com/birdayz/kviews/kprocessor"
	"github.com/birdayz/kviews/kstate"
	"github.com/google/uuid"
)

// Migration collects the changes of one migration. It is only valid inside
// the function passed to Controller.Migrate.
type Migration struct {
	g       *kdag.Graph
	durable bool
	added   []kdag.NodeIndex
	removed []kdag.NodeIndex
}

// BaseOption configures a base table.
type BaseOption func(*kprocessor.Base)

// PrimaryKey makes an insert of an existing key replace the stored row.
func PrimaryKey(cols ...int) BaseOption {
	return func(b *kprocessor.Base) {
		b.PrimaryKey = cols
	}
}

// Node returns the index of the live node called name.
func (m *Migration) Node(name string) (kdag.NodeIndex, bool) {
	n, ok := m.g.Lookup(name)
	if !ok {
		return 0, false
	}
	return n.Index, true
}

// Fields returns the field names of a live node.
func (m *Migration) Fields(idx kdag.NodeIndex) ([]string, bool) {
	n, ok := m.g.Node(idx)
	if !ok {
		return nil, false
	}
	return slices.Clone(n.Fields), true
}

// AddBase adds a base table.
func (m *Migration) AddBase(name string, fields []string, opts ...BaseOption) (kdag.NodeIndex, error) {
	op := &kprocessor.Base{Columns: len(fields)}
	for _, opt := range opts {
		opt(op)
	}
	return m.add(&kdag.Node{
		Name:    name,
		Fields:  slices.Clone(fields),
		Kind:    kdag.KindBase,
		Op:      op,
		Durable: m.durable,
	})
}

// AddNode adds an internal operator. Its parents are the ancestors of op.
func (m *Migration) AddNode(name string, fields []string, op kprocessor.Operator) (kdag.NodeIndex, error) {
	switch op.(type) {
	case *kprocessor.Base:
		return 0, fmt.Errorf("%w: use AddBase for base table %s", kdag.ErrInvalidTopology, name)
	case *kprocessor.Reader:
		return 0, fmt.Errorf("%w: use Maintain for view %s", kdag.ErrInvalidTopology, name)
	}
	return m.add(&kdag.Node{
		Name:   name,
		Fields: slices.Clone(fields),
		Kind:   kdag.KindInternal,
		Op:     op,
	})
}

// Maintain adds a view of parent that is read by the key columns.
func (m *Migration) Maintain(name string, parent kdag.NodeIndex, key ...int) (kdag.NodeIndex, error) {
	p, ok := m.g.Node(parent)
	if !ok {
		return 0, fmt.Errorf("%w: parent %s of view %s", kdag.ErrNodeNotFound, parent, name)
	}
	if len(key) == 0 {
		return 0, fmt.Errorf("%w: view %s needs a key", kdag.ErrInvalidTopology, name)
	}
	return m.add(&kdag.Node{
		Name:   name,
		Fields: slices.Clone(p.Fields),
		Kind:   kdag.KindReader,
		Op:     &kprocessor.Reader{Parent: parent, Key: slices.Clone(key)},
	})
}

func (m *Migration) add(n *kdag.Node) (kdag.NodeIndex, error) {
	idx, err := m.g.AddNode(n)
	if err != nil {
		return 0, err
	}
	n.AddedIn = m.g.Version() + 1
	m.added = append(m.added, idx)
	return idx, nil
}

// RemoveQuery removes the view called name and every ancestor that is left
// without children, up to the base tables.
func (m *Migration) RemoveQuery(name string) error {
	n, ok := m.g.Lookup(name)
	if !ok || !n.IsReader() {
		return fmt.Errorf("%w: %s", ErrUnknownView, name)
	}
	queue := []kdag.NodeIndex{n.Index}
	for len(queue) > 0 {
		idx := queue[0]
		queue = queue[1:]
		cur, ok := m.g.Node(idx)
		if !ok || cur.IsBase() || len(cur.Children) > 0 {
			continue
		}
		parents := slices.Clone(cur.Parents)
		if err := m.g.RemoveNode(idx); err != nil {
			return err
		}
		m.remove(idx)
		queue = append(queue, parents...)
	}
	return nil
}

// RemoveBase removes the base table called name. It fails while the table
// has children.
func (m *Migration) RemoveBase(name string) error {
	n, ok := m.g.Lookup(name)
	if !ok || !n.IsBase() {
		return fmt.Errorf("%w: %s", ErrUnknownTable, name)
	}
	if err := m.g.RemoveNode(n.Index); err != nil {
		return err
	}
	m.remove(n.Index)
	return nil
}

func (m *Migration) remove(idx kdag.NodeIndex) {
	if i := slices.Index(m.added, idx); i >= 0 {
		m.added = slices.Delete(m.added, i, i+1)
		return
	}
	m.removed = append(m.removed, idx)
}

// Migrate applies the changes fn makes to a Migration. Changes that leave
// the graph invalid are rejected before anything runs. A migration that
// fails while running is rolled back and the error wraps
// ErrMigrationAborted. It returns the version of the graph afterwards.
func (c *Controller) Migrate(ctx context.Context, fn func(*Migration) error) (kdag.Version, error) {
	c.migrateMu.Lock()
	defer c.migrateMu.Unlock()

	c.mu.RLock()
	if err := c.running(); err != nil {
		c.mu.RUnlock()
		return 0, err
	}
	old := c.graph
	existing := maps.Clone(c.paths)
	nextTag := c.nextTag
	c.mu.RUnlock()

	m := &Migration{g: old.Clone(), durable: c.stateCfg.Dir != ""}
	if err := fn(m); err != nil {
		return old.Version(), err
	}
	if len(m.added) == 0 && len(m.removed) == 0 {
		return old.Version(), nil
	}
	if err := m.g.Validate(); err != nil {
		return old.Version(), err
	}

	domains := coordination.AssignDomains(m.g, m.added)
	plan, err := migrate.Compute(old, m.g, m.added, m.removed, domains, existing, migrate.Config{
		Partial: c.partial,
		NextTag: nextTag,
		Reload:  c.durability == DurabilityPermanent,
	})
	if err != nil {
		return old.Version(), fmt.Errorf("%w: %w", ErrMigrationAborted, err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.migrationTimeout)
	defer cancel()

	tx := &txn{
		c:       c,
		old:     old,
		g:       m.g,
		plan:    plan,
		version: old.Version() + 1,
		handles: make(map[kdag.NodeIndex]*kstate.ReadHandle),
		log: c.log.With(
			"migration", uuid.NewString(),
			"version", old.Version()+1,
		),
	}
	start := time.Now()
	tx.log.Info("Starting migration", "added", len(m.added), "removed", len(m.removed), "domains", len(plan.Domains))

	if err := tx.apply(ctx); err != nil {
		tx.log.Error("Migration failed, rolling back", "error", err)
		tx.rollback()
		return old.Version(), fmt.Errorf("%w: %w", ErrMigrationAborted, err)
	}
	version, err := tx.commit(ctx)
	if err != nil {
		return version, err
	}
	tx.log.Info("Migration done", "took", time.Since(start))
	return version, nil
}

// txn executes a plan and remembers what it changed in running domains.
type txn struct {
	c       *Controller
	old     *kdag.Graph
	g       *kdag.Graph
	plan    *migrate.Plan
	version kdag.Version
	log     *slog.Logger

	booted  []kdag.DomainIndex
	nodes   map[kdag.DomainIndex][]kdag.NodeIndex
	routes  []migrate.Unlink
	states  []kdag.NodeIndex
	tags    []packet.Tag
	handles map[kdag.NodeIndex]*kstate.ReadHandle
}

func (tx *txn) header() packet.Header { return packet.NewHeader(tx.version) }

func (tx *txn) send(d kdag.DomainIndex, p packet.Packet) error {
	if err := tx.c.coord.SendControl(d, p); err != nil {
		return fmt.Errorf("send to %s: %w", d, err)
	}
	return nil
}

func (tx *txn) wait(ctx context.Context, what string, ch <-chan error) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%s: %w", what, err)
	}
	select {
	case err := <-ch:
		if err != nil {
			return fmt.Errorf("%s: %w", what, err)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%s: %w", what, ctx.Err())
	}
}

func (tx *txn) domainOf(idx kdag.NodeIndex) kdag.DomainIndex {
	return tx.g.MustNode(idx).Domain
}

func (tx *txn) apply(ctx context.Context) error {
	for _, d := range tx.plan.Domains {
		tx.c.startDomain(d)
		tx.booted = append(tx.booted, d)
	}

	tx.nodes = make(map[kdag.DomainIndex][]kdag.NodeIndex)
	for _, spec := range tx.plan.Nodes {
		d := tx.domainOf(spec.Index)
		done := make(chan error, 1)
		var handle chan *kstate.ReadHandle
		if _, ok := spec.Op.(*kprocessor.Reader); ok {
			handle = make(chan *kstate.ReadHandle, 1)
		}
		if err := tx.send(d, &packet.AddNode{Header: tx.header(), Node: spec, Done: done, Handle: handle}); err != nil {
			return err
		}
		tx.nodes[d] = append(tx.nodes[d], spec.Index)
		if err := tx.wait(ctx, "add node "+spec.Name, done); err != nil {
			return err
		}
		if handle != nil {
			select {
			case h := <-handle:
				tx.handles[spec.Index] = h
			default:
				return fmt.Errorf("view %s has no read handle", spec.Name)
			}
		}
	}

	for _, path := range tx.plan.Paths {
		if err := tx.setupPath(path); err != nil {
			return err
		}
	}
	for _, ix := range tx.plan.Indices {
		if err := tx.send(tx.domainOf(ix.Node), &packet.AddIndex{Header: tx.header(), Node: ix.Node, Slot: ix.Slot, Cols: ix.Cols}); err != nil {
			return err
		}
	}

	for _, up := range tx.plan.Upgrades {
		if err := tx.upgrade(ctx, up); err != nil {
			return err
		}
	}

	for _, cu := range tx.plan.CatchUps {
		done := make(chan error, 1)
		d := tx.domainOf(cu.Parent)
		if err := tx.send(d, &packet.StartCatchUp{Header: tx.header(), Parent: cu.Parent, Route: cu.Route, Done: done}); err != nil {
			return err
		}
		tx.routes = append(tx.routes, migrate.Unlink{Parent: cu.Parent, Child: cu.Route.Child, Domain: d})
		if err := tx.wait(ctx, fmt.Sprintf("catch up %s from %s", cu.Route.Child, cu.Parent), done); err != nil {
			return err
		}
	}
	for _, l := range tx.plan.Links {
		d := tx.domainOf(l.Parent)
		if err := tx.send(d, &packet.AddChild{Header: tx.header(), Parent: l.Parent, Route: l.Route}); err != nil {
			return err
		}
		tx.routes = append(tx.routes, migrate.Unlink{Parent: l.Parent, Child: l.Route.Child, Domain: d})
	}
	return nil
}

// setupPath installs a replay path in every domain it passes through.
func (tx *txn) setupPath(path packet.Path) error {
	tx.tags = append(tx.tags, path.Tag)
	var sent []kdag.DomainIndex
	for _, seg := range path.Segments {
		if slices.Contains(sent, seg.Domain) {
			continue
		}
		sent = append(sent, seg.Domain)
		if err := tx.send(seg.Domain, &packet.SetupPath{Header: tx.header(), Path: path}); err != nil {
			return err
		}
	}
	tx.log.Debug("Installed replay path", "path", &path)
	return nil
}

// upgrade gives an existing node a gated full state and fills it through
// its replay path.
func (tx *txn) upgrade(ctx context.Context, up migrate.Upgrade) error {
	d := tx.domainOf(up.Node)
	done := make(chan error, 1)
	if err := tx.send(d, &packet.AddState{Header: tx.header(), Node: up.Node, Slot: kdag.SlotOutput, State: up.State, Gated: true, Done: done}); err != nil {
		return err
	}
	tx.states = append(tx.states, up.Node)
	if err := tx.wait(ctx, "add state to "+up.Node.String(), done); err != nil {
		return err
	}
	if err := tx.setupPath(up.Path); err != nil {
		return err
	}
	filled := make(chan error, 1)
	if err := tx.send(d, &packet.FillGated{Header: tx.header(), Node: up.Node, Done: filled}); err != nil {
		return err
	}
	return tx.wait(ctx, "fill "+up.Node.String(), filled)
}

// rollback undoes what apply did in existing domains and stops the
// domains it booted.
func (tx *txn) rollback() {
	ctx, cancel := context.WithTimeout(context.Background(), tx.c.shutdownTimeout)
	defer cancel()

	existing := tx.c.domainIndices()
	booted := func(d kdag.DomainIndex) bool { return slices.Contains(tx.booted, d) }

	for i := len(tx.routes) - 1; i >= 0; i-- {
		r := tx.routes[i]
		if !booted(r.Domain) {
			_ = tx.send(r.Domain, &packet.RemoveChild{Header: tx.header(), Parent: r.Parent, Child: r.Child})
		}
	}
	for _, node := range tx.states {
		_ = tx.send(tx.domainOf(node), &packet.RemoveState{Header: tx.header(), Node: node, Slot: kdag.SlotOutput})
	}
	if len(tx.tags) > 0 {
		for _, d := range existing {
			if !booted(d) {
				_ = tx.send(d, &packet.RemovePaths{Header: tx.header(), Tags: tx.tags})
			}
		}
	}
	for d, nodes := range tx.nodes {
		if !booted(d) {
			_ = tx.send(d, &packet.RemoveNodes{Header: tx.header(), Nodes: nodes})
		}
	}
	for _, d := range tx.booted {
		tx.c.stopDomain(ctx, d)
	}
}

// commit drains the domains, swaps in the new graph and then removes the
// nodes the migration dropped. The graph is swapped even if the removal
// fails.
func (tx *txn) commit(ctx context.Context) (kdag.Version, error) {
	c := tx.c
	drained, err := c.drain(ctx, coordination.DomainOrder(tx.g))
	if err != nil {
		c.resume(drained)
		tx.rollback()
		return tx.version - 1, fmt.Errorf("%w: %w", ErrMigrationAborted, err)
	}

	c.mu.Lock()
	version := tx.g.BumpVersion()
	c.graph = tx.g
	for _, tag := range tx.plan.RemovedTags {
		delete(c.paths, tag)
	}
	for _, path := range tx.plan.Paths {
		c.paths[path.Tag] = path
	}
	for _, up := range tx.plan.Upgrades {
		c.paths[up.Path.Tag] = up.Path
	}
	c.nextTag = tx.plan.NextTag
	for _, nodes := range tx.plan.Removed {
		for _, idx := range nodes {
			n := tx.old.MustNode(idx)
			delete(c.tables, n.Name)
			delete(c.views, n.Name)
			delete(c.faults, idx)
		}
	}
	for _, spec := range tx.plan.Nodes {
		n := tx.g.MustNode(spec.Index)
		switch {
		case n.IsBase():
			c.tables[n.Name] = &table{node: n.Index, domain: n.Domain, fields: slices.Clone(n.Fields)}
		case n.IsReader():
			c.views[n.Name] = &view{node: n.Index, domain: n.Domain, fields: slices.Clone(n.Fields), handle: tx.handles[n.Index]}
		}
	}
	c.mu.Unlock()

	err = tx.removeOld(ctx)
	c.resume(drained)
	tx.stopEmpty(ctx)
	if err != nil {
		tx.log.Error("Failed to remove nodes", "error", err)
		return version, fmt.Errorf("remove nodes: %w", err)
	}
	return version, nil
}

func (tx *txn) removeOld(ctx context.Context) error {
	var err error
	for _, u := range tx.plan.Unlinks {
		err = errors.Join(err, tx.send(u.Domain, &packet.RemoveChild{Header: tx.header(), Parent: u.Parent, Child: u.Child}))
	}
	if len(tx.plan.RemovedTags) > 0 {
		for _, d := range tx.c.domainIndices() {
			err = errors.Join(err, tx.send(d, &packet.RemovePaths{Header: tx.header(), Tags: tx.plan.RemovedTags}))
		}
	}
	for _, d := range slices.Sorted(maps.Keys(tx.plan.Removed)) {
		err = errors.Join(err, tx.send(d, &packet.RemoveNodes{Header: tx.header(), Nodes: tx.plan.Removed[d]}))
	}
	if err != nil || tx.c.durability != DurabilityPermanent {
		return err
	}

	// Removed durable tables must not come back with their old rows.
	for _, d := range slices.Sorted(maps.Keys(tx.plan.Removed)) {
		var dirs []string
		for _, idx := range tx.plan.Removed[d] {
			if n := tx.old.MustNode(idx); n.IsBase() && n.Durable {
				dirs = append(dirs, filepath.Join(tx.c.stateDir, n.Name))
			}
		}
		if len(dirs) == 0 {
			continue
		}
		if berr := tx.barrier(ctx, d); berr != nil {
			err = errors.Join(err, berr)
			continue
		}
		for _, dir := range dirs {
			tx.log.Info("Deleting state of removed table", "dir", dir)
			err = errors.Join(err, os.RemoveAll(dir))
		}
	}
	return err
}

// barrier returns once d has handled every control packet sent before.
func (tx *txn) barrier(ctx context.Context, d kdag.DomainIndex) error {
	reply := make(chan DomainStats, 1)
	if err := tx.send(d, &packet.GetStatistics{Header: tx.header(), Reply: reply}); err != nil {
		return err
	}
	select {
	case <-reply:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("barrier %s: %w", d, ctx.Err())
	}
}

// stopEmpty stops domains left without nodes.
func (tx *txn) stopEmpty(ctx context.Context) {
	live := make(map[kdag.DomainIndex]bool)
	for n := range tx.g.Nodes() {
		live[n.Domain] = true
	}
	for _, d := range tx.c.domainIndices() {
		if !live[d] {
			tx.log.Info("Stopping empty domain", "domain", d)
			tx.c.stopDomain(ctx, d)
		}
	}
}
