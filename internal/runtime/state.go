package runtime

import (
	"fmt"
	"path/filepath"
	"slices"

	"github.com/birdayz/kviews/internal/packet"
	"github.com/birdayz/kviews/kdag"
	"github.com/birdayz/kviews/kprocessor"
	"github.com/birdayz/kviews/kstate"
	"github.com/birdayz/kviews/kstate/pebble"
)

// StateConfig controls where durable state lives.
type StateConfig struct {
	// Dir holds one Pebble directory per durable base table. Empty keeps
	// everything in memory.
	Dir           string
	DeleteOnClose bool
	Sync          bool
}

// OpenState creates the state of one slot of a node.
func OpenState(cfg StateConfig, spec packet.NodeSpec, slot kdag.Slot, m kdag.Materialization) (kstate.State, error) {
	if m.Mode == kdag.NotMaterialized {
		return nil, fmt.Errorf("node %s slot %d: not materialized", spec.Name, slot)
	}
	if slot != kdag.SlotOutput {
		return kstate.NewMemoryState(m), nil
	}
	switch spec.Op.(type) {
	case *kprocessor.Reader:
		return kstate.NewReaderState(m), nil
	case *kprocessor.Base:
		if spec.Durable && cfg.Dir != "" {
			var opts []pebble.Option
			if cfg.DeleteOnClose {
				opts = append(opts, pebble.WithDeleteOnClose())
			}
			if cfg.Sync {
				opts = append(opts, pebble.WithSync())
			}
			st, err := pebble.Open(filepath.Join(cfg.Dir, spec.Name), m, opts...)
			if err != nil {
				return nil, fmt.Errorf("open durable state of %s: %w", spec.Name, err)
			}
			return st, nil
		}
	}
	return kstate.NewMemoryState(m), nil
}

// Build instantiates a node and its states.
func Build(cfg StateConfig, spec packet.NodeSpec) (*Node, error) {
	n := NewNode(spec.Index, spec.Name, spec.Op)
	for _, slot := range sortedMaterializations(spec.States) {
		m := spec.States[slot]
		if m.Mode == kdag.NotMaterialized {
			continue
		}
		st, err := OpenState(cfg, spec, slot, m)
		if err != nil {
			_ = n.Close()
			return nil, err
		}
		if err := n.AddState(slot, st, false); err != nil {
			_ = n.Close()
			return nil, err
		}
	}
	return n, nil
}

func sortedMaterializations(m map[kdag.Slot]kdag.Materialization) []kdag.Slot {
	out := make([]kdag.Slot, 0, len(m))
	for s := range m {
		out = append(out, s)
	}
	slices.Sort(out)
	return out
}
