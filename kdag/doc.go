// Package kdag holds the dataflow graph: an arena of nodes addressed by
// stable NodeIndex values, the edges between them and the validation and
// ordering algorithms the migration planner relies on.
//
// # Arena
//
// Nodes are appended to the arena and never move. Removing a node leaves a
// tombstone behind so an index can never be reused for a different node while
// packets addressed to the old one may still be in flight.
//
// # Operators
//
// Every node carries an Ingredient, implemented by the operators in
// kprocessor. The graph only needs the structural side of an operator: its
// parents, how output columns resolve to parent columns, its arity and which
// states it keeps. Edge column maps are derived from Resolve.
//
// # Versions
//
// A committed graph has a Version. Migrations work on a Clone and the
// controller swaps the clone in, bumping the version, once the migration has
// been applied to every domain. An aborted migration simply drops the clone.
//
// # Validation
//
// Validate checks for:
//   - Cycles (DFS, reported with the offending path)
//   - Base tables with parents and operators without parents
//   - Operator ancestors that disagree with the recorded parents
//   - Readers with children
//   - Arity and column reference errors
//
// TopologicalSort uses Kahn's algorithm with ties broken by node index, so
// every order derived from a graph is deterministic.
package kdag
