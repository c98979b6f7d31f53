// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package ir

import (
	"fmt"

	"github.com/gomlx/fusion/pkg/ir/attrs"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Txn is a journal of graph mutations, each recorded with its inverse.
//
// Mutations done through a Txn are applied immediately to the Graph. If a later step of a
// rewrite fails, Rollback applies the recorded inverses in reverse order, restoring the graph
// to the state it had when the Txn began (including node and edge enumeration order).
// Commit simply discards the journal.
//
// Mutations done directly on the Graph while a Txn is open are not recorded, and make
// Rollback undefined.
type Txn struct {
	g       *Graph
	entries []txnEntry
	closed  bool
}

type txnEntry struct {
	what string
	undo func() error
}

// Begin starts a new transaction on the graph.
func (g *Graph) Begin() *Txn {
	return &Txn{g: g}
}

// Graph returns the graph the transaction operates on.
func (tx *Txn) Graph() *Graph { return tx.g }

// Len returns the number of mutations recorded.
func (tx *Txn) Len() int { return len(tx.entries) }

// Log returns a description of the recorded mutations, in order.
func (tx *Txn) Log() []string {
	log := make([]string, len(tx.entries))
	for ii, e := range tx.entries {
		log[ii] = e.what
	}
	return log
}

func (tx *Txn) record(what string, undo func() error) {
	tx.entries = append(tx.entries, txnEntry{what: what, undo: undo})
}

func (tx *Txn) checkOpen() error {
	if tx.closed {
		return errors.New("transaction already committed or rolled back")
	}
	return nil
}

// AddNode creates a node, see Graph.AddNode.
func (tx *Txn) AddNode(spec NodeSpec) (*Node, error) {
	if err := tx.checkOpen(); err != nil {
		return nil, err
	}
	n, err := tx.g.AddNode(spec)
	if err != nil {
		return nil, err
	}
	tx.record("add node "+n.String(), func() error { return tx.g.RemoveNode(n) })
	return n, nil
}

// RemoveNode removes a node, see Graph.RemoveNode.
func (tx *Txn) RemoveNode(n *Node) error {
	if err := tx.checkOpen(); err != nil {
		return err
	}
	pos, err := tx.g.removeNode(n)
	if err != nil {
		return err
	}
	tx.record("remove node "+n.String(), func() error {
		if tx.g.byName[n.name] != nil {
			return errors.Errorf("cannot restore node %s: name reused", n)
		}
		tx.g.insertNode(n, pos)
		return nil
	})
	return nil
}

// AddEdge adds a data edge, see Graph.AddEdge.
func (tx *Txn) AddEdge(src OutPort, dst InPort) error {
	if err := tx.checkOpen(); err != nil {
		return err
	}
	if err := tx.g.AddEdge(src, dst); err != nil {
		return err
	}
	tx.record(fmt.Sprintf("add edge %s->%s", src, dst), func() error { return tx.g.RemoveEdge(src, dst) })
	return nil
}

// RemoveEdge removes a data edge, see Graph.RemoveEdge.
func (tx *Txn) RemoveEdge(src OutPort, dst InPort) error {
	if err := tx.checkOpen(); err != nil {
		return err
	}
	pos, err := tx.g.removeEdge(src, dst)
	if err != nil {
		return err
	}
	tx.record(fmt.Sprintf("remove edge %s->%s", src, dst), func() error {
		if _, found := tx.g.producers[dst]; found {
			return errors.Errorf("cannot restore edge %s->%s: input already fed", src, dst)
		}
		tx.g.insertEdge(src, dst, pos)
		return nil
	})
	return nil
}

// AddControlEdge adds a control edge, see Graph.AddControlEdge.
func (tx *Txn) AddControlEdge(src, dst *Node) error {
	if err := tx.checkOpen(); err != nil {
		return err
	}
	if err := tx.g.AddControlEdge(src, dst); err != nil {
		return err
	}
	tx.record(fmt.Sprintf("add control edge %s~>%s", src, dst), func() error { return tx.g.RemoveControlEdge(src, dst) })
	return nil
}

// RemoveControlEdge removes a control edge, see Graph.RemoveControlEdge.
func (tx *Txn) RemoveControlEdge(src, dst *Node) error {
	if err := tx.checkOpen(); err != nil {
		return err
	}
	posOut, posIn, err := tx.g.removeControlEdge(src, dst)
	if err != nil {
		return err
	}
	tx.record(fmt.Sprintf("remove control edge %s~>%s", src, dst), func() error {
		tx.g.insertControlEdge(src, dst, posOut, posIn)
		return nil
	})
	return nil
}

// SetAttr sets a node attribute, see Graph.SetAttr.
func (tx *Txn) SetAttr(n *Node, name string, value attrs.Value) error {
	if err := tx.checkOpen(); err != nil {
		return err
	}
	previous, existed := n.attrs.Get(name)
	if err := tx.g.SetAttr(n, name, value); err != nil {
		return err
	}
	tx.record(fmt.Sprintf("set attribute %s.%s", n, name), func() error {
		if existed {
			n.attrs.Set(name, previous)
		} else {
			n.attrs.Delete(name)
		}
		return nil
	})
	return nil
}

// Commit closes the transaction, keeping all mutations.
func (tx *Txn) Commit() {
	tx.entries = nil
	tx.closed = true
}

// Rollback undoes all recorded mutations in reverse order and closes the transaction.
//
// An error means the graph was mutated outside the transaction: the graph is then left
// in an undefined state.
func (tx *Txn) Rollback() error {
	if err := tx.checkOpen(); err != nil {
		return err
	}
	tx.closed = true
	for ii := len(tx.entries) - 1; ii >= 0; ii-- {
		e := tx.entries[ii]
		if err := e.undo(); err != nil {
			return errors.WithMessagef(err, "Graph(%q): rolling back %q", tx.g.name, e.what)
		}
		klog.V(3).Infof("Graph(%q): rolled back %s", tx.g.name, e.what)
	}
	tx.entries = nil
	return nil
}
