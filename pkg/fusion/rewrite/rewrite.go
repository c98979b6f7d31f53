// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package rewrite replaces a matched subgraph with new nodes.
//
// A pass describes the replacement with a Plan: the new nodes, the edges between them, and how
// every edge crossing the boundary of the matched subgraph is transferred to them. Apply checks
// that every boundary edge is accounted for before touching the graph, and then performs the
// surgery in one ir.Txn: if any step fails the transaction is rolled back, and the graph is left
// as it was.
package rewrite

import (
	"fmt"
	"slices"

	"github.com/gomlx/fusion/pkg/fusion"
	"github.com/gomlx/fusion/pkg/fusion/matcher"
	"github.com/gomlx/fusion/pkg/fusion/pattern"
	"github.com/gomlx/fusion/pkg/ir"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Slot identifies an input or output slot of a matched role.
type Slot struct {
	Role  pattern.Role
	Index int
}

// String implements fmt.Stringer.
func (s Slot) String() string { return fmt.Sprintf("%s:%d", s.Role, s.Index) }

// Port identifies an input or output slot of a replacement node, by its index in Plan.Nodes.
type Port struct {
	Node  int
	Index int
}

// String implements fmt.Stringer.
func (p Port) String() string { return fmt.Sprintf("#%d:%d", p.Node, p.Index) }

// Link is an edge between two replacement nodes: From is an output, To an input.
type Link struct {
	From, To Port
}

// Binding transfers the edges of a matched slot to a replacement slot.
type Binding struct {
	Matched     Slot
	Replacement Port
}

// Plan describes the replacement of a Mapping.
type Plan struct {
	// Nodes to add. Empty names are generated.
	Nodes []ir.NodeSpec

	// Links between the new nodes.
	Links []Link

	// Inputs binds input slots of matched nodes, fed by a producer outside of the removed nodes,
	// to input slots of the new nodes: the producer is connected to the new input instead.
	// Several matched inputs fed by the same producer can be bound to the same new input, which
	// then receives a single edge.
	Inputs []Binding

	// Outputs binds output slots of matched nodes to output slots of the new nodes: consumers
	// outside of the removed nodes are connected to the new output instead.
	Outputs []Binding

	// Drop lists input slots of matched nodes whose external producer is disconnected, not
	// transferred (e.g.: a constant folded into an attribute).
	Drop []Slot

	// Keep lists matched roles whose nodes are not removed. Edges between kept and removed nodes
	// are boundary edges, and must be bound (or dropped) as any other.
	Keep []pattern.Role

	// ControlTarget is the index of the new node receiving the control edges of removed nodes
	// whose outputs are not bound. Control edges of a removed node with bound outputs go to the
	// new node bound to its first output.
	ControlTarget int
}

// Result of a successful Apply.
type Result struct {
	// Added nodes, in Plan.Nodes order.
	Added []*ir.Node

	// Removed are the names of the removed matched nodes.
	Removed []string

	// Journal is the log of the operations performed.
	Journal []string
}

type edgeOp struct {
	src ir.OutPort
	dst ir.InPort
}

type ctrlOp struct {
	src, dst *ir.Node
}

// surgery is the list of operations of a rewrite, computed (and checked) before touching the graph.
type surgery struct {
	removed    []*ir.Node
	removedSet map[*ir.Node]bool

	// Edges to remove, and edges to create once the new nodes exist.
	cutEdges     []edgeOp
	newInputs    map[Port]ir.OutPort // new input <- existing producer
	newOutputs   []pendingOutput     // existing consumer <- new output
	cutCtrl      []ctrlOp
	ctrlIn       []pendingCtrl // existing -> new
	ctrlOut      []pendingCtrl // new -> existing
	replacedPort map[Port]bool
}

type pendingOutput struct {
	from Port
	dst  ir.InPort
}

type pendingCtrl struct {
	node     int
	existing *ir.Node
}

// Apply rewrites the Mapping m of g according to plan.
//
// Errors:
//   - ParamInvalid: nil arguments, empty plan, references to unknown roles or replacement slots.
//   - NotChanged: a path through nodes outside the removed ones connects two removed nodes, so
//     the rewrite would create a cycle.
//   - Failed: an edge crossing the boundary of the removed nodes is not bound, conflicting
//     bindings, or a graph mutation failed. In all cases the graph is left unchanged.
func Apply(g *ir.Graph, m *matcher.Mapping, plan *Plan) (*Result, error) {
	if g == nil || m == nil || plan == nil {
		return nil, fusion.ParamInvalidf("rewrite.Apply(): nil graph, mapping or plan")
	}
	if len(plan.Nodes) == 0 {
		return nil, fusion.ParamInvalidf("rewrite.Apply(%s): plan has no replacement nodes", m)
	}
	s, err := prepare(g, m, plan)
	if err != nil {
		return nil, err
	}

	tx := g.Begin()
	added, err := s.execute(tx, plan)
	if err != nil {
		journal := tx.Log()
		if rbErr := tx.Rollback(); rbErr != nil {
			// The graph is inconsistent: report both.
			return nil, fusion.WithStatus(fusion.Failed,
				errors.Wrapf(err, "rewrite of %s failed, and rollback failed too (%v)", m, rbErr))
		}
		klog.V(2).Infof("rewrite of %s rolled back %d operations: %v", m, len(journal), err)
		return nil, fusion.WithStatus(fusion.Failed, errors.WithMessagef(err, "rewrite of %s (rolled back)", m))
	}
	res := &Result{Added: added, Journal: tx.Log()}
	for _, n := range s.removed {
		res.Removed = append(res.Removed, n.Name())
	}
	tx.Commit()
	return res, nil
}

// checkConvex returns NotChanged if a path leaves the removed nodes and enters them again: collapsing
// them into new nodes would create a cycle.
func checkConvex(m *matcher.Mapping, removed []*ir.Node, removedSet map[*ir.Node]bool) error {
	visited := make(map[*ir.Node]bool)
	var stack []*ir.Node
	push := func(from, n *ir.Node) error {
		if removedSet[n] {
			if !removedSet[from] {
				return fusion.NotChangedf("rewrite.Apply(%s): %s is reached from the matched nodes through %s", m, n, from)
			}
			return nil
		}
		if !visited[n] {
			visited[n] = true
			stack = append(stack, n)
		}
		return nil
	}
	successors := func(n *ir.Node) []*ir.Node {
		next := n.ControlOutputs()
		for idx := range n.NumOutputs() {
			for _, dst := range n.Consumers(idx) {
				next = append(next, dst.Node)
			}
		}
		return next
	}
	for _, n := range removed {
		for _, next := range successors(n) {
			if !removedSet[next] {
				if err := push(n, next); err != nil {
					return err
				}
			}
		}
	}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, next := range successors(n) {
			if err := push(n, next); err != nil {
				return err
			}
		}
	}
	return nil
}

func (p Port) check(plan *Plan, input bool) error {
	if p.Node < 0 || p.Node >= len(plan.Nodes) {
		return fusion.ParamInvalidf("replacement port %s: no such node", p)
	}
	spec := plan.Nodes[p.Node]
	numSlots := len(spec.Outputs)
	if input {
		numSlots = len(spec.Inputs)
	}
	if p.Index < 0 || p.Index >= numSlots {
		return fusion.ParamInvalidf("replacement port %s: no such slot in %s", p, spec.Op)
	}
	return nil
}

// prepare resolves the plan into the list of operations, checking that every boundary edge is
// accounted for. It doesn't modify the graph.
func prepare(g *ir.Graph, m *matcher.Mapping, plan *Plan) (*surgery, error) {
	resolve := func(role pattern.Role) (*ir.Node, error) {
		n := m.Node(role)
		if n == nil {
			return nil, fusion.ParamInvalidf("rewrite.Apply(%s): role %q not bound", m, role)
		}
		if !g.Has(n) {
			return nil, fusion.Failedf("rewrite.Apply(%s): node %s is not in graph %q", m, n, g.Name())
		}
		return n, nil
	}

	s := &surgery{
		removedSet:   make(map[*ir.Node]bool),
		newInputs:    make(map[Port]ir.OutPort),
		replacedPort: make(map[Port]bool),
	}
	for _, role := range m.Roles() {
		if slices.Contains(plan.Keep, role) {
			continue
		}
		n, err := resolve(role)
		if err != nil {
			return nil, err
		}
		s.removed = append(s.removed, n)
		s.removedSet[n] = true
	}
	if err := checkConvex(m, s.removed, s.removedSet); err != nil {
		return nil, err
	}
	if plan.ControlTarget < 0 || plan.ControlTarget >= len(plan.Nodes) {
		return nil, fusion.ParamInvalidf("rewrite.Apply(%s): invalid control target #%d", m, plan.ControlTarget)
	}

	// Index bindings by the matched slot.
	inputBindings := make(map[Slot]Port, len(plan.Inputs))
	for _, b := range plan.Inputs {
		if err := b.Replacement.check(plan, true); err != nil {
			return nil, err
		}
		if _, err := resolve(b.Matched.Role); err != nil {
			return nil, err
		}
		inputBindings[b.Matched] = b.Replacement
	}
	outputBindings := make(map[Slot]Port, len(plan.Outputs))
	for _, b := range plan.Outputs {
		if err := b.Replacement.check(plan, false); err != nil {
			return nil, err
		}
		if _, err := resolve(b.Matched.Role); err != nil {
			return nil, err
		}
		outputBindings[b.Matched] = b.Replacement
	}
	dropped := make(map[Slot]bool, len(plan.Drop))
	for _, slot := range plan.Drop {
		dropped[slot] = true
	}
	for _, l := range plan.Links {
		if err := l.From.check(plan, false); err != nil {
			return nil, err
		}
		if err := l.To.check(plan, true); err != nil {
			return nil, err
		}
		if s.replacedPort[l.To] {
			return nil, fusion.ParamInvalidf("rewrite.Apply(%s): replacement input %s linked twice", m, l.To)
		}
		s.replacedPort[l.To] = true
	}

	// Data edges of removed nodes.
	for _, n := range s.removed {
		role := m.RoleOf(n)
		for idx := range n.NumInputs() {
			src, found := n.Producer(idx)
			if !found {
				continue
			}
			dst := n.In(idx)
			s.cutEdges = append(s.cutEdges, edgeOp{src, dst})
			if s.removedSet[src.Node] {
				continue // Internal edge.
			}
			slot := Slot{Role: role, Index: idx}
			if dropped[slot] {
				continue
			}
			port, bound := inputBindings[slot]
			if !bound {
				return nil, fusion.Failedf("rewrite.Apply(%s): input %s (%s, fed by %s) is not bound nor dropped", m, slot, dst, src)
			}
			if s.replacedPort[port] {
				if previous, found := s.newInputs[port]; !found || previous != src {
					return nil, fusion.Failedf("rewrite.Apply(%s): replacement input %s bound to different producers", m, port)
				}
				continue // Same producer bound again: a single edge is created.
			}
			s.replacedPort[port] = true
			s.newInputs[port] = src
		}
		for idx := range n.NumOutputs() {
			for _, dst := range n.Consumers(idx) {
				if s.removedSet[dst.Node] {
					continue // Internal edge, already cut as an input of dst.
				}
				slot := Slot{Role: role, Index: idx}
				port, bound := outputBindings[slot]
				if !bound {
					return nil, fusion.Failedf("rewrite.Apply(%s): output %s (consumed by %s) is not bound", m, slot, dst)
				}
				s.cutEdges = append(s.cutEdges, edgeOp{n.Out(idx), dst})
				s.newOutputs = append(s.newOutputs, pendingOutput{from: port, dst: dst})
			}
		}
	}
	for ii, spec := range plan.Nodes {
		for idx := range spec.Inputs {
			if port := (Port{Node: ii, Index: idx}); !s.replacedPort[port] {
				return nil, fusion.Failedf("rewrite.Apply(%s): input %s of the replacement %s is not connected", m, port, spec.Op)
			}
		}
	}

	// Control edges of removed nodes are transferred to the new node bound to their first bound
	// output, or to the control target.
	target := func(n *ir.Node) int {
		role := m.RoleOf(n)
		for idx := range n.NumOutputs() {
			if port, found := outputBindings[Slot{Role: role, Index: idx}]; found {
				return port.Node
			}
		}
		return plan.ControlTarget
	}
	seenIn := make(map[pendingCtrl]bool)
	seenOut := make(map[pendingCtrl]bool)
	for _, n := range s.removed {
		newNode := target(n)
		for _, src := range n.ControlInputs() {
			s.cutCtrl = append(s.cutCtrl, ctrlOp{src, n})
			if s.removedSet[src] {
				continue
			}
			pc := pendingCtrl{node: newNode, existing: src}
			if !seenIn[pc] {
				seenIn[pc] = true
				s.ctrlIn = append(s.ctrlIn, pc)
			}
		}
		for _, dst := range n.ControlOutputs() {
			if s.removedSet[dst] {
				continue // Already cut as a control input of dst.
			}
			s.cutCtrl = append(s.cutCtrl, ctrlOp{n, dst})
			pc := pendingCtrl{node: newNode, existing: dst}
			if !seenOut[pc] {
				seenOut[pc] = true
				s.ctrlOut = append(s.ctrlOut, pc)
			}
		}
	}
	return s, nil
}

// execute performs the surgery in the transaction, in the order: add nodes, link them, transfer
// data edges, transfer control edges, remove the matched nodes.
func (s *surgery) execute(tx *ir.Txn, plan *Plan) ([]*ir.Node, error) {
	added := make([]*ir.Node, len(plan.Nodes))
	for ii, spec := range plan.Nodes {
		n, err := tx.AddNode(spec)
		if err != nil {
			return nil, err
		}
		added[ii] = n
	}
	for _, l := range plan.Links {
		if err := tx.AddEdge(added[l.From.Node].Out(l.From.Index), added[l.To.Node].In(l.To.Index)); err != nil {
			return nil, err
		}
	}
	for _, e := range s.cutEdges {
		if err := tx.RemoveEdge(e.src, e.dst); err != nil {
			return nil, err
		}
	}
	// Sorted for a deterministic journal.
	ports := make([]Port, 0, len(s.newInputs))
	for port := range s.newInputs {
		ports = append(ports, port)
	}
	slices.SortFunc(ports, func(a, b Port) int {
		if a.Node != b.Node {
			return a.Node - b.Node
		}
		return a.Index - b.Index
	})
	for _, port := range ports {
		if err := tx.AddEdge(s.newInputs[port], added[port.Node].In(port.Index)); err != nil {
			return nil, err
		}
	}
	for _, out := range s.newOutputs {
		if err := tx.AddEdge(added[out.from.Node].Out(out.from.Index), out.dst); err != nil {
			return nil, err
		}
	}
	for _, c := range s.cutCtrl {
		if err := tx.RemoveControlEdge(c.src, c.dst); err != nil {
			return nil, err
		}
	}
	for _, c := range s.ctrlIn {
		if err := tx.AddControlEdge(c.existing, added[c.node]); err != nil {
			return nil, err
		}
	}
	for _, c := range s.ctrlOut {
		if err := tx.AddControlEdge(added[c.node], c.existing); err != nil {
			return nil, err
		}
	}
	for _, n := range s.removed {
		if err := tx.RemoveNode(n); err != nil {
			return nil, err
		}
	}
	return added, nil
}
