// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package ir implements the dataflow graph the fusion passes operate on.
//
// The main elements are:
//
//   - Graph: owns the nodes and all the edges between them, and is the sole mutator of the structure.
//   - Node: one operator instance, with an operator kind (see package ops), a unique name, ordered
//     input and output slots (each with a desc.TensorDesc) and ordered attributes (see package attrs).
//   - Data edges: from an OutPort to an InPort. An input slot has at most one producer, an output
//     slot may feed any number of consumers.
//   - Control edges: ordering only, from node to node.
//   - Txn: a journal of reversible mutations, used to make a rewrite all-or-nothing.
//
// A Graph is not safe for concurrent use.
package ir

import (
	"fmt"
	"slices"

	"github.com/gomlx/fusion/pkg/ir/attrs"
	"github.com/gomlx/fusion/pkg/ir/desc"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Graph of operators.
type Graph struct {
	id   uuid.UUID
	name string

	// nodes in insertion order, which is also the enumeration order.
	nodes    []*Node
	byId     map[NodeId]*Node
	byName   map[string]*Node
	nextId   NodeId
	nameSeqs map[string]int

	producers map[InPort]OutPort
	consumers map[OutPort][]InPort
	numEdges  int

	ctrlIn, ctrlOut map[*Node][]*Node
	numCtrlEdges    int
}

// NewGraph returns an empty Graph.
func NewGraph(name string) *Graph {
	g := &Graph{
		id:        uuid.New(),
		name:      name,
		byId:      make(map[NodeId]*Node),
		byName:    make(map[string]*Node),
		nameSeqs:  make(map[string]int),
		producers: make(map[InPort]OutPort),
		consumers: make(map[OutPort][]InPort),
		ctrlIn:    make(map[*Node][]*Node),
		ctrlOut:   make(map[*Node][]*Node),
	}
	if g.name == "" {
		g.name = "graph_" + g.id.String()[:8]
	}
	return g
}

// Name of the graph.
func (g *Graph) Name() string { return g.name }

// Id returns the unique id of the graph, used in logs.
func (g *Graph) Id() uuid.UUID { return g.id }

// NumNodes returns the number of nodes in the graph.
func (g *Graph) NumNodes() int { return len(g.nodes) }

// NumEdges returns the number of data edges.
func (g *Graph) NumEdges() int { return g.numEdges }

// NumControlEdges returns the number of control edges.
func (g *Graph) NumControlEdges() int { return g.numCtrlEdges }

// Nodes returns a snapshot of the nodes in the graph, in insertion order.
func (g *Graph) Nodes() []*Node { return slices.Clone(g.nodes) }

// Node returns the node with the given id.
func (g *Graph) Node(id NodeId) (*Node, bool) {
	n, found := g.byId[id]
	return n, found
}

// NodeByName returns the node with the given name, or nil.
func (g *Graph) NodeByName(name string) *Node { return g.byName[name] }

// Has returns whether n is currently owned by g.
func (g *Graph) Has(n *Node) bool {
	return n != nil && n.graph == g && g.byId[n.id] == n
}

// UniqueName returns a name, based on prefix, not used by any node of the graph.
func (g *Graph) UniqueName(prefix string) string {
	if _, found := g.byName[prefix]; !found && prefix != "" {
		return prefix
	}
	for {
		g.nameSeqs[prefix]++
		name := fmt.Sprintf("%s_%d", prefix, g.nameSeqs[prefix])
		if _, found := g.byName[name]; !found {
			return name
		}
	}
}

// AddNode creates a new, unconnected, node.
func (g *Graph) AddNode(spec NodeSpec) (*Node, error) {
	if !spec.Op.Valid() {
		return nil, errors.Errorf("Graph(%q).AddNode(%q): invalid operator kind", g.name, spec.Name)
	}
	name := spec.Name
	if name == "" {
		name = g.UniqueName(spec.Op.String())
	} else if _, found := g.byName[name]; found {
		return nil, errors.Errorf("Graph(%q).AddNode: a node named %q already exists", g.name, name)
	}
	n := &Node{
		graph:   g,
		id:      g.nextId,
		name:    name,
		op:      spec.Op,
		inputs:  slices.Clone(spec.Inputs),
		outputs: slices.Clone(spec.Outputs),
		attrs:   spec.Attrs.Clone(),
	}
	g.nextId++
	g.insertNode(n, len(g.nodes))
	return n, nil
}

func (g *Graph) insertNode(n *Node, pos int) {
	n.graph = g
	g.nodes = slices.Insert(g.nodes, pos, n)
	g.byId[n.id] = n
	g.byName[n.name] = n
}

// RemoveNode removes a node from the graph. It fails if any data or control edge still
// touches the node.
func (g *Graph) RemoveNode(n *Node) error {
	_, err := g.removeNode(n)
	return err
}

// removeNode returns the position the node had, so it can be re-inserted.
func (g *Graph) removeNode(n *Node) (int, error) {
	if !g.Has(n) {
		return 0, errors.Errorf("Graph(%q).RemoveNode(%s): node not in graph", g.name, n)
	}
	for idx := range n.inputs {
		if p, found := g.producers[n.In(idx)]; found {
			return 0, errors.Errorf("Graph(%q).RemoveNode(%s): input #%d still fed by %s", g.name, n, idx, p)
		}
	}
	for idx := range n.outputs {
		if len(g.consumers[n.Out(idx)]) > 0 {
			return 0, errors.Errorf("Graph(%q).RemoveNode(%s): output #%d still has %d consumers",
				g.name, n, idx, len(g.consumers[n.Out(idx)]))
		}
	}
	if len(g.ctrlIn[n]) > 0 || len(g.ctrlOut[n]) > 0 {
		return 0, errors.Errorf("Graph(%q).RemoveNode(%s): node still has %d incoming and %d outgoing control edges",
			g.name, n, len(g.ctrlIn[n]), len(g.ctrlOut[n]))
	}
	pos := slices.Index(g.nodes, n)
	g.nodes = slices.Delete(g.nodes, pos, pos+1)
	delete(g.byId, n.id)
	delete(g.byName, n.name)
	delete(g.ctrlIn, n)
	delete(g.ctrlOut, n)
	n.graph = nil
	return pos, nil
}

func (g *Graph) checkOwned(method string, nodes ...*Node) error {
	for _, n := range nodes {
		if !g.Has(n) {
			return errors.Errorf("Graph(%q).%s: node %s is not owned by the graph", g.name, method, n)
		}
	}
	return nil
}

// Producer returns the output port feeding dst, if any.
func (g *Graph) Producer(dst InPort) (OutPort, bool) {
	p, found := g.producers[dst]
	return p, found
}

// Consumers returns a copy of the input ports fed by src, in the order the edges were added.
func (g *Graph) Consumers(src OutPort) []InPort {
	return slices.Clone(g.consumers[src])
}

// HasEdge returns whether the data edge src->dst exists.
func (g *Graph) HasEdge(src OutPort, dst InPort) bool {
	p, found := g.producers[dst]
	return found && p == src
}

// AddEdge connects the output slot src to the input slot dst. It fails if dst already has a producer.
func (g *Graph) AddEdge(src OutPort, dst InPort) error {
	if err := g.checkOwned("AddEdge", src.Node, dst.Node); err != nil {
		return err
	}
	if src.Index < 0 || src.Index >= src.Node.NumOutputs() {
		return errors.Errorf("Graph(%q).AddEdge(%s->%s): %s has %d outputs", g.name, src, dst, src.Node, src.Node.NumOutputs())
	}
	if dst.Index < 0 || dst.Index >= dst.Node.NumInputs() {
		return errors.Errorf("Graph(%q).AddEdge(%s->%s): %s has %d inputs", g.name, src, dst, dst.Node, dst.Node.NumInputs())
	}
	if src.Node == dst.Node {
		return errors.Errorf("Graph(%q).AddEdge(%s->%s): self-loops are not allowed", g.name, src, dst)
	}
	if p, found := g.producers[dst]; found {
		return errors.Errorf("Graph(%q).AddEdge(%s->%s): input already fed by %s", g.name, src, dst, p)
	}
	g.producers[dst] = src
	g.consumers[src] = append(g.consumers[src], dst)
	g.numEdges++
	return nil
}

// RemoveEdge removes the data edge src->dst. Other edges from src are not affected.
func (g *Graph) RemoveEdge(src OutPort, dst InPort) error {
	_, err := g.removeEdge(src, dst)
	return err
}

// removeEdge returns the position of dst among the consumers of src, so it can be re-inserted.
func (g *Graph) removeEdge(src OutPort, dst InPort) (int, error) {
	if !g.HasEdge(src, dst) {
		return 0, errors.Errorf("Graph(%q).RemoveEdge(%s->%s): no such edge", g.name, src, dst)
	}
	delete(g.producers, dst)
	consumers := g.consumers[src]
	pos := slices.Index(consumers, dst)
	consumers = slices.Delete(consumers, pos, pos+1)
	if len(consumers) == 0 {
		delete(g.consumers, src)
	} else {
		g.consumers[src] = consumers
	}
	g.numEdges--
	return pos, nil
}

func (g *Graph) insertEdge(src OutPort, dst InPort, pos int) {
	g.producers[dst] = src
	g.consumers[src] = slices.Insert(g.consumers[src], pos, dst)
	g.numEdges++
}

// HasControlEdge returns whether the control edge src~>dst exists.
func (g *Graph) HasControlEdge(src, dst *Node) bool {
	return slices.Contains(g.ctrlOut[src], dst)
}

// AddControlEdge adds an ordering-only edge: dst must run after src.
func (g *Graph) AddControlEdge(src, dst *Node) error {
	if err := g.checkOwned("AddControlEdge", src, dst); err != nil {
		return err
	}
	if src == dst {
		return errors.Errorf("Graph(%q).AddControlEdge(%s): self-loops are not allowed", g.name, src)
	}
	if g.HasControlEdge(src, dst) {
		return errors.Errorf("Graph(%q).AddControlEdge(%s~>%s): edge already exists", g.name, src, dst)
	}
	g.ctrlOut[src] = append(g.ctrlOut[src], dst)
	g.ctrlIn[dst] = append(g.ctrlIn[dst], src)
	g.numCtrlEdges++
	return nil
}

// RemoveControlEdge removes the control edge src~>dst.
func (g *Graph) RemoveControlEdge(src, dst *Node) error {
	_, _, err := g.removeControlEdge(src, dst)
	return err
}

// removeControlEdge returns the positions of the edge in the adjacency lists of src and dst.
func (g *Graph) removeControlEdge(src, dst *Node) (posOut, posIn int, err error) {
	if !g.HasControlEdge(src, dst) {
		return 0, 0, errors.Errorf("Graph(%q).RemoveControlEdge(%s~>%s): no such edge", g.name, src, dst)
	}
	posOut = slices.Index(g.ctrlOut[src], dst)
	posIn = slices.Index(g.ctrlIn[dst], src)
	g.ctrlOut[src] = slices.Delete(g.ctrlOut[src], posOut, posOut+1)
	g.ctrlIn[dst] = slices.Delete(g.ctrlIn[dst], posIn, posIn+1)
	g.numCtrlEdges--
	return posOut, posIn, nil
}

func (g *Graph) insertControlEdge(src, dst *Node, posOut, posIn int) {
	g.ctrlOut[src] = slices.Insert(g.ctrlOut[src], posOut, dst)
	g.ctrlIn[dst] = slices.Insert(g.ctrlIn[dst], posIn, src)
	g.numCtrlEdges++
}

// SetAttr sets an attribute of the node.
func (g *Graph) SetAttr(n *Node, name string, value attrs.Value) error {
	if err := g.checkOwned("SetAttr", n); err != nil {
		return err
	}
	n.attrs.Set(name, value)
	return nil
}

// DeleteAttr removes an attribute of the node, if it exists.
func (g *Graph) DeleteAttr(n *Node, name string) error {
	if err := g.checkOwned("DeleteAttr", n); err != nil {
		return err
	}
	n.attrs.Delete(name)
	return nil
}

// SetInputDesc changes the descriptor of an input slot.
func (g *Graph) SetInputDesc(n *Node, idx int, d desc.TensorDesc) error {
	if err := g.checkOwned("SetInputDesc", n); err != nil {
		return err
	}
	if idx < 0 || idx >= len(n.inputs) {
		return errors.Errorf("Graph(%q).SetInputDesc(%s, %d): node has %d inputs", g.name, n, idx, len(n.inputs))
	}
	n.inputs[idx] = d
	return nil
}

// SetOutputDesc changes the descriptor of an output slot.
func (g *Graph) SetOutputDesc(n *Node, idx int, d desc.TensorDesc) error {
	if err := g.checkOwned("SetOutputDesc", n); err != nil {
		return err
	}
	if idx < 0 || idx >= len(n.outputs) {
		return errors.Errorf("Graph(%q).SetOutputDesc(%s, %d): node has %d outputs", g.name, n, idx, len(n.outputs))
	}
	n.outputs[idx] = d
	return nil
}

// Edges returns all data edges, ordered by destination node (in graph order) and input index.
func (g *Graph) Edges() []Edge {
	edges := make([]Edge, 0, g.numEdges)
	for _, n := range g.nodes {
		for idx := range n.inputs {
			if src, found := g.producers[n.In(idx)]; found {
				edges = append(edges, Edge{Src: src, Dst: n.In(idx)})
			}
		}
	}
	return edges
}

// ControlEdges returns all control edges, ordered by source node (in graph order).
func (g *Graph) ControlEdges() []ControlEdge {
	edges := make([]ControlEdge, 0, g.numCtrlEdges)
	for _, n := range g.nodes {
		for _, dst := range g.ctrlOut[n] {
			edges = append(edges, ControlEdge{Src: n, Dst: dst})
		}
	}
	return edges
}
