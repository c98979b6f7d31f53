// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package ir

import (
	"fmt"
	"slices"

	"github.com/gomlx/fusion/pkg/ir/attrs"
	"github.com/gomlx/fusion/pkg/ir/desc"
	"github.com/gomlx/fusion/pkg/ir/ops"
)

// NodeId is the unique id of a Node within its Graph. Ids are never reused.
type NodeId int

// NodeSpec describes a node to be created with Graph.AddNode.
type NodeSpec struct {
	// Name must be unique in the Graph. If empty, one is generated from the operator name.
	Name string

	Op      ops.Kind
	Inputs  []desc.TensorDesc
	Outputs []desc.TensorDesc
	Attrs   attrs.Attrs
}

// Node is one operator instance in a Graph.
//
// A Node is created by Graph.AddNode, and is only mutated through its Graph (edges, attributes
// and tensor descriptors). Once removed from its Graph, the Node is no longer alive, and its
// accessors only return the values it had when removed.
type Node struct {
	graph   *Graph
	id      NodeId
	name    string
	op      ops.Kind
	inputs  []desc.TensorDesc
	outputs []desc.TensorDesc
	attrs   attrs.Attrs
}

// Id of the node, unique within the Graph.
func (n *Node) Id() NodeId { return n.id }

// Name of the node, unique within the Graph.
func (n *Node) Name() string { return n.name }

// Op returns the operator kind of the node.
func (n *Node) Op() ops.Kind { return n.op }

// Graph owning the node, or nil if the node has been removed.
func (n *Node) Graph() *Graph { return n.graph }

// Alive returns whether the node is still owned by a Graph.
func (n *Node) Alive() bool { return n != nil && n.graph != nil }

// NumInputs returns the number of input slots.
func (n *Node) NumInputs() int { return len(n.inputs) }

// NumOutputs returns the number of output slots.
func (n *Node) NumOutputs() int { return len(n.outputs) }

// InputDesc returns the descriptor of the input slot.
func (n *Node) InputDesc(idx int) desc.TensorDesc { return n.inputs[idx] }

// OutputDesc returns the descriptor of the output slot.
func (n *Node) OutputDesc(idx int) desc.TensorDesc { return n.outputs[idx] }

// InputDescs returns a copy of all the input descriptors.
func (n *Node) InputDescs() []desc.TensorDesc { return slices.Clone(n.inputs) }

// OutputDescs returns a copy of all the output descriptors.
func (n *Node) OutputDescs() []desc.TensorDesc { return slices.Clone(n.outputs) }

// Attr returns the named attribute and whether it exists.
func (n *Node) Attr(name string) (attrs.Value, bool) { return n.attrs.Get(name) }

// Attrs returns a copy of the node attributes.
func (n *Node) Attrs() attrs.Attrs { return n.attrs.Clone() }

// In returns the port of the input slot idx.
func (n *Node) In(idx int) InPort { return InPort{Node: n, Index: idx} }

// Out returns the port of the output slot idx.
func (n *Node) Out(idx int) OutPort { return OutPort{Node: n, Index: idx} }

// Producer returns the output port feeding the input slot idx, if any.
func (n *Node) Producer(idx int) (OutPort, bool) {
	if n.graph == nil {
		return OutPort{}, false
	}
	return n.graph.Producer(n.In(idx))
}

// ProducerNode returns the node feeding the input slot idx, or nil.
func (n *Node) ProducerNode(idx int) *Node {
	p, found := n.Producer(idx)
	if !found {
		return nil
	}
	return p.Node
}

// Consumers returns the input ports consuming the output slot idx.
func (n *Node) Consumers(idx int) []InPort {
	if n.graph == nil {
		return nil
	}
	return n.graph.Consumers(n.Out(idx))
}

// NumConsumers returns the total number of data edges leaving the node, over all output slots.
func (n *Node) NumConsumers() int {
	if n.graph == nil {
		return 0
	}
	var count int
	for idx := range n.outputs {
		count += len(n.graph.consumers[n.Out(idx)])
	}
	return count
}

// ControlInputs returns the nodes with a control edge into n.
func (n *Node) ControlInputs() []*Node {
	if n.graph == nil {
		return nil
	}
	return slices.Clone(n.graph.ctrlIn[n])
}

// ControlOutputs returns the nodes with a control edge from n.
func (n *Node) ControlOutputs() []*Node {
	if n.graph == nil {
		return nil
	}
	return slices.Clone(n.graph.ctrlOut[n])
}

// SameAs returns whether n and other are the same node by identity: same graph, id, name and kind.
func (n *Node) SameAs(other *Node) bool {
	if n == nil || other == nil {
		return false
	}
	return n.graph == other.graph && n.id == other.id && n.name == other.name && n.op == other.op
}

// String implements fmt.Stringer.
func (n *Node) String() string {
	if n == nil {
		return "<nil node>"
	}
	return fmt.Sprintf("%s(%s#%d)", n.name, n.op, n.id)
}

// OutPort identifies an output slot of a node.
type OutPort struct {
	Node  *Node
	Index int
}

// String implements fmt.Stringer.
func (p OutPort) String() string { return fmt.Sprintf("%s:%d", p.Node.Name(), p.Index) }

// Desc returns the descriptor of the output slot.
func (p OutPort) Desc() desc.TensorDesc { return p.Node.OutputDesc(p.Index) }

// InPort identifies an input slot of a node.
type InPort struct {
	Node  *Node
	Index int
}

// String implements fmt.Stringer.
func (p InPort) String() string { return fmt.Sprintf("%s:%d", p.Node.Name(), p.Index) }

// Desc returns the descriptor of the input slot.
func (p InPort) Desc() desc.TensorDesc { return p.Node.InputDesc(p.Index) }

// Edge is a data edge.
type Edge struct {
	Src OutPort
	Dst InPort
}

// String implements fmt.Stringer.
func (e Edge) String() string { return e.Src.String() + "->" + e.Dst.String() }

// ControlEdge is an ordering-only edge.
type ControlEdge struct {
	Src, Dst *Node
}

// String implements fmt.Stringer.
func (e ControlEdge) String() string { return e.Src.Name() + "~>" + e.Dst.Name() }
