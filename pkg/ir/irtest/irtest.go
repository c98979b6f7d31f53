// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package irtest holds test utilities to build IR graphs.
//
// All methods fail the test (with require) on errors, so test code can be written without error
// handling.
package irtest

import (
	"testing"

	"github.com/gomlx/fusion/pkg/ir"
	"github.com/gomlx/fusion/pkg/ir/attrs"
	"github.com/gomlx/fusion/pkg/ir/desc"
	"github.com/gomlx/fusion/pkg/ir/ops"
	"github.com/gomlx/fusion/pkg/ir/tensor"
	"github.com/stretchr/testify/require"
)

// Builder builds an ir.Graph for tests.
type Builder struct {
	G  *ir.Graph
	tb testing.TB
}

// New returns a Builder for a new empty graph.
func New(tb testing.TB, name string) *Builder {
	return &Builder{G: ir.NewGraph(name), tb: tb}
}

// Data adds a graph input placeholder.
func (b *Builder) Data(name string, d desc.TensorDesc) *ir.Node {
	n, err := b.G.AddNode(ir.NodeSpec{Name: name, Op: ops.Of(ops.Data), Outputs: []desc.TensorDesc{d}})
	require.NoError(b.tb, err)
	return n
}

// Const adds a Const node holding t.
func (b *Builder) Const(name string, t *tensor.Tensor) *ir.Node {
	n, err := b.G.AddNode(ir.ConstSpec(name, t))
	require.NoError(b.tb, err)
	return n
}

// ConstInts adds an Int32 Const node with the given values, of shape [len(values)].
func (b *Builder) ConstInts(name string, values ...int32) *ir.Node {
	t, err := tensor.FromValues(name, []int{len(values)}, values)
	require.NoError(b.tb, err)
	return b.Const(name, t)
}

// ConstScalar adds a Float32 scalar Const node.
func (b *Builder) ConstScalar(name string, value float32) *ir.Node {
	return b.Const(name, tensor.Scalar(name, value))
}

// Op adds a single output node of the given type, connecting the given inputs in order.
// Input descriptors are copied from the producers.
func (b *Builder) Op(name string, op ops.Type, output desc.TensorDesc, inputs ...*ir.Node) *ir.Node {
	return b.OpWithAttrs(name, ops.Of(op), []desc.TensorDesc{output}, attrs.Attrs{}, inputs...)
}

// OpWithAttrs adds a node with attributes and any number of outputs, connecting output #0 of
// each of the given inputs in order.
func (b *Builder) OpWithAttrs(name string, op ops.Kind, outputs []desc.TensorDesc, a attrs.Attrs, inputs ...*ir.Node) *ir.Node {
	inputDescs := make([]desc.TensorDesc, len(inputs))
	for ii, input := range inputs {
		inputDescs[ii] = input.OutputDesc(0)
	}
	n, err := b.G.AddNode(ir.NodeSpec{Name: name, Op: op, Inputs: inputDescs, Outputs: outputs, Attrs: a})
	require.NoError(b.tb, err)
	for ii, input := range inputs {
		require.NoError(b.tb, b.G.AddEdge(input.Out(0), n.In(ii)))
	}
	return n
}

// Output adds a NetOutput node consuming the given nodes.
func (b *Builder) Output(name string, inputs ...*ir.Node) *ir.Node {
	return b.OpWithAttrs(name, ops.Of(ops.NetOutput), nil, attrs.Attrs{}, inputs...)
}

// Ctrl adds a control edge src~>dst.
func (b *Builder) Ctrl(src, dst *ir.Node) {
	require.NoError(b.tb, b.G.AddControlEdge(src, dst))
}

// Names returns the names of the nodes of the graph, in graph order.
func Names(g *ir.Graph) []string {
	nodes := g.Nodes()
	names := make([]string, len(nodes))
	for ii, n := range nodes {
		names[ii] = n.Name()
	}
	return names
}
