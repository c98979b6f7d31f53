// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package irio

import (
	"bytes"
	"strings"
	"testing"

	"github.com/gomlx/fusion/pkg/ir"
	"github.com/gomlx/fusion/pkg/ir/attrs"
	"github.com/gomlx/fusion/pkg/ir/desc"
	"github.com/gomlx/fusion/pkg/ir/irtest"
	"github.com/gomlx/fusion/pkg/ir/ops"
	"github.com/gomlx/fusion/pkg/ir/tensor"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleGraph(t *testing.T) *ir.Graph {
	b := irtest.New(t, "sample")
	x := b.Data("x", desc.Make(dtypes.Float32, 2, -1).WithFormat(desc.FormatNCHW))
	axes := b.ConstInts("axes", 1, -1)
	table, err := tensor.New("table", desc.Make(dtypes.Float16, 2), tensor.Float16Bits([]float32{0.5, 1}))
	require.NoError(t, err)
	tbl := b.Const("table", table)
	sum := b.OpWithAttrs("sum", ops.Of(ops.ReduceSum), []desc.TensorDesc{desc.Make(dtypes.Float32, 2)},
		attrs.New(
			attrs.Attr{Name: "keep_dims", Value: attrs.Bool(false)},
			attrs.Attr{Name: "alpha", Value: attrs.Float(0.5)},
			attrs.Attr{Name: "mode", Value: attrs.String("fast")},
			attrs.Attr{Name: "count", Value: attrs.Int(-3)},
			attrs.Attr{Name: "perm", Value: attrs.Ints()},
			attrs.Attr{Name: "scales", Value: attrs.Floats(1, 2.5)},
		), x, axes)
	custom := b.OpWithAttrs("custom", ops.Named("MyVendorOp"),
		[]desc.TensorDesc{desc.UnknownRank(dtypes.Float32), desc.Scalar(dtypes.Int64)}, attrs.Attrs{}, sum, tbl)
	b.Output("out", custom)
	b.Ctrl(axes, custom)
	b.Ctrl(x, tbl)
	return b.G
}

func writeString(t *testing.T, g *ir.Graph) string {
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, g))
	return buf.String()
}

func TestRoundTrip(t *testing.T) {
	g := sampleGraph(t)
	text := writeString(t, g)
	assert.Contains(t, text, "sum:0")
	assert.Contains(t, text, "table:0")
	assert.Contains(t, text, "format: NCHW")
	assert.Contains(t, text, "unknown_rank: true")

	g2, err := Read(strings.NewReader(text))
	require.NoError(t, err)
	assert.Equal(t, "sample", g2.Name())
	assert.Equal(t, irtest.Names(g), irtest.Names(g2))
	assert.Equal(t, g.NumEdges(), g2.NumEdges())
	assert.Equal(t, g.NumControlEdges(), g2.NumControlEdges())
	for _, n := range g.Nodes() {
		n2 := g2.NodeByName(n.Name())
		require.NotNil(t, n2, n.Name())
		assert.Equal(t, n.Op().String(), n2.Op().String(), n.Name())
		assert.Equal(t, n.InputDescs(), n2.InputDescs(), n.Name())
		assert.Equal(t, n.OutputDescs(), n2.OutputDescs(), n.Name())
		a, a2 := n.Attrs(), n2.Attrs()
		assert.True(t, a.Equal(&a2), "attributes of %s: %s != %s", n.Name(), a.String(), a2.String())
	}
	assert.Equal(t, ops.Custom, g2.NodeByName("custom").Op().Type())

	// Writing again gives the same text.
	assert.Equal(t, text, writeString(t, g2))
}

func TestUnconnectedInputs(t *testing.T) {
	g := ir.NewGraph("partial")
	d := desc.Make(dtypes.Int32, 3)
	x, err := g.AddNode(ir.NodeSpec{Name: "x", Op: ops.Of(ops.Data), Outputs: []desc.TensorDesc{d}})
	require.NoError(t, err)
	add, err := g.AddNode(ir.NodeSpec{Name: "add", Op: ops.Of(ops.Add),
		Inputs: []desc.TensorDesc{d, d.WithDType(dtypes.Int64)}, Outputs: []desc.TensorDesc{d}})
	require.NoError(t, err)
	require.NoError(t, g.AddEdge(x.Out(0), add.In(0)))

	text := writeString(t, g)
	assert.Contains(t, text, "input_descs")
	g2, err := Read(strings.NewReader(text))
	require.NoError(t, err)
	add2 := g2.NodeByName("add")
	assert.Equal(t, add.InputDescs(), add2.InputDescs())
	_, found := add2.Producer(1)
	assert.False(t, found)
	assert.Equal(t, 1, g2.NumEdges())
}

func TestReadErrors(t *testing.T) {
	testCases := []struct {
		name, text, want string
	}{
		{"unknown-field", "name: g\nnodez: []\n", "nodez"},
		{"bad-dtype", "name: g\nnodes:\n  - {name: x, op: Data, outputs: [{dtype: Complex999, dims: [1]}]}\n", "Complex999"},
		{"bad-dims", "name: g\nnodes:\n  - {name: x, op: Data, outputs: [{dtype: Float32, dims: [-5]}]}\n", "invalid dimensions"},
		{"duplicate-node", "name: g\nnodes:\n  - {name: x, op: Data}\n  - {name: x, op: Data}\n", "duplicate node"},
		{"missing-op", "name: g\nnodes:\n  - {name: x}\n", "no op"},
		{"bad-port", "name: g\nnodes:\n  - {name: x, op: Data, outputs: [{dtype: Float32, dims: [1]}]}\n" +
			"  - {name: y, op: Neg, inputs: [x], outputs: [{dtype: Float32, dims: [1]}]}\n", "invalid port"},
		{"unknown-producer", "name: g\nnodes:\n  - {name: y, op: Neg, inputs: [\"x:0\"]}\n", "no such producer"},
		{"unconnected-without-descs", "name: g\nnodes:\n  - {name: y, op: Neg, inputs: [\"\"]}\n", "input_descs required"},
		{"two-values", "name: g\nnodes:\n  - {name: x, op: Data, attrs: [{name: a, int: 1, bool: true}]}\n", "exactly one value"},
		{"bad-control", "name: g\nnodes:\n  - {name: x, op: Data}\ncontrol:\n  - {from: x, to: z}\n", "unknown nodes"},
		{"cycle", "name: g\nnodes:\n" +
			"  - {name: a, op: Neg, inputs: [\"b:0\"], outputs: [{dtype: Float32, dims: [1]}]}\n" +
			"  - {name: b, op: Neg, inputs: [\"a:0\"], outputs: [{dtype: Float32, dims: [1]}]}\n", ""},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Read(strings.NewReader(tc.text))
			require.Error(t, err)
			if tc.want != "" {
				assert.Contains(t, err.Error(), tc.want)
			}
		})
	}
}
