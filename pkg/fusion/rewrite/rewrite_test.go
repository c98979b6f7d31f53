// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package rewrite

import (
	"testing"

	"github.com/gomlx/fusion/pkg/fusion"
	"github.com/gomlx/fusion/pkg/fusion/matcher"
	"github.com/gomlx/fusion/pkg/fusion/pattern"
	"github.com/gomlx/fusion/pkg/ir"
	"github.com/gomlx/fusion/pkg/ir/attrs"
	"github.com/gomlx/fusion/pkg/ir/desc"
	"github.com/gomlx/fusion/pkg/ir/irtest"
	"github.com/gomlx/fusion/pkg/ir/ops"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var f32 = desc.Make(dtypes.Float32, 16)

var mulAddPattern = must.M1(pattern.New("MulAdd").
	AddRole("mul", ops.Of(ops.Mul)).
	AddRole("add", ops.Of(ops.Add)).
	Connect("add", "mul").
	SetOutput("add").
	Build())

func firstMapping(t *testing.T, g *ir.Graph, p *pattern.Pattern) *matcher.Mapping {
	for m := range matcher.Match(g, p) {
		return m
	}
	require.FailNow(t, "no match found", "pattern %s", p)
	return nil
}

func mulAddPlan() *Plan {
	return &Plan{
		Nodes: []ir.NodeSpec{{
			Name:    "fused",
			Op:      ops.Of(ops.FusedMulAdd),
			Inputs:  []desc.TensorDesc{f32, f32, f32},
			Outputs: []desc.TensorDesc{f32},
		}},
		Inputs: []Binding{
			{Matched: Slot{"mul", 0}, Replacement: Port{0, 0}},
			{Matched: Slot{"mul", 1}, Replacement: Port{0, 1}},
			{Matched: Slot{"add", 1}, Replacement: Port{0, 2}},
		},
		Outputs: []Binding{{Matched: Slot{"add", 0}, Replacement: Port{0, 0}}},
	}
}

// externalEdges counts the data edges with exactly one endpoint in nodes.
func externalEdges(g *ir.Graph, nodes ...*ir.Node) int {
	in := make(map[*ir.Node]bool)
	for _, n := range nodes {
		in[n] = true
	}
	var count int
	for _, e := range g.Edges() {
		if in[e.Src.Node] != in[e.Dst.Node] {
			count++
		}
	}
	return count
}

func TestApplyMulAdd(t *testing.T) {
	b := irtest.New(t, "muladd")
	a := b.Data("a", f32)
	x := b.Data("x", f32)
	c := b.Data("c", f32)
	mul := b.Op("mul", ops.Mul, f32, a, x)
	add := b.Op("add", ops.Add, f32, mul, c)
	out1 := b.Output("out1", add)
	out2 := b.Op("out2", ops.Relu, f32, add)
	p := b.Data("p", f32)
	q := b.Data("q", f32)
	b.Ctrl(p, mul)
	b.Ctrl(add, q)
	b.Ctrl(a, add)
	g := b.G

	m := firstMapping(t, g, mulAddPattern)
	edgesBefore := externalEdges(g, mul, add)
	ctrlBefore := g.NumControlEdges()
	require.Equal(t, 5, edgesBefore)

	res, err := Apply(g, m, mulAddPlan())
	require.NoError(t, err)
	require.Len(t, res.Added, 1)
	fused := res.Added[0]
	assert.Equal(t, []string{"mul", "add"}, res.Removed)
	assert.NotEmpty(t, res.Journal)

	// Node removal completeness.
	assert.False(t, g.Has(mul))
	assert.False(t, g.Has(add))
	assert.Equal(t, []string{"a", "x", "c", "out1", "out2", "p", "q", "fused"}, irtest.Names(g))

	// Edge conservation.
	assert.Equal(t, edgesBefore, externalEdges(g, fused))
	assert.Equal(t, a, fused.ProducerNode(0))
	assert.Equal(t, x, fused.ProducerNode(1))
	assert.Equal(t, c, fused.ProducerNode(2))
	assert.Equal(t, []ir.InPort{out1.In(0), out2.In(0)}, fused.Consumers(0))

	// Control edges preservation.
	assert.Equal(t, ctrlBefore, g.NumControlEdges())
	assert.Equal(t, []*ir.Node{p, a}, fused.ControlInputs())
	assert.Equal(t, []*ir.Node{q}, fused.ControlOutputs())
	require.NoError(t, g.Validate())
}

// TestApplySharedControlPeer: two removed nodes with the same control peer end up with a single
// control edge to the fused node.
func TestApplySharedControlPeer(t *testing.T) {
	b := irtest.New(t, "shared_ctrl")
	a := b.Data("a", f32)
	x := b.Data("x", f32)
	c := b.Data("c", f32)
	mul := b.Op("mul", ops.Mul, f32, a, x)
	add := b.Op("add", ops.Add, f32, mul, c)
	b.Output("out", add)
	p := b.Data("p", f32)
	q := b.Data("q", f32)
	b.Ctrl(p, mul)
	b.Ctrl(p, add)
	b.Ctrl(mul, q)
	b.Ctrl(add, q)
	g := b.G
	require.Equal(t, 4, g.NumControlEdges())

	res, err := Apply(g, firstMapping(t, g, mulAddPattern), mulAddPlan())
	require.NoError(t, err)
	fused := res.Added[0]
	assert.Equal(t, 2, g.NumControlEdges(), "duplicated control edges are collapsed")
	assert.Equal(t, []*ir.Node{p}, fused.ControlInputs())
	assert.Equal(t, []*ir.Node{q}, fused.ControlOutputs())
	require.NoError(t, g.Validate())
}

// TestApplyNotConvex: a path leaving the matched nodes and coming back would become a cycle.
func TestApplyNotConvex(t *testing.T) {
	p := must.M1(pattern.New("NegAdd").
		AddRole("neg", ops.Of(ops.Neg)).
		AddRole("add", ops.Of(ops.Add)).
		ConnectInput("add", 0, "neg").
		SetOutput("add").
		Build())
	plan := func() *Plan {
		return &Plan{
			Nodes: []ir.NodeSpec{{Name: "fused", Op: ops.Of(ops.Identity),
				Inputs: []desc.TensorDesc{f32, f32}, Outputs: []desc.TensorDesc{f32}}},
			Inputs: []Binding{
				{Matched: Slot{"neg", 0}, Replacement: Port{0, 0}},
				{Matched: Slot{"add", 1}, Replacement: Port{0, 1}},
			},
			Outputs: []Binding{
				{Matched: Slot{"add", 0}, Replacement: Port{0, 0}},
				{Matched: Slot{"neg", 0}, Replacement: Port{0, 0}},
			},
		}
	}

	testCases := []struct {
		name  string
		build func(b *irtest.Builder)
	}{
		{"data-path", func(b *irtest.Builder) {
			x := b.Data("x", f32)
			neg := b.Op("neg", ops.Neg, f32, x)
			ext := b.Op("ext", ops.Exp, f32, neg)
			b.Output("out", b.Op("add", ops.Add, f32, neg, ext))
		}},
		{"control-path", func(b *irtest.Builder) {
			x := b.Data("x", f32)
			c := b.Data("c", f32)
			neg := b.Op("neg", ops.Neg, f32, x)
			add := b.Op("add", ops.Add, f32, neg, c)
			b.Output("out", add)
			ext := b.Data("ext", f32)
			b.Ctrl(neg, ext)
			b.Ctrl(ext, add)
		}},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			b := irtest.New(t, "not_convex")
			tc.build(b)
			g := b.G
			before := g.String()
			_, err := Apply(g, firstMapping(t, g, p), plan())
			require.Error(t, err)
			assert.Equal(t, fusion.NotChanged, fusion.StatusOf(err))
			assert.Equal(t, before, g.String(), "graph must be unchanged")
			require.NoError(t, g.Validate())
		})
	}
}

// TestApplySelfReferential: x feeds both the first and the last node of the fused chain.
func TestApplySelfReferential(t *testing.T) {
	b := irtest.New(t, "l2norm")
	x := b.Data("x", f32)
	other := b.Op("other", ops.Neg, f32, x)
	sq := b.Op("square", ops.Square, f32, x)
	rsqrt := b.Op("rsqrt", ops.Rsqrt, f32, sq)
	mul := b.Op("mul", ops.Mul, f32, x, rsqrt)
	b.Output("out", mul, other)
	g := b.G

	p := must.M1(pattern.New("SquareRsqrtMul").
		AddRole("square", ops.Of(ops.Square)).
		AddRole("rsqrt", ops.Of(ops.Rsqrt)).
		AddRole("mul", ops.Of(ops.Mul)).
		Connect("rsqrt", "square").
		Connect("mul", "rsqrt").
		SetOutput("mul").
		Build())
	m := firstMapping(t, g, p)
	plan := &Plan{
		Nodes: []ir.NodeSpec{{Name: "l2norm", Op: ops.Of(ops.L2Normalize),
			Inputs: []desc.TensorDesc{f32}, Outputs: []desc.TensorDesc{f32}}},
		Inputs: []Binding{
			{Matched: Slot{"square", 0}, Replacement: Port{0, 0}},
			{Matched: Slot{"mul", 0}, Replacement: Port{0, 0}},
		},
		Outputs: []Binding{{Matched: Slot{"mul", 0}, Replacement: Port{0, 0}}},
	}
	res, err := Apply(g, m, plan)
	require.NoError(t, err)
	fused := res.Added[0]

	// x keeps its sibling edge to "other", and has exactly one edge to the fused node.
	assert.Equal(t, []ir.InPort{other.In(0), fused.In(0)}, x.Consumers(0))
	assert.Equal(t, 4, g.NumEdges())
	require.NoError(t, g.Validate())
}

func TestApplyKeepAndDrop(t *testing.T) {
	b := irtest.New(t, "keep")
	x := b.Data("x", f32)
	axes := b.ConstInts("axes", 0)
	sum := b.Op("sum", ops.ReduceSum, desc.Scalar(dtypes.Float32), x, axes)
	shared := b.Op("shared", ops.ReduceMean, desc.Scalar(dtypes.Float32), x, axes)
	b.Output("out", sum, shared)
	g := b.G

	p := must.M1(pattern.New("ConstAxes").
		AddRole("axes", ops.Of(ops.Const)).
		AddRole("sum", ops.Of(ops.ReduceSum)).
		ConnectInput("sum", 1, "axes").
		SetOutput("sum").
		Build())
	m := firstMapping(t, g, p)
	plan := &Plan{
		Nodes: []ir.NodeSpec{{Op: ops.Of(ops.ReduceSumD),
			Inputs: []desc.TensorDesc{f32}, Outputs: []desc.TensorDesc{desc.Scalar(dtypes.Float32)},
			Attrs: attrs.New(attrs.Attr{Name: "axes", Value: attrs.Ints(0)})}},
		Inputs:  []Binding{{Matched: Slot{"sum", 0}, Replacement: Port{0, 0}}},
		Outputs: []Binding{{Matched: Slot{"sum", 0}, Replacement: Port{0, 0}}},
		Drop:    []Slot{{"sum", 1}},
		Keep:    []pattern.Role{"axes"},
	}
	res, err := Apply(g, m, plan)
	require.NoError(t, err)
	assert.Equal(t, "ReduceSumD", res.Added[0].Name())
	assert.Equal(t, []string{"sum"}, res.Removed)
	assert.True(t, g.Has(axes))
	assert.Equal(t, []ir.InPort{shared.In(1)}, axes.Consumers(0))
}

func TestApplyFailures(t *testing.T) {
	build := func() (*ir.Graph, *matcher.Mapping) {
		b := irtest.New(t, "failures")
		a := b.Data("a", f32)
		x := b.Data("x", f32)
		c := b.Data("c", f32)
		mul := b.Op("mul", ops.Mul, f32, a, x)
		add := b.Op("add", ops.Add, f32, mul, c)
		b.Output("out", add)
		b.Op("spy", ops.Neg, f32, mul) // mul has another consumer.
		return b.G, firstMapping(t, b.G, mulAddPattern)
	}

	testCases := []struct {
		name   string
		edit   func(plan *Plan)
		status fusion.Status
	}{
		{"unbound-output", func(plan *Plan) {}, fusion.Failed},
		{"unbound-input", func(plan *Plan) {
			plan.Outputs = append(plan.Outputs, Binding{Matched: Slot{"mul", 0}, Replacement: Port{0, 0}})
			plan.Inputs = plan.Inputs[1:]
		}, fusion.Failed},
		{"conflicting-inputs", func(plan *Plan) {
			plan.Outputs = append(plan.Outputs, Binding{Matched: Slot{"mul", 0}, Replacement: Port{0, 0}})
			plan.Inputs[1].Replacement = Port{0, 0}
		}, fusion.Failed},
		{"unknown-role", func(plan *Plan) {
			plan.Inputs[0].Matched.Role = "sub"
		}, fusion.ParamInvalid},
		{"bad-port", func(plan *Plan) {
			plan.Inputs[0].Replacement = Port{0, 7}
		}, fusion.ParamInvalid},
		{"no-nodes", func(plan *Plan) {
			plan.Nodes = nil
		}, fusion.ParamInvalid},
		{"mutation-fails", func(plan *Plan) {
			// The second new node can't be added: it reuses an existing name.
			plan.Outputs = append(plan.Outputs, Binding{Matched: Slot{"mul", 0}, Replacement: Port{0, 0}})
			plan.Nodes = append(plan.Nodes, ir.NodeSpec{Name: "spy", Op: ops.Of(ops.Identity)})
		}, fusion.Failed},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			g, m := build()
			before := g.String()
			plan := mulAddPlan()
			tc.edit(plan)
			_, err := Apply(g, m, plan)
			require.Error(t, err)
			assert.Equal(t, tc.status, fusion.StatusOf(err))
			assert.Equal(t, before, g.String(), "graph must be unchanged")
		})
	}

	// With the extra consumer bound, the rewrite succeeds.
	g, m := build()
	plan := mulAddPlan()
	plan.Outputs = append(plan.Outputs, Binding{Matched: Slot{"mul", 0}, Replacement: Port{0, 0}})
	_, err := Apply(g, m, plan)
	require.NoError(t, err)
	assert.Equal(t, "fused", g.NodeByName("spy").ProducerNode(0).Name())
}
