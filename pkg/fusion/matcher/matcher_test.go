// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package matcher

import (
	"testing"

	"github.com/gomlx/fusion/pkg/fusion/pattern"
	"github.com/gomlx/fusion/pkg/ir"
	"github.com/gomlx/fusion/pkg/ir/desc"
	"github.com/gomlx/fusion/pkg/ir/irtest"
	"github.com/gomlx/fusion/pkg/ir/ops"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var f32 = desc.Make(dtypes.Float32, 8)

func collect(t *testing.T, seq func(func(*Mapping) bool)) []*Mapping {
	t.Helper()
	var mappings []*Mapping
	for m := range seq {
		mappings = append(mappings, m)
	}
	return mappings
}

func TestMatchChain(t *testing.T) {
	p := must.M1(pattern.New("NegExp").
		AddRole("neg", ops.Of(ops.Neg)).
		AddRole("exp", ops.Of(ops.Exp)).
		Connect("exp", "neg").
		SetOutput("exp").
		Build())

	b := irtest.New(t, "chain")
	x := b.Data("x", f32)
	neg1 := b.Op("neg1", ops.Neg, f32, x)
	exp1 := b.Op("exp1", ops.Exp, f32, neg1)
	exp2 := b.Op("exp2", ops.Exp, f32, x) // Not fed by a Neg.
	neg2 := b.Op("neg2", ops.Neg, f32, exp2)
	exp3 := b.Op("exp3", ops.Exp, f32, neg2)
	b.Output("out", exp1, exp3)

	mappings := collect(t, Match(b.G, p))
	require.Len(t, mappings, 2)
	assert.Equal(t, exp1, mappings[0].Anchor())
	assert.Equal(t, neg1, mappings[0].Node("neg"))
	assert.Equal(t, exp3, mappings[1].Anchor())
	assert.Equal(t, neg2, mappings[1].Node("neg"))
	slot, found := mappings[1].InputSlot("exp", "neg")
	require.True(t, found)
	assert.Equal(t, 0, slot)
	assert.True(t, mappings[0].IsInternal(exp1, 0))
	assert.False(t, mappings[0].IsInternal(neg1, 0))
	for _, m := range mappings {
		require.NoError(t, Verify(b.G, p, m))
	}

	// No match.
	b2 := irtest.New(t, "empty")
	b2.Op("exp", ops.Exp, f32, b2.Data("x", f32))
	assert.Empty(t, collect(t, Match(b2.G, p)))
}

func TestMatchCommutative(t *testing.T) {
	p := must.M1(pattern.New("AddOfData").
		AddRole("lhs", ops.Of(ops.Data)).
		AddRole("rhs", ops.Of(ops.Data)).
		AddRole("add", ops.Of(ops.Add)).
		Connect("add", "lhs").
		Connect("add", "rhs").
		SetOutput("add").
		Build())

	b := irtest.New(t, "commutative")
	x := b.Data("x", f32)
	y := b.Data("y", f32)
	b.Op("add", ops.Add, f32, x, y)
	b.Op("double", ops.Add, f32, x, x)

	// Both bindings of add are enumerated; the "double" can't bind x twice.
	mappings := collect(t, Match(b.G, p))
	require.Len(t, mappings, 2)
	assert.Equal(t, x, mappings[0].Node("lhs"))
	assert.Equal(t, y, mappings[0].Node("rhs"))
	assert.Equal(t, y, mappings[1].Node("lhs"))
	assert.Equal(t, x, mappings[1].Node("rhs"))

	// A role connected twice requires two slots fed by the same node.
	pDouble := must.M1(pattern.New("Double").
		AddRole("x", ops.Of(ops.Data)).
		AddRole("add", ops.Of(ops.Add)).
		Connect("add", "x").
		Connect("add", "x").
		SetOutput("add").
		Build())
	mappings = collect(t, Match(b.G, pDouble))
	require.Len(t, mappings, 1)
	assert.Equal(t, "double", mappings[0].Anchor().Name())

	// Pinned slots select only one binding.
	pPinned := must.M1(pattern.New("Pinned").
		AddRole("lhs", ops.Of(ops.Data)).
		AddRole("add", ops.Of(ops.Add)).
		ConnectInput("add", 1, "lhs").
		SetOutput("add").
		Build())
	mappings = collect(t, Match(b.G, pPinned))
	require.Len(t, mappings, 2)
	assert.Equal(t, y, mappings[0].Node("lhs"))
	assert.Equal(t, x, mappings[1].Node("lhs"))
}

func TestMatchWhileMutating(t *testing.T) {
	p := must.M1(pattern.New("Neg").
		AddRole("x", ops.Of(ops.Data)).
		AddRole("neg", ops.Of(ops.Neg)).
		Connect("neg", "x").
		SetOutput("neg").
		Build())
	b := irtest.New(t, "mutating")
	x := b.Data("x", f32)
	neg1 := b.Op("neg1", ops.Neg, f32, x)
	neg2 := b.Op("neg2", ops.Neg, f32, x)
	neg3 := b.Op("neg3", ops.Neg, f32, x)

	// Removing a later anchor while iterating: it is skipped.
	var anchors []string
	for m := range Match(b.G, p) {
		anchors = append(anchors, m.Anchor().Name())
		if m.Anchor() == neg1 {
			require.NoError(t, b.G.RemoveEdge(x.Out(0), neg2.In(0)))
			require.NoError(t, b.G.RemoveNode(neg2))
		}
	}
	assert.Equal(t, []string{"neg1", "neg3"}, anchors)

	// Stopping early.
	var count int
	for range Match(b.G, p) {
		count++
		break
	}
	assert.Equal(t, 1, count)

	// Verify detects stale mappings.
	m := NewMapping(p, map[pattern.Role]*ir.Node{"x": x, "neg": neg3})
	require.NoError(t, Verify(b.G, p, m))
	require.NoError(t, b.G.RemoveEdge(x.Out(0), neg3.In(0)))
	require.Error(t, Verify(b.G, p, m))
	require.Error(t, Verify(b.G, p, NewMapping(p, map[pattern.Role]*ir.Node{"neg": neg1})))
}
