// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package driver

import (
	"fmt"
	"testing"

	"github.com/gomlx/fusion/pkg/fusion"
	"github.com/gomlx/fusion/pkg/fusion/matcher"
	"github.com/gomlx/fusion/pkg/fusion/pattern"
	"github.com/gomlx/fusion/pkg/fusion/rewrite"
	"github.com/gomlx/fusion/pkg/fusion/validate"
	"github.com/gomlx/fusion/pkg/ir"
	"github.com/gomlx/fusion/pkg/ir/desc"
	"github.com/gomlx/fusion/pkg/ir/irtest"
	"github.com/gomlx/fusion/pkg/ir/ops"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var f32 = desc.Make(dtypes.Float32, 8)

// negNegPass removes pairs of Neg, as long as the inner one has a single consumer.
type negNegPass struct {
	pattern  *pattern.Pattern
	validate func(g *ir.Graph, m *matcher.Mapping) error
	build    func(g *ir.Graph, m *matcher.Mapping) (*rewrite.Plan, error)
}

func newNegNegPass() *negNegPass {
	p := &negNegPass{
		pattern: must.M1(pattern.New("NegNeg").
			AddRole("inner", ops.Of(ops.Neg)).
			AddRole("outer", ops.Of(ops.Neg)).
			Connect("outer", "inner").
			SetOutput("outer").
			Build()),
	}
	p.validate = validate.SoleConsumer("inner")
	p.build = func(g *ir.Graph, m *matcher.Mapping) (*rewrite.Plan, error) {
		return &rewrite.Plan{
			Nodes: []ir.NodeSpec{{Op: ops.Of(ops.Identity), Inputs: []desc.TensorDesc{f32}, Outputs: []desc.TensorDesc{f32}}},
			Inputs: []rewrite.Binding{
				{Matched: rewrite.Slot{Role: "inner", Index: 0}, Replacement: rewrite.Port{Node: 0, Index: 0}},
			},
			Outputs: []rewrite.Binding{
				{Matched: rewrite.Slot{Role: "outer", Index: 0}, Replacement: rewrite.Port{Node: 0, Index: 0}},
			},
		}, nil
	}
	return p
}

func (p *negNegPass) Name() string              { return "NegNeg" }
func (p *negNegPass) Pattern() *pattern.Pattern { return p.pattern }
func (p *negNegPass) Validate(g *ir.Graph, m *matcher.Mapping) error {
	return p.validate(g, m)
}
func (p *negNegPass) Build(g *ir.Graph, m *matcher.Mapping) (*rewrite.Plan, error) {
	return p.build(g, m)
}

// negChain builds x -> neg0 -> neg1 -> ... -> neg{n-1} -> out.
func negChain(t *testing.T, n int) *ir.Graph {
	b := irtest.New(t, "negs")
	node := b.Data("x", f32)
	for i := range n {
		node = b.Op(fmt.Sprintf("neg%d", i), ops.Neg, f32, node)
	}
	b.Output("out", node)
	return b.G
}

func countOps(g *ir.Graph, t ops.Type) int {
	var count int
	for _, n := range g.Nodes() {
		if n.Op().Type() == t {
			count++
		}
	}
	return count
}

func TestRunPass(t *testing.T) {
	t.Run("single", func(t *testing.T) {
		g := negChain(t, 2)
		d := New(NewRegistry(), Options{ValidateGraph: true})
		res, err := d.RunPass(g, newNegNegPass())
		require.NoError(t, err)
		assert.Equal(t, fusion.Success, res.Status)
		assert.Equal(t, 1, res.Rewrites)
		assert.Equal(t, 2, res.Replaced)
		assert.Equal(t, 1, res.Added)
		assert.Equal(t, 0, countOps(g, ops.Neg))
		assert.Equal(t, 1, countOps(g, ops.Identity))

		// Idempotence: a second run finds nothing to rewrite.
		before := g.String()
		res, err = d.RunPass(g, newNegNegPass())
		require.NoError(t, err)
		assert.Equal(t, 0, res.Matches)
		assert.Equal(t, 0, res.Rewrites)
		assert.Equal(t, before, g.String())
	})

	t.Run("overlapping-mappings", func(t *testing.T) {
		// 4 Negs: 3 overlapping candidates, after the first rewrite the middle one no longer matches.
		g := negChain(t, 4)
		d := New(NewRegistry(), Options{})
		res, err := d.RunPass(g, newNegNegPass())
		require.NoError(t, err)
		assert.Equal(t, 2, res.Rewrites)
		assert.Equal(t, 0, countOps(g, ops.Neg))
		require.NoError(t, g.Validate())
	})

	t.Run("max-rewrites", func(t *testing.T) {
		g := negChain(t, 4)
		d := New(NewRegistry(), Options{MaxRewritesPerPass: 1})
		res, err := d.RunPass(g, newNegNegPass())
		require.NoError(t, err)
		assert.Equal(t, 1, res.Rewrites)
		assert.Equal(t, 2, countOps(g, ops.Neg))
	})

	t.Run("fixpoint", func(t *testing.T) {
		// Removing a Neg pair creates an Identity, so 3 Negs leave one Neg behind whatever the iterations.
		g := negChain(t, 3)
		d := New(NewRegistry(), Options{Fixpoint: true})
		res, err := d.RunPass(g, newNegNegPass())
		require.NoError(t, err)
		assert.Equal(t, 1, res.Rewrites)
		assert.Equal(t, 2, res.Iterations)
		assert.Equal(t, 1, countOps(g, ops.Neg))
	})

	t.Run("not-changed", func(t *testing.T) {
		b := irtest.New(t, "fanout")
		x := b.Data("x", f32)
		inner := b.Op("inner", ops.Neg, f32, x)
		outer := b.Op("outer", ops.Neg, f32, inner)
		b.Output("out", outer, inner)
		g := b.G
		before := g.String()

		res, err := New(NewRegistry(), Options{}).RunPass(g, newNegNegPass())
		require.NoError(t, err)
		assert.Equal(t, fusion.Success, res.Status)
		assert.Equal(t, 1, res.Matches)
		assert.Equal(t, 1, res.Skipped)
		assert.Equal(t, 0, res.Rewrites)
		assert.Equal(t, before, g.String())
	})
}

// TestRunPassNotConvex: a rewrite that would create a cycle is skipped.
func TestRunPassNotConvex(t *testing.T) {
	g := negChain(t, 2)
	inner, outer := g.NodeByName("neg0"), g.NodeByName("neg1")
	ext, err := g.AddNode(ir.NodeSpec{Name: "ext", Op: ops.Of(ops.Data), Outputs: []desc.TensorDesc{f32}})
	require.NoError(t, err)
	require.NoError(t, g.AddControlEdge(inner, ext))
	require.NoError(t, g.AddControlEdge(ext, outer))
	before := g.String()

	d := New(NewRegistry(), Options{ValidateGraph: true})
	res, err := d.RunPass(g, newNegNegPass())
	require.NoError(t, err)
	assert.Equal(t, fusion.Success, res.Status)
	assert.Equal(t, 0, res.Rewrites)
	assert.Equal(t, 1, res.Skipped)
	assert.Equal(t, before, g.String())
}

func TestRunPassFailures(t *testing.T) {
	testCases := []struct {
		name   string
		edit   func(p *negNegPass)
		status fusion.Status
	}{
		{"validate-fails", func(p *negNegPass) {
			p.validate = func(*ir.Graph, *matcher.Mapping) error { return errors.New("broken") }
		}, fusion.Failed},
		{"validate-param-invalid", func(p *negNegPass) {
			p.validate = validate.Required("missing")
		}, fusion.ParamInvalid},
		{"build-panics", func(p *negNegPass) {
			p.build = func(*ir.Graph, *matcher.Mapping) (*rewrite.Plan, error) { panic("boom") }
		}, fusion.Failed},
		{"build-panics-error", func(p *negNegPass) {
			p.build = func(*ir.Graph, *matcher.Mapping) (*rewrite.Plan, error) { panic(errors.New("boom")) }
		}, fusion.Failed},
		{"bad-plan", func(p *negNegPass) {
			p.build = func(*ir.Graph, *matcher.Mapping) (*rewrite.Plan, error) { return &rewrite.Plan{}, nil }
		}, fusion.ParamInvalid},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			g := negChain(t, 2)
			before := g.String()
			pass := newNegNegPass()
			tc.edit(pass)
			res, err := New(NewRegistry(), Options{}).RunPass(g, pass)
			require.Error(t, err)
			assert.Equal(t, tc.status, res.Status)
			assert.Equal(t, tc.status, fusion.StatusOf(err))
			assert.Equal(t, before, g.String())
		})
	}

	t.Run("build-not-changed", func(t *testing.T) {
		g := negChain(t, 2)
		pass := newNegNegPass()
		pass.build = func(*ir.Graph, *matcher.Mapping) (*rewrite.Plan, error) {
			return nil, fusion.NotChangedf("not today")
		}
		res, err := New(NewRegistry(), Options{}).RunPass(g, pass)
		require.NoError(t, err)
		assert.Equal(t, 1, res.Skipped)
	})
}

func TestRegistryAndRun(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register("NegNeg", BuiltIn, func(Env) (Pass, error) { return newNegNegPass(), nil }))
	require.NoError(t, reg.Register("Broken", Experimental, func(Env) (Pass, error) {
		pass := newNegNegPass()
		pass.validate = func(*ir.Graph, *matcher.Mapping) error { return fusion.Failedf("broken") }
		return pass, nil
	}))
	require.NoError(t, reg.Register("NoFactory", Experimental, func(Env) (Pass, error) {
		return nil, errors.New("can't create")
	}))
	require.Error(t, reg.Register("NegNeg", BuiltIn, func(Env) (Pass, error) { return nil, nil }))
	require.Error(t, reg.Register("", BuiltIn, nil))

	assert.Equal(t, []string{"NegNeg", "Broken", "NoFactory"}, reg.Names())
	assert.Equal(t, []string{"NegNeg"}, reg.Names(BuiltIn))
	assert.Equal(t, Experimental, reg.Category("Broken"))
	assert.True(t, reg.Has("Broken"))
	assert.False(t, reg.Has("Unknown"))

	// Default: only BuiltIn passes.
	g := negChain(t, 2)
	d := New(reg, Options{})
	results, err := d.Run(g)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, 1, results[0].Rewrites)

	// A failing pass doesn't stop the following ones.
	g = negChain(t, 2)
	results, err = d.Run(g, "Broken", "Unknown", "NoFactory", "NegNeg")
	require.Error(t, err)
	require.Len(t, results, 4)
	assert.Equal(t, fusion.Failed, results[0].Status)
	assert.Equal(t, fusion.ParamInvalid, results[1].Status)
	assert.Equal(t, fusion.ParamInvalid, results[2].Status)
	assert.Equal(t, fusion.Success, results[3].Status)
	assert.Equal(t, 1, results[3].Rewrites)
	assert.Contains(t, results[0].String(), "broken")

	_, err = d.Run(nil)
	assert.Equal(t, fusion.ParamInvalid, fusion.StatusOf(err))
}
