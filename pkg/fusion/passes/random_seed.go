// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package passes

import (
	"math"

	"github.com/gomlx/fusion/pkg/fusion/constants"
	"github.com/gomlx/fusion/pkg/fusion/driver"
	"github.com/gomlx/fusion/pkg/fusion/matcher"
	"github.com/gomlx/fusion/pkg/fusion/pattern"
	"github.com/gomlx/fusion/pkg/fusion/rewrite"
	"github.com/gomlx/fusion/pkg/fusion/validate"
	"github.com/gomlx/fusion/pkg/ir"
	"github.com/gomlx/fusion/pkg/ir/desc"
	"github.com/gomlx/fusion/pkg/ir/ops"
	"github.com/gomlx/fusion/pkg/ir/tensor"
)

const roleRandom pattern.Role = "random"

// Attributes of RandomUniform nodes: the low and high 32 bits of the seed.
const (
	AttrSeed  = "seed"
	AttrSeed2 = "seed2"
)

// NewRandomSeed replaces RandomUniform(shape){seed, seed2} by StatelessRandomUniformV2(shape, seed),
// where seed is a constant int64 combining seed (low 32 bits) and seed2 (high 32 bits).
// Other attributes (e.g.: the dtype) are kept.
func NewRandomSeed(driver.Env) (driver.Pass, error) {
	p, err := pattern.New(RandomSeedFusion).
		AddRole(roleRandom, ops.Of(ops.RandomUniform)).
		SetOutput(roleRandom).
		Build()
	if err != nil {
		return nil, err
	}
	return &pass{
		name:    RandomSeedFusion,
		pattern: p,
		check: validate.All(
			validate.Required(roleRandom),
			numInputs(roleRandom, 1),
			validate.AttrInRange(roleRandom, AttrSeed, 0, math.MaxUint32),
			validate.AttrInRange(roleRandom, AttrSeed2, 0, math.MaxUint32),
		),
		build: buildRandomSeed,
	}, nil
}

func buildRandomSeed(g *ir.Graph, m *matcher.Mapping) (*rewrite.Plan, error) {
	random := m.Node(roleRandom)
	a := random.Attrs()
	lo, err := a.GetInt(AttrSeed)
	if err != nil {
		return nil, err
	}
	hi, err := a.GetInt(AttrSeed2)
	if err != nil {
		return nil, err
	}
	a.Delete(AttrSeed)
	a.Delete(AttrSeed2)
	seedName := fusedName(g, m, "seed")
	seed, err := tensor.FromValues(seedName, []int{1}, []int64{constants.CombineSeed(uint32(lo), uint32(hi))})
	if err != nil {
		return nil, err
	}
	return &rewrite.Plan{
		Nodes: []ir.NodeSpec{
			{
				Name:    fusedName(g, m, "StatelessRandomUniformV2"),
				Op:      ops.Of(ops.StatelessRandomUniformV2),
				Inputs:  []desc.TensorDesc{random.InputDesc(0), seed.Desc()},
				Outputs: random.OutputDescs(),
				Attrs:   a,
			},
			ir.ConstSpec(seedName, seed),
		},
		Links:   []rewrite.Link{{From: rewrite.Port{Node: 1}, To: rewrite.Port{Node: 0, Index: 1}}},
		Inputs:  []rewrite.Binding{{Matched: rewrite.Slot{Role: roleRandom}, Replacement: rewrite.Port{}}},
		Outputs: bindOutputs(m, roleRandom, 0),
	}, nil
}
