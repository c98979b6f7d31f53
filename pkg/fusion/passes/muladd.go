// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package passes

import (
	"github.com/gomlx/fusion/pkg/fusion"
	"github.com/gomlx/fusion/pkg/fusion/driver"
	"github.com/gomlx/fusion/pkg/fusion/matcher"
	"github.com/gomlx/fusion/pkg/fusion/pattern"
	"github.com/gomlx/fusion/pkg/fusion/rewrite"
	"github.com/gomlx/fusion/pkg/fusion/validate"
	"github.com/gomlx/fusion/pkg/ir"
	"github.com/gomlx/fusion/pkg/ir/desc"
	"github.com/gomlx/fusion/pkg/ir/ops"
)

const (
	maMul pattern.Role = "mul"
	maAdd pattern.Role = "add"
)

// NewMulAdd fuses Add(Mul(a, b), c) (in any operand order) into FusedMulAdd(a, b, c).
//
// Only element-wise cases are fused: a, b, c and the result must have the same static shape, and
// a and b must not be constants (those are better folded by other passes).
func NewMulAdd(driver.Env) (driver.Pass, error) {
	p, err := pattern.New(MulAddFusion).
		AddRole(maMul, ops.Of(ops.Mul)).
		AddRole(maAdd, ops.Of(ops.Add)).
		Connect(maAdd, maMul).
		SetOutput(maAdd).
		Build()
	if err != nil {
		return nil, err
	}
	return &pass{
		name:    MulAddFusion,
		pattern: p,
		check: validate.All(
			validate.Required(maMul, maAdd),
			numInputs(maMul, 2),
			numInputs(maAdd, 2),
			validate.SoleConsumer(maMul),
			validate.NonConstInputs(maMul, 2),
			validate.StaticShape(maMul),
			validate.StaticShape(maAdd),
			sameElementwiseShapes,
		),
		build: buildMulAdd,
	}, nil
}

// sameElementwiseShapes checks that all inputs and outputs involved have the same dims, and that
// the addend is not the product itself.
func sameElementwiseShapes(g *ir.Graph, m *matcher.Mapping) error {
	mul, add := m.Node(maMul), m.Node(maAdd)
	addend := otherInput(m, maAdd, maMul)
	if add.ProducerNode(addend) == mul {
		return fusion.NotChangedf("%s adds %s to itself", add, mul)
	}
	want := add.OutputDesc(0)
	for _, d := range []desc.TensorDesc{mul.InputDesc(0), mul.InputDesc(1), mul.OutputDesc(0), add.InputDesc(addend)} {
		if !d.EqualDims(want) || d.DType() != want.DType() {
			return fusion.NotChangedf("%s: shape %s differs from the result %s, broadcasting is not fused", m, d, want)
		}
	}
	return nil
}

func buildMulAdd(g *ir.Graph, m *matcher.Mapping) (*rewrite.Plan, error) {
	mul, add := m.Node(maMul), m.Node(maAdd)
	addend := otherInput(m, maAdd, maMul)
	return &rewrite.Plan{
		Nodes: []ir.NodeSpec{{
			Name:    fusedName(g, m, "FusedMulAdd"),
			Op:      ops.Of(ops.FusedMulAdd),
			Inputs:  []desc.TensorDesc{mul.InputDesc(0), mul.InputDesc(1), add.InputDesc(addend)},
			Outputs: add.OutputDescs(),
		}},
		Inputs: []rewrite.Binding{
			{Matched: rewrite.Slot{Role: maMul, Index: 0}, Replacement: rewrite.Port{Node: 0, Index: 0}},
			{Matched: rewrite.Slot{Role: maMul, Index: 1}, Replacement: rewrite.Port{Node: 0, Index: 1}},
			{Matched: rewrite.Slot{Role: maAdd, Index: addend}, Replacement: rewrite.Port{Node: 0, Index: 2}},
		},
		Outputs: bindOutputs(m, maAdd, 0),
	}, nil
}
