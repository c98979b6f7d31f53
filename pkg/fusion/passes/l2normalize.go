// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package passes

import (
	"github.com/gomlx/fusion/pkg/fusion"
	"github.com/gomlx/fusion/pkg/fusion/constants"
	"github.com/gomlx/fusion/pkg/fusion/driver"
	"github.com/gomlx/fusion/pkg/fusion/matcher"
	"github.com/gomlx/fusion/pkg/fusion/pattern"
	"github.com/gomlx/fusion/pkg/fusion/rewrite"
	"github.com/gomlx/fusion/pkg/fusion/validate"
	"github.com/gomlx/fusion/pkg/ir"
	"github.com/gomlx/fusion/pkg/ir/attrs"
	"github.com/gomlx/fusion/pkg/ir/desc"
	"github.com/gomlx/fusion/pkg/ir/ops"
	"github.com/gomlx/gopjrt/dtypes"
)

// Roles of the L2Normalize pattern:
//
//	x * Rsqrt(Maximum(ReduceSumD(Square(x)), eps))
const (
	l2Square pattern.Role = "square"
	l2Sum    pattern.Role = "sum"
	l2Eps    pattern.Role = "eps"
	l2Max    pattern.Role = "max"
	l2Rsqrt  pattern.Role = "rsqrt"
	l2Mul    pattern.Role = "mul"
)

// NewL2Normalize fuses x * Rsqrt(Maximum(ReduceSumD(Square(x)), eps)) into L2Normalize{axes, eps}(x).
//
// The ReduceSumD is created by ReduceSumConstToAttr, so this pass runs after it.
func NewL2Normalize(driver.Env) (driver.Pass, error) {
	p, err := pattern.New(L2NormalizeFusion).
		AddRole(l2Square, ops.Of(ops.Square)).
		AddRole(l2Sum, ops.Of(ops.ReduceSumD)).
		AddRole(l2Eps, ops.Of(ops.Const), ops.Of(ops.Constant)).
		AddRole(l2Max, ops.Of(ops.Maximum)).
		AddRole(l2Rsqrt, ops.Of(ops.Rsqrt)).
		AddRole(l2Mul, ops.Of(ops.Mul)).
		Connect(l2Mul, l2Rsqrt).
		Connect(l2Rsqrt, l2Max).
		Connect(l2Max, l2Sum).
		Connect(l2Max, l2Eps).
		Connect(l2Sum, l2Square).
		SetOutput(l2Mul).
		Build()
	if err != nil {
		return nil, err
	}
	return &pass{
		name:    L2NormalizeFusion,
		pattern: p,
		check: validate.All(
			validate.Required(l2Square, l2Sum, l2Eps, l2Max, l2Rsqrt, l2Mul),
			numInputs(l2Square, 1),
			numInputs(l2Sum, 1),
			numInputs(l2Max, 2),
			numInputs(l2Rsqrt, 1),
			numInputs(l2Mul, 2),
			validate.SoleConsumer(l2Square, l2Sum, l2Max, l2Rsqrt),
			validate.DType(l2Mul, dtypes.Float16, dtypes.Float32),
			validate.ConstExtractable(l2Eps, dtypes.Float16, dtypes.Float32),
			sameNormalizedInput,
		),
		build: buildL2Normalize,
	}, nil
}

// sameNormalizedInput checks that the Square and the Mul read the same tensor x.
func sameNormalizedInput(g *ir.Graph, m *matcher.Mapping) error {
	return validate.SameProducer(l2Square, 0, l2Mul, otherInput(m, l2Mul, l2Rsqrt))(g, m)
}

func buildL2Normalize(g *ir.Graph, m *matcher.Mapping) (*rewrite.Plan, error) {
	eps, err := constants.ExtractScalarFloat(m.Node(l2Eps))
	if err != nil {
		return nil, err
	}
	sum := m.Node(l2Sum)
	sumAttrs := sum.Attrs()
	axes, err := sumAttrs.GetInts("axes")
	if err != nil {
		return nil, fusion.WithStatus(fusion.NotChanged, err)
	}
	mul := m.Node(l2Mul)
	xSlot := otherInput(m, l2Mul, l2Rsqrt)
	plan := &rewrite.Plan{
		Nodes: []ir.NodeSpec{{
			Name:    fusedName(g, m, "L2Normalize"),
			Op:      ops.Of(ops.L2Normalize),
			Inputs:  []desc.TensorDesc{mul.InputDesc(xSlot)},
			Outputs: mul.OutputDescs(),
			Attrs: attrs.New(
				attrs.Attr{Name: "axes", Value: attrs.Ints(axes...)},
				attrs.Attr{Name: "eps", Value: attrs.Float(eps)},
			),
		}},
		// x is consumed by both the Square and the Mul: both are bound to the single input.
		Inputs: []rewrite.Binding{
			{Matched: rewrite.Slot{Role: l2Square, Index: 0}, Replacement: rewrite.Port{}},
			{Matched: rewrite.Slot{Role: l2Mul, Index: xSlot}, Replacement: rewrite.Port{}},
		},
		Outputs: bindOutputs(m, l2Mul, 0),
		Keep:    keepShared(m, l2Eps),
	}
	if len(plan.Keep) > 0 {
		epsSlot, _ := m.InputSlot(l2Max, l2Eps)
		plan.Drop = append(plan.Drop, rewrite.Slot{Role: l2Max, Index: epsSlot})
	}
	return plan, nil
}
