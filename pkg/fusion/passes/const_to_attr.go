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

// Roles of the ConstToAttr patterns.
const (
	roleOp    pattern.Role = "op"
	roleConst pattern.Role = "const"
)

// newConstToAttr returns a pass that replaces op(x, Const) by target(x) with the constant values
// as the attribute attrName. The constant is removed, unless it has other consumers.
func newConstToAttr(name string, op, target ops.Type, attrName string) (driver.Pass, error) {
	p, err := pattern.New(name).
		AddRole(roleConst, ops.Of(ops.Const), ops.Of(ops.Constant)).
		AddRole(roleOp, ops.Of(op)).
		ConnectInput(roleOp, 1, roleConst).
		SetOutput(roleOp).
		Build()
	if err != nil {
		return nil, err
	}
	return &pass{
		name:    name,
		pattern: p,
		check: validate.All(
			validate.Required(roleOp, roleConst),
			numInputs(roleOp, 2),
			validate.ConstExtractable(roleConst, dtypes.Int32, dtypes.Int64),
		),
		build: func(g *ir.Graph, m *matcher.Mapping) (*rewrite.Plan, error) {
			values, err := constants.ExtractInts(m.Node(roleConst))
			if err != nil {
				return nil, err
			}
			node := m.Node(roleOp)
			a := node.Attrs()
			a.Set(attrName, attrs.Ints(values...))
			return &rewrite.Plan{
				Nodes: []ir.NodeSpec{{
					Name:    fusedName(g, m, target.String()),
					Op:      ops.Of(target),
					Inputs:  []desc.TensorDesc{node.InputDesc(0)},
					Outputs: node.OutputDescs(),
					Attrs:   a,
				}},
				Inputs:  []rewrite.Binding{{Matched: rewrite.Slot{Role: roleOp, Index: 0}, Replacement: rewrite.Port{}}},
				Outputs: bindOutputs(m, roleOp, 0),
				Drop:    []rewrite.Slot{{Role: roleOp, Index: 1}},
				Keep:    keepShared(m, roleConst),
			}, nil
		},
	}, nil
}

// numInputs checks that the node bound to role has n inputs, all connected.
func numInputs(role pattern.Role, n int) validate.Check {
	return func(g *ir.Graph, m *matcher.Mapping) error {
		nd := m.Node(role)
		if nd.NumInputs() != n {
			return fusion.NotChangedf("%s (%q) has %d inputs, %d required", nd, role, nd.NumInputs(), n)
		}
		for idx := range n {
			if _, found := nd.Producer(idx); !found {
				return fusion.NotChangedf("%s (%q) input #%d is not connected", nd, role, idx)
			}
		}
		return nil
	}
}

// NewReduceSumConstToAttr folds the constant axes of ReduceSum into ReduceSumD{axes}.
func NewReduceSumConstToAttr(driver.Env) (driver.Pass, error) {
	return newConstToAttr(ReduceSumConstToAttr, ops.ReduceSum, ops.ReduceSumD, "axes")
}

// NewReduceMeanConstToAttr folds the constant axes of ReduceMean into ReduceMeanD{axes}.
func NewReduceMeanConstToAttr(driver.Env) (driver.Pass, error) {
	return newConstToAttr(ReduceMeanConstToAttr, ops.ReduceMean, ops.ReduceMeanD, "axes")
}

// NewTransposeConstToAttr folds the constant permutation of Transpose into TransposeD{perm}.
func NewTransposeConstToAttr(driver.Env) (driver.Pass, error) {
	return newConstToAttr(TransposeConstToAttr, ops.Transpose, ops.TransposeD, "perm")
}

// NewTileConstToAttr folds the constant multiples of Tile into TileD{multiples}.
func NewTileConstToAttr(driver.Env) (driver.Pass, error) {
	return newConstToAttr(TileConstToAttr, ops.Tile, ops.TileD, "multiples")
}
