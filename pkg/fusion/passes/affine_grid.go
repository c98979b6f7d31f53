// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package passes

import (
	"slices"

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
	"github.com/pkg/errors"
)

const roleGrid pattern.Role = "grid"

// Attributes of AffineGrid nodes.
const (
	AttrSize         = "size"          // Output size [N, C, H, W].
	AttrAlignCorners = "align_corners" // Defaults to false.
)

// NewAffineGrid replaces AffineGrid(theta), with theta shaped [N, 2, 3] and output [N, H, W, 2], by
// a matrix multiplication of a generated base grid of homogeneous coordinates [H*W, 3] with the
// transposed theta, reshaped to the output.
func NewAffineGrid(driver.Env) (driver.Pass, error) {
	p, err := pattern.New(AffineGridFusion).
		AddRole(roleGrid, ops.Of(ops.AffineGrid)).
		SetOutput(roleGrid).
		Build()
	if err != nil {
		return nil, err
	}
	return &pass{
		name:    AffineGridFusion,
		pattern: p,
		check: validate.All(
			validate.Required(roleGrid),
			numInputs(roleGrid, 1),
			validate.StaticShape(roleGrid),
			validate.DType(roleGrid, dtypes.Float16, dtypes.Float32),
			func(g *ir.Graph, m *matcher.Mapping) error {
				_, _, err := gridGeometry(m.Node(roleGrid))
				return err
			},
		),
		build: buildAffineGrid,
	}, nil
}

// gridGeometry returns the output height and width of an AffineGrid node, and whether corners are aligned.
func gridGeometry(grid *ir.Node) (dims []int, alignCorners bool, err error) {
	a := grid.Attrs()
	size, err := a.GetInts(AttrSize)
	if err != nil {
		return nil, false, fusion.WithStatus(fusion.NotChanged, errors.WithMessagef(err, "AffineGrid %s", grid))
	}
	if _, found := a.Get(AttrAlignCorners); found {
		if alignCorners, err = a.GetBool(AttrAlignCorners); err != nil {
			return nil, false, fusion.WithStatus(fusion.NotChanged, errors.WithMessagef(err, "AffineGrid %s", grid))
		}
	}
	if len(size) != 4 || size[2] <= 0 || size[3] <= 0 {
		return nil, false, fusion.NotChangedf("AffineGrid %s: size %v must be [N, C, H, W]", grid, size)
	}
	batch, height, width := int(size[0]), int(size[2]), int(size[3])
	theta, out := grid.InputDesc(0), grid.OutputDesc(0)
	if !slices.Equal(theta.Dims(), []int{batch, 2, 3}) {
		return nil, false, fusion.NotChangedf("AffineGrid %s: theta %s must be [%d, 2, 3]", grid, theta, batch)
	}
	if !slices.Equal(out.Dims(), []int{batch, height, width, 2}) {
		return nil, false, fusion.NotChangedf("AffineGrid %s: output %s must be [%d, %d, %d, 2]", grid, out, batch, height, width)
	}
	if theta.DType() != out.DType() {
		return nil, false, fusion.NotChangedf("AffineGrid %s: theta %s and output %s dtypes differ", grid, theta, out)
	}
	return []int{batch, height, width}, alignCorners, nil
}

func buildAffineGrid(g *ir.Graph, m *matcher.Mapping) (*rewrite.Plan, error) {
	grid := m.Node(roleGrid)
	dims, alignCorners, err := gridGeometry(grid)
	if err != nil {
		return nil, err
	}
	batch, height, width := dims[0], dims[1], dims[2]
	dtype := grid.OutputDesc(0).DType()
	baseName := fusedName(g, m, "base")
	base, err := constants.Synthesize(baseName, []int{height * width, 3}, dtype, constants.AffineGridBase(height, width, alignCorners))
	if err != nil {
		return nil, err
	}
	product := desc.Make(dtype, batch, height*width, 2)
	const (
		baseNode = iota
		matMulNode
		reshapeNode
	)
	return &rewrite.Plan{
		Nodes: []ir.NodeSpec{
			baseNode: ir.ConstSpec(baseName, base),
			matMulNode: {
				Name:    fusedName(g, m, "BatchMatMul"),
				Op:      ops.Of(ops.BatchMatMul),
				Inputs:  []desc.TensorDesc{base.Desc(), grid.InputDesc(0)},
				Outputs: []desc.TensorDesc{product},
				Attrs: attrs.New(
					attrs.Attr{Name: "adj_x", Value: attrs.Bool(false)},
					attrs.Attr{Name: "adj_y", Value: attrs.Bool(true)},
				),
			},
			reshapeNode: {
				Name:    fusedName(g, m, "Reshape"),
				Op:      ops.Of(ops.Reshape),
				Inputs:  []desc.TensorDesc{product},
				Outputs: grid.OutputDescs(),
				Attrs:   attrs.New(attrs.Attr{Name: "shape", Value: attrs.Ints(int64(batch), int64(height), int64(width), 2)}),
			},
		},
		Links: []rewrite.Link{
			{From: rewrite.Port{Node: baseNode}, To: rewrite.Port{Node: matMulNode, Index: 0}},
			{From: rewrite.Port{Node: matMulNode}, To: rewrite.Port{Node: reshapeNode}},
		},
		Inputs:        []rewrite.Binding{{Matched: rewrite.Slot{Role: roleGrid}, Replacement: rewrite.Port{Node: matMulNode, Index: 1}}},
		Outputs:       bindOutputs(m, roleGrid, reshapeNode),
		ControlTarget: reshapeNode,
	}, nil
}
