// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package passes

import (
	"github.com/gomlx/fusion/pkg/fusion"
	"github.com/gomlx/fusion/pkg/fusion/constants"
	"github.com/gomlx/fusion/pkg/fusion/driver"
	"github.com/gomlx/fusion/pkg/fusion/matcher"
	"github.com/gomlx/fusion/pkg/fusion/pattern"
	"github.com/gomlx/fusion/pkg/fusion/platform"
	"github.com/gomlx/fusion/pkg/fusion/rewrite"
	"github.com/gomlx/fusion/pkg/fusion/validate"
	"github.com/gomlx/fusion/pkg/ir"
	"github.com/gomlx/fusion/pkg/ir/attrs"
	"github.com/gomlx/fusion/pkg/ir/desc"
	"github.com/gomlx/fusion/pkg/ir/ops"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

const rolePool pattern.Role = "pool"

// Attributes of AvgPool nodes.
const (
	AttrKernelSize = "ksize"       // [kh, kw]
	AttrStrides    = "strides"     // [sh, sw]
	AttrPads       = "pads"        // [top, bottom, left, right], defaults to 0.
	AttrExclusive  = "exclusive"   // Padding cells are not averaged. Defaults to true.
	AttrCeilMode   = "ceil_mode"   // Defaults to false.
	AttrDataFormat = "data_format" // "NCHW" (default) or "NHWC".
)

// NewAvgPoolAssist replaces half-precision AvgPool(x) by AvgPoolV2(x, table), where table is a
// generated constant with the reciprocal of the number of cells averaged at each output position.
//
// The table must fit the unified buffer (platform.MemoryUB) of one core of the target, which must
// support FP16: without platform information nothing is fused.
func NewAvgPoolAssist(env driver.Env) (driver.Pass, error) {
	p, err := pattern.New(AvgPoolAssistFusion).
		AddRole(rolePool, ops.Of(ops.AvgPool)).
		SetOutput(rolePool).
		Build()
	if err != nil {
		return nil, err
	}
	return &pass{
		name:    AvgPoolAssistFusion,
		pattern: p,
		check: validate.All(
			validate.Required(rolePool),
			numInputs(rolePool, 1),
			validate.DType(rolePool, dtypes.Float16),
			validate.StaticShape(rolePool),
			func(g *ir.Graph, m *matcher.Mapping) error {
				pg, _, err := poolGeometry(m.Node(rolePool))
				if err != nil {
					return err
				}
				return tableFits(env.Platform, pg)(g, m)
			},
		),
		build: buildAvgPoolAssist,
	}, nil
}

// tableFits checks that the platform can hold the half-precision table of the pooling.
func tableFits(info platform.Info, pg constants.PoolGeometry) validate.Check {
	if info == nil {
		return func(*ir.Graph, *matcher.Mapping) error {
			return fusion.NotChangedf("no platform information, AvgPool assist tables are not generated")
		}
	}
	outDims := pg.OutputDims()
	numBytes := int64(outDims[0]) * int64(outDims[1]) * int64(dtypes.Float16.Memory())
	return validate.Platform(info, func(info platform.Info) (bool, error) {
		if !info.Supports(platform.FeatureFP16) {
			klog.V(2).Infof("platform %q doesn't support FP16", info.Name())
			return false, nil
		}
		ub, err := info.MemorySize(platform.MemoryUB)
		if err != nil {
			return false, err
		}
		return numBytes <= ub, nil
	})
}

// poolGeometry reads the geometry of an AvgPool node, and whether it is exclusive.
func poolGeometry(pool *ir.Node) (pg constants.PoolGeometry, exclusive bool, err error) {
	a := pool.Attrs()
	notChanged := func(err error) error {
		return fusion.WithStatus(fusion.NotChanged, errors.WithMessagef(err, "AvgPool %s", pool))
	}
	ksize, err := a.GetInts(AttrKernelSize)
	if err != nil {
		return pg, false, notChanged(err)
	}
	strides, err := a.GetInts(AttrStrides)
	if err != nil {
		return pg, false, notChanged(err)
	}
	pads := []int64{0, 0, 0, 0}
	if _, found := a.Get(AttrPads); found {
		if pads, err = a.GetInts(AttrPads); err != nil {
			return pg, false, notChanged(err)
		}
	}
	if len(ksize) != 2 || len(strides) != 2 || len(pads) != 4 {
		return pg, false, fusion.NotChangedf("AvgPool %s: ksize %v, strides %v and pads %v must have 2, 2 and 4 values",
			pool, ksize, strides, pads)
	}
	exclusive = true
	if _, found := a.Get(AttrExclusive); found {
		if exclusive, err = a.GetBool(AttrExclusive); err != nil {
			return pg, false, notChanged(err)
		}
	}
	if _, found := a.Get(AttrCeilMode); found {
		if pg.CeilMode, err = a.GetBool(AttrCeilMode); err != nil {
			return pg, false, notChanged(err)
		}
	}
	format := "NCHW"
	if _, found := a.Get(AttrDataFormat); found {
		if format, err = a.GetString(AttrDataFormat); err != nil {
			return pg, false, notChanged(err)
		}
	}
	in, out := pool.InputDesc(0), pool.OutputDesc(0)
	if in.Rank() != 4 || out.Rank() != 4 {
		return pg, false, fusion.NotChangedf("AvgPool %s: rank-4 input and output required", pool)
	}
	hAxis, wAxis := 2, 3
	switch format {
	case "NCHW":
	case "NHWC":
		hAxis, wAxis = 1, 2
	default:
		return pg, false, fusion.NotChangedf("AvgPool %s: data format %q not supported", pool, format)
	}
	pg.InputH, pg.InputW = in.Dim(hAxis), in.Dim(wAxis)
	pg.KernelH, pg.KernelW = int(ksize[0]), int(ksize[1])
	pg.StrideH, pg.StrideW = int(strides[0]), int(strides[1])
	pg.PadTop, pg.PadBottom, pg.PadLeft, pg.PadRight = int(pads[0]), int(pads[1]), int(pads[2]), int(pads[3])
	if err = pg.Validate(); err != nil {
		return pg, false, err
	}
	if outDims := pg.OutputDims(); outDims[0] != out.Dim(hAxis) || outDims[1] != out.Dim(wAxis) {
		return pg, false, fusion.NotChangedf("AvgPool %s: output %s doesn't match the pooling output %v", pool, out, outDims)
	}
	return pg, exclusive, nil
}

func buildAvgPoolAssist(g *ir.Graph, m *matcher.Mapping) (*rewrite.Plan, error) {
	pool := m.Node(rolePool)
	pg, exclusive, err := poolGeometry(pool)
	if err != nil {
		return nil, err
	}
	tableName := fusedName(g, m, "assist")
	table, err := constants.Synthesize(tableName, pg.OutputDims(), dtypes.Float16, constants.AvgPoolTable(pg, exclusive))
	if err != nil {
		return nil, err
	}
	a := pool.Attrs()
	a.Set(AttrExclusive, attrs.Bool(exclusive))
	return &rewrite.Plan{
		Nodes: []ir.NodeSpec{
			{
				Name:    fusedName(g, m, "AvgPoolV2"),
				Op:      ops.Of(ops.AvgPoolV2),
				Inputs:  []desc.TensorDesc{pool.InputDesc(0), table.Desc()},
				Outputs: pool.OutputDescs(),
				Attrs:   a,
			},
			ir.ConstSpec(tableName, table),
		},
		Links:   []rewrite.Link{{From: rewrite.Port{Node: 1}, To: rewrite.Port{Node: 0, Index: 1}}},
		Inputs:  []rewrite.Binding{{Matched: rewrite.Slot{Role: rolePool}, Replacement: rewrite.Port{}}},
		Outputs: bindOutputs(m, rolePool, 0),
	}, nil
}
