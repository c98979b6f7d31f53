// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package passes implements the fusion passes run by the driver.
//
// Each pass is a pattern, a validation (see package validate) and a builder of the rewrite.Plan
// that replaces the matched nodes. Use Register to add all of them to a driver.Registry: the
// registration order is the default run order, and passes that depend on the output of other
// passes (e.g.: L2NormalizeFusion matches the ReduceSumD created by ReduceSumConstToAttr) are
// registered after them.
package passes

import (
	"github.com/gomlx/fusion/pkg/fusion/driver"
	"github.com/gomlx/fusion/pkg/fusion/matcher"
	"github.com/gomlx/fusion/pkg/fusion/pattern"
	"github.com/gomlx/fusion/pkg/fusion/rewrite"
	"github.com/gomlx/fusion/pkg/fusion/validate"
	"github.com/gomlx/fusion/pkg/ir"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
)

// Names of the registered passes.
const (
	ReduceSumConstToAttr  = "ReduceSumConstToAttr"
	ReduceMeanConstToAttr = "ReduceMeanConstToAttr"
	TransposeConstToAttr  = "TransposeConstToAttr"
	TileConstToAttr       = "TileConstToAttr"
	L2NormalizeFusion     = "L2NormalizeFusion"
	MulAddFusion          = "MulAddFusion"
	AvgPoolAssistFusion   = "AvgPoolAssistFusion"
	AffineGridFusion      = "AffineGridFusion"
	RandomSeedFusion      = "RandomSeedFusion"
)

type registration struct {
	name     string
	category driver.Category
	factory  driver.Factory
}

var all = []registration{
	{ReduceSumConstToAttr, driver.BuiltIn, NewReduceSumConstToAttr},
	{ReduceMeanConstToAttr, driver.BuiltIn, NewReduceMeanConstToAttr},
	{TransposeConstToAttr, driver.BuiltIn, NewTransposeConstToAttr},
	{TileConstToAttr, driver.BuiltIn, NewTileConstToAttr},
	{L2NormalizeFusion, driver.BuiltIn, NewL2Normalize},
	{MulAddFusion, driver.BuiltIn, NewMulAdd},
	{AvgPoolAssistFusion, driver.BuiltIn, NewAvgPoolAssist},
	{AffineGridFusion, driver.BuiltIn, NewAffineGrid},
	{RandomSeedFusion, driver.Experimental, NewRandomSeed},
}

// Register adds all passes of the package to reg.
func Register(reg *driver.Registry) error {
	for _, r := range all {
		if err := reg.Register(r.name, r.category, r.factory); err != nil {
			return errors.WithMessage(err, "passes.Register()")
		}
	}
	return nil
}

// NewRegistry returns a registry with all passes of the package.
func NewRegistry() *driver.Registry {
	reg := driver.NewRegistry()
	// Only fails with duplicate names in the table above.
	must.M(Register(reg))
	return reg
}

// pass implements driver.Pass with functions.
type pass struct {
	name    string
	pattern *pattern.Pattern
	check   validate.Check
	build   func(g *ir.Graph, m *matcher.Mapping) (*rewrite.Plan, error)
}

var _ driver.Pass = (*pass)(nil)

func (p *pass) Name() string              { return p.name }
func (p *pass) Pattern() *pattern.Pattern { return p.pattern }

func (p *pass) Validate(g *ir.Graph, m *matcher.Mapping) error {
	return p.check(g, m)
}

func (p *pass) Build(g *ir.Graph, m *matcher.Mapping) (*rewrite.Plan, error) {
	return p.build(g, m)
}

// fusedName returns a free node name derived from the anchor of the Mapping.
// Different suffixes must be used for the nodes of one Plan.
func fusedName(g *ir.Graph, m *matcher.Mapping, suffix string) string {
	return g.UniqueName(m.Anchor().Name() + "/" + suffix)
}

// bindOutputs binds all outputs of the node bound to role to the same outputs of the replacement
// node #replacement.
func bindOutputs(m *matcher.Mapping, role pattern.Role, replacement int) []rewrite.Binding {
	n := m.Node(role)
	bindings := make([]rewrite.Binding, n.NumOutputs())
	for idx := range bindings {
		bindings[idx] = rewrite.Binding{
			Matched:     rewrite.Slot{Role: role, Index: idx},
			Replacement: rewrite.Port{Node: replacement, Index: idx},
		}
	}
	return bindings
}

// otherInput returns the input slot of the binary node bound to consumer that is not fed by the
// node bound to producer.
func otherInput(m *matcher.Mapping, consumer, producer pattern.Role) int {
	slot, _ := m.InputSlot(consumer, producer)
	return 1 - slot
}

// keepShared returns the roles, among the given constant roles, whose nodes have consumers
// outside of the Mapping: they must be kept by the rewrite.
func keepShared(m *matcher.Mapping, roles ...pattern.Role) []pattern.Role {
	var keep []pattern.Role
	for _, role := range roles {
		n := m.Node(role)
		for idx := range n.NumOutputs() {
			shared := false
			for _, dst := range n.Consumers(idx) {
				if !m.Has(dst.Node) {
					shared = true
					break
				}
			}
			if shared {
				keep = append(keep, role)
				break
			}
		}
	}
	return keep
}
