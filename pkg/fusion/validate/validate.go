// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package validate holds the generic preconditions fusion passes check on a matched Mapping
// before rewriting it.
//
// A Check returns nil if the Mapping qualifies, or an error annotated with a fusion.Status:
// NotChanged if the Mapping simply doesn't qualify (the pass moves on), Failed if an invariant the
// pass relies on doesn't hold, and ParamInvalid if the Mapping itself is malformed. Checks never
// mutate the graph.
package validate

import (
	"slices"

	"github.com/gomlx/fusion/pkg/fusion"
	"github.com/gomlx/fusion/pkg/fusion/constants"
	"github.com/gomlx/fusion/pkg/fusion/matcher"
	"github.com/gomlx/fusion/pkg/fusion/pattern"
	"github.com/gomlx/fusion/pkg/fusion/platform"
	"github.com/gomlx/fusion/pkg/ir"
	"github.com/gomlx/gopjrt/dtypes"
	"k8s.io/klog/v2"
)

// Check is one precondition on a Mapping.
type Check func(g *ir.Graph, m *matcher.Mapping) error

// MaxFoldElements is the largest constant ConstExtractable accepts to fold into attributes.
const MaxFoldElements = 1 << 16

// FoldableDTypes are the dtypes accepted by ConstExtractable by default.
var FoldableDTypes = []dtypes.DType{dtypes.Int32, dtypes.Int64, dtypes.Float32, dtypes.Float16}

// All runs the checks in order, returning the first error.
func All(checks ...Check) Check {
	return func(g *ir.Graph, m *matcher.Mapping) error {
		for _, check := range checks {
			if err := check(g, m); err != nil {
				return err
			}
		}
		return nil
	}
}

// Run runs the check and classifies its result. NotChanged reasons are logged at verbosity 2.
func Run(g *ir.Graph, m *matcher.Mapping, check Check) fusion.Status {
	err := check(g, m)
	status := fusion.StatusOf(err)
	if status == fusion.NotChanged && klog.V(2).Enabled() {
		klog.Infof("validate: %s not changed: %v", m, err)
	}
	return status
}

// node returns the node bound to role, or a ParamInvalid error.
func node(g *ir.Graph, m *matcher.Mapping, role pattern.Role) (*ir.Node, error) {
	if g == nil || m == nil {
		return nil, fusion.ParamInvalidf("validate: nil graph or mapping")
	}
	n := m.Node(role)
	if n == nil {
		return nil, fusion.ParamInvalidf("validate: role %q not bound in %s", role, m)
	}
	if !g.Has(n) {
		return nil, fusion.ParamInvalidf("validate: node %s bound to %q is not in graph %q", n, role, g.Name())
	}
	return n, nil
}

// Required checks that all the given roles are bound to nodes of the graph (ParamInvalid otherwise).
func Required(roles ...pattern.Role) Check {
	return func(g *ir.Graph, m *matcher.Mapping) error {
		for _, role := range roles {
			if _, err := node(g, m, role); err != nil {
				return err
			}
		}
		return nil
	}
}

// FanOut checks that the node bound to role has exactly n data consumers (over all its outputs).
func FanOut(role pattern.Role, n int) Check {
	return func(g *ir.Graph, m *matcher.Mapping) error {
		nd, err := node(g, m, role)
		if err != nil {
			return err
		}
		if count := nd.NumConsumers(); count != n {
			return fusion.NotChangedf("%s (%q) has %d consumers, %d required", nd, role, count, n)
		}
		return nil
	}
}

// SoleConsumer checks that the nodes bound to each of the roles have exactly one consumer:
// their outputs are not shared elsewhere in the graph.
func SoleConsumer(roles ...pattern.Role) Check {
	checks := make([]Check, len(roles))
	for ii, role := range roles {
		checks[ii] = FanOut(role, 1)
	}
	return All(checks...)
}

// NonConstInputs checks that exactly k of the inputs of the node bound to role are fed by
// non-constant producers.
func NonConstInputs(role pattern.Role, k int) Check {
	return func(g *ir.Graph, m *matcher.Mapping) error {
		nd, err := node(g, m, role)
		if err != nil {
			return err
		}
		var count int
		for idx := range nd.NumInputs() {
			if producer := nd.ProducerNode(idx); producer != nil && !producer.IsConst() {
				count++
			}
		}
		if count != k {
			return fusion.NotChangedf("%s (%q) has %d non-constant inputs, %d required", nd, role, count, k)
		}
		return nil
	}
}

// SameNode checks that two roles resolve to the same node by identity (id, name and kind).
func SameNode(roleA, roleB pattern.Role) Check {
	return func(g *ir.Graph, m *matcher.Mapping) error {
		a, err := node(g, m, roleA)
		if err != nil {
			return err
		}
		b, err := node(g, m, roleB)
		if err != nil {
			return err
		}
		if !a.SameAs(b) {
			return fusion.NotChangedf("%q is %s and %q is %s, the same node is required", roleA, a, roleB, b)
		}
		return nil
	}
}

// SameProducer checks that input slotA of the node bound to roleA and input slotB of the node bound
// to roleB are fed by the same output port: the same node and the same output index.
func SameProducer(roleA pattern.Role, slotA int, roleB pattern.Role, slotB int) Check {
	return func(g *ir.Graph, m *matcher.Mapping) error {
		a, err := node(g, m, roleA)
		if err != nil {
			return err
		}
		b, err := node(g, m, roleB)
		if err != nil {
			return err
		}
		if slotA >= a.NumInputs() || slotB >= b.NumInputs() {
			return fusion.NotChangedf("%s or %s doesn't have the inputs #%d / #%d", a, b, slotA, slotB)
		}
		pa, okA := a.Producer(slotA)
		pb, okB := b.Producer(slotB)
		if !okA || !okB || !pa.Node.SameAs(pb.Node) || pa.Index != pb.Index {
			return fusion.NotChangedf("%s:%d and %s:%d are not fed by the same output, the same producer port is required",
				a.Name(), slotA, b.Name(), slotB)
		}
		return nil
	}
}

// ConstExtractable checks that the node bound to role is a constant producer with a decodable
// payload of one of the accepted dtypes (FoldableDTypes if none given), static shape and at most
// MaxFoldElements elements.
//
// A constant node without payload is an invariant violation (Failed); anything else that doesn't
// qualify is NotChanged.
func ConstExtractable(role pattern.Role, accepted ...dtypes.DType) Check {
	if len(accepted) == 0 {
		accepted = FoldableDTypes
	}
	return func(g *ir.Graph, m *matcher.Mapping) error {
		nd, err := node(g, m, role)
		if err != nil {
			return err
		}
		t, err := constants.Extract(nd)
		if err != nil {
			return err
		}
		if !slices.Contains(accepted, t.DType()) {
			return fusion.NotChangedf("constant %s (%q) has dtype %s, accepted dtypes are %v", nd, role, t.DType(), accepted)
		}
		if t.NumElements() > MaxFoldElements {
			return fusion.NotChangedf("constant %s (%q) has %d elements, more than the %d that can be folded",
				nd, role, t.NumElements(), MaxFoldElements)
		}
		return nil
	}
}

// Platform checks a capability of the target: fn is called with info and must return true for
// the Mapping to qualify. Errors of the query are NotChanged: when in doubt, don't fuse.
func Platform(info platform.Info, fn func(info platform.Info) (bool, error)) Check {
	return func(g *ir.Graph, m *matcher.Mapping) error {
		if info == nil {
			return fusion.ParamInvalidf("validate.Platform(): no platform info given")
		}
		ok, err := fn(info)
		if err != nil {
			return fusion.NotChangedf("platform %q query failed: %v", info.Name(), err)
		}
		if !ok {
			return fusion.NotChangedf("platform %q doesn't support the fusion of %s", info.Name(), m)
		}
		return nil
	}
}

// StaticShape checks that all the inputs and outputs of the node bound to role have a static shape.
func StaticShape(role pattern.Role) Check {
	return func(g *ir.Graph, m *matcher.Mapping) error {
		nd, err := node(g, m, role)
		if err != nil {
			return err
		}
		for _, d := range append(nd.InputDescs(), nd.OutputDescs()...) {
			if d.IsDynamic() {
				return fusion.NotChangedf("%s (%q) has dynamic shape %s", nd, role, d)
			}
		}
		return nil
	}
}

// DType checks that the output #0 of the node bound to role has one of the given dtypes.
func DType(role pattern.Role, accepted ...dtypes.DType) Check {
	return func(g *ir.Graph, m *matcher.Mapping) error {
		nd, err := node(g, m, role)
		if err != nil {
			return err
		}
		if nd.NumOutputs() == 0 {
			return fusion.NotChangedf("%s (%q) has no outputs", nd, role)
		}
		if dtype := nd.OutputDesc(0).DType(); !slices.Contains(accepted, dtype) {
			return fusion.NotChangedf("%s (%q) has dtype %s, accepted dtypes are %v", nd, role, dtype, accepted)
		}
		return nil
	}
}

// SameShapes checks that the output #0 of the nodes bound to the roles all have the same static dims.
func SameShapes(roles ...pattern.Role) Check {
	return func(g *ir.Graph, m *matcher.Mapping) error {
		var first *ir.Node
		for _, role := range roles {
			nd, err := node(g, m, role)
			if err != nil {
				return err
			}
			if nd.NumOutputs() == 0 || nd.OutputDesc(0).IsDynamic() {
				return fusion.NotChangedf("%s (%q) has no static output shape", nd, role)
			}
			if first == nil {
				first = nd
				continue
			}
			if !nd.OutputDesc(0).EqualDims(first.OutputDesc(0)) {
				return fusion.NotChangedf("%s has shape %s and %s has shape %s", first, first.OutputDesc(0), nd, nd.OutputDesc(0))
			}
		}
		return nil
	}
}

// AttrInRange checks that the int attribute name of the node bound to role is within [lo, hi].
// A missing attribute doesn't qualify.
func AttrInRange(role pattern.Role, name string, lo, hi int64) Check {
	return func(g *ir.Graph, m *matcher.Mapping) error {
		nd, err := node(g, m, role)
		if err != nil {
			return err
		}
		a := nd.Attrs()
		v, err := a.GetInt(name)
		if err != nil {
			return fusion.NotChangedf("%s (%q): %v", nd, role, err)
		}
		if v < lo || v > hi {
			return fusion.NotChangedf("%s (%q) attribute %q=%d out of range [%d, %d]", nd, role, name, v, lo, hi)
		}
		return nil
	}
}
