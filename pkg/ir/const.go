// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package ir

import (
	"github.com/gomlx/fusion/pkg/ir/attrs"
	"github.com/gomlx/fusion/pkg/ir/desc"
	"github.com/gomlx/fusion/pkg/ir/ops"
	"github.com/gomlx/fusion/pkg/ir/tensor"
)

// ConstValueAttr is the name of the tensor attribute holding the payload of Const nodes.
const ConstValueAttr = "value"

// ConstSpec returns the NodeSpec of a Const node exposing t as its only output.
// If name is empty, the tensor name is used.
func ConstSpec(name string, t *tensor.Tensor) NodeSpec {
	if name == "" {
		name = t.Name()
	}
	return NodeSpec{
		Name:    name,
		Op:      ops.Of(ops.Const),
		Outputs: []desc.TensorDesc{t.Desc()},
		Attrs:   attrs.New(attrs.Attr{Name: ConstValueAttr, Value: attrs.Tensor(t)}),
	}
}

// IsConst returns whether the node is a constant producer ("Const" or "Constant").
func (n *Node) IsConst() bool { return n.op.IsConst() }
