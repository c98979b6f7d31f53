// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package constants extracts the payload of constant nodes and synthesizes new constant tensors
// (lookup tables, coordinate grids) for the replacement nodes of fusion passes.
//
// Synthesis is deterministic: a Generator is a pure function of the requested geometry, filling a
// flat row-major buffer, which Synthesize converts to the requested dtype.
package constants

import (
	"encoding/binary"
	"math"
	"math/bits"

	"github.com/gomlx/fusion/pkg/fusion"
	"github.com/gomlx/fusion/pkg/ir"
	"github.com/gomlx/fusion/pkg/ir/desc"
	"github.com/gomlx/fusion/pkg/ir/tensor"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// Generator fills values (of length equal to the product of dims) in row-major order.
// It returns an error if it can't generate values for the requested dims.
type Generator func(dims []int, values []float64) error

// Synthesize creates a constant tensor of the given shape and dtype with values from gen.
//
// Errors:
//   - Failed: the element count is zero or negative, or the byte length overflows.
//   - ParamInvalid: nil generator or unsupported dtype (only Float16, Float32, Int32 and Int64 are
//     supported).
//   - Whatever gen returns (Failed if it isn't annotated).
func Synthesize(name string, dims []int, dtype dtypes.DType, gen Generator) (*tensor.Tensor, error) {
	if gen == nil {
		return nil, fusion.ParamInvalidf("constants.Synthesize(%q): nil generator", name)
	}
	elementSize := 0
	switch dtype {
	case dtypes.Float16:
		elementSize = 2
	case dtypes.Float32, dtypes.Int32:
		elementSize = 4
	case dtypes.Int64:
		elementSize = 8
	default:
		return nil, fusion.ParamInvalidf("constants.Synthesize(%q): unsupported dtype %s", name, dtype)
	}
	count, err := NumElements(dims)
	if err != nil {
		return nil, err
	}
	if count <= 0 {
		return nil, fusion.Failedf("constants.Synthesize(%q): requested shape %v has %d elements", name, dims, count)
	}
	hi, numBytes := bits.Mul64(uint64(count), uint64(elementSize))
	if hi != 0 || numBytes > math.MaxInt {
		return nil, fusion.Failedf("constants.Synthesize(%q): byte length of %v x %s overflows", name, dims, dtype)
	}

	values := make([]float64, count)
	if err := gen(dims, values); err != nil {
		return nil, errors.WithMessagef(err, "constants.Synthesize(%q)", name)
	}
	data := make([]byte, numBytes)
	for ii, v := range values {
		switch dtype {
		case dtypes.Float16:
			binary.LittleEndian.PutUint16(data[2*ii:], float16.Fromfloat32(float32(v)).Bits())
		case dtypes.Float32:
			binary.LittleEndian.PutUint32(data[4*ii:], math.Float32bits(float32(v)))
		case dtypes.Int32:
			binary.LittleEndian.PutUint32(data[4*ii:], uint32(int32(math.Round(v))))
		case dtypes.Int64:
			binary.LittleEndian.PutUint64(data[8*ii:], uint64(int64(math.Round(v))))
		}
	}
	t, err := tensor.New(name, desc.Make(dtype, dims...), data)
	if err != nil {
		return nil, fusion.WithStatus(fusion.Failed, err)
	}
	return t, nil
}

// NumElements returns the product of dims. It fails for negative (dynamic) dimensions or if the
// product overflows an int.
func NumElements(dims []int) (int, error) {
	count := uint64(1)
	for _, dim := range dims {
		if dim < 0 {
			return 0, fusion.Failedf("dimensions %v: negative or dynamic dimension", dims)
		}
		hi, lo := bits.Mul64(count, uint64(dim))
		if hi != 0 || lo > math.MaxInt {
			return 0, fusion.Failedf("dimensions %v: element count overflows", dims)
		}
		count = lo
	}
	return int(count), nil
}

// Fill generates the same value for every element.
func Fill(value float64) Generator {
	return func(_ []int, values []float64) error {
		for ii := range values {
			values[ii] = value
		}
		return nil
	}
}

// Values generates the given values, in order. It fails if the count doesn't match the shape.
func Values(v ...float64) Generator {
	return func(dims []int, values []float64) error {
		if len(v) != len(values) {
			return fusion.ParamInvalidf("constants.Values(): %d values given for shape %v", len(v), dims)
		}
		copy(values, v)
		return nil
	}
}

// Extract returns the payload of a Const or Constant node.
//
// Errors:
//   - ParamInvalid: nil node.
//   - NotChanged: the node is not a constant producer.
//   - Failed: the node is a constant producer but carries no payload.
func Extract(n *ir.Node) (*tensor.Tensor, error) {
	if n == nil {
		return nil, fusion.ParamInvalidf("constants.Extract(): nil node")
	}
	if !n.IsConst() {
		return nil, fusion.NotChangedf("node %s is not a constant", n)
	}
	v, found := n.Attr(ir.ConstValueAttr)
	if !found {
		return nil, fusion.Failedf("constant node %s has no %q attribute", n, ir.ConstValueAttr)
	}
	t, err := v.AsTensor()
	if err != nil {
		return nil, fusion.WithStatus(fusion.Failed, err)
	}
	if t == nil {
		return nil, fusion.Failedf("constant node %s has a nil payload", n)
	}
	return t, nil
}

// ExtractInts returns the payload of an Int32 or Int64 constant node. Other dtypes return NotChanged.
func ExtractInts(n *ir.Node) ([]int64, error) {
	t, err := Extract(n)
	if err != nil {
		return nil, err
	}
	if t.DType() != dtypes.Int32 && t.DType() != dtypes.Int64 {
		return nil, fusion.NotChangedf("constant node %s has dtype %s, integers required", n, t.DType())
	}
	values, err := t.Int64s()
	if err != nil {
		return nil, fusion.WithStatus(fusion.Failed, err)
	}
	return values, nil
}

// ExtractFloats returns the payload of a Float16 or Float32 constant node. Other dtypes return NotChanged.
func ExtractFloats(n *ir.Node) ([]float32, error) {
	t, err := Extract(n)
	if err != nil {
		return nil, err
	}
	if t.DType() != dtypes.Float16 && t.DType() != dtypes.Float32 {
		return nil, fusion.NotChangedf("constant node %s has dtype %s, floats required", n, t.DType())
	}
	values, err := t.Float32s()
	if err != nil {
		return nil, fusion.WithStatus(fusion.Failed, err)
	}
	return values, nil
}

// ExtractScalarFloat returns the value of a floating point constant node holding exactly one element.
func ExtractScalarFloat(n *ir.Node) (float32, error) {
	values, err := ExtractFloats(n)
	if err != nil {
		return 0, err
	}
	if len(values) != 1 {
		return 0, fusion.NotChangedf("constant node %s has %d elements, a scalar is required", n, len(values))
	}
	return values[0], nil
}

// CombineSeed joins the low and high 32 bits halves of a random seed into a 64 bits seed.
func CombineSeed(lo, hi uint32) int64 {
	return int64(uint64(hi)<<32 | uint64(lo))
}
