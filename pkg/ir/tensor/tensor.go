// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package tensor implements Tensor, the immutable constant payload attached to Const nodes
// (and to tensor attributes) of the IR.
//
// The payload is stored as a flat little-endian byte buffer, in row-major order over the
// dimensions of its desc.TensorDesc.
package tensor

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"slices"

	"github.com/gomlx/fusion/pkg/ir/desc"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// Tensor is an immutable named constant value.
type Tensor struct {
	name string
	desc desc.TensorDesc
	data []byte
}

// Value constrains the Go types that can be converted to and from a Tensor.
type Value interface {
	int32 | int64 | float32 | float16.Float16
}

// New returns a Tensor with a copy of the given data. The data length must match the
// size of the descriptor, which can't be dynamic.
func New(name string, d desc.TensorDesc, data []byte) (*Tensor, error) {
	size, err := d.Size()
	if err != nil {
		return nil, errors.WithMessagef(err, "tensor %q", name)
	}
	elementSize := int(d.DType().Memory())
	if elementSize == 0 {
		return nil, errors.Errorf("tensor %q: dtype %s has no fixed element size", name, d.DType())
	}
	if len(data) != size*elementSize {
		return nil, errors.Errorf("tensor %q: %s requires %d bytes, got %d", name, d, size*elementSize, len(data))
	}
	return &Tensor{name: name, desc: d, data: slices.Clone(data)}, nil
}

// FromValues creates a Tensor from a flat slice of values with the given dimensions.
func FromValues[T Value](name string, dims []int, values []T) (*Tensor, error) {
	dtype := dtypeOf[T]()
	d := desc.Make(dtype, dims...)
	buf := bytes.NewBuffer(make([]byte, 0, len(values)*int(dtype.Memory())))
	if err := binary.Write(buf, binary.LittleEndian, values); err != nil {
		return nil, errors.Wrapf(err, "encoding tensor %q", name)
	}
	return New(name, d, buf.Bytes())
}

// Scalar creates a scalar Tensor.
func Scalar[T Value](name string, value T) *Tensor {
	return must.M1(FromValues(name, nil, []T{value}))
}

func dtypeOf[T Value]() dtypes.DType {
	var v T
	switch any(v).(type) {
	case int32:
		return dtypes.Int32
	case int64:
		return dtypes.Int64
	case float32:
		return dtypes.Float32
	case float16.Float16:
		return dtypes.Float16
	}
	return dtypes.InvalidDType
}

// Name of the tensor.
func (t *Tensor) Name() string { return t.name }

// Desc returns the tensor descriptor.
func (t *Tensor) Desc() desc.TensorDesc { return t.desc }

// DType of the elements.
func (t *Tensor) DType() dtypes.DType { return t.desc.DType() }

// NumBytes of the payload.
func (t *Tensor) NumBytes() int { return len(t.data) }

// NumElements of the tensor.
func (t *Tensor) NumElements() int {
	size, _ := t.desc.Size()
	return size
}

// Bytes returns a copy of the payload.
func (t *Tensor) Bytes() []byte { return slices.Clone(t.data) }

// Equal returns whether both tensors have the same descriptor and payload. Names are not compared.
func (t *Tensor) Equal(t2 *Tensor) bool {
	if t == nil || t2 == nil {
		return t == t2
	}
	return t.desc.Equal(t2.desc) && bytes.Equal(t.data, t2.data)
}

// Int64s decodes an integer tensor (Int32 or Int64) as int64 values.
func (t *Tensor) Int64s() ([]int64, error) {
	switch t.DType() {
	case dtypes.Int32:
		values, err := decode[int32](t)
		if err != nil {
			return nil, err
		}
		out := make([]int64, len(values))
		for ii, v := range values {
			out[ii] = int64(v)
		}
		return out, nil
	case dtypes.Int64:
		return decode[int64](t)
	default:
		return nil, errors.Errorf("tensor %q: cannot decode %s as integers", t.name, t.DType())
	}
}

// Float32s decodes a floating point tensor (Float16 or Float32) as float32 values.
func (t *Tensor) Float32s() ([]float32, error) {
	switch t.DType() {
	case dtypes.Float16:
		values, err := decode[float16.Float16](t)
		if err != nil {
			return nil, err
		}
		out := make([]float32, len(values))
		for ii, v := range values {
			out[ii] = v.Float32()
		}
		return out, nil
	case dtypes.Float32:
		return decode[float32](t)
	default:
		return nil, errors.Errorf("tensor %q: cannot decode %s as floats", t.name, t.DType())
	}
}

func decode[T Value](t *Tensor) ([]T, error) {
	values := make([]T, t.NumElements())
	if err := binary.Read(bytes.NewReader(t.data), binary.LittleEndian, values); err != nil {
		return nil, errors.Wrapf(err, "decoding tensor %q", t.name)
	}
	return values, nil
}

// String pretty-prints the tensor, with up to maxValuesToPrint values.
func (t *Tensor) String() string {
	if t == nil {
		return "<nil tensor>"
	}
	var values any
	var err error
	if t.DType().IsFloat() {
		values, err = t.Float32s()
	} else {
		values, err = t.Int64s()
	}
	if err != nil {
		return fmt.Sprintf("%s%s<%d bytes>", t.name, t.desc, len(t.data))
	}
	return fmt.Sprintf("%s%s%s", t.name, t.desc, truncate(values))
}

const maxValuesToPrint = 8

func truncate(values any) string {
	switch v := values.(type) {
	case []int64:
		if len(v) > maxValuesToPrint {
			return fmt.Sprintf("%v...", v[:maxValuesToPrint])
		}
		return fmt.Sprintf("%v", v)
	case []float32:
		if len(v) > maxValuesToPrint {
			return fmt.Sprintf("%v...", v[:maxValuesToPrint])
		}
		return fmt.Sprintf("%v", v)
	}
	return ""
}

// Float16Bits converts float32 values to half-precision, returning the raw payload bytes.
// Values outside the float16 range saturate to infinities, NaN is preserved.
func Float16Bits(values []float32) []byte {
	out := make([]byte, 2*len(values))
	for ii, v := range values {
		binary.LittleEndian.PutUint16(out[2*ii:], float16.Fromfloat32(v).Bits())
	}
	return out
}

// Float32Bits returns the little-endian payload of float32 values.
func Float32Bits(values []float32) []byte {
	out := make([]byte, 4*len(values))
	for ii, v := range values {
		binary.LittleEndian.PutUint32(out[4*ii:], math.Float32bits(v))
	}
	return out
}
