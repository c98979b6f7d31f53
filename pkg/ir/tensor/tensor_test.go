// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tensor

import (
	"testing"

	"github.com/gomlx/fusion/pkg/ir/desc"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"
)

func TestFromValues(t *testing.T) {
	axes, err := FromValues("axes", []int{2}, []int32{1, -1})
	require.NoError(t, err)
	assert.Equal(t, dtypes.Int32, axes.DType())
	assert.Equal(t, 8, axes.NumBytes())
	assert.Equal(t, 2, axes.NumElements())
	ints, err := axes.Int64s()
	require.NoError(t, err)
	assert.Equal(t, []int64{1, -1}, ints)
	_, err = axes.Float32s()
	require.Error(t, err)

	// Wrong number of values for the dimensions.
	_, err = FromValues("bad", []int{3}, []int32{1, 2})
	require.Error(t, err)

	half, err := FromValues("half", []int{2, 2}, []float16.Float16{
		float16.Fromfloat32(1), float16.Fromfloat32(0.5), float16.Fromfloat32(0.25), float16.Fromfloat32(-2)})
	require.NoError(t, err)
	floats, err := half.Float32s()
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 0.5, 0.25, -2}, floats)
	assert.Equal(t, Float16Bits(floats), half.Bytes())

	s := Scalar("eps", float32(1e-12))
	assert.True(t, s.Desc().IsScalar())
	assert.Equal(t, Float32Bits([]float32{1e-12}), s.Bytes())
}

func TestNew(t *testing.T) {
	_, err := New("dyn", desc.Make(dtypes.Float32, desc.DynamicDim, 2), nil)
	require.Error(t, err)

	data := []byte{1, 0, 0, 0, 0, 0, 0, 0}
	seed, err := New("seed", desc.Make(dtypes.Int64, 1), data)
	require.NoError(t, err)
	data[0] = 7 // Tensor holds a copy.
	ints, err := seed.Int64s()
	require.NoError(t, err)
	assert.Equal(t, []int64{1}, ints)

	other, err := FromValues("other", []int{1}, []int64{1})
	require.NoError(t, err)
	assert.True(t, seed.Equal(other))
	assert.False(t, seed.Equal(nil))
}

func TestString(t *testing.T) {
	values := make([]int32, 10)
	for ii := range values {
		values[ii] = int32(ii)
	}
	tensor, err := FromValues("long", []int{10}, values)
	require.NoError(t, err)
	assert.Equal(t, "long(Int32)[10][0 1 2 3 4 5 6 7]...", tensor.String())
}
