// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package desc

import (
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTensorDesc(t *testing.T) {
	d := Make(dtypes.Float32, 2, 3)
	assert.Equal(t, 2, d.Rank())
	assert.Equal(t, 3, d.Dim(-1))
	size, err := d.Size()
	require.NoError(t, err)
	assert.Equal(t, 6, size)
	assert.Equal(t, "(Float32)[2 3]", d.String())

	// Dims returns a copy.
	dims := d.Dims()
	dims[0] = 100
	assert.Equal(t, 2, d.Dim(0))

	// Zero is a legal, non-dynamic, dimension.
	empty := Make(dtypes.Int32, 0, 4)
	assert.False(t, empty.IsDynamic())
	size, err = empty.Size()
	require.NoError(t, err)
	assert.Equal(t, 0, size)

	dynamic := Make(dtypes.Float16, DynamicDim, 4).WithFormat(FormatNCHW)
	assert.True(t, dynamic.IsDynamic())
	_, err = dynamic.Size()
	require.Error(t, err)
	assert.Equal(t, "(Float16)[-1 4]/NCHW", dynamic.String())

	unknown := UnknownRank(dtypes.Float32)
	assert.True(t, unknown.IsUnknownRank())
	assert.Equal(t, -1, unknown.Rank())
	assert.Nil(t, unknown.Dims())
	assert.True(t, unknown.IsDynamic())

	scalar := Scalar(dtypes.Int64)
	assert.True(t, scalar.IsScalar())
	assert.False(t, scalar.Equal(scalar.WithDType(dtypes.Int32)))
	assert.True(t, scalar.Equal(Scalar(dtypes.Int64)))

	require.Panics(t, func() { Make(dtypes.Float32, -3) })
	require.Panics(t, func() { Make(dtypes.Float32, 2, 3).Dim(2) })
}

func TestParseFormat(t *testing.T) {
	f, err := ParseFormat("nhwc")
	require.NoError(t, err)
	assert.Equal(t, FormatNHWC, f)
	f, err = ParseFormat("FRACTAL_NZ")
	require.NoError(t, err)
	assert.Equal(t, FormatFractalNZ, f)
	_, err = ParseFormat("XYZ")
	require.Error(t, err)
}
