// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package desc defines TensorDesc, the immutable description of a tensor value attached to the
// input and output slots of IR nodes: its dimensions, DType and layout Format.
//
// ## Glossary
//
//   - Rank: number of axes of the tensor. It may be unknown, see UnknownRank.
//   - Dimension: the size of one axis. It may be dynamic (unknown at graph building time), see DynamicDim.
//     Notice 0 is a valid dimension: an empty axis.
//   - DType: the element type, from github.com/gomlx/gopjrt/dtypes.
//   - Format: the logical layout tag (NCHW, NHWC, ...). It doesn't change the dimensions, only how
//     the host interprets them.
package desc

import (
	"fmt"
	"slices"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

const (
	// DynamicDim is the sentinel for a dimension unknown at graph building time.
	DynamicDim = -1

	// unknownRankDim is the single dimension stored for tensors of unknown rank.
	unknownRankDim = -2
)

// Format is the logical layout of a tensor.
type Format int

const (
	FormatND Format = iota
	FormatNCHW
	FormatNHWC
	FormatHWCN
	FormatNC1HWC0
	FormatFractalNZ
)

var formatNames = []string{"ND", "NCHW", "NHWC", "HWCN", "NC1HWC0", "FRACTAL_NZ"}

// String implements fmt.Stringer.
func (f Format) String() string {
	if f < 0 || int(f) >= len(formatNames) {
		return fmt.Sprintf("Format(%d)", int(f))
	}
	return formatNames[f]
}

// ParseFormat converts a format name (case-insensitive) to a Format.
func ParseFormat(name string) (Format, error) {
	for ii, fName := range formatNames {
		if strings.EqualFold(fName, name) {
			return Format(ii), nil
		}
	}
	return FormatND, errors.Errorf("unknown tensor format %q", name)
}

// TensorDesc describes a tensor: dimensions, dtype and format. It is immutable: methods that
// "change" it return a modified copy.
type TensorDesc struct {
	dims   []int
	dtype  dtypes.DType
	format Format
}

// Make returns a TensorDesc with the given dtype and dimensions, in FormatND.
// Dimensions must be >= 0 or DynamicDim.
func Make(dtype dtypes.DType, dims ...int) TensorDesc {
	for _, dim := range dims {
		if dim < 0 && dim != DynamicDim {
			exceptions.Panicf("desc.Make(%s, %v): dimensions must be >= 0 or DynamicDim", dtype, dims)
		}
	}
	if len(dims) == 0 {
		return Scalar(dtype)
	}
	return TensorDesc{dims: slices.Clone(dims), dtype: dtype}
}

// Scalar returns the TensorDesc of a scalar of the given dtype.
func Scalar(dtype dtypes.DType) TensorDesc {
	return TensorDesc{dtype: dtype}
}

// UnknownRank returns a TensorDesc whose rank (and hence dimensions) is not known.
func UnknownRank(dtype dtypes.DType) TensorDesc {
	return TensorDesc{dims: []int{unknownRankDim}, dtype: dtype}
}

// DType of the tensor elements.
func (t TensorDesc) DType() dtypes.DType { return t.dtype }

// Format of the tensor.
func (t TensorDesc) Format() Format { return t.format }

// IsUnknownRank returns whether the rank of the tensor is unknown.
func (t TensorDesc) IsUnknownRank() bool {
	return len(t.dims) == 1 && t.dims[0] == unknownRankDim
}

// Rank returns the number of axes, or -1 if the rank is unknown.
func (t TensorDesc) Rank() int {
	if t.IsUnknownRank() {
		return -1
	}
	return len(t.dims)
}

// IsScalar returns whether the tensor is a scalar (rank 0).
func (t TensorDesc) IsScalar() bool { return len(t.dims) == 0 }

// Dims returns a copy of the dimensions. It returns nil for unknown rank.
func (t TensorDesc) Dims() []int {
	if t.IsUnknownRank() {
		return nil
	}
	return slices.Clone(t.dims)
}

// Dim returns the dimension of the given axis. Negative axes count from the end.
// It panics for out-of-bounds axes, like slice indexing.
func (t TensorDesc) Dim(axis int) int {
	rank := t.Rank()
	adjusted := axis
	if adjusted < 0 {
		adjusted += rank
	}
	if adjusted < 0 || adjusted >= rank {
		exceptions.Panicf("TensorDesc.Dim(%d) out-of-bounds for %s", axis, t)
	}
	return t.dims[adjusted]
}

// IsDynamic returns whether the rank is unknown or any of the dimensions is dynamic.
func (t TensorDesc) IsDynamic() bool {
	if t.IsUnknownRank() {
		return true
	}
	return slices.Contains(t.dims, DynamicDim)
}

// Size returns the number of elements. It fails if the tensor is dynamic.
func (t TensorDesc) Size() (int, error) {
	if t.IsDynamic() {
		return 0, errors.Errorf("cannot compute the size of dynamic tensor %s", t)
	}
	size := 1
	for _, dim := range t.dims {
		size *= dim
	}
	return size, nil
}

// WithDims returns a copy with the given dimensions.
func (t TensorDesc) WithDims(dims ...int) TensorDesc {
	t2 := Make(t.dtype, dims...)
	t2.format = t.format
	return t2
}

// WithDType returns a copy with the given dtype.
func (t TensorDesc) WithDType(dtype dtypes.DType) TensorDesc {
	t.dims = slices.Clone(t.dims)
	t.dtype = dtype
	return t
}

// WithFormat returns a copy with the given format.
func (t TensorDesc) WithFormat(format Format) TensorDesc {
	t.dims = slices.Clone(t.dims)
	t.format = format
	return t
}

// Equal compares dtype, format and dimensions.
func (t TensorDesc) Equal(t2 TensorDesc) bool {
	return t.dtype == t2.dtype && t.format == t2.format && slices.Equal(t.dims, t2.dims)
}

// EqualDims compares only the dimensions.
func (t TensorDesc) EqualDims(t2 TensorDesc) bool {
	return slices.Equal(t.dims, t2.dims)
}

// String implements fmt.Stringer, e.g.: "(Float32)[2 -1]/NCHW".
func (t TensorDesc) String() string {
	var sb strings.Builder
	_, _ = fmt.Fprintf(&sb, "(%s)", t.dtype)
	switch {
	case t.IsUnknownRank():
		sb.WriteString("[?]")
	case len(t.dims) > 0:
		_, _ = fmt.Fprintf(&sb, "%v", t.dims)
	}
	if t.format != FormatND {
		sb.WriteString("/" + t.format.String())
	}
	return sb.String()
}
