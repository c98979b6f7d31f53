// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package constants

import (
	"slices"

	"github.com/gomlx/fusion/pkg/fusion"
)

// PoolGeometry describes a 2D pooling window over a spatial input.
type PoolGeometry struct {
	InputH, InputW   int
	KernelH, KernelW int
	StrideH, StrideW int

	// Padding: PadTop, PadBottom, PadLeft, PadRight.
	PadTop, PadBottom, PadLeft, PadRight int

	// CeilMode rounds the output size up: the last window may start in the input (or in the
	// leading padding) and extend past the trailing padding.
	CeilMode bool
}

// Validate checks that the geometry is well-formed.
func (pg PoolGeometry) Validate() error {
	if pg.InputH <= 0 || pg.InputW <= 0 {
		return fusion.NotChangedf("pooling input %dx%d must be static and non-empty", pg.InputH, pg.InputW)
	}
	if pg.KernelH <= 0 || pg.KernelW <= 0 || pg.StrideH <= 0 || pg.StrideW <= 0 {
		return fusion.NotChangedf("pooling kernel %dx%d and strides %dx%d must be positive",
			pg.KernelH, pg.KernelW, pg.StrideH, pg.StrideW)
	}
	if min(pg.PadTop, pg.PadBottom, pg.PadLeft, pg.PadRight) < 0 {
		return fusion.NotChangedf("pooling paddings must be non-negative")
	}
	if pg.PadTop >= pg.KernelH || pg.PadBottom >= pg.KernelH || pg.PadLeft >= pg.KernelW || pg.PadRight >= pg.KernelW {
		return fusion.NotChangedf("pooling paddings must be smaller than the kernel")
	}
	if pg.InputH+pg.PadTop+pg.PadBottom < pg.KernelH || pg.InputW+pg.PadLeft+pg.PadRight < pg.KernelW {
		return fusion.NotChangedf("pooling kernel %dx%d larger than padded input", pg.KernelH, pg.KernelW)
	}
	return nil
}

func poolOutputSize(input, kernel, stride, padBefore, padAfter int, ceilMode bool) int {
	span := input + padBefore + padAfter - kernel
	if !ceilMode {
		return span/stride + 1
	}
	out := (span+stride-1)/stride + 1
	// The last window must start inside the input or the leading padding.
	if (out-1)*stride >= input+padBefore {
		out--
	}
	return out
}

// OutputDims returns the spatial output size [H, W].
func (pg PoolGeometry) OutputDims() []int {
	return []int{
		poolOutputSize(pg.InputH, pg.KernelH, pg.StrideH, pg.PadTop, pg.PadBottom, pg.CeilMode),
		poolOutputSize(pg.InputW, pg.KernelW, pg.StrideW, pg.PadLeft, pg.PadRight, pg.CeilMode),
	}
}

// windowCount returns the number of cells of the window starting at start (in input coordinates)
// that fall within [lo, hi).
func windowCount(start, kernel, lo, hi int) int {
	return max(0, min(start+kernel, hi)-max(start, lo))
}

// AvgPoolTable generates, for each output position of the pooling, the reciprocal of the number of
// cells averaged by the window:
//
//   - exclusive: only cells of the (unpadded) input are counted.
//   - inclusive: padding cells are counted too, but not the cells of a window that fall past the
//     trailing padding (only possible in ceil mode).
//
// The requested dims must be the OutputDims of the geometry.
func AvgPoolTable(pg PoolGeometry, exclusive bool) Generator {
	return func(dims []int, values []float64) error {
		if err := pg.Validate(); err != nil {
			return err
		}
		outDims := pg.OutputDims()
		if !slices.Equal(dims, outDims) {
			return fusion.ParamInvalidf("AvgPoolTable: requested dims %v, pooling output is %v", dims, outDims)
		}
		loH, hiH := -pg.PadTop, pg.InputH+pg.PadBottom
		loW, hiW := -pg.PadLeft, pg.InputW+pg.PadRight
		if exclusive {
			loH, hiH, loW, hiW = 0, pg.InputH, 0, pg.InputW
		}
		for oh := range outDims[0] {
			countH := windowCount(oh*pg.StrideH-pg.PadTop, pg.KernelH, loH, hiH)
			for ow := range outDims[1] {
				countW := windowCount(ow*pg.StrideW-pg.PadLeft, pg.KernelW, loW, hiW)
				count := countH * countW
				if count == 0 {
					return fusion.Failedf("AvgPoolTable: window at output (%d, %d) covers no input", oh, ow)
				}
				values[oh*outDims[1]+ow] = 1.0 / float64(count)
			}
		}
		return nil
	}
}

// AffineGridBase generates the base grid of an affine sampling over an output of height x width:
// a [height*width, 3] matrix with the homogeneous normalized coordinates (x, y, 1) of each
// position, in row-major order over (y, x). Coordinates are in [-1, 1]: if alignCorners, -1 and 1
// are the centers of the corner pixels, otherwise they are the outer edges of the corner pixels.
func AffineGridBase(height, width int, alignCorners bool) Generator {
	return func(dims []int, values []float64) error {
		if height <= 0 || width <= 0 {
			return fusion.NotChangedf("AffineGridBase: output %dx%d must be static and non-empty", height, width)
		}
		if want := []int{height * width, 3}; !slices.Equal(dims, want) {
			return fusion.ParamInvalidf("AffineGridBase: requested dims %v, expected %v", dims, want)
		}
		for y := range height {
			ny := normalizedCoordinate(y, height, alignCorners)
			for x := range width {
				pos := 3 * (y*width + x)
				values[pos] = normalizedCoordinate(x, width, alignCorners)
				values[pos+1] = ny
				values[pos+2] = 1
			}
		}
		return nil
	}
}

func normalizedCoordinate(idx, size int, alignCorners bool) float64 {
	if alignCorners {
		if size == 1 {
			return 0
		}
		return -1 + 2*float64(idx)/float64(size-1)
	}
	return (2*float64(idx)+1)/float64(size) - 1
}
