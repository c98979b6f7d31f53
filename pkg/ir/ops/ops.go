// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package ops enumerates the operator kinds of the IR.
//
// The operators known when writing fusion passes are enumerated by Type. Any other operator of the
// host graph engine is represented by a Kind of Type Custom, which keeps its name. Kind values are
// comparable, and Set is a hash set of them, so pattern matching never compares operator names.
package ops

import (
	"slices"
	"strings"

	"github.com/gomlx/exceptions"
)

// Type is an enum of the operator types known by the fusion passes.
//
// Notice: nothing precludes a graph from holding other operator types, see Custom.
type Type int

const (
	// Custom is used by all operator types not enumerated here. The name is kept in the Kind.
	Custom Type = iota

	Data
	Const
	Constant
	NetOutput
	Identity

	Add
	Sub
	Mul
	RealDiv
	Maximum
	Minimum
	Square
	Sqrt
	Rsqrt
	Exp
	Neg
	Relu
	Sigmoid
	Cast

	ReduceSum
	ReduceSumD
	ReduceMean
	ReduceMeanD
	Transpose
	TransposeD
	Tile
	TileD
	Reshape
	ConcatV2

	MatMul
	BatchMatMul
	Conv2D
	AvgPool
	AvgPoolV2
	AffineGrid

	RandomUniform
	StatelessRandomUniformV2

	L2Normalize
	FusedMulAdd

	// numTypes must be the last one.
	numTypes
)

var typeNames = [numTypes]string{
	Custom:                   "Custom",
	Data:                     "Data",
	Const:                    "Const",
	Constant:                 "Constant",
	NetOutput:                "NetOutput",
	Identity:                 "Identity",
	Add:                      "Add",
	Sub:                      "Sub",
	Mul:                      "Mul",
	RealDiv:                  "RealDiv",
	Maximum:                  "Maximum",
	Minimum:                  "Minimum",
	Square:                   "Square",
	Sqrt:                     "Sqrt",
	Rsqrt:                    "Rsqrt",
	Exp:                      "Exp",
	Neg:                      "Neg",
	Relu:                     "Relu",
	Sigmoid:                  "Sigmoid",
	Cast:                     "Cast",
	ReduceSum:                "ReduceSum",
	ReduceSumD:               "ReduceSumD",
	ReduceMean:               "ReduceMean",
	ReduceMeanD:              "ReduceMeanD",
	Transpose:                "Transpose",
	TransposeD:               "TransposeD",
	Tile:                     "Tile",
	TileD:                    "TileD",
	Reshape:                  "Reshape",
	ConcatV2:                 "ConcatV2",
	MatMul:                   "MatMul",
	BatchMatMul:              "BatchMatMul",
	Conv2D:                   "Conv2D",
	AvgPool:                  "AvgPool",
	AvgPoolV2:                "AvgPoolV2",
	AffineGrid:               "AffineGrid",
	RandomUniform:            "RandomUniform",
	StatelessRandomUniformV2: "StatelessRandomUniformV2",
	L2Normalize:              "L2Normalize",
	FusedMulAdd:              "FusedMulAdd",
}

var nameToType map[string]Type

func init() {
	nameToType = make(map[string]Type, len(typeNames))
	for t, name := range typeNames {
		if Type(t) == Custom {
			continue
		}
		nameToType[name] = Type(t)
	}
}

// String returns the operator name for the type.
func (t Type) String() string {
	if t < 0 || t >= numTypes {
		return "Invalid"
	}
	return typeNames[t]
}

// Types returns all enumerated types, except Custom.
func Types() []Type {
	types := make([]Type, 0, numTypes-1)
	for t := Custom + 1; t < numTypes; t++ {
		types = append(types, t)
	}
	return types
}

// Kind identifies the operator of a node. The zero value is invalid.
type Kind struct {
	typ  Type
	name string // Only set for Custom.
}

// Of returns the Kind of an enumerated Type. It panics for Custom, use Named instead.
func Of(t Type) Kind {
	if t <= Custom || t >= numTypes {
		exceptions.Panicf("ops.Of(%d) requires an enumerated type, use ops.Named() for custom operators", int(t))
	}
	return Kind{typ: t}
}

// Named returns the Kind for the operator name. Known names return the enumerated Kind.
func Named(name string) Kind {
	if t, found := nameToType[name]; found {
		return Kind{typ: t}
	}
	return Kind{typ: Custom, name: name}
}

// Type returns the enumerated type of the kind, or Custom.
func (k Kind) Type() Type { return k.typ }

// Valid returns false for the zero Kind.
func (k Kind) Valid() bool { return k.typ != Custom || k.name != "" }

// String returns the operator name.
func (k Kind) String() string {
	if k.typ == Custom {
		return k.name
	}
	return k.typ.String()
}

// IsConst returns whether the kind is one of the constant producers ("Const" or "Constant").
func (k Kind) IsConst() bool {
	return k.typ == Const || k.typ == Constant
}

// Set is a set of operator kinds.
type Set map[Kind]struct{}

// NewSet returns a Set with the given kinds.
func NewSet(kinds ...Kind) Set {
	s := make(Set, len(kinds))
	for _, k := range kinds {
		s[k] = struct{}{}
	}
	return s
}

// SetOf returns a Set with the given enumerated types.
func SetOf(types ...Type) Set {
	s := make(Set, len(types))
	for _, t := range types {
		s[Of(t)] = struct{}{}
	}
	return s
}

// Has returns whether k is in the set.
func (s Set) Has(k Kind) bool {
	_, found := s[k]
	return found
}

// String lists the kinds in the set, sorted.
func (s Set) String() string {
	names := make([]string, 0, len(s))
	for k := range s {
		names = append(names, k.String())
	}
	slices.Sort(names)
	return "{" + strings.Join(names, ", ") + "}"
}

// ConstKinds are the constant producers.
var ConstKinds = SetOf(Const, Constant)
