// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package platform defines Info, the capability queries fusion passes use to decide whether a
// fused operator fits the hardware target.
//
// Info is always injected (into the pass constructors, through the driver registry): there is no
// process wide platform singleton. Static is a fixed description, used by tests and by
// configuration files describing a remote target; Host describes the machine running the tool.
package platform

import (
	"fmt"
	"runtime"

	"github.com/pkg/errors"
	"golang.org/x/sys/cpu"
)

// Memory enumerates the per-core memory levels of a target.
type Memory int

const (
	// MemoryUB is the per-core unified (vector) buffer.
	MemoryUB Memory = iota
	MemoryL0A
	MemoryL0B
	MemoryL0C
	MemoryL1
	MemoryL2
	numMemories
)

var memoryNames = [...]string{"UB", "L0A", "L0B", "L0C", "L1", "L2"}

// String implements fmt.Stringer.
func (m Memory) String() string {
	if m < 0 || m >= numMemories {
		return fmt.Sprintf("Memory(%d)", int(m))
	}
	return memoryNames[m]
}

// ParseMemory converts a memory name (as returned by Memory.String) to a Memory.
func ParseMemory(name string) (Memory, error) {
	for ii, memName := range memoryNames {
		if memName == name {
			return Memory(ii), nil
		}
	}
	return 0, errors.Errorf("unknown memory level %q, valid values are %v", name, memoryNames)
}

// Memories returns all memory levels.
func Memories() []Memory {
	memories := make([]Memory, numMemories)
	for ii := range memories {
		memories[ii] = Memory(ii)
	}
	return memories
}

// Feature enumerates optional capabilities of a target.
type Feature int

const (
	// FeatureFP16 is native half-precision arithmetic.
	FeatureFP16 Feature = iota

	// FeatureFMA is fused multiply-add.
	FeatureFMA

	// FeatureWideVector is 512 bits (or scalable) vector registers.
	FeatureWideVector
	numFeatures
)

var featureNames = [...]string{"FP16", "FMA", "WideVector"}

// String implements fmt.Stringer.
func (f Feature) String() string {
	if f < 0 || f >= numFeatures {
		return fmt.Sprintf("Feature(%d)", int(f))
	}
	return featureNames[f]
}

// ParseFeature converts a feature name (as returned by Feature.String) to a Feature.
func ParseFeature(name string) (Feature, error) {
	for ii, featName := range featureNames {
		if featName == name {
			return Feature(ii), nil
		}
	}
	return 0, errors.Errorf("unknown platform feature %q, valid values are %v", name, featureNames)
}

// Features returns all features.
func Features() []Feature {
	features := make([]Feature, numFeatures)
	for ii := range features {
		features[ii] = Feature(ii)
	}
	return features
}

// Info answers capability queries about a hardware target.
//
// Queries may fail (e.g.: the memory size is unknown): fusion passes gated on a query treat a
// failure as "don't fuse".
type Info interface {
	// Name of the target, for logs.
	Name() string

	// CoreCount returns the number of compute cores.
	CoreCount() (int, error)

	// MemorySize returns the size in bytes of the given per-core memory level.
	MemorySize(mem Memory) (int64, error)

	// Supports returns whether the optional feature is available.
	Supports(feature Feature) bool
}

// Static is an Info with fixed values. Zero values mean unknown, and fail the corresponding query.
type Static struct {
	TargetName string
	Cores      int
	Memory     map[Memory]int64
	Features   map[Feature]bool
}

// Assert Static implements Info.
var _ Info = (*Static)(nil)

// Name implements Info.
func (s *Static) Name() string {
	if s.TargetName == "" {
		return "static"
	}
	return s.TargetName
}

// CoreCount implements Info.
func (s *Static) CoreCount() (int, error) {
	if s.Cores <= 0 {
		return 0, errors.Errorf("platform %q: core count unknown", s.Name())
	}
	return s.Cores, nil
}

// MemorySize implements Info.
func (s *Static) MemorySize(mem Memory) (int64, error) {
	size := s.Memory[mem]
	if size <= 0 {
		return 0, errors.Errorf("platform %q: size of memory %s unknown", s.Name(), mem)
	}
	return size, nil
}

// Supports implements Info.
func (s *Static) Supports(feature Feature) bool { return s.Features[feature] }

// Host returns the Info of the machine running the process: the core count is the number of
// logical CPUs, features are detected with golang.org/x/sys/cpu, and memory sizes, which can't be
// detected portably, are the ones given (nil is fine: the queries will fail).
func Host(memory map[Memory]int64) *Static {
	s := &Static{
		TargetName: fmt.Sprintf("host-%s-%s", runtime.GOOS, runtime.GOARCH),
		Cores:      runtime.NumCPU(),
		Memory:     make(map[Memory]int64, len(memory)),
		Features:   make(map[Feature]bool, numFeatures),
	}
	for mem, size := range memory {
		s.Memory[mem] = size
	}
	detectFeatures(runtime.GOARCH, s.Features)
	return s
}

// detectFeatures fills the features of the given architecture.
//
// golang.org/x/sys/cpu doesn't report AVX512-FP16, so FeatureFP16 is never detected on amd64: it
// must be configured.
func detectFeatures(arch string, features map[Feature]bool) {
	switch arch {
	case "arm64":
		features[FeatureFP16] = cpu.ARM64.HasFPHP && cpu.ARM64.HasASIMDHP
		// Fused multiply-add (FMADD/FMLA) is part of the AArch64 base instruction set.
		features[FeatureFMA] = true
		features[FeatureWideVector] = cpu.ARM64.HasSVE
	case "amd64":
		features[FeatureFMA] = cpu.X86.HasFMA
		features[FeatureWideVector] = cpu.X86.HasAVX512F
	}
}
