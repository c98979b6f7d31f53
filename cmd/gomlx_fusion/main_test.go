// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/gomlx/fusion/pkg/ir/desc"
	"github.com/gomlx/fusion/pkg/ir/irio"
	"github.com/gomlx/fusion/pkg/ir/irtest"
	"github.com/gomlx/fusion/pkg/ir/ops"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeMulAddGraph writes x*y+z to a temporary file and returns its path.
func writeMulAddGraph(t *testing.T, dir, name string) string {
	b := irtest.New(t, name)
	d := desc.Make(dtypes.Float32, 4, 8)
	x, y, z := b.Data("x", d), b.Data("y", d), b.Data("z", d)
	mul := b.Op("mul", ops.Mul, d, x, y)
	add := b.Op("add", ops.Add, d, mul, z)
	b.Output("out", add)

	path := filepath.Join(dir, name+".yaml")
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, irio.Write(f, b.G))
	require.NoError(t, f.Close())
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	cmd := NewRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestRun(t *testing.T) {
	dir := t.TempDir()
	input := writeMulAddGraph(t, dir, "muladd")
	output := filepath.Join(dir, "fused", "muladd.yaml")
	text, err := execute(t, "run", input, "--out", output,
		"--passes=MulAddFusion", "--platform-target=none", "--output-format=text")
	require.NoError(t, err)
	assert.Contains(t, text, "MulAddFusion: Success")
	assert.Contains(t, text, "6 nodes -> 5 nodes")

	f, err := os.Open(output)
	require.NoError(t, err)
	defer func() { _ = f.Close() }()
	g, err := irio.Read(f)
	require.NoError(t, err)
	assert.Nil(t, g.NodeByName("mul"))
	assert.Nil(t, g.NodeByName("add"))
	var fused int
	for _, n := range g.Nodes() {
		if n.Op().Type() == ops.FusedMulAdd {
			fused++
		}
	}
	assert.Equal(t, 1, fused)
}

func TestRunTableAndOutDir(t *testing.T) {
	dir := t.TempDir()
	inputs := []string{writeMulAddGraph(t, dir, "a"), writeMulAddGraph(t, dir, "b")}
	outDir := filepath.Join(dir, "out")
	text, err := execute(t, append([]string{"run", "--out-dir", outDir, "--no-color", "--driver-fixpoint", "--jobs=2"}, inputs...)...)
	require.NoError(t, err)
	assert.Contains(t, text, "MulAddFusion")
	assert.Contains(t, text, "Rewrites")
	for _, name := range []string{"a.yaml", "b.yaml"} {
		_, err := os.Stat(filepath.Join(outDir, name))
		assert.NoError(t, err, name)
	}
}

func TestRunErrors(t *testing.T) {
	dir := t.TempDir()
	a, b := writeMulAddGraph(t, dir, "a"), writeMulAddGraph(t, dir, "b")

	_, err := execute(t, "run", a, b, "--out", filepath.Join(dir, "x.yaml"))
	assert.ErrorContains(t, err, "--out-dir")

	_, err = execute(t, "run", a, "--passes=NoSuchPass")
	assert.ErrorContains(t, err, "NoSuchPass")

	_, err = execute(t, "run", filepath.Join(dir, "missing.yaml"), "--output-format=none")
	assert.Error(t, err)

	_, err = execute(t, "run")
	assert.Error(t, err)
}

func TestPassesCmd(t *testing.T) {
	text, err := execute(t, "passes", "--no-color", "--disabled=TileConstToAttr")
	require.NoError(t, err)
	assert.Contains(t, text, "RandomSeedFusion")
	assert.Contains(t, text, "Experimental")
	assert.Contains(t, text, "L2NormalizeFusion")
	assert.Contains(t, text, "#1")
}

func TestPlatformCmd(t *testing.T) {
	text, err := execute(t, "platform", "--no-color", "--platform-target=static",
		"--platform-memory=UB=256KiB", "--platform-features=FP16", "--platform-cores=2")
	require.NoError(t, err)
	assert.Contains(t, text, "256 KiB")
	assert.Contains(t, text, "feature FP16")
	assert.Contains(t, text, "true")

	text, err = execute(t, "platform", "--platform-target=none")
	require.NoError(t, err)
	assert.Contains(t, text, "no platform")
}
