// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package irio reads and writes ir.Graph in a YAML text format.
//
// Example:
//
//	name: muladd
//	nodes:
//	  - name: a
//	    op: Data
//	    outputs: [{dtype: Float32, dims: [16]}]
//	  - name: k
//	    op: Const
//	    outputs: [{dtype: Int32, dims: [2]}]
//	    attrs:
//	      - name: value
//	        tensor: {dtype: Int32, dims: [2], ints: [1, -1]}
//	  - name: sum
//	    op: ReduceSum
//	    inputs: [a:0, k:0]
//	    outputs: [{dtype: Float32, dims: []}]
//	control:
//	  - {from: a, to: sum}
//
// Inputs are the producers "node:output" of each input slot, in order, and "" for unconnected
// slots. The descriptors of the inputs are those of their producers, unless given in input_descs
// (required if any input is unconnected).
package irio

import (
	"io"
	"slices"
	"strconv"
	"strings"

	"github.com/gomlx/fusion/pkg/ir"
	"github.com/gomlx/fusion/pkg/ir/attrs"
	"github.com/gomlx/fusion/pkg/ir/desc"
	"github.com/gomlx/fusion/pkg/ir/ops"
	"github.com/gomlx/fusion/pkg/ir/tensor"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

type graphYAML struct {
	Name    string     `yaml:"name"`
	Nodes   []nodeYAML `yaml:"nodes"`
	Control []ctrlYAML `yaml:"control,omitempty"`
}

type nodeYAML struct {
	Name       string     `yaml:"name"`
	Op         string     `yaml:"op"`
	Inputs     []string   `yaml:"inputs,omitempty,flow"`
	InputDescs []descYAML `yaml:"input_descs,omitempty,flow"`
	Outputs    []descYAML `yaml:"outputs,omitempty,flow"`
	Attrs      []attrYAML `yaml:"attrs,omitempty"`
}

type ctrlYAML struct {
	From string `yaml:"from"`
	To   string `yaml:"to"`
}

type descYAML struct {
	DType       string `yaml:"dtype"`
	Dims        []int  `yaml:"dims,flow"`
	UnknownRank bool   `yaml:"unknown_rank,omitempty"`
	Format      string `yaml:"format,omitempty"`
}

// attrYAML holds exactly one of the values.
type attrYAML struct {
	Name   string      `yaml:"name"`
	Int    *int64      `yaml:"int,omitempty"`
	Float  *float32    `yaml:"float,omitempty"`
	Bool   *bool       `yaml:"bool,omitempty"`
	String *string     `yaml:"string,omitempty"`
	Ints   *[]int64    `yaml:"ints,omitempty,flow"`
	Floats *[]float32  `yaml:"floats,omitempty,flow"`
	Tensor *tensorYAML `yaml:"tensor,omitempty,flow"`
}

type tensorYAML struct {
	Name   string    `yaml:"name,omitempty"`
	DType  string    `yaml:"dtype"`
	Dims   []int     `yaml:"dims,flow"`
	Ints   []int64   `yaml:"ints,omitempty,flow"`
	Floats []float32 `yaml:"floats,omitempty,flow"`
}

// Write g to w.
func Write(w io.Writer, g *ir.Graph) error {
	doc := graphYAML{Name: g.Name()}
	for _, n := range g.Nodes() {
		node := nodeYAML{Name: n.Name(), Op: n.Op().String()}
		explicitDescs := false
		for idx := range n.NumInputs() {
			src, found := n.Producer(idx)
			if !found {
				node.Inputs = append(node.Inputs, "")
				explicitDescs = true
				continue
			}
			node.Inputs = append(node.Inputs, src.String())
			if !src.Desc().Equal(n.InputDesc(idx)) {
				explicitDescs = true
			}
		}
		if explicitDescs {
			for _, d := range n.InputDescs() {
				node.InputDescs = append(node.InputDescs, fromDesc(d))
			}
		}
		for _, d := range n.OutputDescs() {
			node.Outputs = append(node.Outputs, fromDesc(d))
		}
		a := n.Attrs()
		for _, attr := range a.List() {
			ay, err := fromAttr(attr)
			if err != nil {
				return errors.WithMessagef(err, "node %q", n.Name())
			}
			node.Attrs = append(node.Attrs, ay)
		}
		doc.Nodes = append(doc.Nodes, node)
	}
	for _, e := range g.ControlEdges() {
		doc.Control = append(doc.Control, ctrlYAML{From: e.Src.Name(), To: e.Dst.Name()})
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(&doc); err != nil {
		return errors.Wrapf(err, "writing graph %q", g.Name())
	}
	return errors.Wrapf(enc.Close(), "writing graph %q", g.Name())
}

func fromDesc(d desc.TensorDesc) descYAML {
	dy := descYAML{DType: d.DType().String(), Dims: d.Dims(), UnknownRank: d.IsUnknownRank()}
	if dy.Dims == nil && !dy.UnknownRank {
		dy.Dims = []int{}
	}
	if d.Format() != desc.FormatND {
		dy.Format = d.Format().String()
	}
	return dy
}

func fromAttr(attr attrs.Attr) (attrYAML, error) {
	ay := attrYAML{Name: attr.Name}
	v := attr.Value
	var err error
	switch v.Kind() {
	case attrs.KindInt:
		var i int64
		i, err = v.AsInt()
		ay.Int = &i
	case attrs.KindFloat:
		var f float32
		f, err = v.AsFloat()
		ay.Float = &f
	case attrs.KindBool:
		var b bool
		b, err = v.AsBool()
		ay.Bool = &b
	case attrs.KindString:
		var s string
		s, err = v.AsString()
		ay.String = &s
	case attrs.KindInts:
		var ints []int64
		ints, err = v.AsInts()
		if ints == nil {
			ints = []int64{}
		}
		ay.Ints = &ints
	case attrs.KindFloats:
		var floats []float32
		floats, err = v.AsFloats()
		if floats == nil {
			floats = []float32{}
		}
		ay.Floats = &floats
	case attrs.KindTensor:
		var t *tensor.Tensor
		if t, err = v.AsTensor(); err == nil {
			ay.Tensor, err = fromTensor(t)
		}
	default:
		err = errors.Errorf("attribute %q has invalid kind %s", attr.Name, v.Kind())
	}
	return ay, err
}

func fromTensor(t *tensor.Tensor) (*tensorYAML, error) {
	if t == nil {
		return nil, errors.New("nil tensor")
	}
	ty := &tensorYAML{Name: t.Name(), DType: t.DType().String(), Dims: t.Desc().Dims()}
	if ty.Dims == nil {
		ty.Dims = []int{}
	}
	var err error
	if t.DType().IsFloat() {
		ty.Floats, err = t.Float32s()
	} else {
		ty.Ints, err = t.Int64s()
	}
	return ty, err
}

// Read a graph written by Write.
func Read(r io.Reader) (*ir.Graph, error) {
	var doc graphYAML
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return nil, errors.Wrap(err, "reading graph")
	}
	g := ir.NewGraph(doc.Name)

	// Outputs are needed first, to resolve the input descriptors from the producers.
	outputs := make(map[string][]desc.TensorDesc, len(doc.Nodes))
	for _, node := range doc.Nodes {
		descs, err := toDescs(node.Outputs)
		if err != nil {
			return nil, errors.WithMessagef(err, "graph %q, node %q outputs", doc.Name, node.Name)
		}
		if _, found := outputs[node.Name]; found {
			return nil, errors.Errorf("graph %q: duplicate node %q", doc.Name, node.Name)
		}
		outputs[node.Name] = descs
	}

	type pendingEdge struct {
		src, dst string
		srcIdx   int
		dstIdx   int
	}
	var edges []pendingEdge
	for _, node := range doc.Nodes {
		spec := ir.NodeSpec{Name: node.Name, Op: ops.Named(node.Op), Outputs: outputs[node.Name]}
		if node.Op == "" {
			return nil, errors.Errorf("graph %q: node %q has no op", doc.Name, node.Name)
		}
		explicit, err := toDescs(node.InputDescs)
		if err != nil {
			return nil, errors.WithMessagef(err, "graph %q, node %q inputs", doc.Name, node.Name)
		}
		if len(explicit) > 0 && len(explicit) != len(node.Inputs) {
			return nil, errors.Errorf("graph %q, node %q: %d inputs but %d input_descs",
				doc.Name, node.Name, len(node.Inputs), len(explicit))
		}
		for idx, input := range node.Inputs {
			if input == "" {
				if len(explicit) == 0 {
					return nil, errors.Errorf("graph %q, node %q: input #%d is unconnected, input_descs required",
						doc.Name, node.Name, idx)
				}
				spec.Inputs = append(spec.Inputs, explicit[idx])
				continue
			}
			src, srcIdx, err := parsePort(input)
			if err != nil {
				return nil, errors.WithMessagef(err, "graph %q, node %q input #%d", doc.Name, node.Name, idx)
			}
			srcOutputs, found := outputs[src]
			if !found || srcIdx >= len(srcOutputs) {
				return nil, errors.Errorf("graph %q, node %q input #%d: no such producer %q", doc.Name, node.Name, idx, input)
			}
			if len(explicit) > 0 {
				spec.Inputs = append(spec.Inputs, explicit[idx])
			} else {
				spec.Inputs = append(spec.Inputs, srcOutputs[srcIdx])
			}
			edges = append(edges, pendingEdge{src: src, srcIdx: srcIdx, dst: node.Name, dstIdx: idx})
		}
		a := attrs.New()
		for _, ay := range node.Attrs {
			v, err := toValue(ay)
			if err != nil {
				return nil, errors.WithMessagef(err, "graph %q, node %q", doc.Name, node.Name)
			}
			a.Set(ay.Name, v)
		}
		spec.Attrs = a
		if _, err := g.AddNode(spec); err != nil {
			return nil, err
		}
	}
	for _, e := range edges {
		if err := g.AddEdge(g.NodeByName(e.src).Out(e.srcIdx), g.NodeByName(e.dst).In(e.dstIdx)); err != nil {
			return nil, err
		}
	}
	for _, c := range doc.Control {
		src, dst := g.NodeByName(c.From), g.NodeByName(c.To)
		if src == nil || dst == nil {
			return nil, errors.Errorf("graph %q: control edge %s~>%s references unknown nodes", doc.Name, c.From, c.To)
		}
		if err := g.AddControlEdge(src, dst); err != nil {
			return nil, err
		}
	}
	if err := g.Validate(); err != nil {
		return nil, err
	}
	return g, nil
}

func parsePort(s string) (string, int, error) {
	sep := strings.LastIndexByte(s, ':')
	if sep <= 0 {
		return "", 0, errors.Errorf("invalid port %q, expected \"node:index\"", s)
	}
	idx, err := strconv.Atoi(s[sep+1:])
	if err != nil || idx < 0 {
		return "", 0, errors.Errorf("invalid port %q, expected \"node:index\"", s)
	}
	return s[:sep], idx, nil
}

func toDescs(list []descYAML) ([]desc.TensorDesc, error) {
	descs := make([]desc.TensorDesc, 0, len(list))
	for ii, dy := range list {
		d, err := toDesc(dy)
		if err != nil {
			return nil, errors.WithMessagef(err, "descriptor #%d", ii)
		}
		descs = append(descs, d)
	}
	return descs, nil
}

func toDesc(dy descYAML) (desc.TensorDesc, error) {
	dtype, err := dtypes.DTypeString(dy.DType)
	if err != nil {
		return desc.TensorDesc{}, errors.Wrapf(err, "invalid dtype %q", dy.DType)
	}
	var d desc.TensorDesc
	if dy.UnknownRank {
		d = desc.UnknownRank(dtype)
	} else {
		if slices.ContainsFunc(dy.Dims, func(dim int) bool { return dim < desc.DynamicDim }) {
			return desc.TensorDesc{}, errors.Errorf("invalid dimensions %v", dy.Dims)
		}
		d = desc.Make(dtype, dy.Dims...)
	}
	if dy.Format != "" {
		format, err := desc.ParseFormat(dy.Format)
		if err != nil {
			return desc.TensorDesc{}, err
		}
		d = d.WithFormat(format)
	}
	return d, nil
}

func toValue(ay attrYAML) (attrs.Value, error) {
	var values []attrs.Value
	if ay.Int != nil {
		values = append(values, attrs.Int(*ay.Int))
	}
	if ay.Float != nil {
		values = append(values, attrs.Float(*ay.Float))
	}
	if ay.Bool != nil {
		values = append(values, attrs.Bool(*ay.Bool))
	}
	if ay.String != nil {
		values = append(values, attrs.String(*ay.String))
	}
	if ay.Ints != nil {
		values = append(values, attrs.Ints(*ay.Ints...))
	}
	if ay.Floats != nil {
		values = append(values, attrs.Floats(*ay.Floats...))
	}
	if ay.Tensor != nil {
		t, err := toTensor(ay.Name, ay.Tensor)
		if err != nil {
			return attrs.Value{}, err
		}
		values = append(values, attrs.Tensor(t))
	}
	if len(values) != 1 {
		return attrs.Value{}, errors.Errorf("attribute %q must have exactly one value, got %d", ay.Name, len(values))
	}
	return values[0], nil
}

func toTensor(attrName string, ty *tensorYAML) (*tensor.Tensor, error) {
	dtype, err := dtypes.DTypeString(ty.DType)
	if err != nil {
		return nil, errors.Wrapf(err, "tensor attribute %q: invalid dtype %q", attrName, ty.DType)
	}
	name := ty.Name
	if name == "" {
		name = attrName
	}
	switch dtype {
	case dtypes.Int32:
		values := make([]int32, len(ty.Ints))
		for ii, v := range ty.Ints {
			values[ii] = int32(v)
		}
		return tensor.FromValues(name, ty.Dims, values)
	case dtypes.Int64:
		return tensor.FromValues(name, ty.Dims, ty.Ints)
	case dtypes.Float32:
		return tensor.FromValues(name, ty.Dims, ty.Floats)
	case dtypes.Float16:
		return tensor.New(name, desc.Make(dtype, ty.Dims...), tensor.Float16Bits(ty.Floats))
	default:
		return nil, errors.Errorf("tensor attribute %q: dtype %s not supported", attrName, dtype)
	}
}
