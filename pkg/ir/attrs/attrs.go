// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package attrs implements the typed, named attributes of IR nodes.
package attrs

import (
	"fmt"
	"slices"
	"strings"

	"github.com/gomlx/fusion/pkg/ir/tensor"
	"github.com/pkg/errors"
)

// Kind of an attribute value.
type Kind int

const (
	KindInvalid Kind = iota
	KindInt
	KindFloat
	KindBool
	KindString
	KindInts
	KindFloats
	KindTensor
)

var kindNames = []string{"Invalid", "Int", "Float", "Bool", "String", "Ints", "Floats", "Tensor"}

// String implements fmt.Stringer.
func (k Kind) String() string {
	if k < 0 || int(k) >= len(kindNames) {
		return fmt.Sprintf("Kind(%d)", int(k))
	}
	return kindNames[k]
}

// Value is an immutable attribute value. The zero Value is invalid.
type Value struct {
	kind   Kind
	i      int64
	f      float32
	b      bool
	s      string
	ints   []int64
	floats []float32
	t      *tensor.Tensor
}

// Int returns an integer attribute value.
func Int(v int64) Value { return Value{kind: KindInt, i: v} }

// Float returns a float attribute value.
func Float(v float32) Value { return Value{kind: KindFloat, f: v} }

// Bool returns a boolean attribute value.
func Bool(v bool) Value { return Value{kind: KindBool, b: v} }

// String returns a string attribute value.
func String(v string) Value { return Value{kind: KindString, s: v} }

// Ints returns a list-of-int attribute value.
func Ints(v ...int64) Value { return Value{kind: KindInts, ints: slices.Clone(v)} }

// Floats returns a list-of-float attribute value.
func Floats(v ...float32) Value { return Value{kind: KindFloats, floats: slices.Clone(v)} }

// Tensor returns a tensor-blob attribute value. A nil tensor is accepted, but reading it with
// Value.Tensor returns nil: it represents a broken constant.
func Tensor(v *tensor.Tensor) Value { return Value{kind: KindTensor, t: v} }

// Kind of the value.
func (v Value) Kind() Kind { return v.kind }

// Valid returns false for the zero Value.
func (v Value) Valid() bool { return v.kind != KindInvalid }

func (v Value) check(kind Kind) error {
	if v.kind != kind {
		return errors.Errorf("attribute is of kind %s, not %s", v.kind, kind)
	}
	return nil
}

// AsInt returns the int value or an error if the kind doesn't match.
func (v Value) AsInt() (int64, error) { return v.i, v.check(KindInt) }

// AsFloat returns the float value or an error if the kind doesn't match.
func (v Value) AsFloat() (float32, error) { return v.f, v.check(KindFloat) }

// AsBool returns the bool value or an error if the kind doesn't match.
func (v Value) AsBool() (bool, error) { return v.b, v.check(KindBool) }

// AsString returns the string value or an error if the kind doesn't match.
func (v Value) AsString() (string, error) { return v.s, v.check(KindString) }

// AsInts returns a copy of the list-of-int value or an error if the kind doesn't match.
func (v Value) AsInts() ([]int64, error) { return slices.Clone(v.ints), v.check(KindInts) }

// AsFloats returns a copy of the list-of-float value or an error if the kind doesn't match.
func (v Value) AsFloats() ([]float32, error) { return slices.Clone(v.floats), v.check(KindFloats) }

// AsTensor returns the tensor value (maybe nil) or an error if the kind doesn't match.
func (v Value) AsTensor() (*tensor.Tensor, error) { return v.t, v.check(KindTensor) }

// Equal compares kind and contents. Tensors are compared by contents.
func (v Value) Equal(v2 Value) bool {
	if v.kind != v2.kind {
		return false
	}
	switch v.kind {
	case KindInt:
		return v.i == v2.i
	case KindFloat:
		return v.f == v2.f
	case KindBool:
		return v.b == v2.b
	case KindString:
		return v.s == v2.s
	case KindInts:
		return slices.Equal(v.ints, v2.ints)
	case KindFloats:
		return slices.Equal(v.floats, v2.floats)
	case KindTensor:
		return v.t.Equal(v2.t)
	}
	return true
}

// String implements fmt.Stringer.
func (v Value) String() string {
	switch v.kind {
	case KindInt:
		return fmt.Sprintf("%d", v.i)
	case KindFloat:
		return fmt.Sprintf("%g", v.f)
	case KindBool:
		return fmt.Sprintf("%t", v.b)
	case KindString:
		return fmt.Sprintf("%q", v.s)
	case KindInts:
		return fmt.Sprintf("%v", v.ints)
	case KindFloats:
		return fmt.Sprintf("%v", v.floats)
	case KindTensor:
		return v.t.String()
	}
	return "<invalid>"
}

// Attr is a named attribute value.
type Attr struct {
	Name  string
	Value Value
}

// Attrs is an ordered list of attributes with unique names.
type Attrs struct {
	list []Attr
}

// New creates Attrs from the given attributes. Later duplicates overwrite earlier values,
// keeping the position of the first.
func New(list ...Attr) Attrs {
	var a Attrs
	for _, attr := range list {
		a.Set(attr.Name, attr.Value)
	}
	return a
}

// Len returns the number of attributes.
func (a *Attrs) Len() int { return len(a.list) }

// Get returns the attribute value and whether it was found.
func (a *Attrs) Get(name string) (Value, bool) {
	for _, attr := range a.list {
		if attr.Name == name {
			return attr.Value, true
		}
	}
	return Value{}, false
}

// Set creates or overwrites an attribute. New attributes are appended at the end.
func (a *Attrs) Set(name string, value Value) {
	for ii := range a.list {
		if a.list[ii].Name == name {
			a.list[ii].Value = value
			return
		}
	}
	a.list = append(a.list, Attr{Name: name, Value: value})
}

// Delete removes an attribute, returning whether it existed.
func (a *Attrs) Delete(name string) bool {
	for ii := range a.list {
		if a.list[ii].Name == name {
			a.list = slices.Delete(a.list, ii, ii+1)
			return true
		}
	}
	return false
}

// List returns a copy of the attributes, in order.
func (a *Attrs) List() []Attr { return slices.Clone(a.list) }

// Clone returns a copy of the attributes. Values are immutable, so it's a shallow copy.
func (a *Attrs) Clone() Attrs { return Attrs{list: slices.Clone(a.list)} }

// Equal compares attributes, including their order.
func (a *Attrs) Equal(a2 *Attrs) bool {
	return slices.EqualFunc(a.list, a2.list, func(x, y Attr) bool {
		return x.Name == y.Name && x.Value.Equal(y.Value)
	})
}

// String implements fmt.Stringer.
func (a *Attrs) String() string {
	parts := make([]string, 0, len(a.list))
	for _, attr := range a.list {
		parts = append(parts, attr.Name+"="+attr.Value.String())
	}
	return "{" + strings.Join(parts, ", ") + "}"
}

// Typed getters: they return an error if the attribute is missing or of a different kind.

// GetInt returns the named int attribute.
func (a *Attrs) GetInt(name string) (int64, error) {
	v, err := a.lookup(name)
	if err != nil {
		return 0, err
	}
	i, err := v.AsInt()
	return i, errors.WithMessagef(err, "attribute %q", name)
}

// GetFloat returns the named float attribute.
func (a *Attrs) GetFloat(name string) (float32, error) {
	v, err := a.lookup(name)
	if err != nil {
		return 0, err
	}
	f, err := v.AsFloat()
	return f, errors.WithMessagef(err, "attribute %q", name)
}

// GetBool returns the named bool attribute.
func (a *Attrs) GetBool(name string) (bool, error) {
	v, err := a.lookup(name)
	if err != nil {
		return false, err
	}
	b, err := v.AsBool()
	return b, errors.WithMessagef(err, "attribute %q", name)
}

// GetString returns the named string attribute.
func (a *Attrs) GetString(name string) (string, error) {
	v, err := a.lookup(name)
	if err != nil {
		return "", err
	}
	s, err := v.AsString()
	return s, errors.WithMessagef(err, "attribute %q", name)
}

// GetInts returns the named list-of-int attribute.
func (a *Attrs) GetInts(name string) ([]int64, error) {
	v, err := a.lookup(name)
	if err != nil {
		return nil, err
	}
	ints, err := v.AsInts()
	return ints, errors.WithMessagef(err, "attribute %q", name)
}

// GetFloats returns the named list-of-float attribute.
func (a *Attrs) GetFloats(name string) ([]float32, error) {
	v, err := a.lookup(name)
	if err != nil {
		return nil, err
	}
	floats, err := v.AsFloats()
	return floats, errors.WithMessagef(err, "attribute %q", name)
}

// GetTensor returns the named tensor attribute. The tensor may be nil.
func (a *Attrs) GetTensor(name string) (*tensor.Tensor, error) {
	v, err := a.lookup(name)
	if err != nil {
		return nil, err
	}
	t, err := v.AsTensor()
	return t, errors.WithMessagef(err, "attribute %q", name)
}

func (a *Attrs) lookup(name string) (Value, error) {
	v, found := a.Get(name)
	if !found {
		return Value{}, errors.Errorf("attribute %q not found", name)
	}
	return v, nil
}
