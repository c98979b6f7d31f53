// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package pattern declares the structural templates that fusion passes match against a graph.
//
// A Pattern is a small acyclic graph of Roles: each Role accepts a set of operator kinds, and an
// Edge from a consumer Role to a producer Role requires the node bound to the consumer to read
// (on any input slot, or on a pinned one) an output of the node bound to the producer.
// Exactly one Role, the output, anchors the match.
//
// Patterns are created with a Builder, once per pass, and are immutable after Build:
//
//	p, err := pattern.New("MulAdd").
//		AddRole("mul", ops.Of(ops.Mul)).
//		AddRole("add", ops.Of(ops.Add)).
//		Connect("add", "mul").
//		SetOutput("add").
//		Build()
package pattern

import (
	"fmt"
	"slices"
	"strings"

	"github.com/gomlx/fusion/pkg/ir/ops"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/graph/simple"
	"gonum.org/v1/gonum/graph/topo"
)

// Role is the symbolic name of a node slot in a Pattern.
type Role string

// AnySlot is used as Edge.Input when the producer can feed any input slot of the consumer.
const AnySlot = -1

// Edge requires the Consumer role's node to read an output of the Producer role's node.
type Edge struct {
	Consumer, Producer Role

	// Input slot of the consumer, or AnySlot.
	Input int
}

// String implements fmt.Stringer.
func (e Edge) String() string {
	if e.Input == AnySlot {
		return fmt.Sprintf("%s<-%s", e.Consumer, e.Producer)
	}
	return fmt.Sprintf("%s:%d<-%s", e.Consumer, e.Input, e.Producer)
}

// Pattern is an immutable, validated template. Create it with New(...).Build().
type Pattern struct {
	name    string
	roles   []Role
	allowed map[Role]ops.Set
	output  Role

	// edges sorted in breadth-first order from the output: the consumer of each edge is either the
	// output or the producer of an earlier edge.
	edges []Edge
}

// Name of the pattern, used in logs.
func (p *Pattern) Name() string { return p.name }

// Roles returns the roles in declaration order.
func (p *Pattern) Roles() []Role { return slices.Clone(p.roles) }

// NumRoles returns the number of roles of the pattern.
func (p *Pattern) NumRoles() int { return len(p.roles) }

// Output returns the anchor role.
func (p *Pattern) Output() Role { return p.output }

// Has returns whether the role was declared.
func (p *Pattern) Has(role Role) bool {
	_, found := p.allowed[role]
	return found
}

// Allowed returns the set of operator kinds accepted by the role. The set must not be modified.
func (p *Pattern) Allowed(role Role) ops.Set { return p.allowed[role] }

// Edges returns the pattern edges, in breadth-first order from the output role.
func (p *Pattern) Edges() []Edge { return slices.Clone(p.edges) }

// Producers returns the roles the given role consumes from, in edge order.
func (p *Pattern) Producers(role Role) []Role {
	var producers []Role
	for _, e := range p.edges {
		if e.Consumer == role {
			producers = append(producers, e.Producer)
		}
	}
	return producers
}

// String implements fmt.Stringer.
func (p *Pattern) String() string {
	var sb strings.Builder
	_, _ = fmt.Fprintf(&sb, "Pattern %q (output %q):", p.name, p.output)
	for _, role := range p.roles {
		_, _ = fmt.Fprintf(&sb, " %s%s", role, p.allowed[role])
	}
	for _, e := range p.edges {
		_, _ = fmt.Fprintf(&sb, " %s", e)
	}
	return sb.String()
}

// Builder accumulates the declaration of a Pattern. Errors are reported by Build.
type Builder struct {
	name    string
	roles   []Role
	allowed map[Role]ops.Set
	edges   []Edge
	output  Role
	errs    []string
}

// New starts the declaration of a pattern.
func New(name string) *Builder {
	return &Builder{name: name, allowed: make(map[Role]ops.Set)}
}

func (b *Builder) errorf(format string, args ...any) *Builder {
	b.errs = append(b.errs, fmt.Sprintf(format, args...))
	return b
}

// AddRole declares a role accepting the given operator kinds. At least one kind is required.
func (b *Builder) AddRole(role Role, allowed ...ops.Kind) *Builder {
	if role == "" {
		return b.errorf("AddRole(): empty role name")
	}
	if _, found := b.allowed[role]; found {
		return b.errorf("AddRole(%q): role declared twice", role)
	}
	if len(allowed) == 0 {
		return b.errorf("AddRole(%q): no operator kinds given", role)
	}
	for _, k := range allowed {
		if !k.Valid() {
			return b.errorf("AddRole(%q): invalid operator kind", role)
		}
	}
	b.roles = append(b.roles, role)
	b.allowed[role] = ops.NewSet(allowed...)
	return b
}

// Connect requires the consumer role to read an output of the producer role, on any input slot.
// Connecting the same pair twice requires two distinct input slots.
func (b *Builder) Connect(consumer, producer Role) *Builder {
	return b.connect(consumer, AnySlot, producer)
}

// ConnectInput requires the consumer role to read an output of the producer role on the given input slot.
func (b *Builder) ConnectInput(consumer Role, input int, producer Role) *Builder {
	if input < 0 {
		return b.errorf("ConnectInput(%q, %d, %q): invalid input slot", consumer, input, producer)
	}
	return b.connect(consumer, input, producer)
}

func (b *Builder) connect(consumer Role, input int, producer Role) *Builder {
	e := Edge{Consumer: consumer, Producer: producer, Input: input}
	for _, role := range []Role{consumer, producer} {
		if _, found := b.allowed[role]; !found {
			return b.errorf("edge %s: role %q referenced before being added", e, role)
		}
	}
	if consumer == producer {
		return b.errorf("edge %s: role consumes itself", e)
	}
	if input != AnySlot {
		for _, other := range b.edges {
			if other.Consumer == consumer && other.Input == input {
				return b.errorf("edge %s: input slot already used by edge %s", e, other)
			}
		}
	}
	b.edges = append(b.edges, e)
	return b
}

// SetOutput marks the anchor role of the pattern.
func (b *Builder) SetOutput(role Role) *Builder {
	if _, found := b.allowed[role]; !found {
		return b.errorf("SetOutput(%q): undeclared role", role)
	}
	if b.output != "" {
		return b.errorf("SetOutput(%q): output already set to %q", role, b.output)
	}
	b.output = role
	return b
}

// Build validates the declaration and returns the immutable Pattern.
//
// It fails if any of the previous calls failed, if the output is not set, if the roles form a
// cycle or if any role doesn't reach the output.
func (b *Builder) Build() (*Pattern, error) {
	if b.output == "" && len(b.errs) == 0 {
		b.errorf("output role not set")
	}
	if len(b.errs) > 0 {
		return nil, errors.Errorf("pattern %q: %s", b.name, strings.Join(b.errs, "; "))
	}
	if err := b.checkAcyclic(); err != nil {
		return nil, err
	}
	p := &Pattern{
		name:    b.name,
		roles:   slices.Clone(b.roles),
		allowed: make(map[Role]ops.Set, len(b.allowed)),
		output:  b.output,
	}
	for role, set := range b.allowed {
		p.allowed[role] = set
	}

	// Breadth-first from the output, following edges from consumer to producer.
	visited := map[Role]bool{b.output: true}
	queue := []Role{b.output}
	for len(queue) > 0 {
		consumer := queue[0]
		queue = queue[1:]
		for _, e := range b.edges {
			if e.Consumer != consumer {
				continue
			}
			p.edges = append(p.edges, e)
			if !visited[e.Producer] {
				visited[e.Producer] = true
				queue = append(queue, e.Producer)
			}
		}
	}
	var unreachable []string
	for _, role := range b.roles {
		if !visited[role] {
			unreachable = append(unreachable, string(role))
		}
	}
	if len(unreachable) > 0 {
		return nil, errors.Errorf("pattern %q: roles %q don't feed the output role %q", b.name, unreachable, b.output)
	}
	return p, nil
}

func (b *Builder) checkAcyclic() error {
	dg := simple.NewDirectedGraph()
	for ii := range b.roles {
		dg.AddNode(simple.Node(ii))
	}
	roleIdx := make(map[Role]int64, len(b.roles))
	for ii, role := range b.roles {
		roleIdx[role] = int64(ii)
	}
	for _, e := range b.edges {
		dg.SetEdge(dg.NewEdge(simple.Node(roleIdx[e.Producer]), simple.Node(roleIdx[e.Consumer])))
	}
	if _, err := topo.Sort(dg); err != nil {
		var cycles topo.Unorderable
		if errors.As(err, &cycles) && len(cycles) > 0 {
			names := make([]string, len(cycles[0]))
			for ii, n := range cycles[0] {
				names[ii] = string(b.roles[n.ID()])
			}
			slices.Sort(names)
			return errors.Errorf("pattern %q: cycle among roles %q", b.name, names)
		}
		return errors.Wrapf(err, "pattern %q", b.name)
	}
	return nil
}
