// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package matcher finds the occurrences of a pattern.Pattern in an ir.Graph.
//
// Match returns a lazy sequence of Mapping values, one per structurally valid binding of the
// pattern roles to graph nodes. It never mutates the graph, but the consumer of the sequence
// may: anchors removed while iterating are skipped, and a Mapping that may have been invalidated
// by a rewrite should be re-checked with Verify before use.
package matcher

import (
	"fmt"
	"iter"
	"slices"
	"strings"

	"github.com/gomlx/fusion/pkg/fusion/pattern"
	"github.com/gomlx/fusion/pkg/ir"
	"github.com/pkg/errors"
)

// Mapping binds every role of a Pattern to a concrete node of a graph.
type Mapping struct {
	pattern *pattern.Pattern
	nodes   map[pattern.Role]*ir.Node

	// slots[ii] is the input slot of the consumer used by pattern edge ii.
	slots []int
}

// NewMapping creates a Mapping from explicit bindings. It doesn't check the bindings, see Verify.
// Slots of the pattern edges are resolved to the first input of the consumer fed by the producer.
func NewMapping(p *pattern.Pattern, nodes map[pattern.Role]*ir.Node) *Mapping {
	m := &Mapping{pattern: p, nodes: make(map[pattern.Role]*ir.Node, len(nodes))}
	for role, n := range nodes {
		m.nodes[role] = n
	}
	edges := p.Edges()
	m.slots = make([]int, len(edges))
	for ii, e := range edges {
		m.slots[ii] = -1
		consumer, producer := m.nodes[e.Consumer], m.nodes[e.Producer]
		if consumer == nil || producer == nil {
			continue
		}
		for idx := range consumer.NumInputs() {
			if e.Input != pattern.AnySlot && e.Input != idx {
				continue
			}
			if consumer.ProducerNode(idx) == producer {
				m.slots[ii] = idx
				break
			}
		}
	}
	return m
}

// Pattern returns the pattern the Mapping was matched against.
func (m *Mapping) Pattern() *pattern.Pattern { return m.pattern }

// Node bound to the role, or nil if the role is not bound.
func (m *Mapping) Node(role pattern.Role) *ir.Node { return m.nodes[role] }

// Anchor returns the node bound to the output role of the pattern.
func (m *Mapping) Anchor() *ir.Node { return m.nodes[m.pattern.Output()] }

// Roles returns the pattern roles, in declaration order.
func (m *Mapping) Roles() []pattern.Role { return m.pattern.Roles() }

// Nodes returns the bound nodes, in role declaration order. Unbound roles are skipped.
func (m *Mapping) Nodes() []*ir.Node {
	nodes := make([]*ir.Node, 0, len(m.nodes))
	for _, role := range m.pattern.Roles() {
		if n := m.nodes[role]; n != nil {
			nodes = append(nodes, n)
		}
	}
	return nodes
}

// Has returns whether the node is bound to some role.
func (m *Mapping) Has(n *ir.Node) bool {
	return m.RoleOf(n) != ""
}

// RoleOf returns the role the node is bound to, or "".
func (m *Mapping) RoleOf(n *ir.Node) pattern.Role {
	for role, bound := range m.nodes {
		if bound == n {
			return role
		}
	}
	return ""
}

// InputSlot returns the input slot of the consumer node used by the pattern edge consumer<-producer.
// If the pair is connected more than once, the slot of the first edge is returned.
func (m *Mapping) InputSlot(consumer, producer pattern.Role) (int, bool) {
	for ii, e := range m.pattern.Edges() {
		if e.Consumer == consumer && e.Producer == producer && m.slots[ii] >= 0 {
			return m.slots[ii], true
		}
	}
	return -1, false
}

// IsInternal returns whether the data edge feeding input idx of the bound consumer node is one of
// the pattern edges.
func (m *Mapping) IsInternal(consumer *ir.Node, idx int) bool {
	for ii, e := range m.pattern.Edges() {
		if m.nodes[e.Consumer] == consumer && m.slots[ii] == idx {
			return true
		}
	}
	return false
}

// String implements fmt.Stringer.
func (m *Mapping) String() string {
	parts := make([]string, 0, len(m.nodes))
	for _, role := range m.pattern.Roles() {
		if n := m.nodes[role]; n != nil {
			parts = append(parts, fmt.Sprintf("%s=%s", role, n))
		} else {
			parts = append(parts, fmt.Sprintf("%s=<nil>", role))
		}
	}
	return fmt.Sprintf("%s{%s}", m.pattern.Name(), strings.Join(parts, ", "))
}

// Match enumerates the Mappings of p in g, lazily.
//
// Anchors are the nodes accepted by the output role, in graph order (as of the start of the
// enumeration). Each anchor is extended backwards along the pattern edges, and every structurally
// valid binding is yielded: if a role could bind either operand of an operator, one Mapping per
// binding is produced. Bindings are injective: two roles never bind the same node.
func Match(g *ir.Graph, p *pattern.Pattern) iter.Seq[*Mapping] {
	return func(yield func(*Mapping) bool) {
		if g == nil || p == nil {
			return
		}
		allowed := p.Allowed(p.Output())
		for _, anchor := range g.Nodes() {
			if !g.Has(anchor) || !allowed.Has(anchor.Op()) {
				continue
			}
			s := newSearch(g, p, anchor)
			if !s.extend(0, yield) {
				return
			}
		}
	}
}

// search is the backtracking state for one anchor.
type search struct {
	g     *ir.Graph
	p     *pattern.Pattern
	edges []pattern.Edge
	bound map[pattern.Role]*ir.Node
	used  map[*ir.Node]bool
	slots []int
	taken map[ir.InPort]bool

	// twins[ii] is the index of an earlier edge identical to edge ii, or -1. Twin edges bind
	// increasing slots, so permutations of the same slots are enumerated once.
	twins []int

	// stale is set when the consumer of the sequence removed a bound node.
	stale bool
}

func newSearch(g *ir.Graph, p *pattern.Pattern, anchor *ir.Node) *search {
	edges := p.Edges()
	s := &search{
		g:     g,
		p:     p,
		edges: edges,
		bound: map[pattern.Role]*ir.Node{p.Output(): anchor},
		used:  map[*ir.Node]bool{anchor: true},
		slots: make([]int, len(edges)),
		taken: make(map[ir.InPort]bool),
		twins: make([]int, len(edges)),
	}
	for ii, e := range edges {
		s.twins[ii] = -1
		if e.Input != pattern.AnySlot {
			continue
		}
		for jj := ii - 1; jj >= 0; jj-- {
			if edges[jj] == e {
				s.twins[ii] = jj
				break
			}
		}
	}
	return s
}

// extend binds pattern edges from edgeIdx on. It returns false if the enumeration must stop.
func (s *search) extend(edgeIdx int, yield func(*Mapping) bool) bool {
	if s.stale {
		return true
	}
	if edgeIdx == len(s.edges) {
		m := &Mapping{pattern: s.p, nodes: make(map[pattern.Role]*ir.Node, len(s.bound)), slots: slices.Clone(s.slots)}
		for role, n := range s.bound {
			m.nodes[role] = n
		}
		if !yield(m) {
			return false
		}
		for _, n := range m.nodes {
			if !s.g.Has(n) {
				s.stale = true
				break
			}
		}
		return true
	}

	e := s.edges[edgeIdx]
	consumer := s.bound[e.Consumer]
	first, last := 0, consumer.NumInputs()-1
	if e.Input != pattern.AnySlot {
		first, last = e.Input, e.Input
	}
	for idx := first; idx <= last && idx < consumer.NumInputs(); idx++ {
		if twin := s.twins[edgeIdx]; twin >= 0 && idx <= s.slots[twin] {
			continue
		}
		in := consumer.In(idx)
		if s.taken[in] {
			continue
		}
		src, found := s.g.Producer(in)
		if !found {
			continue
		}
		producer := src.Node
		previous, isBound := s.bound[e.Producer]
		if isBound {
			if previous != producer {
				continue
			}
		} else {
			if s.used[producer] || !s.p.Allowed(e.Producer).Has(producer.Op()) {
				continue
			}
			s.bound[e.Producer] = producer
			s.used[producer] = true
		}
		s.taken[in] = true
		s.slots[edgeIdx] = idx
		cont := s.extend(edgeIdx+1, yield)
		delete(s.taken, in)
		if !isBound {
			delete(s.bound, e.Producer)
			delete(s.used, producer)
		}
		if !cont {
			return false
		}
		if s.stale {
			return true
		}
	}
	return true
}

// Verify checks that the Mapping is still a valid occurrence of p in g: all roles bound to distinct
// live nodes of g, of accepted kinds, connected as the pattern edges require.
func Verify(g *ir.Graph, p *pattern.Pattern, m *Mapping) error {
	if g == nil || p == nil || m == nil {
		return errors.New("matcher.Verify(): nil graph, pattern or mapping")
	}
	if m.pattern != p {
		return errors.Errorf("mapping %s was not matched against pattern %q", m, p.Name())
	}
	seen := make(map[*ir.Node]pattern.Role, len(m.nodes))
	for _, role := range p.Roles() {
		n := m.nodes[role]
		if n == nil {
			return errors.Errorf("mapping %s: role %q not bound", m, role)
		}
		if !g.Has(n) {
			return errors.Errorf("mapping %s: node %s bound to %q is no longer in graph %q", m, n, role, g.Name())
		}
		if !p.Allowed(role).Has(n.Op()) {
			return errors.Errorf("mapping %s: node %s not accepted by role %q (%s)", m, n, role, p.Allowed(role))
		}
		if other, found := seen[n]; found {
			return errors.Errorf("mapping %s: node %s bound to both %q and %q", m, n, other, role)
		}
		seen[n] = role
	}
	for ii, e := range p.Edges() {
		idx := m.slots[ii]
		consumer, producer := m.nodes[e.Consumer], m.nodes[e.Producer]
		if idx < 0 || idx >= consumer.NumInputs() || consumer.ProducerNode(idx) != producer {
			return errors.Errorf("mapping %s: edge %s no longer connected", m, e)
		}
	}
	return nil
}
