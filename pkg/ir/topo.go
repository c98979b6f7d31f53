// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package ir

import (
	"cmp"
	"fmt"
	"slices"
	"strings"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/graph"
	"gonum.org/v1/gonum/graph/simple"
	"gonum.org/v1/gonum/graph/topo"
)

// directed converts the graph structure (data and control edges) to a gonum directed graph.
func (g *Graph) directed() *simple.DirectedGraph {
	dg := simple.NewDirectedGraph()
	for _, n := range g.nodes {
		dg.AddNode(simple.Node(n.id))
	}
	for dst, src := range g.producers {
		dg.SetEdge(dg.NewEdge(simple.Node(src.Node.id), simple.Node(dst.Node.id)))
	}
	for src, dsts := range g.ctrlOut {
		for _, dst := range dsts {
			dg.SetEdge(dg.NewEdge(simple.Node(src.id), simple.Node(dst.id)))
		}
	}
	return dg
}

// TopologicalOrder returns the nodes sorted such that producers (and control predecessors)
// come before their consumers. The order is deterministic. It fails if the graph has a cycle.
func (g *Graph) TopologicalOrder() ([]*Node, error) {
	// Node ids grow with insertion order.
	order := func(nodes []graph.Node) {
		slices.SortFunc(nodes, func(a, b graph.Node) int { return cmp.Compare(a.ID(), b.ID()) })
	}
	sorted, err := topo.SortStabilized(g.directed(), order)
	if err != nil {
		var cycles topo.Unorderable
		if errors.As(err, &cycles) {
			return nil, errors.Errorf("Graph(%q) has %d cycle(s), e.g.: %s", g.name, len(cycles), g.describeCycle(cycles[0]))
		}
		return nil, errors.Wrapf(err, "Graph(%q): topological sort", g.name)
	}
	nodes := make([]*Node, len(sorted))
	for ii, gn := range sorted {
		nodes[ii] = g.byId[NodeId(gn.ID())]
	}
	return nodes, nil
}

func (g *Graph) describeCycle(component []graph.Node) string {
	names := make([]string, len(component))
	for ii, gn := range component {
		names[ii] = g.byId[NodeId(gn.ID())].name
	}
	return fmt.Sprintf("{%s}", strings.Join(names, ", "))
}

// Validate checks the structural invariants of the graph: every edge endpoint is owned by the
// graph and the graph is acyclic.
func (g *Graph) Validate() error {
	for dst, src := range g.producers {
		if !g.Has(dst.Node) || !g.Has(src.Node) {
			return errors.Errorf("Graph(%q): edge %s->%s references a node not in the graph", g.name, src, dst)
		}
	}
	for src, dsts := range g.ctrlOut {
		for _, dst := range dsts {
			if !g.Has(src) || !g.Has(dst) {
				return errors.Errorf("Graph(%q): control edge %s~>%s references a node not in the graph", g.name, src, dst)
			}
		}
	}
	_, err := g.TopologicalOrder()
	return err
}
