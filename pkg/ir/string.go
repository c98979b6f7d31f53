// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package ir

import (
	"fmt"
	"strings"
)

// String pretty-prints the graph: one line per node with its inputs (producers), output descriptors
// and attributes, followed by the control edges. The output is deterministic, and two graphs
// that print the same have the same structure, attributes and descriptors.
func (g *Graph) String() string {
	var sb strings.Builder
	_, _ = fmt.Fprintf(&sb, "Graph %q: %d nodes, %d edges, %d control edges\n",
		g.name, len(g.nodes), g.numEdges, g.numCtrlEdges)
	for _, n := range g.nodes {
		inputs := make([]string, len(n.inputs))
		for idx, d := range n.inputs {
			if src, found := g.producers[n.In(idx)]; found {
				inputs[idx] = fmt.Sprintf("%s %s", src, d)
			} else {
				inputs[idx] = fmt.Sprintf("<none> %s", d)
			}
		}
		outputs := make([]string, len(n.outputs))
		for idx, d := range n.outputs {
			outputs[idx] = d.String()
		}
		_, _ = fmt.Fprintf(&sb, "  #%d %s = %s(%s) -> [%s]", n.id, n.name, n.op,
			strings.Join(inputs, ", "), strings.Join(outputs, ", "))
		if n.attrs.Len() > 0 {
			sb.WriteString(" " + n.attrs.String())
		}
		sb.WriteString("\n")
	}
	for _, e := range g.ControlEdges() {
		_, _ = fmt.Fprintf(&sb, "  ctrl %s\n", e)
	}
	return sb.String()
}
