package workflow

import (
	"fmt"
	"strings"
)

// Graph renders the transition table as Graphviz DOT, a documentation
// convenience for `sg workflow graph | dot -Tsvg`.
func (d Definition) Graph() string {
	var b strings.Builder
	b.WriteString("digraph studygate {\n")
	b.WriteString("  rankdir=LR;\n")
	b.WriteString("  node [shape=box, style=rounded];\n")
	for _, s := range States() {
		if s == Initial {
			fmt.Fprintf(&b, "  %q [peripheries=2];\n", s)
		} else {
			fmt.Fprintf(&b, "  %q;\n", s)
		}
	}
	for _, tr := range d.transitions {
		label := string(tr.Trigger)
		if tr.Guard != "" {
			label += fmt.Sprintf("\\n[%s]", tr.Guard)
		}
		for _, src := range tr.Sources {
			fmt.Fprintf(&b, "  %q -> %q [label=%q];\n", src, tr.Destination, label)
		}
	}
	b.WriteString("}\n")
	return b.String()
}
