package graph

import (
	"fmt"
	"strings"
)

// Text returns a human readable rendering of the graph, one stage per block.
func (g *Graph) Text() string {
	var sb strings.Builder

	sb.WriteString("Dependency Graph:\n")

	stages, err := g.Stages()
	if err != nil {
		sb.WriteString(fmt.Sprintf("  Error: %v\n", err))
		return sb.String()
	}

	for i, stage := range stages {
		sb.WriteString(fmt.Sprintf("  Stage %d:\n", i+1))
		for _, name := range stage {
			deps := g.deps[name]
			if len(deps) == 0 {
				sb.WriteString(fmt.Sprintf("    %s\n", name))
			} else {
				sb.WriteString(fmt.Sprintf("    %s ← (%s)\n", name, strings.Join(deps, ", ")))
			}
		}
	}

	return sb.String()
}

// Mermaid returns a Mermaid diagram of the graph. Edges point from a
// dependency to its dependent.
func (g *Graph) Mermaid() string {
	var sb strings.Builder

	sb.WriteString("graph TD\n")

	for _, name := range g.names {
		sb.WriteString(fmt.Sprintf("    %s[\"%s\"]\n", mermaidID(name), name))
	}
	for _, name := range g.names {
		for _, dep := range g.deps[name] {
			sb.WriteString(fmt.Sprintf("    %s --> %s\n", mermaidID(dep), mermaidID(name)))
		}
	}

	return sb.String()
}

// mermaidID maps a project name to a node identifier Mermaid accepts.
func mermaidID(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			return r
		default:
			return '_'
		}
	}, name)
}
