package hierarchy

import (
	"fmt"
	"strings"

	"harvestline/internal/domain"
)

// UnknownTypeID marks an item whose type matches no configured node.
const UnknownTypeID = -1

// Graph is the configured issue type hierarchy.
type Graph struct {
	nodes  []domain.IssueTypeNode
	byID   map[int]domain.IssueTypeNode
	byName map[string]domain.IssueTypeNode
}

func NewGraph(nodes []domain.IssueTypeNode) *Graph {
	g := &Graph{
		nodes:  append([]domain.IssueTypeNode(nil), nodes...),
		byID:   map[int]domain.IssueTypeNode{},
		byName: map[string]domain.IssueTypeNode{},
	}
	for _, n := range nodes {
		g.byID[n.ID] = n
		g.byName[n.Name] = n
	}
	return g
}

func (g *Graph) Nodes() []domain.IssueTypeNode {
	return append([]domain.IssueTypeNode(nil), g.nodes...)
}

// Report is the result of validating a Graph. Issues are fatal.
type Report struct {
	Issues   []string `json:"issues"`
	Warnings []string `json:"warnings"`
}

func (r Report) Valid() bool { return len(r.Issues) == 0 }

// ConfigError wraps a fatal validation report.
type ConfigError struct {
	Report Report
}

func (e *ConfigError) Error() string {
	return "invalid issue type hierarchy: " + strings.Join(e.Report.Issues, "; ")
}

// Validate checks for cycles, dangling child references and root count.
func (g *Graph) Validate() Report {
	var r Report
	for _, n := range g.nodes {
		for _, c := range n.ChildTypeIDs {
			if _, ok := g.byID[c]; !ok {
				r.Issues = append(r.Issues, fmt.Sprintf("invalid child type id %d in issue type %s", c, n.Name))
			}
		}
	}
	for _, n := range g.nodes {
		if g.reachesSelf(n.ID) {
			r.Issues = append(r.Issues, fmt.Sprintf("circular reference for issue type %s (id %d)", n.Name, n.ID))
		}
	}
	roots := g.Roots()
	if len(roots) != 1 {
		names := make([]string, 0, len(roots))
		for _, n := range roots {
			names = append(names, n.Name)
		}
		r.Warnings = append(r.Warnings, fmt.Sprintf("expected exactly 1 root type, found %d: %v", len(roots), names))
	}
	return r
}

func (g *Graph) reachesSelf(start int) bool {
	seen := map[int]bool{}
	stack := append([]int(nil), g.byID[start].ChildTypeIDs...)
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if id == start {
			return true
		}
		if seen[id] {
			continue
		}
		seen[id] = true
		stack = append(stack, g.byID[id].ChildTypeIDs...)
	}
	return false
}

// Roots returns the nodes no other node lists as a child, in config order.
func (g *Graph) Roots() []domain.IssueTypeNode {
	referenced := map[int]bool{}
	for _, n := range g.nodes {
		for _, c := range n.ChildTypeIDs {
			referenced[c] = true
		}
	}
	var roots []domain.IssueTypeNode
	for _, n := range g.nodes {
		if !referenced[n.ID] && n.ID != UnknownTypeID {
			roots = append(roots, n)
		}
	}
	return roots
}

// MapTypeID resolves an upstream type to a configured id: by id, then by
// name, else UnknownTypeID.
func (g *Graph) MapTypeID(id int, name string) int {
	if _, ok := g.byID[id]; ok {
		return id
	}
	if n, ok := g.byName[name]; ok {
		return n.ID
	}
	return UnknownTypeID
}
