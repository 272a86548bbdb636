package workflow

import "fmt"

// Adjacency records a node's upstream dependencies and downstream dependents.
type Adjacency struct {
	Dependencies []string `json:"dependencies"`
	Dependents   []string `json:"dependents"`
}

// Graph is the dependency structure of a definition. Node ids keep the
// order in which the definition lists them.
type Graph struct {
	ids       []string
	nodes     map[string]Node
	adjacency map[string]*Adjacency
}

// BuildGraph turns a definition into its adjacency structure. Every node
// appears as a key even when it has no connections.
func BuildGraph(def *Definition) (*Graph, error) {
	if def == nil || len(def.Nodes) == 0 {
		return nil, ErrEmptyDefinition
	}

	g := &Graph{
		ids:       make([]string, 0, len(def.Nodes)),
		nodes:     make(map[string]Node, len(def.Nodes)),
		adjacency: make(map[string]*Adjacency, len(def.Nodes)),
	}
	for _, n := range def.Nodes {
		if _, ok := g.nodes[n.ID]; ok {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateNode, n.ID)
		}
		g.ids = append(g.ids, n.ID)
		g.nodes[n.ID] = n
		g.adjacency[n.ID] = &Adjacency{Dependencies: []string{}, Dependents: []string{}}
	}

	for i, c := range def.Connections {
		from, ok := g.adjacency[c.From]
		if !ok {
			return nil, fmt.Errorf("%w: connection %d from %q", ErrUnknownNodeReference, i, c.From)
		}
		to, ok := g.adjacency[c.To]
		if !ok {
			return nil, fmt.Errorf("%w: connection %d to %q", ErrUnknownNodeReference, i, c.To)
		}
		to.Dependencies = append(to.Dependencies, c.From)
		from.Dependents = append(from.Dependents, c.To)
	}
	return g, nil
}

// Len returns the number of nodes in the graph.
func (g *Graph) Len() int { return len(g.ids) }

// Node returns the node with the given id.
func (g *Graph) Node(id string) (Node, bool) {
	n, ok := g.nodes[id]
	return n, ok
}

// Adjacency returns a copy of the adjacency map keyed by node id.
func (g *Graph) Adjacency() map[string]Adjacency {
	out := make(map[string]Adjacency, len(g.adjacency))
	for id, a := range g.adjacency {
		out[id] = Adjacency{
			Dependencies: append([]string{}, a.Dependencies...),
			Dependents:   append([]string{}, a.Dependents...),
		}
	}
	return out
}
