package workflow

type mark uint8

const (
	unvisited mark = iota
	visiting
	visited
)

// Schedule returns the node ids in an order where every node follows all of
// its dependencies. Roots are visited in definition order and dependencies in
// connection order, so the result is deterministic for a given definition.
func Schedule(g *Graph) ([]string, error) {
	marks := make(map[string]mark, len(g.ids))
	order := make([]string, 0, len(g.ids))
	var stack []string

	var visit func(id string) error
	visit = func(id string) error {
		switch marks[id] {
		case visited:
			return nil
		case visiting:
			return &CycleError{Path: cyclePath(stack, id)}
		}

		marks[id] = visiting
		stack = append(stack, id)
		for _, dep := range g.adjacency[id].Dependencies {
			if err := visit(dep); err != nil {
				return err
			}
		}
		stack = stack[:len(stack)-1]
		marks[id] = visited
		order = append(order, id)
		return nil
	}

	for _, id := range g.ids {
		if err := visit(id); err != nil {
			return nil, err
		}
	}
	return order, nil
}

// cyclePath cuts the visiting stack down to the loop closing at id.
func cyclePath(stack []string, id string) []string {
	for i, s := range stack {
		if s == id {
			path := append([]string{}, stack[i:]...)
			return append(path, id)
		}
	}
	return []string{id, id}
}
