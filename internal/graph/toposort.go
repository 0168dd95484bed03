package graph

// topologicalSort orders names by Kahn's algorithm using deps(n) as the set
// of n's forward dependencies. The result places n before every member of
// deps(n): a node's forward dependencies never appear earlier than the node
// itself. It returns an error if the dependency graph has a cycle.
func topologicalSort(names []string, deps func(string) ([]string, error)) ([]string, error) {
	inDegree := make(map[string]int, len(names))
	dependents := make(map[string][]string, len(names))
	known := make(map[string]bool, len(names))
	for _, n := range names {
		known[n] = true
		if _, ok := inDegree[n]; !ok {
			inDegree[n] = 0
		}
	}

	for _, n := range names {
		ds, err := deps(n)
		if err != nil {
			return nil, err
		}
		for _, d := range ds {
			if !known[d] {
				continue
			}
			// n must precede d, so d waits on n.
			inDegree[d]++
			dependents[n] = append(dependents[n], d)
		}
	}

	var queue []string
	for _, n := range names {
		if inDegree[n] == 0 {
			queue = append(queue, n)
		}
	}

	result := make([]string, 0, len(names))
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		result = append(result, n)
		for _, dependent := range dependents[n] {
			inDegree[dependent]--
			if inDegree[dependent] == 0 {
				queue = append(queue, dependent)
			}
		}
	}

	if len(result) != len(names) {
		return nil, NewInvalidStateError("dependency graph contains a cycle")
	}
	return result, nil
}
