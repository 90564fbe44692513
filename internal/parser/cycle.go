package parser

import (
	"sort"

	"dagforge/internal/model"
)

// findCycle runs a depth-first search over the intra-job dependency graph and
// returns one cycle as a task_id sequence (first element repeated at the end),
// or nil when the graph is acyclic. Task IDs are visited in sorted order so
// the reported witness is stable across runs.
func findCycle(job *model.JobDefinition) []string {
	deps := make(map[string][]string, len(job.Tasks))
	for i := range job.Tasks {
		deps[job.Tasks[i].TaskID] = job.Tasks[i].DependsOn
	}

	const (
		white = iota // unvisited
		gray         // on the current path
		black        // fully explored
	)
	color := make(map[string]int, len(deps))

	var stack []string
	var cycle []string

	var visit func(id string) bool
	visit = func(id string) bool {
		color[id] = gray
		stack = append(stack, id)

		for _, dep := range deps[id] {
			switch color[dep] {
			case gray:
				// Found it: slice the stack from the first occurrence of dep.
				start := 0
				for i, s := range stack {
					if s == dep {
						start = i
						break
					}
				}
				cycle = append(append([]string(nil), stack[start:]...), dep)
				return true
			case white:
				if visit(dep) {
					return true
				}
			}
		}

		stack = stack[:len(stack)-1]
		color[id] = black
		return false
	}

	roots := make([]string, 0, len(deps))
	for id := range deps {
		roots = append(roots, id)
	}
	sort.Strings(roots)

	for _, id := range roots {
		if color[id] == white && visit(id) {
			return cycle
		}
	}
	return nil
}
