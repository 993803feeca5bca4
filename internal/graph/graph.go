// Package graph builds the task dependency graph and answers the
// scheduler's questions: is the graph valid, what order can it run in, and
// which tasks are ready right now.
package graph

import (
	"sort"
	"strings"

	"github.com/taskerdev/tasker/internal/errors"
	"github.com/taskerdev/tasker/internal/state"
)

// Graph is the dependency graph over a task set. Edges point from a task
// to the tasks it depends on.
type Graph struct {
	tasks map[string]*state.Task
	order []string // all ids, ascending
}

// Build constructs a graph and rejects dangling references. Both
// depends_on and blocks must reference loaded tasks.
func Build(tasks map[string]*state.Task) (*Graph, error) {
	g := &Graph{tasks: tasks}
	for id := range tasks {
		g.order = append(g.order, id)
	}
	sort.Strings(g.order)

	for _, id := range g.order {
		t := tasks[id]
		for _, dep := range t.DependsOn {
			if _, ok := tasks[dep]; !ok {
				return nil, errors.New(errors.CategoryGraph, errors.CodeMissingDependency,
					"depends_on references a task that was not loaded").
					With("task_id", id).
					With("missing", dep)
			}
		}
		for _, b := range t.Blocks {
			if _, ok := tasks[b]; !ok {
				return nil, errors.New(errors.CategoryGraph, errors.CodeMissingDependency,
					"blocks references a task that was not loaded").
					With("task_id", id).
					With("missing", b)
			}
		}
	}
	return g, nil
}

// DetectCycle runs a DFS with a recursion stack over depends_on edges.
// Nodes are visited in ascending id order so the reported cycle is
// deterministic. A self-dependency is a cycle of length one.
func (g *Graph) DetectCycle() error {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(g.tasks))
	var stack []string

	var visit func(id string) []string
	visit = func(id string) []string {
		color[id] = gray
		stack = append(stack, id)

		deps := append([]string(nil), g.tasks[id].DependsOn...)
		sort.Strings(deps)
		for _, dep := range deps {
			switch color[dep] {
			case gray:
				// Revisited a gray node: the cycle is the stack suffix
				// starting at dep, closed with dep again.
				start := 0
				for i, v := range stack {
					if v == dep {
						start = i
						break
					}
				}
				cycle := append([]string(nil), stack[start:]...)
				return append(cycle, dep)
			case white:
				if cycle := visit(dep); cycle != nil {
					return cycle
				}
			}
		}

		stack = stack[:len(stack)-1]
		color[id] = black
		return nil
	}

	for _, id := range g.order {
		if color[id] != white {
			continue
		}
		stack = stack[:0]
		if cycle := visit(id); cycle != nil {
			return errors.New(errors.CategoryGraph, errors.CodeCycleDetected,
				"dependency cycle detected").
				With("cycle", strings.Join(cycle, " -> "))
		}
	}
	return nil
}

// TopoSort returns a dependency-respecting linearization using Kahn's
// algorithm, breaking ties by ascending id.
func (g *Graph) TopoSort() ([]string, error) {
	inDegree := make(map[string]int, len(g.tasks))
	dependents := make(map[string][]string, len(g.tasks))

	for _, id := range g.order {
		inDegree[id] = 0
	}
	for _, id := range g.order {
		seen := make(map[string]bool)
		for _, dep := range g.tasks[id].DependsOn {
			if seen[dep] {
				continue
			}
			seen[dep] = true
			dependents[dep] = append(dependents[dep], id)
			inDegree[id]++
		}
	}

	var queue []string
	for _, id := range g.order {
		if inDegree[id] == 0 {
			queue = append(queue, id)
		}
	}

	result := make([]string, 0, len(g.tasks))
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		result = append(result, current)

		var newReady []string
		for _, dep := range dependents[current] {
			inDegree[dep]--
			if inDegree[dep] == 0 {
				newReady = append(newReady, dep)
			}
		}
		if len(newReady) > 0 {
			queue = append(queue, newReady...)
			sort.Strings(queue)
		}
	}

	if len(result) != len(g.tasks) {
		// Blocked nodes imply a cycle; report it precisely.
		if err := g.DetectCycle(); err != nil {
			return nil, err
		}
		var stuck []string
		for id, deg := range inDegree {
			if deg > 0 {
				stuck = append(stuck, id)
			}
		}
		sort.Strings(stuck)
		return nil, errors.New(errors.CategoryGraph, errors.CodeCycleDetected,
			"tasks unreachable in topological order").
			With("tasks", strings.Join(stuck, ", "))
	}
	return result, nil
}

// ReadySet returns the ids runnable right now, ascending: status pending,
// every dependency complete or skipped, and not reserved by an active
// checkpoint. Skipped dependencies do not block dependents.
func (g *Graph) ReadySet(st *state.State) []string {
	var ready []string
	for _, id := range g.order {
		t := g.tasks[id]
		if t.Status != state.StatusPending && t.Status != state.StatusReady {
			continue
		}
		if st.Checkpoint != nil && !st.Checkpoint.Completed {
			if r, reserved := st.Checkpoint.Results[id]; reserved && !r.Resolved() {
				continue
			}
		}
		blocked := false
		for _, dep := range t.DependsOn {
			d := g.tasks[dep]
			if d.Status != state.StatusComplete && d.Status != state.StatusSkipped {
				blocked = true
				break
			}
		}
		if !blocked {
			ready = append(ready, id)
		}
	}
	return ready
}

// ValidateSteelThread checks the steel-thread subgraph: it must be
// acyclic (implied by the whole graph) and closed under dependencies,
// meaning no steel-thread task may depend on a non-steel-thread task.
func (g *Graph) ValidateSteelThread() error {
	for _, id := range g.order {
		t := g.tasks[id]
		if !t.SteelThread {
			continue
		}
		for _, dep := range t.DependsOn {
			if !g.tasks[dep].SteelThread {
				return errors.New(errors.CategoryGraph, errors.CodeSteelThreadBroken,
					"steel-thread task depends on a non-steel-thread task").
					With("task_id", id).
					With("dependency", dep)
			}
		}
	}
	return nil
}

// Validate runs the full graph validation used by the sequencing gate:
// no dangling references (checked at Build), no cycles, steel thread intact.
func (g *Graph) Validate() error {
	if err := g.DetectCycle(); err != nil {
		return err
	}
	return g.ValidateSteelThread()
}
