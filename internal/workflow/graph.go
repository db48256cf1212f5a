package workflow

import (
	"fmt"
	"slices"
	"strings"
)

// ValidationError reports every structural problem found in a definition.
// Cycle is set when the dependency graph is cyclic and lists one cycle,
// each step depending on the next and the last on the first.
type ValidationError struct {
	Workflow string
	Problems []string
	Cycle    []string
}

func (e *ValidationError) Error() string {
	name := e.Workflow
	if name == "" {
		name = "workflow"
	}
	return fmt.Sprintf("invalid %s: %s", name, strings.Join(e.Problems, "; "))
}

// Validate checks step identity, agent references and dependencies, then
// that the dependency graph is acyclic.
func (d *Definition) Validate() error {
	verr := &ValidationError{Workflow: d.Name}
	add := func(format string, args ...any) {
		verr.Problems = append(verr.Problems, fmt.Sprintf(format, args...))
	}

	if len(d.Steps) == 0 {
		add("no steps defined")
	}
	if d.MaxConcurrent < 0 {
		add("max_concurrent must not be negative")
	}

	ids := make(map[string]bool, len(d.Steps))
	for i, s := range d.Steps {
		switch {
		case s.ID == "":
			add("step %d has no id", i)
			continue
		case ids[s.ID]:
			add("duplicate step id %q", s.ID)
		}
		ids[s.ID] = true
		if s.Agent == "" {
			add("step %q has no agent", s.ID)
		}
		if s.Retry != nil && s.Retry.MaxRetries < 0 {
			add("step %q: max_retries must not be negative", s.ID)
		}
		for _, p := range s.payloadProblems() {
			add("step %q: %s", s.ID, p)
		}
	}

	for _, s := range d.Steps {
		seen := make(map[string]bool, len(s.DependsOn))
		for _, dep := range s.DependsOn {
			switch {
			case dep == s.ID:
				add("step %q depends on itself", s.ID)
			case !ids[dep]:
				add("step %q depends on unknown step %q", s.ID, dep)
			case seen[dep]:
				add("step %q lists dependency %q twice", s.ID, dep)
			}
			seen[dep] = true
		}
	}

	if len(verr.Problems) > 0 {
		return verr
	}

	if _, remaining := d.topoSort(); len(remaining) > 0 {
		verr.Cycle = d.findCycle(remaining)
		add("dependency cycle: %s", strings.Join(append(slices.Clone(verr.Cycle), verr.Cycle[0]), " -> "))
		return verr
	}
	return nil
}

// Order returns step IDs in a topological order. Among steps that are
// ready at the same time, declaration order wins.
func (d *Definition) Order() ([]string, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}
	order, _ := d.topoSort()
	return order, nil
}

// Dependents returns every step that directly or transitively depends on
// id, in declaration order.
func (d *Definition) Dependents(id string) []string {
	children := d.children()
	marked := map[string]bool{}
	queue := []string{id}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, c := range children[cur] {
			if !marked[c] {
				marked[c] = true
				queue = append(queue, c)
			}
		}
	}
	var out []string
	for _, s := range d.Steps {
		if marked[s.ID] && s.ID != id {
			out = append(out, s.ID)
		}
	}
	return out
}

func (d *Definition) children() map[string][]string {
	children := make(map[string][]string)
	for _, s := range d.Steps {
		for _, dep := range s.DependsOn {
			children[dep] = append(children[dep], s.ID)
		}
	}
	return children
}

// topoSort runs Kahn's algorithm. Steps that could not be ordered because
// they sit on or behind a cycle are returned in remaining.
func (d *Definition) topoSort() (order []string, remaining []string) {
	inDegree := make(map[string]int, len(d.Steps))
	for _, s := range d.Steps {
		inDegree[s.ID] = len(s.DependsOn)
	}
	children := d.children()

	// ready holds declaration indices so the lowest one is always taken
	// first.
	index := make(map[string]int, len(d.Steps))
	var ready []int
	for i, s := range d.Steps {
		index[s.ID] = i
		if inDegree[s.ID] == 0 {
			ready = append(ready, i)
		}
	}

	done := make(map[string]bool, len(d.Steps))
	for len(ready) > 0 {
		slices.Sort(ready)
		id := d.Steps[ready[0]].ID
		ready = ready[1:]
		order = append(order, id)
		done[id] = true

		for _, c := range children[id] {
			inDegree[c]--
			if inDegree[c] == 0 {
				ready = append(ready, index[c])
			}
		}
	}

	for _, s := range d.Steps {
		if !done[s.ID] {
			remaining = append(remaining, s.ID)
		}
	}
	return order, remaining
}

// findCycle walks dependency edges among the unordered steps. Every such
// step has at least one unordered dependency, so the walk must revisit a
// step; the path from that step onward is a cycle.
func (d *Definition) findCycle(remaining []string) []string {
	left := make(map[string]bool, len(remaining))
	for _, id := range remaining {
		left[id] = true
	}
	deps := make(map[string][]string, len(d.Steps))
	for _, s := range d.Steps {
		deps[s.ID] = s.DependsOn
	}

	pos := map[string]int{}
	var path []string
	cur := remaining[0]
	for {
		if i, ok := pos[cur]; ok {
			return path[i:]
		}
		pos[cur] = len(path)
		path = append(path, cur)

		next := ""
		for _, dep := range deps[cur] {
			if left[dep] {
				next = dep
				break
			}
		}
		if next == "" {
			// Unreachable for a graph that failed Kahn's algorithm.
			return remaining
		}
		cur = next
	}
}
