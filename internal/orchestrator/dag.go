package orchestrator

import (
	"fmt"
	"strings"

	"github.com/toankh-dev/chat-bot-sub001/pkg/models"
)

// topoOrder sorts the plan's steps with Kahn's algorithm over hard and soft
// dependencies. Ties are broken by declaration order.
func topoOrder(plan *models.Plan) ([]string, error) {
	ids := plan.Order
	if len(ids) == 0 {
		return nil, nil
	}

	inDegree := make(map[string]int, len(ids))
	forward := make(map[string][]string)
	for _, id := range ids {
		inDegree[id] = 0
	}
	for _, id := range ids {
		for _, dep := range predecessors(plan.Steps[id]) {
			if _, known := inDegree[dep]; !known {
				continue
			}
			inDegree[id]++
			forward[dep] = append(forward[dep], id)
		}
	}

	var queue []string
	for _, id := range ids {
		if inDegree[id] == 0 {
			queue = append(queue, id)
		}
	}

	sorted := make([]string, 0, len(ids))
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		sorted = append(sorted, id)
		for _, next := range forward[id] {
			inDegree[next]--
			if inDegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}

	if len(sorted) != len(ids) {
		var stuck []string
		for _, id := range ids {
			if inDegree[id] > 0 {
				stuck = append(stuck, id)
			}
		}
		return nil, fmt.Errorf("%w: %s", ErrCyclicPlan, strings.Join(stuck, ", "))
	}
	return sorted, nil
}

// checkDeps reports hard or soft dependencies on steps the plan does not
// contain.
func checkDeps(plan *models.Plan) error {
	for _, step := range plan.Ordered() {
		for _, dep := range predecessors(step) {
			if _, ok := plan.Steps[dep]; !ok {
				return fmt.Errorf("%w: %s depends on %s", ErrUnknownStep, step.ID, dep)
			}
		}
	}
	return nil
}

// uniqueDeps returns step's hard dependencies without repeats.
func uniqueDeps(step *models.Step) []string {
	seen := make(map[string]bool, len(step.DependsOn))
	out := make([]string, 0, len(step.DependsOn))
	for _, dep := range step.DependsOn {
		if !seen[dep] {
			seen[dep] = true
			out = append(out, dep)
		}
	}
	return out
}

func predecessors(s *models.Step) []string {
	out := make([]string, 0, len(s.DependsOn)+len(s.SoftDependsOn))
	out = append(out, s.DependsOn...)
	return append(out, s.SoftDependsOn...)
}

// stronglyConnected returns the components of the hard-dependency graph
// with more than one member (or a self loop), each listed in declaration
// order. Components are ordered by their first member.
func stronglyConnected(plan *models.Plan) [][]string {
	position := make(map[string]int, len(plan.Order))
	for i, id := range plan.Order {
		position[id] = i
	}

	var (
		index   = 0
		stack   []string
		onStack = make(map[string]bool)
		indices = make(map[string]int)
		lowlink = make(map[string]int)
		comps   [][]string
	)

	var visit func(id string)
	visit = func(id string) {
		indices[id] = index
		lowlink[id] = index
		index++
		stack = append(stack, id)
		onStack[id] = true

		for _, dep := range plan.Steps[id].DependsOn {
			if _, known := position[dep]; !known {
				continue
			}
			if _, seen := indices[dep]; !seen {
				visit(dep)
				lowlink[id] = min(lowlink[id], lowlink[dep])
			} else if onStack[dep] {
				lowlink[id] = min(lowlink[id], indices[dep])
			}
		}

		if lowlink[id] != indices[id] {
			return
		}
		var comp []string
		for {
			top := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			onStack[top] = false
			comp = append(comp, top)
			if top == id {
				break
			}
		}
		if len(comp) > 1 || dependsOnSelf(plan.Steps[id]) {
			sortByPosition(comp, position)
			comps = append(comps, comp)
		}
	}

	for _, id := range plan.Order {
		if _, seen := indices[id]; !seen {
			visit(id)
		}
	}

	for i := 1; i < len(comps); i++ {
		for j := i; j > 0 && position[comps[j][0]] < position[comps[j-1][0]]; j-- {
			comps[j], comps[j-1] = comps[j-1], comps[j]
		}
	}
	return comps
}

func dependsOnSelf(s *models.Step) bool {
	for _, dep := range s.DependsOn {
		if dep == s.ID {
			return true
		}
	}
	return false
}

func sortByPosition(ids []string, position map[string]int) {
	for i := 1; i < len(ids); i++ {
		for j := i; j > 0 && position[ids[j]] < position[ids[j-1]]; j-- {
			ids[j], ids[j-1] = ids[j-1], ids[j]
		}
	}
}

// linearize replaces the edges inside each cycle with a chain in
// declaration order. Edges entering a component from outside are kept.
// It reports whether anything changed.
func linearize(plan *models.Plan) bool {
	comps := stronglyConnected(plan)
	for _, comp := range comps {
		members := make(map[string]bool, len(comp))
		for _, id := range comp {
			members[id] = true
		}
		for i, id := range comp {
			step := plan.Steps[id]
			kept := step.DependsOn[:0]
			for _, dep := range step.DependsOn {
				if !members[dep] {
					kept = append(kept, dep)
				}
			}
			if i > 0 {
				kept = append(kept, comp[i-1])
			}
			step.DependsOn = kept
		}
	}
	return len(comps) > 0
}
