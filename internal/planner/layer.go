package planner

import (
	"fmt"
	"sort"
	"strings"

	"github.com/ZanzyTHEbar/essayflow"
)

// Layer orders steps by DependsOn into groups (Kahn levels). Dependencies on
// steps outside the slice are treated as already satisfied. Within a group
// steps keep their input order. A cycle is a PlanningError.
func Layer(steps []essayflow.ExecutionStep) (*essayflow.ExecutionPlan, error) {
	index := make(map[string]int, len(steps))
	for i, s := range steps {
		if _, dup := index[s.ID]; dup {
			return nil, essayflow.NewPlanningError(fmt.Sprintf("duplicate step id %q", s.ID), nil)
		}
		index[s.ID] = i
	}

	indegree := make([]int, len(steps))
	dependents := make([][]int, len(steps))
	for i, s := range steps {
		for _, dep := range s.DependsOn {
			j, ok := index[dep]
			if !ok {
				continue
			}
			if j == i {
				return nil, essayflow.NewPlanningError(fmt.Sprintf("step %q depends on itself", s.ID), nil)
			}
			indegree[i]++
			dependents[j] = append(dependents[j], i)
		}
	}

	var level []int
	for i := range steps {
		if indegree[i] == 0 {
			level = append(level, i)
		}
	}

	plan := &essayflow.ExecutionPlan{}
	placed := 0
	for len(level) > 0 {
		group := make([]string, 0, len(level))
		var next []int
		for _, i := range level {
			group = append(group, steps[i].ID)
			plan.Steps = append(plan.Steps, steps[i])
			placed++
			for _, d := range dependents[i] {
				indegree[d]--
				if indegree[d] == 0 {
					next = append(next, d)
				}
			}
		}
		plan.Groups = append(plan.Groups, group)
		sort.Ints(next)
		level = next
	}

	if placed != len(steps) {
		var stuck []string
		for i, s := range steps {
			if indegree[i] > 0 {
				stuck = append(stuck, s.ID)
			}
		}
		return nil, essayflow.NewPlanningError("dependency cycle between steps: "+strings.Join(stuck, ", "), nil)
	}
	return plan, nil
}
