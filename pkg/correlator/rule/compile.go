package rule

import (
	"errors"
	"fmt"
	"sort"
)

// Compilation errors.
var (
	// ErrUnknownDependency marks a depends_on entry that names no
	// registered rule.
	ErrUnknownDependency = errors.New("rule: unknown dependency")

	// ErrDependencyCycle marks a cycle in the declared dependencies.
	ErrDependencyCycle = errors.New("rule: dependency cycle")
)

// DAG is the immutable, validated execution graph. Conceptually it has
// a virtual start node before every root and a virtual end node after
// every leaf: execution begins at all rules with no dependencies and
// the run completes only once every rule has finished or failed.
type DAG struct {
	rules        map[string]Rule
	predecessors map[string][]string
	successors   map[string][]string

	// generations are the topological wavefronts: generation 0 holds
	// the roots, generation n+1 the rules unblocked by generation n.
	generations [][]string
}

// Compile validates the registry and creates the execution DAG.
// Returns an error if validation fails. Multiple errors are joined.
//
// Validation checks (in order):
//  1. Every depends_on entry references a registered rule
//  2. The dependency relation is acyclic
func (r *Registry) Compile() (*DAG, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var errs []error

	rules := make(map[string]Rule, len(r.rules))
	predecessors := make(map[string][]string, len(r.rules))
	successors := make(map[string][]string, len(r.rules))

	for name, rl := range r.rules {
		rules[name] = rl
		for _, dep := range rl.DependsOn() {
			if _, exists := r.rules[dep]; !exists {
				errs = append(errs, fmt.Errorf("%w: rule %s depends on %s", ErrUnknownDependency, name, dep))
				continue
			}
			predecessors[name] = append(predecessors[name], dep)
			successors[dep] = append(successors[dep], name)
		}
	}

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	generations, err := topoGenerations(rules, predecessors)
	if err != nil {
		return nil, err
	}

	// Deterministic order inside each wavefront and successor list.
	for _, gen := range generations {
		sort.Strings(gen)
	}
	for _, succ := range successors {
		sort.Strings(succ)
	}

	return &DAG{
		rules:        rules,
		predecessors: predecessors,
		successors:   successors,
		generations:  generations,
	}, nil
}

// topoGenerations performs Kahn's algorithm by wavefront. Leftover
// rules after the sort sit on a cycle.
func topoGenerations(rules map[string]Rule, predecessors map[string][]string) ([][]string, error) {
	indegree := make(map[string]int, len(rules))
	for name := range rules {
		indegree[name] = len(predecessors[name])
	}

	var generations [][]string
	remaining := len(rules)

	for remaining > 0 {
		var front []string
		for name, deg := range indegree {
			if deg == 0 {
				front = append(front, name)
			}
		}
		if len(front) == 0 {
			var cyclic []string
			for name := range indegree {
				cyclic = append(cyclic, name)
			}
			sort.Strings(cyclic)
			return nil, fmt.Errorf("%w involving: %v", ErrDependencyCycle, cyclic)
		}

		for _, name := range front {
			delete(indegree, name)
			remaining--
			for other := range indegree {
				for _, dep := range predecessors[other] {
					if dep == name {
						indegree[other]--
					}
				}
			}
		}
		generations = append(generations, front)
	}

	return generations, nil
}

// Rule returns a rule by name.
func (d *DAG) Rule(name string) (Rule, bool) {
	rl, ok := d.rules[name]
	return rl, ok
}

// Predecessors returns the direct dependencies of a rule.
func (d *DAG) Predecessors(name string) []string {
	return d.predecessors[name]
}

// Successors returns the rules directly depending on a rule.
func (d *DAG) Successors(name string) []string {
	return d.successors[name]
}

// Generations returns the topological wavefronts.
func (d *DAG) Generations() [][]string {
	return d.generations
}

// Names returns all rule names in topological order.
func (d *DAG) Names() []string {
	var names []string
	for _, gen := range d.generations {
		names = append(names, gen...)
	}
	return names
}

// Len returns the number of rules in the DAG.
func (d *DAG) Len() int {
	return len(d.rules)
}
