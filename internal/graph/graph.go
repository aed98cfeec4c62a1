package graph

import (
	"fmt"
	"slices"
	"strings"
)

var (
	ErrEmptyName         = fmt.Errorf("node name is required")
	ErrNoRun             = fmt.Errorf("node has no run function")
	ErrDuplicateNode     = fmt.Errorf("duplicate node")
	ErrUnknownDependency = fmt.Errorf("unknown dependency")
	ErrCycle             = fmt.Errorf("dependency cycle")
)

// Node is one unit of work. It runs only after every node named in
// DependsOn has succeeded.
type Node struct {
	Name      string
	DependsOn []string
	Run       Func
}

// Graph is a set of nodes connected by 'depends_on' edges. Build it with Add,
// then run it with Apply. A Graph must not be modified while applying.
type Graph struct {
	nodes map[string]Node
	// order is insertion order, used to keep scheduling deterministic.
	order []string
}

func New() *Graph {
	return &Graph{nodes: map[string]Node{}}
}

// Add registers 'n'. Dependencies may be added later, they are checked by
// Validate.
func (g *Graph) Add(n Node) error {
	if n.Name == "" {
		return ErrEmptyName
	}
	if n.Run == nil {
		return fmt.Errorf("%w: %s", ErrNoRun, n.Name)
	}
	if _, ok := g.nodes[n.Name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateNode, n.Name)
	}
	n.DependsOn = slices.Compact(slices.Sorted(slices.Values(n.DependsOn)))
	g.nodes[n.Name] = n
	g.order = append(g.order, n.Name)
	return nil
}

// Len returns the number of nodes.
func (g *Graph) Len() int { return len(g.nodes) }

// Validate reports unknown dependencies and cycles.
func (g *Graph) Validate() error {
	_, err := g.Order()
	return err
}

// Order returns the node names in a dependency respecting order: every node
// appears after all of its dependencies. Among nodes whose dependencies are
// satisfied at the same time, insertion order wins.
func (g *Graph) Order() ([]string, error) {
	indegree := make(map[string]int, len(g.nodes))
	dependents := g.dependents()
	for _, name := range g.order {
		for _, dep := range g.nodes[name].DependsOn {
			if _, ok := g.nodes[dep]; !ok {
				return nil, fmt.Errorf("%w: %s depends on %q", ErrUnknownDependency, name, dep)
			}
			if dep == name {
				return nil, fmt.Errorf("%w: %s depends on itself", ErrCycle, name)
			}
		}
		indegree[name] = len(g.nodes[name].DependsOn)
	}

	var queue, out []string
	for _, name := range g.order {
		if indegree[name] == 0 {
			queue = append(queue, name)
		}
	}
	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		out = append(out, name)
		for _, d := range dependents[name] {
			indegree[d]--
			if indegree[d] == 0 {
				queue = append(queue, d)
			}
		}
	}
	if len(out) != len(g.nodes) {
		var stuck []string
		for _, name := range g.order {
			if indegree[name] > 0 {
				stuck = append(stuck, name)
			}
		}
		return nil, fmt.Errorf("%w between: %s", ErrCycle, strings.Join(stuck, ", "))
	}
	return out, nil
}

// dependents maps each node to the nodes depending on it, in insertion
// order.
func (g *Graph) dependents() map[string][]string {
	out := make(map[string][]string, len(g.nodes))
	for _, name := range g.order {
		for _, dep := range g.nodes[name].DependsOn {
			out[dep] = append(out[dep], name)
		}
	}
	return out
}
