package engine

import (
	"fmt"
	"sort"
	"strings"

	"github.com/picklr-io/inferstack/internal/ir"
)

// DAG represents a directed acyclic graph of resources for dependency ordering.
type DAG struct {
	nodes    map[string]*dagNode
	order    []string // topological order (creation order)
	revOrder []string // reverse topological order (destruction order)
}

type dagNode struct {
	addr     string
	index    int      // declaration position, breaks ties between ready nodes
	edges    []string // resources this node depends on
	revEdges []string // resources that depend on this node
}

// BuildDAG constructs a dependency graph from resources.
// It resolves both explicit DependsOn and implicit ref:// references.
func BuildDAG(resources []*ir.Resource) (*DAG, error) {
	dag := &DAG{
		nodes: make(map[string]*dagNode),
	}

	for i, res := range resources {
		if _, dup := dag.nodes[res.Name]; dup {
			return nil, fmt.Errorf("duplicate resource %q", res.Name)
		}
		dag.nodes[res.Name] = &dagNode{addr: res.Name, index: i}
	}

	for _, res := range resources {
		node := dag.nodes[res.Name]
		for _, dep := range res.Dependencies() {
			if _, ok := dag.nodes[dep]; !ok {
				return nil, fmt.Errorf("resource %q depends on unknown resource %q", res.Name, dep)
			}
			node.edges = append(node.edges, dep)
		}
	}

	if err := dag.finish(); err != nil {
		return nil, err
	}
	return dag, nil
}

// BuildDAGFromState constructs a dependency graph from state resources (for destroy).
// Dependencies on resources no longer in state are dropped.
func BuildDAGFromState(resources []*ir.ResourceState) (*DAG, error) {
	dag := &DAG{
		nodes: make(map[string]*dagNode),
	}

	for i, res := range resources {
		dag.nodes[res.Name] = &dagNode{addr: res.Name, index: i}
	}
	for _, res := range resources {
		node := dag.nodes[res.Name]
		for _, dep := range res.Dependencies {
			if _, ok := dag.nodes[dep]; ok {
				node.edges = append(node.edges, dep)
			}
		}
	}

	if err := dag.finish(); err != nil {
		return nil, err
	}
	return dag, nil
}

func (d *DAG) finish() error {
	for _, node := range d.nodes {
		for _, dep := range node.edges {
			d.nodes[dep].revEdges = append(d.nodes[dep].revEdges, node.addr)
		}
	}

	order, err := d.topoSort()
	if err != nil {
		return err
	}
	d.order = order

	d.revOrder = make([]string, len(order))
	for i, addr := range order {
		d.revOrder[len(order)-1-i] = addr
	}
	return nil
}

// CreationOrder returns resources in dependency-respecting creation order.
func (d *DAG) CreationOrder() []string {
	return d.order
}

// DestructionOrder returns resources in reverse dependency order (safe for deletion).
func (d *DAG) DestructionOrder() []string {
	return d.revOrder
}

// topoSort performs Kahn's algorithm. Among ready nodes the one declared first wins,
// so the order is stable for a given document.
func (d *DAG) topoSort() ([]string, error) {
	inDegree := make(map[string]int, len(d.nodes))
	for addr, node := range d.nodes {
		inDegree[addr] = len(node.edges)
	}

	var ready []*dagNode
	for addr, deg := range inDegree {
		if deg == 0 {
			ready = append(ready, d.nodes[addr])
		}
	}

	sorted := make([]string, 0, len(d.nodes))
	for len(ready) > 0 {
		sort.Slice(ready, func(i, j int) bool { return ready[i].index < ready[j].index })
		node := ready[0]
		ready = ready[1:]
		sorted = append(sorted, node.addr)

		for _, dependent := range node.revEdges {
			inDegree[dependent]--
			if inDegree[dependent] == 0 {
				ready = append(ready, d.nodes[dependent])
			}
		}
	}

	if len(sorted) != len(d.nodes) {
		var cyclic []string
		for addr, deg := range inDegree {
			if deg > 0 {
				cyclic = append(cyclic, addr)
			}
		}
		sort.Strings(cyclic)
		return nil, fmt.Errorf("%w among resources: %s", ir.ErrCyclicDependency, strings.Join(cyclic, ", "))
	}

	return sorted, nil
}

// Dependencies returns the list of dependencies for a given address.
func (d *DAG) Dependencies(addr string) []string {
	if node, ok := d.nodes[addr]; ok {
		return node.edges
	}
	return nil
}

// Dependents returns the resources that depend directly on addr.
func (d *DAG) Dependents(addr string) []string {
	if node, ok := d.nodes[addr]; ok {
		return node.revEdges
	}
	return nil
}

// TransitiveDeps returns every resource addr depends on, directly or not.
func (d *DAG) TransitiveDeps(addr string) []string {
	seen := map[string]bool{}
	var walk func(string)
	walk = func(a string) {
		for _, dep := range d.Dependencies(a) {
			if !seen[dep] {
				seen[dep] = true
				walk(dep)
			}
		}
	}
	walk(addr)

	out := make([]string, 0, len(seen))
	for dep := range seen {
		out = append(out, dep)
	}
	sort.Strings(out)
	return out
}
