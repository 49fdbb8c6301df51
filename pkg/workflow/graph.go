package workflow

import (
	"fmt"

	"github.com/tombee/switchboard/pkg/errors"
)

// Plan is the normalized execution view of a graph: indexed nodes, edge
// maps keyed by endpoint, and a stable topological order. Build one with
// Graph.Plan before walking the graph.
type Plan struct {
	graph     *Graph
	nodes     map[string]*Node
	nodeIndex map[string]int
	outgoing  map[string][]Edge
	incoming  map[string][]Edge
	order     []string
	suspected map[string]bool
}

// Plan normalizes the graph for execution. It verifies node id uniqueness
// and edge references, materializes the edge maps, and computes the
// topological order via Kahn's algorithm. Nodes left unvisited by a cycle
// are appended to the tail in declaration order and reported by
// CycleSuspected; callers decide whether that is an error.
func (g *Graph) Plan() (*Plan, error) {
	p := &Plan{
		graph:     g,
		nodes:     make(map[string]*Node, len(g.Nodes)),
		nodeIndex: make(map[string]int, len(g.Nodes)),
		outgoing:  make(map[string][]Edge),
		incoming:  make(map[string][]Edge),
		suspected: make(map[string]bool),
	}

	for i := range g.Nodes {
		id := g.Nodes[i].ID
		if id == "" {
			return nil, &errors.ValidationError{
				Field:   "nodes",
				Message: fmt.Sprintf("node at index %d has an empty id", i),
			}
		}
		if _, exists := p.nodes[id]; exists {
			return nil, &errors.ValidationError{
				Field:      "nodes",
				Message:    fmt.Sprintf("duplicate node id %q", id),
				Suggestion: "node ids must be unique within a graph",
			}
		}
		p.nodes[id] = &g.Nodes[i]
		p.nodeIndex[id] = i
	}

	for _, e := range g.Edges {
		if _, ok := p.nodes[e.Source]; !ok {
			return nil, &errors.ValidationError{
				Field:   "edges",
				Message: fmt.Sprintf("edge %s references unknown source node %q", e.EdgeID(), e.Source),
			}
		}
		if _, ok := p.nodes[e.Target]; !ok {
			return nil, &errors.ValidationError{
				Field:   "edges",
				Message: fmt.Sprintf("edge %s references unknown target node %q", e.EdgeID(), e.Target),
			}
		}
		p.outgoing[e.Source] = append(p.outgoing[e.Source], e)
		p.incoming[e.Target] = append(p.incoming[e.Target], e)
	}

	p.order = p.kahnOrder()
	return p, nil
}

// kahnOrder computes the topological order. Ready nodes are queued in
// declaration order so the result is deterministic for a given graph.
// Unvisited cycle members go to the tail, also in declaration order.
func (p *Plan) kahnOrder() []string {
	inDegree := make(map[string]int, len(p.nodes))
	for id := range p.nodes {
		inDegree[id] = len(p.incoming[id])
	}

	var queue []string
	for _, n := range p.graph.Nodes {
		if inDegree[n.ID] == 0 {
			queue = append(queue, n.ID)
		}
	}

	visited := make(map[string]bool, len(p.nodes))
	order := make([]string, 0, len(p.nodes))
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		order = append(order, id)
		visited[id] = true

		for _, e := range p.outgoing[id] {
			inDegree[e.Target]--
			if inDegree[e.Target] == 0 {
				queue = append(queue, e.Target)
			}
		}
	}

	// Cycle members never reach in-degree zero. Append them in declaration
	// order so the walk still visits every node exactly once.
	if len(order) != len(p.nodes) {
		for _, n := range p.graph.Nodes {
			if !visited[n.ID] {
				order = append(order, n.ID)
				p.suspected[n.ID] = true
			}
		}
	}

	return order
}

// Order returns node ids in topological order. Cycle-suspected nodes are
// at the tail.
func (p *Plan) Order() []string {
	return p.order
}

// CycleSuspected reports whether the node was part of a cycle and
// appended to the order tail.
func (p *Plan) CycleSuspected(id string) bool {
	return p.suspected[id]
}

// HasCycle reports whether any node is cycle suspected.
func (p *Plan) HasCycle() bool {
	return len(p.suspected) > 0
}

// Node returns the node with the given id.
func (p *Plan) Node(id string) (*Node, bool) {
	n, ok := p.nodes[id]
	return n, ok
}

// Outgoing returns the edges leaving the node, in declaration order.
func (p *Plan) Outgoing(id string) []Edge {
	return p.outgoing[id]
}

// Incoming returns the edges entering the node, in declaration order.
func (p *Plan) Incoming(id string) []Edge {
	return p.incoming[id]
}

// PruneSet computes the node ids reachable only through the given
// rejected branch edges. Traversal stops where another path rejoins: a
// node stays live if any incoming edge arrives from outside the pruned
// set. The condition node itself is never included.
func (p *Plan) PruneSet(conditionID string, rejected []Edge) map[string]bool {
	rejectedEdge := make(map[string]bool, len(rejected))
	for _, e := range rejected {
		rejectedEdge[e.EdgeID()] = true
	}

	pruned := make(map[string]bool)
	// Fixpoint over the topological order: a node is pruned when every
	// incoming edge is either a rejected branch or comes from a pruned
	// node. Two passes suffice for a DAG but cycles need the loop.
	for changed := true; changed; {
		changed = false
		for _, id := range p.order {
			if id == conditionID || pruned[id] {
				continue
			}
			incoming := p.incoming[id]
			if len(incoming) == 0 {
				continue
			}
			allDead := true
			for _, e := range incoming {
				if rejectedEdge[e.EdgeID()] {
					continue
				}
				if !pruned[e.Source] {
					allDead = false
					break
				}
			}
			if allDead {
				pruned[id] = true
				changed = true
			}
		}
	}

	return pruned
}

// SubOrder returns the topological order of a declared subgraph, using
// only edges whose endpoints are both members. Loop bodies execute in
// this order.
func (p *Plan) SubOrder(members []string) []string {
	member := make(map[string]bool, len(members))
	for _, id := range members {
		if _, ok := p.nodes[id]; ok {
			member[id] = true
		}
	}

	inDegree := make(map[string]int, len(member))
	for id := range member {
		inDegree[id] = 0
	}
	for id := range member {
		for _, e := range p.outgoing[id] {
			if member[e.Target] {
				inDegree[e.Target]++
			}
		}
	}

	var queue []string
	for _, n := range p.graph.Nodes {
		if member[n.ID] && inDegree[n.ID] == 0 {
			queue = append(queue, n.ID)
		}
	}

	visited := make(map[string]bool, len(member))
	order := make([]string, 0, len(member))
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		order = append(order, id)
		visited[id] = true
		for _, e := range p.outgoing[id] {
			if !member[e.Target] {
				continue
			}
			inDegree[e.Target]--
			if inDegree[e.Target] == 0 {
				queue = append(queue, e.Target)
			}
		}
	}

	for _, n := range p.graph.Nodes {
		if member[n.ID] && !visited[n.ID] {
			order = append(order, n.ID)
		}
	}

	return order
}
