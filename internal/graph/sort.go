// Package graph orders workflow nodes for execution.
package graph

import (
	"github.com/conduitworks/conduit/pkg/schema"
)

// edge is a directed dependency between two node IDs. Synthetic self-edges
// only guarantee inclusion of unconnected nodes and never count as cycles;
// a self-edge coming from a real connection does.
type edge struct {
	from      string
	to        string
	synthetic bool
}

// Sort returns the nodes in a topological order: for every connection
// (a -> b), a precedes b. Nodes incident to no connection are still included
// via a synthetic self-edge that is excluded from cycle accounting. When
// there are no connections at all the input order is returned unchanged.
//
// A cycle yields an EngineError with code CYCLE_DETECTED before any node
// executes. Relative order across disconnected subgraphs is unspecified.
func Sort(nodes []schema.Node, connections []schema.Connection) ([]schema.Node, error) {
	if len(connections) == 0 {
		return nodes, nil
	}

	byID := make(map[string]schema.Node, len(nodes))
	for _, n := range nodes {
		byID[n.ID] = n
	}

	edges := make([]edge, 0, len(connections)+len(nodes))
	connected := make(map[string]bool, len(nodes))
	for _, c := range connections {
		if _, ok := byID[c.FromNodeID]; !ok {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"connection references unknown node %q", c.FromNodeID)
		}
		if _, ok := byID[c.ToNodeID]; !ok {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"connection references unknown node %q", c.ToNodeID)
		}
		edges = append(edges, edge{from: c.FromNodeID, to: c.ToNodeID})
		connected[c.FromNodeID] = true
		connected[c.ToNodeID] = true
	}

	// Nodes with no connections get a self-edge so they survive the sort.
	// These synthetic edges are skipped during in-degree accounting; a real
	// connection from a node to itself is still a cycle.
	for _, n := range nodes {
		if !connected[n.ID] {
			edges = append(edges, edge{from: n.ID, to: n.ID, synthetic: true})
		}
	}

	sortedIDs, err := kahn(nodes, edges)
	if err != nil {
		return nil, err
	}

	// Deduplicate: the self-edge technique can emit an ID twice.
	seen := make(map[string]bool, len(sortedIDs))
	out := make([]schema.Node, 0, len(nodes))
	for _, id := range sortedIDs {
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, byID[id])
	}
	return out, nil
}

// kahn runs Kahn's algorithm over the edge list. Synthetic self-edges do not
// contribute to in-degree so isolated nodes start in the ready queue.
func kahn(nodes []schema.Node, edges []edge) ([]string, error) {
	inDegree := make(map[string]int, len(nodes))
	adjacent := make(map[string][]string, len(nodes))
	for _, n := range nodes {
		inDegree[n.ID] = 0
	}
	for _, e := range edges {
		if e.synthetic {
			continue
		}
		adjacent[e.from] = append(adjacent[e.from], e.to)
		inDegree[e.to]++
	}

	queue := make([]string, 0, len(nodes))
	for _, n := range nodes {
		if inDegree[n.ID] == 0 {
			queue = append(queue, n.ID)
		}
	}

	order := make([]string, 0, len(nodes))
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		order = append(order, id)

		for _, next := range adjacent[id] {
			inDegree[next]--
			if inDegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}

	if len(order) != len(nodes) {
		return nil, schema.NewError(schema.ErrCodeCycle, "workflow contains a cycle")
	}
	return order, nil
}
