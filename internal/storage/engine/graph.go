package engine

import (
	"sort"

	"github.com/telstore/telstore/pkg/models"
)

// NodesFromEdges derives the node list of a service dependency graph: the
// union of services appearing as source or target, each with its total
// call count, sorted by service name for stable output.
func NodesFromEdges(edges []models.DependencyEdge) []models.DependencyNode {
	if len(edges) == 0 {
		return nil
	}
	totals := make(map[string]int64, len(edges))
	for _, e := range edges {
		totals[e.Source] += e.CallCount
		totals[e.Target] += e.CallCount
	}
	nodes := make([]models.DependencyNode, 0, len(totals))
	for svc, n := range totals {
		nodes = append(nodes, models.DependencyNode{Service: svc, CallCount: n})
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].Service < nodes[j].Service })
	return nodes
}
