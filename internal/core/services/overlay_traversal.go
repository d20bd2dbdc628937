package services

import (
	"math"

	"relayspaces/internal/core/domain"
)

// adjacency maps each node to the nodes it sends media to (down) or
// receives media from (up). Built once per traversal so every walk stays
// O(V+E).
func (g *OverlayGraph) adjacency(down bool) map[domain.NodeID][]domain.NodeID {
	adj := make(map[domain.NodeID][]domain.NodeID, len(g.nodes))
	for _, e := range g.edges {
		if e.Sends(e.A, e.B) {
			if down {
				adj[e.A] = append(adj[e.A], e.B)
			} else {
				adj[e.B] = append(adj[e.B], e.A)
			}
		}
		if e.Sends(e.B, e.A) {
			if down {
				adj[e.B] = append(adj[e.B], e.A)
			} else {
				adj[e.A] = append(adj[e.A], e.B)
			}
		}
	}
	return adj
}

// CalculateDepth is the longest producer->consumer path from the root.
func (g *OverlayGraph) CalculateDepth() int {
	down := g.adjacency(true)
	type frame struct {
		id    domain.NodeID
		depth int
	}
	visited := map[domain.NodeID]bool{g.root.ID: true}
	stack := []frame{{g.root.ID, 0}}
	maxDepth := 0
	for len(stack) > 0 {
		f := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if f.depth > maxDepth {
			maxDepth = f.depth
		}
		for _, next := range down[f.id] {
			if visited[next] {
				continue
			}
			visited[next] = true
			stack = append(stack, frame{next, f.depth + 1})
		}
	}
	return maxDepth
}

// CalculateDistance counts hops from node up to the root. The second
// result is false when node has no path to the root.
func (g *OverlayGraph) CalculateDistance(node *domain.Node) (int, bool) {
	if node.ID == g.root.ID {
		return 0, true
	}
	up := g.adjacency(false)
	visited := map[domain.NodeID]bool{node.ID: true}
	frontier := []domain.NodeID{node.ID}
	for hops := 1; len(frontier) > 0; hops++ {
		var next []domain.NodeID
		for _, id := range frontier {
			for _, producer := range up[id] {
				if producer == g.root.ID {
					return hops, true
				}
				if visited[producer] {
					continue
				}
				visited[producer] = true
				next = append(next, producer)
			}
		}
		frontier = next
	}
	return 0, false
}

// nodeSpeed is the upload a node can give each of its outputs.
func (g *OverlayGraph) nodeSpeed(node *domain.Node) float64 {
	maxOutputs := node.MaxAudioOutputs()
	if maxOutputs <= 0 {
		return 0
	}
	return math.Min(node.UploadSpeedKbps()/float64(maxOutputs), g.cfg.OptimumUploadSpeedKbps)
}

// BottleneckUpload is the smallest per-output upload on the way from node
// up to the root, or -Inf when node is cut off from the root.
func (g *OverlayGraph) BottleneckUpload(node *domain.Node) float64 {
	up := g.adjacency(false)
	visited := make(map[domain.NodeID]bool, len(g.nodes))

	var walk func(id domain.NodeID) float64
	walk = func(id domain.NodeID) float64 {
		visited[id] = true
		n, ok := g.nodes[id]
		if !ok {
			return math.Inf(-1)
		}
		speed := g.nodeSpeed(n)
		if id == g.root.ID {
			return speed
		}
		best := math.Inf(-1)
		for _, producer := range up[id] {
			if visited[producer] {
				continue
			}
			if b := walk(producer); b > best {
				best = b
			}
		}
		return math.Min(speed, best)
	}
	return walk(node.ID)
}
