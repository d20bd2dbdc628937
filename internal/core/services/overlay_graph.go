package services

import (
	"math"

	"relayspaces/internal/core/domain"
)

// OverlayConfig holds the scoring weights and reference speeds of a graph.
// Weights are expected to sum to 1 but are used as given.
type OverlayConfig struct {
	DistanceWeight           float64
	NetworkWeight            float64
	LoadWeight               float64
	OptimumUploadSpeedKbps   float64
	OptimumDownloadSpeedKbps float64
}

func DefaultOverlayConfig() OverlayConfig {
	return OverlayConfig{
		DistanceWeight:           0.4,
		NetworkWeight:            0.4,
		LoadWeight:               0.2,
		OptimumUploadSpeedKbps:   500,
		OptimumDownloadSpeedKbps: 320,
	}
}

// NodeReleaser frees whatever transport resources are held for a node.
type NodeReleaser interface {
	ReleaseNode(id domain.NodeID)
}

// OverlayGraph is the node registry and edge ledger of one space, seen from
// the local participant (self). It is not safe for concurrent use; the
// owning space serializes access.
type OverlayGraph struct {
	cfg      OverlayConfig
	nodes    map[domain.NodeID]*domain.Node
	order    []domain.NodeID
	edges    []*domain.Edge
	root     *domain.Node
	self     *domain.Node
	refused  map[domain.NodeID]struct{}
	releaser NodeReleaser
}

func NewOverlayGraph(root, self *domain.Node, cfg OverlayConfig) (*OverlayGraph, error) {
	if root == nil || self == nil {
		return nil, domain.ErrMissingRoot
	}
	g := &OverlayGraph{
		cfg:     cfg,
		nodes:   make(map[domain.NodeID]*domain.Node),
		refused: make(map[domain.NodeID]struct{}),
	}
	root.IsHost = true
	g.root = g.AddNode(root)
	g.self = g.AddNode(self)
	return g, nil
}

// SetReleaser installs the hook RemoveNode calls before deleting a node.
func (g *OverlayGraph) SetReleaser(r NodeReleaser) { g.releaser = r }

func (g *OverlayGraph) Root() *domain.Node { return g.root }

func (g *OverlayGraph) Self() *domain.Node { return g.self }

func (g *OverlayGraph) Config() OverlayConfig { return g.cfg }

// AddNode registers node unless its identity is already known, in which
// case the registered instance is returned unchanged.
func (g *OverlayGraph) AddNode(node *domain.Node) *domain.Node {
	if existing, ok := g.nodes[node.ID]; ok {
		return existing
	}
	g.nodes[node.ID] = node
	g.order = append(g.order, node.ID)
	if node.IsHost {
		g.root = node
	}
	return node
}

func (g *OverlayGraph) GetNode(id domain.NodeID) (*domain.Node, bool) {
	n, ok := g.nodes[id]
	return n, ok
}

// Nodes returns registered nodes in insertion order.
func (g *OverlayGraph) Nodes() []*domain.Node {
	out := make([]*domain.Node, 0, len(g.order))
	for _, id := range g.order {
		out = append(out, g.nodes[id])
	}
	return out
}

// Edges returns a copy of the edge list.
func (g *OverlayGraph) Edges() []domain.Edge {
	out := make([]domain.Edge, 0, len(g.edges))
	for _, e := range g.edges {
		out = append(out, *e)
	}
	return out
}

func (g *OverlayGraph) EdgeBetween(a, b domain.NodeID) (*domain.Edge, bool) {
	for _, e := range g.edges {
		if e.Connects(a, b) {
			return e, true
		}
	}
	return nil, false
}

// AddConnection records that a has role toward b. An existing edge for the
// pair is reoriented in place; its state only moves forward.
func (g *OverlayGraph) AddConnection(a, b *domain.Node, role domain.EdgeRole, state domain.EdgeState) *domain.Edge {
	a = g.AddNode(a)
	b = g.AddNode(b)
	if a.ID == b.ID {
		return nil
	}
	if e, ok := g.EdgeBetween(a.ID, b.ID); ok {
		e.A, e.B, e.Role = a.ID, b.ID, role
		e.Advance(state)
		return e
	}
	e := &domain.Edge{A: a.ID, B: b.ID, Role: role, State: state}
	g.edges = append(g.edges, e)
	return e
}

// RemoveConnection deletes the pair's edge whichever way it was stored.
func (g *OverlayGraph) RemoveConnection(a, b domain.NodeID) bool {
	kept := g.edges[:0]
	removed := false
	for _, e := range g.edges {
		if e.Connects(a, b) {
			removed = true
			continue
		}
		kept = append(kept, e)
	}
	for i := len(kept); i < len(g.edges); i++ {
		g.edges[i] = nil
	}
	g.edges = kept
	return removed
}

// RemoveNode releases the node's transport and deletes it with every edge
// touching it. Root and self stay registered.
func (g *OverlayGraph) RemoveNode(id domain.NodeID) bool {
	if _, ok := g.nodes[id]; !ok || id == g.root.ID || id == g.self.ID {
		return false
	}
	if g.releaser != nil {
		g.releaser.ReleaseNode(id)
	}
	kept := g.edges[:0]
	for _, e := range g.edges {
		if !e.Involves(id) {
			kept = append(kept, e)
		}
	}
	for i := len(kept); i < len(g.edges); i++ {
		g.edges[i] = nil
	}
	g.edges = kept
	delete(g.nodes, id)
	delete(g.refused, id)
	for i, oid := range g.order {
		if oid == id {
			g.order = append(g.order[:i], g.order[i+1:]...)
			break
		}
	}
	return true
}

func (g *OverlayGraph) Refuse(id domain.NodeID) { g.refused[id] = struct{}{} }

func (g *OverlayGraph) IsRefused(id domain.NodeID) bool {
	_, ok := g.refused[id]
	return ok
}

func (g *OverlayGraph) ResetRefusals() { g.refused = make(map[domain.NodeID]struct{}) }

// CountConsumerNodes counts the nodes node currently sends media to.
func (g *OverlayGraph) CountConsumerNodes(node *domain.Node) int {
	count := 0
	for _, e := range g.edges {
		if e.Involves(node.ID) && e.Sends(node.ID, e.Other(node.ID)) {
			count++
		}
	}
	return count
}

func (g *OverlayGraph) atCapacity(node *domain.Node) bool {
	return g.CountConsumerNodes(node) >= node.MaxAudioOutputs()
}

func (g *OverlayGraph) IsNodeConnectedToMe(node *domain.Node) bool {
	_, ok := g.EdgeBetween(node.ID, g.self.ID)
	return ok
}

// IsMyConsumer reports whether self sends media to node.
func (g *OverlayGraph) IsMyConsumer(node *domain.Node) bool {
	e, ok := g.EdgeBetween(node.ID, g.self.ID)
	return ok && e.Sends(g.self.ID, node.ID)
}

// IsMyProducer reports whether node sends media to self.
func (g *OverlayGraph) IsMyProducer(node *domain.Node) bool {
	e, ok := g.EdgeBetween(node.ID, g.self.ID)
	return ok && e.Sends(node.ID, g.self.ID)
}

// IsAudioProvider reports whether audio received from node should be played
// and relayed.
func (g *OverlayGraph) IsAudioProvider(node *domain.Node) bool {
	return node.Trusted() || g.IsMyProducer(node)
}

// GetConnectedNodes returns every node sharing an edge with self.
func (g *OverlayGraph) GetConnectedNodes() []*domain.Node {
	var out []*domain.Node
	for _, e := range g.edges {
		if e.Involves(g.self.ID) {
			if n, ok := g.nodes[e.Other(g.self.ID)]; ok {
				out = append(out, n)
			}
		}
	}
	return out
}

// GetFanOutNodes returns the non-trusted nodes self relays audio to.
func (g *OverlayGraph) GetFanOutNodes() []*domain.Node {
	var out []*domain.Node
	for _, n := range g.GetConnectedNodes() {
		if !n.Trusted() && g.IsMyConsumer(n) {
			out = append(out, n)
		}
	}
	return out
}

// Producers returns the nodes self receives audio from.
func (g *OverlayGraph) Producers() []*domain.Node {
	var out []*domain.Node
	for _, n := range g.GetConnectedNodes() {
		if g.IsMyProducer(n) {
			out = append(out, n)
		}
	}
	return out
}

// FetchBestFit picks the node self should reserve a connection with, or
// false when none qualifies. Ties go to the earliest registered node.
func (g *OverlayGraph) FetchBestFit() (*domain.Node, bool) {
	var best *domain.Node
	bestScore := math.Inf(-1)
	for _, id := range g.order {
		node := g.nodes[id]
		if id == g.self.ID || g.atCapacity(node) || g.IsNodeConnectedToMe(node) || g.IsRefused(id) {
			continue
		}
		score := g.CalculateNodeScore(node)
		if math.IsInf(score, -1) || math.IsNaN(score) {
			continue
		}
		if best == nil || score > bestScore {
			best, bestScore = node, score
		}
	}
	return best, best != nil
}

// CalculateNodeScore rates node as an attachment point. Two trusted nodes
// always score 1; nodes with no path to the root score -Inf.
func (g *OverlayGraph) CalculateNodeScore(node *domain.Node) float64 {
	if g.self.Trusted() && node.Trusted() {
		return 1
	}

	distance, ok := g.CalculateDistance(node)
	if !ok {
		return math.Inf(-1)
	}
	proximity := 1.0
	if depth := g.CalculateDepth(); depth > 0 {
		proximity = float64(depth-distance) / float64(depth)
	}

	bottleneck := g.BottleneckUpload(node)
	if math.IsInf(bottleneck, -1) {
		return math.Inf(-1)
	}
	network := 0.0
	if g.cfg.OptimumUploadSpeedKbps > 0 {
		network = bottleneck / g.cfg.OptimumUploadSpeedKbps
	}

	load := 0.0
	if maxOutputs := node.MaxAudioOutputs(); maxOutputs > 0 {
		load = float64(maxOutputs-g.CountConsumerNodes(node)) / float64(maxOutputs)
	}

	return g.cfg.DistanceWeight*proximity + g.cfg.NetworkWeight*network + g.cfg.LoadWeight*load
}

// ViableNodeConnection decides whether candidate may attach below self. At
// capacity the candidate must strictly beat the worst non-trusted child,
// which is returned for eviction.
func (g *OverlayGraph) ViableNodeConnection(candidate *domain.Node) (bool, *domain.Node) {
	candidate = g.AddNode(candidate)
	if g.IsMyConsumer(candidate) || !g.atCapacity(g.self) {
		return true, nil
	}

	worst, worstScore := g.GetWorstChild()
	if worst == nil {
		return false, nil
	}

	score := g.scoreAsChild(candidate)
	if score > worstScore {
		return true, worst
	}
	return false, nil
}

// scoreAsChild scores candidate with a provisional edge below self.
func (g *OverlayGraph) scoreAsChild(candidate *domain.Node) float64 {
	if _, ok := g.EdgeBetween(candidate.ID, g.self.ID); ok {
		return g.CalculateNodeScore(candidate)
	}
	trial := &domain.Edge{A: candidate.ID, B: g.self.ID, Role: domain.RoleConsumer, State: domain.StateInitiated}
	g.edges = append(g.edges, trial)
	score := g.CalculateNodeScore(candidate)
	g.edges[len(g.edges)-1] = nil
	g.edges = g.edges[:len(g.edges)-1]
	return score
}

// GetWorstChild returns the lowest scoring non-trusted node self sends media
// to, or nil and +Inf when there is none. Self's producers are never
// candidates.
func (g *OverlayGraph) GetWorstChild() (*domain.Node, float64) {
	var worst *domain.Node
	worstScore := math.Inf(1)
	for _, n := range g.GetConnectedNodes() {
		if n.Trusted() || !g.IsMyConsumer(n) {
			continue
		}
		score := g.CalculateNodeScore(n)
		if worst == nil || score < worstScore {
			worst, worstScore = n, score
		}
	}
	return worst, worstScore
}
