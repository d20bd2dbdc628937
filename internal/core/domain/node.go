package domain

// NodeID is the x-only secp256k1 public key of a participant, hex encoded.
type NodeID string

func (id NodeID) String() string { return string(id) }

// Short is used in log lines.
func (id NodeID) Short() string {
	if len(id) <= 8 {
		return string(id)
	}
	return string(id[:8])
}

// Node is one participant of an overlay.
type Node struct {
	ID        NodeID
	Name      string
	IsHost    bool
	IsCoHost  bool
	IsSpeaker bool
	Metrics   NetworkMetrics
}

func NewNode(id NodeID, name string, metrics NetworkMetrics) *Node {
	if name == "" {
		name = string(id)
	}
	return &Node{ID: id, Name: name, Metrics: metrics.Normalize()}
}

// Trusted reports whether the node carries its own audio (host, co-host or
// speaker). Trusted nodes are never scored against each other or evicted.
func (n *Node) Trusted() bool {
	return n.IsHost || n.IsCoHost || n.IsSpeaker
}

func (n *Node) UploadSpeedKbps() float64 { return n.Metrics.UploadSpeedKbps }

func (n *Node) MaxAudioOutputs() int { return n.Metrics.MaxAudioOutputs }

// UpdateMetrics replaces advertised metrics; zero values are ignored.
func (n *Node) UpdateMetrics(m NetworkMetrics) {
	if m.UploadSpeedKbps == 0 && m.DownloadSpeedKbps == 0 && m.MaxAudioOutputs == 0 {
		return
	}
	n.Metrics = m.Normalize()
}

// Public returns the profile fragment published in join and create events.
func (n *Node) Public() PublicProfile {
	return PublicProfile{Name: n.Name, PublicKey: n.ID, NetworkMetrics: n.Metrics}
}
