package domain

// Profile is the local participant's identity. The private key never leaves
// the signal channel.
type Profile struct {
	Name       string
	PublicKey  NodeID
	PrivateKey string
	Metrics    NetworkMetrics
}

// PublicProfile is the part of a profile other participants see.
type PublicProfile struct {
	Name           string         `json:"name"`
	PublicKey      NodeID         `json:"publicKey"`
	NetworkMetrics NetworkMetrics `json:"networkMetrics"`
}

func (p Profile) Public() PublicProfile {
	return PublicProfile{Name: p.Name, PublicKey: p.PublicKey, NetworkMetrics: p.Metrics}
}

func (p Profile) Node() *Node {
	return NewNode(p.PublicKey, p.Name, p.Metrics)
}
