package domain

import "time"

const (
	DefaultMaxAudioOutputs = 10
	// Kbps reserved per relayed opus stream when deriving output capacity.
	AudioStreamKbps = 64
)

// NetworkMetrics is the capacity a participant advertises in join, reserve
// and confirm payloads.
type NetworkMetrics struct {
	UploadSpeedKbps   float64 `json:"uploadSpeedKbps"`
	DownloadSpeedKbps float64 `json:"downloadSpeedKbps"`
	MaxAudioOutputs   int     `json:"maxAudioOutputs"`
}

// MetricsFromSpeeds derives the number of audio outputs a node can feed
// from its upload speed. Unknown upload falls back to the default.
func MetricsFromSpeeds(uploadKbps, downloadKbps float64) NetworkMetrics {
	outputs := DefaultMaxAudioOutputs
	if uploadKbps > 0 {
		outputs = int(uploadKbps / AudioStreamKbps)
		if outputs < 1 {
			outputs = 1
		}
	}
	return NetworkMetrics{
		UploadSpeedKbps:   uploadKbps,
		DownloadSpeedKbps: downloadKbps,
		MaxAudioOutputs:   outputs,
	}
}

// Normalize fills a missing output capacity from the upload speed.
func (m NetworkMetrics) Normalize() NetworkMetrics {
	if m.MaxAudioOutputs > 0 {
		return m
	}
	return MetricsFromSpeeds(m.UploadSpeedKbps, m.DownloadSpeedKbps)
}

// LinkStats is what the media transport learns about one session from RTCP.
type LinkStats struct {
	Timestamp  time.Time
	PacketLoss float64
	Jitter     time.Duration
	RTT        time.Duration
	Packets    uint64
}

// SpaceMetrics is an in-process summary of one space's overlay activity.
type SpaceMetrics struct {
	SpaceID            SpaceID           `json:"spaceId"`
	Nodes              int               `json:"nodes"`
	Edges              int               `json:"edges"`
	Depth              int               `json:"depth"`
	Admissions         int               `json:"admissions"`
	Rejections         int               `json:"rejections"`
	Evictions          int               `json:"evictions"`
	Refusals           int               `json:"refusals"`
	PeerStates         map[PeerState]int `json:"peerStates"`
	AverageReservation time.Duration     `json:"averageReservation"`
	AverageNegotiation time.Duration     `json:"averageNegotiation"`
	PacketLoss         float64           `json:"packetLoss"`
	HealthScore        float64           `json:"healthScore"`
	Timestamp          time.Time         `json:"timestamp"`
}
