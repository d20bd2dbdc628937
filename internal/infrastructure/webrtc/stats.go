package webrtc

import (
	"time"

	"relayspaces/internal/core/domain"

	"github.com/pion/rtcp"
)

// opus RTP timestamps tick at 48 kHz.
const opusClockRate = 48000

// ntpEpochOffset is the number of seconds between 1900 and 1970.
const ntpEpochOffset = 2208988800

// ntpMiddle returns the middle 32 bits of an NTP timestamp, the unit RTCP
// uses for LSR and DLSR (1/65536 s).
func ntpMiddle(t time.Time) uint32 {
	secs := uint64(t.Unix()) + ntpEpochOffset
	frac := uint64(t.Nanosecond()) << 32 / uint64(time.Second)
	return uint32((secs<<32 | frac) >> 16)
}

// linkStats averages the reception reports in one RTCP compound packet.
// NACKs count as loss when no report is present.
func linkStats(packets []rtcp.Packet) (domain.LinkStats, bool) {
	return linkStatsAt(packets, time.Now())
}

func linkStatsAt(packets []rtcp.Packet, now time.Time) (domain.LinkStats, bool) {
	var (
		loss    float64
		jitter  uint64
		rtt     time.Duration
		reports int
		rtts    int
		nacked  int
		sent    uint64
	)
	collect := func(rr []rtcp.ReceptionReport) {
		for _, r := range rr {
			loss += float64(r.FractionLost) / 256.0
			jitter += uint64(r.Jitter)
			reports++
			if r.LastSenderReport != 0 {
				delta := ntpMiddle(now) - r.LastSenderReport - r.Delay
				rtt += time.Duration(delta) * time.Second / 65536
				rtts++
			}
		}
	}

	for _, packet := range packets {
		switch p := packet.(type) {
		case *rtcp.ReceiverReport:
			collect(p.Reports)
		case *rtcp.SenderReport:
			collect(p.Reports)
			sent += uint64(p.PacketCount)
		case *rtcp.TransportLayerNack:
			for _, pair := range p.Nacks {
				nacked += len(pair.PacketList())
			}
		}
	}

	if reports == 0 && nacked == 0 {
		return domain.LinkStats{}, false
	}
	stats := domain.LinkStats{Timestamp: now, Packets: sent}
	if reports > 0 {
		stats.PacketLoss = loss / float64(reports)
		stats.Jitter = time.Duration(jitter/uint64(reports)) * time.Second / opusClockRate
	} else if sent > 0 {
		stats.PacketLoss = float64(nacked) / float64(sent)
	}
	if rtts > 0 {
		stats.RTT = rtt / time.Duration(rtts)
	}
	if stats.PacketLoss > 1 {
		stats.PacketLoss = 1
	}
	return stats, true
}
