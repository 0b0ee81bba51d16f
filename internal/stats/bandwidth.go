package stats

import (
	"time"

	"github.com/relaypath/overlay/internal/constants"
)

const (
	bandwidthEMAWeight = 0.1
	bandwidthSnapDelta = 0.000001 // kbps
)

// WirePacketBits returns the on-wire bit cost of a payload of the
// given size: IPv4 + UDP + protocol overhead, all accounted so
// bandwidth limits reflect actual cost rather than just payload size.
func WirePacketBits(payloadBytes int) int {
	total := constants.IPv4HeaderBytes + constants.UDPHeaderBytes + constants.WireOverheadBytes + payloadBytes
	return total * 8
}

// BandwidthLimiter enforces a fixed-interval kbps budget on one path
// (direct or next) and exposes a smoothed usage estimate.
type BandwidthLimiter struct {
	bitsSent      int64
	lastCheck     time.Time
	haveLastCheck bool
	averageKbps   float64
}

// NewBandwidthLimiter returns a limiter with no usage history.
func NewBandwidthLimiter() *BandwidthLimiter {
	return &BandwidthLimiter{}
}

// Reset clears accumulated usage, as when a route is replaced.
func (b *BandwidthLimiter) Reset() {
	b.bitsSent = 0
	b.haveLastCheck = false
	b.averageKbps = 0
}

func (b *BandwidthLimiter) addSample(kbps float64) {
	switch {
	case b.averageKbps == 0 && kbps != 0:
		b.averageKbps = kbps
	case b.averageKbps != 0 && kbps == 0:
		b.averageKbps = 0
	default:
		delta := kbps - b.averageKbps
		if delta < 0 {
			delta = -delta
		}
		if delta < bandwidthSnapDelta {
			b.averageKbps = kbps
		} else {
			b.averageKbps += (kbps - b.averageKbps) * bandwidthEMAWeight
		}
	}
}

// AddPacket accounts packetBits sent at currentTime against a budget
// of kbpsAllowed, folding a new EMA sample whenever a full interval
// has elapsed. It returns true if this packet pushed the interval over
// budget.
func (b *BandwidthLimiter) AddPacket(currentTime time.Time, kbpsAllowed float64, packetBits int) bool {
	if !b.haveLastCheck {
		b.lastCheck = currentTime.Add(-100 * time.Second)
		b.haveLastCheck = true
	}

	b.bitsSent += int64(packetBits)

	elapsed := currentTime.Sub(b.lastCheck)
	if elapsed >= constants.BandwidthLimiterInterval {
		seconds := elapsed.Seconds()
		kbps := float64(b.bitsSent) / 1000.0 / seconds
		b.addSample(kbps)
		b.bitsSent = 0
		b.lastCheck = currentTime
	}

	budgetBits := kbpsAllowed * 1000 * constants.BandwidthLimiterInterval.Seconds()
	return float64(b.bitsSent) > budgetBits
}

// UsageKbps returns the current smoothed bandwidth estimate.
func (b *BandwidthLimiter) UsageKbps() float64 {
	return b.averageKbps
}
