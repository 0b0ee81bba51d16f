// Package stats implements the per-destination measurement trackers:
// ping history with windowed RTT/jitter/loss, a standalone jitter
// tracker, an inbound packet-loss tracker, an out-of-order counter,
// and the EMA bandwidth limiter. Formulas are grounded on the
// reference SDK's bandwidth/jitter/loss headers (see DESIGN.md).
package stats

import (
	"time"

	"github.com/relaypath/overlay/internal/constants"
)

// pingEntry is one slot in the ping-history ring buffer.
type pingEntry struct {
	sequence uint64
	sendTime time.Time
	recvTime time.Time // zero value means "pending"
	valid    bool
}

// PingHistory is a circular buffer of ping sends and pong receipts,
// used to compute windowed RTT, jitter, and packet loss for one
// destination (the server, or one near relay).
type PingHistory struct {
	entries [constants.PingHistoryEntries]pingEntry
	next    uint64
}

// NewPingHistory returns an empty ping history.
func NewPingHistory() *PingHistory {
	return &PingHistory{}
}

// PingSent records that a ping with the given sequence was sent at t,
// overwriting the oldest slot.
func (h *PingHistory) PingSent(sequence uint64, t time.Time) {
	slot := &h.entries[sequence%constants.PingHistoryEntries]
	slot.sequence = sequence
	slot.sendTime = t
	slot.recvTime = time.Time{}
	slot.valid = true
	h.next = sequence + 1
}

// PongReceived patches the send-time entry matching sequence with its
// receipt time, if that slot still corresponds to the same send.
func (h *PingHistory) PongReceived(sequence uint64, t time.Time) {
	slot := &h.entries[sequence%constants.PingHistoryEntries]
	if slot.valid && slot.sequence == sequence {
		slot.recvTime = t
	}
}

// RouteStats is a windowed summary computed from a ping history.
type RouteStats struct {
	RTT        time.Duration
	Jitter     time.Duration
	PacketLoss float64 // percent, 0-100
}

// Compute scans entries whose send time lies in [t0, t1] and derives
// RTT (mean of received round trips), jitter (mean absolute deviation
// of adjacent round-trip deltas), and packet loss (percentage of sent
// pings with no pong, excluding pings sent within PingSafetyWindow of
// t1 so in-flight pings are not miscounted as lost).
func (h *PingHistory) Compute(t0, t1 time.Time) RouteStats {
	var (
		rttSum      time.Duration
		rttCount    int
		prevRTT     time.Duration
		havePrevRTT bool
		jitterSum   time.Duration
		jitterCount int
		sentInWin   int
		lostInWin   int
	)

	safetyEdge := t1.Add(-constants.PingSafetyWindow)

	for _, e := range h.entries {
		if !e.valid || e.sendTime.Before(t0) || e.sendTime.After(t1) {
			continue
		}
		hasPong := !e.recvTime.IsZero()

		if hasPong {
			rtt := e.recvTime.Sub(e.sendTime)
			rttSum += rtt
			rttCount++
			if havePrevRTT {
				delta := rtt - prevRTT
				if delta < 0 {
					delta = -delta
				}
				jitterSum += delta
				jitterCount++
			}
			prevRTT = rtt
			havePrevRTT = true
		}

		if e.sendTime.Before(safetyEdge) {
			sentInWin++
			if !hasPong {
				lostInWin++
			}
		}
	}

	var rs RouteStats
	if rttCount > 0 {
		rs.RTT = rttSum / time.Duration(rttCount)
	}
	if jitterCount > 0 {
		rs.Jitter = jitterSum / time.Duration(jitterCount)
	}
	if sentInWin > 0 {
		rs.PacketLoss = 100 * float64(lostInWin) / float64(sentInWin)
	}
	return rs
}

// JitterTracker is an EMA tracker of the jitter between adjacent
// in-order packet arrivals, independent of the ping-history tracker
// above — it runs over payload sequence arrivals rather than pings.
type JitterTracker struct {
	lastProcessed uint64
	haveLast      bool
	lastTime      time.Time
	lastDelta     time.Duration
	haveDelta     bool
	Jitter        time.Duration
}

const (
	jitterEMAWeight  = 0.01
	jitterSnapJump   = 10 * time.Microsecond
)

// PacketReceived folds a new sample into the jitter EMA only when
// sequence is exactly one more than the last processed sequence and
// both a previous arrival time and a previous in-order delta are known;
// it otherwise just advances the bookkeeping without touching Jitter.
func (j *JitterTracker) PacketReceived(sequence uint64, t time.Time) {
	if j.haveLast && sequence == j.lastProcessed+1 && !j.lastTime.IsZero() {
		delta := t.Sub(j.lastTime)
		if j.haveDelta {
			sample := delta - j.lastDelta
			if sample < 0 {
				sample = -sample
			}
			if sample > jitterSnapJump {
				j.Jitter = sample
			} else {
				j.Jitter += time.Duration(float64(sample-j.Jitter) * jitterEMAWeight)
			}
		}
		j.lastDelta = delta
		j.haveDelta = true
	}
	j.lastProcessed = sequence
	j.lastTime = t
	j.haveLast = true
}

// OutOfOrderTracker counts inbound sequences that arrive strictly
// behind the highest sequence seen so far. A sequence that merely
// repeats the high-water mark updates nothing and is not counted
// here; that case is the replay window's job.
type OutOfOrderTracker struct {
	lastProcessed    uint64
	haveLast         bool
	NumOutOfOrder    uint64
}

func (o *OutOfOrderTracker) PacketReceived(sequence uint64) {
	if o.haveLast && sequence < o.lastProcessed {
		o.NumOutOfOrder++
		return
	}
	o.lastProcessed = sequence
	o.haveLast = true
}

// PacketLossTracker tracks inbound payload-stream gaps over a 1024-
// entry mod-indexed table, the same window size as the replay
// protection but independently maintained since it serves reporting,
// not rejection.
type PacketLossTracker struct {
	lastProcessed  uint64
	haveLast       bool
	mostRecent     uint64
	received       [constants.PacketLossTrackerHistory]uint64
}

const packetLossEmpty = ^uint64(0)

func NewPacketLossTracker() *PacketLossTracker {
	t := &PacketLossTracker{}
	for i := range t.received {
		t.received[i] = packetLossEmpty
	}
	return t
}

// PacketReceived records sequence+1 at its modular slot (matching the
// reference tracker's off-by-one indexing) and advances the
// most-recent marker.
func (t *PacketLossTracker) PacketReceived(sequence uint64) {
	shifted := sequence + 1
	t.received[shifted%constants.PacketLossTrackerHistory] = shifted
	if shifted > t.mostRecent {
		t.mostRecent = shifted
	}
}

// Update slides the processed cursor up to mostRecent-safety and
// returns the number of gaps (sequences never recorded) found in that
// span. If the unprocessed span exceeds the tracker's history size the
// cursor jumps straight to mostRecent and reports zero, since the
// gap is no longer distinguishable from normal loss at that distance.
func (t *PacketLossTracker) Update() uint64 {
	if !t.haveLast {
		t.lastProcessed = 0
		t.haveLast = true
	}
	if t.mostRecent < constants.PacketLossTrackerSafety {
		return 0
	}
	finish := t.mostRecent - constants.PacketLossTrackerSafety
	start := t.lastProcessed + 1
	if start > finish {
		return 0
	}
	if finish-start >= constants.PacketLossTrackerHistory {
		t.lastProcessed = t.mostRecent
		return 0
	}

	var lost uint64
	for seq := start; seq <= finish; seq++ {
		if t.received[seq%constants.PacketLossTrackerHistory] != seq {
			lost++
		}
	}
	t.lastProcessed = finish
	return lost
}
