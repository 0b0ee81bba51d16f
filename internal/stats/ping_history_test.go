package stats

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPingHistoryComputesRTT(t *testing.T) {
	h := NewPingHistory()
	t0 := time.Now()

	h.PingSent(1, t0)
	h.PongReceived(1, t0.Add(50*time.Millisecond))

	h.PingSent(2, t0.Add(100*time.Millisecond))
	h.PongReceived(2, t0.Add(160*time.Millisecond))

	rs := h.Compute(t0.Add(-time.Second), t0.Add(time.Second))
	require.InDelta(t, 55*time.Millisecond, rs.RTT, float64(5*time.Millisecond))
}

func TestPingHistoryExcludesSafetyWindowFromLoss(t *testing.T) {
	h := NewPingHistory()
	t0 := time.Now()
	// Sent but never ponged, within the safety window of the compute
	// end time, so it must not count as lost.
	h.PingSent(1, t0)

	rs := h.Compute(t0.Add(-time.Second), t0.Add(100*time.Millisecond))
	require.Zero(t, rs.PacketLoss)
}

func TestPingHistoryCountsLossOutsideSafetyWindow(t *testing.T) {
	h := NewPingHistory()
	t0 := time.Now()
	h.PingSent(1, t0)
	// no pong

	rs := h.Compute(t0.Add(-time.Second), t0.Add(5*time.Second))
	require.Equal(t, 100.0, rs.PacketLoss)
}

func TestJitterTrackerOnlyFoldsSequentialArrivals(t *testing.T) {
	jt := &JitterTracker{}
	t0 := time.Now()

	jt.PacketReceived(1, t0)
	jt.PacketReceived(2, t0.Add(10*time.Millisecond))
	require.Zero(t, jt.Jitter, "first delta has nothing to compare against")

	jt.PacketReceived(3, t0.Add(30*time.Millisecond)) // 20ms delta vs previous 10ms
	require.NotZero(t, jt.Jitter)
}

func TestJitterTrackerSkipsOutOfOrderArrivals(t *testing.T) {
	jt := &JitterTracker{}
	t0 := time.Now()
	jt.PacketReceived(5, t0)
	jt.PacketReceived(10, t0.Add(10*time.Millisecond)) // not sequential, skipped
	require.Zero(t, jt.Jitter)
}

func TestOutOfOrderTrackerCountsRegressions(t *testing.T) {
	ot := &OutOfOrderTracker{}
	ot.PacketReceived(5)
	ot.PacketReceived(6)
	ot.PacketReceived(3) // behind high-water mark
	require.Equal(t, uint64(1), ot.NumOutOfOrder)
}

func TestPacketLossTrackerFindsGaps(t *testing.T) {
	plt := NewPacketLossTracker()
	for _, seq := range []uint64{0, 1, 3, 4} { // 2 is missing
		plt.PacketReceived(seq)
	}
	plt.PacketReceived(40) // push mostRecent well past the safety window

	lost := plt.Update()
	require.GreaterOrEqual(t, lost, uint64(1))
}
