package stats

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWirePacketBitsAccountsForOverhead(t *testing.T) {
	bits := WirePacketBits(100)
	require.Greater(t, bits, 100*8, "wire cost must exceed raw payload bits")
}

func TestBandwidthLimiterFoldsEMAOnIntervalBoundary(t *testing.T) {
	b := NewBandwidthLimiter()
	start := time.Now()

	// First call seeds lastCheck far in the past, so this call itself
	// crosses the interval boundary and folds a sample.
	b.AddPacket(start, 1000, 1000)
	require.Greater(t, b.UsageKbps(), 0.0)
}

func TestBandwidthLimiterResetClearsUsage(t *testing.T) {
	b := NewBandwidthLimiter()
	b.AddPacket(time.Now(), 1000, 1000)
	require.NotZero(t, b.UsageKbps())

	b.Reset()
	require.Zero(t, b.UsageKbps())
}

func TestBandwidthLimiterOverBudget(t *testing.T) {
	b := NewBandwidthLimiter()
	now := time.Now()
	b.AddPacket(now, 1000, 1000) // folds first sample, resets bitsSent to 0

	// A huge packet right after the fold should exceed a tiny budget.
	over := b.AddPacket(now.Add(time.Millisecond), 0.001, 1_000_000)
	require.True(t, over)
}
