package stats

// ClientCounter enumerates the fixed set of monotonic client lifetime
// counters, grounded on the reference SDK's NEXT_CLIENT_COUNTER_*
// enumeration.
type ClientCounter int

const (
	CounterOpenSession ClientCounter = iota
	CounterCloseSession
	CounterUpgradeSession
	CounterSessionUpgraded
	CounterFallbackToDirect
	CounterPacketSentClientToServer
	CounterPacketSentServerToClient
	CounterPacketReceivedClientToServer
	CounterPacketReceivedServerToClient
	CounterMultipath
	CounterReportSession
	CounterPlatformUnknown
	CounterPlatformWindows
	CounterPlatformMac
	CounterPlatformLinux

	numClientCounters
)

// ClientCounters holds one slot per ClientCounter (SPEC_FULL.md,
// Supplemented Features). The array is not part of the stats snapshot;
// the snapshot carries only packets-sent and packets-received counts.
type ClientCounters [numClientCounters]uint64

func (c *ClientCounters) Increment(which ClientCounter) {
	c[which]++
}
