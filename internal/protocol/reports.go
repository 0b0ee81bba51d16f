package protocol

import (
	"fmt"
	"time"

	"github.com/relaypath/overlay/internal/addr"
	"github.com/relaypath/overlay/internal/constants"
	"github.com/relaypath/overlay/internal/wire"
)

// ClientStatsReport is the CLIENT_STATS payload a client reports once a
// second on the internal stream (spec.md §4.9's reportSession analogue):
// both paths' windowed RTT/jitter/loss, current bandwidth usage, and
// the multipath/fallback flags a server needs to decide whether this
// session needs a route issued, continued, or torn down.
type ClientStatsReport struct {
	DirectRTT        time.Duration
	DirectJitter     time.Duration
	DirectLoss       float64
	NextRTT          time.Duration
	NextJitter       time.Duration
	NextLoss         float64
	KbpsUp           float64
	KbpsDown         float64
	Multipath        bool
	FallbackToDirect bool
	PacketsSent      uint64
	PacketsReceived  uint64
}

func millisU32(d time.Duration) uint32 { return uint32(d.Milliseconds()) }
func bpU32(pct float64) uint32         { return uint32(pct * 100) }

// Marshal encodes the report for the internal control stream.
func (r ClientStatsReport) Marshal() []byte {
	w := wire.NewWriter(4*6 + 1*2 + 8*2)
	w.U32(millisU32(r.DirectRTT))
	w.U32(millisU32(r.DirectJitter))
	w.U32(bpU32(r.DirectLoss))
	w.U32(millisU32(r.NextRTT))
	w.U32(millisU32(r.NextJitter))
	w.U32(bpU32(r.NextLoss))
	w.U32(uint32(r.KbpsUp))
	w.U32(uint32(r.KbpsDown))
	w.Bool(r.Multipath)
	w.Bool(r.FallbackToDirect)
	w.U64(r.PacketsSent)
	w.U64(r.PacketsReceived)
	return w.Bytes()
}

// UnmarshalClientStatsReport reverses Marshal.
func UnmarshalClientStatsReport(body []byte) (ClientStatsReport, error) {
	r := wire.NewReader(body)
	var rep ClientStatsReport
	rep.DirectRTT = time.Duration(r.U32()) * time.Millisecond
	rep.DirectJitter = time.Duration(r.U32()) * time.Millisecond
	rep.DirectLoss = float64(r.U32()) / 100
	rep.NextRTT = time.Duration(r.U32()) * time.Millisecond
	rep.NextJitter = time.Duration(r.U32()) * time.Millisecond
	rep.NextLoss = float64(r.U32()) / 100
	rep.KbpsUp = float64(r.U32())
	rep.KbpsDown = float64(r.U32())
	rep.Multipath = r.Bool()
	rep.FallbackToDirect = r.Bool()
	rep.PacketsSent = r.U64()
	rep.PacketsReceived = r.U64()
	if r.Err() != nil {
		return ClientStatsReport{}, fmt.Errorf("protocol: decode client stats report: %w", r.Err())
	}
	return rep, nil
}

// ClientRelayReport is one near relay's windowed stats, carried inside
// CLIENT_RELAY_UPDATE (spec.md §2 component I / §4.8).
type ClientRelayReport struct {
	Address addr.Address
	RTT     time.Duration
	Jitter  time.Duration
	Loss    float64
}

// ClientRelayUpdate is the client's periodic near-relay measurement
// report, bounded at constants.MaxClientRelays entries.
type ClientRelayUpdate struct {
	Relays []ClientRelayReport
}

func (u ClientRelayUpdate) Marshal() []byte {
	w := wire.NewWriter(1 + len(u.Relays)*(addr.Bytes+12))
	w.U8(uint8(len(u.Relays)))
	var buf [addr.Bytes]byte
	for _, rep := range u.Relays {
		rep.Address.Marshal(buf[:])
		w.Raw(buf[:])
		w.U32(millisU32(rep.RTT))
		w.U32(millisU32(rep.Jitter))
		w.U32(bpU32(rep.Loss))
	}
	return w.Bytes()
}

func UnmarshalClientRelayUpdate(body []byte) (ClientRelayUpdate, error) {
	r := wire.NewReader(body)
	n := r.U8()
	if n > constants.MaxClientRelays {
		return ClientRelayUpdate{}, fmt.Errorf("protocol: relay update exceeds max relays")
	}
	out := ClientRelayUpdate{Relays: make([]ClientRelayReport, 0, n)}
	for i := 0; i < int(n); i++ {
		addrBuf := r.Raw(addr.Bytes)
		rttMs := r.U32()
		jitterMs := r.U32()
		lossBP := r.U32()
		if r.Err() != nil {
			break
		}
		a, err := addr.Unmarshal(addrBuf)
		if err != nil {
			return ClientRelayUpdate{}, fmt.Errorf("protocol: decode relay update address: %w", err)
		}
		out.Relays = append(out.Relays, ClientRelayReport{
			Address: a,
			RTT:     time.Duration(rttMs) * time.Millisecond,
			Jitter:  time.Duration(jitterMs) * time.Millisecond,
			Loss:    float64(lossBP) / 100,
		})
	}
	if r.Err() != nil {
		return ClientRelayUpdate{}, fmt.Errorf("protocol: decode relay update: %w", r.Err())
	}
	return out, nil
}
