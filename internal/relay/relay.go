// Package relay implements the client's near-relay manager (spec.md
// §2 component I, §4.8): the set of candidate relays the client
// measures, a ping schedule, and per-relay stat aggregation.
package relay

import (
	"sync"
	"time"

	"github.com/relaypath/overlay/internal/addr"
	"github.com/relaypath/overlay/internal/constants"
	"github.com/relaypath/overlay/internal/stats"
	"github.com/rs/xid"
)

// Relay is one candidate near relay the client measures.
type Relay struct {
	ID      xid.ID
	Address addr.Address
	History *stats.PingHistory
	nextSeq uint64

	LastPingTime time.Time
	LastPongTime time.Time
}

// Manager holds the client's near-relay set, bounded at
// constants.MaxClientRelays.
type Manager struct {
	mu     sync.RWMutex
	relays map[addr.Address]*Relay
}

func NewManager() *Manager {
	return &Manager{relays: make(map[addr.Address]*Relay)}
}

// SetRelays replaces the candidate set wholesale, as happens when the
// backend issues a new near-relay list, dropping any relay not in the
// new set and preserving ping history for ones that persist.
func (m *Manager) SetRelays(addresses []addr.Address) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(addresses) > constants.MaxClientRelays {
		addresses = addresses[:constants.MaxClientRelays]
	}

	next := make(map[addr.Address]*Relay, len(addresses))
	for _, a := range addresses {
		if existing, ok := m.relays[a]; ok {
			next[a] = existing
			continue
		}
		next[a] = &Relay{ID: xid.New(), Address: a, History: stats.NewPingHistory()}
	}
	m.relays = next
}

// Relays returns a snapshot slice of the current candidate set.
func (m *Manager) Relays() []*Relay {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Relay, 0, len(m.relays))
	for _, r := range m.relays {
		out = append(out, r)
	}
	return out
}

// DuePings returns the relays whose next ping (at
// constants.NearRelayPingsPerSecond) is due at now. It returns no
// sequence numbers; the sequence for each ping comes from
// RecordPingSent.
func (m *Manager) DuePings(now time.Time) []*Relay {
	m.mu.RLock()
	defer m.mu.RUnlock()

	interval := time.Second / constants.NearRelayPingsPerSecond
	var due []*Relay
	for _, r := range m.relays {
		if r.LastPingTime.IsZero() || now.Sub(r.LastPingTime) >= interval {
			due = append(due, r)
		}
	}
	return due
}

// RecordPingSent updates a relay's ping bookkeeping after the caller
// has transmitted a CLIENT_PING packet.
func (r *Relay) RecordPingSent(now time.Time) uint64 {
	seq := r.nextSeq
	r.nextSeq++
	r.History.PingSent(seq, now)
	r.LastPingTime = now
	return seq
}

// RecordPongReceived folds a CLIENT_PONG receipt into the relay's ping
// history.
func (r *Relay) RecordPongReceived(seq uint64, now time.Time) {
	r.History.PongReceived(seq, now)
	r.LastPongTime = now
}

// Stats returns the windowed route stats for a relay over the last
// window duration ending at now.
func (r *Relay) Stats(now time.Time, window time.Duration) stats.RouteStats {
	return r.History.Compute(now.Add(-window), now)
}

func (m *Manager) Find(a addr.Address) (*Relay, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.relays[a]
	return r, ok
}
