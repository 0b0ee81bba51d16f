// Package table implements the endpoint-owned session tables:
// pending upgrades, active sessions (addressable by both network
// address and session id), and server-side proxy sessions addressable
// by address alone. Per DESIGN.md's Open Question decision, these are
// backed by Go maps rather than the reference implementation's scanned
// arrays — SPEC_FULL.md's contract is address/id lookup, not the scan
// mechanism — guarded by a single RWMutex per table, matching the
// teacher's own map-of-sessions-behind-a-mutex layout.
package table

import (
	"sync"
	"time"

	"github.com/relaypath/overlay/internal/addr"
)

// PendingEntry is a client mid-handshake: issued an upgrade token but
// not yet confirmed.
type PendingEntry struct {
	Address             addr.Address
	SessionID           uint64
	UserHash            uint64
	UpgradeTime         time.Time
	LastPacketSendTime  time.Time
	EphemeralPrivateKey [32]byte
	UpgradeToken        []byte
}

// PendingTable tracks in-flight upgrade handshakes, keyed by address.
type PendingTable struct {
	mu      sync.RWMutex
	entries map[addr.Address]*PendingEntry
}

func NewPendingTable() *PendingTable {
	return &PendingTable{entries: make(map[addr.Address]*PendingEntry)}
}

func (t *PendingTable) Add(e *PendingEntry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[e.Address] = e
}

func (t *PendingTable) Find(a addr.Address) (*PendingEntry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.entries[a]
	return e, ok
}

func (t *PendingTable) Remove(a addr.Address) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, a)
}

// RemoveExpired removes and returns entries whose upgrade has been
// pending longer than timeout, for timeout bookkeeping by the caller.
func (t *PendingTable) RemoveExpired(now time.Time, timeout time.Duration) []*PendingEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	var expired []*PendingEntry
	for k, e := range t.entries {
		if now.Sub(e.UpgradeTime) > timeout {
			expired = append(expired, e)
			delete(t.entries, k)
		}
	}
	return expired
}

func (t *PendingTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}
