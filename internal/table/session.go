package table

import (
	"sync"
	"time"

	"github.com/relaypath/overlay/internal/addr"
	"github.com/relaypath/overlay/internal/replay"
	"github.com/relaypath/overlay/internal/route"
	"github.com/relaypath/overlay/internal/stats"
	"github.com/relaypath/overlay/internal/xcrypto"
)

// StatsSnapshot mirrors spec.md §3.2's per-session stats snapshot:
// platform/connection info, both paths' route stats, and the counters
// reported to the backend on each session update.
type StatsSnapshot struct {
	Platform       string
	ConnectionType string
	DirectRTT      time.Duration
	DirectJitter   time.Duration
	DirectLoss     float64
	NextRTT        time.Duration
	NextJitter     time.Duration
	NextLoss       float64
	KbpsUp         float64
	KbpsDown       float64
	Multipath      bool
	FallbackToDirect bool
	PacketsSent     uint64
	PacketsReceived uint64
}

// Session is the server's per-session state (spec.md §3.2): identity,
// sequence counters, replay windows, route envelope, and update
// cadence bookkeeping.
type Session struct {
	mu sync.RWMutex

	Address   addr.Address
	SessionID uint64
	UserHash  uint64

	// ClientOpenSessionSequence is echoed in every direct packet so an
	// old incarnation cannot masquerade as a new one after client port
	// reuse.
	ClientOpenSessionSequence uint64

	SpecialSendSequence  uint64
	InternalSendSequence uint64
	PayloadSendSequence  uint64

	Replay *replay.SessionWindows

	UpgradeSecretboxKey [xcrypto.SecretboxKeySize]byte
	RouteKeys           *xcrypto.RouteKeys

	// FilterSecret derives the wire filter's rotating magic triple
	// (internal/filter), independently of RouteKeys, so a route
	// renegotiation does not also force a magic rotation.
	FilterSecret [32]byte

	routeVersion uint8

	Route *route.State

	// BandwidthOut enforces the route's kbps envelope on sends to this
	// session the same way the client enforces its own send budget.
	BandwidthOut *stats.BandwidthLimiter

	Stats StatsSnapshot

	CreatedAt    time.Time
	LastActiveAt time.Time

	UpdateSequence          uint64
	NextSessionUpdateTime   time.Time
	WaitingForUpdateResponse bool
	SessionUpdateFlush      bool

	FallbackToDirect bool
}

// NewSession constructs a fresh session entry with sequence counters
// starting at 1, per spec.md §3.2.
func NewSession(a addr.Address, sessionID, userHash uint64, now time.Time) *Session {
	return &Session{
		Address:              a,
		SessionID:            sessionID,
		UserHash:             userHash,
		SpecialSendSequence:  1,
		InternalSendSequence: 1,
		PayloadSendSequence:  1,
		Replay:               replay.NewSessionWindows(),
		Route:                &route.State{},
		BandwidthOut:         stats.NewBandwidthLimiter(),
		CreatedAt:            now,
		LastActiveAt:         now,
	}
}

func (s *Session) Touch(now time.Time) {
	s.mu.Lock()
	s.LastActiveAt = now
	s.mu.Unlock()
}

func (s *Session) IsStale(now time.Time, timeout time.Duration) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return now.Sub(s.LastActiveAt) > timeout
}

// NextPayloadSequence atomically reserves and returns the next
// payload send sequence, starting the caller's packet at that value.
func (s *Session) NextPayloadSequence() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	seq := s.PayloadSendSequence
	s.PayloadSendSequence++
	return seq
}

func (s *Session) NextSpecialSequence() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	seq := s.SpecialSendSequence
	s.SpecialSendSequence++
	return seq
}

func (s *Session) NextInternalSequence() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	seq := s.InternalSendSequence
	s.InternalSendSequence++
	return seq
}

// NextRouteVersion returns a fresh session version for a newly issued
// route slot, wrapping per wire.SequenceGreater's 8-bit comparison.
func (s *Session) NextRouteVersion() uint8 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.routeVersion++
	return s.routeVersion
}

// SendSnapshot is the bounded set of fields the send path reads under
// lock before releasing it to seal and transmit, per spec.md §9's
// "Mutex-protected snapshot pattern" note.
type SendSnapshot struct {
	SendOverNetworkNext bool
	KbpsEnvelope        uint32
	SessionID           uint64
	SessionVersion      uint8
	SessionAddress      addr.Address
	RoutePrivateKey     [xcrypto.KeySize]byte
	PayloadSendSequence uint64
	Multipath           bool
}

// Snapshot copies the fields the send path needs under a single
// bounded critical section, then releases the lock; sealing happens
// outside it.
func (s *Session) Snapshot() SendSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := SendSnapshot{
		SessionID:           s.SessionID,
		SessionAddress:      s.Address,
		PayloadSendSequence: s.PayloadSendSequence,
		Multipath:           s.Stats.Multipath,
	}
	if s.Route.Current != nil && !s.FallbackToDirect {
		snap.SendOverNetworkNext = true
		snap.KbpsEnvelope = s.Route.Current.KbpsDown
		snap.SessionVersion = s.Route.Current.SessionVersion
		snap.SessionAddress = s.Route.Current.SendAddress
		snap.RoutePrivateKey = s.Route.Current.PrivateKey
	}
	return snap
}

// SessionTable indexes sessions by both address and session id, as
// required by spec.md §3.4.
type SessionTable struct {
	mu        sync.RWMutex
	byAddress map[addr.Address]*Session
	byID      map[uint64]*Session
}

func NewSessionTable() *SessionTable {
	return &SessionTable{
		byAddress: make(map[addr.Address]*Session),
		byID:      make(map[uint64]*Session),
	}
}

func (t *SessionTable) Add(s *Session) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.byAddress[s.Address] = s
	t.byID[s.SessionID] = s
}

func (t *SessionTable) FindByAddress(a addr.Address) (*Session, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.byAddress[a]
	return s, ok
}

func (t *SessionTable) FindByID(id uint64) (*Session, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.byID[id]
	return s, ok
}

func (t *SessionTable) Remove(s *Session) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.byAddress, s.Address)
	delete(t.byID, s.SessionID)
}

func (t *SessionTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.byID)
}

// Snapshot returns a point-in-time slice of every active session, for
// callers that need to sweep the whole table (route expiry, stats
// export) rather than look one up by key.
func (t *SessionTable) Snapshot() []*Session {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*Session, 0, len(t.byID))
	for _, s := range t.byID {
		out = append(out, s)
	}
	return out
}

// RemoveStale removes and returns sessions idle longer than timeout.
func (t *SessionTable) RemoveStale(now time.Time, timeout time.Duration) []*Session {
	t.mu.Lock()
	defer t.mu.Unlock()
	var stale []*Session
	for id, s := range t.byID {
		if s.IsStale(now, timeout) {
			stale = append(stale, s)
			delete(t.byID, id)
			delete(t.byAddress, s.Address)
		}
	}
	return stale
}

// ProxyTable is the server-side table of sessions the server forwards
// for but does not own the upgrade state of, keyed by address only
// (SPEC_FULL.md's Supplemented Features, grounded on
// next_proxy_session_manager.h). Relay-forwarding itself is out of
// scope (spec.md §1). The server endpoint creates one of these tables
// but does not consult it when dispatching datagrams, and no forwarding
// hook exists.
type ProxyTable struct {
	mu      sync.RWMutex
	entries map[addr.Address]*ProxyEntry
}

type ProxyEntry struct {
	Address    addr.Address
	SessionID  uint64
	LastActive time.Time
}

func NewProxyTable() *ProxyTable {
	return &ProxyTable{entries: make(map[addr.Address]*ProxyEntry)}
}

func (t *ProxyTable) Add(e *ProxyEntry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[e.Address] = e
}

func (t *ProxyTable) Find(a addr.Address) (*ProxyEntry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.entries[a]
	return e, ok
}

func (t *ProxyTable) Remove(a addr.Address) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, a)
}
