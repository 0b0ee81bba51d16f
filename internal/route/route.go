// Package route implements the server-side route state machine
// (SPEC_FULL.md / spec.md §4.6): a session's current/pending/previous
// route slots, and the transitions driven by trial-decrypt outcomes
// and route/continue token arrivals. The previous-route handling is
// deliberately asymmetric between "continue" (drops previous) and
// "promotion" (replaces previous with the old current) — see
// DESIGN.md's Open Question decision 3; that asymmetry is preserved
// verbatim rather than unified behind one helper.
package route

import (
	"time"

	"github.com/relaypath/overlay/internal/addr"
	"github.com/relaypath/overlay/internal/constants"
	"github.com/relaypath/overlay/internal/xcrypto"
)

// Slot holds one route generation's key material and lease.
type Slot struct {
	SessionVersion   uint8
	ExpireTimestamp  uint64
	ExpireTime       time.Time
	KbpsUp, KbpsDown uint32
	SendAddress      addr.Address
	PrivateKey       [xcrypto.KeySize]byte
}

// State is the tagged union of a session's route slots: at most one
// pending, current if the session has ever been promoted, previous
// only transiently after a switch.
type State struct {
	Current  *Slot
	Pending  *Slot
	Previous *Slot
}

// Status is the coarse state used for reporting and the client-visible
// state machine.
type Status int

const (
	StatusNoRoute Status = iota
	StatusHasCurrent
	StatusHasCurrentPending
	StatusHasCurrentPrevious
)

func (s *State) Status() Status {
	switch {
	case s.Current == nil:
		return StatusNoRoute
	case s.Pending != nil:
		return StatusHasCurrentPending
	case s.Previous != nil:
		return StatusHasCurrentPrevious
	default:
		return StatusHasCurrent
	}
}

// InstallPending installs a freshly negotiated route as pending,
// replacing any existing pending slot (only one may exist at a time).
func (s *State) InstallPending(slot *Slot) {
	s.Pending = slot
}

// PromotePending is called when a header trial-decrypt succeeds under
// the pending key. If there is no current route, pending simply
// becomes current. If a current route already exists, it demotes to
// previous before pending takes over — this is the "promotion"
// half of the asymmetry DESIGN.md calls out: the old current is kept
// around briefly so packets already in flight under it are not
// immediately orphaned.
func (s *State) PromotePending() {
	if s.Pending == nil {
		return
	}
	if s.Current != nil {
		s.Previous = s.Current
	}
	s.Current = s.Pending
	s.Pending = nil
}

// Continue extends the current slot's expiry by one slice and drops
// previous outright — the "continue" half of the asymmetry: a continue
// does not change hops, so there is nothing for a lingering previous
// route to protect against reorder, and keeping it around would let a
// stale route silently outlive the slice it belonged to.
func (s *State) Continue(newExpireTimestamp uint64) {
	if s.Current == nil {
		return
	}
	s.Current.ExpireTimestamp = newExpireTimestamp
	s.Current.ExpireTime = s.Current.ExpireTime.Add(constants.SliceDuration)
	s.Previous = nil
}

// ExpireIfPast drops both current and previous once current's lease
// has passed, returning to no_route.
func (s *State) ExpireIfPast(now time.Time) {
	if s.Current != nil && now.After(s.Current.ExpireTime) {
		s.Current = nil
		s.Previous = nil
	}
}

// Keys returns the private keys to probe, in the documented
// trial-decrypt order: pending, current, previous.
func (s *State) Keys() []struct {
	Slot *Slot
	Key  [xcrypto.KeySize]byte
} {
	var out []struct {
		Slot *Slot
		Key  [xcrypto.KeySize]byte
	}
	for _, slot := range []*Slot{s.Pending, s.Current, s.Previous} {
		if slot != nil {
			out = append(out, struct {
				Slot *Slot
				Key  [xcrypto.KeySize]byte
			}{slot, slot.PrivateKey})
		}
	}
	return out
}
