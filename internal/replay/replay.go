// Package replay implements the per-stream sliding-window sequence
// dedup used for the payload, special, and internal packet streams of
// a session. Unlike the reference implementation this module is
// grounded on, Check and Advance are kept as separate operations
// (per DESIGN.md's Open Question decision 4): Check never mutates
// state, so a packet that fails authentication or later validation
// after passing the replay check has not polluted the window.
package replay

import "github.com/relaypath/overlay/internal/constants"

// empty is the sentinel stored in a slot that has never been written.
const empty = ^uint64(0)

// Window is one sliding-window replay-protection stream.
type Window struct {
	mostRecent uint64
	slots      [constants.ReplayWindowSize]uint64
}

// New returns a freshly reset window.
func New() *Window {
	w := &Window{}
	w.Reset()
	return w
}

// Reset clears the window to its initial empty state.
func (w *Window) Reset() {
	w.mostRecent = 0
	for i := range w.slots {
		w.slots[i] = empty
	}
}

// Check reports whether sequence would be treated as a replay: either
// too far behind the window's trailing edge, or already seen in its
// slot. It does not mutate the window.
func (w *Window) Check(sequence uint64) bool {
	if sequence+constants.ReplayWindowSize <= w.mostRecent {
		return true
	}
	slot := w.slots[sequence%constants.ReplayWindowSize]
	if slot != empty && slot >= sequence {
		return true
	}
	return false
}

// Advance records sequence as received and, if it is newer than any
// sequence seen so far, moves the window's trailing edge forward. It
// must only be called after all other validation for the packet has
// succeeded.
func (w *Window) Advance(sequence uint64) {
	w.slots[sequence%constants.ReplayWindowSize] = sequence
	if sequence > w.mostRecent {
		w.mostRecent = sequence
	}
}

// MostRecent returns the highest sequence advanced so far.
func (w *Window) MostRecent() uint64 {
	return w.mostRecent
}

// SessionWindows bundles the three independent replay streams a
// session carries.
type SessionWindows struct {
	Payload  *Window
	Special  *Window
	Internal *Window
}

// NewSessionWindows allocates all three streams reset and ready.
func NewSessionWindows() *SessionWindows {
	return &SessionWindows{
		Payload:  New(),
		Special:  New(),
		Internal: New(),
	}
}
