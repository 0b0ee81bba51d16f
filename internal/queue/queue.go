// Package queue implements the bounded command/notify FIFOs that
// connect an endpoint's I/O thread to the application's update thread
// (spec.md §5, §9). Queues are bounded buffered channels: on a full
// queue the producer drops and logs rather than blocking or growing
// unbounded, per spec.md §9's explicit "implementers must preserve
// this back-pressure" instruction, grounded on
// original_source/include/next_queue.h's drop-on-full circular array.
package queue

import (
	"github.com/sirupsen/logrus"
)

// Command is a message sent from the application thread to the I/O
// thread (spec.md §5: open_session, close_session, destroy,
// report_session, upgrade_session, session_event, flush, set_callback).
type Command struct {
	Kind    CommandKind
	Payload any
}

type CommandKind int

const (
	CmdOpenSession CommandKind = iota
	CmdCloseSession
	CmdDestroy
	CmdReportSession
	CmdUpgradeSession
	CmdSessionEvent
	CmdFlush
	CmdSetCallback
)

// Notification is a message sent from the I/O thread to the
// application thread (spec.md §5: packet_received, upgraded,
// stats_updated, magic_updated, ready, pending_session_timed_out,
// session_timed_out, flush_finished, direct_only).
type Notification struct {
	Kind    NotificationKind
	Payload any
}

type NotificationKind int

const (
	NotifyPacketReceived NotificationKind = iota
	NotifyUpgraded
	NotifyStatsUpdated
	NotifyMagicUpdated
	NotifyReady
	NotifyPendingSessionTimedOut
	NotifySessionTimedOut
	NotifyFlushFinished
	NotifyDirectOnly
)

// Bounded is a fixed-capacity, drop-on-full FIFO of T.
type Bounded[T any] struct {
	ch      chan T
	dropped uint64
	log     *logrus.Entry
	name    string
}

// NewBounded returns a queue with the given capacity.
func NewBounded[T any](capacity int, log *logrus.Entry, name string) *Bounded[T] {
	return &Bounded[T]{
		ch:   make(chan T, capacity),
		log:  log,
		name: name,
	}
}

// TryPush attempts to enqueue v, dropping and logging it if the queue
// is at capacity. It never blocks.
func (b *Bounded[T]) TryPush(v T) bool {
	select {
	case b.ch <- v:
		return true
	default:
		b.dropped++
		if b.log != nil {
			b.log.WithField("queue", b.name).WithField("dropped_total", b.dropped).Warn("queue full, dropping message")
		}
		return false
	}
}

// TryPop attempts to dequeue one message without blocking.
func (b *Bounded[T]) TryPop() (T, bool) {
	select {
	case v := <-b.ch:
		return v, true
	default:
		var zero T
		return zero, false
	}
}

// Chan exposes the underlying channel for select-based draining loops.
func (b *Bounded[T]) Chan() <-chan T {
	return b.ch
}

// Dropped returns the running count of messages dropped due to a full
// queue.
func (b *Bounded[T]) Dropped() uint64 {
	return b.dropped
}

// DrainAll pops every currently-queued message without blocking,
// preserving order, for use by an update-thread tick.
func (b *Bounded[T]) DrainAll() []T {
	var out []T
	for {
		v, ok := b.TryPop()
		if !ok {
			break
		}
		out = append(out, v)
	}
	return out
}
