// Package ping measures round-trip time by timing the return of a
// message's ack.
package ping

import "time"

// StaleAfter is how long an outstanding ping may go unanswered before a
// fresh Ping call is allowed to replace it.
const StaleAfter = 5 * time.Second

// Tracker holds at most one outstanding ping at a time.
type Tracker struct {
	outstanding bool
	seqID       uint32
	sentAt      time.Time

	lastRTT    time.Duration
	hasLastRTT bool
}

// New returns an empty tracker.
func New() *Tracker {
	return &Tracker{}
}

// Ping records that seqID was just sent as a ping probe at time now. If a
// ping is already outstanding and not yet stale, this is a no-op and
// returns false.
func (t *Tracker) Ping(seqID uint32, now time.Time) bool {
	if t.outstanding && now.Sub(t.sentAt) < StaleAfter {
		return false
	}
	t.outstanding = true
	t.seqID = seqID
	t.sentAt = now
	return true
}

// Pong reports that an ack for seqID arrived at time now. If it matches
// the outstanding ping, the RTT is recorded (clamped just below StaleAfter
// for a late arrival) and returned, regardless of how long it took.
func (t *Tracker) Pong(seqID uint32, now time.Time) (time.Duration, bool) {
	if !t.outstanding || seqID != t.seqID {
		return 0, false
	}
	elapsed := now.Sub(t.sentAt)
	t.outstanding = false
	if elapsed >= StaleAfter {
		elapsed = StaleAfter - time.Millisecond
	}
	t.lastRTT = elapsed
	t.hasLastRTT = true
	return elapsed, true
}

// Last returns the most recently measured RTT, if any.
func (t *Tracker) Last() (time.Duration, bool) {
	return t.lastRTT, t.hasLastRTT
}
