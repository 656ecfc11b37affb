// Package sendtrack implements the sender-side retransmission policy: it
// holds outgoing reliable messages, drives selective resends from
// received ack bitmaps, and expires messages that are complete or past
// their deadline.
package sendtrack

import (
	"fmt"
	"time"

	"github.com/therealutkarshpriyadarshi/rudp/pkg/fragment"
	"github.com/therealutkarshpriyadarshi/rudp/pkg/wire"
)

// Priority selects the resend cadence for a reliable message.
type Priority int

const (
	Lowest Priority = iota
	VeryLow
	Low
	Normal
	High
	VeryHigh
	Highest
)

// ResendDelay returns the cadence associated with p.
func (p Priority) ResendDelay() time.Duration {
	switch p {
	case Lowest:
		return 1500 * time.Millisecond
	case VeryLow:
		return 640 * time.Millisecond
	case Low:
		return 320 * time.Millisecond
	case Normal:
		return 160 * time.Millisecond
	case High:
		return 80 * time.Millisecond
	case VeryHigh:
		return 40 * time.Millisecond
	case Highest:
		return 20 * time.Millisecond
	default:
		return 160 * time.Millisecond
	}
}

// CustomPriority wraps an arbitrary resend cadence.
type CustomPriority struct {
	Delay time.Duration
}

// ResendDelay implements the same interface as Priority for custom
// cadences; PriorityLike lets SendData accept either.
func (c CustomPriority) ResendDelay() time.Duration { return c.Delay }

// PriorityLike is satisfied by Priority and CustomPriority.
type PriorityLike interface {
	ResendDelay() time.Duration
}

// CleanupDelay is the grace window a fully-acked set is retained before
// deletion; during it IsSeqIDReceived still reports the set as received.
const CleanupDelay = 5 * time.Second

// Expiration describes when a SentDataSet should be discarded regardless
// of ack state.
type Expiration struct {
	Never    bool
	Deadline time.Time
}

type entry struct {
	payload   []byte
	fragTotal uint8
	meta      wire.FragmentMeta
	priority  PriorityLike
	expires   Expiration

	lastSentAt    time.Time
	lastBitmap    fragment.Bitmap
	hasBitmap     bool
	unansweredOld time.Time
	unansweredNew time.Time
	hasUnanswered bool

	completeSince time.Time
	hasComplete   bool
}

func (e *entry) isExpired(now time.Time) bool {
	if e.expires.Never {
		return false
	}
	return !now.Before(e.expires.Deadline)
}

// OutFragment is a fragment ready to hand to the wire codec for sending.
type OutFragment struct {
	SeqID     uint32
	FragID    uint8
	FragTotal uint8
	Meta      wire.FragmentMeta
	Payload   []byte
}

// Tracker holds every outstanding reliable message for one remote.
type Tracker struct {
	entries      map[uint32]*entry
	cleanupDelay time.Duration
}

// New returns an empty tracker using the default cleanup grace window.
func New() *Tracker {
	return &Tracker{entries: make(map[uint32]*entry), cleanupDelay: CleanupDelay}
}

// SetCleanupDelay overrides the grace window a fully-acked entry is kept
// before being dropped. A non-positive value is ignored.
func (t *Tracker) SetCleanupDelay(d time.Duration) {
	if d > 0 {
		t.cleanupDelay = d
	}
}

// SendData registers seqID for tracking (unless meta is Forgettable) and
// returns every fragment that must be transmitted immediately.
func (t *Tracker) SendData(seqID uint32, payload []byte, now time.Time, meta wire.FragmentMeta, priority PriorityLike, expires Expiration) ([]OutFragment, error) {
	pieces, err := fragment.Generate(seqID, payload, meta)
	if err != nil {
		return nil, fmt.Errorf("sendtrack: %w", err)
	}

	out := make([]OutFragment, 0, len(pieces))
	for _, piece := range pieces {
		out = append(out, OutFragment{
			SeqID:     piece.SeqID,
			FragID:    piece.FragID,
			FragTotal: piece.FragTotal,
			Meta:      piece.Meta,
			Payload:   piece.Payload,
		})
	}

	if meta != wire.Forgettable {
		if _, exists := t.entries[seqID]; exists {
			return nil, fmt.Errorf("sendtrack: seq_id %d already registered", seqID)
		}
		t.entries[seqID] = &entry{
			payload:    payload,
			fragTotal:  out[len(out)-1].FragTotal,
			meta:       meta,
			priority:   priority,
			expires:    expires,
			lastSentAt: now,
		}
	}

	return out, nil
}

// ReceiveAck records an incoming ack bitmap for seqID. Unknown seq_ids are
// dropped silently (either counterfeit, or a set already cleaned up).
func (t *Tracker) ReceiveAck(seqID uint32, bitmap fragment.Bitmap, now time.Time) {
	e, ok := t.entries[seqID]
	if !ok {
		return
	}
	e.lastBitmap = bitmap
	e.hasBitmap = true

	if !e.hasUnanswered {
		e.unansweredOld = now
		e.hasUnanswered = true
	}
	e.unansweredNew = now
}

// IsSeqIDReceived reports whether seqID's message has been observed
// complete by the peer. The second return distinguishes "tracked but
// incomplete" from "never tracked at all".
func (t *Tracker) IsSeqIDReceived(seqID uint32) (received bool, tracked bool) {
	e, ok := t.entries[seqID]
	if !ok {
		return false, false
	}
	return e.hasComplete, true
}

// Tick runs the expiry and retransmission policy, returning every fragment
// that must be resent this cycle.
func (t *Tracker) Tick(now time.Time) []OutFragment {
	var out []OutFragment

	for seqID, e := range t.entries {
		if e.isExpired(now) {
			delete(t.entries, seqID)
			continue
		}

		if e.hasComplete {
			if now.Sub(e.completeSince) >= t.cleanupDelay {
				delete(t.entries, seqID)
			}
			continue
		}

		if !t.shouldResend(e, now) {
			continue
		}

		out = append(out, t.resendFragments(seqID, e)...)

		e.lastSentAt = now
		e.hasUnanswered = false

		if e.hasBitmap && e.lastBitmap.IsComplete(e.fragTotal) {
			e.hasComplete = true
			e.completeSince = e.unansweredNew
			if e.completeSince.IsZero() {
				e.completeSince = now
			}
		}
	}

	return out
}

func (t *Tracker) shouldResend(e *entry, now time.Time) bool {
	d := e.priority.ResendDelay()
	if !now.Before(e.lastSentAt.Add(d)) {
		return true
	}
	if e.hasBitmap && e.hasUnanswered {
		if now.Sub(e.unansweredOld) >= (4*d)/5 {
			return true
		}
		if now.Sub(e.unansweredNew) >= (3*d)/5 {
			return true
		}
	}
	return false
}

func (t *Tracker) resendFragments(seqID uint32, e *entry) []OutFragment {
	pieces, err := fragment.Generate(seqID, e.payload, e.meta)
	if err != nil {
		return nil
	}

	var missing map[uint8]bool
	if e.hasBitmap {
		missing = make(map[uint8]bool)
		for _, id := range e.lastBitmap.Missing(e.fragTotal) {
			missing[id] = true
		}
	}

	out := make([]OutFragment, 0, len(pieces))
	for _, piece := range pieces {
		if missing != nil && !missing[piece.FragID] {
			continue
		}
		out = append(out, OutFragment{
			SeqID:     piece.SeqID,
			FragID:    piece.FragID,
			FragTotal: piece.FragTotal,
			Meta:      piece.Meta,
			Payload:   piece.Payload,
		})
	}
	return out
}

// Len reports the number of in-flight tracked messages (diagnostics/tests).
func (t *Tracker) Len() int {
	return len(t.entries)
}
