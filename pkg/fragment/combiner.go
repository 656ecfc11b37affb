package fragment

import (
	"sort"
	"time"

	"github.com/therealutkarshpriyadarshi/rudp/pkg/wire"
)

const (
	// AckInterval is the minimum spacing between two acks for the same set.
	AckInterval = 50 * time.Millisecond

	incompleteForgettableTTL = 10 * time.Second
	incompleteOtherTTL       = 60 * time.Second
	completeTTL              = 20 * time.Second

	maxAcksSent = 2
)

// Message is a fully reassembled incoming payload.
type Message struct {
	SeqID uint32
	Data  []byte
}

// AckOut is an ack the combiner wants transmitted back to the sender.
type AckOut struct {
	SeqID  uint32
	Bitmap Bitmap
}

type setState int

const (
	stateIncomplete setState = iota
	stateComplete
)

type fragmentSet struct {
	state       setState
	meta        wire.FragmentMeta
	fragTotal   uint8
	fragments   map[uint8][]byte
	completedAt time.Time

	lastReceivedAt time.Time
	lastAckSentAt  time.Time
	hasLastAck     bool
	acksSentCount  int
}

// Combiner reassembles incoming fragments per seq_id and produces bitmap
// acks. It has no internal goroutines or timers: callers drive everything
// through Push and Tick.
type Combiner struct {
	sets        map[uint32]*fragmentSet
	ackInterval time.Duration
}

// NewCombiner returns an empty combiner using the default ack cadence.
func NewCombiner() *Combiner {
	return &Combiner{sets: make(map[uint32]*fragmentSet), ackInterval: AckInterval}
}

// SetAckInterval overrides the minimum spacing between two acks for the
// same set. A non-positive value is ignored.
func (c *Combiner) SetAckInterval(d time.Duration) {
	if d > 0 {
		c.ackInterval = d
	}
}

// Push feeds one decoded Fragment packet into the combiner. It returns a
// non-nil Message the instant the fragment that completes seq_id arrives.
// A set that has mismatched frag_total across fragments is considered
// corrupt and deleted without producing a message.
func (c *Combiner) Push(p wire.Packet, now time.Time) *Message {
	if p.Kind != wire.KindFragment {
		return nil
	}

	set, ok := c.sets[p.SeqID]
	if !ok {
		set = &fragmentSet{
			state:     stateIncomplete,
			meta:      p.FragMeta,
			fragTotal: p.FragTotal,
			fragments: make(map[uint8][]byte),
		}
		c.sets[p.SeqID] = set
	}

	set.lastReceivedAt = now
	if set.state == stateIncomplete {
		set.acksSentCount = 0
	}

	if set.state == stateComplete {
		// Completed sets are never revived by a late, duplicate fragment.
		return nil
	}

	if p.FragTotal != set.fragTotal {
		delete(c.sets, p.SeqID)
		return nil
	}

	set.fragments[p.FragID] = p.Payload

	if len(set.fragments) <= int(set.fragTotal) {
		return nil
	}

	ids := make([]uint8, 0, len(set.fragments))
	for id := range set.fragments {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	data := make([]byte, 0)
	for _, id := range ids {
		data = append(data, set.fragments[id]...)
	}

	set.state = stateComplete
	set.completedAt = now
	set.acksSentCount = 0

	return &Message{SeqID: p.SeqID, Data: data}
}

// Tick expires stale sets and builds the acks due this cycle.
func (c *Combiner) Tick(now time.Time) []AckOut {
	var acks []AckOut

	for seqID, set := range c.sets {
		if c.isStale(set, now) {
			delete(c.sets, seqID)
			continue
		}

		if !c.canSendAck(set, now) {
			continue
		}

		bitmap := c.buildBitmap(set)
		acks = append(acks, AckOut{SeqID: seqID, Bitmap: bitmap})
		set.lastAckSentAt = now
		set.hasLastAck = true
		set.acksSentCount++
	}

	return acks
}

func (c *Combiner) isStale(set *fragmentSet, now time.Time) bool {
	switch set.state {
	case stateComplete:
		return now.Sub(set.completedAt) >= completeTTL
	default:
		if set.meta == wire.Forgettable {
			return now.Sub(set.lastReceivedAt) >= incompleteForgettableTTL
		}
		return now.Sub(set.lastReceivedAt) >= incompleteOtherTTL
	}
}

func (c *Combiner) canSendAck(set *fragmentSet, now time.Time) bool {
	if set.meta == wire.Forgettable {
		return false
	}
	if set.acksSentCount >= maxAcksSent {
		return false
	}
	if !set.hasLastAck {
		return true
	}
	return now.Sub(set.lastAckSentAt) >= c.ackInterval
}

func (c *Combiner) buildBitmap(set *fragmentSet) Bitmap {
	if set.state == stateComplete {
		return AllOnes(set.fragTotal)
	}
	b := NewBitmap(set.fragTotal)
	for fragID := range set.fragments {
		b.Set(fragID)
	}
	return b
}

// Len reports the number of in-flight sets (for diagnostics/tests).
func (c *Combiner) Len() int {
	return len(c.sets)
}
