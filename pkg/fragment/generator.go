package fragment

import (
	"fmt"

	"github.com/therealutkarshpriyadarshi/rudp/pkg/wire"
)

// Piece is one numbered slice of a message ready for wire encoding.
type Piece struct {
	SeqID     uint32
	FragID    uint8
	FragTotal uint8
	Meta      wire.FragmentMeta
	Payload   []byte
}

// Generate slices payload into ordered fragments. It is a pure function:
// calling it again with the same arguments reproduces byte-identical
// fragments, which is what makes retransmission trivial — the sender never
// has to keep the fragment slices around, only the original payload.
func Generate(seqID uint32, payload []byte, meta wire.FragmentMeta) ([]Piece, error) {
	if len(payload) == 0 {
		return nil, fmt.Errorf("fragment: empty payload")
	}

	n := (len(payload) + wire.MaxPayloadPerFragment - 1) / wire.MaxPayloadPerFragment
	if n > wire.MaxFragments {
		return nil, fmt.Errorf("fragment: payload requires %d fragments, max is %d", n, wire.MaxFragments)
	}

	fragTotal := uint8(n - 1)
	pieces := make([]Piece, 0, n)
	for i := 0; i < n; i++ {
		start := i * wire.MaxPayloadPerFragment
		end := start + wire.MaxPayloadPerFragment
		if end > len(payload) {
			end = len(payload)
		}
		pieces = append(pieces, Piece{
			SeqID:     seqID,
			FragID:    uint8(i),
			FragTotal: fragTotal,
			Meta:      meta,
			Payload:   payload[start:end],
		})
	}
	return pieces, nil
}
