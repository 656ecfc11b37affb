package sendtrack

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/therealutkarshpriyadarshi/rudp/pkg/fragment"
	"github.com/therealutkarshpriyadarshi/rudp/pkg/wire"
)

func TestSendDataRegistersAndReturnsFragments(t *testing.T) {
	tr := New()
	now := time.Now()

	out, err := tr.SendData(1, []byte("hello"), now, wire.Key, Normal, Expiration{Never: true})
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Equal(t, 1, tr.Len())
}

func TestSendDataForgettableIsNotTracked(t *testing.T) {
	tr := New()
	now := time.Now()

	_, err := tr.SendData(1, []byte("hi"), now, wire.Forgettable, Normal, Expiration{Never: true})
	require.NoError(t, err)
	require.Equal(t, 0, tr.Len())

	received, tracked := tr.IsSeqIDReceived(1)
	require.False(t, received)
	require.False(t, tracked)
}

func TestDuplicateSeqIDIsAnError(t *testing.T) {
	tr := New()
	now := time.Now()

	_, err := tr.SendData(1, []byte("a"), now, wire.Key, Normal, Expiration{Never: true})
	require.NoError(t, err)

	_, err = tr.SendData(1, []byte("b"), now, wire.Key, Normal, Expiration{Never: true})
	require.Error(t, err)
}

func TestReceiveAckMarksCompleteAndCleansUpAfterGrace(t *testing.T) {
	tr := New()
	now := time.Now()

	_, err := tr.SendData(1, []byte{0xAA}, now, wire.Key, Normal, Expiration{Never: true})
	require.NoError(t, err)

	tr.ReceiveAck(1, fragment.AllOnes(0), now)
	received, tracked := tr.IsSeqIDReceived(1)
	require.False(t, received) // not yet observed as complete_since until a Tick runs
	require.True(t, tracked)

	// force a resend cycle to observe completion (resend cadence elapsed).
	// complete_since is stamped at the ack's arrival time (now), so the
	// cleanup grace window counts from there.
	tr.Tick(now.Add(Normal.ResendDelay()))
	received, tracked = tr.IsSeqIDReceived(1)
	require.True(t, received)
	require.True(t, tracked)

	// still present within the grace window...
	tr.Tick(now.Add(CleanupDelay - time.Millisecond))
	require.Equal(t, 1, tr.Len())

	// ...and gone once the grace window elapses.
	tr.Tick(now.Add(CleanupDelay + time.Millisecond))
	require.Equal(t, 0, tr.Len())
}

func TestReceiveAckUnknownSeqIDIsDroppedSilently(t *testing.T) {
	tr := New()
	now := time.Now()
	tr.ReceiveAck(99, fragment.AllOnes(0), now) // must not panic
	_, tracked := tr.IsSeqIDReceived(99)
	require.False(t, tracked)
}

func TestTickResendsMissingFragmentsOnly(t *testing.T) {
	tr := New()
	now := time.Now()

	payload := make([]byte, wire.MaxPayloadPerFragment*3) // 3 fragments, frag_total=2
	_, err := tr.SendData(1, payload, now, wire.Key, Normal, Expiration{Never: true})
	require.NoError(t, err)

	bitmap := fragment.NewBitmap(2)
	bitmap.Set(0)
	bitmap.Set(2)
	tr.ReceiveAck(1, bitmap, now)

	resent := tr.Tick(now.Add(Normal.ResendDelay()))
	require.Len(t, resent, 1)
	require.Equal(t, uint8(1), resent[0].FragID)
}

func TestTickResendsEverythingWithoutAnAck(t *testing.T) {
	tr := New()
	now := time.Now()

	payload := make([]byte, wire.MaxPayloadPerFragment*2)
	_, err := tr.SendData(1, payload, now, wire.Key, Normal, Expiration{Never: true})
	require.NoError(t, err)

	resent := tr.Tick(now.Add(Normal.ResendDelay()))
	require.Len(t, resent, 2)
}

func TestTickHonorsStalledAckThresholds(t *testing.T) {
	tr := New()
	now := time.Now()

	_, err := tr.SendData(1, []byte{1, 2, 3}, now, wire.Key, Normal, Expiration{Never: true})
	require.NoError(t, err)

	partial := fragment.NewBitmap(0)
	tr.ReceiveAck(1, partial, now)

	d := Normal.ResendDelay()
	// before either threshold and before the plain cadence: no resend.
	require.Empty(t, tr.Tick(now.Add((2*d)/5)))

	// oldest-unanswered threshold (4d/5) trips a resend.
	resent := tr.Tick(now.Add((4 * d) / 5))
	require.NotEmpty(t, resent)
}

func TestExpirationDeletesRegardlessOfAckState(t *testing.T) {
	tr := New()
	now := time.Now()

	deadline := now.Add(time.Second)
	_, err := tr.SendData(1, []byte{1}, now, wire.KeyExpirable, Normal, Expiration{Deadline: deadline})
	require.NoError(t, err)

	tr.Tick(now.Add(2 * time.Second))
	require.Equal(t, 0, tr.Len())
}

func TestCustomPriorityResendDelay(t *testing.T) {
	p := CustomPriority{Delay: 7 * time.Millisecond}
	require.Equal(t, 7*time.Millisecond, p.ResendDelay())
}
