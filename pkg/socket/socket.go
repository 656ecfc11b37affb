// Package socket implements the per-remote connection state machine: the
// handshake, heartbeat, timeout and teardown logic, and the tick-driven
// scheduling loop that drives it.
package socket

import (
	"fmt"
	"net"
	"runtime"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/therealutkarshpriyadarshi/rudp/internal/config"
	"github.com/therealutkarshpriyadarshi/rudp/internal/rlog"
	"github.com/therealutkarshpriyadarshi/rudp/pkg/fragment"
	"github.com/therealutkarshpriyadarshi/rudp/pkg/ping"
	"github.com/therealutkarshpriyadarshi/rudp/pkg/sendtrack"
	"github.com/therealutkarshpriyadarshi/rudp/pkg/wire"
)

const synRetryDelay = 3 * time.Second

// Socket is one remote connection's worth of state: a client created it by
// dialing, or a server created it on an incoming Syn. Either way, nothing
// happens except in response to a Tick/InnerTick call.
type Socket struct {
	conn       *net.UDPConn
	remoteAddr *net.UDPAddr // nil when conn is already dialed to a single peer
	ownsConn   bool         // true for client sockets; false for server children

	status      Status
	statusSince time.Time

	nextLocalSeqID uint32
	lastSeqID      uint32
	lastReceivedAt time.Time
	lastSentAt     time.Time
	cachedNow      time.Time

	timeoutDelay   time.Duration
	heartbeatDelay time.Duration

	combiner *fragment.Combiner
	tracker  *sendtrack.Tracker
	pinger   *ping.Tracker

	inbox  [][]byte
	events []Event

	closed bool

	connID string
	log    *logrus.Entry
}

func newSocket(conn *net.UDPConn, remoteAddr *net.UDPAddr, ownsConn bool, tunables config.Tunables, now time.Time) *Socket {
	connID := rlog.NewConnID()
	combiner := fragment.NewCombiner()
	combiner.SetAckInterval(tunables.AckInterval)
	tracker := sendtrack.New()
	tracker.SetCleanupDelay(tunables.CleanupGrace)

	s := &Socket{
		conn:           conn,
		remoteAddr:     remoteAddr,
		ownsConn:       ownsConn,
		timeoutDelay:   tunables.TimeoutDelay,
		heartbeatDelay: tunables.HeartbeatDelay,
		combiner:       combiner,
		tracker:        tracker,
		pinger:         ping.New(),
		cachedNow:      now,
		connID:         connID,
		log:            rlog.For(connID),
	}
	return s
}

// Connect dials remoteAddr over UDP and sends an initial Syn, returning in
// SynSent status.
func Connect(remoteAddr string, tunables config.Tunables) (*Socket, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", remoteAddr)
	if err != nil {
		return nil, fmt.Errorf("socket: resolving %s: %w", remoteAddr, err)
	}
	conn, err := net.DialUDP("udp", nil, udpAddr)
	if err != nil {
		return nil, fmt.Errorf("socket: dialing %s: %w", remoteAddr, err)
	}

	now := time.Now()
	s := newSocket(conn, nil, true, tunables, now)
	s.status = StatusSynSent
	s.statusSince = now
	if err := s.sendRaw(wire.Packet{Kind: wire.KindSyn}); err != nil {
		s.log.WithError(err).Warn("socket: failed to send initial Syn")
	}
	s.log.WithField("remote", remoteAddr).Info("socket: connecting")
	s.armFinalizer()
	return s, nil
}

// NewIncoming builds a server-side child for a freshly observed Syn from
// remoteAddr, replies SynAck, and enters Connected directly (the server
// does not model a half-open SynReceived wait once the SynAck is queued).
func NewIncoming(conn *net.UDPConn, remoteAddr *net.UDPAddr, tunables config.Tunables, now time.Time) *Socket {
	s := newSocket(conn, remoteAddr, false, tunables, now)
	s.status = StatusSynReceived
	s.statusSince = now
	s.lastReceivedAt = now

	if err := s.sendRaw(wire.Packet{Kind: wire.KindSynAck}); err != nil {
		s.log.WithError(err).Warn("socket: failed to send SynAck")
	}

	s.status = StatusConnected
	s.statusSince = now
	s.pushEvent(Event{Kind: EventConnected})
	s.log.WithField("remote", remoteAddr.String()).Info("socket: accepted")
	return s
}

// sendRaw encodes and transmits p, stamping lastSentAt for every outbound
// packet (Acks and resends included), so the heartbeat-idle check reflects
// any recent send, not just a handful of call sites.
func (s *Socket) sendRaw(p wire.Packet) error {
	buf, err := wire.Encode(p)
	if err != nil {
		return err
	}
	s.lastSentAt = s.cachedNow
	if s.remoteAddr != nil {
		_, err = s.conn.WriteToUDP(buf, s.remoteAddr)
	} else {
		_, err = s.conn.Write(buf)
	}
	return err
}

// Enqueue hands one raw datagram, already known to originate from this
// socket's remote, to be processed on the next InnerTick.
func (s *Socket) Enqueue(raw []byte) {
	s.inbox = append(s.inbox, raw)
}

// Tick drains this socket's own UDP connection (client sockets only) and
// then runs InnerTick. Server-owned children are ticked via InnerTick
// directly by the server, which does the shared socket's reading itself.
func (s *Socket) Tick(now time.Time) error {
	s.cachedNow = now
	if s.ownsConn {
		if err := s.drainOwnConn(); err != nil {
			return err
		}
	}
	return s.InnerTick(now)
}

func (s *Socket) drainOwnConn() error {
	buf := make([]byte, wire.MaxRecvBuffer)
	for {
		if err := s.conn.SetReadDeadline(time.Now()); err != nil {
			return fmt.Errorf("socket: set read deadline: %w", err)
		}
		n, err := s.conn.Read(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				return nil
			}
			return fmt.Errorf("socket: receive: %w", err)
		}
		raw := make([]byte, n)
		copy(raw, buf[:n])
		s.Enqueue(raw)
	}
}

// InnerTick processes whatever is queued in the inbox, advances the state
// machine, and performs every outbound action (acks, heartbeats, handshake
// retries, retransmission, timeout detection) due this cycle. It never
// itself touches the network's receive side.
func (s *Socket) InnerTick(now time.Time) error {
	s.cachedNow = now

	pending := s.inbox
	s.inbox = nil
	for _, raw := range pending {
		s.handleDatagram(raw, now)
	}

	// A finished socket never sends anything but a best-effort Abort on
	// drop/Close; skip every outbound action below once it's reached one
	// of the finished statuses (handleDatagram above may have just set one).
	if !s.status.IsFinished() {
		for _, ack := range s.combiner.Tick(now) {
			if err := s.sendRaw(wire.Packet{Kind: wire.KindAck, SeqID: ack.SeqID, Bitmap: ack.Bitmap}); err != nil {
				s.log.WithError(err).Debug("socket: failed to send ack")
			}
		}

		if s.status == StatusConnected && now.Sub(s.lastSentAt) > s.heartbeatDelay {
			if err := s.sendRaw(wire.Packet{Kind: wire.KindHeartbeat}); err != nil {
				s.log.WithError(err).Debug("socket: failed to send heartbeat")
			}
		}

		if s.status == StatusSynSent && now.Sub(s.statusSince) >= synRetryDelay {
			if err := s.sendRaw(wire.Packet{Kind: wire.KindSyn}); err != nil {
				s.log.WithError(err).Debug("socket: failed to resend Syn")
			}
			s.statusSince = now
		}

		for _, out := range s.tracker.Tick(now) {
			pkt := wire.Packet{
				Kind:      wire.KindFragment,
				SeqID:     out.SeqID,
				FragID:    out.FragID,
				FragTotal: out.FragTotal,
				FragMeta:  out.Meta,
				Payload:   out.Payload,
			}
			if err := s.sendRaw(pkt); err != nil {
				s.log.WithError(err).Debug("socket: failed to resend fragment")
			}
		}
	}

	if !s.status.IsFinished() && !s.lastReceivedAt.IsZero() && now.Sub(s.lastReceivedAt) >= s.timeoutDelay {
		s.status = StatusTimeoutError
		s.statusSince = now
		s.pushEvent(Event{Kind: EventTimeout})
		s.log.Warn("socket: timed out")
	}

	return nil
}

func (s *Socket) handleDatagram(raw []byte, now time.Time) {
	// Liveness is "we got a UDP datagram from this peer," not "we got a
	// valid one" — stamp before decode so sustained corrupt traffic from a
	// live remote doesn't trip the timeout clock.
	s.lastReceivedAt = now

	pkt, err := wire.Decode(raw)
	if err != nil {
		s.log.WithError(err).Debug("socket: dropping undecodable datagram")
		return
	}

	switch pkt.Kind {
	case wire.KindFragment:
		if msg := s.combiner.Push(pkt, now); msg != nil {
			s.pushEvent(Event{Kind: EventData, SeqID: msg.SeqID, Data: msg.Data})
		}

	case wire.KindAck:
		s.tracker.ReceiveAck(pkt.SeqID, fragment.Bitmap(pkt.Bitmap), now)
		s.pinger.Pong(pkt.SeqID, now)

	case wire.KindSynAck:
		if s.status == StatusSynSent {
			s.status = StatusConnected
			s.statusSince = now
			s.pushEvent(Event{Kind: EventConnected})
			s.log.Info("socket: connected")
		} else {
			s.log.Debug("socket: unexpected SynAck, ignoring")
		}

	case wire.KindSyn:
		s.log.Debug("socket: unexpected Syn on established socket, ignoring")

	case wire.KindHeartbeat:
		// lastReceivedAt is already updated above; nothing else to do.

	case wire.KindEnd:
		s.status = StatusTerminateReceived
		s.statusSince = now
		s.pushEvent(Event{Kind: EventEnded, SeqID: pkt.SeqID})
		s.log.Info("socket: peer ended the connection")

	case wire.KindAbort:
		s.status = StatusTerminateReceived
		s.statusSince = now
		s.pushEvent(Event{Kind: EventAborted, SeqID: pkt.SeqID})
		s.log.Warn("socket: peer aborted the connection")
	}
}

func (s *Socket) pushEvent(e Event) {
	s.events = append(s.events, e)
}

// DrainEvents returns and clears every event queued since the last drain.
func (s *Socket) DrainEvents() []Event {
	out := s.events
	s.events = nil
	return out
}

// NextEvent pops the oldest queued event, if any.
func (s *Socket) NextEvent() (Event, bool) {
	if len(s.events) == 0 {
		return Event{}, false
	}
	e := s.events[0]
	s.events = s.events[1:]
	return e, true
}

// SendData fragments and transmits payload, registering it for
// retransmission unless msgType is ForgettableMessage. It is a no-op on a
// finished socket, returning seq_id 0.
func (s *Socket) SendData(payload []byte, msgType MessageType, priority Priority) (uint32, error) {
	if s.status.IsFinished() {
		return 0, nil
	}

	seqID := s.nextLocalSeqID
	s.nextLocalSeqID++

	out, err := s.tracker.SendData(seqID, payload, s.cachedNow, msgType.meta, priority, msgType.expiration())
	if err != nil {
		return 0, fmt.Errorf("socket: send_data: %w", err)
	}

	for _, frag := range out {
		pkt := wire.Packet{
			Kind:      wire.KindFragment,
			SeqID:     frag.SeqID,
			FragID:    frag.FragID,
			FragTotal: frag.FragTotal,
			FragMeta:  frag.Meta,
			Payload:   frag.Payload,
		}
		if err := s.sendRaw(pkt); err != nil {
			s.log.WithError(err).Debug("socket: failed to send fragment")
		}
	}

	if msgType.meta != wire.Forgettable {
		s.pinger.Ping(seqID, s.cachedNow)
	}

	s.lastSeqID = seqID
	return seqID, nil
}

// Ping returns the most recently measured round-trip time, if any message
// has completed a round trip yet.
func (s *Socket) Ping() (time.Duration, bool) {
	return s.pinger.Last()
}

// Status returns the current connection state.
func (s *Socket) Status() Status {
	return s.status
}

// LocalAddr returns this socket's local UDP address.
func (s *Socket) LocalAddr() net.Addr {
	return s.conn.LocalAddr()
}

// RemoteAddr returns the remote peer's UDP address.
func (s *Socket) RemoteAddr() net.Addr {
	if s.remoteAddr != nil {
		return s.remoteAddr
	}
	return s.conn.RemoteAddr()
}

// SetTimeoutDelay overrides the silence duration after which this socket
// transitions to TimeoutError.
func (s *Socket) SetTimeoutDelay(d time.Duration) {
	s.timeoutDelay = d
}

// SetHeartbeatDelay overrides the idle-send duration after which a
// Heartbeat is transmitted while Connected.
func (s *Socket) SetHeartbeatDelay(d time.Duration) {
	s.heartbeatDelay = d
}

// IsSeqIDReceived reports whether the peer has acknowledged seqID in
// full. The second return distinguishes "tracked but incomplete" from
// "never tracked" (Forgettable messages, or an unknown seq_id).
func (s *Socket) IsSeqIDReceived(seqID uint32) (received bool, tracked bool) {
	return s.tracker.IsSeqIDReceived(seqID)
}

// Terminate sends a graceful End and transitions to TerminateSent. It is a
// no-op on an already-finished socket.
func (s *Socket) Terminate() error {
	if s.status.IsFinished() {
		return nil
	}
	err := s.sendRaw(wire.Packet{Kind: wire.KindEnd, SeqID: s.lastSeqID})
	s.status = StatusTerminateSent
	s.statusSince = s.cachedNow
	s.pushEvent(Event{Kind: EventEnded})
	if err != nil {
		return fmt.Errorf("socket: terminate: %w", err)
	}
	return nil
}

// Close releases the socket's resources. On a client socket it also closes
// the owned UDP connection. Safe to call multiple times.
func (s *Socket) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	runtime.SetFinalizer(s, nil)

	if !s.status.IsFinished() {
		_ = s.sendRaw(wire.Packet{Kind: wire.KindAbort, SeqID: s.lastSeqID})
		s.status = StatusTerminateSent
	}

	if s.ownsConn {
		return s.conn.Close()
	}
	return nil
}

// armFinalizer attaches a best-effort Abort-on-drop, standing in for the
// deterministic destructor the original implementation relies on.
func (s *Socket) armFinalizer() {
	runtime.SetFinalizer(s, func(s *Socket) {
		if s.closed || s.status.IsFinished() {
			return
		}
		s.log.Warn("socket: garbage collected without Close/Terminate, sending best-effort Abort")
		_ = s.sendRaw(wire.Packet{Kind: wire.KindAbort, SeqID: s.lastSeqID})
	})
}
