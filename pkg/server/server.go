// Package server implements the demultiplexer that fans one UDP socket's
// traffic out to many per-remote connection state machines.
package server

import (
	"fmt"
	"net"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/therealutkarshpriyadarshi/rudp/internal/config"
	"github.com/therealutkarshpriyadarshi/rudp/internal/rlog"
	"github.com/therealutkarshpriyadarshi/rudp/pkg/socket"
	"github.com/therealutkarshpriyadarshi/rudp/pkg/wire"
)

// ReapDelay is how long a finished child is kept around after entering a
// finished status, so a caller can still observe its final events.
const ReapDelay = 10 * time.Second

// TaggedEvent pairs a socket.Event with the remote address that produced
// it, for the server's flat drain_events iterator.
type TaggedEvent struct {
	Addr  *net.UDPAddr
	Event socket.Event
}

type child struct {
	sock       *socket.Socket
	finishedAt time.Time
	reaping    bool
}

// Server holds a single UDP socket and the mapping from remote address to
// per-remote socket.
type Server struct {
	conn *net.UDPConn

	remotes map[string]*child
	addrs   map[string]*net.UDPAddr

	tunables  config.Tunables
	reapDelay time.Duration

	unknownRemoteDatagrams uint64

	log *logrus.Entry
}

// New binds bindAddr and returns a ready, empty Server.
func New(bindAddr string, tunables config.Tunables) (*Server, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", bindAddr)
	if err != nil {
		return nil, fmt.Errorf("server: resolving %s: %w", bindAddr, err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("server: binding %s: %w", bindAddr, err)
	}
	reapDelay := tunables.ReapDelay
	if reapDelay <= 0 {
		reapDelay = ReapDelay
	}
	return &Server{
		conn:      conn,
		remotes:   make(map[string]*child),
		addrs:     make(map[string]*net.UDPAddr),
		tunables:  tunables,
		reapDelay: reapDelay,
		log:       rlog.For("server"),
	}, nil
}

// Close releases the underlying UDP socket.
func (s *Server) Close() error {
	return s.conn.Close()
}

// Addr returns the local address this server is bound to.
func (s *Server) Addr() *net.UDPAddr {
	return s.conn.LocalAddr().(*net.UDPAddr)
}

// Tick reaps long-finished children, drains the shared UDP socket
// (creating new children for unseen Syns), and runs every child's inner
// tick.
func (s *Server) Tick(now time.Time) error {
	s.reapFinished(now)

	if err := s.drainIncoming(now); err != nil {
		return err
	}

	for _, c := range s.remotes {
		if err := c.sock.InnerTick(now); err != nil {
			s.log.WithError(err).Debug("server: child inner tick error")
		}
		if c.sock.Status().IsFinished() && c.finishedAt.IsZero() {
			c.finishedAt = now
		}
	}
	return nil
}

func (s *Server) reapFinished(now time.Time) {
	for key, c := range s.remotes {
		if !c.finishedAt.IsZero() && now.Sub(c.finishedAt) >= s.reapDelay {
			delete(s.remotes, key)
			delete(s.addrs, key)
		}
	}
}

func (s *Server) drainIncoming(now time.Time) error {
	buf := make([]byte, wire.MaxRecvBuffer)
	for {
		if err := s.conn.SetReadDeadline(time.Now()); err != nil {
			return fmt.Errorf("server: set read deadline: %w", err)
		}
		n, remoteAddr, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				return nil
			}
			return fmt.Errorf("server: receive: %w", err)
		}

		raw := make([]byte, n)
		copy(raw, buf[:n])
		s.routeIncoming(raw, remoteAddr, now)
	}
}

func (s *Server) routeIncoming(raw []byte, remoteAddr *net.UDPAddr, now time.Time) {
	key := remoteAddr.String()

	if c, ok := s.remotes[key]; ok {
		c.sock.Enqueue(raw)
		return
	}

	pkt, err := wire.Decode(raw)
	if err != nil || pkt.Kind != wire.KindSyn {
		s.unknownRemoteDatagrams++
		s.log.WithField("remote", key).Debug("server: dropping datagram from unknown remote")
		return
	}

	sock := socket.NewIncoming(s.conn, remoteAddr, s.tunables, now)
	s.remotes[key] = &child{sock: sock}
	s.addrs[key] = remoteAddr
}

// SendData broadcasts payload to every currently known remote.
func (s *Server) SendData(payload []byte, msgType socket.MessageType, priority socket.Priority) {
	for _, c := range s.remotes {
		if _, err := c.sock.SendData(payload, msgType, priority); err != nil {
			s.log.WithError(err).Debug("server: broadcast send failed for one remote")
		}
	}
}

// Get returns the socket for addr, if known.
func (s *Server) Get(addr *net.UDPAddr) (*socket.Socket, bool) {
	c, ok := s.remotes[addr.String()]
	if !ok {
		return nil, false
	}
	return c.sock, true
}

// RemotesLen returns the number of currently tracked remotes (including
// ones pending reap).
func (s *Server) RemotesLen() int {
	return len(s.remotes)
}

// Iter calls fn for every currently tracked remote.
func (s *Server) Iter(fn func(addr *net.UDPAddr, sock *socket.Socket)) {
	for key, c := range s.remotes {
		fn(s.addrs[key], c.sock)
	}
}

// DrainEvents returns a flat, address-tagged list of every queued event
// across all remotes.
func (s *Server) DrainEvents() []TaggedEvent {
	var out []TaggedEvent
	for key, c := range s.remotes {
		for _, e := range c.sock.DrainEvents() {
			out = append(out, TaggedEvent{Addr: s.addrs[key], Event: e})
		}
	}
	return out
}

// SetTimeoutDelay propagates a new timeout delay to every current remote
// and future ones accepted by this server.
func (s *Server) SetTimeoutDelay(d time.Duration) {
	s.tunables.TimeoutDelay = d
	for _, c := range s.remotes {
		c.sock.SetTimeoutDelay(d)
	}
}

// SetHeartbeatDelay propagates a new heartbeat delay the same way.
func (s *Server) SetHeartbeatDelay(d time.Duration) {
	s.tunables.HeartbeatDelay = d
	for _, c := range s.remotes {
		c.sock.SetHeartbeatDelay(d)
	}
}

// UnknownRemoteDatagrams counts datagrams dropped because they came from
// an address with no child and did not decode to a Syn.
func (s *Server) UnknownRemoteDatagrams() uint64 {
	return s.unknownRemoteDatagrams
}
