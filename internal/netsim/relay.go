// Package netsim provides a deterministic UDP relay for tests that need to
// simulate specific packet loss, since the protocol itself has no fault
// injection hooks.
package netsim

import (
	"net"
	"time"

	"golang.org/x/sys/unix"
)

// DropFunc decides whether one forwarded datagram should be dropped.
type DropFunc func(payload []byte) bool

// Relay sits between a client and a server, forwarding UDP datagrams in
// both directions while optionally dropping ones a DropFunc rejects.
type Relay struct {
	clientSide *net.UDPConn
	serverAddr *net.UDPAddr

	lastClientAddr *net.UDPAddr

	dropClientToServer DropFunc
	dropServerToClient DropFunc

	stop chan struct{}
}

// NewRelay listens on listenAddr and forwards to serverAddr. Returns the
// address clients should connect to instead of serverAddr directly.
func NewRelay(listenAddr, serverAddr string) (*Relay, error) {
	lAddr, err := net.ResolveUDPAddr("udp", listenAddr)
	if err != nil {
		return nil, err
	}
	sAddr, err := net.ResolveUDPAddr("udp", serverAddr)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp", lAddr)
	if err != nil {
		return nil, err
	}
	// A relay that forwards bursts of retransmissions needs more headroom
	// than the platform default receive buffer, or the kernel itself starts
	// dropping datagrams before our deliberate DropFunc gets a say.
	if err := growReceiveBuffer(conn); err != nil {
		conn.Close()
		return nil, err
	}
	return &Relay{
		clientSide: conn,
		serverAddr: sAddr,
		stop:       make(chan struct{}),
	}, nil
}

// growReceiveBuffer raises SO_RCVBUF on conn via a raw socket-option call,
// the way the teacher reaches past net.UDPConn's own (SetReadBuffer is
// close but platform-clamped) API for low-level socket tuning.
func growReceiveBuffer(conn *net.UDPConn) error {
	raw, err := conn.SyscallConn()
	if err != nil {
		return err
	}
	var sockErr error
	err = raw.Control(func(fd uintptr) {
		sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_RCVBUF, 1<<20)
	})
	if err != nil {
		return err
	}
	return sockErr
}

// ListenAddr returns the address the relay is listening on.
func (r *Relay) ListenAddr() *net.UDPAddr {
	return r.clientSide.LocalAddr().(*net.UDPAddr)
}

// DropClientToServer installs a predicate for datagrams heading to the
// server; a true return drops the datagram.
func (r *Relay) DropClientToServer(f DropFunc) { r.dropClientToServer = f }

// DropServerToClient installs a predicate for datagrams heading back to
// the client; a true return drops the datagram.
func (r *Relay) DropServerToClient(f DropFunc) { r.dropServerToClient = f }

// Run pumps datagrams until Close is called. Intended to run in its own
// goroutine from a test.
func (r *Relay) Run() error {
	serverSide, err := net.DialUDP("udp", nil, r.serverAddr)
	if err != nil {
		return err
	}
	defer serverSide.Close()

	go r.pumpClientToServer(serverSide)
	r.pumpServerToClient(serverSide)
	return nil
}

func (r *Relay) pumpClientToServer(serverSide *net.UDPConn) {
	buf := make([]byte, 2048)
	for {
		select {
		case <-r.stop:
			return
		default:
		}
		r.clientSide.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
		n, addr, err := r.clientSide.ReadFromUDP(buf)
		if err != nil {
			continue
		}
		r.lastClientAddr = addr
		if r.dropClientToServer != nil && r.dropClientToServer(buf[:n]) {
			continue
		}
		serverSide.Write(buf[:n])
	}
}

func (r *Relay) pumpServerToClient(serverSide *net.UDPConn) {
	buf := make([]byte, 2048)
	for {
		select {
		case <-r.stop:
			return
		default:
		}
		serverSide.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
		n, err := serverSide.Read(buf)
		if err != nil {
			continue
		}
		if r.dropServerToClient != nil && r.dropServerToClient(buf[:n]) {
			continue
		}
		if r.lastClientAddr != nil {
			r.clientSide.WriteToUDP(buf[:n], r.lastClientAddr)
		}
	}
}

// Close stops the relay's pump loops and releases its socket.
func (r *Relay) Close() error {
	close(r.stop)
	return r.clientSide.Close()
}
