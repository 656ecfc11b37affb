package socket

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/therealutkarshpriyadarshi/rudp/internal/config"
	"github.com/therealutkarshpriyadarshi/rudp/pkg/wire"
)

func testTunables() config.Tunables {
	return config.Tunables{
		TimeoutDelay:   10 * time.Second,
		HeartbeatDelay: 1 * time.Second,
	}
}

func listenLoopback(t *testing.T) *net.UDPConn {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readPacket(t *testing.T, conn *net.UDPConn) (wire.Packet, *net.UDPAddr) {
	t.Helper()
	buf := make([]byte, wire.MaxRecvBuffer)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))
	n, addr, err := conn.ReadFromUDP(buf)
	require.NoError(t, err)
	pkt, err := wire.Decode(buf[:n])
	require.NoError(t, err)
	return pkt, addr
}

func TestConnectSendsSyn(t *testing.T) {
	remote := listenLoopback(t)

	sock, err := Connect(remote.LocalAddr().String(), testTunables())
	require.NoError(t, err)
	defer sock.Close()

	require.Equal(t, StatusSynSent, sock.Status())

	pkt, _ := readPacket(t, remote)
	require.Equal(t, wire.KindSyn, pkt.Kind)
}

func TestConnectTransitionsToConnectedOnSynAck(t *testing.T) {
	remote := listenLoopback(t)

	sock, err := Connect(remote.LocalAddr().String(), testTunables())
	require.NoError(t, err)
	defer sock.Close()

	_, clientAddr := readPacket(t, remote)

	synAck, err := wire.Encode(wire.Packet{Kind: wire.KindSynAck})
	require.NoError(t, err)
	_, err = remote.WriteToUDP(synAck, clientAddr)
	require.NoError(t, err)

	require.NoError(t, sock.Tick(time.Now()))
	require.Equal(t, StatusConnected, sock.Status())

	events := sock.DrainEvents()
	require.Len(t, events, 1)
	require.Equal(t, EventConnected, events[0].Kind)
}

func TestNewIncomingSendsSynAckAndIsConnected(t *testing.T) {
	shared := listenLoopback(t)
	peer := listenLoopback(t)

	now := time.Now()
	sock := NewIncoming(shared, peer.LocalAddr().(*net.UDPAddr), testTunables(), now)
	defer sock.Close()

	require.Equal(t, StatusConnected, sock.Status())
	events := sock.DrainEvents()
	require.Len(t, events, 1)
	require.Equal(t, EventConnected, events[0].Kind)

	pkt, _ := readPacket(t, peer)
	require.Equal(t, wire.KindSynAck, pkt.Kind)
}

func TestSendDataThenInnerTickHandlesAck(t *testing.T) {
	shared := listenLoopback(t)
	peer := listenLoopback(t)

	now := time.Now()
	sock := NewIncoming(shared, peer.LocalAddr().(*net.UDPAddr), testTunables(), now)
	defer sock.Close()
	sock.DrainEvents()  // discard Connected
	readPacket(t, peer) // discard SynAck

	sock.Tick(now)
	seqID, err := sock.SendData([]byte("hello"), KeyMessage(), PriorityNormal)
	require.NoError(t, err)

	pkt, _ := readPacket(t, peer)
	require.Equal(t, wire.KindFragment, pkt.Kind)
	require.Equal(t, seqID, pkt.SeqID)

	ackPkt, err := wire.Encode(wire.Packet{Kind: wire.KindAck, SeqID: seqID, Bitmap: []byte{0x01}})
	require.NoError(t, err)
	_, err = peer.WriteToUDP(ackPkt, shared.LocalAddr().(*net.UDPAddr))
	require.NoError(t, err)

	require.NoError(t, sock.conn.SetReadDeadline(time.Now().Add(time.Second)))
	buf := make([]byte, wire.MaxRecvBuffer)
	n, _, err := sock.conn.ReadFromUDP(buf)
	require.NoError(t, err)
	sock.Enqueue(buf[:n])

	// the tracker records completion on its next resend cycle, so tick at
	// the Normal cadence after the send.
	require.NoError(t, sock.InnerTick(now.Add(PriorityNormal.ResendDelay())))

	received, tracked := sock.IsSeqIDReceived(seqID)
	require.True(t, tracked)
	require.True(t, received)

	rtt, ok := sock.Ping()
	require.True(t, ok)
	require.GreaterOrEqual(t, rtt, time.Duration(0))
}

func TestTerminateSendsEndAndFinishes(t *testing.T) {
	remote := listenLoopback(t)

	sock, err := Connect(remote.LocalAddr().String(), testTunables())
	require.NoError(t, err)
	defer sock.Close()
	readPacket(t, remote) // discard initial Syn

	require.NoError(t, sock.Terminate())
	require.Equal(t, StatusTerminateSent, sock.Status())
	require.True(t, sock.Status().IsFinished())

	pkt, _ := readPacket(t, remote)
	require.Equal(t, wire.KindEnd, pkt.Kind)
}

func TestTimeoutTransition(t *testing.T) {
	remote := listenLoopback(t)

	tunables := testTunables()
	tunables.TimeoutDelay = 50 * time.Millisecond
	sock, err := Connect(remote.LocalAddr().String(), tunables)
	require.NoError(t, err)
	defer sock.Close()
	readPacket(t, remote)

	// fake a prior receipt so the timeout clock has a starting point.
	sock.lastReceivedAt = time.Now()

	require.NoError(t, sock.Tick(time.Now().Add(100*time.Millisecond)))
	require.Equal(t, StatusTimeoutError, sock.Status())

	events := sock.DrainEvents()
	require.Len(t, events, 1)
	require.Equal(t, EventTimeout, events[0].Kind)
}

func TestFinishedSocketSendDataIsNoOp(t *testing.T) {
	remote := listenLoopback(t)
	sock, err := Connect(remote.LocalAddr().String(), testTunables())
	require.NoError(t, err)
	defer sock.Close()
	readPacket(t, remote)

	require.NoError(t, sock.Terminate())

	seqID, err := sock.SendData([]byte("x"), KeyMessage(), PriorityNormal)
	require.NoError(t, err)
	require.Equal(t, uint32(0), seqID)
}
