package netsio

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// newTestHub wires a real Hub over loopback TCP/UDP sockets on fixed
// high-numbered ports so end-to-end scenarios can drive it over real
// sockets instead of mocking HostEndpoint/PeripheralEndpoint.
func newTestHub(t *testing.T, hostAddr, peripheralAddr string) *Hub {
	t.Helper()
	cfg := DefaultConfig()
	cfg.HostAddr = hostAddr
	cfg.PeripheralAddr = peripheralAddr
	cfg.AliveExpiration = 80 * time.Millisecond
	cfg.SyncTimeout = 150 * time.Millisecond
	hub := NewHub(cfg)
	go hub.Run()
	t.Cleanup(hub.Close)
	time.Sleep(30 * time.Millisecond)
	return hub
}

func dialHost(t *testing.T, addr string) net.Conn {
	t.Helper()
	var conn net.Conn
	var err error
	for i := 0; i < 10; i++ {
		conn, err = net.Dial("tcp", addr)
		if err == nil {
			return conn
		}
		time.Sleep(10 * time.Millisecond)
	}
	require.NoError(t, err)
	return nil
}

func TestScenarioStatusQueryNoPeripherals(t *testing.T) {
	hub := newTestHub(t, "127.0.0.1:19996", "127.0.0.1:19997")
	_ = hub
	conn := dialHost(t, "127.0.0.1:19996")
	defer conn.Close()

	conn.Write(EncodeHostFrame(Message{Event: EventCommandOn, Param2: 0x31}))
	conn.Write(EncodeHostFrame(Message{Event: EventDataBlock, Arg: []byte{0x53, 0x00, 0x00}}))
	conn.Write(EncodeHostFrame(Message{Event: EventCommandOffSync, Arg: []byte{0x53}}))

	resp, err := DecodeHostFrame(conn)
	require.NoError(t, err)
	require.Equal(t, EventSyncResponse, resp.Event)
	require.Equal(t, EmptySyncResult, resp.Param1)
}

func TestScenarioStatusQueryOnePeripheral(t *testing.T) {
	hub := newTestHub(t, "127.0.0.1:19998", "127.0.0.1:19999")
	_ = hub
	conn := dialHost(t, "127.0.0.1:19998")
	defer conn.Close()

	peerAddr, err := net.ResolveUDPAddr("udp", "127.0.0.1:40000")
	require.NoError(t, err)
	peerConn, err := net.DialUDP("udp", peerAddr, mustResolveUDP(t, "127.0.0.1:19999"))
	require.NoError(t, err)
	defer peerConn.Close()

	peerConn.Write(EncodeDatagram(Message{Event: EventDeviceConnect}))
	time.Sleep(20 * time.Millisecond)

	go func() {
		buf := make([]byte, 1500)
		for {
			n, _, err := peerConn.ReadFromUDP(buf)
			if err != nil {
				return
			}
			msg, err := DecodeDatagram(buf[:n])
			if err != nil || msg.Event != EventCommandOffSync {
				continue
			}
			sn := msg.Arg[len(msg.Arg)-1]
			reply := EncodeDatagram(Message{
				Event: EventSyncResponse,
				Arg:   []byte{sn, 0x01, 0x41, 0x00, 0x00},
			})
			peerConn.Write(reply)
			return
		}
	}()

	conn.Write(EncodeHostFrame(Message{Event: EventCommandOn, Param2: 0x31}))
	conn.Write(EncodeHostFrame(Message{Event: EventDataBlock, Arg: []byte{0x53, 0x00, 0x00}}))
	conn.Write(EncodeHostFrame(Message{Event: EventCommandOffSync, Arg: []byte{0x53}}))

	resp, err := DecodeHostFrame(conn)
	require.NoError(t, err)
	require.Equal(t, EventSyncResponse, resp.Event)
	require.EqualValues(t, 0x00004181, resp.Param1)
}

func mustResolveUDP(t *testing.T, addr string) *net.UDPAddr {
	t.Helper()
	a, err := net.ResolveUDPAddr("udp", addr)
	require.NoError(t, err)
	return a
}

func TestScenarioExpiryRemovesSilentPeripheral(t *testing.T) {
	hub := newTestHub(t, "127.0.0.1:20000", "127.0.0.1:20001")

	peerConn, err := net.DialUDP("udp", nil, mustResolveUDP(t, "127.0.0.1:20001"))
	require.NoError(t, err)
	defer peerConn.Close()
	peerConn.Write(EncodeDatagram(Message{Event: EventDeviceConnect}))
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, 1, hub.peripheral.PeripheralCount())

	time.Sleep(120 * time.Millisecond)
	hub.peripheral.Broadcast(Message{Event: EventPingResponse})
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, 0, hub.peripheral.PeripheralCount())
}

func TestScenarioCoalescingSplitsAt130Bytes(t *testing.T) {
	hub := newTestHub(t, "127.0.0.1:20004", "127.0.0.1:20005")
	conn := dialHost(t, "127.0.0.1:20004")
	defer conn.Close()

	peerConn, err := net.DialUDP("udp", nil, mustResolveUDP(t, "127.0.0.1:20005"))
	require.NoError(t, err)
	defer peerConn.Close()
	peerConn.Write(EncodeDatagram(Message{Event: EventDeviceConnect}))
	time.Sleep(20 * time.Millisecond)

	for i := 0; i < 200; i++ {
		peerConn.Write(EncodeDatagram(Message{Event: EventDataByte, Arg: []byte{byte(i)}}))
	}

	first, err := DecodeHostFrame(conn)
	require.NoError(t, err)
	require.Equal(t, EventDataBlock, first.Event)
	require.Len(t, first.Arg, 130)

	second, err := DecodeHostFrame(conn)
	require.NoError(t, err)
	require.Equal(t, EventDataBlock, second.Event)
	require.Len(t, second.Arg, 70)
}

func TestScenarioResetDrainsQueue(t *testing.T) {
	hub := newTestHub(t, "127.0.0.1:20002", "127.0.0.1:20003")
	conn := dialHost(t, "127.0.0.1:20002")
	defer conn.Close()

	peerConn, err := net.DialUDP("udp", nil, mustResolveUDP(t, "127.0.0.1:20003"))
	require.NoError(t, err)
	defer peerConn.Close()
	peerConn.Write(EncodeDatagram(Message{Event: EventDeviceConnect}))
	time.Sleep(20 * time.Millisecond)
	// drain the CREDIT_UPDATE sent on connect so it doesn't pollute the
	// single-datagram assertion below.
	peerConn.SetReadDeadline(time.Now().Add(50 * time.Millisecond))
	buf := make([]byte, 1500)
	peerConn.Read(buf)

	for i := 0; i < 5; i++ {
		hub.peripheral.Broadcast(Message{Event: EventDataByte, Arg: []byte{byte(i)}})
	}
	conn.Write(EncodeHostFrame(Message{Event: EventColdReset}))

	peerConn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	n, _, err := peerConn.ReadFromUDP(buf)
	require.NoError(t, err)
	reset, err := DecodeDatagram(buf[:n])
	require.NoError(t, err)
	require.Equal(t, EventColdReset, reset.Event)

	peerConn.SetReadDeadline(time.Now().Add(30 * time.Millisecond))
	_, _, err = peerConn.ReadFromUDP(buf)
	require.Error(t, err, "queue should hold nothing past the single COLD_RESET")
}

// TestColdResetClearsPendingSync exercises the Hub directly: a pending sync
// request left outstanding when a reset arrives must resolve immediately to
// EmptySyncResult rather than block until the sync timeout.
func TestColdResetClearsPendingSync(t *testing.T) {
	cfg := DefaultConfig()
	cfg.HostAddr = "127.0.0.1:20006"
	cfg.PeripheralAddr = "127.0.0.1:20007"
	cfg.SyncTimeout = time.Second
	hub := NewHub(cfg)

	_, ch := hub.sync.SetRequest(SyncCommandOffSync)
	hub.HandleHostAsync(Message{Event: EventColdReset})

	select {
	case v := <-ch:
		require.Equal(t, EmptySyncResult, v)
	default:
		t.Fatal("expected cold reset to resolve the pending sync immediately")
	}
}
