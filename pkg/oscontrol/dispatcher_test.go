package oscontrol

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestDispatcher(t *testing.T) (*Dispatcher, *net.UDPConn) {
	t.Helper()
	sender := newTestSender(t)
	clients := NewClientRegistry(sender)
	plugins := NewPluginRegistry(sender)
	d, err := NewDispatcher(Config{Port: 0, Sender: sender, Clients: clients, Plugins: plugins})
	require.NoError(t, err)
	t.Cleanup(d.Stop)

	go d.Run()

	in := newListener(t)
	return d, in
}

func sendToDispatcher(t *testing.T, from *net.UDPConn, dispatcherAddr net.Addr, msg Message) {
	t.Helper()
	_, err := from.WriteTo(Encode(msg), dispatcherAddr)
	require.NoError(t, err)
}

// recvAddress returns the first message addressed to address that arrives
// on conn within timeout, skipping any other traffic (the running
// dispatcher pings registered endpoints every PingInterval, and adding a
// client also sends it /m1-activate-client).
func recvAddress(t *testing.T, conn *net.UDPConn, address string, timeout time.Duration) (Message, bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return Message{}, false
		}
		msg, ok := recvMessage(t, conn, remaining)
		if !ok {
			return Message{}, false
		}
		if msg.Address == address {
			return msg, true
		}
	}
}

// Liveness reap: a client that stops pulsing gets removed on the next tick.
func TestScenarioLivenessReap(t *testing.T) {
	sender := newTestSender(t)
	clients := NewClientRegistry(sender)
	plugins := NewPluginRegistry(sender)
	d, err := NewDispatcher(Config{Port: 0, Sender: sender, Clients: clients, Plugins: plugins})
	require.NoError(t, err)
	// Run is never started here, and Stop waits for Run to return, so
	// only the socket is closed.
	t.Cleanup(func() { d.conn.Close() })

	var removedPort int
	var removedCount int
	d.OnClientRemoved = func(port int, typ ClientType) {
		removedPort = port
		removedCount++
	}

	listener := newListener(t)
	port := listenerPort(t, listener)
	staleTime := time.Now().Add(-11 * time.Second)
	clients.Add(port, ClientMonitor, staleTime)

	d.Reap(time.Now())

	require.Equal(t, 1, removedCount)
	require.Equal(t, port, removedPort)
	require.Equal(t, 0, clients.Count())
}

// Master YPR broadcast, deduped on repeat.
func TestScenarioMasterYPRBroadcast(t *testing.T) {
	sender := newTestSender(t)
	clients := NewClientRegistry(sender)
	plugins := NewPluginRegistry(sender)
	d, err := NewDispatcher(Config{Port: 0, Sender: sender, Clients: clients, Plugins: plugins})
	require.NoError(t, err)
	t.Cleanup(d.Stop)
	go d.Run()
	t.Cleanup(func() {})

	p1, p2 := newListener(t), newListener(t)
	now := time.Now()
	plugins.Register(listenerPort(t, p1), now)
	plugins.Register(listenerPort(t, p2), now)

	from := newListener(t)
	dispatcherAddr := d.conn.LocalAddr()

	sendToDispatcher(t, from, dispatcherAddr, Message{
		Address: "/setMasterYPR",
		Args:    []Arg{Float32Arg(10), Float32Arg(20), Float32Arg(30)},
	})

	msg1, ok := recvAddress(t, p1, "/monitor-settings", 200*time.Millisecond)
	require.True(t, ok)
	require.Equal(t, "/monitor-settings", msg1.Address)
	require.Equal(t, float32(10), msg1.Float32(1))
	require.Equal(t, float32(20), msg1.Float32(2))
	require.Equal(t, float32(30), msg1.Float32(3))

	msg2, ok := recvAddress(t, p2, "/monitor-settings", 200*time.Millisecond)
	require.True(t, ok)
	require.Equal(t, "/monitor-settings", msg2.Address)

	// Repeating identical values sends no further /monitor-settings.
	sendToDispatcher(t, from, dispatcherAddr, Message{
		Address: "/setMasterYPR",
		Args:    []Arg{Float32Arg(10), Float32Arg(20), Float32Arg(30)},
	})
	_, ok = recvAddress(t, p1, "/monitor-settings", 100*time.Millisecond)
	require.False(t, ok)
	_, ok = recvAddress(t, p2, "/monitor-settings", 100*time.Millisecond)
	require.False(t, ok)
}

func TestHandleAddClientRepliesWithConnectedCount(t *testing.T) {
	d, in := newTestDispatcher(t)
	port := listenerPort(t, in)

	from := newListener(t)
	sendToDispatcher(t, from, d.conn.LocalAddr(), Message{
		Address: "/m1-addClient",
		Args:    []Arg{Int32Arg(int32(port)), StringArg("monitor")},
	})

	msg, ok := recvAddress(t, in, "/connectedToServer", 200*time.Millisecond)
	require.True(t, ok)
	require.Equal(t, "/connectedToServer", msg.Address)
	require.Equal(t, int32(0), msg.Int32(0))
}

func TestHandleClientPulseUnknownPortGetsReconnectRequest(t *testing.T) {
	d, in := newTestDispatcher(t)
	port := listenerPort(t, in)

	from := newListener(t)
	sendToDispatcher(t, from, d.conn.LocalAddr(), Message{
		Address: "/m1-status",
		Args:    []Arg{Int32Arg(int32(port))},
	})

	msg, ok := recvMessage(t, in, 200*time.Millisecond)
	require.True(t, ok)
	require.Equal(t, "/m1-reconnect-req", msg.Address)
}

func TestOrientationManagerClientPulseTracksLiveness(t *testing.T) {
	d, _ := newTestDispatcher(t)
	require.False(t, d.OrientationManagerClientAlive(time.Now(), 10*time.Second))

	from := newListener(t)
	sendToDispatcher(t, from, d.conn.LocalAddr(), Message{Address: "/m1-clientExists"})

	require.Eventually(t, func() bool {
		return d.OrientationManagerClientAlive(time.Now(), 10*time.Second)
	}, time.Second, 10*time.Millisecond)
}
