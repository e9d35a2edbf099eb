package oscontrol

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestSender(t *testing.T) *Sender {
	t.Helper()
	s, err := NewSender()
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newListener(t *testing.T) *net.UDPConn {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func listenerPort(t *testing.T, conn *net.UDPConn) int {
	t.Helper()
	return conn.LocalAddr().(*net.UDPAddr).Port
}

func recvMessage(t *testing.T, conn *net.UDPConn, timeout time.Duration) (Message, bool) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(timeout))
	buf := make([]byte, 2048)
	n, err := conn.Read(buf)
	if err != nil {
		return Message{}, false
	}
	msg, err := Decode(buf[:n])
	require.NoError(t, err)
	return msg, true
}

func drainAll(t *testing.T, conn *net.UDPConn, timeout time.Duration) []Message {
	t.Helper()
	var out []Message
	for {
		msg, ok := recvMessage(t, conn, timeout)
		if !ok {
			return out
		}
		out = append(out, msg)
	}
}

// Rotating a non-active monitor to active flips the old active to inactive.
func TestScenarioMonitorRotation(t *testing.T) {
	sender := newTestSender(t)
	reg := NewClientRegistry(sender)

	a, b, c := newListener(t), newListener(t), newListener(t)
	pa, pb, pc := listenerPort(t, a), listenerPort(t, b), listenerPort(t, c)

	now := time.Now()
	reg.Add(pa, ClientMonitor, now)
	reg.Add(pb, ClientMonitor, now)
	reg.Add(pc, ClientMonitor, now)

	drainAll(t, a, 50*time.Millisecond)
	drainAll(t, b, 50*time.Millisecond)
	drainAll(t, c, 50*time.Millisecond)

	require.True(t, reg.RotateMonitorToActive(pc))

	msgA := drainAll(t, a, 50*time.Millisecond)
	msgB := drainAll(t, b, 50*time.Millisecond)
	msgC := drainAll(t, c, 50*time.Millisecond)

	require.NotEmpty(t, msgA)
	require.Equal(t, int32(0), msgA[len(msgA)-1].Int32(0))
	require.NotEmpty(t, msgB)
	require.Equal(t, int32(0), msgB[len(msgB)-1].Int32(0))
	require.NotEmpty(t, msgC)
	require.Equal(t, int32(1), msgC[len(msgC)-1].Int32(0))
}

func TestAddFirstMonitorIsActiveByDefault(t *testing.T) {
	sender := newTestSender(t)
	reg := NewClientRegistry(sender)

	a := newListener(t)
	reg.Add(listenerPort(t, a), ClientMonitor, time.Now())

	msg, ok := recvMessage(t, a, 50*time.Millisecond)
	require.True(t, ok)
	require.Equal(t, "/m1-activate-client", msg.Address)
	require.Equal(t, int32(1), msg.Int32(0))
}

func TestFirstPlayerActivationCarriesMonitorCount(t *testing.T) {
	sender := newTestSender(t)
	reg := NewClientRegistry(sender)

	m1, m2, p1 := newListener(t), newListener(t), newListener(t)
	now := time.Now()
	reg.Add(listenerPort(t, m1), ClientMonitor, now)
	reg.Add(listenerPort(t, m2), ClientMonitor, now)
	drainAll(t, m1, 50*time.Millisecond)
	drainAll(t, m2, 50*time.Millisecond)

	reg.Add(listenerPort(t, p1), ClientPlayer, now)
	msg, ok := recvMessage(t, p1, 50*time.Millisecond)
	require.True(t, ok)
	require.Equal(t, int32(1), msg.Int32(0))
	require.Equal(t, int32(2), msg.Int32(1))
}

func TestCleanupInactiveRemovesTimedOutClient(t *testing.T) {
	sender := newTestSender(t)
	reg := NewClientRegistry(sender)
	a := newListener(t)
	port := listenerPort(t, a)

	past := time.Now().Add(-11 * time.Second)
	reg.Add(port, ClientMonitor, past)

	removed := reg.CleanupInactive(time.Now())
	require.Equal(t, []int{port}, removed)
	require.Equal(t, 0, reg.Count())
}

func TestPluginRegistryCleanupInactive(t *testing.T) {
	sender := newTestSender(t)
	reg := NewPluginRegistry(sender)
	port := 19001
	reg.Register(port, time.Now().Add(-20*time.Second))

	removed := reg.CleanupInactive(time.Now())
	require.Equal(t, []int{port}, removed)
	require.Equal(t, 0, reg.Count())
}
