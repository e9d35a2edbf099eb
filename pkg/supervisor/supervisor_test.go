package supervisor

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func freePort(t *testing.T) int {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0})
	require.NoError(t, err)
	port := conn.LocalAddr().(*net.UDPAddr).Port
	conn.Close()
	return port
}

func TestIsRunningFalseWhenPortFree(t *testing.T) {
	port := freePort(t)
	s := New(Config{Port: port, BinaryPath: "echo"})
	require.False(t, s.IsRunning())
}

func TestIsRunningTrueWhenPortBound(t *testing.T) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0})
	require.NoError(t, err)
	defer conn.Close()
	port := conn.LocalAddr().(*net.UDPAddr).Port

	s := New(Config{Port: port, BinaryPath: "echo"})
	require.True(t, s.IsRunning())
}

func TestStartIsNoOpWhenAlreadyRunning(t *testing.T) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0})
	require.NoError(t, err)
	defer conn.Close()
	port := conn.LocalAddr().(*net.UDPAddr).Port

	s := New(Config{Port: port, BinaryPath: "echo"})
	result, err := s.Start(context.Background())
	require.NoError(t, err)
	require.Equal(t, AlreadyRunning, result)
}

func TestRestartIfNeededThrottlesWithoutClientRequest(t *testing.T) {
	port := freePort(t)
	s := New(Config{Port: port, BinaryPath: "echo"})

	result, err := s.RestartIfNeeded(context.Background())
	require.NoError(t, err)
	require.Equal(t, Throttled, result)
}

func TestRestartIfNeededThrottlesWithinWindow(t *testing.T) {
	port := freePort(t)
	s := New(Config{Port: port, BinaryPath: "echo"})
	s.RequestStart()
	s.lastStartTime = time.Now()

	result, err := s.RestartIfNeeded(context.Background())
	require.NoError(t, err)
	require.Equal(t, Throttled, result)
}

func TestRequestStartIsConsumedOnSuccessfulRestart(t *testing.T) {
	port := freePort(t)
	s := New(Config{Port: port, BinaryPath: "echo"})
	s.RequestStart()
	s.lastStartTime = time.Now().Add(-2 * RestartThrottle)

	result, err := s.RestartIfNeeded(context.Background())
	require.NoError(t, err)
	require.Equal(t, Started, result)

	s.mu.Lock()
	requested := s.clientRequest
	s.mu.Unlock()
	require.False(t, requested)
}
