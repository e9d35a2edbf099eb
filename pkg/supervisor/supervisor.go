// Package supervisor controls the lifecycle of the external
// orientation-manager subprocess: starting it on demand, stopping it,
// and restarting it under a throttle when a client asks for it again.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"sync"
	"time"
)

// RestartThrottle is the minimum interval between restart attempts.
const RestartThrottle = 10 * time.Second

// PostKillSleep is how long Stop waits for the old process to exit
// before Start launches a new one.
const PostKillSleep = 2 * time.Second

// Result is the three-way outcome of a start/restart attempt.
type Result int

const (
	// AlreadyRunning means the probe found the port already bound by
	// another process; no action was taken.
	AlreadyRunning Result = iota
	// Started means a new orientation-manager process was launched.
	Started
	// Throttled means a restart was requested too soon after the last one.
	Throttled
)

func (r Result) String() string {
	switch r {
	case AlreadyRunning:
		return "already-running"
	case Started:
		return "started"
	case Throttled:
		return "throttled"
	default:
		return "unknown"
	}
}

// Config wires a Supervisor's dependencies.
type Config struct {
	// Port is the orientation-manager's own service port; probed with a
	// short-lived UDP bind to decide "is it already running?".
	Port int
	// BinaryPath is the orientation-manager executable, used on
	// platforms without a native service manager (Linux, and as a
	// fallback everywhere the platform commands below don't apply).
	BinaryPath string
	Logger     *slog.Logger
}

// Supervisor exposes idempotent start/stop/restart-if-needed operations
// over the orientation-manager process.
type Supervisor struct {
	port       int
	binaryPath string
	logger     *slog.Logger

	mu            sync.Mutex
	cmd           *exec.Cmd
	lastStartTime time.Time
	clientRequest bool
}

func New(cfg Config) *Supervisor {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{port: cfg.Port, binaryPath: cfg.BinaryPath, logger: logger}
}

// IsRunning probes the known server port by attempting a short-lived UDP
// bind. A successful bind means nothing is listening there yet.
func (s *Supervisor) IsRunning() bool {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: s.port})
	if err != nil {
		return true
	}
	conn.Close()
	return false
}

// RequestStart marks that a client has asked the service to be started,
// consumed by the next RestartIfNeeded call.
func (s *Supervisor) RequestStart() {
	s.mu.Lock()
	s.clientRequest = true
	s.mu.Unlock()
}

// Start launches the orientation-manager if the port probe says nothing
// is running. It is a no-op (AlreadyRunning) otherwise.
func (s *Supervisor) Start(ctx context.Context) (Result, error) {
	if s.IsRunning() {
		s.logger.Debug("supervisor: orientation-manager already running", "port", s.port)
		return AlreadyRunning, nil
	}

	cmd := platformStartCommand(s.binaryPath)
	if err := cmd.Start(); err != nil {
		return Started, fmt.Errorf("supervisor: failed to start orientation-manager: %w", err)
	}

	s.mu.Lock()
	s.cmd = cmd
	s.lastStartTime = time.Now()
	s.mu.Unlock()

	s.logger.Info("supervisor: started orientation-manager", "pid", cmd.Process.Pid)
	return Started, nil
}

// Stop kills the tracked process (if one is tracked) or issues the
// platform's stop command, then waits PostKillSleep for it to exit.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	cmd := s.cmd
	s.cmd = nil
	s.mu.Unlock()

	if cmd != nil && cmd.Process != nil {
		_ = cmd.Process.Kill()
	} else {
		_ = platformStopCommand().Run()
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(PostKillSleep):
	}
	return nil
}

// RestartIfNeeded kills and relaunches the orientation-manager, but only
// when a client has requested it and the last restart was at least
// RestartThrottle ago. Idempotent: repeated calls within the throttle
// window return Throttled without side effects.
func (s *Supervisor) RestartIfNeeded(ctx context.Context) (Result, error) {
	s.mu.Lock()
	requested := s.clientRequest
	sinceLast := time.Since(s.lastStartTime)
	s.mu.Unlock()

	if !requested || sinceLast < RestartThrottle {
		return Throttled, nil
	}

	if err := s.Stop(ctx); err != nil {
		return Throttled, err
	}
	result, err := s.Start(ctx)
	if err != nil {
		return result, err
	}

	s.mu.Lock()
	s.clientRequest = false
	s.mu.Unlock()

	s.logger.Info("supervisor: restarted orientation-manager on client request")
	return result, nil
}

// platformStartCommand picks the start invocation for the current OS.
func platformStartCommand(binaryPath string) *exec.Cmd {
	switch runtime.GOOS {
	case "darwin":
		return exec.Command("launchctl", "kickstart", "-p", "gui/"+currentUID()+"/com.mach1.spatial.orientationmanager")
	case "windows":
		return exec.Command("sc", "start", "M1-OrientationManager")
	default:
		return exec.Command(binaryPath)
	}
}

// platformStopCommand picks the stop invocation for the current OS.
func platformStopCommand() *exec.Cmd {
	switch runtime.GOOS {
	case "darwin":
		return exec.Command("launchctl", "kill", "9", "gui/"+currentUID()+"/com.mach1.spatial.orientationmanager")
	case "windows":
		return exec.Command("sc", "stop", "M1-OrientationManager")
	default:
		return exec.Command("pkill", "m1-orientationmanager")
	}
}

func currentUID() string {
	return strconv.Itoa(os.Getuid())
}
