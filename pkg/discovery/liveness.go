package discovery

import (
	"errors"

	"golang.org/x/sys/unix"
)

// State is a small liveness state machine tracking whether a panner
// process is still producing audio into its segment.
type State uint8

const (
	// StateUnknown: discovered but never successfully read from.
	StateUnknown State = iota
	// StateLive: process running, reads succeeding.
	StateLive
	// StateStale: process running, but no new buffer within the grace window.
	StateStale
	// StateDead: process no longer running.
	StateDead
)

func (s State) String() string {
	switch s {
	case StateLive:
		return "live"
	case StateStale:
		return "stale"
	case StateDead:
		return "dead"
	default:
		return "unknown"
	}
}

// ProcessAlive reports whether pid names a running process, using the
// POSIX kill(pid, 0) idiom: sending signal 0 performs permission/
// existence checks without delivering a signal. ESRCH means no such
// process; EPERM means the process exists but is owned by someone else,
// which still counts as alive.
func ProcessAlive(pid uint32) bool {
	if pid == 0 {
		return false
	}
	err := unix.Kill(int(pid), 0)
	if err == nil || errors.Is(err, unix.EPERM) {
		return true
	}
	return false
}
