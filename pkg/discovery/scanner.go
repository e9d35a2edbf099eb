// Package discovery implements the filesystem scanner that finds panner
// MemShare segments, attaches to them as a consumer, tracks their
// liveness, and reclaims abandoned segment files.
package discovery

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/mach1spatial/m1-system-helper/pkg/memshare"
)

const (
	// HardStaleAge unconditionally marks a file for reclamation once its
	// producer is confirmed dead.
	HardStaleAge = 2 * time.Hour
	// SoftStaleAge is the age past which a file from a dead pid is
	// reclaimed even before HardStaleAge.
	SoftStaleAge = 10 * time.Minute
	// StaleReadWindow bounds how long a Live record may go without a
	// successful read before it is demoted to Stale: pid still alive but
	// audio has stopped, so the record's State becomes StateStale.
	StaleReadWindow = 2 * time.Second
	// maxCorruptAttachFailures bounds the "repeatedly fails with Corrupt"
	// exception to "never delete a segment with a live producer."
	maxCorruptAttachFailures = 3
)

// Record is the discovery-side view of one panner segment. The unified
// tracker (pkg/tracker) folds this together with the OSC-sourced view.
type Record struct {
	ParsedName
	FilePath        string
	SegmentName     string
	State           State
	LastUpdateTime  time.Time
	CurrentBufferID uint64
	Parameters      memshare.ParameterMap
}

type trackedSegment struct {
	Record
	segment        *memshare.Segment
	corruptStreak  int
}

// Config configures a Scanner.
type Config struct {
	Directories []string
	ConsumerID  uint32
	Logger      *slog.Logger

	// ProcessAlive is overridable for tests; defaults to ProcessAlive.
	ProcessAlive func(pid uint32) bool
}

// Scanner periodically enumerates the configured directories for segment
// files, attaches to newly discovered ones, refreshes existing ones, and
// reclaims stale files. All exported methods are safe for concurrent use.
type Scanner struct {
	dirs         []string
	consumerID   uint32
	logger       *slog.Logger
	processAlive func(pid uint32) bool

	mu       sync.Mutex
	segments map[string]*trackedSegment // key: FilePath
}

// New constructs a Scanner. It does not scan until Scan is called.
func New(cfg Config) *Scanner {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ProcessAlive == nil {
		cfg.ProcessAlive = ProcessAlive
	}
	return &Scanner{
		dirs:         cfg.Directories,
		consumerID:   cfg.ConsumerID,
		logger:       cfg.Logger,
		processAlive: cfg.ProcessAlive,
		segments:     make(map[string]*trackedSegment),
	}
}

// Scan enumerates every configured directory once: parses candidate
// filenames, reclaims stale ones, and attaches to newly discovered live
// segments. Errors reading one directory or file are logged and do not
// stop the scan; a single bad file cannot stall discovery.
func (s *Scanner) Scan() {
	now := time.Now()
	for _, dir := range s.dirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			if !os.IsNotExist(err) {
				s.logger.Warn("discovery: directory read failed", "dir", dir, "err", err)
			}
			continue
		}
		for _, entry := range entries {
			if entry.IsDir() {
				continue
			}
			name := entry.Name()
			if !strings.HasPrefix(name, segmentPrefix) || !strings.HasSuffix(name, segmentExt) {
				continue
			}
			s.scanOne(dir, name, now)
		}
	}
}

func (s *Scanner) scanOne(dir, name string, now time.Time) {
	parsed, ok := ParseFilename(name)
	if !ok {
		s.logger.Debug("discovery: unparseable segment filename", "name", name)
		return
	}

	path := filepath.Join(dir, name)
	info, err := os.Stat(path)
	if err != nil {
		s.logger.Debug("discovery: stat failed", "path", path, "err", err)
		return
	}
	age := now.Sub(info.ModTime())
	alive := s.processAlive(parsed.ProcessID)

	if !alive {
		if age > HardStaleAge || age > SoftStaleAge {
			s.reclaim(path, "pid dead and file past staleness threshold")
			return
		}
		// Dead pid, young file: schedule for reclamation on a future
		// tick rather than attaching or deleting now.
		return
	}

	s.mu.Lock()
	_, known := s.segments[path]
	s.mu.Unlock()

	if known {
		// Already attached; confirming the file is still present is all
		// this tick does. LastUpdateTime is Update()'s field to refresh,
		// on an actual successful read against a live producer.
		return
	}

	seg, err := memshare.Open(path, 0)
	if err != nil {
		s.logger.Debug("discovery: attach failed", "path", path, "err", err)
		return
	}
	if err := seg.RegisterConsumer(s.consumerID); err != nil {
		s.logger.Warn("discovery: register consumer failed", "path", path, "err", err)
		seg.Close()
		return
	}

	s.mu.Lock()
	s.segments[path] = &trackedSegment{
		Record: Record{
			ParsedName:     parsed,
			FilePath:       path,
			SegmentName:    strings.TrimSuffix(name, segmentExt),
			State:          StateLive,
			LastUpdateTime: now,
		},
		segment: seg,
	}
	s.mu.Unlock()
	s.logger.Info("discovery: attached panner segment", "path", path, "pid", parsed.ProcessID)
}

// reclaim removes a known tracked segment (closing its attachment) and
// deletes the backing file.
func (s *Scanner) reclaim(path, reason string) {
	s.mu.Lock()
	ts, known := s.segments[path]
	if known {
		delete(s.segments, path)
	}
	s.mu.Unlock()
	if known && ts.segment != nil {
		ts.segment.Close()
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		s.logger.Warn("discovery: failed to delete stale segment", "path", path, "err", err)
		return
	}
	s.logger.Info("discovery: reclaimed stale segment", "path", path, "reason", reason)
}

// Update refreshes every currently attached segment: reads the oldest
// unacked buffer (if any), updates the record's parameters and
// liveness state, and acks what it reads (the discovery consumer never
// needs to re-read a buffer it has already copied out).
func (s *Scanner) Update() {
	now := time.Now()
	s.mu.Lock()
	tracked := make([]*trackedSegment, 0, len(s.segments))
	for _, ts := range s.segments {
		tracked = append(tracked, ts)
	}
	s.mu.Unlock()

	for _, ts := range tracked {
		s.updateOne(ts, now)
	}
}

func (s *Scanner) updateOne(ts *trackedSegment, now time.Time) {
	buf, err := ts.segment.ReadOldestUnacked(s.consumerID)
	switch {
	case err == nil:
		s.mu.Lock()
		ts.Parameters = buf.Parameters
		ts.CurrentBufferID = buf.BufferID
		ts.LastUpdateTime = now
		ts.State = StateLive
		ts.corruptStreak = 0
		s.mu.Unlock()
		_ = ts.segment.Ack(buf.BufferID, s.consumerID)

	case errors.Is(err, memshare.ErrNoData):
		if !s.processAlive(ts.ProcessID) {
			s.removeDead(ts)
			return
		}
		s.mu.Lock()
		if now.Sub(ts.LastUpdateTime) > StaleReadWindow {
			ts.State = StateStale
		}
		s.mu.Unlock()

	case errors.Is(err, memshare.ErrCorrupt):
		s.mu.Lock()
		ts.corruptStreak++
		streak := ts.corruptStreak
		s.mu.Unlock()
		if streak >= maxCorruptAttachFailures {
			s.reclaim(ts.FilePath, "repeated Corrupt reads despite live producer")
		}

	default:
		s.logger.Debug("discovery: read failed", "path", ts.FilePath, "err", err)
	}
}

func (s *Scanner) removeDead(ts *trackedSegment) {
	s.mu.Lock()
	_, known := s.segments[ts.FilePath]
	if known {
		delete(s.segments, ts.FilePath)
	}
	s.mu.Unlock()
	if known {
		ts.segment.Close()
		ts.State = StateDead
		s.logger.Info("discovery: removed dead panner", "path", ts.FilePath, "pid", ts.ProcessID)
	}
}

// Records returns a snapshot of every currently tracked segment.
func (s *Scanner) Records() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Record, 0, len(s.segments))
	for _, ts := range s.segments {
		out = append(out, ts.Record)
	}
	return out
}

// Close detaches from every tracked segment without deleting any file.
func (s *Scanner) Close() {
	s.mu.Lock()
	segments := s.segments
	s.segments = make(map[string]*trackedSegment)
	s.mu.Unlock()
	for _, ts := range segments {
		ts.segment.Close()
	}
}
