// Package tracker unifies the MemShare-sourced and OSC-sourced views of a
// running panner instance into one merged record.
package tracker

import (
	"sync"
	"time"

	"github.com/mach1spatial/m1-system-helper/pkg/memshare"
)

// ConnectionStatus describes how current a tracked record's data is.
type ConnectionStatus int

const (
	StatusActive ConnectionStatus = iota
	StatusStale
	StatusDisconnected
)

func (s ConnectionStatus) String() string {
	switch s {
	case StatusActive:
		return "active"
	case StatusStale:
		return "stale"
	default:
		return "disconnected"
	}
}

type memshareKey struct {
	pid  uint32
	addr uint64
}

// Record is the tracker's unified per-instance view: identity is owned by
// whichever source registered it first, audio/parameters always come from
// MemShare when available, and display identity/color always come from
// OSC when available.
type Record struct {
	Port            int
	ProcessID       uint32
	MemoryAddress   uint64
	Name            string
	Color           [4]byte
	Status          ConnectionStatus
	HasMemShare     bool
	HasOSC          bool
	Parameters      memshare.ParameterMap
	CurrentBufferID uint64
	LastUpdateTime  time.Time
}

// Tracker owns the merged view and the event bus announcing its changes.
// All mutation goes through one mutex.
type Tracker struct {
	bus *EventBus

	mu         sync.Mutex
	byMemshare map[memshareKey]*Record
	byPort     map[int]*Record
}

// New constructs a Tracker publishing events on bus.
func New(bus *EventBus) *Tracker {
	return &Tracker{
		bus:        bus,
		byMemshare: make(map[memshareKey]*Record),
		byPort:     make(map[int]*Record),
	}
}

// UpdateFromMemShare folds a discovery-sourced read into the merged view.
// port, when non-zero, is the value of the PORT parameter carried in the
// buffer's ParameterMap, used to correlate with an OSC-only record.
func (t *Tracker) UpdateFromMemShare(pid uint32, addr uint64, port int, params memshare.ParameterMap, bufferID uint64, now time.Time) {
	t.mu.Lock()
	k := memshareKey{pid: pid, addr: addr}
	rec, known := t.byMemshare[k]
	added := false
	if !known {
		if port != 0 {
			if existing, ok := t.byPort[port]; ok && !existing.HasMemShare {
				rec = existing
			}
		}
		if rec == nil {
			rec = &Record{}
			added = true
		}
		t.byMemshare[k] = rec
	}

	rec.ProcessID = pid
	rec.MemoryAddress = addr
	rec.HasMemShare = true
	rec.Parameters = params
	rec.CurrentBufferID = bufferID
	rec.LastUpdateTime = now
	rec.Status = StatusActive
	if port != 0 {
		rec.Port = port
		t.byPort[port] = rec
	}
	snapshot := *rec
	t.mu.Unlock()

	if added {
		t.bus.Publish(Event{Kind: PannerAdded, Record: snapshot})
	} else {
		t.bus.Publish(Event{Kind: PannerUpdated, Record: snapshot})
	}
}

// UpdateFromOSC folds an OSC-sourced `/panner-settings` message into the
// merged view. OSC always wins identity display and color.
func (t *Tracker) UpdateFromOSC(port int, name string, color [4]byte, now time.Time) {
	t.mu.Lock()
	rec, known := t.byPort[port]
	added := false
	if !known {
		rec = &Record{Port: port}
		t.byPort[port] = rec
		added = true
	}
	rec.HasOSC = true
	rec.Name = name
	rec.Color = color
	rec.LastUpdateTime = now
	if rec.Status == StatusDisconnected {
		rec.Status = StatusActive
	}
	snapshot := *rec
	t.mu.Unlock()

	if added {
		t.bus.Publish(Event{Kind: PannerAdded, Record: snapshot})
	} else {
		t.bus.Publish(Event{Kind: PannerUpdated, Record: snapshot})
	}
}

// MarkStale demotes a MemShare-sourced record whose producer is alive but
// has stopped delivering audio (discovery.StateStale).
func (t *Tracker) MarkStale(pid uint32, addr uint64) {
	t.mu.Lock()
	rec, ok := t.byMemshare[memshareKey{pid: pid, addr: addr}]
	if !ok || rec.Status == StatusStale {
		t.mu.Unlock()
		return
	}
	rec.Status = StatusStale
	snapshot := *rec
	t.mu.Unlock()
	t.bus.Publish(Event{Kind: PannerUpdated, Record: snapshot})
}

// RemoveMemShare drops the MemShare half of a record (producer confirmed
// dead). If the record also has an OSC half, it survives as OSC-only.
func (t *Tracker) RemoveMemShare(pid uint32, addr uint64) {
	t.mu.Lock()
	k := memshareKey{pid: pid, addr: addr}
	rec, ok := t.byMemshare[k]
	if !ok {
		t.mu.Unlock()
		return
	}
	delete(t.byMemshare, k)
	if !rec.HasOSC {
		if rec.Port != 0 {
			delete(t.byPort, rec.Port)
		}
		snapshot := *rec
		t.mu.Unlock()
		t.bus.Publish(Event{Kind: PannerRemoved, Record: snapshot})
		return
	}
	rec.HasMemShare = false
	rec.Status = StatusDisconnected
	snapshot := *rec
	t.mu.Unlock()
	t.bus.Publish(Event{Kind: PannerUpdated, Record: snapshot})
}

// RemoveOSC drops the OSC half of a record, e.g. on /panner-settings with
// state == -1. If the record also has a MemShare half, it survives.
func (t *Tracker) RemoveOSC(port int) {
	t.mu.Lock()
	rec, ok := t.byPort[port]
	if !ok {
		t.mu.Unlock()
		return
	}
	delete(t.byPort, port)
	if !rec.HasMemShare {
		delete(t.byMemshare, memshareKey{pid: rec.ProcessID, addr: rec.MemoryAddress})
		snapshot := *rec
		t.mu.Unlock()
		t.bus.Publish(Event{Kind: PannerRemoved, Record: snapshot})
		return
	}
	rec.HasOSC = false
	snapshot := *rec
	t.mu.Unlock()
	t.bus.Publish(Event{Kind: PannerUpdated, Record: snapshot})
}

// Snapshot returns a copy of every currently tracked record.
func (t *Tracker) Snapshot() []Record {
	t.mu.Lock()
	defer t.mu.Unlock()
	seen := make(map[*Record]bool, len(t.byMemshare)+len(t.byPort))
	out := make([]Record, 0, len(t.byMemshare)+len(t.byPort))
	add := func(r *Record) {
		if seen[r] {
			return
		}
		seen[r] = true
		out = append(out, *r)
	}
	for _, r := range t.byMemshare {
		add(r)
	}
	for _, r := range t.byPort {
		add(r)
	}
	return out
}

// HasPanners reports whether any record is currently tracked.
func (t *Tracker) HasPanners() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.byMemshare) > 0 || len(t.byPort) > 0
}
