package oscontrol

import (
	"sync"
	"time"
)

// ClientType distinguishes the two OSC client roles.
type ClientType int

const (
	ClientUnknown ClientType = iota
	ClientMonitor
	ClientPlayer
)

func ParseClientType(s string) ClientType {
	switch s {
	case "monitor":
		return ClientMonitor
	case "player":
		return ClientPlayer
	default:
		return ClientUnknown
	}
}

// ClientRecord is one registered monitor or player connection.
type ClientRecord struct {
	Port     int
	Type     ClientType
	LastSeen time.Time
	Active   bool
}

// Alive reports liveness: now - lastSeen < timeout.
func (c ClientRecord) Alive(now time.Time, timeout time.Duration) bool {
	return now.Sub(c.LastSeen) < timeout
}

// ClientTimeout is the liveness window for registered clients.
const ClientTimeout = 10 * time.Second

// ClientRegistry is a mutex-guarded list of clients with two ordered
// sub-views (monitors, players) kept consistent with the main list.
type ClientRegistry struct {
	sender *Sender

	mu       sync.Mutex
	clients  []*ClientRecord
	monitors []*ClientRecord
	players  []*ClientRecord
}

func NewClientRegistry(sender *Sender) *ClientRegistry {
	return &ClientRegistry{sender: sender}
}

// Add registers a client, refreshing LastSeen if it already exists, and
// re-runs activation afterward.
func (r *ClientRegistry) Add(port int, typ ClientType, now time.Time) {
	r.mu.Lock()
	for _, c := range r.clients {
		if c.Port == port {
			c.LastSeen = now
			r.mu.Unlock()
			return
		}
	}
	rec := &ClientRecord{Port: port, Type: typ, LastSeen: now}
	r.clients = append(r.clients, rec)
	switch typ {
	case ClientMonitor:
		r.monitors = append(r.monitors, rec)
	case ClientPlayer:
		r.players = append(r.players, rec)
	}
	r.mu.Unlock()
	r.Activate()
}

// Remove drops port from every view. If it was the active monitor and
// others remain, the previous-in-order monitor (or the last one, if the
// first was removed) becomes active.
func (r *ClientRegistry) Remove(port int) {
	r.mu.Lock()
	monitorIdx := indexOfPort(r.monitors, port)
	wasActiveMonitor := monitorIdx >= 0 && r.monitors[monitorIdx].Active

	r.clients = removePort(r.clients, port)
	r.monitors = removePort(r.monitors, port)
	r.players = removePort(r.players, port)

	var reactivate int = -1
	if wasActiveMonitor && len(r.monitors) > 0 {
		idx := monitorIdx - 1
		if idx < 0 {
			idx = len(r.monitors) - 1
		}
		reactivate = idx
	}
	r.mu.Unlock()

	if reactivate >= 0 {
		r.mu.Lock()
		port := r.monitors[reactivate].Port
		r.mu.Unlock()
		r.RotateMonitorToActive(port)
		return
	}
	r.Activate()
}

// UpdateLastSeen refreshes a client's pulse timestamp. Returns false if
// the client is not registered.
func (r *ClientRegistry) UpdateLastSeen(port int, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	found := false
	for _, c := range r.clients {
		if c.Port == port {
			c.LastSeen = now
			found = true
		}
	}
	return found
}

// RotateMonitorToActive moves the named monitor to index 0 by rotation
// (not sort), preserving the relative order of the rest, then re-runs
// activation.
func (r *ClientRegistry) RotateMonitorToActive(port int) bool {
	r.mu.Lock()
	idx := indexOfPort(r.monitors, port)
	if idx < 0 {
		r.mu.Unlock()
		return false
	}
	rotated := make([]*ClientRecord, 0, len(r.monitors))
	rotated = append(rotated, r.monitors[idx])
	rotated = append(rotated, r.monitors[:idx]...)
	rotated = append(rotated, r.monitors[idx+1:]...)
	r.monitors = rotated
	r.mu.Unlock()

	r.Activate()
	return true
}

// Activate tells the first monitor it is active (1) and the rest not (0);
// same for players, with the player message additionally carrying the
// current monitor count.
func (r *ClientRegistry) Activate() {
	r.mu.Lock()
	monitors := append([]*ClientRecord(nil), r.monitors...)
	players := append([]*ClientRecord(nil), r.players...)
	r.mu.Unlock()

	for i, m := range monitors {
		active := i == 0
		m.Active = active
		flag := int32(0)
		if active {
			flag = 1
		}
		r.sender.SendTo(m.Port, Message{Address: "/m1-activate-client", Args: []Arg{Int32Arg(flag)}})
	}

	for i, p := range players {
		active := i == 0
		p.Active = active
		flag := int32(0)
		if active {
			flag = 1
		}
		args := []Arg{Int32Arg(flag), Int32Arg(int32(len(monitors)))}
		r.sender.SendTo(p.Port, Message{Address: "/m1-activate-client", Args: args})
	}
}

// SendToAll best-effort sends msg to every registered client.
func (r *ClientRegistry) SendToAll(msg Message) {
	r.mu.Lock()
	ports := make([]int, len(r.clients))
	for i, c := range r.clients {
		ports[i] = c.Port
	}
	r.mu.Unlock()
	for _, p := range ports {
		r.sender.SendTo(p, msg)
	}
}

// SendToType best-effort sends msg to every client of the given type.
func (r *ClientRegistry) SendToType(typ ClientType, msg Message) {
	r.mu.Lock()
	var src []*ClientRecord
	switch typ {
	case ClientMonitor:
		src = r.monitors
	case ClientPlayer:
		src = r.players
	}
	ports := make([]int, len(src))
	for i, c := range src {
		ports[i] = c.Port
	}
	r.mu.Unlock()
	for _, p := range ports {
		r.sender.SendTo(p, msg)
	}
}

// Count returns the number of registered clients.
func (r *ClientRegistry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.clients)
}

// MonitorCount returns the number of registered monitors.
func (r *ClientRegistry) MonitorCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.monitors)
}

// CleanupInactive removes clients whose LastSeen predates the timeout,
// re-runs activation if any were removed, and returns their ports, for
// the caller to publish ClientRemoved events.
func (r *ClientRegistry) CleanupInactive(now time.Time) []int {
	r.mu.Lock()
	var removed []int
	var keep []*ClientRecord
	for _, c := range r.clients {
		if !c.Alive(now, ClientTimeout) {
			removed = append(removed, c.Port)
			continue
		}
		keep = append(keep, c)
	}
	r.clients = keep
	r.monitors = filterAlive(r.monitors, now)
	r.players = filterAlive(r.players, now)
	r.mu.Unlock()
	if len(removed) > 0 {
		r.Activate()
	}
	return removed
}

func filterAlive(in []*ClientRecord, now time.Time) []*ClientRecord {
	var out []*ClientRecord
	for _, c := range in {
		if c.Alive(now, ClientTimeout) {
			out = append(out, c)
		}
	}
	return out
}

func indexOfPort(recs []*ClientRecord, port int) int {
	for i, r := range recs {
		if r.Port == port {
			return i
		}
	}
	return -1
}

func removePort(recs []*ClientRecord, port int) []*ClientRecord {
	out := recs[:0:0]
	for _, r := range recs {
		if r.Port != port {
			out = append(out, r)
		}
	}
	return out
}

// PluginRecord is one registered panner plugin's OSC-facing endpoint.
type PluginRecord struct {
	Port     int
	LastSeen time.Time
}

func (p PluginRecord) Alive(now time.Time, timeout time.Duration) bool {
	return now.Sub(p.LastSeen) < timeout
}

// PluginRegistry mirrors ClientRegistry's shape for the plugin-facing
// side.
type PluginRegistry struct {
	sender *Sender

	mu      sync.Mutex
	plugins []*PluginRecord
}

func NewPluginRegistry(sender *Sender) *PluginRegistry {
	return &PluginRegistry{sender: sender}
}

func (r *PluginRegistry) Register(port int, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.plugins {
		if p.Port == port {
			p.LastSeen = now
			return
		}
	}
	r.plugins = append(r.plugins, &PluginRecord{Port: port, LastSeen: now})
}

func (r *PluginRegistry) Remove(port int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.plugins[:0:0]
	for _, p := range r.plugins {
		if p.Port != port {
			out = append(out, p)
		}
	}
	r.plugins = out
}

func (r *PluginRegistry) UpdateLastSeen(port int, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.plugins {
		if p.Port == port {
			p.LastSeen = now
			return true
		}
	}
	return false
}

func (r *PluginRegistry) Has(port int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.plugins {
		if p.Port == port {
			return true
		}
	}
	return false
}

func (r *PluginRegistry) SendToAll(msg Message) {
	r.mu.Lock()
	ports := make([]int, len(r.plugins))
	for i, p := range r.plugins {
		ports[i] = p.Port
	}
	r.mu.Unlock()
	for _, p := range ports {
		r.sender.SendTo(p, msg)
	}
}

func (r *PluginRegistry) CleanupInactive(now time.Time) []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	var removed []int
	out := r.plugins[:0:0]
	for _, p := range r.plugins {
		if !p.Alive(now, ClientTimeout) {
			removed = append(removed, p.Port)
			continue
		}
		out = append(out, p)
	}
	r.plugins = out
	return removed
}

func (r *PluginRegistry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.plugins)
}
