package oscontrol

import (
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"
)

// PingInterval is how often the dispatcher pings every registered
// client and plugin.
const PingInterval = 20 * time.Millisecond

// PannerSettingsHandler is called when a panner plugin pushes its name,
// color, or parameters (handlePannerSettings), so
// the dispatcher can hand the identity half of a panner record to
// whatever merges it with the MemShare-sourced half.
type PannerSettingsHandler func(port int, name string, color [4]byte, now time.Time)

// ClientEventHandler is called on client add/remove so the composition
// root can log or publish ClientAdded/ClientRemoved events.
type ClientEventHandler func(port int, typ ClientType)

// RequestServerHandler is called on /m1-clientRequestsServer, so the
// composition root can ask the supervisor to start the
// orientation-manager subprocess.
type RequestServerHandler func()

// PluginDisconnectHandler is called when a plugin reports state == -1 on
// /panner-settings, so the unified tracker can drop the OSC half of that
// panner's record.
type PluginDisconnectHandler func(port int)

type masterYPR struct {
	yaw, pitch, roll float32
	set              bool
}

// Dispatcher listens on one UDP socket for the full OSC control-plane
// address table and routes into ClientRegistry / PluginRegistry.
type Dispatcher struct {
	conn    *net.UDPConn
	sender  *Sender
	clients *ClientRegistry
	plugins *PluginRegistry
	logger  *slog.Logger

	OnPannerSettings   PannerSettingsHandler
	OnClientAdded      ClientEventHandler
	OnClientRemoved    ClientEventHandler
	OnRequestServer    RequestServerHandler
	OnPluginDisconnect PluginDisconnectHandler

	handlers map[string]func(addr *net.UDPAddr, msg Message)

	// cached state pushed to plugins only on change; only ever touched
	// from the single datagram-reading goroutine in Run.
	mode        int32
	modeSet     bool
	master      masterYPR
	channelCfg  int32
	channelSet  bool

	omClientMu   sync.Mutex
	omClientSeen time.Time

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// Config wires a Dispatcher's dependencies (composition-root inputs).
type Config struct {
	Port    int
	Sender  *Sender
	Clients *ClientRegistry
	Plugins *PluginRegistry
	Logger  *slog.Logger
}

func NewDispatcher(cfg Config) (*Dispatcher, error) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: cfg.Port})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPortUnavailable, err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{
		conn:    conn,
		sender:  cfg.Sender,
		clients: cfg.Clients,
		plugins: cfg.Plugins,
		logger:  logger,
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
	d.handlers = map[string]func(addr *net.UDPAddr, msg Message){
		"/m1-addClient":            d.handleAddClient,
		"/m1-removeClient":         d.handleRemoveClient,
		"/m1-status":               d.handleClientPulse,
		"/m1-clientExists":         d.handleOMClientPulse,
		"/m1-clientRequestsServer": d.handleClientRequestsServer,
		"/m1-register-plugin":      d.handleRegisterPlugin,
		"/m1-status-plugin":        d.handlePluginPulse,
		"/panner-settings":         d.handlePannerSettings,
		"/setMasterYPR":            d.handleSetMasterYPR,
		"/setMonitoringMode":       d.handleSetMonitoringMode,
		"/setChannelConfigReq":     d.handleSetChannelConfig,
		"/setMonitorActiveReq":     d.handleSetMonitorActive,
		"/setPlayerYPR":            d.handleSetPlayerYPR,
		"/setPlayerFrameRate":      d.handleSetPlayerFrameRate,
		"/setPlayerPosition":       d.handleSetPlayerPosition,
		"/setPlayerIsPlaying":      d.handleSetPlayerIsPlaying,
	}
	return d, nil
}

// Run blocks, reading datagrams and running the ping/reap timer, until
// Stop is called or the socket errors out.
func (d *Dispatcher) Run() error {
	defer close(d.doneCh)

	go d.pingLoop()

	buf := make([]byte, 8192)
	for {
		n, addr, err := d.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-d.stopCh:
				return nil
			default:
				return err
			}
		}
		msg, err := Decode(buf[:n])
		if err != nil {
			d.logger.Warn("oscontrol: dropping malformed datagram", "from", addr, "err", err)
			continue
		}
		handler, ok := d.handlers[msg.Address]
		if !ok {
			d.logger.Debug("oscontrol: no handler for address", "address", msg.Address)
			continue
		}
		handler(addr, msg)
	}
}

// Stop closes the listening socket and waits for Run to return.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() {
		close(d.stopCh)
		d.conn.Close()
	})
	<-d.doneCh
}

func (d *Dispatcher) pingLoop() {
	ticker := time.NewTicker(PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.stopCh:
			return
		case <-ticker.C:
			d.clients.SendToAll(Message{Address: "/m1-ping"})
			d.plugins.SendToAll(Message{Address: "/m1-ping"})
			d.Reap(time.Now())
		}
	}
}

// Reap sweeps expired clients and plugins, notifying OnClientRemoved for
// each one lost. Exposed so tests can drive one reap tick without
// waiting on the real timer.
func (d *Dispatcher) Reap(now time.Time) {
	for _, port := range d.clients.CleanupInactive(now) {
		if d.OnClientRemoved != nil {
			d.OnClientRemoved(port, ClientUnknown)
		}
	}
	d.plugins.CleanupInactive(now)
}

func replyPort(msg Message) (int, bool) {
	if len(msg.Args) == 0 || msg.Args[0].Kind != KindInt32 {
		return 0, false
	}
	return int(msg.Args[0].I32), true
}

// handleAddClient registers a client and tells it how many clients are
// now connected, not counting itself.
func (d *Dispatcher) handleAddClient(addr *net.UDPAddr, msg Message) {
	port, ok := replyPort(msg)
	if !ok {
		return
	}
	typ := ParseClientType(msg.String(1))
	d.clients.Add(port, typ, time.Now())
	if d.OnClientAdded != nil {
		d.OnClientAdded(port, typ)
	}
	count := d.clients.Count()
	d.sender.SendTo(port, Message{Address: "/connectedToServer", Args: []Arg{Int32Arg(int32(count - 1))}})
}

// handleRemoveClient drops the client and broadcasts the new count to
// whoever remains.
func (d *Dispatcher) handleRemoveClient(addr *net.UDPAddr, msg Message) {
	port, ok := replyPort(msg)
	if !ok {
		return
	}
	d.clients.Remove(port)
	if d.OnClientRemoved != nil {
		d.OnClientRemoved(port, ClientUnknown)
	}
	d.clients.SendToAll(Message{Address: "/connectedClientsUpdate", Args: []Arg{Int32Arg(int32(d.clients.Count()))}})
}

// handleClientPulse refreshes a client's liveness timer, replying
// /m1-response if it was already known or /m1-reconnect-req if it has
// to re-register.
func (d *Dispatcher) handleClientPulse(addr *net.UDPAddr, msg Message) {
	port, ok := replyPort(msg)
	if !ok {
		return
	}
	if d.clients.UpdateLastSeen(port, time.Now()) {
		d.sender.SendTo(port, Message{Address: "/m1-response"})
		return
	}
	d.sender.SendTo(port, Message{Address: "/m1-reconnect-req"})
}

// handleOMClientPulse refreshes the orientation-manager client's own
// liveness timer. `/m1-clientExists` carries no payload; it is distinct
// from the generic client registry.
func (d *Dispatcher) handleOMClientPulse(addr *net.UDPAddr, msg Message) {
	d.omClientMu.Lock()
	d.omClientSeen = time.Now()
	d.omClientMu.Unlock()
}

// OrientationManagerClientAlive reports whether an /m1-clientExists
// pulse has arrived within timeout of now.
func (d *Dispatcher) OrientationManagerClientAlive(now time.Time, timeout time.Duration) bool {
	d.omClientMu.Lock()
	defer d.omClientMu.Unlock()
	return !d.omClientSeen.IsZero() && now.Sub(d.omClientSeen) < timeout
}

func (d *Dispatcher) handleClientRequestsServer(addr *net.UDPAddr, msg Message) {
	if d.OnRequestServer != nil {
		d.OnRequestServer()
	}
}

// handleRegisterPlugin registers the plugin and immediately pushes the
// current master orientation to it alone.
func (d *Dispatcher) handleRegisterPlugin(addr *net.UDPAddr, msg Message) {
	port, ok := replyPort(msg)
	if !ok {
		return
	}
	now := time.Now()
	d.plugins.Register(port, now)
	if d.master.set {
		d.sender.SendTo(port, d.monitorSettingsMessage())
	}
}

func (d *Dispatcher) handlePluginPulse(addr *net.UDPAddr, msg Message) {
	port, ok := replyPort(msg)
	if !ok {
		return
	}
	d.plugins.UpdateLastSeen(port, time.Now())
}

// handlePannerSettings either drops a disconnecting plugin (state==-1)
// or updates its identity/parameters and forwards the update to players.
func (d *Dispatcher) handlePannerSettings(addr *net.UDPAddr, msg Message) {
	port, ok := replyPort(msg)
	if !ok || len(msg.Args) < 2 {
		return
	}
	state := msg.Int32(1)
	if state == -1 {
		d.plugins.Remove(port)
		if d.OnPluginDisconnect != nil {
			d.OnPluginDisconnect(port)
		}
		d.clients.SendToType(ClientPlayer, Message{Address: "/panner-disconnected", Args: []Arg{Int32Arg(int32(port))}})
		return
	}
	now := time.Now()
	d.plugins.UpdateLastSeen(port, now)
	if d.OnPannerSettings != nil {
		var name string
		var color [4]byte
		if len(msg.Args) >= 6 {
			name = msg.String(2)
			color = [4]byte{byte(msg.Int32(3)), byte(msg.Int32(4)), byte(msg.Int32(5))}
		}
		d.OnPannerSettings(port, name, color, now)
	}
	d.clients.SendToType(ClientPlayer, msg)
}

func (d *Dispatcher) monitorSettingsMessage() Message {
	return Message{
		Address: "/monitor-settings",
		Args: []Arg{
			Int32Arg(d.mode),
			Float32Arg(d.master.yaw),
			Float32Arg(d.master.pitch),
			Float32Arg(d.master.roll),
		},
	}
}

// handleSetMasterYPR rebroadcasts yaw/pitch/roll to every registered
// plugin as /monitor-settings, but only when the value actually changed;
// repeating the same values sends nothing.
func (d *Dispatcher) handleSetMasterYPR(addr *net.UDPAddr, msg Message) {
	if len(msg.Args) < 3 {
		return
	}
	y, p, r := msg.Float32(0), msg.Float32(1), msg.Float32(2)
	if d.master.set && d.master.yaw == y && d.master.pitch == p && d.master.roll == r {
		return
	}
	d.master = masterYPR{yaw: y, pitch: p, roll: r, set: true}
	d.plugins.SendToAll(d.monitorSettingsMessage())
}

func (d *Dispatcher) handleSetMonitoringMode(addr *net.UDPAddr, msg Message) {
	if len(msg.Args) < 1 {
		return
	}
	mode := msg.Int32(0)
	if d.modeSet && d.mode == mode {
		return
	}
	d.mode = mode
	d.modeSet = true
	d.plugins.SendToAll(Message{Address: "/monitor-mode", Args: []Arg{Int32Arg(mode)}})
}

func (d *Dispatcher) handleSetChannelConfig(addr *net.UDPAddr, msg Message) {
	if len(msg.Args) < 1 {
		return
	}
	n := msg.Int32(0)
	if d.channelSet && d.channelCfg == n {
		return
	}
	d.channelCfg = n
	d.channelSet = true
	d.plugins.SendToAll(Message{Address: "/m1-channel-config", Args: []Arg{Int32Arg(n)}})
}

func (d *Dispatcher) handleSetMonitorActive(addr *net.UDPAddr, msg Message) {
	port, ok := replyPort(msg)
	if !ok {
		return
	}
	d.clients.RotateMonitorToActive(port)
}

// handleSetPlayerYPR forwards to monitors, not players: this is feedback
// from the player transport to whoever is steering orientation.
func (d *Dispatcher) handleSetPlayerYPR(addr *net.UDPAddr, msg Message) {
	d.clients.SendToType(ClientMonitor, Message{Address: "/YPR-Offset", Args: msg.Args})
}

func (d *Dispatcher) handleSetPlayerFrameRate(addr *net.UDPAddr, msg Message) {
	d.clients.SendToType(ClientPlayer, msg)
}

func (d *Dispatcher) handleSetPlayerPosition(addr *net.UDPAddr, msg Message) {
	d.clients.SendToType(ClientPlayer, msg)
}

func (d *Dispatcher) handleSetPlayerIsPlaying(addr *net.UDPAddr, msg Message) {
	d.clients.SendToType(ClientPlayer, msg)
}
