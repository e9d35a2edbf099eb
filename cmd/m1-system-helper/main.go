package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/mach1spatial/m1-system-helper/pkg/discovery"
	"github.com/mach1spatial/m1-system-helper/pkg/memshare"
	"github.com/mach1spatial/m1-system-helper/pkg/oscontrol"
	"github.com/mach1spatial/m1-system-helper/pkg/pathutil"
	"github.com/mach1spatial/m1-system-helper/pkg/supervisor"
	"github.com/mach1spatial/m1-system-helper/pkg/tracker"
)

const (
	defaultServerPort = 6345
	defaultHelperPort = 6346
)

var (
	scanPeriod      = 1 * time.Second
	updatePeriod    = 100 * time.Millisecond
	supervisorCheck = 2 * time.Second
)

func main() {
	log.SetLevel(log.InfoLevel)

	serverPort := flag.Int("server-port", defaultServerPort, "orientation-manager service port")
	helperPort := flag.Int("helper-port", defaultHelperPort, "OSC control-plane listener port")
	binaryPath := flag.String("orientation-manager-path", "m1-orientationmanager", "path to the orientation-manager executable")
	consumerID := flag.Uint("consumer-id", 1, "consumer id this service registers on every MemShare segment")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Composition root: construct every collaborator explicitly and
	// thread references through constructors. No global registry or
	// singleton anywhere below.

	bus := tracker.NewEventBus()
	bus.Subscribe(tracker.PannerAdded, func(ev tracker.Event) {
		log.WithField("port", ev.Record.Port).WithField("pid", ev.Record.ProcessID).Info("panner added")
	})
	bus.Subscribe(tracker.PannerRemoved, func(ev tracker.Event) {
		log.WithField("port", ev.Record.Port).WithField("pid", ev.Record.ProcessID).Info("panner removed")
	})
	pannerTracker := tracker.New(bus)

	scanner := discovery.New(discovery.Config{
		Directories:  pathutil.SharedDirectories(),
		ConsumerID:   uint32(*consumerID),
		ProcessAlive: discovery.ProcessAlive,
	})
	defer scanner.Close()

	sender, err := oscontrol.NewSender()
	if err != nil {
		log.WithError(err).Fatal("failed to open OSC sender socket")
	}
	defer sender.Close()

	clients := oscontrol.NewClientRegistry(sender)
	plugins := oscontrol.NewPluginRegistry(sender)

	sup := supervisor.New(supervisor.Config{Port: *serverPort, BinaryPath: *binaryPath})

	dispatcher, err := oscontrol.NewDispatcher(oscontrol.Config{
		Port:    *helperPort,
		Sender:  sender,
		Clients: clients,
		Plugins: plugins,
	})
	if err != nil {
		// Fatal: the process is useless without its control-plane listener.
		log.WithError(err).Fatal("failed to bind OSC helper port")
	}
	dispatcher.OnRequestServer = sup.RequestStart
	dispatcher.OnPannerSettings = func(port int, name string, color [4]byte, now time.Time) {
		pannerTracker.UpdateFromOSC(port, name, color, now)
	}
	dispatcher.OnPluginDisconnect = pannerTracker.RemoveOSC
	dispatcher.OnClientAdded = func(port int, typ oscontrol.ClientType) {
		log.WithField("port", port).WithField("type", typ).Info("OSC client connected")
	}
	dispatcher.OnClientRemoved = func(port int, typ oscontrol.ClientType) {
		log.WithField("port", port).Info("OSC client disconnected")
	}

	go func() {
		if err := dispatcher.Run(); err != nil {
			log.WithError(err).Error("OSC dispatcher stopped")
		}
	}()
	defer dispatcher.Stop()

	go runDiscoveryLoop(ctx, scanner, pannerTracker)
	go runSupervisorLoop(ctx, sup)

	log.WithField("helper-port", *helperPort).WithField("server-port", *serverPort).Info("m1-system-helper running")
	<-ctx.Done()
	log.Info("shutting down")
}

// runDiscoveryLoop periodically scans for new/removed segments and, on
// each update tick, reads and acks the oldest buffer not yet acked by
// this consumer from every attached one, feeding the unified tracker. It
// reads one buffer per segment per tick and does not skip ahead to the
// newest queued buffer.
func runDiscoveryLoop(ctx context.Context, scanner *discovery.Scanner, pannerTracker *tracker.Tracker) {
	scanTicker := time.NewTicker(scanPeriod)
	defer scanTicker.Stop()
	updateTicker := time.NewTicker(updatePeriod)
	defer updateTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-scanTicker.C:
			scanner.Scan()
		case <-updateTicker.C:
			scanner.Update()
			for _, rec := range scanner.Records() {
				now := time.Now()
				port := int(rec.Parameters.GetInt(memshare.ParamPort, 0))
				pannerTracker.UpdateFromMemShare(rec.ProcessID, rec.Address, port, rec.Parameters, rec.CurrentBufferID, now)
			}
		}
	}
}

// runSupervisorLoop polls whether a client has requested the
// orientation-manager and restarts it subject to the throttle.
func runSupervisorLoop(ctx context.Context, sup *supervisor.Supervisor) {
	ticker := time.NewTicker(supervisorCheck)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := sup.RestartIfNeeded(ctx); err != nil {
				log.WithError(err).Warn("orientation-manager restart failed")
			}
		}
	}
}
