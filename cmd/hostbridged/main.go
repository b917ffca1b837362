// hostbridged is the host-side guest-bridge daemon. It runs alongside a
// running macOS guest VM and maintains the tunnel, event-stream, health,
// auto-port-map, and clipboard components against that guest's vsock
// endpoint.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/sparrowvm/hostbridge/internal/bridgeconfig"
	"github.com/sparrowvm/hostbridge/internal/clipboard"
	"github.com/sparrowvm/hostbridge/internal/eventstream"
	"github.com/sparrowvm/hostbridge/internal/guestclient"
	"github.com/sparrowvm/hostbridge/internal/health"
	"github.com/sparrowvm/hostbridge/internal/portmapper"
	"github.com/sparrowvm/hostbridge/internal/tunnel"
	"github.com/sparrowvm/hostbridge/internal/vmexec"
	"github.com/sparrowvm/hostbridge/internal/vtransport"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	cfg := bridgeconfig.DefaultConfig()
	if err := cfg.EnsureDirs(); err != nil {
		log.Fatalf("create directories: %v", err)
	}

	log.Printf("hostbridged starting (guest cid=%d)", cfg.GuestCID)

	// Resolve the guest endpoint. HOSTBRIDGE_DEV_HOST switches to a
	// loopback-TCP stand-in for local development against a guest-agent
	// process that isn't a real VM, mirroring how the teacher's own dev
	// mode substitutes a TCP listener for a production transport.
	var endpoint vtransport.Endpoint
	if devHost := os.Getenv("HOSTBRIDGE_DEV_HOST"); devHost != "" {
		endpoint = vtransport.NewTCPDevEndpoint(devHost)
		log.Printf("using dev endpoint: %s", endpoint)
	} else {
		endpoint = vtransport.NewVsockEndpoint(cfg.GuestCID)
	}

	// One executor per well-known guest port: the control port is shared
	// by guestclient and the clipboard bridge that rides on it, while
	// tunnel, health, and events each own their device.
	controlExec := vmexec.New()
	tunnelExec := vmexec.New()
	healthExec := vmexec.New()
	eventsExec := vmexec.New()

	client := guestclient.New(endpoint, controlExec, cfg.BearerToken)

	supervisor := tunnel.NewSupervisor(endpoint, tunnelExec, cfg.TunnelPort, func(re tunnel.RuntimeError) {
		log.Printf("tunnel: %s (host=%d guest=%d): %s", re.Phase, re.HostPort, re.GuestPort, re.Message)
	})

	mapper := portmapper.New(cfg.ManualForwards, cfg.ExcludedGuestPorts, func() map[int]bool {
		taken := make(map[int]bool)
		for _, spec := range supervisor.ActiveForwards() {
			taken[spec.HostPort] = true
		}
		return taken
	}, 32)

	pb := clipboard.NewHostPasteboard()
	clipBridge := clipboard.New(client, pb, parseClipboardMode(cfg.ClipboardMode))

	portSink := &eventstream.DetectedPortSink{OnUpdate: mapper.Update}
	fileSink := &eventstream.FileQueueSink{OnUpdate: func(files []string) {
		log.Printf("guest file queue: %d pending", len(files))
	}}
	urlSink := &eventstream.PendingURLSink{OnUpdate: func(urls []string) {
		for _, u := range urls {
			log.Printf("guest pending url: %s", u)
		}
	}}
	appSink := &eventstream.ForegroundAppSink{OnUpdate: func(app eventstream.ForegroundApp) {
		log.Printf("guest foreground app: %s (%s)", app.Name, app.BundleID)
	}}
	logSink := &eventstream.LogLineSink{OnLine: func(line string) {
		log.Printf("guest: %s", line)
	}}

	events := eventstream.NewReader(endpoint, eventsExec, cfg.EventsPort, []eventstream.Dispatcher{
		portSink, fileSink, urlSink, appSink, logSink,
	})

	monitor := health.NewMonitor(endpoint, healthExec, cfg.HealthPort, func(status health.Status) {
		log.Printf("guest health: %s", status)
		if status == health.StatusConnected {
			supervisor.ClearRuntimeError()
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go events.Run(ctx)
	go monitor.Run(ctx)

	// Drain the mapper's Add/Remove commands into the tunnel supervisor.
	// The mapper never holds a reference to the supervisor directly (it
	// only knows about the guest ports it has decided to forward); this
	// loop is the one place that couples the two.
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case cmd := <-mapper.Commands():
				switch cmd.Kind {
				case portmapper.CommandAdd:
					supervisor.Add(tunnel.Spec{HostPort: cmd.HostPort, GuestPort: cmd.GuestPort})
				case portmapper.CommandRemove:
					supervisor.Remove(cmd.HostPort)
				}
			}
		}
	}()

	supervisor.Start(specsFromManualPorts(cfg.ManualForwards, cfg.TunnelPort))

	_ = clipBridge // wired via OnFocusGained/OnFocusLost from the guest window manager

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	log.Printf("hostbridged shutting down")
	cancel()
	supervisor.Stop()
}

func parseClipboardMode(s string) clipboard.Mode {
	switch s {
	case "hostToGuest":
		return clipboard.ModeHostToGuest
	case "guestToHost":
		return clipboard.ModeGuestToHost
	case "disabled":
		return clipboard.ModeDisabled
	default:
		return clipboard.ModeBidirectional
	}
}

// specsFromManualPorts treats each manually configured host port as a
// forward to the guest port of the same number; guest ports detected by
// the Auto Port Mapper are added later via mapper.Commands().
func specsFromManualPorts(manualPorts []int, _ uint32) []tunnel.Spec {
	specs := make([]tunnel.Spec, 0, len(manualPorts))
	for _, p := range manualPorts {
		specs = append(specs, tunnel.Spec{HostPort: p, GuestPort: uint32(p)})
	}
	return specs
}
