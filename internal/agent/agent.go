// Package agent wires every Agent subsystem into the single running
// process spec.md describes: one managed Factorio server, one RCON
// session, one in-game metrics sampler, and one gateway accepting peer
// connections, all sharing one filesystem root.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/justapithecus/factorio-agent/internal/agentcfg"
	"github.com/justapithecus/factorio-agent/internal/agenterr"
	"github.com/justapithecus/factorio-agent/internal/catalog"
	"github.com/justapithecus/factorio-agent/internal/configstore"
	"github.com/justapithecus/factorio-agent/internal/fsroot"
	"github.com/justapithecus/factorio-agent/internal/gateway"
	"github.com/justapithecus/factorio-agent/internal/installer"
	"github.com/justapithecus/factorio-agent/internal/modstore"
	"github.com/justapithecus/factorio-agent/internal/operation"
	"github.com/justapithecus/factorio-agent/internal/rcon"
	"github.com/justapithecus/factorio-agent/internal/supervisor"
	"github.com/justapithecus/factorio-agent/internal/telemetry"
)

// ErrRootInaccessible and ErrBindFailed let main classify a startup
// failure into the exit codes spec.md 6 defines (65 and 64
// respectively) without string-matching an error message.
var (
	ErrRootInaccessible = errors.New("agent: filesystem root inaccessible")
	ErrBindFailed       = errors.New("agent: bind failed")
)

// Agent owns every long-lived collaborator for one Factorio
// installation. Construct with New, then call Run to bring its
// background goroutines and HTTP listener up.
type Agent struct {
	cfg agentcfg.Config

	Layout     fsroot.Layout
	Catalog    *catalog.Client
	Installer  *installer.Installer
	Configs    *configstore.Store
	Mods       *modstore.Store
	Supervisor *supervisor.Supervisor
	Rcon       *rcon.Session
	Sampler    *telemetry.Sampler
	Operations *operation.Registry
	Peers      *gateway.PeerRegistry
	Dispatcher *gateway.Dispatcher

	mu        sync.Mutex
	lastState supervisor.State
}

// New builds every subsystem from cfg. It starts nothing; Run brings
// the background goroutines and the HTTP listener up.
func New(cfg agentcfg.Config) (*Agent, error) {
	layout, err := fsroot.New(cfg.Root)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrRootInaccessible, cfg.Root, err)
	}
	configs := configstore.New(layout)

	cat := catalog.New(catalog.Config{
		VersionsBaseURL: cfg.Catalog.VersionsURL,
		ModsBaseURL:     cfg.Catalog.ModsURL,
		Timeout:         10 * time.Second,
	})
	in := installer.New(layout, cat, installer.GzipTarExtractor{})
	mods := modstore.New(layout, cat, configs)
	ops := operation.New(cfg.OperationTTL)
	peers := gateway.NewPeerRegistry()
	session := rcon.NewSession(cfg.RCON.Host, cfg.RCON.Port, cfg.RCON.Password, cfg.RCON.DialTimeout)

	a := &Agent{
		cfg:        cfg,
		Layout:     layout,
		Catalog:    cat,
		Installer:  in,
		Configs:    configs,
		Mods:       mods,
		Rcon:       session,
		Operations: ops,
		Peers:      peers,
		lastState:  supervisor.NotRunning,
	}

	session.OnReconnect(func(outcome string) { telemetry.IncRconReconnect(outcome) })
	a.Sampler = telemetry.New(session, cfg.SamplerInterval, a.publishMetric, a.samplerStalled)
	a.Supervisor = supervisor.New(layout, configs, nil, a.onSupervisorEvent)
	isIdle := func() bool { return a.Supervisor.State() == supervisor.NotRunning }
	mods.IsIdle = isIdle
	in.IsIdle = isIdle
	in.CurrentVersion = a.currentVersion

	a.Dispatcher = &gateway.Dispatcher{
		Layout:            layout,
		Installer:         in,
		Mods:              mods,
		Configs:           configs,
		Supervisor:        a.Supervisor,
		Rcon:              session,
		Operations:        ops,
		Stager:            gateway.NewUploadStager(layout),
		Peers:             peers,
		BindAddr:          cfg.BindAddr,
		RconHost:          cfg.RCON.Host,
		RconPort:          cfg.RCON.Port,
		CurrentInstallDir: a.currentInstallDir,
	}

	return a, nil
}

// currentVersion reports the version named by the fsroot "current"
// symlink, or "" if nothing is installed yet. It satisfies the
// Installer's CurrentVersion field.
func (a *Agent) currentVersion() string {
	target, err := os.Readlink(a.Layout.CurrentLink())
	if err != nil {
		return ""
	}
	return filepath.Base(target)
}

// currentInstallDir resolves the install the supervisor should spawn,
// following the fsroot "current" symlink the installer repoints on
// every successful Install.
func (a *Agent) currentInstallDir() (string, error) {
	target, err := os.Readlink(a.Layout.CurrentLink())
	if err != nil {
		return "", agenterr.New(agenterr.UnknownVersion, "no version installed")
	}
	if !filepath.IsAbs(target) {
		target = filepath.Join(a.Layout.Root(), target)
	}
	return target, nil
}

// onSupervisorEvent is the supervisor's EventFunc: it couples the RCON
// session and the metrics sampler to the Running state, records
// ambient Prometheus metrics, and broadcasts the transition to every
// connected gateway peer.
func (a *Agent) onSupervisorEvent(ev supervisor.Event) {
	to := a.Supervisor.State()
	a.mu.Lock()
	from := a.lastState
	a.lastState = to
	a.mu.Unlock()

	telemetry.RecordTransition(string(from), string(to))
	telemetry.SetActiveState(string(to))
	a.Peers.Broadcast(gateway.LifecycleEnvelope(gateway.LifecycleEvent{
		State:    string(to),
		Kind:     string(ev.Kind),
		ExitCode: ev.ExitCode,
	}))

	switch ev.Kind {
	case supervisor.EventReady:
		a.Rcon.Connect(context.Background())
		a.Sampler.Start(context.Background())
	case supervisor.EventStartupFailed, supervisor.EventCrashed,
		supervisor.EventStoppedCleanly, supervisor.EventStoppedForcefully:
		a.Sampler.Stop()
		a.Rcon.Disconnect()
	}
}

// publishMetric is the sampler's PublishFunc: it fans one datapoint
// out to every connected peer. spec.md 4.8 names no MetricSubscribe
// request, so unlike log lines there is nothing to filter by.
func (a *Agent) publishMetric(metric string, dp telemetry.Datapoint) {
	a.Peers.Broadcast(gateway.MetricEnvelope(gateway.MetricEvent{
		Metric: metric,
		Tick:   dp.Tick,
		Value:  dp.Value,
	}))
}

// samplerStalled is the sampler's StalledFunc, invoked after three
// consecutive poll failures. The sampler has already stopped itself;
// this only surfaces the fact to connected peers and the log. It does
// not retry the sampler itself — the next Ready transition starts a
// fresh one.
func (a *Agent) samplerStalled(err error) {
	slog.Warn("agent: metrics sampler stalled", "err", err)
	a.Peers.Broadcast(gateway.LifecycleEnvelope(gateway.LifecycleEvent{
		State: string(a.Supervisor.State()),
		Kind:  "SamplerStalled",
	}))
}

// Run registers Prometheus collectors, starts the operation registry
// reaper, and serves the gateway websocket endpoint plus /metrics on
// cfg.BindAddr. It blocks until ctx is cancelled, at which point it
// stops the managed server (if running) and shuts the listener down.
func (a *Agent) Run(ctx context.Context) error {
	if err := telemetry.Register(prometheus.DefaultRegisterer); err != nil {
		return fmt.Errorf("agent: register metrics: %w", err)
	}
	telemetry.SetActiveState(string(a.Supervisor.State()))

	go a.Operations.Run(ctx)

	var nextPeerID int64
	mux := http.NewServeMux()
	mux.Handle("/ws", gateway.HandleWebSocket(a.Dispatcher, func() string {
		return fmt.Sprintf("peer-%d", atomic.AddInt64(&nextPeerID, 1))
	}))
	mux.Handle("/metrics", telemetry.Handler())

	ln, err := net.Listen("tcp", a.cfg.BindAddr)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrBindFailed, a.cfg.BindAddr, err)
	}

	srv := &http.Server{Handler: mux}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	slog.Info("agent: listening", "addr", ln.Addr())

	select {
	case <-ctx.Done():
		if a.Supervisor.State() != supervisor.NotRunning {
			_ = a.Supervisor.Stop()
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("agent: gateway listener: %w", err)
		}
		return nil
	}
}
