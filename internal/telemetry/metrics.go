// Package telemetry exposes process-level Prometheus metrics for the Agent
// itself — lifecycle transitions, operation throughput, RCON reconnects,
// gateway peer count. This is distinct from the in-game metrics sampler
// (internal/telemetry/sampler.go), which relays game counters to peers
// rather than process counters to Prometheus.
package telemetry

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	regOK atomic.Bool

	lifecycleTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "factorio_agent",
			Subsystem: "supervisor",
			Name:      "lifecycle_transitions_total",
			Help:      "Number of process lifecycle transitions observed.",
		}, []string{"from", "to"},
	)
	lifecycleState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "factorio_agent",
			Subsystem: "supervisor",
			Name:      "lifecycle_state",
			Help:      "Current lifecycle state (1 = active, 0 = inactive).",
		}, []string{"state"},
	)
	operationsStarted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "factorio_agent",
			Subsystem: "operation",
			Name:      "started_total",
			Help:      "Number of operations accepted by the registry.",
		}, []string{"kind"},
	)
	operationsTerminal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "factorio_agent",
			Subsystem: "operation",
			Name:      "terminal_total",
			Help:      "Number of operations that reached a terminal status.",
		}, []string{"kind", "status"},
	)
	operationBusy = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "factorio_agent",
			Subsystem: "operation",
			Name:      "busy_rejections_total",
			Help:      "Number of mutating requests rejected because the operation lock was held.",
		}, []string{"kind", "holder"},
	)
	rconReconnects = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "factorio_agent",
			Subsystem: "rcon",
			Name:      "reconnects_total",
			Help:      "Number of RCON reconnect attempts.",
		}, []string{"outcome"},
	)
	gatewayPeers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "factorio_agent",
			Subsystem: "gateway",
			Name:      "connected_peers",
			Help:      "Number of currently connected gateway peers.",
		},
	)
	gatewaySubscriberLag = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "factorio_agent",
			Subsystem: "gateway",
			Name:      "subscriber_lagged_total",
			Help:      "Number of log subscribers dropped for exceeding the backpressure buffer.",
		}, []string{"category"},
	)
)

// Register registers all collectors with r. Safe to call multiple times.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{
		lifecycleTransitions, lifecycleState, operationsStarted,
		operationsTerminal, operationBusy, rconReconnects,
		gatewayPeers, gatewaySubscriberLag,
	}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler serves Prometheus metrics for the default gatherer.
func Handler() http.Handler { return promhttp.Handler() }

func RecordTransition(from, to string) {
	if regOK.Load() {
		lifecycleTransitions.WithLabelValues(from, to).Inc()
	}
}

func SetActiveState(state string) {
	if !regOK.Load() {
		return
	}
	for _, s := range []string{"NotRunning", "Starting", "Running", "Stopping"} {
		v := 0.0
		if s == state {
			v = 1.0
		}
		lifecycleState.WithLabelValues(s).Set(v)
	}
}

func IncOperationStarted(kind string) {
	if regOK.Load() {
		operationsStarted.WithLabelValues(kind).Inc()
	}
}

func IncOperationTerminal(kind, status string) {
	if regOK.Load() {
		operationsTerminal.WithLabelValues(kind, status).Inc()
	}
}

func IncOperationBusy(kind, holder string) {
	if regOK.Load() {
		operationBusy.WithLabelValues(kind, holder).Inc()
	}
}

func IncRconReconnect(outcome string) {
	if regOK.Load() {
		rconReconnects.WithLabelValues(outcome).Inc()
	}
}

func SetGatewayPeers(n int) {
	if regOK.Load() {
		gatewayPeers.Set(float64(n))
	}
}

func IncSubscriberLagged(category string) {
	if regOK.Load() {
		gatewaySubscriberLag.WithLabelValues(category).Inc()
	}
}
