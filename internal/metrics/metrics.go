// Package metrics exposes Prometheus collectors for the helper and the
// supervisor. Registration is optional; all helpers are no-ops until
// Register succeeds.
package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	regOK atomic.Bool

	workerStarts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "siftly",
			Subsystem: "worker",
			Name:      "starts_total",
			Help:      "Number of successful worker starts.",
		},
	)
	workerStops = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "siftly",
			Subsystem: "worker",
			Name:      "stops_total",
			Help:      "Number of worker stops (graceful or kill).",
		},
	)
	workerRestarts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "siftly",
			Subsystem: "worker",
			Name:      "restarts_total",
			Help:      "Number of automatic restarts scheduled by the supervisor.",
		},
	)
	helperCommands = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "siftly",
			Subsystem: "helper",
			Name:      "commands_total",
			Help:      "Commands dispatched by the helper, by command and result.",
		}, []string{"command", "result"},
	)
	supervisorStates = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "siftly",
			Subsystem: "supervisor",
			Name:      "state",
			Help:      "Current supervisor state (1 = current, 0 = not current).",
		}, []string{"state"},
	)
)

// Register registers all collectors with r. Safe to call multiple
// times; calls after the first success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	for _, c := range []prometheus.Collector{
		workerStarts, workerStops, workerRestarts, helperCommands, supervisorStates,
	} {
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

// Handler returns an HTTP handler serving the default registry.
func Handler() http.Handler { return promhttp.Handler() }

func IncStart() {
	if regOK.Load() {
		workerStarts.Inc()
	}
}

func IncStop() {
	if regOK.Load() {
		workerStops.Inc()
	}
}

func IncRestart() {
	if regOK.Load() {
		workerRestarts.Inc()
	}
}

// IncCommand records one dispatched helper command with its result
// ("ok" or "error").
func IncCommand(command, result string) {
	if regOK.Load() {
		helperCommands.WithLabelValues(command, result).Inc()
	}
}

// SetState marks state as the current supervisor state.
func SetState(state string, current bool) {
	if !regOK.Load() {
		return
	}
	v := 0.0
	if current {
		v = 1.0
	}
	supervisorStates.WithLabelValues(state).Set(v)
}
