package conn

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	stateGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "guardkit",
		Subsystem: "cache",
		Name:      "connection_state",
		Help:      "Connection state: 0 disconnected, 1 connecting, 2 ready, 3 reconnecting, 4 failed.",
	})

	connectAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "guardkit",
		Subsystem: "cache",
		Name:      "connect_attempts_total",
		Help:      "Connection attempts by result.",
	}, []string{"result"})

	reconnectsScheduled = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "guardkit",
		Subsystem: "cache",
		Name:      "reconnects_scheduled_total",
		Help:      "Reconnection attempts scheduled after a failure.",
	})
)
