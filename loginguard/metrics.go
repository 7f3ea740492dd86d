package loginguard

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	failedAttempts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "guardkit",
		Subsystem: "login",
		Name:      "failed_attempts_total",
		Help:      "Failed login attempts recorded.",
	})

	locksIssued = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "guardkit",
		Subsystem: "login",
		Name:      "locks_total",
		Help:      "Account lockouts and IP blocks issued.",
	}, []string{"kind"})
)
