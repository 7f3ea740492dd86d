package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var fallbackTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "guardkit",
	Subsystem: "cache",
	Name:      "fallback_total",
	Help:      "Cache operations served by the in-memory emulation after the live call failed.",
}, []string{"client", "op"})
