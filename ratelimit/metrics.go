package ratelimit

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var decisions = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "guardkit",
	Subsystem: "ratelimit",
	Name:      "decisions_total",
	Help:      "Rate limit decisions by limiter name and result.",
}, []string{"limiter", "result"})
