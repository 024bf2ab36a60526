package client

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	breakerState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "talsh_client_breaker_state",
		Help: "Circuit breaker state of the peer client (0 closed, 1 open, 2 half open)",
	})

	fetches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "talsh_client_fetches_total",
		Help: "Flight fetches from peer nodes by ticket kind and result",
	}, []string{"ticket", "result"})
)
