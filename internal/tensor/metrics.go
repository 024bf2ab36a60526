package tensor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	constructs = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "talsh_tensor_constructs_total",
		Help: "Tensor blocks constructed, by device kind and body origin",
	}, []string{"kind", "body"})

	destructs = promauto.NewCounter(prometheus.CounterOpts{
		Name: "talsh_tensor_destructs_total",
		Help: "Tensor blocks with at least one copy destructed",
	})

	bodyBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "talsh_tensor_body_bytes",
		Help: "Bytes of tensor bodies allocated by the runtime",
	})
)
