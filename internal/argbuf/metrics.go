package argbuf

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	reservedBytes = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "talsh_argbuf_reserved_bytes",
		Help: "Bytes reserved for argument buffers per device kind",
	}, []string{"kind"})

	usedBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "talsh_argbuf_host_used_bytes",
		Help: "Bytes currently carved out of the host argument buffer",
	})

	heapBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "talsh_host_heap_bytes",
		Help: "Bytes of tensor bodies allocated on the host outside the argument buffer",
	})
)
