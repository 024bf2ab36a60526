package talsh

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	notCleanTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "talsh_not_clean_total",
		Help: "Operations that left an object usable but some side effect incomplete",
	})

	initialized = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "talsh_initialized",
		Help: "1 while the runtime is initialized",
	})

	deviceState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "talsh_device_state",
		Help: "Device state (0 off, 1 on, 2 on with accelerated math)",
	}, []string{"kind", "index"})
)

func itoa(i int) string {
	return strconv.Itoa(i)
}
