package device

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	emuUsedBytes = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "talsh_emulated_gpu_used_bytes",
		Help: "Bytes allocated from the argument buffer of each emulated GPU",
	}, []string{"gpu"})

	emuTasks = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "talsh_emulated_gpu_tasks",
		Help: "Live tasks per emulated GPU",
	}, []string{"gpu"})
)

func gpuLabel(i int) string {
	return strconv.Itoa(i)
}
