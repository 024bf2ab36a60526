package task

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	constructs = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "talsh_task_constructs_total",
		Help: "Tasks constructed, by device kind",
	}, []string{"kind"})

	polls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "talsh_task_polls_total",
		Help: "Task status polls, by reported status",
	}, []string{"status"})
)
