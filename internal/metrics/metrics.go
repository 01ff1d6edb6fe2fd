// Package metrics holds the process-wide prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var Registry = prometheus.NewRegistry()

var factory = promauto.With(Registry)

var (
	QueueOps = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "transferq",
		Subsystem: "queue",
		Name:      "operations_total",
		Help:      "Work queue operations by backend, operation and result.",
	}, []string{"backend", "op", "result"})

	ListenerMessages = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "transferq",
		Subsystem: "listener",
		Name:      "messages_total",
		Help:      "Messages handled by listen loops, by subject and disposition.",
	}, []string{"subject", "disposition"})

	TaskTransitions = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "transferq",
		Subsystem: "tasks",
		Name:      "transitions_total",
		Help:      "Transfer task status transitions persisted by the listener.",
	}, []string{"status"})

	ConcurrencyConflicts = factory.NewCounter(prometheus.CounterOpts{
		Namespace: "transferq",
		Subsystem: "tasks",
		Name:      "concurrency_conflicts_total",
		Help:      "Optimistic lock conflicts observed while updating transfer tasks.",
	})
)

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}

// Observe records one queue operation outcome.
func Observe(backend, op string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	QueueOps.WithLabelValues(backend, op, result).Inc()
}

func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}
