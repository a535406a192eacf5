// Package metrics defines the Prometheus instrumentation for the Vigil
// control plane. All collectors are registered via promauto at init time
// and exposed on the /metrics endpoint.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestsTotal counts HTTP requests handled by the API.
	// Labels: method, path, status
	RequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vigil",
		Name:      "requests_total",
		Help:      "Total HTTP requests handled",
	}, []string{"method", "path", "status"})

	// IngestTotal counts metric samples accepted through the ingest path.
	IngestTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "vigil",
		Name:      "ingest_total",
		Help:      "Total metric samples ingested",
	})

	// ActionsTotal counts action records by target, action, and final status.
	ActionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vigil",
		Name:      "actions_total",
		Help:      "Total remediation actions by status",
	}, []string{"target", "action", "status"})

	// PolicyEvaluations counts per-policy evaluation outcomes.
	// Labels: policy_name, result (pass, violation)
	PolicyEvaluations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vigil",
		Name:      "policy_evaluation_total",
		Help:      "Total policy evaluations by outcome",
	}, []string{"policy_name", "result"})

	// QueueLength tracks the advisory length of the remediation queue.
	QueueLength = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "vigil",
		Name:      "queue_length",
		Help:      "Current remediation queue length",
	})

	// QueueOperations counts queue operations.
	// Labels: op (enqueue, dequeue, timeout)
	QueueOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vigil",
		Name:      "queue_operations_total",
		Help:      "Total queue operations",
	}, []string{"op"})

	// WorkerTasks counts tasks processed by the worker pool.
	// Labels: status (completed, failed, retried, discarded)
	WorkerTasks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vigil",
		Name:      "worker_tasks_total",
		Help:      "Total worker task outcomes",
	}, []string{"status"})

	// WorkerActive tracks the number of workers currently dispatching a task.
	WorkerActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "vigil",
		Name:      "worker_active",
		Help:      "Workers currently processing a task",
	})
)
