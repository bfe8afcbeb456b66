package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kernelpeek",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests handled by the inspection server.",
		},
		[]string{"method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "kernelpeek",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
	inspections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kernelpeek",
			Subsystem: "pipeline",
			Name:      "inspections_total",
			Help:      "Inspection pipeline outcomes by terminal reason.",
		},
		[]string{"type", "reason"},
	)
	stageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "kernelpeek",
			Subsystem: "pipeline",
			Name:      "stage_duration_seconds",
			Help:      "Per-stage wall-clock duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"stage"},
	)
	gatewayRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kernelpeek",
			Subsystem: "gateway",
			Name:      "requests_total",
			Help:      "Requests issued to the inspection gateway.",
		},
		[]string{"op", "success"},
	)
	kernelExecutions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kernelpeek",
			Subsystem: "kernel",
			Name:      "executions_total",
			Help:      "Remote kernel executions by settlement kind.",
		},
		[]string{"settled"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests, httpDuration,
			inspections, stageDuration,
			gatewayRequests, kernelExecutions,
		)
	})
}

func RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(method, path, statusLabel).Observe(duration.Seconds())
}

func RecordInspection(typeName, reason string) {
	RegisterMetrics()
	inspections.WithLabelValues(typeName, reason).Inc()
}

func RecordStage(stage string, duration time.Duration) {
	RegisterMetrics()
	stageDuration.WithLabelValues(stage).Observe(duration.Seconds())
}

func RecordGatewayRequest(op string, success bool) {
	RegisterMetrics()
	gatewayRequests.WithLabelValues(op, strconv.FormatBool(success)).Inc()
}

func RecordKernelExecution(settled string) {
	RegisterMetrics()
	kernelExecutions.WithLabelValues(settled).Inc()
}
