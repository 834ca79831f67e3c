package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus metrics registry and standard meters.
type Metrics struct {
	Registry            *prometheus.Registry
	OperationDuration   *prometheus.HistogramVec
	OperationTotal      *prometheus.CounterVec
	BytesStored         *prometheus.CounterVec
	ErrorsTotal         *prometheus.CounterVec
	BackendAvailability *prometheus.GaugeVec
	OrdersRetried       prometheus.Counter
	OrdersDeadLettered  prometheus.Counter
	QueueDepth          prometheus.Gauge
}

// NewMetrics creates a custom Prometheus registry with the standard tierstore meters.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	opDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tierstore_operation_duration_seconds",
		Help:    "Duration of operations in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation", "status"})

	opTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tierstore_operation_total",
		Help: "Total number of operations.",
	}, []string{"operation", "status"})

	bytesStored := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tierstore_bytes_stored_total",
		Help: "Total bytes written to storage backends.",
	}, []string{"backend"})

	errorsTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tierstore_errors_total",
		Help: "Total number of errors.",
	}, []string{"operation", "type"})

	availability := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tierstore_backend_availability",
		Help: "Current backend availability (0=online, 1=nearline, 2=unavailable, 3=nonexistent).",
	}, []string{"domain", "backend"})

	ordersRetried := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tierstore_orders_retried_total",
		Help: "Total number of order retries scheduled.",
	})

	ordersDead := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tierstore_orders_dead_lettered_total",
		Help: "Total number of orders moved to the dead letter sink.",
	})

	queueDepth := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "tierstore_order_queue_depth",
		Help: "Number of orders currently queued.",
	})

	reg.MustRegister(opDuration, opTotal, bytesStored, errorsTotal,
		availability, ordersRetried, ordersDead, queueDepth)

	return &Metrics{
		Registry:            reg,
		OperationDuration:   opDuration,
		OperationTotal:      opTotal,
		BytesStored:         bytesStored,
		ErrorsTotal:         errorsTotal,
		BackendAvailability: availability,
		OrdersRetried:       ordersRetried,
		OrdersDeadLettered:  ordersDead,
		QueueDepth:          queueDepth,
	}
}
