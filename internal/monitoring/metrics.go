package monitoring

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "vendpi"

var (
	registerOnce sync.Once

	serialLines = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "serial",
			Name:      "lines_total",
			Help:      "Decoded lines read from the serial device.",
		},
	)
	serialDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "serial",
			Name:      "dropped_lines_total",
			Help:      "Lines not delivered to a slow lossy subscriber.",
		},
	)
	framerPackets = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "framer",
			Name:      "packets_total",
			Help:      "Packets emitted by the framer, by completion reason.",
		},
		[]string{"reason"},
	)
	framerRestarts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "framer",
			Name:      "restarts_total",
			Help:      "In-progress packets discarded because a new start marker arrived.",
		},
	)
	sinkDeliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sink",
			Name:      "deliveries_total",
			Help:      "Packet deliveries by sink and outcome.",
		},
		[]string{"sink", "outcome"},
	)
	sinkDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "sink",
			Name:      "delivery_duration_seconds",
			Help:      "Packet delivery duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"sink"},
	)
	dispatchDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "dropped_total",
			Help:      "Packets dropped because the delivery queue was full.",
		},
	)
	dispatchQueue = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "queue_depth",
			Help:      "Packets waiting for delivery.",
		},
	)
)

// RegisterMetrics registers the collectors with the default registry once.
func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			serialLines, serialDropped,
			framerPackets, framerRestarts,
			sinkDeliveries, sinkDuration,
			dispatchDropped, dispatchQueue,
		)
	})
}

// MetricsHandler serves the default registry in the Prometheus text format.
func MetricsHandler() http.Handler {
	RegisterMetrics()
	return promhttp.Handler()
}

func RecordLine() {
	RegisterMetrics()
	serialLines.Inc()
}

func RecordDroppedLine() {
	RegisterMetrics()
	serialDropped.Inc()
}

func RecordPacket(reason string) {
	RegisterMetrics()
	framerPackets.WithLabelValues(reason).Inc()
}

func RecordRestart() {
	RegisterMetrics()
	framerRestarts.Inc()
}

// RecordDelivery counts one delivery attempt; a nil err is a success.
func RecordDelivery(sink string, err error, duration time.Duration) {
	RegisterMetrics()
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	sinkDeliveries.WithLabelValues(sink, outcome).Inc()
	sinkDuration.WithLabelValues(sink).Observe(duration.Seconds())
}

func RecordDispatchDrop() {
	RegisterMetrics()
	dispatchDropped.Inc()
}

func SetQueueDepth(n int) {
	RegisterMetrics()
	dispatchQueue.Set(float64(n))
}
