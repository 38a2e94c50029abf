package infra

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"otc_book/internal/domain"
	"otc_book/internal/engine"
)

var (
	// HTTPRequestDuration tracks request latency by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		},
		[]string{"method", "path", "status"},
	)

	// EventsTotal counts emitted notification events by kind.
	EventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "otcbook_events_total",
			Help: "Total notification events by kind",
		},
		[]string{"kind"},
	)

	// PooledFees tracks the undistributed fee pool balance.
	PooledFees = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "otcbook_pooled_fees",
			Help: "Undistributed creation fee pool balance",
		},
	)

	// CurrentFee tracks the published creation fee.
	CurrentFee = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "otcbook_current_fee",
			Help: "Published creation fee",
		},
	)

	// FirstOpenID tracks the cleanup low-water mark.
	FirstOpenID = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "otcbook_first_open_id",
			Help: "Low-water mark below which no Active orders remain",
		},
	)

	// NextID tracks the order id allocation counter.
	NextID = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "otcbook_next_id",
			Help: "Next order id to be allocated",
		},
	)
)

// PrometheusMiddleware records request metrics.
func PrometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		duration := time.Since(start).Seconds()

		HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			strconv.Itoa(c.Writer.Status()),
		).Observe(duration)
	}
}

// MetricsSink mirrors committed engine state into prometheus.
type MetricsSink struct{}

func (MetricsSink) Commit(events []domain.Event, snap engine.Snapshot) {
	for _, ev := range events {
		EventsTotal.WithLabelValues(string(ev.Kind)).Inc()
	}
	PooledFees.Set(snap.PooledFees.InexactFloat64())
	CurrentFee.Set(snap.CurrentFee.InexactFloat64())
	FirstOpenID.Set(float64(snap.FirstOpenID))
	NextID.Set(float64(snap.NextID))
}
