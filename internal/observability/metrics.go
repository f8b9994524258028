// Package observability exposes the daemon's Prometheus metrics and a small
// health/metrics HTTP sidecar alongside the binary wire listener.
package observability

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

var appeared time.Time

func init() {
	appeared = time.Now()
}

var (
	registerOnce sync.Once

	ShiftOpsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "jtagd",
		Name:      "shift_ops_total",
		Help:      "Total scan/shift primitives executed across all sessions.",
	})
	DataBitsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "jtagd",
		Name:      "data_bits_total",
		Help:      "Total bits shifted while in the Shift-IR or Shift-DR state.",
	})
	ModeBitsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "jtagd",
		Name:      "mode_bits_total",
		Help:      "Total bits shifted while outside the Shift-IR and Shift-DR states.",
	})
	DummyClocksTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "jtagd",
		Name:      "dummy_clocks_total",
		Help:      "Total TCK-only clock pulses issued.",
	})
	ActiveSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "jtagd",
		Name:      "active_sessions",
		Help:      "Number of currently connected client sessions.",
	})
	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "jtagd",
			Name:      "request_duration_seconds",
			Help:      "Time to dispatch one request, by message type.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"message_type"},
	)
	sidecarRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "jtagd",
			Subsystem: "sidecar",
			Name:      "requests_total",
			Help:      "Total requests served by the health/metrics HTTP sidecar.",
		},
		[]string{"method", "path", "status"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			ShiftOpsTotal, DataBitsTotal, ModeBitsTotal, DummyClocksTotal,
			ActiveSessions, RequestDuration, sidecarRequests,
		)
	})
}

// RecordDispatch observes how long one dispatched request took, labeled by
// its wire message type.
func RecordDispatch(messageType string, d time.Duration) {
	RegisterMetrics()
	RequestDuration.WithLabelValues(messageType).Observe(d.Seconds())
}

// recordSidecarRequest is the HTTP-facing counterpart to RecordDispatch,
// called from RequestMetricsMiddleware for the health/metrics sidecar.
func recordSidecarRequest(method, path string, status int) {
	RegisterMetrics()
	sidecarRequests.WithLabelValues(method, path, fmt.Sprintf("%d", status)).Inc()
}

// ServeMetrics runs the daemon's health/metrics HTTP sidecar until ctx is
// canceled: /health and /ready report liveness, /metrics exposes the
// Prometheus registry. It is a side channel next to the binary wire
// listener, not a replacement for it — nothing in the wire protocol is
// reachable over HTTP.
func ServeMetrics(ctx context.Context, addr string) error {
	RegisterMetrics()
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(gin.Recovery(), RequestLogger(log.Logger), RequestMetricsMiddleware(), cors.Default())

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "uptime": time.Since(appeared).String(), "component": "jtagd"})
	})
	router.GET("/ready", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ready": true, "uptime": time.Since(appeared).String(), "component": "jtagd"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	srv := &http.Server{Addr: addr, Handler: router}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		log.Info().Str("addr", addr).Msg("jtagd metrics sidecar shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}
