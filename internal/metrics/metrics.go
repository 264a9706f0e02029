// Package metrics provides Prometheus instrumentation for the basket backend.
package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// TxAttempts counts submission attempts by transaction label and outcome
	// (confirmed, expired, failed, cancelled, send_error).
	TxAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "basket_tx_attempts_total",
		Help: "Transaction submission attempts",
	}, []string{"label", "outcome"})

	TxConfirmLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "basket_tx_confirm_latency_seconds",
		Help:    "Time from send to confirmation",
		Buckets: []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 90},
	}, []string{"label"})

	// QuoteRequests counts venue quote calls by provider and result.
	QuoteRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "basket_quote_requests_total",
		Help: "Quote provider requests",
	}, []string{"provider", "result"})

	QuoteLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "basket_quote_latency_seconds",
		Help:    "Quote plus swap-build latency per provider",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}, []string{"provider"})

	// LegOutcomes counts per-leg results by side (buy|sell) and status.
	LegOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "basket_leg_outcomes_total",
		Help: "Basket leg outcomes",
	}, []string{"side", "status"})

	Orchestrations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "basket_orchestrations_total",
		Help: "Purchase and sale orchestrations by result",
	}, []string{"kind", "result"})

	FeesCollected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "basket_fees_collected_lamports_total",
		Help: "Fee lamports collected by share",
	}, []string{"share"})

	// PendingReconciliations counts ledger records that need manual review.
	PendingReconciliations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "basket_pending_reconciliations_total",
		Help: "Ledger writes that failed after on-chain success",
	})

	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "basket_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "basket_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "basket_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 15, 30, 60},
	}, []string{"method", "path"})
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware records request metrics labelled by chi route pattern.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				path = pattern
			}
		}
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Hijack keeps websocket upgrades working behind the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	w.status = http.StatusSwitchingProtocols
	return hijacker.Hijack()
}
