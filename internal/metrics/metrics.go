// Package metrics contains the Prometheus collectors for the gateway.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var registry = prometheus.NewRegistry()

var (
	// HTTP
	HTTPRequestsTotal = promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "HTTP requests by route and status.",
	}, []string{"route", "status"})
	HTTPRequestDuration = promauto.With(registry).NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request latency.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})
	HTTPRateLimited = promauto.With(registry).NewCounter(prometheus.CounterOpts{
		Name: "http_rate_limited_total",
		Help: "HTTP requests rejected by the per-minute limiter.",
	})

	// Provider
	ProviderRequestsTotal = promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
		Name: "provider_requests_total",
		Help: "Upstream provider calls by endpoint.",
	}, []string{"endpoint"})
	ProviderLatency = promauto.With(registry).NewHistogramVec(prometheus.HistogramOpts{
		Name:    "provider_latency_seconds",
		Help:    "Upstream provider call latency.",
		Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10},
	}, []string{"endpoint"})
	ProviderRequestErrors = promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
		Name: "provider_request_errors_total",
		Help: "Upstream provider call errors.",
	}, []string{"endpoint", "error"})
	ProviderQueueFallback = promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
		Name: "provider_queue_fallback_total",
		Help: "Provider queue executions served by the in-memory fallback gate.",
	}, []string{"endpoint"})

	// Batcher
	BatchRequestsTotal = promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
		Name: "batch_requests_total",
		Help: "Caller requests entering the batcher.",
	}, []string{"endpoint"})
	BatchCallsTotal = promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
		Name: "batch_calls_total",
		Help: "Coalesced provider calls issued by the batcher.",
	}, []string{"endpoint"})
	BatchTokensRequested = promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
		Name: "batch_tokens_requested_total",
		Help: "Tokens requested by callers, before deduplication.",
	}, []string{"endpoint"})
	BatchTokensDeduped = promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
		Name: "batch_tokens_deduped_total",
		Help: "Unique tokens sent upstream after deduplication.",
	}, []string{"endpoint"})

	// WebSocket
	WsConnectionsActive = promauto.With(registry).NewGauge(prometheus.GaugeOpts{
		Name: "ws_connections_active",
		Help: "Currently connected WebSocket clients.",
	})
	WsEventsTotal = promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
		Name: "ws_events_total",
		Help: "Inbound WebSocket events by type.",
	}, []string{"event"})
	WsErrorsTotal = promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
		Name: "ws_errors_total",
		Help: "Error frames sent to WebSocket clients by code.",
	}, []string{"code"})
	WsBroadcastsTotal = promauto.With(registry).NewCounter(prometheus.CounterOpts{
		Name: "ws_broadcasts_total",
		Help: "Market data frames delivered to client sockets.",
	})
	WsBackpressureDrops = promauto.With(registry).NewCounter(prometheus.CounterOpts{
		Name: "ws_backpressure_drops_total",
		Help: "Frames skipped because a client outbound buffer was full.",
	})

	// Cache
	CacheHits = promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
		Name: "ltp_cache_hits_total",
		Help: "LTP cache hits by tier.",
	}, []string{"tier"})
	CacheMisses = promauto.With(registry).NewCounter(prometheus.CounterOpts{
		Name: "ltp_cache_misses_total",
		Help: "LTP cache misses across all tiers.",
	})

	// Shared store
	SharedStoreErrors = promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
		Name: "shared_store_errors_total",
		Help: "Redis errors swallowed by fail-open paths.",
	}, []string{"op"})

	// Stream
	TicksReceived = promauto.With(registry).NewCounter(prometheus.CounterOpts{
		Name: "stream_ticks_received_total",
		Help: "Ticks received from the upstream ticker.",
	})
	StreamSubscribed = promauto.With(registry).NewGauge(prometheus.GaugeOpts{
		Name: "stream_subscribed_tokens",
		Help: "Tokens currently subscribed upstream.",
	})
)

func init() {
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
}

// Handler returns the HTTP handler exposing the gateway registry.
func Handler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
