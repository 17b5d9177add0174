// Package metrics exposes the service's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SessionsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "rppg",
		Name:      "sessions_created_total",
		Help:      "Total sessions created via SessionRegistry.Create.",
	})

	SessionsAttached = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "rppg",
		Name:      "sessions_attached_total",
		Help:      "Total stream attaches that found a live session.",
	})

	ChunksIngested = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "rppg",
		Name:      "chunks_ingested_total",
		Help:      "Total chunks that passed the guardrail evaluator.",
	})

	GuardrailRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "rppg",
		Name:      "guardrail_rejections_total",
		Help:      "Total chunks rejected by the guardrail evaluator, by error kind.",
	}, []string{"kind"})

	FinalizeLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "rppg",
		Name:      "finalize_duration_seconds",
		Help:      "Wall-clock latency of finalizer invocations, mock and real.",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms .. ~20s, straddling the 10s hard timeout
	})

	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "rppg",
		Name:      "active_sessions",
		Help:      "Current number of tracked sessions in the registry.",
	})
)
