// SPDX-License-Identifier: MIT

// Package metrics holds the Prometheus collectors shared by the workers.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	IterationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "webtape",
		Name:      "worker_iterations_total",
		Help:      "Worker iterations by worker and outcome.",
	}, []string{"worker", "outcome"})

	SnapshotsDiscovered = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "webtape",
		Name:      "snapshots_discovered_total",
		Help:      "Child snapshots inserted by the scout.",
	})

	CapturesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "webtape",
		Name:      "captures_total",
		Help:      "Recording attempts by outcome (recorded, aborted, redirected).",
	}, []string{"outcome"})

	CaptureDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "webtape",
		Name:      "capture_duration_seconds",
		Help:      "Wall time of one full recorder iteration.",
		Buckets:   prometheus.ExponentialBuckets(10, 2, 8),
	})

	PublishesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "webtape",
		Name:      "publishes_total",
		Help:      "Publishing attempts by backend and outcome.",
	}, []string{"backend", "outcome"})

	ArchiveRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "webtape",
		Name:      "archive_requests_total",
		Help:      "Outbound archive requests by kind (archive, cdx, save).",
	}, []string{"kind"})

	ProxyResponses = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "webtape",
		Name:      "proxy_responses_total",
		Help:      "Proxy-observed responses by status class and mark.",
	}, []string{"class", "mark"})

	SavedURLsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "webtape",
		Name:      "saved_urls_total",
		Help:      "Missing-asset save submissions by outcome.",
	}, []string{"outcome"})
)

// Handler serves the default registry for the run-mode status listener.
func Handler() http.Handler {
	return promhttp.Handler()
}
