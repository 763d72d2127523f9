// Package metrics holds the process-wide Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var ItemsSaved = promauto.NewCounter(prometheus.CounterOpts{
	Name: "happyfeed_items_saved_total",
	Help: "Number of items upserted into the store",
})

var VisibilityChanges = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "happyfeed_visibility_changes_total",
	Help: "Number of stored hidden flags rewritten, by trigger",
}, []string{"reason"})

var PolicyRefresh = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "happyfeed_policy_refresh_total",
	Help: "Number of policy snapshot reloads, by result",
}, []string{"result"})

var ClassifyOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "happyfeed_classify_outcomes_total",
	Help: "Number of classification attempts, by outcome",
}, []string{"outcome"})

var CategorizerDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "happyfeed_categorizer_duration_seconds",
	Help:    "Duration of external categorizer calls",
	Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
}, []string{"provider", "status"})

var ImageFetches = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "happyfeed_image_fetch_total",
	Help: "Number of image downloads for multimodal classification, by result",
}, []string{"result"})

var BlobSync = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "happyfeed_blob_sync_total",
	Help: "Number of remote database mirror operations, by op and result",
}, []string{"op", "result"})

var IngestItems = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "happyfeed_ingest_items_total",
	Help: "Number of items fetched from content sources, by source",
}, []string{"source"})

var Jobs = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "happyfeed_jobs_total",
	Help: "Number of finished background jobs, by type and status",
}, []string{"type", "status"})

var HTTPRequests = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "happyfeed_http_request_duration_seconds",
	Help:    "Duration of API requests, by route pattern and status code",
	Buckets: prometheus.DefBuckets,
}, []string{"method", "route", "status"})
