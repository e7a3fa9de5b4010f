// Package metrics provides Prometheus metrics for the member filesystem.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Stat cache metrics
	statCacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "qsysfs_stat_cache_lookups_total",
			Help: "Stat cache lookups by outcome",
		},
		[]string{"outcome"}, // hit, miss, negative_hit
	)

	statCacheEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "qsysfs_stat_cache_entries",
			Help: "Number of cached stat entries",
		},
	)

	// Attribute query metrics
	attributeQueries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "qsysfs_attribute_queries_total",
			Help: "Remote attribute queries by result",
		},
		[]string{"result"}, // found, missing, error
	)

	attributeQueryDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "qsysfs_attribute_query_duration_seconds",
			Help:    "Remote attribute query duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Content transfer metrics
	memberDownloads = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "qsysfs_member_downloads_total",
			Help: "Member content downloads by status",
		},
		[]string{"status"},
	)

	memberUploads = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "qsysfs_member_uploads_total",
			Help: "Member content uploads by status",
		},
		[]string{"status"},
	)

	memberBytesDownloaded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "qsysfs_member_bytes_downloaded_total",
			Help: "Total bytes downloaded as member content",
		},
	)

	memberBytesUploaded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "qsysfs_member_bytes_uploaded_total",
			Help: "Total bytes uploaded as member content",
		},
	)

	// Connection metrics
	reconnects = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "qsysfs_reconnects_total",
			Help: "Reconnection attempts by result",
		},
		[]string{"result"}, // success, failure
	)

	// Source-date overlay metrics
	sourceDateDowngrades = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "qsysfs_source_date_downgrades_total",
			Help: "Times source-date support was requested but downgraded",
		},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordStatCacheLookup records one stat cache lookup outcome.
func RecordStatCacheLookup(outcome string) {
	statCacheLookups.WithLabelValues(outcome).Inc()
}

// SetStatCacheEntries sets the current stat cache entry count.
func SetStatCacheEntries(count int) {
	statCacheEntries.Set(float64(count))
}

// RecordAttributeQuery records one remote attribute query.
func RecordAttributeQuery(result string, duration time.Duration) {
	attributeQueries.WithLabelValues(result).Inc()
	attributeQueryDuration.Observe(duration.Seconds())
}

// RecordDownload records a member content download.
func RecordDownload(bytes int64, success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	memberDownloads.WithLabelValues(status).Inc()
	if success {
		memberBytesDownloaded.Add(float64(bytes))
	}
}

// RecordUpload records a member content upload.
func RecordUpload(bytes int64, success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	memberUploads.WithLabelValues(status).Inc()
	if success {
		memberBytesUploaded.Add(float64(bytes))
	}
}

// RecordReconnect records a reconnection attempt.
func RecordReconnect(success bool) {
	result := "success"
	if !success {
		result = "failure"
	}
	reconnects.WithLabelValues(result).Inc()
}

// RecordSourceDateDowngrade records a source-date capability downgrade.
func RecordSourceDateDowngrade() {
	sourceDateDowngrades.Inc()
}
