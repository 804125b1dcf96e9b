// Package metrics provides Prometheus metrics for the ScanVault core.
//
// Every Record/Set method is safe to call on a nil *Metrics, so components
// can be built without metrics in tests and on mobile.
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "scanvault"

// Metrics holds the registered collectors.
type Metrics struct {
	ValidationCounter *prometheus.CounterVec
	SyncCounter       *prometheus.CounterVec
	SyncDuration      *prometheus.HistogramVec
	SyncItems         *prometheus.CounterVec
	DownloadCounter   *prometheus.CounterVec
	CacheBytes        *prometheus.GaugeVec
	CacheItems        *prometheus.GaugeVec
	EvictionCounter   *prometheus.CounterVec
}

// NewPrometheusMetrics creates the collectors and registers them on reg.
func NewPrometheusMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		ValidationCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "validations_total",
			Help:      "Scan code validations by method and result.",
		}, []string{"method", "result"}),
		SyncCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_passes_total",
			Help:      "Completed sync passes by trigger and outcome.",
		}, []string{"trigger", "outcome"}),
		SyncDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sync_duration_seconds",
			Help:      "Duration of sync passes by trigger.",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600},
		}, []string{"trigger"}),
		SyncItems: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_items_total",
			Help:      "Templates processed by sync passes by final state.",
		}, []string{"state"}),
		DownloadCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "asset_downloads_total",
			Help:      "Asset fetch attempts by loader strategy and result.",
		}, []string{"strategy", "result"}),
		CacheBytes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cache_size_bytes",
			Help:      "Bytes held by the content cache by kind.",
		}, []string{"kind"}),
		CacheItems: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cache_items",
			Help:      "Entries held by the content cache by kind.",
		}, []string{"kind"}),
		EvictionCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_evictions_total",
			Help:      "Cache entries evicted by kind.",
		}, []string{"kind"}),
	}

	for _, c := range []prometheus.Collector{
		m.ValidationCounter, m.SyncCounter, m.SyncDuration, m.SyncItems,
		m.DownloadCounter, m.CacheBytes, m.CacheItems, m.EvictionCounter,
	} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register metric: %w", err)
		}
	}
	return m, nil
}

// RecordValidation counts one validation.
func (m *Metrics) RecordValidation(method, result string) {
	if m == nil {
		return
	}
	m.ValidationCounter.WithLabelValues(method, result).Inc()
}

// RecordSync counts a completed pass and observes its duration.
func (m *Metrics) RecordSync(trigger, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.SyncCounter.WithLabelValues(trigger, outcome).Inc()
	m.SyncDuration.WithLabelValues(trigger).Observe(d.Seconds())
}

// RecordSyncItem counts one template reaching a final state.
func (m *Metrics) RecordSyncItem(state string) {
	if m == nil {
		return
	}
	m.SyncItems.WithLabelValues(state).Inc()
}

// RecordDownload counts one loader strategy attempt.
func (m *Metrics) RecordDownload(strategy, result string) {
	if m == nil {
		return
	}
	m.DownloadCounter.WithLabelValues(strategy, result).Inc()
}

// SetCacheUsage publishes current cache usage for kind.
func (m *Metrics) SetCacheUsage(kind string, items int, bytes int64) {
	if m == nil {
		return
	}
	m.CacheItems.WithLabelValues(kind).Set(float64(items))
	m.CacheBytes.WithLabelValues(kind).Set(float64(bytes))
}

// RecordEviction counts one evicted entry.
func (m *Metrics) RecordEviction(kind string) {
	if m == nil {
		return
	}
	m.EvictionCounter.WithLabelValues(kind).Inc()
}
