package exporter

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	exportPartsUploadedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shelfwise_export_parts_uploaded_total",
			Help: "Total number of multipart parts flushed to object storage",
		},
		[]string{"session"},
	)

	exportBytesFlushedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shelfwise_export_bytes_flushed_total",
			Help: "Total bytes flushed from export buffers to object storage",
		},
		[]string{"session"},
	)

	exportKeysFinalizedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shelfwise_export_keys_finalized_total",
			Help: "Total number of export objects finalized",
		},
		[]string{"session", "mode"},
	)

	exportAbortsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shelfwise_export_aborts_total",
			Help: "Total number of aborted export upload sessions",
		},
		[]string{"session"},
	)
)

func recordPartUploaded(session string, size int) {
	label := normalizeMetricLabel(session, "unknown")
	exportPartsUploadedTotal.WithLabelValues(label).Inc()
	exportBytesFlushedTotal.WithLabelValues(label).Add(float64(size))
}

func recordKeyFinalized(session, mode string) {
	exportKeysFinalizedTotal.WithLabelValues(
		normalizeMetricLabel(session, "unknown"),
		normalizeMetricLabel(mode, "unknown"),
	).Inc()
}

func recordSessionAborted(session string) {
	exportAbortsTotal.WithLabelValues(normalizeMetricLabel(session, "unknown")).Inc()
}

func normalizeMetricLabel(value, fallback string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return fallback
	}
	return trimmed
}
