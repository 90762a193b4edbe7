package importer

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	importRecordsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shelfwise_import_records_total",
			Help: "Total number of feed records processed, by disposition",
		},
		[]string{"resource", "disposition"},
	)

	importPagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shelfwise_import_pages_total",
			Help: "Total number of feed pages processed, by outcome",
		},
		[]string{"resource", "outcome"},
	)
)

func recordDisposition(resource string, disposition Disposition) {
	importRecordsTotal.WithLabelValues(
		normalizeMetricLabel(resource, "unknown"),
		disposition.String(),
	).Inc()
}

func recordPageOutcome(resource string, kind OutcomeKind) {
	importPagesTotal.WithLabelValues(
		normalizeMetricLabel(resource, "unknown"),
		kind.String(),
	).Inc()
}

func normalizeMetricLabel(value, fallback string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return fallback
	}
	return trimmed
}
