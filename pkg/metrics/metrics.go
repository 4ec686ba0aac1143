package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Ingest metrics
var (
	IngestDecisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quail_ingest_decisions_total",
			Help: "Total number of ingest decisions by final status",
		},
		[]string{"status"},
	)

	IngestRuleHitsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quail_ingest_rule_hits_total",
			Help: "Total number of address rule matches",
		},
		[]string{"rule_type", "match_field"},
	)

	IngestRejectedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quail_ingest_rejected_total",
			Help: "Total number of messages rejected before classification",
		},
		[]string{"reason"},
	)

	IngestAttachmentsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quail_ingest_attachments_total",
			Help: "Total number of attachments seen at ingest",
		},
		[]string{"result"},
	)

	ClassifyDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "quail_classify_duration_seconds",
			Help:    "Duration of message classification in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0},
		},
	)
)

// Purge metrics
var (
	PurgedMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quail_purged_messages_total",
			Help: "Total number of message rows removed by the purge engine",
		},
		[]string{"sweep"},
	)

	PurgedFilesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quail_purged_files_total",
			Help: "Total number of on-disk artifacts removed by the purge engine",
		},
		[]string{"kind"},
	)

	PurgeRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quail_purge_runs_total",
			Help: "Total number of purge runs",
		},
		[]string{"result"},
	)
)

// LMTP metrics
var (
	LMTPSessionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "quail_lmtp_sessions_total",
			Help: "Total number of LMTP sessions accepted",
		},
	)

	LMTPDeliveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quail_lmtp_deliveries_total",
			Help: "Total number of LMTP deliveries by result",
		},
		[]string{"result"},
	)
)
