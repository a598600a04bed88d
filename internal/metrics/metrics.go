// Package metrics holds the process-wide Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Interaction outcomes.
const (
	OutcomeReplied    = "replied"
	OutcomeDenied     = "denied"
	OutcomeApologized = "apologized"
	OutcomeFailed     = "failed"
	OutcomeDuplicate  = "duplicate"
)

// Integrity alert kinds.
const (
	IntegrityNotAdvanced = "not_advanced"
	IntegrityMismatch    = "mismatch"
	IntegrityVerify      = "verify_failed"
)

var (
	// Interactions counts finished pipeline runs by outcome.
	Interactions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "companion_interactions_total",
		Help: "Total processed interactions by outcome",
	}, []string{"outcome"})

	// QuotaDenials counts interactions refused because the free tier is exhausted.
	QuotaDenials = promauto.NewCounter(prometheus.CounterOpts{
		Name: "companion_quota_denials_total",
		Help: "Total interactions refused by the usage quota",
	})

	// QuotaIntegrityAlerts counts counter commits that did not land as expected.
	QuotaIntegrityAlerts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "companion_quota_integrity_alerts_total",
		Help: "Total usage counter integrity alerts by kind",
	}, []string{"kind"})

	// AggregatedMessages tracks how many inbound messages formed one interaction.
	AggregatedMessages = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "companion_aggregated_messages",
		Help:    "Inbound messages combined into one interaction",
		Buckets: []float64{1, 2, 3, 5, 8, 13},
	})

	// DuplicateMessages counts inbound webhook messages dropped as redeliveries.
	DuplicateMessages = promauto.NewCounter(prometheus.CounterOpts{
		Name: "companion_duplicate_messages_total",
		Help: "Inbound messages dropped because their id was already seen",
	})

	// SenderQueuesActive is the number of senders with a running drain loop.
	SenderQueuesActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "companion_sender_queues_active",
		Help: "Senders with an active processing queue",
	})
)
