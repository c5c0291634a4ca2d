package app

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	suggestionTransitionsCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "outreach",
			Name:      "suggestion_transitions_total",
			Help:      "Total suggestion state transitions.",
		},
		[]string{"to_state", "result"}, // result: "ok", "conflict", "invalid"
	)

	jobsFiredCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "outreach",
			Name:      "jobs_fired_total",
			Help:      "Total scheduled jobs claimed by the scheduler.",
		},
		[]string{"result"}, // "claimed", "lost_claim"
	)

	jobsCanceledCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "outreach",
			Name:      "jobs_canceled_total",
			Help:      "Total cancel requests by the status the job ended in.",
		},
		[]string{"final_status"},
	)

	sendsCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "outreach",
			Name:      "sends_total",
			Help:      "Total send pipeline outcomes.",
		},
		[]string{"outcome"}, // "sent", "deduplicated", "retry", "needs_review", "aborted"
	)

	sendDurationHist = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "outreach",
			Name:      "provider_send_duration_seconds",
			Help:      "Duration of provider send calls.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"account"},
	)

	ingestedEventsCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "outreach",
			Name:      "ingested_events_total",
			Help:      "Total messages processed by the ingestion correlator.",
		},
		[]string{"account", "result"}, // "recorded", "duplicate", "unknown_contact"
	)

	ingestFetchErrorsCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "outreach",
			Name:      "ingest_fetch_errors_total",
			Help:      "Total failed provider fetches.",
		},
		[]string{"account"},
	)

	approvalsCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "outreach",
			Name:      "batch_approval_items_total",
			Help:      "Total batch approval items by result.",
		},
		[]string{"result"}, // "scheduled", "failed"
	)
)
