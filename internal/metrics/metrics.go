package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Sync job metrics
var (
	SyncJobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailmirror_sync_jobs_total",
			Help: "Sync jobs reaching a terminal status",
		},
		[]string{"kind", "status"},
	)

	SyncJobsRunning = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mailmirror_sync_jobs_running",
			Help: "Sync jobs currently holding an account lease",
		},
	)

	MessagesIngested = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mailmirror_sync_messages_ingested_total",
			Help: "Messages upserted into the mirror",
		},
	)

	PageDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "mailmirror_sync_page_duration_seconds",
			Help:    "Wall time to list, fetch and store one page",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
	)

	RemoteRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailmirror_remote_retries_total",
			Help: "Retried remote provider calls",
		},
		[]string{"op"},
	)
)

// Bulk action and event metrics
var (
	BulkMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailmirror_bulk_messages_total",
			Help: "Messages processed by bulk actions",
		},
		[]string{"action", "result"},
	)

	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailmirror_events_published_total",
			Help: "Outbox events handed to the message bus",
		},
		[]string{"result"},
	)
)
