package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	processedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sniper_messages_processed_total",
		Help: "Messages taken from the raw queue and evaluated.",
	})

	rejectedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sniper_messages_rejected_total",
			Help: "Messages rejected by the filter engine.",
		},
		[]string{"layer", "status"},
	)

	savedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sniper_news_saved_total",
		Help: "Accepted messages stored as new canonical records.",
	})

	duplicatesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sniper_news_duplicates_total",
		Help: "Accepted messages whose content hash already existed.",
	})

	malformedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sniper_messages_malformed_total",
		Help: "Queue payloads dropped because they could not be decoded.",
	})

	fallbackTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sniper_scorer_fallback_total",
		Help: "Messages scored by the fallback scorer.",
	})

	notificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sniper_notifications_total",
			Help: "Rule matches by delivery outcome.",
		},
		[]string{"outcome"},
	)

	failuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sniper_pipeline_failures_total",
			Help: "Per-message failures by stage.",
		},
		[]string{"stage"},
	)
)
