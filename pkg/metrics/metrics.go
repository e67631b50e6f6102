package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Token lookup outcomes.
const (
	TokenHit     = "hit"
	TokenFetched = "fetched"
	TokenError   = "error"
)

var (
	// tokenLookups counts GetToken calls.
	// Labels:
	// - result: "hit", "fetched" or "error"
	tokenLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "graphmailer",
			Subsystem: "token",
			Name:      "lookups_total",
			Help:      "Number of Graph access token lookups by outcome",
		},
		[]string{"result"},
	)

	// deliveries counts sendMail attempts.
	// Labels:
	// - result: "sent" or the error kind
	// - status: HTTP status returned by Graph, "0" when no response was received
	deliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "graphmailer",
			Subsystem: "graph",
			Name:      "deliveries_total",
			Help:      "Number of sendMail attempts by outcome",
		},
		[]string{"result", "status"},
	)

	deliveryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "graphmailer",
			Subsystem: "graph",
			Name:      "delivery_duration_seconds",
			Help:      "Duration of Deliver calls including token acquisition",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"result"},
	)

	// smtpMessages counts messages accepted or rejected by the relay.
	// Labels:
	// - listener: listener name from config
	// - result: "relayed" or "rejected"
	smtpMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "graphmailer",
			Subsystem: "smtp",
			Name:      "messages_total",
			Help:      "Number of messages received over SMTP by outcome",
		},
		[]string{"listener", "result"},
	)
)

func IncTokenLookup(result string) {
	if result == "" {
		result = "unknown"
	}
	tokenLookups.WithLabelValues(result).Inc()
}

// ObserveDelivery records one Deliver call.
func ObserveDelivery(result string, status int, took time.Duration) {
	if result == "" {
		result = "unknown"
	}
	deliveries.WithLabelValues(result, strconv.Itoa(status)).Inc()
	deliveryDuration.WithLabelValues(result).Observe(took.Seconds())
}

func IncSMTPMessage(listener, result string) {
	if listener == "" {
		listener = "unknown"
	}
	if result == "" {
		result = "unknown"
	}
	smtpMessages.WithLabelValues(listener, result).Inc()
}
