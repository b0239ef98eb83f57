package webhook

import "github.com/prometheus/client_golang/prometheus"

var (
	eventsReceived    = prometheus.NewCounter(prometheus.CounterOpts{Name: "webhook_events_received_total"})
	eventsProcessed   = prometheus.NewCounter(prometheus.CounterOpts{Name: "webhook_events_processed_total"})
	eventsDuplicate   = prometheus.NewCounter(prometheus.CounterOpts{Name: "webhook_events_duplicate_total"})
	eventsFailed      = prometheus.NewCounter(prometheus.CounterOpts{Name: "webhook_events_failed_total"})
	eventsRateLimited = prometheus.NewCounter(prometheus.CounterOpts{Name: "webhook_events_rate_limited_total"})
)

func init() {
	prometheus.MustRegister(eventsReceived, eventsProcessed, eventsDuplicate, eventsFailed, eventsRateLimited)
}
