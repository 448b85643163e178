package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	Transitions          = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "civicflow_transitions_total", Help: "Committed report status transitions"}, []string{"from", "to"})
	TransitionFailures   = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "civicflow_transition_failures_total", Help: "Rejected or failed transitions by error kind"}, []string{"kind"})
	TransitionDuration   = prometheus.NewHistogram(prometheus.HistogramOpts{Name: "civicflow_transition_duration_seconds", Help: "Time spent executing a transition", Buckets: prometheus.DefBuckets})
	NotificationsQueued  = prometheus.NewCounter(prometheus.CounterOpts{Name: "civicflow_notifications_enqueued_total", Help: "Notifications handed to the notifier"})
	NotificationFailures = prometheus.NewCounter(prometheus.CounterOpts{Name: "civicflow_notification_failures_total", Help: "Notifications the notifier refused"})
	RelayDeliveries      = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "civicflow_relay_deliveries_total", Help: "Webhook deliveries by result"}, []string{"result"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			Transitions,
			TransitionFailures,
			TransitionDuration,
			NotificationsQueued,
			NotificationFailures,
			RelayDeliveries,
		)
	})
	return promhttp.Handler()
}
