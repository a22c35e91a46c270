// Package metrics exposes bridge counters in the Prometheus format.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "mailbridge"

const (
	ResultOK     = "ok"
	ResultFailed = "failed"
)

type metrics struct {
	deliveries    *prometheus.CounterVec
	archives      *prometheus.CounterVec
	mails         *prometheus.CounterVec
	subscriptions *prometheus.CounterVec
	steps         *prometheus.CounterVec
	stepLatency   *prometheus.HistogramVec
	panics        *prometheus.CounterVec
	droppedEvents *prometheus.CounterVec
}

var metricsSingleton = sync.OnceValue(func() *metrics {
	return &metrics{
		deliveries: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_total",
			Help:      "Broadcast calls per dispatcher, channel, content kind and result.",
		}, []string{"dispatcher", "channel", "kind", "result"}),
		archives: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "archive_fallbacks_total",
			Help:      "Times a channel fell back to the attachment archive.",
		}, []string{"dispatcher", "channel"}),
		mails: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inbound_mails_total",
			Help:      "Inbound mails per dispatcher and disposition.",
		}, []string{"dispatcher", "disposition"}),
		subscriptions: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "subscription_changes_total",
			Help:      "Subscriber list changes per dispatcher, channel and action.",
		}, []string{"dispatcher", "channel", "action"}),
		steps: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cycle_steps_total",
			Help:      "Poll cycle step runs per step and result.",
		}, []string{"step", "result"}),
		stepLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cycle_step_duration_seconds",
			Help:      "Duration of poll cycle steps.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"step"}),
		panics: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recovered_panics_total",
			Help:      "Panics recovered at isolation boundaries.",
		}, []string{"scope"}),
		droppedEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dropped_events_total",
			Help:      "Bus events skipped because a subscriber buffer was full.",
		}, []string{"type"}),
	}
})

func result(ok bool) string {
	if ok {
		return ResultOK
	}
	return ResultFailed
}

func RecordDelivery(dispatcher string, channel string, kind string, ok bool) {
	metricsSingleton().deliveries.WithLabelValues(dispatcher, channel, kind, result(ok)).Inc()
}

func RecordArchiveFallback(dispatcher string, channel string) {
	metricsSingleton().archives.WithLabelValues(dispatcher, channel).Inc()
}

func RecordMail(dispatcher string, disposition string) {
	metricsSingleton().mails.WithLabelValues(dispatcher, disposition).Inc()
}

func RecordSubscription(dispatcher string, channel string, action string) {
	metricsSingleton().subscriptions.WithLabelValues(dispatcher, channel, action).Inc()
}

func RecordStep(step string, ok bool, elapsed time.Duration) {
	m := metricsSingleton()
	m.steps.WithLabelValues(step, result(ok)).Inc()
	m.stepLatency.WithLabelValues(step).Observe(elapsed.Seconds())
}

func RecordPanic(scope string) {
	metricsSingleton().panics.WithLabelValues(scope).Inc()
}

func RecordDroppedEvent(eventType string) {
	metricsSingleton().droppedEvents.WithLabelValues(eventType).Inc()
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
