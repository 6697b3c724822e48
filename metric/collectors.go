package metric

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collectors mirrors metric events into Prometheus.
type Collectors struct {
	registry   *prometheus.Registry
	dispatches *prometheus.CounterVec
	blocked    *prometheus.CounterVec
	recoveries *prometheus.CounterVec
	ticks      prometheus.Counter
	cycleMs    prometheus.Histogram
}

// NewCollectors creates and registers the orchestrator collectors on
// a fresh registry.
func NewCollectors() *Collectors {
	c := &Collectors{
		registry: prometheus.NewRegistry(),
		dispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "taskplane",
			Subsystem: "dispatch",
			Name:      "events_total",
			Help:      "Dispatch outcomes by decision.",
		}, []string{"decision"}),
		blocked: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "taskplane",
			Subsystem: "dispatch",
			Name:      "blocked_total",
			Help:      "Blocked dispatches by reason code.",
		}, []string{"reason_code"}),
		recoveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "taskplane",
			Subsystem: "recovery",
			Name:      "events_total",
			Help:      "Recovery outcomes.",
		}, []string{"outcome"}),
		ticks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "taskplane",
			Subsystem: "scheduler",
			Name:      "ticks_total",
			Help:      "Scheduler tick count.",
		}),
		cycleMs: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "taskplane",
			Subsystem: "dispatch",
			Name:      "cycle_ms",
			Help:      "Dispatch cycle duration in milliseconds.",
			Buckets:   prometheus.ExponentialBuckets(50, 2, 12),
		}),
	}
	c.registry.MustRegister(c.dispatches, c.blocked, c.recoveries, c.ticks, c.cycleMs)
	return c
}

// Handler serves the registry in Prometheus exposition format.
func (c *Collectors) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

func (c *Collectors) observe(event Event) {
	switch event.Event {
	case EventDispatchDone:
		c.dispatches.WithLabelValues("done").Inc()
		c.cycleMs.Observe(float64(event.CycleMs))
	case EventDispatchBlocked:
		c.dispatches.WithLabelValues("blocked").Inc()
		c.cycleMs.Observe(float64(event.CycleMs))
		if event.ReasonCode != "" {
			c.blocked.WithLabelValues(event.ReasonCode).Inc()
		}
	case EventRecoveryScheduled:
		c.recoveries.WithLabelValues("scheduled").Inc()
	case EventRecoveryEscalated:
		c.recoveries.WithLabelValues("escalated").Inc()
	case EventSchedulerTick:
		c.ticks.Inc()
	}
}
