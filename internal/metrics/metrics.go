// Package metrics exposes Prometheus counters for the chat engine.
package metrics

import (
	"net/http"
	"time"

	"chatpair/backend/internal/models"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder is what the chat engine reports to.
type Recorder interface {
	SearchStarted()
	SearchTimedOut()
	Paired(wait time.Duration)
	SessionStarted()
	SessionEnded(reason models.EndReason, duration time.Duration)
	MessageRelayed()
	RelayFailed()
}

type Collector struct {
	searches       prometheus.Counter
	searchTimeouts prometheus.Counter
	pairs          prometheus.Counter
	pairWait       prometheus.Histogram
	sessionsEnded  *prometheus.CounterVec
	sessionLength  prometheus.Histogram
	activeSessions prometheus.Gauge
	relayed        prometheus.Counter
	relayFailed    prometheus.Counter
}

// NewCollector registers the chat metrics on reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		searches: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatpair_searches_started_total",
			Help: "Searches started.",
		}),
		searchTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatpair_search_timeouts_total",
			Help: "Searches that expired without a partner.",
		}),
		pairs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatpair_pairs_total",
			Help: "Pairs made by the matcher.",
		}),
		pairWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "chatpair_pair_wait_seconds",
			Help:    "Time the waiting partner spent in the queue.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300},
		}),
		sessionsEnded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatpair_sessions_ended_total",
			Help: "Chat sessions ended, by reason.",
		}, []string{"reason"}),
		sessionLength: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "chatpair_session_duration_seconds",
			Help:    "Chat session length.",
			Buckets: []float64{10, 30, 60, 180, 300, 600, 900, 1800},
		}),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chatpair_active_sessions",
			Help: "Chat sessions currently open.",
		}),
		relayed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatpair_messages_relayed_total",
			Help: "Messages delivered to a partner.",
		}),
		relayFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatpair_relay_failures_total",
			Help: "Messages the transport failed to deliver.",
		}),
	}

	reg.MustRegister(
		c.searches,
		c.searchTimeouts,
		c.pairs,
		c.pairWait,
		c.sessionsEnded,
		c.sessionLength,
		c.activeSessions,
		c.relayed,
		c.relayFailed,
	)
	return c
}

func (c *Collector) SearchStarted()  { c.searches.Inc() }
func (c *Collector) SearchTimedOut() { c.searchTimeouts.Inc() }

func (c *Collector) Paired(wait time.Duration) {
	c.pairs.Inc()
	c.pairWait.Observe(wait.Seconds())
}

func (c *Collector) SessionStarted() { c.activeSessions.Inc() }

func (c *Collector) SessionEnded(reason models.EndReason, duration time.Duration) {
	c.sessionsEnded.WithLabelValues(string(reason)).Inc()
	c.activeSessions.Dec()
	c.sessionLength.Observe(duration.Seconds())
}

func (c *Collector) MessageRelayed() { c.relayed.Inc() }
func (c *Collector) RelayFailed()    { c.relayFailed.Inc() }

// Nop discards everything.
type Nop struct{}

func (Nop) SearchStarted()                               {}
func (Nop) SearchTimedOut()                              {}
func (Nop) Paired(time.Duration)                         {}
func (Nop) SessionStarted()                              {}
func (Nop) SessionEnded(models.EndReason, time.Duration) {}
func (Nop) MessageRelayed()                              {}
func (Nop) RelayFailed()                                 {}

// Handler serves the registry for Prometheus scraping.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
