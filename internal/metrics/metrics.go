// Package metrics exposes Prometheus counters/gauges for the bridge plus a
// JSON snapshot endpoint mirroring the original ServerMetrics.to_dict()
// shape (uptime, per-source counts, success rate) for operators who don't
// run a Prometheus scraper.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every Prometheus instrument the bridge records against, plus
// the plain counters the JSON snapshot endpoint reads without touching the
// Prometheus registry.
type Metrics struct {
	ConnectionsTotal *prometheus.CounterVec
	EventsReceived   *prometheus.CounterVec
	EventsSent       *prometheus.CounterVec
	EventsFailed     *prometheus.CounterVec
	EventsPending    prometheus.Gauge
	RetryAttempts    *prometheus.CounterVec
	DispatchDuration *prometheus.HistogramVec

	startTime time.Time

	mu             sync.Mutex
	lastEventTime  time.Time
	connectionsTot int64
	received       map[string]int64 // source -> count
	ok             int64
	failed         int64
	retriedOK      int64
	retriedFail    int64
}

// New constructs and registers the bridge's metrics.
func New() *Metrics {
	return &Metrics{
		ConnectionsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bridge_connections_total",
				Help: "Total inbound connections accepted, by source.",
			},
			[]string{"source"},
		),
		EventsReceived: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bridge_events_received_total",
				Help: "Total normalized events produced, by source.",
			},
			[]string{"source"},
		),
		EventsSent: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bridge_events_sent_total",
				Help: "Total events delivered upstream with a 2xx, by tenant.",
			},
			[]string{"tenant"},
		),
		EventsFailed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bridge_events_failed_total",
				Help: "Total events that exhausted retries without a 2xx, by tenant.",
			},
			[]string{"tenant"},
		),
		EventsPending: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "bridge_events_pending",
				Help: "Current count of events resting in the durable pending store.",
			},
		),
		RetryAttempts: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bridge_retry_attempts_total",
				Help: "Total retry-loop replay attempts, by outcome (ok, fail).",
			},
			[]string{"outcome"},
		),
		DispatchDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "bridge_dispatch_duration_seconds",
				Help:    "Duration of upstream dispatch attempts.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"tenant"},
		),
		startTime: time.Now(),
		received:  make(map[string]int64),
	}
}

// RecordConnection increments the connection counter for source.
func (m *Metrics) RecordConnection(source string) {
	m.ConnectionsTotal.WithLabelValues(source).Inc()
	m.mu.Lock()
	m.connectionsTot++
	m.mu.Unlock()
}

// RecordEventReceived marks one normalized event produced from source.
func (m *Metrics) RecordEventReceived(source string) {
	m.EventsReceived.WithLabelValues(source).Inc()
	now := time.Now()
	m.mu.Lock()
	m.received[source]++
	m.lastEventTime = now
	m.mu.Unlock()
}

// RecordDispatchOutcome records a dispatch attempt's outcome and duration.
func (m *Metrics) RecordDispatchOutcome(tenant string, ok bool, duration time.Duration) {
	m.DispatchDuration.WithLabelValues(tenant).Observe(duration.Seconds())
	m.mu.Lock()
	defer m.mu.Unlock()
	if ok {
		m.EventsSent.WithLabelValues(tenant).Inc()
		m.ok++
	} else {
		m.EventsFailed.WithLabelValues(tenant).Inc()
		m.failed++
	}
}

// RecordRetryOutcome records one retry-loop replay attempt.
func (m *Metrics) RecordRetryOutcome(ok bool) {
	outcome := "fail"
	if ok {
		outcome = "ok"
	}
	m.RetryAttempts.WithLabelValues(outcome).Inc()

	m.mu.Lock()
	defer m.mu.Unlock()
	if ok {
		m.retriedOK++
	} else {
		m.retriedFail++
	}
}

// SetPending updates the pending-store gauge.
func (m *Metrics) SetPending(count int) {
	m.EventsPending.Set(float64(count))
}

// Snapshot is the JSON shape returned by the health endpoint, mirroring the
// original ServerMetrics.to_dict().
type Snapshot struct {
	StartTime     string         `json:"start_time"`
	UptimeSeconds int64          `json:"uptime_seconds"`
	Connections   int64          `json:"connections_total"`
	Events        EventsSnapshot `json:"events"`
	LastEventTime *string        `json:"last_event_time"`
}

// EventsSnapshot is the "events" sub-object of Snapshot.
type EventsSnapshot struct {
	ReceivedBySource   map[string]int64 `json:"received_by_source"`
	OK                 int64            `json:"ok"`
	Failed             int64            `json:"failed"`
	RetriesOK          int64            `json:"retries_ok"`
	RetriesFailed      int64            `json:"retries_failed"`
	SuccessRatePercent float64          `json:"success_rate_percent"`
}

// Snapshot returns the current counters as a JSON-serializable struct.
func (m *Metrics) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	var total int64
	receivedCopy := make(map[string]int64, len(m.received))
	for k, v := range m.received {
		receivedCopy[k] = v
		total += v
	}

	successRate := 0.0
	if total > 0 {
		successRate = round2(float64(m.ok) / float64(total) * 100.0)
	}

	var lastEvent *string
	if !m.lastEventTime.IsZero() {
		s := m.lastEventTime.Format(time.RFC3339)
		lastEvent = &s
	}

	return Snapshot{
		StartTime:     m.startTime.Format(time.RFC3339),
		UptimeSeconds: int64(time.Since(m.startTime).Seconds()),
		Connections:   m.connectionsTot,
		Events: EventsSnapshot{
			ReceivedBySource:   receivedCopy,
			OK:                 m.ok,
			Failed:             m.failed,
			RetriesOK:          m.retriedOK,
			RetriesFailed:      m.retriedFail,
			SuccessRatePercent: successRate,
		},
		LastEventTime: lastEvent,
	}
}

func round2(v float64) float64 {
	return float64(int64(v*100+0.5)) / 100
}
