// Package metrics provides Prometheus metrics for meshsync nodes.
package metrics

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the Prometheus registry for all meshsync metrics.
var Registry = prometheus.NewRegistry()

func init() {
	Registry.MustRegister(collectors.NewGoCollector())
	Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
}

// Barrier outcomes.
const (
	OutcomeResolved  = "resolved"
	OutcomeFailed    = "failed"
	OutcomeTimeout   = "timeout"
	OutcomeCancelled = "cancelled"
)

// Metrics holds all Prometheus metrics for one node. A nil *Metrics is valid
// and records nothing, which keeps tests free of registry setup.
type Metrics struct {
	BarrierOutcomes *prometheus.CounterVec   // labels: topic, outcome
	BarrierWait     *prometheus.HistogramVec // labels: topic
	MemberLeaves    prometheus.Counter

	LockAcquired  prometheus.Counter
	LockContended prometheus.Counter
	LockFailed    prometheus.Counter
	LocksHeld     prometheus.Gauge

	StagesOpen       prometheus.Gauge
	BytesReceived    prometheus.Counter
	StoresCommitted  prometheus.Counter
	StagesCancelled  prometheus.Counter
	InboundFailures  *prometheus.CounterVec // labels: topic
	InboundRequests  *prometheus.CounterVec // labels: topic
	TriggerScheduled *prometheus.CounterVec // labels: kind
	TriggerRetries   prometheus.Counter
	TriggerOutcomes  *prometheus.CounterVec // labels: outcome
	BytesSent        prometheus.Counter
}

// InitMetrics initializes all metrics with the given node name as a constant
// label. Calling it again for the same node returns collectors bound to the
// already registered series, so a node can be rebuilt within one process.
func InitMetrics(nodeName string) *Metrics {
	constLabels := prometheus.Labels{
		"node": nodeName,
	}
	return &Metrics{
		BarrierOutcomes: register(prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "meshsync_barrier_outcomes_total",
			Help:        "Cluster response barriers by request topic and outcome",
			ConstLabels: constLabels,
		}, []string{"topic", "outcome"})),
		BarrierWait: register(prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:        "meshsync_barrier_wait_seconds",
			Help:        "Time spent waiting for all members to acknowledge a request",
			ConstLabels: constLabels,
			Buckets:     prometheus.ExponentialBuckets(0.001, 4, 10),
		}, []string{"topic"})),
		MemberLeaves: register(prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "meshsync_member_leaves_total",
			Help:        "Members that left the cluster",
			ConstLabels: constLabels,
		})),
		LockAcquired: register(prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "meshsync_locks_acquired_total",
			Help:        "Cluster path locks acquired",
			ConstLabels: constLabels,
		})),
		LockContended: register(prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "meshsync_locks_contended_total",
			Help:        "Cluster path lock attempts that timed out on the distributed mutex",
			ConstLabels: constLabels,
		})),
		LockFailed: register(prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "meshsync_locks_failed_total",
			Help:        "Cluster path lock attempts that failed and were rolled back",
			ConstLabels: constLabels,
		})),
		LocksHeld: register(prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "meshsync_locks_held",
			Help:        "Cluster path locks currently held by this node",
			ConstLabels: constLabels,
		})),
		StagesOpen: register(prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "meshsync_stages_open",
			Help:        "Inbound transfers currently staged on this node",
			ConstLabels: constLabels,
		})),
		BytesReceived: register(prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "meshsync_bytes_received_total",
			Help:        "Replicated bytes written to staging files",
			ConstLabels: constLabels,
		})),
		StoresCommitted: register(prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "meshsync_stores_committed_total",
			Help:        "Staged transfers committed to their destination",
			ConstLabels: constLabels,
		})),
		StagesCancelled: register(prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "meshsync_stages_cancelled_total",
			Help:        "Staged transfers dropped because the sending member left",
			ConstLabels: constLabels,
		})),
		InboundFailures: register(prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "meshsync_inbound_failures_total",
			Help:        "Inbound requests answered with a failure",
			ConstLabels: constLabels,
		}, []string{"topic"})),
		InboundRequests: register(prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "meshsync_inbound_requests_total",
			Help:        "Inbound requests handled",
			ConstLabels: constLabels,
		}, []string{"topic"})),
		TriggerScheduled: register(prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "meshsync_trigger_scheduled_total",
			Help:        "Replication tasks scheduled by change kind",
			ConstLabels: constLabels,
		}, []string{"kind"})),
		TriggerRetries: register(prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "meshsync_trigger_retries_total",
			Help:        "Replication tasks rescheduled because the path lock was busy",
			ConstLabels: constLabels,
		})),
		TriggerOutcomes: register(prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "meshsync_trigger_outcomes_total",
			Help:        "Replication task results",
			ConstLabels: constLabels,
		}, []string{"outcome"})),
		BytesSent: register(prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "meshsync_bytes_sent_total",
			Help:        "File bytes streamed to the cluster",
			ConstLabels: constLabels,
		})),
	}
}

// register adds c to Registry, or returns the collector already registered
// under the same descriptor.
func register[T prometheus.Collector](c T) T {
	if err := Registry.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing
			}
		}
		panic(err)
	}
	return c
}

// Handler returns the HTTP handler serving the registry.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// ObserveBarrier records one finished barrier.
func (m *Metrics) ObserveBarrier(topic, outcome string, waited time.Duration) {
	if m == nil {
		return
	}
	m.BarrierOutcomes.WithLabelValues(topic, outcome).Inc()
	m.BarrierWait.WithLabelValues(topic).Observe(waited.Seconds())
}

// MemberLeft records a member departure.
func (m *Metrics) MemberLeft() {
	if m == nil {
		return
	}
	m.MemberLeaves.Inc()
}

// Lock results.
const (
	LockResultAcquired  = "acquired"
	LockResultContended = "contended"
	LockResultFailed    = "failed"
)

// ObserveLock records the result of one cluster lock attempt.
func (m *Metrics) ObserveLock(result string) {
	if m == nil {
		return
	}
	switch result {
	case LockResultAcquired:
		m.LockAcquired.Inc()
		m.LocksHeld.Inc()
	case LockResultContended:
		m.LockContended.Inc()
	default:
		m.LockFailed.Inc()
	}
}

// LockReleased records the release of a held cluster lock.
func (m *Metrics) LockReleased() {
	if m == nil {
		return
	}
	m.LocksHeld.Dec()
}

// StageOpened records a new inbound staging entry.
func (m *Metrics) StageOpened() {
	if m == nil {
		return
	}
	m.StagesOpen.Inc()
}

// StageClosed records the removal of n staging entries.
func (m *Metrics) StageClosed(n int) {
	if m == nil {
		return
	}
	m.StagesOpen.Sub(float64(n))
}

// BytesStaged records n bytes written to a staging file.
func (m *Metrics) BytesStaged(n int) {
	if m == nil {
		return
	}
	m.BytesReceived.Add(float64(n))
}

// StoreCommitted records a committed transfer.
func (m *Metrics) StoreCommitted() {
	if m == nil {
		return
	}
	m.StoresCommitted.Inc()
}

// StagesDropped records n stages dropped after their sender left.
func (m *Metrics) StagesDropped(n int) {
	if m == nil {
		return
	}
	m.StagesCancelled.Add(float64(n))
}

// InboundHandled records one handled inbound request.
func (m *Metrics) InboundHandled(topic string, failed bool) {
	if m == nil {
		return
	}
	m.InboundRequests.WithLabelValues(topic).Inc()
	if failed {
		m.InboundFailures.WithLabelValues(topic).Inc()
	}
}

// TaskScheduled records a replication task scheduled for a change kind.
func (m *Metrics) TaskScheduled(kind string) {
	if m == nil {
		return
	}
	m.TriggerScheduled.WithLabelValues(kind).Inc()
}

// TaskRetried records a task rescheduled on lock contention.
func (m *Metrics) TaskRetried() {
	if m == nil {
		return
	}
	m.TriggerRetries.Inc()
}

// TaskFinished records the final outcome of a replication task.
func (m *Metrics) TaskFinished(outcome string) {
	if m == nil {
		return
	}
	m.TriggerOutcomes.WithLabelValues(outcome).Inc()
}

// FileBytesSent records n file bytes streamed to the cluster.
func (m *Metrics) FileBytesSent(n int) {
	if m == nil {
		return
	}
	m.BytesSent.Add(float64(n))
}
