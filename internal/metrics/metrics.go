// Package metrics provides Prometheus metrics for storage nodes.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry is the Prometheus registry for all node metrics.
var Registry = prometheus.NewRegistry()

// NodeMetrics holds all Prometheus metrics for a storage node.
// A nil *NodeMetrics is valid and records nothing.
type NodeMetrics struct {
	// Coordinator operations
	OperationsTotal   *prometheus.CounterVec   // avstore_operations_total{operation,result}
	OperationDuration *prometheus.HistogramVec // avstore_operation_duration_seconds{operation}
	Rollbacks         prometheus.Counter

	// Peer protocol traffic
	MessagesSent     *prometheus.CounterVec // avstore_messages_sent_total{command}
	MessagesReceived *prometheus.CounterVec // avstore_messages_received_total{command,kind}
	HandlerErrors    prometheus.Counter
	RateLimited      prometheus.Counter

	// Cluster lock
	LockAcquisitions *prometheus.CounterVec // avstore_lock_acquisitions_total{result}
	HeldLocks        prometheus.Gauge

	// Membership
	Neighbors       prometheus.Gauge
	TopologyChanges prometheus.Counter

	// Correlator
	PendingRequests prometheus.Gauge
}

func init() {
	// Register standard Go metrics
	Registry.MustRegister(collectors.NewGoCollector())
	Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
}

// InitMetrics registers node metrics with the package Registry.
// It must be called at most once per node id per process.
func InitMetrics(nodeID string) *NodeMetrics {
	return NewNodeMetrics(Registry, nodeID)
}

// NewNodeMetrics registers node metrics with reg, labelled by node id.
func NewNodeMetrics(reg prometheus.Registerer, nodeID string) *NodeMetrics {
	constLabels := prometheus.Labels{
		"node": nodeID,
	}
	factory := promauto.With(reg)

	return &NodeMetrics{
		OperationsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name:        "avstore_operations_total",
			Help:        "Replicated file operations by operation and result",
			ConstLabels: constLabels,
		}, []string{"operation", "result"}),
		OperationDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:        "avstore_operation_duration_seconds",
			Help:        "Replicated file operation duration in seconds",
			Buckets:     prometheus.DefBuckets,
			ConstLabels: constLabels,
		}, []string{"operation"}),
		Rollbacks: factory.NewCounter(prometheus.CounterOpts{
			Name:        "avstore_rollbacks_total",
			Help:        "Saves rolled back after missing the replication quorum",
			ConstLabels: constLabels,
		}),
		MessagesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Name:        "avstore_messages_sent_total",
			Help:        "Peer protocol messages sent by command",
			ConstLabels: constLabels,
		}, []string{"command"}),
		MessagesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Name:        "avstore_messages_received_total",
			Help:        "Peer protocol messages received by command and kind (request or reply)",
			ConstLabels: constLabels,
		}, []string{"command", "kind"}),
		HandlerErrors: factory.NewCounter(prometheus.CounterOpts{
			Name:        "avstore_handler_errors_total",
			Help:        "Inbound requests answered with FAILED",
			ConstLabels: constLabels,
		}),
		RateLimited: factory.NewCounter(prometheus.CounterOpts{
			Name:        "avstore_rate_limited_total",
			Help:        "Inbound requests rejected by the rate limiter",
			ConstLabels: constLabels,
		}),
		LockAcquisitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name:        "avstore_lock_acquisitions_total",
			Help:        "Cluster lock acquisition attempts by result",
			ConstLabels: constLabels,
		}, []string{"result"}),
		HeldLocks: factory.NewGauge(prometheus.GaugeOpts{
			Name:        "avstore_held_locks",
			Help:        "Lock table entries currently held on this node",
			ConstLabels: constLabels,
		}),
		Neighbors: factory.NewGauge(prometheus.GaugeOpts{
			Name:        "avstore_neighbors",
			Help:        "Neighbors found by the last discovery cycle",
			ConstLabels: constLabels,
		}),
		TopologyChanges: factory.NewCounter(prometheus.CounterOpts{
			Name:        "avstore_topology_changes_total",
			Help:        "Discovery cycles whose neighbor set differed from the previous one",
			ConstLabels: constLabels,
		}),
		PendingRequests: factory.NewGauge(prometheus.GaugeOpts{
			Name:        "avstore_pending_requests",
			Help:        "Correlation ids currently tracked by the response correlator",
			ConstLabels: constLabels,
		}),
	}
}

// ObserveOperation records one coordinator operation.
func (m *NodeMetrics) ObserveOperation(operation, result string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.OperationsTotal.WithLabelValues(operation, result).Inc()
	m.OperationDuration.WithLabelValues(operation).Observe(elapsed.Seconds())
}

// MessageSent counts an outgoing envelope.
func (m *NodeMetrics) MessageSent(command string) {
	if m == nil {
		return
	}
	m.MessagesSent.WithLabelValues(command).Inc()
}

// MessageReceived counts an inbound envelope.
func (m *NodeMetrics) MessageReceived(command string, reply bool) {
	if m == nil {
		return
	}
	kind := "request"
	if reply {
		kind = "reply"
	}
	m.MessagesReceived.WithLabelValues(command, kind).Inc()
}

// HandlerError counts a request answered with FAILED.
func (m *NodeMetrics) HandlerError() {
	if m == nil {
		return
	}
	m.HandlerErrors.Inc()
}

// RateLimit counts a request rejected by the rate limiter.
func (m *NodeMetrics) RateLimit() {
	if m == nil {
		return
	}
	m.RateLimited.Inc()
}

// Rollback counts a save rolled back after a quorum shortfall.
func (m *NodeMetrics) Rollback() {
	if m == nil {
		return
	}
	m.Rollbacks.Inc()
}

// LockAttempt counts a cluster lock acquisition by result.
func (m *NodeMetrics) LockAttempt(granted bool) {
	if m == nil {
		return
	}
	result := "denied"
	if granted {
		result = "granted"
	}
	m.LockAcquisitions.WithLabelValues(result).Inc()
}

// TopologyChanged counts a membership change and records the new size.
func (m *NodeMetrics) TopologyChanged(neighbors int) {
	if m == nil {
		return
	}
	m.TopologyChanges.Inc()
	m.Neighbors.Set(float64(neighbors))
}
