package bus

import (
	"sync"
	"sync/atomic"

	dto "github.com/prometheus/client_model/go"

	"github.com/prometheus/client_golang/prometheus"
)

// topicMetrics is the set of counters, gauges and the latency histogram for
// one topic. Counters and gauges are plain atomics — a monotonic counter or
// a last-value gauge is a primitive, not a "concern" a library owns — while
// the latency histogram uses prometheus/client_golang, whose bucketed
// aggregation a hand-rolled version would only reimplement worse.
type topicMetrics struct {
	name     string
	registry *MetricsRegistry

	published      atomic.Uint64
	delivered      atomic.Uint64
	dropped        atomic.Uint64
	deliveryFailed atomic.Uint64
	queueDepth     atomic.Int64
	subscribers    atomic.Int64

	latency prometheus.Histogram
}

func (m *topicMetrics) incPublished() {
	m.published.Add(1)
	m.registry.recordPublished()
}
func (m *topicMetrics) incDelivered(n int) {
	m.delivered.Add(uint64(n))
	m.registry.recordDelivered(n)
}
func (m *topicMetrics) incDropped(n int) {
	m.dropped.Add(uint64(n))
	m.registry.recordDropped(n)
}

// incDeliveryFailed counts messages a batch failed to reach a subscriber
// because that subscriber's send errored or missed its deadline — distinct
// from incDropped, which is scoped to §4.6's full-queue policy (a publish
// that never made it into the ingress queue at all).
func (m *topicMetrics) incDeliveryFailed(n int) {
	m.deliveryFailed.Add(uint64(n))
	m.registry.recordDeliveryFailed(n)
}
func (m *topicMetrics) setQueueDepth(n int)      { m.queueDepth.Store(int64(n)) }
func (m *topicMetrics) setSubscriberCount(n int) { m.subscribers.Store(int64(n)) }

// observeLatency samples publish-to-flush-start latency for every message in
// batch into the topic's histogram, per §4.6.
func (m *topicMetrics) observeLatency(batch []*Message) {
	for _, msg := range batch {
		m.latency.Observe(float64(msg.Latency().Milliseconds()))
	}
}

func (m *topicMetrics) snapshot() TopicMetricsSnapshot {
	sum, count := readHistogram(m.latency)
	var avg float64
	if count > 0 {
		avg = sum / float64(count)
	}
	return TopicMetricsSnapshot{
		Topic:                m.name,
		MessagesPublished:    m.published.Load(),
		MessagesDelivered:    m.delivered.Load(),
		MessagesDropped:      m.dropped.Load(),
		DeliveryFailureCount: m.deliveryFailed.Load(),
		QueueDepth:           m.queueDepth.Load(),
		SubscriberCount:      m.subscribers.Load(),
		LatencySampleCount:   count,
		LatencyAvgMillis:     avg,
	}
}

func readHistogram(h prometheus.Histogram) (sum float64, count uint64) {
	var d dto.Metric
	if err := h.Write(&d); err != nil {
		return 0, 0
	}
	return d.GetHistogram().GetSampleSum(), d.GetHistogram().GetSampleCount()
}

// TopicMetricsSnapshot is the plain, JSON-serialisable per-topic slice of a
// registry Snapshot.
type TopicMetricsSnapshot struct {
	Topic                string  `json:"topic"`
	MessagesPublished    uint64  `json:"messages_published"`
	MessagesDelivered    uint64  `json:"messages_delivered"`
	MessagesDropped      uint64  `json:"messages_dropped"`
	DeliveryFailureCount uint64  `json:"delivery_failure_count"`
	QueueDepth           int64   `json:"queue_depth"`
	SubscriberCount      int64   `json:"subscriber_count"`
	LatencySampleCount   uint64  `json:"latency_sample_count"`
	LatencyAvgMillis     float64 `json:"latency_avg_ms"`
}

// Snapshot is the plain, JSON-serialisable object MetricsRegistry.Snapshot
// returns for the out-of-core metrics endpoint.
type Snapshot struct {
	Topics               []TopicMetricsSnapshot `json:"topics"`
	MessagesPublished    uint64                 `json:"messages_published"`
	MessagesDelivered    uint64                 `json:"messages_delivered"`
	MessagesDropped      uint64                 `json:"messages_dropped"`
	DeliveryFailureCount uint64                 `json:"delivery_failure_count"`
}

// MetricsRegistry owns one topicMetrics per topic and the global aggregates
// across all of them. Taking a Snapshot never blocks the delivery path: it
// only reads atomics and asks each histogram to Write its already-computed
// state.
type MetricsRegistry struct {
	mu     sync.RWMutex
	topics map[string]*topicMetrics

	reg *prometheus.Registry

	globalPublished      atomic.Uint64
	globalDelivered      atomic.Uint64
	globalDropped        atomic.Uint64
	globalDeliveryFailed atomic.Uint64
}

// NewMetricsRegistry creates an empty registry backed by its own private
// prometheus.Registry (not the global default one), so tests and multiple
// bus instances in one process never collide.
func NewMetricsRegistry() *MetricsRegistry {
	return &MetricsRegistry{
		topics: make(map[string]*topicMetrics),
		reg:    prometheus.NewRegistry(),
	}
}

// Registry exposes the underlying prometheus.Registry so a collaborator
// (pkg/restapi) can serve a text-exposition /metrics endpoint alongside the
// JSON Snapshot.
func (r *MetricsRegistry) Registry() *prometheus.Registry { return r.reg }

// topic returns (creating if needed) the metrics handle for name.
func (r *MetricsRegistry) topic(name string) *topicMetrics {
	r.mu.RLock()
	m, ok := r.topics[name]
	r.mu.RUnlock()
	if ok {
		return m
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if m, ok := r.topics[name]; ok {
		return m
	}
	m = &topicMetrics{
		name:     name,
		registry: r,
		latency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace:   "relaybus",
			Subsystem:   "topic",
			Name:        "delivery_latency_ms",
			Help:        "Publish-to-flush latency in milliseconds, sampled at flush time.",
			Buckets:     prometheus.ExponentialBuckets(1, 2, 12),
			ConstLabels: prometheus.Labels{"topic": name},
		}),
	}
	r.reg.MustRegister(m.latency)
	r.topics[name] = m
	return m
}

// forget removes a topic's metrics handle and unregisters its collector,
// called when a topic is deleted or faults.
func (r *MetricsRegistry) forget(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if m, ok := r.topics[name]; ok {
		r.reg.Unregister(m.latency)
		delete(r.topics, name)
	}
}

func (r *MetricsRegistry) recordPublished()           { r.globalPublished.Add(1) }
func (r *MetricsRegistry) recordDelivered(n int)      { r.globalDelivered.Add(uint64(n)) }
func (r *MetricsRegistry) recordDropped(n int)        { r.globalDropped.Add(uint64(n)) }
func (r *MetricsRegistry) recordDeliveryFailed(n int) { r.globalDeliveryFailed.Add(uint64(n)) }

// Snapshot returns a point-in-time, plain-struct view of every topic's
// counters plus the global aggregates.
func (r *MetricsRegistry) Snapshot() Snapshot {
	r.mu.RLock()
	handles := make([]*topicMetrics, 0, len(r.topics))
	for _, m := range r.topics {
		handles = append(handles, m)
	}
	r.mu.RUnlock()

	out := Snapshot{Topics: make([]TopicMetricsSnapshot, 0, len(handles))}
	for _, m := range handles {
		out.Topics = append(out.Topics, m.snapshot())
	}
	out.MessagesPublished = r.globalPublished.Load()
	out.MessagesDelivered = r.globalDelivered.Load()
	out.MessagesDropped = r.globalDropped.Load()
	out.DeliveryFailureCount = r.globalDeliveryFailed.Load()
	return out
}
