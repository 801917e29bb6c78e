package bus

import (
	"context"
	"sync"
	"time"
)

// FullQueuePolicy selects what happens when a topic's ingress queue is
// saturated at publish time (§7).
type FullQueuePolicy int

const (
	// PolicyDropOldest evicts the oldest queued message to make room for the
	// new one. This is the specification's default.
	PolicyDropOldest FullQueuePolicy = iota
	// PolicyReject refuses the publish with QUEUE_FULL.
	PolicyReject
)

// Defaults for TopicConfig, per §4.3 and §7.
const (
	DefaultQueueCapacity = 2000
	DefaultRingCapacity  = 100
	DefaultBatchSize     = 10
	DefaultBatchTimeout  = 20 * time.Millisecond
)

// TopicConfig holds the tunables a Manager applies to every topic it
// creates. Topics read the queue, ring, batch and full-queue fields;
// SendDeadline, RateLimit and RateBurst are carried along but not read by
// this package — a Subscriber takes its deadline and rate limit from its
// own SubscriberOptions.
type TopicConfig struct {
	QueueCapacity   int
	RingCapacity    int
	BatchSize       int
	BatchTimeout    time.Duration
	SendDeadline    time.Duration
	FullQueuePolicy FullQueuePolicy
	RateLimit       float64
	RateBurst       int
}

// DefaultTopicConfig returns the specification's documented defaults.
func DefaultTopicConfig() TopicConfig {
	return TopicConfig{
		QueueCapacity:   DefaultQueueCapacity,
		RingCapacity:    DefaultRingCapacity,
		BatchSize:       DefaultBatchSize,
		BatchTimeout:    DefaultBatchTimeout,
		SendDeadline:    DefaultSendDeadline,
		FullQueuePolicy: PolicyDropOldest,
		RateLimit:       DefaultRateLimit,
		RateBurst:       DefaultRateBurst,
	}
}

type topicState int32

const (
	stateActive topicState = iota
	stateDraining
	stateClosed
)

// Topic owns one subject's subscriber set, replay buffer, bounded ingress
// queue and single delivery worker, per §4.3.
type Topic struct {
	name string
	cfg  TopicConfig

	mu    sync.Mutex
	subs  map[string]*Subscriber
	state topicState

	ring    *RingBuffer
	ingress chan *Message

	metrics *topicMetrics
	onFault func(name string)

	ctx          context.Context
	cancel       context.CancelFunc
	workerDone   chan struct{}
	shutdownCh   chan struct{}
	shutdownOnce sync.Once
}

func newTopic(name string, cfg TopicConfig, metrics *topicMetrics, onFault func(name string)) *Topic {
	ctx, cancel := context.WithCancel(context.Background())
	t := &Topic{
		name:       name,
		cfg:        cfg,
		subs:       make(map[string]*Subscriber),
		ring:       NewRingBuffer(cfg.RingCapacity),
		ingress:    make(chan *Message, cfg.QueueCapacity),
		metrics:    metrics,
		onFault:    onFault,
		ctx:        ctx,
		cancel:     cancel,
		workerDone: make(chan struct{}),
		shutdownCh: make(chan struct{}),
	}
	return t
}

// start launches the delivery worker. A topic's worker is running iff its
// state is Active (invariant 1).
func (t *Topic) start() {
	go t.run()
}

// Name returns the topic's name.
func (t *Topic) Name() string { return t.name }

// Publish enqueues msg for delivery and appends it to the replay ring.
// Publish always completes in O(1) wall-clock time: it never waits on a
// subscriber's send.
func (t *Topic) Publish(msg *Message) error {
	t.mu.Lock()
	if t.state != stateActive {
		t.mu.Unlock()
		return ErrClosedTopic
	}

	t.ring.Append(msg)

	select {
	case t.ingress <- msg:
		t.mu.Unlock()
		t.metrics.incPublished()
		t.metrics.setQueueDepth(len(t.ingress))
		return nil
	default:
	}

	switch t.cfg.FullQueuePolicy {
	case PolicyReject:
		t.mu.Unlock()
		t.metrics.incDropped(1)
		return ErrQueueFull
	default: // PolicyDropOldest
		select {
		case <-t.ingress:
			t.metrics.incDropped(1)
		default:
		}
		select {
		case t.ingress <- msg:
			t.metrics.incPublished()
		default:
			// Defensive only: publishers enqueue under t.mu, so the queue
			// cannot refill between the drop and this send. Should it still
			// be full, the message stays in the ring for replay but is
			// dropped from live delivery.
			t.metrics.incDropped(1)
		}
		t.mu.Unlock()
		t.metrics.setQueueDepth(len(t.ingress))
		return nil
	}
}

// Subscribe adds sub to the topic's live subscriber set and, if lastN > 0,
// sends it the last min(lastN, ring size) messages first. Registration and
// the replay send happen inside sub.WithSendLock, as one atomic unit: the
// topic's delivery worker can only reach this subscriber through
// Subscriber.SendBatch, which takes the same lock, so a flush that snapshots
// sub concurrently blocks until this call's replay send has completed. That
// is what actually guarantees no live batch reaches sub before its replay
// does (§4.3) — releasing the topic lock before sending the replay would
// only guarantee ordering against other calls to Topic.Subscribe, not
// against a racing flush.
func (t *Topic) Subscribe(ctx context.Context, sub *Subscriber, lastN int) error {
	t.mu.Lock()
	if t.state != stateActive {
		t.mu.Unlock()
		return ErrClosedTopic
	}
	replay := t.ring.Tail(lastN)
	t.mu.Unlock()

	sub.JoinTopic(t.name)

	return sub.WithSendLock(func() error {
		t.mu.Lock()
		if t.state != stateActive {
			t.mu.Unlock()
			return ErrClosedTopic
		}
		t.subs[sub.ID] = sub
		t.mu.Unlock()
		t.metrics.setSubscriberCount(t.subscriberCount())

		if len(replay) == 0 {
			return nil
		}
		if err := sub.sendLocked(ctx, replay); err != nil {
			t.Unsubscribe(sub.ID)
			return err
		}
		return nil
	})
}

// Unsubscribe removes clientID from the topic, if present. It is a no-op if
// the client was not subscribed.
func (t *Topic) Unsubscribe(clientID string) {
	t.mu.Lock()
	delete(t.subs, clientID)
	n := len(t.subs)
	t.mu.Unlock()
	t.metrics.setSubscriberCount(n)
}

func (t *Topic) subscriberCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.subs)
}

func (t *Topic) snapshotSubscribers() []*Subscriber {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*Subscriber, 0, len(t.subs))
	for _, s := range t.subs {
		out = append(out, s)
	}
	return out
}

// closeSubscribers empties the topic's subscriber set, telling each member
// it is going away with a NotifyFault(code, message) frame. A subscriber
// whose connection has no other topic membership left once it forgets this
// one is closed outright — one physical connection can be subscribed to
// several topics at once (§4.5), so only losing its last topic actually
// ends the connection. Used both for a normal delete/drain and for a worker
// panic, per scenario S6 (§8): a client subscribed only to the topic that
// went away must observe the disconnect, not a connection that silently
// stops receiving events.
func (t *Topic) closeSubscribers(code, message string) {
	t.mu.Lock()
	subs := make([]*Subscriber, 0, len(t.subs))
	for _, s := range t.subs {
		subs = append(subs, s)
	}
	t.subs = make(map[string]*Subscriber)
	t.mu.Unlock()
	t.metrics.setSubscriberCount(0)

	for _, s := range subs {
		s.NotifyFault(code, message)
		s.LeaveTopic(t.name)
		if len(s.Topics()) == 0 {
			s.Close()
		}
	}
}

// TopicStats is the plain, JSON-serialisable result of Stats().
type TopicStats struct {
	Name            string `json:"name"`
	QueueDepth      int    `json:"queue_depth"`
	QueueCapacity   int    `json:"queue_capacity"`
	RingSize        int    `json:"ring_size"`
	RingCapacity    int    `json:"ring_capacity"`
	SubscriberCount int    `json:"subscriber_count"`
	State           string `json:"state"`
}

// Stats returns a point-in-time snapshot of the topic's counts.
func (t *Topic) Stats() TopicStats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return TopicStats{
		Name:            t.name,
		QueueDepth:      len(t.ingress),
		QueueCapacity:   cap(t.ingress),
		RingSize:        t.ring.Len(),
		RingCapacity:    t.ring.Capacity(),
		SubscriberCount: len(t.subs),
		State:           t.state.String(),
	}
}

func (s topicState) String() string {
	switch s {
	case stateActive:
		return "active"
	case stateDraining:
		return "draining"
	case stateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Shutdown transitions the topic to Draining, waits for the worker to
// perform its final drain-and-flush and exit, then marks it Closed. It is
// idempotent and safe to call concurrently with Delete.
func (t *Topic) Shutdown(ctx context.Context) error {
	t.shutdownOnce.Do(func() {
		t.mu.Lock()
		t.state = stateDraining
		t.mu.Unlock()
		close(t.shutdownCh)
	})

	select {
	case <-t.workerDone:
		t.mu.Lock()
		if t.state != stateClosed {
			t.state = stateClosed
		}
		t.mu.Unlock()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// forceCancel aborts an in-flight worker immediately, used by
// Manager.ShutdownAll once its overall deadline has elapsed.
func (t *Topic) forceCancel() {
	t.cancel()
}

// run is the topic's single delivery worker, per §4.3's algorithm: batch by
// size-or-timeout, flush concurrently, drain-and-flush once on shutdown.
func (t *Topic) run() {
	defer close(t.workerDone)
	defer func() {
		if r := recover(); r != nil {
			t.onPanic(r)
		}
	}()

	batch := make([]*Message, 0, t.cfg.BatchSize)
	timer := time.NewTimer(t.cfg.BatchTimeout)
	defer timer.Stop()

	for {
		select {
		case msg := <-t.ingress:
			batch = append(batch, msg)
			if len(batch) >= t.cfg.BatchSize {
				t.flush(batch)
				batch = make([]*Message, 0, t.cfg.BatchSize)
				resetTimer(timer, t.cfg.BatchTimeout)
			}

		case <-timer.C:
			if len(batch) > 0 {
				t.flush(batch)
				batch = make([]*Message, 0, t.cfg.BatchSize)
			}
			timer.Reset(t.cfg.BatchTimeout)

		case <-t.shutdownCh:
			batch = t.drainRemaining(batch)
			if len(batch) > 0 {
				t.flush(batch)
			}
			t.closeSubscribers(string(CodeShuttingDown), "topic deleted")
			return

		case <-t.ctx.Done():
			t.closeSubscribers(string(CodeShuttingDown), "topic shutdown forced")
			return
		}
	}
}

// drainRemaining greedily collects whatever is already sitting in the
// ingress queue without blocking, for the shutdown path's best-effort final
// flush.
func (t *Topic) drainRemaining(batch []*Message) []*Message {
	for {
		select {
		case msg := <-t.ingress:
			batch = append(batch, msg)
		default:
			return batch
		}
	}
}

func resetTimer(timer *time.Timer, d time.Duration) {
	if !timer.Stop() {
		select {
		case <-timer.C:
		default:
		}
	}
	timer.Reset(d)
}

// flush snapshots the subscriber set under the topic lock, releases it, then
// fans the batch out concurrently with a per-send deadline. Subscribers
// whose send fails are removed from the topic and closed.
func (t *Topic) flush(batch []*Message) {
	t.metrics.observeLatency(batch)
	subs := t.snapshotSubscribers()
	if len(subs) == 0 {
		return
	}

	var wg sync.WaitGroup
	var failedMu sync.Mutex
	failed := make([]*Subscriber, 0)

	for _, s := range subs {
		wg.Add(1)
		go func(s *Subscriber) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					failedMu.Lock()
					failed = append(failed, s)
					failedMu.Unlock()
				}
			}()
			if err := s.SendBatch(t.ctx, batch); err != nil {
				failedMu.Lock()
				failed = append(failed, s)
				failedMu.Unlock()
				return
			}
			t.metrics.incDelivered(len(batch))
		}(s)
	}
	wg.Wait()

	if len(failed) > 0 {
		t.mu.Lock()
		for _, s := range failed {
			if cur, ok := t.subs[s.ID]; ok && cur == s {
				delete(t.subs, s.ID)
			}
		}
		remaining := len(t.subs)
		t.mu.Unlock()
		t.metrics.setSubscriberCount(remaining)
		t.metrics.incDeliveryFailed(len(failed) * len(batch))
		for _, s := range failed {
			s.Close()
		}
	}

	t.metrics.setQueueDepth(len(t.ingress))
}

// onPanic recovers a topic worker fault: the topic moves to Draining, every
// current subscriber is notified with an INTERNAL error frame and closed if
// this was its last topic, and the manager is told to forget this topic (a
// subsequent lookup returns TOPIC_NOT_FOUND per §7's manager-fault
// handling).
func (t *Topic) onPanic(r any) {
	t.mu.Lock()
	t.state = stateDraining
	t.mu.Unlock()

	t.closeSubscribers(string(CodeInternal), "topic worker fault, topic is draining")

	t.mu.Lock()
	t.state = stateClosed
	t.mu.Unlock()

	if t.onFault != nil {
		t.onFault(t.name)
	}
	_ = r
}
