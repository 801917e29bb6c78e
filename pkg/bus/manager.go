package bus

import (
	"context"
	"regexp"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultShutdownDeadline is a default total drain budget for callers of
// ShutdownAll. ShutdownAll does not apply it itself: its wait is bounded by
// the ctx it is given.
const DefaultShutdownDeadline = 5 * time.Second

var topicNamePattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,256}$`)

// ValidateTopicName enforces the naming rule of §3/§6.
func ValidateTopicName(name string) error {
	if !topicNamePattern.MatchString(name) {
		return NewError(CodeValidationError, "topic name must match [A-Za-z0-9_-]{1,256}", nil)
	}
	return nil
}

// Manager is the directory of topics: it creates and deletes them
// atomically and coordinates a bounded, concurrent global shutdown. Exactly
// one Topic exists per live name at any instant.
type Manager struct {
	mu     sync.Mutex
	topics map[string]*Topic

	cfg      TopicConfig
	metrics  *MetricsRegistry
	draining atomic.Bool
}

// NewManager creates an empty Manager. cfg is applied to every topic the
// Manager creates; metrics must not be nil.
func NewManager(cfg TopicConfig, metrics *MetricsRegistry) *Manager {
	return &Manager{
		topics:  make(map[string]*Topic),
		cfg:     cfg,
		metrics: metrics,
	}
}

// Create returns the topic named name, creating it if absent. The boolean
// result reports whether this call created it (idempotent per §4.4/§8).
func (m *Manager) Create(name string) (*Topic, bool, error) {
	if err := ValidateTopicName(name); err != nil {
		return nil, false, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.draining.Load() {
		return nil, false, ErrShuttingDown
	}
	if t, ok := m.topics[name]; ok {
		return t, false, nil
	}

	t := newTopic(name, m.cfg, m.metrics.topic(name), m.forgetOnFault)
	m.topics[name] = t
	t.start()
	return t, true, nil
}

// Get returns the topic named name, if any live topic by that name exists.
func (m *Manager) Get(name string) (*Topic, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.topics[name]
	return t, ok
}

// List returns a freshly allocated slice of every live topic, in
// unspecified order.
func (m *Manager) List() []*Topic {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Topic, 0, len(m.topics))
	for _, t := range m.topics {
		out = append(out, t)
	}
	return out
}

// Delete removes name from the directory immediately (so no new lookup can
// find it), then blocks until its worker has drained and exited or ctx is
// done. The manager lock is never held across the blocking Shutdown call.
func (m *Manager) Delete(ctx context.Context, name string) error {
	m.mu.Lock()
	t, ok := m.topics[name]
	if !ok {
		m.mu.Unlock()
		return ErrTopicNotFound
	}
	delete(m.topics, name)
	m.mu.Unlock()

	m.metrics.forget(name)
	return t.Shutdown(ctx)
}

// ShutdownAll drains every live topic concurrently, bounded by deadline.
// Topics still running when the deadline elapses are force-cancelled so no
// worker or connection is leaked.
func (m *Manager) ShutdownAll(ctx context.Context) error {
	m.draining.Store(true)

	m.mu.Lock()
	topics := make([]*Topic, 0, len(m.topics))
	for _, t := range m.topics {
		topics = append(topics, t)
	}
	m.topics = make(map[string]*Topic)
	m.mu.Unlock()

	var wg sync.WaitGroup
	errs := make(chan error, len(topics))
	for _, t := range topics {
		wg.Add(1)
		go func(t *Topic) {
			defer wg.Done()
			errs <- t.Shutdown(ctx)
		}(t)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		for _, t := range topics {
			t.forceCancel()
		}
		<-done
	}

	close(errs)
	var firstErr error
	for err := range errs {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// IsShuttingDown reports whether ShutdownAll has been invoked, the signal
// the out-of-core control plane checks before accepting a mutating request.
func (m *Manager) IsShuttingDown() bool {
	return m.draining.Load()
}

func (m *Manager) forgetOnFault(name string) {
	m.mu.Lock()
	delete(m.topics, name)
	m.mu.Unlock()
	m.metrics.forget(name)
}
