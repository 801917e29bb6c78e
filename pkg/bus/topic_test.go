package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testTopicConfig() TopicConfig {
	cfg := DefaultTopicConfig()
	cfg.QueueCapacity = 64
	cfg.RingCapacity = 8
	cfg.BatchSize = 4
	cfg.BatchTimeout = 5 * time.Millisecond
	cfg.SendDeadline = 200 * time.Millisecond
	return cfg
}

func newTestTopic(name string) *Topic {
	metrics := NewMetricsRegistry()
	return newTopicForTest(name, testTopicConfig(), metrics)
}

func newTopicForTest(name string, cfg TopicConfig, metrics *MetricsRegistry) *Topic {
	t := newTopic(name, cfg, metrics.topic(name), nil)
	t.start()
	return t
}

func collectingSubscriber(id string) (*Subscriber, func() []*Message) {
	var mu sync.Mutex
	var received []*Message
	sub := NewSubscriber(id, func(ctx context.Context, batch []*Message) error {
		mu.Lock()
		defer mu.Unlock()
		received = append(received, batch...)
		return nil
	}, WithSendDeadline(200*time.Millisecond))
	return sub, func() []*Message {
		mu.Lock()
		defer mu.Unlock()
		out := make([]*Message, len(received))
		copy(out, received)
		return out
	}
}

// collectingSubscriberWithFaults behaves like collectingSubscriber but also
// records every NotifyFault call, for tests asserting a subscriber observes
// a topic-deletion or worker-panic notification.
func collectingSubscriberWithFaults(id string) (sub *Subscriber, results func() []*Message, faults func() []string) {
	var mu sync.Mutex
	var received []*Message
	var faultCodes []string
	sub = NewSubscriber(id, func(ctx context.Context, batch []*Message) error {
		mu.Lock()
		defer mu.Unlock()
		received = append(received, batch...)
		return nil
	}, WithSendDeadline(200*time.Millisecond), WithFaultNotifier(func(code, message string) {
		mu.Lock()
		defer mu.Unlock()
		faultCodes = append(faultCodes, code)
	}))
	results = func() []*Message {
		mu.Lock()
		defer mu.Unlock()
		out := make([]*Message, len(received))
		copy(out, received)
		return out
	}
	faults = func() []string {
		mu.Lock()
		defer mu.Unlock()
		out := make([]string, len(faultCodes))
		copy(out, faultCodes)
		return out
	}
	return sub, results, faults
}

func publishN(t *Topic, topic string, from, to int) {
	for i := from; i < to; i++ {
		data, _ := json.Marshal(map[string]int{"n": i})
		_ = t.Publish(&Message{ID: fmt.Sprintf("%s-%d", topic, i), Topic: topic, Data: data, PublishedAt: time.Now()})
	}
}

func TestTopicPublishSubscribeFIFO(t *testing.T) {
	top := newTestTopic("t")
	sub, results := collectingSubscriber("A")
	require.NoError(t, top.Subscribe(context.Background(), sub, 0))

	publishN(top, "t", 0, 50)

	require.Eventually(t, func() bool { return len(results()) == 50 }, time.Second, time.Millisecond)
	got := results()
	for i, m := range got {
		var v map[string]int
		require.NoError(t, json.Unmarshal(m.Data, &v))
		assert.Equal(t, i, v["n"])
	}
	require.NoError(t, top.Shutdown(context.Background()))
}

func TestTopicFanOutOrderedForEverySubscriber(t *testing.T) {
	cfg := testTopicConfig()
	cfg.QueueCapacity = 128 // holds the whole 100-message burst, so drop-oldest never fires
	top := newTopicForTest("t", cfg, NewMetricsRegistry())
	subA, resultsA := collectingSubscriber("A")
	subB, resultsB := collectingSubscriber("B")
	require.NoError(t, top.Subscribe(context.Background(), subA, 0))
	require.NoError(t, top.Subscribe(context.Background(), subB, 0))

	publishN(top, "t", 1, 101)

	require.Eventually(t, func() bool { return len(resultsA()) == 100 && len(resultsB()) == 100 }, 2*time.Second, time.Millisecond)

	for _, results := range [][]*Message{resultsA(), resultsB()} {
		for i, m := range results {
			var v map[string]int
			require.NoError(t, json.Unmarshal(m.Data, &v))
			assert.Equal(t, i+1, v["n"])
		}
	}
	require.NoError(t, top.Shutdown(context.Background()))
}

func TestTopicReplayThenLive(t *testing.T) {
	top := newTestTopic("t")
	publishN(top, "t", 1, 6) // {"n":1}..{"n":5}
	require.Eventually(t, func() bool { return top.ring.Len() == 5 }, time.Second, time.Millisecond)

	sub, results := collectingSubscriber("A")
	require.NoError(t, top.Subscribe(context.Background(), sub, 3))

	require.Eventually(t, func() bool { return len(results()) >= 3 }, time.Second, time.Millisecond)
	replay := results()[:3]
	for i, want := range []int{3, 4, 5} {
		var v map[string]int
		require.NoError(t, json.Unmarshal(replay[i].Data, &v))
		assert.Equal(t, want, v["n"])
	}

	publishN(top, "t", 6, 7)
	require.Eventually(t, func() bool { return len(results()) == 4 }, time.Second, time.Millisecond)
	var v map[string]int
	require.NoError(t, json.Unmarshal(results()[3].Data, &v))
	assert.Equal(t, 6, v["n"])
	require.NoError(t, top.Shutdown(context.Background()))
}

func TestTopicSlowSubscriberRemovedFastSubscriberUnaffected(t *testing.T) {
	top := newTestTopic("t")
	slow := NewSubscriber("slow", func(ctx context.Context, batch []*Message) error {
		<-ctx.Done()
		return ctx.Err()
	}, WithSendDeadline(50*time.Millisecond))
	fast, fastResults := collectingSubscriber("fast")

	require.NoError(t, top.Subscribe(context.Background(), slow, 0))
	require.NoError(t, top.Subscribe(context.Background(), fast, 0))

	publishN(top, "t", 0, 50)

	require.Eventually(t, func() bool { return len(fastResults()) == 50 }, 2*time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return slow.Closed() }, 2*time.Second, time.Millisecond)
	assert.Equal(t, 1, top.subscriberCount())
	require.NoError(t, top.Shutdown(context.Background()))
}

func TestTopicSubscribeRejectedWhenDraining(t *testing.T) {
	top := newTestTopic("t")
	require.NoError(t, top.Shutdown(context.Background()))

	sub, _ := collectingSubscriber("A")
	err := top.Subscribe(context.Background(), sub, 0)
	assert.ErrorIs(t, err, ErrClosedTopic)

	err = top.Publish(&Message{ID: "x", Topic: "t"})
	assert.ErrorIs(t, err, ErrClosedTopic)
}

func TestTopicUnsubscribeIdempotent(t *testing.T) {
	top := newTestTopic("t")
	sub, _ := collectingSubscriber("A")
	require.NoError(t, top.Subscribe(context.Background(), sub, 0))
	top.Unsubscribe("A")
	top.Unsubscribe("A") // no-op, must not panic
	assert.Equal(t, 0, top.subscriberCount())
	require.NoError(t, top.Shutdown(context.Background()))
}

func TestTopicFullQueueDropOldest(t *testing.T) {
	cfg := testTopicConfig()
	cfg.QueueCapacity = 4
	cfg.BatchTimeout = time.Hour // never fires; force queue pressure
	metrics := NewMetricsRegistry()
	top := newTopic("t", cfg, metrics.topic("t"), nil)
	// Do not start the worker so the queue actually fills up.
	for i := 0; i < 10; i++ {
		require.NoError(t, top.Publish(&Message{ID: fmt.Sprintf("%d", i), Topic: "t"}))
	}
	assert.LessOrEqual(t, len(top.ingress), cfg.QueueCapacity)
	assert.Equal(t, uint64(6), metrics.topic("t").dropped.Load())
}

func TestTopicFullQueueReject(t *testing.T) {
	cfg := testTopicConfig()
	cfg.QueueCapacity = 2
	cfg.FullQueuePolicy = PolicyReject
	cfg.BatchTimeout = time.Hour
	metrics := NewMetricsRegistry()
	top := newTopic("t", cfg, metrics.topic("t"), nil)
	require.NoError(t, top.Publish(&Message{ID: "1", Topic: "t"}))
	require.NoError(t, top.Publish(&Message{ID: "2", Topic: "t"}))
	err := top.Publish(&Message{ID: "3", Topic: "t"})
	assert.ErrorIs(t, err, ErrQueueFull)
}

func TestTopicLastNZeroYieldsNoReplay(t *testing.T) {
	top := newTestTopic("t")
	publishN(top, "t", 0, 5)
	require.Eventually(t, func() bool { return top.ring.Len() == 5 }, time.Second, time.Millisecond)

	sub, results := collectingSubscriber("A")
	require.NoError(t, top.Subscribe(context.Background(), sub, 0))
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, results())
	require.NoError(t, top.Shutdown(context.Background()))
}

func TestTopicLastNClampedToRingCapacity(t *testing.T) {
	top := newTestTopic("t") // ring capacity 8
	publishN(top, "t", 0, 8)
	require.Eventually(t, func() bool { return top.ring.Len() == 8 }, time.Second, time.Millisecond)

	sub, results := collectingSubscriber("A")
	require.NoError(t, top.Subscribe(context.Background(), sub, 1000))
	require.Eventually(t, func() bool { return len(results()) == 8 }, time.Second, time.Millisecond)
	require.NoError(t, top.Shutdown(context.Background()))
}

func TestTopicShutdownDrainsBestEffort(t *testing.T) {
	top := newTestTopic("t")
	sub, results := collectingSubscriber("A")
	require.NoError(t, top.Subscribe(context.Background(), sub, 0))

	publishN(top, "t", 1, 21)
	require.NoError(t, top.Shutdown(context.Background()))

	got := results()
	for i, m := range got {
		var v map[string]int
		require.NoError(t, json.Unmarshal(m.Data, &v))
		assert.Equal(t, i+1, v["n"])
	}
	// A prefix, never a gap: whatever arrived is contiguous from the start.
	assert.LessOrEqual(t, len(got), 20)
}

func TestTopicShutdownIdempotent(t *testing.T) {
	top := newTestTopic("t")
	require.NoError(t, top.Shutdown(context.Background()))
	require.NoError(t, top.Shutdown(context.Background()))
}
