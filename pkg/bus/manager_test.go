package bus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager() *Manager {
	return NewManager(testTopicConfig(), NewMetricsRegistry())
}

func TestManagerCreateIdempotent(t *testing.T) {
	m := newTestManager()
	defer func() { _ = m.ShutdownAll(context.Background()) }()
	top1, created1, err := m.Create("t")
	require.NoError(t, err)
	assert.True(t, created1)

	top2, created2, err := m.Create("t")
	require.NoError(t, err)
	assert.False(t, created2)
	assert.Same(t, top1, top2)
}

func TestManagerCreateRejectsBadName(t *testing.T) {
	m := newTestManager()
	_, _, err := m.Create("")
	assert.ErrorIs(t, err, NewError(CodeValidationError, "", nil))

	_, _, err = m.Create("has a space")
	assert.Error(t, err)
}

func TestManagerGetAndList(t *testing.T) {
	m := newTestManager()
	defer func() { _ = m.ShutdownAll(context.Background()) }()
	_, _, err := m.Create("a")
	require.NoError(t, err)
	_, _, err = m.Create("b")
	require.NoError(t, err)

	_, ok := m.Get("a")
	assert.True(t, ok)
	_, ok = m.Get("missing")
	assert.False(t, ok)

	assert.Len(t, m.List(), 2)
}

func TestManagerDeleteThenNotFound(t *testing.T) {
	m := newTestManager()
	_, _, err := m.Create("t")
	require.NoError(t, err)

	require.NoError(t, m.Delete(context.Background(), "t"))
	err = m.Delete(context.Background(), "t")
	assert.ErrorIs(t, err, ErrTopicNotFound)

	_, ok := m.Get("t")
	assert.False(t, ok)
}

func TestManagerDeleteWithActiveSubscribersNotifiesAndRemoves(t *testing.T) {
	m := newTestManager()
	defer func() { _ = m.ShutdownAll(context.Background()) }()
	top, _, err := m.Create("t")
	require.NoError(t, err)

	subA, _, faultsA := collectingSubscriberWithFaults("A")
	subB, _, faultsB := collectingSubscriberWithFaults("B")
	require.NoError(t, top.Subscribe(context.Background(), subA, 0))
	require.NoError(t, top.Subscribe(context.Background(), subB, 0))

	require.NoError(t, m.Delete(context.Background(), "t"))

	_, ok := m.Get("t")
	assert.False(t, ok)

	require.Eventually(t, func() bool { return len(faultsA()) == 1 && len(faultsB()) == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, []string{string(CodeShuttingDown)}, faultsA())
	assert.Equal(t, []string{string(CodeShuttingDown)}, faultsB())
	assert.True(t, subA.Closed())
	assert.True(t, subB.Closed())

	err = top.Publish(&Message{ID: "x", Topic: "t"})
	assert.ErrorIs(t, err, ErrClosedTopic)

	// Re-creating starts with an empty ring and no subscribers.
	fresh, created, err := m.Create("t")
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, 0, fresh.ring.Len())
	assert.Equal(t, 0, fresh.subscriberCount())
}

func TestManagerShutdownAllDrainsEveryTopic(t *testing.T) {
	m := newTestManager()
	names := []string{"a", "b", "c"}
	subsResults := make(map[string]func() []*Message)
	for _, name := range names {
		top, _, err := m.Create(name)
		require.NoError(t, err)
		sub, results := collectingSubscriber("sub-" + name)
		require.NoError(t, top.Subscribe(context.Background(), sub, 0))
		subsResults[name] = results
		publishN(top, name, 0, 10)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, m.ShutdownAll(ctx))

	assert.Empty(t, m.List())
	for _, name := range names {
		assert.LessOrEqual(t, len(subsResults[name]()), 10)
	}
}

func TestManagerShutdownAllForceCancelsOnDeadline(t *testing.T) {
	m := newTestManager()
	top, _, err := m.Create("t")
	require.NoError(t, err)

	stuck := NewSubscriber("stuck", func(ctx context.Context, batch []*Message) error {
		<-ctx.Done()
		return ctx.Err()
	}, WithSendDeadline(time.Hour)) // deliberately longer than the shutdown deadline
	require.NoError(t, top.Subscribe(context.Background(), stuck, 0))
	publishN(top, "t", 0, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	done := make(chan struct{})
	go func() {
		_ = m.ShutdownAll(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("ShutdownAll did not return after its deadline elapsed")
	}
}

func TestManagerIsShuttingDownBlocksCreate(t *testing.T) {
	m := newTestManager()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, m.ShutdownAll(ctx))
	assert.True(t, m.IsShuttingDown())

	_, _, err := m.Create("t")
	assert.ErrorIs(t, err, ErrShuttingDown)
}
