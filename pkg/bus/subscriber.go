package bus

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// DefaultSendDeadline is the wall-clock deadline for one send_batch call,
// per §4.2.
const DefaultSendDeadline = 500 * time.Millisecond

// DefaultRateLimit and DefaultRateBurst are the token-bucket defaults for a
// subscriber's publish path, per §4.2.
const (
	DefaultRateLimit = 1000
	DefaultRateBurst = 500
)

// SendFunc delivers one batch of messages to the connection a Subscriber
// wraps. It must respect ctx's deadline and return a non-nil error on any
// transport failure or timeout; the Subscriber does not interpret the error
// beyond "the send failed".
type SendFunc func(ctx context.Context, batch []*Message) error

// FaultFunc notifies a subscriber's connection of a server-side fault (an
// error frame with a stable code) outside the normal send path, used when a
// topic worker panics per §7.
type FaultFunc func(code, message string)

// Subscriber wraps one streaming connection. It owns no message queue of its
// own — batches are handed to it synchronously by a topic's delivery worker,
// bounded by SendBatch's deadline — and it carries the token bucket that
// rate-limits that connection's publish path.
type Subscriber struct {
	ID string

	send     SendFunc
	onFault  FaultFunc
	deadline time.Duration
	limiter  *rate.Limiter

	mu     sync.Mutex
	closed bool
	topics map[string]struct{}

	sendMu sync.Mutex
}

// SubscriberOption configures optional Subscriber behaviour at construction.
type SubscriberOption func(*Subscriber)

func WithSendDeadline(d time.Duration) SubscriberOption {
	return func(s *Subscriber) { s.deadline = d }
}

// WithRateLimit sets the connection's token bucket to refill at ratePerSec
// tokens/second with a bucket capacity of ratePerSec+burst — the standing
// rate plus the extra burst allowance, so a cold connection issuing
// requests back-to-back can admit up to R+B of them before it starts
// waiting on the refill rate, per invariant 4 (§8).
func WithRateLimit(ratePerSec float64, burst int) SubscriberOption {
	return func(s *Subscriber) {
		s.limiter = rate.NewLimiter(rate.Limit(ratePerSec), int(ratePerSec)+burst)
	}
}

func WithFaultNotifier(f FaultFunc) SubscriberOption {
	return func(s *Subscriber) { s.onFault = f }
}

// NewSubscriber creates a Subscriber identified by id, delivering batches via
// send. Defaults: 500ms send deadline, 1000req/s rate with a burst of 500.
func NewSubscriber(id string, send SendFunc, opts ...SubscriberOption) *Subscriber {
	s := &Subscriber{
		ID:       id,
		send:     send,
		deadline: DefaultSendDeadline,
		limiter:  rate.NewLimiter(rate.Limit(DefaultRateLimit), DefaultRateLimit+DefaultRateBurst),
		topics:   make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SendBatch delivers batch under the subscriber's send deadline. On failure
// (deadline breach or transport error) it marks the subscriber closed and
// returns a non-nil error; the caller (a topic's flush) is responsible for
// removing it from the topic.
//
// sendMu serializes this subscriber's batch sends, so two batches never
// interleave on the connection. Other frames written to the same connection
// (acks, pongs, error frames) do not take it. It is acquired here for an
// ordinary live flush;
// Topic.Subscribe instead calls WithSendLock so it can register the
// subscriber for live delivery and send its replay batch as one atomic unit,
// which is what actually keeps replay ahead of a racing live flush — sendMu
// alone only prevents the two sends from interleaving on the wire, it does
// not say which one runs first.
func (s *Subscriber) SendBatch(ctx context.Context, batch []*Message) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	return s.sendLocked(ctx, batch)
}

// WithSendLock runs fn while holding the subscriber's send lock, excluding
// any concurrent SendBatch (and so any concurrent live flush) for the
// duration. Topic.Subscribe uses this to make "register for live delivery,
// then send the replay batch" atomic with respect to the delivery worker.
func (s *Subscriber) WithSendLock(fn func() error) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	return fn()
}

// sendLocked performs the send assuming sendMu is already held.
func (s *Subscriber) sendLocked(ctx context.Context, batch []*Message) error {
	if s.Closed() {
		return ErrClosedSub
	}

	sendCtx, cancel := context.WithTimeout(ctx, s.deadline)
	defer cancel()

	if err := s.send(sendCtx, batch); err != nil {
		s.Close()
		return err
	}
	return nil
}

// CheckRate reserves one token from the subscriber's bucket at time now.
// Reservation is all-or-nothing: if the bucket cannot admit the request
// immediately, no token is consumed and the caller should retry after the
// returned duration.
func (s *Subscriber) CheckRate(now time.Time) (allowed bool, retryAfter time.Duration) {
	r := s.limiter.ReserveN(now, 1)
	if !r.OK() {
		return false, 0
	}
	delay := r.DelayFrom(now)
	if delay > 0 {
		r.CancelAt(now)
		return false, delay
	}
	return true, 0
}

// Close is idempotent. Subsequent SendBatch calls return ErrClosedSub.
func (s *Subscriber) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()
}

// Closed reports whether Close has been called.
func (s *Subscriber) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// NotifyFault best-effort informs the connection of a server-side fault. It
// never blocks the caller (typically a topic worker recovering from a
// panic) beyond handing off to the registered FaultFunc.
func (s *Subscriber) NotifyFault(code, message string) {
	if s.onFault != nil {
		s.onFault(code, message)
	}
}

// JoinTopic records that this subscriber has joined topic name, so a
// disconnecting Dispatcher can unwind every subscription by identifier
// alone (the subscriber never holds a reference to a *Topic).
func (s *Subscriber) JoinTopic(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.topics[name] = struct{}{}
}

// LeaveTopic forgets a joined topic name.
func (s *Subscriber) LeaveTopic(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.topics, name)
}

// Topics returns a snapshot of the topic names this subscriber has joined.
func (s *Subscriber) Topics() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.topics))
	for name := range s.topics {
		out = append(out, name)
	}
	return out
}
