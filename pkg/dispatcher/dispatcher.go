package dispatcher

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/google/uuid"

	"github.com/relaybus/relaybus/pkg/bus"
	"github.com/relaybus/relaybus/pkg/protocol"
)

// Dispatcher owns one connection's lifecycle: it creates the connection's
// Subscriber, sends the welcome frame, then loops decode-validate-act over
// incoming frames until a fatal transport error or shutdown, per §4.5.
type Dispatcher struct {
	manager *bus.Manager
	log     *zap.Logger

	rateLimit    float64
	rateBurst    int
	sendDeadline time.Duration
}

// Option configures optional Dispatcher behaviour at construction.
type Option func(*Dispatcher)

// WithRateLimit sets the token-bucket rate applied to every connection's
// Subscriber this Dispatcher creates. Defaults to bus.DefaultRateLimit /
// bus.DefaultRateBurst.
func WithRateLimit(ratePerSec float64, burst int) Option {
	return func(d *Dispatcher) { d.rateLimit, d.rateBurst = ratePerSec, burst }
}

// WithSendDeadline sets the per-batch send deadline applied to every
// connection's Subscriber this Dispatcher creates.
func WithSendDeadline(deadline time.Duration) Option {
	return func(d *Dispatcher) { d.sendDeadline = deadline }
}

// New creates a Dispatcher driving topics through manager.
func New(manager *bus.Manager, log *zap.Logger, opts ...Option) *Dispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	d := &Dispatcher{
		manager:      manager,
		log:          log,
		rateLimit:    bus.DefaultRateLimit,
		rateBurst:    bus.DefaultRateBurst,
		sendDeadline: bus.DefaultSendDeadline,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Serve runs one connection's receive-decode-act loop to completion. It
// returns when conn.ReadFrame reports a fatal transport error or ctx is
// done; it always cleans up the connection's subscriptions before
// returning.
func (d *Dispatcher) Serve(ctx context.Context, conn Conn) error {
	clientID := uuid.NewString()
	sub := bus.NewSubscriber(clientID,
		func(ctx context.Context, batch []*bus.Message) error {
			done := make(chan error, 1)
			go func() {
				for _, m := range batch {
					if err := conn.WriteFrame(protocol.NewEventFrame(m.Topic, m.ID, m.Data, m.PublishedAt)); err != nil {
						done <- err
						return
					}
				}
				done <- nil
			}()
			select {
			case err := <-done:
				return err
			case <-ctx.Done():
				return ctx.Err()
			}
		},
		bus.WithFaultNotifier(func(code, message string) {
			_ = conn.WriteFrame(protocol.NewErrorFrame(code, message, nil))
		}),
		bus.WithRateLimit(d.rateLimit, d.rateBurst),
		bus.WithSendDeadline(d.sendDeadline),
	)
	defer d.cleanup(sub)

	if err := conn.WriteFrame(protocol.NewInfoFrame(clientID)); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		raw, err := conn.ReadFrame()
		if err != nil {
			return err
		}

		frame, decodeErr := protocol.DecodeClientFrame(raw)
		if decodeErr != nil {
			d.sendDecodeError(conn, decodeErr)
			continue
		}
		if err := frame.Validate(); err != nil {
			d.sendDecodeError(conn, err)
			continue
		}

		d.handle(ctx, conn, sub, frame)
	}
}

func (d *Dispatcher) sendDecodeError(conn Conn, err error) {
	if fe, ok := err.(*protocol.FrameError); ok {
		_ = conn.WriteFrame(protocol.NewErrorFrame(fe.Code, fe.Message, nil))
		return
	}
	_ = conn.WriteFrame(protocol.NewErrorFrame(string(bus.CodeInternal), err.Error(), nil))
}

func (d *Dispatcher) handle(ctx context.Context, conn Conn, sub *bus.Subscriber, frame *protocol.ClientFrame) {
	switch frame.Type {
	case protocol.TypeSubscribe:
		d.handleSubscribe(ctx, conn, sub, frame)
	case protocol.TypeUnsubscribe:
		d.handleUnsubscribe(conn, sub, frame)
	case protocol.TypePublish:
		d.handlePublish(conn, sub, frame)
	case protocol.TypePing:
		_ = conn.WriteFrame(protocol.NewPongFrame())
	}
}

func (d *Dispatcher) handleSubscribe(ctx context.Context, conn Conn, sub *bus.Subscriber, frame *protocol.ClientFrame) {
	topic, ok := d.manager.Get(frame.Topic)
	if !ok {
		d.sendBusError(conn, bus.ErrTopicNotFound)
		return
	}
	if err := topic.Subscribe(ctx, sub, frame.LastN); err != nil {
		d.sendBusError(conn, err)
		return
	}
	_ = conn.WriteFrame(protocol.NewAckFrame(protocol.TypeSubscribe, frame.Topic, "subscribed"))
}

func (d *Dispatcher) handleUnsubscribe(conn Conn, sub *bus.Subscriber, frame *protocol.ClientFrame) {
	if topic, ok := d.manager.Get(frame.Topic); ok {
		topic.Unsubscribe(sub.ID)
	}
	sub.LeaveTopic(frame.Topic)
	_ = conn.WriteFrame(protocol.NewAckFrame(protocol.TypeUnsubscribe, frame.Topic, "unsubscribed"))
}

func (d *Dispatcher) handlePublish(conn Conn, sub *bus.Subscriber, frame *protocol.ClientFrame) {
	if allowed, retryAfter := sub.CheckRate(time.Now()); !allowed {
		_ = conn.WriteFrame(protocol.NewErrorFrame(string(bus.CodeRateLimited), "rate limit exceeded",
			map[string]any{"retry_after_seconds": retryAfter.Seconds()}))
		return
	}

	topic, ok := d.manager.Get(frame.Topic)
	if !ok {
		d.sendBusError(conn, bus.ErrTopicNotFound)
		return
	}

	msg := &bus.Message{
		ID:          uuid.NewString(),
		Topic:       frame.Topic,
		Data:        json.RawMessage(frame.Data),
		PublishedAt: time.Now(),
	}
	if err := topic.Publish(msg); err != nil {
		d.sendBusError(conn, err)
		return
	}
	_ = conn.WriteFrame(protocol.NewAckFrame(protocol.TypePublish, frame.Topic, "published"))
}

func (d *Dispatcher) sendBusError(conn Conn, err error) {
	if be, ok := err.(*bus.Error); ok {
		_ = conn.WriteFrame(protocol.NewErrorFrame(string(be.Code), be.Message, be.Details))
		return
	}
	_ = conn.WriteFrame(protocol.NewErrorFrame(string(bus.CodeInternal), err.Error(), nil))
}

// cleanup unwinds every subscription the connection's subscriber joined,
// resolving each by name through the manager per §9's cyclic-reference
// design, then closes the subscriber.
func (d *Dispatcher) cleanup(sub *bus.Subscriber) {
	for _, name := range sub.Topics() {
		if topic, ok := d.manager.Get(name); ok {
			topic.Unsubscribe(sub.ID)
		}
	}
	sub.Close()
}
