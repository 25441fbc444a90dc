// Package notify reports checkout progress: every notification is logged and
// lifecycle transitions are published as Kafka events.
package notify

import (
	"context"
	"time"

	"github.com/go-faster/jx"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/xenking/print-checkout/internal/domain/asset"
	"github.com/xenking/print-checkout/internal/domain/checkout"
)

// Event types.
const (
	EventStateChanged = "order.state_changed"
	EventWillFinish   = "order.will_finish"
	EventCompleted    = "order.completed"
)

// Writer is the subset of *kafka.Writer the publisher needs.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// NewKafkaWriter returns a writer producing to topic on brokers.
func NewKafkaWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		BatchTimeout:           10 * time.Millisecond,
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: true,
	}
}

var _ checkout.Delegate = (*Publisher)(nil)

// Publisher implements checkout.Delegate. Delegate calls never block on the
// broker: events are queued and written by Run. Events are dropped when the
// queue is full.
type Publisher struct {
	lg     *zap.Logger
	w      Writer
	events chan kafka.Message
	now    func() time.Time
}

// NewPublisher creates a Publisher. A nil writer disables publishing and
// leaves only logging.
func NewPublisher(lg *zap.Logger, w Writer, buffer int) *Publisher {
	if buffer <= 0 {
		buffer = 256
	}
	return &Publisher{
		lg:     lg,
		w:      w,
		events: make(chan kafka.Message, buffer),
		now:    time.Now,
	}
}

// Run writes queued events until ctx is done. Events queued after that stay
// in the queue until Flush.
func (p *Publisher) Run(ctx context.Context) error {
	if p.w == nil {
		<-ctx.Done()
		return nil
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-p.events:
			p.write(ctx, msg)
		}
	}
}

// Flush writes every queued event. It is called during shutdown once Run has
// returned and no attempt can emit events anymore.
func (p *Publisher) Flush(ctx context.Context) {
	if p.w == nil {
		return
	}
	for {
		select {
		case msg := <-p.events:
			p.write(ctx, msg)
		default:
			return
		}
	}
}

func (p *Publisher) write(ctx context.Context, msg kafka.Message) {
	if err := p.w.WriteMessages(ctx, msg); err != nil {
		p.lg.Warn("Failed to publish event",
			zap.ByteString("order_id", msg.Key),
			zap.Error(err),
		)
	}
}

// Close closes the writer.
func (p *Publisher) Close() error {
	if p.w == nil {
		return nil
	}
	return p.w.Close()
}

func (p *Publisher) publish(orderID, typ string, fields func(e *jx.Encoder)) {
	if p.w == nil {
		return
	}
	now := p.now().UTC()

	var e jx.Encoder
	e.ObjStart()
	e.FieldStart("type")
	e.Str(typ)
	e.FieldStart("order_id")
	e.Str(orderID)
	e.FieldStart("at")
	e.Str(now.Format(time.RFC3339Nano))
	if fields != nil {
		fields(&e)
	}
	e.ObjEnd()

	msg := kafka.Message{
		Key:   []byte(orderID),
		Value: e.Bytes(),
		Time:  now,
		Headers: []kafka.Header{
			{Key: "type", Value: []byte(typ)},
		},
	}
	select {
	case p.events <- msg:
	default:
		p.lg.Warn("Event queue full, dropping event",
			zap.String("order_id", orderID),
			zap.String("type", typ),
		)
	}
}

func (p *Publisher) StateDidChange(orderID string, from, to checkout.State) {
	p.lg.Info("Order state changed",
		zap.String("order_id", orderID),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
	)
	p.publish(orderID, EventStateChanged, func(e *jx.Encoder) {
		e.FieldStart("from")
		e.Str(string(from))
		e.FieldStart("to")
		e.Str(string(to))
	})
}

func (p *Publisher) OrderWillFinish(orderID string) {
	p.lg.Info("Submitting order", zap.String("order_id", orderID))
	p.publish(orderID, EventWillFinish, nil)
}

func (p *Publisher) UploadStatusDidUpdate(orderID string, job asset.Job) {
	p.lg.Debug("Asset status updated",
		zap.String("order_id", orderID),
		zap.String("asset_id", job.AssetID),
		zap.String("status", string(job.Status)),
		zap.Int("attempts", job.Attempts),
	)
}

func (p *Publisher) ProgressDidUpdate(orderID string, pr asset.Progress) {
	p.lg.Debug("Upload progress",
		zap.String("order_id", orderID),
		zap.Int("registered", pr.Registered),
		zap.Int("total", pr.Total),
	)
}

func (p *Publisher) OrderDidComplete(orderID string, err error) {
	if err != nil {
		p.lg.Warn("Order processing failed",
			zap.String("order_id", orderID),
			zap.String("kind", string(checkout.KindOf(err))),
			zap.Error(err),
		)
	} else {
		p.lg.Info("Order completed", zap.String("order_id", orderID))
	}
	p.publish(orderID, EventCompleted, func(e *jx.Encoder) {
		e.FieldStart("ok")
		e.Bool(err == nil)
		if err == nil {
			return
		}
		e.FieldStart("error_kind")
		e.Str(string(checkout.KindOf(err)))
		e.FieldStart("error")
		e.Str(err.Error())
	})
}
