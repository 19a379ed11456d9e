package messaging

import (
	"context"
	"errors"
	"time"

	"eshop-orders/internal/tracing"
	"eshop-orders/internal/types"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
)

// OrderPublisher 把订单编码为 OrderPlaced 消息发送到broker
type OrderPublisher struct {
	sender      Sender
	destination string
	tel         *tracing.Telemetry
	log         zerolog.Logger
	now         func() time.Time
}

// NewOrderPublisher destination 仅用于span属性
func NewOrderPublisher(sender Sender, destination string, tel *tracing.Telemetry, log zerolog.Logger) *OrderPublisher {
	if tel == nil {
		tel = tracing.NopTelemetry()
	}
	return &OrderPublisher{
		sender:      sender,
		destination: destination,
		tel:         tel,
		log:         log.With().Str("component", "publisher").Logger(),
		now:         time.Now,
	}
}

// BuildMessage 编码订单并注入当前 trace context，CorrelationID 为 trace id
func (p *OrderPublisher) BuildMessage(ctx context.Context, order types.Order) (*Message, error) {
	body, err := json.Marshal(order)
	if err != nil {
		return nil, types.NewPublishError(order.ID, "encode", err)
	}
	props := map[string]string{
		PropOrderID:   order.ID,
		PropTimestamp: p.now().UTC().Format(time.RFC3339Nano),
	}
	traceID := p.tel.Propagator.Inject(ctx, props)
	return &Message{
		MessageID:     uuid.NewString(),
		CorrelationID: traceID,
		Subject:       SubjectOrderPlaced,
		ContentType:   ContentTypeJSON,
		Body:          body,
		Properties:    props,
	}, nil
}

func (p *OrderPublisher) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	ctx, span := p.tel.Tracer.Start(ctx, name, trace.WithSpanKind(trace.SpanKindProducer))
	span.SetAttributes(semconv.MessagingDestinationNameKey.String(p.destination))
	span.SetAttributes(attrs...)
	return ctx, span
}

// SendOne 发送单个订单消息
func (p *OrderPublisher) SendOne(ctx context.Context, order types.Order) error {
	ctx, span := p.startSpan(ctx, "SendOrderMessage", attribute.String("order.id", order.ID))
	defer span.End()

	if err := ctx.Err(); err != nil {
		cerr := types.NewCancelledError(order.ID, "send", err)
		tracing.RecordError(span, cerr, tracing.ErrorTypeCancelled)
		return cerr
	}

	msg, err := p.BuildMessage(ctx, order)
	if err != nil {
		tracing.RecordError(span, err, tracing.ErrorTypeBroker)
		return err
	}
	span.SetAttributes(semconv.MessagingMessageIDKey.String(msg.MessageID))

	if err := p.sender.Send(ctx, msg); err != nil {
		werr := p.wrapSendErr(ctx, order.ID, "send", err)
		tracing.RecordError(span, werr, tracing.ErrorTypeBroker)
		p.log.Error().Err(err).Str("order_id", order.ID).Str("correlation_id", msg.CorrelationID).Msg("发送订单消息失败")
		return werr
	}

	span.SetStatus(codes.Ok, "")
	p.log.Debug().Str("order_id", order.ID).Str("message_id", msg.MessageID).Str("correlation_id", msg.CorrelationID).Msg("订单消息已发送")
	return nil
}

// SendBatch 按批次容量切分并依次发送。
// 先检查每条消息能否放入空批次，有一条放不下则整体拒绝且不发送任何消息；
// 中途发送失败时已刷出的批次不会撤回。
func (p *OrderPublisher) SendBatch(ctx context.Context, orders []types.Order) error {
	ctx, span := p.startSpan(ctx, "SendOrdersBatch", attribute.Int("orders.count", len(orders)))
	defer span.End()

	if len(orders) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		cerr := types.NewCancelledError("", "send_batch", err)
		tracing.RecordError(span, cerr, tracing.ErrorTypeCancelled)
		return cerr
	}

	msgs := make([]*Message, len(orders))
	for i, order := range orders {
		msg, err := p.BuildMessage(ctx, order)
		if err != nil {
			tracing.RecordError(span, err, tracing.ErrorTypeBroker)
			return err
		}
		msgs[i] = msg
	}

	batch, err := p.sender.CreateBatch(ctx)
	if err != nil {
		werr := p.wrapSendErr(ctx, "", "create_batch", err)
		tracing.RecordError(span, werr, tracing.ErrorTypeBroker)
		return werr
	}
	capacity := batch.MaxSizeBytes()
	for i, msg := range msgs {
		if size := MessageSize(msg); size > capacity {
			terr := types.NewMessageTooLargeError(orders[i].ID, size, capacity)
			tracing.RecordError(span, terr, tracing.ErrorTypeValidation)
			return terr
		}
	}

	flushed := 0
	flush := func(b *MessageBatch) error {
		if err := p.sender.SendBatch(ctx, b); err != nil {
			return p.wrapSendErr(ctx, "", "send_batch", err)
		}
		flushed++
		p.log.Debug().Int("messages", b.Count()).Int("bytes", b.SizeBytes()).Msg("订单批次已发送")
		return nil
	}

	for i, msg := range msgs {
		res := batch.TryAdd(msg)
		if res.Added() {
			continue
		}
		if res.Reason == RejectTooLarge {
			terr := types.NewMessageTooLargeError(orders[i].ID, MessageSize(msg), batch.MaxSizeBytes())
			tracing.RecordError(span, terr, tracing.ErrorTypeValidation)
			return terr
		}
		if err := flush(batch); err != nil {
			tracing.RecordError(span, err, tracing.ErrorTypeBroker)
			return err
		}
		if batch, err = p.sender.CreateBatch(ctx); err != nil {
			werr := p.wrapSendErr(ctx, orders[i].ID, "create_batch", err)
			tracing.RecordError(span, werr, tracing.ErrorTypeBroker)
			return werr
		}
		if res = batch.TryAdd(msg); !res.Added() {
			terr := types.NewMessageTooLargeError(orders[i].ID, MessageSize(msg), batch.MaxSizeBytes())
			tracing.RecordError(span, terr, tracing.ErrorTypeValidation)
			return terr
		}
	}
	if batch.Count() > 0 {
		if err := flush(batch); err != nil {
			tracing.RecordError(span, err, tracing.ErrorTypeBroker)
			return err
		}
	}

	span.SetAttributes(attribute.Int("batches.count", flushed))
	span.SetStatus(codes.Ok, "")
	p.log.Info().Int("orders", len(orders)).Int("batches", flushed).Msg("订单批量消息已发送")
	return nil
}

func (p *OrderPublisher) wrapSendErr(ctx context.Context, orderID, op string, err error) error {
	if ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return types.NewCancelledError(orderID, op, err)
	}
	return types.NewPublishError(orderID, op, err)
}
