package messaging

import (
	"context"
	"errors"
	"fmt"
	"time"

	"eshop-orders/internal/tracing"
	"eshop-orders/internal/types"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
)

// MessageMeta 交给业务处理的消息元数据
type MessageMeta struct {
	MessageID     string
	CorrelationID string
	DeliveryCount int
	EnqueuedAt    time.Time
	Properties    map[string]string
}

// OrderHandler 订单消息的业务处理
type OrderHandler interface {
	HandleOrder(ctx context.Context, order types.Order, meta MessageMeta) error
}

// OrderHandlerFunc 函数适配器
type OrderHandlerFunc func(ctx context.Context, order types.Order, meta MessageMeta) error

func (f OrderHandlerFunc) HandleOrder(ctx context.Context, order types.Order, meta MessageMeta) error {
	return f(ctx, order, meta)
}

// ConsumerOptions 消费者参数
type ConsumerOptions struct {
	MaxConcurrency int
}

// OrderConsumer 从订单队列消费消息。
// 每条消息恢复上游 trace context 后处理，成功则确认，出错或panic则放弃并由broker重新投递。
type OrderConsumer struct {
	processor Processor
	handler   OrderHandler
	queue     string
	tel       *tracing.Telemetry
	log       zerolog.Logger
}

func NewOrderConsumer(client Client, queue string, handler OrderHandler, tel *tracing.Telemetry, log zerolog.Logger, opts ConsumerOptions) (*OrderConsumer, error) {
	if handler == nil {
		return nil, ErrNoHandler
	}
	if tel == nil {
		tel = tracing.NopTelemetry()
	}
	if opts.MaxConcurrency <= 0 {
		opts.MaxConcurrency = DefaultMaxConcurrency
	}
	proc, err := client.CreateProcessor(queue, ProcessorOptions{MaxConcurrency: opts.MaxConcurrency, AutoComplete: false})
	if err != nil {
		return nil, fmt.Errorf("create processor for %s: %w", queue, err)
	}
	c := &OrderConsumer{
		processor: proc,
		handler:   handler,
		queue:     queue,
		tel:       tel,
		log:       log.With().Str("component", "consumer").Str("queue", queue).Logger(),
	}
	proc.OnMessage(c.handleMessage)
	proc.OnError(c.handleError)
	return c, nil
}

// Start 开始接收消息，立即返回
func (c *OrderConsumer) Start(ctx context.Context) error {
	if err := c.processor.Start(ctx); err != nil {
		return err
	}
	c.log.Info().Msg("订单消费者已启动")
	return nil
}

// Stop 先停止接收并等待处理中的消息，再释放broker资源
func (c *OrderConsumer) Stop(ctx context.Context) error {
	stopErr := c.processor.StopProcessing(ctx)
	closeErr := c.processor.Close(ctx)
	if err := errors.Join(stopErr, closeErr); err != nil {
		c.log.Warn().Err(err).Msg("订单消费者停止时出错")
		return err
	}
	c.log.Info().Msg("订单消费者已停止")
	return nil
}

func (c *OrderConsumer) handleMessage(ctx context.Context, d Delivery) error {
	rm := d.Message()
	orderID := rm.Properties[PropOrderID]

	ctx = c.tel.Propagator.Extract(ctx, rm.Properties)
	ctx, span := c.tel.Tracer.Start(ctx, "ProcessOrderMessage", trace.WithSpanKind(trace.SpanKindConsumer))
	defer span.End()
	span.SetAttributes(
		semconv.MessagingMessageIDKey.String(rm.MessageID),
		semconv.MessagingDestinationNameKey.String(c.queue),
		attribute.String("order.id", orderID),
		attribute.Int("messaging.delivery_count", rm.DeliveryCount),
	)

	log := c.log.With().
		Str("message_id", rm.MessageID).
		Str("correlation_id", rm.CorrelationID).
		Str("order_id", orderID).
		Int("delivery_count", rm.DeliveryCount).
		Logger()
	start := time.Now()

	c.transition(span, &log, StateReceived)
	c.transition(span, &log, StateProcessing)

	procErr := c.process(ctx, rm)
	elapsed := float64(time.Since(start).Microseconds()) / 1000.0

	if procErr == nil {
		if err := d.Complete(ctx); err != nil {
			tracing.RecordError(span, err, tracing.ErrorTypeBroker)
			log.Error().Err(err).Msg("确认消息失败")
			return err
		}
		c.transition(span, &log, StateCompleted)
		c.tel.MessagesConsumed.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "completed")))
		c.tel.ProcessingDuration.Record(ctx, elapsed, metric.WithAttributes(attribute.String("outcome", "completed")))
		span.SetStatus(codes.Ok, "")
		return nil
	}

	tracing.RecordError(span, procErr, tracing.ErrorTypeProcessing)
	c.tel.ProcessingErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("error.kind", types.ErrorKind(procErr))))
	log.Error().Err(procErr).Msg("订单消息处理失败，放弃以便重试")

	if err := d.Abandon(ctx); err != nil {
		log.Error().Err(err).Msg("放弃消息失败")
		return errors.Join(procErr, err)
	}
	c.transition(span, &log, StateAbandonedForRetry)
	c.tel.MessagesConsumed.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "abandoned")))
	c.tel.ProcessingDuration.Record(ctx, elapsed, metric.WithAttributes(attribute.String("outcome", "abandoned")))
	return procErr
}

// process 解码并调用业务处理，panic 转为错误
func (c *OrderConsumer) process(ctx context.Context, rm ReceivedMessage) (err error) {
	orderID := rm.Properties[PropOrderID]
	defer func() {
		if r := recover(); r != nil {
			err = types.NewProcessingError(orderID, fmt.Errorf("panic: %v", r))
		}
	}()

	var order types.Order
	if err := json.Unmarshal(rm.Body, &order); err != nil {
		c.log.Warn().Err(err).Str("body", tracing.SafePayload(rm.Body)).Str("message_id", rm.MessageID).Str("correlation_id", rm.CorrelationID).Msg("无法解析订单消息")
		return types.NewProcessingError(orderID, fmt.Errorf("decode order: %w", err))
	}
	meta := MessageMeta{
		MessageID:     rm.MessageID,
		CorrelationID: rm.CorrelationID,
		DeliveryCount: rm.DeliveryCount,
		EnqueuedAt:    rm.EnqueuedAt,
		Properties:    rm.Properties,
	}
	if err := c.handler.HandleOrder(ctx, order, meta); err != nil {
		return types.NewProcessingError(order.ID, err)
	}
	return nil
}

func (c *OrderConsumer) transition(span trace.Span, log *zerolog.Logger, state DeliveryState) {
	span.AddEvent(state.String())
	log.Debug().Str("state", state.String()).Msg("消息状态变更")
}

// handleError broker层错误只记录，不影响消费循环
func (c *OrderConsumer) handleError(ctx context.Context, err error) {
	c.tel.ProcessingErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("error.kind", "broker")))
	c.log.Error().Err(err).Msg("消息代理错误")
}
