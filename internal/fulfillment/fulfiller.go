package fulfillment

import (
	"context"
	"time"

	"eshop-orders/internal/messaging"
	"eshop-orders/internal/storage"
	"eshop-orders/internal/tracing"
	"eshop-orders/internal/types"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var _ messaging.OrderHandler = (*Fulfiller)(nil)

// Fulfiller 处理下单消息。
// 以订单ID做幂等：已处理过的订单直接确认，重复投递不会重复执行业务逻辑。
type Fulfiller struct {
	ledger storage.ProcessedLedger
	tel    *tracing.Telemetry
	log    zerolog.Logger
	now    func() time.Time
}

func NewFulfiller(ledger storage.ProcessedLedger, tel *tracing.Telemetry, log zerolog.Logger) *Fulfiller {
	if tel == nil {
		tel = tracing.NopTelemetry()
	}
	return &Fulfiller{
		ledger: ledger,
		tel:    tel,
		log:    log.With().Str("component", "fulfiller").Logger(),
		now:    time.Now,
	}
}

func (f *Fulfiller) HandleOrder(ctx context.Context, order types.Order, meta messaging.MessageMeta) error {
	span := trace.SpanFromContext(ctx)

	if err := order.Validate(); err != nil {
		tracing.RecordError(span, err, tracing.ErrorTypeValidation)
		return err
	}

	done, err := f.ledger.IsProcessed(ctx, order.ID)
	if err != nil {
		return err
	}
	if done {
		span.AddEvent("DuplicateOrderSkipped", trace.WithAttributes(attribute.String("order.id", order.ID)))
		f.log.Info().
			Str("order_id", order.ID).
			Str("message_id", meta.MessageID).
			Int("delivery_count", meta.DeliveryCount).
			Msg("订单已处理过，跳过重复消息")
		return nil
	}

	if err := f.fulfil(ctx, order, meta); err != nil {
		return err
	}

	return f.ledger.MarkProcessed(ctx, storage.Receipt{
		OrderID:       order.ID,
		MessageID:     meta.MessageID,
		CorrelationID: meta.CorrelationID,
		Properties:    meta.Properties,
		ProcessedAt:   f.now().UTC(),
	})
}

// fulfil 订单履约的业务逻辑，目前只记录订单摘要
func (f *Fulfiller) fulfil(ctx context.Context, order types.Order, meta messaging.MessageMeta) error {
	ctx, span := f.tel.Tracer.Start(ctx, "ProcessOrder.BusinessLogic")
	defer span.End()
	span.SetAttributes(
		attribute.String("order.id", order.ID),
		safeAttr("order.customer_id", order.CustomerID),
		safeAttr("order.delivery_address", order.DeliveryAddress),
		attribute.Int("order.products.count", len(order.Products)),
		attribute.String("order.total", order.Total.StringFixed(2)),
	)

	if err := ctx.Err(); err != nil {
		cerr := types.NewCancelledError(order.ID, "fulfil", err)
		tracing.RecordError(span, cerr, tracing.ErrorTypeCancelled)
		return cerr
	}

	items := 0
	for _, p := range order.Products {
		items += p.Quantity
	}
	f.log.Info().
		Str("order_id", order.ID).
		Str("customer_id", tracing.MaskPII(order.CustomerID)).
		Str("total", order.Total.StringFixed(2)).
		Int("products", len(order.Products)).
		Int("items", items).
		Str("correlation_id", meta.CorrelationID).
		Msg("订单处理完成")
	span.SetStatus(codes.Ok, "")
	return nil
}

// safeAttr 按属性名掩码或截断后生成 span 属性
func safeAttr(name, value string) attribute.KeyValue {
	return attribute.String(name, tracing.SafeAttributeValue(name, value, tracing.DefaultMaxLength))
}
