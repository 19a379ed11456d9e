package orders

import (
	"context"
	"runtime"
	"sync/atomic"
	"time"

	"eshop-orders/internal/messaging"
	"eshop-orders/internal/storage"
	"eshop-orders/internal/tracing"
	"eshop-orders/internal/types"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/pool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const (
	defaultPerOrderTimeout = 30 * time.Second
	defaultPeekMax         = 32
	maxDefaultParallelism  = 4
)

// Publisher 订单消息发送端
type Publisher interface {
	SendOne(ctx context.Context, order types.Order) error
	// SendBatch 用于 RepublishOrders 的批量重发
	SendBatch(ctx context.Context, orders []types.Order) error
}

// MessageLister 查看已发送但尚未消费的消息
type MessageLister interface {
	ListMessages(ctx context.Context, max int) ([]messaging.PeekedOrder, error)
}

// Options 服务参数，零值使用默认值
type Options struct {
	BatchParallelism int           // 默认 min(NumCPU, 4)
	PerOrderTimeout  time.Duration // 批量下单时单个订单的超时
	PeekMax          int
}

func (o Options) withDefaults() Options {
	if o.BatchParallelism <= 0 {
		o.BatchParallelism = min(runtime.NumCPU(), maxDefaultParallelism)
	}
	if o.PerOrderTimeout <= 0 {
		o.PerOrderTimeout = defaultPerOrderTimeout
	}
	if o.PeekMax <= 0 {
		o.PeekMax = defaultPeekMax
	}
	return o
}

// Failure 批量操作中单个订单的失败
type Failure struct {
	OrderID string
	Index   int
	Err     error
}

// BatchResult 批量下单结果，Placed 保持输入顺序
type BatchResult struct {
	Placed   []types.Order
	Failures []Failure
}

// Service 订单服务：校验、持久化并发布下单事件
type Service struct {
	store     storage.OrderStore
	publisher Publisher
	lister    MessageLister
	tel       *tracing.Telemetry
	log       zerolog.Logger
	opts      Options
}

// NewService lister 为nil时 ListPublishedMessages 返回空列表
func NewService(store storage.OrderStore, publisher Publisher, lister MessageLister, tel *tracing.Telemetry, log zerolog.Logger, opts Options) *Service {
	if tel == nil {
		tel = tracing.NopTelemetry()
	}
	return &Service{
		store:     store,
		publisher: publisher,
		lister:    lister,
		tel:       tel,
		log:       log.With().Str("component", "order_service").Logger(),
		opts:      opts.withDefaults(),
	}
}

// PlaceOrder 校验并保存订单，然后发布 OrderPlaced 消息。
// 保存成功但发布失败时返回错误，订单保留在存储中。
// 查重与保存不是原子操作，并发提交同一ID时后写入者覆盖先写入者。
func (s *Service) PlaceOrder(ctx context.Context, order types.Order) (types.Order, error) {
	ctx, span := s.tel.Tracer.Start(ctx, "PlaceOrder")
	defer span.End()
	span.SetAttributes(
		attribute.String("order.id", order.ID),
		attribute.Int("order.products.count", len(order.Products)),
	)
	log := s.log.With().Str("order_id", order.ID).Logger()

	if err := ctx.Err(); err != nil {
		cerr := types.NewCancelledError(order.ID, "place", err)
		tracing.RecordError(span, cerr, tracing.ErrorTypeCancelled)
		return types.Order{}, cerr
	}

	if err := order.Validate(); err != nil {
		tracing.RecordError(span, err, tracing.ErrorTypeValidation)
		log.Warn().Err(err).Msg("订单校验失败")
		return types.Order{}, err
	}

	_, exists, err := s.store.GetByID(ctx, order.ID)
	if err != nil {
		tracing.RecordError(span, err, tracing.ErrorTypeOf(err, tracing.ErrorTypeDB))
		return types.Order{}, err
	}
	if exists {
		derr := types.NewDuplicateError(order.ID)
		tracing.RecordError(span, derr, tracing.ErrorTypeDuplicate)
		log.Warn().Msg("订单已存在，拒绝重复提交")
		return types.Order{}, derr
	}

	saved := order.Clone()
	if err := s.store.Save(ctx, saved); err != nil {
		tracing.RecordError(span, err, tracing.ErrorTypeOf(err, tracing.ErrorTypeDB))
		log.Error().Err(err).Msg("保存订单失败")
		return types.Order{}, err
	}

	if err := s.publisher.SendOne(ctx, saved); err != nil {
		tracing.RecordError(span, err, tracing.ErrorTypeBroker)
		log.Error().Err(err).Msg("订单已保存但消息发布失败")
		return types.Order{}, err
	}

	s.tel.OrdersPlaced.Add(ctx, 1)
	span.SetStatus(codes.Ok, "")
	log.Info().Str("total", saved.Total.StringFixed(2)).Msg("订单已提交")
	return saved, nil
}

// PlaceOrdersBatch 并发地逐个下单，单个订单失败不影响其他订单。
// 空批次返回 ErrValidation；父 context 取消时返回已完成的部分结果和 ErrCancelled。
func (s *Service) PlaceOrdersBatch(ctx context.Context, orders []types.Order) (BatchResult, error) {
	if len(orders) == 0 {
		return BatchResult{}, types.NewValidationError("", "orders", "batch must contain at least one order")
	}

	ctx, span := s.tel.Tracer.Start(ctx, "PlaceOrdersBatch")
	defer span.End()
	span.SetAttributes(
		attribute.Int("orders.count", len(orders)),
		attribute.Int("batch.parallelism", s.opts.BatchParallelism),
	)

	placed := make([]types.Order, len(orders))
	errs := make([]error, len(orders))
	attempted := make([]bool, len(orders))

	p := pool.New().WithMaxGoroutines(s.opts.BatchParallelism)
	for i, order := range orders {
		if ctx.Err() != nil {
			break
		}
		attempted[i] = true
		p.Go(func() {
			octx, cancel := context.WithTimeout(ctx, s.opts.PerOrderTimeout)
			defer cancel()
			placed[i], errs[i] = s.PlaceOrder(octx, order)
		})
	}
	p.Wait()

	var result BatchResult
	for i, order := range orders {
		err := errs[i]
		if !attempted[i] {
			err = types.NewCancelledError(order.ID, "place", ctx.Err())
		}
		if err != nil {
			result.Failures = append(result.Failures, Failure{OrderID: order.ID, Index: i, Err: err})
			continue
		}
		result.Placed = append(result.Placed, placed[i])
	}

	span.SetAttributes(
		attribute.Int("orders.placed", len(result.Placed)),
		attribute.Int("orders.failed", len(result.Failures)),
	)
	if n := len(result.Failures); n > 0 {
		span.AddEvent("BatchPartialFailure", trace.WithAttributes(
			attribute.Int("failed.count", n),
			attribute.Int("succeeded.count", len(result.Placed)),
		))
		s.tel.ProcessingErrors.Add(ctx, int64(n), metric.WithAttributes(attribute.String("operation", "place_batch")))
		s.log.Warn().Int("failed", n).Int("placed", len(result.Placed)).Msg("批量下单部分失败")
	} else {
		s.log.Info().Int("placed", len(result.Placed)).Msg("批量下单完成")
	}

	if err := ctx.Err(); err != nil {
		cerr := types.NewCancelledError("", "place_batch", err)
		tracing.RecordError(span, cerr, tracing.ErrorTypeCancelled)
		return result, cerr
	}
	span.SetStatus(codes.Ok, "")
	return result, nil
}

// GetOrders 返回全部订单
func (s *Service) GetOrders(ctx context.Context) ([]types.Order, error) {
	ctx, span := s.tel.Tracer.Start(ctx, "GetOrders")
	defer span.End()

	all, err := s.store.GetAll(ctx)
	if err != nil {
		tracing.RecordError(span, err, tracing.ErrorTypeOf(err, tracing.ErrorTypeDB))
		return nil, err
	}
	span.SetAttributes(attribute.Int("orders.count", len(all)))
	return all, nil
}

func (s *Service) GetOrderByID(ctx context.Context, id string) (types.Order, bool, error) {
	ctx, span := s.tel.Tracer.Start(ctx, "GetOrderByID")
	defer span.End()
	span.SetAttributes(attribute.String("order.id", id))

	if types.IsBlank(id) {
		err := types.NewValidationError(id, "id", "must not be blank")
		tracing.RecordError(span, err, tracing.ErrorTypeValidation)
		return types.Order{}, false, err
	}
	order, ok, err := s.store.GetByID(ctx, id)
	if err != nil {
		tracing.RecordError(span, err, tracing.ErrorTypeOf(err, tracing.ErrorTypeDB))
		return types.Order{}, false, err
	}
	span.SetAttributes(attribute.Bool("order.found", ok))
	return order, ok, nil
}

// DeleteOrder 订单不存在时返回 false
func (s *Service) DeleteOrder(ctx context.Context, id string) (bool, error) {
	ctx, span := s.tel.Tracer.Start(ctx, "DeleteOrder")
	defer span.End()
	span.SetAttributes(attribute.String("order.id", id))

	if types.IsBlank(id) {
		err := types.NewValidationError(id, "id", "must not be blank")
		tracing.RecordError(span, err, tracing.ErrorTypeValidation)
		return false, err
	}
	deleted, err := s.store.Delete(ctx, id)
	if err != nil {
		tracing.RecordError(span, err, tracing.ErrorTypeOf(err, tracing.ErrorTypeDB))
		return false, err
	}
	span.SetAttributes(attribute.Bool("order.deleted", deleted))
	if deleted {
		s.tel.OrdersDeleted.Add(ctx, 1)
		s.log.Info().Str("order_id", id).Msg("订单已删除")
	}
	return deleted, nil
}

// DeleteOrdersBatch 逐个删除，缺失或失败的ID记录日志后跳过，返回实际删除数
func (s *Service) DeleteOrdersBatch(ctx context.Context, ids []string) (int, error) {
	ctx, span := s.tel.Tracer.Start(ctx, "DeleteOrdersBatch")
	defer span.End()
	span.SetAttributes(attribute.Int("orders.count", len(ids)))

	var deleted atomic.Int64
	p := pool.New().WithMaxGoroutines(s.opts.BatchParallelism)
	for _, id := range ids {
		if ctx.Err() != nil {
			break
		}
		p.Go(func() {
			ok, err := s.DeleteOrder(ctx, id)
			switch {
			case err != nil:
				s.log.Warn().Err(err).Str("order_id", id).Msg("批量删除时删除订单失败，跳过")
			case !ok:
				s.log.Debug().Str("order_id", id).Msg("批量删除时订单不存在，跳过")
			default:
				deleted.Add(1)
			}
		})
	}
	p.Wait()

	n := int(deleted.Load())
	span.SetAttributes(attribute.Int("orders.deleted", n))
	if err := ctx.Err(); err != nil {
		cerr := types.NewCancelledError("", "delete_batch", err)
		tracing.RecordError(span, cerr, tracing.ErrorTypeCancelled)
		return n, cerr
	}
	span.SetStatus(codes.Ok, "")
	return n, nil
}

// RepublishOrders 按ID读取已保存的订单并以批次重新发布 OrderPlaced 消息。
// 空白或不存在的ID记录日志后跳过，返回实际发布的订单数。
// 消费端按订单ID去重，重发不会重复履约。
func (s *Service) RepublishOrders(ctx context.Context, ids []string) (int, error) {
	ctx, span := s.tel.Tracer.Start(ctx, "RepublishOrders")
	defer span.End()
	span.SetAttributes(attribute.Int("orders.count", len(ids)))

	found := make([]types.Order, 0, len(ids))
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			cerr := types.NewCancelledError(id, "republish", err)
			tracing.RecordError(span, cerr, tracing.ErrorTypeCancelled)
			return 0, cerr
		}
		if types.IsBlank(id) {
			s.log.Debug().Msg("重发时跳过空白订单ID")
			continue
		}
		order, ok, err := s.store.GetByID(ctx, id)
		if err != nil {
			tracing.RecordError(span, err, tracing.ErrorTypeOf(err, tracing.ErrorTypeDB))
			return 0, err
		}
		if !ok {
			s.log.Warn().Str("order_id", id).Msg("重发时订单不存在，跳过")
			continue
		}
		found = append(found, order)
	}

	if err := s.publisher.SendBatch(ctx, found); err != nil {
		tracing.RecordError(span, err, tracing.ErrorTypeOf(err, tracing.ErrorTypeBroker))
		s.log.Error().Err(err).Int("orders", len(found)).Msg("订单重发失败")
		return 0, err
	}

	span.SetAttributes(attribute.Int("orders.republished", len(found)))
	span.SetStatus(codes.Ok, "")
	s.log.Info().Int("orders", len(found)).Msg("订单消息已重发")
	return len(found), nil
}

// ListPublishedMessages 查看队列中等待消费的消息，max<=0 时使用默认上限
func (s *Service) ListPublishedMessages(ctx context.Context, max int) ([]messaging.PeekedOrder, error) {
	ctx, span := s.tel.Tracer.Start(ctx, "ListPublishedMessages")
	defer span.End()

	if max <= 0 {
		max = s.opts.PeekMax
	}
	if s.lister == nil {
		return []messaging.PeekedOrder{}, nil
	}
	msgs, err := s.lister.ListMessages(ctx, max)
	if err != nil {
		tracing.RecordError(span, err, tracing.ErrorTypeBroker)
		return nil, types.NewPublishError("", "peek", err)
	}
	span.SetAttributes(attribute.Int("messages.count", len(msgs)))
	return msgs, nil
}
