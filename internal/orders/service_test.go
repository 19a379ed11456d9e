package orders

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"eshop-orders/internal/messaging"
	"eshop-orders/internal/storage"
	"eshop-orders/internal/tracing"
	"eshop-orders/internal/types"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

const topic = "orders"

func newOrder(id string) types.Order {
	return types.Order{
		ID:              id,
		CustomerID:      "customer-" + id,
		Date:            time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC),
		DeliveryAddress: "1 Main Street",
		Total:           decimal.RequireFromString("30.00"),
		Products: []types.OrderProduct{
			{ID: id + "-p1", OrderID: id, ProductID: "sku-1", ProductDescription: "Mug", Quantity: 3, Price: decimal.RequireFromString("10.00")},
		},
	}
}

type fixture struct {
	svc    *Service
	store  *storage.MemoryOrderStore
	broker *messaging.MemoryBroker
	spans  *tracetest.SpanRecorder
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	tel, err := tracing.NewTelemetry(tp, nil)
	require.NoError(t, err)

	broker := messaging.NewMemoryBroker()
	sender, err := broker.CreateSender(topic)
	require.NoError(t, err)
	pub := messaging.NewOrderPublisher(sender, topic, tel, zerolog.Nop())
	store := storage.NewMemoryOrderStore()

	svc := NewService(store, pub, messaging.NewQueueInspector(broker, topic), tel, zerolog.Nop(), opts)
	return &fixture{svc: svc, store: store, broker: broker, spans: rec}
}

func (f *fixture) span(name string) sdktrace.ReadOnlySpan {
	for _, s := range f.spans.Ended() {
		if s.Name() == name {
			return s
		}
	}
	return nil
}

func TestPlaceOrderRoundTrip(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	placed, err := f.svc.PlaceOrder(ctx, newOrder("order-1"))
	require.NoError(t, err)
	assert.Equal(t, "order-1", placed.ID)

	got, ok, err := f.svc.GetOrderByID(ctx, "order-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, placed.CustomerID, got.CustomerID)
	assert.True(t, placed.Total.Equal(got.Total))
	assert.Len(t, got.Products, 1)

	sent := f.broker.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "order-1", sent[0].Properties[messaging.PropOrderID])

	// 消息携带的 traceparent 属于 PlaceOrder 的trace
	span := f.span("PlaceOrder")
	require.NotNil(t, span)
	assert.Equal(t, span.SpanContext().TraceID().String(), sent[0].CorrelationID)
}

func TestPlaceOrderRejectsDuplicate(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	_, err := f.svc.PlaceOrder(ctx, newOrder("order-1"))
	require.NoError(t, err)

	dup := newOrder("order-1")
	dup.DeliveryAddress = "somewhere else"
	_, err = f.svc.PlaceOrder(ctx, dup)
	assert.ErrorIs(t, err, types.ErrDuplicate)

	got, _, err := f.svc.GetOrderByID(ctx, "order-1")
	require.NoError(t, err)
	assert.Equal(t, "1 Main Street", got.DeliveryAddress)
	assert.Len(t, f.broker.Sent(), 1, "重复订单不发布消息")
}

func TestPlaceOrderInvalidLeavesStoreUnchanged(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(o *types.Order)
		field  string
	}{
		{"blank id", func(o *types.Order) { o.ID = "" }, "id"},
		{"blank customer", func(o *types.Order) { o.CustomerID = " " }, "customerId"},
		{"no products", func(o *types.Order) { o.Products = nil }, "products"},
		{"non-positive total", func(o *types.Order) { o.Total = decimal.Zero }, "total"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, Options{})
			o := newOrder("order-1")
			tt.mutate(&o)

			_, err := f.svc.PlaceOrder(context.Background(), o)
			require.ErrorIs(t, err, types.ErrValidation)
			var oe *types.OrderError
			require.True(t, errors.As(err, &oe))
			assert.Equal(t, tt.field, oe.Field)

			assert.Equal(t, 0, f.store.Len())
			assert.Empty(t, f.broker.Sent())
		})
	}
}

// 发布失败时错误向上传递，订单仍保留在存储中
func TestPlaceOrderPublishFailureKeepsOrder(t *testing.T) {
	f := newFixture(t, Options{})
	f.broker.SetSendError(errors.New("broker unreachable"))

	_, err := f.svc.PlaceOrder(context.Background(), newOrder("order-1"))
	assert.ErrorIs(t, err, types.ErrPublish)

	_, ok, err := f.svc.GetOrderByID(context.Background(), "order-1")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestPlaceOrderCancelled(t *testing.T) {
	f := newFixture(t, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.svc.PlaceOrder(ctx, newOrder("order-1"))
	assert.ErrorIs(t, err, types.ErrCancelled)
	assert.Equal(t, 0, f.store.Len())
}

func TestPlaceOrdersBatchPartialFailure(t *testing.T) {
	f := newFixture(t, Options{BatchParallelism: 2})

	a, b, c := newOrder("A"), newOrder("B"), newOrder("C")
	b.Products = nil

	result, err := f.svc.PlaceOrdersBatch(context.Background(), []types.Order{a, b, c})
	require.NoError(t, err)

	require.Len(t, result.Placed, 2)
	assert.Equal(t, "A", result.Placed[0].ID)
	assert.Equal(t, "C", result.Placed[1].ID)

	require.Len(t, result.Failures, 1)
	assert.Equal(t, "B", result.Failures[0].OrderID)
	assert.Equal(t, 1, result.Failures[0].Index)
	assert.ErrorIs(t, result.Failures[0].Err, types.ErrValidation)

	assert.Equal(t, 2, f.store.Len())

	span := f.span("PlaceOrdersBatch")
	require.NotNil(t, span)
	var events []string
	for _, e := range span.Events() {
		events = append(events, e.Name)
	}
	assert.Contains(t, events, "BatchPartialFailure")
}

func TestPlaceOrdersBatchEmpty(t *testing.T) {
	f := newFixture(t, Options{})
	_, err := f.svc.PlaceOrdersBatch(context.Background(), nil)
	assert.ErrorIs(t, err, types.ErrValidation)
}

func TestPlaceOrdersBatchAllSucceed(t *testing.T) {
	f := newFixture(t, Options{BatchParallelism: 4})
	batch := make([]types.Order, 20)
	for i := range batch {
		batch[i] = newOrder("order-" + strconv.Itoa(i))
	}

	result, err := f.svc.PlaceOrdersBatch(context.Background(), batch)
	require.NoError(t, err)
	assert.Empty(t, result.Failures)
	require.Len(t, result.Placed, 20)
	for i, o := range result.Placed {
		assert.Equal(t, batch[i].ID, o.ID)
	}
	assert.Len(t, f.broker.Sent(), 20)
}

// blockingStore 第一次保存时阻塞直到context结束
type blockingStore struct {
	*storage.MemoryOrderStore
	once    sync.Once
	entered chan struct{}
}

func (s *blockingStore) Save(ctx context.Context, o types.Order) error {
	first := false
	s.once.Do(func() { first = true; close(s.entered) })
	if first {
		<-ctx.Done()
		return types.NewCancelledError(o.ID, "save", ctx.Err())
	}
	return s.MemoryOrderStore.Save(ctx, o)
}

func TestPlaceOrdersBatchParentCancelled(t *testing.T) {
	store := &blockingStore{MemoryOrderStore: storage.NewMemoryOrderStore(), entered: make(chan struct{})}
	broker := messaging.NewMemoryBroker()
	sender, err := broker.CreateSender(topic)
	require.NoError(t, err)
	svc := NewService(store, messaging.NewOrderPublisher(sender, topic, nil, zerolog.Nop()), nil, nil, zerolog.Nop(), Options{BatchParallelism: 1})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-store.entered
		cancel()
	}()

	batch := []types.Order{newOrder("A"), newOrder("B"), newOrder("C")}
	result, err := svc.PlaceOrdersBatch(ctx, batch)
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrCancelled)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, result.Placed)
	assert.Len(t, result.Failures, 3)
	for _, fl := range result.Failures {
		assert.ErrorIs(t, fl.Err, types.ErrCancelled)
	}
}

func TestPlaceOrdersBatchPerOrderTimeout(t *testing.T) {
	store := &blockingStore{MemoryOrderStore: storage.NewMemoryOrderStore(), entered: make(chan struct{})}
	broker := messaging.NewMemoryBroker()
	sender, err := broker.CreateSender(topic)
	require.NoError(t, err)
	svc := NewService(store, messaging.NewOrderPublisher(sender, topic, nil, zerolog.Nop()), nil, nil, zerolog.Nop(),
		Options{BatchParallelism: 1, PerOrderTimeout: 20 * time.Millisecond})

	result, err := svc.PlaceOrdersBatch(context.Background(), []types.Order{newOrder("A"), newOrder("B")})
	require.NoError(t, err)
	require.Len(t, result.Failures, 1)
	assert.Equal(t, "A", result.Failures[0].OrderID)
	assert.ErrorIs(t, result.Failures[0].Err, context.DeadlineExceeded)
	require.Len(t, result.Placed, 1)
	assert.Equal(t, "B", result.Placed[0].ID)
}

func TestDeleteOrderSemantics(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	_, err := f.svc.PlaceOrder(ctx, newOrder("order-1"))
	require.NoError(t, err)

	deleted, err := f.svc.DeleteOrder(ctx, "order-1")
	require.NoError(t, err)
	assert.True(t, deleted)

	_, ok, err := f.svc.GetOrderByID(ctx, "order-1")
	require.NoError(t, err)
	assert.False(t, ok)

	deleted, err = f.svc.DeleteOrder(ctx, "order-1")
	require.NoError(t, err)
	assert.False(t, deleted)

	_, err = f.svc.DeleteOrder(ctx, "  ")
	assert.ErrorIs(t, err, types.ErrValidation)
	_, _, err = f.svc.GetOrderByID(ctx, "")
	assert.ErrorIs(t, err, types.ErrValidation)
}

func TestDeleteOrdersBatch(t *testing.T) {
	f := newFixture(t, Options{BatchParallelism: 2})
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		_, err := f.svc.PlaceOrder(ctx, newOrder(id))
		require.NoError(t, err)
	}

	n, err := f.svc.DeleteOrdersBatch(ctx, []string{"a", "missing", "c", " "})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	all, err := f.svc.GetOrders(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "b", all[0].ID)

	n, err = f.svc.DeleteOrdersBatch(ctx, nil)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRepublishOrders(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		_, err := f.svc.PlaceOrder(ctx, newOrder(id))
		require.NoError(t, err)
	}

	n, err := f.svc.RepublishOrders(ctx, []string{"c", "missing", " ", "a"})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	batches := f.broker.Batches()
	require.Len(t, batches, 1)
	require.Len(t, batches[0], 2)
	assert.Equal(t, "c", batches[0][0].Properties[messaging.PropOrderID])
	assert.Equal(t, "a", batches[0][1].Properties[messaging.PropOrderID])
	assert.Equal(t, 5, f.broker.Pending(topic))
	require.NotNil(t, f.span("RepublishOrders"))
}

func TestRepublishOrdersPublishFailure(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	_, err := f.svc.PlaceOrder(ctx, newOrder("a"))
	require.NoError(t, err)

	f.broker.SetSendError(errors.New("broker unreachable"))
	n, err := f.svc.RepublishOrders(ctx, []string{"a"})
	assert.ErrorIs(t, err, types.ErrPublish)
	assert.Zero(t, n)
}

func TestGetOrdersEmpty(t *testing.T) {
	f := newFixture(t, Options{})
	all, err := f.svc.GetOrders(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, all)
	assert.Empty(t, all)
}

func TestListPublishedMessages(t *testing.T) {
	f := newFixture(t, Options{PeekMax: 2})
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		_, err := f.svc.PlaceOrder(ctx, newOrder(id))
		require.NoError(t, err)
	}

	msgs, err := f.svc.ListPublishedMessages(ctx, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "a", msgs[0].Properties[messaging.PropOrderID])
	require.NotNil(t, msgs[0].Order)
	assert.Equal(t, "a", msgs[0].Order.ID)

	msgs, err = f.svc.ListPublishedMessages(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, msgs, 3)
	assert.Equal(t, 3, f.broker.Pending(topic), "查看不消费消息")
}

func TestListPublishedMessagesWithoutLister(t *testing.T) {
	svc := NewService(storage.NewMemoryOrderStore(), messaging.NewNoopPublisher(zerolog.Nop()), nil, nil, zerolog.Nop(), Options{})
	msgs, err := svc.ListPublishedMessages(context.Background(), 5)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestOptionsDefaults(t *testing.T) {
	o := Options{}.withDefaults()
	assert.GreaterOrEqual(t, o.BatchParallelism, 1)
	assert.LessOrEqual(t, o.BatchParallelism, 4)
	assert.Equal(t, 30*time.Second, o.PerOrderTimeout)
	assert.Equal(t, 32, o.PeekMax)
}
