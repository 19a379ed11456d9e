package fulfillment

import (
	"context"
	"errors"
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

func order(id string) types.Order {
	return types.Order{
		ID:         id,
		CustomerID: "customer-1",
		Date:       time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC),
		Total:      decimal.RequireFromString("12.00"),
		Products: []types.OrderProduct{
			{ID: "l1", OrderID: id, ProductID: "sku-1", Quantity: 3, Price: decimal.RequireFromString("4.00")},
		},
	}
}

// failingLedger 查询失败的账本
type failingLedger struct{}

func (failingLedger) IsProcessed(ctx context.Context, orderID string) (bool, error) {
	return false, types.NewStorageError(orderID, "is_processed", errors.New("redis: connection refused"))
}

func (failingLedger) MarkProcessed(ctx context.Context, r storage.Receipt) error { return nil }

func TestFulfillerRecordsReceipt(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	tel, err := tracing.NewTelemetry(tp, nil)
	require.NoError(t, err)

	ledger := storage.NewMemoryProcessedLedger()
	f := NewFulfiller(ledger, tel, zerolog.Nop())

	meta := messaging.MessageMeta{MessageID: "m-1", CorrelationID: "trace-1", DeliveryCount: 1}
	require.NoError(t, f.HandleOrder(context.Background(), order("order-1"), meta))

	r, ok := ledger.Receipt("order-1")
	require.True(t, ok)
	assert.Equal(t, "m-1", r.MessageID)
	assert.Equal(t, "trace-1", r.CorrelationID)

	var names []string
	for _, s := range rec.Ended() {
		names = append(names, s.Name())
	}
	assert.Contains(t, names, "ProcessOrder.BusinessLogic")
}

func TestFulfillerMasksCustomerAttributes(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	tel, err := tracing.NewTelemetry(tp, nil)
	require.NoError(t, err)

	o := order("order-1")
	o.CustomerID = "customer-12345"
	o.DeliveryAddress = "1 Main Street"
	f := NewFulfiller(storage.NewMemoryProcessedLedger(), tel, zerolog.Nop())
	require.NoError(t, f.HandleOrder(context.Background(), o, messaging.MessageMeta{MessageID: "m-1"}))

	attrs := map[string]string{}
	for _, s := range rec.Ended() {
		if s.Name() != "ProcessOrder.BusinessLogic" {
			continue
		}
		for _, kv := range s.Attributes() {
			attrs[string(kv.Key)] = kv.Value.Emit()
		}
	}
	assert.Equal(t, "order-1", attrs["order.id"])
	assert.Equal(t, "cu**********45", attrs["order.customer_id"])
	assert.Equal(t, "1 *********et", attrs["order.delivery_address"])
}

// 同一订单的重复消息只执行一次业务逻辑
func TestFulfillerSkipsDuplicates(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	tel, err := tracing.NewTelemetry(tp, nil)
	require.NoError(t, err)

	ledger := storage.NewMemoryProcessedLedger()
	f := NewFulfiller(ledger, tel, zerolog.Nop())
	ctx := context.Background()

	require.NoError(t, f.HandleOrder(ctx, order("order-1"), messaging.MessageMeta{MessageID: "m-1"}))
	require.NoError(t, f.HandleOrder(ctx, order("order-1"), messaging.MessageMeta{MessageID: "m-2", DeliveryCount: 2}))

	business := 0
	for _, s := range rec.Ended() {
		if s.Name() == "ProcessOrder.BusinessLogic" {
			business++
		}
	}
	assert.Equal(t, 1, business)

	r, _ := ledger.Receipt("order-1")
	assert.Equal(t, "m-1", r.MessageID)
}

func TestFulfillerRejectsInvalidOrder(t *testing.T) {
	ledger := storage.NewMemoryProcessedLedger()
	f := NewFulfiller(ledger, nil, zerolog.Nop())

	bad := order("order-1")
	bad.Products = nil
	err := f.HandleOrder(context.Background(), bad, messaging.MessageMeta{})
	assert.ErrorIs(t, err, types.ErrValidation)
	assert.Equal(t, 0, ledger.Count())
}

func TestFulfillerLedgerFailureIsRetryable(t *testing.T) {
	f := NewFulfiller(failingLedger{}, nil, zerolog.Nop())
	err := f.HandleOrder(context.Background(), order("order-1"), messaging.MessageMeta{})
	assert.ErrorIs(t, err, types.ErrStorage)
	assert.True(t, types.IsRetryable(err))
}

// 通过内存broker端到端：重复发送同一订单，账本只记录一次
func TestFulfillerBehindConsumer(t *testing.T) {
	broker := messaging.NewMemoryBroker()
	sender, err := broker.CreateSender("orders")
	require.NoError(t, err)
	pub := messaging.NewOrderPublisher(sender, "orders", nil, zerolog.Nop())

	ledger := storage.NewMemoryProcessedLedger()
	consumer, err := messaging.NewOrderConsumer(broker, "orders", NewFulfiller(ledger, nil, zerolog.Nop()), nil, zerolog.Nop(), messaging.ConsumerOptions{MaxConcurrency: 1})
	require.NoError(t, err)
	require.NoError(t, consumer.Start(context.Background()))
	defer consumer.Stop(context.Background())

	ctx := context.Background()
	require.NoError(t, pub.SendOne(ctx, order("order-1")))
	require.NoError(t, pub.SendOne(ctx, order("order-1")))

	require.Eventually(t, func() bool { return len(broker.Completed("orders")) == 2 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, ledger.Count())
}
