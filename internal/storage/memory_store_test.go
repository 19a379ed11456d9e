package storage

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"eshop-orders/internal/types"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleOrder(id string) types.Order {
	return types.Order{
		ID:              id,
		CustomerID:      "customer-" + id,
		Date:            time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC),
		DeliveryAddress: "1 Main Street",
		Total:           decimal.RequireFromString("25.50"),
		Products: []types.OrderProduct{
			{ID: id + "-p1", OrderID: id, ProductID: "sku-1", ProductDescription: "Mug", Quantity: 2, Price: decimal.RequireFromString("10.00")},
			{ID: id + "-p2", OrderID: id, ProductID: "sku-2", ProductDescription: "Coaster", Quantity: 1, Price: decimal.RequireFromString("5.50")},
		},
	}
}

// runOrderStoreContract 两种后端共用的行为测试
func runOrderStoreContract(t *testing.T, newStore func(t *testing.T) OrderStore) {
	ctx := context.Background()

	t.Run("SaveThenGet", func(t *testing.T) {
		s := newStore(t)
		order := sampleOrder("order-1")
		require.NoError(t, s.Save(ctx, order))

		got, ok, err := s.GetByID(ctx, "order-1")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, order.ID, got.ID)
		assert.Equal(t, order.CustomerID, got.CustomerID)
		assert.True(t, order.Date.Equal(got.Date))
		assert.True(t, order.Total.Equal(got.Total))
		require.Len(t, got.Products, 2)
		assert.Equal(t, "sku-1", got.Products[0].ProductID)
		assert.Equal(t, "sku-2", got.Products[1].ProductID)
	})

	t.Run("PreservesFractionalAmounts", func(t *testing.T) {
		s := newStore(t)
		order := sampleOrder("order-precise")
		order.Total = decimal.RequireFromString("0.004")
		order.Products[0].Price = decimal.RequireFromString("0.001")
		order.Products[1].Price = decimal.RequireFromString("0.000000000000000001")
		require.NoError(t, order.Validate())
		require.NoError(t, s.Save(ctx, order))

		got, ok, err := s.GetByID(ctx, order.ID)
		require.NoError(t, err)
		require.True(t, ok)
		assert.True(t, got.Total.Equal(order.Total), "total %s", got.Total)
		assert.True(t, got.Total.IsPositive())
		assert.True(t, got.Products[0].Price.Equal(order.Products[0].Price))
		assert.True(t, got.Products[1].Price.Equal(order.Products[1].Price))
	})

	t.Run("MaxLengthID", func(t *testing.T) {
		s := newStore(t)
		order := sampleOrder(strings.Repeat("k", types.MaxIDLength))
		order.CustomerID = "customer-long"
		order.Products[0].ID = "line-1"
		order.Products[1].ID = "line-2"
		require.NoError(t, order.Validate())
		require.NoError(t, s.Save(ctx, order))
		_, ok, err := s.GetByID(ctx, order.ID)
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("GetMissing", func(t *testing.T) {
		s := newStore(t)
		_, ok, err := s.GetByID(ctx, "missing")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("SaveOverwrites", func(t *testing.T) {
		s := newStore(t)
		order := sampleOrder("order-2")
		require.NoError(t, s.Save(ctx, order))

		order.DeliveryAddress = "2 Side Street"
		order.Products = order.Products[:1]
		require.NoError(t, s.Save(ctx, order))

		got, ok, err := s.GetByID(ctx, "order-2")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "2 Side Street", got.DeliveryAddress)
		assert.Len(t, got.Products, 1)

		all, err := s.GetAll(ctx)
		require.NoError(t, err)
		assert.Len(t, all, 1)
	})

	t.Run("DeleteSemantics", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Save(ctx, sampleOrder("order-3")))

		deleted, err := s.Delete(ctx, "order-3")
		require.NoError(t, err)
		assert.True(t, deleted)

		_, ok, err := s.GetByID(ctx, "order-3")
		require.NoError(t, err)
		assert.False(t, ok)

		deleted, err = s.Delete(ctx, "order-3")
		require.NoError(t, err)
		assert.False(t, deleted, "删除不存在的订单返回 false")
	})

	t.Run("BlankIDRejected", func(t *testing.T) {
		s := newStore(t)
		err := s.Save(ctx, sampleOrder("  "))
		assert.ErrorIs(t, err, types.ErrInvalidArgument)

		_, _, err = s.GetByID(ctx, "")
		assert.ErrorIs(t, err, types.ErrInvalidArgument)

		_, err = s.Delete(ctx, "\t")
		assert.ErrorIs(t, err, types.ErrInvalidArgument)
	})

	t.Run("CancelledBeforeIO", func(t *testing.T) {
		s := newStore(t)
		cctx, cancel := context.WithCancel(ctx)
		cancel()

		err := s.Save(cctx, sampleOrder("order-4"))
		assert.ErrorIs(t, err, types.ErrCancelled)
		assert.ErrorIs(t, err, context.Canceled)

		_, ok, err := s.GetByID(ctx, "order-4")
		require.NoError(t, err)
		assert.False(t, ok, "取消的保存不应产生副作用")
	})
}

func TestMemoryOrderStoreContract(t *testing.T) {
	runOrderStoreContract(t, func(t *testing.T) OrderStore { return NewMemoryOrderStore() })
}

// 调用方修改已保存或已读取的订单不影响存储
func TestMemoryOrderStoreIsolatesCopies(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryOrderStore()
	order := sampleOrder("order-1")
	require.NoError(t, s.Save(ctx, order))

	order.Products[0].Quantity = 99
	got, _, err := s.GetByID(ctx, "order-1")
	require.NoError(t, err)
	assert.Equal(t, 2, got.Products[0].Quantity)

	got.Products[0].Quantity = 42
	again, _, err := s.GetByID(ctx, "order-1")
	require.NoError(t, err)
	assert.Equal(t, 2, again.Products[0].Quantity)
}

func TestMemoryOrderStoreGetAllSorted(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryOrderStore()

	late := sampleOrder("b")
	late.Date = late.Date.Add(time.Hour)
	require.NoError(t, s.Save(ctx, late))
	require.NoError(t, s.Save(ctx, sampleOrder("c")))
	require.NoError(t, s.Save(ctx, sampleOrder("a")))

	all, err := s.GetAll(ctx)
	require.NoError(t, err)
	ids := make([]string, 0, len(all))
	for _, o := range all {
		ids = append(ids, o.ID)
	}
	assert.Equal(t, []string{"a", "c", "b"}, ids)

	empty, err := NewMemoryOrderStore().GetAll(ctx)
	require.NoError(t, err)
	assert.NotNil(t, empty)
	assert.Empty(t, empty)
}

func TestMemoryOrderStoreConcurrentSaves(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryOrderStore()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			order := sampleOrder("shared")
			order.DeliveryAddress = strconv.Itoa(i) + " Main Street"
			assert.NoError(t, s.Save(ctx, order))
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, s.Len())
}

func TestWrapBackendErr(t *testing.T) {
	ctx := context.Background()
	assert.NoError(t, wrapBackendErr(ctx, "o", "save", nil))

	err := wrapBackendErr(ctx, "o", "save", errors.New("connection refused"))
	assert.ErrorIs(t, err, types.ErrStorage)
	assert.True(t, types.IsRetryable(err))

	err = wrapBackendErr(ctx, "o", "save", context.DeadlineExceeded)
	assert.ErrorIs(t, err, types.ErrCancelled)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
