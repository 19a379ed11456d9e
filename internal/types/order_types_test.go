package types

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validOrder() Order {
	return Order{
		ID:              "order-1",
		CustomerID:      "customer-1",
		Date:            time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC),
		DeliveryAddress: "1 Main Street",
		Total:           decimal.RequireFromString("20.00"),
		Products: []OrderProduct{
			{ID: "line-1", OrderID: "order-1", ProductID: "sku-1", ProductDescription: "Mug", Quantity: 2, Price: decimal.RequireFromString("10.00")},
		},
	}
}

func TestOrderValidate(t *testing.T) {
	require.NoError(t, validOrder().Validate())

	tests := []struct {
		name   string
		mutate func(o *Order)
		field  string
	}{
		{"blank id", func(o *Order) { o.ID = "  " }, "id"},
		{"blank customer", func(o *Order) { o.CustomerID = "" }, "customerId"},
		{"zero total", func(o *Order) { o.Total = decimal.Zero }, "total"},
		{"negative total", func(o *Order) { o.Total = decimal.NewFromInt(-1) }, "total"},
		{"no products", func(o *Order) { o.Products = nil }, "products"},
		{"zero quantity", func(o *Order) { o.Products[0].Quantity = 0 }, "products[0].quantity"},
		{"negative price", func(o *Order) { o.Products[0].Price = decimal.NewFromInt(-5) }, "products[0].price"},
		{"id too long", func(o *Order) { o.ID = strings.Repeat("x", MaxIDLength+1) }, "id"},
		{"customer too long", func(o *Order) { o.CustomerID = strings.Repeat("c", MaxIDLength+1) }, "customerId"},
		{"address too long", func(o *Order) { o.DeliveryAddress = strings.Repeat("街", MaxAddressLength+1) }, "deliveryAddress"},
		{"total too precise", func(o *Order) { o.Total = decimal.New(1, -(MoneyScale + 1)) }, "total"},
		{"total too large", func(o *Order) { o.Total = decimal.New(1, MoneyIntegerDigits) }, "total"},
		{"price too precise", func(o *Order) { o.Products[0].Price = decimal.RequireFromString("0.0000000000000000001") }, "products[0].price"},
		{"product id too long", func(o *Order) { o.Products[0].ProductID = strings.Repeat("p", MaxIDLength+1) }, "products[0].productId"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := validOrder()
			tt.mutate(&o)

			err := o.Validate()
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrValidation)

			var oe *OrderError
			require.True(t, errors.As(err, &oe))
			assert.Equal(t, tt.field, oe.Field)
		})
	}
}

func TestOrderValidateAllowsEmptyAddressAndFreeProducts(t *testing.T) {
	o := validOrder()
	o.DeliveryAddress = ""
	o.Products[0].Price = decimal.Zero
	assert.NoError(t, o.Validate())
}

// 列宽以内的边界值与多余的尾随零都可以原样保存
func TestOrderValidateAcceptsStorableLimits(t *testing.T) {
	o := validOrder()
	o.ID = strings.Repeat("x", MaxIDLength)
	o.DeliveryAddress = strings.Repeat("街", MaxAddressLength)
	o.Total = decimal.RequireFromString("0.004")
	o.Products[0].Price = decimal.RequireFromString("1.50000000000000000000000")
	assert.NoError(t, o.Validate())
}

func TestOrderCloneIsDeep(t *testing.T) {
	o := validOrder()
	cp := o.Clone()
	cp.Products[0].Quantity = 7
	assert.Equal(t, 2, o.Products[0].Quantity)

	var empty Order
	assert.Nil(t, empty.Clone().Products)
}

// 消息体字段名是线上格式
func TestOrderJSONFieldNames(t *testing.T) {
	data, err := json.Marshal(validOrder())
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	for _, key := range []string{"id", "customerId", "date", "deliveryAddress", "total", "products"} {
		assert.Contains(t, raw, key)
	}
	product := raw["products"].([]any)[0].(map[string]any)
	for _, key := range []string{"id", "orderId", "productId", "productDescription", "quantity", "price"} {
		assert.Contains(t, product, key)
	}

	var back Order
	require.NoError(t, json.Unmarshal(data, &back))
	assert.True(t, back.Total.Equal(decimal.RequireFromString("20.00")))
}

func TestOrderErrorClassification(t *testing.T) {
	cause := errors.New("connection reset")

	storageErr := NewStorageError("o-1", "save", cause)
	assert.ErrorIs(t, storageErr, ErrStorage)
	assert.ErrorIs(t, storageErr, cause)
	assert.True(t, IsRetryable(storageErr))
	assert.Equal(t, "storage", ErrorKind(storageErr))
	assert.Contains(t, storageErr.Error(), "order:o-1")

	tooLarge := NewMessageTooLargeError("o-2", 2048, 1024)
	assert.ErrorIs(t, tooLarge, ErrMessageTooLarge)
	assert.False(t, IsRetryable(tooLarge))
	assert.Contains(t, tooLarge.Error(), "2048")

	cancelled := NewCancelledError("o-3", "send", context.Canceled)
	assert.ErrorIs(t, cancelled, ErrCancelled)
	assert.ErrorIs(t, cancelled, context.Canceled)
	assert.Equal(t, "cancelled", ErrorKind(cancelled))

	wrapped := fmt.Errorf("outer: %w", NewDuplicateError("o-4"))
	assert.ErrorIs(t, wrapped, ErrDuplicate)
	assert.False(t, IsRetryable(wrapped))

	assert.False(t, IsRetryable(nil))
	assert.Equal(t, "", ErrorKind(nil))
	assert.Equal(t, "internal", ErrorKind(errors.New("boom")))
	assert.Equal(t, "publish", ErrorKind(NewPublishError("o", "send", cause)))
	assert.Equal(t, "processing", ErrorKind(NewProcessingError("o", cause)))
	assert.Equal(t, "invalid_argument", ErrorKind(NewInvalidArgumentError("get", "blank")))
}
