package main

import (
	"fmt"
	"math/rand/v2"
	"time"

	"eshop-orders/internal/types"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	cities   = []string{"北京市朝阳区", "上海市浦东新区", "深圳市南山区", "杭州市西湖区", "成都市武侯区"}
	catalogs = []struct {
		id, desc string
		cents    int64
	}{
		{"SKU-1001", "机械键盘", 39900},
		{"SKU-1002", "无线鼠标", 12900},
		{"SKU-1003", "27寸显示器", 159900},
		{"SKU-1004", "USB-C 扩展坞", 29900},
		{"SKU-1005", "降噪耳机", 89900},
		{"SKU-1006", "笔记本支架", 9900},
	}
)

// generator 生成随机但合法的订单
type generator struct {
	rnd         *rand.Rand
	maxProducts int
	customers   int
	now         func() time.Time
}

func newGenerator(seed uint64, maxProducts, customers int) *generator {
	if maxProducts < 1 {
		maxProducts = 1
	}
	if customers < 1 {
		customers = 1
	}
	return &generator{
		rnd:         rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		maxProducts: maxProducts,
		customers:   customers,
		now:         time.Now,
	}
}

func (g *generator) order() types.Order {
	id := uuid.NewString()
	n := 1 + g.rnd.IntN(g.maxProducts)

	products := make([]types.OrderProduct, 0, n)
	total := decimal.Zero
	for range n {
		item := catalogs[g.rnd.IntN(len(catalogs))]
		qty := 1 + g.rnd.IntN(5)
		price := decimal.New(item.cents, -2)
		products = append(products, types.OrderProduct{
			ID:                 uuid.NewString(),
			OrderID:            id,
			ProductID:          item.id,
			ProductDescription: item.desc,
			Quantity:           qty,
			Price:              price,
		})
		total = total.Add(price.Mul(decimal.NewFromInt(int64(qty))))
	}

	return types.Order{
		ID:              id,
		CustomerID:      fmt.Sprintf("customer-%04d", 1+g.rnd.IntN(g.customers)),
		Date:            g.now().UTC().Add(-time.Duration(g.rnd.IntN(72)) * time.Hour).Truncate(time.Second),
		DeliveryAddress: fmt.Sprintf("%s%d号", cities[g.rnd.IntN(len(cities))], 1+g.rnd.IntN(999)),
		Total:           total,
		Products:        products,
	}
}

func (g *generator) orders(count int) []types.Order {
	out := make([]types.Order, 0, count)
	for range count {
		out = append(out, g.order())
	}
	return out
}
