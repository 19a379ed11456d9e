package types

import (
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/shopspring/decimal"
)

// 持久化层的列宽，超出的订单在校验阶段即被拒绝
const (
	MaxIDLength          = 64
	MaxAddressLength     = 512
	MaxDescriptionLength = 1024
	MoneyScale           = 18 // 金额最多保留的小数位
	MoneyIntegerDigits   = 20 // 金额整数部分最多位数
)

var moneyLimit = decimal.New(1, MoneyIntegerDigits)

// Order 订单聚合根，JSON字段名即消息体的线上格式，不可随意改名
type Order struct {
	ID              string          `json:"id"`
	CustomerID      string          `json:"customerId"`
	Date            time.Time       `json:"date"`
	DeliveryAddress string          `json:"deliveryAddress"`
	Total           decimal.Decimal `json:"total"`
	Products        []OrderProduct  `json:"products"`
}

// OrderProduct 订单行，归属于唯一的订单
type OrderProduct struct {
	ID                 string          `json:"id"`
	OrderID            string          `json:"orderId"` // 仅作信息性回指，不代表所有权
	ProductID          string          `json:"productId"`
	ProductDescription string          `json:"productDescription"`
	Quantity           int             `json:"quantity"`
	Price              decimal.Decimal `json:"price"`
}

// Clone 返回订单的深拷贝，Products切片不与原订单共享
func (o Order) Clone() Order {
	cp := o
	if o.Products != nil {
		cp.Products = make([]OrderProduct, len(o.Products))
		copy(cp.Products, o.Products)
	}
	return cp
}

// Validate 校验订单不变量，返回的错误指明第一个违反的字段
func (o Order) Validate() error {
	if strings.TrimSpace(o.ID) == "" {
		return NewValidationError(o.ID, "id", "order id is required")
	}
	if err := checkLength(o.ID, "id", o.ID, MaxIDLength); err != nil {
		return err
	}
	if strings.TrimSpace(o.CustomerID) == "" {
		return NewValidationError(o.ID, "customerId", "customer id is required")
	}
	if err := checkLength(o.ID, "customerId", o.CustomerID, MaxIDLength); err != nil {
		return err
	}
	if err := checkLength(o.ID, "deliveryAddress", o.DeliveryAddress, MaxAddressLength); err != nil {
		return err
	}
	if !o.Total.IsPositive() {
		return NewValidationError(o.ID, "total", "order total must be greater than zero")
	}
	if err := checkMoney(o.ID, "total", o.Total); err != nil {
		return err
	}
	if len(o.Products) == 0 {
		return NewValidationError(o.ID, "products", "order must contain at least one product")
	}
	for i, p := range o.Products {
		if p.Quantity < 1 {
			return NewValidationError(o.ID, productField(i, "quantity"), "quantity must be at least 1")
		}
		if p.Price.IsNegative() {
			return NewValidationError(o.ID, productField(i, "price"), "price must not be negative")
		}
		if err := checkMoney(o.ID, productField(i, "price"), p.Price); err != nil {
			return err
		}
		if err := checkLength(o.ID, productField(i, "id"), p.ID, MaxIDLength); err != nil {
			return err
		}
		if err := checkLength(o.ID, productField(i, "productId"), p.ProductID, MaxIDLength); err != nil {
			return err
		}
		if err := checkLength(o.ID, productField(i, "productDescription"), p.ProductDescription, MaxDescriptionLength); err != nil {
			return err
		}
	}
	return nil
}

func checkLength(orderID, field, value string, max int) error {
	if utf8.RuneCountInString(value) > max {
		return NewValidationError(orderID, field, "must be at most "+strconv.Itoa(max)+" characters")
	}
	return nil
}

// checkMoney 小数位超过 MoneyScale 或整数部分过大的金额无法原样保存
func checkMoney(orderID, field string, d decimal.Decimal) error {
	if !d.Equal(d.Truncate(MoneyScale)) {
		return NewValidationError(orderID, field, "must have at most "+strconv.Itoa(MoneyScale)+" decimal places")
	}
	if d.Abs().GreaterThanOrEqual(moneyLimit) {
		return NewValidationError(orderID, field, "amount is too large")
	}
	return nil
}

func productField(i int, name string) string {
	return "products[" + strconv.Itoa(i) + "]." + name
}

// IsBlank 判断标识符是否为空或全空白
func IsBlank(id string) bool {
	return strings.TrimSpace(id) == ""
}
