package models

import (
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// OrderRecord 订单主表
type OrderRecord struct {
	ID              string               `gorm:"type:varchar(64);primaryKey"`
	CustomerID      string               `gorm:"type:varchar(64);not null;index:idx_orders_customer_id"`
	OrderDate       time.Time            `gorm:"type:datetime(6);not null;index:idx_orders_order_date"`
	DeliveryAddress string               `gorm:"type:varchar(512)"`
	Total           decimal.Decimal      `gorm:"type:decimal(38,18);not null"`
	Products        []OrderProductRecord `gorm:"foreignKey:OrderID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
	CreatedAt       time.Time            `gorm:"type:datetime(6);default:CURRENT_TIMESTAMP(6)"`
	UpdatedAt       time.Time            `gorm:"type:datetime(6);default:CURRENT_TIMESTAMP(6);autoUpdateTime"`
}

func (OrderRecord) TableName() string {
	return "orders"
}

// OrderProductRecord 订单行，(order_id, position) 为主键以保持行顺序
type OrderProductRecord struct {
	OrderID            string          `gorm:"type:varchar(64);primaryKey"`
	Position           int             `gorm:"primaryKey;autoIncrement:false"`
	LineID             string          `gorm:"type:varchar(64)"`
	ProductID          string          `gorm:"type:varchar(64);index:idx_order_products_product_id"`
	ProductDescription string          `gorm:"type:varchar(1024)"`
	Quantity           int             `gorm:"not null"`
	Price              decimal.Decimal `gorm:"type:decimal(38,18);not null"`
}

func (OrderProductRecord) TableName() string {
	return "order_products"
}

// ProcessedMessage 消费端已处理订单台账，order_id 唯一
type ProcessedMessage struct {
	OrderID       string         `gorm:"type:varchar(64);primaryKey"`
	MessageID     string         `gorm:"type:varchar(64);index:idx_processed_messages_message_id"`
	CorrelationID string         `gorm:"type:varchar(64)"`
	Properties    datatypes.JSON `gorm:"type:json"`
	ProcessedAt   time.Time      `gorm:"type:datetime(6);not null"`
}

func (ProcessedMessage) TableName() string {
	return "processed_messages"
}

// StringMapToJSON Helper function to convert map[string]string to datatypes.JSON
func StringMapToJSON(m map[string]string) (datatypes.JSON, error) {
	if m == nil {
		return datatypes.JSON("{}"), nil
	}
	bytes, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(bytes), nil
}
