package messaging

import (
	"context"
	"time"

	"eshop-orders/internal/types"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"
)

// PeekedOrder 队列中一条待处理消息的只读视图
type PeekedOrder struct {
	MessageID     string            `json:"messageId"`
	CorrelationID string            `json:"correlationId"`
	Subject       string            `json:"subject"`
	ContentType   string            `json:"contentType"`
	DeliveryCount int               `json:"deliveryCount"`
	EnqueuedAt    time.Time         `json:"enqueuedAt"`
	SizeBytes     int               `json:"sizeBytes"`
	Properties    map[string]string `json:"properties"`
	Order         *types.Order      `json:"order,omitempty"` // 消息体无法解码时为nil
}

// QueueInspector 查看订单队列，不消费消息
type QueueInspector struct {
	peeker Peeker
	queue  string
}

func NewQueueInspector(peeker Peeker, queue string) *QueueInspector {
	return &QueueInspector{peeker: peeker, queue: queue}
}

// ListMessages 返回最多 max 条待处理消息
func (i *QueueInspector) ListMessages(ctx context.Context, max int) ([]PeekedOrder, error) {
	msgs, err := i.peeker.Peek(ctx, i.queue, max)
	if err != nil {
		return nil, err
	}
	out := make([]PeekedOrder, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, toPeekedOrder(m))
	}
	return out, nil
}

func toPeekedOrder(m ReceivedMessage) PeekedOrder {
	po := PeekedOrder{
		MessageID:     m.MessageID,
		CorrelationID: m.CorrelationID,
		Subject:       m.Subject,
		ContentType:   m.ContentType,
		DeliveryCount: m.DeliveryCount,
		EnqueuedAt:    m.EnqueuedAt,
		SizeBytes:     MessageSize(&m.Message),
		Properties:    m.Properties,
	}
	var order types.Order
	if err := json.Unmarshal(m.Body, &order); err == nil {
		po.Order = &order
	}
	return po
}

// NoopPublisher 未配置broker时使用，只记录日志
type NoopPublisher struct {
	log zerolog.Logger
}

func NewNoopPublisher(log zerolog.Logger) *NoopPublisher {
	return &NoopPublisher{log: log.With().Str("component", "noop_publisher").Logger()}
}

func (n *NoopPublisher) SendOne(ctx context.Context, order types.Order) error {
	n.log.Info().Str("order_id", order.ID).Msg("未配置消息代理，跳过订单消息发送")
	return nil
}

func (n *NoopPublisher) SendBatch(ctx context.Context, orders []types.Order) error {
	n.log.Info().Int("orders", len(orders)).Msg("未配置消息代理，跳过订单批量消息发送")
	return nil
}

func (n *NoopPublisher) ListMessages(ctx context.Context, max int) ([]PeekedOrder, error) {
	return []PeekedOrder{}, nil
}
