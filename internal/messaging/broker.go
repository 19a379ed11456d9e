package messaging

import (
	"context"
	"time"
)

const (
	// SubjectOrderPlaced 订单已下单事件
	SubjectOrderPlaced = "OrderPlaced"
	// ContentTypeJSON 消息体编码
	ContentTypeJSON = "application/json"

	// PropOrderID 订单ID消息属性
	PropOrderID = "OrderId"
	// PropTimestamp 发送时间消息属性，RFC3339 UTC
	PropTimestamp = "Timestamp"

	// DefaultMaxBatchBytes 默认单批容量
	DefaultMaxBatchBytes = 256 * 1024
	// DefaultMaxConcurrency 消费端默认并发
	DefaultMaxConcurrency = 10
)

// Message 发往broker的消息，不持久化
type Message struct {
	MessageID     string
	CorrelationID string
	Subject       string
	ContentType   string
	Body          []byte
	Properties    map[string]string
}

// Clone 深拷贝消息
func (m *Message) Clone() *Message {
	cp := *m
	cp.Body = append([]byte(nil), m.Body...)
	cp.Properties = make(map[string]string, len(m.Properties))
	for k, v := range m.Properties {
		cp.Properties[k] = v
	}
	return &cp
}

// MessageSize 估算消息在批次中占用的字节数
func MessageSize(m *Message) int {
	size := len(m.Body) + len(m.MessageID) + len(m.CorrelationID) + len(m.Subject) + len(m.ContentType)
	for k, v := range m.Properties {
		size += len(k) + len(v)
	}
	return size
}

// ReceivedMessage 消费端收到的消息，投递计数由broker维护
type ReceivedMessage struct {
	Message
	DeliveryCount int
	EnqueuedAt    time.Time
}

// AddOutcome TryAdd 的结果
type AddOutcome int

const (
	Added AddOutcome = iota
	Rejected
)

// RejectReason 消息未能加入批次的原因
type RejectReason string

const (
	RejectNone RejectReason = ""
	// RejectBatchFull 批次剩余容量不足，换新批次可重试
	RejectBatchFull RejectReason = "batch_full"
	// RejectTooLarge 空批次也容纳不下
	RejectTooLarge RejectReason = "message_too_large"
)

// AddResult TryAdd 返回的标签结果
type AddResult struct {
	Outcome AddOutcome
	Reason  RejectReason
}

func (r AddResult) Added() bool { return r.Outcome == Added }

// MessageBatch 受字节容量约束的消息批次，非并发安全
type MessageBatch struct {
	maxBytes int
	size     int
	messages []*Message
}

// NewMessageBatch maxBytes<=0 时使用默认容量
func NewMessageBatch(maxBytes int) *MessageBatch {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBatchBytes
	}
	return &MessageBatch{maxBytes: maxBytes}
}

// TryAdd 容量允许时加入消息
func (b *MessageBatch) TryAdd(m *Message) AddResult {
	n := MessageSize(m)
	if b.size+n <= b.maxBytes {
		b.size += n
		b.messages = append(b.messages, m)
		return AddResult{Outcome: Added}
	}
	if len(b.messages) == 0 {
		return AddResult{Outcome: Rejected, Reason: RejectTooLarge}
	}
	return AddResult{Outcome: Rejected, Reason: RejectBatchFull}
}

func (b *MessageBatch) Count() int        { return len(b.messages) }
func (b *MessageBatch) SizeBytes() int    { return b.size }
func (b *MessageBatch) MaxSizeBytes() int { return b.maxBytes }

// Messages 返回批次内消息的切片副本
func (b *MessageBatch) Messages() []*Message {
	out := make([]*Message, len(b.messages))
	copy(out, b.messages)
	return out
}

// DeliveryState 单次投递的状态
type DeliveryState int

const (
	StateReceived DeliveryState = iota
	StateProcessing
	StateCompleted
	StateAbandonedForRetry
)

func (s DeliveryState) String() string {
	switch s {
	case StateReceived:
		return "Received"
	case StateProcessing:
		return "Processing"
	case StateCompleted:
		return "Completed"
	case StateAbandonedForRetry:
		return "AbandonedForRetry"
	default:
		return "Unknown"
	}
}

// Delivery 一次投递，Complete 与 Abandon 只能调用其一且仅一次
type Delivery interface {
	Message() ReceivedMessage
	Complete(ctx context.Context) error
	Abandon(ctx context.Context) error
}

// MessageHandler 消息回调
type MessageHandler func(ctx context.Context, d Delivery) error

// ErrorHandler broker层错误回调，不影响消费循环
type ErrorHandler func(ctx context.Context, err error)

// ProcessorOptions 消费处理器参数
type ProcessorOptions struct {
	MaxConcurrency int
	// AutoComplete 为 true 时由处理器根据回调返回值确认或放弃消息
	AutoComplete bool
}

// Sender 面向某个主题的发送端
type Sender interface {
	Send(ctx context.Context, m *Message) error
	CreateBatch(ctx context.Context) (*MessageBatch, error)
	SendBatch(ctx context.Context, batch *MessageBatch) error
	Close(ctx context.Context) error
}

// Processor 面向某个队列的消费处理器
type Processor interface {
	OnMessage(h MessageHandler)
	OnError(h ErrorHandler)
	Start(ctx context.Context) error
	// StopProcessing 停止接收新消息并等待处理中的消息完成
	StopProcessing(ctx context.Context) error
	// Close 释放broker资源
	Close(ctx context.Context) error
}

// Client broker客户端
type Client interface {
	CreateSender(name string) (Sender, error)
	CreateProcessor(name string, opts ProcessorOptions) (Processor, error)
	Close(ctx context.Context) error
}

// Peeker 可选能力：不消费地查看队列中的消息
type Peeker interface {
	Peek(ctx context.Context, queue string, max int) ([]ReceivedMessage, error)
}
