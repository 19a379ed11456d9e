package storage

import (
	"context"
	"sync"
	"time"
)

// Receipt 已处理订单消息的记录
type Receipt struct {
	OrderID       string
	MessageID     string
	CorrelationID string
	Properties    map[string]string
	ProcessedAt   time.Time
}

// ProcessedLedger 消费端幂等台账，按订单ID去重
type ProcessedLedger interface {
	IsProcessed(ctx context.Context, orderID string) (bool, error)
	// MarkProcessed 对同一订单重复调用不报错
	MarkProcessed(ctx context.Context, receipt Receipt) error
}

var _ ProcessedLedger = (*MemoryProcessedLedger)(nil)

// MemoryProcessedLedger 进程内台账
type MemoryProcessedLedger struct {
	mu       sync.RWMutex
	receipts map[string]Receipt
}

func NewMemoryProcessedLedger() *MemoryProcessedLedger {
	return &MemoryProcessedLedger{receipts: make(map[string]Receipt)}
}

func (l *MemoryProcessedLedger) IsProcessed(ctx context.Context, orderID string) (bool, error) {
	if err := checkCall(ctx, orderID, "is_processed"); err != nil {
		return false, err
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.receipts[orderID]
	return ok, nil
}

func (l *MemoryProcessedLedger) MarkProcessed(ctx context.Context, receipt Receipt) error {
	if err := checkCall(ctx, receipt.OrderID, "mark_processed"); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.receipts[receipt.OrderID]; ok {
		return nil
	}
	if receipt.ProcessedAt.IsZero() {
		receipt.ProcessedAt = time.Now().UTC()
	}
	l.receipts[receipt.OrderID] = receipt
	return nil
}

// Receipt 返回订单的处理记录
func (l *MemoryProcessedLedger) Receipt(orderID string) (Receipt, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	r, ok := l.receipts[orderID]
	return r, ok
}

// Count 已处理订单数
func (l *MemoryProcessedLedger) Count() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.receipts)
}
