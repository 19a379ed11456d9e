package storage

import (
	"cmp"
	"context"
	"slices"
	"sync"

	"eshop-orders/internal/types"
)

// 确保MemoryOrderStore实现了OrderStore接口
var _ OrderStore = (*MemoryOrderStore)(nil)

// MemoryOrderStore 进程内订单存储，读写都做深拷贝，调用方持有的订单与存储互不影响
type MemoryOrderStore struct {
	mu     sync.RWMutex
	orders map[string]types.Order
}

// NewMemoryOrderStore 创建内存存储
func NewMemoryOrderStore() *MemoryOrderStore {
	return &MemoryOrderStore{orders: make(map[string]types.Order)}
}

func (s *MemoryOrderStore) Save(ctx context.Context, order types.Order) error {
	if err := checkCall(ctx, order.ID, "save"); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.orders[order.ID] = order.Clone()
	return nil
}

func (s *MemoryOrderStore) GetByID(ctx context.Context, id string) (types.Order, bool, error) {
	if err := checkCall(ctx, id, "get"); err != nil {
		return types.Order{}, false, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	order, ok := s.orders[id]
	if !ok {
		return types.Order{}, false, nil
	}
	return order.Clone(), true, nil
}

// GetAll 按下单时间、ID排序返回
func (s *MemoryOrderStore) GetAll(ctx context.Context) ([]types.Order, error) {
	if err := ctx.Err(); err != nil {
		return nil, types.NewCancelledError("", "get_all", err)
	}

	s.mu.RLock()
	out := make([]types.Order, 0, len(s.orders))
	for _, o := range s.orders {
		out = append(out, o.Clone())
	}
	s.mu.RUnlock()

	slices.SortFunc(out, func(a, b types.Order) int {
		if c := a.Date.Compare(b.Date); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out, nil
}

func (s *MemoryOrderStore) Delete(ctx context.Context, id string) (bool, error) {
	if err := checkCall(ctx, id, "delete"); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.orders[id]; !ok {
		return false, nil
	}
	delete(s.orders, id)
	return true, nil
}

// Len 当前订单数量
func (s *MemoryOrderStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.orders)
}
