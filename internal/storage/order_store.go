package storage

import (
	"context"
	"errors"

	"eshop-orders/internal/types"
)

// OrderStore 订单持久化接口，Save 按ID幂等覆盖
type OrderStore interface {
	// Save 插入或整体替换订单
	Save(ctx context.Context, order types.Order) error

	// GetByID 查询订单，不存在时返回 false 且 error 为 nil
	GetByID(ctx context.Context, id string) (types.Order, bool, error)

	// GetAll 返回全部订单，无订单时返回空切片
	GetAll(ctx context.Context) ([]types.Order, error)

	// Delete 删除订单及其订单行，返回是否确实删除了记录
	Delete(ctx context.Context, id string) (bool, error)
}

// checkCall 在触达后端之前校验ID与上下文
func checkCall(ctx context.Context, id, op string) error {
	if types.IsBlank(id) {
		return types.NewInvalidArgumentError(op, "order id must not be blank")
	}
	if err := ctx.Err(); err != nil {
		return types.NewCancelledError(id, op, err)
	}
	return nil
}

// wrapBackendErr 将后端错误归类，上下文取消不算作存储故障
func wrapBackendErr(ctx context.Context, id, op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
		cause := ctx.Err()
		if cause == nil {
			cause = err
		}
		return types.NewCancelledError(id, op, cause)
	}
	return types.NewStorageError(id, op, err)
}
