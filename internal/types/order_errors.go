package types

import (
	"errors"
	"fmt"
)

// 订单流水线的错误分类，调用方通过 errors.Is 判断
var (
	ErrValidation      = errors.New("order validation failed")
	ErrDuplicate       = errors.New("order already exists")
	ErrStorage         = errors.New("order storage failed")
	ErrPublish         = errors.New("order publish failed")
	ErrMessageTooLarge = errors.New("order message too large for batch")
	ErrProcessing      = errors.New("order message processing failed")
	ErrCancelled       = errors.New("operation cancelled")
	ErrInvalidArgument = errors.New("invalid argument")
)

// OrderError 携带订单ID与操作上下文的错误
type OrderError struct {
	OrderID string
	Op      string
	BaseErr error  // 分类哨兵错误
	Field   string // 校验失败的字段，仅 ErrValidation 使用
	Detail  string
	Cause   error // 底层原因，可为nil
}

func (e *OrderError) Error() string {
	msg := e.BaseErr.Error()
	if e.Op != "" || e.OrderID != "" {
		msg = fmt.Sprintf("%s (op:%s, order:%s)", msg, e.Op, e.OrderID)
	}
	if e.Field != "" {
		msg += " field " + e.Field
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap 同时暴露分类错误和底层原因
func (e *OrderError) Unwrap() []error {
	if e.Cause == nil {
		return []error{e.BaseErr}
	}
	return []error{e.BaseErr, e.Cause}
}

func NewValidationError(orderID, field, detail string) error {
	return &OrderError{OrderID: orderID, Op: "validate", BaseErr: ErrValidation, Field: field, Detail: detail}
}

func NewDuplicateError(orderID string) error {
	return &OrderError{OrderID: orderID, Op: "place", BaseErr: ErrDuplicate, Detail: "order with this id already exists"}
}

func NewInvalidArgumentError(op, detail string) error {
	return &OrderError{Op: op, BaseErr: ErrInvalidArgument, Detail: detail}
}

func NewStorageError(orderID, op string, cause error) error {
	return &OrderError{OrderID: orderID, Op: op, BaseErr: ErrStorage, Cause: cause}
}

func NewPublishError(orderID, op string, cause error) error {
	return &OrderError{OrderID: orderID, Op: op, BaseErr: ErrPublish, Cause: cause}
}

func NewMessageTooLargeError(orderID string, size, capacity int) error {
	return &OrderError{
		OrderID: orderID,
		Op:      "batch",
		BaseErr: ErrMessageTooLarge,
		Detail:  fmt.Sprintf("message is %d bytes, batch capacity is %d bytes", size, capacity),
	}
}

func NewProcessingError(orderID string, cause error) error {
	return &OrderError{OrderID: orderID, Op: "process", BaseErr: ErrProcessing, Cause: cause}
}

// NewCancelledError 包装 context 的取消原因，errors.Is(err, context.Canceled) 依然成立
func NewCancelledError(orderID, op string, cause error) error {
	return &OrderError{OrderID: orderID, Op: op, BaseErr: ErrCancelled, Cause: cause}
}

// IsRetryable 判断调用方是否值得带退避重试
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrMessageTooLarge) || errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrDuplicate) || errors.Is(err, ErrInvalidArgument) {
		return false
	}
	return errors.Is(err, ErrStorage) || errors.Is(err, ErrPublish)
}

// ErrorKind 返回错误分类的短名，用于日志与指标标签
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrDuplicate):
		return "duplicate"
	case errors.Is(err, ErrInvalidArgument):
		return "invalid_argument"
	case errors.Is(err, ErrMessageTooLarge):
		return "message_too_large"
	case errors.Is(err, ErrCancelled):
		return "cancelled"
	case errors.Is(err, ErrStorage):
		return "storage"
	case errors.Is(err, ErrPublish):
		return "publish"
	case errors.Is(err, ErrProcessing):
		return "processing"
	default:
		return "internal"
	}
}
