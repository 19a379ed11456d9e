package tracing

import (
	"eshop-orders/internal/types"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ErrorType span 上 error.type 属性的取值
type ErrorType string

const (
	ErrorTypeDB         ErrorType = "db"
	ErrorTypeRedis      ErrorType = "redis"
	ErrorTypeRabbitMQ   ErrorType = "rabbitmq"
	ErrorTypeBroker     ErrorType = "broker"
	ErrorTypeValidation ErrorType = "validation"
	ErrorTypeDuplicate  ErrorType = "duplicate"
	ErrorTypeProcessing ErrorType = "processing" // 消费端业务处理
	ErrorTypeCancelled  ErrorType = "cancelled"
	ErrorTypeInternal   ErrorType = "internal"
)

// ConfirmFailure 发布确认失败的方式
type ConfirmFailure string

const (
	ConfirmNack    ConfirmFailure = "nack"
	ConfirmTimeout ConfirmFailure = "timeout"
)

// ErrorTypeOf 按订单错误分类推断 ErrorType，未知错误归为 fallback
func ErrorTypeOf(err error, fallback ErrorType) ErrorType {
	switch types.ErrorKind(err) {
	case "validation", "invalid_argument", "message_too_large":
		return ErrorTypeValidation
	case "duplicate":
		return ErrorTypeDuplicate
	case "cancelled":
		return ErrorTypeCancelled
	case "storage":
		return ErrorTypeDB
	case "publish":
		return ErrorTypeBroker
	case "processing":
		return ErrorTypeProcessing
	default:
		return fallback
	}
}

// RecordError 记录错误并标记 span 失败
func RecordError(span trace.Span, err error, errorType ErrorType) {
	if span == nil || err == nil {
		return
	}
	span.RecordError(err)
	span.SetAttributes(
		attribute.String("error.type", string(errorType)),
		attribute.String("error.message", err.Error()),
	)
	span.SetStatus(codes.Error, err.Error())
}

func RecordErrorWithInfo(span trace.Span, err error, errorType ErrorType, attributes ...attribute.KeyValue) {
	if span == nil || err == nil {
		return
	}
	RecordError(span, err, errorType)
	if len(attributes) > 0 {
		span.SetAttributes(attributes...)
	}
}

// RecordConfirmFailure 记录broker未确认的消息，detail 为空时使用默认描述
func RecordConfirmFailure(span trace.Span, messageID string, how ConfirmFailure, detail string) {
	if span == nil {
		return
	}
	msg := detail
	if msg == "" {
		msg = "message not confirmed by broker: " + string(how)
	}
	span.AddEvent("PublishUnconfirmed", trace.WithAttributes(
		attribute.String("messaging.message_id", messageID),
		attribute.String("messaging.confirm.failure", string(how)),
	))
	span.SetAttributes(
		attribute.String("error.type", string(ErrorTypeRabbitMQ)),
		attribute.String("error.message", msg),
		attribute.Bool("messaging.rabbitmq.confirmed", false),
	)
	span.SetStatus(codes.Error, msg)
}
