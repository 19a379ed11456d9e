package tracing

import (
	"context"
	"crypto/rand"

	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

const (
	// TraceParentKey W3C traceparent 消息属性名
	TraceParentKey = "traceparent"
	// TraceStateKey W3C tracestate 消息属性名
	TraceStateKey = "tracestate"
)

// Propagator 在消息属性与上下文之间传递 W3C trace context
type Propagator struct {
	tc propagation.TraceContext
}

// NewPropagator 创建传播器
func NewPropagator() *Propagator {
	return &Propagator{}
}

// Inject 将当前 trace context 写入消息属性，返回作为关联ID的 trace id。
// 上下文中没有有效的 span context 时生成一个新的根 span context。
func (p *Propagator) Inject(ctx context.Context, props map[string]string) string {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		sc = newRootSpanContext()
		ctx = trace.ContextWithSpanContext(ctx, sc)
	}
	p.tc.Inject(ctx, propagation.MapCarrier(props))
	return sc.TraceID().String()
}

// Extract 从消息属性恢复远端 trace context，从不返回错误。
// traceparent 缺失或格式非法时保留 ctx 原样，后续 span 成为新的根或挂在 ctx 已有的 span 下。
func (p *Propagator) Extract(ctx context.Context, props map[string]string) context.Context {
	if props == nil {
		return ctx
	}
	extracted := p.tc.Extract(ctx, propagation.MapCarrier(props))
	if !trace.SpanContextFromContext(extracted).IsValid() {
		return ctx
	}
	return extracted
}

// newRootSpanContext 生成随机 trace id 与 span id 的采样 span context
func newRootSpanContext() trace.SpanContext {
	var tid trace.TraceID
	var sid trace.SpanID
	for !tid.IsValid() {
		_, _ = rand.Read(tid[:])
	}
	for !sid.IsValid() {
		_, _ = rand.Read(sid[:])
	}
	return trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    tid,
		SpanID:     sid,
		TraceFlags: trace.FlagsSampled,
	})
}
