package messaging

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"eshop-orders/internal/config"
	"eshop-orders/internal/tracing"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/pool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
)

const headerDeliveryCount = "x-delivery-count"

// 确保RabbitMQ实现了客户端接口
var (
	_ Client = (*RabbitMQ)(nil)
	_ Peeker = (*RabbitMQ)(nil)
)

// RabbitMQ 基于 amqp091 的broker客户端
//
// 发送端名字是交换机，处理器名字是队列。发布使用 publisher confirm，
// 连接断开后按指数退避重连。
type RabbitMQ struct {
	cfg    *config.RabbitMQConfig
	log    zerolog.Logger
	tracer trace.Tracer

	connMu sync.Mutex
	conn   *amqp.Connection

	channelPool sync.Pool

	topoMu      sync.Mutex
	exchangeMap map[string]bool // 已声明的exchange
	queueMap    map[string]bool // 已声明的queue
	bindingMap  map[string]bool // key格式: "exchange:queue:routingKey"

	confirmTimeout   time.Duration
	retryInterval    time.Duration
	maxRetryInterval time.Duration
}

// NewRabbitMQ 连接RabbitMQ，首次连接失败时有限次重试
func NewRabbitMQ(ctx context.Context, cfg *config.RabbitMQConfig, tel *tracing.Telemetry, log zerolog.Logger) (*RabbitMQ, error) {
	if cfg == nil {
		return nil, fmt.Errorf("RabbitMQ配置不能为空")
	}
	if cfg.URL == "" {
		return nil, fmt.Errorf("RabbitMQ URL配置不能为空")
	}

	r := newRabbitMQ(cfg, tel, log)

	conn, err := backoff.Retry(ctx, func() (*amqp.Connection, error) {
		return amqp.Dial(cfg.URL)
	}, backoff.WithBackOff(r.newBackOff()), backoff.WithMaxTries(5))
	if err != nil {
		return nil, fmt.Errorf("无法连接到RabbitMQ服务器: %w", err)
	}
	r.conn = conn

	// 测试连接和通道
	ch, err := r.getChannel(ctx)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	r.putChannel(ch)

	r.log.Info().Str("exchange", cfg.OrdersExchange).Str("queue", cfg.OrdersQueue).Msg("成功连接到RabbitMQ服务器")
	return r, nil
}

// newRabbitMQ 只构造客户端，连接在首次使用时建立
func newRabbitMQ(cfg *config.RabbitMQConfig, tel *tracing.Telemetry, log zerolog.Logger) *RabbitMQ {
	if tel == nil {
		tel = tracing.NopTelemetry()
	}
	return &RabbitMQ{
		cfg:              cfg,
		log:              log.With().Str("component", "rabbitmq").Logger(),
		tracer:           tel.TracerProvider.Tracer("eshop-orders/messaging/rabbitmq"),
		exchangeMap:      make(map[string]bool),
		queueMap:         make(map[string]bool),
		bindingMap:       make(map[string]bool),
		confirmTimeout:   config.GetDuration(cfg.ConfirmTimeout, 5*time.Second),
		retryInterval:    config.GetDuration(cfg.RetryInterval, time.Second),
		maxRetryInterval: config.GetDuration(cfg.MaxRetryInterval, 30*time.Second),
	}
}

func (r *RabbitMQ) newBackOff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = r.retryInterval
	bo.MaxInterval = r.maxRetryInterval
	return bo
}

// connection 返回可用连接，已断开时重新拨号
func (r *RabbitMQ) connection(ctx context.Context) (*amqp.Connection, error) {
	r.connMu.Lock()
	defer r.connMu.Unlock()
	if r.conn != nil && !r.conn.IsClosed() {
		return r.conn, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.log.Warn().Msg("RabbitMQ连接已断开，正在重连")
	conn, err := amqp.Dial(r.cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("重连RabbitMQ失败: %w", err)
	}
	r.conn = conn
	r.log.Info().Msg("RabbitMQ重连成功")
	return conn, nil
}

// getChannel 获取处于confirm模式的发布通道
func (r *RabbitMQ) getChannel(ctx context.Context) (*amqp.Channel, error) {
	for {
		v := r.channelPool.Get()
		if v == nil {
			break
		}
		if ch := v.(*amqp.Channel); !ch.IsClosed() {
			return ch, nil
		}
	}
	conn, err := r.connection(ctx)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("创建RabbitMQ通道失败: %w", err)
	}
	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("开启publisher confirm失败: %w", err)
	}
	return ch, nil
}

// putChannel 归还通道到池
func (r *RabbitMQ) putChannel(ch *amqp.Channel) {
	if ch != nil && !ch.IsClosed() {
		r.channelPool.Put(ch)
	}
}

// rawChannel 不放入池的普通通道，供消费和查看使用
func (r *RabbitMQ) rawChannel(ctx context.Context) (*amqp.Channel, error) {
	conn, err := r.connection(ctx)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("创建RabbitMQ通道失败: %w", err)
	}
	return ch, nil
}

// SetupTopology 声明订单交换机、队列以及死信交换机和死信队列
func (r *RabbitMQ) SetupTopology(ctx context.Context) error {
	if err := r.EnsureExchange(ctx, r.cfg.OrdersExchange, amqp.ExchangeTopic); err != nil {
		return err
	}
	args := amqp.Table{"x-queue-type": "quorum"}
	if r.cfg.DeadLetterExchange != "" {
		if err := r.EnsureExchange(ctx, r.cfg.DeadLetterExchange, amqp.ExchangeFanout); err != nil {
			return err
		}
		if err := r.EnsureQueue(ctx, r.cfg.DeadLetterQueue, nil); err != nil {
			return err
		}
		if err := r.BindQueue(ctx, r.cfg.DeadLetterQueue, r.cfg.DeadLetterExchange, ""); err != nil {
			return err
		}
		args["x-dead-letter-exchange"] = r.cfg.DeadLetterExchange
	}
	if r.cfg.MaxDeliveryCount > 0 {
		args["x-delivery-limit"] = int64(r.cfg.MaxDeliveryCount)
	}
	if err := r.EnsureQueue(ctx, r.cfg.OrdersQueue, args); err != nil {
		return err
	}
	return r.BindQueue(ctx, r.cfg.OrdersQueue, r.cfg.OrdersExchange, r.cfg.OrderPlacedRouting)
}

// EnsureExchange 确保exchange存在
func (r *RabbitMQ) EnsureExchange(ctx context.Context, exchangeName, exchangeType string) error {
	if exchangeName == "" {
		return fmt.Errorf("exchange名称不能为空")
	}
	if exchangeName == "amq.default" || exchangeName == "default" {
		return fmt.Errorf("不能声明默认交换机 '%s'", exchangeName)
	}

	r.topoMu.Lock()
	defer r.topoMu.Unlock()
	if r.exchangeMap[exchangeName] {
		return nil
	}

	ch, err := r.rawChannel(ctx)
	if err != nil {
		return err
	}
	defer ch.Close()

	if err := ch.ExchangeDeclare(
		exchangeName, // exchange名称
		exchangeType, // exchange类型
		true,         // 持久化
		false,        // 自动删除
		false,        // 内部专用
		false,        // 非阻塞
		nil,
	); err != nil {
		return fmt.Errorf("声明exchange失败: %w", err)
	}

	r.exchangeMap[exchangeName] = true
	r.log.Debug().Str("exchange", exchangeName).Str("type", exchangeType).Msg("已确保exchange存在")
	return nil
}

// EnsureQueue 确保持久化队列存在
func (r *RabbitMQ) EnsureQueue(ctx context.Context, queueName string, args amqp.Table) error {
	if queueName == "" {
		return fmt.Errorf("队列名称不能为空")
	}

	r.topoMu.Lock()
	defer r.topoMu.Unlock()
	if r.queueMap[queueName] {
		return nil
	}

	ch, err := r.rawChannel(ctx)
	if err != nil {
		return err
	}
	defer ch.Close()

	if _, err := ch.QueueDeclare(
		queueName, // 队列名称
		true,      // 持久化
		false,     // 自动删除
		false,     // 独占
		false,     // 非阻塞
		args,
	); err != nil {
		return fmt.Errorf("声明队列 '%s' 失败: %w", queueName, err)
	}

	r.queueMap[queueName] = true
	r.log.Debug().Str("queue", queueName).Msg("已确保队列存在")
	return nil
}

// BindQueue 绑定队列到exchange
func (r *RabbitMQ) BindQueue(ctx context.Context, queueName, exchangeName, routingKey string) error {
	bindingKey := fmt.Sprintf("%s:%s:%s", exchangeName, queueName, routingKey)

	r.topoMu.Lock()
	defer r.topoMu.Unlock()
	if r.bindingMap[bindingKey] {
		return nil
	}

	ch, err := r.rawChannel(ctx)
	if err != nil {
		return err
	}
	defer ch.Close()

	if err := ch.QueueBind(queueName, routingKey, exchangeName, false, nil); err != nil {
		return fmt.Errorf("绑定队列到exchange失败: %w", err)
	}

	r.bindingMap[bindingKey] = true
	r.log.Debug().Str("queue", queueName).Str("exchange", exchangeName).Str("routing_key", routingKey).Msg("已绑定队列")
	return nil
}

// CreateSender name 为交换机名，使用下单路由键
func (r *RabbitMQ) CreateSender(name string) (Sender, error) {
	if name == "" {
		return nil, fmt.Errorf("exchange名称不能为空")
	}
	return &rabbitSender{client: r, exchange: name, routingKey: r.cfg.OrderPlacedRouting}, nil
}

// CreateProcessor name 为队列名
func (r *RabbitMQ) CreateProcessor(name string, opts ProcessorOptions) (Processor, error) {
	if name == "" {
		return nil, fmt.Errorf("队列名称不能为空")
	}
	if opts.MaxConcurrency <= 0 {
		opts.MaxConcurrency = DefaultMaxConcurrency
	}
	return &rabbitProcessor{
		client:  r,
		queue:   name,
		opts:    opts,
		tag:     "eshop-orders-" + uuid.NewString(),
		log:     r.log.With().Str("queue", name).Logger(),
		stopCh:  make(chan struct{}),
		done:    make(chan struct{}),
		drained: make(chan struct{}),
	}, nil
}

// Peek 以 Get + Nack(requeue) 方式查看队列头部消息。
// 队列是quorum类型时每次查看都会让投递计数加一。
func (r *RabbitMQ) Peek(ctx context.Context, queue string, max int) ([]ReceivedMessage, error) {
	ch, err := r.rawChannel(ctx)
	if err != nil {
		return nil, err
	}
	defer ch.Close()

	var (
		out  []ReceivedMessage
		held []amqp.Delivery
	)
	for max <= 0 || len(out) < max {
		if err := ctx.Err(); err != nil {
			break
		}
		d, ok, err := ch.Get(queue, false)
		if err != nil {
			return nil, fmt.Errorf("查看队列 '%s' 失败: %w", queue, err)
		}
		if !ok {
			break
		}
		held = append(held, d)
		out = append(out, fromDelivery(d))
	}
	for _, d := range held {
		if err := d.Nack(false, true); err != nil {
			r.log.Warn().Err(err).Str("message_id", d.MessageId).Msg("查看后归还消息失败")
		}
	}
	return out, nil
}

// Ping 确认broker可达：取得连接、打开通道，并被动声明订单队列
func (r *RabbitMQ) Ping(ctx context.Context) error {
	ch, err := r.rawChannel(ctx)
	if err != nil {
		return err
	}
	defer ch.Close()
	if r.cfg.OrdersQueue == "" {
		return nil
	}
	if _, err := ch.QueueDeclarePassive(r.cfg.OrdersQueue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("队列 '%s' 不可用: %w", r.cfg.OrdersQueue, err)
	}
	return nil
}

// Close 关闭连接
func (r *RabbitMQ) Close(ctx context.Context) error {
	r.connMu.Lock()
	defer r.connMu.Unlock()
	if r.conn == nil || r.conn.IsClosed() {
		return nil
	}
	return r.conn.Close()
}

func toPublishing(m *Message) amqp.Publishing {
	headers := make(amqp.Table, len(m.Properties))
	for k, v := range m.Properties {
		headers[k] = v
	}
	return amqp.Publishing{
		Headers:       headers,
		ContentType:   m.ContentType,
		DeliveryMode:  amqp.Persistent,
		CorrelationId: m.CorrelationID,
		MessageId:     m.MessageID,
		Timestamp:     time.Now().UTC(),
		Type:          m.Subject,
		Body:          m.Body,
	}
}

func fromDelivery(d amqp.Delivery) ReceivedMessage {
	props := make(map[string]string, len(d.Headers))
	count := 1
	for k, v := range d.Headers {
		if k == headerDeliveryCount {
			// quorum队列记录的是之前失败的次数
			if n, ok := headerInt(v); ok {
				count = int(n) + 1
			}
			continue
		}
		props[k] = fmt.Sprint(v)
	}
	if count == 1 && d.Redelivered {
		count = 2
	}
	return ReceivedMessage{
		Message: Message{
			MessageID:     d.MessageId,
			CorrelationID: d.CorrelationId,
			Subject:       d.Type,
			ContentType:   d.ContentType,
			Body:          d.Body,
			Properties:    props,
		},
		DeliveryCount: count,
		EnqueuedAt:    d.Timestamp,
	}
}

func headerInt(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int32:
		return int64(n), true
	case int:
		return int64(n), true
	case string:
		i, err := strconv.ParseInt(n, 10, 64)
		return i, err == nil
	default:
		return 0, false
	}
}

type rabbitSender struct {
	client     *RabbitMQ
	exchange   string
	routingKey string
}

func (s *rabbitSender) startSpan(ctx context.Context, name string, count int) (context.Context, trace.Span) {
	ctx, span := s.client.tracer.Start(ctx, name, trace.WithSpanKind(trace.SpanKindProducer))
	span.SetAttributes(
		semconv.MessagingSystemKey.String("rabbitmq"),
		semconv.MessagingDestinationNameKey.String(s.exchange),
		attribute.String("messaging.rabbitmq.destination.routing_key", s.routingKey),
		attribute.Int("messaging.batch.message_count", count),
	)
	return ctx, span
}

func (s *rabbitSender) Send(ctx context.Context, m *Message) error {
	ctx, span := s.startSpan(ctx, "RabbitMQ.Publish", 1)
	defer span.End()
	span.SetAttributes(semconv.MessagingMessageIDKey.String(m.MessageID))

	if err := s.publish(ctx, span, []*Message{m}); err != nil {
		return err
	}
	span.SetStatus(codes.Ok, "")
	return nil
}

func (s *rabbitSender) CreateBatch(ctx context.Context) (*MessageBatch, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return NewMessageBatch(s.client.cfg.MaxBatchBytes), nil
}

// SendBatch 在同一通道上连续发布并等待全部确认。
// AMQP 没有原子批次，失败时批内部分消息可能已被broker接收。
func (s *rabbitSender) SendBatch(ctx context.Context, batch *MessageBatch) error {
	if batch == nil || batch.Count() == 0 {
		return nil
	}
	ctx, span := s.startSpan(ctx, "RabbitMQ.PublishBatch", batch.Count())
	defer span.End()

	if err := s.publish(ctx, span, batch.Messages()); err != nil {
		return err
	}
	span.SetStatus(codes.Ok, "")
	return nil
}

func (s *rabbitSender) publish(ctx context.Context, span trace.Span, msgs []*Message) error {
	ch, err := s.client.getChannel(ctx)
	if err != nil {
		tracing.RecordError(span, err, tracing.ErrorTypeRabbitMQ)
		return err
	}
	defer s.client.putChannel(ch)

	confirms := make([]*amqp.DeferredConfirmation, 0, len(msgs))
	for _, m := range msgs {
		dc, err := ch.PublishWithDeferredConfirmWithContext(ctx, s.exchange, s.routingKey, false, false, toPublishing(m))
		if err != nil {
			tracing.RecordErrorWithInfo(span, err, tracing.ErrorTypeRabbitMQ, semconv.MessagingMessageIDKey.String(m.MessageID))
			return fmt.Errorf("发布消息 %s 失败: %w", m.MessageID, err)
		}
		confirms = append(confirms, dc)
	}

	cctx, cancel := context.WithTimeout(ctx, s.client.confirmTimeout)
	defer cancel()
	for i, dc := range confirms {
		acked, err := dc.WaitContext(cctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			tracing.RecordConfirmFailure(span, msgs[i].MessageID, tracing.ConfirmTimeout, "confirm timeout after "+s.client.confirmTimeout.String())
			return fmt.Errorf("等待消息 %s 确认超时: %w", msgs[i].MessageID, err)
		}
		if !acked {
			tracing.RecordConfirmFailure(span, msgs[i].MessageID, tracing.ConfirmNack, "")
			return fmt.Errorf("消息 %s 被broker拒绝", msgs[i].MessageID)
		}
	}
	return nil
}

func (s *rabbitSender) Close(ctx context.Context) error { return nil }

type rabbitProcessor struct {
	client *RabbitMQ
	queue  string
	opts   ProcessorOptions
	tag    string
	log    zerolog.Logger

	mu        sync.Mutex
	onMessage MessageHandler
	onError   ErrorHandler
	started   bool
	ch        *amqp.Channel
	workers   *pool.Pool

	stopOnce  sync.Once
	stopCh    chan struct{}
	done      chan struct{}
	drainOnce sync.Once
	drained   chan struct{}
}

func (p *rabbitProcessor) OnMessage(h MessageHandler) {
	p.mu.Lock()
	p.onMessage = h
	p.mu.Unlock()
}

func (p *rabbitProcessor) OnError(h ErrorHandler) {
	p.mu.Lock()
	p.onError = h
	p.mu.Unlock()
}

func (p *rabbitProcessor) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.onMessage == nil {
		return ErrNoHandler
	}
	if p.started {
		return ErrAlreadyStarted
	}
	select {
	case <-p.stopCh:
		return ErrClientClosed
	default:
	}
	p.started = true
	p.workers = pool.New().WithMaxGoroutines(p.opts.MaxConcurrency)
	go p.run(ctx)
	return nil
}

// run 消费循环，通道断开时上报错误并退避重连
func (p *rabbitProcessor) run(ctx context.Context) {
	defer close(p.done)
	handlerCtx := context.WithoutCancel(ctx)
	bo := p.client.newBackOff()

	for {
		err := p.consume(ctx, handlerCtx, bo)
		if p.stopping(ctx) {
			return
		}
		p.reportError(handlerCtx, err)

		wait := bo.NextBackOff()
		if wait == backoff.Stop {
			wait = p.client.maxRetryInterval
		}
		p.log.Warn().Err(err).Dur("retry_in", wait).Msg("RabbitMQ消费通道中断")
		select {
		case <-p.stopCh:
			return
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

func (p *rabbitProcessor) stopping(ctx context.Context) bool {
	select {
	case <-p.stopCh:
		return true
	case <-ctx.Done():
		return true
	default:
		return false
	}
}

func (p *rabbitProcessor) consume(ctx, handlerCtx context.Context, bo *backoff.ExponentialBackOff) error {
	ch, err := p.client.rawChannel(ctx)
	if err != nil {
		return err
	}
	if err := ch.Qos(p.client.cfg.PrefetchCount, 0, false); err != nil {
		_ = ch.Close()
		return fmt.Errorf("设置QoS失败: %w", err)
	}
	deliveries, err := ch.Consume(
		p.queue, // 队列
		p.tag,   // 消费者标签
		false,   // 自动确认
		false,   // 独占
		false,   // 非本地
		false,   // 非阻塞
		nil,
	)
	if err != nil {
		_ = ch.Close()
		return fmt.Errorf("注册消费者失败: %w", err)
	}
	closed := ch.NotifyClose(make(chan *amqp.Error, 1))

	p.mu.Lock()
	if p.ch != nil {
		_ = p.ch.Close()
	}
	p.ch = ch
	p.mu.Unlock()
	bo.Reset()
	p.log.Info().Int("prefetch", p.client.cfg.PrefetchCount).Int("workers", p.opts.MaxConcurrency).Msg("RabbitMQ消费者已启动")

	for {
		select {
		case <-p.stopCh:
			// 停止接收新消息，通道保持打开直到处理中的消息确认完毕
			if err := ch.Cancel(p.tag, false); err != nil {
				p.log.Warn().Err(err).Msg("取消消费者失败")
			}
			return nil
		case <-ctx.Done():
			_ = ch.Cancel(p.tag, false)
			return nil
		case amqpErr, ok := <-closed:
			if !ok || amqpErr == nil {
				return errors.New("RabbitMQ通道已关闭")
			}
			return fmt.Errorf("RabbitMQ通道已关闭: %w", amqpErr)
		case d, ok := <-deliveries:
			if !ok {
				return errors.New("RabbitMQ投递通道已关闭")
			}
			p.workers.Go(func() { p.dispatch(handlerCtx, d) })
		}
	}
}

func (p *rabbitProcessor) dispatch(ctx context.Context, d amqp.Delivery) {
	p.mu.Lock()
	handler := p.onMessage
	p.mu.Unlock()

	delivery := &rabbitDelivery{d: d, msg: fromDelivery(d)}
	err := handler(ctx, delivery)
	if !p.opts.AutoComplete {
		return
	}
	if err != nil {
		err = delivery.Abandon(ctx)
	} else {
		err = delivery.Complete(ctx)
	}
	if err != nil && !errors.Is(err, ErrAlreadySettled) {
		p.reportError(ctx, err)
	}
}

func (p *rabbitProcessor) reportError(ctx context.Context, err error) {
	if err == nil {
		return
	}
	p.mu.Lock()
	h := p.onError
	p.mu.Unlock()
	if h != nil {
		h(ctx, err)
		return
	}
	p.log.Error().Err(err).Msg("RabbitMQ处理器错误")
}

func (p *rabbitProcessor) StopProcessing(ctx context.Context) error {
	p.stopOnce.Do(func() { close(p.stopCh) })

	p.mu.Lock()
	started := p.started
	workers := p.workers
	p.mu.Unlock()
	if !started {
		return nil
	}

	// conc 的 pool 只能 Wait 一次
	p.drainOnce.Do(func() {
		go func() {
			<-p.done
			workers.Wait()
			close(p.drained)
		}()
	})
	select {
	case <-p.drained:
		p.log.Info().Msg("RabbitMQ消费者已停止")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("stop processing %s: %w", p.queue, ctx.Err())
	}
}

// Close 关闭消费通道，未确认的消息由broker重新投递
func (p *rabbitProcessor) Close(ctx context.Context) error {
	p.stopOnce.Do(func() { close(p.stopCh) })
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ch == nil || p.ch.IsClosed() {
		return nil
	}
	err := p.ch.Close()
	p.ch = nil
	return err
}

type rabbitDelivery struct {
	d   amqp.Delivery
	msg ReceivedMessage

	mu      sync.Mutex
	settled bool
}

func (d *rabbitDelivery) Message() ReceivedMessage { return d.msg }

func (d *rabbitDelivery) settle() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.settled {
		return ErrAlreadySettled
	}
	d.settled = true
	return nil
}

func (d *rabbitDelivery) Complete(ctx context.Context) error {
	if err := d.settle(); err != nil {
		return err
	}
	if err := d.d.Ack(false); err != nil {
		return fmt.Errorf("确认消息失败: %w", err)
	}
	return nil
}

// Abandon 拒绝并重新入队
func (d *rabbitDelivery) Abandon(ctx context.Context) error {
	if err := d.settle(); err != nil {
		return err
	}
	if err := d.d.Nack(false, true); err != nil {
		return fmt.Errorf("拒绝消息失败: %w", err)
	}
	return nil
}
