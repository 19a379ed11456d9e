package messaging

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/pool"
)

var (
	ErrClientClosed   = errors.New("broker client closed")
	ErrAlreadySettled = errors.New("delivery already settled")
	ErrNoHandler      = errors.New("message handler not registered")
	ErrAlreadyStarted = errors.New("processor already started")
)

// 确保内存broker实现了全部接口
var (
	_ Client = (*MemoryBroker)(nil)
	_ Peeker = (*MemoryBroker)(nil)
)

// MemoryBroker 进程内broker，用于测试和本地运行
//
// 主题到队列的路由通过 Bind 声明，未绑定的主题直接投递到同名队列。
// 放弃的消息重新入队，投递次数达到上限后转入死信列表。
type MemoryBroker struct {
	mu               sync.Mutex
	maxBatchBytes    int
	maxDeliveryCount int
	bindings         map[string][]string
	queues           map[string]*memQueue
	processors       map[string][]*memProcessor
	sent             []Message
	batches          [][]Message
	sendErr          error
	closed           bool
	log              zerolog.Logger
}

// MemoryBrokerOption 内存broker可选项
type MemoryBrokerOption func(*MemoryBroker)

// WithMaxBatchBytes 设置单批容量
func WithMaxBatchBytes(n int) MemoryBrokerOption {
	return func(b *MemoryBroker) { b.maxBatchBytes = n }
}

// WithMaxDeliveryCount 设置死信前的最大投递次数，n<=0 时保持默认
func WithMaxDeliveryCount(n int) MemoryBrokerOption {
	return func(b *MemoryBroker) {
		if n > 0 {
			b.maxDeliveryCount = n
		}
	}
}

// WithBrokerLogger 设置日志
func WithBrokerLogger(l zerolog.Logger) MemoryBrokerOption {
	return func(b *MemoryBroker) { b.log = l }
}

func NewMemoryBroker(opts ...MemoryBrokerOption) *MemoryBroker {
	b := &MemoryBroker{
		maxBatchBytes:    DefaultMaxBatchBytes,
		maxDeliveryCount: 10,
		bindings:         make(map[string][]string),
		queues:           make(map[string]*memQueue),
		processors:       make(map[string][]*memProcessor),
		log:              zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Bind 把主题路由到队列
func (b *MemoryBroker) Bind(topic, queue string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, q := range b.bindings[topic] {
		if q == queue {
			return
		}
	}
	b.bindings[topic] = append(b.bindings[topic], queue)
	b.queueLocked(queue)
}

// SetSendError 之后的发送都返回 err，nil 恢复正常
func (b *MemoryBroker) SetSendError(err error) {
	b.mu.Lock()
	b.sendErr = err
	b.mu.Unlock()
}

// Sent 所有已发送消息，含批次中的消息
func (b *MemoryBroker) Sent() []Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Message, len(b.sent))
	copy(out, b.sent)
	return out
}

// Batches 每次 SendBatch 刷出的消息
func (b *MemoryBroker) Batches() [][]Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([][]Message, len(b.batches))
	for i, batch := range b.batches {
		out[i] = append([]Message(nil), batch...)
	}
	return out
}

// Pending 队列中等待投递的消息数
func (b *MemoryBroker) Pending(queue string) int {
	q := b.queue(queue)
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Completed 已确认的消息
func (b *MemoryBroker) Completed(queue string) []ReceivedMessage {
	q := b.queue(queue)
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]ReceivedMessage(nil), q.completed...)
}

// AbandonCount 被放弃的投递次数
func (b *MemoryBroker) AbandonCount(queue string) int {
	q := b.queue(queue)
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.abandoned
}

// DeadLettered 超过最大投递次数的消息
func (b *MemoryBroker) DeadLettered(queue string) []ReceivedMessage {
	q := b.queue(queue)
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]ReceivedMessage(nil), q.deadLettered...)
}

// RaiseError 模拟broker层错误，交给该队列所有处理器的错误回调
func (b *MemoryBroker) RaiseError(ctx context.Context, queue string, err error) {
	b.mu.Lock()
	procs := append([]*memProcessor(nil), b.processors[queue]...)
	b.mu.Unlock()
	for _, p := range procs {
		p.reportError(ctx, err)
	}
}

func (b *MemoryBroker) CreateSender(name string) (Sender, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClientClosed
	}
	if name == "" {
		return nil, errors.New("sender name is empty")
	}
	return &memSender{broker: b, topic: name}, nil
}

func (b *MemoryBroker) CreateProcessor(name string, opts ProcessorOptions) (Processor, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClientClosed
	}
	if name == "" {
		return nil, errors.New("queue name is empty")
	}
	if opts.MaxConcurrency <= 0 {
		opts.MaxConcurrency = DefaultMaxConcurrency
	}
	p := &memProcessor{
		broker:  b,
		queue:   b.queueLocked(name),
		opts:    opts,
		stopCh:  make(chan struct{}),
		done:    make(chan struct{}),
		drained: make(chan struct{}),
	}
	b.processors[name] = append(b.processors[name], p)
	return p, nil
}

// Peek 只读查看队列头部的消息，不改变投递次数
func (b *MemoryBroker) Peek(ctx context.Context, queue string, max int) ([]ReceivedMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	q := b.queue(queue)
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.pending)
	if max > 0 && max < n {
		n = max
	}
	out := make([]ReceivedMessage, 0, n)
	for _, env := range q.pending[:n] {
		out = append(out, env.received(env.deliveryCount))
	}
	return out, nil
}

// Ping 已关闭时返回 ErrClientClosed
func (b *MemoryBroker) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClientClosed
	}
	return nil
}

func (b *MemoryBroker) Close(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	var procs []*memProcessor
	for _, ps := range b.processors {
		procs = append(procs, ps...)
	}
	b.mu.Unlock()

	var errs []error
	for _, p := range procs {
		if err := p.StopProcessing(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (b *MemoryBroker) queue(name string) *memQueue {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.queueLocked(name)
}

func (b *MemoryBroker) queueLocked(name string) *memQueue {
	q, ok := b.queues[name]
	if !ok {
		q = &memQueue{name: name, notify: make(chan struct{}, 1)}
		b.queues[name] = q
	}
	return q
}

// route 投递到主题绑定的所有队列
func (b *MemoryBroker) route(topic string, msgs []*Message, batch bool) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClientClosed
	}
	if b.sendErr != nil {
		err := b.sendErr
		b.mu.Unlock()
		return err
	}
	targets := b.bindings[topic]
	if len(targets) == 0 {
		targets = []string{topic}
	}
	queues := make([]*memQueue, 0, len(targets))
	for _, name := range targets {
		queues = append(queues, b.queueLocked(name))
	}
	recorded := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		recorded = append(recorded, *m.Clone())
	}
	b.sent = append(b.sent, recorded...)
	if batch {
		b.batches = append(b.batches, recorded)
	}
	b.mu.Unlock()

	now := time.Now().UTC()
	for _, q := range queues {
		for _, m := range msgs {
			q.push(&memEnvelope{msg: *m.Clone(), enqueuedAt: now})
		}
	}
	return nil
}

type memEnvelope struct {
	msg           Message
	deliveryCount int
	enqueuedAt    time.Time
}

func (e *memEnvelope) received(count int) ReceivedMessage {
	return ReceivedMessage{Message: *e.msg.Clone(), DeliveryCount: count, EnqueuedAt: e.enqueuedAt}
}

type memQueue struct {
	name         string
	mu           sync.Mutex
	pending      []*memEnvelope
	notify       chan struct{}
	completed    []ReceivedMessage
	deadLettered []ReceivedMessage
	abandoned    int
}

func (q *memQueue) push(e *memEnvelope) {
	q.mu.Lock()
	q.pending = append(q.pending, e)
	q.mu.Unlock()
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// pop 取出队头并累加投递次数
func (q *memQueue) pop() (*memEnvelope, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 {
		return nil, false
	}
	e := q.pending[0]
	q.pending[0] = nil
	q.pending = q.pending[1:]
	e.deliveryCount++
	return e, true
}

type memSender struct {
	broker *MemoryBroker
	topic  string
}

func (s *memSender) Send(ctx context.Context, m *Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.broker.route(s.topic, []*Message{m}, false)
}

func (s *memSender) CreateBatch(ctx context.Context) (*MessageBatch, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.broker.mu.Lock()
	maxBytes := s.broker.maxBatchBytes
	s.broker.mu.Unlock()
	return NewMessageBatch(maxBytes), nil
}

func (s *memSender) SendBatch(ctx context.Context, batch *MessageBatch) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if batch == nil || batch.Count() == 0 {
		return nil
	}
	return s.broker.route(s.topic, batch.Messages(), true)
}

func (s *memSender) Close(ctx context.Context) error { return nil }

type memProcessor struct {
	broker *MemoryBroker
	queue  *memQueue
	opts   ProcessorOptions

	mu        sync.Mutex
	onMessage MessageHandler
	onError   ErrorHandler
	started   bool
	workers   *pool.Pool

	stopOnce  sync.Once
	stopCh    chan struct{}
	done      chan struct{}
	drainOnce sync.Once
	drained   chan struct{}
}

func (p *memProcessor) OnMessage(h MessageHandler) {
	p.mu.Lock()
	p.onMessage = h
	p.mu.Unlock()
}

func (p *memProcessor) OnError(h ErrorHandler) {
	p.mu.Lock()
	p.onError = h
	p.mu.Unlock()
}

func (p *memProcessor) Start(ctx context.Context) error {
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
	go p.run(context.WithoutCancel(ctx))
	return nil
}

func (p *memProcessor) run(ctx context.Context) {
	defer close(p.done)
	for {
		// 先取尽队列再等待通知
		for {
			select {
			case <-p.stopCh:
				return
			default:
			}
			env, ok := p.queue.pop()
			if !ok {
				break
			}
			p.workers.Go(func() { p.dispatch(ctx, env) })
		}
		select {
		case <-p.stopCh:
			return
		case <-p.queue.notify:
		}
	}
}

func (p *memProcessor) dispatch(ctx context.Context, env *memEnvelope) {
	p.mu.Lock()
	handler := p.onMessage
	p.mu.Unlock()

	d := &memDelivery{processor: p, env: env, msg: env.received(env.deliveryCount)}
	err := handler(ctx, d)
	if !p.opts.AutoComplete {
		return
	}
	if err != nil {
		err = d.Abandon(ctx)
	} else {
		err = d.Complete(ctx)
	}
	if err != nil && !errors.Is(err, ErrAlreadySettled) {
		p.reportError(ctx, err)
	}
}

func (p *memProcessor) reportError(ctx context.Context, err error) {
	p.mu.Lock()
	h := p.onError
	p.mu.Unlock()
	if h != nil {
		h(ctx, err)
		return
	}
	p.broker.log.Warn().Err(err).Str("queue", p.queue.name).Msg("内存broker错误未被处理")
}

func (p *memProcessor) StopProcessing(ctx context.Context) error {
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
		return nil
	case <-ctx.Done():
		return fmt.Errorf("stop processing %s: %w", p.queue.name, ctx.Err())
	}
}

func (p *memProcessor) Close(ctx context.Context) error {
	return p.StopProcessing(ctx)
}

type memDelivery struct {
	processor *memProcessor
	env       *memEnvelope
	msg       ReceivedMessage

	mu      sync.Mutex
	settled bool
}

func (d *memDelivery) Message() ReceivedMessage { return d.msg }

func (d *memDelivery) settle() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.settled {
		return ErrAlreadySettled
	}
	d.settled = true
	return nil
}

func (d *memDelivery) Complete(ctx context.Context) error {
	if err := d.settle(); err != nil {
		return err
	}
	q := d.processor.queue
	q.mu.Lock()
	q.completed = append(q.completed, d.msg)
	q.mu.Unlock()
	return nil
}

// Abandon 重新入队，达到最大投递次数时转入死信
func (d *memDelivery) Abandon(ctx context.Context) error {
	if err := d.settle(); err != nil {
		return err
	}
	q := d.processor.queue
	b := d.processor.broker
	b.mu.Lock()
	limit := b.maxDeliveryCount
	b.mu.Unlock()

	q.mu.Lock()
	q.abandoned++
	if limit > 0 && d.env.deliveryCount >= limit {
		q.deadLettered = append(q.deadLettered, d.msg)
		q.mu.Unlock()
		b.log.Warn().
			Str("queue", q.name).
			Str("message_id", d.msg.MessageID).
			Int("delivery_count", d.env.deliveryCount).
			Msg("消息超过最大投递次数，转入死信")
		return nil
	}
	q.mu.Unlock()

	select {
	case <-d.processor.stopCh:
		// 处理器已停止，不再立刻重新投递
		q.mu.Lock()
		q.pending = append(q.pending, d.env)
		q.mu.Unlock()
	default:
		q.push(d.env)
	}
	return nil
}
