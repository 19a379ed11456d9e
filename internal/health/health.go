package health

import (
	"context"
	"errors"
	"fmt"
	"time"

	"eshop-orders/internal/messaging"
	"eshop-orders/internal/storage"

	"github.com/sourcegraph/conc/pool"
)

// DefaultTimeout 单项检查超时
const DefaultTimeout = 5 * time.Second

// Status 检查结果
type Status string

const (
	Healthy   Status = "Healthy"
	Degraded  Status = "Degraded" // 检查超时
	Unhealthy Status = "Unhealthy"
)

// Result 单项检查的结果
type Result struct {
	Name         string        `json:"name"`
	Status       Status        `json:"status"`
	ResponseTime time.Duration `json:"responseTime"`
	Error        string        `json:"error,omitempty"`
}

// Check 一项依赖检查
type Check interface {
	Name() string
	Verify(ctx context.Context) error
}

// Pinger 支持连通性检查的后端
type Pinger interface {
	Ping(ctx context.Context) error
}

// StoreCheck 检查订单存储，有 Pinger 时优先 Ping，否则做一次 GetAll
type StoreCheck struct {
	Store  storage.OrderStore
	Pinger Pinger
}

func (c StoreCheck) Name() string { return "order-store" }

func (c StoreCheck) Verify(ctx context.Context) error {
	if c.Pinger != nil {
		return c.Pinger.Ping(ctx)
	}
	if c.Store == nil {
		return errors.New("order store not configured")
	}
	_, err := c.Store.GetAll(ctx)
	return err
}

// BrokerCheck 客户端实现 Pinger 时先做一次网络往返，再打开发送端并创建空批次
type BrokerCheck struct {
	Client messaging.Client
	Topic  string
}

func (c BrokerCheck) Name() string { return "message-broker" }

func (c BrokerCheck) Verify(ctx context.Context) error {
	if c.Client == nil {
		return errors.New("message broker not configured")
	}
	if p, ok := c.Client.(Pinger); ok {
		if err := p.Ping(ctx); err != nil {
			return fmt.Errorf("ping broker: %w", err)
		}
	}
	sender, err := c.Client.CreateSender(c.Topic)
	if err != nil {
		return fmt.Errorf("create sender: %w", err)
	}
	defer sender.Close(ctx)
	if _, err := sender.CreateBatch(ctx); err != nil {
		return fmt.Errorf("create batch: %w", err)
	}
	return nil
}

// Run 执行单项检查
func Run(ctx context.Context, c Check, timeout time.Duration) Result {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	errCh := make(chan error, 1)
	go func() { errCh <- c.Verify(ctx) }()

	var err error
	select {
	case err = <-errCh:
	case <-ctx.Done():
		err = ctx.Err()
	}

	res := Result{Name: c.Name(), Status: Healthy, ResponseTime: time.Since(start)}
	switch {
	case err == nil:
	case errors.Is(err, context.DeadlineExceeded):
		res.Status = Degraded
		res.Error = fmt.Sprintf("timed out after %s", timeout)
	default:
		res.Status = Unhealthy
		res.Error = err.Error()
	}
	return res
}

// RunAll 并发执行所有检查，结果与输入顺序一致
func RunAll(ctx context.Context, timeout time.Duration, checks ...Check) []Result {
	results := make([]Result, len(checks))
	p := pool.New()
	for i, c := range checks {
		p.Go(func() { results[i] = Run(ctx, c, timeout) })
	}
	p.Wait()
	return results
}

// AllHealthy 全部检查都为 Healthy
func AllHealthy(results []Result) bool {
	for _, r := range results {
		if r.Status != Healthy {
			return false
		}
	}
	return true
}
