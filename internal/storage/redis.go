package storage

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"eshop-orders/internal/config"
	"eshop-orders/internal/tracing"
	"eshop-orders/internal/types"

	json "github.com/goccy/go-json"
	"github.com/redis/go-redis/extra/redisotel/v9"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
)

// processedKeyPart 已处理订单键的中间段
const processedKeyPart = "processed:"

// Redis wraps the Redis client
type Redis struct {
	Client redis.UniversalClient
	config *config.RedisConfig
	tracer trace.Tracer
}

// NewRedisAdapter creates a new Redis client connection
func NewRedisAdapter(cfg *config.RedisConfig, tel *tracing.Telemetry) (*Redis, error) {
	if cfg == nil {
		return nil, fmt.Errorf("redis config cannot be nil")
	}
	if tel == nil {
		tel = tracing.NopTelemetry()
	}
	if cfg.Address == "" {
		return nil, fmt.Errorf("redis address is required")
	}

	opt := &redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,

		// 连接池设置
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,

		// 超时设置
		DialTimeout:  time.Duration(cfg.DialTimeoutSeconds) * time.Second,
		ReadTimeout:  time.Duration(cfg.ReadTimeoutSeconds) * time.Second,
		WriteTimeout: time.Duration(cfg.WriteTimeoutSeconds) * time.Second,

		// 重试设置
		MaxRetries:      cfg.MaxRetries,
		MinRetryBackoff: time.Duration(cfg.MinRetryBackoffMS) * time.Millisecond,
		MaxRetryBackoff: time.Duration(cfg.MaxRetryBackoffMS) * time.Millisecond,

		// 连接生命周期
		ConnMaxLifetime: time.Duration(cfg.ConnMaxLifetimeMinutes) * time.Minute,
		ConnMaxIdleTime: time.Duration(cfg.ConnMaxIdleTimeMinutes) * time.Minute,
	}

	client := redis.NewClient(opt)

	// 添加OpenTelemetry钩子, 记录所有Redis操作
	if err := redisotel.InstrumentTracing(client, redisotel.WithTracerProvider(tel.TracerProvider)); err != nil {
		return nil, fmt.Errorf("failed to instrument Redis tracing: %w", err)
	}
	if err := redisotel.InstrumentMetrics(client, redisotel.WithMeterProvider(tel.MeterProvider)); err != nil {
		return nil, fmt.Errorf("failed to instrument Redis metrics: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := client.Ping(ctx).Result(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", cfg.Address, err)
	}

	return &Redis{
		Client: client,
		config: cfg,
		tracer: tel.TracerProvider.Tracer("eshop-orders/storage/redis"),
	}, nil
}

// FormatKey 拼接带前缀的键
func (r *Redis) FormatKey(parts ...string) string {
	key := r.config.KeyPrefix
	for _, p := range parts {
		key += p
	}
	return key
}

// Close closes the Redis client connection
func (r *Redis) Close() error {
	if r.Client != nil {
		return r.Client.Close()
	}
	return nil
}

// Ping checks the Redis connection
func (r *Redis) Ping(ctx context.Context) error {
	if r.Client == nil {
		return fmt.Errorf("redis client is not initialized")
	}
	return r.Client.Ping(ctx).Err()
}

var _ ProcessedLedger = (*RedisProcessedLedger)(nil)

// RedisProcessedLedger 用 SET NX + TTL 记录已处理订单
type RedisProcessedLedger struct {
	redis *Redis
	ttl   time.Duration
}

// NewRedisProcessedLedger ttl<=0 时记录永不过期
func NewRedisProcessedLedger(r *Redis, ttl time.Duration) *RedisProcessedLedger {
	return &RedisProcessedLedger{redis: r, ttl: ttl}
}

func (l *RedisProcessedLedger) key(orderID string) string {
	return l.redis.FormatKey(processedKeyPart, orderID)
}

func (l *RedisProcessedLedger) startSpan(ctx context.Context, name, op, key string) (context.Context, trace.Span) {
	ctx, span := l.redis.tracer.Start(ctx, name, trace.WithSpanKind(trace.SpanKindClient))
	span.SetAttributes(
		semconv.DBSystemRedis,
		attribute.String("db.redis.database", strconv.Itoa(l.redis.config.DB)),
		attribute.String("net.peer.name", l.redis.config.Address),
		attribute.String("db.operation", op),
		attribute.String("db.redis.key", tracing.SafeRedisKey(key)),
	)
	return ctx, span
}

func (l *RedisProcessedLedger) IsProcessed(ctx context.Context, orderID string) (bool, error) {
	if err := checkCall(ctx, orderID, "is_processed"); err != nil {
		return false, err
	}
	key := l.key(orderID)
	ctx, span := l.startSpan(ctx, "Redis.IsProcessed", "EXISTS", key)
	defer span.End()

	n, err := l.redis.Client.Exists(ctx, key).Result()
	if err != nil {
		tracing.RecordError(span, err, tracing.ErrorTypeRedis)
		return false, wrapBackendErr(ctx, orderID, "is_processed", err)
	}
	span.SetAttributes(attribute.Bool("already_exists", n > 0))
	span.SetStatus(codes.Ok, "")
	return n > 0, nil
}

// MarkProcessed 键已存在时保持原值和原TTL
func (l *RedisProcessedLedger) MarkProcessed(ctx context.Context, receipt Receipt) error {
	if err := checkCall(ctx, receipt.OrderID, "mark_processed"); err != nil {
		return err
	}
	if receipt.ProcessedAt.IsZero() {
		receipt.ProcessedAt = time.Now().UTC()
	}
	payload, err := json.Marshal(receipt)
	if err != nil {
		return types.NewStorageError(receipt.OrderID, "mark_processed", err)
	}

	key := l.key(receipt.OrderID)
	ctx, span := l.startSpan(ctx, "Redis.MarkProcessed", "SETNX", key)
	defer span.End()

	created, err := l.redis.Client.SetNX(ctx, key, payload, l.ttl).Result()
	if err != nil {
		tracing.RecordError(span, err, tracing.ErrorTypeRedis)
		return wrapBackendErr(ctx, receipt.OrderID, "mark_processed", err)
	}
	span.SetAttributes(attribute.Bool("already_exists", !created))
	span.SetStatus(codes.Ok, "")
	return nil
}
