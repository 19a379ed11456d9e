package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"eshop-orders/internal/config"
	applog "eshop-orders/internal/logger"
	"eshop-orders/internal/storage/models"
	"eshop-orders/internal/tracing"
	"eshop-orders/internal/types"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

type gormSpanKey struct{}

// GormTracingPlugin 是一个GORM插件，为每条SQL操作创建span
type GormTracingPlugin struct {
	tracer         trace.Tracer
	dbName         string
	disableErrSkip bool
}

// Name 返回插件名称
func (p *GormTracingPlugin) Name() string {
	return "GormOpenTelemetryPlugin"
}

// Initialize 注册GORM回调以启用追踪
func (p *GormTracingPlugin) Initialize(db *gorm.DB) error {
	cb := db.Callback()

	hooks := []struct {
		op       string
		register func(name string, before bool, fn func(*gorm.DB)) error
	}{
		{"INSERT", func(name string, before bool, fn func(*gorm.DB)) error {
			if before {
				return cb.Create().Before("gorm:create").Register(name, fn)
			}
			return cb.Create().After("gorm:create").Register(name, fn)
		}},
		{"SELECT", func(name string, before bool, fn func(*gorm.DB)) error {
			if before {
				return cb.Query().Before("gorm:query").Register(name, fn)
			}
			return cb.Query().After("gorm:query").Register(name, fn)
		}},
		{"UPDATE", func(name string, before bool, fn func(*gorm.DB)) error {
			if before {
				return cb.Update().Before("gorm:update").Register(name, fn)
			}
			return cb.Update().After("gorm:update").Register(name, fn)
		}},
		{"DELETE", func(name string, before bool, fn func(*gorm.DB)) error {
			if before {
				return cb.Delete().Before("gorm:delete").Register(name, fn)
			}
			return cb.Delete().After("gorm:delete").Register(name, fn)
		}},
		{"ROW", func(name string, before bool, fn func(*gorm.DB)) error {
			if before {
				return cb.Row().Before("gorm:row").Register(name, fn)
			}
			return cb.Row().After("gorm:row").Register(name, fn)
		}},
		{"RAW", func(name string, before bool, fn func(*gorm.DB)) error {
			if before {
				return cb.Raw().Before("gorm:raw").Register(name, fn)
			}
			return cb.Raw().After("gorm:raw").Register(name, fn)
		}},
	}

	for _, h := range hooks {
		if err := h.register("otel:before_"+h.op, true, p.before(h.op)); err != nil {
			return err
		}
		if err := h.register("otel:after_"+h.op, false, p.after()); err != nil {
			return err
		}
	}
	return nil
}

// before 返回在GORM操作之前执行的回调函数
func (p *GormTracingPlugin) before(operation string) func(db *gorm.DB) {
	return func(db *gorm.DB) {
		if p.disableErrSkip && db.Statement.SkipHooks {
			return
		}

		ctx := db.Statement.Context
		if ctx == nil {
			ctx = context.Background()
		}

		tableName := db.Statement.Table
		if tableName == "" {
			tableName = "unknown"
		}

		opts := []trace.SpanStartOption{
			trace.WithSpanKind(trace.SpanKindClient),
			trace.WithAttributes(
				semconv.DBSystemMySQL,
				attribute.String("db.name", p.dbName),
				attribute.String("db.operation", operation),
				attribute.String("db.sql.table", tableName),
			),
		}
		if stmt := db.Statement.SQL.String(); stmt != "" {
			opts = append(opts, trace.WithAttributes(attribute.String("db.statement", tracing.SafeSQL(stmt))))
		}

		newCtx, span := p.tracer.Start(ctx, operation+" "+tableName, opts...)
		db.Statement.Context = context.WithValue(newCtx, gormSpanKey{}, span)
	}
}

// after 返回在GORM操作之后执行的回调函数
func (p *GormTracingPlugin) after() func(db *gorm.DB) {
	return func(db *gorm.DB) {
		span, ok := db.Statement.Context.Value(gormSpanKey{}).(trace.Span)
		if !ok {
			return
		}
		defer span.End()

		span.SetAttributes(attribute.Int64("db.rows_affected", db.Statement.RowsAffected))

		switch {
		case db.Error == nil:
			span.SetStatus(codes.Ok, "")
		case db.Error == gorm.ErrRecordNotFound:
			// 查不到记录属于正常业务结果
			span.SetAttributes(attribute.String("error.type", "record_not_found"))
			span.SetStatus(codes.Ok, "record not found")
		default:
			tracing.RecordError(span, db.Error, tracing.ErrorTypeDB)
		}
	}
}

// NewGormTracingPlugin 创建一个新的GORM追踪插件
func NewGormTracingPlugin(dbName string, tp trace.TracerProvider) *GormTracingPlugin {
	return &GormTracingPlugin{
		tracer:         tp.Tracer("eshop-orders/storage/mysql"),
		dbName:         dbName,
		disableErrSkip: true,
	}
}

// MySQL 持有GORM连接
type MySQL struct {
	db  *gorm.DB
	cfg *config.MySQLConfig
}

// NewMySQL 创建MySQL客户端并迁移订单相关表结构
func NewMySQL(cfg *config.MySQLConfig, tel *tracing.Telemetry) (*MySQL, error) {
	if cfg == nil {
		return nil, fmt.Errorf("MySQL配置不能为空")
	}

	dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=True&loc=UTC&timeout=%ds&readTimeout=%ds&writeTimeout=%ds",
		cfg.Username, cfg.Password, cfg.Host, cfg.Port, cfg.Database,
		cfg.ConnectTimeoutSeconds, cfg.ReadTimeoutSeconds, cfg.WriteTimeoutSeconds)

	return OpenMySQL(dsn, cfg, tel)
}

// OpenMySQL 使用给定DSN打开连接，测试中可直接传入DSN
func OpenMySQL(dsn string, cfg *config.MySQLConfig, tel *tracing.Telemetry) (*MySQL, error) {
	if cfg == nil {
		cfg = &config.MySQLConfig{}
	}
	if tel == nil {
		tel = tracing.NopTelemetry()
	}

	var logLevel logger.LogLevel
	switch cfg.LogLevel {
	case 1:
		logLevel = logger.Silent
	case 3:
		logLevel = logger.Warn
	case 4:
		logLevel = logger.Info
	default:
		logLevel = logger.Error
	}

	gormConfig := &gorm.Config{
		Logger:      logger.Default.LogMode(logLevel),
		PrepareStmt: true,
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	}

	db, err := gorm.Open(mysql.Open(dsn), gormConfig)
	if err != nil {
		return nil, fmt.Errorf("连接MySQL失败: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("获取底层 sql.DB 失败: %w", err)
	}
	if cfg.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	sqlDB.SetConnMaxLifetime(time.Duration(cfg.ConnMaxLifetimeMinutes) * time.Minute)
	sqlDB.SetConnMaxIdleTime(time.Duration(cfg.ConnMaxIdleTimeMinutes) * time.Minute)

	if err := db.Use(NewGormTracingPlugin(cfg.Database, tel.TracerProvider)); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("注册追踪插件失败: %w", err)
	}

	m := &MySQL{db: db, cfg: cfg}
	if err := m.autoMigrateSchema(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("自动迁移数据库结构失败: %w", err)
	}
	return m, nil
}

// autoMigrateSchema 静默迁移表结构
func (m *MySQL) autoMigrateSchema() error {
	silentDB := m.db.Session(&gorm.Session{Logger: logger.Default.LogMode(logger.Silent)})
	if err := silentDB.AutoMigrate(
		&models.OrderRecord{},
		&models.OrderProductRecord{},
		&models.ProcessedMessage{},
	); err != nil {
		return fmt.Errorf("GORM自动迁移失败: %w", err)
	}
	log := applog.Component("mysql")
	log.Info().Str("database", m.cfg.Database).Msg("GORM数据库结构迁移成功")
	return nil
}

// DB 返回GORM数据库连接实例
func (m *MySQL) DB() *gorm.DB {
	return m.db
}

// Ping 检查数据库连通性
func (m *MySQL) Ping(ctx context.Context) error {
	sqlDB, err := m.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close 关闭数据库连接
func (m *MySQL) Close() error {
	sqlDB, err := m.db.DB()
	if err != nil {
		return fmt.Errorf("获取底层 sql.DB 失败: %w", err)
	}
	return sqlDB.Close()
}

var _ OrderStore = (*MySQLOrderStore)(nil)

// MySQLOrderStore 基于GORM的订单存储
type MySQLOrderStore struct {
	db *gorm.DB
	mu sync.Mutex // 串行化写入，同一进程内读己之写
}

// NewMySQLOrderStore 创建订单存储
func NewMySQLOrderStore(db *gorm.DB) *MySQLOrderStore {
	return &MySQLOrderStore{db: db}
}

// Save 在事务中覆盖写入订单与订单行
func (s *MySQLOrderStore) Save(ctx context.Context, order types.Order) error {
	if err := checkCall(ctx, order.ID, "save"); err != nil {
		return err
	}

	rec, products := toOrderRecord(order)

	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.OnConflict{UpdateAll: true}).
			Omit(clause.Associations).
			Create(&rec).Error; err != nil {
			return err
		}
		if err := tx.Where("order_id = ?", rec.ID).Delete(&models.OrderProductRecord{}).Error; err != nil {
			return err
		}
		if len(products) == 0 {
			return nil
		}
		return tx.Create(&products).Error
	})
	return wrapBackendErr(ctx, order.ID, "save", err)
}

func (s *MySQLOrderStore) GetByID(ctx context.Context, id string) (types.Order, bool, error) {
	if err := checkCall(ctx, id, "get"); err != nil {
		return types.Order{}, false, err
	}

	var recs []models.OrderRecord
	err := s.db.WithContext(ctx).
		Preload("Products", func(db *gorm.DB) *gorm.DB { return db.Order("position ASC") }).
		Where("id = ?", id).
		Limit(1).
		Find(&recs).Error
	if err != nil {
		return types.Order{}, false, wrapBackendErr(ctx, id, "get", err)
	}
	if len(recs) == 0 {
		return types.Order{}, false, nil
	}
	return fromOrderRecord(recs[0]), true, nil
}

func (s *MySQLOrderStore) GetAll(ctx context.Context) ([]types.Order, error) {
	if err := ctx.Err(); err != nil {
		return nil, types.NewCancelledError("", "get_all", err)
	}

	var recs []models.OrderRecord
	err := s.db.WithContext(ctx).
		Preload("Products", func(db *gorm.DB) *gorm.DB { return db.Order("position ASC") }).
		Order("order_date ASC, id ASC").
		Find(&recs).Error
	if err != nil {
		return nil, wrapBackendErr(ctx, "", "get_all", err)
	}

	out := make([]types.Order, 0, len(recs))
	for _, rec := range recs {
		out = append(out, fromOrderRecord(rec))
	}
	return out, nil
}

// Delete 在同一事务中删除订单行与订单
func (s *MySQLOrderStore) Delete(ctx context.Context, id string) (bool, error) {
	if err := checkCall(ctx, id, "delete"); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var deleted bool
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("order_id = ?", id).Delete(&models.OrderProductRecord{}).Error; err != nil {
			return err
		}
		res := tx.Where("id = ?", id).Delete(&models.OrderRecord{})
		if res.Error != nil {
			return res.Error
		}
		deleted = res.RowsAffected > 0
		return nil
	})
	if err != nil {
		return false, wrapBackendErr(ctx, id, "delete", err)
	}
	return deleted, nil
}

func toOrderRecord(o types.Order) (models.OrderRecord, []models.OrderProductRecord) {
	rec := models.OrderRecord{
		ID:              o.ID,
		CustomerID:      o.CustomerID,
		OrderDate:       o.Date.UTC(),
		DeliveryAddress: o.DeliveryAddress,
		Total:           o.Total,
	}
	products := make([]models.OrderProductRecord, len(o.Products))
	for i, p := range o.Products {
		products[i] = models.OrderProductRecord{
			OrderID:            o.ID,
			Position:           i,
			LineID:             p.ID,
			ProductID:          p.ProductID,
			ProductDescription: p.ProductDescription,
			Quantity:           p.Quantity,
			Price:              p.Price,
		}
	}
	return rec, products
}

func fromOrderRecord(rec models.OrderRecord) types.Order {
	o := types.Order{
		ID:              rec.ID,
		CustomerID:      rec.CustomerID,
		Date:            rec.OrderDate.UTC(),
		DeliveryAddress: rec.DeliveryAddress,
		Total:           rec.Total,
		Products:        make([]types.OrderProduct, len(rec.Products)),
	}
	for i, p := range rec.Products {
		o.Products[i] = types.OrderProduct{
			ID:                 p.LineID,
			OrderID:            p.OrderID,
			ProductID:          p.ProductID,
			ProductDescription: p.ProductDescription,
			Quantity:           p.Quantity,
			Price:              p.Price,
		}
	}
	return o
}

var _ ProcessedLedger = (*MySQLProcessedLedger)(nil)

// MySQLProcessedLedger 基于 processed_messages 表的幂等台账
type MySQLProcessedLedger struct {
	db *gorm.DB
}

func NewMySQLProcessedLedger(db *gorm.DB) *MySQLProcessedLedger {
	return &MySQLProcessedLedger{db: db}
}

func (l *MySQLProcessedLedger) IsProcessed(ctx context.Context, orderID string) (bool, error) {
	if err := checkCall(ctx, orderID, "is_processed"); err != nil {
		return false, err
	}
	var count int64
	err := l.db.WithContext(ctx).Model(&models.ProcessedMessage{}).Where("order_id = ?", orderID).Count(&count).Error
	if err != nil {
		return false, wrapBackendErr(ctx, orderID, "is_processed", err)
	}
	return count > 0, nil
}

// MarkProcessed 已存在的记录保持不变
func (l *MySQLProcessedLedger) MarkProcessed(ctx context.Context, receipt Receipt) error {
	if err := checkCall(ctx, receipt.OrderID, "mark_processed"); err != nil {
		return err
	}
	props, err := models.StringMapToJSON(receipt.Properties)
	if err != nil {
		return types.NewStorageError(receipt.OrderID, "mark_processed", err)
	}
	processedAt := receipt.ProcessedAt
	if processedAt.IsZero() {
		processedAt = time.Now().UTC()
	}
	rec := models.ProcessedMessage{
		OrderID:       receipt.OrderID,
		MessageID:     receipt.MessageID,
		CorrelationID: receipt.CorrelationID,
		Properties:    props,
		ProcessedAt:   processedAt,
	}
	err = l.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&rec).Error
	return wrapBackendErr(ctx, receipt.OrderID, "mark_processed", err)
}
