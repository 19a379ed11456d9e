package storage

import (
	"fmt"
	"time"

	"eshop-orders/internal/config"
	"eshop-orders/internal/tracing"

	"github.com/rs/zerolog"
)

// Storage 存储管理器，按配置选择订单存储与幂等台账后端
type Storage struct {
	Orders OrderStore
	Ledger ProcessedLedger

	// 关系型数据库，store 或 dedupe 选用 mysql 时非空
	MySQL *MySQL

	// 键值存储，dedupe 选用 redis 时非空
	Redis *Redis

	log zerolog.Logger
}

// NewStorage 创建存储管理器，任一所选后端初始化失败即返回错误并释放已建立的连接
func NewStorage(cfg *config.Config, tel *tracing.Telemetry, log zerolog.Logger) (*Storage, error) {
	if cfg == nil {
		return nil, fmt.Errorf("配置不能为空")
	}
	s := &Storage{log: log.With().Str("component", "storage").Logger()}

	needMySQL := cfg.Store.Backend == "mysql" || cfg.Dedupe.Backend == "mysql"
	if needMySQL {
		s.log.Info().Str("host", cfg.MySQL.Host).Int("port", cfg.MySQL.Port).Msg("初始化MySQL...")
		mysql, err := NewMySQL(&cfg.MySQL, tel)
		if err != nil {
			return nil, fmt.Errorf("初始化MySQL失败: %w", err)
		}
		s.MySQL = mysql
	}

	switch cfg.Store.Backend {
	case "", "memory":
		s.Orders = NewMemoryOrderStore()
	case "mysql":
		s.Orders = NewMySQLOrderStore(s.MySQL.DB())
	default:
		s.Close()
		return nil, fmt.Errorf("未知的订单存储后端: %q", cfg.Store.Backend)
	}

	switch cfg.Dedupe.Backend {
	case "", "memory":
		s.Ledger = NewMemoryProcessedLedger()
	case "mysql":
		s.Ledger = NewMySQLProcessedLedger(s.MySQL.DB())
	case "redis":
		s.log.Info().Str("address", cfg.Redis.Address).Msg("初始化Redis...")
		r, err := NewRedisAdapter(&cfg.Redis, tel)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("初始化Redis失败: %w", err)
		}
		s.Redis = r
		s.Ledger = NewRedisProcessedLedger(r, config.GetDuration(cfg.Dedupe.TTL, 7*24*time.Hour))
	default:
		s.Close()
		return nil, fmt.Errorf("未知的台账后端: %q", cfg.Dedupe.Backend)
	}

	s.log.Info().
		Str("store", backendName(cfg.Store.Backend)).
		Str("dedupe", backendName(cfg.Dedupe.Backend)).
		Msg("存储初始化完成")
	return s, nil
}

func backendName(b string) string {
	if b == "" {
		return "memory"
	}
	return b
}

// Close 关闭所有连接
func (s *Storage) Close() {
	if s.MySQL != nil {
		if err := s.MySQL.Close(); err != nil {
			s.log.Error().Err(err).Msg("关闭MySQL连接失败")
		}
	}
	if s.Redis != nil {
		if err := s.Redis.Close(); err != nil {
			s.log.Error().Err(err).Msg("关闭Redis连接失败")
		}
	}
}
