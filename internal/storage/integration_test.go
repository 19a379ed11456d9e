package storage

import (
	"context"
	"os"
	"strconv"
	"testing"
	"time"

	"eshop-orders/internal/config"
	"eshop-orders/internal/storage/models"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

// 以下测试需要真实的 MySQL / Redis，未设置环境变量时跳过

func mysqlTestConfig(t *testing.T) *config.MySQLConfig {
	t.Helper()
	host := os.Getenv("ORDERS_MYSQL_HOST")
	if host == "" {
		t.Skip("ORDERS_MYSQL_HOST 未设置，跳过MySQL集成测试")
	}
	cfg := &config.MySQLConfig{
		Host:                  host,
		Port:                  3306,
		Username:              "root",
		Password:              os.Getenv("ORDERS_MYSQL_PASSWORD"),
		Database:              "eshop_orders_test",
		ConnectTimeoutSeconds: 5,
		ReadTimeoutSeconds:    10,
		WriteTimeoutSeconds:   10,
		LogLevel:              1,
	}
	if v := os.Getenv("ORDERS_MYSQL_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		require.NoError(t, err)
		cfg.Port = port
	}
	if v := os.Getenv("ORDERS_MYSQL_DATABASE"); v != "" {
		cfg.Database = v
	}
	return cfg
}

func openTestMySQL(t *testing.T) *MySQL {
	m, err := NewMySQL(mysqlTestConfig(t), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func cleanOrderTables(t *testing.T, m *MySQL) {
	db := m.DB().Session(&gorm.Session{AllowGlobalUpdate: true})
	require.NoError(t, db.Delete(&models.OrderProductRecord{}).Error)
	require.NoError(t, db.Delete(&models.OrderRecord{}).Error)
}

func TestMySQLOrderStoreContract(t *testing.T) {
	m := openTestMySQL(t)
	runOrderStoreContract(t, func(t *testing.T) OrderStore {
		cleanOrderTables(t, m)
		return NewMySQLOrderStore(m.DB())
	})
}

func TestMySQLProcessedLedger(t *testing.T) {
	m := openTestMySQL(t)
	runLedgerContract(t, NewMySQLProcessedLedger(m.DB()), "order-"+uuid.NewString())
}

func TestRedisProcessedLedger(t *testing.T) {
	addr := os.Getenv("ORDERS_REDIS_ADDR")
	if addr == "" {
		t.Skip("ORDERS_REDIS_ADDR 未设置，跳过Redis集成测试")
	}
	r, err := NewRedisAdapter(&config.RedisConfig{
		Address:            addr,
		DialTimeoutSeconds: 5,
		KeyPrefix:          "eshop:orders:test:",
	}, nil)
	require.NoError(t, err)
	defer r.Close()

	orderID := "order-" + uuid.NewString()
	ledger := NewRedisProcessedLedger(r, time.Minute)
	runLedgerContract(t, ledger, orderID)

	ttl, err := r.Client.TTL(context.Background(), ledger.key(orderID)).Result()
	require.NoError(t, err)
	require.Greater(t, ttl, time.Duration(0))
}
