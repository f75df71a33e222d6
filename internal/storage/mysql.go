package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
)

// MySQLConfig 描述 MySQL 会话存储的连接参数。
type MySQLConfig struct {
	DSN             string
	Table           string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// MySQLStore 将键值对写入单张 MySQL 表，提供可跨进程重启恢复的会话持久化。
type MySQLStore struct {
	db    *sql.DB
	table string
}

// NewMySQLStore 建立连接并确保存储表存在。
func NewMySQLStore(ctx context.Context, cfg MySQLConfig) (*MySQLStore, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, errors.New("MySQL DSN 不能为空")
	}
	table := strings.TrimSpace(cfg.Table)
	if table == "" {
		table = "session_store"
	}

	db, err := sql.Open("mysql", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("连接 MySQL 失败: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	} else {
		db.SetMaxOpenConns(10)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	} else {
		db.SetMaxIdleConns(5)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	} else {
		db.SetConnMaxLifetime(30 * time.Minute)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("无法连接到 MySQL: %w", err)
	}

	store := &MySQLStore{db: db, table: table}
	if err := store.ensureTable(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

func (s *MySQLStore) ensureTable(ctx context.Context) error {
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		store_key VARCHAR(255) NOT NULL PRIMARY KEY,
		store_value MEDIUMBLOB NOT NULL,
		updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP ON UPDATE CURRENT_TIMESTAMP
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`, s.table)
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("初始化会话存储表失败: %w", err)
	}
	return nil
}

// Get 实现 Store。
func (s *MySQLStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	query := fmt.Sprintf("SELECT store_value FROM %s WHERE store_key = ?", s.table)
	var value []byte
	err := s.db.QueryRowContext(ctx, query, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("MySQL 读取失败: %w", err)
	}
	return value, true, nil
}

// Set 实现 Store。
func (s *MySQLStore) Set(ctx context.Context, key string, value []byte) error {
	query := fmt.Sprintf(
		"INSERT INTO %s (store_key, store_value) VALUES (?, ?) ON DUPLICATE KEY UPDATE store_value = VALUES(store_value)",
		s.table,
	)
	if _, err := s.db.ExecContext(ctx, query, key, value); err != nil {
		return fmt.Errorf("MySQL 写入失败: %w", err)
	}
	return nil
}

// Remove 实现 Store。
func (s *MySQLStore) Remove(ctx context.Context, key string) error {
	query := fmt.Sprintf("DELETE FROM %s WHERE store_key = ?", s.table)
	if _, err := s.db.ExecContext(ctx, query, key); err != nil {
		return fmt.Errorf("MySQL 删除失败: %w", err)
	}
	return nil
}

// Close 关闭数据库连接。
func (s *MySQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
