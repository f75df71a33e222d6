package storage

import "context"

// Store 定义会话编排器使用的键值持久化契约。每次调用在单键粒度上原子，
// 不提供跨键事务。
type Store interface {
	// Get 返回键对应的值。键不存在时第二个返回值为 false，不视为错误。
	Get(ctx context.Context, key string) ([]byte, bool, error)
	// Set 写入或覆盖键对应的值。
	Set(ctx context.Context, key string, value []byte) error
	// Remove 删除键。删除不存在的键不报错。
	Remove(ctx context.Context, key string) error
}
