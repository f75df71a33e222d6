package events

import (
	"context"
	"time"
)

// Kind 标识一次会话生命周期事件。
type Kind string

const (
	KindConnecting   Kind = "session.connecting"
	KindConnected    Kind = "session.connected"
	KindError        Kind = "session.error"
	KindDisconnected Kind = "session.disconnected"
)

// Event 描述编排器的一次状态迁移，供外部系统审计或联动。
type Event struct {
	Kind       Kind      `json:"kind"`
	ChainID    string    `json:"chain_id"`
	Granter    string    `json:"granter,omitempty"`
	Grantee    string    `json:"grantee,omitempty"`
	Message    string    `json:"message,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Publisher 负责向外投递会话事件。
type Publisher interface {
	Publish(ctx context.Context, event Event) error
	Close() error
}

// Handler 处理从队列消费到的会话事件。
type Handler func(ctx context.Context, event Event) error

// Consumer 负责从队列中消费会话事件。
type Consumer interface {
	Consume(ctx context.Context, workerCount int, handler Handler) error
	Close() error
}
