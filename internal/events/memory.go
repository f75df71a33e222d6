package events

import (
	"context"
	"errors"
	"sync"
)

// MemoryPublisher 使用 channel 模拟事件总线，主要用于测试和单机部署。
type MemoryPublisher struct {
	ch     chan Event
	mu     sync.Mutex
	closed bool
}

// NewMemoryPublisher 创建一个内存事件总线。
func NewMemoryPublisher(size int) *MemoryPublisher {
	if size <= 0 {
		size = 64
	}
	return &MemoryPublisher{ch: make(chan Event, size)}
}

// Publish 将事件投递到总线。总线已满时丢弃最旧的事件而不是阻塞编排器。
func (p *MemoryPublisher) Publish(ctx context.Context, event Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return errors.New("事件总线已关闭")
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case p.ch <- event:
		return nil
	default:
	}
	// 腾出一个位置再投递。
	select {
	case <-p.ch:
	default:
	}
	select {
	case p.ch <- event:
		return nil
	default:
		return errors.New("事件总线已满")
	}
}

// Consume 启动指定数量的工作协程消费事件。
func (p *MemoryPublisher) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if workerCount <= 0 {
		workerCount = 1
	}
	var wg sync.WaitGroup
	for i := 0; i < workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case event, ok := <-p.ch:
					if !ok {
						return
					}
					_ = handler(ctx, event)
				}
			}
		}()
	}
	<-ctx.Done()
	wg.Wait()
	return ctx.Err()
}

// Events 暴露底层 channel，便于测试直接断言。
func (p *MemoryPublisher) Events() <-chan Event {
	return p.ch
}

// Close 关闭内存事件总线。
func (p *MemoryPublisher) Close() error {
	p.mu.Lock()
	if !p.closed {
		close(p.ch)
		p.closed = true
	}
	p.mu.Unlock()
	return nil
}
