package events

import (
	"context"
	"log/slog"
	"sync"

	"Nebula-Host/pkg/logger"
)

// Listener 处理单个事件载体。监听器内部的错误不会向发布方传播。
type Listener func(ctx context.Context, envelope Envelope)

type subscription struct {
	listener Listener
	once     bool
}

// MemoryBus 在进程内分发事件，主要用于开发模式和测试。
type MemoryBus struct {
	mu        sync.Mutex
	listeners map[string][]*subscription
	log       *slog.Logger
}

// NewMemoryBus 创建 MemoryBus。
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{
		listeners: make(map[string][]*subscription),
		log:       logger.Named("events"),
	}
}

// Subscribe 注册监听器。once 为真时监听器触发一次后即被移除。
func (b *MemoryBus) Subscribe(event string, listener Listener, once bool) {
	if listener == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listeners[event] = append(b.listeners[event], &subscription{listener: listener, once: once})
}

// Unsubscribe 移除某事件的全部监听器。
func (b *MemoryBus) Unsubscribe(event string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.listeners, event)
}

// Emit 实现 Bus 接口。监听器在发布协程内同步执行，panic 会被捕获并记录。
func (b *MemoryBus) Emit(ctx context.Context, event string, payload map[string]any) error {
	envelope := NewEnvelope(event, payload)

	b.mu.Lock()
	subs := b.listeners[event]
	remaining := subs[:0]
	active := make([]*subscription, len(subs))
	copy(active, subs)
	for _, sub := range subs {
		if !sub.once {
			remaining = append(remaining, sub)
		}
	}
	b.listeners[event] = remaining
	b.mu.Unlock()

	for _, sub := range active {
		b.dispatch(ctx, sub.listener, envelope)
	}
	return nil
}

func (b *MemoryBus) dispatch(ctx context.Context, listener Listener, envelope Envelope) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("事件监听器 panic", slog.String("event", envelope.Event), slog.Any("panic", r))
		}
	}()
	listener(ctx, envelope)
}

// Close 实现 Bus 接口。
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listeners = make(map[string][]*subscription)
	return nil
}
