// Package events 提供宿主内部的事件总线抽象。插件通过能力上下文发出的事件
// 会统一以 plugin.<name>.<event> 的命名重新发布，便于与核心事件区分。
package events

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Envelope 是事件在总线上传输的统一载体。
type Envelope struct {
	ID        string         `json:"id"`
	Event     string         `json:"event"`
	Payload   map[string]any `json:"payload,omitempty"`
	EmittedAt time.Time      `json:"emitted_at"`
}

// NewEnvelope 为事件生成带唯一 ID 的载体。
func NewEnvelope(event string, payload map[string]any) Envelope {
	return Envelope{
		ID:        uuid.NewString(),
		Event:     event,
		Payload:   payload,
		EmittedAt: time.Now().UTC(),
	}
}

// Bus 定义事件发布接口。实现必须可以被多个协程并发调用。
type Bus interface {
	Emit(ctx context.Context, event string, payload map[string]any) error
	Close() error
}
