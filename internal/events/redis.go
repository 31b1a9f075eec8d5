package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	xerrors "Nebula-Host/internal/errors"
)

// RedisBusConfig 描述 Redis 发布通道的连接参数。
type RedisBusConfig struct {
	Address  string
	Password string
	DB       int
	Channel  string
}

// RedisBus 通过 Redis PUBLISH 将事件广播给外部订阅者。
type RedisBus struct {
	client  *redis.Client
	channel string
}

// NewRedisBus 创建 RedisBus 实例。
func NewRedisBus(cfg RedisBusConfig) (*RedisBus, error) {
	if cfg.Address == "" {
		return nil, errors.New("Redis address 不能为空")
	}
	channel := cfg.Channel
	if channel == "" {
		channel = "nebula:events"
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("连接 Redis 失败: %w", err)
	}
	return &RedisBus{client: client, channel: channel}, nil
}

// Emit 实现 Bus 接口。
func (b *RedisBus) Emit(ctx context.Context, event string, payload map[string]any) error {
	body, err := json.Marshal(NewEnvelope(event, payload))
	if err != nil {
		return xerrors.Wrap(xerrors.CodeEventBusFailure, err, "事件序列化失败")
	}
	if err := b.client.Publish(ctx, b.channel, body).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeEventBusFailure, err, "Redis 发布事件失败")
	}
	return nil
}

// Close 实现 Bus 接口。
func (b *RedisBus) Close() error {
	if b == nil || b.client == nil {
		return nil
	}
	return b.client.Close()
}
