package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"

	xerrors "Nebula-Host/internal/errors"
)

// RabbitBusConfig 描述 RabbitMQ 交换机的连接参数。
type RabbitBusConfig struct {
	URL      string
	Exchange string
}

// RabbitBus 将事件发布到 RabbitMQ topic 交换机，routing key 为事件名。
type RabbitBus struct {
	conn     *amqp.Connection
	ch       *amqp.Channel
	exchange string
}

// NewRabbitBus 创建 RabbitBus 实例。
func NewRabbitBus(cfg RabbitBusConfig) (*RabbitBus, error) {
	if cfg.URL == "" {
		return nil, errors.New("RabbitMQ URL 不能为空")
	}
	exchange := cfg.Exchange
	if exchange == "" {
		exchange = "nebula.events"
	}
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("连接 RabbitMQ 失败: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("创建 RabbitMQ channel 失败: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("声明 RabbitMQ 交换机失败: %w", err)
	}
	return &RabbitBus{conn: conn, ch: ch, exchange: exchange}, nil
}

// Emit 实现 Bus 接口。
func (b *RabbitBus) Emit(ctx context.Context, event string, payload map[string]any) error {
	if b == nil || b.ch == nil {
		return errors.New("RabbitMQ 总线未初始化")
	}
	body, err := json.Marshal(NewEnvelope(event, payload))
	if err != nil {
		return xerrors.Wrap(xerrors.CodeEventBusFailure, err, "事件序列化失败")
	}
	if err := b.ch.PublishWithContext(ctx, b.exchange, event, false, false, amqp.Publishing{
		ContentType: "application/json",
		Body:        body,
	}); err != nil {
		return xerrors.Wrap(xerrors.CodeEventBusFailure, err, "RabbitMQ 发布事件失败")
	}
	return nil
}

// Close 实现 Bus 接口。
func (b *RabbitBus) Close() error {
	if b == nil {
		return nil
	}
	var errs []error
	if b.ch != nil {
		errs = append(errs, b.ch.Close())
	}
	if b.conn != nil {
		errs = append(errs, b.conn.Close())
	}
	return errors.Join(errs...)
}
