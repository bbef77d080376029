package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"

	xerrors "reward-accumulator/internal/errors"
)

// RabbitMQConfig describes the publisher connection.
type RabbitMQConfig struct {
	URL     string
	Queue   string
	Durable bool
}

// publisher is the channel method used by RabbitMQSink.
type publisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// RabbitMQSink publishes each record as a JSON message.
type RabbitMQSink struct {
	conn  *amqp.Connection
	ch    publisher
	queue string
}

// NewRabbitMQSink dials the broker and declares the queue.
func NewRabbitMQSink(cfg RabbitMQConfig) (*RabbitMQSink, error) {
	if cfg.URL == "" {
		return nil, errors.New("RabbitMQ URL 不能为空")
	}
	queue := cfg.Queue
	if queue == "" {
		queue = "reward-accumulator.transactions"
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
	if _, err := ch.QueueDeclare(queue, cfg.Durable, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("声明 RabbitMQ 队列失败: %w", err)
	}
	return &RabbitMQSink{conn: conn, ch: ch, queue: queue}, nil
}

// Append implements Sink.
func (s *RabbitMQSink) Append(ctx context.Context, record Record) error {
	if s == nil || s.ch == nil {
		return xerrors.New(xerrors.CodeQueueFailure, "RabbitMQ 发布器未初始化")
	}
	body, err := json.Marshal(record)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "序列化审计记录失败")
	}
	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    record.Hash,
		Type:         string(record.Kind),
		Timestamp:    record.Timestamp,
		Body:         body,
	}
	if err := s.ch.PublishWithContext(ctx, "", s.queue, false, false, msg); err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "发布审计记录失败",
			xerrors.WithMetadata("queue", s.queue),
			xerrors.WithMetadata("tx_hash", record.Hash))
	}
	return nil
}

// Close closes the channel and connection.
func (s *RabbitMQSink) Close() error {
	if s == nil {
		return nil
	}
	if closer, ok := s.ch.(interface{ Close() error }); ok {
		_ = closer.Close()
	}
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}
