// Package sink зеркалирует сырые события во внешние брокеры (Kafka, RabbitMQ).
package sink

import (
	"context"
	"errors"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/flybasist/wavebot/internal/dispatch"
	"github.com/flybasist/wavebot/internal/event"
	"github.com/flybasist/wavebot/internal/logx"
)

// Publisher отправляет сообщение в брокер.
type Publisher interface {
	Publish(ctx context.Context, key string, body []byte) error
	Close() error
}

// KafkaPublisher пишет события в топик Kafka.
type KafkaPublisher struct {
	writer *kafka.Writer
}

// NewKafkaPublisher создаёт writer для topic.
func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	return &KafkaPublisher{writer: kafka.NewWriter(kafka.WriterConfig{
		Brokers:  brokers,
		Topic:    topic,
		Balancer: &kafka.LeastBytes{},
	})}
}

// Publish реализует Publisher.
func (p *KafkaPublisher) Publish(ctx context.Context, key string, body []byte) error {
	if err := p.writer.WriteMessages(ctx, kafka.Message{Key: []byte(key), Value: body}); err != nil {
		return fmt.Errorf("write to kafka: %w", err)
	}
	return nil
}

// Close закрывает writer.
func (p *KafkaPublisher) Close() error { return p.writer.Close() }

// RabbitPublisher публикует события в durable-очередь RabbitMQ.
// Русский комментарий: Соединение и канал открываются один раз в конструкторе.
type RabbitPublisher struct {
	conn  *amqp.Connection
	ch    *amqp.Channel
	queue string
}

// NewRabbitPublisher подключается к url и объявляет очередь.
func NewRabbitPublisher(url, queue string) (*RabbitPublisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("error connect to RabbitMQ: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("error open channel: %w", err)
	}

	// Очередь
	_, err = ch.QueueDeclare(
		queue, // имя
		true,  // durable
		false, // autoDelete
		false, // exclusive
		false, // noWait
		nil,
	)
	if err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("fail created queue: %w", err)
	}
	return &RabbitPublisher{conn: conn, ch: ch, queue: queue}, nil
}

// Publish реализует Publisher.
func (p *RabbitPublisher) Publish(ctx context.Context, key string, body []byte) error {
	err := p.ch.PublishWithContext(ctx,
		"",      // exchange
		p.queue, // routing key
		false,
		false,
		amqp.Publishing{
			ContentType: "application/json",
			MessageId:   key,
			Timestamp:   time.Now(),
			Body:        body,
		},
	)
	if err != nil {
		return fmt.Errorf("publish error: %w", err)
	}
	return nil
}

// Close закрывает канал и соединение.
func (p *RabbitPublisher) Close() error {
	return errors.Join(p.ch.Close(), p.conn.Close())
}

// Multi рассылает сообщение во все publishers.
type Multi []Publisher

// Publish реализует Publisher. Ошибки всех получателей собираются вместе.
func (m Multi) Publish(ctx context.Context, key string, body []byte) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, key, body); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close реализует Publisher.
func (m Multi) Close() error {
	var errs []error
	for _, p := range m {
		errs = append(errs, p.Close())
	}
	return errors.Join(errs...)
}

// Mirror — middleware, который после обработки отправляет сырое событие в Publisher.
// Никогда не отклоняет события; ошибки брокера только логируются.
type Mirror struct {
	publisher Publisher
	timeout   time.Duration
	logger    *zap.Logger
}

// NewMirror создаёт middleware. timeout ограничивает одну публикацию.
func NewMirror(p Publisher, timeout time.Duration, logger *zap.Logger) *Mirror {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Mirror{publisher: p, timeout: timeout, logger: logx.OrNop(logger)}
}

// PreProcessEvent реализует dispatch.Middleware.
func (m *Mirror) PreProcessEvent(context.Context, *event.Event) bool { return true }

// PostProcessEvent реализует dispatch.Middleware.
func (m *Mirror) PostProcessEvent(ctx context.Context, ev *event.Event, _ dispatch.Result) {
	pubCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	if err := m.publisher.Publish(pubCtx, Key(ev), ev.Raw()); err != nil {
		m.logger.Warn("failed to mirror event", zap.String("trace_id", ev.TraceID()), zap.Error(err))
	}
}

// Key — ключ сообщения: event_id для bot-событий, иначе trace id.
func Key(ev *event.Event) string {
	if id := ev.EventID(); id != "" {
		return id
	}
	return ev.TraceID()
}
