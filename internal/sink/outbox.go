package sink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/flybasist/wavebot/internal/api"
	"github.com/flybasist/wavebot/internal/logx"
)

// Типы исходящих команд.
const (
	OutboxSend   = "send"
	OutboxDelete = "delete"
)

// OutboxMessage — команда из топика исходящих сообщений.
type OutboxMessage struct {
	Type       string  `json:"type"`
	PeerID     int64   `json:"peer_id"`
	Text       string  `json:"message,omitempty"`
	Attachment string  `json:"attachment,omitempty"`
	MessageIDs []int64 `json:"message_ids,omitempty"`
}

// Params переводит команду в метод и параметры API.
func (m OutboxMessage) Params() (string, api.Params, error) {
	if m.PeerID == 0 {
		return "", nil, errors.New("outbox message without peer_id")
	}
	switch m.Type {
	case OutboxSend, "":
		p := api.Params{
			"peer_id":   m.PeerID,
			"message":   m.Text,
			"random_id": rand.Int32(),
		}
		if m.Attachment != "" {
			p["attachment"] = m.Attachment
		}
		return "messages.send", p, nil
	case OutboxDelete:
		if len(m.MessageIDs) == 0 {
			return "", nil, errors.New("outbox delete without message_ids")
		}
		return "messages.delete", api.Params{
			"peer_id":        m.PeerID,
			"message_ids":    m.MessageIDs,
			"delete_for_all": true,
		}, nil
	default:
		return "", nil, fmt.Errorf("unknown outbox message type %q", m.Type)
	}
}

// Reader — источник сообщений; *kafka.Reader.
type Reader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

// Caller выполняет вызов API; *api.Context.
type Caller interface {
	Call(ctx context.Context, method string, params api.Params) (api.Response, error)
}

// Outbox читает команды из Kafka и выполняет их через API.
// Русский комментарий: Так внешние сервисы могут отправлять сообщения от имени бота,
// не зная токенов.
type Outbox struct {
	reader     Reader
	caller     Caller
	retryDelay time.Duration
	logger     *zap.Logger
}

// NewKafkaOutbox создаёт consumer group для topic.
func NewKafkaOutbox(brokers []string, topic string, caller Caller, logger *zap.Logger) *Outbox {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers: brokers,
		Topic:   topic,
		GroupID: "wavebot-outbox",
	})
	return NewOutbox(reader, caller, logger)
}

// NewOutbox создаёт Outbox поверх произвольного Reader.
func NewOutbox(reader Reader, caller Caller, logger *zap.Logger) *Outbox {
	return &Outbox{reader: reader, caller: caller, retryDelay: time.Second, logger: logx.OrNop(logger)}
}

// Run читает сообщения до отмены ctx. Ошибки отдельных команд только логируются.
func (o *Outbox) Run(ctx context.Context) error {
	for {
		msg, err := o.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			o.logger.Warn("failed to read from kafka", zap.Error(err))
			// Небольшая пауза и пробуем снова
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(o.retryDelay):
			}
			continue
		}
		o.handle(ctx, msg)
	}
}

func (o *Outbox) handle(ctx context.Context, msg kafka.Message) {
	var out OutboxMessage
	if err := json.Unmarshal(msg.Value, &out); err != nil {
		o.logger.Warn("failed to parse outbox message", zap.Int64("offset", msg.Offset), zap.Error(err))
		return
	}
	method, params, err := out.Params()
	if err != nil {
		o.logger.Warn("invalid outbox message", zap.Int64("offset", msg.Offset), zap.Error(err))
		return
	}
	if _, err := o.caller.Call(ctx, method, params); err != nil {
		o.logger.Error("outbox call failed",
			zap.String("method", method),
			zap.Int64("peer_id", out.PeerID),
			zap.Error(err))
		return
	}
	o.logger.Debug("outbox call done", zap.String("method", method), zap.Int64("peer_id", out.PeerID))
}

// Close закрывает reader.
func (o *Outbox) Close() error { return o.reader.Close() }
