package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

var errPublisherNotReady = errors.New("kafka outbox publisher is not initialized")

// OutboxPublisher доставляет записи outbox в один топик. Ключом сообщения служит
// идентификатор заказа, поэтому события одного заказа читаются по порядку.
type OutboxPublisher struct {
	producer *Producer
	topic    string
	now      func() time.Time
}

// NewOutboxPublisher создаёт паблишер; пустой topic означает топик заказов.
func NewOutboxPublisher(producer *Producer, topic string) *OutboxPublisher {
	if topic == "" {
		topic = TopicOrderEvents
	}
	return &OutboxPublisher{producer: producer, topic: topic, now: time.Now}
}

// Topic возвращает топик публикации.
func (p *OutboxPublisher) Topic() string {
	return p.topic
}

// Publish заворачивает запись в OrderEnvelope. Тип события и id записи дублируются
// в заголовках, чтобы consumer мог отфильтровать сообщение без разбора тела.
func (p *OutboxPublisher) Publish(ctx context.Context, msg domain.OutboxMessage) error {
	if p == nil || p.producer == nil {
		return errPublisherNotReady
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	value, err := json.Marshal(OrderEnvelope{
		ID:            msg.ID,
		AggregateType: msg.AggregateType,
		AggregateID:   msg.AggregateID,
		EventType:     msg.EventType,
		Payload:       json.RawMessage(msg.Payload),
		PublishedAt:   p.now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("marshal outbox envelope %s: %w", msg.ID, err)
	}

	headers := map[string]string{HeaderEventType: msg.EventType}
	if msg.ID != "" {
		headers[HeaderOutboxID] = msg.ID
	}
	return p.producer.PublishRaw(p.topic, partitionKey(msg), value, headers)
}

func partitionKey(msg domain.OutboxMessage) string {
	if msg.AggregateID != "" {
		return msg.AggregateID
	}
	return msg.ID
}

var _ domain.OutboxPublisher = (*OutboxPublisher)(nil)
