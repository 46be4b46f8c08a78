package kafka

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/IBM/sarama"
)

// EventType определяет тип события
type EventType string

const (
	// Складские события саги резервирования
	EventTypeStockReserved    EventType = "stock.reserved"
	EventTypeStockReleased    EventType = "stock.released"
	EventTypeStockCompensated EventType = "stock.compensated"
)

// Topics для Kafka
const (
	TopicOrderEvents     = "storefront.order.events"
	TopicInventoryEvents = "storefront.inventory.events"
	TopicDeadLetterQueue = "storefront.dlq"
)

// Kafka headers для retry логики
const (
	HeaderRetryCount    = "x-retry-count"
	HeaderOriginalTopic = "x-original-topic"
	HeaderErrorMessage  = "x-error-message"
	HeaderFailedAt      = "x-failed-at"
	HeaderReplayedAt    = "x-replayed-at"
	HeaderEventType     = "x-event-type"
	HeaderOutboxID      = "x-outbox-id"
)

type StockLine struct {
	ProductID string `json:"product_id"`
	SKU       string `json:"sku,omitempty"`
	Qty       int    `json:"qty"`
}

// StockEvent — событие саги резервирования остатков.
type StockEvent struct {
	EventType EventType   `json:"event_type"`
	OrderRef  string      `json:"order_ref"`
	Lines     []StockLine `json:"lines"`
	Reason    string      `json:"reason,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// NewStockEvent создаёт складское событие.
func NewStockEvent(eventType EventType, orderRef string, lines []StockLine, reason string) *StockEvent {
	return &StockEvent{
		EventType: eventType,
		OrderRef:  orderRef,
		Lines:     lines,
		Reason:    reason,
		Timestamp: time.Now().UTC(),
	}
}

// Kind возвращает тип события для заголовка x-event-type.
func (e *StockEvent) Kind() string { return string(e.EventType) }

// OrderEnvelope — формат сообщений outbox в топике заказов.
type OrderEnvelope struct {
	ID            string          `json:"id"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	EventType     string          `json:"event_type"`
	Payload       json.RawMessage `json:"payload"`
	PublishedAt   time.Time       `json:"published_at"`
}

// OutboxFailure — полезная нагрузка, которую outbox worker кладёт в DLQ.
type OutboxFailure struct {
	OutboxID       string          `json:"outbox_id"`
	AggregateType  string          `json:"aggregate_type"`
	AggregateID    string          `json:"aggregate_id"`
	EventType      string          `json:"event_type"`
	Payload        json.RawMessage `json:"payload"`
	PublishError   string          `json:"publish_error"`
	DLQPublishedAt string          `json:"dlq_published_at"`
}

// ConsumerFailure отправляет consumer в DLQ после исчерпания retry.
type ConsumerFailure struct {
	OriginalTopic     string `json:"original_topic"`
	OriginalPartition int32  `json:"original_partition"`
	OriginalOffset    int64  `json:"original_offset"`
	OriginalKey       string `json:"original_key"`
	OriginalValue     string `json:"original_value"`
	ErrorMessage      string `json:"error_message"`
	FailedAt          string `json:"failed_at"`
	RetryCount        int    `json:"retry_count"`
}

// Kind возвращает тип события для заголовка x-event-type.
func (f ConsumerFailure) Kind() string { return "ConsumerFailed" }

// ErrUnknownDLQMessage — сообщение в DLQ не похоже ни на один известный формат.
var ErrUnknownDLQMessage = errors.New("unknown dlq message format")

type DLQEntry struct {
	Outbox   *OutboxFailure
	Consumer *ConsumerFailure
}

// ParseDLQEntry распознаёт оба формата DLQ: outbox-конверт и сообщение consumer.
func ParseDLQEntry(message *sarama.ConsumerMessage) (DLQEntry, error) {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(message.Value, &probe); err != nil {
		return DLQEntry{}, fmt.Errorf("failed to unmarshal dlq message: %w", err)
	}

	if _, ok := probe["original_topic"]; ok {
		var failure ConsumerFailure
		if err := json.Unmarshal(message.Value, &failure); err != nil {
			return DLQEntry{}, fmt.Errorf("failed to unmarshal consumer failure: %w", err)
		}
		return DLQEntry{Consumer: &failure}, nil
	}

	if raw, ok := probe["payload"]; ok {
		var failure OutboxFailure
		if err := json.Unmarshal(raw, &failure); err != nil || failure.OutboxID == "" {
			return DLQEntry{}, ErrUnknownDLQMessage
		}
		return DLQEntry{Outbox: &failure}, nil
	}

	return DLQEntry{}, ErrUnknownDLQMessage
}

// ParseStockEvent парсит StockEvent из сообщения
func ParseStockEvent(message *sarama.ConsumerMessage) (*StockEvent, error) {
	var event StockEvent
	if err := json.Unmarshal(message.Value, &event); err != nil {
		return nil, fmt.Errorf("failed to unmarshal stock event: %w", err)
	}
	return &event, nil
}

// ParseOrderEnvelope парсит конверт outbox-события.
func ParseOrderEnvelope(message *sarama.ConsumerMessage) (*OrderEnvelope, error) {
	var envelope OrderEnvelope
	if err := json.Unmarshal(message.Value, &envelope); err != nil {
		return nil, fmt.Errorf("failed to unmarshal order envelope: %w", err)
	}
	return &envelope, nil
}
