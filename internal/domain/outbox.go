package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// AggregateOrder — тип агрегата для событий жизненного цикла заказа.
const AggregateOrder = "order"

// OutboxStatus — состояние сообщения в outbox.
type OutboxStatus string

const (
	OutboxPending OutboxStatus = "pending"
	OutboxSent    OutboxStatus = "sent"
	OutboxFailed  OutboxStatus = "failed"
)

// OutboxMessage — событие, записанное вместе с изменением заказа и ожидающее публикации.
type OutboxMessage struct {
	ID            string
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       []byte
	Status        OutboxStatus
	Attempts      int
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// NewOrderEvent сериализует payload и собирает pending-сообщение для заказа.
func NewOrderEvent(orderID, eventType string, payload any, at time.Time) (OutboxMessage, error) {
	orderID = strings.TrimSpace(orderID)
	eventType = strings.TrimSpace(eventType)
	if orderID == "" || eventType == "" {
		return OutboxMessage{}, NewValidationError("outbox", "order id and event type are required")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return OutboxMessage{}, fmt.Errorf("marshal %s payload: %w", eventType, err)
	}
	return OutboxMessage{
		AggregateType: AggregateOrder,
		AggregateID:   orderID,
		EventType:     eventType,
		Payload:       data,
		Status:        OutboxPending,
		CreatedAt:     at.UTC(),
	}, nil
}

type OutboxStats struct {
	PendingCount    int
	FailedCount     int
	OldestPendingAt time.Time
}

// Lag возвращает возраст самого старого неотправленного события, при пустом backlog ноль.
func (s OutboxStats) Lag(now time.Time) time.Duration {
	if s.PendingCount == 0 || s.OldestPendingAt.IsZero() || now.Before(s.OldestPendingAt) {
		return 0
	}
	return now.Sub(s.OldestPendingAt)
}
