package domain

import (
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

// Типы событий жизненного цикла заказа.
const (
	EventOrderCreated        = "OrderCreated"
	EventOrderStatusChanged  = "OrderStatusChanged"
	EventOrderCancelled      = "OrderCancelled"
	EventReturnRequested     = "ReturnRequested"
	EventReturnStatusChanged = "ReturnStatusChanged"
	EventPaymentUpdated      = "PaymentUpdated"
	EventShippingUpdated     = "ShippingUpdated"
	EventAdminNotesUpdated   = "AdminNotesUpdated"
	EventOrderDeleted        = "OrderDeleted"
	// Счётчики продаж не обновились после сохранения заказа, нужна сверка.
	EventSalesCountersDrifted = "SalesCountersDrifted"
)

// TimelineEvent — запись ленты заказа, которую видит покупатель и оператор.
type TimelineEvent struct {
	ID       string    `json:"id"`
	OrderID  string    `json:"orderId"`
	Type     string    `json:"type"`
	Reason   string    `json:"reason,omitempty"`
	Actor    string    `json:"actor,omitempty"`
	Occurred time.Time `json:"occurredAt"`
}

// Validate требует заказ и тип события.
func (e TimelineEvent) Validate() error {
	if strings.TrimSpace(e.OrderID) == "" {
		return NewValidationError("orderId", "is required")
	}
	if strings.TrimSpace(e.Type) == "" {
		return NewValidationError("type", "is required")
	}
	return nil
}

// Stamped заполняет пустые id и время события.
func (e TimelineEvent) Stamped(now time.Time) TimelineEvent {
	if e.ID == "" {
		e.ID = ulid.Make().String()
	}
	if e.Occurred.IsZero() {
		e.Occurred = now
	}
	e.Occurred = e.Occurred.UTC()
	return e
}

// Precedes задаёт порядок ленты: по времени, при равенстве по id.
func (e TimelineEvent) Precedes(other TimelineEvent) bool {
	if !e.Occurred.Equal(other.Occurred) {
		return e.Occurred.Before(other.Occurred)
	}
	return e.ID < other.ID
}
