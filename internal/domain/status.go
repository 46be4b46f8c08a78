package domain

import "fmt"

// OrderStatus описывает жизненный цикл заказа.
type OrderStatus string

const (
	OrderStatusPending        OrderStatus = "Pending"
	OrderStatusConfirmed      OrderStatus = "Confirmed"
	OrderStatusProcessing     OrderStatus = "Processing"
	OrderStatusShipped        OrderStatus = "Shipped"
	OrderStatusOutForDelivery OrderStatus = "Out for Delivery"
	OrderStatusDelivered      OrderStatus = "Delivered"
	OrderStatusCancelled      OrderStatus = "Cancelled"
	OrderStatusReturned       OrderStatus = "Returned"
	OrderStatusRefunded       OrderStatus = "Refunded"
)

// orderTransitions — единственный источник допустимых переходов статусов.
var orderTransitions = map[OrderStatus][]OrderStatus{
	OrderStatusPending:        {OrderStatusConfirmed, OrderStatusCancelled},
	OrderStatusConfirmed:      {OrderStatusProcessing, OrderStatusCancelled},
	OrderStatusProcessing:     {OrderStatusShipped, OrderStatusCancelled},
	OrderStatusShipped:        {OrderStatusOutForDelivery, OrderStatusDelivered},
	OrderStatusOutForDelivery: {OrderStatusDelivered},
	OrderStatusDelivered:      {OrderStatusReturned},
	OrderStatusReturned:       {OrderStatusRefunded},
}

// AllOrderStatuses возвращает статусы в порядке жизненного цикла.
func AllOrderStatuses() []OrderStatus {
	return []OrderStatus{
		OrderStatusPending,
		OrderStatusConfirmed,
		OrderStatusProcessing,
		OrderStatusShipped,
		OrderStatusOutForDelivery,
		OrderStatusDelivered,
		OrderStatusCancelled,
		OrderStatusReturned,
		OrderStatusRefunded,
	}
}

// Valid проверяет, что статус относится к поддерживаемым значениям.
func (s OrderStatus) Valid() bool {
	switch s {
	case OrderStatusPending, OrderStatusConfirmed, OrderStatusProcessing, OrderStatusShipped,
		OrderStatusOutForDelivery, OrderStatusDelivered, OrderStatusCancelled,
		OrderStatusReturned, OrderStatusRefunded:
		return true
	default:
		return false
	}
}

// CanTransitionTo сообщает, разрешён ли переход s -> next.
func (s OrderStatus) CanTransitionTo(next OrderStatus) bool {
	for _, allowed := range orderTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// AllowedTransitions возвращает копию списка допустимых целевых статусов.
func (s OrderStatus) AllowedTransitions() []OrderStatus {
	targets := orderTransitions[s]
	out := make([]OrderStatus, len(targets))
	copy(out, targets)
	return out
}

// Cancellable — отмена возможна только до отгрузки.
func (s OrderStatus) Cancellable() bool {
	switch s {
	case OrderStatusPending, OrderStatusConfirmed, OrderStatusProcessing:
		return true
	default:
		return false
	}
}

// ParseOrderStatus разбирает строку в OrderStatus.
func ParseOrderStatus(raw string) (OrderStatus, error) {
	status := OrderStatus(raw)
	if !status.Valid() {
		return "", fmt.Errorf("unknown order status %q", raw)
	}
	return status, nil
}

// ReturnStatus описывает состояние заявки на возврат.
type ReturnStatus string

const (
	ReturnStatusRequested ReturnStatus = "Requested"
	ReturnStatusApproved  ReturnStatus = "Approved"
	ReturnStatusRejected  ReturnStatus = "Rejected"
	ReturnStatusPickedUp  ReturnStatus = "Picked Up"
	ReturnStatusCompleted ReturnStatus = "Completed"
)

var returnTransitions = map[ReturnStatus][]ReturnStatus{
	ReturnStatusRequested: {ReturnStatusApproved, ReturnStatusRejected},
	ReturnStatusApproved:  {ReturnStatusPickedUp},
	ReturnStatusPickedUp:  {ReturnStatusCompleted},
}

// Valid проверяет, что статус возврата известен.
func (s ReturnStatus) Valid() bool {
	switch s {
	case ReturnStatusRequested, ReturnStatusApproved, ReturnStatusRejected, ReturnStatusPickedUp, ReturnStatusCompleted:
		return true
	default:
		return false
	}
}

// CanTransitionTo сообщает, разрешён ли переход заявки на возврат.
func (s ReturnStatus) CanTransitionTo(next ReturnStatus) bool {
	for _, allowed := range returnTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// ReturnType — что клиент хочет получить взамен.
type ReturnType string

const (
	ReturnTypeRefund   ReturnType = "Refund"
	ReturnTypeExchange ReturnType = "Exchange"
)

// Valid проверяет тип возврата.
func (t ReturnType) Valid() bool {
	return t == ReturnTypeRefund || t == ReturnTypeExchange
}

// CancelledBy фиксирует, кто инициировал отмену.
type CancelledBy string

const (
	CancelledByUser  CancelledBy = "User"
	CancelledByAdmin CancelledBy = "Admin"
)
