package domain

import (
	"context"
	"math"
	"time"

	"github.com/shopspring/decimal"
)

// OrderRepository описывает требования к хранилищу заказов.
type OrderRepository interface {
	// Create сохраняет новый заказ. Возвращает ошибку, если запись с таким ID уже существует.
	Create(ctx context.Context, order Order) error
	// Get возвращает заказ по идентификатору или ErrOrderNotFound, если его нет.
	Get(ctx context.Context, id string) (Order, error)
	// GetByNumber ищет заказ по человекочитаемому номеру.
	GetByNumber(ctx context.Context, orderNumber string) (Order, error)
	// Save применяет обновления к заказу с учётом optimistic locking.
	Save(ctx context.Context, order Order) error
	// List возвращает страницу заказов по фильтру.
	List(ctx context.Context, query OrderQuery) (OrderPage, error)
	// Delete удаляет заказ, если его версия совпадает с ожидаемой.
	Delete(ctx context.Context, id string, version int64) error
	// Summarize считает агрегаты по заказам в диапазоне.
	Summarize(ctx context.Context, rng DateRange, todayFrom time.Time) (OrderSummary, error)
	// DailyRevenue группирует выручку оплаченных заказов по дням (UTC).
	DailyRevenue(ctx context.Context, rng DateRange) ([]DailyRevenue, error)
}

// SortField — поле сортировки списка заказов.
type SortField string

const (
	SortByCreatedAt   SortField = "createdAt"
	SortByTotal       SortField = "total"
	SortByStatus      SortField = "status"
	SortByOrderNumber SortField = "orderNumber"
	SortByUpdatedAt   SortField = "updatedAt"
)

// Valid проверяет поле сортировки.
func (f SortField) Valid() bool {
	switch f {
	case SortByCreatedAt, SortByTotal, SortByStatus, SortByOrderNumber, SortByUpdatedAt:
		return true
	default:
		return false
	}
}

// DateRange — полуинтервал [From, To). Нулевая граница не ограничивает.
type DateRange struct {
	From time.Time
	To   time.Time
}

// Contains проверяет попадание момента в диапазон.
func (r DateRange) Contains(t time.Time) bool {
	if !r.From.IsZero() && t.Before(r.From) {
		return false
	}
	if !r.To.IsZero() && !t.Before(r.To) {
		return false
	}
	return true
}

// OrderQuery — фильтр, сортировка и пагинация списка заказов.
type OrderQuery struct {
	UserID        string
	Status        OrderStatus
	PaymentStatus PaymentStatus
	PaymentMethod PaymentMethod
	Created       DateRange
	MinAmount     decimal.NullDecimal
	MaxAmount     decimal.NullDecimal
	Search        string
	SortBy        SortField
	Desc          bool
	Page          int
	Limit         int
}

// Offset возвращает смещение первой записи страницы. При переполнении
// смещение упирается в math.MaxInt, и страница получается пустой.
func (q OrderQuery) Offset() int {
	if q.Page <= 1 || q.Limit <= 0 {
		return 0
	}
	if q.Page-1 > math.MaxInt/q.Limit {
		return math.MaxInt
	}
	return (q.Page - 1) * q.Limit
}

type OrderPage struct {
	Orders []Order `json:"orders"`
	Total  int     `json:"total"`
	Page   int     `json:"page"`
	Limit  int     `json:"limit"`
	Pages  int     `json:"pages"`
}

// NewOrderPage заполняет метаданные страницы.
func NewOrderPage(orders []Order, total int, q OrderQuery) OrderPage {
	pages := 0
	if q.Limit > 0 {
		pages = (total + q.Limit - 1) / q.Limit
	}
	if orders == nil {
		orders = []Order{}
	}
	return OrderPage{Orders: orders, Total: total, Page: q.Page, Limit: q.Limit, Pages: pages}
}

// OrderSummary — сырые агрегаты из хранилища.
type OrderSummary struct {
	TotalOrders     int
	TotalRevenue    decimal.Decimal
	CompletedOrders int
	TodayOrders     int
	TodayRevenue    decimal.Decimal
	ByStatus        map[OrderStatus]int
	ByPaymentMethod map[PaymentMethod]int
	ByPaymentStatus map[PaymentStatus]int
}

type DailyRevenue struct {
	Day     time.Time
	Revenue decimal.Decimal
	Orders  int
}
