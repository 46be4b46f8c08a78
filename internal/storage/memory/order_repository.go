package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

// orderRepositoryInMemory — in-memory реализация OrderRepository.
type orderRepositoryInMemory struct {
	mu       sync.RWMutex
	items    map[string]domain.Order
	byNumber map[string]string
}

// NewOrderRepository возвращает in-memory репозиторий для локальной разработки и тестов.
func NewOrderRepository() domain.OrderRepository {
	return &orderRepositoryInMemory{
		items:    make(map[string]domain.Order),
		byNumber: make(map[string]string),
	}
}

// Create сохраняет новый заказ, если ID и номер ещё не заняты.
func (r *orderRepositoryInMemory) Create(_ context.Context, order domain.Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.items[order.ID]; exists {
		return domain.ErrOrderVersionConflict
	}
	if _, exists := r.byNumber[order.OrderNumber]; exists {
		return domain.ErrOrderVersionConflict
	}
	// Храним копию, чтобы вызывающий не мог мутировать состояние репозитория.
	r.items[order.ID] = order.Clone()
	r.byNumber[order.OrderNumber] = order.ID
	return nil
}

// Get возвращает заказ или ErrOrderNotFound, если его нет.
func (r *orderRepositoryInMemory) Get(_ context.Context, id string) (domain.Order, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	order, ok := r.items[id]
	if !ok {
		return domain.Order{}, domain.ErrOrderNotFound
	}
	return order.Clone(), nil
}

// GetByNumber ищет заказ по номеру.
func (r *orderRepositoryInMemory) GetByNumber(_ context.Context, orderNumber string) (domain.Order, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.byNumber[orderNumber]
	if !ok {
		return domain.Order{}, domain.ErrOrderNotFound
	}
	return r.items[id].Clone(), nil
}

// Save перезаписывает заказ, проверяя версию (optimistic locking).
func (r *orderRepositoryInMemory) Save(_ context.Context, order domain.Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.items[order.ID]
	if !ok {
		return domain.ErrOrderNotFound
	}
	if current.Version != order.Version {
		return domain.ErrOrderVersionConflict
	}
	order.Version++
	r.items[order.ID] = order.Clone()
	return nil
}

// Delete удаляет заказ с ожидаемой версией.
func (r *orderRepositoryInMemory) Delete(_ context.Context, id string, version int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.items[id]
	if !ok {
		return domain.ErrOrderNotFound
	}
	if current.Version != version {
		return domain.ErrOrderVersionConflict
	}
	delete(r.items, id)
	delete(r.byNumber, current.OrderNumber)
	return nil
}

// List фильтрует, сортирует и режет на страницы.
func (r *orderRepositoryInMemory) List(_ context.Context, q domain.OrderQuery) (domain.OrderPage, error) {
	matched := r.snapshot(func(o domain.Order) bool { return matchQuery(o, q) })
	sortOrders(matched, q.SortBy, q.Desc)

	total := len(matched)
	from := q.Offset()
	if from > total {
		from = total
	}
	to := total
	if q.Limit > 0 && q.Limit < total-from {
		to = from + q.Limit
	}
	return domain.NewOrderPage(matched[from:to], total, q), nil
}

// Summarize считает агрегаты для статистики.
func (r *orderRepositoryInMemory) Summarize(_ context.Context, rng domain.DateRange, todayFrom time.Time) (domain.OrderSummary, error) {
	orders := r.snapshot(func(o domain.Order) bool { return rng.Contains(o.CreatedAt) })

	summary := domain.OrderSummary{
		TotalRevenue:    decimal.Zero,
		TodayRevenue:    decimal.Zero,
		ByStatus:        make(map[domain.OrderStatus]int),
		ByPaymentMethod: make(map[domain.PaymentMethod]int),
		ByPaymentStatus: make(map[domain.PaymentStatus]int),
	}
	for _, o := range orders {
		summary.TotalOrders++
		summary.ByStatus[o.Status]++
		summary.ByPaymentMethod[o.Payment.Method]++
		summary.ByPaymentStatus[o.Payment.Status]++

		paid := o.Payment.Status == domain.PaymentStatusCompleted
		today := !o.CreatedAt.Before(todayFrom)
		if paid {
			summary.CompletedOrders++
			summary.TotalRevenue = summary.TotalRevenue.Add(o.Pricing.Total)
		}
		if today {
			summary.TodayOrders++
			if paid {
				summary.TodayRevenue = summary.TodayRevenue.Add(o.Pricing.Total)
			}
		}
	}
	return summary, nil
}

// DailyRevenue группирует выручку оплаченных заказов по UTC-дням.
func (r *orderRepositoryInMemory) DailyRevenue(_ context.Context, rng domain.DateRange) ([]domain.DailyRevenue, error) {
	orders := r.snapshot(func(o domain.Order) bool {
		return o.Payment.Status == domain.PaymentStatusCompleted && rng.Contains(o.CreatedAt)
	})

	byDay := make(map[time.Time]*domain.DailyRevenue)
	for _, o := range orders {
		t := o.CreatedAt.UTC()
		day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
		bucket, ok := byDay[day]
		if !ok {
			bucket = &domain.DailyRevenue{Day: day, Revenue: decimal.Zero}
			byDay[day] = bucket
		}
		bucket.Revenue = bucket.Revenue.Add(o.Pricing.Total)
		bucket.Orders++
	}

	result := make([]domain.DailyRevenue, 0, len(byDay))
	for _, bucket := range byDay {
		result = append(result, *bucket)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Day.Before(result[j].Day) })
	return result, nil
}

func (r *orderRepositoryInMemory) snapshot(keep func(domain.Order) bool) []domain.Order {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]domain.Order, 0, len(r.items))
	for _, o := range r.items {
		if keep(o) {
			result = append(result, o.Clone())
		}
	}
	return result
}

func matchQuery(o domain.Order, q domain.OrderQuery) bool {
	if q.UserID != "" && o.UserID != q.UserID {
		return false
	}
	if q.Status != "" && o.Status != q.Status {
		return false
	}
	if q.PaymentStatus != "" && o.Payment.Status != q.PaymentStatus {
		return false
	}
	if q.PaymentMethod != "" && o.Payment.Method != q.PaymentMethod {
		return false
	}
	if !q.Created.Contains(o.CreatedAt) {
		return false
	}
	if q.MinAmount.Valid && o.Pricing.Total.LessThan(q.MinAmount.Decimal) {
		return false
	}
	if q.MaxAmount.Valid && o.Pricing.Total.GreaterThan(q.MaxAmount.Decimal) {
		return false
	}
	if q.Search != "" {
		needle := strings.ToLower(q.Search)
		if !strings.Contains(strings.ToLower(o.OrderNumber), needle) &&
			!strings.Contains(strings.ToLower(o.ShippingAddress.FullName), needle) &&
			!strings.Contains(o.ShippingAddress.Mobile, needle) {
			return false
		}
	}
	return true
}

func sortOrders(orders []domain.Order, field domain.SortField, desc bool) {
	compare := func(a, b domain.Order) int {
		switch field {
		case domain.SortByTotal:
			return a.Pricing.Total.Cmp(b.Pricing.Total)
		case domain.SortByStatus:
			return strings.Compare(string(a.Status), string(b.Status))
		case domain.SortByOrderNumber:
			return strings.Compare(a.OrderNumber, b.OrderNumber)
		case domain.SortByUpdatedAt:
			return a.UpdatedAt.Compare(b.UpdatedAt)
		default:
			return a.CreatedAt.Compare(b.CreatedAt)
		}
	}
	sort.SliceStable(orders, func(i, j int) bool {
		c := compare(orders[i], orders[j])
		if c == 0 {
			c = strings.Compare(orders[i].ID, orders[j].ID)
		}
		if desc {
			return c > 0
		}
		return c < 0
	})
}

var _ domain.OrderRepository = (*orderRepositoryInMemory)(nil)
