// Package stats строит отчёты по заказам: сводную статистику и ряды выручки.
package stats

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
	"github.com/vladislavdragonenkov/storefront/internal/metrics"
)

// GroupBy — шаг временного ряда выручки.
type GroupBy string

const (
	GroupByDay   GroupBy = "day"
	GroupByWeek  GroupBy = "week"
	GroupByMonth GroupBy = "month"
	GroupByYear  GroupBy = "year"
)

// Valid проверяет шаг.
func (g GroupBy) Valid() bool {
	switch g {
	case GroupByDay, GroupByWeek, GroupByMonth, GroupByYear:
		return true
	default:
		return false
	}
}

// Query — необязательный диапазон дат. EndDate включается целиком, до 23:59:59.999.
type Query struct {
	StartDate *time.Time
	EndDate   *time.Time
	GroupBy   GroupBy
}

// Range переводит даты запроса в полуинтервал UTC.
func (q Query) Range() domain.DateRange {
	var rng domain.DateRange
	if q.StartDate != nil {
		rng.From = q.StartDate.UTC()
	}
	if q.EndDate != nil {
		rng.To = startOfDay(q.EndDate.UTC()).AddDate(0, 0, 1)
	}
	return rng
}

func (q Query) validate(requireGroup bool) error {
	verr := &domain.ValidationError{}
	if q.StartDate != nil && q.EndDate != nil && q.EndDate.Before(*q.StartDate) {
		verr.Add("endDate", "must be after start date")
	}
	if requireGroup && !q.GroupBy.Valid() {
		verr.Add("groupBy", fmt.Sprintf("must be one of: day week month year, got %q", q.GroupBy))
	}
	return verr.OrNil()
}

type Count struct {
	Key   string `json:"_id"`
	Count int    `json:"count"`
}

// Statistics — сводка по заказам.
type Statistics struct {
	TotalOrders         int             `json:"totalOrders"`
	TotalRevenue        decimal.Decimal `json:"totalRevenue"`
	TodayOrders         int             `json:"todayOrders"`
	TodayRevenue        decimal.Decimal `json:"todayRevenue"`
	AverageOrderValue   decimal.Decimal `json:"averageOrderValue"`
	StatusCounts        []Count         `json:"statusCounts"`
	PaymentMethodCounts []Count         `json:"paymentMethodCounts"`
	PaymentStatusCounts []Count         `json:"paymentStatusCounts"`
}

type RevenuePoint struct {
	Period            string          `json:"_id"`
	Revenue           decimal.Decimal `json:"revenue"`
	Orders            int             `json:"orders"`
	AverageOrderValue decimal.Decimal `json:"averageOrderValue"`
}

// Service считает отчёты поверх OrderRepository. Только чтение.
type Service struct {
	orders  domain.OrderRepository
	metrics *metrics.OrderMetrics
	logger  *log.Entry
	now     func() time.Time
}

// Option настраивает Service.
type Option func(*Service)

// WithMetrics подключает метрики операций.
func WithMetrics(m *metrics.OrderMetrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithLogger задаёт логгер.
func WithLogger(logger *log.Entry) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithClock подменяет источник времени.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// NewService создаёт сервис отчётов.
func NewService(orders domain.OrderRepository, opts ...Option) *Service {
	s := &Service{
		orders: orders,
		logger: log.WithField("component", "stats"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Statistics возвращает сводку администратору. Пустой диапазон даёт нули.
func (s *Service) Statistics(ctx context.Context, actor domain.Actor, q Query) (stats Statistics, err error) {
	done := s.metrics.Begin("statistics")
	defer func() { done(result(err)) }()

	if !actor.IsAdmin() {
		return Statistics{}, fmt.Errorf("admin role required: %w", domain.ErrUnauthorized)
	}
	if err := q.validate(false); err != nil {
		return Statistics{}, err
	}

	summary, err := s.orders.Summarize(ctx, q.Range(), startOfDay(s.now().UTC()))
	if err != nil {
		s.logger.WithError(err).Error("summarize orders failed")
		return Statistics{}, domain.Persistence("summarize orders", err)
	}

	stats = Statistics{
		TotalOrders:         summary.TotalOrders,
		TotalRevenue:        summary.TotalRevenue,
		TodayOrders:         summary.TodayOrders,
		TodayRevenue:        summary.TodayRevenue,
		AverageOrderValue:   decimal.Zero,
		StatusCounts:        counts(summary.ByStatus),
		PaymentMethodCounts: counts(summary.ByPaymentMethod),
		PaymentStatusCounts: counts(summary.ByPaymentStatus),
	}
	if summary.CompletedOrders > 0 {
		stats.AverageOrderValue = stats.TotalRevenue.
			Div(decimal.NewFromInt(int64(summary.CompletedOrders))).
			Round(0)
	}
	return stats, nil
}

// RevenueAnalytics группирует выручку оплаченных заказов по выбранному шагу.
func (s *Service) RevenueAnalytics(ctx context.Context, actor domain.Actor, q Query) (points []RevenuePoint, err error) {
	done := s.metrics.Begin("revenue_analytics")
	defer func() { done(result(err)) }()

	if !actor.IsAdmin() {
		return nil, fmt.Errorf("admin role required: %w", domain.ErrUnauthorized)
	}
	if q.GroupBy == "" {
		q.GroupBy = GroupByDay
	}
	if err := q.validate(true); err != nil {
		return nil, err
	}

	days, err := s.orders.DailyRevenue(ctx, q.Range())
	if err != nil {
		s.logger.WithError(err).Error("daily revenue query failed")
		return nil, domain.Persistence("daily revenue", err)
	}

	byPeriod := make(map[string]*RevenuePoint)
	for _, day := range days {
		key := periodKey(day.Day, q.GroupBy)
		point, ok := byPeriod[key]
		if !ok {
			point = &RevenuePoint{Period: key, Revenue: decimal.Zero}
			byPeriod[key] = point
		}
		point.Revenue = point.Revenue.Add(day.Revenue)
		point.Orders += day.Orders
	}

	points = make([]RevenuePoint, 0, len(byPeriod))
	for _, point := range byPeriod {
		if point.Orders > 0 {
			point.AverageOrderValue = point.Revenue.DivRound(decimal.NewFromInt(int64(point.Orders)), 2)
		}
		points = append(points, *point)
	}
	sort.Slice(points, func(i, j int) bool { return points[i].Period < points[j].Period })
	return points, nil
}

// periodKey форматирует день как $dateToString: %Y-%m-%d, %Y-W%U, %Y-%m, %Y.
func periodKey(day time.Time, group GroupBy) string {
	day = day.UTC()
	switch group {
	case GroupByWeek:
		return fmt.Sprintf("%d-W%02d", day.Year(), sundayWeek(day))
	case GroupByMonth:
		return day.Format("2006-01")
	case GroupByYear:
		return day.Format("2006")
	default:
		return day.Format("2006-01-02")
	}
}

// sundayWeek считает недели с воскресенья; дни до первого воскресенья дают 0.
func sundayWeek(day time.Time) int {
	yday := day.YearDay() - 1
	return (yday + 7 - int(day.Weekday())) / 7
}

func startOfDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func counts[K ~string](m map[K]int) []Count {
	result := make([]Count, 0, len(m))
	for k, n := range m {
		result = append(result, Count{Key: string(k), Count: n})
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Key < result[j].Key })
	return result
}

func result(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, domain.ErrValidation), errors.Is(err, domain.ErrUnauthorized):
		return "rejected"
	default:
		return "error"
	}
}
