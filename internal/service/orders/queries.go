package orders

import (
	"context"
	"fmt"
	"math"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

const (
	defaultPageLimit = 10
	maxPageLimit     = 100
	maxSearchLength  = 100

	// Дальше (page-1)*limit не помещается в int.
	maxPage = math.MaxInt / maxPageLimit
)

// GetOrder возвращает заказ владельцу или администратору.
func (s *Service) GetOrder(ctx context.Context, actor domain.Actor, id string) (order domain.Order, err error) {
	ctx, finish := s.startOp(ctx, "get", attribute.String("order.id", id))
	defer func() { finish(err) }()

	order, err = s.orders.Get(ctx, id)
	if err != nil {
		return domain.Order{}, domain.Persistence("load order", err)
	}
	if !actor.CanAccess(order) {
		return domain.Order{}, fmt.Errorf("order %s: %w", id, domain.ErrUnauthorized)
	}
	return order, nil
}

// ListUserOrders возвращает только заказы самого пользователя.
func (s *Service) ListUserOrders(ctx context.Context, actor domain.Actor, q domain.OrderQuery) (page domain.OrderPage, err error) {
	ctx, finish := s.startOp(ctx, "list_user")
	defer func() { finish(err) }()

	if actor.UserID == "" {
		return domain.OrderPage{}, fmt.Errorf("authentication required: %w", domain.ErrUnauthorized)
	}
	q.UserID = actor.UserID
	return s.list(ctx, q)
}

// ListAllOrders — список всех заказов для администратора.
func (s *Service) ListAllOrders(ctx context.Context, actor domain.Actor, q domain.OrderQuery) (page domain.OrderPage, err error) {
	ctx, finish := s.startOp(ctx, "list_all")
	defer func() { finish(err) }()

	if err := requireAdmin(actor); err != nil {
		return domain.OrderPage{}, err
	}
	return s.list(ctx, q)
}

func (s *Service) list(ctx context.Context, q domain.OrderQuery) (domain.OrderPage, error) {
	q, err := normalizeQuery(q)
	if err != nil {
		return domain.OrderPage{}, err
	}
	page, err := s.orders.List(ctx, q)
	if err != nil {
		return domain.OrderPage{}, domain.Persistence("list orders", err)
	}
	return page, nil
}

// normalizeQuery подставляет значения по умолчанию и проверяет границы.
func normalizeQuery(q domain.OrderQuery) (domain.OrderQuery, error) {
	verr := &domain.ValidationError{}

	if q.Page == 0 {
		q.Page = 1
	}
	if q.Page < 1 || q.Page > maxPage {
		verr.Add("page", fmt.Sprintf("must be between 1 and %d", maxPage))
	}
	if q.Limit == 0 {
		q.Limit = defaultPageLimit
	}
	if q.Limit < 1 || q.Limit > maxPageLimit {
		verr.Add("limit", fmt.Sprintf("must be between 1 and %d", maxPageLimit))
	}
	if q.SortBy == "" {
		q.SortBy = domain.SortByCreatedAt
	}
	if !q.SortBy.Valid() {
		verr.Add("sortBy", fmt.Sprintf("unsupported value %q", q.SortBy))
	}
	if q.Status != "" && !q.Status.Valid() {
		verr.Add("status", fmt.Sprintf("unsupported value %q", q.Status))
	}
	if q.PaymentStatus != "" && !q.PaymentStatus.Valid() {
		verr.Add("paymentStatus", fmt.Sprintf("unsupported value %q", q.PaymentStatus))
	}
	if q.PaymentMethod != "" && !q.PaymentMethod.Valid() {
		verr.Add("paymentMethod", fmt.Sprintf("unsupported value %q", q.PaymentMethod))
	}
	if !q.Created.From.IsZero() && !q.Created.To.IsZero() && q.Created.To.Before(q.Created.From) {
		verr.Add("endDate", "must be after start date")
	}
	if q.MinAmount.Valid && q.MinAmount.Decimal.IsNegative() {
		verr.Add("minAmount", "must not be negative")
	}
	if q.MinAmount.Valid && q.MaxAmount.Valid && q.MaxAmount.Decimal.LessThan(q.MinAmount.Decimal) {
		verr.Add("maxAmount", "must be greater than min amount")
	}
	q.Search = strings.TrimSpace(q.Search)
	if len([]rune(q.Search)) > maxSearchLength {
		verr.Add("search", fmt.Sprintf("must be at most %d characters", maxSearchLength))
	}

	return q, verr.OrNil()
}

// TrackOrder — публичное отслеживание по номеру заказа.
func (s *Service) TrackOrder(ctx context.Context, orderNumber string) (tracking Tracking, err error) {
	ctx, finish := s.startOp(ctx, "track", attribute.String("order.number", orderNumber))
	defer func() { finish(err) }()

	orderNumber = strings.ToUpper(strings.TrimSpace(orderNumber))
	if orderNumber == "" {
		return Tracking{}, domain.NewValidationError("orderNumber", "is required")
	}

	order, err := s.orders.GetByNumber(ctx, orderNumber)
	if err != nil {
		return Tracking{}, domain.Persistence("load order", err)
	}

	history := make([]TrackingEntry, 0, len(order.StatusHistory))
	for _, entry := range order.StatusHistory {
		history = append(history, TrackingEntry{
			Status:    entry.Status,
			Comment:   entry.Comment,
			Timestamp: entry.Timestamp,
		})
	}
	return Tracking{
		OrderNumber:   order.OrderNumber,
		Status:        order.Status,
		Shipping:      order.Shipping,
		StatusHistory: history,
		OrderedAt:     order.CreatedAt,
	}, nil
}

// Timeline возвращает события заказа администратору.
func (s *Service) Timeline(ctx context.Context, actor domain.Actor, id string) (events []domain.TimelineEvent, err error) {
	ctx, finish := s.startOp(ctx, "timeline", attribute.String("order.id", id))
	defer func() { finish(err) }()

	if err := requireAdmin(actor); err != nil {
		return nil, err
	}
	if s.timeline == nil {
		return []domain.TimelineEvent{}, nil
	}
	events, err = s.timeline.List(ctx, id)
	if err != nil {
		return nil, domain.Persistence("list timeline", err)
	}
	if events == nil {
		events = []domain.TimelineEvent{}
	}
	return events, nil
}
