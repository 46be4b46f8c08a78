package orders

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/microcosm-cc/bluemonday"
	"github.com/oklog/ulid/v2"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
	"github.com/vladislavdragonenkov/storefront/internal/metrics"
	"github.com/vladislavdragonenkov/storefront/internal/service/inventory"
	"github.com/vladislavdragonenkov/storefront/internal/service/pricing"
)

const (
	maxSaveAttempts = 3
	baseRetryDelay  = 10 * time.Millisecond
)

// PriceOverridePolicy определяет, как обрабатывать цену, присланную клиентом.
type PriceOverridePolicy string

const (
	// Цена клиента должна совпасть с ценой каталога.
	PriceOverrideVerify PriceOverridePolicy = "verify"
	// Цена клиента принимается как есть.
	PriceOverrideTrust PriceOverridePolicy = "trust"
)

// Valid проверяет политику.
func (p PriceOverridePolicy) Valid() bool {
	return p == PriceOverrideVerify || p == PriceOverrideTrust
}

type Config struct {
	PriceOverride PriceOverridePolicy
	ReturnWindow  time.Duration
	BulkWorkers   int
	MaxBulkOrders int
}

// DefaultConfig возвращает настройки по умолчанию.
func DefaultConfig() Config {
	return Config{
		PriceOverride: PriceOverrideVerify,
		ReturnWindow:  7 * 24 * time.Hour,
		BulkWorkers:   8,
		MaxBulkOrders: 50,
	}
}

// Dependencies — хранилища и сервисы, с которыми работает движок.
// Outbox, Timeline и Refunds необязательны.
type Dependencies struct {
	Orders    domain.OrderRepository
	Catalog   domain.CatalogStore
	Users     domain.IdentityStore
	Inventory *inventory.Saga
	Pricing   *pricing.Calculator
	Outbox    domain.OutboxRepository
	Timeline  domain.TimelineRepository
	Refunds   domain.RefundGateway
}

// Service — движок жизненного цикла заказа. Единственный, кто меняет заказы
// и управляет компенсациями остатков.
type Service struct {
	orders    domain.OrderRepository
	catalog   domain.CatalogStore
	users     domain.IdentityStore
	inventory *inventory.Saga
	pricing   *pricing.Calculator
	outbox    domain.OutboxRepository
	timeline  domain.TimelineRepository
	refunds   domain.RefundGateway

	cfg       Config
	validate  *validator.Validate
	sanitizer *bluemonday.Policy
	tracer    trace.Tracer
	metrics   *metrics.OrderMetrics
	logger    *log.Entry
	now       func() time.Time
	numbers   func(time.Time) string
}

// Option настраивает Service.
type Option func(*Service)

// WithLogger задаёт логгер.
func WithLogger(logger *log.Entry) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics подключает метрики.
func WithMetrics(m *metrics.OrderMetrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithTracer задаёт tracer для спанов операций.
func WithTracer(tracer trace.Tracer) Option {
	return func(s *Service) {
		if tracer != nil {
			s.tracer = tracer
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

// WithOrderNumbers подменяет генератор номеров заказов.
func WithOrderNumbers(gen func(time.Time) string) Option {
	return func(s *Service) {
		if gen != nil {
			s.numbers = gen
		}
	}
}

// NewService собирает движок. Orders, Catalog, Users и Inventory обязательны.
func NewService(deps Dependencies, cfg Config, opts ...Option) (*Service, error) {
	switch {
	case deps.Orders == nil:
		return nil, errors.New("orders: order repository is required")
	case deps.Catalog == nil:
		return nil, errors.New("orders: catalog store is required")
	case deps.Users == nil:
		return nil, errors.New("orders: identity store is required")
	case deps.Inventory == nil:
		return nil, errors.New("orders: inventory saga is required")
	}

	defaults := DefaultConfig()
	if cfg.PriceOverride == "" {
		cfg.PriceOverride = defaults.PriceOverride
	}
	if !cfg.PriceOverride.Valid() {
		return nil, fmt.Errorf("orders: unsupported price override policy %q", cfg.PriceOverride)
	}
	if cfg.ReturnWindow <= 0 {
		cfg.ReturnWindow = defaults.ReturnWindow
	}
	if cfg.BulkWorkers <= 0 {
		cfg.BulkWorkers = defaults.BulkWorkers
	}
	if cfg.MaxBulkOrders <= 0 {
		cfg.MaxBulkOrders = defaults.MaxBulkOrders
	}

	pc := deps.Pricing
	if pc == nil {
		pc = pricing.NewCalculator(nil)
	}

	s := &Service{
		orders:    deps.Orders,
		catalog:   deps.Catalog,
		users:     deps.Users,
		inventory: deps.Inventory,
		pricing:   pc,
		outbox:    deps.Outbox,
		timeline:  deps.Timeline,
		refunds:   deps.Refunds,
		cfg:       cfg,
		validate:  newValidator(),
		sanitizer: bluemonday.StrictPolicy(),
		tracer:    otel.Tracer("github.com/vladislavdragonenkov/storefront/internal/service/orders"),
		logger:    log.WithField("component", "orders"),
		now:       time.Now,
		numbers:   NewOrderNumber,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// startOp открывает спан и замер метрик для операции.
func (s *Service) startOp(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	ctx, span := s.tracer.Start(ctx, "orders."+op, trace.WithAttributes(attrs...))
	done := s.metrics.Begin(op)
	return ctx, func(err error) {
		result := "ok"
		if err != nil {
			result = "error"
			if domain.IsBusinessError(err) {
				result = "rejected"
			}
			span.RecordError(err)
			span.SetStatus(codes.Error, domain.Code(err))
		}
		done(result)
		span.End()
	}
}

func (s *Service) clock() time.Time {
	return s.now().UTC()
}

// clean убирает разметку из свободного текста.
func (s *Service) clean(text string) string {
	return strings.TrimSpace(html.UnescapeString(s.sanitizer.Sanitize(text)))
}

func requireAdmin(actor domain.Actor) error {
	if !actor.IsAdmin() {
		return fmt.Errorf("admin role required: %w", domain.ErrUnauthorized)
	}
	return nil
}

// mutate загружает заказ, применяет fn и сохраняет его с optimistic locking.
// При конфликте версий заказ перечитывается, и fn применяется к свежей копии.
func (s *Service) mutate(ctx context.Context, id string, fn func(order *domain.Order) error) (domain.Order, error) {
	for attempt := 0; attempt < maxSaveAttempts; attempt++ {
		order, err := s.orders.Get(ctx, id)
		if err != nil {
			return domain.Order{}, domain.Persistence("load order", err)
		}
		if err := fn(&order); err != nil {
			return domain.Order{}, err
		}

		err = s.orders.Save(ctx, order)
		if err == nil {
			order.Version++
			return order, nil
		}
		if !domain.IsVersionConflict(err) {
			s.logger.WithError(err).WithField("order_id", id).Error("failed to persist order")
			return domain.Order{}, domain.Persistence("save order", err)
		}
		if attempt == maxSaveAttempts-1 {
			break
		}

		s.metrics.RecordVersionRetry()
		s.logger.WithFields(log.Fields{
			"order_id": id,
			"attempt":  attempt + 1,
			"version":  order.Version,
		}).Warn("version conflict detected, retrying")

		select {
		case <-ctx.Done():
			return domain.Order{}, ctx.Err()
		case <-time.After(baseRetryDelay * time.Duration(1<<uint(attempt))):
		}
	}
	return domain.Order{}, domain.ErrOrderVersionConflict
}

// emit пишет событие в outbox и timeline. Сбой записи логируется и не откатывает операцию.
func (s *Service) emit(ctx context.Context, order domain.Order, eventType string, actor domain.Actor, reason string, extra map[string]interface{}) {
	occurred := order.UpdatedAt
	if occurred.IsZero() {
		occurred = s.clock()
	}

	payload := map[string]interface{}{
		"order_id":     order.ID,
		"order_number": order.OrderNumber,
		"status":       order.Status,
		"version":      order.Version,
		"ts":           occurred.Format(time.RFC3339Nano),
	}
	if actor.UserID != "" {
		payload["actor"] = actor.UserID
	}
	if reason != "" {
		payload["reason"] = reason
	}
	for k, v := range extra {
		payload[k] = v
	}

	fields := log.Fields{"order_id": order.ID, "event": eventType}

	if s.outbox != nil {
		msg, err := domain.NewOrderEvent(order.ID, eventType, payload, occurred)
		if err != nil {
			s.logger.WithError(err).WithFields(fields).Error("build event failed")
		} else if _, err := s.outbox.Enqueue(ctx, msg); err != nil {
			s.logger.WithError(err).WithFields(fields).Error("enqueue event failed")
		} else {
			s.metrics.RecordOutboxEvent()
		}
	}

	if s.timeline != nil {
		event := domain.TimelineEvent{
			ID:       ulid.Make().String(),
			OrderID:  order.ID,
			Type:     eventType,
			Reason:   reason,
			Actor:    actor.UserID,
			Occurred: occurred,
		}
		if err := s.timeline.Append(ctx, event); err != nil {
			s.logger.WithError(err).WithFields(fields).Warn("append timeline event failed")
		} else {
			s.metrics.RecordTimelineEvent()
		}
	}
}

func newEntryID() string {
	return ulid.Make().String()
}
