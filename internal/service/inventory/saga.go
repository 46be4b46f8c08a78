package inventory

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
	"github.com/vladislavdragonenkov/storefront/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/storefront/internal/metrics"
)

// EventPublisher публикует складские события. Реализуется kafka.Producer.
type EventPublisher interface {
	PublishEvent(topic string, key string, event interface{}) error
}

// Saga резервирует остатки по строкам заказа и откатывает их при сбое.
type Saga struct {
	catalog domain.CatalogStore
	events  EventPublisher
	topic   string
	metrics *metrics.StockMetrics
	logger  *log.Entry
	now     func() time.Time
}

// Option настраивает Saga.
type Option func(*Saga)

// WithEventPublisher включает публикацию складских событий в topic.
func WithEventPublisher(publisher EventPublisher, topic string) Option {
	return func(s *Saga) {
		s.events = publisher
		if topic != "" {
			s.topic = topic
		}
	}
}

// WithMetrics подключает метрики резервирования.
func WithMetrics(m *metrics.StockMetrics) Option {
	return func(s *Saga) { s.metrics = m }
}

// WithLogger задаёт логгер.
func WithLogger(logger *log.Entry) Option {
	return func(s *Saga) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithClock подменяет источник времени.
func WithClock(now func() time.Time) Option {
	return func(s *Saga) {
		if now != nil {
			s.now = now
		}
	}
}

// NewSaga создаёт сагу поверх каталога.
func NewSaga(catalog domain.CatalogStore, opts ...Option) *Saga {
	s := &Saga{
		catalog: catalog,
		topic:   kafka.TopicInventoryEvents,
		logger:  log.WithField("component", "inventory-saga"),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Reserve списывает остаток по каждой строке условным декрементом.
// При первой неудаче уже списанные строки возвращаются в обратном порядке,
// и наружу уходит исходная ошибка.
func (s *Saga) Reserve(ctx context.Context, orderRef string, lines []domain.StockLine) ([]domain.Reservation, error) {
	if err := validateLines(lines); err != nil {
		return nil, err
	}

	reservations := make([]domain.Reservation, 0, len(lines))
	for _, line := range lines {
		if err := ctx.Err(); err != nil {
			return nil, s.abort(ctx, orderRef, reservations, err)
		}

		if err := s.catalog.ReserveStock(ctx, line.ProductID, line.SKU, line.Qty); err != nil {
			s.recordReservation(err)
			s.logger.WithFields(log.Fields{
				"order_ref":  orderRef,
				"product_id": line.ProductID,
				"sku":        line.SKU,
				"qty":        line.Qty,
				"error":      err,
			}).Warn("stock reservation failed")
			return nil, s.abort(ctx, orderRef, reservations, domain.Persistence("reserve stock", err))
		}

		s.recordReservation(nil)
		reservations = append(reservations, domain.Reservation{
			Line:      line,
			Status:    domain.ReservationStatusReserved,
			UpdatedAt: s.now().UTC(),
		})
	}

	s.publish(kafka.EventTypeStockReserved, orderRef, lines, "")
	return reservations, nil
}

// Compensate возвращает на склад уже зарезервированные строки.
// Используется, когда после резервирования не удалось сохранить заказ.
func (s *Saga) Compensate(ctx context.Context, orderRef string, reservations []domain.Reservation, reason string) error {
	lines := make([]domain.StockLine, 0, len(reservations))
	var errs []error
	for i := len(reservations) - 1; i >= 0; i-- {
		r := &reservations[i]
		if r.Status != domain.ReservationStatusReserved {
			continue
		}
		// компенсация не должна прерываться отменой запроса
		if err := s.catalog.ReleaseStock(context.WithoutCancel(ctx), r.Line.ProductID, r.Line.SKU, r.Line.Qty); err != nil {
			r.Status = domain.ReservationStatusFailed
			errs = append(errs, fmt.Errorf("release %s/%s: %w", r.Line.ProductID, r.Line.SKU, err))
			continue
		}
		r.Status = domain.ReservationStatusReleased
		r.UpdatedAt = s.now().UTC()
		lines = append(lines, r.Line)
	}

	if len(lines) > 0 {
		if s.metrics != nil {
			s.metrics.RecordCompensation()
			s.metrics.RecordReleased(sumQty(lines))
		}
		s.publish(kafka.EventTypeStockCompensated, orderRef, lines, reason)
	}

	if len(errs) > 0 {
		err := errors.Join(errs...)
		s.logger.WithFields(log.Fields{
			"order_ref": orderRef,
			"error":     err,
		}).Error("stock compensation incomplete, manual reconciliation required")
		return &domain.PersistenceError{Op: "compensate reservation", Err: err}
	}
	return nil
}

// Release возвращает остаток по всем строкам отменённого заказа.
// Сбой на одной строке не останавливает остальные.
func (s *Saga) Release(ctx context.Context, orderRef string, lines []domain.StockLine) error {
	var errs []error
	released := make([]domain.StockLine, 0, len(lines))
	for _, line := range lines {
		if err := s.catalog.ReleaseStock(ctx, line.ProductID, line.SKU, line.Qty); err != nil {
			errs = append(errs, fmt.Errorf("release %s/%s: %w", line.ProductID, line.SKU, err))
			continue
		}
		released = append(released, line)
	}

	if len(released) > 0 {
		if s.metrics != nil {
			s.metrics.RecordReleased(sumQty(released))
		}
		s.publish(kafka.EventTypeStockReleased, orderRef, released, "")
	}

	if len(errs) > 0 {
		err := errors.Join(errs...)
		s.logger.WithFields(log.Fields{
			"order_ref": orderRef,
			"error":     err,
		}).Error("stock release incomplete")
		return &domain.PersistenceError{Op: "release stock", Err: err}
	}
	return nil
}

// RecordSales увеличивает sales.totalSold по строкам заказа.
func (s *Saga) RecordSales(ctx context.Context, lines []domain.StockLine, at time.Time) error {
	var errs []error
	for _, line := range lines {
		if err := s.catalog.RecordSale(ctx, line.ProductID, line.Qty, at); err != nil {
			errs = append(errs, fmt.Errorf("record sale %s: %w", line.ProductID, err))
		}
	}
	if len(errs) > 0 {
		return &domain.PersistenceError{Op: "record sales", Err: errors.Join(errs...)}
	}
	return nil
}

// ReverseSales уменьшает sales.totalSold (не ниже нуля).
func (s *Saga) ReverseSales(ctx context.Context, lines []domain.StockLine) error {
	var errs []error
	for _, line := range lines {
		if err := s.catalog.ReverseSale(ctx, line.ProductID, line.Qty); err != nil {
			errs = append(errs, fmt.Errorf("reverse sale %s: %w", line.ProductID, err))
		}
	}
	if len(errs) > 0 {
		return &domain.PersistenceError{Op: "reverse sales", Err: errors.Join(errs...)}
	}
	return nil
}

func (s *Saga) abort(ctx context.Context, orderRef string, reserved []domain.Reservation, cause error) error {
	if len(reserved) == 0 {
		return cause
	}
	if err := s.Compensate(ctx, orderRef, reserved, cause.Error()); err != nil {
		return errors.Join(cause, err)
	}
	return cause
}

func (s *Saga) publish(eventType kafka.EventType, orderRef string, lines []domain.StockLine, reason string) {
	if s.events == nil {
		return
	}
	payload := make([]kafka.StockLine, 0, len(lines))
	for _, l := range lines {
		payload = append(payload, kafka.StockLine{ProductID: l.ProductID, SKU: l.SKU, Qty: l.Qty})
	}
	event := kafka.NewStockEvent(eventType, orderRef, payload, reason)
	if err := s.events.PublishEvent(s.topic, orderRef, event); err != nil {
		// событие информационное, сага от него не зависит
		s.logger.WithFields(log.Fields{
			"order_ref":  orderRef,
			"event_type": eventType,
			"error":      err,
		}).Warn("failed to publish stock event")
	}
}

func (s *Saga) recordReservation(err error) {
	if s.metrics == nil {
		return
	}
	switch {
	case err == nil:
		s.metrics.RecordReservation("reserved")
	case errors.Is(err, domain.ErrInsufficientStock):
		s.metrics.RecordReservation("insufficient")
	default:
		s.metrics.RecordReservation("error")
	}
}

func validateLines(lines []domain.StockLine) error {
	if len(lines) == 0 {
		return domain.NewValidationError("items", "at least one line is required")
	}
	verr := &domain.ValidationError{}
	for i, line := range lines {
		for _, err := range line.Validate() {
			verr.Add(fmt.Sprintf("items[%d]", i), err.Error())
		}
	}
	return verr.OrNil()
}

func sumQty(lines []domain.StockLine) int {
	total := 0
	for _, l := range lines {
		total += l.Qty
	}
	return total
}
