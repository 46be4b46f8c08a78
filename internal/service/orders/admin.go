package orders

import (
	"context"
	"fmt"
	"strings"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

func (s *Service) normalizeShipping(in *ShippingInput) {
	in.Courier = s.clean(in.Courier)
	in.TrackingNumber = strings.TrimSpace(in.TrackingNumber)
	in.TrackingURL = strings.TrimSpace(in.TrackingURL)
}

// checkEstimatedDelivery — ожидаемая дата доставки должна быть в будущем.
func (s *Service) checkEstimatedDelivery(in *ShippingInput, field string, verr *domain.ValidationError) {
	if in.EstimatedDelivery != nil && !in.EstimatedDelivery.After(s.clock()) {
		verr.Add(field, "must be in the future")
	}
}

// UpdatePayment вручную меняет статус оплаты.
func (s *Service) UpdatePayment(ctx context.Context, actor domain.Actor, id string, in PaymentUpdateInput) (order domain.Order, err error) {
	ctx, finish := s.startOp(ctx, "update_payment",
		attribute.String("order.id", id), attribute.String("payment.status", string(in.Status)))
	defer func() { finish(err) }()

	if err := requireAdmin(actor); err != nil {
		return domain.Order{}, err
	}
	in.TransactionID = strings.TrimSpace(in.TransactionID)
	verr := s.check(in)
	if in.PaidAt != nil && in.PaidAt.After(s.clock()) {
		verr.Add("paidAt", "must not be in the future")
	}
	if !verr.Empty() {
		return domain.Order{}, verr
	}

	var from domain.PaymentStatus
	order, err = s.mutate(ctx, id, func(o *domain.Order) error {
		now := s.clock()
		from = o.Payment.Status
		o.Payment.Status = in.Status
		if in.TransactionID != "" {
			o.Payment.TransactionID = in.TransactionID
		}
		switch {
		case in.PaidAt != nil:
			paidAt := in.PaidAt.UTC()
			o.Payment.PaidAt = &paidAt
		case in.Status == domain.PaymentStatusCompleted && o.Payment.PaidAt == nil:
			o.Payment.PaidAt = &now
		}
		o.UpdatedAt = now
		return nil
	})
	if err != nil {
		return domain.Order{}, err
	}

	s.emit(ctx, order, domain.EventPaymentUpdated, actor, "", map[string]interface{}{
		"from": from,
		"to":   in.Status,
	})
	s.logger.WithFields(log.Fields{
		"order_id": order.ID,
		"from":     from,
		"to":       in.Status,
	}).Info("payment status updated")
	return order, nil
}

// UpdateShipping дополняет данные доставки без смены статуса.
func (s *Service) UpdateShipping(ctx context.Context, actor domain.Actor, id string, in ShippingInput) (order domain.Order, err error) {
	ctx, finish := s.startOp(ctx, "update_shipping", attribute.String("order.id", id))
	defer func() { finish(err) }()

	if err := requireAdmin(actor); err != nil {
		return domain.Order{}, err
	}
	s.normalizeShipping(&in)
	verr := s.check(in)
	s.checkEstimatedDelivery(&in, "estimatedDelivery", verr)
	if !verr.Empty() {
		return domain.Order{}, verr
	}

	order, err = s.mutate(ctx, id, func(o *domain.Order) error {
		o.Shipping = in.details().Apply(o.Shipping)
		o.UpdatedAt = s.clock()
		return nil
	})
	if err != nil {
		return domain.Order{}, err
	}

	s.emit(ctx, order, domain.EventShippingUpdated, actor, "", map[string]interface{}{
		"courier":         order.Shipping.Courier,
		"tracking_number": order.Shipping.TrackingNumber,
	})
	return order, nil
}

// AddAdminNotes заменяет внутренние заметки к заказу.
func (s *Service) AddAdminNotes(ctx context.Context, actor domain.Actor, id string, in NotesInput) (order domain.Order, err error) {
	ctx, finish := s.startOp(ctx, "admin_notes", attribute.String("order.id", id))
	defer func() { finish(err) }()

	if err := requireAdmin(actor); err != nil {
		return domain.Order{}, err
	}
	in.Notes = s.clean(in.Notes)
	if verr := s.check(in); !verr.Empty() {
		return domain.Order{}, verr
	}

	order, err = s.mutate(ctx, id, func(o *domain.Order) error {
		o.AdminNotes = in.Notes
		o.UpdatedAt = s.clock()
		return nil
	})
	if err != nil {
		return domain.Order{}, err
	}

	s.emit(ctx, order, domain.EventAdminNotesUpdated, actor, "", nil)
	return order, nil
}

// DeleteOrder удаляет отменённый заказ.
func (s *Service) DeleteOrder(ctx context.Context, actor domain.Actor, id string) (err error) {
	ctx, finish := s.startOp(ctx, "delete", attribute.String("order.id", id))
	defer func() { finish(err) }()

	if err := requireAdmin(actor); err != nil {
		return err
	}

	for attempt := 0; attempt < maxSaveAttempts; attempt++ {
		order, err := s.orders.Get(ctx, id)
		if err != nil {
			return domain.Persistence("load order", err)
		}
		if order.Status != domain.OrderStatusCancelled {
			return fmt.Errorf("order %s in status %q: %w", id, order.Status, domain.ErrOrderNotDeletable)
		}

		err = s.orders.Delete(ctx, id, order.Version)
		if err == nil {
			order.UpdatedAt = s.clock()
			s.emit(ctx, order, domain.EventOrderDeleted, actor, "", nil)
			s.logger.WithFields(log.Fields{
				"order_id":     id,
				"order_number": order.OrderNumber,
			}).Info("order deleted")
			return nil
		}
		if !domain.IsVersionConflict(err) {
			return domain.Persistence("delete order", err)
		}
		s.metrics.RecordVersionRetry()
	}
	return domain.ErrOrderVersionConflict
}
