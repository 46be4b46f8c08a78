package orders

import (
	"context"
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

// ErrReturnNotFound — по заказу нет заявки на возврат.
var ErrReturnNotFound = fmt.Errorf("return request %w", domain.ErrNotFound)

// RequestReturn оформляет заявку на возврат доставленного заказа.
// Заявка одна на заказ, окно возврата считается от deliveredAt (или createdAt).
func (s *Service) RequestReturn(ctx context.Context, actor domain.Actor, id string, in ReturnInput) (order domain.Order, err error) {
	ctx, finish := s.startOp(ctx, "request_return", attribute.String("order.id", id))
	defer func() { finish(err) }()

	in.Reason = s.clean(in.Reason)
	if in.ReturnType == "" {
		in.ReturnType = domain.ReturnTypeRefund
	}
	if verr := s.check(in); !verr.Empty() {
		return domain.Order{}, verr
	}

	order, err = s.mutate(ctx, id, func(o *domain.Order) error {
		if actor.UserID == "" || actor.UserID != o.UserID {
			return fmt.Errorf("only the order owner can request a return: %w", domain.ErrUnauthorized)
		}
		if o.Return != nil {
			return domain.ErrReturnAlreadyExists
		}

		now := s.clock()
		if o.Status != domain.OrderStatusDelivered {
			return &domain.ReturnWindowError{Status: o.Status}
		}
		deadline := o.ReturnDeadline(s.cfg.ReturnWindow)
		if now.After(deadline) {
			return &domain.ReturnWindowError{Status: o.Status, Deadline: deadline}
		}

		o.Return = &domain.ReturnRequest{
			Reason:       in.Reason,
			ReturnType:   in.ReturnType,
			Status:       domain.ReturnStatusRequested,
			RequestedAt:  now,
			RefundAmount: o.Pricing.Total,
			UpdatedAt:    now,
		}
		o.UpdatedAt = now
		return nil
	})
	if err != nil {
		return domain.Order{}, err
	}

	s.emit(ctx, order, domain.EventReturnRequested, actor, in.Reason, map[string]interface{}{
		"return_type": in.ReturnType,
	})
	s.logger.WithField("order_id", order.ID).Info("return requested")
	return order, nil
}

// UpdateReturnStatus двигает заявку по цепочке Requested -> Approved|Rejected -> Picked Up -> Completed.
// Completed переводит заказ Delivered -> Returned -> Refunded и запускает возврат денег.
func (s *Service) UpdateReturnStatus(ctx context.Context, actor domain.Actor, id string, in ReturnStatusInput) (order domain.Order, err error) {
	ctx, finish := s.startOp(ctx, "update_return", attribute.String("order.id", id))
	defer func() { finish(err) }()

	if err := requireAdmin(actor); err != nil {
		return domain.Order{}, err
	}
	in.Comment = s.clean(in.Comment)
	verr := s.check(in)
	if in.RefundAmount.Valid && in.RefundAmount.Decimal.IsNegative() {
		verr.Add("refundAmount", "must not be negative")
	}
	if !verr.Empty() {
		return domain.Order{}, verr
	}

	var from domain.ReturnStatus
	order, err = s.mutate(ctx, id, func(o *domain.Order) error {
		if o.Return == nil {
			return ErrReturnNotFound
		}
		if !o.Return.Status.CanTransitionTo(in.Status) {
			return &domain.ReturnTransitionError{From: o.Return.Status, To: in.Status}
		}
		if in.RefundAmount.Valid && in.RefundAmount.Decimal.GreaterThan(o.Pricing.Total) {
			return domain.NewValidationError("refundAmount", "must not exceed order total "+o.Pricing.Total.String())
		}

		from = o.Return.Status
		now := s.clock()

		if in.Status == domain.ReturnStatusCompleted {
			for _, next := range []domain.OrderStatus{domain.OrderStatusReturned, domain.OrderStatusRefunded} {
				if err := o.TransitionTo(next, domain.StatusChange{
					Comment:   in.Comment,
					UpdatedBy: actor.UserID,
					At:        now,
					EntryID:   newEntryID(),
				}); err != nil {
					return err
				}
			}
			o.Payment.Status = domain.PaymentStatusRefunded
			o.Refund = &domain.Refund{
				Source:      domain.RefundSourceReturn,
				Status:      domain.RefundStatusPending,
				Amount:      o.Return.RefundAmount,
				RequestedAt: now,
			}
		}

		switch {
		case in.RefundAmount.Valid:
			o.Return.RefundAmount = in.RefundAmount.Decimal
		case in.Status == domain.ReturnStatusApproved:
			o.Return.RefundAmount = o.Pricing.Total
		}
		if in.Status == domain.ReturnStatusApproved {
			o.Return.ApprovedAt = &now
		}
		if in.Comment != "" {
			o.Return.AdminComment = in.Comment
		}
		if o.Refund != nil && o.Refund.Source == domain.RefundSourceReturn && o.Refund.Status == domain.RefundStatusPending {
			o.Refund.Amount = o.Return.RefundAmount
		}
		o.Return.Status = in.Status
		o.Return.UpdatedAt = now
		o.UpdatedAt = now
		return nil
	})
	if err != nil {
		return domain.Order{}, err
	}

	s.emit(ctx, order, domain.EventReturnStatusChanged, actor, in.Comment, map[string]interface{}{
		"from": from,
		"to":   in.Status,
	})

	if in.Status == domain.ReturnStatusCompleted {
		s.metrics.RecordTransition(string(domain.OrderStatusDelivered), string(domain.OrderStatusReturned))
		s.metrics.RecordTransition(string(domain.OrderStatusReturned), string(domain.OrderStatusRefunded))
		return s.settleReturnRefund(ctx, actor, order)
	}
	return order, nil
}

// settleReturnRefund вызывает платёжный шлюз и фиксирует результат в refund.
func (s *Service) settleReturnRefund(ctx context.Context, actor domain.Actor, order domain.Order) (domain.Order, error) {
	var (
		receipt domain.RefundReceipt
		gwErr   error
	)
	if s.refunds != nil {
		receipt, gwErr = s.refunds.Refund(ctx, order.ID, order.Refund.Amount)
	} else {
		receipt = domain.RefundReceipt{Status: domain.RefundStatusCompleted}
	}

	updated, err := s.mutate(ctx, order.ID, func(o *domain.Order) error {
		if o.Refund == nil {
			return fmt.Errorf("refund record missing: %w", domain.ErrPersistence)
		}
		if gwErr != nil {
			o.Refund.Status = domain.RefundStatusFailed
			return nil
		}
		now := s.clock()
		o.Refund.Status = receipt.Status
		o.Refund.TransactionID = receipt.TransactionID
		if receipt.Status == domain.RefundStatusCompleted {
			o.Refund.RefundedAt = &now
		}
		o.UpdatedAt = now
		return nil
	})
	if err != nil {
		return domain.Order{}, err
	}

	s.emit(ctx, updated, domain.EventPaymentUpdated, actor, "", map[string]interface{}{
		"refund_status": updated.Refund.Status,
		"refund_amount": updated.Refund.Amount.String(),
	})

	if gwErr != nil {
		s.logger.WithFields(log.Fields{
			"order_id": order.ID,
			"amount":   order.Refund.Amount.String(),
			"error":    gwErr,
		}).Error("return refund failed")
		if errors.Is(gwErr, domain.ErrRefundFailed) {
			return domain.Order{}, fmt.Errorf("order %s: %w", order.ID, gwErr)
		}
		return domain.Order{}, fmt.Errorf("order %s: %w: %w", order.ID, domain.ErrRefundFailed, gwErr)
	}
	return updated, nil
}
