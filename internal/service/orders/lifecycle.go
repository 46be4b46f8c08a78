package orders

import (
	"context"
	"errors"
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

// UpdateStatus переводит заказ в новый статус по таблице переходов.
// Переход в Cancelled выполняет полную отмену с возвратом остатков.
func (s *Service) UpdateStatus(ctx context.Context, actor domain.Actor, id string, in StatusUpdateInput) (order domain.Order, err error) {
	ctx, finish := s.startOp(ctx, "update_status",
		attribute.String("order.id", id), attribute.String("order.status", string(in.Status)))
	defer func() { finish(err) }()

	if err := requireAdmin(actor); err != nil {
		return domain.Order{}, err
	}
	if err := s.checkStatusUpdate(&in); err != nil {
		return domain.Order{}, err
	}
	return s.applyStatus(ctx, actor, id, in)
}

func (s *Service) checkStatusUpdate(in *StatusUpdateInput) error {
	in.Comment = s.clean(in.Comment)
	if in.Shipping != nil {
		s.normalizeShipping(in.Shipping)
	}
	verr := s.check(in)
	if in.Shipping != nil {
		s.checkEstimatedDelivery(in.Shipping, "shipping.estimatedDelivery", verr)
	}
	return verr.OrNil()
}

// applyStatus — общий путь для одиночной и массовой смены статуса. Вход уже проверен.
func (s *Service) applyStatus(ctx context.Context, actor domain.Actor, id string, in StatusUpdateInput) (domain.Order, error) {
	if in.Status == domain.OrderStatusCancelled {
		reason := in.Comment
		if reason == "" {
			reason = "Cancelled by admin"
		}
		return s.cancel(ctx, actor, id, reason, domain.CancelledByAdmin, true)
	}

	var from domain.OrderStatus
	order, err := s.mutate(ctx, id, func(o *domain.Order) error {
		from = o.Status
		now := s.clock()
		if err := o.TransitionTo(in.Status, domain.StatusChange{
			Comment:   in.Comment,
			UpdatedBy: actor.UserID,
			At:        now,
			EntryID:   newEntryID(),
			Shipping:  in.Shipping.details(),
		}); err != nil {
			return err
		}
		// наложенный платёж считается оплаченным при доставке
		if in.Status == domain.OrderStatusDelivered &&
			o.Payment.Method == domain.PaymentMethodCOD && o.Payment.Status == domain.PaymentStatusPending {
			o.Payment.Status = domain.PaymentStatusCompleted
			o.Payment.PaidAt = &now
		}
		return nil
	})
	if err != nil {
		s.logger.WithFields(log.Fields{
			"order_id": id,
			"status":   in.Status,
			"error":    err,
		}).Debug("status update rejected")
		return domain.Order{}, err
	}

	s.metrics.RecordTransition(string(from), string(order.Status))
	s.emit(ctx, order, domain.EventOrderStatusChanged, actor, in.Comment, map[string]interface{}{
		"from": from,
		"to":   order.Status,
	})
	s.logger.WithFields(log.Fields{
		"order_id": order.ID,
		"from":     from,
		"to":       order.Status,
	}).Info("order status changed")
	return order, nil
}

// CancelOrder отменяет заказ по запросу владельца или администратора.
func (s *Service) CancelOrder(ctx context.Context, actor domain.Actor, id string, in CancelInput) (order domain.Order, err error) {
	ctx, finish := s.startOp(ctx, "cancel", attribute.String("order.id", id))
	defer func() { finish(err) }()

	in.Reason = s.clean(in.Reason)
	if verr := s.check(in); !verr.Empty() {
		return domain.Order{}, verr
	}

	by := domain.CancelledByUser
	if actor.IsAdmin() {
		by = domain.CancelledByAdmin
	}
	return s.cancel(ctx, actor, id, in.Reason, by, false)
}

// cancel переводит заказ в Cancelled, оформляет возврат денег для оплаченного заказа
// и возвращает остатки на склад. При statusUpdate запрещённый переход отдаётся как
// TransitionError, как у любой другой смены статуса администратором.
func (s *Service) cancel(ctx context.Context, actor domain.Actor, id, reason string, by domain.CancelledBy, statusUpdate bool) (domain.Order, error) {
	var from domain.OrderStatus
	order, err := s.mutate(ctx, id, func(o *domain.Order) error {
		if !actor.CanAccess(*o) {
			return fmt.Errorf("order %s: %w", o.ID, domain.ErrUnauthorized)
		}
		if statusUpdate && !o.Status.CanTransitionTo(domain.OrderStatusCancelled) {
			return &domain.TransitionError{From: o.Status, To: domain.OrderStatusCancelled}
		}
		if !o.Status.Cancellable() {
			return &domain.CancelError{Status: o.Status}
		}

		from = o.Status
		now := s.clock()
		if err := o.TransitionTo(domain.OrderStatusCancelled, domain.StatusChange{
			Comment:   reason,
			UpdatedBy: actor.UserID,
			At:        now,
			EntryID:   newEntryID(),
		}); err != nil {
			return err
		}

		o.Cancellation = &domain.Cancellation{
			Reason:      reason,
			CancelledBy: by,
			CancelledAt: now,
		}
		if o.Payment.Status == domain.PaymentStatusCompleted {
			o.Cancellation.RefundStatus = domain.RefundStatusPending
			o.Cancellation.RefundAmount = o.Pricing.Total
			o.Payment.Status = domain.PaymentStatusRefunded
			o.Refund = &domain.Refund{
				Source:      domain.RefundSourceCancellation,
				Status:      domain.RefundStatusPending,
				Amount:      o.Pricing.Total,
				RequestedAt: now,
			}
		}
		return nil
	})
	if err != nil {
		return domain.Order{}, err
	}

	s.metrics.RecordTransition(string(from), string(order.Status))

	// Статус уже сохранён, поэтому повторной отмены не будет: переход из Cancelled запрещён.
	lines := domain.StockLinesFromItems(order.Items)
	var restoreErr error
	if err := s.inventory.Release(ctx, order.ID, lines); err != nil {
		restoreErr = err
	}
	if err := s.inventory.ReverseSales(ctx, lines); err != nil {
		restoreErr = errors.Join(restoreErr, err)
	}

	s.emit(ctx, order, domain.EventOrderCancelled, actor, reason, map[string]interface{}{
		"cancelled_by": by,
		"refund":       order.Refund != nil,
	})

	if restoreErr != nil {
		s.logger.WithError(restoreErr).WithField("order_id", order.ID).Error("order cancelled but stock restoration failed")
		return domain.Order{}, domain.Persistence("restore stock", restoreErr)
	}

	s.logger.WithFields(log.Fields{
		"order_id":     order.ID,
		"cancelled_by": by,
	}).Info("order cancelled")
	return order, nil
}

// BulkUpdate меняет статус нескольких заказов на пуле воркеров.
// Каждый заказ проходит те же правила, что и UpdateStatus.
func (s *Service) BulkUpdate(ctx context.Context, actor domain.Actor, in BulkUpdateInput) (result BulkResult, err error) {
	ctx, finish := s.startOp(ctx, "bulk_update",
		attribute.Int("orders.count", len(in.OrderIDs)), attribute.String("order.status", string(in.Status)))
	defer func() { finish(err) }()

	if err := requireAdmin(actor); err != nil {
		return BulkResult{}, err
	}
	in.Comment = s.clean(in.Comment)
	verr := s.check(in)
	if len(in.OrderIDs) > s.cfg.MaxBulkOrders {
		verr.Add("orderIds", fmt.Sprintf("must contain at most %d items", s.cfg.MaxBulkOrders))
	}
	if !verr.Empty() {
		return BulkResult{}, verr
	}

	update := StatusUpdateInput{Status: in.Status, Comment: in.Comment}

	var mu sync.Mutex
	result.Failures = []BulkFailure{}
	s.processInParallel(len(in.OrderIDs), func(index int) {
		id := in.OrderIDs[index]
		_, err := s.applyStatus(ctx, actor, id, update)

		mu.Lock()
		defer mu.Unlock()
		if !errors.Is(err, domain.ErrNotFound) {
			result.Matched++
		}
		if err == nil {
			result.Modified++
			return
		}
		result.Failures = append(result.Failures, BulkFailure{
			OrderID: id,
			Code:    domain.Code(err),
			Message: err.Error(),
		})
	})

	s.logger.WithFields(log.Fields{
		"status":   in.Status,
		"matched":  result.Matched,
		"modified": result.Modified,
		"failed":   len(result.Failures),
	}).Info("bulk status update finished")
	return result, nil
}

// processInParallel выполняет processFn для каждого индекса, держа не больше BulkWorkers горутин.
func (s *Service) processInParallel(size int, processFn func(index int)) {
	if size == 0 {
		return
	}

	limit := s.cfg.BulkWorkers
	if limit <= 0 {
		limit = 1
	}
	if limit > size {
		limit = size
	}

	semaphore := make(chan struct{}, limit)
	var wg sync.WaitGroup
	for idx := 0; idx < size; idx++ {
		wg.Add(1)
		semaphore <- struct{}{}
		go func(index int) {
			defer wg.Done()
			defer func() { <-semaphore }()
			processFn(index)
		}(idx)
	}

	wg.Wait()
}
