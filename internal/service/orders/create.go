package orders

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
	"github.com/vladislavdragonenkov/storefront/internal/service/pricing"
)

const maxNumberAttempts = 5

// CreateOrder оформляет заказ: проверяет позиции по каталогу, считает стоимость,
// резервирует остатки сагой и только потом сохраняет заказ.
func (s *Service) CreateOrder(ctx context.Context, actor domain.Actor, in CreateOrderInput) (order domain.Order, err error) {
	ctx, finish := s.startOp(ctx, "create", attribute.String("user.id", actor.UserID))
	defer func() { finish(err) }()

	if actor.UserID == "" {
		return domain.Order{}, fmt.Errorf("authentication required: %w", domain.ErrUnauthorized)
	}

	s.normalizeCreate(&in)
	verr := s.check(in)
	checkCreateRules(in, verr)
	if !verr.Empty() {
		return domain.Order{}, verr
	}

	user, err := s.users.GetUser(ctx, actor.UserID)
	if err != nil {
		return domain.Order{}, domain.Persistence("load user", err)
	}

	items, subtotal, err := s.snapshotItems(ctx, in.Items)
	if err != nil {
		return domain.Order{}, err
	}

	var couponCode string
	if in.Coupon != nil {
		couponCode = in.Coupon.Code
	}
	price, err := s.pricing.Calculate(ctx, subtotal, couponCode)
	if err != nil {
		return domain.Order{}, err
	}

	now := s.clock()
	shipping := in.ShippingAddress.toDomain()
	billing := shipping
	if in.BillingAddress != nil {
		billing = in.BillingAddress.toDomain()
	}

	payment := domain.Payment{
		Method:        in.Payment.Method,
		Status:        domain.PaymentStatusPending,
		TransactionID: in.Payment.TransactionID,
		Gateway:       in.Payment.PaymentGateway,
	}
	if in.Payment.Method.Prepaid() {
		paidAt := now
		payment.Status = domain.PaymentStatusCompleted
		payment.PaidAt = &paidAt
	}

	order = domain.Order{
		ID:              uuid.NewString(),
		UserID:          user.ID,
		Items:           items,
		Pricing:         price,
		ShippingAddress: shipping,
		BillingAddress:  billing,
		Payment:         payment,
		Status:          domain.OrderStatusPending,
		StatusHistory: []domain.StatusEntry{{
			ID:        newEntryID(),
			Status:    domain.OrderStatusPending,
			Comment:   "new order By " + user.Name,
			UpdatedBy: user.ID,
			Timestamp: now,
		}},
		Coupon:        domain.Coupon{Code: couponCode, DiscountAmount: price.Discount},
		CustomerNotes: in.CustomerNotes,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	lines := domain.StockLinesFromItems(items)
	reservations, err := s.inventory.Reserve(ctx, order.ID, lines)
	if err != nil {
		s.logger.WithError(err).WithField("user_id", user.ID).Warn("checkout rejected by stock reservation")
		return domain.Order{}, err
	}

	if err := s.persistNew(ctx, &order); err != nil {
		if cerr := s.inventory.Compensate(ctx, order.ID, reservations, "order was not persisted"); cerr != nil {
			err = errors.Join(err, cerr)
		}
		s.logger.WithError(err).WithField("order_id", order.ID).Error("failed to persist order, reservation compensated")
		return domain.Order{}, err
	}

	salesErr := s.inventory.RecordSales(ctx, lines, now)

	s.emit(ctx, order, domain.EventOrderCreated, actor, "", map[string]interface{}{
		"total":          order.Pricing.Total.String(),
		"items":          len(order.Items),
		"payment_method": order.Payment.Method,
	})
	// Заказ и резерв уже сохранены, поэтому сбой счётчиков не отменяет оформление:
	// он считается в метрике и уходит событием на сверку.
	if salesErr != nil {
		s.metrics.RecordSalesDrift()
		s.logger.WithError(salesErr).WithField("order_id", order.ID).Error("failed to record sales counters")
		s.emit(ctx, order, domain.EventSalesCountersDrifted, actor, "", map[string]interface{}{
			"lines": lines,
			"error": salesErr.Error(),
		})
	}
	s.metrics.ObserveOrderValue(order.Pricing.Total.InexactFloat64())

	s.logger.WithFields(log.Fields{
		"order_id":     order.ID,
		"order_number": order.OrderNumber,
		"total":        order.Pricing.Total.String(),
	}).Info("order created")
	return order, nil
}

// persistNew сохраняет заказ, перегенерируя номер при коллизии.
func (s *Service) persistNew(ctx context.Context, order *domain.Order) error {
	for attempt := 0; attempt < maxNumberAttempts; attempt++ {
		order.OrderNumber = s.numbers(order.CreatedAt)
		err := s.orders.Create(ctx, *order)
		if err == nil {
			return nil
		}
		if !domain.IsVersionConflict(err) {
			return domain.Persistence("create order", err)
		}
		s.logger.WithField("order_number", order.OrderNumber).Debug("order number collision, regenerating")
	}
	return fmt.Errorf("allocate order number: %w", domain.ErrOrderVersionConflict)
}

// snapshotItems проверяет позиции по каталогу и фиксирует их снимок.
func (s *Service) snapshotItems(ctx context.Context, inputs []ItemInput) ([]domain.OrderItem, decimal.Decimal, error) {
	items := make([]domain.OrderItem, 0, len(inputs))
	subtotal := decimal.Zero

	for i, in := range inputs {
		product, err := s.catalog.GetProduct(ctx, in.ProductID)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return nil, decimal.Zero, fmt.Errorf("items[%d] product %s: %w", i, in.ProductID, err)
			}
			return nil, decimal.Zero, domain.Persistence("load product", err)
		}
		if !product.Available() {
			return nil, decimal.Zero, fmt.Errorf("product %s: %w", product.ID, domain.ErrProductUnavailable)
		}

		item := domain.OrderItem{
			ProductID:    product.ID,
			ProductName:  product.Name,
			ProductImage: product.PrimaryImage(),
			Quantity:     in.Quantity,
			Discount:     product.Price.Discount,
		}

		var unit decimal.Decimal
		if in.Variant != nil {
			variant, ok := product.FindVariant(in.Variant.SKU)
			if !ok {
				return nil, decimal.Zero, fmt.Errorf("product %s sku %s: %w", product.ID, in.Variant.SKU, domain.ErrVariantNotFound)
			}
			if variant.Stock < in.Quantity {
				return nil, decimal.Zero, &domain.StockError{
					ProductID: product.ID,
					SKU:       variant.SKU,
					Requested: in.Quantity,
					Available: variant.Stock,
				}
			}
			unit = product.UnitPrice(&variant)
			item.Variant = &domain.VariantRef{Size: variant.Size, Color: variant.Color, SKU: variant.SKU}
		} else {
			if product.HasVariants() {
				return nil, decimal.Zero, domain.NewValidationError(
					fmt.Sprintf("items[%d].variant.sku", i), "product has variants, sku is required")
			}
			if product.TotalStock < in.Quantity {
				return nil, decimal.Zero, &domain.StockError{
					ProductID: product.ID,
					Requested: in.Quantity,
					Available: product.TotalStock,
				}
			}
			unit = product.UnitPrice(nil)
		}

		if in.Price.Valid {
			if s.cfg.PriceOverride == PriceOverrideVerify && !in.Price.Decimal.Equal(unit) {
				return nil, decimal.Zero, domain.NewValidationError(
					fmt.Sprintf("items[%d].price", i),
					fmt.Sprintf("does not match catalog price %s", unit.String()))
			}
			unit = in.Price.Decimal
		}

		item.Price = unit
		item.Subtotal = pricing.LineSubtotal(unit, in.Quantity)
		subtotal = subtotal.Add(item.Subtotal)
		items = append(items, item)
	}
	return items, subtotal, nil
}

func (s *Service) normalizeCreate(in *CreateOrderInput) {
	s.normalizeAddress(&in.ShippingAddress)
	if in.BillingAddress != nil {
		s.normalizeAddress(in.BillingAddress)
	}
	for i := range in.Items {
		in.Items[i].ProductID = strings.TrimSpace(in.Items[i].ProductID)
		if v := in.Items[i].Variant; v != nil {
			v.SKU = strings.TrimSpace(v.SKU)
			v.Size = strings.TrimSpace(v.Size)
			v.Color = s.clean(v.Color)
		}
	}
	in.Payment.TransactionID = strings.TrimSpace(in.Payment.TransactionID)
	in.Payment.PaymentGateway = s.clean(in.Payment.PaymentGateway)
	if in.Coupon != nil {
		in.Coupon.Code = strings.ToUpper(strings.TrimSpace(in.Coupon.Code))
	}
	in.CustomerNotes = s.clean(in.CustomerNotes)
}

func (s *Service) normalizeAddress(a *AddressInput) {
	a.FullName = s.clean(a.FullName)
	a.Mobile = strings.TrimSpace(a.Mobile)
	a.AlternateMobile = strings.TrimSpace(a.AlternateMobile)
	a.AddressLine1 = s.clean(a.AddressLine1)
	a.AddressLine2 = s.clean(a.AddressLine2)
	a.Landmark = s.clean(a.Landmark)
	a.City = s.clean(a.City)
	a.State = s.clean(a.State)
	a.Pincode = strings.TrimSpace(a.Pincode)
	a.Country = s.clean(a.Country)
}

// checkCreateRules — правила, которые не выражаются struct-тегами.
func checkCreateRules(in CreateOrderInput, verr *domain.ValidationError) {
	for i, item := range in.Items {
		if item.Price.Valid && item.Price.Decimal.IsNegative() {
			verr.Add(fmt.Sprintf("items[%d].price", i), "must not be negative")
		}
	}
	if in.Payment.Method == domain.PaymentMethodCOD && in.Payment.TransactionID != "" {
		verr.Add("payment.transactionId", "is not allowed for COD orders")
	}
}
