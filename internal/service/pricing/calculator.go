package pricing

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

var (
	// От этой суммы доставка бесплатна.
	FreeShippingThreshold = decimal.NewFromInt(500)
	// Стоимость доставки ниже порога.
	ShippingCharge = decimal.NewFromInt(50)
	// Доля от subtotal.
	TaxRate = decimal.RequireFromString("0.18")
)

// CouponEngine считает скидку по коду купона.
type CouponEngine interface {
	Discount(ctx context.Context, code string, subtotal decimal.Decimal) (decimal.Decimal, error)
}

// NoCoupons — купоны пока не поддерживаются, скидка всегда ноль.
type NoCoupons struct{}

// Discount возвращает нулевую скидку.
func (NoCoupons) Discount(context.Context, string, decimal.Decimal) (decimal.Decimal, error) {
	return decimal.Zero, nil
}

// Compute считает стоимость заказа и не имеет побочных эффектов.
// Скидка ограничена суммой subtotal + shipping + tax, чтобы total не ушёл в минус.
func Compute(subtotal, discount decimal.Decimal) domain.Pricing {
	shipping := ShippingCharge
	if subtotal.GreaterThanOrEqual(FreeShippingThreshold) {
		shipping = decimal.Zero
	}
	tax := subtotal.Mul(TaxRate).Round(0)

	gross := subtotal.Add(shipping).Add(tax)
	if discount.IsNegative() {
		discount = decimal.Zero
	}
	if discount.GreaterThan(gross) {
		discount = gross
	}

	return domain.Pricing{
		Subtotal:        subtotal,
		Discount:        discount,
		ShippingCharges: shipping,
		Tax:             tax,
		Total:           gross.Sub(discount),
	}
}

// Calculator применяет купон и считает итоговую стоимость заказа.
type Calculator struct {
	coupons CouponEngine
}

// NewCalculator создаёт калькулятор. nil-движок купонов заменяется на NoCoupons.
func NewCalculator(coupons CouponEngine) *Calculator {
	if coupons == nil {
		coupons = NoCoupons{}
	}
	return &Calculator{coupons: coupons}
}

// Calculate считает pricing для subtotal и необязательного купона.
func (c *Calculator) Calculate(ctx context.Context, subtotal decimal.Decimal, couponCode string) (domain.Pricing, error) {
	discount := decimal.Zero
	if couponCode != "" {
		d, err := c.coupons.Discount(ctx, couponCode, subtotal)
		if err != nil {
			return domain.Pricing{}, fmt.Errorf("coupon %s: %w", couponCode, err)
		}
		discount = d
	}
	return Compute(subtotal, discount), nil
}

// LineSubtotal умножает цену за единицу на количество.
func LineSubtotal(unitPrice decimal.Decimal, qty int) decimal.Decimal {
	return unitPrice.Mul(decimal.NewFromInt(int64(qty)))
}
