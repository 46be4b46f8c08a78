package payment

import (
	"context"
	"sync"

	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

// StubGateway — заглушка платёжного провайдера: возврат всегда проходит,
// если не настроен сбой через FailNext.
type StubGateway struct {
	mu       sync.Mutex
	name     string
	failures []error
	calls    int
	refunded map[string]decimal.Decimal
}

// NewStubGateway создаёт заглушку с именем провайдера.
func NewStubGateway(name string) *StubGateway {
	if name == "" {
		name = "stub"
	}
	return &StubGateway{name: name, refunded: make(map[string]decimal.Decimal)}
}

// Name — имя провайдера, попадает в payment.paymentGateway.
func (g *StubGateway) Name() string { return g.name }

// FailNext заставляет следующие вызовы вернуть переданные ошибки по порядку.
func (g *StubGateway) FailNext(errs ...error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.failures = append(g.failures, errs...)
}

// Calls — количество вызовов Refund.
func (g *StubGateway) Calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

// Refunded — сумма, возвращённая по заказу.
func (g *StubGateway) Refunded(orderID string) decimal.Decimal {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.refunded[orderID]
}

// Refund имитирует возврат денег.
func (g *StubGateway) Refund(ctx context.Context, orderID string, amount decimal.Decimal) (domain.RefundReceipt, error) {
	if err := ctx.Err(); err != nil {
		return domain.RefundReceipt{}, err
	}
	if amount.IsNegative() {
		return domain.RefundReceipt{}, domain.NewValidationError("refundAmount", "must not be negative")
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	g.calls++
	if len(g.failures) > 0 {
		err := g.failures[0]
		g.failures = g.failures[1:]
		if err != nil {
			return domain.RefundReceipt{}, err
		}
	}

	g.refunded[orderID] = g.refunded[orderID].Add(amount)
	return domain.RefundReceipt{
		TransactionID: "rfnd_" + ulid.Make().String(),
		Status:        domain.RefundStatusCompleted,
	}, nil
}

var _ domain.RefundGateway = (*StubGateway)(nil)
