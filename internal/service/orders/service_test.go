package orders_test

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
	"github.com/vladislavdragonenkov/storefront/internal/metrics"
	"github.com/vladislavdragonenkov/storefront/internal/service/inventory"
	"github.com/vladislavdragonenkov/storefront/internal/service/orders"
	"github.com/vladislavdragonenkov/storefront/internal/service/payment"
	"github.com/vladislavdragonenkov/storefront/internal/storage/memory"
)

var (
	customer = domain.Actor{UserID: "user-1", Name: "Asha", Role: domain.RoleUser}
	stranger = domain.Actor{UserID: "user-2", Name: "Ravi", Role: domain.RoleUser}
	admin    = domain.Actor{UserID: "admin-1", Name: "Ops", Role: domain.RoleAdmin}
)

// fakeClock — управляемые часы для тестов.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

type fixture struct {
	svc      *orders.Service
	repo     domain.OrderRepository
	catalog  *memory.CatalogStore
	outbox   *memory.OutboxRepository
	timeline domain.TimelineRepository
	gateway  *payment.StubGateway
	clock    *fakeClock
}

type fixtureOption func(*orders.Config, *orderRepoWrapper)

// orderRepoWrapper позволяет подменить репозиторий заказов в отдельных тестах.
type orderRepoWrapper struct {
	wrap func(domain.OrderRepository) domain.OrderRepository
}

func newFixture(t *testing.T, opts ...fixtureOption) *fixture {
	t.Helper()
	ctx := context.Background()

	cfg := orders.DefaultConfig()
	wrapper := &orderRepoWrapper{}
	for _, opt := range opts {
		opt(&cfg, wrapper)
	}

	catalog := memory.NewCatalogStore()
	require.NoError(t, catalog.UpsertProduct(ctx, domain.Product{
		ID:       "p1",
		Name:     "Linen shirt",
		Images:   []string{"https://cdn.example.com/p1.jpg"},
		IsActive: true,
		Status:   domain.ProductStatusActive,
		Price:    domain.ProductPrice{MRP: decimal.NewFromInt(700), Selling: decimal.NewFromInt(500)},
		Variants: []domain.Variant{
			{Size: "S", Color: "Red", SKU: "P1-S-RED", Stock: 10},
			{Size: "M", Color: "Red", SKU: "P1-M-RED", Stock: 5},
		},
		TotalStock: 15,
	}))
	require.NoError(t, catalog.UpsertProduct(ctx, domain.Product{
		ID:         "p2",
		Name:       "Canvas tote",
		IsActive:   true,
		Status:     domain.ProductStatusActive,
		Price:      domain.ProductPrice{Selling: decimal.NewFromInt(120)},
		TotalStock: 4,
	}))
	require.NoError(t, catalog.UpsertProduct(ctx, domain.Product{
		ID:         "p3",
		Name:       "Retired mug",
		IsActive:   false,
		Status:     domain.ProductStatusInactive,
		Price:      domain.ProductPrice{Selling: decimal.NewFromInt(90)},
		TotalStock: 50,
	}))

	users := memory.NewIdentityStore()
	for _, actor := range []domain.Actor{customer, stranger, admin} {
		require.NoError(t, users.CreateUser(ctx, domain.User{ID: actor.UserID, Name: actor.Name, Role: actor.Role}))
	}

	var repo domain.OrderRepository = memory.NewOrderRepository()
	if wrapper.wrap != nil {
		repo = wrapper.wrap(repo)
	}
	outbox := memory.NewOutboxRepository()
	timeline := memory.NewTimelineRepository()
	gateway := payment.NewStubGateway("stub")
	clock := &fakeClock{now: time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)}

	svc, err := orders.NewService(orders.Dependencies{
		Orders:    repo,
		Catalog:   catalog,
		Users:     users,
		Inventory: inventory.NewSaga(catalog, inventory.WithClock(clock.Now)),
		Outbox:    outbox,
		Timeline:  timeline,
		Refunds:   gateway,
	}, cfg,
		orders.WithClock(clock.Now),
		orders.WithMetrics(metrics.NewOrderMetricsWith(prometheus.NewRegistry())),
	)
	require.NoError(t, err)

	return &fixture{
		svc:      svc,
		repo:     repo,
		catalog:  catalog,
		outbox:   outbox,
		timeline: timeline,
		gateway:  gateway,
		clock:    clock,
	}
}

func address() orders.AddressInput {
	return orders.AddressInput{
		FullName:     "Asha Kumar",
		Mobile:       "9876543210",
		AddressLine1: "12 MG Road",
		City:         "Bengaluru",
		State:        "Karnataka",
		Pincode:      "560001",
	}
}

func shirtOrder(qty int, method domain.PaymentMethod) orders.CreateOrderInput {
	return orders.CreateOrderInput{
		Items: []orders.ItemInput{{
			ProductID: "p1",
			Variant:   &orders.VariantInput{Size: "S", Color: "Red", SKU: "P1-S-RED"},
			Quantity:  qty,
			Price:     decimal.NewNullDecimal(decimal.NewFromInt(500)),
		}},
		ShippingAddress: address(),
		Payment:         orders.PaymentInput{Method: method},
	}
}

func (f *fixture) variantStock(t *testing.T, productID, sku string) int {
	t.Helper()
	p, err := f.catalog.GetProduct(context.Background(), productID)
	require.NoError(t, err)
	if sku == "" {
		return p.TotalStock
	}
	v, ok := p.FindVariant(sku)
	require.True(t, ok)
	return v.Stock
}

func (f *fixture) advance(t *testing.T, id string, statuses ...domain.OrderStatus) domain.Order {
	t.Helper()
	var order domain.Order
	for _, status := range statuses {
		in := orders.StatusUpdateInput{Status: status}
		if status == domain.OrderStatusShipped {
			in.Shipping = &orders.ShippingInput{Courier: "BlueDart", TrackingNumber: "BD123456"}
		}
		var err error
		order, err = f.svc.UpdateStatus(context.Background(), admin, id, in)
		require.NoError(t, err, "advance to %s", status)
	}
	return order
}

func TestCreateOrder_Scenario(t *testing.T) {
	f := newFixture(t)

	order, err := f.svc.CreateOrder(context.Background(), customer, shirtOrder(3, domain.PaymentMethodCOD))
	require.NoError(t, err)

	require.True(t, order.Pricing.Subtotal.Equal(decimal.NewFromInt(1500)))
	require.True(t, order.Pricing.ShippingCharges.IsZero())
	require.True(t, order.Pricing.Tax.Equal(decimal.NewFromInt(270)))
	require.True(t, order.Pricing.Total.Equal(decimal.NewFromInt(1770)))
	require.Equal(t, 7, f.variantStock(t, "p1", "P1-S-RED"))
	require.Equal(t, 12, f.variantStock(t, "p1", ""))

	require.Equal(t, domain.OrderStatusPending, order.Status)
	require.Equal(t, domain.PaymentStatusPending, order.Payment.Status)
	require.Len(t, order.StatusHistory, 1)
	require.Equal(t, "new order By Asha", order.StatusHistory[0].Comment)
	require.Regexp(t, `^ORD2603\d{4}$`, order.OrderNumber)
	require.Empty(t, order.ValidateInvariants())

	p, err := f.catalog.GetProduct(context.Background(), "p1")
	require.NoError(t, err)
	require.Equal(t, 3, p.Sales.TotalSold)

	events, err := f.svc.Timeline(context.Background(), admin, order.ID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, domain.EventOrderCreated, events[0].Type)
	require.Len(t, f.outbox.Messages(), 1)
}

func TestCreateOrder_PricingInvariant(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for _, qty := range []int{1, 2, 4} {
		in := orders.CreateOrderInput{
			Items:           []orders.ItemInput{{ProductID: "p2", Quantity: qty}},
			ShippingAddress: address(),
			Payment:         orders.PaymentInput{Method: domain.PaymentMethodUPI},
		}
		if qty == 4 {
			in.Items[0].Quantity = 1
			in.Items = append(in.Items, shirtOrder(1, domain.PaymentMethodUPI).Items...)
		}
		order, err := f.svc.CreateOrder(ctx, customer, in)
		require.NoError(t, err)

		p := order.Pricing
		require.True(t, p.Total.Equal(p.Subtotal.Add(p.ShippingCharges).Add(p.Tax).Sub(p.Discount)))
		if p.Subtotal.GreaterThanOrEqual(decimal.NewFromInt(500)) {
			require.True(t, p.ShippingCharges.IsZero(), "subtotal %s", p.Subtotal)
		} else {
			require.True(t, p.ShippingCharges.Equal(decimal.NewFromInt(50)), "subtotal %s", p.Subtotal)
		}
		require.Equal(t, domain.PaymentStatusCompleted, order.Payment.Status)
		require.NotNil(t, order.Payment.PaidAt)
	}
}

func TestCreateOrder_RejectsInvalidInput(t *testing.T) {
	f := newFixture(t)

	in := shirtOrder(11, domain.PaymentMethodCOD)
	in.ShippingAddress.Mobile = "12345"
	in.ShippingAddress.Pincode = "ABC"
	in.Payment.TransactionID = "txn-1"

	_, err := f.svc.CreateOrder(context.Background(), customer, in)
	var verr *domain.ValidationError
	require.ErrorAs(t, err, &verr)

	fields := make(map[string]bool)
	for _, fe := range verr.Fields {
		fields[fe.Field] = true
	}
	require.True(t, fields["items[0].quantity"], "fields: %v", verr.Fields)
	require.True(t, fields["shippingAddress.mobile"], "fields: %v", verr.Fields)
	require.True(t, fields["shippingAddress.pincode"], "fields: %v", verr.Fields)
	require.True(t, fields["payment.transactionId"], "fields: %v", verr.Fields)
	require.Equal(t, 10, f.variantStock(t, "p1", "P1-S-RED"))
}

func TestCreateOrder_CatalogErrors(t *testing.T) {
	tests := []struct {
		name string
		item orders.ItemInput
		want error
	}{
		{"unknown product", orders.ItemInput{ProductID: "nope", Quantity: 1}, domain.ErrNotFound},
		{"inactive product", orders.ItemInput{ProductID: "p3", Quantity: 1}, domain.ErrProductUnavailable},
		{"unknown variant", orders.ItemInput{ProductID: "p1", Quantity: 1, Variant: &orders.VariantInput{SKU: "P1-XL"}}, domain.ErrVariantNotFound},
		{"variant required", orders.ItemInput{ProductID: "p1", Quantity: 1}, domain.ErrValidation},
		{"not enough stock", orders.ItemInput{ProductID: "p1", Quantity: 6, Variant: &orders.VariantInput{SKU: "P1-M-RED"}}, domain.ErrInsufficientStock},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			in := shirtOrder(1, domain.PaymentMethodCOD)
			in.Items = []orders.ItemInput{tc.item}

			_, err := f.svc.CreateOrder(context.Background(), customer, in)
			require.ErrorIs(t, err, tc.want)
			require.Equal(t, 10, f.variantStock(t, "p1", "P1-S-RED"))
			require.Equal(t, 5, f.variantStock(t, "p1", "P1-M-RED"))
		})
	}
}

func TestCreateOrder_ShortStockLeavesCatalogUntouched(t *testing.T) {
	f := newFixture(t)

	in := shirtOrder(2, domain.PaymentMethodCOD)
	in.Items = append(in.Items, orders.ItemInput{ProductID: "p2", Quantity: 4})
	require.NoError(t, f.catalog.ReserveStock(context.Background(), "p2", "", 1))

	_, err := f.svc.CreateOrder(context.Background(), customer, in)
	var serr *domain.StockError
	require.ErrorAs(t, err, &serr)
	require.Equal(t, "p2", serr.ProductID)
	require.Equal(t, 10, f.variantStock(t, "p1", "P1-S-RED"))
	require.Equal(t, 3, f.variantStock(t, "p2", ""))
}

// brokenSales не даёт обновить счётчики продаж.
type brokenSales struct {
	domain.CatalogStore
}

func (brokenSales) RecordSale(context.Context, string, int, time.Time) error {
	return errors.New("catalog write timeout")
}

func TestCreateOrder_SalesCounterFailureIsReported(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	registry := prometheus.NewRegistry()
	outbox := memory.NewOutboxRepository()
	svc, err := orders.NewService(orders.Dependencies{
		Orders:    f.repo,
		Catalog:   f.catalog,
		Users:     usersWith(t, customer),
		Inventory: inventory.NewSaga(brokenSales{f.catalog}),
		Outbox:    outbox,
		Timeline:  memory.NewTimelineRepository(),
	}, orders.DefaultConfig(), orders.WithMetrics(metrics.NewOrderMetricsWith(registry)))
	require.NoError(t, err)

	order, err := svc.CreateOrder(ctx, customer, shirtOrder(2, domain.PaymentMethodCOD))
	require.NoError(t, err, "order is already persisted with its stock reserved")
	require.Equal(t, 8, f.variantStock(t, "p1", "P1-S-RED"))

	var types []string
	for _, msg := range outbox.Messages() {
		require.Equal(t, order.ID, msg.AggregateID)
		types = append(types, msg.EventType)
	}
	require.Equal(t, []string{domain.EventOrderCreated, domain.EventSalesCountersDrifted}, types)

	families, err := registry.Gather()
	require.NoError(t, err)
	var drift float64
	for _, mf := range families {
		if mf.GetName() == "storefront_sales_counter_drift_total" {
			drift = mf.GetMetric()[0].GetCounter().GetValue()
		}
	}
	require.Equal(t, float64(1), drift)
}

func usersWith(t *testing.T, actors ...domain.Actor) *memory.IdentityStore {
	t.Helper()
	users := memory.NewIdentityStore()
	for _, a := range actors {
		require.NoError(t, users.CreateUser(context.Background(), domain.User{ID: a.UserID, Name: a.Name, Role: a.Role}))
	}
	return users
}

func TestCreateOrder_PriceOverridePolicy(t *testing.T) {
	in := shirtOrder(1, domain.PaymentMethodCOD)
	in.Items[0].Price = decimal.NewNullDecimal(decimal.NewFromInt(1))

	verify := newFixture(t)
	_, err := verify.svc.CreateOrder(context.Background(), customer, in)
	var verr *domain.ValidationError
	require.ErrorAs(t, err, &verr)
	require.Equal(t, "items[0].price", verr.Fields[0].Field)

	trust := newFixture(t, func(cfg *orders.Config, _ *orderRepoWrapper) {
		cfg.PriceOverride = orders.PriceOverrideTrust
	})
	order, err := trust.svc.CreateOrder(context.Background(), customer, in)
	require.NoError(t, err)
	require.True(t, order.Items[0].Price.Equal(decimal.NewFromInt(1)))
	require.True(t, order.Pricing.ShippingCharges.Equal(decimal.NewFromInt(50)))
}

func TestCreateOrder_ConcurrentCheckoutsNeverOversell(t *testing.T) {
	f := newFixture(t)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		accepted int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.CreateOrder(context.Background(), customer, shirtOrder(3, domain.PaymentMethodCOD))
			if err == nil {
				mu.Lock()
				accepted++
				mu.Unlock()
				return
			}
			if !errors.Is(err, domain.ErrInsufficientStock) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	require.Equal(t, 3, accepted)
	require.Equal(t, 1, f.variantStock(t, "p1", "P1-S-RED"))
}

func TestUpdateStatus_IllegalTransitionLeavesOrderUntouched(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	order, err := f.svc.CreateOrder(ctx, customer, shirtOrder(1, domain.PaymentMethodCOD))
	require.NoError(t, err)

	for _, to := range []domain.OrderStatus{
		domain.OrderStatusProcessing, domain.OrderStatusShipped, domain.OrderStatusDelivered,
		domain.OrderStatusReturned, domain.OrderStatusRefunded, domain.OrderStatusPending,
	} {
		in := orders.StatusUpdateInput{Status: to}
		if to == domain.OrderStatusShipped {
			in.Shipping = &orders.ShippingInput{Courier: "BlueDart", TrackingNumber: "BD123456"}
		}
		_, err := f.svc.UpdateStatus(ctx, admin, order.ID, in)
		require.ErrorIs(t, err, domain.ErrInvalidTransition, "Pending -> %s", to)
	}

	stored, err := f.repo.Get(ctx, order.ID)
	require.NoError(t, err)
	require.Equal(t, domain.OrderStatusPending, stored.Status)
	require.Len(t, stored.StatusHistory, 1)
}

func TestUpdateStatus_CancelOutsideTableIsInvalidTransition(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	shipped := []domain.OrderStatus{domain.OrderStatusConfirmed, domain.OrderStatusProcessing, domain.OrderStatusShipped}
	delivered := append(append([]domain.OrderStatus{}, shipped...), domain.OrderStatusDelivered)
	returned := append(append([]domain.OrderStatus{}, delivered...), domain.OrderStatusReturned)
	paths := [][]domain.OrderStatus{
		shipped,
		append(append([]domain.OrderStatus{}, shipped...), domain.OrderStatusOutForDelivery),
		delivered,
		returned,
		append(append([]domain.OrderStatus{}, returned...), domain.OrderStatusRefunded),
		{domain.OrderStatusCancelled},
	}

	for _, path := range paths {
		from := path[len(path)-1]
		order, err := f.svc.CreateOrder(ctx, customer, shirtOrder(1, domain.PaymentMethodCOD))
		require.NoError(t, err)
		reached := f.advance(t, order.ID, path...)
		require.Equal(t, from, reached.Status)
		stock := f.variantStock(t, "p1", "P1-S-RED")

		_, err = f.svc.UpdateStatus(ctx, admin, order.ID, orders.StatusUpdateInput{Status: domain.OrderStatusCancelled})
		require.ErrorIs(t, err, domain.ErrInvalidTransition, "%s -> Cancelled", from)
		require.NotErrorIs(t, err, domain.ErrCannotCancel, "%s -> Cancelled", from)
		require.Equal(t, domain.CodeInvalidTransition, domain.Code(err))

		res, err := f.svc.BulkUpdate(ctx, admin, orders.BulkUpdateInput{
			OrderIDs: []string{order.ID},
			Status:   domain.OrderStatusCancelled,
		})
		require.NoError(t, err)
		require.Len(t, res.Failures, 1)
		require.Equal(t, domain.CodeInvalidTransition, res.Failures[0].Code, "bulk %s -> Cancelled", from)

		stored, err := f.repo.Get(ctx, order.ID)
		require.NoError(t, err)
		require.Equal(t, from, stored.Status)
		require.Len(t, stored.StatusHistory, len(path)+1)
		require.Equal(t, stock, f.variantStock(t, "p1", "P1-S-RED"), "rejected cancel must not restock")
	}

	// собственная отмена заказа покупателем сохраняет свой код
	order, err := f.svc.CreateOrder(ctx, customer, shirtOrder(1, domain.PaymentMethodCOD))
	require.NoError(t, err)
	f.advance(t, order.ID, domain.OrderStatusConfirmed, domain.OrderStatusProcessing, domain.OrderStatusShipped)
	_, err = f.svc.CancelOrder(ctx, customer, order.ID, orders.CancelInput{Reason: "changed my mind about it"})
	require.ErrorIs(t, err, domain.ErrCannotCancel)
}

func TestUpdateStatus_HistoryGrowsByOne(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	order, err := f.svc.CreateOrder(ctx, customer, shirtOrder(1, domain.PaymentMethodCOD))
	require.NoError(t, err)

	path := []domain.OrderStatus{
		domain.OrderStatusConfirmed, domain.OrderStatusProcessing, domain.OrderStatusShipped,
		domain.OrderStatusOutForDelivery, domain.OrderStatusDelivered,
	}
	for i, status := range path {
		updated := f.advance(t, order.ID, status)
		require.Len(t, updated.StatusHistory, i+2)
		require.Equal(t, status, updated.StatusHistory[len(updated.StatusHistory)-1].Status)
		require.Equal(t, "admin-1", updated.StatusHistory[len(updated.StatusHistory)-1].UpdatedBy)
		order = updated
	}

	require.NotNil(t, order.Shipping.ShippedAt)
	require.NotNil(t, order.Shipping.DeliveredAt)
	require.Equal(t, domain.PaymentStatusCompleted, order.Payment.Status, "COD becomes paid on delivery")
}

func TestUpdateStatus_RequiresAdmin(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	order, err := f.svc.CreateOrder(ctx, customer, shirtOrder(1, domain.PaymentMethodCOD))
	require.NoError(t, err)

	_, err = f.svc.UpdateStatus(ctx, customer, order.ID, orders.StatusUpdateInput{Status: domain.OrderStatusConfirmed})
	require.ErrorIs(t, err, domain.ErrUnauthorized)

	_, err = f.svc.GetOrder(ctx, stranger, order.ID)
	require.ErrorIs(t, err, domain.ErrUnauthorized)

	_, err = f.svc.CancelOrder(ctx, stranger, order.ID, orders.CancelInput{Reason: "not my order at all"})
	require.ErrorIs(t, err, domain.ErrUnauthorized)

	_, err = f.svc.ListAllOrders(ctx, customer, domain.OrderQuery{})
	require.ErrorIs(t, err, domain.ErrUnauthorized)
}

func TestCancelOrder_RestoresStockAndSales(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	order, err := f.svc.CreateOrder(ctx, customer, shirtOrder(3, domain.PaymentMethodCOD))
	require.NoError(t, err)

	cancelled, err := f.svc.CancelOrder(ctx, customer, order.ID, orders.CancelInput{Reason: "ordered the wrong size"})
	require.NoError(t, err)
	require.Equal(t, domain.OrderStatusCancelled, cancelled.Status)
	require.Equal(t, domain.CancelledByUser, cancelled.Cancellation.CancelledBy)
	require.Nil(t, cancelled.Refund, "unpaid order has nothing to refund")

	require.Equal(t, 10, f.variantStock(t, "p1", "P1-S-RED"))
	require.Equal(t, 15, f.variantStock(t, "p1", ""))
	p, err := f.catalog.GetProduct(ctx, "p1")
	require.NoError(t, err)
	require.Zero(t, p.Sales.TotalSold)

	_, err = f.svc.CancelOrder(ctx, customer, order.ID, orders.CancelInput{Reason: "ordered the wrong size"})
	require.ErrorIs(t, err, domain.ErrCannotCancel)
	require.Equal(t, 10, f.variantStock(t, "p1", "P1-S-RED"), "second cancel must not release twice")
}

func TestCancelOrder_PaidConfirmedOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	order, err := f.svc.CreateOrder(ctx, customer, shirtOrder(3, domain.PaymentMethodCard))
	require.NoError(t, err)
	f.advance(t, order.ID, domain.OrderStatusConfirmed)

	cancelled, err := f.svc.CancelOrder(ctx, customer, order.ID, orders.CancelInput{Reason: "found it cheaper elsewhere"})
	require.NoError(t, err)

	require.Equal(t, domain.OrderStatusCancelled, cancelled.Status)
	require.Equal(t, domain.PaymentStatusRefunded, cancelled.Payment.Status)
	require.True(t, cancelled.Cancellation.RefundAmount.Equal(cancelled.Pricing.Total))
	require.Equal(t, domain.RefundStatusPending, cancelled.Cancellation.RefundStatus)
	require.NotNil(t, cancelled.Refund)
	require.Equal(t, domain.RefundSourceCancellation, cancelled.Refund.Source)
	require.Equal(t, 10, f.variantStock(t, "p1", "P1-S-RED"))
}

func TestCancelOrder_NotCancellableAfterShipping(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	order, err := f.svc.CreateOrder(ctx, customer, shirtOrder(1, domain.PaymentMethodCOD))
	require.NoError(t, err)
	f.advance(t, order.ID, domain.OrderStatusConfirmed, domain.OrderStatusProcessing, domain.OrderStatusShipped)

	_, err = f.svc.CancelOrder(ctx, customer, order.ID, orders.CancelInput{Reason: "changed my mind again"})
	var cerr *domain.CancelError
	require.ErrorAs(t, err, &cerr)
	require.Equal(t, domain.OrderStatusShipped, cerr.Status)
	require.Equal(t, 9, f.variantStock(t, "p1", "P1-S-RED"))
}

func TestRequestReturn_Window(t *testing.T) {
	for _, tc := range []struct {
		name   string
		offset time.Duration
		ok     bool
	}{
		{"one second before deadline", 7*24*time.Hour - time.Second, true},
		{"one second after deadline", 7*24*time.Hour + time.Second, false},
	} {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()

			order, err := f.svc.CreateOrder(ctx, customer, shirtOrder(1, domain.PaymentMethodUPI))
			require.NoError(t, err)
			delivered := f.advance(t, order.ID, domain.OrderStatusConfirmed, domain.OrderStatusProcessing,
				domain.OrderStatusShipped, domain.OrderStatusDelivered)

			f.clock.Set(delivered.Shipping.DeliveredAt.Add(tc.offset))
			returned, err := f.svc.RequestReturn(ctx, customer, order.ID, orders.ReturnInput{Reason: "fabric feels too rough"})
			if !tc.ok {
				require.ErrorIs(t, err, domain.ErrReturnWindowExpired)
				return
			}
			require.NoError(t, err)
			require.Equal(t, domain.ReturnStatusRequested, returned.Return.Status)
			require.Equal(t, domain.ReturnTypeRefund, returned.Return.ReturnType)
			require.True(t, returned.Return.RefundAmount.Equal(returned.Pricing.Total))
		})
	}
}

func TestRequestReturn_Rules(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	order, err := f.svc.CreateOrder(ctx, customer, shirtOrder(1, domain.PaymentMethodUPI))
	require.NoError(t, err)

	_, err = f.svc.RequestReturn(ctx, customer, order.ID, orders.ReturnInput{Reason: "fabric feels too rough"})
	var werr *domain.ReturnWindowError
	require.ErrorAs(t, err, &werr)
	require.Equal(t, domain.OrderStatusPending, werr.Status)

	f.advance(t, order.ID, domain.OrderStatusConfirmed, domain.OrderStatusProcessing,
		domain.OrderStatusShipped, domain.OrderStatusDelivered)

	_, err = f.svc.RequestReturn(ctx, admin, order.ID, orders.ReturnInput{Reason: "fabric feels too rough"})
	require.ErrorIs(t, err, domain.ErrUnauthorized)

	_, err = f.svc.RequestReturn(ctx, customer, order.ID, orders.ReturnInput{Reason: "short"})
	require.ErrorIs(t, err, domain.ErrValidation)

	_, err = f.svc.RequestReturn(ctx, customer, order.ID, orders.ReturnInput{Reason: "fabric feels too rough"})
	require.NoError(t, err)

	_, err = f.svc.RequestReturn(ctx, customer, order.ID, orders.ReturnInput{Reason: "a completely different reason", ReturnType: domain.ReturnTypeExchange})
	require.ErrorIs(t, err, domain.ErrReturnAlreadyExists)
}

func TestReturnLifecycle_CompletesWithRefund(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	order, err := f.svc.CreateOrder(ctx, customer, shirtOrder(2, domain.PaymentMethodUPI))
	require.NoError(t, err)
	f.advance(t, order.ID, domain.OrderStatusConfirmed, domain.OrderStatusProcessing,
		domain.OrderStatusShipped, domain.OrderStatusDelivered)
	_, err = f.svc.RequestReturn(ctx, customer, order.ID, orders.ReturnInput{Reason: "colour differs from photo"})
	require.NoError(t, err)

	_, err = f.svc.UpdateReturnStatus(ctx, admin, order.ID, orders.ReturnStatusInput{Status: domain.ReturnStatusCompleted})
	require.ErrorIs(t, err, domain.ErrInvalidTransition)

	approved, err := f.svc.UpdateReturnStatus(ctx, admin, order.ID, orders.ReturnStatusInput{
		Status:       domain.ReturnStatusApproved,
		RefundAmount: decimal.NewNullDecimal(decimal.NewFromInt(1000)),
	})
	require.NoError(t, err)
	require.NotNil(t, approved.Return.ApprovedAt)
	require.True(t, approved.Return.RefundAmount.Equal(decimal.NewFromInt(1000)))

	_, err = f.svc.UpdateReturnStatus(ctx, admin, order.ID, orders.ReturnStatusInput{Status: domain.ReturnStatusPickedUp})
	require.NoError(t, err)

	done, err := f.svc.UpdateReturnStatus(ctx, admin, order.ID, orders.ReturnStatusInput{Status: domain.ReturnStatusCompleted, Comment: "received in good shape"})
	require.NoError(t, err)
	require.Equal(t, domain.OrderStatusRefunded, done.Status)
	require.Equal(t, domain.PaymentStatusRefunded, done.Payment.Status)
	require.Equal(t, domain.RefundSourceReturn, done.Refund.Source)
	require.Equal(t, domain.RefundStatusCompleted, done.Refund.Status)
	require.NotNil(t, done.Refund.RefundedAt)
	require.Nil(t, done.Cancellation, "return refund must not touch cancellation")
	require.True(t, f.gateway.Refunded(order.ID).Equal(decimal.NewFromInt(1000)))

	history := done.StatusHistory
	require.Equal(t, domain.OrderStatusReturned, history[len(history)-2].Status)
	require.Equal(t, domain.OrderStatusRefunded, history[len(history)-1].Status)
}

func TestReturnLifecycle_GatewayFailureMarksRefundFailed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	order, err := f.svc.CreateOrder(ctx, customer, shirtOrder(1, domain.PaymentMethodUPI))
	require.NoError(t, err)
	f.advance(t, order.ID, domain.OrderStatusConfirmed, domain.OrderStatusProcessing,
		domain.OrderStatusShipped, domain.OrderStatusDelivered)
	_, err = f.svc.RequestReturn(ctx, customer, order.ID, orders.ReturnInput{Reason: "colour differs from photo"})
	require.NoError(t, err)
	for _, status := range []domain.ReturnStatus{domain.ReturnStatusApproved, domain.ReturnStatusPickedUp} {
		_, err = f.svc.UpdateReturnStatus(ctx, admin, order.ID, orders.ReturnStatusInput{Status: status})
		require.NoError(t, err)
	}

	f.gateway.FailNext(errors.New("gateway timeout"))
	_, err = f.svc.UpdateReturnStatus(ctx, admin, order.ID, orders.ReturnStatusInput{Status: domain.ReturnStatusCompleted})
	require.ErrorIs(t, err, domain.ErrRefundFailed)

	stored, err := f.repo.Get(ctx, order.ID)
	require.NoError(t, err)
	require.Equal(t, domain.OrderStatusRefunded, stored.Status)
	require.Equal(t, domain.RefundStatusFailed, stored.Refund.Status)
}

func TestBulkUpdate_ShippedWithoutDetails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ids := make([]string, 0, 3)
	for i := 0; i < 3; i++ {
		order, err := f.svc.CreateOrder(ctx, customer, shirtOrder(1, domain.PaymentMethodCOD))
		require.NoError(t, err)
		f.advance(t, order.ID, domain.OrderStatusConfirmed, domain.OrderStatusProcessing)
		ids = append(ids, order.ID)
	}

	result, err := f.svc.BulkUpdate(ctx, admin, orders.BulkUpdateInput{OrderIDs: ids, Status: domain.OrderStatusShipped})
	require.NoError(t, err)
	require.Equal(t, 3, result.Matched)
	require.Zero(t, result.Modified)
	require.Len(t, result.Failures, 3)
	for _, failure := range result.Failures {
		require.Equal(t, domain.CodeValidation, failure.Code)
	}

	for _, id := range ids {
		stored, err := f.repo.Get(ctx, id)
		require.NoError(t, err)
		require.Equal(t, domain.OrderStatusProcessing, stored.Status)
	}
}

func TestBulkUpdate_MixedResults(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.svc.CreateOrder(ctx, customer, shirtOrder(1, domain.PaymentMethodCOD))
	require.NoError(t, err)
	second, err := f.svc.CreateOrder(ctx, customer, shirtOrder(1, domain.PaymentMethodCOD))
	require.NoError(t, err)
	f.advance(t, second.ID, domain.OrderStatusConfirmed)

	result, err := f.svc.BulkUpdate(ctx, admin, orders.BulkUpdateInput{
		OrderIDs: []string{first.ID, second.ID, "missing"},
		Status:   domain.OrderStatusConfirmed,
	})
	require.NoError(t, err)
	require.Equal(t, 2, result.Matched)
	require.Equal(t, 1, result.Modified)
	require.Len(t, result.Failures, 2)

	_, err = f.svc.BulkUpdate(ctx, admin, orders.BulkUpdateInput{OrderIDs: []string{first.ID, first.ID}, Status: domain.OrderStatusConfirmed})
	require.ErrorIs(t, err, domain.ErrValidation)
}

func TestDeleteOrder_OnlyCancelled(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	order, err := f.svc.CreateOrder(ctx, customer, shirtOrder(1, domain.PaymentMethodCOD))
	require.NoError(t, err)

	require.ErrorIs(t, f.svc.DeleteOrder(ctx, admin, order.ID), domain.ErrOrderNotDeletable)

	_, err = f.svc.UpdateStatus(ctx, admin, order.ID, orders.StatusUpdateInput{Status: domain.OrderStatusCancelled})
	require.NoError(t, err)
	require.NoError(t, f.svc.DeleteOrder(ctx, admin, order.ID))

	_, err = f.repo.Get(ctx, order.ID)
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestAdminUpdates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	order, err := f.svc.CreateOrder(ctx, customer, shirtOrder(1, domain.PaymentMethodCOD))
	require.NoError(t, err)

	paid, err := f.svc.UpdatePayment(ctx, admin, order.ID, orders.PaymentUpdateInput{Status: domain.PaymentStatusCompleted, TransactionID: "TXN-42"})
	require.NoError(t, err)
	require.Equal(t, domain.PaymentStatusCompleted, paid.Payment.Status)
	require.NotNil(t, paid.Payment.PaidAt)

	future := f.clock.Now().Add(time.Hour)
	_, err = f.svc.UpdatePayment(ctx, admin, order.ID, orders.PaymentUpdateInput{Status: domain.PaymentStatusCompleted, PaidAt: &future})
	require.ErrorIs(t, err, domain.ErrValidation)

	eta := f.clock.Now().Add(72 * time.Hour)
	shipped, err := f.svc.UpdateShipping(ctx, admin, order.ID, orders.ShippingInput{
		Courier:           "<b>Delhivery</b>",
		TrackingNumber:    "DLV-998877",
		EstimatedDelivery: &eta,
	})
	require.NoError(t, err)
	require.Equal(t, "Delhivery", shipped.Shipping.Courier)
	require.Equal(t, domain.OrderStatusPending, shipped.Status)

	noted, err := f.svc.AddAdminNotes(ctx, admin, order.ID, orders.NotesInput{Notes: "call before delivery"})
	require.NoError(t, err)
	require.Equal(t, "call before delivery", noted.AdminNotes)

	_, err = f.svc.AddAdminNotes(ctx, customer, order.ID, orders.NotesInput{Notes: "let me in please"})
	require.ErrorIs(t, err, domain.ErrUnauthorized)

	events, err := f.svc.Timeline(ctx, admin, order.ID)
	require.NoError(t, err)
	require.Len(t, events, 4)
}

func TestTrackOrder_HidesActors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	order, err := f.svc.CreateOrder(ctx, customer, shirtOrder(1, domain.PaymentMethodCOD))
	require.NoError(t, err)
	f.advance(t, order.ID, domain.OrderStatusConfirmed)

	tracking, err := f.svc.TrackOrder(ctx, order.OrderNumber)
	require.NoError(t, err)
	require.Equal(t, domain.OrderStatusConfirmed, tracking.Status)
	require.Len(t, tracking.StatusHistory, 2)

	_, err = f.svc.TrackOrder(ctx, "ORD00000000")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestListUserOrders_ScopedToCaller(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := f.svc.CreateOrder(ctx, customer, shirtOrder(1, domain.PaymentMethodCOD))
		require.NoError(t, err)
	}
	_, err := f.svc.CreateOrder(ctx, stranger, shirtOrder(1, domain.PaymentMethodCOD))
	require.NoError(t, err)

	page, err := f.svc.ListUserOrders(ctx, customer, domain.OrderQuery{UserID: stranger.UserID, Limit: 2})
	require.NoError(t, err)
	require.Equal(t, 3, page.Total)
	require.Len(t, page.Orders, 2)
	for _, o := range page.Orders {
		require.Equal(t, customer.UserID, o.UserID)
	}

	all, err := f.svc.ListAllOrders(ctx, admin, domain.OrderQuery{})
	require.NoError(t, err)
	require.Equal(t, 4, all.Total)

	_, err = f.svc.ListAllOrders(ctx, admin, domain.OrderQuery{Limit: 500})
	require.ErrorIs(t, err, domain.ErrValidation)
}

func TestListOrders_PageBounds(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.CreateOrder(ctx, customer, shirtOrder(1, domain.PaymentMethodCOD))
	require.NoError(t, err)

	tests := []struct {
		name    string
		query   domain.OrderQuery
		wantErr bool
	}{
		{name: "overflowing page", query: domain.OrderQuery{Page: 92233720368547760, Limit: 100}, wantErr: true},
		{name: "negative page", query: domain.OrderQuery{Page: -1}, wantErr: true},
		{name: "largest page", query: domain.OrderQuery{Page: math.MaxInt / 100, Limit: 100}},
		{name: "page past the end", query: domain.OrderQuery{Page: 7, Limit: 1}},
	}
	for _, tc := range tests {
		page, err := f.svc.ListUserOrders(ctx, customer, tc.query)
		if tc.wantErr {
			require.ErrorIs(t, err, domain.ErrValidation, tc.name)
			continue
		}
		require.NoError(t, err, tc.name)
		require.Equal(t, 1, page.Total, tc.name)
		require.Empty(t, page.Orders, tc.name)
	}
}

// conflictOnce отвечает конфликтом версий на первое сохранение каждого заказа.
type conflictOnce struct {
	domain.OrderRepository
	mu   sync.Mutex
	seen map[string]bool
}

func (r *conflictOnce) Save(ctx context.Context, order domain.Order) error {
	r.mu.Lock()
	first := !r.seen[order.ID]
	r.seen[order.ID] = true
	r.mu.Unlock()
	if first {
		return domain.ErrOrderVersionConflict
	}
	return r.OrderRepository.Save(ctx, order)
}

func TestMutate_RetriesVersionConflict(t *testing.T) {
	f := newFixture(t, func(_ *orders.Config, w *orderRepoWrapper) {
		w.wrap = func(repo domain.OrderRepository) domain.OrderRepository {
			return &conflictOnce{OrderRepository: repo, seen: make(map[string]bool)}
		}
	})
	ctx := context.Background()

	order, err := f.svc.CreateOrder(ctx, customer, shirtOrder(1, domain.PaymentMethodCOD))
	require.NoError(t, err)

	updated, err := f.svc.UpdateStatus(ctx, admin, order.ID, orders.StatusUpdateInput{Status: domain.OrderStatusConfirmed})
	require.NoError(t, err)
	require.Len(t, updated.StatusHistory, 2)
	require.Equal(t, order.Version+1, updated.Version)
}
