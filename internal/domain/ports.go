package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// CatalogStore — каталог товаров с атомарными операциями над остатками.
type CatalogStore interface {
	// GetProduct возвращает товар или ErrProductNotFound.
	GetProduct(ctx context.Context, id string) (Product, error)
	// ReserveStock уменьшает остаток варианта (если sku не пуст) и totalStock на qty,
	// только если остатка хватает. Иначе возвращает *StockError, ничего не меняя.
	ReserveStock(ctx context.Context, productID, sku string, qty int) error
	// ReleaseStock возвращает qty единиц на вариант и в totalStock.
	ReleaseStock(ctx context.Context, productID, sku string, qty int) error
	// RecordSale увеличивает sales.totalSold и выставляет sales.lastSoldAt.
	RecordSale(ctx context.Context, productID string, qty int, at time.Time) error
	// ReverseSale уменьшает sales.totalSold, не опускаясь ниже нуля.
	ReverseSale(ctx context.Context, productID string, qty int) error
}

// CatalogWriter наполняет каталог (сиды, тесты, админка каталога).
type CatalogWriter interface {
	UpsertProduct(ctx context.Context, product Product) error
}

// IdentityStore отдаёт пользователей по идентификатору.
type IdentityStore interface {
	GetUser(ctx context.Context, id string) (User, error)
}

// IdentityWriter создаёт пользователей. Второй super_admin отклоняется с ErrSuperAdminExists.
type IdentityWriter interface {
	CreateUser(ctx context.Context, user User) error
}

// RefundGateway — платёжный провайдер, умеющий возвращать деньги.
type RefundGateway interface {
	Refund(ctx context.Context, orderID string, amount decimal.Decimal) (RefundReceipt, error)
}

// OutboxPublisher публикует события из transactional outbox.
type OutboxPublisher interface {
	// Publish передаёт событие наружу; должен быть идемпотентным.
	Publish(ctx context.Context, event OutboxMessage) error
}

// OutboxRepository позволяет сохранять события для последующей публикации.
type OutboxRepository interface {
	Enqueue(ctx context.Context, msg OutboxMessage) (OutboxMessage, error)
	PullPending(ctx context.Context, limit int) ([]OutboxMessage, error)
	Stats(ctx context.Context) (OutboxStats, error)
	MarkSent(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id string) error
	// PurgeSent удаляет до limit доставленных сообщений, обновлённых раньше before.
	PurgeSent(ctx context.Context, before time.Time, limit int) (int, error)
}

// TimelineRepository хранит события жизненного цикла заказа.
type TimelineRepository interface {
	Append(ctx context.Context, event TimelineEvent) error
	List(ctx context.Context, orderID string) ([]TimelineEvent, error)
}

// IdempotencyRepository хранит состояние обработки запросов по idempotency-key.
type IdempotencyRepository interface {
	CreateProcessing(ctx context.Context, key, requestHash string, ttlAt time.Time) (IdempotencyRecord, error)
	Get(ctx context.Context, key string) (IdempotencyRecord, error)
	MarkDone(ctx context.Context, key string, responseBody []byte, httpStatus int) error
	MarkFailed(ctx context.Context, key string, responseBody []byte, httpStatus int) error
	DeleteExpired(ctx context.Context, before time.Time, limit int) (int, error)
}
