package memory_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
	"github.com/vladislavdragonenkov/storefront/internal/storage/memory"
)

func seedProduct(t *testing.T, store *memory.CatalogStore) {
	t.Helper()
	err := store.UpsertProduct(context.Background(), domain.Product{
		ID:       "p1",
		Name:     "Linen shirt",
		IsActive: true,
		Status:   domain.ProductStatusActive,
		Price:    domain.ProductPrice{Selling: decimal.NewFromInt(500)},
		Variants: []domain.Variant{
			{Size: "S", Color: "Red", SKU: "P1-S-RED", Stock: 10},
			{Size: "M", Color: "Red", SKU: "P1-M-RED", Stock: 5},
		},
		TotalStock: 15,
	})
	require.NoError(t, err)
}

func TestCatalogStore_ReserveAndRelease(t *testing.T) {
	ctx := context.Background()
	store := memory.NewCatalogStore()
	seedProduct(t, store)

	require.NoError(t, store.ReserveStock(ctx, "p1", "P1-S-RED", 3))
	p, _ := store.GetProduct(ctx, "p1")
	v, _ := p.FindVariant("P1-S-RED")
	require.Equal(t, 7, v.Stock)
	require.Equal(t, 12, p.TotalStock)
	require.True(t, p.StockConsistent())

	err := store.ReserveStock(ctx, "p1", "P1-M-RED", 6)
	var stockErr *domain.StockError
	require.True(t, errors.As(err, &stockErr))
	require.Equal(t, 5, stockErr.Available)

	require.ErrorIs(t, store.ReserveStock(ctx, "p1", "NOPE", 1), domain.ErrVariantNotFound)
	require.ErrorIs(t, store.ReserveStock(ctx, "p1", "", 1), domain.ErrValidation)
	require.ErrorIs(t, store.ReserveStock(ctx, "p2", "", 1), domain.ErrProductNotFound)

	require.NoError(t, store.ReleaseStock(ctx, "p1", "P1-S-RED", 3))
	p, _ = store.GetProduct(ctx, "p1")
	require.Equal(t, 15, p.TotalStock)
	require.True(t, p.StockConsistent())
}

func TestCatalogStore_SalesClampAtZero(t *testing.T) {
	ctx := context.Background()
	store := memory.NewCatalogStore()
	seedProduct(t, store)

	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, store.RecordSale(ctx, "p1", 2, at))
	require.NoError(t, store.ReverseSale(ctx, "p1", 5))

	p, _ := store.GetProduct(ctx, "p1")
	require.Zero(t, p.Sales.TotalSold)
	require.NotNil(t, p.Sales.LastSoldAt)
	require.True(t, p.Sales.LastSoldAt.Equal(at))
}

func TestCatalogStore_ConcurrentReservationsNeverOversell(t *testing.T) {
	ctx := context.Background()
	store := memory.NewCatalogStore()
	seedProduct(t, store)

	var (
		wg      sync.WaitGroup
		success atomic.Int32
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := store.ReserveStock(ctx, "p1", "P1-S-RED", 1); err == nil {
				success.Add(1)
			}
		}()
	}
	wg.Wait()

	require.Equal(t, int32(10), success.Load())
	p, _ := store.GetProduct(ctx, "p1")
	v, _ := p.FindVariant("P1-S-RED")
	require.Zero(t, v.Stock)
	require.True(t, p.StockConsistent())
}

func TestCatalogStore_RejectsInconsistentProduct(t *testing.T) {
	store := memory.NewCatalogStore()
	err := store.UpsertProduct(context.Background(), domain.Product{
		ID:         "p9",
		Variants:   []domain.Variant{{SKU: "A", Stock: 1}},
		TotalStock: 3,
	})
	require.ErrorIs(t, err, domain.ErrValidation)
}
