package memory

import (
	"context"
	"sync"
	"time"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

// CatalogStore — in-memory каталог. Все операции над остатками выполняются под одной блокировкой,
// поэтому условное списание атомарно.
type CatalogStore struct {
	mu       sync.RWMutex
	products map[string]domain.Product
}

// NewCatalogStore создаёт пустой каталог.
func NewCatalogStore() *CatalogStore {
	return &CatalogStore{products: make(map[string]domain.Product)}
}

// UpsertProduct создаёт или заменяет товар.
func (s *CatalogStore) UpsertProduct(_ context.Context, product domain.Product) error {
	if product.ID == "" {
		return domain.NewValidationError("id", "product id is required")
	}
	if !product.StockConsistent() {
		return domain.NewValidationError("totalStock", "must equal the sum of variant stock")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	product.UpdatedAt = time.Now().UTC()
	s.products[product.ID] = product.Clone()
	return nil
}

// GetProduct возвращает копию товара.
func (s *CatalogStore) GetProduct(_ context.Context, id string) (domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.products[id]
	if !ok {
		return domain.Product{}, domain.ErrProductNotFound
	}
	return p.Clone(), nil
}

// ReserveStock списывает qty, только если остатка хватает.
func (s *CatalogStore) ReserveStock(_ context.Context, productID, sku string, qty int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.products[productID]
	if !ok {
		return domain.ErrProductNotFound
	}
	if sku == "" {
		if p.HasVariants() {
			return domain.NewValidationError("variant.sku", "product has variants, sku is required")
		}
		if p.TotalStock < qty {
			return &domain.StockError{ProductID: productID, Requested: qty, Available: p.TotalStock}
		}
		p.TotalStock -= qty
		s.store(p)
		return nil
	}

	idx := variantIndex(p, sku)
	if idx < 0 {
		return domain.ErrVariantNotFound
	}
	if p.Variants[idx].Stock < qty {
		return &domain.StockError{ProductID: productID, SKU: sku, Requested: qty, Available: p.Variants[idx].Stock}
	}
	p = p.Clone()
	p.Variants[idx].Stock -= qty
	p.TotalStock -= qty
	s.store(p)
	return nil
}

// ReleaseStock возвращает qty на вариант и в totalStock.
func (s *CatalogStore) ReleaseStock(_ context.Context, productID, sku string, qty int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.products[productID]
	if !ok {
		return domain.ErrProductNotFound
	}
	p = p.Clone()
	if sku != "" {
		idx := variantIndex(p, sku)
		if idx < 0 {
			return domain.ErrVariantNotFound
		}
		p.Variants[idx].Stock += qty
	}
	p.TotalStock += qty
	s.store(p)
	return nil
}

// RecordSale увеличивает счётчик продаж.
func (s *CatalogStore) RecordSale(_ context.Context, productID string, qty int, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.products[productID]
	if !ok {
		return domain.ErrProductNotFound
	}
	at = at.UTC()
	p.Sales.TotalSold += qty
	p.Sales.LastSoldAt = &at
	s.store(p)
	return nil
}

// ReverseSale уменьшает счётчик продаж, не опускаясь ниже нуля.
func (s *CatalogStore) ReverseSale(_ context.Context, productID string, qty int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.products[productID]
	if !ok {
		return domain.ErrProductNotFound
	}
	p.Sales.TotalSold -= qty
	if p.Sales.TotalSold < 0 {
		p.Sales.TotalSold = 0
	}
	s.store(p)
	return nil
}

func (s *CatalogStore) store(p domain.Product) {
	p.UpdatedAt = time.Now().UTC()
	s.products[p.ID] = p
}

func variantIndex(p domain.Product, sku string) int {
	for i, v := range p.Variants {
		if v.SKU == sku {
			return i
		}
	}
	return -1
}

var (
	_ domain.CatalogStore  = (*CatalogStore)(nil)
	_ domain.CatalogWriter = (*CatalogStore)(nil)
)
