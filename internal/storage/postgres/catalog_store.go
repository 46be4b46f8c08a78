package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

// CatalogStore — каталог в PostgreSQL. Условное списание остатка выполняется
// одной транзакцией: UPDATE ... WHERE stock >= $n по варианту и по товару.
type CatalogStore struct {
	db *sql.DB
}

// NewCatalogStore создаёт PostgreSQL-каталог.
func NewCatalogStore(store *Store) *CatalogStore {
	return &CatalogStore{db: store.DB()}
}

// UpsertProduct создаёт или полностью заменяет товар вместе с вариантами.
func (s *CatalogStore) UpsertProduct(ctx context.Context, p domain.Product) error {
	if p.ID == "" {
		return domain.NewValidationError("id", "product id is required")
	}
	if !p.StockConsistent() {
		return domain.NewValidationError("totalStock", "must equal the sum of variant stock")
	}
	images, err := json.Marshal(p.Images)
	if err != nil {
		return fmt.Errorf("marshal images: %w", err)
	}

	ctx, cancel := withTimeout(ctx)
	defer cancel()

	return inTx(ctx, s.db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO products (
				id, name, images, price_mrp, price_selling, discount, is_active, status,
				total_stock, total_sold, last_sold_at, updated_at
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
			ON CONFLICT (id) DO UPDATE SET
				name = EXCLUDED.name,
				images = EXCLUDED.images,
				price_mrp = EXCLUDED.price_mrp,
				price_selling = EXCLUDED.price_selling,
				discount = EXCLUDED.discount,
				is_active = EXCLUDED.is_active,
				status = EXCLUDED.status,
				total_stock = EXCLUDED.total_stock,
				total_sold = EXCLUDED.total_sold,
				last_sold_at = EXCLUDED.last_sold_at,
				updated_at = EXCLUDED.updated_at
		`,
			p.ID, p.Name, images, p.Price.MRP, p.Price.Selling, p.Price.Discount, p.IsActive, string(p.Status),
			p.TotalStock, p.Sales.TotalSold, p.Sales.LastSoldAt, time.Now().UTC(),
		); err != nil {
			return fmt.Errorf("upsert product %s: %w", p.ID, err)
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM product_variants WHERE product_id = $1`, p.ID); err != nil {
			return fmt.Errorf("clear variants of %s: %w", p.ID, err)
		}
		for i, v := range p.Variants {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO product_variants (product_id, sku, position, size, color, stock, price)
				VALUES ($1,$2,$3,$4,$5,$6,$7)
			`, p.ID, v.SKU, i, v.Size, v.Color, v.Stock, v.Price); err != nil {
				return fmt.Errorf("insert variant %s/%s: %w", p.ID, v.SKU, err)
			}
		}
		return nil
	})
}

// GetProduct читает товар и его варианты.
func (s *CatalogStore) GetProduct(ctx context.Context, id string) (domain.Product, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	var (
		p          domain.Product
		images     []byte
		status     string
		lastSoldAt sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, images, price_mrp, price_selling, discount, is_active, status,
		       total_stock, total_sold, last_sold_at, updated_at
		FROM products
		WHERE id = $1
	`, id).Scan(
		&p.ID, &p.Name, &images, &p.Price.MRP, &p.Price.Selling, &p.Price.Discount, &p.IsActive, &status,
		&p.TotalStock, &p.Sales.TotalSold, &lastSoldAt, &p.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Product{}, domain.ErrProductNotFound
	}
	if err != nil {
		return domain.Product{}, fmt.Errorf("select product %s: %w", id, err)
	}
	p.Status = domain.ProductStatus(status)
	if lastSoldAt.Valid {
		at := lastSoldAt.Time.UTC()
		p.Sales.LastSoldAt = &at
	}
	if err := json.Unmarshal(images, &p.Images); err != nil {
		return domain.Product{}, fmt.Errorf("decode images of %s: %w", id, err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT sku, size, color, stock, price
		FROM product_variants
		WHERE product_id = $1
		ORDER BY position
	`, id)
	if err != nil {
		return domain.Product{}, fmt.Errorf("select variants of %s: %w", id, err)
	}
	defer rows.Close()

	for rows.Next() {
		var v domain.Variant
		if err := rows.Scan(&v.SKU, &v.Size, &v.Color, &v.Stock, &v.Price); err != nil {
			return domain.Product{}, fmt.Errorf("scan variant: %w", err)
		}
		p.Variants = append(p.Variants, v)
	}
	if err := rows.Err(); err != nil {
		return domain.Product{}, fmt.Errorf("iterate variants: %w", err)
	}
	return p, nil
}

// ReserveStock списывает qty, только если остатка хватает и на варианте, и в totalStock.
func (s *CatalogStore) ReserveStock(ctx context.Context, productID, sku string, qty int) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	return inTx(ctx, s.db, func(tx *sql.Tx) error {
		hasVariants, err := s.hasVariants(ctx, tx, productID)
		if err != nil {
			return err
		}

		if sku == "" {
			if hasVariants {
				return domain.NewValidationError("variant.sku", "product has variants, sku is required")
			}
		} else {
			res, err := tx.ExecContext(ctx, `
				UPDATE product_variants
				SET stock = stock - $3
				WHERE product_id = $1 AND sku = $2 AND stock >= $3
			`, productID, sku, qty)
			if err != nil {
				return fmt.Errorf("reserve variant stock: %w", err)
			}
			if n, _ := res.RowsAffected(); n == 0 {
				return s.stockError(ctx, tx, productID, sku, qty)
			}
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE products
			SET total_stock = total_stock - $2, updated_at = NOW()
			WHERE id = $1 AND total_stock >= $2
		`, productID, qty)
		if err != nil {
			return fmt.Errorf("reserve product stock: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return s.stockError(ctx, tx, productID, "", qty)
		}
		return nil
	})
}

// ReleaseStock возвращает qty на вариант и в totalStock.
func (s *CatalogStore) ReleaseStock(ctx context.Context, productID, sku string, qty int) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	return inTx(ctx, s.db, func(tx *sql.Tx) error {
		if sku != "" {
			res, err := tx.ExecContext(ctx, `
				UPDATE product_variants SET stock = stock + $3 WHERE product_id = $1 AND sku = $2
			`, productID, sku, qty)
			if err != nil {
				return fmt.Errorf("release variant stock: %w", err)
			}
			if n, _ := res.RowsAffected(); n == 0 {
				if _, err := s.hasVariants(ctx, tx, productID); err != nil {
					return err
				}
				return domain.ErrVariantNotFound
			}
		}
		res, err := tx.ExecContext(ctx, `
			UPDATE products SET total_stock = total_stock + $2, updated_at = NOW() WHERE id = $1
		`, productID, qty)
		if err != nil {
			return fmt.Errorf("release product stock: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return domain.ErrProductNotFound
		}
		return nil
	})
}

// RecordSale увеличивает счётчик продаж.
func (s *CatalogStore) RecordSale(ctx context.Context, productID string, qty int, at time.Time) error {
	return s.execOne(ctx, `
		UPDATE products SET total_sold = total_sold + $2, last_sold_at = $3 WHERE id = $1
	`, productID, qty, at.UTC())
}

// ReverseSale уменьшает счётчик продаж, не опускаясь ниже нуля.
func (s *CatalogStore) ReverseSale(ctx context.Context, productID string, qty int) error {
	return s.execOne(ctx, `
		UPDATE products SET total_sold = GREATEST(total_sold - $2, 0) WHERE id = $1
	`, productID, qty)
}

func (s *CatalogStore) execOne(ctx context.Context, query string, args ...any) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update product sales: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrProductNotFound
	}
	return nil
}

func (s *CatalogStore) hasVariants(ctx context.Context, tx *sql.Tx, productID string) (bool, error) {
	var hasVariants bool
	err := tx.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM product_variants WHERE product_id = p.id)
		FROM products p
		WHERE p.id = $1
		FOR UPDATE
	`, productID).Scan(&hasVariants)
	if errors.Is(err, sql.ErrNoRows) {
		return false, domain.ErrProductNotFound
	}
	if err != nil {
		return false, fmt.Errorf("lock product %s: %w", productID, err)
	}
	return hasVariants, nil
}

// stockError объясняет, почему условное списание не прошло.
func (s *CatalogStore) stockError(ctx context.Context, tx *sql.Tx, productID, sku string, qty int) error {
	var available int
	var err error
	if sku != "" {
		err = tx.QueryRowContext(ctx, `SELECT stock FROM product_variants WHERE product_id = $1 AND sku = $2`, productID, sku).Scan(&available)
		if errors.Is(err, sql.ErrNoRows) {
			return domain.ErrVariantNotFound
		}
	} else {
		err = tx.QueryRowContext(ctx, `SELECT total_stock FROM products WHERE id = $1`, productID).Scan(&available)
		if errors.Is(err, sql.ErrNoRows) {
			return domain.ErrProductNotFound
		}
	}
	if err != nil {
		return fmt.Errorf("read available stock: %w", err)
	}
	return &domain.StockError{ProductID: productID, SKU: sku, Requested: qty, Available: available}
}

var (
	_ domain.CatalogStore  = (*CatalogStore)(nil)
	_ domain.CatalogWriter = (*CatalogStore)(nil)
)
