package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// ProductStatus — статус публикации товара в каталоге.
type ProductStatus string

const (
	ProductStatusActive   ProductStatus = "active"
	ProductStatusDraft    ProductStatus = "draft"
	ProductStatusInactive ProductStatus = "inactive"
)

type ProductPrice struct {
	MRP      decimal.Decimal `json:"mrp"`
	Selling  decimal.Decimal `json:"selling"`
	Discount decimal.Decimal `json:"discount"`
}

// Variant — конкретная комбинация размера и цвета со своим остатком.
type Variant struct {
	Size  string              `json:"size,omitempty"`
	Color string              `json:"color,omitempty"`
	SKU   string              `json:"sku"`
	Stock int                 `json:"stock"`
	Price decimal.NullDecimal `json:"price"`
}

type Sales struct {
	TotalSold  int        `json:"totalSold"`
	LastSoldAt *time.Time `json:"lastSoldAt,omitempty"`
}

// Product — товар каталога с вложенными вариантами.
type Product struct {
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	Images     []string      `json:"images,omitempty"`
	Price      ProductPrice  `json:"price"`
	IsActive   bool          `json:"isActive"`
	Status     ProductStatus `json:"status"`
	Variants   []Variant     `json:"variants,omitempty"`
	TotalStock int           `json:"totalStock"`
	Sales      Sales         `json:"sales"`
	UpdatedAt  time.Time     `json:"updatedAt"`
}

// Available сообщает, можно ли заказывать товар.
func (p Product) Available() bool {
	return p.IsActive && p.Status == ProductStatusActive
}

// HasVariants сообщает, ведётся ли остаток по вариантам.
func (p Product) HasVariants() bool {
	return len(p.Variants) > 0
}

// FindVariant ищет вариант по SKU.
func (p Product) FindVariant(sku string) (Variant, bool) {
	for _, v := range p.Variants {
		if v.SKU == sku {
			return v, true
		}
	}
	return Variant{}, false
}

// UnitPrice возвращает цену варианта, если она задана, иначе цену товара.
func (p Product) UnitPrice(v *Variant) decimal.Decimal {
	if v != nil && v.Price.Valid {
		return v.Price.Decimal
	}
	return p.Price.Selling
}

// PrimaryImage возвращает первое изображение товара.
func (p Product) PrimaryImage() string {
	if len(p.Images) == 0 {
		return ""
	}
	return p.Images[0]
}

// VariantStockSum считает сумму остатков по вариантам.
func (p Product) VariantStockSum() int {
	sum := 0
	for _, v := range p.Variants {
		sum += v.Stock
	}
	return sum
}

// StockConsistent проверяет totalStock == Σ variant.stock для товаров с вариантами.
func (p Product) StockConsistent() bool {
	if !p.HasVariants() {
		return p.TotalStock >= 0
	}
	return p.TotalStock == p.VariantStockSum()
}

// Clone возвращает глубокую копию товара.
func (p Product) Clone() Product {
	out := p
	out.Images = append([]string(nil), p.Images...)
	out.Variants = append([]Variant(nil), p.Variants...)
	if p.Sales.LastSoldAt != nil {
		at := *p.Sales.LastSoldAt
		out.Sales.LastSoldAt = &at
	}
	return out
}
