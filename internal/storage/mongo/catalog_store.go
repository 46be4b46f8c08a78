// Package mongo хранит каталог товаров в MongoDB: варианты лежат внутри документа товара.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

const (
	productsCollection = "products"
	connectTimeout     = 10 * time.Second
	opTimeout          = 5 * time.Second
)

type variantDoc struct {
	Size  string                `bson:"size,omitempty"`
	Color string                `bson:"color,omitempty"`
	SKU   string                `bson:"sku"`
	Stock int                   `bson:"stock"`
	Price *primitive.Decimal128 `bson:"price,omitempty"`
}

type productDoc struct {
	ID         string               `bson:"_id"`
	Name       string               `bson:"name"`
	Images     []string             `bson:"images,omitempty"`
	MRP        primitive.Decimal128 `bson:"mrp"`
	Selling    primitive.Decimal128 `bson:"selling"`
	Discount   primitive.Decimal128 `bson:"discount"`
	IsActive   bool                 `bson:"isActive"`
	Status     string               `bson:"status"`
	Variants   []variantDoc         `bson:"variants"`
	TotalStock int                  `bson:"totalStock"`
	TotalSold  int                  `bson:"totalSold"`
	LastSoldAt *time.Time           `bson:"lastSoldAt,omitempty"`
	UpdatedAt  time.Time            `bson:"updatedAt"`
}

// CatalogStore — каталог в MongoDB. Условное списание остатка — один UpdateOne
// с фильтром $elemMatch и $inc по variants.$.stock и totalStock.
type CatalogStore struct {
	client   *mongo.Client
	products *mongo.Collection
	logger   *log.Entry
}

// Connect подключается к MongoDB и проверяет доступность сервера.
func Connect(ctx context.Context, uri, database string) (*CatalogStore, error) {
	connectCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	client, err := mongo.Connect(connectCtx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	if err := client.Ping(connectCtx, nil); err != nil {
		_ = client.Disconnect(context.WithoutCancel(ctx))
		return nil, fmt.Errorf("ping mongo: %w", err)
	}

	return &CatalogStore{
		client:   client,
		products: client.Database(database).Collection(productsCollection),
		logger:   log.WithField("component", "mongo-catalog"),
	}, nil
}

// Ping проверяет соединение; используется readiness-проверкой.
func (s *CatalogStore) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	return s.client.Ping(ctx, nil)
}

// Close отключается от сервера.
func (s *CatalogStore) Close(ctx context.Context) error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Disconnect(ctx)
}

// UpsertProduct создаёт или заменяет документ товара.
func (s *CatalogStore) UpsertProduct(ctx context.Context, p domain.Product) error {
	if p.ID == "" {
		return domain.NewValidationError("id", "product id is required")
	}
	if !p.StockConsistent() {
		return domain.NewValidationError("totalStock", "must equal the sum of variant stock")
	}
	doc, err := toDoc(p)
	if err != nil {
		return err
	}
	doc.UpdatedAt = time.Now().UTC()

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	_, err = s.products.ReplaceOne(ctx, bson.M{"_id": p.ID}, doc, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("upsert product %s: %w", p.ID, err)
	}
	return nil
}

// GetProduct возвращает товар или ErrProductNotFound.
func (s *CatalogStore) GetProduct(ctx context.Context, id string) (domain.Product, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var doc productDoc
	err := s.products.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return domain.Product{}, domain.ErrProductNotFound
	}
	if err != nil {
		return domain.Product{}, fmt.Errorf("find product %s: %w", id, err)
	}
	return fromDoc(doc)
}

// ReserveStock списывает qty одним атомарным обновлением документа.
func (s *CatalogStore) ReserveStock(ctx context.Context, productID, sku string, qty int) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	filter := bson.M{"_id": productID, "totalStock": bson.M{"$gte": qty}}
	update := bson.M{"$inc": bson.M{"totalStock": -qty}, "$currentDate": bson.M{"updatedAt": true}}
	if sku != "" {
		filter["variants"] = bson.M{"$elemMatch": bson.M{"sku": sku, "stock": bson.M{"$gte": qty}}}
		update["$inc"] = bson.M{"totalStock": -qty, "variants.$.stock": -qty}
	} else {
		filter["variants.0"] = bson.M{"$exists": false}
	}

	res, err := s.products.UpdateOne(ctx, filter, update)
	if err != nil {
		return fmt.Errorf("reserve stock %s/%s: %w", productID, sku, err)
	}
	if res.MatchedCount == 1 {
		return nil
	}
	s.logger.WithFields(log.Fields{"product_id": productID, "sku": sku, "qty": qty}).Debug("conditional stock decrement did not match")
	return s.explainMiss(ctx, productID, sku, qty)
}

// explainMiss читает документ и объясняет, почему фильтр резервирования не совпал.
func (s *CatalogStore) explainMiss(ctx context.Context, productID, sku string, qty int) error {
	p, err := s.GetProduct(ctx, productID)
	if err != nil {
		return err
	}
	if sku == "" {
		if p.HasVariants() {
			return domain.NewValidationError("variant.sku", "product has variants, sku is required")
		}
		return &domain.StockError{ProductID: productID, Requested: qty, Available: p.TotalStock}
	}
	v, ok := p.FindVariant(sku)
	if !ok {
		return domain.ErrVariantNotFound
	}
	return &domain.StockError{ProductID: productID, SKU: sku, Requested: qty, Available: v.Stock}
}

// ReleaseStock возвращает qty на вариант и в totalStock.
func (s *CatalogStore) ReleaseStock(ctx context.Context, productID, sku string, qty int) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	filter := bson.M{"_id": productID}
	inc := bson.M{"totalStock": qty}
	if sku != "" {
		filter["variants.sku"] = sku
		inc["variants.$.stock"] = qty
	}

	res, err := s.products.UpdateOne(ctx, filter, bson.M{"$inc": inc, "$currentDate": bson.M{"updatedAt": true}})
	if err != nil {
		return fmt.Errorf("release stock %s/%s: %w", productID, sku, err)
	}
	if res.MatchedCount == 0 {
		if _, err := s.GetProduct(ctx, productID); err != nil {
			return err
		}
		return domain.ErrVariantNotFound
	}
	return nil
}

// RecordSale увеличивает счётчик продаж.
func (s *CatalogStore) RecordSale(ctx context.Context, productID string, qty int, at time.Time) error {
	return s.updateOne(ctx, productID, bson.M{
		"$inc": bson.M{"totalSold": qty},
		"$set": bson.M{"lastSoldAt": at.UTC()},
	})
}

// ReverseSale уменьшает счётчик продаж, не опускаясь ниже нуля.
func (s *CatalogStore) ReverseSale(ctx context.Context, productID string, qty int) error {
	return s.updateOne(ctx, productID, mongo.Pipeline{
		{{Key: "$set", Value: bson.M{
			"totalSold": bson.M{"$max": bson.A{0, bson.M{"$subtract": bson.A{"$totalSold", qty}}}},
		}}},
	})
}

func (s *CatalogStore) updateOne(ctx context.Context, productID string, update any) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	res, err := s.products.UpdateOne(ctx, bson.M{"_id": productID}, update)
	if err != nil {
		return fmt.Errorf("update sales of %s: %w", productID, err)
	}
	if res.MatchedCount == 0 {
		return domain.ErrProductNotFound
	}
	return nil
}

func toDoc(p domain.Product) (productDoc, error) {
	doc := productDoc{
		ID:         p.ID,
		Name:       p.Name,
		Images:     p.Images,
		IsActive:   p.IsActive,
		Status:     string(p.Status),
		Variants:   make([]variantDoc, 0, len(p.Variants)),
		TotalStock: p.TotalStock,
		TotalSold:  p.Sales.TotalSold,
		LastSoldAt: p.Sales.LastSoldAt,
	}
	var err error
	if doc.MRP, err = toDecimal128(p.Price.MRP); err != nil {
		return productDoc{}, err
	}
	if doc.Selling, err = toDecimal128(p.Price.Selling); err != nil {
		return productDoc{}, err
	}
	if doc.Discount, err = toDecimal128(p.Price.Discount); err != nil {
		return productDoc{}, err
	}
	for _, v := range p.Variants {
		vd := variantDoc{Size: v.Size, Color: v.Color, SKU: v.SKU, Stock: v.Stock}
		if v.Price.Valid {
			price, err := toDecimal128(v.Price.Decimal)
			if err != nil {
				return productDoc{}, err
			}
			vd.Price = &price
		}
		doc.Variants = append(doc.Variants, vd)
	}
	return doc, nil
}

func fromDoc(doc productDoc) (domain.Product, error) {
	p := domain.Product{
		ID:         doc.ID,
		Name:       doc.Name,
		Images:     doc.Images,
		IsActive:   doc.IsActive,
		Status:     domain.ProductStatus(doc.Status),
		TotalStock: doc.TotalStock,
		Sales:      domain.Sales{TotalSold: doc.TotalSold},
		UpdatedAt:  doc.UpdatedAt.UTC(),
	}
	if doc.LastSoldAt != nil {
		at := doc.LastSoldAt.UTC()
		p.Sales.LastSoldAt = &at
	}
	var err error
	if p.Price.MRP, err = fromDecimal128(doc.MRP); err != nil {
		return domain.Product{}, err
	}
	if p.Price.Selling, err = fromDecimal128(doc.Selling); err != nil {
		return domain.Product{}, err
	}
	if p.Price.Discount, err = fromDecimal128(doc.Discount); err != nil {
		return domain.Product{}, err
	}
	for _, vd := range doc.Variants {
		v := domain.Variant{Size: vd.Size, Color: vd.Color, SKU: vd.SKU, Stock: vd.Stock}
		if vd.Price != nil {
			price, err := fromDecimal128(*vd.Price)
			if err != nil {
				return domain.Product{}, err
			}
			v.Price = decimal.NewNullDecimal(price)
		}
		p.Variants = append(p.Variants, v)
	}
	return p, nil
}

func toDecimal128(d decimal.Decimal) (primitive.Decimal128, error) {
	out, err := primitive.ParseDecimal128(d.String())
	if err != nil {
		return primitive.Decimal128{}, fmt.Errorf("encode decimal %s: %w", d, err)
	}
	return out, nil
}

func fromDecimal128(d primitive.Decimal128) (decimal.Decimal, error) {
	out, err := decimal.NewFromString(d.String())
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("decode decimal %s: %w", d, err)
	}
	return out, nil
}

var (
	_ domain.CatalogStore  = (*CatalogStore)(nil)
	_ domain.CatalogWriter = (*CatalogStore)(nil)
)
