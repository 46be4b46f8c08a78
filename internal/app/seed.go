package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
	"github.com/vladislavdragonenkov/storefront/internal/transport/httpapi"
)

const demoTokenTTL = 24 * time.Hour

func demoProducts() []domain.Product {
	return []domain.Product{
		{
			ID:       "demo-shirt",
			Name:     "Linen shirt",
			Images:   []string{"https://cdn.example.com/demo/shirt.jpg"},
			IsActive: true,
			Status:   domain.ProductStatusActive,
			Price: domain.ProductPrice{
				MRP:      decimal.NewFromInt(1499),
				Selling:  decimal.NewFromInt(999),
				Discount: decimal.NewFromInt(500),
			},
			Variants: []domain.Variant{
				{Size: "M", Color: "White", SKU: "SHIRT-M-WHT", Stock: 25},
				{Size: "L", Color: "White", SKU: "SHIRT-L-WHT", Stock: 25},
				{Size: "L", Color: "Blue", SKU: "SHIRT-L-BLU", Stock: 10},
			},
			TotalStock: 60,
		},
		{
			ID:       "demo-mug",
			Name:     "Ceramic mug",
			IsActive: true,
			Status:   domain.ProductStatusActive,
			Price: domain.ProductPrice{
				MRP:     decimal.NewFromInt(349),
				Selling: decimal.NewFromInt(299),
			},
			TotalStock: 100,
		},
	}
}

func demoUsers() []domain.User {
	return []domain.User{
		{ID: "demo-customer", Name: "Demo Customer", Email: "customer@example.com", Mobile: "9876543210", Role: domain.RoleUser},
		{ID: "demo-admin", Name: "Demo Admin", Email: "admin@example.com", Role: domain.RoleAdmin},
		{ID: "demo-owner", Name: "Demo Owner", Email: "owner@example.com", Role: domain.RoleSuperAdmin},
	}
}

// seedDemo наполняет каталог и пользователей демо-данными. Уже существующие пользователи не считаются ошибкой.
func seedDemo(ctx context.Context, catalog domain.CatalogWriter, users domain.IdentityWriter, now time.Time) ([]domain.User, error) {
	for _, p := range demoProducts() {
		p.UpdatedAt = now
		if err := catalog.UpsertProduct(ctx, p); err != nil {
			return nil, fmt.Errorf("seed product %s: %w", p.ID, err)
		}
	}

	seeded := make([]domain.User, 0, len(demoUsers()))
	for _, u := range demoUsers() {
		u.CreatedAt = now
		err := users.CreateUser(ctx, u)
		switch {
		case err == nil, errors.Is(err, domain.ErrUserAlreadyExists):
			seeded = append(seeded, u)
		case errors.Is(err, domain.ErrSuperAdminExists):
			// в хранилище уже есть другой super_admin
		default:
			return nil, fmt.Errorf("seed user %s: %w", u.ID, err)
		}
	}
	return seeded, nil
}

// logDemoTokens выписывает токены демо-пользователям, чтобы по API можно было пройтись руками.
func logDemoTokens(auth *httpapi.Authenticator, users []domain.User, logger *log.Entry) {
	for _, u := range users {
		token, err := auth.Issue(domain.Actor{UserID: u.ID, Name: u.Name, Role: u.Role}, demoTokenTTL)
		if err != nil {
			logger.WithError(err).WithField("user_id", u.ID).Warn("failed to issue demo token")
			continue
		}
		logger.WithFields(log.Fields{
			"user_id": u.ID,
			"role":    u.Role,
			"token":   token,
		}).Info("demo token")
	}
}
