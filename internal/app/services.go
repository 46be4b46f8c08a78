package app

import (
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/storefront/internal/metrics"
	"github.com/vladislavdragonenkov/storefront/internal/service/inventory"
	"github.com/vladislavdragonenkov/storefront/internal/service/orders"
	"github.com/vladislavdragonenkov/storefront/internal/service/payment"
	"github.com/vladislavdragonenkov/storefront/internal/service/pricing"
	"github.com/vladislavdragonenkov/storefront/internal/service/stats"
	"github.com/vladislavdragonenkov/storefront/internal/transport/httpapi"
)

const (
	refundBreakerFailures = 5
	refundBreakerReset    = 30 * time.Second
)

// services — собранный движок заказов и HTTP API поверх него.
type services struct {
	orders *orders.Service
	stats  *stats.Service
	auth   *httpapi.Authenticator
	api    *httpapi.Server
}

// buildServices связывает хранилища, Kafka и движок. producer может быть nil.
func buildServices(cfg Config, deps *runtimeDependencies, producer *kafka.Producer, logger *log.Entry) (*services, error) {
	sagaOpts := []inventory.Option{
		inventory.WithMetrics(metrics.NewStockMetrics()),
		inventory.WithLogger(logger.WithField("component", "inventory-saga")),
	}
	if producer != nil {
		sagaOpts = append(sagaOpts, inventory.WithEventPublisher(producer, cfg.KafkaInventoryTopic))
	}

	refundLogger := logger.WithField("component", "refund-gateway")
	refunds := payment.NewResilientGateway(
		payment.NewStubGateway("stub"),
		payment.DefaultRetryConfig(),
		payment.NewCircuitBreaker(refundBreakerFailures, refundBreakerReset, refundLogger),
		refundLogger,
	)

	orderMetrics := metrics.NewOrderMetrics()
	orderSvc, err := orders.NewService(orders.Dependencies{
		Orders:    deps.repo,
		Catalog:   deps.catalog,
		Users:     deps.users,
		Inventory: inventory.NewSaga(deps.catalog, sagaOpts...),
		Pricing:   pricing.NewCalculator(nil),
		Outbox:    deps.outboxRepo,
		Timeline:  deps.timelineRepo,
		Refunds:   refunds,
	}, cfg.engineConfig(),
		orders.WithMetrics(orderMetrics),
		orders.WithLogger(logger.WithField("component", "orders")),
	)
	if err != nil {
		return nil, fmt.Errorf("build order service: %w", err)
	}

	statsSvc := stats.NewService(deps.repo,
		stats.WithMetrics(orderMetrics),
		stats.WithLogger(logger.WithField("component", "stats")),
	)

	auth, err := httpapi.NewAuthenticator(cfg.JWTSecret, cfg.JWTIssuer)
	if err != nil {
		return nil, fmt.Errorf("build authenticator: %w", err)
	}

	api, err := httpapi.NewServer(httpapi.Dependencies{
		Orders:        orderSvc,
		Stats:         statsSvc,
		Authenticator: auth,
		Idempotency:   deps.idempotencyRepo,
	}, httpapi.Config{IdempotencyTTL: cfg.IdempotencyTTL},
		httpapi.WithMetrics(metrics.NewHTTPMetrics()),
		httpapi.WithLogger(logger.WithField("component", "http")),
	)
	if err != nil {
		return nil, fmt.Errorf("build http api: %w", err)
	}

	return &services{orders: orderSvc, stats: statsSvc, auth: auth, api: api}, nil
}
