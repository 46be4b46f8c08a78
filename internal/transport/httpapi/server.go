// Package httpapi — REST-поверхность движка заказов: роутер chi, аутентификация
// по JWT, идемпотентное оформление и единый JSON-конверт ошибок.
package httpapi

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
	"github.com/vladislavdragonenkov/storefront/internal/metrics"
	"github.com/vladislavdragonenkov/storefront/internal/service/orders"
	"github.com/vladislavdragonenkov/storefront/internal/service/stats"
)

const (
	defaultRequestTimeout = 30 * time.Second
	defaultIdempotencyTTL = 24 * time.Hour
	maxBodyBytes          = 1 << 20
)

// Config — параметры HTTP-слоя.
type Config struct {
	RequestTimeout time.Duration
	IdempotencyTTL time.Duration
}

// Dependencies — сервисы, которые обслуживает роутер. Idempotency необязателен:
// без него заголовок Idempotency-Key игнорируется.
type Dependencies struct {
	Orders        *orders.Service
	Stats         *stats.Service
	Authenticator *Authenticator
	Idempotency   domain.IdempotencyRepository
}

// Server держит обработчики и общие middleware.
type Server struct {
	orders      *orders.Service
	stats       *stats.Service
	auth        *Authenticator
	idempotency domain.IdempotencyRepository

	cfg     Config
	logger  *log.Entry
	metrics *metrics.HTTPMetrics
	tracer  trace.Tracer
	now     func() time.Time
}

// Option настраивает Server.
type Option func(*Server)

// WithLogger задаёт логгер для access log и ошибок.
func WithLogger(logger *log.Entry) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics подключает HTTP-метрики.
func WithMetrics(m *metrics.HTTPMetrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithTracer задаёт tracer для серверных спанов.
func WithTracer(tracer trace.Tracer) Option {
	return func(s *Server) {
		if tracer != nil {
			s.tracer = tracer
		}
	}
}

// WithClock подменяет часы (TTL ключей идемпотентности).
func WithClock(now func() time.Time) Option {
	return func(s *Server) {
		if now != nil {
			s.now = now
		}
	}
}

// NewServer проверяет зависимости и собирает Server.
func NewServer(deps Dependencies, cfg Config, opts ...Option) (*Server, error) {
	switch {
	case deps.Orders == nil:
		return nil, errors.New("httpapi: orders service is required")
	case deps.Stats == nil:
		return nil, errors.New("httpapi: stats service is required")
	case deps.Authenticator == nil:
		return nil, errors.New("httpapi: authenticator is required")
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if cfg.IdempotencyTTL <= 0 {
		cfg.IdempotencyTTL = defaultIdempotencyTTL
	}

	s := &Server{
		orders:      deps.Orders,
		stats:       deps.Stats,
		auth:        deps.Authenticator,
		idempotency: deps.Idempotency,
		cfg:         cfg,
		logger:      log.WithField("component", "http"),
		tracer:      otel.Tracer("github.com/vladislavdragonenkov/storefront/internal/transport/httpapi"),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Routes строит роутер /api/v1.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.instrument)
	r.Use(s.recoverer)
	r.Use(middleware.Timeout(s.cfg.RequestTimeout))

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		s.writeStatus(w, r, http.StatusNotFound, domain.CodeNotFound, "route not found", nil)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		s.writeStatus(w, r, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed", nil)
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(s.authenticate)

		r.Get("/orders/track/{orderNumber}", s.trackOrder)

		r.Group(func(r chi.Router) {
			r.Use(s.requireActor)

			r.With(s.idempotent).Post("/orders", s.createOrder)
			r.Get("/orders", s.listUserOrders)
			r.Get("/orders/{id}", s.getOrder)
			r.Patch("/orders/{id}/cancel", s.cancelOrder)
			r.Post("/orders/{id}/return", s.requestReturn)

			r.Route("/admin/orders", func(r chi.Router) {
				r.Use(s.requireAdmin)

				r.Get("/", s.listAllOrders)
				r.Get("/statistics", s.statistics)
				r.Get("/analytics/revenue", s.revenueAnalytics)
				r.Patch("/bulk", s.bulkUpdate)
				r.Get("/{id}/timeline", s.timeline)
				r.Patch("/{id}/status", s.updateStatus)
				r.Patch("/{id}/return", s.updateReturnStatus)
				r.Patch("/{id}/payment", s.updatePayment)
				r.Patch("/{id}/shipping", s.updateShipping)
				r.Patch("/{id}/notes", s.addAdminNotes)
				r.Delete("/{id}", s.deleteOrder)
			})
		})
	})

	return r
}
