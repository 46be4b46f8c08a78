package payment

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

// ErrCircuitOpen — шлюз временно отключён после серии сбоев.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// RetryConfig конфигурация для retry логики.
type RetryConfig struct {
	MaxAttempts   int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
}

// DefaultRetryConfig возвращает конфигурацию по умолчанию.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:   3,
		InitialDelay:  100 * time.Millisecond,
		MaxDelay:      5 * time.Second,
		BackoffFactor: 2.0,
	}
}

// CircuitState — состояние circuit breaker.
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

// CircuitBreaker простая реализация circuit breaker паттерна.
type CircuitBreaker struct {
	maxFailures  int
	resetTimeout time.Duration
	now          func() time.Time

	mu          sync.Mutex
	failures    int
	lastFailure time.Time
	state       CircuitState
	logger      *log.Entry
}

// NewCircuitBreaker создаёт новый circuit breaker.
func NewCircuitBreaker(maxFailures int, resetTimeout time.Duration, logger *log.Entry) *CircuitBreaker {
	if logger == nil {
		logger = log.WithField("component", "circuit-breaker")
	}
	if maxFailures <= 0 {
		maxFailures = 1
	}
	return &CircuitBreaker{
		maxFailures:  maxFailures,
		resetTimeout: resetTimeout,
		now:          time.Now,
		state:        CircuitClosed,
		logger:       logger,
	}
}

// State возвращает текущее состояние.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Execute выполняет операцию через circuit breaker.
func (cb *CircuitBreaker) Execute(operation string, fn func() error) error {
	cb.mu.Lock()
	if cb.state == CircuitOpen {
		if cb.now().Sub(cb.lastFailure) <= cb.resetTimeout {
			cb.mu.Unlock()
			return ErrCircuitOpen
		}
		cb.state = CircuitHalfOpen
		cb.logger.WithField("operation", operation).Info("Circuit breaker half-open")
	}
	cb.mu.Unlock()

	err := fn()

	cb.mu.Lock()
	defer cb.mu.Unlock()

	// ошибки валидации не говорят о здоровье шлюза
	if err != nil && !errors.Is(err, domain.ErrValidation) {
		cb.failures++
		cb.lastFailure = cb.now()

		if cb.state == CircuitHalfOpen || cb.failures >= cb.maxFailures {
			cb.state = CircuitOpen
			cb.logger.WithFields(log.Fields{
				"operation": operation,
				"failures":  cb.failures,
			}).Warn("Circuit breaker opened")
		}
		return err
	}

	if cb.state == CircuitHalfOpen {
		cb.state = CircuitClosed
		cb.logger.WithField("operation", operation).Info("Circuit breaker closed")
	}
	cb.failures = 0
	return err
}

// ResilientGateway оборачивает RefundGateway повторами и circuit breaker.
type ResilientGateway struct {
	gateway domain.RefundGateway
	breaker *CircuitBreaker
	config  RetryConfig
	logger  *log.Entry
}

// NewResilientGateway создаёт обёртку. nil breaker заменяется breaker'ом на 5 сбоев / 30 секунд.
func NewResilientGateway(gateway domain.RefundGateway, config RetryConfig, breaker *CircuitBreaker, logger *log.Entry) *ResilientGateway {
	if logger == nil {
		logger = log.WithField("component", "refund-gateway")
	}
	if breaker == nil {
		breaker = NewCircuitBreaker(5, 30*time.Second, logger)
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 1
	}
	if config.BackoffFactor < 1 {
		config.BackoffFactor = 1
	}
	return &ResilientGateway{gateway: gateway, breaker: breaker, config: config, logger: logger}
}

// Refund вызывает шлюз с повторами. Итоговая ошибка оборачивает domain.ErrRefundFailed.
func (g *ResilientGateway) Refund(ctx context.Context, orderID string, amount decimal.Decimal) (domain.RefundReceipt, error) {
	var (
		receipt domain.RefundReceipt
		lastErr error
	)
	delay := g.config.InitialDelay

	for attempt := 1; attempt <= g.config.MaxAttempts; attempt++ {
		lastErr = g.breaker.Execute("Refund", func() error {
			var err error
			receipt, err = g.gateway.Refund(ctx, orderID, amount)
			return err
		})
		if lastErr == nil {
			if attempt > 1 {
				g.logger.WithFields(log.Fields{
					"order_id": orderID,
					"attempt":  attempt,
				}).Info("Refund succeeded after retry")
			}
			return receipt, nil
		}

		if !shouldRetry(lastErr) {
			break
		}

		if attempt < g.config.MaxAttempts {
			g.logger.WithFields(log.Fields{
				"order_id": orderID,
				"attempt":  attempt,
				"delay":    delay,
				"error":    lastErr,
			}).Warn("Refund failed, retrying")

			select {
			case <-ctx.Done():
				return domain.RefundReceipt{}, fmt.Errorf("%w: %w", domain.ErrRefundFailed, ctx.Err())
			case <-time.After(delay):
			}

			delay = time.Duration(float64(delay) * g.config.BackoffFactor)
			if g.config.MaxDelay > 0 && delay > g.config.MaxDelay {
				delay = g.config.MaxDelay
			}
		}
	}

	if errors.Is(lastErr, domain.ErrValidation) {
		return domain.RefundReceipt{}, lastErr
	}
	g.logger.WithFields(log.Fields{
		"order_id":     orderID,
		"max_attempts": g.config.MaxAttempts,
		"error":        lastErr,
	}).Error("Refund failed after all retry attempts")
	return domain.RefundReceipt{}, fmt.Errorf("%w: %w", domain.ErrRefundFailed, lastErr)
}

// shouldRetry определяет, стоит ли повторять операцию при данной ошибке.
func shouldRetry(err error) bool {
	switch {
	case errors.Is(err, domain.ErrValidation),
		errors.Is(err, ErrCircuitOpen),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return false
	default:
		return true
	}
}

var _ domain.RefundGateway = (*ResilientGateway)(nil)
