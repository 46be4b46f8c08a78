// Package idempotency удаляет просроченные ключи идемпотентного оформления заказа.
package idempotency

import (
	"context"
	"errors"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront/internal/metrics"
)

const (
	defaultCleanupInterval  = 10 * time.Minute
	defaultCleanupBatchSize = 500
)

// Expirer — часть хранилища ключей, которая нужна воркеру.
// domain.IdempotencyRepository ей удовлетворяет.
type Expirer interface {
	DeleteExpired(ctx context.Context, before time.Time, limit int) (int, error)
}

// Option настраивает CleanupWorker.
type Option func(*CleanupWorker)

// WithLogger задаёт logger.
func WithLogger(logger *log.Entry) Option {
	return func(w *CleanupWorker) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// WithMetrics подключает метрики.
func WithMetrics(m *metrics.CleanupMetrics) Option {
	return func(w *CleanupWorker) { w.metrics = m }
}

// WithClock подменяет источник времени.
func WithClock(now func() time.Time) Option {
	return func(w *CleanupWorker) {
		if now != nil {
			w.now = now
		}
	}
}

// CleanupWorker периодически удаляет ключи с истёкшим ttl.
type CleanupWorker struct {
	repo      Expirer
	interval  time.Duration
	batchSize int
	metrics   *metrics.CleanupMetrics
	logger    *log.Entry
	now       func() time.Time
}

// NewCleanupWorker создаёт воркер. Нулевые interval и batchSize заменяются значениями по умолчанию.
func NewCleanupWorker(repo Expirer, interval time.Duration, batchSize int, opts ...Option) *CleanupWorker {
	if interval <= 0 {
		interval = defaultCleanupInterval
	}
	if batchSize <= 0 {
		batchSize = defaultCleanupBatchSize
	}
	w := &CleanupWorker{
		repo:      repo,
		interval:  interval,
		batchSize: batchSize,
		logger:    log.WithField("component", "idempotency-cleanup"),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run чистит ключи сразу и затем раз в interval до отмены ctx.
func (w *CleanupWorker) Run(ctx context.Context) {
	if w.repo == nil {
		w.logger.Warn("idempotency cleanup is disabled: repo is nil")
		return
	}

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		w.runOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (w *CleanupWorker) runOnce(ctx context.Context) {
	deleted, err := w.DeleteExpired(ctx, w.now().UTC())
	switch {
	case errors.Is(err, context.Canceled):
		return
	case err != nil:
		w.metrics.RecordRun("error", deleted)
		w.logger.WithError(err).WithField("deleted", deleted).Warn("idempotency cleanup run failed")
	default:
		w.metrics.RecordRun("ok", deleted)
		if deleted > 0 {
			w.logger.WithField("deleted", deleted).Info("expired idempotency keys removed")
		}
	}
}

// DeleteExpired удаляет записи с ttl <= before порциями по batchSize, пока порция полная.
func (w *CleanupWorker) DeleteExpired(ctx context.Context, before time.Time) (int, error) {
	if before.IsZero() {
		before = w.now().UTC()
	}

	total := 0
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		deleted, err := w.repo.DeleteExpired(ctx, before, w.batchSize)
		if err != nil {
			return total, err
		}
		total += deleted
		w.metrics.AddDeleted(deleted)
		if deleted < w.batchSize {
			return total, nil
		}
	}
}
