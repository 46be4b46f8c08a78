package main

import (
	"context"
	"sync"

	"github.com/IBM/sarama"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront/internal/messaging/kafka"
)

// follower — consumer group, читающий DLQ до остановки.
type follower interface {
	Start(ctx context.Context) error
	Stop() error
}

var newFollowProducer = func(cfg config) (*kafka.Producer, error) {
	return kafka.NewProducer(cfg.brokers)
}

var newFollower = func(cfg config, handler kafka.MessageHandler) (follower, error) {
	return kafka.NewConsumer(cfg.brokers, cfg.group, []string{cfg.sourceTopic}, handler,
		kafka.WithMaxRetries(followMaxRetries),
		kafka.WithRetryDelay(cfg.idleTimeout),
		kafka.FromOldest(),
	)
}

// runFollow переиздаёт каждое новое сообщение DLQ, пока не отменён ctx.
// Offset коммитится только после успешной публикации.
func runFollow(ctx context.Context, cfg config) error {
	producer, err := newFollowProducer(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = producer.Close() }()

	var (
		mu      sync.Mutex
		summary replaySummary
	)
	deps := replayDeps{producer: producer}
	handler := func(_ context.Context, msg *sarama.ConsumerMessage) error {
		mu.Lock()
		defer mu.Unlock()
		summary.processed++
		return handleMessage(cfg, deps, msg, &summary)
	}

	consumer, err := newFollower(cfg, handler)
	if err != nil {
		return err
	}
	if err := consumer.Start(ctx); err != nil {
		return err
	}

	<-ctx.Done()
	if err := consumer.Stop(); err != nil {
		return err
	}

	mu.Lock()
	defer mu.Unlock()
	log.WithFields(log.Fields{
		"group":     cfg.group,
		"processed": summary.processed,
		"replayed":  summary.replayed,
		"filtered":  summary.filtered,
		"skipped":   summary.skipped,
	}).Info("events replay follower stopped")
	return nil
}
