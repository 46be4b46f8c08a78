package app

import (
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront/internal/messaging/kafka"
)

// eventBus — подключение к Kafka и паблишеры поверх одного producer.
// Нулевое значение означает работу без Kafka: события копятся в outbox.
type eventBus struct {
	producer *kafka.Producer
	orders   *kafka.OutboxPublisher
	dlq      *kafka.OutboxPublisher
}

func parseBrokers(raw string) []string {
	var brokers []string
	for _, b := range strings.Split(raw, ",") {
		if b = strings.TrimSpace(b); b != "" {
			brokers = append(brokers, b)
		}
	}
	return brokers
}

// connectEventBus подключается к брокерам из cfg. Ошибка подключения не фатальна:
// вызывающий получает пустой eventBus и ошибку для лога.
func connectEventBus(cfg Config, logger *log.Entry) (*eventBus, error) {
	brokers := parseBrokers(cfg.KafkaBrokers)
	if len(brokers) == 0 {
		return &eventBus{}, nil
	}

	producer, err := kafka.NewProducer(brokers)
	if err != nil {
		logger.WithError(err).WithField("brokers", brokers).Warn("kafka is unavailable, outbox events stay pending")
		return &eventBus{}, err
	}

	logger.WithFields(log.Fields{
		"brokers":     brokers,
		"order_topic": cfg.KafkaOrderTopic,
		"dlq_topic":   cfg.KafkaDLQTopic,
	}).Info("kafka producer initialized")
	return newEventBus(producer, cfg), nil
}

func newEventBus(producer *kafka.Producer, cfg Config) *eventBus {
	return &eventBus{
		producer: producer,
		orders:   kafka.NewOutboxPublisher(producer, cfg.KafkaOrderTopic),
		dlq:      kafka.NewOutboxPublisher(producer, cfg.KafkaDLQTopic),
	}
}

func (b *eventBus) enabled() bool {
	return b != nil && b.producer != nil
}

func (b *eventBus) close(logger *log.Entry) {
	if !b.enabled() {
		return
	}
	if err := b.producer.Close(); err != nil {
		logger.WithError(err).Warn("failed to close kafka producer")
		return
	}
	logger.Info("kafka producer closed")
}
