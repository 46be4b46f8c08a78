package kafka

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/IBM/sarama"
	log "github.com/sirupsen/logrus"
)

const (
	defaultConsumerRetries    = 3
	defaultConsumerRetryDelay = 100 * time.Millisecond
)

// MessageHandler обрабатывает одно сообщение. Ошибка означает повтор, а после
// исчерпания попыток уход в DLQ.
type MessageHandler func(ctx context.Context, message *sarama.ConsumerMessage) error

// ConsumerOption настраивает Consumer.
type ConsumerOption func(*consumerSettings)

type consumerSettings struct {
	dlqProducer *Producer
	dlqTopic    string
	maxRetries  int
	retryDelay  time.Duration
	fromOldest  bool
}

// WithDLQ включает перенос необработанных сообщений в topic (по умолчанию TopicDeadLetterQueue).
func WithDLQ(producer *Producer, topic string) ConsumerOption {
	return func(s *consumerSettings) {
		s.dlqProducer = producer
		if topic != "" {
			s.dlqTopic = topic
		}
	}
}

// WithMaxRetries задаёт общий бюджет попыток с учётом заголовка x-retry-count.
func WithMaxRetries(n int) ConsumerOption {
	return func(s *consumerSettings) {
		if n > 0 {
			s.maxRetries = n
		}
	}
}

// WithRetryDelay задаёт паузу между повторами внутри процесса.
func WithRetryDelay(delay time.Duration) ConsumerOption {
	return func(s *consumerSettings) {
		if delay >= 0 {
			s.retryDelay = delay
		}
	}
}

// FromOldest начинает чтение новой группы с самого раннего offset.
func FromOldest() ConsumerOption {
	return func(s *consumerSettings) { s.fromOldest = true }
}

// Consumer читает топики через consumer group и коммитит offset только
// после успешной обработки или переноса в DLQ.
type Consumer struct {
	consumer    sarama.ConsumerGroup
	topics      []string
	handler     MessageHandler
	logger      *log.Entry
	wg          sync.WaitGroup
	dlqProducer *Producer
	dlqTopic    string
	maxRetries  int
	retryDelay  time.Duration
}

// NewConsumer подключается к группе groupID.
func NewConsumer(brokers []string, groupID string, topics []string, handler MessageHandler, opts ...ConsumerOption) (*Consumer, error) {
	settings := consumerSettings{
		dlqTopic:   TopicDeadLetterQueue,
		maxRetries: defaultConsumerRetries,
		retryDelay: defaultConsumerRetryDelay,
	}
	for _, opt := range opts {
		opt(&settings)
	}

	group, err := sarama.NewConsumerGroup(brokers, groupID, newConsumerConfig(settings))
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka consumer: %w", err)
	}

	return &Consumer{
		consumer:    group,
		topics:      topics,
		handler:     handler,
		logger:      log.WithFields(log.Fields{"component": "kafka-consumer", "group": groupID}),
		dlqProducer: settings.dlqProducer,
		dlqTopic:    settings.dlqTopic,
		maxRetries:  settings.maxRetries,
		retryDelay:  settings.retryDelay,
	}, nil
}

func newConsumerConfig(settings consumerSettings) *sarama.Config {
	config := sarama.NewConfig()
	config.ClientID = clientID
	config.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	config.Consumer.Offsets.Initial = sarama.OffsetNewest
	if settings.fromOldest {
		config.Consumer.Offsets.Initial = sarama.OffsetOldest
	}
	config.Consumer.Return.Errors = true
	return config
}

// Start запускает чтение в фоне; остановка через отмену ctx и Stop.
func (c *Consumer) Start(ctx context.Context) error {
	c.wg.Add(2)
	go func() {
		defer c.wg.Done()
		for {
			// Consume возвращается при каждом rebalance.
			if err := c.consumer.Consume(ctx, c.topics, c); err != nil {
				c.logger.WithError(err).Error("consume session failed")
			}
			if ctx.Err() != nil {
				return
			}
		}
	}()
	go func() {
		defer c.wg.Done()
		for err := range c.consumer.Errors() {
			c.logger.WithError(err).Error("consumer group error")
		}
	}()

	c.logger.WithField("topics", c.topics).Info("kafka consumer started")
	return nil
}

// Stop закрывает группу и ждёт фоновые горутины.
func (c *Consumer) Stop() error {
	if err := c.consumer.Close(); err != nil {
		return fmt.Errorf("failed to close kafka consumer: %w", err)
	}
	c.wg.Wait()
	c.logger.Info("kafka consumer stopped")
	return nil
}

func (c *Consumer) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (c *Consumer) Cleanup(sarama.ConsumerGroupSession) error { return nil }

// ConsumeClaim обрабатывает partition до закрытия claim или конца сессии.
// Сообщение без успеха и без DLQ не маркируется и будет перечитано.
func (c *Consumer) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case message, ok := <-claim.Messages():
			if !ok || message == nil {
				return nil
			}
			fields := log.Fields{
				"topic":     message.Topic,
				"partition": message.Partition,
				"offset":    message.Offset,
			}
			if err := c.handleMessageWithRetry(session.Context(), message); err != nil {
				c.logger.WithError(err).WithFields(fields).Error("message left unacknowledged")
				continue
			}
			session.MarkMessage(message, "")

		case <-session.Context().Done():
			return nil
		}
	}
}

// handleMessageWithRetry тратит остаток бюджета maxRetries минус x-retry-count
// (не меньше одной попытки), затем отправляет сообщение в DLQ.
func (c *Consumer) handleMessageWithRetry(ctx context.Context, message *sarama.ConsumerMessage) error {
	already := c.getRetryCount(message)
	budget := c.maxRetries - already
	if budget < 1 {
		budget = 1
	}

	var err error
	for attempt := 1; attempt <= budget; attempt++ {
		if err = c.handler(ctx, message); err == nil {
			return nil
		}
		if attempt == budget {
			break
		}
		c.logger.WithError(err).WithFields(log.Fields{
			"topic":       message.Topic,
			"offset":      message.Offset,
			"retry_count": already + attempt,
			"max_retries": c.maxRetries,
		}).Warn("message handling failed, retrying")

		if c.retryDelay > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.retryDelay):
			}
		}
	}

	if c.dlqProducer == nil {
		return err
	}
	if dlqErr := c.sendToDLQ(message, err); dlqErr != nil {
		return fmt.Errorf("failed to send to DLQ: %w", dlqErr)
	}
	c.logger.WithFields(log.Fields{
		"topic":       message.Topic,
		"offset":      message.Offset,
		"retry_count": already + budget,
	}).Warn("message moved to DLQ")
	return nil
}

func (c *Consumer) getRetryCount(message *sarama.ConsumerMessage) int {
	for _, header := range message.Headers {
		if header == nil || string(header.Key) != HeaderRetryCount {
			continue
		}
		if count, err := strconv.Atoi(string(header.Value)); err == nil {
			return count
		}
	}
	return 0
}

// sendToDLQ упаковывает исходное сообщение в ConsumerFailure; формат читает events-replay.
func (c *Consumer) sendToDLQ(message *sarama.ConsumerMessage, processingErr error) error {
	topic := c.dlqTopic
	if topic == "" {
		topic = TopicDeadLetterQueue
	}
	return c.dlqProducer.PublishEvent(topic, string(message.Key), ConsumerFailure{
		OriginalTopic:     message.Topic,
		OriginalPartition: message.Partition,
		OriginalOffset:    message.Offset,
		OriginalKey:       string(message.Key),
		OriginalValue:     string(message.Value),
		ErrorMessage:      processingErr.Error(),
		FailedAt:          time.Now().UTC().Format(time.RFC3339),
		RetryCount:        c.getRetryCount(message),
	})
}
