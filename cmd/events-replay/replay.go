package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/IBM/sarama"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront/internal/messaging/kafka"
)

var errEmptyOriginal = errors.New("consumer dlq message has no original value")

type replaySummary struct {
	processed int
	replayed  int
	filtered  int
	skipped   int
}

func (s *replaySummary) add(other replaySummary) {
	s.processed += other.processed
	s.replayed += other.replayed
	s.filtered += other.filtered
	s.skipped += other.skipped
}

// candidate — сообщение, готовое к повторной публикации.
type candidate struct {
	topic     string
	key       string
	value     []byte
	eventType string
	orderRef  string
}

func runReplay(ctx context.Context, cfg config, deps replayDeps) (replaySummary, error) {
	var summary replaySummary
	if deps.client == nil || deps.consumer == nil {
		return summary, fmt.Errorf("kafka client and consumer are required")
	}
	if cfg.execute && deps.producer == nil {
		return summary, fmt.Errorf("producer is required in execute mode")
	}

	partitions, err := deps.client.Partitions(cfg.sourceTopic)
	if err != nil {
		return summary, fmt.Errorf("get partitions for topic %s: %w", cfg.sourceTopic, err)
	}
	if len(partitions) == 0 {
		log.WithField("topic", cfg.sourceTopic).Warn("source topic has no partitions")
		return summary, nil
	}
	sort.Slice(partitions, func(i, j int) bool { return partitions[i] < partitions[j] })

	for _, partition := range partitions {
		if summary.processed >= cfg.limit {
			break
		}
		stats, err := processPartition(ctx, cfg, deps, partition, cfg.limit-summary.processed)
		summary.add(stats)
		if err != nil {
			return summary, err
		}
	}
	return summary, nil
}

func processPartition(ctx context.Context, cfg config, deps replayDeps, partition int32, limit int) (replaySummary, error) {
	var stats replaySummary
	if limit <= 0 {
		return stats, nil
	}

	oldest, err := deps.client.GetOffset(cfg.sourceTopic, partition, sarama.OffsetOldest)
	if err != nil {
		return stats, fmt.Errorf("get oldest offset for partition %d: %w", partition, err)
	}
	newest, err := deps.client.GetOffset(cfg.sourceTopic, partition, sarama.OffsetNewest)
	if err != nil {
		return stats, fmt.Errorf("get newest offset for partition %d: %w", partition, err)
	}
	if newest <= oldest {
		return stats, nil
	}

	start := oldest
	if cfg.fromNewest && newest-int64(limit) > oldest {
		start = newest - int64(limit)
	}

	pc, err := deps.consumer.ConsumePartition(cfg.sourceTopic, partition, start)
	if err != nil {
		return stats, fmt.Errorf("consume partition %d: %w", partition, err)
	}
	defer func() { _ = pc.Close() }()

	idle := time.NewTimer(cfg.idleTimeout)
	defer idle.Stop()

	for stats.processed < limit {
		select {
		case <-ctx.Done():
			return stats, ctx.Err()
		case cerr := <-pc.Errors():
			if cerr != nil {
				return stats, fmt.Errorf("partition %d consumer error: %w", partition, cerr)
			}
		case msg, ok := <-pc.Messages():
			if !ok || msg == nil || msg.Offset >= newest {
				return stats, nil
			}
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(cfg.idleTimeout)

			stats.processed++
			if err := handleMessage(cfg, deps, msg, &stats); err != nil {
				return stats, err
			}
			if msg.Offset+1 >= newest {
				return stats, nil
			}
		case <-idle.C:
			return stats, nil
		}
	}
	return stats, nil
}

func handleMessage(cfg config, deps replayDeps, msg *sarama.ConsumerMessage, stats *replaySummary) error {
	logger := log.WithFields(log.Fields{"partition": msg.Partition, "offset": msg.Offset})

	c, err := buildCandidate(msg, cfg.targetTopic, time.Now().UTC())
	if err != nil {
		stats.skipped++
		logger.WithError(err).Warn("skip unsupported dlq message")
		return nil
	}
	if !cfg.matches(c) {
		stats.filtered++
		return nil
	}

	logger = logger.WithFields(log.Fields{
		"target_topic": c.topic,
		"key":          c.key,
		"event_type":   c.eventType,
	})
	if !cfg.execute {
		logger.Info("replay candidate")
		stats.replayed++
		return nil
	}

	headers := map[string]string{kafka.HeaderReplayedAt: time.Now().UTC().Format(time.RFC3339Nano)}
	if err := deps.producer.PublishRaw(c.topic, c.key, c.value, headers); err != nil {
		return fmt.Errorf("publish replay message: %w", err)
	}
	stats.replayed++
	return nil
}

// buildCandidate превращает запись DLQ в сообщение для рабочего топика.
// Outbox-сбои заново заворачиваются в OrderEnvelope, consumer-сбои уходят как были.
func buildCandidate(msg *sarama.ConsumerMessage, targetTopic string, now time.Time) (candidate, error) {
	entry, err := kafka.ParseDLQEntry(msg)
	if err != nil {
		return candidate{}, err
	}

	if failure := entry.Consumer; failure != nil {
		if failure.OriginalValue == "" {
			return candidate{}, errEmptyOriginal
		}
		topic := strings.TrimSpace(failure.OriginalTopic)
		if topic == "" {
			topic = targetTopic
		}
		var probe struct {
			EventType   string `json:"event_type"`
			AggregateID string `json:"aggregate_id"`
			OrderRef    string `json:"order_ref"`
		}
		_ = json.Unmarshal([]byte(failure.OriginalValue), &probe)
		return candidate{
			topic:     topic,
			key:       failure.OriginalKey,
			value:     []byte(failure.OriginalValue),
			eventType: probe.EventType,
			orderRef:  firstNonEmpty(probe.AggregateID, probe.OrderRef, failure.OriginalKey),
		}, nil
	}

	failure := entry.Outbox
	if len(failure.Payload) == 0 {
		return candidate{}, fmt.Errorf("outbox dlq entry %s has no event payload", failure.OutboxID)
	}
	envelope := kafka.OrderEnvelope{
		ID:            failure.OutboxID,
		AggregateType: failure.AggregateType,
		AggregateID:   failure.AggregateID,
		EventType:     failure.EventType,
		Payload:       failure.Payload,
		PublishedAt:   now,
	}
	encoded, err := json.Marshal(envelope)
	if err != nil {
		return candidate{}, fmt.Errorf("encode order envelope: %w", err)
	}
	return candidate{
		topic:     targetTopic,
		key:       firstNonEmpty(envelope.AggregateID, envelope.ID),
		value:     encoded,
		eventType: envelope.EventType,
		orderRef:  envelope.AggregateID,
	}, nil
}

func (c config) matches(cand candidate) bool {
	if c.orderRef != "" && cand.orderRef != c.orderRef {
		return false
	}
	if len(c.eventTypes) > 0 {
		if _, ok := c.eventTypes[cand.eventType]; !ok {
			return false
		}
	}
	return true
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}
