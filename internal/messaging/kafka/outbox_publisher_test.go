package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

func cancelledOrderEvent() domain.OutboxMessage {
	return domain.OutboxMessage{
		ID:            "01HZX4OUTBOX",
		AggregateType: "order",
		AggregateID:   "ORD-20260301-0001",
		EventType:     domain.EventOrderCancelled,
		Payload:       []byte(`{"status":"Cancelled","reason":"customer changed mind"}`),
	}
}

func TestOutboxPublisher_EnvelopeAndHeaders(t *testing.T) {
	sync := mocks.NewSyncProducer(t, nil)
	var sent *sarama.ProducerMessage
	sync.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		sent = msg
		return nil
	})

	publisher := NewOutboxPublisher(NewProducerFromSync(sync, nil), "")
	publishedAt := time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)
	publisher.now = func() time.Time { return publishedAt }

	if err := publisher.Publish(context.Background(), cancelledOrderEvent()); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := sync.Close(); err != nil {
		t.Fatal(err)
	}

	if sent.Topic != TopicOrderEvents {
		t.Fatalf("empty topic must fall back to order events, got %s", sent.Topic)
	}
	if key, _ := sent.Key.Encode(); string(key) != "ORD-20260301-0001" {
		t.Fatalf("order id must be the partition key, got %s", key)
	}
	headers := map[string]string{}
	for _, h := range sent.Headers {
		headers[string(h.Key)] = string(h.Value)
	}
	if headers[HeaderEventType] != domain.EventOrderCancelled || headers[HeaderOutboxID] != "01HZX4OUTBOX" {
		t.Fatalf("unexpected headers %v", headers)
	}

	raw, _ := sent.Value.Encode()
	envelope, err := ParseOrderEnvelope(&sarama.ConsumerMessage{Value: raw})
	if err != nil {
		t.Fatalf("envelope: %v", err)
	}
	if !envelope.PublishedAt.Equal(publishedAt) || envelope.AggregateType != "order" {
		t.Fatalf("unexpected envelope %+v", envelope)
	}
	var payload map[string]string
	if err := json.Unmarshal(envelope.Payload, &payload); err != nil || payload["reason"] != "customer changed mind" {
		t.Fatalf("payload must be embedded as is: %s (%v)", envelope.Payload, err)
	}
}

func TestOutboxPublisher_KeyFallsBackToOutboxID(t *testing.T) {
	msg := cancelledOrderEvent()
	msg.AggregateID = ""
	if got := partitionKey(msg); got != msg.ID {
		t.Fatalf("expected outbox id as key, got %s", got)
	}
}

func TestOutboxPublisher_Errors(t *testing.T) {
	if err := NewOutboxPublisher(nil, TopicOrderEvents).Publish(context.Background(), cancelledOrderEvent()); !errors.Is(err, errPublisherNotReady) {
		t.Fatalf("expected errPublisherNotReady, got %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	idle := mocks.NewSyncProducer(t, nil)
	if err := NewOutboxPublisher(NewProducerFromSync(idle, nil), TopicDeadLetterQueue).Publish(ctx, cancelledOrderEvent()); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	_ = idle.Close()

	failing := mocks.NewSyncProducer(t, nil)
	failing.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)
	if err := NewOutboxPublisher(NewProducerFromSync(failing, nil), TopicDeadLetterQueue).Publish(context.Background(), cancelledOrderEvent()); !errors.Is(err, sarama.ErrOutOfBrokers) {
		t.Fatalf("expected broker error, got %v", err)
	}
	if err := failing.Close(); err != nil {
		t.Fatal(err)
	}
}
