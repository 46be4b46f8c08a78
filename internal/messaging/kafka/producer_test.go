package kafka

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	log "github.com/sirupsen/logrus"
)

func headerMap(msg *sarama.ProducerMessage) map[string]string {
	out := make(map[string]string, len(msg.Headers))
	for _, h := range msg.Headers {
		out[string(h.Key)] = string(h.Value)
	}
	return out
}

func TestProducer_PublishStockEvent(t *testing.T) {
	sync := mocks.NewSyncProducer(t, nil)
	producer := NewProducerFromSync(sync, log.WithField("component", "kafka-producer-test"))
	sentAt := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	producer.now = func() time.Time { return sentAt }

	sync.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		if msg.Topic != TopicInventoryEvents || !msg.Timestamp.Equal(sentAt) {
			return errors.New("unexpected topic or timestamp")
		}
		if headerMap(msg)[HeaderEventType] != string(EventTypeStockReserved) {
			return errors.New("event type header is missing")
		}
		raw, _ := msg.Value.Encode()
		var event StockEvent
		if err := json.Unmarshal(raw, &event); err != nil {
			return err
		}
		if event.OrderRef != "ORD-20260301-0001" || len(event.Lines) != 2 || event.Lines[1].SKU != "TEE-L-BLK" {
			return errors.New("unexpected stock event body")
		}
		return nil
	})

	event := NewStockEvent(EventTypeStockReserved, "ORD-20260301-0001", []StockLine{
		{ProductID: "mug", Qty: 2},
		{ProductID: "tee", SKU: "TEE-L-BLK", Qty: 1},
	}, "")
	if err := producer.PublishEvent(TopicInventoryEvents, event.OrderRef, event); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := producer.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestProducer_PublishRawSortsHeaders(t *testing.T) {
	sync := mocks.NewSyncProducer(t, nil)
	sync.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		if len(msg.Headers) != 2 || string(msg.Headers[0].Key) != HeaderEventType || string(msg.Headers[1].Key) != HeaderReplayedAt {
			return errors.New("headers must be written in key order")
		}
		return nil
	})

	producer := NewProducerFromSync(sync, nil)
	err := producer.PublishRaw(TopicOrderEvents, "ORD-1", []byte(`{}`), map[string]string{
		HeaderReplayedAt: "2026-03-01T08:00:00Z",
		HeaderEventType:  "OrderCreated",
	})
	if err != nil {
		t.Fatalf("publish raw: %v", err)
	}
	if err := producer.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestProducer_Errors(t *testing.T) {
	sync := mocks.NewSyncProducer(t, nil)
	sync.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)
	producer := NewProducerFromSync(sync, nil)

	released := NewStockEvent(EventTypeStockReleased, "ORD-2", nil, "cancelled")
	if err := producer.PublishEvent(TopicInventoryEvents, "ORD-2", released); !errors.Is(err, sarama.ErrOutOfBrokers) {
		t.Fatalf("expected broker error, got %v", err)
	}
	if err := producer.PublishEvent(TopicInventoryEvents, "k", map[string]interface{}{"bad": make(chan int)}); err == nil {
		t.Fatal("expected marshal error")
	}
	if err := producer.Close(); err != nil {
		t.Fatal(err)
	}

	var nilProducer *Producer
	if err := nilProducer.Close(); err != nil {
		t.Fatalf("closing nil producer must be a no-op: %v", err)
	}
}

func TestProducerConfig(t *testing.T) {
	cfg := NewProducerConfig()
	if !cfg.Producer.Idempotent || cfg.Net.MaxOpenRequests != 1 || cfg.Producer.RequiredAcks != sarama.WaitForAll {
		t.Fatal("producer must be idempotent with acks=all")
	}
	if cfg.ClientID != clientID {
		t.Fatalf("unexpected client id %q", cfg.ClientID)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("config must be valid: %v", err)
	}
}

func TestNewStockEvent(t *testing.T) {
	event := NewStockEvent(EventTypeStockCompensated, "ORD-3", []StockLine{{ProductID: "p1", Qty: 1}}, "insufficient stock")
	if event.Kind() != "stock.compensated" || event.Reason != "insufficient stock" {
		t.Errorf("unexpected event %+v", event)
	}
	if event.Timestamp.IsZero() || time.Since(event.Timestamp) > time.Second {
		t.Error("timestamp should be close to current time")
	}
	if (ConsumerFailure{}).Kind() != "ConsumerFailed" {
		t.Error("consumer failure kind must be stable")
	}
}
