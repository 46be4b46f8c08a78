package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront/internal/messaging/kafka"
)

const consumerFailureJSON = `{"original_topic":"storefront.inventory.events","original_key":"ORD-1","original_value":"{\"event_type\":\"stock.reserved\",\"order_ref\":\"ORD-1\"}","retry_count":3}`

func outboxFailureJSON(t *testing.T, orderRef, eventType string) []byte {
	t.Helper()
	failure, err := json.Marshal(kafka.OutboxFailure{
		OutboxID:      "outbox-" + orderRef,
		AggregateType: "order",
		AggregateID:   orderRef,
		EventType:     eventType,
		Payload:       json.RawMessage(`{"status":"Confirmed"}`),
		PublishError:  "timeout",
	})
	if err != nil {
		t.Fatalf("marshal failure: %v", err)
	}
	raw, err := json.Marshal(kafka.OrderEnvelope{
		ID:            "dlq-" + orderRef,
		AggregateType: "order",
		AggregateID:   orderRef,
		EventType:     eventType,
		Payload:       failure,
	})
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	return raw
}

func TestSplitList(t *testing.T) {
	got := splitList(" broker-1:9092, ,broker-2:9092 ")
	if len(got) != 2 || got[0] != "broker-1:9092" || got[1] != "broker-2:9092" {
		t.Fatalf("unexpected items: %+v", got)
	}
	if got := splitList(" , "); len(got) != 0 {
		t.Fatalf("expected empty list, got %+v", got)
	}
}

func TestBuildCandidate_ConsumerFailure(t *testing.T) {
	got, err := buildCandidate(&sarama.ConsumerMessage{Value: []byte(consumerFailureJSON)}, kafka.TopicOrderEvents, time.Now())
	if err != nil {
		t.Fatalf("buildCandidate failed: %v", err)
	}
	if got.topic != kafka.TopicInventoryEvents {
		t.Fatalf("consumer failure must go back to its original topic, got %s", got.topic)
	}
	if got.key != "ORD-1" || got.orderRef != "ORD-1" || got.eventType != "stock.reserved" {
		t.Fatalf("unexpected candidate: %+v", got)
	}
}

func TestBuildCandidate_ConsumerFailureWithoutOriginal(t *testing.T) {
	raw := []byte(`{"original_topic":"storefront.order.events","original_key":"ORD-1"}`)
	if _, err := buildCandidate(&sarama.ConsumerMessage{Value: raw}, kafka.TopicOrderEvents, time.Now()); !errors.Is(err, errEmptyOriginal) {
		t.Fatalf("expected errEmptyOriginal, got %v", err)
	}
}

func TestBuildCandidate_OutboxFailure(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	msg := &sarama.ConsumerMessage{Value: outboxFailureJSON(t, "ORD-7", "order.status_changed")}

	got, err := buildCandidate(msg, kafka.TopicOrderEvents, now)
	if err != nil {
		t.Fatalf("buildCandidate failed: %v", err)
	}
	if got.topic != kafka.TopicOrderEvents || got.key != "ORD-7" {
		t.Fatalf("unexpected routing: topic=%s key=%s", got.topic, got.key)
	}

	envelope, err := kafka.ParseOrderEnvelope(&sarama.ConsumerMessage{Value: got.value})
	if err != nil {
		t.Fatalf("replayed value is not an order envelope: %v", err)
	}
	if envelope.ID != "outbox-ORD-7" || envelope.EventType != "order.status_changed" {
		t.Fatalf("unexpected envelope: %+v", envelope)
	}
	if string(envelope.Payload) != `{"status":"Confirmed"}` {
		t.Fatalf("original payload must be restored, got %s", envelope.Payload)
	}
	if !envelope.PublishedAt.Equal(now) {
		t.Fatalf("unexpected published_at: %s", envelope.PublishedAt)
	}
}

func TestBuildCandidate_Unsupported(t *testing.T) {
	cases := map[string]string{
		"not json":        `not-json`,
		"payload is text": `{"id":"x","payload":"not-an-object"}`,
		"unknown shape":   `{"hello":"world"}`,
		"outbox no event": `{"id":"x","payload":{"outbox_id":"o-1"}}`,
	}
	for name, raw := range cases {
		if _, err := buildCandidate(&sarama.ConsumerMessage{Value: []byte(raw)}, kafka.TopicOrderEvents, time.Now()); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestConfigMatches(t *testing.T) {
	cand := candidate{eventType: "order.created", orderRef: "ORD-1"}

	tests := []struct {
		name string
		cfg  config
		want bool
	}{
		{"no filters", config{}, true},
		{"order matches", config{orderRef: "ORD-1"}, true},
		{"order differs", config{orderRef: "ORD-2"}, false},
		{"type listed", config{eventTypes: map[string]struct{}{"order.created": {}}}, true},
		{"type not listed", config{eventTypes: map[string]struct{}{"order.deleted": {}}}, false},
	}
	for _, tc := range tests {
		if got := tc.cfg.matches(cand); got != tc.want {
			t.Fatalf("%s: expected %v, got %v", tc.name, tc.want, got)
		}
	}
}

func TestFirstNonEmpty(t *testing.T) {
	if got := firstNonEmpty("", "  ", "value", "other"); got != "value" {
		t.Fatalf("unexpected value: %q", got)
	}
	if got := firstNonEmpty("", " "); got != "" {
		t.Fatalf("expected empty value, got %q", got)
	}
}

func TestReadConfig(t *testing.T) {
	cfg, err := readConfig([]string{"-limit=5", "-event-types=order.created, order.deleted", "-order= ORD-1 "}, "env-broker:9092", io.Discard)
	if err != nil {
		t.Fatalf("readConfig failed: %v", err)
	}
	if len(cfg.brokers) != 1 || cfg.brokers[0] != "env-broker:9092" {
		t.Fatalf("brokers must fall back to env, got %+v", cfg.brokers)
	}
	if cfg.sourceTopic != kafka.TopicDeadLetterQueue || cfg.targetTopic != kafka.TopicOrderEvents {
		t.Fatalf("unexpected default topics: %s -> %s", cfg.sourceTopic, cfg.targetTopic)
	}
	if cfg.limit != 5 || cfg.execute || cfg.orderRef != "ORD-1" || len(cfg.eventTypes) != 2 {
		t.Fatalf("unexpected config: %+v", cfg)
	}

	cfg, err = readConfig([]string{"-brokers=flag-broker:9092"}, "env-broker:9092", io.Discard)
	if err != nil || cfg.brokers[0] != "flag-broker:9092" {
		t.Fatalf("flag must win over env: %+v %v", cfg.brokers, err)
	}

	invalid := []struct {
		args []string
		env  string
		want string
	}{
		{nil, "", "kafka brokers are required"},
		{[]string{"-source-topic= "}, "b:9092", "source-topic is required"},
		{[]string{"-target-topic= "}, "b:9092", "target-topic is required"},
		{[]string{"-limit=0"}, "b:9092", "limit must be > 0"},
		{[]string{"-idle-timeout=0s"}, "b:9092", "idle-timeout must be > 0"},
		{[]string{"-unknown"}, "b:9092", "flag provided but not defined"},
		{[]string{"-follow"}, "b:9092", "requires -execute"},
		{[]string{"-follow", "-execute", "-group= "}, "b:9092", "group is required"},
	}
	for _, tc := range invalid {
		_, err := readConfig(tc.args, tc.env, io.Discard)
		if err == nil || !strings.Contains(err.Error(), tc.want) {
			t.Fatalf("args %v: expected %q, got %v", tc.args, tc.want, err)
		}
	}
}

func testConfig() config {
	return config{
		sourceTopic: kafka.TopicDeadLetterQueue,
		targetTopic: kafka.TopicOrderEvents,
		limit:       10,
		idleTimeout: 20 * time.Millisecond,
	}
}

func singlePartition(messages ...*sarama.ConsumerMessage) (*stubOffsetClient, *stubPartitionConsumerSource) {
	client := &stubOffsetClient{
		partitions: []int32{0},
		offsets:    map[int32]offsetRange{0: {oldest: 0, newest: int64(len(messages))}},
	}
	consumer := &stubPartitionConsumerSource{
		consumers: map[int32]partitionConsumer{0: closedPartitionConsumer(messages)},
	}
	return client, consumer
}

func TestProcessPartition_DryRun(t *testing.T) {
	client, consumer := singlePartition(
		&sarama.ConsumerMessage{Offset: 0, Value: []byte(consumerFailureJSON)},
		&sarama.ConsumerMessage{Offset: 1, Value: []byte(`{"hello":"world"}`)},
	)

	stats, err := processPartition(context.Background(), testConfig(), replayDeps{client: client, consumer: consumer}, 0, 10)
	if err != nil {
		t.Fatalf("processPartition failed: %v", err)
	}
	if stats.processed != 2 || stats.replayed != 1 || stats.skipped != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if len(consumer.calls) != 1 || consumer.calls[0].offset != 0 {
		t.Fatalf("unexpected consume calls: %+v", consumer.calls)
	}
}

func TestProcessPartition_FromNewest(t *testing.T) {
	client := &stubOffsetClient{offsets: map[int32]offsetRange{0: {oldest: 0, newest: 10}}}
	consumer := &stubPartitionConsumerSource{consumers: map[int32]partitionConsumer{0: closedPartitionConsumer(nil)}}

	cfg := testConfig()
	cfg.fromNewest = true
	if _, err := processPartition(context.Background(), cfg, replayDeps{client: client, consumer: consumer}, 0, 3); err != nil {
		t.Fatalf("processPartition failed: %v", err)
	}
	if len(consumer.calls) != 1 || consumer.calls[0].offset != 7 {
		t.Fatalf("expected scan from offset 7, got %+v", consumer.calls)
	}
}

func TestProcessPartition_ExecuteWithFilter(t *testing.T) {
	client, consumer := singlePartition(
		&sarama.ConsumerMessage{Offset: 0, Value: outboxFailureJSON(t, "ORD-1", "order.created")},
		&sarama.ConsumerMessage{Offset: 1, Value: outboxFailureJSON(t, "ORD-2", "order.created")},
	)

	sync := mocks.NewSyncProducer(t, nil)
	sync.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		if msg.Topic != kafka.TopicOrderEvents {
			return fmt.Errorf("unexpected topic %s", msg.Topic)
		}
		key, _ := msg.Key.Encode()
		if string(key) != "ORD-2" {
			return fmt.Errorf("unexpected key %s", key)
		}
		for _, h := range msg.Headers {
			if string(h.Key) == kafka.HeaderReplayedAt {
				return nil
			}
		}
		return errors.New("replayed-at header is missing")
	})
	producer := kafka.NewProducerFromSync(sync, log.WithField("test", "events-replay"))

	cfg := testConfig()
	cfg.execute = true
	cfg.orderRef = "ORD-2"

	stats, err := processPartition(context.Background(), cfg, replayDeps{client: client, consumer: consumer, producer: producer}, 0, 10)
	if err != nil {
		t.Fatalf("processPartition failed: %v", err)
	}
	if stats.replayed != 1 || stats.filtered != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if err := producer.Close(); err != nil {
		t.Fatalf("mock producer expectations: %v", err)
	}
}

func TestProcessPartition_ErrorBranches(t *testing.T) {
	cfg := testConfig()

	offsetErr := &stubOffsetClient{offsetErr: map[int32]error{0: errors.New("offset")}}
	if _, err := processPartition(context.Background(), cfg, replayDeps{client: offsetErr, consumer: &stubPartitionConsumerSource{}}, 0, 1); err == nil {
		t.Fatal("expected offset error")
	}

	client := &stubOffsetClient{offsets: map[int32]offsetRange{0: {oldest: 0, newest: 2}}}
	consumeErr := &stubPartitionConsumerSource{consumeErr: errors.New("consume")}
	if _, err := processPartition(context.Background(), cfg, replayDeps{client: client, consumer: consumeErr}, 0, 1); err == nil {
		t.Fatal("expected consume error")
	}

	pcWithErr := &stubPartitionConsumer{
		messages: make(chan *sarama.ConsumerMessage),
		errors:   make(chan *sarama.ConsumerError, 1),
	}
	pcWithErr.errors <- &sarama.ConsumerError{Err: errors.New("consumer boom")}
	consumer := &stubPartitionConsumerSource{consumers: map[int32]partitionConsumer{0: pcWithErr}}
	if _, err := processPartition(context.Background(), cfg, replayDeps{client: client, consumer: consumer}, 0, 1); err == nil {
		t.Fatal("expected consumer error branch")
	}

	sync := mocks.NewSyncProducer(t, nil)
	sync.ExpectSendMessageAndFail(errors.New("send fail"))
	execCfg := cfg
	execCfg.execute = true
	_, okConsumer := singlePartition(&sarama.ConsumerMessage{Offset: 0, Value: []byte(consumerFailureJSON)})
	deps := replayDeps{client: client, consumer: okConsumer, producer: kafka.NewProducerFromSync(sync, nil)}
	if _, err := processPartition(context.Background(), execCfg, deps, 0, 1); err == nil {
		t.Fatal("expected producer send error")
	}
}

func TestProcessPartition_IdleTimeoutAndContext(t *testing.T) {
	client := &stubOffsetClient{offsets: map[int32]offsetRange{0: {oldest: 0, newest: 2}}}

	idle := &stubPartitionConsumer{
		messages: make(chan *sarama.ConsumerMessage),
		errors:   make(chan *sarama.ConsumerError),
	}
	deps := replayDeps{client: client, consumer: &stubPartitionConsumerSource{consumers: map[int32]partitionConsumer{0: idle}}}
	stats, err := processPartition(context.Background(), testConfig(), deps, 0, 1)
	if err != nil || stats.processed != 0 {
		t.Fatalf("expected clean idle exit, got %+v %v", stats, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	cfg := testConfig()
	cfg.idleTimeout = time.Minute
	if _, err := processPartition(ctx, cfg, deps, 0, 1); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context canceled, got %v", err)
	}
}

func TestRunReplay(t *testing.T) {
	cfg := testConfig()
	cfg.limit = 1

	if _, err := runReplay(context.Background(), cfg, replayDeps{}); err == nil {
		t.Fatal("expected missing deps error")
	}

	client := &stubOffsetClient{
		partitions: []int32{2, 0},
		offsets: map[int32]offsetRange{
			0: {oldest: 0, newest: 1},
			2: {oldest: 0, newest: 1},
		},
	}
	consumer := &stubPartitionConsumerSource{
		consumers: map[int32]partitionConsumer{
			0: closedPartitionConsumer([]*sarama.ConsumerMessage{{Partition: 0, Value: []byte(consumerFailureJSON)}}),
			2: closedPartitionConsumer([]*sarama.ConsumerMessage{{Partition: 2, Value: []byte(consumerFailureJSON)}}),
		},
	}
	summary, err := runReplay(context.Background(), cfg, replayDeps{client: client, consumer: consumer})
	if err != nil {
		t.Fatalf("runReplay failed: %v", err)
	}
	if summary.processed != 1 || len(consumer.calls) != 1 || consumer.calls[0].partition != 0 {
		t.Fatalf("limit=1 must stop after the first sorted partition: %+v %+v", summary, consumer.calls)
	}

	execCfg := cfg
	execCfg.execute = true
	if _, err := runReplay(context.Background(), execCfg, replayDeps{client: client, consumer: consumer}); err == nil {
		t.Fatal("expected execute mode to require producer")
	}

	if _, err := runReplay(context.Background(), cfg, replayDeps{client: &stubOffsetClient{}, consumer: consumer}); err != nil {
		t.Fatalf("expected nil error for empty partitions, got %v", err)
	}

	partErr := &stubOffsetClient{partitionsErr: errors.New("metadata")}
	if _, err := runReplay(context.Background(), cfg, replayDeps{client: partErr, consumer: consumer}); err == nil {
		t.Fatal("expected partitions error")
	}
}

func TestRun_UsesDependencies(t *testing.T) {
	oldDeps := newReplayDeps
	defer func() { newReplayDeps = oldDeps }()

	newReplayDeps = func(config) (replayDeps, error) {
		return replayDeps{}, errors.New("deps failed")
	}
	if err := run(context.Background(), testConfig()); err == nil || !strings.Contains(err.Error(), "deps failed") {
		t.Fatalf("expected deps error, got %v", err)
	}

	client, consumer := singlePartition(&sarama.ConsumerMessage{Value: outboxFailureJSON(t, "ORD-1", "order.created")})
	newReplayDeps = func(config) (replayDeps, error) {
		return replayDeps{client: client, consumer: consumer}, nil
	}
	if err := run(context.Background(), testConfig()); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if !client.closed || !consumer.closed {
		t.Fatalf("expected deps to be closed: client=%v consumer=%v", client.closed, consumer.closed)
	}
}

type stubFollower struct {
	handler  kafka.MessageHandler
	messages []*sarama.ConsumerMessage
	errs     []error
	cancel   context.CancelFunc
	stopped  bool
}

func (f *stubFollower) Start(ctx context.Context) error {
	for _, msg := range f.messages {
		f.errs = append(f.errs, f.handler(ctx, msg))
	}
	f.cancel()
	return nil
}

func (f *stubFollower) Stop() error {
	f.stopped = true
	return nil
}

func TestRunFollow_RepublishesUntilCancelled(t *testing.T) {
	oldProducer, oldFollower := newFollowProducer, newFollower
	defer func() { newFollowProducer, newFollower = oldProducer, oldFollower }()

	sync := mocks.NewSyncProducer(t, nil)
	sync.ExpectSendMessageAndSucceed()
	sync.ExpectSendMessageAndFail(errors.New("broker down"))
	newFollowProducer = func(config) (*kafka.Producer, error) {
		return kafka.NewProducerFromSync(sync, nil), nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stub := &stubFollower{cancel: cancel}
	stub.messages = []*sarama.ConsumerMessage{
		{Value: outboxFailureJSON(t, "ORD-1", "order.created")},
		{Value: []byte(`{"hello":"world"}`)},
		{Value: []byte(consumerFailureJSON)},
	}
	newFollower = func(cfg config, handler kafka.MessageHandler) (follower, error) {
		if cfg.group != defaultFollowGroup {
			t.Errorf("unexpected group %q", cfg.group)
		}
		stub.handler = handler
		return stub, nil
	}

	cfg := testConfig()
	cfg.execute = true
	cfg.follow = true
	cfg.group = defaultFollowGroup
	if err := run(ctx, cfg); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if !stub.stopped {
		t.Fatal("follower must be stopped on shutdown")
	}
	if len(stub.errs) != 3 || stub.errs[0] != nil || stub.errs[1] != nil || stub.errs[2] == nil {
		t.Fatalf("publish failures must reach the consumer for retry: %v", stub.errs)
	}
}

func TestRunFollow_ProducerError(t *testing.T) {
	oldProducer := newFollowProducer
	defer func() { newFollowProducer = oldProducer }()

	newFollowProducer = func(config) (*kafka.Producer, error) { return nil, errors.New("no brokers") }
	if err := runFollow(context.Background(), testConfig()); err == nil {
		t.Fatal("expected producer error")
	}
}

func TestFailExits(t *testing.T) {
	if os.Getenv("EVENTS_REPLAY_FAIL_EXIT") == "1" {
		fail("boom")
		return
	}

	cmd := exec.Command(os.Args[0], "-test.run=TestFailExits")
	cmd.Env = append(os.Environ(), "EVENTS_REPLAY_FAIL_EXIT=1")
	err := cmd.Run()
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) || exitErr.ExitCode() == 0 {
		t.Fatalf("expected non-zero exit code, got %v", err)
	}
}

type offsetRange struct {
	oldest int64
	newest int64
}

type stubOffsetClient struct {
	partitions    []int32
	partitionsErr error
	offsets       map[int32]offsetRange
	offsetErr     map[int32]error
	closed        bool
}

func (s *stubOffsetClient) GetOffset(_ string, partition int32, marker int64) (int64, error) {
	if err, ok := s.offsetErr[partition]; ok {
		return 0, err
	}
	r := s.offsets[partition]
	switch marker {
	case sarama.OffsetOldest:
		return r.oldest, nil
	case sarama.OffsetNewest:
		return r.newest, nil
	default:
		return 0, fmt.Errorf("unsupported marker %d", marker)
	}
}

func (s *stubOffsetClient) Partitions(string) ([]int32, error) {
	if s.partitionsErr != nil {
		return nil, s.partitionsErr
	}
	return append([]int32(nil), s.partitions...), nil
}

func (s *stubOffsetClient) Close() error {
	s.closed = true
	return nil
}

type consumeCall struct {
	partition int32
	offset    int64
}

type stubPartitionConsumerSource struct {
	consumers  map[int32]partitionConsumer
	consumeErr error
	calls      []consumeCall
	closed     bool
}

func (s *stubPartitionConsumerSource) ConsumePartition(_ string, partition int32, offset int64) (partitionConsumer, error) {
	s.calls = append(s.calls, consumeCall{partition: partition, offset: offset})
	if s.consumeErr != nil {
		return nil, s.consumeErr
	}
	pc, ok := s.consumers[partition]
	if !ok {
		return nil, fmt.Errorf("partition %d not configured", partition)
	}
	return pc, nil
}

func (s *stubPartitionConsumerSource) Close() error {
	s.closed = true
	return nil
}

type stubPartitionConsumer struct {
	messages chan *sarama.ConsumerMessage
	errors   chan *sarama.ConsumerError
}

func (s *stubPartitionConsumer) Messages() <-chan *sarama.ConsumerMessage { return s.messages }
func (s *stubPartitionConsumer) Errors() <-chan *sarama.ConsumerError     { return s.errors }
func (s *stubPartitionConsumer) Close() error                             { return nil }

func closedPartitionConsumer(messages []*sarama.ConsumerMessage) *stubPartitionConsumer {
	msgCh := make(chan *sarama.ConsumerMessage, len(messages))
	for _, msg := range messages {
		msgCh <- msg
	}
	close(msgCh)
	errCh := make(chan *sarama.ConsumerError)
	close(errCh)
	return &stubPartitionConsumer{messages: msgCh, errors: errCh}
}
