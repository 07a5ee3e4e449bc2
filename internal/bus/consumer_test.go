package bus

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/exchange/saga/pkg/saga"
	"github.com/redis/go-redis/v9"
)

type recordingHandler struct {
	mu     sync.Mutex
	events []*saga.Event
	err    error
}

func (h *recordingHandler) HandleEvent(ctx context.Context, e *saga.Event) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, e)
	return h.err
}

func (h *recordingHandler) seen() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.events)
}

func TestNewEventConsumerAppliesDefaults(t *testing.T) {
	_, client := newTestRedis(t)
	c := NewEventConsumer(client, "events", "group", "c1", &recordingHandler{}, nil, &ConsumerOptions{BatchSize: 5})

	if c.opts.BatchSize != 5 {
		t.Fatalf("BatchSize = %d, want 5", c.opts.BatchSize)
	}
	if c.opts.BlockTime != DefaultConsumerOptions.BlockTime {
		t.Fatalf("BlockTime = %v, want default %v", c.opts.BlockTime, DefaultConsumerOptions.BlockTime)
	}
	if c.opts.PendingCheckInterval != DefaultConsumerOptions.PendingCheckInterval {
		t.Fatalf("PendingCheckInterval = %v, want default %v", c.opts.PendingCheckInterval, DefaultConsumerOptions.PendingCheckInterval)
	}
}

func addEvent(t *testing.T, client *redis.Client, stream string, e *saga.Event) string {
	t.Helper()
	data, err := json.Marshal(e)
	if err != nil {
		t.Fatalf("marshal event: %v", err)
	}
	id, err := client.XAdd(context.Background(), &redis.XAddArgs{
		Stream: stream,
		Values: map[string]interface{}{"type": e.Type, "data": string(data)},
	}).Result()
	if err != nil {
		t.Fatalf("XAdd() error = %v", err)
	}
	return id
}

func claimOne(t *testing.T, client *redis.Client, stream, group string) redis.XMessage {
	t.Helper()
	ctx := context.Background()
	if err := client.XGroupCreateMkStream(ctx, stream, group, "0").Err(); err != nil {
		t.Fatalf("create group: %v", err)
	}
	res, err := client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: "c1",
		Streams:  []string{stream, ">"},
		Count:    1,
	}).Result()
	if err != nil {
		t.Fatalf("XReadGroup() error = %v", err)
	}
	if len(res) != 1 || len(res[0].Messages) != 1 {
		t.Fatalf("XReadGroup() = %+v, want one message", res)
	}
	return res[0].Messages[0]
}

func pendingCount(t *testing.T, client *redis.Client, stream, group string) int64 {
	t.Helper()
	p, err := client.XPending(context.Background(), stream, group).Result()
	if err != nil {
		t.Fatalf("XPending() error = %v", err)
	}
	return p.Count
}

func TestProcessMessageDeliversAndAcks(t *testing.T) {
	_, client := newTestRedis(t)
	handler := &recordingHandler{}
	c := NewEventConsumer(client, "events", "group", "c1", handler, nil, nil)

	e := &saga.Event{ID: "e1", Type: "OrderCreated", CorrelationID: "tx1", OccurredAt: time.Now().UTC()}
	addEvent(t, client, "events", e)
	msg := claimOne(t, client, "events", "group")

	if err := c.processMessage(context.Background(), msg); err != nil {
		t.Fatalf("processMessage() error = %v", err)
	}

	if handler.seen() != 1 {
		t.Fatalf("handler saw %d events, want 1", handler.seen())
	}
	handler.mu.Lock()
	got := handler.events[0]
	handler.mu.Unlock()
	if got.ID != "e1" || got.Type != "OrderCreated" || got.CorrelationID != "tx1" {
		t.Fatalf("delivered event = %+v", got)
	}
	if n := pendingCount(t, client, "events", "group"); n != 0 {
		t.Fatalf("pending = %d, want 0 after ack", n)
	}
}

func TestProcessMessageHandlerErrorStaysPending(t *testing.T) {
	_, client := newTestRedis(t)
	handler := &recordingHandler{err: errors.New("repo down")}
	c := NewEventConsumer(client, "events", "group", "c1", handler, nil, nil)

	addEvent(t, client, "events", &saga.Event{ID: "e1", Type: "OrderCreated", CorrelationID: "tx1"})
	msg := claimOne(t, client, "events", "group")

	if err := c.processMessage(context.Background(), msg); err == nil {
		t.Fatal("processMessage() succeeded despite handler error")
	}
	if n := pendingCount(t, client, "events", "group"); n != 1 {
		t.Fatalf("pending = %d, want 1 (left for re-claim)", n)
	}
}

func TestProcessMessageMalformedGoesToDLQ(t *testing.T) {
	_, client := newTestRedis(t)
	handler := &recordingHandler{}
	c := NewEventConsumer(client, "events", "group", "c1", handler, nil, nil)
	ctx := context.Background()

	if _, err := client.XAdd(ctx, &redis.XAddArgs{
		Stream: "events",
		Values: map[string]interface{}{"type": "OrderCreated", "data": "{not json"},
	}).Result(); err != nil {
		t.Fatalf("XAdd() error = %v", err)
	}
	msg := claimOne(t, client, "events", "group")

	if err := c.processMessage(ctx, msg); err != nil {
		t.Fatalf("processMessage() error = %v", err)
	}

	if handler.seen() != 0 {
		t.Fatal("malformed event reached the handler")
	}
	dlq, err := client.XRange(ctx, "events:dlq", "-", "+").Result()
	if err != nil {
		t.Fatalf("XRange(dlq) error = %v", err)
	}
	if len(dlq) != 1 {
		t.Fatalf("dlq holds %d messages, want 1", len(dlq))
	}
	if n := pendingCount(t, client, "events", "group"); n != 0 {
		t.Fatalf("pending = %d, want 0 after dlq+ack", n)
	}
}

func TestProcessMessageMissingCorrelationGoesToDLQ(t *testing.T) {
	_, client := newTestRedis(t)
	handler := &recordingHandler{err: saga.ErrMissingCorrelation}
	c := NewEventConsumer(client, "events", "group", "c1", handler, nil, nil)
	ctx := context.Background()

	addEvent(t, client, "events", &saga.Event{ID: "e1", Type: "OrderCreated"})
	msg := claimOne(t, client, "events", "group")

	if err := c.processMessage(ctx, msg); err != nil {
		t.Fatalf("processMessage() error = %v", err)
	}

	dlq, err := client.XRange(ctx, "events:dlq", "-", "+").Result()
	if err != nil {
		t.Fatalf("XRange(dlq) error = %v", err)
	}
	if len(dlq) != 1 {
		t.Fatalf("dlq holds %d messages, want 1", len(dlq))
	}
	if n := pendingCount(t, client, "events", "group"); n != 0 {
		t.Fatalf("pending = %d, want 0", n)
	}
}

func TestProcessMessageInvalidPayloadIsAcked(t *testing.T) {
	_, client := newTestRedis(t)
	handler := &recordingHandler{}
	c := NewEventConsumer(client, "events", "group", "c1", handler, nil, nil)
	ctx := context.Background()

	if _, err := client.XAdd(ctx, &redis.XAddArgs{
		Stream: "events",
		Values: map[string]interface{}{"other": "field"},
	}).Result(); err != nil {
		t.Fatalf("XAdd() error = %v", err)
	}
	msg := claimOne(t, client, "events", "group")

	if err := c.processMessage(ctx, msg); err != nil {
		t.Fatalf("processMessage() error = %v", err)
	}
	if handler.seen() != 0 {
		t.Fatal("dataless message reached the handler")
	}
	if n := pendingCount(t, client, "events", "group"); n != 0 {
		t.Fatalf("pending = %d, want 0", n)
	}
}
