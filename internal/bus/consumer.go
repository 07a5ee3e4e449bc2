package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/exchange/saga/pkg/logger"
	"github.com/exchange/saga/pkg/saga"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const tracerName = "saga/bus"

// EventHandler consumes one inbound domain event. *saga.Manager satisfies
// it.
type EventHandler interface {
	HandleEvent(ctx context.Context, e *saga.Event) error
}

// ConsumerOptions 消费者选项
type ConsumerOptions struct {
	BatchSize    int           // 每次读取的消息数
	BlockTime    time.Duration // 阻塞等待时间
	MaxRetries   int           // 最大重试次数
	ClaimMinIdle time.Duration // 认领空闲消息的最小时间
	// PendingCheckInterval 周期性处理 pending 的间隔
	PendingCheckInterval time.Duration
}

// DefaultConsumerOptions 默认选项
var DefaultConsumerOptions = ConsumerOptions{
	BatchSize:            10,
	BlockTime:            5 * time.Second,
	MaxRetries:           3,
	ClaimMinIdle:         30 * time.Second,
	PendingCheckInterval: 30 * time.Second,
}

// EventConsumer is the event-dispatcher binding: a consumer-group reader on
// the domain event stream delivering events into the saga manager with
// at-least-once semantics. Unprocessable messages (bad payload, missing
// correlation) go to the dead-letter stream; handler failures stay pending
// and are re-claimed until MaxRetries, then dead-lettered.
type EventConsumer struct {
	client   *redis.Client
	stream   string
	group    string
	consumer string
	handler  EventHandler
	log      *logger.Logger
	opts     ConsumerOptions
}

// NewEventConsumer 创建事件消费者
func NewEventConsumer(client *redis.Client, stream, group, consumer string, handler EventHandler, log *logger.Logger, opts *ConsumerOptions) *EventConsumer {
	if opts == nil {
		opts = &DefaultConsumerOptions
	}
	resolved := *opts
	if resolved.BatchSize <= 0 {
		resolved.BatchSize = DefaultConsumerOptions.BatchSize
	}
	if resolved.BlockTime <= 0 {
		resolved.BlockTime = DefaultConsumerOptions.BlockTime
	}
	if resolved.ClaimMinIdle <= 0 {
		resolved.ClaimMinIdle = DefaultConsumerOptions.ClaimMinIdle
	}
	if resolved.PendingCheckInterval <= 0 {
		resolved.PendingCheckInterval = DefaultConsumerOptions.PendingCheckInterval
	}
	if log == nil {
		log = logger.Nop()
	}
	return &EventConsumer{
		client:   client,
		stream:   stream,
		group:    group,
		consumer: consumer,
		handler:  handler,
		log:      log,
		opts:     resolved,
	}
}

// Start 启动消费，阻塞直到 ctx 取消
func (c *EventConsumer) Start(ctx context.Context) error {
	err := c.client.XGroupCreateMkStream(ctx, c.stream, c.group, "0").Err()
	if err != nil && err.Error() != "BUSYGROUP Consumer Group name already exists" {
		return fmt.Errorf("create group: %w", err)
	}

	if err := c.processPending(ctx); err != nil {
		return fmt.Errorf("process pending: %w", err)
	}

	return c.consume(ctx)
}

// processPending 认领并处理 pending 消息
func (c *EventConsumer) processPending(ctx context.Context) error {
	for {
		pending, err := c.client.XPendingExt(ctx, &redis.XPendingExtArgs{
			Stream: c.stream,
			Group:  c.group,
			Start:  "-",
			End:    "+",
			Count:  int64(c.opts.BatchSize),
		}).Result()
		if err != nil {
			return fmt.Errorf("xpending: %w", err)
		}
		if len(pending) == 0 {
			return nil
		}

		ids := make([]string, 0, len(pending))
		dlqIDs := make(map[string]int64)
		for _, p := range pending {
			if p.Idle >= c.opts.ClaimMinIdle {
				ids = append(ids, p.ID)
				if c.opts.MaxRetries > 0 && p.RetryCount > int64(c.opts.MaxRetries) {
					dlqIDs[p.ID] = p.RetryCount
				}
			}
		}
		if len(ids) == 0 {
			return nil
		}

		messages, err := c.client.XClaim(ctx, &redis.XClaimArgs{
			Stream:   c.stream,
			Group:    c.group,
			Consumer: c.consumer,
			MinIdle:  c.opts.ClaimMinIdle,
			Messages: ids,
		}).Result()
		if err != nil {
			return fmt.Errorf("xclaim: %w", err)
		}

		for _, m := range messages {
			if retryCount, toDLQ := dlqIDs[m.ID]; toDLQ {
				if err := c.sendToDLQ(ctx, &m, fmt.Sprintf("max retries exceeded: %d", retryCount)); err != nil {
					c.log.WithError(err).WithField("msgId", m.ID).Error("send to dlq")
					continue
				}
				if err := c.ack(ctx, m.ID); err != nil {
					c.log.WithError(err).WithField("msgId", m.ID).Error("ack dlq message")
				}
				continue
			}
			if err := c.processMessage(ctx, m); err != nil {
				c.log.WithError(err).WithField("msgId", m.ID).Warn("process pending message")
			}
		}
	}
}

// consume 消费新消息
func (c *EventConsumer) consume(ctx context.Context) error {
	pendingTicker := time.NewTicker(c.opts.PendingCheckInterval)
	defer pendingTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-pendingTicker.C:
			if err := c.processPending(ctx); err != nil && ctx.Err() == nil {
				c.log.WithError(err).Warn("process pending")
			}
		default:
		}

		results, err := c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    c.group,
			Consumer: c.consumer,
			Streams:  []string{c.stream, ">"},
			Count:    int64(c.opts.BatchSize),
			Block:    c.opts.BlockTime,
		}).Result()
		if err != nil {
			if err == redis.Nil {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("xreadgroup: %w", err)
		}

		for _, result := range results {
			for _, m := range result.Messages {
				if err := c.processMessage(ctx, m); err != nil {
					c.log.WithError(err).WithField("msgId", m.ID).Warn("process message")
				}
			}
		}
	}
}

// processMessage 处理单条消息
func (c *EventConsumer) processMessage(ctx context.Context, m redis.XMessage) error {
	data, ok := m.Values["data"].(string)
	if !ok {
		// 无效消息，直接 ACK
		return c.ack(ctx, m.ID)
	}

	var event saga.Event
	if err := json.Unmarshal([]byte(data), &event); err != nil {
		if dlqErr := c.sendToDLQ(ctx, &m, "malformed event: "+err.Error()); dlqErr != nil {
			return dlqErr
		}
		return c.ack(ctx, m.ID)
	}

	tracer := otel.Tracer(tracerName)
	ctx, span := tracer.Start(ctx, "saga.event")
	span.SetAttributes(
		attribute.String("saga.event.type", event.Type),
		attribute.String("saga.event.id", event.ID),
	)
	err := c.handler.HandleEvent(ctx, &event)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()

	if err != nil {
		if errors.Is(err, saga.ErrMissingCorrelation) {
			// Programming error in the producer; redelivery cannot fix it.
			if dlqErr := c.sendToDLQ(ctx, &m, err.Error()); dlqErr != nil {
				return dlqErr
			}
			return c.ack(ctx, m.ID)
		}
		// Leave pending for re-claim and eventual DLQ.
		return err
	}

	return c.ack(ctx, m.ID)
}

func (c *EventConsumer) ack(ctx context.Context, id string) error {
	return c.client.XAck(ctx, c.stream, c.group, id).Err()
}

func (c *EventConsumer) sendToDLQ(ctx context.Context, m *redis.XMessage, reason string) error {
	dlqStream := c.stream + ":dlq"
	values := map[string]interface{}{
		"stream":   c.stream,
		"msgId":    m.ID,
		"reason":   reason,
		"data":     m.Values["data"],
		"tsMs":     time.Now().UnixMilli(),
		"group":    c.group,
		"consumer": c.consumer,
	}
	err := c.client.XAdd(ctx, &redis.XAddArgs{
		Stream: dlqStream,
		Values: values,
	}).Err()
	if err != nil {
		return fmt.Errorf("xadd dlq: %w", err)
	}
	return nil
}
