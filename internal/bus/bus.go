// Package bus Redis Streams 命令总线与事件订阅
package bus

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/exchange/saga/pkg/saga"
	"github.com/redis/go-redis/v9"
)

// CommandBus sends saga commands to a Redis Stream. Send fails by returning
// the transport error; it never retries on its own. Retry policy belongs to
// the manager and the recovery worker. Delivery is at least once, so command
// handlers downstream must be idempotent.
type CommandBus struct {
	client *redis.Client
	stream string
}

// NewCommandBus 创建命令总线
func NewCommandBus(client *redis.Client, stream string) *CommandBus {
	return &CommandBus{client: client, stream: stream}
}

// Send 发布命令
func (b *CommandBus) Send(ctx context.Context, cmd saga.Command) error {
	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("marshal command %s: %w", cmd.Type, err)
	}

	err = b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: b.stream,
		Values: map[string]interface{}{
			"type": cmd.Type,
			"data": string(data),
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("xadd command %s: %w", cmd.Type, err)
	}
	return nil
}
