package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/cfoagent/internal/domain"
)

// inboxMaxLen caps every stream with XADD MAXLEN ~. An agent that is down
// long enough to miss this many messages has lost them.
const inboxMaxLen int64 = 10000

const payloadField = "payload"

// SignalBus implements domain.SignalBus. Pub/Sub carries broadcasts
// (heartbeats, alerts, portfolio updates); Streams carry agent inboxes and
// producer batches, which must survive a restart of the reader.
type SignalBus struct {
	client *Client
	rdb    *redis.Client
	// block is how long StreamRead waits for new entries. Zero returns
	// immediately.
	block time.Duration
}

func NewSignalBus(c *Client, block time.Duration) *SignalBus {
	return &SignalBus{client: c, rdb: c.Underlying(), block: block}
}

func (sb *SignalBus) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := sb.rdb.Publish(ctx, sb.client.key(channel), payload).Err(); err != nil {
		return fmt.Errorf("redis: publish %s: %w", channel, err)
	}
	return nil
}

// Subscribe returns payloads published on channel (a glob pattern uses
// PSUBSCRIBE) until ctx is done, then closes the channel.
func (sb *SignalBus) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	name := sb.client.key(channel)
	var ps *redis.PubSub
	if strings.ContainsAny(name, "*?[") {
		ps = sb.rdb.PSubscribe(ctx, name)
	} else {
		ps = sb.rdb.Subscribe(ctx, name)
	}
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("redis: subscribe %s: %w", channel, err)
	}

	out := make(chan []byte, 128)
	go pump(ctx, ps.Channel(), out, func() { _ = ps.Close() })
	return out, nil
}

func pump(ctx context.Context, in <-chan *redis.Message, out chan<- []byte, done func()) {
	defer close(out)
	defer done()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-in:
			if !ok {
				return
			}
			select {
			case out <- []byte(msg.Payload):
			case <-ctx.Done():
				return
			}
		}
	}
}

func (sb *SignalBus) StreamAppend(ctx context.Context, stream string, payload []byte) error {
	err := sb.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: sb.client.key(stream),
		MaxLen: inboxMaxLen,
		Approx: true,
		Values: map[string]any{payloadField: payload},
	}).Err()
	if err != nil {
		return fmt.Errorf("redis: stream append %s: %w", stream, err)
	}
	return nil
}

// StreamRead returns up to count entries after lastID ("" or "0" reads from
// the start). No entries within the block time is not an error.
func (sb *SignalBus) StreamRead(ctx context.Context, stream string, lastID string, count int) ([]domain.StreamMessage, error) {
	if lastID == "" {
		lastID = "0"
	}
	block := time.Duration(-1)
	if sb.block > 0 {
		block = sb.block
	}
	res, err := sb.rdb.XRead(ctx, &redis.XReadArgs{
		Streams: []string{sb.client.key(stream), lastID},
		Count:   int64(count),
		Block:   block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis: stream read %s: %w", stream, err)
	}
	return toMessages(res), nil
}

// toMessages flattens an XREAD reply. Entries without a payload field were
// not written by StreamAppend and are skipped, but their ids still count so
// a cursor can move past them.
func toMessages(res []redis.XStream) []domain.StreamMessage {
	var out []domain.StreamMessage
	for _, s := range res {
		for _, m := range s.Messages {
			var data []byte
			switch v := m.Values[payloadField].(type) {
			case string:
				data = []byte(v)
			case []byte:
				data = v
			}
			out = append(out, domain.StreamMessage{ID: m.ID, Payload: data})
		}
	}
	return out
}

var _ domain.SignalBus = (*SignalBus)(nil)
