// Package redisbus mirrors run events to Redis Streams.
package redisbus

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/vinayprograms/orchestrator/internal/events"
)

// KeyPrefix is the stream key prefix; the full key is KeyPrefix + run id.
const KeyPrefix = "run_events:"

// DefaultMaxLen caps each stream (approximate trimming).
const DefaultMaxLen = 1000

// Bus publishes events to one Redis stream per run.
type Bus struct {
	client *redis.Client
	maxLen int64
}

// New wraps an existing client.
func New(client *redis.Client, maxLen int64) *Bus {
	if maxLen <= 0 {
		maxLen = DefaultMaxLen
	}
	return &Bus{client: client, maxLen: maxLen}
}

// Dial connects to addr and verifies the connection.
func Dial(ctx context.Context, addr, password string, db int, maxLen int64) (*Bus, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return New(client, maxLen), nil
}

func key(runID string) string {
	return KeyPrefix + runID
}

// Publish appends ev to the run's stream.
func (b *Bus) Publish(ctx context.Context, ev events.Event) error {
	data, err := json.Marshal(ev.Data)
	if err != nil {
		return fmt.Errorf("failed to marshal event data: %w", err)
	}
	args := &redis.XAddArgs{
		Stream: key(ev.RunID),
		MaxLen: b.maxLen,
		Approx: true,
		Values: map[string]interface{}{
			"type":           ev.Type,
			"seq":            ev.Seq,
			"timestamp":      ev.Timestamp.UTC().Format(time.RFC3339Nano),
			"correlation_id": ev.CorrelationID,
			"data":           string(data),
		},
	}
	if err := b.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}

// Replay reads the run's stream and returns events with seq greater than fromSeq.
func (b *Bus) Replay(ctx context.Context, runID string, fromSeq int64) ([]events.Event, error) {
	msgs, err := b.client.XRange(ctx, key(runID), "-", "+").Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read events: %w", err)
	}
	var out []events.Event
	for _, msg := range msgs {
		ev, ok := decode(runID, msg.Values)
		if !ok || ev.Seq <= fromSeq {
			continue
		}
		out = append(out, ev)
	}
	return out, nil
}

func decode(runID string, values map[string]interface{}) (events.Event, bool) {
	ev := events.Event{RunID: runID}
	typ, ok := values["type"].(string)
	if !ok {
		return ev, false
	}
	ev.Type = typ
	if s, ok := values["seq"].(string); ok {
		seq, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return ev, false
		}
		ev.Seq = seq
	}
	if ts, ok := values["timestamp"].(string); ok {
		if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			ev.Timestamp = t
		}
	}
	if cid, ok := values["correlation_id"].(string); ok {
		ev.CorrelationID = cid
	}
	if s, ok := values["data"].(string); ok {
		var data map[string]interface{}
		if err := json.Unmarshal([]byte(s), &data); err == nil {
			ev.Data = data
		}
	}
	return ev, true
}

// Delete removes the run's stream.
func (b *Bus) Delete(ctx context.Context, runID string) error {
	return b.client.Del(ctx, key(runID)).Err()
}

// Close closes the client.
func (b *Bus) Close() error {
	return b.client.Close()
}
