// Package natsbus mirrors run events to a NATS JetStream stream.
package natsbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/vinayprograms/orchestrator/internal/events"
)

// SubjectPrefix is the subject prefix; the full subject is SubjectPrefix + "." + run id.
const SubjectPrefix = "orchestrator.runs"

// StreamName is the JetStream stream holding every run subject.
const StreamName = "ORCHESTRATOR_RUNS"

// DefaultMaxPerRun caps the messages kept per run subject.
const DefaultMaxPerRun = 1000

const replayBatch = 1000

// Bus publishes events to one subject per run.
type Bus struct {
	conn   *nats.Conn
	js     jetstream.JetStream
	stream jetstream.Stream
}

// Dial connects to url and ensures the stream exists.
func Dial(ctx context.Context, url string, maxPerRun int64) (*Bus, error) {
	conn, err := nats.Connect(url, nats.Name("orchestrator"), nats.Timeout(5*time.Second))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	b, err := New(ctx, conn, maxPerRun)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return b, nil
}

// New wraps an existing connection.
func New(ctx context.Context, conn *nats.Conn, maxPerRun int64) (*Bus, error) {
	if maxPerRun <= 0 {
		maxPerRun = DefaultMaxPerRun
	}
	js, err := jetstream.New(conn)
	if err != nil {
		return nil, fmt.Errorf("failed to open JetStream: %w", err)
	}
	stream, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:              StreamName,
		Subjects:          []string{SubjectPrefix + ".>"},
		MaxMsgsPerSubject: maxPerRun,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create stream: %w", err)
	}
	return &Bus{conn: conn, js: js, stream: stream}, nil
}

// Subject returns the subject carrying runID's events.
func Subject(runID string) string {
	return SubjectPrefix + "." + runID
}

// Publish sends ev on the run's subject.
func (b *Bus) Publish(ctx context.Context, ev events.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if _, err := b.js.Publish(ctx, Subject(ev.RunID), data); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}

// Replay reads the run's subject from the start and returns events with seq greater
// than fromSeq.
func (b *Bus) Replay(ctx context.Context, runID string, fromSeq int64) ([]events.Event, error) {
	cons, err := b.stream.OrderedConsumer(ctx, jetstream.OrderedConsumerConfig{
		FilterSubjects: []string{Subject(runID)},
		DeliverPolicy:  jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer: %w", err)
	}
	batch, err := cons.FetchNoWait(replayBatch)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch events: %w", err)
	}
	var out []events.Event
	for msg := range batch.Messages() {
		var ev events.Event
		if err := json.Unmarshal(msg.Data(), &ev); err != nil {
			continue
		}
		if ev.Seq > fromSeq {
			out = append(out, ev)
		}
	}
	if err := batch.Error(); err != nil && !errors.Is(err, nats.ErrTimeout) {
		return out, fmt.Errorf("failed to fetch events: %w", err)
	}
	return out, nil
}

// Delete purges the run's subject.
func (b *Bus) Delete(ctx context.Context, runID string) error {
	return b.stream.Purge(ctx, jetstream.WithPurgeSubject(Subject(runID)))
}

// Close drains the connection.
func (b *Bus) Close() error {
	return b.conn.Drain()
}
