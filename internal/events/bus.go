package events

import "context"

// Bus mirrors events to an external broker so other processes can replay a run.
type Bus interface {
	Publish(ctx context.Context, ev Event) error
	// Replay returns the events of runID with seq greater than fromSeq, in order.
	Replay(ctx context.Context, runID string, fromSeq int64) ([]Event, error)
	Delete(ctx context.Context, runID string) error
	Close() error
}

// NoopBus discards everything.
type NoopBus struct{}

func (NoopBus) Publish(context.Context, Event) error { return nil }

func (NoopBus) Replay(context.Context, string, int64) ([]Event, error) { return nil, nil }

func (NoopBus) Delete(context.Context, string) error { return nil }

func (NoopBus) Close() error { return nil }
