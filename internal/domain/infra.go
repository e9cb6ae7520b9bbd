package domain

import (
	"context"
	"io"
	"time"
)

// LockManager hands out the single-flight lock around decision cycles.
// Acquire does not wait: a held lock returns ErrLockHeld.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// DecisionCycleLockKey is held by every path that executes decisions: the
// scheduled cycle and approval replays.
const DecisionCycleLockKey = "decision-cycle"

// StreamMessage is one entry of a durable stream. ID is the cursor to pass
// back to StreamRead.
type StreamMessage struct {
	ID      string
	Payload []byte
}

// SignalBus is the transport under the agent bus and the decision producer:
// fire-and-forget channels plus durable, cursor-read streams.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
	StreamAppend(ctx context.Context, stream string, payload []byte) error
	StreamRead(ctx context.Context, stream string, lastID string, count int) ([]StreamMessage, error)
}

// BlobWriter uploads one object to cold storage.
type BlobWriter interface {
	Upload(ctx context.Context, key string, body io.Reader, contentType string) error
}

// Archiver moves old audit data from the database to cold storage.
type Archiver interface {
	ArchiveCycles(ctx context.Context, before time.Time) (int64, error)
}
