// Package producer adapts the external decision-producer process to the
// scheduler. The process publishes decision batches and intel on the signal
// bus; this package only reads them and never evaluates policy itself.
package producer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/cfoagent/internal/domain"
)

// Default bus names.
const (
	DecisionStream   = "cfo:decisions"
	IntelStream      = "cfo:intel"
	PortfolioChannel = "cfo:portfolio"
)

const readBatch = 64

// Batch is one set of candidate decisions published by the producer process.
// A non-empty Error means the producer failed for that round.
type Batch struct {
	ID          string            `json:"id"`
	Decisions   []domain.Decision `json:"decisions"`
	Error       string            `json:"error,omitempty"`
	ProducedAt  time.Time         `json:"produced_at"`
	PortfolioAt time.Time         `json:"portfolio_at,omitempty"`
}

// Config holds stream names and freshness limits.
type Config struct {
	DecisionStream   string
	IntelStream      string
	PortfolioChannel string
	// MaxAge drops batches and intel older than this. Zero keeps everything.
	MaxAge time.Duration
}

func (c Config) withDefaults() Config {
	if c.DecisionStream == "" {
		c.DecisionStream = DecisionStream
	}
	if c.IntelStream == "" {
		c.IntelStream = IntelStream
	}
	if c.PortfolioChannel == "" {
		c.PortfolioChannel = PortfolioChannel
	}
	return c
}

// Stream implements domain.DecisionProducer and domain.IntelSource over a
// domain.SignalBus.
type Stream struct {
	bus    domain.SignalBus
	cfg    Config
	now    func() time.Time
	logger *slog.Logger

	mu             sync.Mutex
	decisionCursor string
	intelCursor    string
	intel          *domain.Intel
}

// NewStream creates a Stream reading from bus.
func NewStream(bus domain.SignalBus, cfg Config, logger *slog.Logger) *Stream {
	return &Stream{
		bus:            bus,
		cfg:            cfg.withDefaults(),
		now:            func() time.Time { return time.Now().UTC() },
		logger:         logger.With(slog.String("component", "producer")),
		decisionCursor: "0",
		intelCursor:    "0",
	}
}

// Produce publishes the portfolio snapshot for the producer process and
// returns the decisions of the newest fresh batch. Older batches are
// superseded. No batch means no decisions.
func (s *Stream) Produce(ctx context.Context, state domain.PortfolioState, intel domain.Intel) ([]domain.Decision, error) {
	if raw, err := json.Marshal(state); err == nil {
		if err := s.bus.Publish(ctx, s.cfg.PortfolioChannel, raw); err != nil {
			s.logger.WarnContext(ctx, "portfolio publish failed", slog.String("error", err.Error()))
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var latest *Batch
	for {
		msgs, err := s.bus.StreamRead(ctx, s.cfg.DecisionStream, s.decisionCursor, readBatch)
		if err != nil {
			return nil, fmt.Errorf("producer: read decisions: %w", err)
		}
		for _, m := range msgs {
			s.decisionCursor = m.ID
			var b Batch
			if err := json.Unmarshal(m.Payload, &b); err != nil {
				s.logger.WarnContext(ctx, "malformed decision batch dropped",
					slog.String("stream_id", m.ID),
					slog.String("error", err.Error()),
				)
				continue
			}
			if s.stale(b.ProducedAt) {
				continue
			}
			latest = &b
		}
		if len(msgs) < readBatch {
			break
		}
	}

	if latest == nil {
		return nil, nil
	}
	if latest.Error != "" {
		return nil, fmt.Errorf("producer: batch %s: %s", latest.ID, latest.Error)
	}

	out := make([]domain.Decision, 0, len(latest.Decisions))
	for _, d := range latest.Decisions {
		if d.ID == "" {
			d.ID = uuid.NewString()
		}
		if d.CreatedAt.IsZero() {
			d.CreatedAt = latest.ProducedAt
		}
		out = append(out, d)
	}
	s.logger.DebugContext(ctx, "decision batch consumed",
		slog.String("batch_id", latest.ID),
		slog.Int("decisions", len(out)),
	)
	return out, nil
}

// Latest returns the newest intel published on the intel stream.
func (s *Stream) Latest(ctx context.Context) (domain.Intel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for {
		msgs, err := s.bus.StreamRead(ctx, s.cfg.IntelStream, s.intelCursor, readBatch)
		if err != nil {
			return domain.Intel{}, fmt.Errorf("producer: read intel: %w", err)
		}
		for _, m := range msgs {
			s.intelCursor = m.ID
			var in domain.Intel
			if err := json.Unmarshal(m.Payload, &in); err != nil {
				continue
			}
			if in.ReceivedAt.IsZero() {
				in.ReceivedAt = s.now()
			}
			s.intel = &in
		}
		if len(msgs) < readBatch {
			break
		}
	}

	if s.intel == nil {
		return domain.Intel{}, fmt.Errorf("producer: intel: %w", domain.ErrNotFound)
	}
	if s.stale(s.intel.ReceivedAt) {
		return domain.Intel{}, fmt.Errorf("producer: intel from %s is stale", s.intel.ReceivedAt.Format(time.RFC3339))
	}
	return *s.intel, nil
}

func (s *Stream) stale(at time.Time) bool {
	if s.cfg.MaxAge <= 0 || at.IsZero() {
		return false
	}
	return s.now().Sub(at) > s.cfg.MaxAge
}

var (
	_ domain.DecisionProducer = (*Stream)(nil)
	_ domain.IntelSource      = (*Stream)(nil)
)
