// Package bus is the agent's side of the inter-agent message bus. Commands
// arrive on the agent's inbox stream and are acknowledged by persisting the
// stream cursor in the agent state, so a restart resumes after the last
// handled command. Reports go to peer inboxes; heartbeats and alerts are
// broadcast.
package bus

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/cfoagent/internal/agentstate"
	"github.com/alanyoungcy/cfoagent/internal/domain"
)

// DefaultBroadcast is the pub/sub channel for heartbeats and alerts.
const DefaultBroadcast = "agents:broadcast"

// InboxStream returns the stream name of an agent's inbox.
func InboxStream(agent string) string {
	return "agent:" + agent + ":inbox"
}

// Sink mirrors every outbound message to a secondary transport.
type Sink interface {
	Emit(ctx context.Context, msg domain.Message) error
}

// Handler processes one inbound message.
type Handler interface {
	Handle(ctx context.Context, msg domain.Message) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, msg domain.Message) error

func (f HandlerFunc) Handle(ctx context.Context, msg domain.Message) error { return f(ctx, msg) }

// Signer signs outbound envelopes with the agent wallet.
type Signer interface {
	SignText(msg []byte) ([]byte, error)
}

// Config names this agent and its peers. Empty peers disable the
// corresponding reports.
type Config struct {
	AgentID      string
	Orchestrator string
	Security     string
	Audit        string
	Broadcast    string
	ReadCount    int
}

// Option customizes a Client.
type Option func(*Client)

// WithSink mirrors outbound messages to s.
func WithSink(s Sink) Option {
	return func(c *Client) { c.sink = s }
}

// WithSigner signs every outbound message.
func WithSigner(s Signer) Option {
	return func(c *Client) { c.signer = s }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

// Client sends and receives agent messages over a domain.SignalBus.
type Client struct {
	bus    domain.SignalBus
	state  *agentstate.Store
	cfg    Config
	sink   Sink
	signer Signer
	now    func() time.Time
	logger *slog.Logger
}

// New creates a Client. state holds the inbox cursor.
func New(bus domain.SignalBus, state *agentstate.Store, cfg Config, logger *slog.Logger, opts ...Option) *Client {
	if cfg.AgentID == "" {
		cfg.AgentID = "cfo"
	}
	if cfg.Broadcast == "" {
		cfg.Broadcast = DefaultBroadcast
	}
	if cfg.ReadCount <= 0 {
		cfg.ReadCount = 32
	}
	c := &Client{
		bus:    bus,
		state:  state,
		cfg:    cfg,
		now:    func() time.Time { return time.Now().UTC() },
		logger: logger.With(slog.String("component", "bus")),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// AgentID returns the id this client sends as.
func (c *Client) AgentID() string { return c.cfg.AgentID }

func (c *Client) envelope(to string, typ domain.MessageType, payload any) (domain.Message, error) {
	msg := domain.Message{
		ID:     uuid.NewString(),
		Type:   typ,
		From:   c.cfg.AgentID,
		To:     to,
		SentAt: c.now(),
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return domain.Message{}, fmt.Errorf("bus: encode %s: %w", typ, err)
		}
		msg.Payload = raw
	}
	if c.signer != nil {
		sig, err := c.signer.SignText(msg.SigningBytes())
		if err != nil {
			return domain.Message{}, fmt.Errorf("bus: sign %s: %w", typ, err)
		}
		msg.Signature = hex.EncodeToString(sig)
	}
	return msg, nil
}

// Send appends a message to the inbox of agent to.
func (c *Client) Send(ctx context.Context, to string, typ domain.MessageType, payload any) (domain.Message, error) {
	msg, err := c.envelope(to, typ, payload)
	if err != nil {
		return domain.Message{}, err
	}
	raw, err := json.Marshal(msg)
	if err != nil {
		return domain.Message{}, fmt.Errorf("bus: encode message: %w", err)
	}
	if err := c.bus.StreamAppend(ctx, InboxStream(to), raw); err != nil {
		return domain.Message{}, fmt.Errorf("bus: send %s to %s: %w", typ, to, err)
	}
	c.mirror(ctx, msg)
	return msg, nil
}

// Broadcast publishes a message to every listening agent. Delivery is best
// effort.
func (c *Client) Broadcast(ctx context.Context, typ domain.MessageType, payload any) error {
	msg, err := c.envelope("*", typ, payload)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("bus: encode message: %w", err)
	}
	if err := c.bus.Publish(ctx, c.cfg.Broadcast, raw); err != nil {
		return fmt.Errorf("bus: broadcast %s: %w", typ, err)
	}
	c.mirror(ctx, msg)
	return nil
}

func (c *Client) mirror(ctx context.Context, msg domain.Message) {
	if c.sink == nil {
		return
	}
	if err := c.sink.Emit(ctx, msg); err != nil {
		c.logger.WarnContext(ctx, "sink emit failed",
			slog.String("type", string(msg.Type)),
			slog.String("error", err.Error()),
		)
	}
}

// Receive returns up to max unacknowledged messages from this agent's inbox.
// Entries that cannot be decoded come back with an empty Type so the caller
// can acknowledge past them.
func (c *Client) Receive(ctx context.Context, max int) ([]domain.Message, error) {
	if max <= 0 {
		max = c.cfg.ReadCount
	}
	cursor := c.state.Snapshot().BusCursor
	if cursor == "" {
		cursor = "0"
	}
	entries, err := c.bus.StreamRead(ctx, InboxStream(c.cfg.AgentID), cursor, max)
	if err != nil {
		return nil, fmt.Errorf("bus: receive: %w", err)
	}
	out := make([]domain.Message, 0, len(entries))
	for _, e := range entries {
		var msg domain.Message
		if err := json.Unmarshal(e.Payload, &msg); err != nil {
			c.logger.WarnContext(ctx, "undecodable message",
				slog.String("stream_id", e.ID),
				slog.String("error", err.Error()),
			)
			msg = domain.Message{}
		}
		msg.Cursor = e.ID
		out = append(out, msg)
	}
	return out, nil
}

// Ack marks msg and everything before it in the inbox as handled.
func (c *Client) Ack(ctx context.Context, msg domain.Message) error {
	if msg.Cursor == "" {
		return nil
	}
	_, err := c.state.Update(ctx, func(st *domain.AgentState) error {
		st.BusCursor = msg.Cursor
		return nil
	})
	if err != nil {
		return fmt.Errorf("bus: ack %s: %w", msg.Cursor, err)
	}
	return nil
}

// Poll receives one batch, hands each message to h and acknowledges it. A
// handler error is logged and the message is still acknowledged; commands
// are not retried.
func (c *Client) Poll(ctx context.Context, h Handler) (int, error) {
	msgs, err := c.Receive(ctx, 0)
	if err != nil {
		return 0, err
	}
	for _, msg := range msgs {
		if msg.Type != "" {
			if err := h.Handle(ctx, msg); err != nil {
				c.logger.ErrorContext(ctx, "message handler failed",
					slog.String("type", string(msg.Type)),
					slog.String("from", msg.From),
					slog.String("id", msg.ID),
					slog.String("error", err.Error()),
				)
			}
		}
		if err := c.Ack(ctx, msg); err != nil {
			return 0, err
		}
	}
	return len(msgs), nil
}

// Run polls the inbox every interval until ctx is cancelled.
func (c *Client) Run(ctx context.Context, interval time.Duration, h Handler) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	c.logger.InfoContext(ctx, "inbox listener started",
		slog.String("inbox", InboxStream(c.cfg.AgentID)),
		slog.Duration("interval", interval),
	)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			for {
				n, err := c.Poll(ctx, h)
				if err != nil {
					c.logger.WarnContext(ctx, "inbox poll failed", slog.String("error", err.Error()))
					break
				}
				if n < c.cfg.ReadCount {
					break
				}
			}
		}
	}
}

// Reply sends a response to the sender of msg.
func (c *Client) Reply(ctx context.Context, msg domain.Message, typ domain.MessageType, payload any) error {
	if msg.From == "" {
		return nil
	}
	_, err := c.Send(ctx, msg.From, typ, payload)
	return err
}
