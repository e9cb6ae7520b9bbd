package bus

import (
	"context"
	"log/slog"
	"time"

	"github.com/alanyoungcy/cfoagent/internal/domain"
)

// CycleReport is the payload of cycle_report messages.
type CycleReport struct {
	TraceID   string                   `json:"trace_id"`
	StartedAt time.Time                `json:"started_at"`
	Degraded  bool                     `json:"degraded"`
	DryRun    bool                     `json:"dry_run"`
	Decisions int                      `json:"decisions"`
	Results   []domain.ExecutionResult `json:"results,omitempty"`
	Report    string                   `json:"report,omitempty"`
	Error     string                   `json:"error,omitempty"`
}

// Alert is the payload of alert messages.
type Alert struct {
	Event   string `json:"event,omitempty"`
	Title   string `json:"title"`
	Message string `json:"message"`
}

// Heartbeat is the payload of heartbeat messages.
type Heartbeat struct {
	Agent  string    `json:"agent"`
	At     time.Time `json:"at"`
	Status any       `json:"status,omitempty"`
}

// ReportCycle sends a cycle summary to the orchestrator and the full record
// to the audit agent.
func (c *Client) ReportCycle(ctx context.Context, rec domain.CycleRecord) error {
	if c.cfg.Audit != "" {
		if _, err := c.Send(ctx, c.cfg.Audit, domain.MsgAuditEvent, rec); err != nil {
			return err
		}
	}
	if c.cfg.Orchestrator == "" {
		return nil
	}
	_, err := c.Send(ctx, c.cfg.Orchestrator, domain.MsgCycleReport, CycleReport{
		TraceID:   rec.TraceID,
		StartedAt: rec.StartedAt,
		Degraded:  rec.Degraded,
		DryRun:    rec.DryRun,
		Decisions: len(rec.Decisions),
		Results:   rec.Results,
		Report:    rec.Report,
		Error:     rec.Error,
	})
	return err
}

// ReportExecution sends one execution outcome to the orchestrator.
func (c *Client) ReportExecution(ctx context.Context, res domain.ExecutionResult) error {
	if c.cfg.Orchestrator == "" {
		return nil
	}
	_, err := c.Send(ctx, c.cfg.Orchestrator, domain.MsgExecutionReport, res)
	return err
}

// Watch asks the security agent to monitor an on-chain holding.
func (c *Client) Watch(ctx context.Context, w domain.ExposureWatch) error {
	if c.cfg.Security == "" {
		return nil
	}
	_, err := c.Send(ctx, c.cfg.Security, domain.MsgWatchExposure, w)
	return err
}

// Alert broadcasts an operator-facing alert.
func (c *Client) Alert(ctx context.Context, event, title, message string) error {
	return c.Broadcast(ctx, domain.MsgAlert, Alert{Event: event, Title: title, Message: message})
}

// Heartbeat broadcasts a liveness message carrying status.
func (c *Client) Heartbeat(ctx context.Context, status any) error {
	return c.Broadcast(ctx, domain.MsgHeartbeat, Heartbeat{Agent: c.cfg.AgentID, At: c.now(), Status: status})
}

// RunHeartbeat broadcasts a heartbeat every interval until ctx is cancelled.
// status may be nil.
func (c *Client) RunHeartbeat(ctx context.Context, interval time.Duration, status func(context.Context) any) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			var st any
			if status != nil {
				st = status(ctx)
			}
			if err := c.Heartbeat(ctx, st); err != nil {
				c.logger.WarnContext(ctx, "heartbeat failed", slog.String("error", err.Error()))
			}
		}
	}
}
