package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/alanyoungcy/cfoagent/internal/bus"
	"github.com/alanyoungcy/cfoagent/internal/domain"
)

// commandHandler executes inbound bus commands against the running agent.
type commandHandler struct {
	deps   *Dependencies
	status *agentStatus
	logger *slog.Logger
}

var _ bus.Handler = (*commandHandler)(nil)

func (h *commandHandler) Handle(ctx context.Context, msg domain.Message) error {
	log := h.logger.With(
		slog.String("type", string(msg.Type)),
		slog.String("from", msg.From),
	)
	switch msg.Type {
	case domain.MsgPause:
		cmd := decodePause(msg)
		until, err := h.deps.Pause.Pause(ctx, cmd.Reason)
		if err != nil {
			return err
		}
		log.InfoContext(ctx, "paused by command", slog.Time("until", until))
		return nil

	case domain.MsgEmergencyExit, domain.MsgMarketCrash:
		cmd := decodePause(msg)
		report, err := h.deps.Pause.EmergencyExit(ctx, cmd.Reason)
		log.WarnContext(ctx, "emergency exit by command",
			slog.Int("exited", report.Exited),
			slog.Int("resting", report.Resting),
			slog.Int("failed", report.Failed),
		)
		return err

	case domain.MsgResume:
		cmd := decodePause(msg)
		return h.deps.Pause.Resume(ctx, cmd.Reason)

	case domain.MsgApprove:
		var cmd domain.ApprovalCommand
		if err := decode(msg, &cmd); err != nil {
			return err
		}
		res, err := h.deps.Approvals.Approve(ctx, cmd.ID)
		if err != nil && !errors.Is(err, domain.ErrNotReplayable) {
			return err
		}
		return h.deps.Bus.Reply(ctx, msg, domain.MsgExecutionReport, res)

	case domain.MsgReject:
		var cmd domain.ApprovalCommand
		if err := decode(msg, &cmd); err != nil {
			return err
		}
		reason := cmd.Reason
		if reason == "" {
			reason = "rejected by " + msg.From
		}
		return h.deps.Approvals.Reject(ctx, cmd.ID, reason)

	case domain.MsgStatusRequest:
		st, err := h.status.Status(ctx)
		if err != nil {
			return err
		}
		return h.deps.Bus.Reply(ctx, msg, domain.MsgStatusReport, st)

	case domain.MsgForceCycle:
		h.deps.Scheduler.Trigger()
		return nil

	default:
		log.WarnContext(ctx, "unknown command ignored")
		return nil
	}
}

func decode(msg domain.Message, v any) error {
	if len(msg.Payload) == 0 {
		return fmt.Errorf("app: %s: empty payload", msg.Type)
	}
	if err := json.Unmarshal(msg.Payload, v); err != nil {
		return fmt.Errorf("app: decode %s: %w", msg.Type, err)
	}
	return nil
}

// decodePause tolerates a missing payload and names the sender as reason.
func decodePause(msg domain.Message) domain.PauseCommand {
	var cmd domain.PauseCommand
	if len(msg.Payload) > 0 {
		_ = json.Unmarshal(msg.Payload, &cmd)
	}
	if cmd.Reason == "" {
		cmd.Reason = fmt.Sprintf("%s from %s", msg.Type, msg.From)
	}
	return cmd
}
