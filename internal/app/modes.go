package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/cfoagent/internal/domain"
	"github.com/alanyoungcy/cfoagent/internal/metrics"
	"github.com/alanyoungcy/cfoagent/internal/recovery"
	"github.com/alanyoungcy/cfoagent/internal/server"
	"github.com/alanyoungcy/cfoagent/internal/server/handler"
)

// AgentMode reconciles startup state and then runs every timer until ctx is
// cancelled: decision cycle, position monitor, approval sweep, inbox,
// heartbeat, daily digest and the operator API.
func (a *App) AgentMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting agent mode", slog.String("mode", a.cfg.Mode))
	metrics.Init()

	// Recovery runs before any timer so the first cycle sees restored state.
	report := deps.Recovery.Run(ctx)
	a.logReport(ctx, report)

	status := &agentStatus{cfg: a.cfg, deps: deps}
	commands := &commandHandler{
		deps:   deps,
		status: status,
		logger: a.logger.With(slog.String("component", "commands")),
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return deps.Scheduler.Run(ctx)
	})
	g.Go(func() error {
		return deps.Monitor.Run(ctx, a.cfg.Agent.MonitorInterval.Duration)
	})
	g.Go(func() error {
		return deps.Approvals.Run(ctx, a.cfg.Approval.SweepInterval.Duration)
	})
	g.Go(func() error {
		return deps.Executor.Run(ctx)
	})
	g.Go(func() error {
		return deps.Bus.Run(ctx, a.cfg.Agent.InboxInterval.Duration, commands)
	})
	g.Go(func() error {
		return deps.Bus.RunHeartbeat(ctx, a.cfg.Agent.HeartbeatInterval.Duration, status.heartbeat)
	})
	g.Go(func() error {
		return a.runDigest(ctx, deps)
	})

	if a.cfg.Server.Enabled {
		srv := a.newServer(deps, status)
		g.Go(func() error {
			return srv.Run(ctx)
		})
	}

	return g.Wait()
}

// ReconcileMode runs the startup reconciliation once and returns. It fails
// when any step failed so scripts can tell.
func (a *App) ReconcileMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting reconcile mode")
	report := deps.Recovery.Run(ctx)
	a.logReport(ctx, report)
	deps.Pause.Stop()
	if report.Failed() {
		return fmt.Errorf("app: reconcile: one or more steps failed")
	}
	return nil
}

func (a *App) logReport(ctx context.Context, report recovery.Report) {
	for _, step := range report.Steps {
		attrs := []any{
			slog.String("step", step.Step),
			slog.Int("actions", len(step.Actions)),
		}
		if step.Error != "" {
			a.logger.ErrorContext(ctx, "reconcile step failed", append(attrs, slog.String("error", step.Error))...)
			continue
		}
		a.logger.InfoContext(ctx, "reconcile step done", attrs...)
	}
}

// runDigest refreshes the daily snapshot, notifies a summary and archives
// old audit records on every digest tick.
func (a *App) runDigest(ctx context.Context, deps *Dependencies) error {
	ticker := time.NewTicker(a.cfg.Agent.DigestInterval.Duration)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			a.digest(ctx, deps)
		}
	}
}

func (a *App) digest(ctx context.Context, deps *Dependencies) {
	snap, err := deps.Ledger.RefreshDailySnapshot(ctx)
	if err != nil {
		a.logger.ErrorContext(ctx, "daily snapshot failed", slog.String("error", err.Error()))
		return
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Portfolio: $%.2f\nRealized today: $%.2f\nUnrealized: $%.2f",
		snap.TotalValueUSD, snap.RealizedPnLUSD, snap.UnrealizedPnLUSD)
	if n := len(deps.Approvals.Pending()); n > 0 {
		fmt.Fprintf(&b, "\nPending approvals: %d", n)
	}
	if deps.Pause.Paused() {
		fmt.Fprintf(&b, "\nPAUSED until %s", deps.Pause.Until().Format(time.RFC3339))
	}
	if err := deps.Notifier.Notify(ctx, domain.EventDigest, "Daily digest "+snap.Date, b.String()); err != nil {
		a.logger.WarnContext(ctx, "digest notification failed", slog.String("error", err.Error()))
	}

	if deps.Archiver == nil {
		return
	}
	before := time.Now().UTC().AddDate(0, 0, -a.cfg.S3.ArchiveRetentionDays)
	n, err := deps.Archiver.ArchiveCycles(ctx, before)
	if err != nil {
		a.logger.ErrorContext(ctx, "cycle archive failed", slog.String("error", err.Error()))
		return
	}
	if n > 0 {
		a.logger.InfoContext(ctx, "cycle records archived",
			slog.Int64("count", n),
			slog.Time("before", before),
		)
	}
}

func (a *App) newServer(deps *Dependencies, status *agentStatus) *server.Server {
	return server.NewServer(server.Config{
		Port:       a.cfg.Server.Port,
		APIKey:     a.cfg.Server.APIKey,
		RatePerSec: a.cfg.Server.RatePerSec,
		RateBurst:  a.cfg.Server.RateBurst,
	}, server.Handlers{
		Health:    handler.NewHealthHandler(deps.Health...),
		Status:    handler.NewStatusHandler(status, a.logger),
		Ledger:    handler.NewLedgerHandler(deps.Ledger, a.logger),
		Approvals: handler.NewApprovalHandler(deps.Approvals, a.logger),
		Control:   handler.NewControlHandler(deps.Scheduler, deps.Cycles, deps.Pause, a.logger),
	}, a.logger)
}
