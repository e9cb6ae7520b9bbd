// Package app owns the agent's lifecycle: Wire builds every dependency for
// the configured mode and the mode functions run its timers.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/alanyoungcy/cfoagent/internal/config"
)

type App struct {
	cfg     *config.Config
	logger  *slog.Logger
	opts    []Option
	closers []func()
}

// New returns an App. opts reach Wire unchanged; live deployments use them
// to register venue adapters.
func New(cfg *config.Config, logger *slog.Logger, opts ...Option) *App {
	return &App{
		cfg:    cfg,
		logger: logger.With(slog.String("component", "app")),
		opts:   opts,
	}
}

// Run wires dependencies and blocks in the configured mode. live and paper
// run the agent; reconcile runs startup recovery once and returns.
func (a *App) Run(ctx context.Context) error {
	a.logger.InfoContext(ctx, "starting cfo agent",
		slog.String("mode", a.cfg.Mode),
		slog.String("agent_id", a.cfg.Agent.ID),
		slog.Bool("dry_run", a.cfg.Agent.DryRun),
		slog.Any("venues", a.cfg.VenueNames()),
	)

	deps, cleanup, err := Wire(ctx, a.cfg, a.logger, a.opts...)
	if err != nil {
		return fmt.Errorf("app: wire: %w", err)
	}
	a.closers = append(a.closers, cleanup)

	switch mode := strings.ToLower(a.cfg.Mode); mode {
	case "live", "paper":
		return a.AgentMode(ctx, deps)
	case "reconcile":
		return a.ReconcileMode(ctx, deps)
	default:
		return fmt.Errorf("app: unsupported mode %q", mode)
	}
}

// Close releases resources in reverse order of acquisition. Calling it twice
// is a no-op.
func (a *App) Close() {
	if len(a.closers) == 0 {
		return
	}
	a.logger.Info("releasing resources", slog.Int("count", len(a.closers)))
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
