package scheduler

import (
	"fmt"
	"strings"

	"github.com/alanyoungcy/cfoagent/internal/domain"
)

// Summarize renders a one-paragraph human report of a cycle.
func Summarize(rec domain.CycleRecord) string {
	if rec.TraceID == SkippedTraceID || rec.TraceID == PausedTraceID {
		return "cycle " + rec.TraceID
	}
	counts := make(map[domain.Outcome]int)
	for _, r := range rec.Results {
		counts[r.Outcome]++
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Portfolio $%.2f across %d open position(s), unrealized $%.2f.",
		rec.State.TotalValueUSD, len(rec.State.OpenPositions), rec.State.UnrealizedPnLUSD)
	if rec.Degraded {
		fmt.Fprintf(&b, " Cycle degraded: %s.", rec.Error)
		return b.String()
	}
	if len(rec.Decisions) == 0 {
		b.WriteString(" No decisions.")
		return b.String()
	}
	fmt.Fprintf(&b, " %d decision(s):", len(rec.Decisions))
	order := []domain.Outcome{
		domain.OutcomeExecuted, domain.OutcomeOrderPlaced, domain.OutcomeUnknown,
		domain.OutcomePendingApproval, domain.OutcomeFailed, domain.OutcomeCooldown,
		domain.OutcomeDryRun, domain.OutcomeSkipped,
	}
	parts := make([]string, 0, len(order))
	for _, o := range order {
		if n := counts[o]; n > 0 {
			parts = append(parts, fmt.Sprintf("%d %s", n, strings.ReplaceAll(string(o), "_", " ")))
		}
	}
	b.WriteString(" " + strings.Join(parts, ", ") + ".")
	if rec.DryRun {
		b.WriteString(" (dry run)")
	}
	return b.String()
}
