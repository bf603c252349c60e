package dispatch

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/fatih/color"

	"github.com/msageha/autodispatch/internal/model"
)

// Report is the outcome of one Run, printed for the operator.
type Report struct {
	RunID        string
	Execute      bool
	RunAt        time.Time
	Workspace    string
	Orchestrator string
	Reclaimed    []string
	Hitl         HitlOutcome
	Triggered    []model.TriggerRecord
	Skipped      []model.SkipRecord
	PendingCount int
	HitlCount    int
}

// Summary converts the report into the record kept in dispatch history.
func (r *Report) Summary() model.RunSummary {
	s := model.RunSummary{
		RunID:        r.RunID,
		RunAt:        r.RunAt,
		Workspace:    r.Workspace,
		PendingCount: r.PendingCount,
		HitlCount:    r.HitlCount,
		Triggered:    append([]model.TriggerRecord{}, r.Triggered...),
		Skipped:      append([]model.SkipRecord{}, r.Skipped...),
		Reclaimed:    append([]string{}, r.Reclaimed...),
	}
	if r.Hitl.Sent {
		s.HitlNotified = append([]string{}, r.Hitl.Due...)
	}
	return s
}

var (
	headerColor  = color.New(color.Bold)
	triggerColor = color.New(color.FgGreen)
	skipColor    = color.New(color.FgYellow)
	alertColor   = color.New(color.FgRed, color.Bold)
	dimColor     = color.New(color.Faint)
)

// Print writes the human-readable plan (dry-run) or result (execute).
func (r *Report) Print(w io.Writer) {
	mode := "dry-run"
	if r.Execute {
		mode = "execute"
	}
	headerColor.Fprintf(w, "autodispatch %s  %s\n", mode, r.RunAt.UTC().Format(time.RFC3339))
	dimColor.Fprintf(w, "workspace: %s  orchestrator: %s\n", r.Workspace, r.Orchestrator)

	for _, id := range r.Reclaimed {
		skipColor.Fprintf(w, "↺ reclaimed %s (stale in-progress)\n", id)
	}

	r.printHitl(w)

	prefix := ""
	if !r.Execute {
		prefix = "[dry-run] "
	}
	for _, t := range r.Triggered {
		verb := "triggered"
		if !r.Execute {
			verb = "would trigger"
		}
		triggerColor.Fprintf(w, "%s→ %s %s: %s\n", prefix, verb, t.Agent, t.Title)
	}
	for _, s := range r.Skipped {
		verb := "skip"
		if !r.Execute {
			verb = "would skip"
		}
		skipColor.Fprintf(w, "%s→ %s %s: %s\n", prefix, verb, s.Agent, s.Reason)
	}
	if len(r.Triggered) == 0 && len(r.Skipped) == 0 {
		dimColor.Fprintln(w, "no pending candidates")
	}

	fmt.Fprintf(w, "%d pending · %d HITL · triggered %d · skipped %d\n",
		r.PendingCount, r.HitlCount, len(r.Triggered), len(r.Skipped))
}

func (r *Report) printHitl(w io.Writer) {
	h := r.Hitl
	if len(h.Pending) == 0 {
		return
	}
	switch {
	case h.Err != nil:
		alertColor.Fprintf(w, "✗ HITL alert failed for %s: %v\n", strings.Join(h.Due, ", "), h.Err)
	case h.Sent:
		alertColor.Fprintf(w, "🚨 HITL alert sent for %s\n", strings.Join(h.Due, ", "))
	case len(h.Due) > 0:
		alertColor.Fprintf(w, "[dry-run] 🚨 would alert orchestrator about %s\n", strings.Join(h.Due, ", "))
	}
	if len(h.Cooling) > 0 {
		dimColor.Fprintf(w, "HITL within cooldown: %s\n", strings.Join(h.Cooling, ", "))
	}
}
