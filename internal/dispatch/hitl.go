package dispatch

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/msageha/autodispatch/internal/agent"
	"github.com/msageha/autodispatch/internal/model"
)

// HitlOutcome describes what the HITL notifier did, or would do in dry-run.
type HitlOutcome struct {
	// Pending lists every needs_human_decision task id.
	Pending []string
	// Due lists the ids whose alert cooldown has expired.
	Due []string
	// Cooling lists the ids still inside the alert cooldown.
	Cooling []string
	// Sent is true when the aggregated alert was delivered.
	Sent bool
	Err  error
}

// HitlNotifier alerts the orchestrator about tasks awaiting a human decision.
type HitlNotifier struct {
	orchestrator string
	invoker      agent.Invoker
	policy       Policy
	desktop      func(title, message string) error
	clog         componentLog
}

func NewHitlNotifier(orchestrator string, invoker agent.Invoker, policy Policy, logger *log.Logger, logLevel LogLevel) *HitlNotifier {
	return &HitlNotifier{
		orchestrator: orchestrator,
		invoker:      invoker,
		policy:       policy,
		clog:         componentLog{logger: logger, minLevel: logLevel, component: "hitl"},
	}
}

// SetDesktopNotifier enables a best-effort local alert alongside the orchestrator message.
func (h *HitlNotifier) SetDesktopNotifier(f func(title, message string) error) {
	h.desktop = f
}

// Plan classifies HITL tasks without side effects.
func (h *HitlNotifier) Plan(tasks []*model.Task, state *model.DispatchState, now time.Time) ([]*model.Task, HitlOutcome) {
	var out HitlOutcome
	var due []*model.Task
	for _, t := range tasks {
		if t.Status != model.StatusNeedsHumanDecision {
			continue
		}
		out.Pending = append(out.Pending, t.ID)
		if last, ok := state.HitlNotifiedAt[t.ID]; ok && now.Sub(last) < h.policy.HitlCooldown {
			out.Cooling = append(out.Cooling, t.ID)
			continue
		}
		out.Due = append(out.Due, t.ID)
		due = append(due, t)
	}
	return due, out
}

// Notify sends one aggregated alert for every due task and stamps
// hitl_notified_at on success. Failed alerts are retried next run.
func (h *HitlNotifier) Notify(ctx context.Context, tasks []*model.Task, state *model.DispatchState, now time.Time) HitlOutcome {
	due, out := h.Plan(tasks, state, now)
	if len(due) == 0 {
		h.clog.log(LogLevelDebug, "ok pending=%d all_within_cooldown", len(out.Pending))
		return out
	}

	msg := BuildHitlMessage(due)
	res := h.invoker.Invoke(ctx, agent.Request{
		AgentID: h.orchestrator,
		Message: msg,
		Deliver: true,
		Wait:    h.policy.HitlWait,
	})
	switch {
	case res.Err != nil:
		out.Err = res.Err
	case !res.Started:
		out.Err = fmt.Errorf("agent runtime did not start")
	case res.ExitCode != nil && *res.ExitCode != 0:
		out.Err = fmt.Errorf("exited rc=%d: %s", *res.ExitCode, excerpt(res.Output, 200))
	}
	if out.Err != nil {
		h.clog.log(LogLevelError, "notify_failed orchestrator=%s tasks=%v error=%v", h.orchestrator, out.Due, out.Err)
		return out
	}

	for _, t := range due {
		state.HitlNotifiedAt[t.ID] = now
	}
	out.Sent = true
	h.clog.log(LogLevelInfo, "notified orchestrator=%s tasks=%v pid=%d", h.orchestrator, out.Due, res.PID)

	if h.desktop != nil {
		if err := h.desktop(fmt.Sprintf("HITL Required (%d)", len(due)), strings.Join(out.Due, ", ")); err != nil {
			h.clog.log(LogLevelWarn, "desktop_notify_failed error=%v", err)
		}
	}
	return out
}

// BuildHitlMessage composes the aggregated alert text.
func BuildHitlMessage(tasks []*model.Task) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "🚨 HITL Required — %d task(s) need your decision:\n\n", len(tasks))
	for _, t := range tasks {
		fmt.Fprintf(&sb, "• %s: %s\n", t.ID, t.Title)
	}
	sb.WriteString("\nPlease reply so the team can be unblocked.")
	return sb.String()
}

// excerpt trims s and cuts it to at most n runes.
func excerpt(s string, n int) string {
	s = strings.TrimSpace(s)
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
