package dispatch

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/msageha/autodispatch/internal/comms"
	"github.com/msageha/autodispatch/internal/model"
)

// Candidate pairs an agent with the task it would be triggered for.
type Candidate struct {
	Agent string
	Task  *model.Task
}

// SelectCandidates picks the first pending task of each agent in storage order.
// Later pending tasks of an already-seen agent wait for a later run.
func SelectCandidates(tasks []*model.Task) []Candidate {
	var candidates []Candidate
	seen := make(map[string]bool)
	for _, t := range tasks {
		if t.Status != model.StatusPending || t.AssignedTo == "" {
			continue
		}
		if seen[t.AssignedTo] {
			continue
		}
		seen[t.AssignedTo] = true
		candidates = append(candidates, Candidate{Agent: t.AssignedTo, Task: t})
	}
	return candidates
}

// Skip reasons that carry no parameters.
const (
	ReasonOrchestrator = "orchestrator"
	ReasonBlocked      = "BLOCKED"
	ReasonEmptyInbox   = "empty inbox"
)

// EligibilityFilter decides whether a candidate may be triggered now.
type EligibilityFilter struct {
	excluded map[string]bool
	policy   Policy
	mailbox  *comms.Mailbox
	clog     componentLog
}

func NewEligibilityFilter(excluded []string, policy Policy, mailbox *comms.Mailbox, logger *log.Logger, logLevel LogLevel) *EligibilityFilter {
	ex := make(map[string]bool, len(excluded))
	for _, id := range excluded {
		ex[id] = true
	}
	return &EligibilityFilter{
		excluded: ex,
		policy:   policy,
		mailbox:  mailbox,
		clog:     componentLog{logger: logger, minLevel: logLevel, component: "eligibility"},
	}
}

// IsExcluded reports whether agentID is never auto-triggered.
func (f *EligibilityFilter) IsExcluded(agentID string) bool {
	return f.excluded[agentID]
}

// Evaluate runs the checks in fixed order and returns the first failing
// reason. An empty reason with ok=true means the candidate is eligible.
func (f *EligibilityFilter) Evaluate(c Candidate, state *model.DispatchState, deps *DependencyResolver, now time.Time) (reason string, ok bool) {
	if f.IsExcluded(c.Agent) {
		return ReasonOrchestrator, false
	}
	if until, limited := state.RateLimitedUntil[c.Agent]; limited && now.Before(until) {
		return "rate_limited until " + until.UTC().Format(time.RFC3339), false
	}
	if last, triggered := state.LastTriggered[c.Agent]; triggered {
		if elapsed := now.Sub(last); elapsed < f.policy.Cooldown {
			remaining := f.policy.Cooldown - elapsed
			return fmt.Sprintf("cooldown (%dm)", int(remaining/time.Minute)), false
		}
	}
	if satisfied, blocking := deps.Satisfied(c.Task); !satisfied {
		f.clog.log(LogLevelInfo, "agent=%s task=%s blocked_by=%v", c.Agent, c.Task.ID, blocking)
		return "waiting for " + formatIDList(blocking), false
	}
	if f.mailbox.IsBlocked(c.Agent) {
		return ReasonBlocked, false
	}
	if !f.mailbox.HasPendingInbox(c.Agent) {
		return ReasonEmptyInbox, false
	}
	return "", true
}

// formatIDList renders ids as ['A', 'B'], the form existing dispatch logs use.
func formatIDList(ids []string) string {
	quoted := make([]string, len(ids))
	for i, id := range ids {
		quoted[i] = "'" + id + "'"
	}
	return "[" + strings.Join(quoted, ", ") + "]"
}
