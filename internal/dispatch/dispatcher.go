package dispatch

import (
	"context"
	"fmt"
	"log"
	"path/filepath"
	"strings"
	"time"

	"github.com/msageha/autodispatch/internal/agent"
	"github.com/msageha/autodispatch/internal/comms"
	"github.com/msageha/autodispatch/internal/model"
)

// Dispatcher starts agent runtime sessions for eligible candidates and reads
// the first seconds of output for rate-limit and early-failure signals.
type Dispatcher struct {
	workspace  string
	mailbox    *comms.Mailbox
	invoker    agent.Invoker
	classifier SignalClassifier
	policy     Policy
	clog       componentLog
}

func NewDispatcher(workspace string, mailbox *comms.Mailbox, invoker agent.Invoker, classifier SignalClassifier, policy Policy, logger *log.Logger, logLevel LogLevel) *Dispatcher {
	return &Dispatcher{
		workspace:  workspace,
		mailbox:    mailbox,
		invoker:    invoker,
		classifier: classifier,
		policy:     policy,
		clog:       componentLog{logger: logger, minLevel: logLevel, component: "dispatcher"},
	}
}

// Outcome is the result of one dispatch attempt. Exactly one of Trigger or
// Skip is set.
type Outcome struct {
	Trigger *model.TriggerRecord
	Skip    *model.SkipRecord
}

// Dispatch triggers c and updates state:
//   - rate-limit signal: rate_limited_until = now + backoff, not triggered
//   - early failure: no state change, retried next run
//   - otherwise: last_triggered = now
func (d *Dispatcher) Dispatch(ctx context.Context, c Candidate, state *model.DispatchState, now time.Time) Outcome {
	title := TaskTitle(c.Task)
	res := d.invoker.Invoke(ctx, agent.Request{
		AgentID: c.Agent,
		Message: d.Directive(c.Agent, title),
		Wait:    d.policy.SniffWait,
	})

	if res.Err != nil || !res.Started {
		err := res.Err
		if err == nil {
			err = fmt.Errorf("agent runtime did not start")
		}
		d.clog.log(LogLevelError, "start_failed agent=%s task=%s error=%v", c.Agent, c.Task.ID, err)
		return skip(c.Agent, "failed: "+excerpt(err.Error(), 200))
	}

	if signal, limited := d.classifier.RateLimited(res.Output); limited {
		if err := res.Terminate(); err != nil {
			d.clog.log(LogLevelWarn, "terminate_failed agent=%s pid=%d error=%v", c.Agent, res.PID, err)
		}
		until := now.Add(d.policy.RateLimitBackoff)
		state.RateLimitedUntil[c.Agent] = until
		d.clog.log(LogLevelWarn, "rate_limited agent=%s signal=%q backoff_until=%s", c.Agent, signal, until.UTC().Format(time.RFC3339))
		return skip(c.Agent, "rate_limit → backoff until "+until.UTC().Format(time.RFC3339))
	}

	if res.ExitCode != nil && *res.ExitCode != 0 {
		reason := fmt.Sprintf("failed: exited rc=%d: %s", *res.ExitCode, excerpt(res.Output, 200))
		d.clog.log(LogLevelError, "early_exit agent=%s task=%s rc=%d", c.Agent, c.Task.ID, *res.ExitCode)
		return skip(c.Agent, reason)
	}

	state.LastTriggered[c.Agent] = now
	d.clog.log(LogLevelInfo, "triggered agent=%s task=%s pid=%d", c.Agent, c.Task.ID, res.PID)
	return Outcome{Trigger: &model.TriggerRecord{
		Agent:  c.Agent,
		TaskID: c.Task.ID,
		Title:  title,
		At:     now,
	}}
}

// Directive is the message sent to a triggered agent.
func (d *Dispatcher) Directive(agentID, title string) string {
	inbox := d.mailbox.InboxPath(agentID)
	if rel, err := filepath.Rel(d.workspace, inbox); err == nil && !strings.HasPrefix(rel, "..") {
		inbox = filepath.ToSlash(rel)
	}
	return fmt.Sprintf("You have pending work in your inbox. Please read %s and begin work on your highest-priority pending task now. Task: %s", inbox, title)
}

// TaskTitle falls back to the id when a task has no title.
func TaskTitle(t *model.Task) string {
	if t.Title != "" {
		return t.Title
	}
	if t.ID != "" {
		return t.ID
	}
	return "pending task"
}

func skip(agentID, reason string) Outcome {
	return Outcome{Skip: &model.SkipRecord{Agent: agentID, Reason: reason}}
}
