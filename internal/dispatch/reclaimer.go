package dispatch

import (
	"fmt"
	"log"
	"time"

	"github.com/msageha/autodispatch/internal/comms"
	"github.com/msageha/autodispatch/internal/model"
)

// StaleTaskReclaimer returns in-progress tasks to pending when they have
// outlived the stale threshold with no outbox activity from their agent.
type StaleTaskReclaimer struct {
	mailbox   *comms.Mailbox
	threshold time.Duration
	clog      componentLog
}

func NewStaleTaskReclaimer(mailbox *comms.Mailbox, threshold time.Duration, logger *log.Logger, logLevel LogLevel) *StaleTaskReclaimer {
	return &StaleTaskReclaimer{
		mailbox:   mailbox,
		threshold: threshold,
		clog:      componentLog{logger: logger, minLevel: logLevel, component: "stale_reclaimer"},
	}
}

// Note is the annotation attached to a reclaimed task.
func (r *StaleTaskReclaimer) Note() string {
	return fmt.Sprintf("Auto-reset: in-progress >%dm with no outbox activity", int(r.threshold/time.Minute))
}

// Reclaim mutates stale tasks in place and returns their ids in storage order.
func (r *StaleTaskReclaimer) Reclaim(tasks []*model.Task, now time.Time) []string {
	var reclaimed []string
	for _, t := range tasks {
		if t.Status != model.StatusInProgress {
			continue
		}
		ref, ok := t.ReferenceTime()
		if !ok {
			r.clog.log(LogLevelDebug, "skip task=%s reason=no_reference_time", t.ID)
			continue
		}
		if now.Sub(ref) < r.threshold {
			continue
		}
		if mtime, ok := r.mailbox.OutboxModTime(t.AssignedTo); ok && mtime.After(ref) {
			r.clog.log(LogLevelDebug, "skip task=%s agent=%s reason=outbox_active mtime=%s",
				t.ID, t.AssignedTo, mtime.Format(time.RFC3339))
			continue
		}

		t.Status = model.StatusPending
		t.StartedAt = ""
		t.Note = r.Note()
		reclaimed = append(reclaimed, t.ID)
		r.clog.log(LogLevelInfo, "reset task=%s agent=%s age=%s", t.ID, t.AssignedTo, now.Sub(ref).Truncate(time.Minute))
	}
	return reclaimed
}
