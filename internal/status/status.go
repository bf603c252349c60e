// Package status reports the dispatcher's view of a workspace without acting on it.
package status

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/msageha/autodispatch/internal/comms"
	"github.com/msageha/autodispatch/internal/events"
	"github.com/msageha/autodispatch/internal/jsonfile"
	"github.com/msageha/autodispatch/internal/lock"
	"github.com/msageha/autodispatch/internal/model"
	"github.com/msageha/autodispatch/internal/taskstore"
)

type WorkspaceStatus struct {
	Workspace string         `json:"workspace"`
	Lock      LockStatus     `json:"lock"`
	Tasks     map[string]int `json:"tasks"`
	Agents    []AgentStatus  `json:"agents,omitempty"`
	LastRun   *LastRunStatus `json:"last_run,omitempty"`
	StateNote string         `json:"state_note,omitempty"`
	Audit     *AuditStatus   `json:"audit,omitempty"`
}

// AuditStatus summarizes the run audit log. Valid counts entries whose
// checksum still matches.
type AuditStatus struct {
	Path    string `json:"path"`
	Entries int    `json:"entries"`
	Valid   int    `json:"valid"`
	Error   string `json:"error,omitempty"`
}

type LockStatus struct {
	Held bool `json:"held"`
	Pid  int  `json:"pid,omitempty"`
}

type AgentStatus struct {
	ID               string     `json:"id"`
	Pending          int        `json:"pending"`
	InProgress       int        `json:"in_progress"`
	Hitl             int        `json:"hitl"`
	LastTriggered    *time.Time `json:"last_triggered,omitempty"`
	CooldownLeft     string     `json:"cooldown_left,omitempty"`
	RateLimitedUntil *time.Time `json:"rate_limited_until,omitempty"`
	Blocked          bool       `json:"blocked"`
	InboxPending     bool       `json:"inbox_pending"`
}

type LastRunStatus struct {
	RunID     string    `json:"run_id"`
	RunAt     time.Time `json:"run_at"`
	Triggered int       `json:"triggered"`
	Skipped   int       `json:"skipped"`
}

// Options locates the workspace files. Paths are resolved against Workspace.
// AuditLog is checked when set; a missing log is not reported.
type Options struct {
	Workspace string
	Paths     model.PathsConfig
	Cooldown  time.Duration
	LockFile  string
	AuditLog  string
	Now       time.Time
}

// Collect reads TASKS.json, DISPATCHER_STATE.json and the agent artifacts.
// A missing or corrupt state file is reported in StateNote, not as an error.
func Collect(opts Options) (*WorkspaceStatus, error) {
	resolve := func(p string) string {
		return model.WorkspacePath(opts.Workspace, p)
	}

	tasks, err := taskstore.Load(resolve(opts.Paths.TasksFile))
	if err != nil {
		return nil, err
	}

	st := &model.DispatchState{}
	note := ""
	if err := jsonfile.Read(resolve(opts.Paths.StateFile), st); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			note = "no dispatcher state yet"
		} else {
			note = fmt.Sprintf("dispatcher state unreadable: %v", err)
		}
		st = model.NewDispatchState()
	}
	st.Normalize()

	mailbox := comms.New(resolve(opts.Paths.InboxesDir), resolve(opts.Paths.OutboxesDir))
	s := &WorkspaceStatus{
		Workspace: opts.Workspace,
		Lock:      checkLock(resolve(opts.LockFile)),
		Tasks:     make(map[string]int),
		StateNote: note,
	}

	agents := make(map[string]*AgentStatus)
	agentFor := func(id string) *AgentStatus {
		a, ok := agents[id]
		if !ok {
			a = &AgentStatus{ID: id}
			agents[id] = a
		}
		return a
	}
	for _, t := range tasks.Tasks {
		s.Tasks[string(t.Status)]++
		if t.AssignedTo == "" {
			continue
		}
		a := agentFor(t.AssignedTo)
		switch t.Status {
		case model.StatusPending:
			a.Pending++
		case model.StatusInProgress:
			a.InProgress++
		case model.StatusNeedsHumanDecision:
			a.Hitl++
		}
	}
	for id := range st.LastTriggered {
		agentFor(id)
	}
	for id := range st.RateLimitedUntil {
		agentFor(id)
	}

	for id, a := range agents {
		if last, ok := st.LastTriggered[id]; ok {
			a.LastTriggered = &last
			if left := opts.Cooldown - opts.Now.Sub(last); left > 0 {
				a.CooldownLeft = left.Truncate(time.Minute).String()
			}
		}
		if until, ok := st.RateLimitedUntil[id]; ok && opts.Now.Before(until) {
			a.RateLimitedUntil = &until
		}
		a.Blocked = mailbox.IsBlocked(id)
		a.InboxPending = mailbox.HasPendingInbox(id)
		s.Agents = append(s.Agents, *a)
	}
	sort.Slice(s.Agents, func(i, j int) bool { return s.Agents[i].ID < s.Agents[j].ID })

	if opts.AuditLog != "" {
		s.Audit = checkAudit(resolve(opts.AuditLog))
	}

	if st.LastSummary != nil {
		s.LastRun = &LastRunStatus{
			RunID:     st.LastSummary.RunID,
			RunAt:     st.LastSummary.RunAt,
			Triggered: len(st.LastSummary.Triggered),
			Skipped:   len(st.LastSummary.Skipped),
		}
	}
	return s, nil
}

func checkLock(path string) LockStatus {
	held, pid, err := lock.Holder(path)
	if err != nil {
		return LockStatus{}
	}
	return LockStatus{Held: held, Pid: pid}
}

func checkAudit(path string) *AuditStatus {
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	total, valid, err := events.VerifyLogIntegrity(path)
	a := &AuditStatus{Path: path, Entries: total, Valid: valid}
	if err != nil {
		a.Error = err.Error()
	}
	return a
}

func WriteJSON(w io.Writer, s *WorkspaceStatus) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(s)
}

func Print(w io.Writer, s *WorkspaceStatus) {
	fmt.Fprintf(w, "Workspace: %s\n", s.Workspace)
	if s.Lock.Held {
		fmt.Fprintf(w, "Dispatcher: running (pid %d)\n", s.Lock.Pid)
	} else {
		fmt.Fprintln(w, "Dispatcher: idle")
	}
	if s.LastRun != nil {
		fmt.Fprintf(w, "Last run: %s  triggered=%d skipped=%d\n",
			s.LastRun.RunAt.UTC().Format(time.RFC3339), s.LastRun.Triggered, s.LastRun.Skipped)
	}
	if s.StateNote != "" {
		fmt.Fprintf(w, "State: %s\n", s.StateNote)
	}
	if a := s.Audit; a != nil {
		switch {
		case a.Error != "":
			fmt.Fprintf(w, "Audit log: %s\n", a.Error)
		case a.Valid < a.Entries:
			fmt.Fprintf(w, "Audit log: %d entries, %d FAILED checksum\n", a.Entries, a.Entries-a.Valid)
		default:
			fmt.Fprintf(w, "Audit log: %d entries, checksums ok\n", a.Entries)
		}
	}

	statuses := make([]string, 0, len(s.Tasks))
	for k := range s.Tasks {
		statuses = append(statuses, k)
	}
	sort.Strings(statuses)
	fmt.Fprintln(w, "\nTasks:")
	for _, k := range statuses {
		fmt.Fprintf(w, "  %-22s %4d\n", k, s.Tasks[k])
	}

	if len(s.Agents) == 0 {
		fmt.Fprintln(w, "\nAgents: none")
		return
	}
	fmt.Fprintln(w, "\nAgents:")
	fmt.Fprintf(w, "  %-14s  %7s  %11s  %4s  %-10s  %-20s  %s\n",
		"ID", "PENDING", "IN_PROGRESS", "HITL", "COOLDOWN", "RATE_LIMITED_UNTIL", "FLAGS")
	for _, a := range s.Agents {
		cooldown := "-"
		if a.CooldownLeft != "" {
			cooldown = a.CooldownLeft
		}
		limited := "-"
		if a.RateLimitedUntil != nil {
			limited = a.RateLimitedUntil.UTC().Format(time.RFC3339)
		}
		var flags []string
		if a.Blocked {
			flags = append(flags, "BLOCKED")
		}
		if a.InboxPending {
			flags = append(flags, "inbox")
		}
		fmt.Fprintf(w, "  %-14s  %7d  %11d  %4d  %-10s  %-20s  %s\n",
			a.ID, a.Pending, a.InProgress, a.Hitl, cooldown, limited, strings.Join(flags, ","))
	}
}
