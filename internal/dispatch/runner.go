// Package dispatch decides, once per invocation, which agents to activate:
// stale reclaim, HITL alerts, candidate selection, eligibility and dispatch.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/msageha/autodispatch/internal/agent"
	"github.com/msageha/autodispatch/internal/comms"
	"github.com/msageha/autodispatch/internal/lock"
	"github.com/msageha/autodispatch/internal/model"
	"github.com/msageha/autodispatch/internal/taskstore"
)

// LockFileName is the advisory lock taken in the workspace for each run.
const LockFileName = ".autodispatch.lock"

// AuditSink receives each execute-mode run summary.
type AuditSink interface {
	LogRun(summary model.RunSummary, execute bool) error
}

// Options wires a Runner. Zero values fall back to defaults where one exists.
type Options struct {
	Workspace string
	// Paths are resolved against Workspace unless absolute.
	Paths        model.PathsConfig
	Orchestrator string
	// Exclude lists agents never auto-triggered in addition to Orchestrator.
	Exclude    []string
	Policy     Policy
	Invoker    agent.Invoker
	Classifier SignalClassifier
	Logger     *log.Logger
	LogLevel   LogLevel
	Now        func() time.Time
	Audit      AuditSink
	// DesktopNotify, when set, is called after a HITL alert is delivered.
	DesktopNotify func(title, message string) error
	// UseLock takes the workspace lock for the duration of each run.
	UseLock bool
}

// Runner executes the dispatch pipeline against one workspace.
type Runner struct {
	workspace    string
	tasksPath    string
	orchestrator string
	excluded     []string
	policy       Policy
	now          func() time.Time
	useLock      bool
	audit        AuditSink

	states     *StateStore
	reclaimer  *StaleTaskReclaimer
	filter     *EligibilityFilter
	hitl       *HitlNotifier
	dispatcher *Dispatcher
	logger     *log.Logger
	logLevel   LogLevel
	clog       componentLog
}

func NewRunner(opts Options) (*Runner, error) {
	if opts.Workspace == "" {
		return nil, errors.New("workspace is required")
	}
	if opts.Orchestrator == "" {
		return nil, errors.New("orchestrator id is required")
	}
	if opts.Invoker == nil {
		return nil, errors.New("agent invoker is required")
	}
	if opts.Policy == (Policy{}) {
		opts.Policy = DefaultPolicy()
	}
	if opts.Classifier == nil {
		opts.Classifier = NewPhraseClassifier(model.DefaultRateLimitSignals)
	}
	if opts.Logger == nil {
		opts.Logger = log.New(io.Discard, "", 0)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	defaults := model.DefaultConfig().Paths
	resolve := func(p, def string) string {
		if p == "" {
			p = def
		}
		return model.WorkspacePath(opts.Workspace, p)
	}
	mailbox := comms.New(
		resolve(opts.Paths.InboxesDir, defaults.InboxesDir),
		resolve(opts.Paths.OutboxesDir, defaults.OutboxesDir),
	)

	excluded := []string{opts.Orchestrator}
	for _, id := range opts.Exclude {
		if id != "" && id != opts.Orchestrator {
			excluded = append(excluded, id)
		}
	}

	r := &Runner{
		workspace:    opts.Workspace,
		tasksPath:    resolve(opts.Paths.TasksFile, defaults.TasksFile),
		orchestrator: opts.Orchestrator,
		excluded:     excluded,
		policy:       opts.Policy,
		now:          opts.Now,
		useLock:      opts.UseLock,
		audit:        opts.Audit,
		logger:       opts.Logger,
		logLevel:     opts.LogLevel,
		clog:         componentLog{logger: opts.Logger, minLevel: opts.LogLevel, component: "runner"},
	}
	r.states = NewStateStore(resolve(opts.Paths.StateFile, defaults.StateFile), opts.Workspace, opts.Logger, opts.LogLevel)
	r.reclaimer = NewStaleTaskReclaimer(mailbox, opts.Policy.StaleThreshold, opts.Logger, opts.LogLevel)
	r.filter = NewEligibilityFilter(excluded, opts.Policy, mailbox, opts.Logger, opts.LogLevel)
	r.hitl = NewHitlNotifier(opts.Orchestrator, opts.Invoker, opts.Policy, opts.Logger, opts.LogLevel)
	if opts.DesktopNotify != nil {
		r.hitl.SetDesktopNotifier(opts.DesktopNotify)
	}
	r.dispatcher = NewDispatcher(opts.Workspace, mailbox, opts.Invoker, opts.Classifier, opts.Policy, opts.Logger, opts.LogLevel)
	return r, nil
}

// Excluded returns the agents that are never auto-triggered, orchestrator first.
func (r *Runner) Excluded() []string {
	return append([]string(nil), r.excluded...)
}

// Run performs one dispatcher pass. In dry-run (execute=false) only the stale
// reclaim writes; nothing is invoked and the dispatch state is untouched.
//
// A task-store load failure aborts before any mutation and returns a
// *taskstore.LoadError. Persistence failures after agents were triggered are
// returned alongside the report.
func (r *Runner) Run(ctx context.Context, execute bool) (*Report, error) {
	if r.useLock {
		fl := lock.NewFileLock(filepath.Join(r.workspace, LockFileName))
		if err := fl.TryLock(); err != nil {
			return nil, err
		}
		defer func() {
			if err := fl.Unlock(); err != nil {
				r.clog.log(LogLevelWarn, "unlock_failed error=%v", err)
			}
		}()
	}

	now := r.now()
	tasks, err := taskstore.Load(r.tasksPath)
	if err != nil {
		r.clog.log(LogLevelError, "abort error=%v", err)
		return nil, err
	}
	state, err := r.states.Load(execute, now)
	if err != nil {
		r.clog.log(LogLevelError, "abort error=%v", err)
		return nil, err
	}

	report := &Report{
		RunID:        uuid.NewString(),
		Execute:      execute,
		RunAt:        now,
		Workspace:    r.workspace,
		Orchestrator: r.orchestrator,
	}
	var persistErrs []error

	report.Reclaimed = r.reclaimer.Reclaim(tasks.Tasks, now)
	if len(report.Reclaimed) > 0 {
		if err := tasks.Save(r.tasksPath, now); err != nil {
			r.clog.log(LogLevelError, "persist_tasks_failed error=%v", err)
			persistErrs = append(persistErrs, fmt.Errorf("persist reclaimed tasks: %w", err))
		}
	}

	if execute {
		report.Hitl = r.hitl.Notify(ctx, tasks.Tasks, state, now)
	} else {
		_, report.Hitl = r.hitl.Plan(tasks.Tasks, state, now)
	}

	deps := NewDependencyResolver(tasks.Index, r.logger, r.logLevel)
	for _, c := range SelectCandidates(tasks.Tasks) {
		if err := ctx.Err(); err != nil {
			r.clog.log(LogLevelWarn, "cancelled before agent=%s error=%v", c.Agent, err)
			break
		}
		reason, eligible := r.filter.Evaluate(c, state, deps, now)
		switch {
		case !eligible:
			report.Skipped = append(report.Skipped, model.SkipRecord{Agent: c.Agent, Reason: reason})
		case !execute:
			report.Triggered = append(report.Triggered, model.TriggerRecord{
				Agent: c.Agent, TaskID: c.Task.ID, Title: TaskTitle(c.Task), At: now,
			})
		default:
			out := r.dispatcher.Dispatch(ctx, c, state, now)
			if out.Trigger != nil {
				report.Triggered = append(report.Triggered, *out.Trigger)
			} else {
				report.Skipped = append(report.Skipped, *out.Skip)
			}
		}
	}

	report.PendingCount = tasks.Count(model.StatusPending)
	report.HitlCount = tasks.Count(model.StatusNeedsHumanDecision)

	if !execute {
		return report, errors.Join(persistErrs...)
	}

	summary := report.Summary()
	state.AppendHistory(summary, r.policy.HistoryMax)
	if err := r.states.Save(state); err != nil {
		r.clog.log(LogLevelError, "persist_state_failed error=%v", err)
		persistErrs = append(persistErrs, err)
	}
	if r.audit != nil {
		if err := r.audit.LogRun(summary, execute); err != nil {
			r.clog.log(LogLevelWarn, "audit_failed error=%v", err)
		}
	}
	r.clog.log(LogLevelInfo, "run_complete run_id=%s pending=%d hitl=%d triggered=%d skipped=%d",
		report.RunID, report.PendingCount, report.HitlCount, len(report.Triggered), len(report.Skipped))
	return report, errors.Join(persistErrs...)
}
