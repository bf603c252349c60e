package dispatch

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/autodispatch/internal/agent"
	"github.com/msageha/autodispatch/internal/lock"
	"github.com/msageha/autodispatch/internal/model"
	"github.com/msageha/autodispatch/internal/taskstore"
)

type recordingAudit struct {
	summaries []model.RunSummary
}

func (a *recordingAudit) LogRun(s model.RunSummary, _ bool) error {
	a.summaries = append(a.summaries, s)
	return nil
}

// mixedWorkspace holds one candidate per skip reason plus one eligible agent.
func mixedWorkspace(t *testing.T) *testWorkspace {
	ws := newTestWorkspace(t)
	ws.writeTasks(
		task("M1", "main", model.StatusPending),
		task("T1", "dev-fs", model.StatusPending),
		task("T2", "dev-fs", model.StatusPending),
		map[string]any{"id": "A", "title": "needs B", "status": "pending", "assigned_to": "qa", "depends_on": []string{"B"}},
		task("B", "ops", model.StatusInProgress),
		task("C1", "cool", model.StatusPending),
		task("H1", "ops", model.StatusNeedsHumanDecision),
	)
	for _, id := range []string{"main", "dev-fs", "qa", "cool"} {
		ws.writeInbox(id, pendingInbox)
	}
	st := model.NewDispatchState()
	st.LastTriggered["cool"] = baseTime.Add(-10 * time.Minute)
	ws.writeState(st)
	return ws
}

func skipReasons(r *Report) map[string]string {
	out := make(map[string]string)
	for _, s := range r.Skipped {
		out[s.Agent] = s.Reason
	}
	return out
}

func triggeredAgents(r *Report) []string {
	var out []string
	for _, t := range r.Triggered {
		out = append(out, t.Agent)
	}
	return out
}

func TestRunner_ExecuteScenario(t *testing.T) {
	ws := mixedWorkspace(t)
	inv := &fakeInvoker{}
	now := baseTime
	audit := &recordingAudit{}
	r := ws.newRunner(inv, &now)
	r.audit = audit

	report, err := r.Run(context.Background(), true)
	require.NoError(t, err)

	assert.Equal(t, []string{"dev-fs"}, triggeredAgents(report))
	assert.Equal(t, "T1", report.Triggered[0].TaskID)
	assert.Equal(t, map[string]string{
		"main": "orchestrator",
		"qa":   "waiting for ['B']",
		"cool": "cooldown (20m)",
	}, skipReasons(report))
	assert.Equal(t, 5, report.PendingCount)
	assert.Equal(t, 1, report.HitlCount)
	assert.True(t, report.Hitl.Sent)
	assert.NotEmpty(t, report.RunID)

	// one HITL alert plus one trigger
	calls := inv.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, "main", calls[0].AgentID)
	assert.True(t, calls[0].Deliver)
	assert.Equal(t, "dev-fs", calls[1].AgentID)

	st := ws.readState()
	assert.True(t, st.LastTriggered["dev-fs"].Equal(baseTime))
	assert.True(t, st.HitlNotifiedAt["H1"].Equal(baseTime))
	require.Len(t, st.History, 1)
	require.NotNil(t, st.LastRun)
	assert.True(t, st.LastRun.Equal(baseTime))
	assert.Equal(t, report.RunID, st.History[0].RunID)
	assert.Equal(t, []string{"H1"}, st.History[0].HitlNotified)

	require.Len(t, audit.summaries, 1)
	assert.Equal(t, report.RunID, audit.summaries[0].RunID)
}

func TestRunner_CooldownAcrossRuns(t *testing.T) {
	ws := newTestWorkspace(t)
	ws.writeTasks(task("T1", "dev-fs", model.StatusPending))
	ws.writeInbox("dev-fs", pendingInbox)
	inv := &fakeInvoker{}
	now := baseTime
	r := ws.newRunner(inv, &now)

	report, err := r.Run(context.Background(), true)
	require.NoError(t, err)
	assert.Equal(t, []string{"dev-fs"}, triggeredAgents(report))

	now = baseTime.Add(10 * time.Minute)
	report, err = r.Run(context.Background(), true)
	require.NoError(t, err)
	assert.Empty(t, report.Triggered)
	assert.Equal(t, "cooldown (20m)", skipReasons(report)["dev-fs"])

	now = baseTime.Add(31 * time.Minute)
	report, err = r.Run(context.Background(), true)
	require.NoError(t, err)
	assert.Equal(t, []string{"dev-fs"}, triggeredAgents(report))

	assert.Len(t, inv.Calls(), 2)
	assert.Len(t, ws.readState().History, 3)
}

func TestRunner_RateLimitBackoffAcrossRuns(t *testing.T) {
	ws := newTestWorkspace(t)
	ws.writeTasks(task("T1", "dev-fs", model.StatusPending))
	ws.writeInbox("dev-fs", pendingInbox)
	limited := true
	inv := &fakeInvoker{respond: func(agent.Request) agent.Result {
		if limited {
			return agent.Result{Started: true, Output: "⚠️ API rate limit reached"}
		}
		return agent.Result{Started: true}
	}}
	now := baseTime
	r := ws.newRunner(inv, &now)

	report, err := r.Run(context.Background(), true)
	require.NoError(t, err)
	assert.Empty(t, report.Triggered)
	assert.Equal(t, "rate_limit → backoff until 2026-04-01T09:10:00Z", skipReasons(report)["dev-fs"])
	assert.True(t, ws.readState().RateLimitedUntil["dev-fs"].Equal(baseTime.Add(10*time.Minute)))

	limited = false
	now = baseTime.Add(5 * time.Minute)
	report, err = r.Run(context.Background(), true)
	require.NoError(t, err)
	assert.Equal(t, "rate_limited until 2026-04-01T09:10:00Z", skipReasons(report)["dev-fs"])
	assert.Len(t, inv.Calls(), 1)

	now = baseTime.Add(11 * time.Minute)
	report, err = r.Run(context.Background(), true)
	require.NoError(t, err)
	assert.Equal(t, []string{"dev-fs"}, triggeredAgents(report))
}

func TestRunner_ExcludedAgentsNeverTriggered(t *testing.T) {
	ws := newTestWorkspace(t)
	ws.writeTasks(
		task("M1", "main", model.StatusPending),
		task("W1", "watcher", model.StatusPending),
		task("D1", "dev", model.StatusPending),
	)
	for _, id := range []string{"main", "watcher", "dev"} {
		ws.writeInbox(id, pendingInbox)
	}
	inv := &fakeInvoker{}
	now := baseTime
	r := ws.newRunner(inv, &now, "watcher")
	assert.Equal(t, []string{"main", "watcher"}, r.Excluded())

	report, err := r.Run(context.Background(), true)
	require.NoError(t, err)

	assert.Equal(t, []string{"dev"}, triggeredAgents(report))
	assert.Equal(t, "orchestrator", skipReasons(report)["main"])
	assert.Equal(t, "orchestrator", skipReasons(report)["watcher"])
	for _, c := range inv.Calls() {
		assert.NotEqual(t, "main", c.AgentID)
		assert.NotEqual(t, "watcher", c.AgentID)
	}
}

func TestRunner_DryRunMatchesExecuteWithoutSideEffects(t *testing.T) {
	ws := mixedWorkspace(t)
	before, err := os.ReadFile(ws.path("DISPATCHER_STATE.json"))
	require.NoError(t, err)

	inv := &fakeInvoker{}
	now := baseTime
	r := ws.newRunner(inv, &now)

	preview, err := r.Run(context.Background(), false)
	require.NoError(t, err)

	after, err := os.ReadFile(ws.path("DISPATCHER_STATE.json"))
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.Empty(t, inv.Calls())
	assert.False(t, preview.Execute)
	assert.Equal(t, []string{"H1"}, preview.Hitl.Due)
	assert.False(t, preview.Hitl.Sent)

	executed, err := r.Run(context.Background(), true)
	require.NoError(t, err)

	assert.Equal(t, triggeredAgents(preview), triggeredAgents(executed))
	assert.Equal(t, skipReasons(preview), skipReasons(executed))
	assert.Equal(t, preview.PendingCount, executed.PendingCount)
	assert.Equal(t, preview.HitlCount, executed.HitlCount)
}

func TestRunner_DryRunStillReclaims(t *testing.T) {
	ws := newTestWorkspace(t)
	ws.writeTasks(map[string]any{
		"id": "C", "title": "stuck", "status": "in-progress", "assigned_to": "dev",
		"started_at": baseTime.Add(-100 * time.Minute).Format(time.RFC3339),
		"priority":   "high",
	})
	ws.writeInbox("dev", pendingInbox)
	inv := &fakeInvoker{}
	now := baseTime
	r := ws.newRunner(inv, &now)

	report, err := r.Run(context.Background(), false)
	require.NoError(t, err)

	assert.Equal(t, []string{"C"}, report.Reclaimed)
	// reclaimed tasks are candidates in the same run
	assert.Equal(t, []string{"dev"}, triggeredAgents(report))
	assert.Equal(t, 1, report.PendingCount)

	tasks := ws.readTasks()
	require.Len(t, tasks, 1)
	assert.Equal(t, "pending", tasks[0]["status"])
	assert.Contains(t, tasks[0]["note"], "Auto-reset")
	assert.NotContains(t, tasks[0], "started_at")
	assert.Equal(t, "high", tasks[0]["priority"])

	assert.NoFileExists(t, ws.path("DISPATCHER_STATE.json"))
	assert.Empty(t, inv.Calls())
}

func TestRunner_ReclaimRewritesTasksFaithfully(t *testing.T) {
	ws := newTestWorkspace(t)
	started := baseTime.Add(-100 * time.Minute).Format(time.RFC3339)
	tasks := `{"tasks": [
  {"id": 7, "status": "in-progress", "assigned_to": "dev", "started_at": "` + started + `"},
  {"id": 8, "title": "follow up", "status": "pending", "assigned_to": "qa", "depends_on": [7]}
]}`
	require.NoError(t, os.WriteFile(ws.path("TASKS.json"), []byte(tasks), 0644))
	ws.writeInbox("dev", pendingInbox)
	ws.writeInbox("qa", pendingInbox)
	now := baseTime

	report, err := ws.newRunner(&fakeInvoker{}, &now).Run(context.Background(), true)
	require.NoError(t, err)

	assert.Equal(t, []string{"7"}, report.Reclaimed)
	assert.Equal(t, []string{"dev"}, triggeredAgents(report))
	assert.Equal(t, "7", report.Triggered[0].TaskID)
	assert.Equal(t, "waiting for ['7']", skipReasons(report)["qa"])

	raw, err := os.ReadFile(ws.path("TASKS.json"))
	require.NoError(t, err)
	content := string(raw)
	assert.Contains(t, content, "in-progress >90m")
	assert.Contains(t, content, `"id": 7`)
	assert.Contains(t, content, `"depends_on": [`)
	assert.NotContains(t, content, `\u003e`)
	assert.NotContains(t, content, `"title": ""`)
	assert.NotContains(t, content, `"assigned_to": ""`)
}

func TestRunner_LoadErrorAborts(t *testing.T) {
	tests := []struct {
		name  string
		setup func(ws *testWorkspace)
	}{
		{"missing", func(*testWorkspace) {}},
		{"malformed", func(ws *testWorkspace) {
			require.NoError(t, os.WriteFile(ws.path("TASKS.json"), []byte(`{"tasks": [`), 0644))
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ws := newTestWorkspace(t)
			tt.setup(ws)
			ws.writeInbox("dev", pendingInbox)
			inv := &fakeInvoker{}
			now := baseTime
			r := ws.newRunner(inv, &now)

			report, err := r.Run(context.Background(), true)

			assert.Nil(t, report)
			var loadErr *taskstore.LoadError
			require.ErrorAs(t, err, &loadErr)
			assert.Empty(t, inv.Calls())
			assert.NoFileExists(t, ws.path("DISPATCHER_STATE.json"))
		})
	}
}

func TestRunner_CorruptStateQuarantinedInExecute(t *testing.T) {
	ws := newTestWorkspace(t)
	ws.writeTasks(task("T1", "dev", model.StatusPending))
	ws.writeInbox("dev", pendingInbox)
	require.NoError(t, os.WriteFile(ws.path("DISPATCHER_STATE.json"), []byte("{not json"), 0644))
	now := baseTime

	_, err := ws.newRunner(&fakeInvoker{}, &now).Run(context.Background(), false)
	require.NoError(t, err)
	assert.NoDirExists(t, ws.path("quarantine"))

	report, err := ws.newRunner(&fakeInvoker{}, &now).Run(context.Background(), true)
	require.NoError(t, err)
	assert.Equal(t, []string{"dev"}, triggeredAgents(report))

	quarantined, err := filepath.Glob(ws.path("quarantine/DISPATCHER_STATE.json.*.corrupt"))
	require.NoError(t, err)
	assert.Len(t, quarantined, 1)
	assert.True(t, ws.readState().LastTriggered["dev"].Equal(baseTime))
}

func TestRunner_ZonelessStateStampsKeepCooldown(t *testing.T) {
	ws := newTestWorkspace(t)
	ws.writeTasks(
		task("T1", "dev", model.StatusPending),
		task("T2", "ops", model.StatusPending),
		task("T3", "qa", model.StatusPending),
	)
	for _, id := range []string{"dev", "ops", "qa"} {
		ws.writeInbox(id, pendingInbox)
	}
	state := `{
  "last_triggered": {
    "dev": "2026-04-01T08:55:00Z",
    "ops": "2026-04-01T08:55:00",
    "qa": "yesterday"
  },
  "rate_limited_until": {},
  "hitl_notified_at": {},
  "history": []
}`
	require.NoError(t, os.WriteFile(ws.path("DISPATCHER_STATE.json"), []byte(state), 0644))
	inv := &fakeInvoker{}
	now := baseTime

	report, err := ws.newRunner(inv, &now).Run(context.Background(), true)
	require.NoError(t, err)

	assert.Equal(t, []string{"qa"}, triggeredAgents(report))
	reasons := skipReasons(report)
	assert.Equal(t, "cooldown (25m)", reasons["dev"])
	assert.Equal(t, "cooldown (25m)", reasons["ops"])
	assert.Len(t, inv.Calls(), 1)
	assert.NoDirExists(t, ws.path("quarantine"))

	saved := ws.readState()
	assert.True(t, saved.LastTriggered["ops"].Equal(baseTime.Add(-5*time.Minute)))
	assert.True(t, saved.LastTriggered["qa"].Equal(baseTime))
}

func TestRunner_EarlyFailureRetriedNextRun(t *testing.T) {
	ws := newTestWorkspace(t)
	ws.writeTasks(task("T1", "dev", model.StatusPending))
	ws.writeInbox("dev", pendingInbox)
	fail := true
	inv := &fakeInvoker{respond: func(agent.Request) agent.Result {
		if fail {
			return agent.Result{Started: true, ExitCode: exitCode(1), Output: "unknown agent dev"}
		}
		return agent.Result{Started: true}
	}}
	now := baseTime
	r := ws.newRunner(inv, &now)

	report, err := r.Run(context.Background(), true)
	require.NoError(t, err)
	assert.Equal(t, "failed: exited rc=1: unknown agent dev", skipReasons(report)["dev"])

	fail = false
	now = baseTime.Add(time.Minute)
	report, err = r.Run(context.Background(), true)
	require.NoError(t, err)
	assert.Equal(t, []string{"dev"}, triggeredAgents(report))
}

func TestRunner_LockHeld(t *testing.T) {
	ws := newTestWorkspace(t)
	ws.writeTasks(task("T1", "dev", model.StatusPending))
	held := lock.NewFileLock(ws.path(LockFileName))
	require.NoError(t, held.TryLock())
	defer held.Unlock()

	inv := &fakeInvoker{}
	now := baseTime
	_, err := ws.newRunner(inv, &now).Run(context.Background(), true)

	assert.True(t, errors.Is(err, lock.ErrLocked))
	assert.Empty(t, inv.Calls())
}

func TestRunner_PersistFailureSurfaced(t *testing.T) {
	ws := newTestWorkspace(t)
	ws.writeTasks(task("T1", "dev", model.StatusPending))
	ws.writeInbox("dev", pendingInbox)
	// the state file path turns into a non-empty directory mid-run
	inv := &fakeInvoker{respond: func(agent.Request) agent.Result {
		_ = os.MkdirAll(ws.path("DISPATCHER_STATE.json/occupied"), 0755)
		return agent.Result{Started: true}
	}}
	now := baseTime

	report, err := ws.newRunner(inv, &now).Run(context.Background(), true)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "write dispatch state")
	require.NotNil(t, report)
	assert.Equal(t, []string{"dev"}, triggeredAgents(report))
}

func TestNewRunner_Validation(t *testing.T) {
	_, err := NewRunner(Options{Orchestrator: "main", Invoker: &fakeInvoker{}})
	assert.Error(t, err)
	_, err = NewRunner(Options{Workspace: "/ws", Invoker: &fakeInvoker{}})
	assert.Error(t, err)
	_, err = NewRunner(Options{Workspace: "/ws", Orchestrator: "main"})
	assert.Error(t, err)
}

func TestReport_Print(t *testing.T) {
	report := &Report{
		RunAt:        baseTime,
		Workspace:    "/ws",
		Orchestrator: "main",
		Reclaimed:    []string{"C"},
		Hitl:         HitlOutcome{Pending: []string{"H1"}, Due: []string{"H1"}},
		Triggered:    []model.TriggerRecord{{Agent: "dev", TaskID: "T1", Title: "build"}},
		Skipped:      []model.SkipRecord{{Agent: "main", Reason: "orchestrator"}},
		PendingCount: 3,
		HitlCount:    1,
	}

	color.NoColor = true
	var buf bytes.Buffer
	report.Print(&buf)
	out := buf.String()
	assert.Contains(t, out, "autodispatch dry-run")
	assert.Contains(t, out, "[dry-run] → would trigger dev: build")
	assert.Contains(t, out, "[dry-run] → would skip main: orchestrator")
	assert.Contains(t, out, "would alert orchestrator about H1")
	assert.Contains(t, out, "reclaimed C")
	assert.Contains(t, out, "3 pending · 1 HITL · triggered 1 · skipped 1")

	report.Execute = true
	report.Hitl.Sent = true
	buf.Reset()
	report.Print(&buf)
	out = buf.String()
	assert.Contains(t, out, "→ triggered dev: build")
	assert.Contains(t, out, "→ skip main: orchestrator")
	assert.Contains(t, out, "HITL alert sent for H1")
	assert.NotContains(t, out, "[dry-run]")
}
