package dispatch

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/msageha/autodispatch/internal/agent"
	"github.com/msageha/autodispatch/internal/comms"
	"github.com/msageha/autodispatch/internal/model"
)

var baseTime = time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)

// fakeInvoker records requests and answers with respond, or a clean start.
type fakeInvoker struct {
	mu      sync.Mutex
	calls   []agent.Request
	respond func(agent.Request) agent.Result
}

func (f *fakeInvoker) Invoke(_ context.Context, req agent.Request) agent.Result {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	respond := f.respond
	f.mu.Unlock()
	if respond != nil {
		return respond(req)
	}
	return agent.Result{Started: true, PID: 4242}
}

func (f *fakeInvoker) Calls() []agent.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]agent.Request(nil), f.calls...)
}

func exitCode(n int) *int { return &n }

// testWorkspace is a temp directory laid out with the default paths.
type testWorkspace struct {
	t   *testing.T
	dir string
}

func newTestWorkspace(t *testing.T) *testWorkspace {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "comms", "inboxes"), 0755))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "comms", "outboxes"), 0755))
	return &testWorkspace{t: t, dir: dir}
}

func (w *testWorkspace) path(rel string) string {
	return filepath.Join(w.dir, rel)
}

func (w *testWorkspace) mailbox() *comms.Mailbox {
	return comms.New(w.path("comms/inboxes"), w.path("comms/outboxes"))
}

func (w *testWorkspace) writeTasks(tasks ...map[string]any) {
	w.t.Helper()
	data, err := json.MarshalIndent(map[string]any{"tasks": tasks}, "", "  ")
	require.NoError(w.t, err)
	require.NoError(w.t, os.WriteFile(w.path("TASKS.json"), data, 0644))
}

func (w *testWorkspace) writeInbox(agentID, content string) {
	w.t.Helper()
	require.NoError(w.t, os.WriteFile(w.mailbox().InboxPath(agentID), []byte(content), 0644))
}

func (w *testWorkspace) writeOutbox(agentID, content string, mtime time.Time) {
	w.t.Helper()
	p := w.mailbox().OutboxPath(agentID)
	require.NoError(w.t, os.WriteFile(p, []byte(content), 0644))
	require.NoError(w.t, os.Chtimes(p, mtime, mtime))
}

func (w *testWorkspace) writeState(st *model.DispatchState) {
	w.t.Helper()
	data, err := json.MarshalIndent(st, "", "  ")
	require.NoError(w.t, err)
	require.NoError(w.t, os.WriteFile(w.path("DISPATCHER_STATE.json"), data, 0644))
}

func (w *testWorkspace) readState() *model.DispatchState {
	w.t.Helper()
	data, err := os.ReadFile(w.path("DISPATCHER_STATE.json"))
	require.NoError(w.t, err)
	st := &model.DispatchState{}
	require.NoError(w.t, json.Unmarshal(data, st))
	st.Normalize()
	return st
}

func (w *testWorkspace) readTasks() []map[string]any {
	w.t.Helper()
	data, err := os.ReadFile(w.path("TASKS.json"))
	require.NoError(w.t, err)
	var doc struct {
		Tasks []map[string]any `json:"tasks"`
	}
	require.NoError(w.t, json.Unmarshal(data, &doc))
	return doc.Tasks
}

// newRunner builds a runner whose clock reads *now.
func (w *testWorkspace) newRunner(inv agent.Invoker, now *time.Time, exclude ...string) *Runner {
	w.t.Helper()
	r, err := NewRunner(Options{
		Workspace:    w.dir,
		Orchestrator: "main",
		Exclude:      exclude,
		Policy:       DefaultPolicy(),
		Invoker:      inv,
		Now:          func() time.Time { return *now },
		UseLock:      true,
	})
	require.NoError(w.t, err)
	return r
}

func task(id, agentID string, status model.Status) map[string]any {
	return map[string]any{
		"id":          id,
		"title":       "task " + id,
		"status":      string(status),
		"assigned_to": agentID,
	}
}

const pendingInbox = "# Inbox\n\n## New assignment\nTASK_ID: T1\n"
