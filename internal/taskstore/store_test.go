package taskstore

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/autodispatch/internal/model"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "TASKS.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoad_ObjectShape(t *testing.T) {
	path := writeFile(t, `{
  "meta": {"project": "farm"},
  "tasks": [
    {"id": "T1", "title": "first", "status": "pending", "assigned_to": "dev-fs", "depends_on": ["T2"]},
    {"id": "T2", "title": "second", "status": "complete", "assigned_to": "qa"}
  ]
}`)

	c, err := Load(path)
	require.NoError(t, err)
	require.Len(t, c.Tasks, 2)
	assert.Equal(t, "T1", c.Tasks[0].ID)
	assert.Equal(t, []string{"T2"}, c.Tasks[0].DependsOn)
	assert.Same(t, c.Tasks[1], c.Index["T2"])
	assert.Equal(t, model.StatusComplete, c.Index["T2"].Status)
	assert.Equal(t, 1, c.Count(model.StatusPending))
}

func TestLoad_BareArray(t *testing.T) {
	path := writeFile(t, `[{"id": "A", "status": "pending", "assigned_to": "x"}]`)

	c, err := Load(path)
	require.NoError(t, err)
	require.Len(t, c.Tasks, 1)
	assert.Equal(t, "A", c.Index["A"].ID)
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name    string
		content *string
	}{
		{"missing", nil},
		{"empty", ptr("   ")},
		{"truncated", ptr(`{"tasks": [`)},
		{"scalar", ptr(`42`)},
		{"tasks not a list", ptr(`{"tasks": {"id": "A"}}`)},
		{"bad field type", ptr(`[{"id": "A", "depends_on": "B"}]`)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "TASKS.json")
			if tt.content != nil {
				require.NoError(t, os.WriteFile(path, []byte(*tt.content), 0644))
			}
			_, err := Load(path)
			require.Error(t, err)
			var le *LoadError
			assert.True(t, errors.As(err, &le), "expected *LoadError, got %T", err)
		})
	}
}

func TestLoad_DuplicateIDsIndexFirst(t *testing.T) {
	path := writeFile(t, `[{"id": "A", "title": "one"}, {"id": "A", "title": "two"}, null]`)

	c, err := Load(path)
	require.NoError(t, err)
	assert.Len(t, c.Tasks, 2)
	assert.Equal(t, "one", c.Index["A"].Title)
}

func TestSave_PreservesUnknownFieldsAndMeta(t *testing.T) {
	path := writeFile(t, `{
  "version": 3,
  "meta": {"project": "farm"},
  "tasks": [
    {"id": "T1", "title": "x", "status": "in-progress", "assigned_to": "dev", "started_at": "2026-01-01T00:00:00Z", "priority": "P1", "tags": ["a"]}
  ]
}`)
	c, err := Load(path)
	require.NoError(t, err)

	c.Tasks[0].Status = model.StatusPending
	c.Tasks[0].StartedAt = ""
	c.Tasks[0].Note = "reset"

	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	require.NoError(t, c.Save(path, now))

	var doc map[string]any
	content, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(content, &doc))

	assert.EqualValues(t, 3, doc["version"])
	meta := doc["meta"].(map[string]any)
	assert.Equal(t, "farm", meta["project"])
	assert.Equal(t, "2026-01-02T03:04:05Z", meta["last_updated"])

	task := doc["tasks"].([]any)[0].(map[string]any)
	assert.Equal(t, "pending", task["status"])
	assert.Equal(t, "P1", task["priority"])
	assert.Equal(t, []any{"a"}, task["tags"])
	assert.Equal(t, "reset", task["note"])
	_, hasStarted := task["started_at"]
	assert.False(t, hasStarted, "started_at should be removed")
}

func TestSave_BareArrayStaysArray(t *testing.T) {
	path := writeFile(t, `[{"id": "A", "status": "pending", "assigned_to": "x"}]`)
	c, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, c.Save(path, time.Now()))

	var tasks []map[string]any
	content, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(content, &tasks))
	require.Len(t, tasks, 1)
	assert.Equal(t, "A", tasks[0]["id"])
}

func ptr(s string) *string { return &s }
