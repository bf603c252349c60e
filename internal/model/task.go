package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"slices"
	"time"
)

type Status string

const (
	StatusPending            Status = "pending"
	StatusInProgress         Status = "in-progress"
	StatusNeedsHumanDecision Status = "needs_human_decision"
	StatusComplete           Status = "complete"
)

// Task is one entry of TASKS.json. Fields the dispatcher does not know about
// are kept in extra and written back unchanged.
type Task struct {
	ID         string
	Title      string
	Status     Status
	AssignedTo string
	DependsOn  []string
	StartedAt  string
	DecisionAt string
	Note       string

	extra map[string]json.RawMessage
	// known keys seen in the input; false marks an explicit null
	present map[string]bool
	// numeric ids are indexed by their literal text and written back as numbers
	idRaw      json.RawMessage
	dependsRaw json.RawMessage
	dependsIn  []string
}

var taskKnownKeys = []string{"id", "title", "status", "assigned_to", "depends_on", "started_at", "decision_at", "note"}

func (t *Task) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	fields := map[string]any{
		"title":       &t.Title,
		"status":      &t.Status,
		"assigned_to": &t.AssignedTo,
		"started_at":  &t.StartedAt,
		"decision_at": &t.DecisionAt,
		"note":        &t.Note,
	}
	t.present = make(map[string]bool)
	for _, key := range taskKnownKeys {
		v, ok := raw[key]
		if !ok {
			continue
		}
		t.present[key] = string(v) != "null"
		if !t.present[key] {
			continue
		}
		switch key {
		case "id":
			id, numeric, err := decodeTaskRef(v)
			if err != nil {
				return fmt.Errorf("task field id: %w", err)
			}
			t.ID = id
			if numeric {
				t.idRaw = v
			}
		case "depends_on":
			var refs []json.RawMessage
			if err := json.Unmarshal(v, &refs); err != nil {
				return fmt.Errorf("task field depends_on: %w", err)
			}
			t.DependsOn = make([]string, 0, len(refs))
			for _, r := range refs {
				id, _, err := decodeTaskRef(r)
				if err != nil {
					return fmt.Errorf("task field depends_on: %w", err)
				}
				t.DependsOn = append(t.DependsOn, id)
			}
			t.dependsRaw = v
			t.dependsIn = append([]string(nil), t.DependsOn...)
		default:
			if err := json.Unmarshal(v, fields[key]); err != nil {
				return fmt.Errorf("task field %s: %w", key, err)
			}
		}
	}

	for _, key := range taskKnownKeys {
		delete(raw, key)
	}
	if len(raw) > 0 {
		t.extra = raw
	}
	return nil
}

// decodeTaskRef reads a task id given as a JSON string or number.
func decodeTaskRef(v json.RawMessage) (id string, numeric bool, err error) {
	if err := json.Unmarshal(v, &id); err == nil {
		return id, false, nil
	}
	var n json.Number
	if err := json.Unmarshal(v, &n); err != nil {
		return "", false, fmt.Errorf("want string or number, got %s", v)
	}
	return n.String(), true, nil
}

func (t Task) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(t.extra)+len(taskKnownKeys))
	for k, v := range t.extra {
		out[k] = v
	}
	// keepEmpty keeps a key the input carried even when it is now empty.
	put := func(key, value string, keepEmpty bool) {
		seen, inInput := t.present[key]
		switch {
		case value != "":
			out[key] = value
		case inInput && !seen:
			out[key] = nil
		case inInput && keepEmpty:
			out[key] = value
		}
	}

	if t.idRaw != nil && t.ID == string(t.idRaw) {
		out["id"] = t.idRaw
	} else {
		put("id", t.ID, true)
	}
	put("title", t.Title, true)
	put("status", string(t.Status), true)
	put("assigned_to", t.AssignedTo, true)
	switch {
	case t.dependsRaw != nil && slices.Equal(t.DependsOn, t.dependsIn):
		out["depends_on"] = t.dependsRaw
	case t.DependsOn != nil:
		out["depends_on"] = t.DependsOn
	default:
		if seen, ok := t.present["depends_on"]; ok && !seen {
			out["depends_on"] = nil
		}
	}
	put("started_at", t.StartedAt, false)
	put("decision_at", t.DecisionAt, false)
	put("note", t.Note, false)

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(out); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// ReferenceTime returns the time the task entered its current active state:
// started_at, falling back to decision_at.
func (t *Task) ReferenceTime() (time.Time, bool) {
	for _, s := range []string{t.StartedAt, t.DecisionAt} {
		if s == "" {
			continue
		}
		ts, err := ParseTime(s)
		if err != nil {
			return time.Time{}, false
		}
		return ts, true
	}
	return time.Time{}, false
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
}

// ParseTime accepts RFC 3339 timestamps and the ISO 8601 variants produced by
// other tools writing TASKS.json. Timestamps without a zone are taken as UTC.
func ParseTime(s string) (time.Time, error) {
	for _, layout := range timeLayouts {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}
