// Package taskstore loads and rewrites the shared TASKS.json collection.
package taskstore

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/msageha/autodispatch/internal/jsonfile"
	"github.com/msageha/autodispatch/internal/model"
)

// LoadError reports an unreadable or malformed task collection. A run that
// hits one must not trigger or persist anything.
type LoadError struct {
	Path string
	Err  error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("load tasks %s: %v", e.Path, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// Collection is the task list in storage order plus an id index.
type Collection struct {
	Tasks []*model.Task
	Index map[string]*model.Task

	// document holds the top-level keys of an object-shaped file so that a
	// rewrite keeps them. It is nil for a bare JSON array.
	document map[string]json.RawMessage
}

// Load reads path. Both {"tasks": [...]} and a bare array are accepted.
func Load(path string) (*Collection, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, &LoadError{Path: path, Err: err}
	}
	c, err := parse(content)
	if err != nil {
		return nil, &LoadError{Path: path, Err: err}
	}
	return c, nil
}

func parse(content []byte) (*Collection, error) {
	trimmed := bytes.TrimSpace(content)
	if len(trimmed) == 0 {
		return nil, errors.New("empty file")
	}

	c := &Collection{}
	var tasksRaw json.RawMessage
	switch trimmed[0] {
	case '[':
		tasksRaw = trimmed
	case '{':
		if err := json.Unmarshal(trimmed, &c.document); err != nil {
			return nil, fmt.Errorf("parse document: %w", err)
		}
		tasksRaw = c.document["tasks"]
	default:
		return nil, errors.New("expected a JSON object or array")
	}

	if len(tasksRaw) > 0 && string(tasksRaw) != "null" {
		if err := json.Unmarshal(tasksRaw, &c.Tasks); err != nil {
			return nil, fmt.Errorf("parse tasks: %w", err)
		}
	}
	c.reindex()
	return c, nil
}

func (c *Collection) reindex() {
	// drop null entries so callers never see a nil task
	kept := c.Tasks[:0]
	for _, t := range c.Tasks {
		if t != nil {
			kept = append(kept, t)
		}
	}
	c.Tasks = kept

	c.Index = make(map[string]*model.Task, len(c.Tasks))
	for _, t := range c.Tasks {
		if t.ID == "" {
			continue
		}
		if _, dup := c.Index[t.ID]; !dup {
			c.Index[t.ID] = t
		}
	}
}

// Count returns the number of tasks in the given status.
func (c *Collection) Count(status model.Status) int {
	n := 0
	for _, t := range c.Tasks {
		if t.Status == status {
			n++
		}
	}
	return n
}

// Save rewrites the whole collection atomically, keeping the document shape.
// For object-shaped files meta.last_updated is stamped with now.
func (c *Collection) Save(path string, now time.Time) error {
	if c.document == nil {
		return jsonfile.AtomicWrite(path, c.Tasks)
	}

	doc := make(map[string]any, len(c.document)+1)
	for k, v := range c.document {
		doc[k] = v
	}
	doc["tasks"] = c.Tasks

	meta := map[string]json.RawMessage{}
	if raw, ok := c.document["meta"]; ok {
		// a non-object meta is replaced
		_ = json.Unmarshal(raw, &meta)
		if meta == nil {
			meta = map[string]json.RawMessage{}
		}
	}
	stamp, err := json.Marshal(now.UTC().Format(time.RFC3339))
	if err != nil {
		return err
	}
	meta["last_updated"] = stamp
	doc["meta"] = meta

	return jsonfile.AtomicWrite(path, doc)
}
