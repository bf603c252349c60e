package model

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// DefaultHistoryMax is the number of run summaries kept in DISPATCHER_STATE.json.
const DefaultHistoryMax = 200

// DispatchState is the persistent record in DISPATCHER_STATE.json.
type DispatchState struct {
	LastRun          *time.Time           `json:"last_run,omitempty"`
	LastTriggered    map[string]time.Time `json:"last_triggered"`
	RateLimitedUntil map[string]time.Time `json:"rate_limited_until"`
	HitlNotifiedAt   map[string]time.Time `json:"hitl_notified_at"`
	LastSummary      *RunSummary          `json:"last_summary,omitempty"`
	History          []RunSummary         `json:"history"`

	dropped []string
}

// UnmarshalJSON decodes the timestamp maps entry by entry. Stamps without a
// zone are read as UTC; entries that still do not parse are dropped and
// reported by Dropped.
func (s *DispatchState) UnmarshalJSON(data []byte) error {
	type plain DispatchState
	aux := struct {
		*plain
		LastTriggered    map[string]json.RawMessage `json:"last_triggered"`
		RateLimitedUntil map[string]json.RawMessage `json:"rate_limited_until"`
		HitlNotifiedAt   map[string]json.RawMessage `json:"hitl_notified_at"`
	}{plain: (*plain)(s)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	s.dropped = nil
	s.LastTriggered = s.decodeStamps("last_triggered", aux.LastTriggered)
	s.RateLimitedUntil = s.decodeStamps("rate_limited_until", aux.RateLimitedUntil)
	s.HitlNotifiedAt = s.decodeStamps("hitl_notified_at", aux.HitlNotifiedAt)
	sort.Strings(s.dropped)
	return nil
}

func (s *DispatchState) decodeStamps(field string, raw map[string]json.RawMessage) map[string]time.Time {
	if raw == nil {
		return nil
	}
	out := make(map[string]time.Time, len(raw))
	for key, v := range raw {
		var str string
		if err := json.Unmarshal(v, &str); err != nil {
			s.dropped = append(s.dropped, fmt.Sprintf("%s[%s]=%s", field, key, v))
			continue
		}
		ts, err := ParseTime(str)
		if err != nil {
			s.dropped = append(s.dropped, fmt.Sprintf("%s[%s]=%q", field, key, str))
			continue
		}
		out[key] = ts
	}
	return out
}

// Dropped lists the timestamp entries skipped by the last decode.
func (s *DispatchState) Dropped() []string {
	return s.dropped
}

// NewDispatchState returns an empty state with all maps allocated.
func NewDispatchState() *DispatchState {
	s := &DispatchState{}
	s.ensureMaps()
	return s
}

func (s *DispatchState) ensureMaps() {
	if s.LastTriggered == nil {
		s.LastTriggered = make(map[string]time.Time)
	}
	if s.RateLimitedUntil == nil {
		s.RateLimitedUntil = make(map[string]time.Time)
	}
	if s.HitlNotifiedAt == nil {
		s.HitlNotifiedAt = make(map[string]time.Time)
	}
	if s.History == nil {
		s.History = []RunSummary{}
	}
}

// Normalize allocates any maps left nil after decoding.
func (s *DispatchState) Normalize() {
	s.ensureMaps()
}

// AppendHistory records a run and trims the oldest entries beyond max.
func (s *DispatchState) AppendHistory(summary RunSummary, max int) {
	if max <= 0 {
		max = DefaultHistoryMax
	}
	s.History = append(s.History, summary)
	if len(s.History) > max {
		s.History = append([]RunSummary(nil), s.History[len(s.History)-max:]...)
	}
	at := summary.RunAt
	s.LastRun = &at
	s.LastSummary = &summary
}

// RunSummary is one audit entry.
type RunSummary struct {
	RunID        string          `json:"run_id"`
	RunAt        time.Time       `json:"run_at"`
	Workspace    string          `json:"workspace"`
	PendingCount int             `json:"pending_count"`
	HitlCount    int             `json:"hitl_count"`
	Triggered    []TriggerRecord `json:"triggered"`
	Skipped      []SkipRecord    `json:"skipped"`
	Reclaimed    []string        `json:"reclaimed,omitempty"`
	HitlNotified []string        `json:"hitl_notified,omitempty"`
}

type TriggerRecord struct {
	Agent  string    `json:"agent"`
	TaskID string    `json:"task_id"`
	Title  string    `json:"title"`
	At     time.Time `json:"at"`
}

type SkipRecord struct {
	Agent  string `json:"agent"`
	Reason string `json:"reason"`
}
