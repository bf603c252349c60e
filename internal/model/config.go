// Package model defines the task, dispatch state and configuration structures used by autodispatch.
package model

import "path/filepath"

type Config struct {
	Orchestrator string        `yaml:"orchestrator"`
	Exclude      []string      `yaml:"exclude,omitempty"`
	Paths        PathsConfig   `yaml:"paths"`
	Limits       LimitsConfig  `yaml:"limits"`
	Runtime      RuntimeConfig `yaml:"runtime"`
	Logging      LoggingConfig `yaml:"logging"`
	Notify       NotifyConfig  `yaml:"notify"`
	Lock         LockConfig    `yaml:"lock"`
	Watch        WatchConfig   `yaml:"watch"`
	Audit        AuditConfig   `yaml:"audit"`
}

// PathsConfig holds workspace-relative locations. Absolute paths are used as is.
type PathsConfig struct {
	TasksFile   string `yaml:"tasks_file"`
	StateFile   string `yaml:"state_file"`
	InboxesDir  string `yaml:"inboxes_dir"`
	OutboxesDir string `yaml:"outboxes_dir"`
}

// WorkspacePath resolves a configured path: absolute paths stand, relative
// ones are taken from the workspace.
func WorkspacePath(workspace, p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(workspace, p)
}

type LimitsConfig struct {
	CooldownMin         int `yaml:"cooldown_min"`
	RateLimitBackoffMin int `yaml:"rate_limit_backoff_min"`
	StaleInProgressMin  int `yaml:"stale_in_progress_min"`
	HitlCooldownMin     int `yaml:"hitl_cooldown_min"`
	HistoryMax          int `yaml:"history_max"`
}

type RuntimeConfig struct {
	Bin              string   `yaml:"bin"`
	SniffWaitSec     int      `yaml:"sniff_wait_sec"`
	HitlWaitSec      int      `yaml:"hitl_wait_sec"`
	RateLimitSignals []string `yaml:"rate_limit_signals,omitempty"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file,omitempty"`
}

type NotifyConfig struct {
	Desktop bool `yaml:"desktop"`
}

type LockConfig struct {
	Enabled bool `yaml:"enabled"`
}

type WatchConfig struct {
	IntervalSec int `yaml:"interval_sec"`
	DebounceMs  int `yaml:"debounce_ms"`
}

type AuditConfig struct {
	Enabled   bool `yaml:"enabled"`
	MaxSizeMB int  `yaml:"max_size_mb"`
}

// DefaultRateLimitSignals are matched case-insensitively against the first
// seconds of agent runtime output.
var DefaultRateLimitSignals = []string{
	"rate limit",
	"rate_limit",
	"429",
	"too many requests",
	"⚠️ api rate limit",
	"please try again later",
}

// DefaultConfig returns the configuration used when no dispatch.yaml exists.
func DefaultConfig() Config {
	return Config{
		Orchestrator: "main",
		Paths: PathsConfig{
			TasksFile:   "TASKS.json",
			StateFile:   "DISPATCHER_STATE.json",
			InboxesDir:  "comms/inboxes",
			OutboxesDir: "comms/outboxes",
		},
		Limits: LimitsConfig{
			CooldownMin:         30,
			RateLimitBackoffMin: 10,
			StaleInProgressMin:  90,
			HitlCooldownMin:     120,
			HistoryMax:          DefaultHistoryMax,
		},
		Runtime: RuntimeConfig{
			SniffWaitSec: 15,
			HitlWaitSec:  1,
		},
		Logging: LoggingConfig{Level: "info"},
		Lock:    LockConfig{Enabled: true},
		Watch: WatchConfig{
			IntervalSec: 60,
			DebounceMs:  500,
		},
		Audit: AuditConfig{MaxSizeMB: 100},
	}
}

// ApplyDefaults fills zero values left by a partial dispatch.yaml.
func (c *Config) ApplyDefaults() {
	d := DefaultConfig()
	if c.Orchestrator == "" {
		c.Orchestrator = d.Orchestrator
	}
	if c.Paths.TasksFile == "" {
		c.Paths.TasksFile = d.Paths.TasksFile
	}
	if c.Paths.StateFile == "" {
		c.Paths.StateFile = d.Paths.StateFile
	}
	if c.Paths.InboxesDir == "" {
		c.Paths.InboxesDir = d.Paths.InboxesDir
	}
	if c.Paths.OutboxesDir == "" {
		c.Paths.OutboxesDir = d.Paths.OutboxesDir
	}
	if c.Limits.CooldownMin <= 0 {
		c.Limits.CooldownMin = d.Limits.CooldownMin
	}
	if c.Limits.RateLimitBackoffMin <= 0 {
		c.Limits.RateLimitBackoffMin = d.Limits.RateLimitBackoffMin
	}
	if c.Limits.StaleInProgressMin <= 0 {
		c.Limits.StaleInProgressMin = d.Limits.StaleInProgressMin
	}
	if c.Limits.HitlCooldownMin <= 0 {
		c.Limits.HitlCooldownMin = d.Limits.HitlCooldownMin
	}
	if c.Limits.HistoryMax <= 0 {
		c.Limits.HistoryMax = d.Limits.HistoryMax
	}
	if c.Runtime.SniffWaitSec <= 0 {
		c.Runtime.SniffWaitSec = d.Runtime.SniffWaitSec
	}
	if c.Runtime.HitlWaitSec <= 0 {
		c.Runtime.HitlWaitSec = d.Runtime.HitlWaitSec
	}
	if len(c.Runtime.RateLimitSignals) == 0 {
		c.Runtime.RateLimitSignals = append([]string(nil), DefaultRateLimitSignals...)
	}
	if c.Logging.Level == "" {
		c.Logging.Level = d.Logging.Level
	}
	if c.Watch.IntervalSec <= 0 {
		c.Watch.IntervalSec = d.Watch.IntervalSec
	}
	if c.Watch.DebounceMs <= 0 {
		c.Watch.DebounceMs = d.Watch.DebounceMs
	}
	if c.Audit.MaxSizeMB <= 0 {
		c.Audit.MaxSizeMB = d.Audit.MaxSizeMB
	}
}
