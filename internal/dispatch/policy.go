package dispatch

import (
	"time"

	"github.com/msageha/autodispatch/internal/model"
)

// Policy holds the scheduling thresholds for one run.
type Policy struct {
	// Cooldown is the minimum spacing between successful triggers of one agent.
	Cooldown time.Duration
	// RateLimitBackoff is the forced ineligibility after a rate-limit signal.
	RateLimitBackoff time.Duration
	// StaleThreshold is how long a task may sit in-progress without outbox activity.
	StaleThreshold time.Duration
	// HitlCooldown is the minimum spacing between alerts for one HITL task.
	HitlCooldown time.Duration
	// SniffWait bounds how long a fresh agent invocation is watched.
	SniffWait time.Duration
	// HitlWait bounds how long the HITL alert invocation is watched.
	HitlWait   time.Duration
	HistoryMax int
}

func DefaultPolicy() Policy {
	return Policy{
		Cooldown:         30 * time.Minute,
		RateLimitBackoff: 10 * time.Minute,
		StaleThreshold:   90 * time.Minute,
		HitlCooldown:     2 * time.Hour,
		SniffWait:        15 * time.Second,
		HitlWait:         time.Second,
		HistoryMax:       model.DefaultHistoryMax,
	}
}

// PolicyFromConfig converts configured minutes and seconds. cfg is expected to
// have defaults applied.
func PolicyFromConfig(cfg model.Config) Policy {
	return Policy{
		Cooldown:         time.Duration(cfg.Limits.CooldownMin) * time.Minute,
		RateLimitBackoff: time.Duration(cfg.Limits.RateLimitBackoffMin) * time.Minute,
		StaleThreshold:   time.Duration(cfg.Limits.StaleInProgressMin) * time.Minute,
		HitlCooldown:     time.Duration(cfg.Limits.HitlCooldownMin) * time.Minute,
		SniffWait:        time.Duration(cfg.Runtime.SniffWaitSec) * time.Second,
		HitlWait:         time.Duration(cfg.Runtime.HitlWaitSec) * time.Second,
		HistoryMax:       cfg.Limits.HistoryMax,
	}
}
