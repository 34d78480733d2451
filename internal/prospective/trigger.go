// Package prospective implements the Prospective scheduler (spec.md §3.4,
// §4's trigger component, §6.2 PROS_TRIGGER_* envelopes): store-backed
// Trigger records evaluated on a tick, each firing or skipping based on an
// eligibility/arousal gate, then advancing to its next scheduled instant.
//
// Grounded on internal/consolidation's tick-driven pass (a periodic sweep
// over persisted records rather than a per-record timer) and on
// internal/workflow's Gate-checked envelope emission before any derived
// side effect is considered committed.
package prospective

import (
	"fmt"
	"time"
)

// Status is the closed lifecycle state of a Trigger.
type Status string

const (
	StatusDraft     Status = "DRAFT"
	StatusActive    Status = "ACTIVE"
	StatusSnoozed   Status = "SNOOZED"
	StatusCancelled Status = "CANCELLED"
	StatusExpired   Status = "EXPIRED"
)

// ScheduleKind is the closed catalog of schedule shapes (spec.md §3.4).
type ScheduleKind string

const (
	ScheduleOnce       ScheduleKind = "once"
	ScheduleInterval   ScheduleKind = "interval"
	ScheduleDailyTime  ScheduleKind = "daily_time"
)

// Schedule is a tagged union over the three schedule kinds. Only the
// fields relevant to Kind are consulted.
type Schedule struct {
	Kind ScheduleKind `json:"kind"`

	// once
	FireAt time.Time `json:"fire_at,omitempty"`

	// interval
	EverySeconds int        `json:"every_seconds,omitempty"`
	StartAt      *time.Time `json:"start_at,omitempty"`
	EndAt        *time.Time `json:"end_at,omitempty"`
	MaxFires     int        `json:"max_fires,omitempty"` // 0 = unbounded

	// daily_time
	TimeOfDay  string `json:"time_of_day,omitempty"` // "HH:MM", 24h, UTC
	DaysOfWeek []int  `json:"days_of_week,omitempty"` // 0=Sunday .. 6=Saturday; empty = every day
}

// Conditions gates whether a due trigger actually fires (spec.md §8
// Scenario E). Zero values fall back to DefaultConditions.
type Conditions struct {
	MinEligibility       float64 `json:"min_eligibility,omitempty"`
	ArousalHighThreshold float64 `json:"arousal_high_threshold,omitempty"`
}

// DefaultConditions returns the thresholds used by Scenario E: eligibility
// must reach 0.85, and arousal above 0.85 always skips regardless of the
// composite eligibility score.
func DefaultConditions() Conditions {
	return Conditions{MinEligibility: 0.85, ArousalHighThreshold: 0.85}
}

func (c Conditions) withDefaults() Conditions {
	d := DefaultConditions()
	if c.MinEligibility <= 0 {
		c.MinEligibility = d.MinEligibility
	}
	if c.ArousalHighThreshold <= 0 {
		c.ArousalHighThreshold = d.ArousalHighThreshold
	}
	return c
}

// Trigger is one prospective-memory schedule (spec.md §3.4).
type Trigger struct {
	ID                     string         `json:"id"`
	SpaceID                string         `json:"space_id"`
	Schedule               Schedule       `json:"schedule"`
	ActionEnvelopeTemplate map[string]any `json:"action_envelope_template,omitempty"`
	Conditions             Conditions     `json:"conditions"`
	Status                 Status         `json:"status"`
	NextFireAt             time.Time      `json:"next_fire_at"`
	FireCount              int            `json:"fire_count"`
	CreatedAt              time.Time      `json:"created_at"`
	UpdatedAt              time.Time      `json:"updated_at"`
}

// GatingContext carries the arousal/safety_pressure signal a tick is
// evaluated against. Supplied by the caller — this package has no opinion
// on where arousal comes from, only on how it gates a due trigger.
type GatingContext struct {
	Arousal        float64
	SafetyPressure float64
}

// eligibility computes the composite score spec.md §8 Scenario E requires:
// arousal=0.2, safety_pressure=0.1 -> 0.85 (clears the 0.85 floor exactly);
// arousal=0.9 -> 0.5, but that case is intercepted by the arousal threshold
// before eligibility is even consulted.
func (g GatingContext) eligibility() float64 {
	e := 1 - 0.5*g.Arousal - 0.5*g.SafetyPressure
	if e < 0 {
		return 0
	}
	if e > 1 {
		return 1
	}
	return e
}

// validate checks the shape of a Trigger before it is persisted.
func (t Trigger) validate() error {
	if t.SpaceID == "" {
		return fmt.Errorf("prospective: space_id required")
	}
	switch t.Schedule.Kind {
	case ScheduleOnce:
		if t.Schedule.FireAt.IsZero() {
			return fmt.Errorf("prospective: once schedule requires fire_at")
		}
	case ScheduleInterval:
		if t.Schedule.EverySeconds <= 0 {
			return fmt.Errorf("prospective: interval schedule requires every_seconds > 0")
		}
	case ScheduleDailyTime:
		if _, _, err := parseTimeOfDay(t.Schedule.TimeOfDay); err != nil {
			return err
		}
	default:
		return fmt.Errorf("prospective: unknown schedule kind %q", t.Schedule.Kind)
	}
	return nil
}

func parseTimeOfDay(s string) (hour, minute int, err error) {
	if _, err := fmt.Sscanf(s, "%d:%d", &hour, &minute); err != nil {
		return 0, 0, fmt.Errorf("prospective: invalid time_of_day %q: %w", s, err)
	}
	if hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("prospective: time_of_day %q out of range", s)
	}
	return hour, minute, nil
}

// nextFireAfter returns the first scheduled instant strictly after
// `after`, and whether the schedule still has one (false means the
// trigger has run its course — a once already fired, or an interval past
// end_at/max_fires — and should transition to EXPIRED).
//
// The "no backfill of missed fires" invariant comes from the caller: Tick
// passes the later of the trigger's last scheduled slot and now, so if the
// scheduler was asleep for three interval slots, the next computed slot is
// the first one after now, not a catch-up queue of three.
func nextFireAfter(s Schedule, after time.Time, fireCount int) (time.Time, bool) {
	switch s.Kind {
	case ScheduleOnce:
		return time.Time{}, false

	case ScheduleInterval:
		if s.MaxFires > 0 && fireCount >= s.MaxFires {
			return time.Time{}, false
		}
		every := time.Duration(s.EverySeconds) * time.Second
		base := after
		if s.StartAt != nil && s.StartAt.After(base) {
			base = *s.StartAt
		}
		next := base
		for !next.After(after) {
			next = next.Add(every)
		}
		if s.EndAt != nil && next.After(*s.EndAt) {
			return time.Time{}, false
		}
		return next, true

	case ScheduleDailyTime:
		hour, minute, err := parseTimeOfDay(s.TimeOfDay)
		if err != nil {
			return time.Time{}, false
		}
		candidate := time.Date(after.Year(), after.Month(), after.Day(), hour, minute, 0, 0, after.Location())
		if !candidate.After(after) {
			candidate = candidate.AddDate(0, 0, 1)
		}
		if len(s.DaysOfWeek) > 0 {
			for !weekdayIn(candidate.Weekday(), s.DaysOfWeek) {
				candidate = candidate.AddDate(0, 0, 1)
			}
		}
		return candidate, true

	default:
		return time.Time{}, false
	}
}

func weekdayIn(w time.Weekday, days []int) bool {
	for _, d := range days {
		if int(w) == d {
			return true
		}
	}
	return false
}

// firstFireAt computes the initial next_fire_at for a newly-activated
// trigger, as of `now`.
func firstFireAt(s Schedule, now time.Time) (time.Time, bool) {
	if s.Kind == ScheduleOnce {
		if s.FireAt.After(now) {
			return s.FireAt, true
		}
		return time.Time{}, false // fire_at already in the past: never fires
	}
	return nextFireAfter(s, now, 0)
}
