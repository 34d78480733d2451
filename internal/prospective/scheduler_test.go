package prospective

import (
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/familyos/familyos/internal/envelope"
	"github.com/familyos/familyos/internal/obs"
	"github.com/familyos/familyos/internal/policy"
	"github.com/familyos/familyos/internal/store"
)

func newTestScheduler(t *testing.T) *Scheduler {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "familyos.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	gate, err := policy.New(policy.DefaultRuleSet(), 16, zap.NewNop(), obs.NewMetrics())
	if err != nil {
		t.Fatalf("policy.New: %v", err)
	}
	return New(db, nil, gate, zap.NewNop(), obs.NewMetrics())
}

var testSubject = policy.Subject{ID: "familyosd", Roles: []string{"system"}}

// TestTickFiresOnScheduleMeetsEligibility reproduces spec.md §8 Scenario E's
// first tick: a daily_time 20:00 trigger due now, arousal=0.2,
// safety_pressure=0.1 -> eligibility exactly 0.85, which clears the floor
// and fires, advancing next_fire_at to the following day at 20:00.
func TestTickFiresOnScheduleMeetsEligibility(t *testing.T) {
	s := newTestScheduler(t)
	now := mustUTC(t, time.RFC3339, "2025-09-06T20:00:00Z")

	trig, err := s.Upsert(Trigger{
		SpaceID:  "household:main",
		Schedule: Schedule{Kind: ScheduleDailyTime, TimeOfDay: "20:00"},
	}, envelope.BandGreen, testSubject, now.Add(-time.Hour))
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	// Force the trigger due exactly at `now` regardless of when Upsert
	// computed its first slot relative to the creation instant.
	trig.NextFireAt = now
	if err := s.persist(trig); err != nil {
		t.Fatalf("persist: %v", err)
	}

	results, err := s.Tick(now, GatingContext{Arousal: 0.2, SafetyPressure: 0.1}, envelope.BandGreen, testSubject)
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("results = %d, want 1", len(results))
	}
	r := results[0]
	if !r.Fired {
		t.Fatalf("expected trigger to fire, got skipped (reason=%q)", r.Reason)
	}
	if r.Eligibility < 0.85 {
		t.Fatalf("eligibility = %v, want >= 0.85", r.Eligibility)
	}
	want := mustUTC(t, time.RFC3339, "2025-09-07T20:00:00Z")
	if !r.NextFireAt.Equal(want) {
		t.Fatalf("next_fire_at = %v, want %v", r.NextFireAt, want)
	}
}

// TestTickSkipsOnHighArousal reproduces Scenario E's second tick: the same
// trigger, now due the next day, but arousal=0.9 exceeds the 0.85 threshold
// and must skip with reason "arousal_too_high" even though the composite
// eligibility score alone would not be the deciding factor.
func TestTickSkipsOnHighArousal(t *testing.T) {
	s := newTestScheduler(t)
	day1 := mustUTC(t, time.RFC3339, "2025-09-06T20:00:00Z")
	day2 := mustUTC(t, time.RFC3339, "2025-09-07T20:00:00Z")

	trig, err := s.Upsert(Trigger{
		SpaceID:  "household:main",
		Schedule: Schedule{Kind: ScheduleDailyTime, TimeOfDay: "20:00"},
	}, envelope.BandGreen, testSubject, day1.Add(-time.Hour))
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	trig.NextFireAt = day2
	if err := s.persist(trig); err != nil {
		t.Fatalf("persist: %v", err)
	}

	results, err := s.Tick(day2, GatingContext{Arousal: 0.9, SafetyPressure: 0.1}, envelope.BandGreen, testSubject)
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("results = %d, want 1", len(results))
	}
	r := results[0]
	if r.Fired {
		t.Fatalf("expected trigger to skip on high arousal, got fired")
	}
	if r.Reason != "arousal_too_high" {
		t.Fatalf("reason = %q, want arousal_too_high", r.Reason)
	}
	want := mustUTC(t, time.RFC3339, "2025-09-08T20:00:00Z")
	if !r.NextFireAt.Equal(want) {
		t.Fatalf("next_fire_at = %v, want %v", r.NextFireAt, want)
	}
}

func TestTickIgnoresTriggersNotYetDue(t *testing.T) {
	s := newTestScheduler(t)
	future := mustUTC(t, time.RFC3339, "2099-01-01T00:00:00Z")

	if _, err := s.Upsert(Trigger{
		SpaceID:  "household:main",
		Schedule: Schedule{Kind: ScheduleOnce, FireAt: future},
	}, envelope.BandGreen, testSubject, time.Now().UTC()); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	results, err := s.Tick(mustUTC(t, time.RFC3339, "2025-09-06T20:00:00Z"), GatingContext{}, envelope.BandGreen, testSubject)
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if len(results) != 0 {
		t.Fatalf("results = %d, want 0 (trigger not yet due)", len(results))
	}
}

func TestCancelStopsFutureTicks(t *testing.T) {
	s := newTestScheduler(t)
	now := mustUTC(t, time.RFC3339, "2025-09-06T20:00:00Z")

	trig, err := s.Upsert(Trigger{
		SpaceID:  "household:main",
		Schedule: Schedule{Kind: ScheduleOnce, FireAt: now.Add(time.Minute)},
	}, envelope.BandGreen, testSubject, now)
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if err := s.Cancel(trig.ID, envelope.BandGreen, testSubject, now); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	results, err := s.Tick(now.Add(2*time.Minute), GatingContext{}, envelope.BandGreen, testSubject)
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if len(results) != 0 {
		t.Fatalf("results = %d, want 0 (cancelled trigger must never fire)", len(results))
	}
}

func TestSnoozeSuspendsUntilExplicitResume(t *testing.T) {
	s := newTestScheduler(t)
	now := mustUTC(t, time.RFC3339, "2025-09-06T20:00:00Z")
	until := now.Add(24 * time.Hour)

	trig, err := s.Upsert(Trigger{
		SpaceID:  "household:main",
		Schedule: Schedule{Kind: ScheduleInterval, EverySeconds: 60},
	}, envelope.BandGreen, testSubject, now)
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if err := s.Snooze(trig.ID, until, envelope.BandGreen, testSubject, now); err != nil {
		t.Fatalf("Snooze: %v", err)
	}

	// A SNOOZED trigger never fires from Tick alone, no matter how far past
	// `until` the clock advances — it is a paused state, not a deferred-fire
	// state, so it requires an explicit Resume.
	results, err := s.Tick(until.Add(time.Hour), GatingContext{}, envelope.BandGreen, testSubject)
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if len(results) != 0 {
		t.Fatalf("results = %d, want 0 (snoozed trigger must stay paused until Resume)", len(results))
	}

	if err := s.Resume(trig.ID, envelope.BandGreen, testSubject, until); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	resumed, found, err := s.load(trig.ID)
	if err != nil || !found {
		t.Fatalf("load after resume: found=%v err=%v", found, err)
	}
	if resumed.Status != StatusActive {
		t.Fatalf("status after resume = %s, want ACTIVE", resumed.Status)
	}
}
