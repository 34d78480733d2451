package temporal

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/familyos/familyos/internal/store"
)

func newTestIndex(t *testing.T) *Index {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "familyos.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return New(db, 72)
}

func TestIngestAndRangeQuery(t *testing.T) {
	idx := newTestIndex(t)
	base := time.Date(2025, 9, 6, 8, 0, 0, 0, time.UTC)

	if err := idx.Ingest(Event{EventID: "e1", SpaceID: "household:main", TSUTC: base, TZ: "UTC"}); err != nil {
		t.Fatalf("Ingest e1: %v", err)
	}
	if err := idx.Ingest(Event{EventID: "e2", SpaceID: "household:main", TSUTC: base.Add(48 * time.Hour), TZ: "UTC"}); err != nil {
		t.Fatalf("Ingest e2: %v", err)
	}

	rg := Range{Start: base.Add(-time.Hour), End: base.Add(time.Hour)}
	hits, err := idx.RangeQuery("household:main", []Range{rg}, 10)
	if err != nil {
		t.Fatalf("RangeQuery: %v", err)
	}
	if len(hits) != 1 || hits[0].EventID != "e1" {
		t.Fatalf("RangeQuery returned %+v, want only e1", hits)
	}
}

func TestScoreFeaturesRecencyFormula(t *testing.T) {
	now := time.Date(2025, 9, 8, 0, 0, 0, 0, time.UTC)
	ts := now.Add(-27*time.Hour - 30*time.Minute)
	f := scoreFeatures(ts, now, 72)
	want := 0.766
	if diff := f.Recency - want; diff > 0.01 || diff < -0.01 {
		t.Fatalf("recency = %.4f, want ~%.4f", f.Recency, want)
	}
}

func TestTimeLexTodayYesterday(t *testing.T) {
	tl := TimeLex{Location: time.UTC}
	now := time.Date(2025, 9, 8, 15, 0, 0, 0, time.UTC)

	today, err := tl.Parse("today", now)
	if err != nil {
		t.Fatalf("Parse today: %v", err)
	}
	if len(today) != 1 || today[0].Start.Day() != 8 {
		t.Fatalf("today range = %+v", today)
	}

	yesterday, err := tl.Parse("yesterday", now)
	if err != nil {
		t.Fatalf("Parse yesterday: %v", err)
	}
	if len(yesterday) != 1 || yesterday[0].Start.Day() != 7 {
		t.Fatalf("yesterday range = %+v", yesterday)
	}
}

func TestTimeLexYesterdayMorning(t *testing.T) {
	tl := TimeLex{Location: time.UTC}
	now := time.Date(2025, 9, 8, 15, 0, 0, 0, time.UTC)
	rg, err := tl.Parse("yesterday morning", now)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(rg) != 1 {
		t.Fatalf("expected one range, got %d", len(rg))
	}
	if rg[0].Start.Hour() != morningStart || rg[0].Start.Day() != 7 {
		t.Fatalf("yesterday morning start = %v, want day 7 hour %d", rg[0].Start, morningStart)
	}
}

func TestTimeLexNDaysAgo(t *testing.T) {
	tl := TimeLex{Location: time.UTC}
	now := time.Date(2025, 9, 8, 15, 0, 0, 0, time.UTC)
	rg, err := tl.Parse("3 days ago", now)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if rg[0].Start.Day() != 5 {
		t.Fatalf("3 days ago start day = %d, want 5", rg[0].Start.Day())
	}
}

func TestTimeLexLastWeekday(t *testing.T) {
	tl := TimeLex{Location: time.UTC}
	now := time.Date(2025, 9, 8, 15, 0, 0, 0, time.UTC) // a Monday
	rg, err := tl.Parse("last friday", now)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if rg[0].Start.Weekday() != time.Friday {
		t.Fatalf("last friday weekday = %v", rg[0].Start.Weekday())
	}
	if !rg[0].Start.Before(now) {
		t.Fatalf("last friday should be before now")
	}
}

func TestTimeLexUnrecognizedPhrase(t *testing.T) {
	tl := TimeLex{Location: time.UTC}
	if _, err := tl.Parse("someday maybe", time.Now()); err == nil {
		t.Fatalf("expected error for unrecognized phrase")
	}
}
