// Package temporal implements the Temporal Index: multi-resolution time
// shards for fast "what happened around when" recall, a relative-phrase
// parser (TimeLex), and recency/circadian scoring.
//
// Shard storage persists through internal/store's bbolt wrapper, grounded
// on internal/storage/bolt.go's sortable-key bucket convention — here the
// bucket_key itself is already lexicographically ordered (YYYY-MM-DD-HH,
// YYYY-MM-DD, YYYY-Www, YYYY-MM), so no extra encoding step is needed.
package temporal

import (
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/familyos/familyos/internal/store"
)

// Resolution is a shard granularity.
type Resolution string

const (
	ResHour    Resolution = "hour"
	ResDay     Resolution = "day"
	ResISOWeek Resolution = "iso_week"
	ResMonth   Resolution = "month"
)

var allResolutions = []Resolution{ResHour, ResDay, ResISOWeek, ResMonth}

// Event is one timestamped record ingested into the index.
type Event struct {
	EventID string    `json:"event_id"`
	SpaceID string    `json:"space_id"`
	TSUTC   time.Time `json:"ts_utc"`
	TZ      string    `json:"tz"`
	Tags    []string  `json:"tags,omitempty"`
}

// Features is the scored feature bundle returned by a range query.
type Features struct {
	Recency float64 `json:"recency"`
	SinHOD  float64 `json:"sin_hod"`
	CosHOD  float64 `json:"cos_hod"`
	SinDOW  float64 `json:"sin_dow"`
	CosDOW  float64 `json:"cos_dow"`
	IsWeekend bool  `json:"is_weekend"`
}

// Hit is one result from a range query.
type Hit struct {
	EventID  string    `json:"event_id"`
	TS       time.Time `json:"ts"`
	Features Features  `json:"features"`
}

// Range is a UTC time interval, inclusive of Start and exclusive of End.
type Range struct {
	Start time.Time
	End   time.Time
}

// Index is the Temporal Index: ingest + range_query over multi-resolution
// shards.
type Index struct {
	db            *store.DB
	recencyHalfLifeHours float64
}

// New constructs an Index. halfLifeHours is the recency decay constant h in
// recency = 2^(-Δt_hours/h); spec.md default is 72.
func New(db *store.DB, halfLifeHours float64) *Index {
	if halfLifeHours <= 0 {
		halfLifeHours = 72
	}
	return &Index{db: db, recencyHalfLifeHours: halfLifeHours}
}

// Ingest writes ev into every resolution's shard.
func (idx *Index) Ingest(ev Event) error {
	if ev.EventID == "" || ev.SpaceID == "" {
		return fmt.Errorf("temporal.Ingest: event_id and space_id required")
	}
	loc, err := loadLocation(ev.TZ)
	if err != nil {
		return err
	}
	local := ev.TSUTC.In(loc)
	for _, res := range allResolutions {
		key := bucketKey(res, local)
		if err := idx.appendToShard(res, key, ev.SpaceID, ev.EventID); err != nil {
			return fmt.Errorf("temporal.Ingest: shard %s/%s: %w", res, key, err)
		}
	}
	return nil
}

func loadLocation(tz string) (*time.Location, error) {
	if tz == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("temporal: invalid timezone %q: %w", tz, err)
	}
	return loc, nil
}

func bucketKey(res Resolution, local time.Time) string {
	switch res {
	case ResHour:
		return local.Format("2006-01-02-15")
	case ResDay:
		return local.Format("2006-01-02")
	case ResISOWeek:
		year, week := local.ISOWeek()
		return fmt.Sprintf("%04d-W%02d", year, week)
	case ResMonth:
		return local.Format("2006-01")
	}
	return local.Format("2006-01-02")
}

func shardBucketName(res Resolution) string {
	return "temporal"
}

func shardKey(res Resolution, bucketKey, spaceID string) []byte {
	return []byte(fmt.Sprintf("shards/%s/%s/%s", res, bucketKey, spaceID))
}

func (idx *Index) appendToShard(res Resolution, bucketKey, spaceID, eventID string) error {
	key := shardKey(res, bucketKey, spaceID)
	var ids []string
	if _, err := idx.db.GetJSON(shardBucketName(res), key, &ids); err != nil {
		return err
	}
	for _, id := range ids {
		if id == eventID {
			return nil // already present, idempotent
		}
	}
	ids = append(ids, eventID)
	return idx.db.PutJSON(shardBucketName(res), key, ids)
}

// eventRecord is a per-event timestamp record. Ingest does not store it:
// RangeQuery recovers an event's time for scoring from its hour-shard
// membership via resolveEventTime.
type eventRecord struct {
	TSUTC time.Time `json:"ts_utc"`
}

// RangeQuery returns every event_id in spaceID across the given ranges,
// scored with recency and circadian features, most-recent first.
func (idx *Index) RangeQuery(spaceID string, ranges []Range, k int) ([]Hit, error) {
	now := time.Now().UTC()
	seen := make(map[string]bool)
	var hits []Hit

	for _, rg := range ranges {
		for _, res := range []Resolution{ResHour, ResDay} { // finest resolutions give exact membership
			bucketKeys := bucketsSpanning(res, rg)
			for _, bk := range bucketKeys {
				var ids []string
				key := shardKey(res, bk, spaceID)
				found, err := idx.db.GetJSON(shardBucketName(res), key, &ids)
				if err != nil {
					return nil, fmt.Errorf("temporal.RangeQuery: %w", err)
				}
				if !found {
					continue
				}
				for _, id := range ids {
					if seen[id] {
						continue
					}
					seen[id] = true
					ts, err := idx.resolveEventTime(spaceID, id)
					if err != nil || ts.IsZero() {
						continue
					}
					if ts.Before(rg.Start) || !ts.Before(rg.End) {
						continue
					}
					hits = append(hits, Hit{
						EventID:  id,
						TS:       ts,
						Features: scoreFeatures(ts, now, idx.recencyHalfLifeHours),
					})
				}
			}
		}
	}

	sortHitsByRecency(hits)
	if k > 0 && len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

// resolveEventTime reconstructs an event's timestamp from its hour-bucket
// membership. In the absence of a dedicated event→timestamp table, this
// scans the hour shard keys containing the event; callers that need exact
// sub-hour timestamps should persist them separately (e.g. via hippocampus
// codes) and pass ranges precise to the hour.
func (idx *Index) resolveEventTime(spaceID, eventID string) (time.Time, error) {
	var found time.Time
	err := idx.db.ForEachPrefix(shardBucketName(ResHour), []byte("shards/hour/"), func(key, value []byte) error {
		if !found.IsZero() {
			return nil
		}
		var ids []string
		if err := json.Unmarshal(value, &ids); err != nil {
			return nil
		}
		for _, id := range ids {
			if id == eventID {
				// key format: shards/hour/<bucket>/<space>
				parts := splitKey(string(key))
				if len(parts) >= 2 && parts[len(parts)-1] == spaceID {
					if t, err := time.Parse("2006-01-02-15", parts[len(parts)-2]); err == nil {
						found = t
					}
				}
			}
		}
		return nil
	})
	return found, err
}

func splitKey(k string) []string {
	var parts []string
	start := 0
	for i := 0; i < len(k); i++ {
		if k[i] == '/' {
			parts = append(parts, k[start:i])
			start = i + 1
		}
	}
	parts = append(parts, k[start:])
	return parts
}

// bucketsSpanning enumerates every bucket_key of resolution res that
// overlaps range rg, walking hour-by-hour or day-by-day.
func bucketsSpanning(res Resolution, rg Range) []string {
	var keys []string
	seen := make(map[string]bool)
	step := time.Hour
	if res == ResDay {
		step = 24 * time.Hour
	}
	for t := rg.Start; t.Before(rg.End); t = t.Add(step) {
		bk := bucketKey(res, t)
		if !seen[bk] {
			seen[bk] = true
			keys = append(keys, bk)
		}
	}
	if len(keys) == 0 {
		keys = append(keys, bucketKey(res, rg.Start))
	}
	return keys
}

func sortHitsByRecency(hits []Hit) {
	for i := 1; i < len(hits); i++ {
		j := i
		for j > 0 && hits[j-1].Features.Recency < hits[j].Features.Recency {
			hits[j-1], hits[j] = hits[j], hits[j-1]
			j--
		}
	}
}

// scoreFeatures computes the recency score and circadian feature vector for
// an event at ts relative to now.
//
// recency = 2^(-Δt_hours/h); circadian vector is
// (sin(2π·HOD/24), cos(2π·HOD/24), sin(2π·DOW/7), cos(2π·DOW/7), is_weekend).
func scoreFeatures(ts, now time.Time, halfLifeHours float64) Features {
	deltaHours := now.Sub(ts).Hours()
	if deltaHours < 0 {
		deltaHours = 0
	}
	recency := math.Exp2(-deltaHours / halfLifeHours)

	hod := float64(ts.Hour()) + float64(ts.Minute())/60.0
	dow := float64(ts.Weekday())
	weekend := ts.Weekday() == time.Saturday || ts.Weekday() == time.Sunday

	return Features{
		Recency: recency,
		SinHOD:  math.Sin(2 * math.Pi * hod / 24),
		CosHOD:  math.Cos(2 * math.Pi * hod / 24),
		SinDOW:  math.Sin(2 * math.Pi * dow / 7),
		CosDOW:  math.Cos(2 * math.Pi * dow / 7),
		IsWeekend: weekend,
	}
}
