// Package bench — replaybench/main.go
//
// Percept replay latency measurement tool.
//
// Measures end-to-end latency from Bus.Publish on the "percepts" topic to
// the matching Workspace broadcast callback firing, for a synthetic batch
// of percepts replayed against a throwaway BoltDB instance.
//
// Method:
//  1. Constructs a Bus, Hippocampus Encoder, Temporal Index, and Workspace
//     wired the same way cmd/familyosd wires them.
//  2. Subscribes the percept handler; the Workspace's onBroadcast callback
//     records the wall-clock time a broadcast fires.
//  3. Publishes -iterations synthetic percepts back to back, each with a
//     unique event id, and records publish-to-broadcast latency for the
//     ones that triggered an (undebounced) broadcast.
//  4. Results are written to a CSV file.
//
// Output CSV columns:
//
//	iteration, latency_us
package main

import (
	"context"
	"encoding/csv"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/familyos/familyos/internal/bus"
	"github.com/familyos/familyos/internal/envelope"
	"github.com/familyos/familyos/internal/hippocampus"
	"github.com/familyos/familyos/internal/obs"
	"github.com/familyos/familyos/internal/store"
	"github.com/familyos/familyos/internal/temporal"
	"github.com/familyos/familyos/internal/workspace"
)

func main() {
	iterations := flag.Int("iterations", 2000, "Number of synthetic percepts to replay")
	outputFile := flag.String("output", "replay_raw.csv", "Output CSV file path")
	dbDir := flag.String("db-dir", "", "Directory for the throwaway BoltDB instance (default: a temp dir)")
	flag.Parse()

	dir := *dbDir
	if dir == "" {
		var err error
		dir, err = os.MkdirTemp("", "replaybench-*")
		if err != nil {
			fmt.Fprintf(os.Stderr, "mkdir temp: %v\n", err)
			os.Exit(1)
		}
		defer os.RemoveAll(dir)
	}

	db, err := store.Open(filepath.Join(dir, "familyos.db"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "store.Open: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()

	log := zap.NewNop()
	metrics := obs.NewMetrics()

	eventBus := bus.New(bus.Config{
		WALPath: dir, FsyncBatch: 1, MaxInFlight: 64, RedeliveryTimeout: 2 * time.Second,
		MaxRetries: 1, BackoffBaseMS: 1, BackoffMaxMS: 5, QueueCapacity: 4096,
	}, db, log, metrics)
	defer eventBus.Close()

	encoder := hippocampus.New(db, hippocampus.DefaultConfig(), log, metrics)
	temporalIdx := temporal.New(db, 72)

	var mu sync.Mutex
	pending := make(map[string]time.Time) // event_id -> publish time
	results := make([]time.Duration, 0, *iterations)

	wsCfg := workspace.DefaultConfig()
	wsCfg.BroadcastDebounce = 0
	wm := workspace.New(wsCfg, log, metrics, func(spaceID string, slots []workspace.Slot) {
		now := time.Now()
		mu.Lock()
		for _, s := range slots {
			if start, ok := pending[s.EventID]; ok {
				results = append(results, now.Sub(start))
				delete(pending, s.EventID)
			}
		}
		mu.Unlock()
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		_ = eventBus.Subscribe(ctx, "percepts", "replaybench", func(_ context.Context, env *envelope.Envelope) error {
			var p struct {
				EventID string    `json:"event_id"`
				Content string    `json:"content"`
				TS      time.Time `json:"ts"`
			}
			if err := env.Unmarshal(&p); err != nil {
				return err
			}
			encoded, err := encoder.Encode(string(env.SpaceID), p.EventID, p.Content, p.TS, nil)
			if err != nil {
				return err
			}
			if err := temporalIdx.Ingest(temporal.Event{EventID: p.EventID, SpaceID: string(env.SpaceID), TSUTC: p.TS, TZ: "UTC"}); err != nil {
				return err
			}
			wm.Admit(string(env.SpaceID), []workspace.Candidate{{EventID: p.EventID, Summary: p.Content, Code: encoded.Code}}, time.Now())
			return nil
		})
	}()
	time.Sleep(50 * time.Millisecond) // let the subscriber attach before the first publish

	for i := 0; i < *iterations; i++ {
		eventID := fmt.Sprintf("evt-%d", i)
		payload := map[string]any{
			"event_id": eventID,
			"content":  fmt.Sprintf("synthetic percept number %d", i),
			"ts":       time.Now().UTC(),
		}
		env, err := envelope.New("percepts", envelope.TypePerceptText, "household:bench", envelope.BandGreen,
			envelope.QoS{Priority: "normal"}, eventID, payload)
		if err != nil {
			fmt.Fprintf(os.Stderr, "envelope.New: %v\n", err)
			os.Exit(1)
		}

		mu.Lock()
		pending[eventID] = time.Now()
		mu.Unlock()

		if _, err := eventBus.Publish(env); err != nil {
			fmt.Fprintf(os.Stderr, "publish: %v\n", err)
			os.Exit(1)
		}
	}

	// Give the subscriber goroutine time to drain the last few publishes.
	time.Sleep(500 * time.Millisecond)
	cancel()

	f, err := os.Create(*outputFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "create output: %v\n", err)
		os.Exit(1)
	}
	defer f.Close()
	w := csv.NewWriter(f)
	defer w.Flush()
	_ = w.Write([]string{"iteration", "latency_us"})

	mu.Lock()
	defer mu.Unlock()
	hist := make([]int, 0, len(results))
	for i, d := range results {
		us := int(d.Microseconds())
		hist = append(hist, us)
		_ = w.Write([]string{strconv.Itoa(i), strconv.Itoa(us)})
	}

	p50, p95, p99 := percentiles(hist)
	fmt.Printf("Percept Replay Latency Results (%d/%d completed)\n", len(results), *iterations)
	fmt.Printf("  p50: %dus\n", p50)
	fmt.Printf("  p95: %dus\n", p95)
	fmt.Printf("  p99: %dus\n", p99)
	fmt.Printf("  Output: %s\n", *outputFile)
}

func percentiles(samples []int) (p50, p95, p99 int) {
	if len(samples) == 0 {
		return 0, 0, 0
	}
	sorted := append([]int(nil), samples...)
	for i := 1; i < len(sorted); i++ {
		for j := i; j > 0 && sorted[j-1] > sorted[j]; j-- {
			sorted[j-1], sorted[j] = sorted[j], sorted[j-1]
		}
	}
	at := func(pct float64) int {
		idx := int(pct * float64(len(sorted)-1))
		return sorted[idx]
	}
	return at(0.50), at(0.95), at(0.99)
}
