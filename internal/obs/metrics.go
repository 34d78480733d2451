// Package obs provides structured logging and Prometheus metrics shared
// across every FamilyOS component.
//
// Endpoint: GET /metrics on the address in config.Observability.MetricsAddr.
// Format: Prometheus text exposition, OpenMetrics-compatible.
//
// Metric naming convention: familyos_<subsystem>_<name>_<unit>.
//
// All metrics are registered on a dedicated prometheus.Registry (not the
// global default) to avoid collisions with other instrumented libraries in
// the same process.
//
// Cardinality control: most labels are small closed sets (topic, group,
// tool, decision, status, reason); the one per-entity label is the space id
// on the sync ops-applied counter.
package obs

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every Prometheus metric descriptor for FamilyOS.
type Metrics struct {
	registry *prometheus.Registry

	// ─── Bus ──────────────────────────────────────────────────────────────
	BusPublishedTotal  *prometheus.CounterVec // labels: topic
	BusDeliveredTotal  *prometheus.CounterVec // labels: topic, group
	BusRetriedTotal    *prometheus.CounterVec // labels: topic, group
	BusDLQTotal        *prometheus.CounterVec // labels: topic, group
	BusQueueDepth      *prometheus.GaugeVec   // labels: topic
	BusCommitLatency   prometheus.Histogram
	BusBackPressureTotal *prometheus.CounterVec // labels: topic, group

	// ─── Policy ───────────────────────────────────────────────────────────
	PolicyDecisionsTotal *prometheus.CounterVec // labels: decision
	PolicyCacheHitTotal  prometheus.Counter
	PolicyCacheMissTotal prometheus.Counter

	// ─── Hippocampus ──────────────────────────────────────────────────────
	HippoEncodeLatency   prometheus.Histogram
	HippoNoveltyScore    prometheus.Histogram
	HippoNearDupTotal    prometheus.Counter

	// ─── Workspace ────────────────────────────────────────────────────────
	WorkspaceSlotOccupancy prometheus.Gauge
	WorkspaceBroadcastTotal prometheus.Counter

	// ─── Workflow ─────────────────────────────────────────────────────────
	WorkflowRunsStartedTotal   prometheus.Counter
	WorkflowRunsCompletedTotal *prometheus.CounterVec // labels: status
	WorkflowStepLatency        prometheus.Histogram

	// ─── Consolidation ────────────────────────────────────────────────────
	ConsolidationRollupsTotal prometheus.Counter
	ConsolidationGroupSize    prometheus.Histogram

	// ─── CRDT sync ────────────────────────────────────────────────────────
	SyncOpsAppliedTotal  *prometheus.CounterVec // labels: space
	SyncPushPullRounds   prometheus.Counter
	SyncPartitionedPeers prometheus.Gauge

	// ─── Action runner ────────────────────────────────────────────────────
	ActionDispatchedTotal *prometheus.CounterVec // labels: tool, outcome
	ActionLatency         prometheus.Histogram
	ActionBudgetRemaining *prometheus.GaugeVec // labels: safety_class

	// ─── Prospective (trigger scheduler) ──────────────────────────────────
	ProsTriggerFiredTotal   prometheus.Counter
	ProsTriggerSkippedTotal *prometheus.CounterVec // labels: reason
	ProsEligibility         prometheus.Histogram

	// ─── Storage ──────────────────────────────────────────────────────────
	StorageWriteLatency prometheus.Histogram

	// ─── Process ──────────────────────────────────────────────────────────
	UptimeSeconds prometheus.Gauge
	startTime     time.Time
}

// NewMetrics constructs and registers every FamilyOS metric on a dedicated
// registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry:  reg,
		startTime: time.Now(),

		BusPublishedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "familyos", Subsystem: "bus", Name: "published_total",
			Help: "Envelopes published, by topic.",
		}, []string{"topic"}),
		BusDeliveredTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "familyos", Subsystem: "bus", Name: "delivered_total",
			Help: "Envelopes delivered and committed, by topic and consumer group.",
		}, []string{"topic", "group"}),
		BusRetriedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "familyos", Subsystem: "bus", Name: "retried_total",
			Help: "Redelivery attempts, by topic and consumer group.",
		}, []string{"topic", "group"}),
		BusDLQTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "familyos", Subsystem: "bus", Name: "dlq_total",
			Help: "Envelopes moved to the dead-letter queue, by topic and group.",
		}, []string{"topic", "group"}),
		BusQueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "familyos", Subsystem: "bus", Name: "queue_depth",
			Help: "Current in-flight queue depth, by topic.",
		}, []string{"topic"}),
		BusCommitLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "familyos", Subsystem: "bus", Name: "commit_latency_seconds",
			Help: "WAL append-to-commit latency.", Buckets: prometheus.DefBuckets,
		}),
		BusBackPressureTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "familyos", Subsystem: "bus", Name: "backpressure_total",
			Help: "Publishes rejected for exceeding lag_high_watermark, by topic and lagging group.",
		}, []string{"topic", "group"}),

		PolicyDecisionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "familyos", Subsystem: "policy", Name: "decisions_total",
			Help: "Policy gate decisions, by decision kind.",
		}, []string{"decision"}),
		PolicyCacheHitTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "familyos", Subsystem: "policy", Name: "cache_hit_total",
			Help: "Policy decision cache hits.",
		}),
		PolicyCacheMissTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "familyos", Subsystem: "policy", Name: "cache_miss_total",
			Help: "Policy decision cache misses.",
		}),

		HippoEncodeLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "familyos", Subsystem: "hippocampus", Name: "encode_latency_seconds",
			Help: "DG encoding latency.", Buckets: prometheus.DefBuckets,
		}),
		HippoNoveltyScore: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "familyos", Subsystem: "hippocampus", Name: "novelty_score",
			Help: "Distribution of novelty scores.", Buckets: []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9},
		}),
		HippoNearDupTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "familyos", Subsystem: "hippocampus", Name: "near_dup_total",
			Help: "Encodes flagged as near-duplicate.",
		}),

		WorkspaceSlotOccupancy: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "familyos", Subsystem: "workspace", Name: "slot_occupancy",
			Help: "Current number of occupied working-memory slots.",
		}),
		WorkspaceBroadcastTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "familyos", Subsystem: "workspace", Name: "broadcast_total",
			Help: "WORKSPACE_BROADCAST events emitted.",
		}),

		WorkflowRunsStartedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "familyos", Subsystem: "workflow", Name: "runs_started_total",
			Help: "Workflow runs started.",
		}),
		WorkflowRunsCompletedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "familyos", Subsystem: "workflow", Name: "runs_completed_total",
			Help: "Workflow runs completed, by terminal status.",
		}, []string{"status"}),
		WorkflowStepLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "familyos", Subsystem: "workflow", Name: "step_latency_seconds",
			Help: "Per-step execution latency.", Buckets: prometheus.DefBuckets,
		}),

		ConsolidationRollupsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "familyos", Subsystem: "consolidation", Name: "rollups_total",
			Help: "Rollups produced.",
		}),
		ConsolidationGroupSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "familyos", Subsystem: "consolidation", Name: "group_size",
			Help: "Size of near-duplicate compaction groups.", Buckets: []float64{1, 2, 3, 5, 8, 13, 21, 34},
		}),

		SyncOpsAppliedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "familyos", Subsystem: "sync", Name: "ops_applied_total",
			Help: "CRDT ops applied, by space.",
		}, []string{"space"}),
		SyncPushPullRounds: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "familyos", Subsystem: "sync", Name: "push_pull_rounds_total",
			Help: "Push-pull protocol rounds completed.",
		}),
		SyncPartitionedPeers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "familyos", Subsystem: "sync", Name: "partitioned_peers",
			Help: "Number of peers currently deprioritized as unreachable.",
		}),

		ActionDispatchedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "familyos", Subsystem: "action", Name: "dispatched_total",
			Help: "Actions dispatched, by tool and outcome.",
		}, []string{"tool", "outcome"}),
		ActionLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "familyos", Subsystem: "action", Name: "latency_seconds",
			Help: "End-to-end action dispatch latency.", Buckets: prometheus.DefBuckets,
		}),
		ActionBudgetRemaining: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "familyos", Subsystem: "action", Name: "budget_remaining",
			Help: "Remaining sandbox budget tokens, by safety class.",
		}, []string{"safety_class"}),

		ProsTriggerFiredTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "familyos", Subsystem: "prospective", Name: "trigger_fired_total",
			Help: "Triggers fired (PROS_TRIGGER_FIRED emitted).",
		}),
		ProsTriggerSkippedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "familyos", Subsystem: "prospective", Name: "trigger_skipped_total",
			Help: "Trigger ticks skipped, by reason.",
		}, []string{"reason"}),
		ProsEligibility: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "familyos", Subsystem: "prospective", Name: "eligibility",
			Help: "Computed eligibility score at each trigger tick.", Buckets: []float64{0.1, 0.3, 0.5, 0.7, 0.85, 0.9, 0.95, 1.0},
		}),

		StorageWriteLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "familyos", Subsystem: "storage", Name: "write_latency_seconds",
			Help: "bbolt write transaction latency.", Buckets: prometheus.DefBuckets,
		}),

		UptimeSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "familyos", Subsystem: "process", Name: "uptime_seconds",
			Help: "Seconds since the daemon started.",
		}),
	}

	reg.MustRegister(
		m.BusPublishedTotal, m.BusDeliveredTotal, m.BusRetriedTotal, m.BusDLQTotal,
		m.BusQueueDepth, m.BusCommitLatency, m.BusBackPressureTotal,
		m.PolicyDecisionsTotal, m.PolicyCacheHitTotal, m.PolicyCacheMissTotal,
		m.HippoEncodeLatency, m.HippoNoveltyScore, m.HippoNearDupTotal,
		m.WorkspaceSlotOccupancy, m.WorkspaceBroadcastTotal,
		m.WorkflowRunsStartedTotal, m.WorkflowRunsCompletedTotal, m.WorkflowStepLatency,
		m.ConsolidationRollupsTotal, m.ConsolidationGroupSize,
		m.SyncOpsAppliedTotal, m.SyncPushPullRounds, m.SyncPartitionedPeers,
		m.ActionDispatchedTotal, m.ActionLatency, m.ActionBudgetRemaining,
		m.ProsTriggerFiredTotal, m.ProsTriggerSkippedTotal, m.ProsEligibility,
		m.StorageWriteLatency, m.UptimeSeconds,
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)

	return m
}

// ServeMetrics starts the Prometheus HTTP endpoint. Blocks until ctx is
// cancelled or the server fails.
func (m *Metrics) ServeMetrics(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		ErrorHandling:     promhttp.ContinueOnError,
	}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go m.updateUptime(ctx)
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("metrics server on %s: %w", addr, err)
	}
	return nil
}

func (m *Metrics) updateUptime(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.UptimeSeconds.Set(time.Since(m.startTime).Seconds())
		case <-ctx.Done():
			return
		}
	}
}
