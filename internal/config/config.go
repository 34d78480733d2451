// Package config provides configuration loading, validation, and hot-reload
// for the familyosd daemon.
//
// Configuration file: /etc/familyos/config.yaml (default).
// Schema version: 1.
//
// Hot-reload:
//   - The daemon listens for SIGHUP.
//   - On SIGHUP: re-read and re-validate config.yaml.
//   - Only the sync peer list is applied live. Every other field,
//     including thresholds, weights, log level, budgets, the store path
//     and the sync listen address, takes effect on restart.
//   - If the new config is invalid, the old config remains active and an
//     error is logged. The daemon never crashes on a bad hot-reload.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Version, GitCommit, BuildTime are injected by the build via -ldflags.
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// Config is the root configuration structure for familyosd.
type Config struct {
	SchemaVersion string `yaml:"schema_version"`

	// DeviceID uniquely identifies this device within a family. Used as the
	// CRDT replica id and the sync node_id. Default: hostname.
	DeviceID string `yaml:"device_id"`

	Bus           BusConfig           `yaml:"bus"`
	Policy        PolicyConfig        `yaml:"policy"`
	Temporal      TemporalConfig      `yaml:"temporal"`
	Hippocampus   HippocampusConfig   `yaml:"hippocampus"`
	Workspace     WorkspaceConfig     `yaml:"workspace"`
	Workflow      WorkflowConfig      `yaml:"workflow"`
	Consolidation ConsolidationConfig `yaml:"consolidation"`
	Sync          SyncConfig          `yaml:"sync"`
	Action        ActionConfig        `yaml:"action"`
	Prospective   ProspectiveConfig   `yaml:"prospective"`
	Storage       StorageConfig       `yaml:"storage"`
	Observability ObservabilityConfig `yaml:"observability"`
	Operator      OperatorConfig      `yaml:"operator"`
}

// BusConfig configures the durable Event Bus (spec.md §6.5 bus.*).
type BusConfig struct {
	// WALPath is the directory holding per-topic WAL segment files.
	WALPath string `yaml:"wal_path"`

	// FsyncBatch is the number of WAL records appended between fsync calls.
	// Default: 1 (fsync every record). Raise for throughput at the cost of
	// a larger crash-loss window.
	FsyncBatch int `yaml:"fsync_batch"`

	// FsyncIntervalMS is a time bound on fsync latency. Default: 50. The
	// bus is not given this value: the WAL fsyncs only on the FsyncBatch
	// record count.
	FsyncIntervalMS int `yaml:"fsync_interval_ms"`

	// MaxInFlight is the maximum number of unacknowledged deliveries per
	// consumer group. Default: 64.
	MaxInFlight int `yaml:"max_in_flight"`

	// RedeliveryTimeout is how long a delivery may stay unacknowledged
	// before being redelivered. Default: 30s.
	RedeliveryTimeout time.Duration `yaml:"redelivery_timeout"`

	// MaxRetries is the number of redelivery attempts before an envelope is
	// moved to the dead-letter queue. Default: 5.
	MaxRetries int `yaml:"max_retries"`

	// BackoffBaseMS / BackoffMaxMS bound the exponential backoff+jitter
	// applied between redelivery attempts.
	BackoffBaseMS int `yaml:"backoff_base_ms"`
	BackoffMaxMS  int `yaml:"backoff_max_ms"`

	// QueueCapacity is the bounded in-memory dispatch queue depth per topic.
	// Default: 10000.
	QueueCapacity int `yaml:"queue_capacity"`

	// LagHighWatermark is the max records a consumer group may lag behind
	// a topic's WAL tail before Publish starts rejecting with
	// BackPressure. Default: 10000.
	LagHighWatermark int `yaml:"lag_high_watermark"`
}

// PolicyConfig configures the Policy Gate (spec.md §6.5 policy.*).
type PolicyConfig struct {
	// RulesPath is the path to the policy rule set file.
	RulesPath string `yaml:"rules_path"`

	// CacheSize is the number of decisions held in the LRU decision cache.
	// Default: 4096.
	CacheSize int `yaml:"cache_size"`

	// DefaultBand is applied to envelopes that omit one. Default: "amber".
	DefaultBand string `yaml:"default_band"`
}

// TemporalConfig configures the Temporal Index (spec.md §6.5 temporal.*).
type TemporalConfig struct {
	// Timezone is the IANA timezone used for bucket boundaries when a
	// trigger or query does not specify its own. Default: "Local".
	Timezone string `yaml:"timezone"`

	// RecencyHalfLifeHours is h in the recency scoring formula
	// 2^(-Δt_hours/h). Default: 72.
	RecencyHalfLifeHours float64 `yaml:"recency_half_life_hours"`
}

// HippocampusConfig configures the DG/CA3/CA1 encoder (spec.md §6.5 hippo.*).
type HippocampusConfig struct {
	// ShingleSize is a character n-gram length for SimHash and MinHash
	// sketches. Default: 4. The hippocampus package does not read it: its
	// sketches always use 3-character shingles (hippocampus.Shingles).
	ShingleSize int `yaml:"shingle_size"`

	// MinHashK is the number of MinHash permutations (K=64 per spec).
	MinHashK int `yaml:"minhash_k"`

	// NoveltyThreshold below which an encode is flagged near-duplicate.
	// Default: 0.15.
	NoveltyThreshold float64 `yaml:"novelty_threshold"`

	// CA3Lambda is a blend of cosine similarity and SDR distance,
	// λ·cos + (1-λ)·(1-d_H/B). Default: 0.5. The hippocampus package does
	// not read it: CA3 completion uses a fixed λ of 0.7 when both vectors
	// are present and 0 otherwise.
	CA3Lambda float64 `yaml:"ca3_lambda"`

	// CPUWorkers is an encoder worker count. Default: 4. No component reads
	// it: the Hippocampus encodes synchronously on the caller's goroutine.
	CPUWorkers int `yaml:"cpu_workers"`

	// VectorIndexEnabled is passed to the Hippocampus Encoder, which stores
	// it but does not consult it: Encode builds no vector index entries and
	// takes no QoS priority.
	VectorIndexEnabled bool `yaml:"vector_index_enabled"`
}

// WorkspaceConfig configures Working Memory / Global Workspace (spec.md
// §6.5 wm.*).
type WorkspaceConfig struct {
	// SlotCapacity is N, the bounded number of working-memory slots.
	// Default: 7.
	SlotCapacity int `yaml:"slot_capacity"`

	// DecayHalfLifeMinutes is the half-life for slot weight decay.
	// Default: 20.
	DecayHalfLifeMinutes float64 `yaml:"decay_half_life_minutes"`

	// SoftmaxTemperature controls salience batch normalization sharpness.
	// Default: 1.0.
	SoftmaxTemperature float64 `yaml:"softmax_temperature"`

	// BroadcastDebounce is the minimum interval between WORKSPACE_BROADCAST
	// events. Default: 250ms.
	BroadcastDebounce time.Duration `yaml:"broadcast_debounce"`

	// SalienceWeights are the seven term weights (recency, match, goal,
	// novelty, timefit, affect, cost).
	SalienceWeights SalienceWeights `yaml:"salience_weights"`
}

// SalienceWeights holds the seven weighted terms of the salience formula.
type SalienceWeights struct {
	Recency float64 `yaml:"recency"`
	Match   float64 `yaml:"match"`
	Goal    float64 `yaml:"goal"`
	Novelty float64 `yaml:"novelty"`
	Timefit float64 `yaml:"timefit"`
	Affect  float64 `yaml:"affect"`
	Cost    float64 `yaml:"cost"`
}

// WorkflowConfig configures the Workflow Coordinator (spec.md §6.5 workflow.*).
type WorkflowConfig struct {
	// RunStorePath is the directory holding per-run crash-safe snapshots.
	RunStorePath string `yaml:"run_store_path"`

	// MaxConcurrentRuns bounds the run-processor worker pool. Default: 16.
	MaxConcurrentRuns int `yaml:"max_concurrent_runs"`

	// SuspendSweepInterval is how often suspended runs are checked for
	// externally-expired waits. Default: 30s.
	SuspendSweepInterval time.Duration `yaml:"suspend_sweep_interval"`
}

// ConsolidationConfig configures the Consolidation Engine (spec.md §6.5
// consolidation.*).
type ConsolidationConfig struct {
	// Interval is how often a consolidation pass runs. Default: 1h.
	Interval time.Duration `yaml:"interval"`

	// LSHBands / LSHRows control MinHash-LSH bucketing granularity.
	LSHBands int `yaml:"lsh_bands"`
	LSHRows  int `yaml:"lsh_rows"`

	// SimilarityThreshold is a composite-score cut-off for compaction
	// groups. Default: 0.8. The consolidation package does not read it:
	// Compact uses its fixed DuplicateThreshold of 0.86.
	SimilarityThreshold float64 `yaml:"similarity_threshold"`

	// MMRLambda balances relevance vs. diversity in rollup sentence
	// selection. Default: 0.7.
	MMRLambda float64 `yaml:"mmr_lambda"`

	// MaxRollupSentences bounds rollup length. Default: 5.
	MaxRollupSentences int `yaml:"max_rollup_sentences"`
}

// SyncConfig configures the CRDT Sync Replicator (spec.md §6.5 sync.*).
type SyncConfig struct {
	Enabled    bool     `yaml:"enabled"`
	ListenAddr string   `yaml:"listen_addr"`
	Peers      []string `yaml:"peers"`

	TLSCertFile string `yaml:"tls_cert_file"`
	TLSKeyFile  string `yaml:"tls_key_file"`
	TLSCAFile   string `yaml:"tls_ca_file"`

	// PushPullInterval is how often a round is initiated per peer.
	// Default: 10s.
	PushPullInterval time.Duration `yaml:"push_pull_interval"`

	// ChunkSize bounds the number of ops per OPS message. Default: 256.
	ChunkSize int `yaml:"chunk_size"`

	// PartitionThreshold is the minimum reachable-peer fraction below which
	// a space's round is deprioritized (spec.md §4.I back-pressure).
	// Default: 0.5.
	PartitionThreshold float64 `yaml:"partition_threshold"`

	// GroupKeyRotationInterval controls MLS-style group key rotation for
	// CryptoProvider. Default: 24h.
	GroupKeyRotationInterval time.Duration `yaml:"group_key_rotation_interval"`
}

// ActionConfig configures the Action Runner (spec.md §6.5 action.*).
type ActionConfig struct {
	// SandboxBudgets maps safety_class to token bucket parameters.
	SandboxBudgets map[string]SandboxBudget `yaml:"sandbox_budgets"`

	// DefaultTimeout bounds a single dispatch. Default: 10s.
	DefaultTimeout time.Duration `yaml:"default_timeout"`

	// HighIsolationTimeout bounds dispatch under the high_isolation profile.
	// Default: 30s.
	HighIsolationTimeout time.Duration `yaml:"high_isolation_timeout"`

	// ReceiptRetentionDays bounds receipt ledger retention. Default: 90.
	ReceiptRetentionDays int `yaml:"receipt_retention_days"`
}

// SandboxBudget is a token-bucket budget for one safety class.
type SandboxBudget struct {
	Capacity     int           `yaml:"capacity"`
	RefillPeriod time.Duration `yaml:"refill_period"`
}

// ProspectiveConfig configures the Prospective trigger scheduler (spec.md
// §6.5 prospective.*, §3.4 Trigger).
type ProspectiveConfig struct {
	// TickInterval is how often due triggers are evaluated. Default: 1m.
	TickInterval time.Duration `yaml:"tick_interval"`

	// DefaultBand is the band used for PROS_TRIGGER_* envelopes. Default:
	// "amber" (a fired trigger's action template may carry recipient
	// details).
	DefaultBand string `yaml:"default_band"`
}

// StorageConfig configures the shared bbolt store.
type StorageConfig struct {
	// WorkspaceRoot is the root directory for all durable storage
	// (spec.md §6.1).
	WorkspaceRoot string `yaml:"workspace_root"`

	// DBPath is the bbolt file path. Default: <WorkspaceRoot>/familyos.db.
	DBPath string `yaml:"db_path"`
}

// ObservabilityConfig configures metrics and logging.
type ObservabilityConfig struct {
	MetricsAddr string `yaml:"metrics_addr"`
	LogLevel    string `yaml:"log_level"`
	LogFormat   string `yaml:"log_format"`
}

// OperatorConfig configures the familyosctl Unix-domain-socket console.
type OperatorConfig struct {
	SocketPath string `yaml:"socket_path"`
	Enabled    bool   `yaml:"enabled"`
}

// Defaults returns a Config populated with every default value.
func Defaults() Config {
	hostname, _ := os.Hostname()
	return Config{
		SchemaVersion: "1",
		DeviceID:      hostname,
		Bus: BusConfig{
			WALPath:           "/var/lib/familyos/bus",
			FsyncBatch:        1,
			FsyncIntervalMS:   50,
			MaxInFlight:       64,
			RedeliveryTimeout: 30 * time.Second,
			MaxRetries:        5,
			BackoffBaseMS:     100,
			BackoffMaxMS:      10000,
			QueueCapacity:     10000,
			LagHighWatermark:  10000,
		},
		Policy: PolicyConfig{
			RulesPath:   "/etc/familyos/policy.yaml",
			CacheSize:   4096,
			DefaultBand: "amber",
		},
		Temporal: TemporalConfig{
			Timezone:             "Local",
			RecencyHalfLifeHours: 72,
		},
		Hippocampus: HippocampusConfig{
			ShingleSize:        4,
			MinHashK:           64,
			NoveltyThreshold:   0.15,
			CA3Lambda:          0.5,
			CPUWorkers:         4,
			VectorIndexEnabled: false,
		},
		Workspace: WorkspaceConfig{
			SlotCapacity:         7,
			DecayHalfLifeMinutes: 20,
			SoftmaxTemperature:   1.0,
			BroadcastDebounce:    250 * time.Millisecond,
			SalienceWeights: SalienceWeights{
				Recency: 0.2, Match: 0.25, Goal: 0.2,
				Novelty: 0.1, Timefit: 0.1, Affect: 0.1, Cost: 0.05,
			},
		},
		Workflow: WorkflowConfig{
			RunStorePath:         "/var/lib/familyos/workflow/runs",
			MaxConcurrentRuns:    16,
			SuspendSweepInterval: 30 * time.Second,
		},
		Consolidation: ConsolidationConfig{
			Interval:            1 * time.Hour,
			LSHBands:            16,
			LSHRows:             4,
			SimilarityThreshold: 0.8,
			MMRLambda:           0.7,
			MaxRollupSentences:  5,
		},
		Sync: SyncConfig{
			Enabled:                  false,
			ListenAddr:               "0.0.0.0:8443",
			PushPullInterval:         10 * time.Second,
			ChunkSize:                256,
			PartitionThreshold:       0.5,
			GroupKeyRotationInterval: 24 * time.Hour,
		},
		Action: ActionConfig{
			SandboxBudgets: map[string]SandboxBudget{
				"default":        {Capacity: 100, RefillPeriod: 60 * time.Second},
				"high_isolation": {Capacity: 20, RefillPeriod: 60 * time.Second},
			},
			DefaultTimeout:       10 * time.Second,
			HighIsolationTimeout: 30 * time.Second,
			ReceiptRetentionDays: 90,
		},
		Prospective: ProspectiveConfig{
			TickInterval: 1 * time.Minute,
			DefaultBand:  "amber",
		},
		Storage: StorageConfig{
			WorkspaceRoot: "/var/lib/familyos",
			DBPath:        "/var/lib/familyos/familyos.db",
		},
		Observability: ObservabilityConfig{
			MetricsAddr: "127.0.0.1:9090",
			LogLevel:    "info",
			LogFormat:   "json",
		},
		Operator: OperatorConfig{
			Enabled:    true,
			SocketPath: "/run/familyos/operator.sock",
		},
	}
}

// Load reads and validates a config file from path, overriding defaults
// with the values present in the file.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config.Load: read %q: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config.Load: parse %q: %w", path, err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("config.Load: validation failed: %w", err)
	}
	return &cfg, nil
}

// Validate checks every config field for correctness, accumulating all
// violations into a single error.
func Validate(cfg *Config) error {
	var errs []string

	if cfg.SchemaVersion != "1" {
		errs = append(errs, fmt.Sprintf("schema_version must be \"1\", got %q", cfg.SchemaVersion))
	}
	if cfg.DeviceID == "" {
		errs = append(errs, "device_id must not be empty")
	}
	if cfg.Bus.MaxInFlight < 1 {
		errs = append(errs, "bus.max_in_flight must be >= 1")
	}
	if cfg.Bus.MaxRetries < 0 {
		errs = append(errs, "bus.max_retries must be >= 0")
	}
	if cfg.Bus.QueueCapacity < 1 {
		errs = append(errs, "bus.queue_capacity must be >= 1")
	}
	if cfg.Bus.LagHighWatermark < 0 {
		errs = append(errs, "bus.lag_high_watermark must be >= 0")
	}
	if cfg.Policy.CacheSize < 1 {
		errs = append(errs, "policy.cache_size must be >= 1")
	}
	if cfg.Temporal.RecencyHalfLifeHours <= 0 {
		errs = append(errs, "temporal.recency_half_life_hours must be > 0")
	}
	if cfg.Hippocampus.ShingleSize < 1 {
		errs = append(errs, "hippocampus.shingle_size must be >= 1")
	}
	if cfg.Hippocampus.MinHashK < 1 {
		errs = append(errs, "hippocampus.minhash_k must be >= 1")
	}
	if cfg.Hippocampus.CA3Lambda < 0 || cfg.Hippocampus.CA3Lambda > 1 {
		errs = append(errs, "hippocampus.ca3_lambda must be in [0, 1]")
	}
	if cfg.Workspace.SlotCapacity < 1 {
		errs = append(errs, "wm.slot_capacity must be >= 1")
	}
	if cfg.Workspace.DecayHalfLifeMinutes <= 0 {
		errs = append(errs, "wm.decay_half_life_minutes must be > 0")
	}
	w := cfg.Workspace.SalienceWeights
	if w.Recency < 0 || w.Match < 0 || w.Goal < 0 || w.Novelty < 0 ||
		w.Timefit < 0 || w.Affect < 0 || w.Cost < 0 {
		errs = append(errs, "all wm.salience_weights must be >= 0")
	}
	if cfg.Workflow.MaxConcurrentRuns < 1 {
		errs = append(errs, "workflow.max_concurrent_runs must be >= 1")
	}
	if cfg.Consolidation.SimilarityThreshold < 0 || cfg.Consolidation.SimilarityThreshold > 1 {
		errs = append(errs, "consolidation.similarity_threshold must be in [0, 1]")
	}
	if cfg.Consolidation.MMRLambda < 0 || cfg.Consolidation.MMRLambda > 1 {
		errs = append(errs, "consolidation.mmr_lambda must be in [0, 1]")
	}
	if cfg.Sync.Enabled {
		if cfg.Sync.TLSCertFile == "" || cfg.Sync.TLSKeyFile == "" || cfg.Sync.TLSCAFile == "" {
			errs = append(errs, "sync.tls_cert_file, tls_key_file, and tls_ca_file are required when sync is enabled")
		}
		if cfg.Sync.ChunkSize < 1 {
			errs = append(errs, "sync.chunk_size must be >= 1")
		}
		if cfg.Sync.PartitionThreshold < 0 || cfg.Sync.PartitionThreshold > 1 {
			errs = append(errs, "sync.partition_threshold must be in [0, 1]")
		}
	}
	for class, b := range cfg.Action.SandboxBudgets {
		if b.Capacity < 1 {
			errs = append(errs, fmt.Sprintf("action.sandbox_budgets[%s].capacity must be >= 1", class))
		}
		if b.RefillPeriod < time.Second {
			errs = append(errs, fmt.Sprintf("action.sandbox_budgets[%s].refill_period must be >= 1s", class))
		}
	}
	if cfg.Storage.WorkspaceRoot == "" {
		errs = append(errs, "storage.workspace_root must not be empty")
	}
	if cfg.Prospective.TickInterval <= 0 {
		errs = append(errs, "prospective.tick_interval must be > 0")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", joinStrings(errs, "\n  - "))
	}
	return nil
}

func joinStrings(ss []string, sep string) string {
	if len(ss) == 0 {
		return ""
	}
	result := ss[0]
	for _, s := range ss[1:] {
		result += sep + s
	}
	return result
}
