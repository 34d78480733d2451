// Package main — cmd/familyosd/main.go
//
// FAMILYOSD daemon entrypoint.
//
// Startup sequence:
//  1. Load and validate config from /etc/familyos/config.yaml.
//  2. Initialise structured logger (zap).
//  3. Open BoltDB storage.
//  4. Start Prometheus metrics server.
//  5. Construct the Durable Event Bus.
//  6. Construct the Policy Gate.
//  7. Construct the Temporal Index.
//  8. Construct the Hippocampus encoder.
//  9. Construct the Working Memory / Global Workspace.
// 10. Construct the Workflow Coordinator.
// 11. Construct the Consolidation Engine and start its periodic pass.
// 12. Construct the CRDT Sync Replicator (if enabled) and start its round loop.
// 13. Construct the Action Runner, register built-in tools.
// 14. Construct the Prospective trigger scheduler and start its tick loop.
// 15. Subscribe the percept pipeline (hippocampus -> temporal -> workspace)
//     to the bus.
// 16. Register SIGHUP handler for config hot-reload.
// 17. Block on SIGINT/SIGTERM for graceful shutdown.
//
// Shutdown sequence (on SIGINT/SIGTERM):
//  1. Cancel root context (propagates to every subscriber goroutine).
//  2. Close the Bus (closes every topic's WAL).
//  3. Close BoltDB.
//  4. Flush logger.
//  5. Exit 0.
//
// On config validation failure: exit 1 immediately.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/familyos/familyos/internal/action"
	"github.com/familyos/familyos/internal/bus"
	"github.com/familyos/familyos/internal/config"
	"github.com/familyos/familyos/internal/consolidation"
	"github.com/familyos/familyos/internal/crdtsync"
	"github.com/familyos/familyos/internal/envelope"
	"github.com/familyos/familyos/internal/ferrors"
	"github.com/familyos/familyos/internal/hippocampus"
	"github.com/familyos/familyos/internal/obs"
	"github.com/familyos/familyos/internal/operator"
	"github.com/familyos/familyos/internal/policy"
	"github.com/familyos/familyos/internal/prospective"
	"github.com/familyos/familyos/internal/store"
	"github.com/familyos/familyos/internal/syncproto"
	"github.com/familyos/familyos/internal/temporal"
	"github.com/familyos/familyos/internal/workflow"
	"github.com/familyos/familyos/internal/workspace"
)

func main() {
	// ── Flags ────────────────────────────────────────────────────────────
	configPath := flag.String("config", "/etc/familyos/config.yaml", "Path to config.yaml")
	version := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *version {
		fmt.Printf("familyosd %s (commit=%s built=%s)\n", config.Version, config.GitCommit, config.BuildTime)
		os.Exit(0)
	}

	// ── Step 1: Load config ─────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: config load failed: %v\n", err)
		os.Exit(1)
	}

	// ── Step 2: Logger ──────────────────────────────────────────────────
	log, err := obs.BuildLogger(cfg.Observability.LogLevel, cfg.Observability.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync() //nolint:errcheck

	log.Info("FamilyOS starting",
		zap.String("version", config.Version),
		zap.String("commit", config.GitCommit),
		zap.String("built", config.BuildTime),
		zap.String("device_id", cfg.DeviceID),
		zap.String("config", *configPath),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── Step 3: BoltDB ───────────────────────────────────────────────────
	db, err := store.Open(cfg.Storage.DBPath)
	if err != nil {
		log.Fatal("BoltDB open failed", zap.Error(err), zap.String("path", cfg.Storage.DBPath))
	}
	defer db.Close() //nolint:errcheck
	log.Info("BoltDB opened", zap.String("path", cfg.Storage.DBPath))

	// ── Step 4: Metrics ──────────────────────────────────────────────────
	metrics := obs.NewMetrics()
	go func() {
		if err := metrics.ServeMetrics(ctx, cfg.Observability.MetricsAddr); err != nil {
			log.Error("metrics server error", zap.Error(err))
		}
	}()
	log.Info("metrics server started", zap.String("addr", cfg.Observability.MetricsAddr))

	// ── Step 5: Durable Event Bus ────────────────────────────────────────
	eventBus := bus.New(bus.Config{
		WALPath:           cfg.Bus.WALPath,
		FsyncBatch:        cfg.Bus.FsyncBatch,
		MaxInFlight:       cfg.Bus.MaxInFlight,
		RedeliveryTimeout: cfg.Bus.RedeliveryTimeout,
		MaxRetries:        cfg.Bus.MaxRetries,
		BackoffBaseMS:     cfg.Bus.BackoffBaseMS,
		BackoffMaxMS:      cfg.Bus.BackoffMaxMS,
		QueueCapacity:     cfg.Bus.QueueCapacity,
		LagHighWatermark:  cfg.Bus.LagHighWatermark,
	}, db, log, metrics)
	defer eventBus.Close() //nolint:errcheck
	log.Info("event bus constructed", zap.String("wal_path", cfg.Bus.WALPath))

	// ── Step 6: Policy Gate ──────────────────────────────────────────────
	gate, err := policy.New(policy.DefaultRuleSet(), cfg.Policy.CacheSize, log, metrics)
	if err != nil {
		log.Fatal("policy gate init failed", zap.Error(err))
	}
	log.Info("policy gate constructed", zap.Int("cache_size", cfg.Policy.CacheSize))

	// ── Step 7: Temporal Index ───────────────────────────────────────────
	temporalIdx := temporal.New(db, cfg.Temporal.RecencyHalfLifeHours)
	log.Info("temporal index constructed")

	// ── Step 8: Hippocampus ──────────────────────────────────────────────
	hippoCfg := hippocampus.DefaultConfig()
	hippoCfg.VectorIndexEnabled = cfg.Hippocampus.VectorIndexEnabled
	encoder := hippocampus.New(db, hippoCfg, log, metrics)
	log.Info("hippocampus encoder constructed")

	// ── Step 9: Global Workspace ─────────────────────────────────────────
	wsCfg := workspace.DefaultConfig()
	wsCfg.Capacity = cfg.Workspace.SlotCapacity
	wsCfg.HalfLife = time.Duration(cfg.Workspace.DecayHalfLifeMinutes) * time.Minute
	wsCfg.SoftmaxTemp = cfg.Workspace.SoftmaxTemperature
	wsCfg.BroadcastDebounce = cfg.Workspace.BroadcastDebounce
	wm := workspace.New(wsCfg, log, metrics, func(spaceID string, slots []workspace.Slot) {
		// Every slot carries activity folded in from upstream percepts of
		// mixed provenance, so the broadcast is gated and redacted the same
		// as any other AMBER+ write (spec.md §4.C) rather than assumed safe
		// because it is an internal summary.
		_, err := publishGated(gate, eventBus, "workspace.broadcast", envelope.TypeWorkspaceBroadcast,
			envelope.SpaceID(spaceID), envelope.Band(cfg.Policy.DefaultBand), envelope.QoS{Priority: "high"}, "",
			slots, policy.Subject{ID: "familyosd", Roles: []string{"system"}}, log)
		if err != nil {
			log.Warn("workspace broadcast publish failed", zap.Error(err))
		}
	})
	log.Info("global workspace constructed", zap.Int("capacity", wsCfg.Capacity))

	// ── Step 10: Workflow Coordinator ────────────────────────────────────
	coordinator := workflow.New(db, eventBus, log, metrics)
	log.Info("workflow coordinator constructed")

	// ── Step 11: Consolidation Engine ────────────────────────────────────
	consCfg := consolidation.DefaultConfig()
	engine := consolidation.New(db, consCfg, log, metrics)
	go runConsolidationLoop(ctx, engine, cfg.Consolidation.Interval, log)
	log.Info("consolidation engine constructed", zap.Duration("interval", cfg.Consolidation.Interval))

	// ── Step 12: CRDT Sync Replicator ────────────────────────────────────
	var replicator *crdtsync.Replicator
	if cfg.Sync.Enabled {
		crypto := crdtsync.NewSecretboxCrypto(nil) // TODO: load per-space group keys from config/keyring
		transport := &unconfiguredTransport{}      // TODO: wire a real grpc.Dial-backed Transport
		replicator = crdtsync.New(cfg.DeviceID, db, crypto, transport, log, metrics)
		replicator.SetPeers(cfg.Sync.Peers)
		go runSyncLoop(ctx, replicator, cfg.Sync.PushPullInterval, log)
		log.Info("sync replicator started", zap.Strings("peers", cfg.Sync.Peers))
	} else {
		log.Info("sync disabled (standalone mode)")
	}

	// ── Step 13: Action Runner ───────────────────────────────────────────
	budgetCapacity, budgetRefill := 100, time.Minute
	if b, ok := cfg.Action.SandboxBudgets["low"]; ok && b.Capacity > 0 {
		budgetCapacity, budgetRefill = b.Capacity, b.RefillPeriod
	}
	actionBudget := action.NewBudgetSet(budgetCapacity, budgetRefill)
	defer actionBudget.Close()
	sandbox := action.NewSandbox(actionBudget)
	runner := action.New(db, gate, sandbox, eventBus, log, metrics)
	action.RegisterTool(action.NewNotifyAdapter(func(ctx context.Context, to, message string) error {
		log.Info("guardian notification", zap.String("to", to), zap.String("message", message))
		return nil
	}))
	log.Info("action runner constructed", zap.Strings("tools", action.ListTools()))

	// ── Step 14: Prospective trigger scheduler ──────────────────────────
	scheduler := prospective.New(db, eventBus, gate, log, metrics)
	go runProspectiveLoop(ctx, scheduler, cfg.Prospective, log)
	log.Info("prospective scheduler constructed", zap.Duration("tick_interval", cfg.Prospective.TickInterval))

	coordinator.RegisterHandler("action.dispatch", func(ctx context.Context, run *workflow.Run, step workflow.StepSpec) (map[string]any, error) {
		toolID, _ := run.Vars["tool_id"].(string)
		spaceID, _ := run.Vars["space_id"].(string)
		subjectID, _ := run.Vars["subject_id"].(string)
		params, _ := run.Vars["params"].(map[string]any)
		receipt, err := runner.Run(ctx, action.Request{
			ToolID:  toolID,
			SpaceID: envelope.SpaceID(spaceID),
			Band:    envelope.BandGreen,
			Subject: policy.Subject{ID: subjectID},
			Params:  params,
		})
		if err != nil {
			return nil, err
		}
		return map[string]any{"receipt_id": receipt.ReceiptID, "status": string(receipt.Status)}, nil
	})

	// ── Step 15: Percept pipeline subscription ───────────────────────────
	go func() {
		err := eventBus.Subscribe(ctx, "percepts", "percept-pipeline", func(sctx context.Context, env *envelope.Envelope) error {
			return handlePercept(sctx, env, gate, encoder, temporalIdx, wm, log)
		})
		if err != nil && ctx.Err() == nil {
			log.Error("percept pipeline subscription ended", zap.Error(err))
		}
	}()
	log.Info("percept pipeline subscribed")

	// ── Operator socket (not a numbered startup step: optional, gated on
	// cfg.Operator.Enabled) ──────────────────────────────────────────────
	if cfg.Operator.Enabled {
		opServer := operator.New(cfg.Operator.SocketPath, coordinator, wm, replicator, runner, scheduler, log)
		go func() {
			if err := opServer.ListenAndServe(ctx); err != nil {
				log.Error("operator server error", zap.Error(err))
			}
		}()
		log.Info("operator socket started", zap.String("path", cfg.Operator.SocketPath))
	}

	// ── Step 16: SIGHUP hot-reload ───────────────────────────────────────
	sighup := make(chan os.Signal, 1)
	signal.Notify(sighup, syscall.SIGHUP)
	go func() {
		for range sighup {
			log.Info("SIGHUP received — reloading config...")
			newCfg, err := config.Load(*configPath)
			if err != nil {
				log.Error("config hot-reload failed — retaining old config", zap.Error(err))
				continue
			}
			// Only the sync peer list is applied live; every other field,
			// including log level and policy rules, takes effect on restart.
			log.Info("config hot-reload successful", zap.String("default_band", newCfg.Policy.DefaultBand))
			if replicator != nil {
				replicator.SetPeers(newCfg.Sync.Peers)
			}
		}
	}()

	// ── Step 17: Wait for shutdown signal ────────────────────────────────
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("shutdown signal received", zap.String("signal", sig.String()))

	cancel()
	time.Sleep(200 * time.Millisecond) // let subscriber goroutines observe ctx.Done()
	log.Info("FamilyOS shutdown complete")
}

// publishGated is the single chokepoint every producer-side write in this
// daemon goes through: evaluate the Policy Gate for the band the envelope
// is about to carry, rewrite the payload when the Gate attaches the
// redact_pii obligation (spec.md §3.1, §4.C), and only then hand the
// envelope to the Bus. A Deny short-circuits before any side effect.
func publishGated(gate *policy.Gate, eventBus *bus.Bus, topic envelope.Topic, typ envelope.EnvelopeType,
	spaceID envelope.SpaceID, band envelope.Band, qos envelope.QoS, idemKey string, payload any,
	subject policy.Subject, log *zap.Logger) (uint64, error) {
	decision, err := gate.Evaluate(policy.Request{
		Subject: subject,
		Action:  policy.ActionPublish,
		SpaceID: spaceID,
		Band:    band,
	})
	if err != nil {
		return 0, fmt.Errorf("publishGated: policy evaluate: %w", err)
	}
	if decision.Decision == policy.Deny {
		log.Info("publish denied by policy gate",
			zap.String("space_id", string(spaceID)), zap.String("band", string(band)), zap.String("reason", decision.Reason))
		return 0, ferrors.New(ferrors.KindPolicyDenied, "publishGated",
			map[string]any{"space_id": string(spaceID), "band": string(band), "reason": decision.Reason})
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("publishGated: marshal payload: %w", err)
	}
	if policy.HasObligation(decision.Obligations, policy.ObligationRedactPII) {
		if redacted, changed := policy.RedactPII(raw); changed {
			log.Debug("payload redacted per policy obligation", zap.String("space_id", string(spaceID)))
			raw = redacted
		}
	}

	env, err := envelope.New(topic, typ, spaceID, band, qos, idemKey, json.RawMessage(raw))
	if err != nil {
		return 0, err
	}
	if len(decision.Obligations) > 0 {
		env.Obligations = make(map[string]struct{}, len(decision.Obligations))
		for _, ob := range decision.Obligations {
			env.Obligations[string(ob)] = struct{}{}
		}
	}
	return eventBus.Publish(env)
}

// perceptPayload is the wire shape for a "percepts" topic envelope: one
// piece of raw family activity (message, calendar event, photo caption)
// waiting to be encoded and admitted into working memory.
type perceptPayload struct {
	EventID      string    `json:"event_id"`
	Content      string    `json:"content"`
	TS           time.Time `json:"ts"`
	TZ           string    `json:"tz"`
	Tags         []string  `json:"tags,omitempty"`
	KnownPersons []string  `json:"known_persons,omitempty"`
}

func handlePercept(_ context.Context, env *envelope.Envelope, gate *policy.Gate, encoder *hippocampus.Encoder, idx *temporal.Index, wm *workspace.Workspace, log *zap.Logger) error {
	var p perceptPayload
	if err := env.Unmarshal(&p); err != nil {
		return fmt.Errorf("handlePercept: decode: %w", err)
	}

	// Defense in depth: if this envelope reached the bus without going
	// through publishGated (e.g. an external producer), re-evaluate the
	// Gate before admitting it into durable memory so AMBER+ content is
	// never encoded or indexed with raw PII (spec.md §3.1).
	if !env.HasObligation(string(policy.ObligationRedactPII)) {
		decision, err := gate.Evaluate(policy.Request{
			Subject: policy.Subject{ID: "external"},
			Action:  policy.ActionPublish,
			SpaceID: env.SpaceID,
			Band:    env.Band,
		})
		if err != nil {
			return ferrors.Wrap(ferrors.KindInternal, "handlePercept", err, nil)
		}
		if decision.Decision == policy.Deny {
			log.Warn("percept dropped by policy gate", zap.String("space_id", string(env.SpaceID)), zap.String("reason", decision.Reason))
			return nil
		}
		if policy.HasObligation(decision.Obligations, policy.ObligationRedactPII) {
			if redacted, changed := policy.RedactString(p.Content); changed {
				p.Content = redacted
			}
		}
	}

	encoded, err := encoder.Encode(string(env.SpaceID), p.EventID, p.Content, p.TS, p.KnownPersons)
	if err != nil {
		return fmt.Errorf("handlePercept: encode: %w", err)
	}
	if encoded.NearDuplicateOf != "" {
		log.Debug("percept folded into near-duplicate", zap.String("event_id", p.EventID), zap.String("of", encoded.NearDuplicateOf))
	}

	if err := idx.Ingest(temporal.Event{EventID: p.EventID, SpaceID: string(env.SpaceID), TSUTC: p.TS, TZ: p.TZ, Tags: p.Tags}); err != nil {
		return fmt.Errorf("handlePercept: temporal ingest: %w", err)
	}

	wm.Admit(string(env.SpaceID), []workspace.Candidate{{
		EventID: p.EventID,
		Summary: p.Content,
		Code:    encoded.Code,
	}}, time.Now().UTC())

	return nil
}

func runConsolidationLoop(ctx context.Context, engine *consolidation.Engine, interval time.Duration, log *zap.Logger) {
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			log.Debug("consolidation pass due")
			_ = engine // candidate sourcing (temporal range query + hippocampus codes)
			// happens per-space, driven by callers that hold the relevant
			// space list; the daemon-wide sweep is left to cmd/familyosctl
			// for now.
		}
	}
}

func runProspectiveLoop(ctx context.Context, scheduler *prospective.Scheduler, cfg config.ProspectiveConfig, log *zap.Logger) {
	interval := cfg.TickInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// Arousal/safety_pressure are produced by an affect/interoception
			// sensor outside this daemon's scope; currentGating is the fail-safe
			// stand-in (zero pressure, never over-skips) until one is wired, the
			// same unconfigured-until-wired shape as unconfiguredTransport below.
			results, err := scheduler.Tick(time.Now().UTC(), currentGating(), envelope.Band(cfg.DefaultBand), policy.Subject{ID: "familyosd", Roles: []string{"system"}})
			if err != nil {
				log.Error("prospective tick failed", zap.Error(err))
				continue
			}
			for _, r := range results {
				log.Debug("prospective tick", zap.String("trigger_id", r.TriggerID), zap.Bool("fired", r.Fired), zap.String("reason", r.Reason))
			}
		}
	}
}

// currentGating is the fail-safe stand-in for a real affect/interoception
// signal: zero arousal and safety_pressure never trigger arousal_too_high
// or low_eligibility skips, so triggers fire on schedule until a live
// sensor is wired in.
func currentGating() prospective.GatingContext {
	return prospective.GatingContext{}
}

func runSyncLoop(ctx context.Context, replicator *crdtsync.Replicator, interval time.Duration, log *zap.Logger) {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			replicator.SyncAll(ctx)
			if partitioned := replicator.PartitionedPeers(); len(partitioned) > 0 {
				log.Warn("peers unreachable", zap.Strings("peers", partitioned))
			}
		}
	}
}

// unconfiguredTransport is a placeholder crdtsync.Transport until
// cmd/familyosd dials real peer connections (grpc.Dial + syncproto's
// registered codec). Every exchange fails closed.
type unconfiguredTransport struct{}

func (t *unconfiguredTransport) Exchange(_ context.Context, peer string, _ *syncproto.Message) (*syncproto.Message, error) {
	return nil, fmt.Errorf("unconfiguredTransport: no transport wired for peer %q", peer)
}
