package bus

import (
	"context"
	"fmt"
	"math/rand"
	"path/filepath"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/familyos/familyos/internal/envelope"
	"github.com/familyos/familyos/internal/ferrors"
	"github.com/familyos/familyos/internal/obs"
	"github.com/familyos/familyos/internal/store"
)

// ConsumerGroupState is the durable offset/in-flight record for one
// (group, topic) pair (spec.md §3 Consumer Group State).
type ConsumerGroupState struct {
	Group          string    `json:"group"`
	Topic          string    `json:"topic"`
	CommittedOffset uint64   `json:"committed_offset"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Handler processes one envelope. Returning an error triggers retry with
// backoff, eventually landing the envelope in the dead-letter queue once
// Config.MaxRetries retries (MaxRetries+1 attempts in all) have failed.
type Handler func(ctx context.Context, env *envelope.Envelope) error

// Config bounds the Bus's durability and back-pressure behavior.
type Config struct {
	WALPath           string
	FsyncBatch        int
	MaxInFlight       int
	RedeliveryTimeout time.Duration
	MaxRetries        int
	BackoffBaseMS     int
	BackoffMaxMS      int
	QueueCapacity     int

	// LagHighWatermark is the max records a consumer group may lag behind
	// a topic's WAL before Publish starts rejecting with BackPressure
	// (spec.md §4.B, §6.5 bus.lag_high_watermark). Zero disables the check.
	LagHighWatermark int
}

// Bus is the durable, per-topic Event Bus.
type Bus struct {
	cfg    Config
	store  *store.DB
	log    *zap.Logger
	metrics *obs.Metrics

	mu    sync.Mutex
	wals  map[string]*wal    // topic -> wal
	dlqs  map[string]*dlqWAL // topic -> dlq log
	subs  []*subscription
}

type subscription struct {
	topic   string
	group   string
	handler Handler
	cancel  context.CancelFunc
}

// New constructs a Bus backed by per-topic WAL files under cfg.WALPath and
// durable offset tracking in the shared store.
func New(cfg Config, db *store.DB, log *zap.Logger, metrics *obs.Metrics) *Bus {
	return &Bus{cfg: cfg, store: db, log: log, metrics: metrics, wals: make(map[string]*wal), dlqs: make(map[string]*dlqWAL)}
}

// topicWAL returns (opening if necessary) the WAL for topic.
func (b *Bus) topicWAL(topic string) (*wal, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if w, ok := b.wals[topic]; ok {
		return w, nil
	}
	path := filepath.Join(b.cfg.WALPath, topic+".wal")
	w, err := openWAL(path, maxInt(b.cfg.FsyncBatch, 1))
	if err != nil {
		return nil, err
	}
	b.wals[topic] = w
	return w, nil
}

// topicDLQ returns (opening if necessary) the parallel {topic}.dlq log.
func (b *Bus) topicDLQ(topic string) (*dlqWAL, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if d, ok := b.dlqs[topic]; ok {
		return d, nil
	}
	path := filepath.Join(b.cfg.WALPath, topic+".dlq")
	d, err := openDLQWAL(path)
	if err != nil {
		return nil, err
	}
	b.dlqs[topic] = d
	return d, nil
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// Publish durably appends env to its topic's WAL and returns the assigned
// offset. Idempotent in effect: republishing an envelope with the same id
// is safe because downstream consumers key dedup by envelope.ID, not by
// offset.
//
// Back-pressure (spec.md §4.B): if any consumer group on this topic lags
// the WAL tail by more than Config.LagHighWatermark records, Publish
// rejects with a KindExhausted error instead of appending, so producers
// see BackPressure rather than growing the log unboundedly behind a
// stalled consumer.
func (b *Bus) Publish(env *envelope.Envelope) (uint64, error) {
	start := time.Now()
	w, err := b.topicWAL(string(env.Topic))
	if err != nil {
		return 0, err
	}
	if err := b.checkBackPressure(string(env.Topic), w); err != nil {
		return 0, err
	}
	seq, err := w.append(env)
	if err != nil {
		return 0, ferrors.Wrap(ferrors.KindUnavailable, "bus.Publish", err, map[string]any{"topic": env.Topic})
	}
	if b.metrics != nil {
		b.metrics.BusPublishedTotal.WithLabelValues(string(env.Topic)).Inc()
		b.metrics.BusCommitLatency.Observe(time.Since(start).Seconds())
	}
	return seq, nil
}

// checkBackPressure rejects the publish if any consumer group subscribed
// to topic has fallen more than Config.LagHighWatermark records behind
// the WAL's current tail.
func (b *Bus) checkBackPressure(topic string, w *wal) error {
	if b.cfg.LagHighWatermark <= 0 {
		return nil
	}
	b.mu.Lock()
	var groups []string
	for _, s := range b.subs {
		if s.topic == topic {
			groups = append(groups, s.group)
		}
	}
	b.mu.Unlock()

	length := w.length()
	for _, group := range groups {
		st, err := b.loadGroupState(group, topic)
		if err != nil {
			continue
		}
		lag := length - st.CommittedOffset
		if int64(lag) > int64(b.cfg.LagHighWatermark) {
			if b.metrics != nil {
				b.metrics.BusBackPressureTotal.WithLabelValues(topic, group).Inc()
			}
			return ferrors.New(ferrors.KindExhausted, "bus.Publish", map[string]any{
				"topic": topic, "group": group, "lag": lag, "watermark": b.cfg.LagHighWatermark,
			})
		}
	}
	return nil
}

// groupStateKey builds the store key for a (group, topic) pair.
func groupStateKey(group, topic string) []byte {
	return []byte(group + "__" + topic)
}

func (b *Bus) loadGroupState(group, topic string) (ConsumerGroupState, error) {
	var st ConsumerGroupState
	found, err := b.store.GetJSON("bus", groupStateKey(group, topic), &st)
	if err != nil {
		return ConsumerGroupState{}, err
	}
	if !found {
		st = ConsumerGroupState{Group: group, Topic: topic, CommittedOffset: 0}
	}
	return st, nil
}

func (b *Bus) commit(group, topic string, offset uint64) error {
	st := ConsumerGroupState{Group: group, Topic: topic, CommittedOffset: offset, UpdatedAt: time.Now().UTC()}
	return b.store.PutJSON("bus", groupStateKey(group, topic), st)
}

// Subscribe starts a durable consumer group worker for (topic, group). The
// worker resumes from the group's last committed offset, so a crash loses
// no committed work and at most redelivers the in-flight envelope.
//
// The worker loop mirrors the teacher's bounded-queue goroutine shape
// (internal/kernel/events.go): pull from the WAL index, dispatch, check
// ctx.Done() on each iteration, never block indefinitely.
func (b *Bus) Subscribe(ctx context.Context, topic, group string, handler Handler) error {
	w, err := b.topicWAL(topic)
	if err != nil {
		return err
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub := &subscription{topic: topic, group: group, handler: handler, cancel: cancel}
	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()

	g, gctx := errgroup.WithContext(subCtx)
	g.Go(func() error {
		return b.runConsumer(gctx, w, topic, group, handler)
	})

	go func() {
		if err := g.Wait(); err != nil && gctx.Err() == nil {
			b.log.Error("bus: consumer group exited with error",
				zap.String("topic", topic), zap.String("group", group), zap.Error(err))
		}
	}()
	return nil
}

// runConsumer is the durable consumer loop for one (topic, group).
func (b *Bus) runConsumer(ctx context.Context, w *wal, topic, group string, handler Handler) error {
	st, err := b.loadGroupState(group, topic)
	if err != nil {
		return fmt.Errorf("bus: load group state: %w", err)
	}
	offset := st.CommittedOffset

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			records := w.from(offset)
			if b.metrics != nil {
				b.metrics.BusQueueDepth.WithLabelValues(topic).Set(float64(len(records)))
			}
			for _, rec := range records {
				if ctx.Err() != nil {
					return nil
				}
				if err := b.deliverWithRetry(ctx, rec.Env, topic, group, handler); err != nil {
					b.moveToDLQ(rec.Env, topic, group, err)
				}
				offset = rec.Seq + 1
				if err := b.commit(group, topic, offset); err != nil {
					b.log.Error("bus: commit offset", zap.Error(err))
				}
				if b.metrics != nil {
					b.metrics.BusDeliveredTotal.WithLabelValues(topic, group).Inc()
				}
			}
		}
	}
}

// nonRetryableKinds are ferrors.Kind values that go straight to DLQ on the
// first failure (spec.md §7: "Invalid/PolicyDenied" never retry), instead
// of burning all Config.MaxRetries attempts on a failure that cannot
// possibly succeed on redelivery.
var nonRetryableKinds = map[ferrors.Kind]bool{
	ferrors.KindValidation:   true,
	ferrors.KindPolicyDenied: true,
}

// deliverWithRetry dispatches env to handler, retrying with exponential
// backoff+jitter up to Config.MaxRetries times, each attempt bounded by
// Config.RedeliveryTimeout. A handler error tagged with a non-retryable
// ferrors.Kind (validation, policy denial) is not retried at all — it is
// reported back immediately so the caller moves it to DLQ without wasting
// attempts or delay on a failure redelivery cannot fix.
func (b *Bus) deliverWithRetry(ctx context.Context, env *envelope.Envelope, topic, group string, handler Handler) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Duration(b.cfg.BackoffBaseMS) * time.Millisecond
	bo.MaxInterval = time.Duration(b.cfg.BackoffMaxMS) * time.Millisecond
	bo.RandomizationFactor = 0.3 // jitter

	var lastErr error
	attempts := 0
	for attempts <= b.cfg.MaxRetries {
		deliverCtx, cancel := context.WithTimeout(ctx, b.cfg.RedeliveryTimeout)
		lastErr = handler(deliverCtx, env)
		cancel()
		if lastErr == nil {
			return nil
		}
		attempts++

		if kind, ok := ferrors.KindOf(lastErr); ok && nonRetryableKinds[kind] {
			return fmt.Errorf("bus: handler failed non-retryably (%s): %w", kind, lastErr)
		}

		if b.metrics != nil {
			b.metrics.BusRetriedTotal.WithLabelValues(topic, group).Inc()
		}
		if attempts > b.cfg.MaxRetries {
			break
		}
		wait := bo.NextBackOff()
		if wait == backoff.Stop {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait + jitter(wait)):
		}
	}
	return fmt.Errorf("bus: handler failed after %d attempts: %w", attempts, lastErr)
}

func jitter(base time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(base) / 4))
}

// moveToDLQ persists a permanently-failed envelope to the topic's parallel
// {topic}.dlq log (spec.md §3.3), never rewriting or deleting — the DLQ
// is append-only like every other WAL.
func (b *Bus) moveToDLQ(env *envelope.Envelope, topic, group string, cause error) {
	d, err := b.topicDLQ(topic)
	if err != nil {
		b.log.Error("bus: open DLQ log", zap.String("topic", topic), zap.Error(err))
		return
	}
	record := DLQRecord{Envelope: env, Topic: topic, Group: group, Reason: cause.Error(), FailedAt: time.Now().UTC()}
	if err := d.append(record); err != nil {
		b.log.Error("bus: write DLQ record", zap.Error(err))
		return
	}
	if b.metrics != nil {
		b.metrics.BusDLQTotal.WithLabelValues(topic, group).Inc()
	}
	b.log.Warn("bus: envelope moved to DLQ",
		zap.String("topic", topic), zap.String("group", group),
		zap.String("envelope_id", env.ID), zap.Error(cause))
}

// DLQRecords returns every record currently in topic's dead-letter log,
// for operator inspection or manual reprocessing.
func (b *Bus) DLQRecords(topic string) ([]DLQRecord, error) {
	d, err := b.topicDLQ(topic)
	if err != nil {
		return nil, err
	}
	return d.readAll()
}

// Replay re-delivers every envelope in topic from the beginning (or from a
// specific offset) to handler, bypassing consumer-group offset tracking.
// Used for rebuilding derived state (e.g. hippocampus re-encoding).
func (b *Bus) Replay(ctx context.Context, topic string, fromOffset uint64, handler Handler) error {
	w, err := b.topicWAL(topic)
	if err != nil {
		return err
	}
	for _, rec := range w.from(fromOffset) {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := handler(ctx, rec.Env); err != nil {
			return fmt.Errorf("bus.Replay: handler failed at seq %d: %w", rec.Seq, err)
		}
	}
	return nil
}

// TopicLength returns the number of records currently appended to topic.
func (b *Bus) TopicLength(topic string) (uint64, error) {
	w, err := b.topicWAL(topic)
	if err != nil {
		return 0, err
	}
	return w.length(), nil
}

// Close stops every subscription and closes every open WAL file.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, s := range b.subs {
		s.cancel()
	}
	var firstErr error
	for _, w := range b.wals {
		if err := w.close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for _, d := range b.dlqs {
		if err := d.close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
