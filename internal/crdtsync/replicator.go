package crdtsync

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/familyos/familyos/internal/obs"
	"github.com/familyos/familyos/internal/store"
	"github.com/familyos/familyos/internal/syncproto"
)

// Transport sends a Message to a peer and returns its response. Peers are
// addressed opaquely by a caller-defined string (host:port, a named
// in-memory link, etc).
type Transport interface {
	Exchange(ctx context.Context, peer string, msg *syncproto.Message) (*syncproto.Message, error)
}

// Replicator drives the push-pull sync protocol (spec.md §4.I) for a set
// of spaces against a set of peers, over Transport, encrypting op payloads
// with CryptoProvider.
type Replicator struct {
	mu      sync.Mutex
	nodeID  string
	db      *store.DB
	dags    map[string]*DAG
	crypto  CryptoProvider
	transport Transport
	log     *zap.Logger
	metrics *obs.Metrics

	peers        []string
	nextPeerIdx  int // fair round-robin cursor across peers
	partitioned  map[string]bool
}

// New constructs a Replicator.
func New(nodeID string, db *store.DB, crypto CryptoProvider, transport Transport, log *zap.Logger, metrics *obs.Metrics) *Replicator {
	return &Replicator{
		nodeID: nodeID, db: db, dags: make(map[string]*DAG), crypto: crypto,
		transport: transport, log: log, metrics: metrics, partitioned: make(map[string]bool),
	}
}

// SetPeers configures the known peer set.
func (r *Replicator) SetPeers(peers []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.peers = append([]string(nil), peers...)
}

func (r *Replicator) dag(spaceID string) (*DAG, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if d, ok := r.dags[spaceID]; ok {
		return d, nil
	}
	d, err := OpenDAG(r.db, spaceID, r.nodeID)
	if err != nil {
		return nil, err
	}
	r.dags[spaceID] = d
	return d, nil
}

// Submit creates and applies a new local op in spaceID.
func (r *Replicator) Submit(spaceID string, payload any) (Operation, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Operation{}, fmt.Errorf("crdtsync.Submit: marshal payload: %w", err)
	}
	d, err := r.dag(spaceID)
	if err != nil {
		return Operation{}, err
	}
	return d.NewLocalOp(raw)
}

// SpaceStatus is a snapshot of one space's DAG, for operator inspection.
type SpaceStatus struct {
	SpaceID string   `json:"space_id"`
	Heads   []string `json:"heads"`
	OpCount uint64   `json:"op_count"`
}

// Status returns a snapshot of spaceID's DAG. Opens the DAG if this
// Replicator has not yet synced or submitted to that space.
func (r *Replicator) Status(spaceID string) (SpaceStatus, error) {
	d, err := r.dag(spaceID)
	if err != nil {
		return SpaceStatus{}, err
	}
	return SpaceStatus{SpaceID: spaceID, Heads: d.Heads(), OpCount: d.Count()}, nil
}

// spaceCounts returns the known-op count for every space this Replicator
// has opened, for the HELLO handshake.
func (r *Replicator) spaceCounts() map[string]uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	counts := make(map[string]uint64, len(r.dags))
	for spaceID, d := range r.dags {
		counts[spaceID] = d.Count()
	}
	return counts
}

// SyncWithPeer runs one full push-pull round against peer, backing off
// exponentially on transport errors and marking the peer partitioned if
// every retry is exhausted (spec.md §4.I back-pressure).
func (r *Replicator) SyncWithPeer(ctx context.Context, peer string) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 50 * time.Millisecond
	bo.MaxInterval = 2 * time.Second
	bo.MaxElapsedTime = 10 * time.Second

	err := backoff.Retry(func() error {
		return r.syncRound(ctx, peer)
	}, backoff.WithContext(bo, ctx))

	r.mu.Lock()
	r.partitioned[peer] = err != nil
	r.mu.Unlock()

	if r.metrics != nil {
		partitionedCount := 0
		r.mu.Lock()
		for _, p := range r.partitioned {
			if p {
				partitionedCount++
			}
		}
		r.mu.Unlock()
		r.metrics.SyncPartitionedPeers.Set(float64(partitionedCount))
	}
	return err
}

// syncRound performs HELLO/ACK then, for every space in the HELLO counts
// where either side might be missing ops, INV/GET/OPS until both sides
// report no missing.
func (r *Replicator) syncRound(ctx context.Context, peer string) error {
	hello := &syncproto.Message{Kind: syncproto.KindHello, Hello: &syncproto.Hello{NodeID: r.nodeID, Counts: r.spaceCounts()}}
	resp, err := r.transport.Exchange(ctx, peer, hello)
	if err != nil {
		return fmt.Errorf("crdtsync: HELLO exchange: %w", err)
	}
	if resp.Kind != syncproto.KindAck || resp.Ack == nil {
		return fmt.Errorf("crdtsync: expected ACK, got %s", resp.Kind)
	}
	if r.metrics != nil {
		r.metrics.SyncPushPullRounds.Inc()
	}

	for spaceID := range resp.Ack.Counts {
		if err := r.syncSpace(ctx, peer, spaceID); err != nil {
			return fmt.Errorf("crdtsync: sync space %s: %w", spaceID, err)
		}
	}
	return nil
}

// syncSpace exchanges INV/GET/OPS for one space until the peer reports no
// further missing ids.
func (r *Replicator) syncSpace(ctx context.Context, peer, spaceID string) error {
	d, err := r.dag(spaceID)
	if err != nil {
		return err
	}

	known := d.KnownIDs()
	ids := make([]string, 0, len(known))
	for id := range known {
		ids = append(ids, id)
	}

	for _, chunk := range syncproto.Chunk(ids) {
		invMsg := &syncproto.Message{Kind: syncproto.KindInv, Inv: &syncproto.Inv{SpaceID: spaceID, OpIDs: chunk}}
		resp, err := r.transport.Exchange(ctx, peer, invMsg)
		if err != nil {
			return err
		}
		if resp.Kind != syncproto.KindGet || resp.Get == nil {
			continue
		}
		if len(resp.Get.MissingIDs) == 0 {
			continue
		}
		ops := make([]syncproto.OpRecord, 0, len(resp.Get.MissingIDs))
		for _, id := range resp.Get.MissingIDs {
			op, found, err := d.GetOp(id)
			if err != nil || !found {
				continue
			}
			payload, err := r.crypto.Wrap(spaceID, op.Payload)
			if err != nil {
				r.log.Error("crdtsync: wrap op payload failed", zap.Error(err))
				continue
			}
			ops = append(ops, syncproto.OpRecord{
				OpID: op.OpID, SpaceID: op.SpaceID, NodeID: op.NodeID,
				Lamport: op.Lamport, ParentIDs: op.ParentIDs, Payload: payload,
			})
		}
		opsMsg := &syncproto.Message{Kind: syncproto.KindOps, Ops: &syncproto.Ops{SpaceID: spaceID, Ops: ops}}
		if _, err := r.transport.Exchange(ctx, peer, opsMsg); err != nil {
			return err
		}
	}
	return nil
}

// HandleExchange is the server-side Exchange handler: responds to HELLO,
// INV, and OPS messages from a peer, applying any incoming ops to the
// local DAG. Registered as the syncproto.ExchangeHandler.
func (r *Replicator) HandleExchange(ctx context.Context, msg *syncproto.Message) (*syncproto.Message, error) {
	switch msg.Kind {
	case syncproto.KindHello:
		return &syncproto.Message{Kind: syncproto.KindAck, Ack: &syncproto.Ack{NodeID: r.nodeID, Counts: r.spaceCounts()}}, nil

	case syncproto.KindInv:
		d, err := r.dag(msg.Inv.SpaceID)
		if err != nil {
			return nil, err
		}
		known := d.KnownIDs()
		var missing []string
		for _, id := range msg.Inv.OpIDs {
			if _, ok := known[id]; !ok {
				missing = append(missing, id)
			}
		}
		return &syncproto.Message{Kind: syncproto.KindGet, Get: &syncproto.Get{SpaceID: msg.Inv.SpaceID, MissingIDs: missing}}, nil

	case syncproto.KindOps:
		d, err := r.dag(msg.Ops.SpaceID)
		if err != nil {
			return nil, err
		}
		for _, rec := range msg.Ops.Ops {
			plaintext, err := r.crypto.Unwrap(msg.Ops.SpaceID, rec.Payload)
			if err != nil {
				r.log.Warn("crdtsync: dropping op, decryption failed", zap.String("op_id", rec.OpID), zap.Error(err))
				continue
			}
			op := Operation{OpID: rec.OpID, SpaceID: rec.SpaceID, NodeID: rec.NodeID, Lamport: rec.Lamport, ParentIDs: rec.ParentIDs, Payload: plaintext}
			if err := d.AddOp(op); err != nil {
				r.log.Error("crdtsync: add_op failed", zap.Error(err))
				continue
			}
			if r.metrics != nil {
				r.metrics.SyncOpsAppliedTotal.WithLabelValues(msg.Ops.SpaceID).Inc()
			}
		}
		return &syncproto.Message{Kind: syncproto.KindAck, Ack: &syncproto.Ack{NodeID: r.nodeID, Counts: r.spaceCounts()}}, nil

	default:
		return nil, fmt.Errorf("crdtsync: unhandled message kind %s", msg.Kind)
	}
}

// SyncAll runs one push-pull round against every configured peer, in a
// fair round-robin order so no single peer starves the others across
// repeated calls (spec.md §4.I: "fair round-robin across spaces").
func (r *Replicator) SyncAll(ctx context.Context) {
	r.mu.Lock()
	peers := append([]string(nil), r.peers...)
	start := r.nextPeerIdx
	r.nextPeerIdx = (r.nextPeerIdx + 1) % maxInt(len(peers), 1)
	r.mu.Unlock()

	for i := range peers {
		peer := peers[(start+i)%len(peers)]
		if err := r.SyncWithPeer(ctx, peer); err != nil {
			r.log.Warn("crdtsync: sync round failed", zap.String("peer", peer), zap.Error(err))
		}
		if ctx.Err() != nil {
			return
		}
	}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// PartitionedPeers returns the set of peers currently considered
// unreachable (every retry in the last SyncWithPeer round failed).
func (r *Replicator) PartitionedPeers() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for p, partitioned := range r.partitioned {
		if partitioned {
			out = append(out, p)
		}
	}
	return out
}
