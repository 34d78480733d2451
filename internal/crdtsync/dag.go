// Package crdtsync implements the CRDT Sync Replicator: an op-based CRDT
// DAG with Lamport clocks, idempotent op application, and a push-pull
// synchronization protocol over a pluggable Transport.
//
// The partition-aware recalibration shape (back off and keep making
// progress on what's locally reachable rather than stalling) is grounded
// on internal/gossip/quorum.go's PartitionMode bookkeeping; the periodic
// broadcast-and-merge shape for liveness is grounded on
// internal/gossip/federated_baseline.go's share-interval loop.
package crdtsync

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/familyos/familyos/internal/store"
)

// Operation is one CRDT op in a space's DAG.
type Operation struct {
	OpID      string          `json:"op_id"`
	SpaceID   string          `json:"space_id"`
	NodeID    string          `json:"node_id"`
	Lamport   uint64          `json:"lamport"`
	ParentIDs []string        `json:"parent_ids,omitempty"`
	Payload   json.RawMessage `json:"payload"`
}

// ComputeOpID derives a content-addressed op id so that two nodes
// constructing logically identical ops (e.g. replaying the same local
// mutation after a retry) converge on the same id, keeping add_op
// idempotent by construction rather than by chance.
func ComputeOpID(spaceID, nodeID string, lamport uint64, parentIDs []string, payload json.RawMessage) string {
	h := sha256.New()
	h.Write([]byte(spaceID))
	h.Write([]byte(nodeID))
	h.Write([]byte(fmt.Sprintf("%d", lamport)))
	for _, p := range parentIDs {
		h.Write([]byte(p))
	}
	h.Write(payload)
	sum := h.Sum(nil)
	return hex.EncodeToString(sum[:16])
}

// DAG is one space's op-based CRDT operation graph, persisted durably.
type DAG struct {
	mu      sync.Mutex
	spaceID string
	nodeID  string
	db      *store.DB
	lamport uint64
	heads   map[string]struct{} // op ids with no known children
	known   map[string]struct{} // every op id ever applied
}

func opKey(spaceID, opID string) []byte { return []byte(spaceID + "__ops__" + opID) }
func headsKey(spaceID string) []byte    { return []byte(spaceID + "__heads") }
func lamportKey(spaceID string) []byte  { return []byte(spaceID + "__lamport") }

// OpenDAG loads (or initializes) a space's DAG state from db.
func OpenDAG(db *store.DB, spaceID, nodeID string) (*DAG, error) {
	d := &DAG{spaceID: spaceID, nodeID: nodeID, db: db, heads: map[string]struct{}{}, known: map[string]struct{}{}}

	var headList []string
	found, err := db.GetJSON("crdtsync", headsKey(spaceID), &headList)
	if err != nil {
		return nil, fmt.Errorf("crdtsync.OpenDAG: load heads: %w", err)
	}
	if found {
		for _, id := range headList {
			d.heads[id] = struct{}{}
		}
	}

	lamport, err := db.GetUint64("crdtsync", lamportKey(spaceID))
	if err != nil {
		return nil, fmt.Errorf("crdtsync.OpenDAG: load lamport: %w", err)
	}
	d.lamport = lamport

	if err := db.ForEachPrefix("crdtsync", []byte(spaceID+"__ops__"), func(key, _ []byte) error {
		opID := string(key[len(spaceID+"__ops__"):])
		d.known[opID] = struct{}{}
		return nil
	}); err != nil {
		return nil, fmt.Errorf("crdtsync.OpenDAG: load known ops: %w", err)
	}

	return d, nil
}

// NewLocalOp constructs and applies a new local operation, advancing the
// Lamport clock per spec.md §4.I: Lamport(self) = max(Lamport(self),
// max(Lamport(parents))) + 1.
func (d *DAG) NewLocalOp(payload json.RawMessage) (Operation, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	parents := d.headsLocked()
	maxParent := uint64(0)
	for _, pid := range parents {
		var p Operation
		found, err := d.db.GetJSON("crdtsync", opKey(d.spaceID, pid), &p)
		if err != nil {
			return Operation{}, err
		}
		if found && p.Lamport > maxParent {
			maxParent = p.Lamport
		}
	}
	if d.lamport > maxParent {
		maxParent = d.lamport
	}
	newLamport := maxParent + 1

	opID := ComputeOpID(d.spaceID, d.nodeID, newLamport, parents, payload)
	op := Operation{OpID: opID, SpaceID: d.spaceID, NodeID: d.nodeID, Lamport: newLamport, ParentIDs: parents, Payload: payload}
	if err := d.applyLocked(op); err != nil {
		return Operation{}, err
	}
	return op, nil
}

func (d *DAG) headsLocked() []string {
	ids := make([]string, 0, len(d.heads))
	for id := range d.heads {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// AddOp applies op to the DAG. Idempotent: a no-op if op.OpID is already
// known (spec.md §4.I).
func (d *DAG) AddOp(op Operation) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.known[op.OpID]; ok {
		return nil
	}
	return d.applyLocked(op)
}

func (d *DAG) applyLocked(op Operation) error {
	if err := d.db.PutJSON("crdtsync", opKey(d.spaceID, op.OpID), op); err != nil {
		return fmt.Errorf("crdtsync: persist op: %w", err)
	}
	d.known[op.OpID] = struct{}{}

	for _, parent := range op.ParentIDs {
		delete(d.heads, parent)
	}
	d.heads[op.OpID] = struct{}{}

	if op.Lamport > d.lamport {
		d.lamport = op.Lamport
	}

	if err := d.persistHeadsLocked(); err != nil {
		return err
	}
	return d.db.PutUint64("crdtsync", lamportKey(d.spaceID), d.lamport)
}

func (d *DAG) persistHeadsLocked() error {
	ids := d.headsLocked()
	return d.db.PutJSON("crdtsync", headsKey(d.spaceID), ids)
}

// Heads returns the current set of op ids with no known children.
func (d *DAG) Heads() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.headsLocked()
}

// Has reports whether opID is already known to the DAG.
func (d *DAG) Has(opID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.known[opID]
	return ok
}

// KnownIDs returns every op id currently known, used to answer an INV
// advertisement with the set of ids the local side is missing.
func (d *DAG) KnownIDs() map[string]struct{} {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[string]struct{}, len(d.known))
	for id := range d.known {
		out[id] = struct{}{}
	}
	return out
}

// Count returns the number of ops known to this DAG.
func (d *DAG) Count() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return uint64(len(d.known))
}

// GetOp loads a single operation by id.
func (d *DAG) GetOp(opID string) (Operation, bool, error) {
	var op Operation
	found, err := d.db.GetJSON("crdtsync", opKey(d.spaceID, opID), &op)
	return op, found, err
}

// OpKey is the total-order sort key used to linearize concurrent ops:
// tiebreak = (lamport, op_id), per spec.md §4.I.
type OpKey struct {
	Lamport uint64
	OpID    string
}

// Less implements the (lamport, op_id) total order.
func (k OpKey) Less(other OpKey) bool {
	if k.Lamport != other.Lamport {
		return k.Lamport < other.Lamport
	}
	return k.OpID < other.OpID
}

// TotalOrder sorts ops by the (lamport, op_id) tiebreak.
func TotalOrder(ops []Operation) []Operation {
	sorted := append([]Operation(nil), ops...)
	sort.Slice(sorted, func(i, j int) bool {
		return OpKey{sorted[i].Lamport, sorted[i].OpID}.Less(OpKey{sorted[j].Lamport, sorted[j].OpID})
	})
	return sorted
}
