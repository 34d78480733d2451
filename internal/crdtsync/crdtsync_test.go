package crdtsync

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"go.uber.org/zap"

	"github.com/familyos/familyos/internal/obs"
	"github.com/familyos/familyos/internal/store"
	"github.com/familyos/familyos/internal/syncproto"
)

func newTestDB(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "familyos.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestNewLocalOpAdvancesLamportFromParents(t *testing.T) {
	db := newTestDB(t)
	d, err := OpenDAG(db, "household:main", "node-a")
	if err != nil {
		t.Fatalf("OpenDAG: %v", err)
	}

	op1, err := d.NewLocalOp(json.RawMessage(`{"k":1}`))
	if err != nil {
		t.Fatalf("NewLocalOp 1: %v", err)
	}
	if op1.Lamport != 1 {
		t.Fatalf("first op lamport = %d, want 1", op1.Lamport)
	}

	op2, err := d.NewLocalOp(json.RawMessage(`{"k":2}`))
	if err != nil {
		t.Fatalf("NewLocalOp 2: %v", err)
	}
	if op2.Lamport != 2 {
		t.Fatalf("second op lamport = %d, want 2", op2.Lamport)
	}
	if len(op2.ParentIDs) != 1 || op2.ParentIDs[0] != op1.OpID {
		t.Fatalf("second op parents = %v, want [%s]", op2.ParentIDs, op1.OpID)
	}

	heads := d.Heads()
	if len(heads) != 1 || heads[0] != op2.OpID {
		t.Fatalf("heads = %v, want [%s]", heads, op2.OpID)
	}
}

func TestAddOpIsIdempotent(t *testing.T) {
	db := newTestDB(t)
	d, err := OpenDAG(db, "household:main", "node-a")
	if err != nil {
		t.Fatalf("OpenDAG: %v", err)
	}
	op := Operation{OpID: "op-1", SpaceID: "household:main", NodeID: "node-a", Lamport: 1, Payload: json.RawMessage(`{}`)}

	if err := d.AddOp(op); err != nil {
		t.Fatalf("AddOp first: %v", err)
	}
	if err := d.AddOp(op); err != nil {
		t.Fatalf("AddOp duplicate: %v", err)
	}
	if d.Count() != 1 {
		t.Fatalf("count = %d, want 1 after duplicate add_op", d.Count())
	}
}

func TestTotalOrderTiebreaksByOpID(t *testing.T) {
	ops := []Operation{
		{OpID: "zzz", Lamport: 5},
		{OpID: "aaa", Lamport: 5},
		{OpID: "bbb", Lamport: 3},
	}
	sorted := TotalOrder(ops)
	if sorted[0].OpID != "bbb" {
		t.Fatalf("first = %s, want bbb (lowest lamport)", sorted[0].OpID)
	}
	if sorted[1].OpID != "aaa" || sorted[2].OpID != "zzz" {
		t.Fatalf("tiebreak order wrong: %v", sorted)
	}
}

// memTransport is an in-memory Transport linking two Replicators directly,
// standing in for a real gRPC connection in tests.
type memTransport struct {
	peers map[string]*Replicator
}

func (m *memTransport) Exchange(ctx context.Context, peer string, msg *syncproto.Message) (*syncproto.Message, error) {
	target := m.peers[peer]
	return target.HandleExchange(ctx, msg)
}

func newLinkedReplicators(t *testing.T) (*Replicator, *Replicator) {
	t.Helper()
	dbA := newTestDB(t)
	dbB := newTestDB(t)

	transport := &memTransport{peers: make(map[string]*Replicator)}
	repA := New("node-a", dbA, NoopCrypto{}, transport, zap.NewNop(), obs.NewMetrics())
	repB := New("node-b", dbB, NoopCrypto{}, transport, zap.NewNop(), obs.NewMetrics())
	transport.peers["a"] = repA
	transport.peers["b"] = repB
	repA.SetPeers([]string{"b"})
	repB.SetPeers([]string{"a"})
	return repA, repB
}

func TestSyncWithPeerReplicatesOpsBothWays(t *testing.T) {
	repA, repB := newLinkedReplicators(t)
	ctx := context.Background()

	if _, err := repA.Submit("household:main", map[string]string{"text": "from a"}); err != nil {
		t.Fatalf("Submit on A: %v", err)
	}
	if _, err := repB.Submit("household:main", map[string]string{"text": "from b"}); err != nil {
		t.Fatalf("Submit on B: %v", err)
	}

	if err := repA.SyncWithPeer(ctx, "b"); err != nil {
		t.Fatalf("SyncWithPeer A->B: %v", err)
	}

	dagA, err := repA.dag("household:main")
	if err != nil {
		t.Fatalf("dag: %v", err)
	}
	if dagA.Count() != 2 {
		t.Fatalf("A's op count after sync = %d, want 2", dagA.Count())
	}

	dagB, err := repB.dag("household:main")
	if err != nil {
		t.Fatalf("dag: %v", err)
	}
	if dagB.Count() != 2 {
		t.Fatalf("B's op count after sync = %d, want 2 (B learns A's op via GET/OPS exchange)", dagB.Count())
	}
}

func TestSecretboxCryptoRoundTrips(t *testing.T) {
	var key [32]byte
	copy(key[:], []byte("0123456789abcdef0123456789abcdef"))
	c := NewSecretboxCrypto(map[string]*[32]byte{"household:main": &key})

	ciphertext, err := c.Wrap("household:main", []byte("secret content"))
	if err != nil {
		t.Fatalf("Wrap: %v", err)
	}
	plaintext, err := c.Unwrap("household:main", ciphertext)
	if err != nil {
		t.Fatalf("Unwrap: %v", err)
	}
	if string(plaintext) != "secret content" {
		t.Fatalf("roundtrip = %q, want %q", plaintext, "secret content")
	}
}

func TestSecretboxCryptoUnwrapFailsForUnknownSpace(t *testing.T) {
	c := NewSecretboxCrypto(map[string]*[32]byte{})
	if _, err := c.Unwrap("no-such-space", []byte("x")); err == nil {
		t.Fatalf("expected error for unknown space key")
	}
}
