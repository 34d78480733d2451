// Package syncproto defines the CRDT Sync Replicator's wire protocol and a
// JSON-over-gRPC transport for it.
//
// The teacher's gossip layer (internal/gossip/server.go) carries its
// envelopes as protoc-generated gossipv1 messages; that generated package
// is retrieval-pack tooling output, not hand-written source, so it has no
// equivalent here. Instead this package registers a plain JSON
// encoding.Codec with grpc's codec registry and hand-builds the
// grpc.ServiceDesc that server.go would otherwise get from protoc — same
// transport (gRPC, mTLS-capable), same call shape, no code generator
// required.
package syncproto

import (
	"encoding/json"
)

// MessageKind is the closed set of push-pull protocol message shapes
// (spec.md §4.I).
type MessageKind string

const (
	KindHello MessageKind = "HELLO"
	KindAck   MessageKind = "ACK"
	KindInv   MessageKind = "INV"
	KindGet   MessageKind = "GET"
	KindOps   MessageKind = "OPS"
)

// MaxChunk is the maximum number of op ids or ops carried in a single
// INV/OPS message (spec.md §4.I: chunked ≤256).
const MaxChunk = 256

// OpRecord is the wire representation of one CRDT operation.
type OpRecord struct {
	OpID      string          `json:"op_id"`
	SpaceID   string          `json:"space_id"`
	NodeID    string          `json:"node_id"`
	Lamport   uint64          `json:"lamport"`
	ParentIDs []string        `json:"parent_ids,omitempty"`
	Payload   json.RawMessage `json:"payload"`
}

// Hello announces the sender's known op counts per space.
type Hello struct {
	NodeID string           `json:"node_id"`
	Counts map[string]uint64 `json:"counts"`
}

// Ack responds to Hello with the receiver's own counts.
type Ack struct {
	NodeID string           `json:"node_id"`
	Counts map[string]uint64 `json:"counts"`
}

// Inv advertises op ids the sender has for one space, chunked to MaxChunk.
type Inv struct {
	SpaceID string   `json:"space_id"`
	OpIDs   []string `json:"op_ids"`
}

// Get requests the ops the receiver is missing, by id.
type Get struct {
	SpaceID    string   `json:"space_id"`
	MissingIDs []string `json:"missing_ids"`
}

// Ops carries the requested operations, possibly encrypted (Payload on
// each OpRecord may be ciphertext; see CryptoProvider).
type Ops struct {
	SpaceID string     `json:"space_id"`
	Ops     []OpRecord `json:"ops"`
}

// Message is the discriminated union carried over the transport. Exactly
// one of the pointer fields is set, matching Kind.
type Message struct {
	Kind  MessageKind `json:"kind"`
	Hello *Hello      `json:"hello,omitempty"`
	Ack   *Ack        `json:"ack,omitempty"`
	Inv   *Inv        `json:"inv,omitempty"`
	Get   *Get        `json:"get,omitempty"`
	Ops   *Ops        `json:"ops,omitempty"`
}

// Chunk splits ids into groups of at most MaxChunk.
func Chunk(ids []string) [][]string {
	if len(ids) == 0 {
		return nil
	}
	var chunks [][]string
	for i := 0; i < len(ids); i += MaxChunk {
		end := i + MaxChunk
		if end > len(ids) {
			end = len(ids)
		}
		chunks = append(chunks, ids[i:end])
	}
	return chunks
}
