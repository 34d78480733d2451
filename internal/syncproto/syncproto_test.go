package syncproto

import (
	"testing"
)

func TestChunkSplitsAtMaxChunk(t *testing.T) {
	ids := make([]string, MaxChunk+10)
	for i := range ids {
		ids[i] = string(rune('a' + i%26))
	}
	chunks := Chunk(ids)
	if len(chunks) != 2 {
		t.Fatalf("chunks = %d, want 2", len(chunks))
	}
	if len(chunks[0]) != MaxChunk {
		t.Fatalf("first chunk len = %d, want %d", len(chunks[0]), MaxChunk)
	}
	if len(chunks[1]) != 10 {
		t.Fatalf("second chunk len = %d, want 10", len(chunks[1]))
	}
}

func TestChunkEmptyInput(t *testing.T) {
	if chunks := Chunk(nil); chunks != nil {
		t.Fatalf("expected nil chunks for empty input, got %v", chunks)
	}
}

func TestJSONCodecRoundTrips(t *testing.T) {
	c := jsonCodec{}
	msg := &Message{Kind: KindHello, Hello: &Hello{NodeID: "node-a", Counts: map[string]uint64{"household:main": 3}}}

	data, err := c.Marshal(msg)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var decoded Message
	if err := c.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if decoded.Kind != KindHello || decoded.Hello.NodeID != "node-a" || decoded.Hello.Counts["household:main"] != 3 {
		t.Fatalf("roundtrip mismatch: %+v", decoded)
	}
}

func TestCodecNameIsJSON(t *testing.T) {
	if (jsonCodec{}).Name() != "json" {
		t.Fatalf("codec name = %q, want json", (jsonCodec{}).Name())
	}
}
