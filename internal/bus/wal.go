// Package bus implements the Durable Event Bus: an append-only,
// crash-safe, per-topic write-ahead log with durable consumer groups,
// at-least-once delivery, retry backoff, and a dead-letter queue.
//
// Wire frame (spec.md §6.3): u32 length_le | u32 crc32_le | bytes envelope.
// The envelope itself is gob-encoded — chosen over JSON for the WAL
// because it is compact and stable within one process family, while the
// frame's outer length/checksum layout is the pinned wire format.
//
// The dead-letter queue (dlq.go) is a parallel {topic}.dlq file sharing
// this same frame layout (spec.md §3.3, §6.1), never a bucket inside the
// shared bbolt store.
package bus

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"hash/crc32"
	"os"
	"sync"

	"github.com/familyos/familyos/internal/envelope"
	"github.com/familyos/familyos/internal/ferrors"
)

func init() {
	gob.Register(envelope.Envelope{})
}

// frameHeaderSize is the byte size of the length+crc32 frame header.
const frameHeaderSize = 8

// wal is an append-only, per-topic log file guarded by one RWMutex:
// appends take the write lock, reads of the in-memory index take the read
// lock. The index is rebuilt once at Open and kept consistent under that
// same lock.
type wal struct {
	mu          sync.RWMutex
	f           *os.File
	path        string
	fsyncBatch  int
	unsynced    int
	index       []envelopeRecord // in-memory record index, rebuilt at Open
}

// envelopeRecord is one logical WAL record: the envelope plus its
// monotonic sequence number within the topic.
type envelopeRecord struct {
	Seq uint64
	Env *envelope.Envelope
}

// openWAL opens or creates the WAL file at path and replays it into an
// in-memory index.
func openWAL(path string, fsyncBatch int) (*wal, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, ferrors.Wrap(ferrors.KindUnavailable, "bus.openWAL", err, map[string]any{"path": path})
	}
	w := &wal{f: f, path: path, fsyncBatch: fsyncBatch}
	if err := w.replay(); err != nil {
		_ = f.Close()
		return nil, err
	}
	return w, nil
}

// replay reads every well-formed frame from the start of the file,
// rebuilding the in-memory index. A truncated trailing frame (a partial
// write from a crash mid-append) is treated as the end of the log, not an
// error — the frame's length prefix protects against reading garbage.
func (w *wal) replay() error {
	if _, err := w.f.Seek(0, 0); err != nil {
		return fmt.Errorf("bus: wal seek: %w", err)
	}
	r := bufio.NewReader(w.f)
	var seq uint64
	for {
		header := make([]byte, frameHeaderSize)
		n, err := readFull(r, header)
		if n < frameHeaderSize || err != nil {
			break
		}
		length := binary.LittleEndian.Uint32(header[0:4])
		wantCRC := binary.LittleEndian.Uint32(header[4:8])

		body := make([]byte, length)
		n, err = readFull(r, body)
		if uint32(n) != length || err != nil {
			break // truncated trailing frame from a crash mid-append
		}
		if crc32.ChecksumIEEE(body) != wantCRC {
			break // corrupt trailing frame
		}

		var env envelope.Envelope
		dec := gob.NewDecoder(bytes.NewReader(body))
		if err := dec.Decode(&env); err != nil {
			break
		}
		w.index = append(w.index, envelopeRecord{Seq: seq, Env: &env})
		seq++
	}
	// Reposition the file for appends at the true end of well-formed data,
	// truncating any partial trailing frame so future appends are clean.
	info, err := w.f.Stat()
	if err != nil {
		return fmt.Errorf("bus: wal stat: %w", err)
	}
	validEnd := w.computeValidEnd()
	if validEnd < info.Size() {
		if err := w.f.Truncate(validEnd); err != nil {
			return fmt.Errorf("bus: wal truncate partial tail: %w", err)
		}
	}
	if _, err := w.f.Seek(0, 2); err != nil {
		return fmt.Errorf("bus: wal seek end: %w", err)
	}
	return nil
}

// computeValidEnd re-scans to find the exact byte offset one past the last
// well-formed frame, used to truncate a torn write left by a crash.
func (w *wal) computeValidEnd() int64 {
	if _, err := w.f.Seek(0, 0); err != nil {
		return 0
	}
	r := bufio.NewReader(w.f)
	var offset int64
	for {
		header := make([]byte, frameHeaderSize)
		n, err := readFull(r, header)
		if n < frameHeaderSize || err != nil {
			break
		}
		length := binary.LittleEndian.Uint32(header[0:4])
		wantCRC := binary.LittleEndian.Uint32(header[4:8])
		body := make([]byte, length)
		n, err = readFull(r, body)
		if uint32(n) != length || err != nil {
			break
		}
		if crc32.ChecksumIEEE(body) != wantCRC {
			break
		}
		offset += int64(frameHeaderSize) + int64(length)
	}
	return offset
}

func readFull(r *bufio.Reader, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// append writes env as a new frame and returns its sequence number.
func (w *wal) append(env *envelope.Envelope) (uint64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(env); err != nil {
		return 0, fmt.Errorf("bus: wal encode: %w", err)
	}
	body := buf.Bytes()

	header := make([]byte, frameHeaderSize)
	binary.LittleEndian.PutUint32(header[0:4], uint32(len(body)))
	binary.LittleEndian.PutUint32(header[4:8], crc32.ChecksumIEEE(body))

	if _, err := w.f.Write(header); err != nil {
		return 0, fmt.Errorf("bus: wal write header: %w", err)
	}
	if _, err := w.f.Write(body); err != nil {
		return 0, fmt.Errorf("bus: wal write body: %w", err)
	}

	w.unsynced++
	if w.unsynced >= w.fsyncBatch {
		if err := w.f.Sync(); err != nil {
			return 0, fmt.Errorf("bus: wal fsync: %w", err)
		}
		w.unsynced = 0
	}

	seq := uint64(len(w.index))
	w.index = append(w.index, envelopeRecord{Seq: seq, Env: env})
	return seq, nil
}

// from returns every record with Seq >= seq, in order.
func (w *wal) from(seq uint64) []envelopeRecord {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if seq >= uint64(len(w.index)) {
		return nil
	}
	out := make([]envelopeRecord, len(w.index)-int(seq))
	copy(out, w.index[seq:])
	return out
}

// length returns the number of records currently in the log.
func (w *wal) length() uint64 {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return uint64(len(w.index))
}

func (w *wal) close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.f.Close()
}
