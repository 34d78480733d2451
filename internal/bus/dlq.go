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
	"time"

	"github.com/familyos/familyos/internal/envelope"
	"github.com/familyos/familyos/internal/ferrors"
)

func init() {
	gob.Register(DLQRecord{})
}

// DLQRecord is one dead-lettered envelope plus failure metadata, appended
// to the topic's parallel {topic}.dlq log (spec.md §3.3 "DLQ is a parallel
// topic {topic}.dlq", §6.1 storage layout).
type DLQRecord struct {
	Envelope *envelope.Envelope
	Topic    string
	Group    string
	Reason   string
	FailedAt time.Time
}

// dlqWAL is an append-only framed log of DLQRecords, sharing the bus WAL's
// wire frame (len_le | crc32_le | bytes) but never consumed through a
// group offset — the DLQ is written once and read out of band (operator
// inspection, reprocessing tooling), so it keeps no in-memory index.
type dlqWAL struct {
	mu sync.Mutex
	f  *os.File
}

func openDLQWAL(path string) (*dlqWAL, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, ferrors.Wrap(ferrors.KindUnavailable, "bus.openDLQWAL", err, map[string]any{"path": path})
	}
	if _, err := f.Seek(0, 2); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("bus: dlq seek end: %w", err)
	}
	return &dlqWAL{f: f}, nil
}

func (d *dlqWAL) append(rec DLQRecord) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(rec); err != nil {
		return fmt.Errorf("bus: dlq encode: %w", err)
	}
	body := buf.Bytes()

	header := make([]byte, frameHeaderSize)
	binary.LittleEndian.PutUint32(header[0:4], uint32(len(body)))
	binary.LittleEndian.PutUint32(header[4:8], crc32.ChecksumIEEE(body))

	if _, err := d.f.Write(header); err != nil {
		return fmt.Errorf("bus: dlq write header: %w", err)
	}
	if _, err := d.f.Write(body); err != nil {
		return fmt.Errorf("bus: dlq write body: %w", err)
	}
	return d.f.Sync()
}

// readAll replays every well-formed record currently in the DLQ file, for
// inspection tooling. A truncated trailing frame is treated as end of log.
func (d *dlqWAL) readAll() ([]DLQRecord, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, err := d.f.Seek(0, 0); err != nil {
		return nil, fmt.Errorf("bus: dlq seek: %w", err)
	}
	r := bufio.NewReader(d.f)
	var out []DLQRecord
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
		var rec DLQRecord
		if err := gob.NewDecoder(bytes.NewReader(body)).Decode(&rec); err != nil {
			break
		}
		out = append(out, rec)
	}
	if _, err := d.f.Seek(0, 2); err != nil {
		return out, fmt.Errorf("bus: dlq seek end: %w", err)
	}
	return out, nil
}

func (d *dlqWAL) close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.f.Close()
}
