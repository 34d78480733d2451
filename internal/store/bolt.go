// Package store provides the shared BoltDB-backed durable storage used by
// every FamilyOS component.
//
// Schema (bucket layout; a single bbolt file holds one root bucket per
// storage area):
//
//	bus/offsets           key: group "__" topic              value: JSON ConsumerGroupState
//	policy/cache_version   key: "version" (no component writes it)  value: uint64 LE
//	temporal/shards/<res>  key: bucket_key (lexicographically sortable)   value: JSON []string (event ids)
//	hippocampus/codes      key: space_id "__" event id        value: JSON HippocampalCode
//	hippocampus/kg         key: triple id                      value: JSON Triple
//	workflow/runs          key: run_id                         value: JSON WorkflowRun
//	workflow/idempotency   key: spec_id "__" idempotency_key    value: run_id
//	consolidation/rollups  key: rollup id                       value: JSON Rollup
//	crdtsync/ops           key: space_id "__ops__" op_id        value: JSON Operation
//	crdtsync/heads         key: space_id "__heads"              value: JSON []OpID
//	action/receipts        key: SortableTimeKey(ts, receipt id) value: JSON Receipt
//	action/idempotency     key: tool "__" idempotency_key       value: receipt id
//	prospective/triggers   key: trigger id                      value: JSON Trigger
//	meta                   key: "schema_version"                value: "1"
//
// Consistency model mirrors the teacher's: single-process, single-writer,
// every mutation goes through an ACID bbolt.Update transaction, every read
// through bbolt.View. bbolt's own CRC check surfaces corruption on Open.
package store

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

// SchemaVersion is the current on-disk schema version.
const SchemaVersion = "1"

// rootBuckets are created on Open if absent. Sub-areas within a bucket are
// addressed by key prefix (e.g. "temporal/shards/hour") rather than nested
// buckets, keeping the bucket count fixed across schema growth.
var rootBuckets = []string{
	"bus", "policy", "temporal", "hippocampus", "workflow",
	"consolidation", "crdtsync", "action", "prospective", "meta",
}

// DB wraps a single bbolt file with typed helpers shared across components.
type DB struct {
	bdb *bolt.DB
}

// Open opens (or creates) the bbolt file at path, initialising every root
// bucket and checking the schema version.
func Open(path string) (*DB, error) {
	bdb, err := bolt.Open(path, 0o600, &bolt.Options{
		Timeout:      5 * time.Second,
		FreelistType: bolt.FreelistArrayType,
	})
	if err != nil {
		return nil, fmt.Errorf("store.Open(%q): %w", path, err)
	}

	d := &DB{bdb: bdb}
	if err := d.bdb.Update(func(tx *bolt.Tx) error {
		for _, name := range rootBuckets {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("create bucket %q: %w", name, err)
			}
		}
		meta := tx.Bucket([]byte("meta"))
		if meta.Get([]byte("schema_version")) == nil {
			return meta.Put([]byte("schema_version"), []byte(SchemaVersion))
		}
		return nil
	}); err != nil {
		_ = bdb.Close()
		return nil, fmt.Errorf("store: initialise: %w", err)
	}

	if err := d.checkSchema(); err != nil {
		_ = bdb.Close()
		return nil, err
	}
	return d, nil
}

func (d *DB) checkSchema() error {
	return d.bdb.View(func(tx *bolt.Tx) error {
		v := tx.Bucket([]byte("meta")).Get([]byte("schema_version"))
		if string(v) != SchemaVersion {
			return fmt.Errorf("store: schema mismatch: have %q, need %q", v, SchemaVersion)
		}
		return nil
	})
}

// Close closes the underlying bbolt file.
func (d *DB) Close() error { return d.bdb.Close() }

// PutJSON marshals v to JSON and stores it at bucket/key.
func (d *DB) PutJSON(bucket string, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("store.PutJSON marshal: %w", err)
	}
	return d.bdb.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return fmt.Errorf("store: unknown bucket %q", bucket)
		}
		return b.Put(key, data)
	})
}

// GetJSON unmarshals the value at bucket/key into v. Returns found=false
// without error if the key does not exist.
func (d *DB) GetJSON(bucket string, key []byte, v any) (found bool, err error) {
	err = d.bdb.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return fmt.Errorf("store: unknown bucket %q", bucket)
		}
		data := b.Get(key)
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, v)
	})
	return found, err
}

// Delete removes bucket/key. No-op if absent.
func (d *DB) Delete(bucket string, key []byte) error {
	return d.bdb.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return fmt.Errorf("store: unknown bucket %q", bucket)
		}
		return b.Delete(key)
	})
}

// ForEachPrefix calls fn for every key in bucket with the given prefix, in
// lexicographic (sortable) key order. Stops early if fn returns an error.
func (d *DB) ForEachPrefix(bucket string, prefix []byte, fn func(key, value []byte) error) error {
	return d.bdb.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return fmt.Errorf("store: unknown bucket %q", bucket)
		}
		c := b.Cursor()
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			if err := fn(k, v); err != nil {
				return err
			}
		}
		return nil
	})
}

// DeleteRangeBefore deletes every key in bucket with the given prefix whose
// remainder (after the prefix) sorts before cutoffSuffix. It fits
// time-bounded pruning of SortableTimeKey-keyed records; no component
// calls it.
func (d *DB) DeleteRangeBefore(bucket string, prefix, cutoffSuffix []byte) (int, error) {
	var deleted int
	err := d.bdb.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return fmt.Errorf("store: unknown bucket %q", bucket)
		}
		c := b.Cursor()
		var toDelete [][]byte
		cutoff := append(append([]byte{}, prefix...), cutoffSuffix...)
		for k, _ := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, _ = c.Next() {
			if string(k) >= string(cutoff) {
				break
			}
			kc := make([]byte, len(k))
			copy(kc, k)
			toDelete = append(toDelete, kc)
		}
		for _, k := range toDelete {
			if err := b.Delete(k); err != nil {
				return err
			}
			deleted++
		}
		return nil
	})
	return deleted, err
}

func hasPrefix(k, prefix []byte) bool {
	if len(k) < len(prefix) {
		return false
	}
	for i := range prefix {
		if k[i] != prefix[i] {
			return false
		}
	}
	return true
}

// SortableTimeKey builds a lexicographically sortable key from a timestamp
// and a string suffix, mirroring the teacher's ledgerKey convention.
func SortableTimeKey(t time.Time, suffix string) []byte {
	// Fixed-width nanoseconds: RFC3339Nano trims trailing zeros, which breaks
	// lexicographic order between timestamps of different precision.
	return []byte(fmt.Sprintf("%s_%s", t.UTC().Format("2006-01-02T15:04:05.000000000Z07:00"), suffix))
}

// PutUint64 stores a little-endian uint64 at bucket/key, for compact
// counters.
func (d *DB) PutUint64(bucket string, key []byte, v uint64) error {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, v)
	return d.bdb.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return fmt.Errorf("store: unknown bucket %q", bucket)
		}
		return b.Put(key, buf)
	})
}

// GetUint64 reads a little-endian uint64 at bucket/key, returning 0 if absent.
func (d *DB) GetUint64(bucket string, key []byte) (uint64, error) {
	var v uint64
	err := d.bdb.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return fmt.Errorf("store: unknown bucket %q", bucket)
		}
		data := b.Get(key)
		if data == nil {
			return nil
		}
		v = binary.LittleEndian.Uint64(data)
		return nil
	})
	return v, err
}
