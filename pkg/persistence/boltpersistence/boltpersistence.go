// Package boltpersistence implements pkg/persistence.Persistence on
// top of go.etcd.io/bbolt, generalizing the bucket-per-concern,
// db.Update/db.View transactional-closure idiom of
// _examples/cuemby-warren/pkg/storage/boltdb.go to the log-structured
// document/index layout spec.md §6 specifies.
package boltpersistence

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync/atomic"

	bolt "go.etcd.io/bbolt"

	"github.com/cuemby/docbase/pkg/persistence"
	"github.com/cuemby/docbase/pkg/txn"
	"github.com/cuemby/docbase/pkg/values"
)

var (
	bucketDocuments = []byte("documents")
	bucketIndex     = []byte("index_entries")
	bucketGlobals   = []byte("persistence_globals")
	bucketMeta      = []byte("persistence_meta")
)

var metaNextTSKey = []byte("next_ts")

// Store is a bbolt-backed Persistence implementation. A single Store
// is meant to be shared by the whole process, mirroring the teacher's
// single *bolt.DB per BoltStore.
type Store struct {
	db      *bolt.DB
	path    string
	version persistence.Version
	readOnly bool

	// nextTS caches the high-water timestamp in memory so NextTS does
	// not need a bolt transaction on the hot path; it is seeded from
	// bucketMeta at Open and persisted on every Write.
	nextTS atomic.Int64
}

const CurrentVersion persistence.Version = 1

// Open opens (creating if necessary) a bbolt-backed persistence store
// under dataDir/docbase.db.
func Open(dataDir string) (*Store, error) {
	dbPath := filepath.Join(dataDir, "docbase.db")
	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	s := &Store{db: db, path: dbPath, version: CurrentVersion}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketDocuments, bucketIndex, bucketGlobals, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", b, err)
			}
		}
		meta := tx.Bucket(bucketMeta)
		if v := meta.Get(metaNextTSKey); v != nil {
			s.nextTS.Store(int64(binary.BigEndian.Uint64(v)))
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

// Backup streams a consistent hot copy of the whole database to w,
// using bbolt's own transaction-scoped WriteTo, the standard way to
// take a live bbolt backup without blocking writers for long.
func (s *Store) Backup(w io.Writer) error {
	return s.db.View(func(tx *bolt.Tx) error {
		_, err := tx.WriteTo(w)
		return err
	})
}

// Restore replaces the store's on-disk file with the bytes read from
// r, closing and reopening the underlying bbolt handle around the
// swap. Used to install a raft snapshot taken with Backup on another
// node.
func (s *Store) Restore(r io.Reader) error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("closing database before restore: %w", err)
	}

	tmpPath := s.path + ".restoring"
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("creating restore file: %w", err)
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("writing restore file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("closing restore file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("installing restored database: %w", err)
	}

	db, err := bolt.Open(s.path, 0600, nil)
	if err != nil {
		return fmt.Errorf("reopening database after restore: %w", err)
	}
	s.db = db

	return s.db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketDocuments, bucketIndex, bucketGlobals, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", b, err)
			}
		}
		meta := tx.Bucket(bucketMeta)
		s.nextTS.Store(0)
		if v := meta.Get(metaNextTSKey); v != nil {
			s.nextTS.Store(int64(binary.BigEndian.Uint64(v)))
		}
		return nil
	})
}

func (s *Store) IsReadOnly() bool           { return s.readOnly }
func (s *Store) Version() persistence.Version { return s.version }

func (s *Store) IsFresh(ctx context.Context) (bool, error) {
	fresh := true
	err := s.db.View(func(tx *bolt.Tx) error {
		fresh = tx.Bucket(bucketDocuments).Stats().KeyN == 0
		return nil
	})
	return fresh, err
}

func (s *Store) NextTS(ctx context.Context) (values.Timestamp, error) {
	next := s.nextTS.Add(1)
	return values.Timestamp(next), nil
}

// documentKey encodes (tablet, id, ts) big-endian, so bolt's natural
// byte-sortable cursor order groups a tablet's rows by document id and
// orders each document's revisions by timestamp. Rows of different
// documents are not in timestamp order relative to each other.
func documentKey(tablet values.TabletID, id values.InternalID, ts values.Timestamp) []byte {
	var buf bytes.Buffer
	buf.Write(tablet.Bytes())
	buf.Write(id.Bytes())
	var tsBuf [8]byte
	binary.BigEndian.PutUint64(tsBuf[:], uint64(ts))
	buf.Write(tsBuf[:])
	return buf.Bytes()
}

type docRecordJSON struct {
	Value   json.RawMessage `json:"value,omitempty"`
	PrevTS  int64           `json:"prevTs"`
	HasPrev bool            `json:"hasPrev"`
}

// indexKey encodes (indexID, key, ts); the key portion is already a
// prefix-free values.IndexKey encoding, so appending a fixed 8-byte ts
// suffix keeps the whole composite key byte-sortable by (key, ts).
func indexKey(indexID values.IndexID, key values.IndexKey, ts values.Timestamp) []byte {
	var buf bytes.Buffer
	buf.Write(indexID.Bytes())
	buf.Write(key)
	var tsBuf [8]byte
	binary.BigEndian.PutUint64(tsBuf[:], uint64(ts))
	buf.Write(tsBuf[:])
	return buf.Bytes()
}

type indexRecordJSON struct {
	Tablet    [16]byte `json:"tablet"`
	DocID     [16]byte `json:"docId"`
	Tombstone bool     `json:"tombstone"`
}

func (s *Store) Write(ctx context.Context, batch persistence.WriteBatch, policy persistence.ConflictPolicy) error {
	if s.readOnly {
		return fmt.Errorf("persistence store is read-only")
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		docs := tx.Bucket(bucketDocuments)
		idxs := tx.Bucket(bucketIndex)
		meta := tx.Bucket(bucketMeta)

		maxTS := values.Timestamp(-1)
		for _, d := range batch.Documents {
			key := documentKey(d.Tablet, d.ID, d.TS)
			if policy == persistence.ErrorOnConflict && docs.Get(key) != nil {
				return fmt.Errorf("document already exists at (%s, %s, %d)", d.Tablet, d.ID, d.TS)
			}
			rec := docRecordJSON{PrevTS: int64(d.PrevTS), HasPrev: d.HasPrev}
			if d.Value != nil {
				raw, err := json.Marshal(documentToJSON(d.Value))
				if err != nil {
					return err
				}
				rec.Value = raw
			}
			data, err := json.Marshal(rec)
			if err != nil {
				return err
			}
			if err := docs.Put(key, data); err != nil {
				return err
			}
			if d.TS > maxTS {
				maxTS = d.TS
			}
		}

		for _, e := range batch.IndexEntries {
			key := indexKey(e.IndexID, e.Key, e.TS)
			if policy == persistence.ErrorOnConflict && idxs.Get(key) != nil {
				return fmt.Errorf("index entry already exists for %s at ts %d", e.IndexID, e.TS)
			}
			rec := indexRecordJSON{Tablet: [16]byte(e.Tablet), DocID: [16]byte(e.DocID), Tombstone: e.Tombstone}
			data, err := json.Marshal(rec)
			if err != nil {
				return err
			}
			if err := idxs.Put(key, data); err != nil {
				return err
			}
			if e.TS > maxTS {
				maxTS = e.TS
			}
		}

		if maxTS >= values.Timestamp(s.nextTS.Load()) {
			next := int64(maxTS) + 1
			s.nextTS.Store(next)
			var buf [8]byte
			binary.BigEndian.PutUint64(buf[:], uint64(next))
			if err := meta.Put(metaNextTSKey, buf[:]); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) LoadDocuments(ctx context.Context, tablet values.TabletID, from, to values.Timestamp, dir persistence.Direction) ([]persistence.DocRecord, error) {
	var out []persistence.DocRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketDocuments).Cursor()
		prefix := tablet.Bytes()

		if dir == persistence.Forward {
			for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
				ts := values.Timestamp(binary.BigEndian.Uint64(k[len(k)-8:]))
				if ts < from || ts >= to {
					continue
				}
				rec, err := decodeDocRecord(tablet, k, v)
				if err != nil {
					return err
				}
				out = append(out, rec)
			}
		} else {
			upper := append(append([]byte{}, prefix...), bytes.Repeat([]byte{0xff}, 24)...)
			k, v := c.Seek(upper)
			if k == nil {
				k, v = c.Last()
			} else {
				k, v = c.Prev()
			}
			for ; k != nil && bytes.HasPrefix(k, prefix); k, v = c.Prev() {
				ts := values.Timestamp(binary.BigEndian.Uint64(k[len(k)-8:]))
				if ts < from || ts >= to {
					continue
				}
				rec, err := decodeDocRecord(tablet, k, v)
				if err != nil {
					return err
				}
				out = append(out, rec)
			}
		}
		return nil
	})
	return out, err
}

func decodeDocRecord(tablet values.TabletID, k, v []byte) (persistence.DocRecord, error) {
	var idBytes [16]byte
	copy(idBytes[:], k[16:32])
	ts := values.Timestamp(binary.BigEndian.Uint64(k[32:40]))

	var rec docRecordJSON
	if err := json.Unmarshal(v, &rec); err != nil {
		return persistence.DocRecord{}, err
	}
	out := persistence.DocRecord{
		Tablet:  tablet,
		ID:      values.InternalID(idBytes),
		TS:      ts,
		PrevTS:  values.Timestamp(rec.PrevTS),
		HasPrev: rec.HasPrev,
	}
	if rec.Value != nil {
		doc, err := documentFromJSON(tablet, values.InternalID(idBytes), ts, rec.Value)
		if err != nil {
			return persistence.DocRecord{}, err
		}
		out.Value = doc
	}
	return out, nil
}

func (s *Store) PreviousRevisions(ctx context.Context, keys []persistence.DocTS) (map[persistence.DocTS]persistence.DocRecord, error) {
	out := make(map[persistence.DocTS]persistence.DocRecord, len(keys))
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketDocuments).Cursor()
		for _, dt := range keys {
			prefix := append(append([]byte{}, dt.Tablet.Bytes()...), dt.ID.Bytes()...)
			upper := documentKey(dt.Tablet, dt.ID, dt.TS)
			k, v := c.Seek(upper)
			if k != nil && bytes.Equal(k, upper) {
				k, v = c.Prev()
			} else if k == nil {
				k, v = c.Last()
			} else {
				k, v = c.Prev()
			}
			if k == nil || !bytes.HasPrefix(k, prefix) {
				continue
			}
			rec, err := decodeDocRecord(dt.Tablet, k, v)
			if err != nil {
				return err
			}
			out[dt] = rec
		}
		return nil
	})
	return out, err
}

func (s *Store) IndexRange(ctx context.Context, indexID values.IndexID, interval txn.Interval, order persistence.Direction, limit int) ([]persistence.IndexRecord, error) {
	var out []persistence.IndexRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketIndex).Cursor()
		idBytes := indexID.Bytes()

		withinBound := func(k []byte) bool {
			keyPart := k[16 : len(k)-8]
			if len(interval.Start) > 0 && bytes.Compare(keyPart, interval.Start) < 0 {
				return false
			}
			if len(interval.End) > 0 && bytes.Compare(keyPart, interval.End) >= 0 {
				return false
			}
			return true
		}

		lower := append(append([]byte{}, idBytes...), interval.Start...)
		for k, v := c.Seek(lower); k != nil && bytes.HasPrefix(k, idBytes); k, v = c.Next() {
			if order == persistence.Forward && limit > 0 && len(out) >= limit {
				break
			}
			if !withinBound(k) {
				if len(interval.End) > 0 && bytes.Compare(k[16:len(k)-8], interval.End) >= 0 {
					break
				}
				continue
			}
			rec, err := decodeIndexRecord(indexID, k, v)
			if err != nil {
				return err
			}
			out = append(out, rec)
		}
		if order == persistence.Backward {
			for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
				out[i], out[j] = out[j], out[i]
			}
			if limit > 0 && len(out) > limit {
				out = out[:limit]
			}
		}
		return nil
	})
	return out, err
}

func decodeIndexRecord(indexID values.IndexID, k, v []byte) (persistence.IndexRecord, error) {
	keyPart := append([]byte(nil), k[16:len(k)-8]...)
	ts := values.Timestamp(binary.BigEndian.Uint64(k[len(k)-8:]))

	var rec indexRecordJSON
	if err := json.Unmarshal(v, &rec); err != nil {
		return persistence.IndexRecord{}, err
	}
	return persistence.IndexRecord{
		IndexID:   indexID,
		Key:       values.IndexKey(keyPart),
		TS:        ts,
		Tablet:    values.TabletID(rec.Tablet),
		DocID:     values.InternalID(rec.DocID),
		Tombstone: rec.Tombstone,
	}, nil
}

func (s *Store) LoadIndexChunk(ctx context.Context, indexID values.IndexID, cursor []byte, limit int) (persistence.IndexChunk, error) {
	var chunk persistence.IndexChunk
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketIndex).Cursor()
		idBytes := indexID.Bytes()

		var k, v []byte
		if cursor != nil {
			k, v = c.Seek(cursor)
			if k != nil && bytes.Equal(k, cursor) {
				k, v = c.Next()
			}
		} else {
			k, v = c.Seek(idBytes)
		}

		for ; k != nil && bytes.HasPrefix(k, idBytes); k, v = c.Next() {
			if limit > 0 && len(chunk.Entries) >= limit {
				chunk.NextCursor = append([]byte(nil), k...)
				return nil
			}
			rec, err := decodeIndexRecord(indexID, k, v)
			if err != nil {
				return err
			}
			chunk.Entries = append(chunk.Entries, rec)
		}
		return nil
	})
	return chunk, err
}

func (s *Store) DeleteIndexEntries(ctx context.Context, entries []persistence.IndexRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketIndex)
		for _, e := range entries {
			if err := b.Delete(indexKey(e.IndexID, e.Key, e.TS)); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) GlobalsGet(ctx context.Context, key string) (json.RawMessage, bool, error) {
	var out json.RawMessage
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketGlobals).Get([]byte(key))
		if v == nil {
			return nil
		}
		found = true
		out = append(json.RawMessage(nil), v...)
		return nil
	})
	return out, found, err
}

func (s *Store) GlobalsSet(ctx context.Context, key string, value json.RawMessage) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketGlobals).Put([]byte(key), value)
	})
}
