// Package projection implements the columnar append-only store backing
// ProjectionResource: a per-version record sequence persisted as sealed,
// lzma-compressed batches inside a dedicated badger instance.
package projection

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/dgraph-io/badger/v4"
	"github.com/sirupsen/logrus"
	"github.com/ulikunitz/xz/lzma"

	"github.com/i5heu/ouroboros-vfs/pathvfs"
	"github.com/i5heu/ouroboros-vfs/pathvfs/resourceerr"
)

// batchSize is the number of appended values buffered in memory before
// being sealed, compressed, and flushed to the badger index as one block.
const batchSize = 256

// Store is one version's projection data: an append-only sequence of
// pathvfs.Value records, persisted as lzma-compressed sealed batches
// inside a dedicated badger instance rooted at the version's directory.
type Store struct {
	mu         sync.Mutex
	db         *badger.DB
	log        *logrus.Entry
	pending    []pathvfs.Value
	sealed     int   // number of sealed batches so far
	count      int   // total record count across sealed + pending
	lastOffset int64 // highest applied batch offset, -1 if none yet
}

// Open opens (or creates) the projection store rooted at dir (typically a
// version directory under "versions/<id>/projection").
func Open(dir string, log *logrus.Entry) (*Store, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.New())
	}
	opts := badger.DefaultOptions(filepath.Join(dir, "index")).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, resourceerr.Wrap(resourceerr.IOError, dir, "open projection index", err)
	}

	s := &Store{db: db, log: log, lastOffset: -1}
	if err := s.loadMeta(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

type metaRecord struct {
	Sealed     int   `json:"sealed"`
	Count      int   `json:"count"`
	LastOffset int64 `json:"lastOffset"`
}

func (s *Store) loadMeta() error {
	return s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte("__meta"))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			var m metaRecord
			if err := json.Unmarshal(val, &m); err != nil {
				return err
			}
			s.sealed = m.Sealed
			s.count = m.Count
			s.lastOffset = m.LastOffset
			return nil
		})
	})
}

func (s *Store) saveMeta(txn *badger.Txn) error {
	m := metaRecord{Sealed: s.sealed, Count: s.count, LastOffset: s.lastOffset}
	buf, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return txn.Set([]byte("__meta"), buf)
}

// Append buffers values for eventual sealing, flushing a compressed batch
// once batchSize values have accumulated. It never blocks on disk I/O
// beyond the (rare) sealing flush, matching the single-writer, in-order
// semantics PathManager relies on. Batches at or below the last applied
// offset are skipped, so a redelivered ingest message does not duplicate
// its data.
func (s *Store) Append(offset uint64, values []pathvfs.Value) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if int64(offset) <= s.lastOffset {
		s.log.WithField("offset", offset).Debug("skipping already-applied batch offset")
		return nil
	}
	s.lastOffset = int64(offset)

	s.pending = append(s.pending, values...)
	s.count += len(values)

	for len(s.pending) >= batchSize {
		if err := s.sealLocked(s.pending[:batchSize]); err != nil {
			return err
		}
		s.pending = s.pending[batchSize:]
	}
	return nil
}

// Flush seals any partially-filled pending batch. Callers invoke this when
// a version is completed, so a small tail batch is still durable.
func (s *Store) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pending) == 0 {
		return nil
	}
	if err := s.sealLocked(s.pending); err != nil {
		return err
	}
	s.pending = nil
	return nil
}

func (s *Store) sealLocked(values []pathvfs.Value) error {
	raw, err := json.Marshal(values)
	if err != nil {
		return resourceerr.Wrap(resourceerr.ExtractorError, "", "marshal projection batch", err)
	}

	var compressed bytes.Buffer
	w, err := lzma.NewWriter(&compressed)
	if err != nil {
		return resourceerr.Wrap(resourceerr.IOError, "", "init lzma writer", err)
	}
	if _, err := w.Write(raw); err != nil {
		return resourceerr.Wrap(resourceerr.IOError, "", "compress projection batch", err)
	}
	if err := w.Close(); err != nil {
		return resourceerr.Wrap(resourceerr.IOError, "", "finalize lzma stream", err)
	}

	key := []byte(fmt.Sprintf("batch/%010d", s.sealed))
	err = s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(key, compressed.Bytes()); err != nil {
			return err
		}
		s.sealed++
		return s.saveMeta(txn)
	})
	if err != nil {
		return resourceerr.Wrap(resourceerr.IOError, "", "persist sealed projection batch", err)
	}
	s.log.WithField("batch", s.sealed).Debug("sealed projection batch")
	return nil
}

// RecordCount returns the number of values ever appended, sealed or
// pending.
func (s *Store) RecordCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}

// All decodes and returns every record in order: sealed batches first,
// then the pending tail. Intended for read paths (openResource), not hot
// ingest.
func (s *Store) All() ([]pathvfs.Value, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]pathvfs.Value, 0, s.count)
	err := s.db.View(func(txn *badger.Txn) error {
		for i := 0; i < s.sealed; i++ {
			key := []byte(fmt.Sprintf("batch/%010d", i))
			item, err := txn.Get(key)
			if err != nil {
				return err
			}
			if err := item.Value(func(val []byte) error {
				r, err := lzma.NewReader(bytes.NewReader(val))
				if err != nil {
					return err
				}
				var decompressed bytes.Buffer
				if _, err := decompressed.ReadFrom(r); err != nil {
					return err
				}
				var values []pathvfs.Value
				if err := json.Unmarshal(decompressed.Bytes(), &values); err != nil {
					return err
				}
				out = append(out, values...)
				return nil
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, resourceerr.Wrap(resourceerr.IOError, "", "read sealed projection batches", err)
	}
	out = append(out, s.pending...)
	return out, nil
}

// Close seals any pending tail batch and releases the underlying badger
// instance, so an evicted manager's unsealed values survive reopen.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pending) > 0 {
		if err := s.sealLocked(s.pending); err != nil {
			s.db.Close()
			return err
		}
		s.pending = nil
	}
	if err := s.db.Close(); err != nil {
		return resourceerr.Wrap(resourceerr.IOError, "", "close projection index", err)
	}
	return nil
}
