// Package version implements the durable, per-path append-only log of
// version transitions, with in-memory indices for the three queries
// PathManager makes (Find, IsCompleted, Current).
//
// The on-disk format is a raw framed file: every mutator fsyncs before
// returning, and a torn tail left by a crash is truncated to the last
// valid record boundary on reopen.
package version

import (
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/i5heu/ouroboros-vfs/pathvfs"
	"github.com/i5heu/ouroboros-vfs/pathvfs/resourceerr"
)

// Log is one path's durable version log.
type Log struct {
	mu   sync.Mutex
	file *os.File
	path string
	log  *slog.Logger

	entries   []pathvfs.VersionEntry
	byID      map[pathvfs.VersionID]int // index into entries
	completed map[pathvfs.VersionID]bool
	head      *pathvfs.VersionID

	// TruncatedRecords counts records discarded from a torn tail found
	// at Open time, reported for observability only.
	TruncatedRecords int
}

// Open opens or creates the log file at filePath, replaying it into
// memory. If the tail is corrupt (a torn write from a crash mid-fsync),
// it is truncated to the last valid record boundary; Log.TruncatedRecords
// reports how many torn or corrupt records were dropped. Open fails
// only on I/O errors unrelated to record framing.
func Open(filePath string, logger *slog.Logger) (*Log, error) {
	if logger == nil {
		logger = slog.Default()
	}
	f, err := os.OpenFile(filePath, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, resourceerr.Wrap(resourceerr.IOError, filePath, "open version log", err)
	}

	l := &Log{
		file:      f,
		path:      filePath,
		log:       logger,
		byID:      make(map[pathvfs.VersionID]int),
		completed: make(map[pathvfs.VersionID]bool),
	}

	validEnd, truncated, err := l.replay()
	if err != nil {
		f.Close()
		return nil, resourceerr.Wrap(resourceerr.IOError, filePath, "replay version log", err)
	}
	l.TruncatedRecords = truncated

	if err := f.Truncate(validEnd); err != nil {
		f.Close()
		return nil, resourceerr.Wrap(resourceerr.IOError, filePath, "truncate torn tail", err)
	}
	if _, err := f.Seek(validEnd, io.SeekStart); err != nil {
		f.Close()
		return nil, resourceerr.Wrap(resourceerr.IOError, filePath, "seek to log end", err)
	}

	if truncated > 0 {
		l.log.Warn("version log: discarded torn tail on open", "path", filePath, "records_discarded", truncated)
	}

	return l, nil
}

// replay reads every complete, checksum-valid record from the start of
// the file, applying it to the in-memory indices, and returns the byte
// offset of the last valid record boundary plus a count of records that
// had to be discarded because the tail was torn or corrupt.
func (l *Log) replay() (validEnd int64, discarded int, err error) {
	if _, err := l.file.Seek(0, io.SeekStart); err != nil {
		return 0, 0, err
	}
	r := &countingReader{r: l.file}

	for {
		startOffset := r.n
		header := make([]byte, frameHeaderSize)
		if _, err := io.ReadFull(r, header); err != nil {
			if err == io.EOF {
				return startOffset, discarded, nil
			}
			// Short read on the length prefix itself: torn tail.
			discarded++
			return startOffset, discarded, nil
		}
		payloadLen := binary.LittleEndian.Uint32(header)

		body := make([]byte, int(payloadLen)+frameChecksumSize)
		if _, err := io.ReadFull(r, body); err != nil {
			// Not enough bytes left for the declared payload+checksum:
			// torn tail, discard from startOffset.
			discarded++
			return startOffset, discarded, nil
		}
		payload := body[:payloadLen]
		wantSum := binary.LittleEndian.Uint64(body[payloadLen:])
		if xxhash.Sum64(payload) != wantSum {
			discarded++
			return startOffset, discarded, nil
		}

		rec, err := decodePayload(payload)
		if err != nil {
			discarded++
			return startOffset, discarded, nil
		}
		l.apply(rec)
	}
}

// apply mutates the in-memory indices for one decoded record. Callers
// hold l.mu or are inside Open before concurrent access is possible.
func (l *Log) apply(rec record) {
	switch rec.Kind {
	case kindVersionAdded:
		if _, ok := l.byID[rec.ID]; ok {
			// Idempotent replay of an already-seen id.
			return
		}
		l.entries = append(l.entries, pathvfs.VersionEntry{
			ID:        rec.ID,
			TypeName:  rec.TypeName,
			Timestamp: time.Unix(0, rec.Timestamp).UTC(),
		})
		l.byID[rec.ID] = len(l.entries) - 1
	case kindVersionCompleted:
		l.completed[rec.ID] = true
	case kindHeadSet:
		id := rec.ID
		l.head = &id
	case kindHeadCleared:
		l.head = nil
	}
}

// appendRecord frames and writes rec, fsyncing before returning so that a
// crash after this call guarantees the record is visible on restart.
func (l *Log) appendRecord(rec record) error {
	framed := frame(encodePayload(rec))
	if _, err := l.file.Write(framed); err != nil {
		return resourceerr.Wrap(resourceerr.IOError, l.path, "write version record", err)
	}
	if err := l.file.Sync(); err != nil {
		return resourceerr.Wrap(resourceerr.IOError, l.path, "fsync version log", err)
	}
	l.apply(rec)
	return nil
}

// AddVersion appends a VersionAdded record. Idempotent on entry.ID: a
// second call with the same id and the same TypeName is a no-op; a
// different TypeName is a Conflict error.
func (l *Log) AddVersion(entry pathvfs.VersionEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if idx, ok := l.byID[entry.ID]; ok {
		existing := l.entries[idx]
		if existing.TypeName == entry.TypeName {
			return nil
		}
		return resourceerr.New(resourceerr.Conflict, "", fmt.Sprintf(
			"version %s already exists as %s, cannot add as %s",
			entry.ID, existing.TypeName, entry.TypeName))
	}

	return l.appendRecord(record{
		Kind:      kindVersionAdded,
		ID:        entry.ID,
		TypeName:  entry.TypeName,
		Timestamp: entry.Timestamp.UnixNano(),
	})
}

// CompleteVersion appends a VersionCompleted record. Errors if id is
// unknown; idempotent if already completed.
func (l *Log) CompleteVersion(id pathvfs.VersionID) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.byID[id]; !ok {
		return resourceerr.New(resourceerr.NotFound, "", fmt.Sprintf("version %s unknown", id))
	}
	if l.completed[id] {
		return nil
	}
	return l.appendRecord(record{Kind: kindVersionCompleted, ID: id})
}

// SetHead appends a HeadSet record. Requires id to already be completed;
// otherwise returns Corrupt.
func (l *Log) SetHead(id pathvfs.VersionID) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.completed[id] {
		return resourceerr.New(resourceerr.Corrupt, "", fmt.Sprintf("version %s is not completed, cannot set as head", id))
	}
	return l.appendRecord(record{Kind: kindHeadSet, ID: id})
}

// ClearHead appends a HeadCleared record. Idempotent.
func (l *Log) ClearHead() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.head == nil {
		return nil
	}
	return l.appendRecord(record{Kind: kindHeadCleared})
}

// Find returns the VersionEntry for id, if known.
func (l *Log) Find(id pathvfs.VersionID) (pathvfs.VersionEntry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	idx, ok := l.byID[id]
	if !ok {
		return pathvfs.VersionEntry{}, false
	}
	return l.entries[idx], true
}

// IsCompleted reports whether id has a VersionCompleted record.
func (l *Log) IsCompleted(id pathvfs.VersionID) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.completed[id]
}

// Current returns the latest HeadSet entry not superseded by a
// HeadCleared, or false if there is none.
func (l *Log) Current() (pathvfs.VersionEntry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.head == nil {
		return pathvfs.VersionEntry{}, false
	}
	idx, ok := l.byID[*l.head]
	if !ok {
		return pathvfs.VersionEntry{}, false
	}
	return l.entries[idx], true
}

// Close flushes and releases the underlying file handle.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.file.Close(); err != nil {
		return resourceerr.Wrap(resourceerr.IOError, l.path, "close version log", err)
	}
	return nil
}

// PeekCurrent opens filePath read-only, replays it, and returns the
// current head entry, without truncating a torn tail or otherwise
// mutating the file. Used by read-only discovery paths (PathRouter's
// child/metadata listing) that must not race a live PathManager's writer
// holding the same file open for appends. Unlike Open, this never calls
// Truncate, which operates at the filesystem level and would be unsafe to
// issue against a file another file descriptor is actively appending to.
func PeekCurrent(filePath string) (pathvfs.VersionEntry, bool, error) {
	f, err := os.Open(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return pathvfs.VersionEntry{}, false, nil
		}
		return pathvfs.VersionEntry{}, false, resourceerr.Wrap(resourceerr.IOError, filePath, "open version log for peek", err)
	}
	defer f.Close()

	l := &Log{
		file:      f,
		path:      filePath,
		byID:      make(map[pathvfs.VersionID]int),
		completed: make(map[pathvfs.VersionID]bool),
	}
	if _, _, err := l.replay(); err != nil {
		return pathvfs.VersionEntry{}, false, resourceerr.Wrap(resourceerr.IOError, filePath, "replay version log for peek", err)
	}
	entry, ok := l.Current()
	return entry, ok, nil
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
