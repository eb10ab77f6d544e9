package version

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/i5heu/ouroboros-vfs/pathvfs"
)

func newTestLog(t *testing.T) (*Log, string) {
	t.Helper()
	dir := t.TempDir()
	p := filepath.Join(dir, "version.log")
	l, err := Open(p, nil)
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l, p
}

func TestAddCompleteSetHead(t *testing.T) {
	l, _ := newTestLog(t)

	id := pathvfs.NewVersionID()
	entry := pathvfs.VersionEntry{ID: id, TypeName: pathvfs.ResourceProjection, Timestamp: time.Now()}

	require.NoError(t, l.AddVersion(entry))
	_, ok := l.Find(id)
	require.True(t, ok)
	require.False(t, l.IsCompleted(id))

	require.NoError(t, l.CompleteVersion(id))
	require.True(t, l.IsCompleted(id))

	require.NoError(t, l.SetHead(id))
	cur, ok := l.Current()
	require.True(t, ok)
	require.Equal(t, id, cur.ID)

	require.NoError(t, l.ClearHead())
	_, ok = l.Current()
	require.False(t, ok)
}

func TestAddVersionIdempotent(t *testing.T) {
	l, _ := newTestLog(t)
	id := pathvfs.NewVersionID()
	entry := pathvfs.VersionEntry{ID: id, TypeName: pathvfs.ResourceBlob, Timestamp: time.Now()}

	require.NoError(t, l.AddVersion(entry))
	require.NoError(t, l.AddVersion(entry)) // same type, no-op

	conflicting := pathvfs.VersionEntry{ID: id, TypeName: pathvfs.ResourceProjection, Timestamp: time.Now()}
	err := l.AddVersion(conflicting)
	require.Error(t, err)
}

func TestCompleteVersionUnknown(t *testing.T) {
	l, _ := newTestLog(t)
	err := l.CompleteVersion(pathvfs.NewVersionID())
	require.Error(t, err)
}

func TestSetHeadRequiresCompletion(t *testing.T) {
	l, _ := newTestLog(t)
	id := pathvfs.NewVersionID()
	require.NoError(t, l.AddVersion(pathvfs.VersionEntry{ID: id, TypeName: pathvfs.ResourceProjection, Timestamp: time.Now()}))

	err := l.SetHead(id)
	require.Error(t, err)
}

// TestRecoveryAfterTornTail simulates a crash mid-write: a record is
// appended and fsynced, then a second, truncated record is appended
// without its trailing checksum, and the log is reopened. The valid
// head record must survive; the torn tail must be dropped and reported.
func TestRecoveryAfterTornTail(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "version.log")

	l, err := Open(p, nil)
	require.NoError(t, err)

	id := pathvfs.NewVersionID()
	require.NoError(t, l.AddVersion(pathvfs.VersionEntry{ID: id, TypeName: pathvfs.ResourceProjection, Timestamp: time.Now()}))
	require.NoError(t, l.CompleteVersion(id))
	require.NoError(t, l.SetHead(id))
	require.NoError(t, l.Close())

	// Append a torn frame: a length prefix claiming a large payload that
	// was never actually written.
	f, err := os.OpenFile(p, os.O_RDWR|os.O_APPEND, 0o644)
	require.NoError(t, err)
	header := make([]byte, 4)
	binary.LittleEndian.PutUint32(header, 9999)
	_, err = f.Write(header)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	reopened, err := Open(p, nil)
	require.NoError(t, err)
	defer reopened.Close()

	require.Equal(t, 1, reopened.TruncatedRecords)

	cur, ok := reopened.Current()
	require.True(t, ok)
	require.Equal(t, id, cur.ID)

	// A fresh write after recovery must succeed and be durable.
	id2 := pathvfs.NewVersionID()
	require.NoError(t, reopened.AddVersion(pathvfs.VersionEntry{ID: id2, TypeName: pathvfs.ResourceBlob, Timestamp: time.Now()}))
	_, ok = reopened.Find(id2)
	require.True(t, ok)
}

func TestRecoveryAfterChecksumCorruption(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "version.log")

	l, err := Open(p, nil)
	require.NoError(t, err)
	id := pathvfs.NewVersionID()
	require.NoError(t, l.AddVersion(pathvfs.VersionEntry{ID: id, TypeName: pathvfs.ResourceProjection, Timestamp: time.Now()}))
	require.NoError(t, l.Close())

	// Flip a byte inside the payload region (after the 4-byte length
	// prefix) so the trailing checksum no longer matches.
	raw, err := os.ReadFile(p)
	require.NoError(t, err)
	require.Greater(t, len(raw), frameHeaderSize+1)
	raw[frameHeaderSize] ^= 0xff
	require.NoError(t, os.WriteFile(p, raw, 0o644))

	reopened, err := Open(p, nil)
	require.NoError(t, err)
	defer reopened.Close()

	require.Equal(t, 1, reopened.TruncatedRecords)
	_, ok := reopened.Find(id)
	require.False(t, ok)
}

func TestPeekCurrentDoesNotTruncateOrBlockLiveWriter(t *testing.T) {
	l, p := newTestLog(t)
	id := pathvfs.NewVersionID()
	require.NoError(t, l.AddVersion(pathvfs.VersionEntry{ID: id, TypeName: pathvfs.ResourceBlob, Timestamp: time.Now()}))
	require.NoError(t, l.CompleteVersion(id))
	require.NoError(t, l.SetHead(id))

	// Peek while l still holds the file open for writing.
	cur, ok, err := PeekCurrent(p)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, id, cur.ID)

	// The live writer must still be able to append after the peek.
	id2 := pathvfs.NewVersionID()
	require.NoError(t, l.AddVersion(pathvfs.VersionEntry{ID: id2, TypeName: pathvfs.ResourceBlob, Timestamp: time.Now()}))
	require.NoError(t, l.CompleteVersion(id2))
	require.NoError(t, l.SetHead(id2))

	cur, ok, err = PeekCurrent(p)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, id2, cur.ID)
}

func TestPeekCurrentMissingFile(t *testing.T) {
	_, ok, err := PeekCurrent(filepath.Join(t.TempDir(), "nope", "version.log"))
	require.NoError(t, err)
	require.False(t, ok)
}
