// Package dirindex is a supplementary badger-backed index of known paths
// and their current resource types, letting PathRouter answer child and
// metadata queries without replaying a version log per path.
package dirindex

import (
	"github.com/dgraph-io/badger/v4"
	"github.com/sirupsen/logrus"

	"github.com/i5heu/ouroboros-vfs/pathvfs"
	"github.com/i5heu/ouroboros-vfs/pathvfs/resourceerr"
)

// Index records which paths are known to have on-disk data and the
// resource type of each path's current head, keyed by normalized path
// string. The router refreshes an entry whenever it opens a path's
// manager or applies a write batch to it, and backfills on metadata
// lookups that had to fall through to the filesystem, so a lookup hit can
// stand in for a version-log replay.
type Index struct {
	db  *badger.DB
	log *logrus.Entry
}

// Open opens (or creates) the index at dir.
func Open(dir string, log *logrus.Entry) (*Index, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.New())
	}
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, resourceerr.Wrap(resourceerr.IOError, dir, "open directory index", err)
	}
	return &Index{db: db, log: log}, nil
}

func pathKey(path pathvfs.Path) []byte {
	return []byte("path/" + path.Normalize())
}

// MarkKnown records that path has on-disk data whose current head holds a
// resource of the given type (ResourceUnknown for a path with no current
// head). Overwrites any previous entry.
func (idx *Index) MarkKnown(path pathvfs.Path, typ pathvfs.ResourceType) error {
	err := idx.db.Update(func(txn *badger.Txn) error {
		return txn.Set(pathKey(path), []byte{byte(typ)})
	})
	if err != nil {
		return resourceerr.Wrap(resourceerr.IOError, string(path), "mark path known", err)
	}
	idx.log.WithField("path", string(path.Normalize())).WithField("type", typ.String()).Debug("dirindex: marked known")
	return nil
}

// Lookup returns the recorded resource type for path, and whether path
// has an entry at all. A hit with ResourceUnknown means the path is known
// but has no current head.
func (idx *Index) Lookup(path pathvfs.Path) (pathvfs.ResourceType, bool) {
	var typ pathvfs.ResourceType
	var found bool
	_ = idx.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(pathKey(path))
		if err != nil {
			return nil
		}
		return item.Value(func(val []byte) error {
			if len(val) == 1 {
				typ = pathvfs.ResourceType(val[0])
				found = true
			}
			return nil
		})
	})
	return typ, found
}

// IsKnown reports whether path has been marked known.
func (idx *Index) IsKnown(path pathvfs.Path) bool {
	_, ok := idx.Lookup(path)
	return ok
}

// Forget removes path from the index, used when a lookup discovers the
// entry is stale (the path no longer has any on-disk presence).
func (idx *Index) Forget(path pathvfs.Path) error {
	err := idx.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(pathKey(path))
	})
	if err != nil {
		return resourceerr.Wrap(resourceerr.IOError, string(path), "forget path", err)
	}
	return nil
}

// Close releases the underlying badger instance.
func (idx *Index) Close() error {
	if err := idx.db.Close(); err != nil {
		return resourceerr.Wrap(resourceerr.IOError, "", "close directory index", err)
	}
	return nil
}
