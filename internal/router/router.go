// Package router implements PathRouter: the bounded LRU of live
// PathManager actors, directory discovery that never materializes a
// manager, and the IngestData entry point that groups a batch of
// EventMessages by path and dispatches each group in order. Eviction
// flushes rather than discards state, since a PathManager's version log
// is durable and safe to reopen later.
package router

import (
	"container/list"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/i5heu/ouroboros-vfs/internal/dirindex"
	"github.com/i5heu/ouroboros-vfs/internal/pathmanager"
	"github.com/i5heu/ouroboros-vfs/internal/pathutil"
	"github.com/i5heu/ouroboros-vfs/internal/permission"
	"github.com/i5heu/ouroboros-vfs/internal/resource"
	"github.com/i5heu/ouroboros-vfs/pathvfs"
	"github.com/i5heu/ouroboros-vfs/pathvfs/resourceerr"
)

// DefaultMaxLiveManagers bounds the number of PathManager actors kept
// live at once before the router evicts the least-recently-used one.
const DefaultMaxLiveManagers = 256

// Default request deadlines, overridable via SetTimeouts: one class for
// reads and metadata queries, one for writes.
const (
	DefaultProjectionReadTimeout = 30 * time.Second
	DefaultSliceIngestTimeout    = 2 * time.Minute
)

type lruEntry struct {
	path    pathvfs.Path
	manager *pathmanager.PathManager
}

// Router owns the bounded set of live PathManagers and the permission
// resolver used to authorize writes before they reach one.
type Router struct {
	baseDir       string
	builder       *resource.Builder
	resolver      permission.Resolver
	idx           *dirindex.Index
	logger        *zap.Logger
	maxLive       int
	readTimeout   time.Duration
	ingestTimeout time.Duration

	mu     sync.Mutex
	byPath map[pathvfs.Path]*list.Element
	lru    *list.List // front = most recently used
}

// New constructs a Router rooted at baseDir.
func New(baseDir string, resolver permission.Resolver, idx *dirindex.Index, logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{
		baseDir:       baseDir,
		builder:       resource.NewBuilder(nil),
		resolver:      resolver,
		idx:           idx,
		logger:        logger,
		maxLive:       DefaultMaxLiveManagers,
		readTimeout:   DefaultProjectionReadTimeout,
		ingestTimeout: DefaultSliceIngestTimeout,
		byPath:        make(map[pathvfs.Path]*list.Element),
		lru:           list.New(),
	}
}

// SetMaxLive overrides the bounded live-manager count. Intended to be
// called once, right after New, before any path traffic arrives.
func (r *Router) SetMaxLive(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.maxLive = n
}

// SetTimeouts overrides the per-request deadlines. A zero value keeps the
// corresponding default; a negative one disables the deadline.
func (r *Router) SetTimeouts(read, ingest time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if read != 0 {
		r.readTimeout = read
	}
	if ingest != 0 {
		r.ingestTimeout = ingest
	}
}

// managerFor returns the live PathManager for path, opening it (and
// evicting the LRU victim if the live set is full) if not already live.
func (r *Router) managerFor(path pathvfs.Path) (*pathmanager.PathManager, error) {
	norm := path.Normalize()
	r.mu.Lock()
	defer r.mu.Unlock()

	if el, ok := r.byPath[norm]; ok {
		r.lru.MoveToFront(el)
		return el.Value.(*lruEntry).manager, nil
	}

	if r.lru.Len() >= r.maxLive {
		victim := r.lru.Back()
		if victim != nil {
			r.evictLocked(victim)
		}
	}

	pm, err := pathmanager.New(r.baseDir, norm, r.builder, r.logger)
	if err != nil {
		return nil, err
	}
	pm.OnQuiescent = r.onQuiescent
	pm.OnInvalidate = r.invalidateCached

	entry := &lruEntry{path: norm, manager: pm}
	el := r.lru.PushFront(entry)
	r.byPath[norm] = el

	r.refreshIndex(norm, pm)
	return pm, nil
}

// refreshIndex records path's current head type in the directory index.
// Called whenever a manager is opened or has just applied writes, so the
// index tracks every transition that goes through this router.
func (r *Router) refreshIndex(path pathvfs.Path, pm *pathmanager.PathManager) {
	if r.idx == nil {
		return
	}
	typ := pathvfs.ResourceUnknown
	if cur, ok := pm.CurrentVersion(); ok {
		typ = cur.TypeName
	}
	_ = r.idx.MarkKnown(path, typ)
}

// evictLocked flushes and shuts down the manager at el and removes it
// from the live set. Callers hold r.mu.
func (r *Router) evictLocked(el *list.Element) {
	entry := el.Value.(*lruEntry)
	r.lru.Remove(el)
	delete(r.byPath, entry.path)
	go func() {
		if err := entry.manager.Shutdown(); err != nil {
			r.logger.Warn("error flushing evicted path manager",
				zap.String("path", string(entry.path)), zap.Error(err))
		}
	}()
}

// onQuiescent is the PathManager.OnQuiescent callback: a path with no
// recent traffic is proactively evicted so its resources are closed.
func (r *Router) onQuiescent(path pathvfs.Path) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if el, ok := r.byPath[path]; ok {
		r.evictLocked(el)
	}
}

// invalidateCached is the PathManager.OnInvalidate capability: it archives
// the companion cached sub-path after a script blob completes. The send is
// fire-and-forget; failures are logged and swallowed.
func (r *Router) invalidateCached(target pathvfs.Path) {
	go func() {
		pm, err := r.managerFor(target)
		if err == nil {
			err = pm.Submit(pathvfs.Offset{Message: pathvfs.EventMessage{
				Kind:      pathvfs.EventArchive,
				Path:      target,
				Timestamp: time.Now().UTC(),
			}}, false, r.ingestTimeout)
		}
		if err != nil {
			r.logger.Warn("cache invalidation failed",
				zap.String("path", string(target)), zap.Error(err))
			return
		}
		r.refreshIndex(target.Normalize(), pm)
	}()
}

// IngestData groups offs by path and submits each path's group to its
// PathManager in the given offset order, resolving permissions once per
// batch for Append stream refs before dispatch. Create/Replace trust the
// stream ref; only Append, which can establish a version without a
// client-chosen id, is gated by canCreate. Returns a compound
// resourceerr.Error aggregating every message-level failure, or nil if
// every message succeeded.
func (r *Router) IngestData(apiKey string, offs []pathvfs.Offset) error {
	byPath := make(map[pathvfs.Path][]pathvfs.Offset)
	order := make([]pathvfs.Path, 0)
	for _, off := range offs {
		norm := off.Message.Path.Normalize()
		if _, seen := byPath[norm]; !seen {
			order = append(order, norm)
		}
		byPath[norm] = append(byPath[norm], off)
	}

	var wg sync.WaitGroup
	errs := make([]error, len(order))
	for i, path := range order {
		i, path := i, path
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = r.ingestPath(apiKey, path, byPath[path])
		}()
	}
	wg.Wait()

	return resourceerr.NewCompound(errs...)
}

func (r *Router) ingestPath(apiKey string, path pathvfs.Path, offs []pathvfs.Offset) error {
	pm, err := r.managerFor(path)
	if err != nil {
		return err
	}

	// One permission resolution per batch per path, reused across the
	// group's Append messages.
	var canCreate bool
	var authorities pathvfs.Authorities
	var resolved bool

	var group []error
	for _, off := range offs {
		if off.Message.StreamRef.Kind == pathvfs.StreamAppend {
			if !resolved {
				authorities, err = permission.Authorize(r.resolver, apiKey, path)
				canCreate = err == nil
				resolved = true
			}
			if canCreate {
				off.Message.WriteAs = authorities
			}
		}
		if err := pm.Submit(off, canCreate, r.ingestTimeout); err != nil {
			group = append(group, err)
		}
	}
	r.refreshIndex(path, pm)
	return resourceerr.NewCompound(group...)
}

// FindChildren performs a one-level directory listing under path without
// materializing a PathManager. With the directory index enabled, each
// child's resource type is looked up there first, so only index misses
// pay for a version-log peek.
func (r *Router) FindChildren(path pathvfs.Path) ([]pathutil.ChildMetadata, error) {
	if r.idx == nil {
		return pathutil.FindChildren(r.baseDir, path, nil)
	}
	return pathutil.FindChildren(r.baseDir, path, r.idx.Lookup)
}

// FindPathMetadata returns a single PathMetadata for path without
// materializing a PathManager, or a NotFound resourceerr.Error if path has
// no on-disk presence at all. The directory index, when enabled, answers
// the type lookup first; a miss falls back to peeking the version log and
// backfills the index, and a stale entry for a vanished path is dropped.
func (r *Router) FindPathMetadata(path pathvfs.Path) (pathvfs.PathMetadata, error) {
	norm := path.Normalize()
	if !pathutil.Exists(r.baseDir, norm) {
		if r.idx != nil {
			_ = r.idx.Forget(norm)
		}
		return pathvfs.PathMetadata{}, resourceerr.New(resourceerr.NotFound, string(norm), "path has no on-disk presence")
	}
	if r.idx != nil {
		if typ, ok := r.idx.Lookup(norm); ok {
			return pathvfs.PathMetadata{Path: norm, Type: typ}, nil
		}
	}
	typ, _, err := pathutil.DetectCurrentType(r.baseDir, norm)
	if err != nil {
		return pathvfs.PathMetadata{}, err
	}
	if r.idx != nil {
		_ = r.idx.MarkKnown(norm, typ)
	}
	return pathvfs.PathMetadata{Path: norm, Type: typ}, nil
}

// withDeadline runs f, bounding the caller's wait by d. The operation
// itself runs to completion either way; on expiry the late result is
// discarded and a timeout error surfaced.
func withDeadline[T any](d time.Duration, f func() (T, error)) (T, error) {
	if d <= 0 {
		return f()
	}
	type outcome struct {
		v   T
		err error
	}
	ch := make(chan outcome, 1)
	go func() {
		v, err := f()
		ch <- outcome{v, err}
	}()
	select {
	case o := <-ch:
		return o.v, o.err
	case <-time.After(d):
		var zero T
		return zero, resourceerr.New(resourceerr.IOError, "", "read deadline exceeded")
	}
}

// CurrentVersion returns the current head VersionEntry for path, opening
// its PathManager if necessary.
func (r *Router) CurrentVersion(path pathvfs.Path) (pathvfs.VersionEntry, bool, error) {
	type cur struct {
		entry pathvfs.VersionEntry
		ok    bool
	}
	c, err := withDeadline(r.readTimeout, func() (cur, error) {
		pm, err := r.managerFor(path)
		if err != nil {
			return cur{}, err
		}
		entry, ok := pm.CurrentVersion()
		return cur{entry, ok}, nil
	})
	return c.entry, c.ok, err
}

// ReadResource returns the live resource handle for path at the requested
// version (current head, or a specific archived id).
func (r *Router) ReadResource(path pathvfs.Path, v pathvfs.Version) (resource.Resource, error) {
	return withDeadline(r.readTimeout, func() (resource.Resource, error) {
		pm, err := r.managerFor(path)
		if err != nil {
			return nil, err
		}
		return pm.OpenVersion(v)
	})
}

// Shutdown flushes and closes every live PathManager.
func (r *Router) Shutdown() error {
	r.mu.Lock()
	elements := make([]*list.Element, 0, r.lru.Len())
	for el := r.lru.Front(); el != nil; el = el.Next() {
		elements = append(elements, el)
	}
	r.mu.Unlock()

	var firstErr error
	for _, el := range elements {
		entry := el.Value.(*lruEntry)
		if err := entry.manager.Shutdown(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
