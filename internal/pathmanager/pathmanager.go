// Package pathmanager implements PathManager, the single-writer actor
// that owns one path's version log and live resource handles and drives
// the ingest-event state machine. Each manager drains a mailbox channel
// with exactly one goroutine, so submission order becomes the apply
// order and no two messages for the same path ever run concurrently.
package pathmanager

import (
	"bytes"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/i5heu/ouroboros-vfs/internal/pathutil"
	"github.com/i5heu/ouroboros-vfs/internal/resource"
	"github.com/i5heu/ouroboros-vfs/internal/version"
	"github.com/i5heu/ouroboros-vfs/pathvfs"
	"github.com/i5heu/ouroboros-vfs/pathvfs/resourceerr"
)

// QuiescenceTimeout is how long a PathManager waits with an empty mailbox
// before flushing its open projections and notifying its OnQuiescent
// callback, which PathRouter uses to decide when a path is safe to evict
// from its live cache.
var QuiescenceTimeout = 30 * time.Second

// ShutdownTimeout bounds how long Shutdown waits for the mailbox goroutine
// to drain before closing resources anyway.
var ShutdownTimeout = 10 * time.Second

type job struct {
	off       pathvfs.Offset
	canCreate bool
	reply     chan error
}

// PathManager serializes all ingest traffic for one logical path through
// a single goroutine, giving FIFO, single-writer apply semantics.
type PathManager struct {
	path    pathvfs.Path
	dir     string
	log     *version.Log
	builder *resource.Builder
	logger  *zap.Logger

	mailbox   chan job
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	mu     sync.Mutex
	open   map[pathvfs.VersionID]resource.Resource
	closed bool

	writeCount uint64
	readCount  uint64

	// OnQuiescent, if set, is invoked after QuiescenceTimeout elapses with
	// no mailbox traffic, after open projections have been flushed.
	OnQuiescent func(pathvfs.Path)

	// OnInvalidate, if set, receives the companion cached sub-path to
	// archive after a script blob completes. It is a message-send
	// capability back into the router; failures are the router's to log
	// and swallow.
	OnInvalidate func(pathvfs.Path)
}

// New opens (or creates) the PathManager rooted at baseDir for path,
// starting its mailbox goroutine.
func New(baseDir string, path pathvfs.Path, builder *resource.Builder, logger *zap.Logger) (*PathManager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	dir, err := pathutil.EnsureDir(baseDir, path)
	if err != nil {
		return nil, resourceerr.Wrap(resourceerr.IOError, string(path), "ensure path directory", err)
	}
	logFile, err := version.Open(pathutil.VersionLogPath(dir), nil)
	if err != nil {
		return nil, err
	}

	pm := &PathManager{
		path:    path,
		dir:     dir,
		log:     logFile,
		builder: builder,
		logger:  logger.With(zap.String("path", string(path.Normalize()))),
		mailbox: make(chan job, 64),
		done:    make(chan struct{}),
		open:    make(map[pathvfs.VersionID]resource.Resource),
	}
	pm.wg.Add(1)
	go pm.run()
	return pm, nil
}

// Submit enqueues off and blocks until it has been applied, returning the
// resourceerr.Error (if any) produced while applying it. Submission order
// across callers becomes apply order. canCreate carries the router's
// permission resolution for Append stream refs; it is ignored for every
// other kind. A positive timeout bounds the wait and a timeout error is
// returned on expiry. If the job was already enqueued, the operation
// itself still runs to completion and its late reply is discarded; if the
// deadline passes before the mailbox accepts it, the job is not run.
func (pm *PathManager) Submit(off pathvfs.Offset, canCreate bool, timeout time.Duration) error {
	reply := make(chan error, 1)
	j := job{off: off, canCreate: canCreate, reply: reply}

	var deadline <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		deadline = t.C
	}

	select {
	case pm.mailbox <- j:
	case <-pm.done:
		return resourceerr.New(resourceerr.IOError, string(pm.path), "path manager shut down")
	case <-deadline:
		return resourceerr.New(resourceerr.IOError, string(pm.path), "ingest deadline exceeded")
	}
	select {
	case err := <-reply:
		return err
	case <-deadline:
		return resourceerr.New(resourceerr.IOError, string(pm.path), "ingest deadline exceeded")
	}
}

func (pm *PathManager) run() {
	defer pm.wg.Done()
	timer := time.NewTimer(QuiescenceTimeout)
	defer timer.Stop()

	for {
		select {
		case j := <-pm.mailbox:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			j.reply <- pm.apply(j.off, j.canCreate)
			timer.Reset(QuiescenceTimeout)
		case <-timer.C:
			pm.quiesce()
			if pm.OnQuiescent != nil {
				pm.OnQuiescent(pm.path)
			}
			timer.Reset(QuiescenceTimeout)
		case <-pm.done:
			return
		}
	}
}

// quiesce flushes every open projection's in-memory state, keeping the
// handles valid for further writes.
func (pm *PathManager) quiesce() {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	for id, res := range pm.open {
		if proj, ok := res.(*resource.ProjectionResource); ok {
			if err := proj.Flush(); err != nil {
				pm.logger.Warn("quiesce flush failed", zap.String("version", id.String()), zap.Error(err))
			}
		}
	}
}

// apply dispatches one message to the handler for its event kind.
func (pm *PathManager) apply(off pathvfs.Offset, canCreate bool) error {
	pm.mu.Lock()
	pm.writeCount++
	pm.mu.Unlock()

	switch off.Message.Kind {
	case pathvfs.EventIngest:
		return pm.persistProjection(off, canCreate)
	case pathvfs.EventStoreFile:
		return pm.persistBlob(off)
	case pathvfs.EventArchive:
		return pm.archive()
	default:
		return resourceerr.New(resourceerr.IllegalWriteRequest, string(pm.path), fmt.Sprintf("unknown event kind %d", off.Message.Kind))
	}
}

// persistProjection implements the Ingest arm of the state machine.
// Create may establish a version only when the path has no current head
// and the stream id was never completed; Replace only requires the id to
// not be completed; Append is gated by the router's permission
// resolution.
func (pm *PathManager) persistProjection(off pathvfs.Offset, canCreate bool) error {
	msg := off.Message
	ref := msg.StreamRef

	var sid pathvfs.VersionID
	var createIfAbsent, terminal bool

	switch ref.Kind {
	case pathvfs.StreamCreate:
		sid, terminal = ref.StreamID, ref.Terminal
		_, hasHead := pm.log.Current()
		createIfAbsent = !hasHead && !pm.log.IsCompleted(sid)
	case pathvfs.StreamReplace:
		sid, terminal = ref.StreamID, ref.Terminal
		createIfAbsent = !pm.log.IsCompleted(sid)
	case pathvfs.StreamAppend:
		if cur, ok := pm.log.Current(); ok {
			sid = cur.ID
		} else {
			sid = pathvfs.NewVersionID()
		}
		createIfAbsent = canCreate
		terminal = true
	default:
		return resourceerr.New(resourceerr.IllegalWriteRequest, string(pm.path), "unknown stream ref kind")
	}

	if entry, ok := pm.log.Find(sid); ok {
		if entry.TypeName != pathvfs.ResourceProjection {
			if ref.Kind == pathvfs.StreamAppend {
				return resourceerr.New(resourceerr.IllegalWriteRequest, string(pm.path), "cannot append records to a blob")
			}
			return resourceerr.New(resourceerr.Conflict, string(pm.path), fmt.Sprintf(
				"stream %s already exists as %s, cannot ingest as projection", sid, entry.TypeName))
		}
		proj, err := pm.openProjectionHandle(entry)
		if err != nil {
			return err
		}
		if err := proj.Append(off.Index, msg.Data); err != nil {
			return err
		}
		if terminal {
			return pm.finalize(sid, proj.Flush)
		}
		return nil
	}

	if !createIfAbsent {
		if ref.Kind == pathvfs.StreamAppend {
			return resourceerr.New(resourceerr.PermissionDenied, string(pm.path), "no permission to create a version here")
		}
		return resourceerr.New(resourceerr.IllegalWriteRequest, string(pm.path), fmt.Sprintf(
			"stream %s may not be created here (already completed, or path has a head)", sid))
	}

	if err := pm.log.AddVersion(pathvfs.VersionEntry{ID: sid, TypeName: pathvfs.ResourceProjection, Timestamp: time.Now().UTC()}); err != nil {
		return err
	}
	pm.mu.Lock()
	proj, err := pm.builder.CreateProjection(pathutil.VersionDir(pm.dir, sid.String()), msg.WriteAs)
	if err == nil {
		pm.open[sid] = proj
	}
	pm.mu.Unlock()
	if err != nil {
		return err
	}
	if err := proj.Append(off.Index, msg.Data); err != nil {
		return err
	}
	if terminal {
		return pm.finalize(sid, proj.Flush)
	}
	return nil
}

// persistBlob implements the StoreFile arm. Only the create-if-absent
// path is supported; blob streams cannot be appended to. A non-terminal
// blob create is accepted but flagged, since no continuation protocol
// exists to deliver subsequent parts.
func (pm *PathManager) persistBlob(off pathvfs.Offset) error {
	msg := off.Message
	ref := msg.StreamRef

	if ref.Kind == pathvfs.StreamAppend {
		return resourceerr.New(resourceerr.IllegalWriteRequest, string(pm.path), "blobs do not support append stream refs")
	}

	sid, terminal := ref.StreamID, ref.Terminal
	var createIfAbsent bool
	switch ref.Kind {
	case pathvfs.StreamCreate:
		_, hasHead := pm.log.Current()
		createIfAbsent = !hasHead && !pm.log.IsCompleted(sid)
	case pathvfs.StreamReplace:
		createIfAbsent = !pm.log.IsCompleted(sid)
	}

	if entry, ok := pm.log.Find(sid); ok {
		if entry.TypeName != pathvfs.ResourceBlob {
			return resourceerr.New(resourceerr.Conflict, string(pm.path), fmt.Sprintf(
				"stream %s already exists as %s, cannot store a file", sid, entry.TypeName))
		}
		return resourceerr.New(resourceerr.IllegalWriteRequest, string(pm.path), fmt.Sprintf(
			"blob stream %s already exists and cannot be extended", sid))
	}
	if !createIfAbsent {
		return resourceerr.New(resourceerr.IllegalWriteRequest, string(pm.path), fmt.Sprintf(
			"blob stream %s may not be created here (already completed, or path has a head)", sid))
	}

	if err := pm.log.AddVersion(pathvfs.VersionEntry{ID: sid, TypeName: pathvfs.ResourceBlob, Timestamp: time.Now().UTC()}); err != nil {
		return err
	}
	pm.mu.Lock()
	blob, err := pm.builder.CreateBlob(pathutil.VersionDir(pm.dir, sid.String()), msg.Content.MimeType, msg.WriteAs)
	if err == nil {
		pm.open[sid] = blob
	}
	pm.mu.Unlock()
	if err != nil {
		return err
	}
	if err := blob.Append(bytes.NewReader(msg.Content.Bytes)); err != nil {
		return err
	}

	if !terminal {
		pm.logger.Warn("accepted non-terminal blob create; the stream will not observe subsequent parts",
			zap.String("version", sid.String()))
		return nil
	}
	if err := pm.finalize(sid, blob.Seal); err != nil {
		return err
	}
	pm.maybeInvalidateCache(blob)
	return nil
}

// finalize flushes the resource, then records completion and head
// promotion as two separate durable log records, complete first. A crash
// between the two leaves a completed-but-not-head version, which restart
// treats as archived; no recovery-time inference is attempted.
func (pm *PathManager) finalize(id pathvfs.VersionID, flush func() error) error {
	if err := flush(); err != nil {
		return err
	}
	if err := pm.log.CompleteVersion(id); err != nil {
		return err
	}
	return pm.log.SetHead(id)
}

// maybeInvalidateCache archives the companion cached sub-path after a
// script blob completes, by handing the router a fire-and-forget send.
func (pm *PathManager) maybeInvalidateCache(blob *resource.BlobResource) {
	if blob.MimeType() != pathvfs.MimeQuirrelScript || pm.OnInvalidate == nil {
		return
	}
	pm.OnInvalidate(pm.path.Child(pathvfs.CachedChild))
}

// archive clears the path's head, leaving every prior version on disk and
// openable by explicit id.
func (pm *PathManager) archive() error {
	return pm.log.ClearHead()
}

// openProjectionHandle returns the cached live projection handle for an
// entry known to the log, opening it from disk if necessary.
func (pm *PathManager) openProjectionHandle(entry pathvfs.VersionEntry) (*resource.ProjectionResource, error) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	res, err := pm.openVersionLocked(entry)
	if err != nil {
		return nil, err
	}
	proj, ok := res.(*resource.ProjectionResource)
	if !ok {
		return nil, resourceerr.New(resourceerr.Conflict, string(pm.path), "version is not a projection")
	}
	return proj, nil
}

// openVersionLocked returns the cached resource handle for a version the
// log already knows, opening its directory per the on-disk marker. A
// version present in the log whose directory is missing or holds no
// recognizable resource marker is Corrupt; an error from opening a
// recognized resource is returned as the builder reported it. Callers
// hold pm.mu.
func (pm *PathManager) openVersionLocked(entry pathvfs.VersionEntry) (resource.Resource, error) {
	if res, ok := pm.open[entry.ID]; ok {
		return res, nil
	}
	versionDir := pathutil.VersionDir(pm.dir, entry.ID.String())

	var res resource.Resource
	var err error
	switch resource.Detect(versionDir) {
	case pathvfs.ResourceProjection:
		res, err = pm.builder.OpenProjection(versionDir)
	case pathvfs.ResourceBlob:
		res, err = pm.builder.OpenBlob(versionDir)
	default:
		return nil, resourceerr.New(resourceerr.Corrupt, string(pm.path), fmt.Sprintf(
			"version %s is recorded but its directory holds no recognizable resource", entry.ID))
	}
	if err != nil {
		return nil, err
	}
	pm.open[entry.ID] = res
	return res, nil
}

// CurrentVersion returns the path's current head entry, if any.
func (pm *PathManager) CurrentVersion() (pathvfs.VersionEntry, bool) {
	return pm.log.Current()
}

// Counters reports the number of writes applied and reads served since the
// manager was opened.
func (pm *PathManager) Counters() (writes, reads uint64) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	return pm.writeCount, pm.readCount
}

// OpenCurrentResource returns the live resource handle for the current
// head version, opening it from disk if necessary.
func (pm *PathManager) OpenCurrentResource() (resource.Resource, error) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.readCount++
	cur, ok := pm.log.Current()
	if !ok {
		return nil, resourceerr.New(resourceerr.NotFound, string(pm.path), "no current version")
	}
	return pm.openVersionLocked(cur)
}

// OpenVersion resolves v against this path's version log and returns the
// live resource handle for the current head or a specific archived id.
// An archived id that was never recorded in the log is Corrupt.
func (pm *PathManager) OpenVersion(v pathvfs.Version) (resource.Resource, error) {
	if !v.Archived {
		return pm.OpenCurrentResource()
	}

	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.readCount++
	entry, ok := pm.log.Find(v.ID)
	if !ok {
		return nil, resourceerr.New(resourceerr.Corrupt, string(pm.path), fmt.Sprintf("version %s not found in log", v.ID))
	}
	return pm.openVersionLocked(entry)
}

// Shutdown stops the mailbox goroutine and closes every open resource and
// the version log, bounded by ShutdownTimeout. It does not drain in-flight
// Submit calls; callers must stop submitting before calling Shutdown.
func (pm *PathManager) Shutdown() error {
	pm.closeOnce.Do(func() { close(pm.done) })

	drained := make(chan struct{})
	go func() {
		pm.wg.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(ShutdownTimeout):
		pm.logger.Warn("shutdown timeout elapsed before mailbox drained")
	}

	pm.mu.Lock()
	defer pm.mu.Unlock()
	if pm.closed {
		return nil
	}
	pm.closed = true
	var firstErr error
	for _, res := range pm.open {
		if err := res.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	pm.open = make(map[pathvfs.VersionID]resource.Resource)
	if err := pm.log.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
