// Package vfs is the client-facing facade of the versioned, path-addressed
// virtual file system: Open wires a PathRouter, an optional directory
// index, and permission resolution together behind the six operations
// embedding systems use (WriteAll, WriteAllSync, ReadResource,
// FindDirectChildren, FindPathMetadata, CurrentVersion).
package vfs

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/i5heu/ouroboros-vfs/internal/dirindex"
	"github.com/i5heu/ouroboros-vfs/internal/pathmanager"
	"github.com/i5heu/ouroboros-vfs/internal/resource"
	"github.com/i5heu/ouroboros-vfs/internal/router"
	"github.com/i5heu/ouroboros-vfs/pathvfs"
	"github.com/i5heu/ouroboros-vfs/pathvfs/resourceerr"
)

// VFS is the opened, running instance. Safe for concurrent use by
// multiple goroutines; every per-path write is serialized by the
// underlying PathManager regardless of which goroutine calls in.
type VFS struct {
	cfg    Config
	router *router.Router
	idx    *dirindex.Index

	closed atomic.Bool
}

// Open creates (if absent) cfg.BaseDir and returns a running VFS rooted
// there. Call Close when done to flush and release every live path.
func Open(cfg Config) (*VFS, error) {
	cfg = cfg.fillDefaults()
	if cfg.BaseDir == "" {
		return nil, resourceerr.New(resourceerr.IOError, "", "Config.BaseDir must not be empty")
	}
	if err := os.MkdirAll(cfg.BaseDir, 0o755); err != nil {
		return nil, resourceerr.Wrap(resourceerr.IOError, cfg.BaseDir, "create base directory", err)
	}

	if cfg.QuiescenceTimeout > 0 {
		pathmanager.QuiescenceTimeout = cfg.QuiescenceTimeout
	}

	var idx *dirindex.Index
	if cfg.EnableDirIndex {
		var err error
		idx, err = dirindex.Open(filepath.Join(cfg.BaseDir, ".dirindex"), nil)
		if err != nil {
			return nil, err
		}
	}

	rtr := router.New(cfg.BaseDir, cfg.Permissions, idx, cfg.IngestLogger)
	if cfg.MaxOpenPaths > 0 {
		rtr.SetMaxLive(cfg.MaxOpenPaths)
	}
	rtr.SetTimeouts(cfg.ProjectionReadTimeout, cfg.SliceIngestTimeout)
	if cfg.ShutdownTimeout > 0 {
		pathmanager.ShutdownTimeout = cfg.ShutdownTimeout
	}

	return &VFS{cfg: cfg, router: rtr, idx: idx}, nil
}

// Close flushes and closes every live PathManager and the directory
// index, if enabled. Best-effort: a close failure on one component is
// logged and does not prevent the others from closing.
func (v *VFS) Close() error {
	if !v.closed.CompareAndSwap(false, true) {
		return nil
	}
	var firstErr error
	if err := v.router.Shutdown(); err != nil {
		v.cfg.Logger.Error("vfs: error shutting down router", "error", err)
		firstErr = err
	}
	if v.idx != nil {
		if err := v.idx.Close(); err != nil {
			v.cfg.Logger.Error("vfs: error closing directory index", "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// WriteAll hands offs to a background goroutine for ingestion and returns
// immediately, without waiting for dispatch or durability. Failures are logged rather
// than surfaced to the caller; use WriteAllSync when the result must be
// observed.
func (v *VFS) WriteAll(offs []pathvfs.Offset) {
	go func() {
		if err := v.WriteAllSync(offs); err != nil {
			v.cfg.Logger.Error("vfs: writeAll ingest failed", "error", err)
		}
	}()
}

// WriteAllSync groups offs by their message's APIKey so permissions are
// resolved once per key per batch, submits each group to the router, and
// waits for every group's result. All errors are preserved as a compound
// resourceerr error, not just the first.
func (v *VFS) WriteAllSync(offs []pathvfs.Offset) error {
	if len(offs) == 0 {
		return nil
	}

	byKey := make(map[string][]pathvfs.Offset)
	order := make([]string, 0)
	for _, off := range offs {
		key := off.Message.APIKey
		if _, seen := byKey[key]; !seen {
			order = append(order, key)
		}
		byKey[key] = append(byKey[key], off)
	}

	var wg sync.WaitGroup
	errs := make([]error, len(order))
	for i, key := range order {
		i, key := i, key
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = v.router.IngestData(key, byKey[key])
		}()
	}
	wg.Wait()

	return resourceerr.NewCompound(errs...)
}

// ReadResource returns the live resource handle for path at version.
func (v *VFS) ReadResource(path pathvfs.Path, version pathvfs.Version) (resource.Resource, error) {
	return v.router.ReadResource(path, version)
}

// FindDirectChildren lists path's immediate children without
// materializing their PathManagers.
func (v *VFS) FindDirectChildren(path pathvfs.Path) ([]pathvfs.PathMetadata, error) {
	children, err := v.router.FindChildren(path)
	if err != nil {
		return nil, err
	}
	out := make([]pathvfs.PathMetadata, 0, len(children))
	for _, c := range children {
		out = append(out, pathvfs.PathMetadata{Path: c.RelativePath, Type: c.Type})
	}
	return out, nil
}

// FindPathMetadata returns path's PathMetadata, or a NotFound
// resourceerr.Error if path has no on-disk presence.
func (v *VFS) FindPathMetadata(path pathvfs.Path) (pathvfs.PathMetadata, error) {
	return v.router.FindPathMetadata(path)
}

// CurrentVersion returns path's current head VersionEntry, if any.
func (v *VFS) CurrentVersion(path pathvfs.Path) (pathvfs.VersionEntry, bool, error) {
	return v.router.CurrentVersion(path)
}

// String renders a compact description of the opened instance, useful in
// daemon startup logs.
func (v *VFS) String() string {
	return fmt.Sprintf("vfs(base=%s)", v.cfg.BaseDir)
}
