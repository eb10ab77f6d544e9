package vfs

import (
	"log/slog"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/i5heu/ouroboros-vfs/internal/permission"
)

// Config configures a VFS instance. Only BaseDir is required; everything
// else has a usable default filled in at Open time rather than at struct
// construction.
type Config struct {
	// BaseDir is the on-disk root under which every path's directory is
	// created.
	BaseDir string

	// MaxOpenPaths bounds the number of live PathManager actors. Zero
	// uses router.DefaultMaxLiveManagers.
	MaxOpenPaths int

	// Permissions resolves WritePermission grants for Append stream-refs.
	// If nil, an empty permission.Registry is used, so every Append on a
	// fresh path is denied until grants are added.
	Permissions permission.Resolver

	// EnableDirIndex turns on the supplementary badger-backed directory
	// index (internal/dirindex). PathRouter consults it first in
	// FindDirectChildren and FindPathMetadata, falling back to a
	// version-log peek on a miss; the index is refreshed whenever a path
	// manager opens or applies writes.
	EnableDirIndex bool

	// Logger is the facade-tier structured logger. If nil, a stderr
	// text logger is used.
	Logger *slog.Logger

	// IngestLogger is the high-frequency per-message logger used inside
	// PathManager, kept distinct from Logger so ingest volume doesn't
	// flood the facade's slog output. If nil, a no-op zap.Logger is used.
	IngestLogger *zap.Logger

	// QuiescenceTimeout overrides pathmanager.QuiescenceTimeout. Zero
	// keeps the package default.
	QuiescenceTimeout time.Duration

	// ProjectionReadTimeout bounds how long reads and metadata queries
	// wait on a manager. Zero keeps the router default; negative
	// disables the deadline.
	ProjectionReadTimeout time.Duration

	// SliceIngestTimeout bounds how long a write waits on a manager.
	// Zero keeps the router default; negative disables the deadline.
	SliceIngestTimeout time.Duration

	// ShutdownTimeout bounds how long a closing manager waits for its
	// mailbox to drain. Zero keeps the package default.
	ShutdownTimeout time.Duration
}

func defaultLogger() *slog.Logger {
	h := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})
	return slog.New(h)
}

// fillDefaults mutates a copy of cfg so every optional field is usable.
func (c Config) fillDefaults() Config {
	if c.Logger == nil {
		c.Logger = defaultLogger()
	}
	if c.IngestLogger == nil {
		c.IngestLogger = zap.NewNop()
	}
	if c.Permissions == nil {
		c.Permissions = permission.NewRegistry()
	}
	return c
}
