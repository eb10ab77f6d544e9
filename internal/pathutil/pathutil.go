// Package pathutil implements the deterministic mapping between a logical
// Path and its on-disk directory, plus the one-level directory walk
// PathRouter uses for child discovery without materializing a PathManager.
package pathutil

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/i5heu/ouroboros-vfs/internal/resource"
	"github.com/i5heu/ouroboros-vfs/internal/version"
	"github.com/i5heu/ouroboros-vfs/pathvfs"
)

// VersionsDirName is the fixed subdirectory inside a path's directory that
// holds one directory per VersionID.
const VersionsDirName = "versions"

// VersionLogFileName is the VersionLog's on-disk file name within a
// path's directory.
const VersionLogFileName = "version.log"

// escapeSegment deterministically escapes a single path segment so it can
// be used as a filesystem directory name: '.', '/', control characters,
// and the escape character '%' itself are percent-escaped, everything else
// passes through unchanged. This keeps common segment names (most identifiers in
// practice) legible on disk while remaining injective.
func escapeSegment(seg string) string {
	var b strings.Builder
	for _, r := range seg {
		switch {
		case r == '.' || r == '/' || r == '%' || r < 0x20 || r == 0x7f:
			b.WriteByte('%')
			b.WriteString(hexByte(byte(r)))
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

func hexByte(b byte) string {
	const hex = "0123456789abcdef"
	return string([]byte{hex[b>>4], hex[b&0xf]})
}

// unescapeSegment reverses escapeSegment.
func unescapeSegment(enc string) string {
	var b strings.Builder
	for i := 0; i < len(enc); i++ {
		if enc[i] == '%' && i+2 < len(enc) {
			hi := unhex(enc[i+1])
			lo := unhex(enc[i+2])
			if hi >= 0 && lo >= 0 {
				b.WriteByte(byte(hi<<4 | lo))
				i += 2
				continue
			}
		}
		b.WriteByte(enc[i])
	}
	return b.String()
}

func unhex(c byte) int {
	switch {
	case c >= '0' && c <= '9':
		return int(c - '0')
	case c >= 'a' && c <= 'f':
		return int(c-'a') + 10
	case c >= 'A' && c <= 'F':
		return int(c-'A') + 10
	default:
		return -1
	}
}

// Dir returns the on-disk directory for path, rooted at baseDir.
func Dir(baseDir string, path pathvfs.Path) string {
	segs := path.Segments()
	parts := make([]string, 0, len(segs)+1)
	parts = append(parts, baseDir)
	for _, s := range segs {
		parts = append(parts, escapeSegment(s))
	}
	return filepath.Join(parts...)
}

// VersionsDir returns the versions/ subdirectory of a path directory.
func VersionsDir(pathDir string) string {
	return filepath.Join(pathDir, VersionsDirName)
}

// VersionLogPath returns the version.log file path of a path directory.
func VersionLogPath(pathDir string) string {
	return filepath.Join(pathDir, VersionLogFileName)
}

// VersionDir returns the directory for a specific version id.
func VersionDir(pathDir, versionID string) string {
	return filepath.Join(VersionsDir(pathDir), versionID)
}

// ChildMetadata describes one immediate child discovered under baseDir at
// path, relative to the requested path.
type ChildMetadata struct {
	// RelativePath is the child's path with the queried prefix stripped.
	RelativePath pathvfs.Path
	HasData      bool
	// Type is the child's current version's resource type, or
	// ResourceUnknown if it has no current head.
	Type pathvfs.ResourceType
}

// DetectCurrentType peeks at path's version log and, if it has a current
// head, inspects that version's directory for a resource marker. It uses
// version.PeekCurrent, a read-only replay that never truncates, so this
// can safely run concurrently with a live PathManager's writer on the
// same log file without materializing a manager or disturbing its state.
// Returns (ResourceUnknown, false, nil) if path has no on-disk presence
// or no current head.
func DetectCurrentType(baseDir string, path pathvfs.Path) (pathvfs.ResourceType, bool, error) {
	dir := Dir(baseDir, path)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return pathvfs.ResourceUnknown, false, nil
	}

	cur, ok, err := version.PeekCurrent(VersionLogPath(dir))
	if err != nil {
		return pathvfs.ResourceUnknown, false, err
	}
	if !ok {
		return pathvfs.ResourceUnknown, false, nil
	}
	return resource.Detect(VersionDir(dir, cur.ID.String())), true, nil
}

// FindChildren performs a one-level directory listing under path,
// filtering out anything that doesn't decode to a valid encoded segment,
// and returns metadata relative to path. It never materializes a
// PathManager; it is a raw directory read that leaves the live manager
// set untouched. typeOf, if non-nil, is consulted first for each child's
// resource type (the router passes its directory index here); on a miss
// the child's version log is peeked directly.
func FindChildren(baseDir string, path pathvfs.Path, typeOf func(pathvfs.Path) (pathvfs.ResourceType, bool)) ([]ChildMetadata, error) {
	dir := Dir(baseDir, path)
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	out := make([]ChildMetadata, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		name := entry.Name()
		if name == VersionsDirName {
			continue
		}
		decoded := unescapeSegment(name)
		if escapeSegment(decoded) != name {
			continue
		}
		childPath := path.Child(decoded)

		var typ pathvfs.ResourceType
		hit := false
		if typeOf != nil {
			typ, hit = typeOf(childPath)
		}
		if !hit {
			typ, _, err = DetectCurrentType(baseDir, childPath)
			if err != nil {
				return nil, err
			}
		}
		out = append(out, ChildMetadata{
			RelativePath: pathvfs.Path("/" + decoded),
			HasData:      true,
			Type:         typ,
		})
	}
	return out, nil
}

// Exists reports whether path has an on-disk directory at all.
func Exists(baseDir string, path pathvfs.Path) bool {
	_, err := os.Stat(Dir(baseDir, path))
	return err == nil
}

// EnsureDir creates the directory for path (and its versions/
// subdirectory) if absent.
func EnsureDir(baseDir string, path pathvfs.Path) (string, error) {
	dir := Dir(baseDir, path)
	if err := os.MkdirAll(VersionsDir(dir), 0o755); err != nil {
		return "", err
	}
	return dir, nil
}
