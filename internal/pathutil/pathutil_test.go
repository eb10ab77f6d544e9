package pathutil

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/i5heu/ouroboros-vfs/pathvfs"
)

func TestEscapeSegmentRoundTrip(t *testing.T) {
	cases := []string{
		"plain",
		"with.dots",
		"with%percent",
		".cached",
		"tab\there",
		"unicode-ö",
	}
	for _, seg := range cases {
		enc := escapeSegment(seg)
		require.NotContains(t, enc, "/")
		require.Equal(t, seg, unescapeSegment(enc), "segment %q must round-trip", seg)
	}
}

func TestEscapeSegmentInjective(t *testing.T) {
	// A literal "%2e" segment must not collide with an escaped ".".
	require.NotEqual(t, escapeSegment("."), escapeSegment("%2e"))
}

func TestDirNesting(t *testing.T) {
	base := t.TempDir()
	dir := Dir(base, pathvfs.Path("/a/b/c"))
	require.Equal(t, filepath.Join(base, "a", "b", "c"), dir)

	require.Equal(t, filepath.Join(dir, "versions"), VersionsDir(dir))
	require.Equal(t, filepath.Join(dir, "version.log"), VersionLogPath(dir))
}

func TestFindChildrenSkipsVersionsDirAndStripsPrefix(t *testing.T) {
	base := t.TempDir()
	_, err := EnsureDir(base, pathvfs.Path("/root/kid.one"))
	require.NoError(t, err)
	_, err = EnsureDir(base, pathvfs.Path("/root/kid2"))
	require.NoError(t, err)
	// The parent's own versions/ subdirectory must not surface as a child.
	_, err = EnsureDir(base, pathvfs.Path("/root"))
	require.NoError(t, err)

	children, err := FindChildren(base, pathvfs.Path("/root"), nil)
	require.NoError(t, err)
	require.Len(t, children, 2)

	names := map[pathvfs.Path]bool{}
	for _, c := range children {
		names[c.RelativePath] = true
	}
	require.True(t, names[pathvfs.Path("/kid.one")])
	require.True(t, names[pathvfs.Path("/kid2")])
}

func TestFindChildrenMissingParent(t *testing.T) {
	children, err := FindChildren(t.TempDir(), pathvfs.Path("/nope"), nil)
	require.NoError(t, err)
	require.Empty(t, children)
}

func TestFindChildrenTypeLookupHook(t *testing.T) {
	base := t.TempDir()
	_, err := EnsureDir(base, pathvfs.Path("/root/kid"))
	require.NoError(t, err)

	// A hook hit short-circuits the version-log peek entirely.
	children, err := FindChildren(base, pathvfs.Path("/root"), func(p pathvfs.Path) (pathvfs.ResourceType, bool) {
		require.Equal(t, pathvfs.Path("/root/kid"), p)
		return pathvfs.ResourceBlob, true
	})
	require.NoError(t, err)
	require.Len(t, children, 1)
	require.Equal(t, pathvfs.ResourceBlob, children[0].Type)

	// A hook miss falls back to the filesystem.
	children, err = FindChildren(base, pathvfs.Path("/root"), func(pathvfs.Path) (pathvfs.ResourceType, bool) {
		return pathvfs.ResourceUnknown, false
	})
	require.NoError(t, err)
	require.Len(t, children, 1)
	require.Equal(t, pathvfs.ResourceUnknown, children[0].Type)
}
