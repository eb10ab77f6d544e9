package permission

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/i5heu/ouroboros-vfs/pathvfs"
	"github.com/i5heu/ouroboros-vfs/pathvfs/resourceerr"
)

func TestRegistryGrantResolveRevoke(t *testing.T) {
	reg := NewRegistry()

	_, ok := reg.Resolve("key")
	require.False(t, ok)

	perm := pathvfs.WritePermission{Path: pathvfs.Path("/team"), Authorities: pathvfs.Authorities{"svc-a"}}
	reg.Grant("key", perm)
	got, ok := reg.Resolve("key")
	require.True(t, ok)
	require.Equal(t, perm, got)

	// A re-grant replaces the previous permission.
	wider := pathvfs.WritePermission{Path: pathvfs.Path("/"), Authorities: pathvfs.Authorities{"svc-a", "svc-b"}}
	reg.Grant("key", wider)
	got, ok = reg.Resolve("key")
	require.True(t, ok)
	require.Equal(t, wider, got)

	reg.Revoke("key")
	_, ok = reg.Resolve("key")
	require.False(t, ok)
}

func TestCanWritePrefixBoundary(t *testing.T) {
	perm := pathvfs.WritePermission{Path: pathvfs.Path("/a/b"), Authorities: pathvfs.Authorities{"acct"}}

	cases := []struct {
		path    pathvfs.Path
		covered bool
	}{
		{pathvfs.Path("/a/b"), true},
		{pathvfs.Path("/a/b/c"), true},
		{pathvfs.Path("/a/b/c/d"), true},
		// Segment-wise prefixes only: "/a/bc" is not under "/a/b".
		{pathvfs.Path("/a/bc"), false},
		// An ancestor of the granted path is not covered.
		{pathvfs.Path("/a"), false},
		{pathvfs.Path("/"), false},
		{pathvfs.Path("/x/b"), false},
	}
	for _, tc := range cases {
		authorities, ok := CanWrite(perm, tc.path)
		require.Equal(t, tc.covered, ok, "path %s", tc.path)
		if tc.covered {
			require.Equal(t, perm.Authorities, authorities)
		} else {
			require.Nil(t, authorities)
		}
	}
}

func TestCanWriteRootGrantCoversEverything(t *testing.T) {
	perm := pathvfs.WritePermission{Path: pathvfs.Root, Authorities: pathvfs.Authorities{"admin"}}

	for _, p := range []pathvfs.Path{"/", "/a", "/deep/nested/path"} {
		authorities, ok := CanWrite(perm, p)
		require.True(t, ok, "path %s", p)
		require.Equal(t, perm.Authorities, authorities)
	}
}

func TestAuthorizeUnknownKey(t *testing.T) {
	reg := NewRegistry()

	_, err := Authorize(reg, "no-such-key", pathvfs.Path("/a"))
	kind, ok := resourceerr.KindOf(err)
	require.True(t, ok)
	require.Equal(t, resourceerr.PermissionDenied, kind)
	require.Contains(t, err.Error(), "unknown api key")
}

func TestAuthorizeKeyNotCoveringPath(t *testing.T) {
	reg := NewRegistry()
	reg.Grant("key", pathvfs.WritePermission{Path: pathvfs.Path("/team"), Authorities: pathvfs.Authorities{"svc-a"}})

	_, err := Authorize(reg, "key", pathvfs.Path("/other"))
	kind, ok := resourceerr.KindOf(err)
	require.True(t, ok)
	require.Equal(t, resourceerr.PermissionDenied, kind)
	require.Contains(t, err.Error(), "not authorized")
}

func TestAuthorizeReturnsGrantedAuthorities(t *testing.T) {
	reg := NewRegistry()
	reg.Grant("key", pathvfs.WritePermission{Path: pathvfs.Path("/team"), Authorities: pathvfs.Authorities{"svc-a", "svc-b"}})

	authorities, err := Authorize(reg, "key", pathvfs.Path("/team/reports"))
	require.NoError(t, err)
	require.Equal(t, pathvfs.Authorities{"svc-a", "svc-b"}, authorities)
}
