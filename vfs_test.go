package vfs

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/i5heu/ouroboros-vfs/internal/permission"
	"github.com/i5heu/ouroboros-vfs/internal/resource"
	"github.com/i5heu/ouroboros-vfs/pathvfs"
	"github.com/i5heu/ouroboros-vfs/pathvfs/resourceerr"
)

func newTestVFS(t *testing.T) *VFS {
	t.Helper()
	v, err := Open(Config{BaseDir: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, v.Close()) })
	return v
}

func one(index uint64, msg pathvfs.EventMessage) []pathvfs.Offset {
	return []pathvfs.Offset{{Index: index, Message: msg}}
}

func TestWriteAllSyncCreateThenRead(t *testing.T) {
	v := newTestVFS(t)
	id := pathvfs.NewVersionID()

	err := v.WriteAllSync(one(1, pathvfs.EventMessage{
		Kind:      pathvfs.EventIngest,
		APIKey:    "k1",
		Path:      pathvfs.Path("/a/b"),
		WriteAs:   pathvfs.Authorities{"acct"},
		Data:      []pathvfs.Value{{"x": 1}},
		StreamRef: pathvfs.Create(id, true),
	}))
	require.NoError(t, err)

	cur, ok, err := v.CurrentVersion(pathvfs.Path("/a/b"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, id, cur.ID)

	res, err := v.ReadResource(pathvfs.Path("/a/b"), pathvfs.VersionCurrent())
	require.NoError(t, err)
	proj, ok := res.(*resource.ProjectionResource)
	require.True(t, ok)
	records, err := proj.Records()
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, pathvfs.Authorities{"acct"}, proj.Authorities())
}

func TestWriteAllSyncReplaceThenReadArchived(t *testing.T) {
	v := newTestVFS(t)
	first := pathvfs.NewVersionID()
	second := pathvfs.NewVersionID()

	require.NoError(t, v.WriteAllSync(one(1, pathvfs.EventMessage{
		Kind: pathvfs.EventIngest, APIKey: "k1", Path: pathvfs.Path("/a/b"),
		Data: []pathvfs.Value{{"x": 1.0}}, StreamRef: pathvfs.Create(first, true),
	})))
	require.NoError(t, v.WriteAllSync(one(2, pathvfs.EventMessage{
		Kind: pathvfs.EventIngest, APIKey: "k1", Path: pathvfs.Path("/a/b"),
		Data: []pathvfs.Value{{"x": 2.0}}, StreamRef: pathvfs.Replace(second, true),
	})))

	cur, ok, err := v.CurrentVersion(pathvfs.Path("/a/b"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, second, cur.ID)

	res, err := v.ReadResource(pathvfs.Path("/a/b"), pathvfs.VersionArchived(first))
	require.NoError(t, err)
	proj := res.(*resource.ProjectionResource)
	records, err := proj.Records()
	require.NoError(t, err)
	require.Equal(t, []pathvfs.Value{{"x": 1.0}}, records)
}

func TestWriteAllSyncCompoundErrors(t *testing.T) {
	v := newTestVFS(t)

	err := v.WriteAllSync([]pathvfs.Offset{
		{Index: 1, Message: pathvfs.EventMessage{Kind: pathvfs.EventIngest, APIKey: "k1", Path: pathvfs.Path("/secure1"), Data: []pathvfs.Value{{"x": 1}}, StreamRef: pathvfs.Append()}},
		{Index: 2, Message: pathvfs.EventMessage{Kind: pathvfs.EventIngest, APIKey: "k1", Path: pathvfs.Path("/secure2"), Data: []pathvfs.Value{{"x": 1}}, StreamRef: pathvfs.Append()}},
	})
	require.Error(t, err)
	require.Len(t, resourceerr.CompoundErrors(err), 2, "every per-path failure must be preserved")
}

func TestArchiveThenCurrentVersionIsNone(t *testing.T) {
	v := newTestVFS(t)
	id := pathvfs.NewVersionID()
	require.NoError(t, v.WriteAllSync(one(1, pathvfs.EventMessage{
		Kind: pathvfs.EventIngest, APIKey: "k1", Path: pathvfs.Path("/p"),
		Data: []pathvfs.Value{{"x": 1}}, StreamRef: pathvfs.Create(id, true),
	})))
	require.NoError(t, v.WriteAllSync(one(2, pathvfs.EventMessage{
		Kind: pathvfs.EventArchive, APIKey: "k1", Path: pathvfs.Path("/p"),
	})))

	_, ok, err := v.CurrentVersion(pathvfs.Path("/p"))
	require.NoError(t, err)
	require.False(t, ok)

	_, err = v.ReadResource(pathvfs.Path("/p"), pathvfs.VersionCurrent())
	kind, kok := resourceerr.KindOf(err)
	require.True(t, kok)
	require.Equal(t, resourceerr.NotFound, kind)

	res, err := v.ReadResource(pathvfs.Path("/p"), pathvfs.VersionArchived(id))
	require.NoError(t, err)
	require.NotNil(t, res)
}

func TestFindDirectChildrenAndMetadata(t *testing.T) {
	v := newTestVFS(t)
	id := pathvfs.NewVersionID()
	require.NoError(t, v.WriteAllSync(one(1, pathvfs.EventMessage{
		Kind: pathvfs.EventIngest, APIKey: "k1", Path: pathvfs.Path("/dir/child"),
		Data: []pathvfs.Value{{"x": 1}}, StreamRef: pathvfs.Create(id, true),
	})))

	children, err := v.FindDirectChildren(pathvfs.Path("/dir"))
	require.NoError(t, err)
	require.Len(t, children, 1)
	require.Equal(t, pathvfs.Path("/child"), children[0].Path)
	require.Equal(t, pathvfs.ResourceProjection, children[0].Type)

	meta, err := v.FindPathMetadata(pathvfs.Path("/dir/child"))
	require.NoError(t, err)
	require.Equal(t, pathvfs.ResourceProjection, meta.Type)

	_, err = v.FindPathMetadata(pathvfs.Path("/nope"))
	require.Error(t, err)
}

func TestGrantedAppendSucceeds(t *testing.T) {
	reg := permission.NewRegistry()
	reg.Grant("svc", pathvfs.WritePermission{Path: pathvfs.Path("/team"), Authorities: pathvfs.Authorities{"svc-a"}})
	v, err := Open(Config{BaseDir: t.TempDir(), Permissions: reg})
	require.NoError(t, err)
	t.Cleanup(func() { v.Close() })

	err = v.WriteAllSync(one(1, pathvfs.EventMessage{
		Kind: pathvfs.EventIngest, APIKey: "svc", Path: pathvfs.Path("/team/reports"),
		Data: []pathvfs.Value{{"x": 1}}, StreamRef: pathvfs.Append(),
	}))
	require.NoError(t, err)

	// The write is credited to the granted authorities, not the
	// caller-supplied ones.
	res, err := v.ReadResource(pathvfs.Path("/team/reports"), pathvfs.VersionCurrent())
	require.NoError(t, err)
	require.Equal(t, pathvfs.Authorities{"svc-a"}, res.(*resource.ProjectionResource).Authorities())
}

func TestStoreFileRoundTripThroughFacade(t *testing.T) {
	v := newTestVFS(t)
	id := pathvfs.NewVersionID()
	require.NoError(t, v.WriteAllSync(one(1, pathvfs.EventMessage{
		Kind: pathvfs.EventStoreFile, APIKey: "k1", Path: pathvfs.Path("/files/readme"),
		WriteAs:   pathvfs.Authorities{"acct"},
		Content:   pathvfs.Content{Bytes: []byte("plain text body"), MimeType: "text/plain"},
		StreamRef: pathvfs.Create(id, true),
	})))

	res, err := v.ReadResource(pathvfs.Path("/files/readme"), pathvfs.VersionCurrent())
	require.NoError(t, err)
	blob, ok := res.(*resource.BlobResource)
	require.True(t, ok)
	s, err := blob.AsString()
	require.NoError(t, err)
	require.Equal(t, "plain text body", s)

	meta, err := v.FindPathMetadata(pathvfs.Path("/files/readme"))
	require.NoError(t, err)
	require.Equal(t, pathvfs.ResourceBlob, meta.Type)
}
