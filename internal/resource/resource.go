// Package resource implements ProjectionResource and BlobResource, the
// two resource kinds a version may hold, plus the builder that creates
// and reopens them from a version directory. Blob ingestion pumps the
// input stream through github.com/ipfs/boxo/chunker in fixed-size chunks;
// projection storage delegates to internal/projection.
package resource

import (
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	chunker "github.com/ipfs/boxo/chunker"
	"github.com/sirupsen/logrus"

	"github.com/i5heu/ouroboros-vfs/internal/projection"
	"github.com/i5heu/ouroboros-vfs/pathvfs"
	"github.com/i5heu/ouroboros-vfs/pathvfs/resourceerr"
)

// blobChunkSize is the fixed chunk size blob ingestion pulls from the
// input stream before each write to the data file.
const blobChunkSize = 100 * 1024

const (
	projectionMarkerFile      = ".projection"
	projectionAuthoritiesFile = "authorities"
	blobDataFile              = "data"
	blobMetadataFile          = "blob_metadata"
)

// Resource is the common interface ProjectionResource and BlobResource
// both satisfy, letting callers dispatch on Type without a type switch at
// every call site.
type Resource interface {
	Type() pathvfs.ResourceType
	Close() error
}

// ProjectionResource is a live handle onto one version's columnar data.
type ProjectionResource struct {
	store       *projection.Store
	authorities pathvfs.Authorities
}

func (p *ProjectionResource) Type() pathvfs.ResourceType { return pathvfs.ResourceProjection }

// MimeType is fixed for projections.
func (p *ProjectionResource) MimeType() string { return pathvfs.MimeQuirrelData }

// Authorities returns the account identifiers credited with this
// projection's writes, persisted at creation time.
func (p *ProjectionResource) Authorities() pathvfs.Authorities { return p.authorities }

// Append adds values to the projection at the given batch offset, in
// order. Batches at or below an already-applied offset are skipped by the
// store, so redelivered messages do not duplicate data.
func (p *ProjectionResource) Append(offset uint64, values []pathvfs.Value) error {
	return p.store.Append(offset, values)
}

// RecordCount returns the number of values appended so far.
func (p *ProjectionResource) RecordCount() int {
	return p.store.RecordCount()
}

// Records decodes and returns every value in append order.
func (p *ProjectionResource) Records() ([]pathvfs.Value, error) {
	return p.store.All()
}

// ByteStream renders the projection's records as a byte stream. Only JSON
// and the projection's own mimetype are supported renderings.
func (p *ProjectionResource) ByteStream(mime string) (io.ReadCloser, error) {
	switch mime {
	case pathvfs.MimeQuirrelData, "application/json", "":
	default:
		return nil, resourceerr.New(resourceerr.ExtractorError, "", "unsupported projection mimetype "+mime)
	}
	records, err := p.store.All()
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(records)
	if err != nil {
		return nil, resourceerr.Wrap(resourceerr.ExtractorError, "", "encode projection records", err)
	}
	return io.NopCloser(strings.NewReader(string(raw))), nil
}

// Flush seals any buffered tail batch, called when a version completes or
// the owning manager quiesces.
func (p *ProjectionResource) Flush() error {
	return p.store.Flush()
}

func (p *ProjectionResource) Close() error {
	return p.store.Close()
}

// BlobMetadata is the blob_metadata JSON written next to the data file
// once the byte stream has completed.
type BlobMetadata struct {
	MimeType    string              `json:"mimeType"`
	Size        int64               `json:"size"`
	Created     time.Time           `json:"created"`
	Authorities pathvfs.Authorities `json:"authorities"`
}

// BlobResource is a live handle onto one version's opaque byte content:
// a single data file plus a blob_metadata JSON document. The metadata is
// written only after the data stream completes, so a crash or I/O error
// mid-stream leaves the blob unreadable rather than silently truncated.
type BlobResource struct {
	dir    string
	meta   BlobMetadata
	out    *os.File // non-nil while the blob is still accepting writes
	sealed bool
}

func (b *BlobResource) Type() pathvfs.ResourceType { return pathvfs.ResourceBlob }

// MimeType returns the blob's declared content type.
func (b *BlobResource) MimeType() string { return b.meta.MimeType }

// Metadata returns the blob's metadata document as written (or as it will
// be written at Seal time, for a blob still being streamed).
func (b *BlobResource) Metadata() BlobMetadata { return b.meta }

// Size returns the total byte length of the blob written so far.
func (b *BlobResource) Size() int64 { return b.meta.Size }

// Append pulls r to end-of-stream in fixed-size chunks and appends them to
// the data file. On a mid-stream error the output handle is closed and the
// error returned; any partial data is left behind for cleanup, but the
// metadata file stays absent so the blob is unreadable.
func (b *BlobResource) Append(r io.Reader) error {
	if b.sealed || b.out == nil {
		return resourceerr.New(resourceerr.IllegalWriteRequest, b.dir, "blob is sealed")
	}
	splitter := chunker.NewSizeSplitter(r, blobChunkSize)
	for {
		chunk, err := splitter.NextBytes()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			b.out.Close()
			b.out = nil
			return resourceerr.Wrap(resourceerr.IOError, b.dir, "read blob content", err)
		}
		if _, err := b.out.Write(chunk); err != nil {
			b.out.Close()
			b.out = nil
			return resourceerr.Wrap(resourceerr.IOError, b.dir, "write blob data", err)
		}
		b.meta.Size += int64(len(chunk))
	}
}

// Seal flushes and closes the data file, then writes blob_metadata,
// making the blob readable. Idempotent.
func (b *BlobResource) Seal() error {
	if b.sealed {
		return nil
	}
	if b.out != nil {
		if err := b.out.Sync(); err != nil {
			return resourceerr.Wrap(resourceerr.IOError, b.dir, "sync blob data", err)
		}
		if err := b.out.Close(); err != nil {
			return resourceerr.Wrap(resourceerr.IOError, b.dir, "close blob data", err)
		}
		b.out = nil
	}
	raw, err := json.Marshal(b.meta)
	if err != nil {
		return resourceerr.Wrap(resourceerr.ExtractorError, b.dir, "marshal blob metadata", err)
	}
	if err := os.WriteFile(filepath.Join(b.dir, blobMetadataFile), raw, 0o644); err != nil {
		return resourceerr.Wrap(resourceerr.IOError, b.dir, "persist blob metadata", err)
	}
	b.sealed = true
	return nil
}

// Reader returns a stream over the blob's content.
func (b *BlobResource) Reader() (io.ReadCloser, error) {
	f, err := os.Open(filepath.Join(b.dir, blobDataFile))
	if err != nil {
		return nil, resourceerr.Wrap(resourceerr.IOError, b.dir, "open blob data", err)
	}
	return f, nil
}

// AsString returns the blob's content as a string. Only text mimetypes
// support this rendering.
func (b *BlobResource) AsString() (string, error) {
	if !strings.HasPrefix(b.meta.MimeType, "text/") {
		return "", resourceerr.New(resourceerr.ExtractorError, b.dir, "blob mimetype "+b.meta.MimeType+" is not text")
	}
	r, err := b.Reader()
	if err != nil {
		return "", err
	}
	defer r.Close()
	raw, err := io.ReadAll(r)
	if err != nil {
		return "", resourceerr.Wrap(resourceerr.IOError, b.dir, "read blob data", err)
	}
	return string(raw), nil
}

func (b *BlobResource) Close() error {
	if b.out != nil {
		err := b.out.Close()
		b.out = nil
		if err != nil {
			return resourceerr.Wrap(resourceerr.IOError, b.dir, "close blob data", err)
		}
	}
	return nil
}

// Builder creates and reopens resources rooted at version directories.
type Builder struct {
	log *logrus.Entry
}

// NewBuilder constructs a Builder; log may be nil to use a default entry.
func NewBuilder(log *logrus.Entry) *Builder {
	if log == nil {
		log = logrus.NewEntry(logrus.New())
	}
	return &Builder{log: log}
}

// CreateProjection initializes a fresh ProjectionResource rooted at
// versionDir, marking it with the projection marker file so a later
// Detect call can identify the kind without consulting the VersionLog,
// and persisting the creating authorities.
func (b *Builder) CreateProjection(versionDir string, authorities pathvfs.Authorities) (*ProjectionResource, error) {
	if err := os.MkdirAll(versionDir, 0o755); err != nil {
		return nil, resourceerr.Wrap(resourceerr.IOError, versionDir, "create version dir", err)
	}
	if err := touch(filepath.Join(versionDir, projectionMarkerFile)); err != nil {
		return nil, err
	}
	raw, err := json.Marshal(authorities)
	if err != nil {
		return nil, resourceerr.Wrap(resourceerr.ExtractorError, versionDir, "marshal authorities", err)
	}
	if err := os.WriteFile(filepath.Join(versionDir, projectionAuthoritiesFile), raw, 0o644); err != nil {
		return nil, resourceerr.Wrap(resourceerr.IOError, versionDir, "persist authorities", err)
	}
	store, err := projection.Open(filepath.Join(versionDir, "projection"), b.log)
	if err != nil {
		return nil, err
	}
	return &ProjectionResource{store: store, authorities: authorities}, nil
}

// OpenProjection reopens an existing ProjectionResource. NotFound if
// versionDir lacks the projection marker.
func (b *Builder) OpenProjection(versionDir string) (*ProjectionResource, error) {
	if _, err := os.Stat(filepath.Join(versionDir, projectionMarkerFile)); err != nil {
		return nil, resourceerr.New(resourceerr.NotFound, versionDir, "no projection marker")
	}
	var authorities pathvfs.Authorities
	raw, err := os.ReadFile(filepath.Join(versionDir, projectionAuthoritiesFile))
	if err == nil {
		if err := json.Unmarshal(raw, &authorities); err != nil {
			return nil, resourceerr.Wrap(resourceerr.ExtractorError, versionDir, "decode authorities", err)
		}
	}
	store, err := projection.Open(filepath.Join(versionDir, "projection"), b.log)
	if err != nil {
		return nil, err
	}
	return &ProjectionResource{store: store, authorities: authorities}, nil
}

// CreateBlob initializes a fresh BlobResource rooted at versionDir,
// opening its data file for streamed appends. The blob becomes readable
// only once Seal writes its metadata.
func (b *Builder) CreateBlob(versionDir, mimeType string, authorities pathvfs.Authorities) (*BlobResource, error) {
	if err := os.MkdirAll(versionDir, 0o755); err != nil {
		return nil, resourceerr.Wrap(resourceerr.IOError, versionDir, "create version dir", err)
	}
	dataPath := filepath.Join(versionDir, blobDataFile)
	f, err := os.OpenFile(dataPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, resourceerr.Wrap(resourceerr.IOError, versionDir, "open blob data for write", err)
	}
	size := int64(0)
	if st, err := f.Stat(); err == nil {
		size = st.Size()
	}
	return &BlobResource{
		dir: versionDir,
		out: f,
		meta: BlobMetadata{
			MimeType:    mimeType,
			Size:        size,
			Created:     time.Now().UTC(),
			Authorities: authorities,
		},
	}, nil
}

// OpenBlob reopens an existing, sealed BlobResource by parsing its
// metadata. NotFound if the metadata file is absent (never sealed),
// ExtractorError if it cannot be parsed.
func (b *Builder) OpenBlob(versionDir string) (*BlobResource, error) {
	raw, err := os.ReadFile(filepath.Join(versionDir, blobMetadataFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, resourceerr.New(resourceerr.NotFound, versionDir, "no blob metadata")
		}
		return nil, resourceerr.Wrap(resourceerr.IOError, versionDir, "read blob metadata", err)
	}
	var m BlobMetadata
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, resourceerr.Wrap(resourceerr.ExtractorError, versionDir, "decode blob metadata", err)
	}
	return &BlobResource{dir: versionDir, meta: m, sealed: true}, nil
}

// Detect reports which resource kind lives at versionDir: the projection
// marker file identifies a projection, the blob_metadata file a sealed
// blob. Returns ResourceUnknown if neither is present (the version
// directory does not exist yet, or holds a blob that was never sealed).
func Detect(versionDir string) pathvfs.ResourceType {
	if _, err := os.Stat(filepath.Join(versionDir, projectionMarkerFile)); err == nil {
		return pathvfs.ResourceProjection
	}
	if _, err := os.Stat(filepath.Join(versionDir, blobMetadataFile)); err == nil {
		return pathvfs.ResourceBlob
	}
	return pathvfs.ResourceUnknown
}

func touch(path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return resourceerr.Wrap(resourceerr.IOError, path, "write marker file", err)
	}
	return f.Close()
}
