package pathvfs

import (
	"time"

	"github.com/google/uuid"
)

// VersionID is the opaque 128-bit identifier naming one immutable version
// of a path's content. Clients supply it on Create/Replace stream refs; it
// is generated randomly when an Append starts a fresh version.
type VersionID uuid.UUID

// NewVersionID generates a fresh random VersionID, used on the Append
// stream-ref path when no current head version exists yet.
func NewVersionID() VersionID {
	return VersionID(uuid.New())
}

// ParseVersionID parses the canonical hex-dashed representation produced
// by String.
func ParseVersionID(s string) (VersionID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return VersionID{}, err
	}
	return VersionID(u), nil
}

// String renders the canonical hex-dashed form used for on-disk version
// directory names.
func (v VersionID) String() string {
	return uuid.UUID(v).String()
}

// IsZero reports whether v is the zero-value identifier.
func (v VersionID) IsZero() bool {
	return v == VersionID{}
}

// ResourceType distinguishes the two resource kinds a version may hold.
type ResourceType int

const (
	ResourceUnknown ResourceType = iota
	ResourceProjection
	ResourceBlob
)

func (t ResourceType) String() string {
	switch t {
	case ResourceProjection:
		return "projection"
	case ResourceBlob:
		return "blob"
	default:
		return "unknown"
	}
}

// VersionEntry is one record in a path's version sequence.
type VersionEntry struct {
	ID        VersionID
	TypeName  ResourceType
	Timestamp time.Time
}

// Authorities is the non-empty set of account identifiers credited with a
// write.
type Authorities []string

// WritePermission grants writing under Path (and everything below it),
// producing writes under Authorities.
type WritePermission struct {
	Path        Path
	Authorities Authorities
}

// StreamRefKind tags the three ingest stream-ref modes: Create, Replace,
// and Append.
type StreamRefKind int

const (
	StreamCreate StreamRefKind = iota
	StreamReplace
	StreamAppend
)

// StreamRef is the tagged union controlling how an ingest message attaches
// to a path's version sequence.
type StreamRef struct {
	Kind     StreamRefKind
	StreamID VersionID // meaningful for Create/Replace only
	Terminal bool      // meaningful for Create/Replace only
}

// Create builds a StreamRef establishing (or resuming) a new version.
func Create(id VersionID, terminal bool) StreamRef {
	return StreamRef{Kind: StreamCreate, StreamID: id, Terminal: terminal}
}

// Replace builds a StreamRef superseding any current head.
func Replace(id VersionID, terminal bool) StreamRef {
	return StreamRef{Kind: StreamReplace, StreamID: id, Terminal: terminal}
}

// Append builds a StreamRef appending to the current head (or starting one).
func Append() StreamRef {
	return StreamRef{Kind: StreamAppend}
}

// Value is one unit of projection data carried by an Ingest message. The
// concrete shape is left to the projection engine; this module only moves
// it around.
type Value = map[string]interface{}

// EventKind tags the three EventMessage variants.
type EventKind int

const (
	EventIngest EventKind = iota
	EventStoreFile
	EventArchive
)

// Content is the payload of a StoreFile event.
type Content struct {
	Bytes    []byte
	MimeType string
}

// Mimetypes the ingest pipeline treats specially: projections always carry
// MimeQuirrelData, and a blob stored with MimeQuirrelScript triggers
// invalidation of its companion cached sub-path on completion.
const (
	MimeQuirrelData   = "application/x-quirrel-data"
	MimeQuirrelScript = "text/x-quirrel-script"
)

// CachedChild is the companion sub-path segment holding a script's cached
// output; completing a script blob archives it.
const CachedChild = ".cached"

// EventMessage is one batched ingest message, tagged by Kind.
type EventMessage struct {
	Kind EventKind

	APIKey  string
	Path    Path
	WriteAs Authorities
	JobID   string

	// Ingest-only.
	Data []Value

	// StoreFile-only.
	Content Content

	// Ingest and StoreFile.
	StreamRef StreamRef

	// Archive-only.
	Timestamp time.Time
}

// Offset pairs a message with its position within a batch. Messages for
// one path are applied in their offset order, and the offset doubles as
// the projection store's dedup key for redelivered batches.
type Offset struct {
	Index   uint64
	Message EventMessage
}

// Version selects which version of a path's content a read resolves
// against. The zero value selects the current head.
type Version struct {
	Archived bool
	ID       VersionID // meaningful only when Archived
}

// VersionCurrent selects the path's current head version.
func VersionCurrent() Version { return Version{} }

// VersionArchived selects a specific, possibly non-head, version by id.
func VersionArchived(id VersionID) Version { return Version{Archived: true, ID: id} }

// PathMetadata describes one node in the path hierarchy, returned by
// FindDirectChildren and FindPathMetadata.
type PathMetadata struct {
	Path Path
	// Type is the resource type of the path's current version, or
	// ResourceUnknown if the path has on-disk presence but no completed
	// version yet (or no current head at all).
	Type ResourceType
}
