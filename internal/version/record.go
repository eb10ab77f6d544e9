package version

import (
	"encoding/binary"
	"fmt"

	"github.com/cespare/xxhash/v2"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/i5heu/ouroboros-vfs/pathvfs"
)

// kind tags the four payload variants: VersionAdded, VersionCompleted,
// HeadSet, HeadCleared.
type kind uint8

const (
	kindVersionAdded kind = iota + 1
	kindVersionCompleted
	kindHeadSet
	kindHeadCleared
)

// record is one parsed VersionLog entry, tagged by kind. Only the fields
// relevant to Kind are populated.
type record struct {
	Kind      kind
	ID        pathvfs.VersionID
	TypeName  pathvfs.ResourceType
	Timestamp int64 // unix nanoseconds, VersionAdded only
}

// encodePayload serializes a record's logical fields. The timestamp field
// uses protowire's varint primitive rather than a fixed-width encoding;
// only the low-level wire helpers are needed, since a four-variant framed
// append-log has no use for full message reflection.
func encodePayload(r record) []byte {
	buf := make([]byte, 0, 32)
	buf = append(buf, byte(r.Kind))
	switch r.Kind {
	case kindVersionAdded:
		buf = append(buf, r.ID[:]...)
		buf = append(buf, byte(r.TypeName))
		buf = protowire.AppendVarint(buf, uint64(r.Timestamp))
	case kindVersionCompleted, kindHeadSet:
		buf = append(buf, r.ID[:]...)
	case kindHeadCleared:
		// no body
	}
	return buf
}

// decodePayload is the inverse of encodePayload. It returns an error if
// the payload is too short or structurally invalid for its kind; callers
// treat that as a torn/corrupt tail.
func decodePayload(payload []byte) (record, error) {
	if len(payload) < 1 {
		return record{}, fmt.Errorf("version record: empty payload")
	}
	r := record{Kind: kind(payload[0])}
	rest := payload[1:]
	switch r.Kind {
	case kindVersionAdded:
		if len(rest) < 16+1 {
			return record{}, fmt.Errorf("version record: short VersionAdded payload")
		}
		copy(r.ID[:], rest[:16])
		r.TypeName = pathvfs.ResourceType(rest[16])
		ts, n := protowire.ConsumeVarint(rest[17:])
		if n < 0 {
			return record{}, fmt.Errorf("version record: bad timestamp varint")
		}
		r.Timestamp = int64(ts)
	case kindVersionCompleted, kindHeadSet:
		if len(rest) < 16 {
			return record{}, fmt.Errorf("version record: short id payload")
		}
		copy(r.ID[:], rest[:16])
	case kindHeadCleared:
		// no body
	default:
		return record{}, fmt.Errorf("version record: unknown kind %d", r.Kind)
	}
	return r, nil
}

// frame wraps a payload with a length prefix and a trailing xxhash
// checksum, so replay can detect a torn or corrupt tail record.
func frame(payload []byte) []byte {
	out := make([]byte, 4, 4+len(payload)+8)
	binary.LittleEndian.PutUint32(out, uint32(len(payload)))
	out = append(out, payload...)
	sum := xxhash.Sum64(payload)
	sumBytes := make([]byte, 8)
	binary.LittleEndian.PutUint64(sumBytes, sum)
	out = append(out, sumBytes...)
	return out
}

// frameHeaderSize is the length of the fixed-size length prefix.
const frameHeaderSize = 4

// frameChecksumSize is the length of the trailing checksum.
const frameChecksumSize = 8
