package groupstore

import (
	"fmt"

	"github.com/breezy-team/groupstore/internal/manager"
	"github.com/breezy-team/groupstore/internal/wire"
)

// Factory is one key's lazily-materialized record, the unit GetRecordStream
// yields. Exactly one of its backing fields is populated, matching its
// StorageKind: a manager-backed factory (block/block-ref) decompresses on
// first request; a fulltext factory (from a fresh insertion, or replayed
// from a fallback store) already holds its bytes; an absent factory holds
// neither.
type Factory struct {
	key     Key
	parents []Key
	sha1    string
	size    int
	kind    StorageKind

	mgr *manager.Manager
	mf  *manager.Factory

	fulltext []byte
}

func newManagerFactory(mgr *manager.Manager, mf *manager.Factory, sha1 string, size int) *Factory {
	return &Factory{
		key:     mf.Key,
		parents: mf.Parents,
		sha1:    sha1,
		size:    size,
		kind:    mf.StorageKind(),
		mgr:     mgr,
		mf:      mf,
	}
}

func newFulltextFactory(key Key, parents []Key, sha1 string, text []byte) *Factory {
	return &Factory{
		key:      key,
		parents:  parents,
		sha1:     sha1,
		size:     len(text),
		kind:     StorageFulltext,
		fulltext: text,
	}
}

func newAbsentFactory(key Key) *Factory {
	return &Factory{key: key, kind: StorageAbsent}
}

// Key returns the factory's key.
func (f *Factory) Key() Key { return f.key }

// Parents returns the factory's recorded parents, or nil if unknown
// (never populated for an absent factory).
func (f *Factory) Parents() []Key { return f.parents }

// SHA1 returns the factory's content hash, or "" if not yet known (never
// populated for an absent factory).
func (f *Factory) SHA1() string { return f.sha1 }

// Size returns the factory's byte length, or -1 for an absent factory. For
// a fulltext factory this is the text's length; for a block or block-ref
// factory it is the length of the record's span in the block's content
// buffer, which for a delta record is not the text's length.
func (f *Factory) Size() int {
	if f.kind == StorageAbsent {
		return -1
	}
	return f.size
}

// StorageKind reports how this factory can deliver its bytes.
func (f *Factory) StorageKind() StorageKind { return f.kind }

// GetBytesAs materializes the factory's content in the requested
// representation. AsFulltext, AsChunked, and AsLines are interchangeable
// here (all return the full decompressed text; splitting into lines is left
// to the caller via SplitLines). AsBlock is only available on a
// StorageBlock factory and returns the whole wire envelope for that
// factory's manager. AsBlockRef carries no independent bytes: a caller
// intending to replicate it must already hold the block it references.
func (f *Factory) GetBytesAs(kind RequestKind) ([]byte, error) {
	if f.kind == StorageAbsent {
		return nil, fmt.Errorf("groupstore: key %v is absent: %w", f.key, ErrUnavailableRepresentation)
	}
	switch kind {
	case AsFulltext, AsChunked, AsLines:
		if f.fulltext != nil {
			return f.fulltext, nil
		}
		if f.mf != nil {
			text, err := f.mf.GetFulltext()
			if err != nil {
				return nil, err
			}
			f.fulltext = text
			return text, nil
		}
		return nil, ErrUnavailableRepresentation
	case AsBlock:
		if f.kind != StorageBlock || f.mgr == nil {
			return nil, ErrUnavailableRepresentation
		}
		return wire.Encode(f.mgr)
	case AsBlockRef:
		return nil, ErrUnavailableRepresentation
	default:
		return nil, fmt.Errorf("groupstore: unknown request kind %v", kind)
	}
}

// SplitLines splits text on '\n', keeping each terminator with its
// preceding line; only the final element may lack one.
func SplitLines(text []byte) [][]byte {
	var lines [][]byte
	start := 0
	for i, b := range text {
		if b == '\n' {
			lines = append(lines, text[start:i+1])
			start = i + 1
		}
	}
	if start < len(text) {
		lines = append(lines, text[start:])
	}
	return lines
}

// wellUtilised reports whether this factory's backing manager holds enough
// referenced content to be worth replicating verbatim rather than
// extracting and recompressing. A factory with no manager (fulltext or
// absent) is never well utilised.
func (f *Factory) wellUtilised() bool {
	return f.mgr != nil && manager.IsWellUtilised(f.mgr)
}

// Release drops the factory's cached bytes and its back-reference to its
// manager, if any. Callers that hold a factory past the point they last
// need its bytes should call Release so the manager can free decompressed
// buffers promptly.
func (f *Factory) Release() {
	if f.mf != nil {
		f.mf.Release()
	}
	f.mgr = nil
	f.mf = nil
	if f.kind != StorageFulltext {
		f.fulltext = nil
	}
}
