package groupstore

import (
	"errors"

	"github.com/breezy-team/groupstore/internal/access"
	"github.com/breezy-team/groupstore/internal/graphindex"
	"github.com/breezy-team/groupstore/internal/groupblock"
	"github.com/breezy-team/groupstore/internal/groupcompress"
)

// Sentinel errors matching the store's error taxonomy. Existing-content and
// inconsistent-parents are re-exported from the packages that detect them so
// callers can errors.Is against a single set of values regardless of which
// layer raised them.
var (
	// ErrExistingContent is returned by AddContent/AddLines when a caller's
	// nostoreSHA matched the computed hash; the insertion is abandoned and
	// the store's observable state is unchanged.
	ErrExistingContent = groupcompress.ErrExistingContent

	// ErrUnavailableRepresentation is returned by Factory.GetBytesAs when
	// the requested representation cannot be produced for this factory
	// (e.g. AsBlock on anything but a block-kind factory). Callers should
	// fall back to AsFulltext or skip the record.
	ErrUnavailableRepresentation = errors.New("groupstore: representation unavailable for this factory")

	// ErrCorrupt is returned when a block header, opcode stream, or
	// container record fails its invariant. Fatal for the affected block;
	// callers should invalidate any cached entry for it.
	ErrCorrupt = groupblock.ErrCorrupt

	// ErrReadOnly is returned by any mutating call on a store opened
	// read-only.
	ErrReadOnly = errors.New("groupstore: store is read-only")

	// ErrInconsistentParents is returned by the graph index when a caller
	// supplies a new parent list for an existing key under strict
	// configuration.
	ErrInconsistentParents = graphindex.ErrInconsistentParents
)

// IsRetry reports whether err signals that the access layer's container set
// was rewritten underneath a read (a repack completed concurrently). The
// caller should reopen its indices and retry exactly once; a second
// occurrence should be treated as fatal.
func IsRetry(err error) bool { return access.IsRetry(err) }
