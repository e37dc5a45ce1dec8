package groupstore

import "github.com/breezy-team/groupstore/internal/logging"

// Options configures a VersionedFiles store.
type Options struct {
	// MaxBytesToIndex caps how much of each compressor's source buffer the
	// delta engine indexes for matching. 0 disables indexing: every record
	// becomes a fulltext. Default 1 048 576 (1 MiB).
	MaxBytesToIndex int

	// MaxDeltaChainDepth bounds how many consecutive delta records may
	// reference back through one another, per key prefix, before a fulltext
	// is forced regardless of the size threshold. This restores the
	// original's periodic fulltext-forcing guard, absent from a purely
	// size-based threshold. Default 200.
	MaxDeltaChainDepth int

	// StrictParents makes the graph index fail an insertion that supplies a
	// different parent list for an existing key, rather than logging and
	// keeping the original. Default false (log and keep).
	StrictParents bool

	// ReadOnly rejects every mutating call with ErrReadOnly.
	ReadOnly bool

	// Logger receives warnings (e.g. a dropped inconsistent-parents
	// insertion). A random_id insertion is not checked or logged. A nil
	// Logger falls back to a warn-level logger writing to stderr.
	Logger logging.Logger
}

// DefaultMaxBytesToIndex mirrors groupcompress.DefaultMaxBytesToIndex; kept
// as its own constant here so callers configuring Options don't need to
// import the internal package.
const DefaultMaxBytesToIndex = 1 << 20

// DefaultMaxDeltaChainDepth is the original's periodic-fulltext guard,
// counted per key prefix.
const DefaultMaxDeltaChainDepth = 200

// DefaultOptions returns the store's default configuration.
func DefaultOptions() Options {
	return Options{
		MaxBytesToIndex:    DefaultMaxBytesToIndex,
		MaxDeltaChainDepth: DefaultMaxDeltaChainDepth,
	}
}

func (o Options) normalized() Options {
	if o.MaxDeltaChainDepth == 0 {
		o.MaxDeltaChainDepth = DefaultMaxDeltaChainDepth
	}
	o.Logger = logging.OrDefault(o.Logger)
	return o
}
