package groupstore

import "github.com/breezy-team/groupstore/internal/manager"

// StorageKind tags how a Factory can deliver its bytes.
type StorageKind = manager.StorageKind

const (
	StorageAbsent   = manager.StorageAbsent
	StorageBlock    = manager.StorageBlock
	StorageBlockRef = manager.StorageBlockRef
	StorageFulltext = manager.StorageFulltext
	StorageChunked  = manager.StorageChunked
	StorageLines    = manager.StorageLines
)

// RequestKind selects which representation a Factory should deliver.
type RequestKind int

const (
	AsFulltext RequestKind = iota
	AsChunked
	AsLines
	AsBlock
	AsBlockRef
)

func (k RequestKind) String() string {
	switch k {
	case AsFulltext:
		return "fulltext"
	case AsChunked:
		return "chunked"
	case AsLines:
		return "lines"
	case AsBlock:
		return "block"
	case AsBlockRef:
		return "block-ref"
	default:
		return "unknown"
	}
}
