// Package manager implements the lazy group manager: it holds one finished
// group block plus the ordered list of factories describing which key owns
// which span of that block, and defers decompression until a factory's text
// is actually requested.
//
// Grounded on the teacher store's internal/block package (block.go's
// restart-point Iterator, which likewise defers decoding a block's entries
// until iteration reaches them) generalized from a fixed single-block reader
// to a block paired with mutable ownership metadata (factories can be
// trimmed or rebuilt into a fresh block before the manager is ever read).
package manager

import (
	"fmt"
	"sync"

	"github.com/breezy-team/groupstore/internal/groupblock"
)

// Key is an ordered tuple of name parts, matching the container access
// layer's name-tuple convention.
type Key []string

// Prefix returns the key's grouping prefix (its first part), used by the
// repack heuristics and by soft-mode detection to tell whether consecutive
// insertions belong to the same logical file.
func (k Key) Prefix() string {
	if len(k) == 0 {
		return ""
	}
	return k[0]
}

func (k Key) String() string {
	s := ""
	for i, p := range k {
		if i > 0 {
			s += "\x00"
		}
		s += p
	}
	return s
}

// StorageKind tags how a factory can deliver its bytes. It replaces the
// string-typed storage_kind the originating design dispatches on (see
// groupcompress package's Kind for a narrower, block-internal analogue).
type StorageKind int

const (
	StorageAbsent StorageKind = iota
	StorageBlock
	StorageBlockRef
	StorageFulltext
	StorageChunked
	StorageLines
)

func (s StorageKind) String() string {
	switch s {
	case StorageAbsent:
		return "absent"
	case StorageBlock:
		return "block"
	case StorageBlockRef:
		return "block-ref"
	case StorageFulltext:
		return "fulltext"
	case StorageChunked:
		return "chunked"
	case StorageLines:
		return "lines"
	default:
		return "unknown"
	}
}

// Factory is one key's handle into a Manager's block. The first factory
// added to a manager carries StorageBlock (it can deliver the whole wire
// envelope); every later one carries StorageBlockRef (it can only deliver
// its own span's fulltext, and must be replicated alongside the block it
// references).
type Factory struct {
	Key     Key
	Parents []Key
	Start   int
	End     int
	Kind    StorageKind

	mgr   *Manager
	cache []byte
}

// StorageKind reports how this factory can deliver its bytes.
func (f *Factory) StorageKind() StorageKind { return f.Kind }

// GetFulltext reconstructs this factory's text, decompressing through its
// manager on first call and caching the result for subsequent calls.
func (f *Factory) GetFulltext() ([]byte, error) {
	if f.mgr == nil {
		return nil, fmt.Errorf("manager: factory for key %v already released", f.Key)
	}
	if f.cache != nil {
		return f.cache, nil
	}
	if f.Start == f.End {
		f.cache = []byte{}
		return f.cache, nil
	}
	text, err := f.mgr.extract(f.Start, f.End)
	if err != nil {
		return nil, err
	}
	f.cache = text
	return text, nil
}

// Release drops the factory's cached text and its back-reference to the
// manager. Once released, GetFulltext fails: the caller has finished
// consuming this factory's bytes.
func (f *Factory) Release() {
	f.cache = nil
	f.mgr = nil
}

// Manager holds one finished block and the ordered factories describing
// which key owns which span.
type Manager struct {
	mu       sync.Mutex
	block    *groupblock.Block
	factories []*Factory
	lastByte int
}

// New wraps block as a manager with no factories yet.
func New(block *groupblock.Block) *Manager {
	return &Manager{block: block}
}

// AddFactory appends a new factory for key spanning [start, end) of the
// block's content buffer, and updates the manager's running maximum end.
func (m *Manager) AddFactory(key Key, parents []Key, start, end int) *Factory {
	kind := StorageBlockRef
	if len(m.factories) == 0 {
		kind = StorageBlock
	}
	f := &Factory{Key: key, Parents: parents, Start: start, End: end, Kind: kind, mgr: m}
	m.factories = append(m.factories, f)
	if end > m.lastByte {
		m.lastByte = end
	}
	return f
}

// GetRecordStream yields the factories in insertion order.
func (m *Manager) GetRecordStream() []*Factory {
	out := make([]*Factory, len(m.factories))
	copy(out, m.factories)
	return out
}

// Block returns the manager's underlying group block.
func (m *Manager) Block() *groupblock.Block { return m.block }

// Factories returns the manager's factories without copying ownership
// semantics; callers must not mutate the slice.
func (m *Manager) Factories() []*Factory { return m.factories }

// LastByte returns the maximum End across every factory added so far.
func (m *Manager) LastByte() int { return m.lastByte }

// extract decompresses up to at least end (prepare_for_extract) and returns
// the [start, end) span. Serialized by mu so concurrent factory reads on one
// manager don't race the block's internal decompression state.
func (m *Manager) extract(start, end int) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.block.Extract(start, end)
}

// ReplaceBlock installs a new block and spans after a trim or rebuild,
// leaving the factory slice's order and keys unchanged.
func (m *Manager) ReplaceBlock(block *groupblock.Block, spans map[string]struct{ Start, End int }) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.block = block
	lastByte := 0
	for _, f := range m.factories {
		if s, ok := spans[f.Key.String()]; ok {
			f.Start, f.End = s.Start, s.End
			f.cache = nil
		}
		if f.End > lastByte {
			lastByte = f.End
		}
	}
	m.lastByte = lastByte
}
