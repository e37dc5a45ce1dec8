// Package graphindex maps keys to the locator that finds their bytes and to
// their parent keys, the structure the facade consults before ever touching
// the access layer.
//
// Grounded on the teacher store's internal/manifest package for the shape of
// a batched, tag-checked mutation log over an in-memory map (NewVersionEdit,
// EncodeTo/DecodeFrom, the "unknown required tag is fatal, unknown optional
// tag is skipped" convention) generalized from a single edit-replay log to a
// live key -> entry index with an explicit consistency-check knob, since the
// graph index here is queried far more than it is mutated and has no
// replay/recovery role of its own.
package graphindex

import (
	"fmt"
	"sort"
)

// Key identifies one record: an ordered tuple of name parts, the same shape
// used throughout the store (file-id/revision-id pairs, etc).
type Key string

// Locator is where a key's bytes live: which container, which byte range of
// the group block's compressed form, and which byte range of the block's
// decompressed content buffer.
type Locator struct {
	ContainerID    uint64
	GroupStart     int64
	GroupEnd       int64
	IntraBlockStart int
	IntraBlockEnd   int
}

// Entry is everything the index stores about one key.
type Entry struct {
	Locator Locator
	Parents []Key
	SHA1    string
}

// ErrInconsistentParents is returned by AddRecords when a key already exists
// with a different parent list and the index is configured strict.
var ErrInconsistentParents = fmt.Errorf("graphindex: inconsistent parents for existing key")

// Logger receives a message when AddRecords resolves a parent conflict by
// warning rather than failing (non-strict mode).
type Logger interface {
	Warnf(format string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Warnf(string, ...any) {}

// Index is a key -> Entry map with integer interning for the (GroupStart,
// GroupEnd) pair, which repeats across every record drawn from the same
// block.
type Index struct {
	strict bool
	logger Logger

	entries map[Key]Entry

	// spanTable interns (GroupStart, GroupEnd) pairs: group_start and
	// group_end repeat across every record of a shared block, so each
	// distinct pair is stored here once. Entries do not refer to this
	// table: each Entry still carries its own full Locator.
	spanTable []span
	spanIndex map[span]int32
}

type span struct {
	start, end int64
}

// New creates an empty index. strict governs AddRecords' behaviour when an
// existing key's parents conflict with a newly supplied list.
func New(strict bool, logger Logger) *Index {
	if logger == nil {
		logger = noopLogger{}
	}
	return &Index{
		strict:    strict,
		logger:    logger,
		entries:   make(map[Key]Entry),
		spanIndex: make(map[span]int32),
	}
}

// Record is the batch-insert input shape: a key, its parents, locator, and
// content hash.
type Record struct {
	Key     Key
	Parents []Key
	Locator Locator
	SHA1    string
}

// AddRecords inserts records in batch. Without randomID, a duplicate
// insertion of a key with identical parents is silently merged (a no-op); a
// duplicate with different parents is a consistency violation, handled per
// the strict/non-strict configuration. With randomID, the caller asserts
// every key is new and no conflict check is performed.
func (ix *Index) AddRecords(records []Record, randomID bool) error {
	for _, r := range records {
		ix.internSpan(r.Locator.GroupStart, r.Locator.GroupEnd)
		if randomID {
			ix.entries[r.Key] = Entry{Locator: r.Locator, Parents: r.Parents, SHA1: r.SHA1}
			continue
		}
		existing, ok := ix.entries[r.Key]
		if !ok {
			ix.entries[r.Key] = Entry{Locator: r.Locator, Parents: r.Parents, SHA1: r.SHA1}
			continue
		}
		if parentsEqual(existing.Parents, r.Parents) {
			continue
		}
		if ix.strict {
			return fmt.Errorf("graphindex: key %q: %w", r.Key, ErrInconsistentParents)
		}
		ix.logger.Warnf("graphindex: ignoring conflicting parents for key %q", r.Key)
	}
	return nil
}

func (ix *Index) internSpan(start, end int64) int32 {
	s := span{start, end}
	if i, ok := ix.spanIndex[s]; ok {
		return i
	}
	i := int32(len(ix.spanTable))
	ix.spanTable = append(ix.spanTable, s)
	ix.spanIndex[s] = i
	return i
}

func parentsEqual(a, b []Key) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// GetParentMap returns the parents recorded for each of keys that is
// present; absent keys are simply omitted from the result.
func (ix *Index) GetParentMap(keys []Key) map[Key][]Key {
	out := make(map[Key][]Key, len(keys))
	for _, k := range keys {
		if e, ok := ix.entries[k]; ok {
			out[k] = e.Parents
		}
	}
	return out
}

// GetBuildDetails returns the locator and parents for each of keys that is
// present.
func (ix *Index) GetBuildDetails(keys []Key) map[Key]Entry {
	out := make(map[Key]Entry, len(keys))
	for _, k := range keys {
		if e, ok := ix.entries[k]; ok {
			out[k] = e
		}
	}
	return out
}

// Keys returns every key in the index, sorted for deterministic iteration.
func (ix *Index) Keys() []Key {
	out := make([]Key, 0, len(ix.entries))
	for k := range ix.entries {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// IterEntries streams (key, entry) pairs for the keys of keys that are
// present, in the order given, calling fn for each. It stops and returns fn's error if fn returns one.
func (ix *Index) IterEntries(keys []Key, fn func(Key, Entry) error) error {
	for _, k := range keys {
		e, ok := ix.entries[k]
		if !ok {
			continue
		}
		if err := fn(k, e); err != nil {
			return err
		}
	}
	return nil
}

// FindAncestry returns the transitive closure of keys' ancestors (including
// keys themselves), following recorded parent links. Keys whose ancestors
// are not present in the index are silently treated as roots.
func (ix *Index) FindAncestry(keys []Key) []Key {
	seen := make(map[Key]bool)
	var order []Key
	var visit func(Key)
	visit = func(k Key) {
		if seen[k] {
			return
		}
		seen[k] = true
		e, ok := ix.entries[k]
		if !ok {
			order = append(order, k)
			return
		}
		for _, p := range e.Parents {
			visit(p)
		}
		order = append(order, k)
	}
	for _, k := range keys {
		visit(k)
	}
	return order
}

// Len reports how many keys are indexed.
func (ix *Index) Len() int { return len(ix.entries) }
