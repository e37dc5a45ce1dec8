package groupstore

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/breezy-team/groupstore/internal/access"
	"github.com/breezy-team/groupstore/internal/blockcache"
	"github.com/breezy-team/groupstore/internal/graphindex"
	"github.com/breezy-team/groupstore/internal/groupblock"
	"github.com/breezy-team/groupstore/internal/groupcompress"
	"github.com/breezy-team/groupstore/internal/manager"
	"github.com/breezy-team/groupstore/internal/vfs"
	"github.com/breezy-team/groupstore/internal/wire"
)

// Ordering selects the order GetRecordStream delivers factories in.
type Ordering int

const (
	// Unordered places no guarantee on delivery order.
	Unordered Ordering = iota
	// AsRequested preserves the caller's key order.
	AsRequested
	// Topological delivers parents before children.
	Topological
	// GroupCompress delivers reverse-topological order within each key
	// prefix, maximising delta reuse on the receiving side of a replication.
	GroupCompress
)

// blockSplitPrefixThreshold and blockSplitHardCap are the §4.6 insertion
// pipeline's block-size thresholds: a prefix change beyond the first forces
// a new block past 2 MiB, and any other insertion forces one past 4 MiB,
// except a text with the previous insertion's prefix that is at least half
// the size of the largest fulltext so far, which keeps filling the block.
const (
	blockSplitPrefixThreshold = 2 * 1024 * 1024
	blockSplitHardCap         = 4 * 1024 * 1024
)

// batchByteThreshold is the §4.6 batched-read flush threshold.
const batchByteThreshold = 65536

// ContentFactory is what a caller hands to AddContent: a record not yet
// stored, whose bytes are fetched lazily.
type ContentFactory interface {
	Key() Key
	Parents() []Key
	GetBytesAs(kind RequestKind) ([]byte, error)
}

// FallbackVersionedFiles is an ordered collaborator consulted for any key a
// store can't find locally; the first one with a hit wins.
type FallbackVersionedFiles interface {
	GetParentMap(keys []Key) map[string][]Key
	GetRecordStream(keys []Key, ordering Ordering, includeDeltaClosure bool) []*Factory
	Keys() []Key
}

type pendingEntry struct {
	key      Key
	parents  []Key
	start    int
	end      int
	sha1     string
	randomID bool
}

// VersionedFiles is the group-compressed versioned-file store's entry
// point: a single active compressor accumulating a block in memory, a graph
// index mapping keys to where their bytes live, and a bounded cache of
// decoded blocks on the read path.
//
// Grounded on the teacher store's top-level DB type (its single active
// memtable plus a version set of immutable, on-disk pieces) generalized
// from sorted key/value storage with compaction to an append-only sequence
// of compressed groups with no compaction, only an optional repack.
type VersionedFiles struct {
	mu   sync.Mutex
	opts Options
	fs   vfs.FS
	dir  string

	active         *groupcompress.Compressor
	pending        []pendingEntry
	lastPrefix     string
	largestFulltext int
	chainDepth     map[string]int

	nextContainerID uint64
	writers         map[uint64]*access.Writer
	readers         map[uint64]*access.Reader

	index       *graphindex.Index
	blockOwner  map[string]Key // "containerID:groupStart" -> first key of that block
	keysByBlock map[string][]Key

	cache *blockcache.Cache

	fallbacks []FallbackVersionedFiles
}

// New creates an empty store rooted at dir on fs.
func New(fs vfs.FS, dir string, opts Options) *VersionedFiles {
	opts = opts.normalized()
	return &VersionedFiles{
		opts:        opts,
		fs:          fs,
		dir:         dir,
		active:      groupcompress.New(groupcompress.Settings{MaxBytesToIndex: opts.MaxBytesToIndex}),
		chainDepth:  make(map[string]int),
		writers:     make(map[uint64]*access.Writer),
		readers:     make(map[uint64]*access.Reader),
		index:       graphindex.New(opts.StrictParents, opts.Logger),
		blockOwner:  make(map[string]Key),
		keysByBlock: make(map[string][]Key),
		cache:       blockcache.New(blockcache.DefaultCapacity),
	}
}

// AddFallbackVersionedFiles appends fv to the end of the fallback list
// consulted when a key cannot be found locally.
func (vf *VersionedFiles) AddFallbackVersionedFiles(fv FallbackVersionedFiles) {
	vf.mu.Lock()
	defer vf.mu.Unlock()
	vf.fallbacks = append(vf.fallbacks, fv)
}

// AddLines wraps lines into a content factory and forwards to AddContent.
// With checkContent, every line but the last must end in '\n'.
func (vf *VersionedFiles) AddLines(key Key, parents []Key, lines [][]byte, nostoreSHA string, randomID, checkContent bool) (sha1hex string, length int, err error) {
	if checkContent {
		for i, l := range lines {
			if i < len(lines)-1 && (len(l) == 0 || l[len(l)-1] != '\n') {
				return "", 0, fmt.Errorf("groupstore: line %d of key %v lacks a trailing newline", i, key)
			}
		}
	}
	total := 0
	for _, l := range lines {
		total += len(l)
	}
	text := make([]byte, 0, total)
	for _, l := range lines {
		text = append(text, l...)
	}
	return vf.AddContent(linesFactory{key: key, parents: parents, text: text}, nostoreSHA, randomID)
}

type linesFactory struct {
	key     Key
	parents []Key
	text    []byte
}

func (f linesFactory) Key() Key        { return f.key }
func (f linesFactory) Parents() []Key  { return f.parents }
func (f linesFactory) GetBytesAs(RequestKind) ([]byte, error) { return f.text, nil }

// AddContent runs the insertion pipeline once for factory's key and text,
// returning its content hash and length.
func (vf *VersionedFiles) AddContent(factory ContentFactory, nostoreSHA string, randomID bool) (sha1hex string, length int, err error) {
	if vf.opts.ReadOnly {
		return "", 0, ErrReadOnly
	}
	text, err := factory.GetBytesAs(AsFulltext)
	if err != nil {
		return "", 0, err
	}
	key := factory.Key()
	parents := factory.Parents()

	vf.mu.Lock()
	defer vf.mu.Unlock()

	if !randomID {
		if existing, ok := vf.lookupParents(key); ok {
			if parentsEqual(existing, parents) {
				// Idempotent insertion: observable state is unchanged.
				return vf.lookupSHA1Locked(key), len(text), nil
			}
			if vf.opts.StrictParents {
				return "", 0, fmt.Errorf("groupstore: key %v: %w", key, ErrInconsistentParents)
			}
			vf.opts.Logger.Warnf("groupstore: ignoring conflicting parents for existing key %v", key)
			return vf.lookupSHA1Locked(key), len(text), nil
		}
	}

	prefix := key.Prefix()
	chainTooDeep := vf.chainDepth[prefix] >= vf.opts.MaxDeltaChainDepth
	forceFulltext := chainTooDeep || vf.opts.MaxBytesToIndex == 0
	soft := prefix == vf.lastPrefix && vf.lastPrefix != ""

	sha1hex, start, end, kind, err := vf.active.Add(key.String(), text, "", nostoreSHA, soft, forceFulltext)
	if err != nil {
		return "", 0, err
	}

	prefixChanged := vf.lastPrefix != "" && prefix != vf.lastPrefix
	sameFileBigText := !prefixChanged && len(text) >= vf.largestFulltext/2
	startNew := false
	if prefixChanged && vf.active.Endpoint() > blockSplitPrefixThreshold {
		startNew = true
	} else if !sameFileBigText && vf.active.Endpoint() > blockSplitHardCap {
		startNew = true
	}

	if startNew && len(vf.pending) > 0 {
		if err := vf.active.PopLast(); err != nil {
			return "", 0, fmt.Errorf("groupstore: roll back before block split: %w", err)
		}
		if err := vf.flushActiveLocked(); err != nil {
			return "", 0, fmt.Errorf("groupstore: flush before block split: %w", err)
		}
		sha1hex, start, end, kind, err = vf.active.Add(key.String(), text, sha1hex, "", false, forceFulltext)
		if err != nil {
			return "", 0, err
		}
	}

	vf.pending = append(vf.pending, pendingEntry{key: key, parents: parents, start: start, end: end, sha1: sha1hex, randomID: randomID})
	vf.lastPrefix = prefix
	if kind == groupcompress.KindFulltext && len(text) > vf.largestFulltext {
		vf.largestFulltext = len(text)
	}
	if kind == groupcompress.KindFulltext {
		vf.chainDepth[prefix] = 0
	} else {
		vf.chainDepth[prefix]++
	}

	return sha1hex, len(text), nil
}

func (vf *VersionedFiles) lookupParents(key Key) ([]Key, bool) {
	for _, p := range vf.pending {
		if p.key.String() == key.String() {
			return p.parents, true
		}
	}
	if e, ok := vf.index.GetBuildDetails([]graphindex.Key{graphindex.Key(key.String())})[graphindex.Key(key.String())]; ok {
		return fromIndexKeys(e.Parents), true
	}
	return nil, false
}

func (vf *VersionedFiles) lookupSHA1Locked(key Key) string {
	for _, p := range vf.pending {
		if p.key.String() == key.String() {
			return p.sha1
		}
	}
	if e, ok := vf.index.GetBuildDetails([]graphindex.Key{graphindex.Key(key.String())})[graphindex.Key(key.String())]; ok {
		return e.SHA1
	}
	return ""
}

func parentsEqual(a, b []Key) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].String() != b[i].String() {
			return false
		}
	}
	return true
}

func toIndexKeys(keys []Key) []graphindex.Key {
	out := make([]graphindex.Key, len(keys))
	for i, k := range keys {
		out[i] = graphindex.Key(k.String())
	}
	return out
}

func fromIndexKeys(keys []graphindex.Key) []Key {
	out := make([]Key, len(keys))
	for i, k := range keys {
		out[i] = splitKeyString(string(k))
	}
	return out
}

func splitKeyString(s string) Key {
	if s == "" {
		return Key{}
	}
	return Key(strings.Split(s, "\x00"))
}

// Flush forces the active compressor's accumulated records out to storage,
// even if no block-split threshold has been crossed. Callers normally don't
// need this: it exists for tests and for an explicit checkpoint before
// closing the store.
func (vf *VersionedFiles) Flush() error {
	vf.mu.Lock()
	defer vf.mu.Unlock()
	return vf.flushActiveLocked()
}

func (vf *VersionedFiles) flushActiveLocked() error {
	if len(vf.pending) == 0 {
		return nil
	}

	block, err := vf.active.Flush()
	if err != nil {
		return err
	}

	mgr := manager.New(block)
	mgrFactories := make([]*manager.Factory, len(vf.pending))
	for i, p := range vf.pending {
		mgrFactories[i] = mgr.AddFactory(p.key, p.parents, p.start, p.end)
	}

	if action, lastByteUsed := manager.CheckRebuildAction(mgr); action != manager.ActionNone {
		if action == manager.ActionTrim {
			if err := manager.Trim(mgr, lastByteUsed); err != nil {
				return err
			}
		} else {
			settings := groupcompress.Settings{MaxBytesToIndex: vf.opts.MaxBytesToIndex}
			if err := manager.Rebuild(mgr, settings); err != nil {
				return err
			}
		}
	}

	rawContent, err := mgr.Block().ContentThrough(mgr.Block().ContentLen())
	if err != nil {
		return fmt.Errorf("groupstore: read flushed block content: %w", err)
	}
	blockBytes, err := groupblock.Serialize(rawContent)
	if err != nil {
		return fmt.Errorf("groupstore: serialize flushed block: %w", err)
	}

	containerID := vf.nextContainerID
	vf.nextContainerID++
	writer, err := vf.openWriterLocked(containerID)
	if err != nil {
		return err
	}
	memo, err := writer.AddRawRecord([][]string{{"block"}}, blockBytes)
	if err != nil {
		return fmt.Errorf("groupstore: write block: %w", err)
	}

	blockID := fmt.Sprintf("%d:%d", containerID, memo.Offset)
	records := make([]graphindex.Record, len(vf.pending))
	blockKeys := make([]Key, len(vf.pending))
	for i, f := range mgrFactories {
		records[i] = graphindex.Record{
			Key:     graphindex.Key(f.Key.String()),
			Parents: toIndexKeys(f.Parents),
			Locator: graphindex.Locator{
				ContainerID:     containerID,
				GroupStart:      memo.Offset,
				GroupEnd:        memo.Offset + memo.Length,
				IntraBlockStart: f.Start,
				IntraBlockEnd:   f.End,
			},
			SHA1: vf.pending[i].sha1,
		}
		blockKeys[i] = f.Key
	}
	if err := vf.index.AddRecords(records, anyRandomID(vf.pending)); err != nil {
		return err
	}
	vf.blockOwner[blockID] = blockKeys[0]
	vf.keysByBlock[blockID] = blockKeys

	vf.active = groupcompress.New(groupcompress.Settings{MaxBytesToIndex: vf.opts.MaxBytesToIndex})
	vf.pending = nil
	vf.largestFulltext = 0
	vf.lastPrefix = ""
	return nil
}

func anyRandomID(pending []pendingEntry) bool {
	for _, p := range pending {
		if p.randomID {
			return true
		}
	}
	return false
}

func (vf *VersionedFiles) openWriterLocked(containerID uint64) (*access.Writer, error) {
	if w, ok := vf.writers[containerID]; ok {
		return w, nil
	}
	path := filepath.Join(vf.dir, fmt.Sprintf("container-%d", containerID))
	f, err := vf.fs.Create(path)
	if err != nil {
		return nil, fmt.Errorf("groupstore: create container %d: %w", containerID, err)
	}
	w := access.NewWriter(f, containerID, 0)
	vf.writers[containerID] = w
	return w, nil
}

func (vf *VersionedFiles) openReaderLocked(containerID uint64) (*access.Reader, error) {
	if r, ok := vf.readers[containerID]; ok {
		return r, nil
	}
	path := filepath.Join(vf.dir, fmt.Sprintf("container-%d", containerID))
	f, err := vf.fs.OpenRandomAccess(path)
	if err != nil {
		return nil, fmt.Errorf("groupstore: open container %d: %w", containerID, err)
	}
	r := access.NewReader(f, containerID)
	vf.readers[containerID] = r
	return r, nil
}

// GetSHA1s returns a map (keyed by key.String()) of each requested key's
// content hash, for whichever of keys are present locally.
func (vf *VersionedFiles) GetSHA1s(keys []Key) map[string]string {
	vf.mu.Lock()
	defer vf.mu.Unlock()
	out := make(map[string]string, len(keys))
	for _, k := range keys {
		if s := vf.lookupSHA1Locked(k); s != "" {
			out[k.String()] = s
		}
	}
	return out
}

// GetParentMap returns a map (keyed by key.String()) from each of keys
// found locally or in a fallback to its parents.
func (vf *VersionedFiles) GetParentMap(keys []Key) map[string][]Key {
	vf.mu.Lock()
	missing := make([]Key, 0, len(keys))
	out := make(map[string][]Key, len(keys))
	for _, k := range keys {
		if p, ok := vf.lookupParents(k); ok {
			out[k.String()] = p
		} else {
			missing = append(missing, k)
		}
	}
	fallbacks := append([]FallbackVersionedFiles(nil), vf.fallbacks...)
	vf.mu.Unlock()

	for _, fb := range fallbacks {
		if len(missing) == 0 {
			break
		}
		got := fb.GetParentMap(missing)
		var stillMissing []Key
		for _, k := range missing {
			if p, ok := got[k.String()]; ok {
				out[k.String()] = p
			} else {
				stillMissing = append(stillMissing, k)
			}
		}
		missing = stillMissing
	}
	return out
}

// Keys enumerates every key held locally or by any fallback.
func (vf *VersionedFiles) Keys() []Key {
	vf.mu.Lock()
	seen := make(map[string]bool)
	var out []Key
	for _, p := range vf.pending {
		if !seen[p.key.String()] {
			seen[p.key.String()] = true
			out = append(out, p.key)
		}
	}
	for _, k := range vf.index.Keys() {
		key := splitKeyString(string(k))
		if !seen[key.String()] {
			seen[key.String()] = true
			out = append(out, key)
		}
	}
	fallbacks := append([]FallbackVersionedFiles(nil), vf.fallbacks...)
	vf.mu.Unlock()

	for _, fb := range fallbacks {
		for _, k := range fb.Keys() {
			if !seen[k.String()] {
				seen[k.String()] = true
				out = append(out, k)
			}
		}
	}
	return out
}

// IterLinesAddedOrPresentInKeys yields (line, key) pairs for every key in
// keys present locally or in a fallback, in arbitrary order.
func (vf *VersionedFiles) IterLinesAddedOrPresentInKeys(keys []Key, fn func(line []byte, key Key) error) error {
	factories := vf.GetRecordStream(keys, Unordered, true)
	for _, f := range factories {
		if f.StorageKind() == StorageAbsent {
			continue
		}
		text, err := f.GetBytesAs(AsFulltext)
		if err != nil {
			return err
		}
		for _, line := range SplitLines(text) {
			if err := fn(line, f.Key()); err != nil {
				return err
			}
		}
	}
	return nil
}

// GetRecordStream returns a factory for every key in keys, ordered per
// ordering. A key absent both locally and from every fallback yields an
// absent factory rather than an error.
func (vf *VersionedFiles) GetRecordStream(keys []Key, ordering Ordering, includeDeltaClosure bool) []*Factory {
	vf.mu.Lock()
	ordered := vf.orderKeys(keys, ordering)
	var localPlan []Key
	var unresolved []Key
	for _, k := range ordered {
		if vf.hasLocal(k) {
			localPlan = append(localPlan, k)
		} else {
			unresolved = append(unresolved, k)
		}
	}
	local := vf.resolveLocalLocked(localPlan)
	fallbacks := append([]FallbackVersionedFiles(nil), vf.fallbacks...)
	vf.mu.Unlock()

	result := make([]*Factory, 0, len(ordered))
	localByKey := make(map[string]*Factory, len(local))
	for _, f := range local {
		localByKey[f.Key().String()] = f
	}

	remaining := make(map[string]bool, len(unresolved))
	for _, k := range unresolved {
		remaining[k.String()] = true
	}
	fromFallback := make(map[string]*Factory)
	for _, fb := range fallbacks {
		if len(remaining) == 0 {
			break
		}
		var ask []Key
		for k := range remaining {
			ask = append(ask, splitKeyString(k))
		}
		got := fb.GetRecordStream(ask, Unordered, includeDeltaClosure)
		for _, f := range got {
			if f.StorageKind() == StorageAbsent {
				continue
			}
			fromFallback[f.Key().String()] = f
			delete(remaining, f.Key().String())
		}
	}

	for _, k := range ordered {
		if f, ok := localByKey[k.String()]; ok {
			result = append(result, f)
		} else if f, ok := fromFallback[k.String()]; ok {
			result = append(result, f)
		} else {
			result = append(result, newAbsentFactory(k))
		}
	}
	return result
}

func (vf *VersionedFiles) hasLocal(k Key) bool {
	for _, p := range vf.pending {
		if p.key.String() == k.String() {
			return true
		}
	}
	_, ok := vf.index.GetBuildDetails([]graphindex.Key{graphindex.Key(k.String())})[graphindex.Key(k.String())]
	return ok
}

// resolveLocalLocked builds factories for every key known to be present
// locally, sorting index-backed keys by (container, group start) for I/O
// locality. Each key's block is fetched on its own through the block cache;
// reads are not combined into one access-layer call per batch. A key whose
// factory cannot be built is left out of the result.
func (vf *VersionedFiles) resolveLocalLocked(keys []Key) []*Factory {
	var out []*Factory

	type flushedKey struct {
		key   Key
		entry graphindex.Entry
	}
	var flushed []flushedKey
	for _, k := range keys {
		found := false
		for _, p := range vf.pending {
			if p.key.String() == k.String() {
				text, err := vf.active.Extract(k.String())
				if err != nil {
					continue
				}
				out = append(out, newFulltextFactory(k, p.parents, p.sha1, text))
				found = true
				break
			}
		}
		if found {
			continue
		}
		if e, ok := vf.index.GetBuildDetails([]graphindex.Key{graphindex.Key(k.String())})[graphindex.Key(k.String())]; ok {
			flushed = append(flushed, flushedKey{key: k, entry: e})
		}
	}

	sort.Slice(flushed, func(i, j int) bool {
		a, b := flushed[i].entry.Locator, flushed[j].entry.Locator
		if a.ContainerID != b.ContainerID {
			return a.ContainerID < b.ContainerID
		}
		return a.GroupStart < b.GroupStart
	})

	var batch []flushedKey
	batchBytes := int64(0)
	flush := func() {
		for _, fk := range batch {
			f, err := vf.buildFlushedFactory(fk.key, fk.entry)
			if err != nil {
				continue
			}
			out = append(out, f)
		}
		batch = nil
		batchBytes = 0
	}
	for _, fk := range flushed {
		batch = append(batch, fk)
		batchBytes += fk.entry.Locator.GroupEnd - fk.entry.Locator.GroupStart
		if batchBytes > batchByteThreshold {
			flush()
		}
	}
	flush()

	return out
}

func (vf *VersionedFiles) buildFlushedFactory(key Key, e graphindex.Entry) (*Factory, error) {
	loc := e.Locator
	memo := access.Memo{ContainerID: loc.ContainerID, Offset: loc.GroupStart, Length: loc.GroupEnd - loc.GroupStart}

	blk, err := vf.loadBlockLocked(memo)
	if err != nil {
		return nil, err
	}

	blockID := fmt.Sprintf("%d:%d", loc.ContainerID, loc.GroupStart)
	mgr := manager.New(blk)
	var mf *manager.Factory
	for _, k := range vf.keysByBlockLocked(blockID) {
		e2, ok := vf.index.GetBuildDetails([]graphindex.Key{graphindex.Key(k.String())})[graphindex.Key(k.String())]
		if !ok {
			continue
		}
		candidate := mgr.AddFactory(k, fromIndexKeys(e2.Parents), e2.Locator.IntraBlockStart, e2.Locator.IntraBlockEnd)
		if k.String() == key.String() {
			mf = candidate
		}
	}
	if mf == nil {
		return nil, fmt.Errorf("groupstore: key %v not found in its own block", key)
	}
	if owner, ok := vf.blockOwner[blockID]; !ok || owner.String() != key.String() {
		mf.Kind = StorageBlockRef
	}

	return newManagerFactory(mgr, mf, e.SHA1, mf.End-mf.Start), nil
}

func (vf *VersionedFiles) keysByBlockLocked(blockID string) []Key {
	if ks, ok := vf.keysByBlock[blockID]; ok {
		return ks
	}
	// Not cached (e.g. the index was loaded from a snapshot without the
	// in-memory side table): rebuild by a full scan. Correct but O(n); a
	// persistent build would carry this table alongside the snapshot.
	var out []Key
	for _, k := range vf.index.Keys() {
		e, ok := vf.index.GetBuildDetails([]graphindex.Key{k})[k]
		if !ok {
			continue
		}
		candidateID := fmt.Sprintf("%d:%d", e.Locator.ContainerID, e.Locator.GroupStart)
		if candidateID == blockID {
			out = append(out, splitKeyString(string(k)))
		}
	}
	vf.keysByBlock[blockID] = out
	if len(out) > 0 {
		vf.blockOwner[blockID] = out[0]
	}
	return out
}

func (vf *VersionedFiles) loadBlockLocked(memo access.Memo) (*groupblock.Block, error) {
	cacheKey := blockcache.Memo{ContainerID: memo.ContainerID, Offset: memo.Offset, Length: memo.Length}
	if h := vf.cache.Lookup(cacheKey); h != nil {
		defer vf.cache.Release(h)
		return h.Value().(*groupblock.Block), nil
	}
	raw, err := vf.readRawWithRetry(memo)
	if err != nil {
		return nil, err
	}
	blk, err := groupblock.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("groupstore: %w: %v", ErrCorrupt, err)
	}
	h := vf.cache.Insert(cacheKey, blk, uint64(len(raw)))
	vf.cache.Release(h)
	return blk, nil
}

// readRawWithRetry fetches memo's bytes, retrying exactly once by reopening
// the container if the access layer reports a transient failure. A second
// retry condition in a row is treated as fatal rather than retried again.
func (vf *VersionedFiles) readRawWithRetry(memo access.Memo) ([]byte, error) {
	reader, err := vf.openReaderLocked(memo.ContainerID)
	if err != nil {
		return nil, err
	}
	raw, err := reader.GetRawRecord(memo)
	if err == nil {
		return raw, nil
	}
	if !access.IsRetry(err) {
		return nil, err
	}
	delete(vf.readers, memo.ContainerID)
	reader, err = vf.openReaderLocked(memo.ContainerID)
	if err != nil {
		return nil, err
	}
	raw, err = reader.GetRawRecord(memo)
	if err != nil {
		if access.IsRetry(err) {
			return nil, fmt.Errorf("groupstore: retry failed twice for container %d: %w", memo.ContainerID, err)
		}
		return nil, err
	}
	return raw, nil
}

// InsertRecordStream accepts factories from a peer. A StorageBlock factory
// whose manager is well utilised is replicated verbatim (byte-copy); a
// StorageBlockRef factory is accepted when its key is already stored
// locally, as it is once an earlier StorageBlock factory of this call has
// been inserted, whether verbatim or by recompression; anything else is
// extracted to a fulltext and fed through the ordinary compressor.
func (vf *VersionedFiles) InsertRecordStream(factories []*Factory) error {
	if vf.opts.ReadOnly {
		return ErrReadOnly
	}
	for _, f := range factories {
		switch f.StorageKind() {
		case StorageAbsent:
			continue
		case StorageBlock:
			if err := vf.insertBlockVerbatim(f); err != nil {
				return err
			}
		case StorageBlockRef:
			// The referenced block must already have been inserted by an
			// earlier StorageBlock factory in this same stream.
			if err := vf.insertBlockRef(f); err != nil {
				return err
			}
		default:
			text, err := f.GetBytesAs(AsFulltext)
			if err != nil {
				return err
			}
			if _, _, err := vf.AddContent(rawFactory{key: f.Key(), parents: f.Parents(), text: text}, "", false); err != nil {
				return err
			}
		}
	}
	return nil
}

type rawFactory struct {
	key     Key
	parents []Key
	text    []byte
}

func (f rawFactory) Key() Key                            { return f.key }
func (f rawFactory) Parents() []Key                      { return f.parents }
func (f rawFactory) GetBytesAs(RequestKind) ([]byte, error) { return f.text, nil }

// insertBlockVerbatim replicates a StorageBlock factory's block, choosing
// byte-copy replication when the source manager is well utilised and
// falling back to fulltext extraction plus recompression otherwise, so a
// poorly packed peer block is never inherited verbatim.
func (vf *VersionedFiles) insertBlockVerbatim(f *Factory) error {
	if !f.wellUtilised() {
		return vf.insertBlockByRecompression(f)
	}

	envelope, err := f.GetBytesAs(AsBlock)
	if err != nil {
		return err
	}
	records, blockBytes, err := wire.Decode(envelope)
	if err != nil {
		return fmt.Errorf("groupstore: %w: %v", ErrCorrupt, err)
	}

	vf.mu.Lock()
	defer vf.mu.Unlock()

	containerID := vf.nextContainerID
	vf.nextContainerID++
	writer, err := vf.openWriterLocked(containerID)
	if err != nil {
		return err
	}
	memo, err := writer.AddRawRecord([][]string{{"block"}}, blockBytes)
	if err != nil {
		return err
	}

	// The wire envelope carries no per-record hash, so recover each record's
	// SHA1 by decompressing its span once here rather than leaving GetSHA1s
	// unable to answer for a byte-copy replicated key.
	blk, err := groupblock.Parse(blockBytes)
	if err != nil {
		return fmt.Errorf("groupstore: %w: %v", ErrCorrupt, err)
	}
	sha1Mgr := manager.New(blk)

	blockID := fmt.Sprintf("%d:%d", containerID, memo.Offset)
	idxRecords := make([]graphindex.Record, len(records))
	blockKeys := make([]Key, len(records))
	for i, r := range records {
		mf := sha1Mgr.AddFactory(r.Key, r.Parents, r.Start, r.End)
		text, err := mf.GetFulltext()
		if err != nil {
			return err
		}
		sum := sha1.Sum(text)
		idxRecords[i] = graphindex.Record{
			Key:     graphindex.Key(r.Key.String()),
			Parents: toIndexKeys(r.Parents),
			Locator: graphindex.Locator{
				ContainerID:     containerID,
				GroupStart:      memo.Offset,
				GroupEnd:        memo.Offset + memo.Length,
				IntraBlockStart: r.Start,
				IntraBlockEnd:   r.End,
			},
			SHA1: hex.EncodeToString(sum[:]),
		}
		blockKeys[i] = r.Key
	}
	if err := vf.index.AddRecords(idxRecords, false); err != nil {
		return err
	}
	vf.blockOwner[blockID] = blockKeys[0]
	vf.keysByBlock[blockID] = blockKeys
	return nil
}

// insertBlockByRecompression extracts every record in f's block to a
// fulltext and reinserts each through the ordinary AddContent path, rather
// than inheriting the peer's packing decisions.
func (vf *VersionedFiles) insertBlockByRecompression(f *Factory) error {
	envelope, err := f.GetBytesAs(AsBlock)
	if err != nil {
		return err
	}
	records, blockBytes, err := wire.Decode(envelope)
	if err != nil {
		return fmt.Errorf("groupstore: %w: %v", ErrCorrupt, err)
	}
	blk, err := groupblock.Parse(blockBytes)
	if err != nil {
		return fmt.Errorf("groupstore: %w: %v", ErrCorrupt, err)
	}

	mgr := manager.New(blk)
	for _, r := range records {
		mf := mgr.AddFactory(r.Key, r.Parents, r.Start, r.End)
		text, err := mf.GetFulltext()
		if err != nil {
			return err
		}
		if _, _, err := vf.AddContent(rawFactory{key: r.Key, parents: r.Parents, text: text}, "", false); err != nil {
			return err
		}
	}
	return nil
}

func (vf *VersionedFiles) insertBlockRef(f *Factory) error {
	vf.mu.Lock()
	defer vf.mu.Unlock()
	if vf.hasLocal(f.Key()) {
		return nil
	}
	return fmt.Errorf("groupstore: block-ref for key %v references a block not present in this stream", f.Key())
}

// orderKeys implements the unordered/as-requested/topological/groupcompress
// orderings described for GetRecordStream.
func (vf *VersionedFiles) orderKeys(keys []Key, ordering Ordering) []Key {
	switch ordering {
	case AsRequested, Unordered:
		out := make([]Key, len(keys))
		copy(out, keys)
		return out
	case Topological:
		return vf.topoSort(keys, false)
	case GroupCompress:
		return vf.groupCompressOrder(keys)
	default:
		out := make([]Key, len(keys))
		copy(out, keys)
		return out
	}
}

func (vf *VersionedFiles) topoSort(keys []Key, reverse bool) []Key {
	inSet := make(map[string]bool, len(keys))
	for _, k := range keys {
		inSet[k.String()] = true
	}
	visited := make(map[string]bool)
	var order []Key
	var visit func(Key)
	visit = func(k Key) {
		if visited[k.String()] {
			return
		}
		visited[k.String()] = true
		if parents, ok := vf.lookupParents(k); ok {
			for _, p := range parents {
				if inSet[p.String()] {
					visit(p)
				}
			}
		}
		order = append(order, k)
	}
	for _, k := range keys {
		visit(k)
	}
	if reverse {
		for i, j := 0, len(order)-1; i < j; i, j = i+1, j-1 {
			order[i], order[j] = order[j], order[i]
		}
	}
	return order
}

func (vf *VersionedFiles) groupCompressOrder(keys []Key) []Key {
	var prefixOrder []string
	seenPrefix := make(map[string]bool)
	groups := make(map[string][]Key)
	for _, k := range keys {
		p := k.Prefix()
		if !seenPrefix[p] {
			seenPrefix[p] = true
			prefixOrder = append(prefixOrder, p)
		}
		groups[p] = append(groups[p], k)
	}
	var out []Key
	for _, p := range prefixOrder {
		out = append(out, vf.topoSort(groups[p], true)...)
	}
	return out
}
