package groupstore

import (
	"testing"

	"github.com/breezy-team/groupstore/internal/vfs"
)

func newTestStore(t *testing.T) *VersionedFiles {
	t.Helper()
	return New(vfs.Default(), t.TempDir(), DefaultOptions())
}

func mustAddLines(t *testing.T, vf *VersionedFiles, key Key, parents []Key, text string) string {
	t.Helper()
	sha1hex, _, err := vf.AddLines(key, parents, [][]byte{[]byte(text)}, "", false, false)
	if err != nil {
		t.Fatalf("AddLines(%v): %v", key, err)
	}
	return sha1hex
}

// S1: three related texts sharing a prefix, read back in groupcompress
// order, come back reverse-topological (children before parents) so the
// receiver's delta chain replays forward.
func TestGroupCompressOrdering(t *testing.T) {
	vf := newTestStore(t)
	k1 := Key{"file", "1"}
	k2 := Key{"file", "2"}
	k3 := Key{"file", "3"}

	mustAddLines(t, vf, k1, nil, "base revision of the file, quite a bit of text here to seed a delta\n")
	mustAddLines(t, vf, k2, []Key{k1}, "base revision of the file, quite a bit of text here to seed a delta, plus one more line\n")
	mustAddLines(t, vf, k3, []Key{k2}, "base revision of the file, quite a bit of text here to seed a delta, plus one more line, and another\n")

	factories := vf.GetRecordStream([]Key{k1, k2, k3}, GroupCompress, true)
	if len(factories) != 3 {
		t.Fatalf("got %d factories, want 3", len(factories))
	}
	got := []string{factories[0].Key().String(), factories[1].Key().String(), factories[2].Key().String()}
	want := []string{k3.String(), k2.String(), k1.String()}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("groupcompress order = %v, want %v", got, want)
		}
	}

	wantText := map[string]string{
		k1.String(): "base revision of the file, quite a bit of text here to seed a delta\n",
		k2.String(): "base revision of the file, quite a bit of text here to seed a delta, plus one more line\n",
		k3.String(): "base revision of the file, quite a bit of text here to seed a delta, plus one more line, and another\n",
	}
	for _, f := range factories {
		text, err := f.GetBytesAs(AsFulltext)
		if err != nil {
			t.Fatalf("GetBytesAs(%v): %v", f.Key(), err)
		}
		if string(text) != wantText[f.Key().String()] {
			t.Fatalf("fulltext for %v = %q, want %q", f.Key(), text, wantText[f.Key().String()])
		}
	}
}

// S2: the empty text hashes to the well-known SHA-1 of the empty string, and
// a matching nostoreSHA reports ErrExistingContent.
func TestEmptyContentHashAndNostoreSHA(t *testing.T) {
	vf := newTestStore(t)
	key := Key{"file", "empty"}

	sha1hex, length, err := vf.AddLines(key, nil, nil, "", false, false)
	if err != nil {
		t.Fatalf("AddLines: %v", err)
	}
	if length != 0 {
		t.Fatalf("length = %d, want 0", length)
	}
	const emptySHA1 = "da39a3ee5e6b4b0d3255bfef95601890afd80709"
	if sha1hex != emptySHA1 {
		t.Fatalf("sha1 = %q, want %q", sha1hex, emptySHA1)
	}

	key2 := Key{"file", "empty2"}
	_, _, err = vf.AddLines(key2, nil, nil, emptySHA1, false, false)
	if err != ErrExistingContent {
		t.Fatalf("second empty insert with matching nostoreSHA: got %v, want ErrExistingContent", err)
	}
}

// S3: a key held only by a single fallback store is visible through the
// primary's GetRecordStream and GetParentMap.
func TestFallbackComposition(t *testing.T) {
	primary := newTestStore(t)
	fallback := newTestStore(t)

	key := Key{"file", "shared"}
	mustAddLines(t, fallback, key, nil, "text only the fallback holds\n")
	if err := fallback.Flush(); err != nil {
		t.Fatalf("Flush fallback: %v", err)
	}

	primary.AddFallbackVersionedFiles(fallback)

	factories := primary.GetRecordStream([]Key{key}, Unordered, true)
	if len(factories) != 1 {
		t.Fatalf("got %d factories, want 1", len(factories))
	}
	if factories[0].StorageKind() == StorageAbsent {
		t.Fatalf("key served by fallback reported absent")
	}
	text, err := factories[0].GetBytesAs(AsFulltext)
	if err != nil {
		t.Fatalf("GetBytesAs: %v", err)
	}
	if string(text) != "text only the fallback holds\n" {
		t.Fatalf("text = %q", text)
	}

	parents := primary.GetParentMap([]Key{key})
	if _, ok := parents[key.String()]; !ok {
		t.Fatalf("GetParentMap did not resolve key via fallback")
	}
}

// S4: replicating a block through InsertRecordStream preserves every key's
// fulltext. The six small texts leave the block short of the well-utilised
// thresholds, so this exercises extraction and recompression followed by
// the block-ref factories of the same block.
func TestInsertRecordStreamPreservesContent(t *testing.T) {
	source := newTestStore(t)
	keys := make([]Key, 0, 6)
	for i := 0; i < 6; i++ {
		k := Key{"file", string(rune('a' + i))}
		mustAddLines(t, source, k, nil, "enough distinct text to make this block worth keeping as one unit padding padding padding\n")
		keys = append(keys, k)
	}
	if err := source.Flush(); err != nil {
		t.Fatalf("Flush source: %v", err)
	}

	factories := source.GetRecordStream(keys, AsRequested, true)
	var before [][]byte
	for _, f := range factories {
		text, err := f.GetBytesAs(AsFulltext)
		if err != nil {
			t.Fatalf("GetBytesAs: %v", err)
		}
		before = append(before, text)
	}

	dest := newTestStore(t)
	if err := dest.InsertRecordStream(factories); err != nil {
		t.Fatalf("InsertRecordStream: %v", err)
	}

	destFactories := dest.GetRecordStream(keys, AsRequested, true)
	for i, f := range destFactories {
		if f.StorageKind() == StorageAbsent {
			t.Fatalf("key %v missing after InsertRecordStream", keys[i])
		}
		text, err := f.GetBytesAs(AsFulltext)
		if err != nil {
			t.Fatalf("GetBytesAs after insert: %v", err)
		}
		if string(text) != string(before[i]) {
			t.Fatalf("key %v: text changed across replication", keys[i])
		}
	}
}

// A block read for a flushed key is held in the block cache.
func TestFlushedBlockReadIsCached(t *testing.T) {
	vf := newTestStore(t)
	key := Key{"file", "x"}
	mustAddLines(t, vf, key, nil, "some content\n")
	if err := vf.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	factories := vf.GetRecordStream([]Key{key}, Unordered, true)
	if len(factories) != 1 || factories[0].StorageKind() == StorageAbsent {
		t.Fatalf("expected the flushed key to resolve")
	}

	// Only the successful path is checked: the block was parsed, so the
	// cache holds it.
	if vf.cache.Usage() == 0 {
		t.Fatalf("expected the cache to hold the just-read block")
	}
}

func TestAddContentIdempotentInsertion(t *testing.T) {
	vf := newTestStore(t)
	key := Key{"file", "dup"}
	parents := []Key{{"file", "base"}}
	mustAddLines(t, vf, parents[0], nil, "base\n")

	sha1a := mustAddLines(t, vf, key, parents, "duplicate content\n")
	sha1b := mustAddLines(t, vf, key, parents, "duplicate content\n")
	if sha1a != sha1b {
		t.Fatalf("idempotent insertion changed hash: %q != %q", sha1a, sha1b)
	}
}

func TestAddContentInconsistentParentsStrict(t *testing.T) {
	opts := DefaultOptions()
	opts.StrictParents = true
	vf := New(vfs.Default(), t.TempDir(), opts)

	key := Key{"file", "x"}
	mustAddLines(t, vf, key, nil, "first\n")
	_, _, err := vf.AddLines(key, []Key{{"file", "phantom-parent"}}, [][]byte{[]byte("first\n")}, "", false, false)
	if err == nil {
		t.Fatalf("expected an error for conflicting parents under strict mode")
	}
}

func TestGetSHA1sAfterFlush(t *testing.T) {
	vf := newTestStore(t)
	key := Key{"file", "y"}
	want := mustAddLines(t, vf, key, nil, "content for hashing\n")
	if err := vf.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	got := vf.GetSHA1s([]Key{key})
	if got[key.String()] != want {
		t.Fatalf("GetSHA1s after flush = %q, want %q", got[key.String()], want)
	}
}

func TestKeysEnumeratesLocalAndPending(t *testing.T) {
	vf := newTestStore(t)
	k1 := Key{"file", "1"}
	k2 := Key{"file", "2"}
	mustAddLines(t, vf, k1, nil, "one\n")
	if err := vf.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	mustAddLines(t, vf, k2, nil, "two\n")

	keys := vf.Keys()
	seen := make(map[string]bool)
	for _, k := range keys {
		seen[k.String()] = true
	}
	if !seen[k1.String()] || !seen[k2.String()] {
		t.Fatalf("Keys() = %v, missing one of the inserted keys", keys)
	}
}
