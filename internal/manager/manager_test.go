package manager

import (
	"bytes"
	"testing"

	"github.com/breezy-team/groupstore/internal/groupcompress"
)

func buildManager(t *testing.T, texts map[string][]byte, order []string) (*Manager, map[string]*Factory) {
	t.Helper()
	c := groupcompress.New(groupcompress.Settings{})
	spans := make(map[string]groupcompress.Span)
	for _, k := range order {
		_, start, end, _, err := c.Add(k, texts[k], "", "", false, false)
		if err != nil {
			t.Fatalf("Add(%s): %v", k, err)
		}
		spans[k] = groupcompress.Span{Start: start, End: end}
	}
	block, err := c.Flush()
	if err != nil {
		t.Fatalf("Flush: %v", err)
	}
	m := New(block)
	factories := make(map[string]*Factory)
	for _, k := range order {
		s := spans[k]
		factories[k] = m.AddFactory(Key{k}, nil, s.Start, s.End)
	}
	return m, factories
}

// Contract: the first factory added carries StorageBlock, every later one
// StorageBlockRef.
func TestFirstFactoryIsBlockKind(t *testing.T) {
	m, factories := buildManager(t, map[string][]byte{
		"a": []byte("line one\nline two\n"),
		"b": []byte("line one\nline two modified\n"),
	}, []string{"a", "b"})
	if factories["a"].StorageKind() != StorageBlock {
		t.Fatalf("expected first factory to be StorageBlock, got %v", factories["a"].StorageKind())
	}
	if factories["b"].StorageKind() != StorageBlockRef {
		t.Fatalf("expected second factory to be StorageBlockRef, got %v", factories["b"].StorageKind())
	}
	if m.LastByte() != factories["b"].End {
		t.Fatalf("expected LastByte %d, got %d", factories["b"].End, m.LastByte())
	}
}

// Contract: GetFulltext reconstructs exactly the bytes originally added,
// whether fulltext or delta.
func TestGetFulltextRoundTrip(t *testing.T) {
	texts := map[string][]byte{
		"a": []byte("line one\nline two\nline three\n"),
		"b": []byte("line one\nline two changed\nline three\n"),
	}
	_, factories := buildManager(t, texts, []string{"a", "b"})
	for k, f := range factories {
		got, err := f.GetFulltext()
		if err != nil {
			t.Fatalf("GetFulltext(%s): %v", k, err)
		}
		if !bytes.Equal(got, texts[k]) {
			t.Fatalf("GetFulltext(%s) = %q, want %q", k, got, texts[k])
		}
	}
}

// Contract: after Release, GetFulltext fails rather than silently returning
// stale or zero-value bytes.
func TestReleaseInvalidatesFactory(t *testing.T) {
	_, factories := buildManager(t, map[string][]byte{"a": []byte("hello\n")}, []string{"a"})
	f := factories["a"]
	f.Release()
	if _, err := f.GetFulltext(); err == nil {
		t.Fatal("expected an error after Release")
	}
}

// Contract: a manager with exactly one factory is never well utilised,
// regardless of its size.
func TestSingleFactoryNeverWellUtilised(t *testing.T) {
	big := bytes.Repeat([]byte("x"), 4*1024*1024)
	m, _ := buildManager(t, map[string][]byte{"a": big}, []string{"a"})
	if IsWellUtilised(m) {
		t.Fatal("expected a single-factory manager to never be well utilised")
	}
}

// Contract: a manager whose referenced bytes are a small fraction of its
// block, clustered at the front, trims rather than rebuilds.
func TestCheckRebuildActionTrim(t *testing.T) {
	c := groupcompress.New(groupcompress.Settings{})
	_, s1, e1, _, _ := c.Add("a", []byte("keep this text around\n"), "", "", false, false)
	// Insert a large record that no factory references, so the block's
	// content length is inflated by bytes nothing uses.
	padding := bytes.Repeat([]byte("z"), 200)
	if _, _, _, _, err := c.Add("pad", padding, "", "", false, false); err != nil {
		t.Fatalf("Add(pad): %v", err)
	}
	block, err := c.Flush()
	if err != nil {
		t.Fatalf("Flush: %v", err)
	}
	m := New(block)
	m.AddFactory(Key{"a"}, nil, s1, e1)

	action, lastByteUsed := CheckRebuildAction(m)
	if action != ActionTrim {
		t.Fatalf("expected ActionTrim, got %v", action)
	}
	if lastByteUsed != e1 {
		t.Fatalf("expected lastByteUsed %d, got %d", e1, lastByteUsed)
	}

	if err := Trim(m, lastByteUsed); err != nil {
		t.Fatalf("Trim: %v", err)
	}
	if m.Block().ContentLen() != lastByteUsed {
		t.Fatalf("expected trimmed content length %d, got %d", lastByteUsed, m.Block().ContentLen())
	}
	got, err := m.Factories()[0].GetFulltext()
	if err != nil {
		t.Fatalf("GetFulltext after trim: %v", err)
	}
	if string(got) != "keep this text around\n" {
		t.Fatalf("got %q after trim", got)
	}
}

// Contract: a manager whose block is well used needs no repack action.
func TestCheckRebuildActionNone(t *testing.T) {
	a := bytes.Repeat([]byte("line of text\n"), 100)
	b := append(append([]byte{}, a...), []byte("a few extra bytes\n")...)
	m, factories := buildManager(t, map[string][]byte{"a": a, "b": b}, []string{"a", "b"})
	_ = factories
	action, _ := CheckRebuildAction(m)
	if action != ActionNone {
		t.Fatalf("expected ActionNone, got %v", action)
	}
}

// Contract: Rebuild re-derives every factory's bytes through a fresh
// compressor and never grows the block.
func TestRebuildPreservesBytes(t *testing.T) {
	texts := map[string][]byte{
		"a": []byte("line one\nline two\nline three\n"),
		"b": []byte("line one\nline two changed\nline three\n"),
	}
	m, _ := buildManager(t, texts, []string{"a", "b"})
	before := m.Block().ContentLen()

	if err := Rebuild(m, groupcompress.Settings{}); err != nil {
		t.Fatalf("Rebuild: %v", err)
	}
	if m.Block().ContentLen() > before {
		t.Fatalf("rebuild grew the block: %d > %d", m.Block().ContentLen(), before)
	}
	for k, want := range texts {
		var f *Factory
		for _, cand := range m.Factories() {
			if cand.Key.String() == k {
				f = cand
			}
		}
		if f == nil {
			t.Fatalf("factory for %s missing after rebuild", k)
		}
		got, err := f.GetFulltext()
		if err != nil {
			t.Fatalf("GetFulltext(%s) after rebuild: %v", k, err)
		}
		if !bytes.Equal(got, want) {
			t.Fatalf("GetFulltext(%s) after rebuild = %q, want %q", k, got, want)
		}
	}
}
