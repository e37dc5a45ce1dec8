package delta

import (
	"bytes"
	"testing"
)

// Contract: a delta applied to its source reproduces the target exactly.
func TestComputeApplyRoundTrip(t *testing.T) {
	ix := NewIndex(1 << 20)
	base := []byte("the quick brown fox jumps over the lazy dog\n")
	ix.AddSource(base)

	target := []byte("the quick brown fox leaps over the lazy dog\n")
	out, ok := ix.Compute(target, 0, false)
	if !ok {
		t.Fatal("expected a delta to be produced")
	}
	got, err := Apply(ix.source, out)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if !bytes.Equal(got, target) {
		t.Fatalf("round-trip mismatch: got %q, want %q", got, target)
	}
}

// Contract: identical content to the source collapses into a single copy.
func TestComputeIdenticalContent(t *testing.T) {
	ix := NewIndex(1 << 20)
	base := []byte("abcdefghijklmnopqrstuvwxyz")
	ix.AddSource(base)

	out, ok := ix.Compute(base, 0, false)
	if !ok {
		t.Fatal("expected a delta")
	}
	got, err := Apply(ix.source, out)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if !bytes.Equal(got, base) {
		t.Fatalf("got %q, want %q", got, base)
	}
}

// Contract: a delta larger than max_delta_size is rejected, signalling the
// caller to store a fulltext instead.
func TestComputeExceedsMaxDeltaSize(t *testing.T) {
	ix := NewIndex(1 << 20)
	ix.AddSource([]byte("nothing in common here at all"))

	target := bytes.Repeat([]byte{'z'}, 4096)
	_, ok := ix.Compute(target, 10, false)
	if ok {
		t.Fatal("expected delta to be rejected as too large")
	}
}

// Contract: soft mode raises the minimum match length, so a short run that
// would be copied normally is instead inserted as a literal.
func TestSoftModeRaisesMinMatch(t *testing.T) {
	ix := NewIndex(1 << 20)
	ix.AddSource([]byte("ab cd ef gh"))
	target := []byte("ab XX ef gh")

	normal, _ := ix.Compute(target, 0, false)
	soft, _ := ix.Compute(target, 0, true)
	if len(soft) < len(normal) {
		t.Fatalf("soft mode delta unexpectedly smaller: soft=%d normal=%d", len(soft), len(normal))
	}
}

// Contract: a delta record's own encoded bytes become source for later
// records, so a later insertion can copy from a previous delta's literals.
func TestDeltaBytesBecomeSource(t *testing.T) {
	ix := NewIndex(1 << 20)
	ix.AddSource([]byte("AAAA"))

	target1 := []byte("AAAABBBBBBBBBBBB")
	d1, _ := ix.Compute(target1, 0, false)
	ix.AddDeltaSource(d1)

	target2 := []byte("AAAABBBBBBBBBBBB")
	d2, ok := ix.Compute(target2, 0, false)
	if !ok {
		t.Fatal("expected a delta")
	}
	got, err := Apply(ix.source, d2)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if !bytes.Equal(got, target2) {
		t.Fatalf("got %q, want %q", got, target2)
	}
}

// Contract: Truncate rolls back a single uncommitted insertion.
func TestTruncateRollback(t *testing.T) {
	ix := NewIndex(1 << 20)
	ix.AddSource([]byte("hello"))
	mark := ix.Len()
	ix.AddSource([]byte(" world"))
	if ix.Len() == mark {
		t.Fatal("expected source to grow")
	}
	ix.Truncate(mark)
	if ix.Len() != mark {
		t.Fatalf("Truncate did not roll back: len=%d want=%d", ix.Len(), mark)
	}
}

// Contract: Apply rejects a copy opcode addressing bytes past source end.
func TestApplyCopyOutOfRange(t *testing.T) {
	var bad []byte
	bad = appendTestCopy(bad, 100, 10)
	_, err := Apply([]byte("short"), bad)
	if err != ErrCopyOutOfRange {
		t.Fatalf("expected ErrCopyOutOfRange, got %v", err)
	}
}

func appendTestCopy(dst []byte, offset, length uint32) []byte {
	var out []byte
	emitCopy(&out, offset, length)
	return append(dst, out...)
}
