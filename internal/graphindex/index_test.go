package graphindex

import (
	"reflect"
	"testing"
)

func rec(k Key, parents []Key, start, end int64) Record {
	return Record{Key: k, Parents: parents, Locator: Locator{ContainerID: 1, GroupStart: start, GroupEnd: end}}
}

// Contract: parents recorded at insertion are returned unchanged by
// GetParentMap.
func TestAddRecordsAndGetParentMap(t *testing.T) {
	ix := New(true, nil)
	err := ix.AddRecords([]Record{
		rec("k1", nil, 0, 10),
		rec("k2", []Key{"k1"}, 10, 20),
	}, false)
	if err != nil {
		t.Fatalf("AddRecords: %v", err)
	}
	got := ix.GetParentMap([]Key{"k1", "k2"})
	if !reflect.DeepEqual(got["k2"], []Key{"k1"}) {
		t.Fatalf("got %v", got)
	}
	if len(got["k1"]) != 0 {
		t.Fatalf("expected k1 to have no parents, got %v", got["k1"])
	}
}

// Contract: re-inserting a key with identical parents is a silent no-op.
func TestIdempotentInsertion(t *testing.T) {
	ix := New(true, nil)
	r := rec("k1", []Key{"p1"}, 0, 10)
	if err := ix.AddRecords([]Record{r}, false); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	if err := ix.AddRecords([]Record{r}, false); err != nil {
		t.Fatalf("second insert: %v", err)
	}
	if ix.Len() != 1 {
		t.Fatalf("expected 1 entry, got %d", ix.Len())
	}
}

// Contract: a conflicting re-insertion fails under strict configuration.
func TestInconsistentParentsStrict(t *testing.T) {
	ix := New(true, nil)
	ix.AddRecords([]Record{rec("k1", []Key{"p1"}, 0, 10)}, false)
	err := ix.AddRecords([]Record{rec("k1", []Key{"p2"}, 0, 10)}, false)
	if err == nil {
		t.Fatal("expected an error for conflicting parents")
	}
}

// Contract: under non-strict configuration a conflicting re-insertion is
// logged and the existing entry is kept.
func TestInconsistentParentsNonStrict(t *testing.T) {
	ix := New(false, nil)
	ix.AddRecords([]Record{rec("k1", []Key{"p1"}, 0, 10)}, false)
	if err := ix.AddRecords([]Record{rec("k1", []Key{"p2"}, 0, 10)}, false); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	got := ix.GetParentMap([]Key{"k1"})
	if !reflect.DeepEqual(got["k1"], []Key{"p1"}) {
		t.Fatalf("expected original parents kept, got %v", got["k1"])
	}
}

// Contract: FindAncestry returns ancestors before descendants and includes
// the requested keys themselves.
func TestFindAncestryOrder(t *testing.T) {
	ix := New(true, nil)
	ix.AddRecords([]Record{
		rec("k1", nil, 0, 10),
		rec("k2", []Key{"k1"}, 10, 20),
		rec("k3", []Key{"k2"}, 20, 30),
	}, false)
	got := ix.FindAncestry([]Key{"k3"})
	want := []Key{"k1", "k2", "k3"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

// Contract: a snapshot round-trips every entry through WriteSnapshot and
// ReadSnapshot.
func TestSnapshotRoundTrip(t *testing.T) {
	ix := New(true, nil)
	ix.AddRecords([]Record{
		rec("k1", nil, 0, 10),
		rec("k2", []Key{"k1"}, 10, 20),
	}, false)

	data := WriteSnapshot(ix)
	got, err := ReadSnapshot(data, true, nil)
	if err != nil {
		t.Fatalf("ReadSnapshot: %v", err)
	}
	if got.Len() != ix.Len() {
		t.Fatalf("got %d entries, want %d", got.Len(), ix.Len())
	}
	gotParents := got.GetParentMap([]Key{"k2"})
	if !reflect.DeepEqual(gotParents["k2"], []Key{"k1"}) {
		t.Fatalf("got %v", gotParents)
	}
}

// Contract: span interning assigns the same index to repeated (start, end)
// pairs rather than growing the span table per record.
func TestSpanInterning(t *testing.T) {
	ix := New(true, nil)
	ix.AddRecords([]Record{
		rec("k1", nil, 100, 200),
		rec("k2", nil, 100, 200),
		rec("k3", nil, 300, 400),
	}, false)
	if len(ix.spanTable) != 2 {
		t.Fatalf("expected 2 interned spans, got %d", len(ix.spanTable))
	}
}
