package access

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/breezy-team/groupstore/internal/vfs"
)

// Contract: a record written through Writer can be read back byte-for-byte
// through Reader using the returned Memo.
func TestWriteReadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "container-0")

	fs := vfs.Default()
	wf, err := fs.Create(path)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	w := NewWriter(wf, 1, 0)
	content := []byte("some group block bytes")
	memo, err := w.AddRawRecord([][]string{{"sha1:abc"}}, content)
	if err != nil {
		t.Fatalf("AddRawRecord: %v", err)
	}
	if err := w.WriteEnd(); err != nil {
		t.Fatalf("WriteEnd: %v", err)
	}
	if err := wf.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	rf, err := fs.OpenRandomAccess(path)
	if err != nil {
		t.Fatalf("OpenRandomAccess: %v", err)
	}
	defer rf.Close()
	r := NewReader(rf, 1)
	got, err := r.GetRawRecord(memo)
	if err != nil {
		t.Fatalf("GetRawRecord: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Fatalf("got %q, want %q", got, content)
	}
}

// Contract: multiple records in one container each read back independently.
func TestMultipleRecords(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "container-0")
	fs := vfs.Default()
	wf, err := fs.Create(path)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	w := NewWriter(wf, 7, 0)

	var memos []Memo
	var contents [][]byte
	for i := 0; i < 5; i++ {
		c := bytes.Repeat([]byte{byte('a' + i)}, 20+i)
		contents = append(contents, c)
		m, err := w.AddRawRecord([][]string{{"k", string(rune('0' + i))}}, c)
		if err != nil {
			t.Fatalf("AddRawRecord %d: %v", i, err)
		}
		memos = append(memos, m)
	}
	if err := wf.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	rf, err := fs.OpenRandomAccess(path)
	if err != nil {
		t.Fatalf("OpenRandomAccess: %v", err)
	}
	defer rf.Close()
	r := NewReader(rf, 7)
	got, err := r.GetRawRecords(memos)
	if err != nil {
		t.Fatalf("GetRawRecords: %v", err)
	}
	for i := range contents {
		if !bytes.Equal(got[i], contents[i]) {
			t.Fatalf("record %d mismatch", i)
		}
	}
}

// Contract: a mismatched container ID is rejected rather than silently
// reading the wrong file's bytes.
func TestReaderRejectsWrongContainer(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "container-0")
	fs := vfs.Default()
	wf, _ := fs.Create(path)
	w := NewWriter(wf, 1, 0)
	memo, _ := w.AddRawRecord([][]string{{"k"}}, []byte("data"))
	wf.Close()

	rf, _ := fs.OpenRandomAccess(path)
	defer rf.Close()
	r := NewReader(rf, 2)
	if _, err := r.GetRawRecord(memo); err == nil {
		t.Fatal("expected an error for mismatched container id")
	}
}

// Contract: ValidateNames rejects whitespace in a name part.
func TestValidateNamesRejectsWhitespace(t *testing.T) {
	err := ValidateNames([][]string{{"bad name"}})
	if err != ErrNameContainsWhitespace {
		t.Fatalf("expected ErrNameContainsWhitespace, got %v", err)
	}
}

// Contract: ValidateNames accepts well-formed UTF-8 names without
// whitespace.
func TestValidateNamesAcceptsValid(t *testing.T) {
	if err := ValidateNames([][]string{{"sha1:deadbeef"}}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
