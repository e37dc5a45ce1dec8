package graphindex

import (
	"bufio"
	"bytes"
	"fmt"
	"strings"

	"github.com/golang/snappy"
)

// WriteSnapshot serializes every entry in ix to a snappy-compressed byte
// slice, suitable for writing to a sidecar file so a reopen can rebuild the
// index without replaying every container from scratch.
//
// One line per entry:
//
//	key \t containerID groupStart groupEnd intraStart intraEnd \t parent,parent,... \t sha1
//
// A key with no parents writes an empty third field.
func WriteSnapshot(ix *Index) []byte {
	var plain bytes.Buffer
	for _, k := range ix.Keys() {
		e := ix.entries[k]
		plain.WriteString(string(k))
		plain.WriteByte('\t')
		fmt.Fprintf(&plain, "%d %d %d %d %d",
			e.Locator.ContainerID, e.Locator.GroupStart, e.Locator.GroupEnd,
			e.Locator.IntraBlockStart, e.Locator.IntraBlockEnd)
		plain.WriteByte('\t')
		for i, p := range e.Parents {
			if i > 0 {
				plain.WriteByte(',')
			}
			plain.WriteString(string(p))
		}
		plain.WriteByte('\t')
		plain.WriteString(e.SHA1)
		plain.WriteByte('\n')
	}
	return snappy.Encode(nil, plain.Bytes())
}

// ReadSnapshot decompresses and parses a snapshot written by WriteSnapshot,
// loading it into a fresh index with the given strictness and logger.
func ReadSnapshot(data []byte, strict bool, logger Logger) (*Index, error) {
	plain, err := snappy.Decode(nil, data)
	if err != nil {
		return nil, fmt.Errorf("graphindex: decode snapshot: %w", err)
	}

	ix := New(strict, logger)
	sc := bufio.NewScanner(bytes.NewReader(plain))
	sc.Buffer(make([]byte, 0, 64*1024), 1<<22)
	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			continue
		}
		fields := strings.Split(line, "\t")
		if len(fields) != 4 {
			return nil, fmt.Errorf("graphindex: malformed snapshot line %q", line)
		}
		key := Key(fields[0])
		var loc Locator
		if _, err := fmt.Sscanf(fields[1], "%d %d %d %d %d",
			&loc.ContainerID, &loc.GroupStart, &loc.GroupEnd,
			&loc.IntraBlockStart, &loc.IntraBlockEnd); err != nil {
			return nil, fmt.Errorf("graphindex: malformed locator in %q: %w", line, err)
		}
		var parents []Key
		if fields[2] != "" {
			for _, p := range strings.Split(fields[2], ",") {
				parents = append(parents, Key(p))
			}
		}
		ix.entries[key] = Entry{Locator: loc, Parents: parents, SHA1: fields[3]}
		ix.internSpan(loc.GroupStart, loc.GroupEnd)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return ix, nil
}
