// Package groupcompress implements the append-only compressor that turns a
// sequence of keyed texts into group block records: a hash-indexed delta
// engine decides, per key, whether a fulltext or a delta against everything
// inserted so far is cheaper, and a single rollback step lets a caller
// abandon its most recent insertion without restarting the group.
//
// Grounded on the teacher store's block builder (internal/block/builder.go):
// an append-only buffer with a Reset/Finish lifecycle and a restart-point
// policy, generalized here from fixed-interval key restarts to a per-record
// fulltext/delta decision driven by delta-engine cost.
package groupcompress

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"

	"github.com/breezy-team/groupstore/internal/delta"
	"github.com/breezy-team/groupstore/internal/groupblock"
	"github.com/breezy-team/groupstore/internal/varint"
)

// Kind mirrors groupblock.Kind; re-exported so callers of this package don't
// need to import groupblock just to inspect a compression decision.
type Kind = groupblock.Kind

const (
	KindFulltext = groupblock.KindFulltext
	KindDelta    = groupblock.KindDelta
)

// Span records where a key's record sits in the block's byte content buffer,
// as the half-open range [Start, End).
type Span struct {
	Start, End int
}

// Settings configures a Compressor.
type Settings struct {
	// MaxBytesToIndex caps how much of the source buffer the delta engine's
	// byte-hash matcher indexes; 0 selects DefaultMaxBytesToIndex (1 MiB).
	MaxBytesToIndex int
}

// DefaultMaxBytesToIndex is the default hash-index cap: a one-megabyte
// source buffer is fully indexed.
const DefaultMaxBytesToIndex = 1 << 20

// Compressor accumulates keyed texts into a single group's content buffer.
// The zero value is not usable; construct with New.
type Compressor struct {
	content  []byte
	endpoint int
	index    *delta.Index
	spans    map[string]Span

	lastChunkLen, lastEndpoint int
	lastKey                    string
	hasLast                    bool

	inputBytes int
	flushed    bool
}

// New creates an empty Compressor.
func New(settings Settings) *Compressor {
	maxIdx := settings.MaxBytesToIndex
	if maxIdx == 0 {
		maxIdx = DefaultMaxBytesToIndex
	}
	return &Compressor{
		index: delta.NewIndex(maxIdx),
		spans: make(map[string]Span),
	}
}

// ErrExistingContent is returned by Add when nostoreSHA matches the
// computed hash: the caller should treat the text as already stored.
var ErrExistingContent = fmt.Errorf("groupcompress: existing content")

// ErrAlreadyFlushed is returned by Add or PopLast once Flush has been called.
var ErrAlreadyFlushed = fmt.Errorf("groupcompress: compressor already flushed")

// Add compresses text under key, returning its content hash as a bare hex
// SHA-1 digest, its [start, end) span in the block's content buffer, and whether it
// was stored as a fulltext or delta record. The span is also recorded
// against key for later retrieval with Extract.
//
// shaHint, if non-empty, is trusted instead of recomputing the hash.
// nostoreSHA, if non-empty and equal to the computed hash, aborts the
// insertion with ErrExistingContent and leaves the compressor unchanged.
// soft requests a higher delta-matcher minimum match length, for texts
// known to belong to the same logical file as the previous insertion.
// forceFulltext bypasses the delta engine entirely (used by callers
// enforcing a maximum delta-chain depth).
func (c *Compressor) Add(key string, text []byte, shaHint, nostoreSHA string, soft, forceFulltext bool) (sha1hex string, start, end int, kind Kind, err error) {
	if c.flushed {
		return "", 0, 0, 0, ErrAlreadyFlushed
	}
	if len(text) == 0 {
		if nostoreSHA == nullSHA1 {
			return "", 0, 0, 0, ErrExistingContent
		}
		c.lastChunkLen = len(c.content)
		c.lastEndpoint = c.endpoint
		c.hasLast = true
		c.spans[key] = Span{Start: c.endpoint, End: c.endpoint}
		c.lastKey = key
		return nullSHA1, c.endpoint, c.endpoint, KindFulltext, nil
	}

	sha1hex = shaHint
	if sha1hex == "" {
		sum := sha1.Sum(text)
		sha1hex = hex.EncodeToString(sum[:])
	}
	if nostoreSHA != "" && sha1hex == nostoreSHA {
		return "", 0, 0, 0, ErrExistingContent
	}

	maxDeltaSize := len(text) / 2
	var deltaOps []byte
	var ok bool
	if !forceFulltext {
		deltaOps, ok = c.index.Compute(text, maxDeltaSize, soft)
	}

	var rec []byte
	if !ok {
		kind = KindFulltext
		rec = []byte{byte(KindFulltext)}
		rec = varint.Encode(rec, uint32(len(text)))
		rec = append(rec, text...)
	} else {
		kind = KindDelta
		rec = []byte{byte(KindDelta)}
		payload := varint.Encode(nil, uint32(len(text)))
		payload = append(payload, deltaOps...)
		rec = varint.Encode(rec, uint32(len(payload)))
		rec = append(rec, payload...)
	}

	c.lastChunkLen = len(c.content)
	c.lastEndpoint = c.endpoint
	c.hasLast = true

	start = c.endpoint
	c.content = append(c.content, rec...)
	c.endpoint += len(rec)
	c.inputBytes += len(text)
	end = c.endpoint

	// The index's source buffer must mirror the block's own content buffer
	// byte for byte: Extract applies copy opcodes against b.content[:start],
	// the framed (kind_byte || varint(len) || payload) buffer, not the raw
	// text or delta payload. Indexing anything else would offset every copy
	// opcode by the accumulated framing overhead of prior records.
	c.index.AddSource(rec)

	c.spans[key] = Span{Start: start, End: end}
	c.lastKey = key

	return sha1hex, start, end, kind, nil
}

// Extract reconstructs the text previously stored under key. It is only
// valid before Flush invalidates the compressor's content buffer.
func (c *Compressor) Extract(key string) ([]byte, error) {
	span, ok := c.spans[key]
	if !ok {
		return nil, fmt.Errorf("groupcompress: no such key %q", key)
	}
	if span.Start == span.End {
		return []byte{}, nil
	}
	blk := groupblock.FromContent(c.content)
	return blk.Extract(span.Start, span.End)
}

// Span returns the [start, end) content-buffer span recorded for key.
func (c *Compressor) Span(key string) (Span, bool) {
	s, ok := c.spans[key]
	return s, ok
}

// nullSHA1 is the hex SHA-1 of the empty string.
const nullSHA1 = "da39a3ee5e6b4b0d3255bfef95601890afd80709"

// PopLast rolls back the most recent Add call, restoring the content buffer
// and endpoint to their state beforehand. It must not be called twice in a
// row without an intervening Add.
func (c *Compressor) PopLast() error {
	if c.flushed {
		return ErrAlreadyFlushed
	}
	if !c.hasLast {
		return fmt.Errorf("groupcompress: PopLast called with nothing to roll back")
	}
	c.content = c.content[:c.lastChunkLen]
	c.endpoint = c.lastEndpoint
	c.index.Truncate(c.lastChunkLen)
	delete(c.spans, c.lastKey)
	c.hasLast = false
	return nil
}

// Flush freezes the compressor's content buffer into a group block and
// invalidates the compressor for further Add calls.
func (c *Compressor) Flush() (*groupblock.Block, error) {
	if c.flushed {
		return nil, ErrAlreadyFlushed
	}
	c.flushed = true
	return groupblock.FromContent(c.content), nil
}

// Endpoint returns the current length of the content buffer.
func (c *Compressor) Endpoint() int { return c.endpoint }

// InputBytes returns the total length of uncompressed text added so far.
func (c *Compressor) InputBytes() int { return c.inputBytes }

// Ratio returns the overall compression ratio achieved so far (input bytes
// divided by content buffer bytes).
func (c *Compressor) Ratio() float64 {
	if c.endpoint == 0 {
		return 0
	}
	return float64(c.inputBytes) / float64(c.endpoint)
}
