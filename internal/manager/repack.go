package manager

import (
	"fmt"

	"github.com/breezy-team/groupstore/internal/groupblock"
	"github.com/breezy-team/groupstore/internal/groupcompress"
)

// RebuildAction is the outcome of CheckRebuildAction.
type RebuildAction int

const (
	// ActionNone means the block is already well used; leave it alone.
	ActionNone RebuildAction = iota
	// ActionTrim means truncate the block to LastByteUsed.
	ActionTrim
	// ActionRebuild means re-derive every factory's deltas into a fresh,
	// tightly packed block.
	ActionRebuild
)

// wellUtilisedSinglePrefix and wellUtilisedMixedPrefix are the §4.5
// thresholds distinguishing a block worth keeping as-is from one that
// should be combined into a larger block at the next write. Tunable per the
// open question in the design notes; not load-bearing for correctness.
const (
	wellUtilisedSinglePrefix = 3 * 1024 * 1024
	wellUtilisedMixedPrefix  = 3 * 1024 * 1024 / 2
)

// CheckRebuildAction implements the repack decision: sum the bytes actually
// referenced by m's factories against the block's total content length and
// against the maximum referenced end, and decide whether the block needs no
// change, a trim, or a full rebuild.
func CheckRebuildAction(m *Manager) (action RebuildAction, lastByteUsed int) {
	totalBytesUsed := 0
	lastByteUsed = 0
	for _, f := range m.factories {
		totalBytesUsed += f.End - f.Start
		if f.End > lastByteUsed {
			lastByteUsed = f.End
		}
	}
	contentLength := m.block.ContentLen()

	if totalBytesUsed*2 >= contentLength {
		return ActionNone, lastByteUsed
	}
	if totalBytesUsed*2 > lastByteUsed {
		return ActionTrim, lastByteUsed
	}
	return ActionRebuild, lastByteUsed
}

// IsWellUtilised reports whether m's block has enough referenced content,
// relative to the mix of key prefixes it holds, to be worth byte-copy
// replicating rather than recompressing. A block with exactly one factory
// is never well utilised: it belongs combined into a larger block on the
// next write.
func IsWellUtilised(m *Manager) bool {
	if len(m.factories) <= 1 {
		return false
	}
	totalBytesUsed := 0
	prefixes := make(map[string]struct{})
	for _, f := range m.factories {
		totalBytesUsed += f.End - f.Start
		prefixes[f.Key.Prefix()] = struct{}{}
	}
	if len(prefixes) <= 1 {
		return totalBytesUsed >= wellUtilisedSinglePrefix
	}
	return totalBytesUsed >= wellUtilisedMixedPrefix
}

// Trim truncates m's block to lastByteUsed, dropping unreferenced tail
// bytes. Every factory's span is unaffected (trimming never moves a
// referenced record), but the block's stored length shrinks and must be
// re-serialized.
func Trim(m *Manager, lastByteUsed int) error {
	content, err := m.block.ContentThrough(lastByteUsed)
	if err != nil {
		return fmt.Errorf("manager: trim: %w", err)
	}
	trimmed := groupblock.FromContent(content)
	spans := make(map[string]struct{ Start, End int }, len(m.factories))
	for _, f := range m.factories {
		spans[f.Key.String()] = struct{ Start, End int }{f.Start, f.End}
	}
	m.ReplaceBlock(trimmed, spans)
	return nil
}

// Rebuild feeds every factory's reconstructed text back through a fresh
// compressor, re-deriving deltas against the new, tightly packed buffer, and
// installs the result as m's block. Per the design notes' open question, a
// rebuilt block must never be larger than the original; Rebuild returns an
// error rather than silently accepting such a regression.
func Rebuild(m *Manager, settings groupcompress.Settings) error {
	originalLen := m.block.ContentLen()

	fresh := groupcompress.New(settings)
	spans := make(map[string]struct{ Start, End int }, len(m.factories))
	var prevPrefix string
	for _, f := range m.factories {
		text, err := f.GetFulltext()
		if err != nil {
			return fmt.Errorf("manager: rebuild: extract %v: %w", f.Key, err)
		}
		soft := f.Key.Prefix() == prevPrefix
		_, start, end, _, err := fresh.Add(f.Key.String(), text, "", "", soft, false)
		if err != nil {
			return fmt.Errorf("manager: rebuild: add %v: %w", f.Key, err)
		}
		spans[f.Key.String()] = struct{ Start, End int }{start, end}
		prevPrefix = f.Key.Prefix()
	}

	block, err := fresh.Flush()
	if err != nil {
		return fmt.Errorf("manager: rebuild: flush: %w", err)
	}
	if block.ContentLen() > originalLen {
		return fmt.Errorf("manager: rebuild produced a larger block (%d > %d bytes)", block.ContentLen(), originalLen)
	}
	m.ReplaceBlock(block, spans)
	return nil
}
