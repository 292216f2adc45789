// Package merge provides the three-way text merge used when local and
// remote edits diverge from a common base, plus the content heuristics
// that decide whether merging is applicable at all.
package merge

// Tokenizer selects the unit of comparison for the three-way merge.
type Tokenizer int

const (
	// Character diffs at rune granularity.
	Character Tokenizer = iota
	// Word diffs at word granularity; the default for prose-like files.
	Word
	// Line diffs at line granularity.
	Line
)

// Merger combines two divergent revisions of the same base text.
// Merge3 is symmetric in left/right except where the tokenised diff
// forces an order, and always returns a result (no conflict markers).
type Merger interface {
	Merge3(original, left, right string, tok Tokenizer) string

	// Merge3WithCursors additionally maps cursor offsets in left into
	// the merged text. Sync correctness does not depend on cursors;
	// they are carried for live-editor hosts.
	Merge3WithCursors(original, left, right string, tok Tokenizer, cursors []int) (string, []int)
}

// IsBinary reports whether content should be treated as opaque bytes.
// The heuristic mirrors git: a NUL byte in the leading window means
// binary.
func IsBinary(content []byte) bool {
	window := content
	if len(window) > 8000 {
		window = window[:8000]
	}
	for _, b := range window {
		if b == 0 {
			return true
		}
	}
	return false
}
