package merge

import (
	"strings"
	"unicode"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// DMP is the default Merger, built on diff-match-patch: the edits that
// turn original into left are computed as fuzzy patches and replayed
// onto right.
type DMP struct {
	dmp *diffmatchpatch.DiffMatchPatch
}

func NewDMP() *DMP {
	d := diffmatchpatch.New()
	return &DMP{dmp: d}
}

func (m *DMP) Merge3(original, left, right string, tok Tokenizer) string {
	merged, _ := m.Merge3WithCursors(original, left, right, tok, nil)
	return merged
}

func (m *DMP) Merge3WithCursors(original, left, right string, tok Tokenizer, cursors []int) (string, []int) {
	if original == left {
		return right, remapCursors(m.dmp, left, right, cursors)
	}
	if original == right || left == right {
		return left, cursors
	}

	var merged string
	switch tok {
	case Character:
		merged = m.mergeRunes(original, left, right)
	case Line:
		enc := newTokenTable(splitLines)
		merged = enc.decode(m.mergeRunes(enc.encode(original), enc.encode(left), enc.encode(right)))
	default:
		enc := newTokenTable(splitWords)
		merged = enc.decode(m.mergeRunes(enc.encode(original), enc.encode(left), enc.encode(right)))
	}

	return merged, remapCursors(m.dmp, left, merged, cursors)
}

// mergeRunes performs the merge at rune granularity: patches from
// original→left applied onto right. PatchApply is fuzzy, so context
// drift caused by right's own edits is tolerated.
func (m *DMP) mergeRunes(original, left, right string) string {
	patches := m.dmp.PatchMake(original, left)
	merged, _ := m.dmp.PatchApply(patches, right)
	return merged
}

// remapCursors projects cursor offsets from src into dst using the
// diff between the two.
func remapCursors(d *diffmatchpatch.DiffMatchPatch, src, dst string, cursors []int) []int {
	if len(cursors) == 0 {
		return cursors
	}
	diffs := d.DiffMain(src, dst, false)
	out := make([]int, len(cursors))
	for i, c := range cursors {
		out[i] = d.DiffXIndex(diffs, c)
	}
	return out
}

// tokenTable maps tokens to unique runes so the rune-level merge can
// operate on words or lines. Surrogate code points are skipped when
// assigning runes; they do not round-trip through Go strings.
type tokenTable struct {
	split  func(string) []string
	tokens []string
	index  map[string]rune
}

func newTokenTable(split func(string) []string) *tokenTable {
	return &tokenTable{
		split: split,
		index: make(map[string]rune),
	}
}

func (t *tokenTable) encode(s string) string {
	var b strings.Builder
	for _, tok := range t.split(s) {
		r, ok := t.index[tok]
		if !ok {
			r = tokenRune(len(t.tokens))
			t.index[tok] = r
			t.tokens = append(t.tokens, tok)
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (t *tokenTable) decode(s string) string {
	var b strings.Builder
	for _, r := range s {
		if i := tokenIndex(r); i >= 0 && i < len(t.tokens) {
			b.WriteString(t.tokens[i])
		}
	}
	return b.String()
}

const surrogateStart, surrogateEnd = 0xD800, 0xDFFF

func tokenRune(i int) rune {
	r := rune(i + 1)
	if r >= surrogateStart {
		r += surrogateEnd - surrogateStart + 1
	}
	return r
}

func tokenIndex(r rune) int {
	if r > surrogateEnd {
		r -= surrogateEnd - surrogateStart + 1
	}
	return int(r) - 1
}

// splitWords splits into alternating word and separator tokens so the
// decoded text reproduces whitespace exactly.
func splitWords(s string) []string {
	var tokens []string
	var current strings.Builder
	var inSpace bool

	flush := func() {
		if current.Len() > 0 {
			tokens = append(tokens, current.String())
			current.Reset()
		}
	}

	for i, r := range s {
		isSpace := unicode.IsSpace(r)
		if i == 0 {
			inSpace = isSpace
		}
		if isSpace != inSpace {
			flush()
			inSpace = isSpace
		}
		current.WriteRune(r)
	}
	flush()
	return tokens
}

// splitLines splits keeping the trailing newline on each token.
func splitLines(s string) []string {
	if s == "" {
		return nil
	}
	lines := strings.SplitAfter(s, "\n")
	if lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}
