package funcs

import (
	"sort"
	"strings"
)

// source holds the text under analysis plus a copy in which comments and
// string literals are blanked out, so header patterns and bracket matching
// only ever see code.
type source struct {
	text       string
	blank      string
	lineStarts []int
}

func newSource(text string, spec *langSpec) *source {
	s := &source{text: text, blank: blankNonCode(text, spec)}
	s.lineStarts = []int{0}
	for i := 0; i < len(text); i++ {
		if text[i] == '\n' {
			s.lineStarts = append(s.lineStarts, i+1)
		}
	}
	return s
}

// lineOf returns the 1-based line holding offset off.
func (s *source) lineOf(off int) int {
	return sort.SearchInts(s.lineStarts, off+1)
}

func (s *source) lineEnd(off int) int {
	if i := strings.IndexByte(s.blank[off:], '\n'); i >= 0 {
		return off + i
	}
	return len(s.blank)
}

// matchClose returns the offset of the bracket closing the one at open, or
// -1 when the text ends first.
func (s *source) matchClose(open int, o, c byte) int {
	depth := 0
	for i := open; i < len(s.blank); i++ {
		switch s.blank[i] {
		case o:
			depth++
		case c:
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

func blankNonCode(text string, spec *langSpec) string {
	b := []byte(text)
	n := len(b)
	clear := func(from, to int) int {
		if to > n {
			to = n
		}
		for k := from; k < to; k++ {
			if b[k] != '\n' {
				b[k] = ' '
			}
		}
		return to
	}
	lineStop := func(from int) int {
		if j := strings.IndexByte(text[from:], '\n'); j >= 0 {
			return from + j
		}
		return n
	}
	until := func(from int, marker string) int {
		if j := strings.Index(text[from:], marker); j >= 0 {
			return from + j + len(marker)
		}
		return n
	}

	for i := 0; i < n; {
		c := text[i]
		rest := text[i:]
		switch {
		case spec.hashComments && c == '#':
			i = clear(i, lineStop(i))
		case !spec.hashComments && strings.HasPrefix(rest, "//"):
			i = clear(i, lineStop(i))
		case !spec.hashComments && strings.HasPrefix(rest, "/*"):
			i = clear(i, until(i+2, "*/"))
		case spec.tripleQuotes && (strings.HasPrefix(rest, `"""`) || strings.HasPrefix(rest, `'''`)):
			i = clear(i, until(i+3, rest[:3]))
		case c == '"' || (c == '`' && spec.backticks) || (c == '\'' && spec.singleQuotes):
			i = clear(i, closeQuote(text, i, c))
		case c == '\'':
			i = clear(i, charLiteralEnd(text, i))
		default:
			i++
		}
	}
	return string(b)
}

// closeQuote returns the offset just past the quote closing the literal at
// i. Unterminated single-line literals stop at the end of the line.
func closeQuote(text string, i int, q byte) int {
	for j := i + 1; j < len(text); j++ {
		switch text[j] {
		case '\\':
			if q != '`' {
				j++
			}
		case '\n':
			if q != '`' {
				return j
			}
		case q:
			return j + 1
		}
	}
	return len(text)
}

// charLiteralEnd handles 'x' and '\n' style literals; a lone quote (a Rust
// lifetime, say) is left alone.
func charLiteralEnd(text string, i int) int {
	if i+2 < len(text) && text[i+1] != '\\' && text[i+2] == '\'' {
		return i + 3
	}
	if i+1 < len(text) && text[i+1] == '\\' {
		limit := i + 12
		if limit > len(text) {
			limit = len(text)
		}
		if j := strings.IndexByte(text[i+2:limit], '\''); j >= 0 {
			return i + 2 + j + 1
		}
	}
	return i + 1
}

// splitTopLevel splits s on sep outside of any bracket pair.
func splitTopLevel(s string, sep byte) []string {
	var parts []string
	depth, start := 0, 0
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '(', '[', '{', '<':
			depth++
		case ')', ']', '}', '>':
			if depth > 0 {
				depth--
			}
		case sep:
			if depth == 0 {
				parts = append(parts, s[start:i])
				start = i + 1
			}
		}
	}
	return append(parts, s[start:])
}

func indentWidth(line string) int {
	return len(line) - len(strings.TrimLeft(line, " \t"))
}
