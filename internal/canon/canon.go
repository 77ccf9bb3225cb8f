// Package canon turns source text into a stable, identifier-stripped token
// sequence (Rung 1). Identifiers, string literals and numeric literals are
// replaced by positional slots assigned in first-occurrence order.
package canon

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
)

// Token is one canonical token. Text is the slot name for IDENT, STR and
// NUM, the verbatim text for KEYWORD, OP and PUNCT, and empty for COMMENT
// and NEWLINE.
type Token struct {
	Kind Class  `json:"k"`
	Text string `json:"t,omitempty"`
}

// Counts summarizes a canonicalization.
type Counts struct {
	Identifiers int `json:"identifiers"`
	Strings     int `json:"strings"`
	Numbers     int `json:"numbers"`
	Comments    int `json:"comments"`
	Unlexed     int `json:"unlexed"`
	PIIMasked   int `json:"pii_masked"`
}

// Result is the Rung 1 artifact for one text.
type Result struct {
	Language string  `json:"language"`
	Tokens   []Token `json:"tokens"`
	Counts   Counts  `json:"counts"`
	Digest   string  `json:"digest"`
}

// Options controls optional passes.
type Options struct {
	PIIStrip bool
}

// Canonicalizer is safe for concurrent use; slot tables live only for the
// duration of one call.
type Canonicalizer struct {
	opts Options
}

// New returns a Canonicalizer.
func New(opts Options) *Canonicalizer {
	return &Canonicalizer{opts: opts}
}

// Canonicalize lexes text in the given language and assigns slots.
func (c *Canonicalizer) Canonicalize(text, language string) Result {
	lang := NormalizeLanguage(language)
	return c.fromLexemes(lang, Scan(text, lang))
}

func (c *Canonicalizer) fromLexemes(lang string, lexemes []Lexeme) Result {
	slots := newSlotTable()
	res := Result{Language: lang, Tokens: make([]Token, 0, len(lexemes))}

	for _, lx := range lexemes {
		switch lx.Class {
		case Ident:
			res.Tokens = append(res.Tokens, Token{Kind: Ident, Text: slots.assign(Ident, lx.Text)})
			res.Counts.Identifiers++
			if lx.Unlexed {
				res.Counts.Unlexed++
			}
		case Str:
			key := lx.Text
			if c.opts.PIIStrip {
				masked, n := MaskPII(key)
				key = masked
				res.Counts.PIIMasked += n
			}
			res.Tokens = append(res.Tokens, Token{Kind: Str, Text: slots.assign(Str, key)})
			res.Counts.Strings++
		case Num:
			res.Tokens = append(res.Tokens, Token{Kind: Num, Text: slots.assign(Num, lx.Text)})
			res.Counts.Numbers++
		case Comment:
			res.Tokens = append(res.Tokens, Token{Kind: Comment})
			res.Counts.Comments++
		case Newline:
			res.Tokens = append(res.Tokens, Token{Kind: Newline})
		default:
			res.Tokens = append(res.Tokens, Token{Kind: lx.Class, Text: lx.Text})
		}
	}

	res.Digest = Digest(res.Tokens)
	return res
}

type slotTable struct {
	maps map[Class]map[string]int
}

func newSlotTable() *slotTable {
	return &slotTable{maps: map[Class]map[string]int{
		Ident: {},
		Str:   {},
		Num:   {},
	}}
}

func (t *slotTable) assign(class Class, key string) string {
	m := t.maps[class]
	idx, ok := m[key]
	if !ok {
		idx = len(m)
		m[key] = idx
	}
	return string(class) + "_" + strconv.Itoa(idx)
}

// Digest is the hex SHA-256 over the canonical sequence.
func Digest(tokens []Token) string {
	h := sha256.New()
	for _, t := range tokens {
		h.Write([]byte(t.Kind))
		h.Write([]byte{0x1f})
		h.Write([]byte(t.Text))
		h.Write([]byte{0x1e})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Detokenize renders a source form of the canonical sequence. Canonicalizing
// the rendered form in the same language yields the same tokens and digest.
func Detokenize(r Result) string {
	var b strings.Builder
	atLineStart := true
	for _, t := range r.Tokens {
		if t.Kind == Newline {
			b.WriteByte('\n')
			atLineStart = true
			continue
		}
		if !atLineStart {
			b.WriteByte(' ')
		}
		atLineStart = false
		b.WriteString(renderToken(t, r.Language))
	}
	return b.String()
}

func renderToken(t Token, lang string) string {
	switch t.Kind {
	case Str:
		return `"` + t.Text + `"`
	case Num:
		return strings.TrimPrefix(t.Text, string(Num)+"_")
	case Comment:
		if HashComments(lang) {
			return "# COMMENT"
		}
		return "/* COMMENT */"
	default:
		return t.Text
	}
}

// Structural returns the first k tokens that are neither comments nor
// newlines. k <= 0 means all of them.
func Structural(tokens []Token, k int) []Token {
	out := make([]Token, 0, len(tokens))
	for _, t := range tokens {
		if t.Kind == Comment || t.Kind == Newline {
			continue
		}
		out = append(out, t)
		if k > 0 && len(out) == k {
			break
		}
	}
	return out
}

// Shape renders tokens compactly for use inside signatures.
func Shape(tokens []Token) string {
	parts := make([]string, len(tokens))
	for i, t := range tokens {
		parts[i] = t.Text
	}
	return strings.Join(parts, " ")
}
