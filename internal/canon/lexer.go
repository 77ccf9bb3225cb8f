package canon

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/alecthomas/chroma"
	"github.com/alecthomas/chroma/lexers"
)

const genericLexerName = "devcompanion-generic"

// genericLexer keeps line structure and treats every word-like run as an
// identifier; it has no keyword table.
var genericLexer = lexers.Register(chroma.MustNewLexer(
	&chroma.Config{
		Name:     genericLexerName,
		Aliases:  []string{genericLexerName},
		DotAll:   true,
		EnsureNL: true,
	},
	chroma.Rules{
		"root": {
			{Pattern: `\n`, Type: chroma.Text, Mutator: nil},
			{Pattern: `[^\S\n]+`, Type: chroma.Text, Mutator: nil},
			{Pattern: `//[^\n]*`, Type: chroma.CommentSingle, Mutator: nil},
			{Pattern: `#[^\n]*`, Type: chroma.CommentSingle, Mutator: nil},
			{Pattern: `/\*.*?\*/`, Type: chroma.CommentMultiline, Mutator: nil},
			{Pattern: `"(\\\\|\\"|[^"])*"`, Type: chroma.LiteralStringDouble, Mutator: nil},
			{Pattern: `'(\\\\|\\'|[^'])*'`, Type: chroma.LiteralStringSingle, Mutator: nil},
			{Pattern: `[A-Za-z_][A-Za-z0-9_]*`, Type: chroma.Name, Mutator: nil},
			{Pattern: `\d+(\.\d+)?`, Type: chroma.LiteralNumber, Mutator: nil},
			{Pattern: `[^\x00-\x7F]+`, Type: chroma.Name, Mutator: nil},
			{Pattern: `[{}()\[\],;.]`, Type: chroma.Punctuation, Mutator: nil},
			{Pattern: `[-+*/=<>!:%&|^~?@$\\` + "`" + `]+`, Type: chroma.Operator, Mutator: nil},
		},
	},
))

// Class is the pre-slot category of a lexeme.
type Class string

const (
	Keyword Class = "KEYWORD"
	Ident   Class = "IDENT"
	Str     Class = "STR"
	Num     Class = "NUM"
	Punct   Class = "PUNCT"
	Op      Class = "OP"
	Comment Class = "COMMENT"
	Newline Class = "NEWLINE"
)

// Lexeme is a classified run of source text. Line is 1-based.
type Lexeme struct {
	Class   Class
	Text    string
	Line    int
	Unlexed bool
}

const punctChars = "()[]{},;:."

func lexerFor(lang string) chroma.Lexer {
	if name, ok := chromaNames[lang]; ok {
		if l := lexers.Get(name); l != nil {
			return l
		}
	}
	return genericLexer
}

func tokenise(lexer chroma.Lexer, text string) ([]chroma.Token, bool) {
	it, err := lexer.Tokenise(nil, text)
	if err != nil {
		return nil, false
	}
	return it.Tokens(), true
}

// Scan lexes text into classified lexemes. It never fails: when no lexer
// accepts the input the whole text becomes one unlexed identifier run.
func Scan(text, lang string) []Lexeme {
	lang = NormalizeLanguage(lang)
	toks, ok := tokenise(lexerFor(lang), text)
	if !ok {
		toks, ok = tokenise(genericLexer, text)
	}
	if !ok {
		return []Lexeme{{Class: Ident, Text: text, Line: 1, Unlexed: true}}
	}

	s := &scanner{line: 1}
	for _, tok := range toks {
		s.feed(tok)
	}
	s.flush()
	return s.out
}

type scanner struct {
	out  []Lexeme
	line int

	// pending merges adjacent string, comment or error pieces.
	pending      Class
	pendingText  strings.Builder
	pendingLine  int
	pendingError bool

	// joinName is set when the previous token was a name ending in a word
	// character. Some lexers split one identifier into several name tokens
	// (JavaScript breaks snake_case at each underscore).
	joinName bool
}

func (s *scanner) emit(l Lexeme) {
	s.out = append(s.out, l)
}

func (s *scanner) flush() {
	if s.pending == "" {
		return
	}
	text := s.pendingText.String()
	s.emit(Lexeme{Class: s.pending, Text: text, Line: s.pendingLine, Unlexed: s.pendingError})
	if s.pending == Comment {
		for i := 0; i < strings.Count(text, "\n"); i++ {
			s.emit(Lexeme{Class: Newline, Text: "\n", Line: s.pendingLine + i})
		}
	}
	s.pending = ""
	s.pendingText.Reset()
	s.pendingError = false
}

func (s *scanner) accumulate(class Class, value string, isError bool) {
	if s.pending != class || s.pendingError != isError {
		s.flush()
		s.pending = class
		s.pendingLine = s.line
		s.pendingError = isError
	}
	s.pendingText.WriteString(value)
}

func (s *scanner) feed(tok chroma.Token) {
	value := tok.Value
	if value == "" {
		return
	}
	startLine := s.line
	joinName := s.joinName
	s.joinName = false
	defer func() { s.line = startLine + strings.Count(value, "\n") }()

	switch {
	case tok.Type == chroma.Error:
		s.accumulate(Ident, value, true)
		return
	case tok.Type.InSubCategory(chroma.LiteralString) || tok.Type == chroma.Literal || tok.Type == chroma.LiteralDate || tok.Type == chroma.LiteralOther:
		s.accumulate(Str, value, false)
		return
	case tok.Type.InCategory(chroma.Comment):
		s.accumulate(Comment, value, false)
		return
	}

	s.flush()
	switch {
	case tok.Type.InCategory(chroma.Keyword):
		s.words(Keyword, value, startLine)
	case tok.Type.InSubCategory(chroma.LiteralNumber):
		s.emit(Lexeme{Class: Num, Text: strings.TrimSpace(value), Line: startLine})
	case tok.Type.InCategory(chroma.Name), tok.Type.InCategory(chroma.Generic), tok.Type == chroma.Other:
		last, _ := utf8.DecodeLastRuneInString(value)
		s.joinName = tok.Type.InCategory(chroma.Name) && (isWordRune(last) || last == '$')
		if joinName && s.appendToIdent(value) {
			value := strings.TrimLeftFunc(value, func(r rune) bool { return !unicode.IsSpace(r) })
			s.words(Ident, value, startLine)
			return
		}
		s.words(Ident, value, startLine)
	case tok.Type.InCategory(chroma.Operator), tok.Type.InCategory(chroma.Punctuation):
		s.symbols(value, startLine)
	default:
		s.text(value, startLine)
	}
}

// appendToIdent glues the leading word of value onto the previous
// identifier when the two are adjacent in the source.
func (s *scanner) appendToIdent(value string) bool {
	if len(s.out) == 0 || s.out[len(s.out)-1].Class != Ident {
		return false
	}
	first, _ := utf8.DecodeRuneInString(value)
	if !isWordRune(first) && first != '$' {
		return false
	}
	end := strings.IndexFunc(value, unicode.IsSpace)
	if end < 0 {
		end = len(value)
	}
	s.out[len(s.out)-1].Text += value[:end]
	return true
}

// words splits a keyword or name token on whitespace, keeping newlines.
func (s *scanner) words(class Class, value string, line int) {
	for _, part := range splitKeepNewlines(value) {
		if part == "\n" {
			s.emit(Lexeme{Class: Newline, Text: "\n", Line: line})
			line++
			continue
		}
		s.emit(Lexeme{Class: class, Text: part, Line: line})
	}
}

// symbols emits operators verbatim and punctuation one character at a time.
func (s *scanner) symbols(value string, line int) {
	for _, part := range splitKeepNewlines(value) {
		if part == "\n" {
			s.emit(Lexeme{Class: Newline, Text: "\n", Line: line})
			line++
			continue
		}
		if strings.Trim(part, punctChars) == "" {
			for _, r := range part {
				s.emit(Lexeme{Class: Punct, Text: string(r), Line: line})
			}
			continue
		}
		s.emit(Lexeme{Class: Op, Text: part, Line: line})
	}
}

// text handles plain text tokens: whitespace yields newlines, word runs
// are identifiers and any other character is a symbol.
func (s *scanner) text(value string, line int) {
	runes := []rune(value)
	for i := 0; i < len(runes); {
		r := runes[i]
		switch {
		case r == '\n':
			s.emit(Lexeme{Class: Newline, Text: "\n", Line: line})
			line++
			i++
		case unicode.IsSpace(r):
			i++
		case isWordRune(r):
			j := i
			for j < len(runes) && isWordRune(runes[j]) {
				j++
			}
			s.emit(Lexeme{Class: Ident, Text: string(runes[i:j]), Line: line})
			i = j
		default:
			s.symbols(string(r), line)
			i++
		}
	}
}

func isWordRune(r rune) bool {
	return r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r)
}

func splitKeepNewlines(value string) []string {
	var parts []string
	for i, line := range strings.Split(value, "\n") {
		if i > 0 {
			parts = append(parts, "\n")
		}
		parts = append(parts, strings.Fields(line)...)
	}
	return parts
}
