// Package funcs implements function-level change detection (Rung 3): it
// extracts functions per language, fingerprints them with a name-free
// canonical signature, matches versions of a file and maintains the
// per-file call graph.
package funcs

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"devcompanion/internal/canon"
)

// ReturnSlot describes what is known about a function's return type.
type ReturnSlot string

const (
	ReturnTyped    ReturnSlot = "typed"
	ReturnInferred ReturnSlot = "inferred"
	ReturnVoid     ReturnSlot = "void"
	ReturnUnknown  ReturnSlot = "unknown"
)

// DefaultPrefixTokens is the body shape length used when none is configured.
const DefaultPrefixTokens = 64

// Function is one function-like construct found in a version of a file.
// ID is filled in by the Detector.
type Function struct {
	ID             string     `json:"id,omitempty"`
	Name           string     `json:"name"`
	StartLine      int        `json:"start_line"`
	EndLine        int        `json:"end_line"`
	ParameterCount int        `json:"parameter_count"`
	ReturnSlot     ReturnSlot `json:"return_slot"`
	Signature      string     `json:"signature"`
	BodyDigest     string     `json:"body_digest"`
}

// CallSite is a call made from inside Functions[Caller].
type CallSite struct {
	Caller int
	Callee string
	Line   int
}

// Extraction is everything Extract finds in one text.
type Extraction struct {
	Language  string
	Functions []Function
	Calls     []CallSite
}

type style int

const (
	styleIndent style = iota
	styleEnd
	styleBrace
)

type headerRule struct {
	re     *regexp.Regexp
	name   int
	prefix int
	indent int
}

type langSpec struct {
	style        style
	rules        []headerRule
	hashComments bool
	singleQuotes bool
	backticks    bool
	tripleQuotes bool
	// sameLineBrace requires the body to open on the header's line.
	sameLineBrace bool
	arrows        bool
	slot          func(h header, p parsed, body []canon.Lexeme) ReturnSlot
}

func rule(pattern string, name, prefix, indent int) headerRule {
	return headerRule{re: regexp.MustCompile(pattern), name: name, prefix: prefix, indent: indent}
}

const cLikeHeader = `(?m)^[ \t]*([\w<>\[\],.*&: \t]*?)\b(~?[A-Za-z_]\w*)[ \t]*\(`

var (
	pythonSpec = &langSpec{
		style:        styleIndent,
		rules:        []headerRule{rule(`(?m)^([ \t]*)(?:async[ \t]+)?def[ \t]+([A-Za-z_]\w*)[ \t]*\(`, 2, 0, 1)},
		hashComments: true,
		singleQuotes: true,
		tripleQuotes: true,
		slot: func(_ header, p parsed, body []canon.Lexeme) ReturnSlot {
			if strings.Contains(p.between, "->") {
				return ReturnTyped
			}
			return valueReturnSlot(body, ReturnVoid)
		},
	}
	rubySpec = &langSpec{
		style:        styleEnd,
		rules:        []headerRule{rule(`(?m)^([ \t]*)def[ \t]+(?:self\.)?([A-Za-z_]\w*[?!=]?)`, 2, 0, 1)},
		hashComments: true,
		singleQuotes: true,
		slot: func(_ header, _ parsed, body []canon.Lexeme) ReturnSlot {
			return valueReturnSlot(body, ReturnUnknown)
		},
	}
	goSpec = &langSpec{
		style:     styleBrace,
		rules:     []headerRule{rule(`(?m)^func[ \t]*(?:\([^)]*\)[ \t]*)?([A-Za-z_]\w*)[ \t]*(?:\[[^\]]*\])?\(`, 1, 0, 0)},
		backticks: true,
		slot: func(_ header, p parsed, _ []canon.Lexeme) ReturnSlot {
			if strings.TrimSpace(p.between) != "" {
				return ReturnTyped
			}
			return ReturnVoid
		},
	}
	rustSpec = &langSpec{
		style: styleBrace,
		rules: []headerRule{rule(`(?m)^[ \t]*(?:pub(?:\([^)]*\))?[ \t]+)?(?:const[ \t]+)?(?:async[ \t]+)?(?:unsafe[ \t]+)?(?:extern[ \t]+)?fn[ \t]+([A-Za-z_]\w*)[ \t]*(?:<[^>(]*>)?[ \t]*\(`, 1, 0, 0)},
		slot: func(_ header, p parsed, _ []canon.Lexeme) ReturnSlot {
			if strings.Contains(p.between, "->") {
				return ReturnTyped
			}
			return ReturnVoid
		},
	}
	jsRules = []headerRule{
		rule(`(?m)^[ \t]*(?:export[ \t]+)?(?:default[ \t]+)?(?:async[ \t]+)?function[ \t]*\*?[ \t]*([A-Za-z_$][\w$]*)[ \t]*(?:<[^>(]*>)?[ \t]*\(`, 1, 0, 0),
		rule(`(?m)^[ \t]*(?:export[ \t]+)?(?:const|let|var)[ \t]+([A-Za-z_$][\w$]*)[ \t]*(?::[^=\n]+)?=[ \t]*(?:async[ \t]*)?(?:function[ \t]*\*?[ \t]*[\w$]*[ \t]*)?\(`, 1, 0, 0),
		rule(`(?m)^[ \t]*(?:(?:public|private|protected|static|async|readonly|override|get|set)[ \t]+)*\*?([A-Za-z_$][\w$]*)[ \t]*(?:<[^>(]*>)?[ \t]*\(`, 1, 0, 0),
	}
	jsSpec = &langSpec{
		style:         styleBrace,
		rules:         jsRules,
		singleQuotes:  true,
		backticks:     true,
		sameLineBrace: true,
		arrows:        true,
		slot: func(_ header, p parsed, body []canon.Lexeme) ReturnSlot {
			if p.arrowExpr {
				return ReturnInferred
			}
			return valueReturnSlot(body, ReturnVoid)
		},
	}
	tsSpec = &langSpec{
		style:         styleBrace,
		rules:         jsRules,
		singleQuotes:  true,
		backticks:     true,
		sameLineBrace: true,
		arrows:        true,
		slot: func(_ header, p parsed, body []canon.Lexeme) ReturnSlot {
			if strings.HasPrefix(strings.TrimSpace(p.between), ":") {
				return ReturnTyped
			}
			if p.arrowExpr {
				return ReturnInferred
			}
			return valueReturnSlot(body, ReturnVoid)
		},
	}
	cLikeSpec = &langSpec{
		style: styleBrace,
		rules: []headerRule{rule(cLikeHeader, 2, 1, 0)},
		slot: func(h header, _ parsed, _ []canon.Lexeme) ReturnSlot {
			return cReturnSlot(h.prefix)
		},
	}
)

var specs = map[string]*langSpec{
	canon.LangPython:     pythonSpec,
	canon.LangRuby:       rubySpec,
	canon.LangGo:         goSpec,
	canon.LangRust:       rustSpec,
	canon.LangJavaScript: jsSpec,
	canon.LangTypeScript: tsSpec,
	canon.LangJava:       cLikeSpec,
	canon.LangC:          cLikeSpec,
	canon.LangCPP:        cLikeSpec,
	canon.LangCSharp:     cLikeSpec,
}

// Supported reports whether Extract understands lang.
func Supported(lang string) bool {
	_, ok := specs[canon.NormalizeLanguage(lang)]
	return ok
}

// Names that look like a header or a call but never are.
var notFunctionNames = map[string]bool{
	"if": true, "for": true, "while": true, "switch": true, "catch": true,
	"return": true, "sizeof": true, "function": true, "typeof": true,
	"await": true, "delete": true, "throw": true, "new": true, "super": true,
	"import": true, "export": true, "with": true, "do": true, "else": true,
	"yield": true, "void": true, "using": true, "lock": true, "foreach": true,
	"synchronized": true, "elif": true, "except": true, "match": true,
}

// Words that disqualify a C-like prefix from being a return type.
var notReturnTypeWords = map[string]bool{
	"record": true, "class": true, "struct": true, "new": true, "return": true,
	"throw": true, "else": true, "case": true, "enum": true, "interface": true,
	"goto": true, "delete": true, "await": true, "yield": true, "using": true,
	"namespace": true, "typedef": true,
}

var cModifiers = map[string]bool{
	"public": true, "private": true, "protected": true, "static": true,
	"final": true, "abstract": true, "virtual": true, "inline": true,
	"override": true, "async": true, "extern": true, "const": true,
	"unsafe": true, "sealed": true, "synchronized": true, "native": true,
	"internal": true, "partial": true, "explicit": true, "constexpr": true,
	"friend": true, "volatile": true, "default": true,
}

type header struct {
	name    string
	prefix  string
	indent  int
	start   int
	nameEnd int
	open    int
}

type parsed struct {
	params    string
	between   string
	bodyStart int
	bodyEnd   int
	endLine   int
	arrowExpr bool
}

var bodyCanon = canon.New(canon.Options{})

// Extract finds the functions and call sites in text. Unknown languages
// yield an empty extraction.
func Extract(text, language string, prefixTokens int) Extraction {
	lang := canon.NormalizeLanguage(language)
	out := Extraction{Language: lang}
	spec, ok := specs[lang]
	if !ok || strings.TrimSpace(text) == "" {
		return out
	}
	if prefixTokens <= 0 {
		prefixTokens = DefaultPrefixTokens
	}

	src := newSource(text, spec)
	seen := make(map[int]bool)
	for _, r := range spec.rules {
		for _, m := range r.re.FindAllStringSubmatchIndex(src.blank, -1) {
			h, ok := src.header(r, m)
			if !ok || seen[h.start] {
				continue
			}
			p, ok := src.parse(spec, h)
			if !ok {
				continue
			}
			seen[h.start] = true
			out.Functions = append(out.Functions, buildFunction(src, spec, lang, h, p, prefixTokens))
		}
	}

	sort.SliceStable(out.Functions, func(i, j int) bool {
		return out.Functions[i].StartLine < out.Functions[j].StartLine
	})
	out.Calls = callSites(text, lang, out.Functions)
	return out
}

func (s *source) header(r headerRule, m []int) (header, bool) {
	h := header{
		name:    s.blank[m[2*r.name]:m[2*r.name+1]],
		nameEnd: m[2*r.name+1],
		start:   m[2*r.name],
		open:    -1,
	}
	if notFunctionNames[h.name] {
		return h, false
	}
	if r.prefix > 0 && m[2*r.prefix] >= 0 {
		h.prefix = s.blank[m[2*r.prefix]:m[2*r.prefix+1]]
		for _, w := range strings.Fields(h.prefix) {
			if notReturnTypeWords[w] {
				return h, false
			}
		}
	}
	if r.indent > 0 {
		h.indent = m[2*r.indent+1] - m[2*r.indent]
	}
	if m[1] > 0 && s.blank[m[1]-1] == '(' {
		h.open = m[1] - 1
	}
	return h, true
}

func (s *source) parse(spec *langSpec, h header) (parsed, bool) {
	switch spec.style {
	case styleIndent:
		return s.parseIndented(h)
	case styleEnd:
		return s.parseEndDelimited(h)
	default:
		return s.parseBraced(spec, h)
	}
}

func (s *source) parseIndented(h header) (parsed, bool) {
	var p parsed
	closeParen := s.matchClose(h.open, '(', ')')
	if closeParen < 0 {
		return p, false
	}
	p.params = s.blank[h.open+1 : closeParen]

	colon, depth := -1, 0
scan:
	for i := closeParen + 1; i < len(s.blank); i++ {
		switch s.blank[i] {
		case '(', '[', '{':
			depth++
		case ')', ']', '}':
			depth--
		case ':':
			if depth == 0 {
				colon = i
				break scan
			}
		case '\n':
			if depth == 0 {
				return p, false
			}
		}
	}
	if colon < 0 {
		return p, false
	}
	p.between = s.blank[closeParen+1 : colon]

	headerEnd := s.lineEnd(colon)
	if strings.TrimSpace(s.blank[colon+1:headerEnd]) != "" {
		p.bodyStart, p.bodyEnd = colon+1, headerEnd
		p.endLine = s.lineOf(colon)
		return p, true
	}

	p.bodyStart, p.bodyEnd = headerEnd, headerEnd
	p.endLine = s.lineOf(colon)
	for off := headerEnd + 1; off < len(s.blank); {
		end := s.lineEnd(off)
		line := s.blank[off:end]
		if strings.TrimSpace(line) != "" {
			if indentWidth(line) <= h.indent {
				break
			}
			p.bodyEnd = end
			p.endLine = s.lineOf(off)
		}
		off = end + 1
	}
	return p, true
}

func (s *source) parseEndDelimited(h header) (parsed, bool) {
	var p parsed
	after := h.nameEnd
	for after < len(s.blank) && (s.blank[after] == ' ' || s.blank[after] == '\t') {
		after++
	}
	if after < len(s.blank) && s.blank[after] == '(' {
		closeParen := s.matchClose(after, '(', ')')
		if closeParen < 0 {
			return p, false
		}
		p.params = s.blank[after+1 : closeParen]
		after = closeParen + 1
	} else {
		stop := s.lineEnd(after)
		if i := strings.IndexByte(s.blank[after:stop], ';'); i >= 0 {
			stop = after + i
		}
		p.params = s.blank[after:stop]
		after = stop
	}

	headerEnd := s.lineEnd(after)
	rest := strings.TrimSpace(s.blank[after:headerEnd])
	if strings.HasPrefix(rest, ";") && strings.HasSuffix(rest, "end") {
		start := after + strings.IndexByte(s.blank[after:headerEnd], ';') + 1
		p.bodyStart, p.bodyEnd = start, after+strings.LastIndex(s.blank[after:headerEnd], "end")
		p.endLine = s.lineOf(after)
		return p, true
	}

	p.bodyStart = headerEnd
	for off := headerEnd + 1; off < len(s.blank); {
		end := s.lineEnd(off)
		line := s.blank[off:end]
		trimmed := strings.TrimSpace(line)
		if indentWidth(line) <= h.indent && (trimmed == "end" || strings.HasPrefix(trimmed, "end ") || strings.HasPrefix(trimmed, "end;")) {
			p.bodyEnd = off
			p.endLine = s.lineOf(off)
			return p, true
		}
		off = end + 1
	}
	p.bodyEnd = len(s.blank)
	p.endLine = s.lineOf(len(s.blank) - 1)
	return p, true
}

func (s *source) parseBraced(spec *langSpec, h header) (parsed, bool) {
	var p parsed
	if h.open < 0 {
		return p, false
	}
	closeParen := s.matchClose(h.open, '(', ')')
	if closeParen < 0 {
		return p, false
	}
	p.params = s.blank[h.open+1 : closeParen]

	breaks := 0
	for i := closeParen + 1; i < len(s.blank); i++ {
		c := s.blank[i]
		switch {
		case c == '{':
			closeBrace := s.matchClose(i, '{', '}')
			if closeBrace < 0 {
				return p, false
			}
			p.between = s.blank[closeParen+1 : i]
			p.bodyStart, p.bodyEnd = i+1, closeBrace
			p.endLine = s.lineOf(closeBrace)
			return p, true
		case spec.arrows && c == '=' && i+1 < len(s.blank) && s.blank[i+1] == '>':
			p.between = s.blank[closeParen+1 : i]
			return s.arrowBody(p, i+2)
		case c == ';' || c == '}' || c == '=':
			return p, false
		case c == '\n':
			breaks++
			if spec.sameLineBrace || breaks > 2 {
				return p, false
			}
		}
	}
	return p, false
}

func (s *source) arrowBody(p parsed, from int) (parsed, bool) {
	i := from
	for i < len(s.blank) && strings.ContainsRune(" \t\r\n", rune(s.blank[i])) {
		i++
	}
	if i >= len(s.blank) {
		return p, false
	}
	if s.blank[i] == '{' {
		closeBrace := s.matchClose(i, '{', '}')
		if closeBrace < 0 {
			return p, false
		}
		p.bodyStart, p.bodyEnd = i+1, closeBrace
		p.endLine = s.lineOf(closeBrace)
		return p, true
	}
	end := s.lineEnd(i)
	for end > i && strings.ContainsRune(" \t\r;,", rune(s.blank[end-1])) {
		end--
	}
	p.bodyStart, p.bodyEnd = i, end
	p.endLine = s.lineOf(i)
	p.arrowExpr = true
	return p, true
}

func buildFunction(src *source, spec *langSpec, lang string, h header, p parsed, prefixTokens int) Function {
	body := src.text[p.bodyStart:p.bodyEnd]
	res := bodyCanon.Canonicalize(body, lang)
	params := countParams(lang, p.params)
	slot := spec.slot(h, p, canon.Scan(body, lang))
	shape := canon.Shape(canon.Structural(res.Tokens, prefixTokens))

	return Function{
		Name:           h.name,
		StartLine:      src.lineOf(h.start),
		EndLine:        p.endLine,
		ParameterCount: params,
		ReturnSlot:     slot,
		Signature:      fmt.Sprintf("%s|%d|%s|%s", lang, params, slot, shape),
		BodyDigest:     res.Digest,
	}
}

func countParams(lang, params string) int {
	params = strings.TrimSpace(params)
	if params == "" {
		return 0
	}
	if (lang == canon.LangC || lang == canon.LangCPP) && params == "void" {
		return 0
	}
	n := 0
	for _, part := range splitTopLevel(params, ',') {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if lang == canon.LangPython && (part == "*" || part == "/") {
			continue
		}
		n++
	}
	return n
}

// valueReturnSlot reports inferred when the body returns or yields a value,
// otherwise fallback.
func valueReturnSlot(body []canon.Lexeme, fallback ReturnSlot) ReturnSlot {
	for i, lx := range body {
		if lx.Class != canon.Keyword || (lx.Text != "return" && lx.Text != "yield") {
			continue
		}
		if i+1 >= len(body) {
			continue
		}
		next := body[i+1]
		if next.Line == lx.Line && next.Class != canon.Newline && next.Class != canon.Comment && next.Text != ";" && next.Text != "}" {
			return ReturnInferred
		}
	}
	return fallback
}

func cReturnSlot(prefix string) ReturnSlot {
	p := strings.TrimSpace(prefix)
	for strings.HasSuffix(p, "::") {
		p = strings.TrimSuffix(p, "::")
		p = strings.TrimSpace(p[:strings.LastIndexAny(p, " \t*&>")+1])
	}
	p = strings.NewReplacer("*", " * ", "&", " & ").Replace(p)

	var kept []string
	for _, w := range strings.Fields(p) {
		if !cModifiers[w] {
			kept = append(kept, w)
		}
	}
	switch {
	case len(kept) == 0:
		return ReturnUnknown
	case len(kept) == 1 && kept[0] == "void":
		return ReturnVoid
	default:
		return ReturnTyped
	}
}
