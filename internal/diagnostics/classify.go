package diagnostics

import "regexp"

// Kind is the classified error kind of a diagnostic.
type Kind string

const (
	KindSyntax     Kind = "syntax"
	KindType       Kind = "type"
	KindReference  Kind = "reference"
	KindDependency Kind = "dependency-manager"
	KindTypecheck  Kind = "typecheck"
	KindLint       Kind = "lint"
	KindTest       Kind = "test"
	KindFilesystem Kind = "filesystem"
	KindPermission Kind = "permission"
	KindUnknown    Kind = "unknown"
)

// Kinds lists every kind in tie-break order: on equal match counts the
// earlier kind wins.
var Kinds = []Kind{
	KindPermission,
	KindFilesystem,
	KindDependency,
	KindSyntax,
	KindTypecheck,
	KindType,
	KindReference,
	KindTest,
	KindLint,
	KindUnknown,
}

type kindPatterns struct {
	kind     Kind
	patterns []*regexp.Regexp
}

var classifierTable = []kindPatterns{
	{KindPermission, []*regexp.Regexp{
		regexp.MustCompile(`\bEACCES\b`),
		regexp.MustCompile(`\bEPERM\b`),
		regexp.MustCompile(`(?i)permission denied`),
		regexp.MustCompile(`(?i)operation not permitted`),
		regexp.MustCompile(`(?i)access (is )?denied`),
	}},
	{KindFilesystem, []*regexp.Regexp{
		regexp.MustCompile(`\bENOENT\b`),
		regexp.MustCompile(`\bE(ISDIR|NOTDIR|EXIST|NOSPC)\b`),
		regexp.MustCompile(`(?i)no such file or directory`),
		regexp.MustCompile(`(?i)file not found`),
		regexp.MustCompile(`(?i)no space left on device`),
		regexp.MustCompile(`(?i)(is|not) a directory`),
	}},
	{KindDependency, []*regexp.Regexp{
		regexp.MustCompile(`(?i)\b(npm|yarn|pnpm|pip|poetry|cargo|bundle|gem)\b.*\b(ERR!?|error|failed|conflict)`),
		regexp.MustCompile(`\bERESOLVE\b`),
		regexp.MustCompile(`ModuleNotFoundError`),
		regexp.MustCompile(`(?i)cannot find module`),
		regexp.MustCompile(`(?i)no matching (version|distribution)`),
		regexp.MustCompile(`(?i)could not resolve dependenc`),
		regexp.MustCompile(`(?i)missing go\.sum entry`),
		regexp.MustCompile(`(?i)no required module provides package`),
	}},
	{KindSyntax, []*regexp.Regexp{
		regexp.MustCompile(`(?i)syntax ?error`),
		regexp.MustCompile(`(?i)invalid syntax`),
		regexp.MustCompile(`IndentationError`),
		regexp.MustCompile(`(?i)unexpected (token|indent|eof|end of (file|input)|newline)`),
		regexp.MustCompile(`(?i)unterminated (string|comment)`),
		regexp.MustCompile(`(?i)expected ['"]?[;:,)}\]]`),
	}},
	{KindTypecheck, []*regexp.Regexp{
		regexp.MustCompile(`\berror TS\d{4}\b`),
		regexp.MustCompile(`(?i)\b(mypy|pyright|tsc|flow)\b`),
		regexp.MustCompile(`(?i)type ?check(ing)? failed`),
		regexp.MustCompile(`(?m): error: .*\[[a-z-]+\]$`),
	}},
	{KindType, []*regexp.Regexp{
		regexp.MustCompile(`TypeError`),
		regexp.MustCompile(`(?i)cannot use .+ as .+ (value|type)`),
		regexp.MustCompile(`(?i)mismatched types`),
		regexp.MustCompile(`(?i)incompatible types?`),
		regexp.MustCompile(`(?i)is not a function`),
		regexp.MustCompile(`(?i)cannot read propert(y|ies) of (undefined|null)`),
	}},
	{KindReference, []*regexp.Regexp{
		regexp.MustCompile(`ReferenceError`),
		regexp.MustCompile(`NameError`),
		regexp.MustCompile(`AttributeError`),
		regexp.MustCompile(`(?i)is not defined`),
		regexp.MustCompile(`\bundefined: \w+`),
		regexp.MustCompile(`(?i)cannot find (symbol|name)`),
		regexp.MustCompile(`(?i)undeclared (name|identifier)`),
	}},
	{KindTest, []*regexp.Regexp{
		regexp.MustCompile(`(?m)^--- FAIL`),
		regexp.MustCompile(`(?i)\b\d+ (tests? )?(failed|failing|failures?)\b`),
		regexp.MustCompile(`\bFAIL(ED)?\b`),
		regexp.MustCompile(`(?i)assertion ?error`),
		regexp.MustCompile(`(?i)expected .+ (but got|to (equal|be))`),
		regexp.MustCompile(`(?i)\b(pytest|jest|mocha|vitest|go test)\b`),
	}},
	{KindLint, []*regexp.Regexp{
		regexp.MustCompile(`(?i)\b(eslint|pylint|flake8|ruff|golangci-lint|staticcheck|rubocop|clippy|shellcheck)\b`),
		regexp.MustCompile(`(?i)\blint(er|ing)?\b`),
		regexp.MustCompile(`\((no|prefer)-[a-z-]+\)`),
	}},
}

// Classify returns the kind whose patterns match text most often. Ties go to
// the kind listed first in Kinds; no match at all is KindUnknown.
func Classify(text string) Kind {
	if text == "" {
		return KindUnknown
	}
	best, bestCount := KindUnknown, 0
	for _, kp := range classifierTable {
		n := 0
		for _, re := range kp.patterns {
			n += len(re.FindAllStringIndex(text, -1))
		}
		if n > bestCount {
			best, bestCount = kp.kind, n
		}
	}
	return best
}

// SearchPatterns counts the matches of each regular expression in text.
// Patterns that fail to compile are omitted from the result.
func SearchPatterns(text string, patterns []string) map[string]int {
	out := make(map[string]int, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			continue
		}
		out[p] = len(re.FindAllStringIndex(text, -1))
	}
	return out
}
