package canon

import "regexp"

type piiRule struct {
	re   *regexp.Regexp
	repl string
}

// Applied in order; credential assignments go first so the value is not
// half-masked by a narrower rule.
var piiRules = []piiRule{
	{regexp.MustCompile(`(?i)\b(password|passwd|pwd|secret|token|api[_-]?key|access[_-]?key)\b(\s*[:=]\s*)[^\s"'&;,]+`), "${1}${2}<REDACTED>"},
	{regexp.MustCompile(`(?i)\bbearer\s+[A-Za-z0-9._~+/-]+=*`), "Bearer <REDACTED>"},
	{regexp.MustCompile(`\beyJ[A-Za-z0-9_-]+\.[A-Za-z0-9_-]+\.[A-Za-z0-9_-]+`), "<JWT>"},
	{regexp.MustCompile(`\bAKIA[0-9A-Z]{16}\b`), "<AWS_KEY>"},
	{regexp.MustCompile(`\bsk-[A-Za-z0-9_-]{20,}`), "<API_KEY>"},
	{regexp.MustCompile(`\bgh[pousr]_[A-Za-z0-9]{36,}`), "<GITHUB_TOKEN>"},
	{regexp.MustCompile(`[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`), "<EMAIL>"},
}

// MaskPII replaces email addresses and credential-looking substrings and
// reports how many replacements were made.
func MaskPII(s string) (string, int) {
	total := 0
	for _, rule := range piiRules {
		n := len(rule.re.FindAllStringIndex(s, -1))
		if n == 0 {
			continue
		}
		total += n
		s = rule.re.ReplaceAllString(s, rule.repl)
	}
	return s, total
}
