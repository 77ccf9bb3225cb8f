package canon

import (
	"path/filepath"
	"strings"
)

// Language tags understood by the canonicalizer and the function extractor.
const (
	LangGo         = "go"
	LangPython     = "python"
	LangJavaScript = "javascript"
	LangTypeScript = "typescript"
	LangRust       = "rust"
	LangJava       = "java"
	LangC          = "c"
	LangCPP        = "cpp"
	LangCSharp     = "csharp"
	LangRuby       = "ruby"
	LangShell      = "shell"
	LangGeneric    = "generic"
)

var extLanguages = map[string]string{
	".go":   LangGo,
	".py":   LangPython,
	".pyw":  LangPython,
	".js":   LangJavaScript,
	".mjs":  LangJavaScript,
	".cjs":  LangJavaScript,
	".jsx":  LangJavaScript,
	".ts":   LangTypeScript,
	".tsx":  LangTypeScript,
	".mts":  LangTypeScript,
	".rs":   LangRust,
	".java": LangJava,
	".c":    LangC,
	".h":    LangC,
	".cc":   LangCPP,
	".cpp":  LangCPP,
	".cxx":  LangCPP,
	".hpp":  LangCPP,
	".hh":   LangCPP,
	".cs":   LangCSharp,
	".rb":   LangRuby,
	".sh":   LangShell,
	".bash": LangShell,
	".zsh":  LangShell,
}

// chroma lexer name per language tag.
var chromaNames = map[string]string{
	LangGo:         "go",
	LangPython:     "python",
	LangJavaScript: "javascript",
	LangTypeScript: "typescript",
	LangRust:       "rust",
	LangJava:       "java",
	LangC:          "c",
	LangCPP:        "cpp",
	LangCSharp:     "csharp",
	LangRuby:       "ruby",
	LangShell:      "bash",
	LangGeneric:    genericLexerName,
}

// LanguageForPath maps a file extension to a language tag. Unknown
// extensions map to LangGeneric.
func LanguageForPath(path string) string {
	if lang, ok := extLanguages[strings.ToLower(filepath.Ext(path))]; ok {
		return lang
	}
	return LangGeneric
}

// DetectLanguage uses the extension first and falls back to content
// heuristics.
func DetectLanguage(path, content string) string {
	if lang := LanguageForPath(path); lang != LangGeneric {
		return lang
	}
	switch {
	case strings.Contains(content, "fn main()") || strings.Contains(content, "impl "):
		return LangRust
	case strings.Contains(content, "def ") && strings.Contains(content, "import "):
		return LangPython
	case strings.Contains(content, "package main"):
		return LangGo
	case strings.Contains(content, "function ") || strings.Contains(content, "const ") || strings.Contains(content, "=>"):
		return LangJavaScript
	case strings.HasPrefix(content, "#!/bin/sh") || strings.HasPrefix(content, "#!/bin/bash") || strings.HasPrefix(content, "#!/usr/bin/env bash"):
		return LangShell
	}
	return LangGeneric
}

// NormalizeLanguage maps aliases onto the fixed tags; anything unknown is
// generic.
func NormalizeLanguage(lang string) string {
	l := strings.ToLower(strings.TrimSpace(lang))
	switch l {
	case "golang":
		return LangGo
	case "py", "python3":
		return LangPython
	case "js", "jsx", "node":
		return LangJavaScript
	case "ts", "tsx":
		return LangTypeScript
	case "rs":
		return LangRust
	case "c++", "cxx":
		return LangCPP
	case "c#", "cs":
		return LangCSharp
	case "rb":
		return LangRuby
	case "sh", "bash", "zsh":
		return LangShell
	}
	if _, ok := chromaNames[l]; ok {
		return l
	}
	return LangGeneric
}

// HashComments reports whether the language writes line comments with '#'.
func HashComments(lang string) bool {
	switch lang {
	case LangPython, LangRuby, LangShell:
		return true
	}
	return false
}
