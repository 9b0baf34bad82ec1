// Package sandbox validates and executes operator-authored scripts out of
// process. A script passes a static blocklist and an interpreter compile
// check before it is ever stored; execution happens in a separate
// interpreter process under a hard timeout, and every failure comes back as
// a structured {"error": ...} value rather than a Go error.
package sandbox

import (
	"fmt"
	"regexp"
	"strings"
)

// blockedModules are imports the validator rejects: process and filesystem
// access, sockets, dynamic-import machinery, code serialization, and
// low-level bindings.
var blockedModules = []string{
	"os", "subprocess", "sys", "shutil", "pathlib", "io", "tempfile", "glob",
	"socket", "importlib", "pickle", "marshal", "shelve", "ctypes", "builtins",
	"multiprocessing", "threading", "signal", "platform", "inspect", "gc",
	"pty", "fcntl", "resource", "code", "codeop",
}

// blockedBuiltins are call sites the validator rejects: dynamic evaluation,
// file access, and scope introspection.
var blockedBuiltins = []string{
	"eval", "exec", "compile", "open", "globals", "locals", "vars",
	"getattr", "setattr", "delattr", "breakpoint", "input", "memoryview",
}

// blockPattern is one compiled blocklist rule.
type blockPattern struct {
	name    string
	regex   *regexp.Regexp
	message string
}

// Violation names the rule a script broke and the text that tripped it.
type Violation struct {
	Rule  string `json:"rule"`
	Match string `json:"match"`
}

// ValidationError carries every violation found, not just the first, so an
// operator can fix a rejected tool in one pass.
type ValidationError struct {
	Violations []Violation
}

func (e *ValidationError) Error() string {
	rules := make([]string, 0, len(e.Violations))
	seen := make(map[string]bool, len(e.Violations))
	for _, v := range e.Violations {
		if seen[v.Rule] {
			continue
		}
		seen[v.Rule] = true
		rules = append(rules, v.Rule)
	}
	return fmt.Sprintf("script validation failed: %s", strings.Join(rules, ", "))
}

// Validator applies the static blocklist to script source.
type Validator struct {
	patterns []*blockPattern
	runShape *regexp.Regexp
}

// NewValidator compiles the blocklist.
func NewValidator() *Validator {
	importAlt := strings.Join(blockedModules, "|")
	builtinAlt := strings.Join(blockedBuiltins, "|")

	return &Validator{
		patterns: []*blockPattern{
			{
				name: "blocked_import",
				// Catches "import os", "import json, os", "import os.path",
				// "from os import path", aliased forms, and indented imports.
				regex:   regexp.MustCompile(`(?m)^\s*(?:import\s+(?:[\w.]+\s*,\s*)*(?:` + importAlt + `)\b|from\s+(?:` + importAlt + `)\b)`),
				message: "import of a blocked module",
			},
			{
				name:    "blocked_builtin",
				regex:   regexp.MustCompile(`\b(?:` + builtinAlt + `)\s*\(`),
				message: "call to a blocked builtin",
			},
			{
				name:    "dunder_access",
				regex:   regexp.MustCompile(`__\w+__`),
				message: "magic-attribute access",
			},
			{
				name:    "reserved_prefix",
				regex:   regexp.MustCompile(`_sb_`),
				message: "harness-reserved name",
			},
		},
		runShape: regexp.MustCompile(`(?m)^async\s+def\s+run\s*\(`),
	}
}

// Validate checks script source against the blocklist and the required
// entrypoint shape. nil means the script may proceed to the compile check.
func (v *Validator) Validate(code string) error {
	var violations []Violation
	for _, p := range v.patterns {
		for _, match := range p.regex.FindAllString(code, 5) {
			violations = append(violations, Violation{
				Rule:  p.name,
				Match: strings.TrimSpace(match),
			})
		}
	}
	if !v.runShape.MatchString(code) {
		violations = append(violations, Violation{
			Rule:  "missing_entrypoint",
			Match: "script must define `async def run(...)` at top level",
		})
	}
	if len(violations) > 0 {
		return &ValidationError{Violations: violations}
	}
	return nil
}
