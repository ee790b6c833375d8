// Package argvnorm decides how to turn a user-supplied argv into the
// command the worker actually executes: pass an already-"shell -c"
// invocation through untouched, or quote-join and wrap everything
// else in a fresh non-interactive shell. Grounded function-for-function
// on the original implementation's pigeon/client.py
// (_normalize_exec_command, _is_shell_c, _shell_join_tokens,
// _rewrite_local_expanded_env_tokens, _shell_prelude,
// _find_ambiguous_operator_token).
package argvnorm

import (
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"
)

// ForbiddenOperatorTokens are shell operator tokens that must not
// appear in multi-token argv mode — they signal the caller meant a
// shell snippet and should use one explicitly instead of an argv list.
var ForbiddenOperatorTokens = map[string]bool{
	"|": true, "||": true, ";": true, "&&": true, "&": true,
	">": true, ">>": true, "<": true, "<<": true, "(": true, ")": true,
}

var shellNames = map[string]bool{
	"bash": true, "/bin/bash": true,
	"sh": true, "/bin/sh": true,
	"zsh": true, "/bin/zsh": true,
}

// IsShellC reports whether argv already looks like `bash -c ...` (or
// sh/zsh, with -c possibly combined into another single-letter flag
// like -ic).
func IsShellC(argv []string) bool {
	if len(argv) < 2 {
		return false
	}
	if !shellNames[argv[0]] {
		return false
	}
	for _, tok := range argv[1:] {
		if tok == "-c" {
			return true
		}
		if strings.HasPrefix(tok, "-") && !strings.HasPrefix(tok, "--") && strings.Contains(tok[1:], "c") {
			return true
		}
	}
	return false
}

var assignRe = regexp.MustCompile(`^([A-Za-z_][A-Za-z0-9_]*)=(.*)$`)
var varRefRe = regexp.MustCompile(`^\$(?:[A-Za-z_][A-Za-z0-9_]*|\{[A-Za-z_][A-Za-z0-9_]*\})$`)

// PrefixAssignments collects a leading run of `VAR=value` tokens (the
// conventional `FOO=bar cmd ...` shell idiom) and stops at the first
// token that isn't one.
func PrefixAssignments(argv []string) map[string]string {
	out := map[string]string{}
	for _, tok := range argv {
		m := assignRe.FindStringSubmatch(tok)
		if m == nil {
			break
		}
		out[m[1]] = m[2]
	}
	return out
}

// ShellJoinTokens quote-joins argv, leaving bare $VAR/${VAR} tokens
// unquoted so the remote shell still expands them.
func ShellJoinTokens(argv []string) string {
	parts := make([]string, len(argv))
	for i, tok := range argv {
		if varRefRe.MatchString(tok) {
			parts[i] = tok
		} else {
			parts[i] = shellQuote(tok)
		}
	}
	return strings.Join(parts, " ")
}

// shellQuote is a minimal shlex.quote equivalent: wraps in single
// quotes, escaping embedded single quotes.
func shellQuote(s string) string {
	if s == "" {
		return "''"
	}
	if isSafeUnquoted(s) {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}

var safeUnquotedRe = regexp.MustCompile(`^[A-Za-z0-9_@%+=:,./-]+$`)

func isSafeUnquoted(s string) bool {
	return safeUnquotedRe.MatchString(s)
}

// RewriteLocalExpandedEnvTokens undoes the caller shell's own early
// expansion of a variable the remote shell is supposed to see fresh:
// any token after the leading assignment run that equals the local
// value of a remote_env key (or a leading-assignment key) is rewritten
// back to its literal `$VAR` or assignment RHS.
func RewriteLocalExpandedEnvTokens(argv []string, remoteEnv map[string]string) []string {
	if len(argv) == 0 || len(remoteEnv) == 0 {
		return argv
	}
	tokens := append([]string(nil), argv...)
	assignments := PrefixAssignments(tokens)

	candidates := make(map[string]bool, len(remoteEnv)+len(assignments))
	for k := range remoteEnv {
		candidates[k] = true
	}
	for k := range assignments {
		candidates[k] = true
	}
	if len(candidates) == 0 {
		return tokens
	}
	names := make([]string, 0, len(candidates))
	for k := range candidates {
		names = append(names, k)
	}
	sort.Strings(names)

	for i := len(assignments); i < len(tokens); i++ {
		tok := tokens[i]
		for _, name := range names {
			localVal, hasLocal := os.LookupEnv(name)
			if !hasLocal || localVal == "" || tok != localVal {
				continue
			}
			if rhs, ok := assignments[name]; ok {
				tokens[i] = rhs
			} else if _, ok := remoteEnv[name]; ok {
				tokens[i] = "$" + name
			}
			break
		}
	}
	return tokens
}

// FindAmbiguousOperatorToken returns the first shell operator token in
// argv, or "" if none. Used to reject argv-mode commands that look
// like they meant a shell snippet.
func FindAmbiguousOperatorToken(argv []string) string {
	for _, tok := range argv {
		if ForbiddenOperatorTokens[tok] {
			return tok
		}
	}
	return ""
}

// ShellPrelude is the text prepended to the joined command: an
// optional ~/.bashrc source, and color-friendly aliases when stdout is
// a TTY and NO_COLOR isn't set.
func ShellPrelude(sourceBashrc, stdoutIsTTY bool) string {
	var lines []string
	if sourceBashrc {
		lines = append(lines, "if [ -r ~/.bashrc ]; then . ~/.bashrc >/dev/null 2>&1 || true; fi")
	}
	if os.Getenv("NO_COLOR") == "" && stdoutIsTTY {
		lines = append(lines,
			"shopt -s expand_aliases",
			"alias ls='ls --color=always'",
			"alias grep='grep --color=auto'",
			"alias egrep='egrep --color=auto'",
			"alias fgrep='fgrep --color=auto'",
		)
	}
	if len(lines) == 0 {
		return ""
	}
	return strings.Join(lines, "\n") + "\n"
}

// SourceBashrcEnabled resolves whether the shell prelude should source
// ~/.bashrc: an explicit configSet wins, else PIGEON_SOURCE_BASHRC.
func SourceBashrcEnabled(configSet *bool) bool {
	if configSet != nil {
		return *configSet
	}
	raw := strings.ToLower(strings.TrimSpace(os.Getenv("PIGEON_SOURCE_BASHRC")))
	switch raw {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

// shellPrefix is the non-interactive shell pigeon wraps commands in.
var shellPrefix = []string{"bash", "--noprofile", "--norc", "-c"}

// Normalize turns a user argv into what the worker should actually
// execute. remoteEnv and sourceBashrc/stdoutIsTTY drive the rewrite
// and prelude steps; command_mode is always "argv" in pigeon's CLI
// (there is no separate shell-snippet flag — a single-token argv is
// itself treated as an intentional snippet, matching the original).
func Normalize(argv []string, remoteEnv map[string]string, sourceBashrc, stdoutIsTTY bool) ([]string, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("argvnorm: empty argv")
	}
	if bad := FindAmbiguousOperatorToken(argv); bad != "" {
		return nil, fmt.Errorf("argvnorm: ambiguous shell operator token %q in argv mode; quote it as a single shell snippet instead", bad)
	}
	prelude := ShellPrelude(sourceBashrc, stdoutIsTTY)

	if IsShellC(argv) {
		return argv, nil
	}
	if len(argv) == 1 {
		return append(append([]string{}, shellPrefix...), prelude+argv[0]), nil
	}
	rewritten := RewriteLocalExpandedEnvTokens(argv, remoteEnv)
	joined := prelude + ShellJoinTokens(rewritten)
	return append(append([]string{}, shellPrefix...), joined), nil
}
