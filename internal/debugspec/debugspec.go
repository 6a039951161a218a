// Package debugspec parses the debug-wrapper command-line grammar
// (spec.md §6): a tokenized string of KEY=VALUE environment assignments
// followed by a wrapper command line, with %program%/%arguments%
// placeholders substituted at run time.
//
// Grounded on the teacher's flag/arg parsing conventions in
// cmd/sand/exec_cmd.go (kong `arg:"" passthrough:""` fields); the
// tokenizer itself has no ecosystem equivalent in the pack so it is
// hand-written, justified in DESIGN.md.
package debugspec

import (
	"fmt"
	"strings"

	"github.com/riywo/loginshell"
)

// Spec is a parsed debug-wrapper specification.
type Spec struct {
	Env     map[string]string
	Command []string // wrapper command + args, with placeholders still present
}

const (
	programPlaceholder   = "%program%"
	argumentsPlaceholder = "%arguments%"
)

// Parse tokenizes raw per spec.md §6: tokens separated by unescaped
// whitespace, a leading run of KEY=VALUE tokens sets environment
// variables, "\\" escapes the following character literally and "\\n"
// becomes a newline. A wrapper string consisting of only KEY=VALUE
// assignments (no command) falls back to the user's login shell, so
// "FOO=bar" alone is a valid way to just inject environment around the
// target program.
func Parse(raw string) (*Spec, error) {
	tokens, err := tokenize(raw)
	if err != nil {
		return nil, err
	}

	s := &Spec{Env: make(map[string]string)}
	i := 0
	for ; i < len(tokens); i++ {
		k, v, isAssignment := splitAssignment(tokens[i])
		if !isAssignment {
			break
		}
		s.Env[k] = v
	}
	s.Command = tokens[i:]
	if len(s.Command) == 0 {
		shell, err := loginshell.Shell()
		if err != nil {
			return nil, fmt.Errorf("debugspec: no wrapper command given and no login shell available: %w", err)
		}
		s.Command = []string{shell, "-c", programPlaceholder + " " + argumentsPlaceholder}
	}
	return s, nil
}

// splitAssignment reports whether tok is a KEY=VALUE environment
// assignment. A leading "=" or a key containing whitespace disqualifies
// it (it would not be a valid environment variable name).
func splitAssignment(tok string) (key, value string, ok bool) {
	idx := strings.IndexByte(tok, '=')
	if idx <= 0 {
		return "", "", false
	}
	key = tok[:idx]
	for _, r := range key {
		if r == ' ' || r == '\t' {
			return "", "", false
		}
	}
	return key, tok[idx+1:], true
}

// tokenize splits raw on unescaped whitespace, honoring "\\" as an escape
// character ("\\n" becomes a newline, any other "\\X" becomes X literally).
func tokenize(raw string) ([]string, error) {
	var tokens []string
	var cur strings.Builder
	inToken := false

	runes := []rune(raw)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		switch {
		case r == '\\':
			if i+1 >= len(runes) {
				return nil, fmt.Errorf("debugspec: trailing escape character")
			}
			i++
			next := runes[i]
			if next == 'n' {
				cur.WriteRune('\n')
			} else {
				cur.WriteRune(next)
			}
			inToken = true
		case r == ' ' || r == '\t':
			if inToken {
				tokens = append(tokens, cur.String())
				cur.Reset()
				inToken = false
			}
		default:
			cur.WriteRune(r)
			inToken = true
		}
	}
	if inToken {
		tokens = append(tokens, cur.String())
	}
	return tokens, nil
}

// Resolve substitutes %program%/%arguments% into the wrapper command,
// appending them when absent (spec.md §6). args is joined with single
// spaces when %arguments% appears inside a larger token.
func (s *Spec) Resolve(program string, args []string) []string {
	cmd := append([]string(nil), s.Command...)

	hasProgram, hasArgs := false, false
	out := make([]string, 0, len(cmd)+2)
	for _, tok := range cmd {
		if tok == argumentsPlaceholder {
			hasArgs = true
			out = append(out, args...)
			continue
		}
		replaced := tok
		if strings.Contains(replaced, programPlaceholder) {
			hasProgram = true
			replaced = strings.ReplaceAll(replaced, programPlaceholder, program)
		}
		if strings.Contains(replaced, argumentsPlaceholder) {
			hasArgs = true
			replaced = strings.ReplaceAll(replaced, argumentsPlaceholder, strings.Join(args, " "))
		}
		out = append(out, replaced)
	}
	if !hasProgram {
		out = append(out, program)
		hasProgram = true
	}
	if !hasArgs {
		out = append(out, args...)
	}
	return out
}
