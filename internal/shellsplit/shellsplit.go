// Package shellsplit breaks shell command strings into chained
// segments, pipeline stages and (executable, args) tuples for policy
// classification. It is not an interpreter: unknown constructs yield a
// best-effort parse and never an error.
package shellsplit

import "strings"

// Command is the parsed form of a single pipeline stage.
type Command struct {
	Executable string
	Args       []string
}

// String reassembles the stage for display.
func (c Command) String() string {
	if len(c.Args) == 0 {
		return c.Executable
	}
	return c.Executable + " " + strings.Join(c.Args, " ")
}

// SplitChain splits a command line on top-level `;`, `&&` and `||`.
// Separators inside single quotes, double quotes, or after a backslash
// are literal. Single-quoted content gets no escape processing at all.
func SplitChain(cmd string) []string {
	var segments []string
	var cur strings.Builder
	var inSingle, inDouble, escaped bool

	flush := func() {
		if s := strings.TrimSpace(cur.String()); s != "" {
			segments = append(segments, s)
		}
		cur.Reset()
	}

	runes := []rune(cmd)
	for i := 0; i < len(runes); i++ {
		r := runes[i]

		if escaped {
			cur.WriteRune(r)
			escaped = false
			continue
		}
		if inSingle {
			cur.WriteRune(r)
			if r == '\'' {
				inSingle = false
			}
			continue
		}
		if r == '\\' {
			cur.WriteRune(r)
			escaped = true
			continue
		}
		if inDouble {
			cur.WriteRune(r)
			if r == '"' {
				inDouble = false
			}
			continue
		}

		switch r {
		case '\'':
			inSingle = true
			cur.WriteRune(r)
		case '"':
			inDouble = true
			cur.WriteRune(r)
		case ';':
			flush()
		case '&':
			if i+1 < len(runes) && runes[i+1] == '&' {
				flush()
				i++
			} else {
				cur.WriteRune(r)
			}
		case '|':
			if i+1 < len(runes) && runes[i+1] == '|' {
				flush()
				i++
			} else {
				cur.WriteRune(r)
			}
		default:
			cur.WriteRune(r)
		}
	}
	flush()
	return segments
}

// SplitPipeline splits one chain segment on top-level `|` (but never
// `||`), with the same quoting rules as SplitChain.
func SplitPipeline(segment string) []string {
	var stages []string
	var cur strings.Builder
	var inSingle, inDouble, escaped bool

	flush := func() {
		if s := strings.TrimSpace(cur.String()); s != "" {
			stages = append(stages, s)
		}
		cur.Reset()
	}

	runes := []rune(segment)
	for i := 0; i < len(runes); i++ {
		r := runes[i]

		if escaped {
			cur.WriteRune(r)
			escaped = false
			continue
		}
		if inSingle {
			cur.WriteRune(r)
			if r == '\'' {
				inSingle = false
			}
			continue
		}
		if r == '\\' {
			cur.WriteRune(r)
			escaped = true
			continue
		}
		if inDouble {
			cur.WriteRune(r)
			if r == '"' {
				inDouble = false
			}
			continue
		}

		switch r {
		case '\'':
			inSingle = true
			cur.WriteRune(r)
		case '"':
			inDouble = true
			cur.WriteRune(r)
		case '|':
			if i+1 < len(runes) && runes[i+1] == '|' {
				// `||` is a chain separator, not a pipe; keep literal here.
				cur.WriteString("||")
				i++
			} else {
				flush()
			}
		default:
			cur.WriteRune(r)
		}
	}
	flush()
	return stages
}

// Parse extracts the executable and arguments from one pipeline stage.
// A leading `env VAR=...` prefix, bare VAR=... assignments and leading
// redirections are stripped; quoted argument boundaries are preserved
// with the outer quotes removed.
func Parse(stage string) Command {
	tokens := tokenize(stage)

	// Strip `env` plus its assignments, or bare assignment prefixes.
	i := 0
	if i < len(tokens) && tokens[i] == "env" {
		i++
		for i < len(tokens) && isAssignment(tokens[i]) {
			i++
		}
	}
	for i < len(tokens) && isAssignment(tokens[i]) {
		i++
	}

	// Strip leading redirections (`>out`, `2>err`, `< in` and friends).
	for i < len(tokens) {
		tok := tokens[i]
		if isRedirection(tok) {
			i++
			// An operator with no attached target consumes the next token.
			if strings.HasSuffix(tok, ">") || strings.HasSuffix(tok, "<") {
				if i < len(tokens) {
					i++
				}
			}
			continue
		}
		break
	}

	if i >= len(tokens) {
		return Command{}
	}
	return Command{Executable: tokens[i], Args: tokens[i+1:]}
}

// tokenize splits on whitespace while honoring quotes and backslash
// escapes. Outer quotes are stripped; single-quoted text is literal.
func tokenize(s string) []string {
	var tokens []string
	var cur strings.Builder
	var inSingle, inDouble, escaped, started bool

	flush := func() {
		if started {
			tokens = append(tokens, cur.String())
		}
		cur.Reset()
		started = false
	}

	for _, r := range s {
		if escaped {
			cur.WriteRune(r)
			started = true
			escaped = false
			continue
		}
		if inSingle {
			if r == '\'' {
				inSingle = false
			} else {
				cur.WriteRune(r)
			}
			continue
		}
		if inDouble {
			switch r {
			case '"':
				inDouble = false
			case '\\':
				escaped = true
			default:
				cur.WriteRune(r)
			}
			continue
		}

		switch r {
		case '\\':
			escaped = true
			started = true
		case '\'':
			inSingle = true
			started = true
		case '"':
			inDouble = true
			started = true
		case ' ', '\t', '\n':
			flush()
		default:
			cur.WriteRune(r)
			started = true
		}
	}
	flush()
	return tokens
}

// isAssignment reports whether tok looks like VAR=value.
func isAssignment(tok string) bool {
	eq := strings.IndexByte(tok, '=')
	if eq <= 0 {
		return false
	}
	for _, r := range tok[:eq] {
		if r != '_' && (r < 'A' || r > 'Z') && (r < 'a' || r > 'z') && (r < '0' || r > '9') {
			return false
		}
	}
	return true
}

// isRedirection reports whether tok is a redirection operator, with or
// without an attached target (`>`, `>>out`, `2>err`, `&>log`, `<in`).
func isRedirection(tok string) bool {
	t := tok
	if strings.HasPrefix(t, "&") {
		t = t[1:]
	}
	for len(t) > 0 && t[0] >= '0' && t[0] <= '9' {
		t = t[1:]
	}
	return len(t) > 0 && (t[0] == '>' || t[0] == '<')
}
