package permissions

import (
	"regexp"
	"strings"
	"sync"
)

// Compiled glob cache. Rule sets are small and stable; compiling per
// match would dominate the engine's cost.
var (
	globMu    sync.Mutex
	globCache = map[string]*regexp.Regexp{}
)

func compiledGlob(key, expr string) *regexp.Regexp {
	globMu.Lock()
	defer globMu.Unlock()
	if re, ok := globCache[key]; ok {
		return re
	}
	re, err := regexp.Compile(expr)
	if err != nil {
		re = regexp.MustCompile(`\A\z^`) // never matches
	}
	globCache[key] = re
	return re
}

// matchCommand matches a glob against a full command string.
// `*` crosses everything including spaces.
func matchCommand(pattern, cmd string) bool {
	var b strings.Builder
	b.WriteString(`^`)
	for _, r := range pattern {
		switch r {
		case '*':
			b.WriteString(`.*`)
		case '?':
			b.WriteString(`.`)
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	b.WriteString(`$`)
	return compiledGlob("c\x00"+pattern, b.String()).MatchString(cmd)
}

// matchPath matches a path glob: `**` crosses directory separators,
// `*` does not. A leading `**/` also matches zero directories.
func matchPath(pattern, path string) bool {
	var b strings.Builder
	b.WriteString(`^`)
	rest := pattern
	for len(rest) > 0 {
		switch {
		case strings.HasPrefix(rest, "**/"):
			b.WriteString(`(.*/)?`)
			rest = rest[3:]
		case strings.HasPrefix(rest, "**"):
			b.WriteString(`.*`)
			rest = rest[2:]
		case rest[0] == '*':
			b.WriteString(`[^/]*`)
			rest = rest[1:]
		case rest[0] == '?':
			b.WriteString(`[^/]`)
			rest = rest[1:]
		default:
			b.WriteString(regexp.QuoteMeta(rest[:1]))
			rest = rest[1:]
		}
	}
	b.WriteString(`$`)
	return compiledGlob("p\x00"+pattern, b.String()).MatchString(path)
}

// matchDomain matches a hostname glob (`*.example.com`, `*`).
func matchDomain(pattern, host string) bool {
	var b strings.Builder
	b.WriteString(`^`)
	for _, r := range pattern {
		switch r {
		case '*':
			b.WriteString(`.*`)
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	b.WriteString(`$`)
	return compiledGlob("d\x00"+pattern, b.String()).MatchString(strings.ToLower(host))
}
