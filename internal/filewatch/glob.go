package filewatch

import (
	"path"
	"regexp"
	"sort"
	"strings"
)

// maxProgramSize bounds the regular expression a glob may compile to. Globs
// beyond this are rejected with an OversizedProgramError rather than handed
// to the regexp engine, whose memory use grows with program size.
const maxProgramSize = 1 << 16

// WatchPaths computes the minimum set of directory paths that must be
// watched to observe every file a glob can match. It is conservative:
// components containing *, [ or ] stop the walk (the containing directory is
// watched instead), {a,b} braces fan out into one path per alternative, and
// ? fans out into the powerset of the optional characters' presence.
func WatchPaths(glob string) []string {
	chunks := []string{}

	join := func(extra string) string {
		parts := append(append([]string{}, chunks...), extra)
		return path.Join(parts...)
	}

	for _, chunk := range strings.Split(glob, "/") {
		if strings.ContainsAny(chunk, "*[]") {
			break
		}

		if strings.HasPrefix(chunk, "{") && strings.HasSuffix(chunk, "}") {
			alts := strings.Split(chunk[1:len(chunk)-1], ",")
			out := make([]string, 0, len(alts))
			for _, alt := range alts {
				out = append(out, join(alt))
			}
			return out
		}

		// a question mark in the first character matches nothing we can
		// narrow; watch the parent.
		if strings.HasPrefix(chunk, "?") {
			break
		}

		if strings.Contains(chunk, "?") {
			return qmarkPrefixes(chunks, chunk)
		}

		chunks = append(chunks, chunk)
	}

	return []string{path.Join(chunks...)}
}

// qmarkPrefixes expands a chunk containing ? wildcards into every watchable
// prefix: each ? either consumes one unknown character (ending the known
// prefix) or is absent. "ab?c?" yields a, ab, abc under the parent.
func qmarkPrefixes(parent []string, chunk string) []string {
	noQmark := strings.ReplaceAll(chunk, "?", "")
	if len(noQmark)*2 == len(chunk) {
		// every character is optional; only the parent directory is certain
		return []string{path.Join(parent...)}
	}

	// position of each '?' in noQmark coordinates: the character before the
	// '?' is the last certain one, so a present '?' truncates there
	var indices []int
	seen := 0
	for i, r := range chunk {
		if r == '?' {
			indices = append(indices, i-seen-1)
			seen++
		}
	}

	set := map[string]struct{}{}
	for mask := 0; mask < 1<<len(indices); mask++ {
		variant := noQmark
		for bit := len(indices) - 1; bit >= 0; bit-- {
			if mask&(1<<bit) != 0 {
				idx := indices[bit]
				if idx < 0 || idx >= len(variant) {
					continue
				}
				variant = variant[:idx]
			}
		}
		set[variant] = struct{}{}
	}

	out := make([]string, 0, len(set))
	for v := range set {
		parts := append(append([]string{}, parent...), v)
		out = append(out, path.Join(parts...))
	}
	sort.Strings(out)
	return out
}

// CompileGlob translates a glob into an anchored regular expression over
// slash-separated paths. Supported syntax: ** (any number of components),
// * (within a component), ? (one character), [...] classes, {a,b} braces.
// Globs whose compiled program exceeds the size limit are rejected with an
// OversizedProgramError.
func CompileGlob(glob string) (*regexp.Regexp, error) {
	var b strings.Builder
	b.WriteString("^")

	i := 0
	for i < len(glob) {
		c := glob[i]
		switch c {
		case '*':
			if strings.HasPrefix(glob[i:], "**/") {
				b.WriteString(`(?:[^/]+/)*`)
				i += 3
				continue
			}
			if glob[i:] == "**" {
				b.WriteString(`.*`)
				i += 2
				continue
			}
			b.WriteString(`[^/]*`)
			i++
		case '?':
			b.WriteString(`[^/]`)
			i++
		case '[':
			end := strings.IndexByte(glob[i:], ']')
			if end < 0 {
				b.WriteString(regexp.QuoteMeta(string(c)))
				i++
				continue
			}
			b.WriteString(glob[i : i+end+1])
			i += end + 1
		case '{':
			end := strings.IndexByte(glob[i:], '}')
			if end < 0 {
				b.WriteString(regexp.QuoteMeta(string(c)))
				i++
				continue
			}
			alts := strings.Split(glob[i+1:i+end], ",")
			b.WriteString("(?:")
			for j, alt := range alts {
				if j > 0 {
					b.WriteString("|")
				}
				b.WriteString(regexp.QuoteMeta(alt))
			}
			b.WriteString(")")
			i += end + 1
		default:
			b.WriteString(regexp.QuoteMeta(string(c)))
			i++
		}
	}

	b.WriteString("$")
	program := b.String()
	if len(program) > maxProgramSize {
		return nil, &OversizedProgramError{Glob: glob, Size: len(program), Max: maxProgramSize}
	}
	re, err := regexp.Compile(program)
	if err != nil {
		return nil, err
	}
	return re, nil
}

// GlobSet is a compiled include/exclude pair. A path matches the set when it
// matches at least one include and no exclude.
type GlobSet struct {
	includes []*regexp.Regexp
	excludes []*regexp.Regexp
}

// NewGlobSet compiles includes and excludes into a GlobSet.
func NewGlobSet(includes, excludes []string) (*GlobSet, error) {
	gs := &GlobSet{}
	for _, g := range includes {
		re, err := CompileGlob(g)
		if err != nil {
			return nil, err
		}
		gs.includes = append(gs.includes, re)
	}
	for _, g := range excludes {
		re, err := CompileGlob(g)
		if err != nil {
			return nil, err
		}
		gs.excludes = append(gs.excludes, re)
	}
	return gs, nil
}

// Match reports whether p (slash-separated, relative to the watch root)
// matches the set. An empty include list matches nothing.
func (gs *GlobSet) Match(p string) bool {
	matched := false
	for _, re := range gs.includes {
		if re.MatchString(p) {
			matched = true
			break
		}
	}
	if !matched {
		return false
	}
	for _, re := range gs.excludes {
		if re.MatchString(p) {
			return false
		}
	}
	return true
}
