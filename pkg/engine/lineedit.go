package engine

import (
	"regexp"
	"strings"
)

// LineEdit describes a line-in-file edit.
//
// With Present set, the last line matching Match is replaced in place; when
// nothing matches and the exact Line is not already in the file, Line is
// appended at the end. With Present unset, every line matching Match (or equal
// to Line when Match is nil) is removed.
type LineEdit struct {
	Match   *regexp.Regexp
	Line    string
	Present bool
}

// Apply returns the edited content and whether it differs from content.
// Applying the same edit to its own output is always a no-op.
func (e LineEdit) Apply(content string) (string, bool) {
	lines, trailing := splitLines(content)

	if !e.Present {
		kept := make([]string, 0, len(lines))
		for _, l := range lines {
			if e.matches(l) {
				continue
			}
			kept = append(kept, l)
		}
		if len(kept) == len(lines) {
			return content, false
		}
		return joinLines(kept, trailing), true
	}

	if e.Match != nil {
		last := -1
		for i, l := range lines {
			if e.Match.MatchString(l) {
				last = i
			}
		}
		if last >= 0 {
			if lines[last] == e.Line {
				return content, false
			}
			lines[last] = e.Line
			return joinLines(lines, trailing), true
		}
	}

	for _, l := range lines {
		if l == e.Line {
			return content, false
		}
	}
	lines = append(lines, e.Line)
	return joinLines(lines, true), true
}

// Count returns how many lines the edit's selector matches.
func (e LineEdit) Count(content string) int {
	lines, _ := splitLines(content)
	n := 0
	for _, l := range lines {
		if e.matches(l) {
			n++
		}
	}
	return n
}

func (e LineEdit) matches(line string) bool {
	if e.Match != nil {
		return e.Match.MatchString(line)
	}
	return line == e.Line
}

func splitLines(content string) ([]string, bool) {
	if content == "" {
		return nil, false
	}
	trailing := strings.HasSuffix(content, "\n")
	return strings.Split(strings.TrimSuffix(content, "\n"), "\n"), trailing
}

func joinLines(lines []string, trailing bool) string {
	if len(lines) == 0 {
		return ""
	}
	out := strings.Join(lines, "\n")
	if trailing {
		out += "\n"
	}
	return out
}
