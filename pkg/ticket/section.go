package ticket

import (
	"errors"
	"fmt"
	"strings"
)

var ErrSectionNotFound = errors.New("section not found")

// heading reports the level and title of a markdown ATX heading line.
func heading(line string) (level int, title string, ok bool) {
	trimmed := strings.TrimLeft(line, "#")
	level = len(line) - len(trimmed)
	if level == 0 || level > 6 || (trimmed != "" && trimmed[0] != ' ') {
		return 0, "", false
	}
	return level, strings.TrimSpace(trimmed), true
}

// Headings lists every heading in content as written, e.g. "## Description".
func Headings(content string) []string {
	var out []string
	inFence := false
	for _, line := range strings.Split(content, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "```") {
			inFence = !inFence
			continue
		}
		if _, _, ok := heading(line); ok && !inFence {
			out = append(out, strings.TrimSpace(line))
		}
	}
	return out
}

// Section returns the body under the heading named name, up to the next
// heading of the same or a higher level. name may include the leading
// hashes ("## Rationale") or not ("rationale"); matching ignores case.
func Section(content, name string) (string, error) {
	want := strings.TrimSpace(strings.TrimLeft(strings.TrimSpace(name), "#"))
	if want == "" {
		return "", fmt.Errorf("%w: empty section name", ErrSectionNotFound)
	}

	lines := strings.Split(content, "\n")
	start, level := -1, 0
	inFence := false
	for i, line := range lines {
		if strings.HasPrefix(strings.TrimSpace(line), "```") {
			inFence = !inFence
			continue
		}
		if inFence {
			continue
		}
		lvl, title, ok := heading(line)
		if !ok {
			continue
		}
		if start >= 0 && lvl <= level {
			return strings.TrimSpace(strings.Join(lines[start:i], "\n")), nil
		}
		if start < 0 && strings.EqualFold(title, want) {
			start, level = i+1, lvl
		}
	}
	if start < 0 {
		return "", fmt.Errorf("%w: %q (available: %s)", ErrSectionNotFound, name, strings.Join(Headings(content), ", "))
	}
	return strings.TrimSpace(strings.Join(lines[start:], "\n")), nil
}
