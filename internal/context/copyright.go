package context

import "strings"

var copyrightMarkers = []string{"copyright", "(c)", "©", "license", "spdx-license-identifier"}

// copyrightEnd returns the last line index of a leading comment block
// that looks like a license header. A shebang line may precede it.
func copyrightEnd(lines []string) (int, bool) {
	i := 0
	if i < len(lines) && strings.HasPrefix(lines[i], "#!") {
		i++
	}
	for i < len(lines) && strings.TrimSpace(lines[i]) == "" {
		i++
	}
	if i >= len(lines) {
		return 0, false
	}

	start := i
	first := strings.TrimSpace(lines[i])
	switch {
	case strings.HasPrefix(first, "/*"):
		for i < len(lines) && !strings.Contains(lines[i], "*/") {
			i++
		}
		if i >= len(lines) {
			return 0, false
		}
	case strings.HasPrefix(first, "//"), isHashComment(first), strings.HasPrefix(first, "--"):
		same := func(s string) bool { return strings.HasPrefix(s, first[:2]) }
		if isHashComment(first) {
			same = isHashComment
		}
		for i+1 < len(lines) && same(strings.TrimSpace(lines[i+1])) {
			i++
		}
	default:
		return 0, false
	}

	block := strings.ToLower(strings.Join(lines[start:i+1], "\n"))
	for _, m := range copyrightMarkers {
		if strings.Contains(block, m) {
			return i, true
		}
	}
	return 0, false
}

// isHashComment excludes preprocessor lines such as #include.
func isHashComment(s string) bool {
	return s == "#" || strings.HasPrefix(s, "# ") || strings.HasPrefix(s, "#\t")
}
