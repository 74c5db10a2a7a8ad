package app

import (
	"os"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"
)

const (
	defaultLogWidth = 100
	minLogWidth     = 40
)

var ansiRE = regexp.MustCompile(`\x1b\[[0-9;]*m`)

func stripANSI(s string) string {
	if !strings.Contains(s, "\x1b") {
		return s
	}
	return ansiRE.ReplaceAllString(s, "")
}

// visualLen is the on-screen rune count of s, ignoring color codes.
func visualLen(s string) int {
	return utf8.RuneCountInString(stripANSI(s))
}

// wrapSegments lays out segments on lines no wider than width.
// Segments never break internally; a segment that does not fit on the current
// line starts a new one prefixed with cont. A single segment wider than the
// whole line is truncated with an ellipsis.
func wrapSegments(segments []string, sep string, width int, cont string) []string {
	if width <= 0 {
		width = defaultLogWidth
	}

	var lines []string
	cur := ""
	for _, seg := range segments {
		if seg == "" {
			continue
		}
		if cur == "" {
			cur = truncateVisual(seg, width)
			continue
		}
		candidate := cur + sep + seg
		if visualLen(candidate) <= width {
			cur = candidate
			continue
		}
		lines = append(lines, cur)
		cur = truncateVisual(cont+seg, width)
	}
	if cur != "" {
		lines = append(lines, cur)
	}
	return lines
}

func truncateVisual(s string, width int) string {
	if visualLen(s) <= width {
		return s
	}
	r := []rune(stripANSI(s))
	if width < 2 {
		return string(r[:width])
	}
	return string(r[:width-1]) + "…"
}

// terminalWidth resolves the wrap width for pretty output.
// RELAY_LOG_WIDTH wins over COLUMNS; implausibly narrow values fall back to
// the default.
func (h *prettyHandler) terminalWidth() int {
	for _, key := range []string{"RELAY_LOG_WIDTH", "COLUMNS"} {
		if n, err := strconv.Atoi(strings.TrimSpace(os.Getenv(key))); err == nil && n >= minLogWidth {
			return n
		}
	}
	return defaultLogWidth
}
