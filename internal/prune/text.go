// Package prune shortens text that is surfaced in logs and error messages.
package prune

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

const Marker = "[pruned]"

// Edges keeps the head and tail of s within roughly maxBytes, replacing the
// middle with a marker that records the original size. Cuts never split a
// UTF-8 sequence. Strings within budget are returned unchanged.
func Edges(s string, maxBytes int) string {
	if maxBytes <= 0 || len(s) <= maxBytes {
		return s
	}
	note := fmt.Sprintf(" %s %d bytes ", Marker, len(s))
	budget := maxBytes - len(note)
	if budget <= 1 {
		return headOf(s, maxBytes)
	}
	head := headOf(s, budget/2)
	tail := tailOf(s, budget-len(head))
	return head + note + tail
}

// Lines keeps the last maxLines entries and prunes each to maxBytes.
func Lines(lines []string, maxLines, maxBytes int) []string {
	if maxLines > 0 && len(lines) > maxLines {
		lines = lines[len(lines)-maxLines:]
	}
	out := make([]string, len(lines))
	for i, l := range lines {
		out[i] = Edges(strings.TrimRight(l, "\r"), maxBytes)
	}
	return out
}

func headOf(s string, n int) string {
	if n >= len(s) {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func tailOf(s string, n int) string {
	if n >= len(s) {
		return s
	}
	if n <= 0 {
		return ""
	}
	start := len(s) - n
	for start < len(s) && !utf8.RuneStart(s[start]) {
		start++
	}
	return s[start:]
}
