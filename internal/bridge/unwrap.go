package bridge

import (
	"regexp"
	"strings"
)

var fencePattern = regexp.MustCompile("(?s)^\\s*```[\\w-]*[ \\t]*\\n?(.*?)\\n?\\s*```\\s*$")

// UnwrapFence strips one markdown code fence wrapping the whole text. Text
// that is not entirely fenced is returned unchanged.
func UnwrapFence(text string) string {
	m := fencePattern.FindStringSubmatch(text)
	if m == nil {
		return text
	}
	return strings.TrimSpace(m[1])
}
