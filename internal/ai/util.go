package ai

import (
	"regexp"
	"strings"
)

var thinkRe = regexp.MustCompile(`(?s)<think>.*?</think>`)

// StripCodeFence removes markdown code fence markers such as ```json.
func StripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	s = strings.ReplaceAll(s, "```json", "")
	s = strings.ReplaceAll(s, "```JSON", "")
	s = strings.ReplaceAll(s, "```", "")
	return strings.TrimSpace(s)
}

// CleanReply trims whitespace and drops <think> blocks some models emit.
func CleanReply(reply string) string {
	return strings.TrimSpace(thinkRe.ReplaceAllString(reply, ""))
}

// Truncate shortens s to at most n runes for log output.
func Truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
