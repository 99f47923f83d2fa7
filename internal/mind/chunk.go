package mind

import "unicode"

// MessageLimit is the maximum message length accepted by Discord, in characters.
const MessageLimit = 2000

// SplitMessage cuts text into chunks of at most limit runes. Each cut is
// made at the last newline inside the window, or exactly at the limit when
// the window has none. Whitespace at the start of the remainder is dropped.
func SplitMessage(text string, limit int) []string {
	if text == "" {
		return nil
	}
	if limit <= 0 {
		return []string{text}
	}

	rest := []rune(text)
	var chunks []string
	for len(rest) > limit {
		cut := lastNewline(rest[:limit])
		if cut <= 0 {
			cut = limit
		}
		chunks = append(chunks, string(rest[:cut]))
		rest = trimLeftSpace(rest[cut:])
	}
	if len(rest) > 0 {
		chunks = append(chunks, string(rest))
	}
	return chunks
}

func lastNewline(r []rune) int {
	for i := len(r) - 1; i >= 0; i-- {
		if r[i] == '\n' {
			return i
		}
	}
	return -1
}

func trimLeftSpace(r []rune) []rune {
	i := 0
	for i < len(r) && unicode.IsSpace(r[i]) {
		i++
	}
	return r[i:]
}
