package telegram

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

const maxMessageLen = 4096

// chunkMessage splits text into pieces of at most maxLen bytes. Cuts
// prefer a paragraph break, then a line break, then a space, in the second
// half of the window, and never split a UTF-8 sequence.
func chunkMessage(text string, maxLen int) []string {
	var chunks []string
	for len(text) > maxLen {
		cut := cutPoint(text, maxLen)
		chunks = append(chunks, text[:cut])
		text = text[cut:]
	}
	return append(chunks, text)
}

// cutPoint returns where to end the next chunk of text, len(text) > maxLen.
func cutPoint(text string, maxLen int) int {
	window := text[:maxLen]
	for _, sep := range []string{"\n\n", "\n", " "} {
		if idx := strings.LastIndex(window, sep); idx > maxLen/2 {
			return idx + len(sep)
		}
	}
	cut := maxLen
	for cut > 0 && !utf8.RuneStart(text[cut]) {
		cut--
	}
	if cut == 0 {
		return maxLen
	}
	return cut
}

var (
	boldRe    = regexp.MustCompile(`\*\*(.+?)\*\*`)
	headingRe = regexp.MustCompile(`(?m)^#{1,6}\s+(.+)$`)
)

// toTelegramMarkdown rewrites the common Markdown the LLM produces into
// Telegram's legacy Markdown: **bold** and headings become *bold*.
func toTelegramMarkdown(s string) string {
	s = boldRe.ReplaceAllString(s, "*$1*")
	return headingRe.ReplaceAllString(s, "*$1*")
}
