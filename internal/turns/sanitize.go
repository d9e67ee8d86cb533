package turns

import (
	"regexp"
	"strings"
)

var (
	markupPattern = regexp.MustCompile(`[*#]`)
	emojiPattern  = regexp.MustCompile(`[\x{1F300}-\x{1FAFF}\x{2600}-\x{27BF}\x{1F000}-\x{1F2FF}\x{FE0F}\x{200D}]`)
	spacePattern  = regexp.MustCompile(`\s{2,}`)
)

// Sanitize strips markdown emphasis and emoji so the text can be spoken.
func Sanitize(text string) string {
	text = markupPattern.ReplaceAllString(text, "")
	text = emojiPattern.ReplaceAllString(text, "")
	text = spacePattern.ReplaceAllString(text, " ")
	return strings.TrimSpace(text)
}
