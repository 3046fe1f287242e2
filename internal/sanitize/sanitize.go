// Package sanitize strips promotional noise from forwarded post text.
package sanitize

import (
	"regexp"
	"strings"
)

var (
	mentionRe    = regexp.MustCompile(`@[\p{L}\p{N}_]+`)
	creditLineRe = regexp.MustCompile(`(?im)^[ \t]*(?:credit|via)[ \t]*:[^\n]*(?:\n|$)`)
	urlRe        = regexp.MustCompile(`(?i)(?:https?://|tg://|t\.me/|telegram\.me/)\S*`)
	hspaceRe     = regexp.MustCompile(`[ \t\f\v\p{Zs}]+`)
	nlSpaceRe    = regexp.MustCompile(` *\n *`)
	manyNLRe     = regexp.MustCompile(`\n{3,}`)
)

// maxPasses bounds the fixed-point loop; each pass only ever removes text,
// so real input settles in two or three.
const maxPasses = 8

// Clean removes @mentions, credit/via lines and links, then normalizes
// whitespace. It is applied until the output stops changing, so
// Clean(Clean(s)) == Clean(s).
func Clean(text string) string {
	if text == "" {
		return ""
	}
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")
	for i := 0; i < maxPasses; i++ {
		next := pass(text)
		if next == text {
			break
		}
		text = next
	}
	return text
}

func pass(s string) string {
	s = mentionRe.ReplaceAllString(s, "")
	s = creditLineRe.ReplaceAllString(s, "")
	s = urlRe.ReplaceAllString(s, "")
	s = hspaceRe.ReplaceAllString(s, " ")
	s = nlSpaceRe.ReplaceAllString(s, "\n")
	s = manyNLRe.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}
