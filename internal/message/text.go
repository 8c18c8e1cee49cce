package message

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

var markdownLink = regexp.MustCompile(`\[(.*?)\]\((.*?)\)`)

// CleanText prepares channel text for relay. Signature lines and emphasis
// markers are removed; [text](url) becomes "text: url".
func CleanText(text string) string {
	if text == "" {
		return ""
	}

	lines := strings.Split(text, "\n")
	kept := lines[:0]
	for _, line := range lines {
		if strings.Contains(line, "频道") && strings.Contains(line, "@") {
			continue
		}
		if strings.HasPrefix(strings.TrimSpace(line), "@") && utf8.RuneCountInString(line) < 20 {
			continue
		}
		kept = append(kept, line)
	}
	text = strings.Join(kept, "\n")

	text = strings.NewReplacer("**", "", "__", "").Replace(text)
	text = markdownLink.ReplaceAllString(text, "$1: $2")

	return strings.TrimSpace(text)
}
