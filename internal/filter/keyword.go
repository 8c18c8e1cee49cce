package filter

import "strings"

// matchKeywordLower reports whether the lower-cased keyword kw occurs in
// the lower-cased text.
//
// Pure-ASCII keywords only match whole words: the characters around the
// occurrence must not be ASCII letters or digits, so "cat" does not match
// "category". Keywords with any non-ASCII character match as plain substrings.
func matchKeywordLower(text, kw string) bool {
	if !isASCII(kw) {
		return strings.Contains(text, kw)
	}
	for off := 0; off <= len(text)-len(kw); {
		i := strings.Index(text[off:], kw)
		if i < 0 {
			return false
		}
		start := off + i
		end := start + len(kw)
		if (start == 0 || !isWordByte(text[start-1])) && (end == len(text) || !isWordByte(text[end])) {
			return true
		}
		off = start + 1
	}
	return false
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= 0x80 {
			return false
		}
	}
	return true
}

func isWordByte(b byte) bool {
	return b >= 'a' && b <= 'z' || b >= 'A' && b <= 'Z' || b >= '0' && b <= '9'
}
