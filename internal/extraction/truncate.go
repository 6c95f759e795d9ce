package extraction

import (
	"unicode/utf8"
)

// TruncationMarker joins the kept head and tail of an oversized transcript.
const TruncationMarker = "\n\n[... transcript truncated ...]\n\n"

// headShare is the percentage of the remaining budget given to the head.
const headShare = 33

// Truncate caps content at maxBytes. Oversized content keeps the first 33% of
// the budget left after the marker and the tail for the rest. Cuts happen on
// byte offsets; partial runes left at either splice edge are dropped, so the
// result is valid UTF-8 whenever the input is.
func Truncate(content string, maxBytes int) string {
	if maxBytes <= 0 || len(content) <= maxBytes {
		return content
	}

	budget := maxBytes - len(TruncationMarker)
	if budget <= 0 {
		return trimPartialTail(content[:maxBytes])
	}

	headLen := budget * headShare / 100
	tailLen := budget - headLen

	head := trimPartialTail(content[:headLen])
	tail := trimPartialHead(content[len(content)-tailLen:])
	return head + TruncationMarker + tail
}

// trimPartialTail drops an incomplete rune at the end of s.
func trimPartialTail(s string) string {
	for len(s) > 0 {
		r, size := utf8.DecodeLastRuneInString(s)
		if r != utf8.RuneError || size != 1 {
			return s
		}
		// A genuine encoding error is kept only if it is not a cut rune prefix.
		if !isCutRune(s) {
			return s
		}
		s = s[:len(s)-1]
	}
	return s
}

// isCutRune reports whether the trailing bytes of s are the start of a
// multi-byte rune whose remaining bytes were cut off.
func isCutRune(s string) bool {
	// Walk back over continuation bytes to the lead byte.
	i := len(s) - 1
	for i >= 0 && i > len(s)-utf8.UTFMax && !utf8.RuneStart(s[i]) {
		i--
	}
	if i < 0 || !utf8.RuneStart(s[i]) {
		return false
	}
	lead := s[i]
	var want int
	switch {
	case lead&0xE0 == 0xC0:
		want = 2
	case lead&0xF0 == 0xE0:
		want = 3
	case lead&0xF8 == 0xF0:
		want = 4
	default:
		return false
	}
	return len(s)-i < want
}

// trimPartialHead drops continuation bytes at the start of s.
func trimPartialHead(s string) string {
	for len(s) > 0 && !utf8.RuneStart(s[0]) {
		s = s[1:]
	}
	return s
}
