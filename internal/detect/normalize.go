package detect

import (
	"strings"
)

// zeroWidthChars are stripped before matching. Attackers lace instructions
// with zero-width characters to break up keyword and regex matches.
var zeroWidthChars = []string{
	"\u200B", // zero-width space
	"\u200C", // zero-width non-joiner
	"\u200D", // zero-width joiner
	"\u2060", // word joiner
	"\uFEFF", // byte order mark
	"\u00AD", // soft hyphen
}

// homoglyphs maps common Cyrillic/Greek lookalikes to their ASCII forms.
var homoglyphs = map[rune]rune{
	'а': 'a', 'е': 'e', 'о': 'o', 'р': 'p', 'с': 'c', 'х': 'x',
	'у': 'y', 'і': 'i', 'ѕ': 's', 'ԁ': 'd',
	'α': 'a', 'ο': 'o', 'ι': 'i', 'ν': 'v', 'τ': 't',
}

// leetMap undoes single-character leetspeak substitutions inside words.
var leetMap = map[rune]rune{
	'0': 'o', '1': 'i', '3': 'e', '4': 'a', '5': 's', '7': 't', '@': 'a', '$': 's',
}

// Normalize lowers the message and undoes the cheap evasion layers
// (zero-width characters, homoglyphs, leetspeak inside words) so the rule,
// intent and semantic layers all see the same canonical text.
func Normalize(message string) string {
	s := strings.ToLower(message)

	for _, zw := range zeroWidthChars {
		s = strings.ReplaceAll(s, zw, "")
	}

	var b strings.Builder
	b.Grow(len(s))
	runes := []rune(s)
	for i, r := range runes {
		if mapped, ok := homoglyphs[r]; ok {
			b.WriteRune(mapped)
			continue
		}
		// Leetspeak substitution only counts between letters; "room 101"
		// must not become "room ioi".
		if mapped, ok := leetMap[r]; ok && surroundedByLetters(runes, i) {
			b.WriteRune(mapped)
			continue
		}
		b.WriteRune(r)
	}

	return strings.Join(strings.Fields(b.String()), " ")
}

func surroundedByLetters(runes []rune, i int) bool {
	before := i > 0 && isLetter(runes[i-1])
	after := i < len(runes)-1 && isLetter(runes[i+1])
	return before && after
}

func isLetter(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z')
}
