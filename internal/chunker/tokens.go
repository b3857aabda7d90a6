package chunker

import "unicode"

// EstimateTokens approximates the token count of a text without a model
// tokenizer: each CJK rune counts as one token, each ASCII word as one,
// and remaining runes at four per token.
func EstimateTokens(text string) int {
	tokens := 0
	inWord := false
	other := 0

	for _, r := range text {
		switch {
		case isCJK(r):
			if inWord {
				tokens++
				inWord = false
			}
			tokens++
		case r < 128 && (unicode.IsLetter(r) || unicode.IsDigit(r)):
			inWord = true
		case r < 128:
			if inWord {
				tokens++
				inWord = false
			}
		default:
			if inWord {
				tokens++
				inWord = false
			}
			other++
		}
	}
	if inWord {
		tokens++
	}
	tokens += (other + 3) / 4
	return tokens
}

func isCJK(r rune) bool {
	return unicode.Is(unicode.Han, r) ||
		unicode.Is(unicode.Hiragana, r) ||
		unicode.Is(unicode.Katakana, r) ||
		unicode.Is(unicode.Hangul, r)
}
