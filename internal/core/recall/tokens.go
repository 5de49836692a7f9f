package recall

import (
	"strings"
	"unicode"
)

// Tokenize splits text into lowercase alphanumeric runs. Han runs are
// emitted whole and as bigrams so short Chinese phrases still match
// inside longer titles.
func Tokenize(s string) []string {
	if s == "" {
		return nil
	}

	tokens := make([]string, 0, 16)
	var ascii strings.Builder
	var han []rune

	flushASCII := func() {
		if ascii.Len() > 0 {
			tokens = append(tokens, ascii.String())
			ascii.Reset()
		}
	}
	flushHan := func() {
		if len(han) == 0 {
			return
		}
		if len(han) <= 2 {
			tokens = append(tokens, string(han))
		} else {
			tokens = append(tokens, string(han))
			for i := 0; i+1 < len(han); i++ {
				tokens = append(tokens, string(han[i:i+2]))
			}
		}
		han = han[:0]
	}

	for _, r := range s {
		switch {
		case unicode.Is(unicode.Han, r):
			flushASCII()
			han = append(han, r)
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			flushHan()
			ascii.WriteRune(unicode.ToLower(r))
		default:
			flushASCII()
			flushHan()
		}
	}
	flushASCII()
	flushHan()
	return tokens
}

func TokenSet(s string) map[string]struct{} {
	tokens := Tokenize(s)
	out := make(map[string]struct{}, len(tokens))
	for _, token := range tokens {
		out[token] = struct{}{}
	}
	return out
}

// Overlap is the fraction of query tokens present in the content set.
func Overlap(query, content map[string]struct{}) float64 {
	if len(query) == 0 || len(content) == 0 {
		return 0
	}
	matches := 0
	for token := range query {
		if _, ok := content[token]; ok {
			matches++
		}
	}
	return float64(matches) / float64(len(query))
}

// TokenJaccard measures set similarity between two texts. Shared by
// fuzzy matching and memory merge decisions.
func TokenJaccard(a, b string) float64 {
	setA := TokenSet(a)
	setB := TokenSet(b)
	if len(setA) == 0 || len(setB) == 0 {
		return 0
	}
	intersection := 0
	for token := range setA {
		if _, ok := setB[token]; ok {
			intersection++
		}
	}
	union := len(setA) + len(setB) - intersection
	return float64(intersection) / float64(union)
}

// CharSimilarity compares two strings by shared characters, ignoring
// order. Tolerates typos and reordering that token matching misses.
func CharSimilarity(a, b string) float64 {
	runesA := charSet(a)
	runesB := charSet(b)
	if len(runesA) == 0 || len(runesB) == 0 {
		return 0
	}
	intersection := 0
	for r := range runesA {
		if _, ok := runesB[r]; ok {
			intersection++
		}
	}
	union := len(runesA) + len(runesB) - intersection
	return float64(intersection) / float64(union)
}

func charSet(s string) map[rune]struct{} {
	out := make(map[rune]struct{}, len(s))
	for _, r := range strings.ToLower(s) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			out[r] = struct{}{}
		}
	}
	return out
}
