package arbitrage

import (
	"strings"
	"unicode"

	"gonum.org/v1/gonum/floats"
)

// normalizeTokens reduces a question to its comparable token set:
// lowercase, alphanumeric runs only, tokens longer than two characters.
func normalizeTokens(s string) map[string]struct{} {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	tokens := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		if len(f) > 2 {
			tokens[f] = struct{}{}
		}
	}
	return tokens
}

// jaccard scores two token sets by intersection over union. Two empty
// sets score zero, not one.
func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	intersect := 0
	for t := range a {
		if _, ok := b[t]; ok {
			intersect++
		}
	}
	union := len(a) + len(b) - intersect
	if union == 0 {
		return 0
	}
	return float64(intersect) / float64(union)
}

// questionSimilarity is the textual match score for two market questions.
func questionSimilarity(a, b string) float64 {
	return jaccard(normalizeTokens(a), normalizeTokens(b))
}

// cosineSimilarity scores two embedding vectors. Mismatched lengths or a
// zero vector score zero.
func cosineSimilarity(a, b []float64) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	na := floats.Norm(a, 2)
	nb := floats.Norm(b, 2)
	if na == 0 || nb == 0 {
		return 0
	}
	return floats.Dot(a, b) / (na * nb)
}
