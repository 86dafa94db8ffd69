package arbitrage

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeTokens(t *testing.T) {
	tokens := normalizeTokens("Will the Fed cut rates in December 2025?")

	assert.Contains(t, tokens, "will")
	assert.Contains(t, tokens, "the")
	assert.Contains(t, tokens, "fed")
	assert.Contains(t, tokens, "rates")
	assert.Contains(t, tokens, "december")
	assert.Contains(t, tokens, "2025")
	// Two characters or fewer drop out.
	assert.NotContains(t, tokens, "in")
}

func TestNormalizeTokensStripsPunctuation(t *testing.T) {
	tokens := normalizeTokens("S&P-500 above 6,000?!")

	assert.Contains(t, tokens, "500")
	assert.Contains(t, tokens, "000")
	assert.Contains(t, tokens, "above")
	assert.NotContains(t, tokens, "s&p")
}

func TestJaccard(t *testing.T) {
	a := normalizeTokens("will the fed cut rates")
	b := normalizeTokens("will the fed cut rates")
	assert.Equal(t, 1.0, jaccard(a, b))

	c := normalizeTokens("completely unrelated phrasing")
	assert.Equal(t, 0.0, jaccard(a, c))

	assert.Equal(t, 0.0, jaccard(a, normalizeTokens("")))
	assert.Equal(t, 0.0, jaccard(normalizeTokens(""), normalizeTokens("")))
}

func TestQuestionSimilarityPartialOverlap(t *testing.T) {
	// 4 shared tokens, 6 total.
	got := questionSimilarity("will the fed cut rates", "will the fed cut spending soon")
	assert.InDelta(t, 4.0/6.0, got, 1e-9)
}

func TestCosineSimilarity(t *testing.T) {
	assert.InDelta(t, 1.0, cosineSimilarity([]float64{0.3, 0.4}, []float64{0.3, 0.4}), 1e-9)
	assert.InDelta(t, 1.0, cosineSimilarity([]float64{1, 2}, []float64{2, 4}), 1e-9)
	assert.InDelta(t, 0.0, cosineSimilarity([]float64{1, 0}, []float64{0, 1}), 1e-9)
	assert.InDelta(t, -1.0, cosineSimilarity([]float64{1, 0}, []float64{-1, 0}), 1e-9)
}

func TestCosineSimilarityDegenerate(t *testing.T) {
	assert.Equal(t, 0.0, cosineSimilarity(nil, nil))
	assert.Equal(t, 0.0, cosineSimilarity([]float64{1, 2}, []float64{1}))
	assert.Equal(t, 0.0, cosineSimilarity([]float64{0, 0}, []float64{1, 2}))
}
