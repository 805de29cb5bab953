package rag

import (
	"math"
	"strings"
	"unicode"
)

var stopWords = map[string]bool{
	"a": true, "an": true, "and": true, "are": true, "as": true, "at": true,
	"be": true, "but": true, "by": true, "for": true, "from": true,
	"has": true, "have": true, "he": true, "in": true, "is": true, "it": true,
	"its": true, "of": true, "on": true, "or": true, "that": true,
	"the": true, "this": true, "to": true, "was": true, "were": true,
	"will": true, "with": true, "not": true, "you": true, "your": true,
	"we": true, "they": true, "their": true, "i": true, "my": true,
}

// tokenize lowercases and splits on non-alphanumeric runes, dropping stop
// words and single characters.
func tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	out := fields[:0]
	for _, f := range fields {
		if len(f) < 2 || stopWords[f] {
			continue
		}
		out = append(out, f)
	}
	return out
}

// SparseVector computes the term-frequency map of text, normalized to the
// maximum term frequency so every value lies in (0, 1].
func SparseVector(text string) map[string]float32 {
	terms := tokenize(text)
	if len(terms) == 0 {
		return nil
	}
	counts := make(map[string]int, len(terms))
	maxCount := 0
	for _, t := range terms {
		counts[t]++
		if counts[t] > maxCount {
			maxCount = counts[t]
		}
	}
	vec := make(map[string]float32, len(counts))
	for t, c := range counts {
		vec[t] = float32(c) / float32(maxCount)
	}
	return vec
}

// sparseScore is the token-overlap score between a query's terms and a
// stored sparse vector: the sum of matched term weights.
func sparseScore(queryTerms []string, vec map[string]float32) float64 {
	if len(vec) == 0 {
		return 0
	}
	var score float64
	for _, t := range queryTerms {
		score += float64(vec[t])
	}
	return score
}

// cosine computes cosine similarity between two vectors; 0 when either is
// empty or mismatched.
func cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
