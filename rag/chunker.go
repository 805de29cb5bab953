package rag

import (
	"context"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/strandlabs/strand"
)

// Chunk is one embeddable slice of normalized text. Start and End are byte
// offsets into the normalized stage content; End is exclusive.
type Chunk struct {
	Content    string
	Start      int
	End        int
	TokenCount int
}

// Chunker splits normalized text into chunks.
type Chunker interface {
	Chunk(text string) []Chunk
}

// EmbedFunc embeds texts into vectors, matching the backend embedding
// signature so it can be passed directly.
type EmbedFunc func(ctx context.Context, texts []string) ([][]float32, error)

// ChunkerOption configures a chunker.
type ChunkerOption func(*chunkerConfig)

type chunkerConfig struct {
	maxTokens            int
	overlapTokens        int
	breakpointPercentile int
}

func defaultChunkerConfig() chunkerConfig {
	return chunkerConfig{maxTokens: 1000, overlapTokens: 100, breakpointPercentile: 25}
}

// WithMaxTokens sets the target tokens per chunk (approximated as tokens*4
// characters).
func WithMaxTokens(n int) ChunkerOption {
	return func(c *chunkerConfig) {
		if n > 0 {
			c.maxTokens = n
		}
	}
}

// WithOverlapTokens sets the overlap between consecutive chunks.
func WithOverlapTokens(n int) ChunkerOption {
	return func(c *chunkerConfig) {
		if n >= 0 {
			c.overlapTokens = n
		}
	}
}

// WithBreakpointPercentile sets the similarity-drop percentile at which the
// semantic chunker splits. Lower = fewer splits.
func WithBreakpointPercentile(p int) ChunkerOption {
	return func(c *chunkerConfig) {
		if p > 0 && p < 100 {
			c.breakpointPercentile = p
		}
	}
}

// --- sliding window (default) ---

// SlidingWindowChunker cuts fixed-size windows with overlap, preferring
// paragraph boundaries and falling back to sentence boundaries.
type SlidingWindowChunker struct {
	maxChars     int
	overlapChars int
}

func NewSlidingWindowChunker(opts ...ChunkerOption) *SlidingWindowChunker {
	cfg := defaultChunkerConfig()
	for _, o := range opts {
		o(&cfg)
	}
	return &SlidingWindowChunker{
		maxChars:     cfg.maxTokens * 4,
		overlapChars: cfg.overlapTokens * 4,
	}
}

func (c *SlidingWindowChunker) Chunk(text string) []Chunk {
	if strings.TrimSpace(text) == "" {
		return nil
	}

	var chunks []Chunk
	start := 0
	for start < len(text) {
		end := start + c.maxChars
		if end >= len(text) {
			end = len(text)
		} else {
			end = findBreak(text, start, end)
		}
		chunks = append(chunks, makeChunk(text, start, end))
		if end >= len(text) {
			break
		}
		next := end - c.overlapChars
		if next <= start {
			next = start + 1
		}
		start = next
	}
	return chunks
}

func makeChunk(text string, start, end int) Chunk {
	content := text[start:end]
	return Chunk{
		Content:    content,
		Start:      start,
		End:        end,
		TokenCount: strand.EstimateTokens(content),
	}
}

// findBreak searches backward from limit for a paragraph break, then a
// sentence boundary, then a space. Never returns start.
func findBreak(text string, start, limit int) int {
	window := text[start:limit]
	if i := strings.LastIndex(window, "\n\n"); i > 0 {
		return start + i + 2
	}
	if b := lastSentenceBoundary(window); b > 0 {
		return start + b
	}
	if i := strings.LastIndexByte(window, ' '); i > 0 {
		return start + i + 1
	}
	return limit
}

// --- sentence boundaries ---

// abbreviations that should not be treated as sentence boundaries.
var abbreviations = map[string]bool{
	"mr": true, "mrs": true, "ms": true, "dr": true,
	"prof": true, "sr": true, "jr": true,
	"vs": true, "etc": true, "inc": true, "ltd": true,
	"e.g": true, "i.e": true, "viz": true, "al": true,
	"approx": true, "dept": true, "est": true,
	"fig": true, "no": true, "vol": true,
}

// sentenceBoundaries returns the byte offsets just after each sentence end,
// skipping abbreviations and decimal numbers and handling CJK terminators.
func sentenceBoundaries(text string) []int {
	var bounds []int
	for i, r := range text {
		switch r {
		case '.', '!', '?':
			next := i + 1
			if next < len(text) && text[next] != ' ' && text[next] != '\n' {
				continue
			}
			if r == '.' && (isAbbreviation(text, i) || isDecimal(text, i)) {
				continue
			}
			for next < len(text) && (text[next] == ' ' || text[next] == '\n') {
				next++
			}
			bounds = append(bounds, next)
		case '。', '！', '？':
			bounds = append(bounds, i+utf8.RuneLen(r))
		}
	}
	return bounds
}

func lastSentenceBoundary(text string) int {
	bounds := sentenceBoundaries(text)
	if len(bounds) == 0 {
		return 0
	}
	b := bounds[len(bounds)-1]
	if b >= len(text) && len(bounds) > 1 {
		b = bounds[len(bounds)-2]
	}
	return b
}

func isAbbreviation(text string, dotPos int) bool {
	start := dotPos
	for start > 0 {
		r, size := utf8.DecodeLastRuneInString(text[:start])
		if !unicode.IsLetter(r) && r != '.' {
			break
		}
		start -= size
	}
	word := strings.ToLower(strings.TrimSuffix(text[start:dotPos], "."))
	word = strings.TrimPrefix(word, ".")
	return abbreviations[word]
}

func isDecimal(text string, dotPos int) bool {
	if dotPos == 0 || dotPos+1 >= len(text) {
		return false
	}
	prev, _ := utf8.DecodeLastRuneInString(text[:dotPos])
	next, _ := utf8.DecodeRuneInString(text[dotPos+1:])
	return unicode.IsDigit(prev) && unicode.IsDigit(next)
}

// --- recursive ---

// RecursiveChunker splits on paragraphs, then sentences, then hard cuts,
// and merges adjacent segments up to the size target with overlap.
type RecursiveChunker struct {
	maxChars     int
	overlapChars int
}

func NewRecursiveChunker(opts ...ChunkerOption) *RecursiveChunker {
	cfg := defaultChunkerConfig()
	for _, o := range opts {
		o(&cfg)
	}
	return &RecursiveChunker{
		maxChars:     cfg.maxTokens * 4,
		overlapChars: cfg.overlapTokens * 4,
	}
}

type segment struct {
	start, end int
}

func (c *RecursiveChunker) Chunk(text string) []Chunk {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	segments := splitSegments(text, 0, len(text), c.maxChars)
	return mergeSegments(text, segments, c.maxChars, c.overlapChars)
}

// splitSegments splits [start,end) on paragraph breaks, recursing into
// sentence boundaries and hard cuts for oversize pieces.
func splitSegments(text string, start, end, maxChars int) []segment {
	if end-start <= maxChars {
		return []segment{{start, end}}
	}

	var segments []segment
	cur := start
	for cur < end {
		rel := strings.Index(text[cur:end], "\n\n")
		segEnd := end
		if rel >= 0 {
			segEnd = cur + rel + 2
		}
		if segEnd-cur <= maxChars {
			segments = append(segments, segment{cur, segEnd})
		} else {
			segments = append(segments, splitSentenceSegments(text, cur, segEnd, maxChars)...)
		}
		cur = segEnd
	}
	return segments
}

func splitSentenceSegments(text string, start, end, maxChars int) []segment {
	var segments []segment
	cur := start
	for cur < end {
		limit := cur + maxChars
		if limit >= end {
			segments = append(segments, segment{cur, end})
			break
		}
		cut := findBreak(text, cur, limit)
		segments = append(segments, segment{cur, cut})
		cur = cut
	}
	return segments
}

// mergeSegments greedily packs segments into chunks up to maxChars, backing
// the next chunk's start up by the overlap.
func mergeSegments(text string, segments []segment, maxChars, overlapChars int) []Chunk {
	var chunks []Chunk
	i := 0
	for i < len(segments) {
		start := segments[i].start
		if len(chunks) > 0 {
			prev := chunks[len(chunks)-1]
			if back := prev.End - overlapChars; back > prev.Start && back < start {
				start = back
			}
		}
		end := segments[i].end
		for i+1 < len(segments) && segments[i+1].end-start <= maxChars {
			i++
			end = segments[i].end
		}
		chunks = append(chunks, makeChunk(text, start, end))
		i++
	}
	return chunks
}

// --- semantic ---

// SemanticChunker splits where consecutive sentence embeddings diverge. It
// needs an embedder; Chunk falls back to the sliding window when the
// embedder is unavailable or fails.
type SemanticChunker struct {
	embed      EmbedFunc
	percentile int
	fallback   *SlidingWindowChunker
	maxChars   int
}

func NewSemanticChunker(embed EmbedFunc, opts ...ChunkerOption) *SemanticChunker {
	cfg := defaultChunkerConfig()
	for _, o := range opts {
		o(&cfg)
	}
	return &SemanticChunker{
		embed:      embed,
		percentile: cfg.breakpointPercentile,
		fallback:   NewSlidingWindowChunker(opts...),
		maxChars:   cfg.maxTokens * 4,
	}
}

func (c *SemanticChunker) Chunk(text string) []Chunk {
	chunks, err := c.ChunkContext(context.Background(), text)
	if err != nil {
		return c.fallback.Chunk(text)
	}
	return chunks
}

// ChunkContext embeds each sentence and breaks at the largest similarity
// drops, capping chunk size at the configured maximum.
func (c *SemanticChunker) ChunkContext(ctx context.Context, text string) ([]Chunk, error) {
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}
	bounds := sentenceBoundaries(text)
	if len(bounds) < 3 || c.embed == nil {
		return c.fallback.Chunk(text), nil
	}

	var sents []segment
	prev := 0
	for _, b := range bounds {
		if b > prev {
			sents = append(sents, segment{prev, b})
			prev = b
		}
	}
	if prev < len(text) {
		sents = append(sents, segment{prev, len(text)})
	}

	texts := make([]string, len(sents))
	for i, s := range sents {
		texts[i] = text[s.start:s.end]
	}
	vecs, err := c.embed(ctx, texts)
	if err != nil || len(vecs) != len(sents) {
		return c.fallback.Chunk(text), nil
	}

	sims := make([]float64, len(sents)-1)
	for i := range sims {
		sims[i] = cosine(vecs[i], vecs[i+1])
	}
	threshold := percentileOf(sims, c.percentile)

	var chunks []Chunk
	start := sents[0].start
	for i := 0; i < len(sims); i++ {
		end := sents[i].end
		if sims[i] <= threshold || end-start >= c.maxChars {
			chunks = append(chunks, makeChunk(text, start, end))
			start = sents[i+1].start
		}
	}
	chunks = append(chunks, makeChunk(text, start, sents[len(sents)-1].end))
	return chunks, nil
}

func percentileOf(vals []float64, p int) float64 {
	sorted := append([]float64(nil), vals...)
	for i := 1; i < len(sorted); i++ {
		for j := i; j > 0 && sorted[j] < sorted[j-1]; j-- {
			sorted[j], sorted[j-1] = sorted[j-1], sorted[j]
		}
	}
	idx := len(sorted) * p / 100
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
