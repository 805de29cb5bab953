package strand

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"

	"github.com/pkoukk/tiktoken-go"
)

// EstimateTokens is the tokenizer-free fallback: ceil(characters / 4).
func EstimateTokens(text string) int {
	return (len(text) + 3) / 4
}

// TokenEstimator counts tokens per model, caching results for 24 hours by
// hash(model || text). Models with a known tiktoken encoding are counted
// exactly; everything else falls back to EstimateTokens.
type TokenEstimator struct {
	mu       sync.Mutex
	cache    map[string]tokenCacheEntry
	ttl      time.Duration
	encoders map[string]*tiktoken.Tiktoken
	now      func() time.Time
}

type tokenCacheEntry struct {
	count   int
	expires time.Time
}

func NewTokenEstimator() *TokenEstimator {
	return &TokenEstimator{
		cache:    make(map[string]tokenCacheEntry),
		ttl:      24 * time.Hour,
		encoders: make(map[string]*tiktoken.Tiktoken),
		now:      time.Now,
	}
}

// Count returns the token count of text for model.
func (e *TokenEstimator) Count(model, text string) int {
	if text == "" {
		return 0
	}
	key := cacheKey(model, text)

	e.mu.Lock()
	if ent, ok := e.cache[key]; ok && e.now().Before(ent.expires) {
		e.mu.Unlock()
		return ent.count
	}
	enc := e.encoderLocked(model)
	e.mu.Unlock()

	var n int
	if enc != nil {
		n = len(enc.Encode(text, nil, nil))
	} else {
		n = EstimateTokens(text)
	}

	e.mu.Lock()
	if len(e.cache) > 10000 {
		e.pruneLocked()
	}
	e.cache[key] = tokenCacheEntry{count: n, expires: e.now().Add(e.ttl)}
	e.mu.Unlock()
	return n
}

// CountMessage sums the token counts of a message's role, content, thinking,
// and tool-call JSON.
func (e *TokenEstimator) CountMessage(model string, m ChatMessage) int {
	n := e.Count(model, m.Role) + e.Count(model, m.Content)
	if m.Thinking != "" {
		n += e.Count(model, m.Thinking)
	}
	for _, tc := range m.ToolCalls {
		n += e.Count(model, tc.Name)
		n += e.Count(model, string(tc.Args))
	}
	return n
}

// CountTools estimates the prompt cost of advertising a tool set, from the
// serialized definitions.
func (e *TokenEstimator) CountTools(model string, defs []ToolDefinition) int {
	if len(defs) == 0 {
		return 0
	}
	b, err := json.Marshal(defs)
	if err != nil {
		return 0
	}
	return e.Count(model, string(b))
}

// encoderLocked returns the tiktoken encoder for model, nil when the model
// has no known encoding. Failed lookups are memoized as nil so unknown
// models pay the lookup once.
func (e *TokenEstimator) encoderLocked(model string) *tiktoken.Tiktoken {
	if enc, ok := e.encoders[model]; ok {
		return enc
	}
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc = nil
	}
	e.encoders[model] = enc
	return enc
}

func (e *TokenEstimator) pruneLocked() {
	now := e.now()
	for k, ent := range e.cache {
		if now.After(ent.expires) {
			delete(e.cache, k)
		}
	}
}

func cacheKey(model, text string) string {
	h := sha256.New()
	h.Write([]byte(model))
	h.Write([]byte{0})
	h.Write([]byte(text))
	return hex.EncodeToString(h.Sum(nil))
}

// HashContent returns the content hash used for embedding cache keys and
// chunk dedup.
func HashContent(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}
