package strand

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// ModelParams is a sparse parameter override map. Nil fields mean "inherit".
// Agents carry one of these; the backend's global config carries another.
type ModelParams struct {
	Model            string   `json:"model,omitempty"`
	Temperature      *float64 `json:"temperature,omitempty"`
	TopP             *float64 `json:"top_p,omitempty"`
	TopK             *int     `json:"top_k,omitempty"`
	MaxTokens        *int     `json:"max_tokens,omitempty"`
	FrequencyPenalty *float64 `json:"frequency_penalty,omitempty"`
	PresencePenalty  *float64 `json:"presence_penalty,omitempty"`
	StopSequences    []string `json:"stop_sequences,omitempty"`
}

// NormalizedConfig is the fully resolved per-request model configuration:
// driver defaults, global backend config, and agent overrides merged in that
// order, then clamped against the model's known limits. Warnings describe
// each clamp or dropped parameter.
type NormalizedConfig struct {
	Backend string        `json:"backend"`
	Model   string        `json:"model"`
	BaseURL string        `json:"base_url,omitempty"`
	APIKey  string        `json:"-"`
	Timeout time.Duration `json:"timeout,omitempty"`

	ContextLimit     int      `json:"context_limit"`
	MaxTokens        int      `json:"max_tokens"`
	Temperature      float64  `json:"temperature"`
	TopP             float64  `json:"top_p,omitempty"`
	TopK             int      `json:"top_k,omitempty"`
	FrequencyPenalty float64  `json:"frequency_penalty,omitempty"`
	PresencePenalty  float64  `json:"presence_penalty,omitempty"`
	StopSequences    []string `json:"stop_sequences,omitempty"`

	ValidationWarnings []string `json:"validation_warnings,omitempty"`
}

// Snapshot serializes the config for the conversation's audit record.
func (c NormalizedConfig) Snapshot() json.RawMessage {
	b, _ := json.Marshal(c)
	return b
}

// ModelLimits are the known hard caps for a (backend, model) pair.
type ModelLimits struct {
	ContextWindow       int
	MaxCompletionTokens int
}

// modelLimits is keyed by "backend/model-prefix". Longest matching prefix
// wins; the bare backend key is the fallback row.
var modelLimits = map[string]ModelLimits{
	"openai":               {ContextWindow: 128000, MaxCompletionTokens: 16384},
	"openai/gpt-4o":        {ContextWindow: 128000, MaxCompletionTokens: 16384},
	"openai/gpt-4o-mini":   {ContextWindow: 128000, MaxCompletionTokens: 16384},
	"openai/gpt-4.1":       {ContextWindow: 1047576, MaxCompletionTokens: 32768},
	"openai/o3":            {ContextWindow: 200000, MaxCompletionTokens: 100000},
	"anthropic":            {ContextWindow: 200000, MaxCompletionTokens: 8192},
	"anthropic/claude-3-5": {ContextWindow: 200000, MaxCompletionTokens: 8192},
	"anthropic/claude-3-7": {ContextWindow: 200000, MaxCompletionTokens: 64000},
	"anthropic/claude-4":   {ContextWindow: 200000, MaxCompletionTokens: 64000},
	"ollama":               {ContextWindow: 8192, MaxCompletionTokens: 4096},
	"ollama/llama3":        {ContextWindow: 8192, MaxCompletionTokens: 4096},
	"ollama/qwen2.5":       {ContextWindow: 32768, MaxCompletionTokens: 8192},
	"ollama/mistral":       {ContextWindow: 32768, MaxCompletionTokens: 8192},
}

// LimitsFor resolves the known limits for a backend and model by longest
// prefix match, falling back to the backend's default row.
func LimitsFor(backend, model string) ModelLimits {
	best, bestLen := modelLimits[backend], -1
	for key, lim := range modelLimits {
		bk, prefix, ok := strings.Cut(key, "/")
		if !ok || bk != backend {
			continue
		}
		if strings.HasPrefix(model, prefix) && len(prefix) > bestLen {
			best, bestLen = lim, len(prefix)
		}
	}
	return best
}

// Merge applies the non-nil fields of p over c. Warnings are untouched;
// Normalize re-validates afterwards.
func (c NormalizedConfig) Merge(p *ModelParams) NormalizedConfig {
	if p == nil {
		return c
	}
	if p.Model != "" {
		c.Model = p.Model
	}
	if p.Temperature != nil {
		c.Temperature = *p.Temperature
	}
	if p.TopP != nil {
		c.TopP = *p.TopP
	}
	if p.TopK != nil {
		c.TopK = *p.TopK
	}
	if p.MaxTokens != nil {
		c.MaxTokens = *p.MaxTokens
	}
	if p.FrequencyPenalty != nil {
		c.FrequencyPenalty = *p.FrequencyPenalty
	}
	if p.PresencePenalty != nil {
		c.PresencePenalty = *p.PresencePenalty
	}
	if len(p.StopSequences) > 0 {
		c.StopSequences = append([]string(nil), p.StopSequences...)
	}
	return c
}

// Normalize clamps cfg against the model's known limits and drops parameters
// the backend does not support, recording one warning per change.
//
// Normalize is idempotent: a second application finds every value already in
// range and every unsupported parameter already zeroed, so it changes nothing
// and appends no warnings.
func Normalize(cfg NormalizedConfig) NormalizedConfig {
	lim := LimitsFor(cfg.Backend, cfg.Model)

	warn := func(format string, args ...any) {
		cfg.ValidationWarnings = append(cfg.ValidationWarnings, fmt.Sprintf(format, args...))
	}

	if lim.ContextWindow > 0 && (cfg.ContextLimit <= 0 || cfg.ContextLimit > lim.ContextWindow) {
		if cfg.ContextLimit > lim.ContextWindow {
			warn("context_limit %d exceeds model maximum %d, clamped", cfg.ContextLimit, lim.ContextWindow)
		}
		cfg.ContextLimit = lim.ContextWindow
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = lim.MaxCompletionTokens
	} else if lim.MaxCompletionTokens > 0 && cfg.MaxTokens > lim.MaxCompletionTokens {
		warn("max_tokens %d exceeds model maximum %d, clamped", cfg.MaxTokens, lim.MaxCompletionTokens)
		cfg.MaxTokens = lim.MaxCompletionTokens
	}
	if cfg.Temperature < 0 {
		warn("temperature %.2f below 0, clamped", cfg.Temperature)
		cfg.Temperature = 0
	} else if cfg.Temperature > 2 {
		warn("temperature %.2f above 2, clamped", cfg.Temperature)
		cfg.Temperature = 2
	}
	if cfg.TopP < 0 {
		warn("top_p %.2f below 0, clamped", cfg.TopP)
		cfg.TopP = 0
	} else if cfg.TopP > 1 {
		warn("top_p %.2f above 1, clamped", cfg.TopP)
		cfg.TopP = 1
	}

	switch cfg.Backend {
	case "openai":
		if cfg.TopK != 0 {
			warn("top_k is not supported by the openai backend, dropped")
			cfg.TopK = 0
		}
	case "ollama":
		if cfg.FrequencyPenalty != 0 {
			warn("frequency_penalty is not supported by the ollama backend, dropped")
			cfg.FrequencyPenalty = 0
		}
		if cfg.PresencePenalty != 0 {
			warn("presence_penalty is not supported by the ollama backend, dropped")
			cfg.PresencePenalty = 0
		}
	}
	return cfg
}
