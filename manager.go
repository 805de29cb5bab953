package strand

import (
	"fmt"
	"log/slog"
)

// Manager resolves a backend driver plus a normalized per-request config for
// an agent. Registered backends are prototypes; every resolution returns an
// independent WithConfig clone that owns its own transport, so concurrent
// turns never share state.
type Manager struct {
	log        *slog.Logger
	backends   map[string]Backend
	globals    map[string]NormalizedConfig
	defaultKey string
	summaryKey string
}

type ManagerOption func(*Manager)

func WithManagerLogger(log *slog.Logger) ManagerOption {
	return func(m *Manager) { m.log = log }
}

// WithSummarizationBackend selects the backend used for summary rollups.
// Defaults to the default backend.
func WithSummarizationBackend(key string) ManagerOption {
	return func(m *Manager) { m.summaryKey = key }
}

// NewManager creates a manager with defaultKey as the fallback backend for
// agents without an explicit backend_key.
func NewManager(defaultKey string, opts ...ManagerOption) *Manager {
	m := &Manager{
		log:        slog.New(slog.DiscardHandler),
		backends:   make(map[string]Backend),
		globals:    make(map[string]NormalizedConfig),
		defaultKey: defaultKey,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Register binds a backend prototype and its global config to a key. Call
// during setup.
func (m *Manager) Register(key string, b Backend, global NormalizedConfig) {
	global.Backend = key
	m.backends[key] = b
	m.globals[key] = global
}

// Keys lists the registered backend keys.
func (m *Manager) Keys() []string {
	keys := make([]string, 0, len(m.backends))
	for k := range m.backends {
		keys = append(keys, k)
	}
	return keys
}

// ForAgent resolves the agent's backend, merges driver defaults, global
// config, and agent overrides in that order, normalizes, and returns a
// driver clone bound to the result.
func (m *Manager) ForAgent(agent *Agent) (Backend, NormalizedConfig, error) {
	key := m.defaultKey
	if agent != nil && agent.BackendKey != "" {
		key = agent.BackendKey
	}
	proto, ok := m.backends[key]
	if !ok {
		return nil, NormalizedConfig{}, fmt.Errorf("manager: unknown backend %q", key)
	}

	cfg := m.globals[key]
	if agent != nil {
		cfg = cfg.Merge(agent.ModelParams)
	}
	cfg = Normalize(cfg)
	for _, w := range cfg.ValidationWarnings {
		m.log.Warn("manager: config normalized", "backend", key, "warning", w)
	}
	return proto.WithConfig(cfg), cfg, nil
}

// ForSummarization resolves the summarization backend with its global
// config, no agent overrides.
func (m *Manager) ForSummarization() (Backend, NormalizedConfig, error) {
	key := m.summaryKey
	if key == "" {
		key = m.defaultKey
	}
	proto, ok := m.backends[key]
	if !ok {
		return nil, NormalizedConfig{}, fmt.Errorf("manager: unknown summarization backend %q", key)
	}
	cfg := Normalize(m.globals[key])
	return proto.WithConfig(cfg), cfg, nil
}

// ForEmbeddings resolves a backend that supports embeddings, preferring the
// default backend.
func (m *Manager) ForEmbeddings() (Backend, error) {
	key := m.defaultKey
	if proto, ok := m.backends[key]; ok && proto.SupportsEmbeddings() {
		cfg := Normalize(m.globals[key])
		return proto.WithConfig(cfg), nil
	}
	for k, proto := range m.backends {
		if proto.SupportsEmbeddings() {
			cfg := Normalize(m.globals[k])
			return proto.WithConfig(cfg), nil
		}
	}
	return nil, fmt.Errorf("manager: no backend supports embeddings")
}
