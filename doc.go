// Package strand is a multi-backend conversational AI orchestrator.
//
// It drives a persisted, turn-based agent loop against pluggable LLM
// backends (OpenAI-compatible, Anthropic, Ollama), mediates tool execution
// between the model, server-side handlers, and a remote client, streams
// partial output over Server-Sent Events, and grounds prompts with
// retrieval-augmented context drawn from user documents, web fetches, and
// prior conversation history.
//
// The root package holds the domain types and the orchestration core: the
// turn engine, backend contract, config normalizer, tool registry, context
// window planner, prompt assembler, and event broadcaster. Subpackages
// provide the wire adapters (backend/...), the ingestion and retrieval
// pipeline (rag), server tool handlers (tools/...), durable stores
// (store/...), the HTTP surface (server), and OTEL instrumentation
// (observer).
//
// All conversation progress is persisted: a paused conversation can be
// resumed by any worker process, and a turn job interrupted by a restart is
// re-run from stored state.
package strand
