package strand

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// DefaultTurnTimeout bounds one turn end to end, including streaming.
const DefaultTurnTimeout = 200 * time.Second

// DefaultMaxTurns caps turns per user request.
const DefaultMaxTurns = 10

// ContextRetriever produces the RAG context block for a query, scoped to a
// document set. Implemented by the rag package.
type ContextRetriever interface {
	ContextFor(ctx context.Context, query string, documentIDs []string) (string, error)
}

// MemoryRecaller produces the conversation-memory recall block for a query.
type MemoryRecaller interface {
	RecallFor(ctx context.Context, conversationID, userID, query string) (string, error)
}

// MessageIndexer embeds stored user and assistant messages so later
// conversations can recall them.
type MessageIndexer interface {
	IndexMessage(ctx context.Context, m *Message) error
}

// Engine runs conversations forward one turn at a time. All progress is
// persisted; there is no in-memory continuation, so any worker can resume a
// paused conversation and a job interrupted by a restart re-runs from stored
// state.
type Engine struct {
	log       *slog.Logger
	store     Store
	manager   *Manager
	registry  *Registry
	bus       *Broadcaster
	queue     Queue
	estimator *TokenEstimator

	retriever ContextRetriever
	recaller  MemoryRecaller
	indexer   MessageIndexer

	turnTimeout   time.Duration
	maxTurns      int
	outputReserve int
}

type EngineOption func(*Engine)

func WithEngineLogger(log *slog.Logger) EngineOption {
	return func(e *Engine) { e.log = log }
}

func WithTurnTimeout(d time.Duration) EngineOption {
	return func(e *Engine) {
		if d > 0 {
			e.turnTimeout = d
		}
	}
}

func WithMaxTurns(n int) EngineOption {
	return func(e *Engine) {
		if n > 0 {
			e.maxTurns = n
		}
	}
}

// WithRetriever enables RAG context injection.
func WithRetriever(r ContextRetriever) EngineOption {
	return func(e *Engine) { e.retriever = r }
}

// WithRecaller enables conversation-memory recall for agents that opt in.
func WithRecaller(r MemoryRecaller) EngineOption {
	return func(e *Engine) { e.recaller = r }
}

// WithIndexer enables background message embedding for memory recall.
func WithIndexer(ix MessageIndexer) EngineOption {
	return func(e *Engine) { e.indexer = ix }
}

func NewEngine(store Store, manager *Manager, registry *Registry, bus *Broadcaster, queue Queue, opts ...EngineOption) *Engine {
	e := &Engine{
		log:           slog.New(slog.DiscardHandler),
		store:         store,
		manager:       manager,
		registry:      registry,
		bus:           bus,
		queue:         queue,
		estimator:     NewTokenEstimator(),
		turnTimeout:   DefaultTurnTimeout,
		maxTurns:      DefaultMaxTurns,
		outputReserve: DefaultOutputReserve,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// CreateConversation opens a conversation for a user against an agent.
// clientTools are the tool definitions the remote client implements;
// documentIDs scope RAG retrieval.
func (e *Engine) CreateConversation(ctx context.Context, userID, agentID string, clientTools []ToolDefinition, documentIDs []string) (*Conversation, error) {
	if _, err := e.store.Agent(ctx, agentID); err != nil {
		return nil, fmt.Errorf("engine: create conversation: %w", err)
	}
	now := NowUnix()
	conv := &Conversation{
		ID:          NewID(),
		UserID:      userID,
		AgentID:     agentID,
		Status:      StatusIdle,
		MaxTurns:    e.maxTurns,
		ClientTools: clientTools,
		DocumentIDs: documentIDs,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := e.store.CreateConversation(ctx, conv); err != nil {
		return nil, fmt.Errorf("engine: create conversation: %w", err)
	}
	return conv, nil
}

// PostUserMessage appends a user message and enqueues a turn job. The
// per-request turn counter resets so each user message gets a fresh budget
// of turns.
func (e *Engine) PostUserMessage(ctx context.Context, conversationID, text string, images []ImageData) (*Message, error) {
	conv, err := e.store.Conversation(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("engine: post message: %w", err)
	}
	if conv.Status == StatusPaused {
		return nil, fmt.Errorf("engine: post message: conversation %s is paused on a tool result", conversationID)
	}
	if conv.Status == StatusCancelled {
		return nil, fmt.Errorf("engine: post message: conversation %s is cancelled", conversationID)
	}

	msg := &Message{
		ID:             NewID(),
		ConversationID: conversationID,
		Role:           "user",
		Content:        text,
		Images:         images,
		TokenCount:     e.estimator.Count("", text),
		CreatedAt:      NowUnix(),
	}
	if err := e.store.AppendMessage(ctx, msg); err != nil {
		return nil, fmt.Errorf("engine: post message: %w", err)
	}
	e.index(msg)

	conv.Status = StatusActive
	conv.RequestTurnCount = 0
	conv.UpdatedAt = NowUnix()
	if err := e.store.UpdateConversation(ctx, conv); err != nil {
		return nil, fmt.Errorf("engine: post message: %w", err)
	}
	if err := e.dispatch(ctx, conversationID); err != nil {
		return nil, err
	}
	return msg, nil
}

// SubmitToolResult records the client's result for the pending tool call,
// clears the pause, and re-dispatches the turn job. The job resumes the
// tool loop from the next unresolved call.
func (e *Engine) SubmitToolResult(ctx context.Context, conversationID, toolCallID string, result ToolResult) error {
	conv, err := e.store.Conversation(ctx, conversationID)
	if err != nil {
		return fmt.Errorf("engine: tool result: %w", err)
	}
	if conv.PendingToolRequest == nil {
		return fmt.Errorf("engine: tool result: conversation %s has no pending tool request", conversationID)
	}
	if conv.PendingToolRequest.ID != toolCallID {
		return fmt.Errorf("engine: tool result: call id %s does not match pending %s", toolCallID, conv.PendingToolRequest.ID)
	}

	msg := &Message{
		ID:             NewID(),
		ConversationID: conversationID,
		Role:           "tool",
		Content:        result.Text(),
		ToolCallID:     toolCallID,
		ToolName:       conv.PendingToolRequest.Name,
		TokenCount:     e.estimator.Count("", result.Text()),
		CreatedAt:      NowUnix(),
	}
	if err := e.store.AppendMessage(ctx, msg); err != nil {
		return fmt.Errorf("engine: tool result: %w", err)
	}

	conv.PendingToolRequest = nil
	conv.WaitingFor = ""
	conv.Status = StatusActive
	conv.UpdatedAt = NowUnix()
	if err := e.store.UpdateConversation(ctx, conv); err != nil {
		return fmt.Errorf("engine: tool result: %w", err)
	}
	return e.dispatch(ctx, conversationID)
}

// Cancel marks the conversation cancelled. The running turn job observes the
// flag at its next check-point and stops without further side effects; an
// in-flight stream is aborted best-effort only.
func (e *Engine) Cancel(ctx context.Context, conversationID string) error {
	conv, err := e.store.Conversation(ctx, conversationID)
	if err != nil {
		return fmt.Errorf("engine: cancel: %w", err)
	}
	if conv.Status.Terminal() {
		return nil
	}
	conv.Status = StatusCancelled
	conv.PendingToolRequest = nil
	conv.WaitingFor = ""
	conv.CancelledAt = NowUnix()
	conv.UpdatedAt = conv.CancelledAt
	if err := e.store.UpdateConversation(ctx, conv); err != nil {
		return fmt.Errorf("engine: cancel: %w", err)
	}
	return nil
}

func (e *Engine) dispatch(ctx context.Context, conversationID string) error {
	err := e.queue.Enqueue(ctx, Job{Kind: JobTurn, Key: conversationID, Subject: conversationID})
	if err != nil {
		return fmt.Errorf("engine: dispatch turn: %w", err)
	}
	return nil
}

// RunTurn is the turn job handler. The queue's unique-key contract
// guarantees at most one RunTurn per conversation is in flight.
func (e *Engine) RunTurn(ctx context.Context, job Job) error {
	conversationID := job.Subject
	log := e.log.With("conversation_id", conversationID)

	conv, err := e.store.Conversation(ctx, conversationID)
	if err != nil {
		return fmt.Errorf("engine: run turn: %w", err)
	}
	if conv.Status == StatusCancelled || conv.Status.Terminal() {
		return nil
	}
	if conv.Status == StatusPaused {
		// Still waiting on the client; the tool-result handler will
		// re-dispatch.
		return nil
	}

	agent, err := e.store.Agent(ctx, conv.AgentID)
	if err != nil {
		return fmt.Errorf("engine: run turn: %w", err)
	}
	messages, err := e.store.Messages(ctx, conversationID)
	if err != nil {
		return fmt.Errorf("engine: run turn: %w", err)
	}

	tools, err := e.registry.ForConversation(agent, conv)
	if err != nil {
		e.failTurn(ctx, conv, nil, err)
		return nil
	}
	ctx = WithCallScope(ctx, CallScope{
		ConversationID: conv.ID,
		AgentID:        conv.AgentID,
		UserID:         conv.UserID,
	})

	pub := e.bus.Publisher(conversationID)
	defer func() {
		if err := pub.Close(); err != nil {
			log.Warn("engine: publisher close failed", "error", err)
		}
	}()

	// A tool result arriving after a pause leaves the latest assistant
	// message with unresolved calls. Resume the tool loop instead of
	// spending a turn on a new backend call.
	if pending := unresolvedCalls(messages); len(pending) > 0 {
		if done, err := e.runToolPhase(ctx, conv, tools, pub, pending); err != nil || done {
			return err
		}
		return e.nextTurn(ctx, conv, pub)
	}

	if conv.RequestTurnCount >= conv.MaxTurns {
		e.complete(ctx, conv, pub)
		return nil
	}
	conv.TurnCount++
	conv.RequestTurnCount++
	conv.Status = StatusActive
	conv.UpdatedAt = NowUnix()
	if err := e.store.UpdateConversation(ctx, conv); err != nil {
		return fmt.Errorf("engine: run turn: %w", err)
	}

	driver, cfg, err := e.manager.ForAgent(agent)
	if err != nil {
		e.failTurn(ctx, conv, pub, err)
		return nil
	}
	defer func() {
		if err := driver.Disconnect(); err != nil {
			log.Warn("engine: driver disconnect failed", "error", err)
		}
	}()

	turnCtx, cancel := context.WithTimeout(ctx, e.turnTimeout)
	defer cancel()

	sysPrompt, err := e.assemblePrompt(turnCtx, agent, conv, tools, messages)
	if err != nil {
		e.failTurn(ctx, conv, pub, err)
		return nil
	}
	summaries, err := e.store.CompletedSummaries(ctx, conversationID)
	if err != nil {
		return fmt.Errorf("engine: run turn: %w", err)
	}

	planned, err := PlanContext(PlanInput{
		Messages:           messages,
		Summaries:          summaries,
		ContextLimit:       cfg.ContextLimit,
		OutputReserve:      e.outputReserve,
		SystemPromptTokens: driver.CountTokens(sysPrompt),
		ToolDefTokens:      e.estimator.CountTools(cfg.Model, tools.Definitions()),
	})
	if err != nil {
		e.failTurn(ctx, conv, pub, err)
		return nil
	}

	if conv.TurnCount == 1 && conv.SystemPromptSnapshot == "" {
		conv.SystemPromptSnapshot = sysPrompt
		conv.ConfigSnapshot = cfg.Snapshot()
		if err := e.store.UpdateConversation(ctx, conv); err != nil {
			return fmt.Errorf("engine: run turn: %w", err)
		}
	}

	// Check-point: a cancel that landed while we assembled context.
	if cancelled, err := e.reload(ctx, conv); err != nil || cancelled {
		return err
	}

	resp, err := driver.StreamExecute(turnCtx, TurnContext{
		Messages:     planned,
		Tools:        tools.Definitions(),
		SystemPrompt: sysPrompt,
		RequestTurn:  conv.RequestTurnCount,
		MaxTurns:     conv.MaxTurns,
	}, pub.Sink())
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil
		}
		e.failTurn(ctx, conv, pub, err)
		return nil
	}

	if resp.UsageMissing {
		log.Warn("engine: provider reported no token usage", "backend", cfg.Backend, "model", cfg.Model)
	}

	// Check-point: a cancel that landed while the stream was in flight.
	// Reload before writing so the usage counters land on the fresh row
	// instead of a stale snapshot resurrecting a cancelled conversation.
	cancelled, err := e.reload(ctx, conv)
	if err != nil {
		return err
	}
	conv.PromptTokens += resp.Usage.PromptTokens
	conv.CompletionTokens += resp.Usage.CompletionTokens
	conv.UpdatedAt = NowUnix()
	if err := e.store.UpdateConversation(ctx, conv); err != nil {
		return fmt.Errorf("engine: run turn: %w", err)
	}
	if cancelled {
		return nil
	}

	validCalls := tools.FilterValid(resp.ToolCalls)
	assistant := &Message{
		ID:             NewID(),
		ConversationID: conversationID,
		Role:           "assistant",
		Content:        resp.Content,
		Thinking:       resp.Thinking,
		ToolCalls:      validCalls,
		TokenCount: e.estimator.CountMessage(cfg.Model, ChatMessage{
			Role: "assistant", Content: resp.Content, Thinking: resp.Thinking, ToolCalls: validCalls,
		}),
		CreatedAt: NowUnix(),
	}
	if err := e.store.AppendMessage(ctx, assistant); err != nil {
		return fmt.Errorf("engine: run turn: %w", err)
	}
	e.index(assistant)

	if len(validCalls) == 0 {
		e.complete(ctx, conv, pub)
		return nil
	}

	if done, err := e.runToolPhase(ctx, conv, tools, pub, validCalls); err != nil || done {
		return err
	}
	return e.nextTurn(ctx, conv, pub)
}

// runToolPhase executes calls in order. Client-tool calls pause the
// conversation and stop the phase; server-tool calls run inline. Returns
// done=true when the job must stop here (pause or cancel).
func (e *Engine) runToolPhase(ctx context.Context, conv *Conversation, tools *ToolSet, pub *Publisher, calls []ToolCall) (bool, error) {
	for _, call := range calls {
		// Check-point: between tool executions.
		if cancelled, err := e.reload(ctx, conv); err != nil || cancelled {
			return true, err
		}

		if tools.IsClientTool(call.Name) {
			pending := call
			conv.Status = StatusPaused
			conv.WaitingFor = WaitingForToolResult
			conv.PendingToolRequest = &pending
			conv.UpdatedAt = NowUnix()
			if err := e.store.UpdateConversation(ctx, conv); err != nil {
				return true, fmt.Errorf("engine: pause: %w", err)
			}
			pub.ToolRequest(call)
			return true, nil
		}

		pub.ToolExecuting(call)
		result := tools.Dispatch(ctx, call)
		msg := &Message{
			ID:             NewID(),
			ConversationID: conv.ID,
			Role:           "tool",
			Content:        result.Text(),
			ToolCallID:     call.ID,
			ToolName:       call.Name,
			TokenCount:     e.estimator.Count("", result.Text()),
			CreatedAt:      NowUnix(),
		}
		if err := e.store.AppendMessage(ctx, msg); err != nil {
			return true, fmt.Errorf("engine: tool phase: %w", err)
		}
		pub.ToolCompleted(call.ID, call.Name, result.Success(), result.Content)
	}
	return false, nil
}

// nextTurn is the final check-point and self-dispatch.
func (e *Engine) nextTurn(ctx context.Context, conv *Conversation, pub *Publisher) error {
	if cancelled, err := e.reload(ctx, conv); err != nil || cancelled {
		return err
	}
	return e.dispatch(ctx, conv.ID)
}

// reload refreshes conv from the store so check-points never act on a stale
// snapshot. Reports whether the conversation was cancelled.
func (e *Engine) reload(ctx context.Context, conv *Conversation) (bool, error) {
	fresh, err := e.store.Conversation(ctx, conv.ID)
	if err != nil {
		return false, fmt.Errorf("engine: reload: %w", err)
	}
	*conv = *fresh
	return conv.Status == StatusCancelled, nil
}

// complete ends the conversation. A concurrent cancel (or fail) wins: the
// fresh row is re-read and a terminal status is never overwritten.
func (e *Engine) complete(ctx context.Context, conv *Conversation, pub *Publisher) {
	if _, err := e.reload(ctx, conv); err != nil {
		e.log.Error("engine: completing conversation failed", "conversation_id", conv.ID, "error", err)
		return
	}
	if conv.Status.Terminal() {
		return
	}
	conv.Status = StatusCompleted
	conv.UpdatedAt = NowUnix()
	if err := e.store.UpdateConversation(ctx, conv); err != nil {
		e.log.Error("engine: completing conversation failed", "conversation_id", conv.ID, "error", err)
		return
	}
	if pub != nil {
		pub.Completed()
	}
}

// failTurn marks the conversation failed and broadcasts the error. Failed
// turns are never retried automatically; a new user message starts over.
// Like complete, it never demotes an already-terminal conversation.
func (e *Engine) failTurn(ctx context.Context, conv *Conversation, pub *Publisher, cause error) {
	kind := Classify(cause)
	e.log.Error("engine: turn failed",
		"conversation_id", conv.ID, "kind", kind, "error", cause)
	if _, err := e.reload(ctx, conv); err != nil {
		e.log.Error("engine: marking conversation failed", "conversation_id", conv.ID, "error", err)
		return
	}
	if conv.Status.Terminal() {
		return
	}
	conv.Status = StatusFailed
	conv.UpdatedAt = NowUnix()
	if err := e.store.UpdateConversation(ctx, conv); err != nil {
		e.log.Error("engine: marking conversation failed", "conversation_id", conv.ID, "error", err)
	}
	if pub != nil {
		pub.Failed(cause.Error())
	}
}

// assemblePrompt builds the system prompt: agent instructions, optional RAG
// and memory blocks, tool preamble, turn metadata. Retrieval failures
// degrade to an empty block rather than failing the turn.
func (e *Engine) assemblePrompt(ctx context.Context, agent *Agent, conv *Conversation, tools *ToolSet, messages []Message) (string, error) {
	query := latestUserText(messages)

	var ragBlock string
	if e.retriever != nil && query != "" && len(conv.DocumentIDs) > 0 {
		block, err := e.retriever.ContextFor(ctx, query, conv.DocumentIDs)
		if err != nil {
			e.log.Warn("engine: rag retrieval failed, continuing without context",
				"conversation_id", conv.ID, "error", err)
		} else {
			ragBlock = block
		}
	}

	var memoryBlock string
	if e.recaller != nil && agent.MemoryRecall && query != "" {
		block, err := e.recaller.RecallFor(ctx, conv.ID, conv.UserID, query)
		if err != nil {
			e.log.Warn("engine: memory recall failed, continuing without recall",
				"conversation_id", conv.ID, "error", err)
		} else {
			memoryBlock = block
		}
	}

	return AssemblePrompt(PromptInput{
		Instructions: agent.Instructions,
		RAGContext:   ragBlock,
		MemoryRecall: memoryBlock,
		ToolPreamble: tools.Preamble(),
		Turn:         conv.RequestTurnCount,
		MaxTurns:     conv.MaxTurns,
	}), nil
}

// index embeds a message off the turn path. Best effort: a failure costs
// recall coverage, not the turn.
func (e *Engine) index(m *Message) {
	if e.indexer == nil {
		return
	}
	msg := *m
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if err := e.indexer.IndexMessage(ctx, &msg); err != nil {
			e.log.Warn("engine: message indexing failed", "message_id", msg.ID, "error", err)
		}
	}()
}

func latestUserText(messages []Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "user" {
			return messages[i].Content
		}
	}
	return ""
}

// unresolvedCalls returns the latest assistant message's tool calls that
// have no correlated tool message yet, in call order.
func unresolvedCalls(messages []Message) []ToolCall {
	last := -1
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "assistant" {
			last = i
			break
		}
		if messages[i].Role == "user" {
			return nil
		}
	}
	if last == -1 || len(messages[last].ToolCalls) == 0 {
		return nil
	}
	resolved := make(map[string]bool)
	for _, m := range messages[last+1:] {
		if m.Role == "tool" && m.ToolCallID != "" {
			resolved[m.ToolCallID] = true
		}
	}
	var pending []ToolCall
	for _, call := range messages[last].ToolCalls {
		if !resolved[call.ID] {
			pending = append(pending, call)
		}
	}
	return pending
}
